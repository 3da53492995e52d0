// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nstest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ow2-proactive/scheduling-sub049/lib/nodesource"
)

// StubLookup resolves URLs to nodes added with Put.
type StubLookup struct {
	// Delay is applied to every lookup, subject to the lookup
	// context.
	Delay time.Duration

	mtx   sync.Mutex
	nodes map[string]nodesource.RawNode
	calls int
}

// Put makes subsequent lookups of raw.URL() return raw.
func (sl *StubLookup) Put(raw nodesource.RawNode) {
	sl.mtx.Lock()
	defer sl.mtx.Unlock()
	if sl.nodes == nil {
		sl.nodes = map[string]nodesource.RawNode{}
	}
	sl.nodes[raw.URL()] = raw
}

// Forget makes subsequent lookups of url fail.
func (sl *StubLookup) Forget(url string) {
	sl.mtx.Lock()
	defer sl.mtx.Unlock()
	delete(sl.nodes, url)
}

// Calls returns the number of lookups attempted.
func (sl *StubLookup) Calls() int {
	sl.mtx.Lock()
	defer sl.mtx.Unlock()
	return sl.calls
}

func (sl *StubLookup) Lookup(ctx context.Context, url string) (nodesource.RawNode, error) {
	sl.mtx.Lock()
	sl.calls++
	raw, ok := sl.nodes[url]
	sl.mtx.Unlock()
	if sl.Delay > 0 {
		select {
		case <-time.After(sl.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, fmt.Errorf("no node at %s", url)
	}
	return raw, nil
}
