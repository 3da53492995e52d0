// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nstest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ow2-proactive/scheduling-sub049/lib/nodesource"
)

var ErrStubPing = errors.New("stub node is not responding")

var stubNodeSeq int64

// StubRawNode is a nodesource.RawNode whose ping result is set by
// the test.
type StubRawNode struct {
	NodeURL   string
	NodeID    string
	NodeHost  string
	NodeToken string

	mtx       sync.Mutex
	pingErr   error
	pingPanic bool
	pingHang  bool
	pings     int
}

// NewStubRawNode returns a responsive node with a unique ID.
func NewStubRawNode(url, host string) *StubRawNode {
	return &StubRawNode{
		NodeURL:  url,
		NodeID:   fmt.Sprintf("stub-%d", atomic.AddInt64(&stubNodeSeq, 1)),
		NodeHost: host,
	}
}

func (n *StubRawNode) URL() string   { return n.NodeURL }
func (n *StubRawNode) ID() string    { return n.NodeID }
func (n *StubRawNode) Host() string  { return n.NodeHost }
func (n *StubRawNode) Token() string { return n.NodeToken }

func (n *StubRawNode) Ping(ctx context.Context) error {
	n.mtx.Lock()
	n.pings++
	err, p, hang := n.pingErr, n.pingPanic, n.pingHang
	n.mtx.Unlock()
	if p {
		panic("stub node ping panic")
	}
	if hang {
		<-ctx.Done()
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

// SetPingError makes subsequent pings fail with err (or succeed, if
// err is nil).
func (n *StubRawNode) SetPingError(err error) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.pingErr = err
}

// SetPingPanic makes subsequent pings panic.
func (n *StubRawNode) SetPingPanic(p bool) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.pingPanic = p
}

// SetPingHang makes subsequent pings block until their context is
// done.
func (n *StubRawNode) SetPingHang(hang bool) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.pingHang = hang
}

// Pings returns the number of times Ping has been called.
func (n *StubRawNode) Pings() int {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.pings
}

var _ nodesource.RawNode = (*StubRawNode)(nil)
