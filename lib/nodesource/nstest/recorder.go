// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package nstest provides stub node source collaborators for tests.
package nstest

import (
	"sync"
)

// recorder logs method calls so tests can check which collaborator
// hooks ran, and with what URLs.
type recorder struct {
	mtx   sync.Mutex
	calls map[string][]string
}

func (r *recorder) record(method, arg string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.calls == nil {
		r.calls = map[string][]string{}
	}
	r.calls[method] = append(r.calls[method], arg)
}

// Calls returns the argument (usually a node URL) of each call to
// the given method, in call order.
func (r *recorder) Calls(method string) []string {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return append([]string(nil), r.calls[method]...)
}

// Count returns the number of calls to the given method.
func (r *recorder) Count(method string) int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.calls[method])
}
