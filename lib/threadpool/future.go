// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package threadpool

import (
	"context"
	"sync"
)

// A Future is the pending result of a submitted Task.
type Future struct {
	done chan struct{}
	once sync.Once
	val  interface{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(val interface{}, err error) {
	f.once.Do(func() {
		f.val, f.err = val, err
		close(f.done)
	})
}

// Done returns a channel that is closed when the result is ready.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait returns the task's result, or ctx's error if ctx is done
// first. The task itself is not cancelled when Wait gives up.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
