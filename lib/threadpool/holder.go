// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package threadpool provides a fixed set of bounded worker pools
// addressed by index.
package threadpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Pool indexes used by node sources.
const (
	PoolLookup = 0 // blocking node lookups
	PoolTask   = 1 // fire-and-forget parallel tasks (pings, configuration)
)

const (
	defaultDrainTimeout = 10 * time.Second
	queueFactor         = 64
)

var (
	ErrInvalidPool  = errors.New("invalid argument: pool index out of range")
	ErrQueueFull    = errors.New("pool queue is full")
	ErrPoolShutdown = errors.New("pool is shut down")
)

// A Task is a unit of work. It should return promptly when ctx is
// canceled.
type Task func(ctx context.Context) (interface{}, error)

// Holder is a set of independently sized, independently
// shut-down-able worker pools. Pools share no state, so a busy pool
// never starves another.
//
// All methods are safe to call concurrently.
type Holder struct {
	logger       logrus.FieldLogger
	drainTimeout time.Duration
	pools        []*pool
}

// New returns a Holder with one pool per given size. Sizes less than
// 1 are treated as 1.
func New(logger logrus.FieldLogger, drainTimeout time.Duration, sizes ...int) *Holder {
	if drainTimeout <= 0 {
		drainTimeout = defaultDrainTimeout
	}
	h := &Holder{
		logger:       logger,
		drainTimeout: drainTimeout,
	}
	for i, size := range sizes {
		if size < 1 {
			size = 1
		}
		h.pools = append(h.pools, newPool(logger.WithField("Pool", i), size))
	}
	return h
}

// NewFromTotal returns a Holder with a lookup pool and a task pool,
// splitting total workers (minimum 2) roughly half and half.
func NewFromTotal(logger logrus.FieldLogger, drainTimeout time.Duration, total int) *Holder {
	if total < 2 {
		total = 2
	}
	lookup := total / 2
	return New(logger, drainTimeout, lookup, total-lookup)
}

func (h *Holder) pool(idx int) (*pool, error) {
	if idx < 0 || idx >= len(h.pools) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPool, idx)
	}
	return h.pools[idx], nil
}

// Size returns the number of workers in the given pool.
func (h *Holder) Size(idx int) (int, error) {
	p, err := h.pool(idx)
	if err != nil {
		return 0, err
	}
	return p.size, nil
}

// Submit queues task on the given pool and returns a Future for its
// result. If the queue is full, Submit waits for space until ctx is
// done.
func (h *Holder) Submit(ctx context.Context, idx int, task Task) (*Future, error) {
	p, err := h.pool(idx)
	if err != nil {
		return nil, err
	}
	j := &job{task: task, future: newFuture()}
	if err := p.enqueue(ctx, j, true); err != nil {
		return nil, err
	}
	return j.future, nil
}

// Execute queues task on the given pool without waiting for the
// result. Execute never blocks: it returns ErrQueueFull if the pool's
// queue has no room.
func (h *Holder) Execute(idx int, task Task) error {
	p, err := h.pool(idx)
	if err != nil {
		return err
	}
	return p.enqueue(context.Background(), &job{task: task}, false)
}

// Shutdown stops accepting tasks on the given pool, waits up to the
// drain timeout for queued and running tasks to finish, then cancels
// whatever is left.
func (h *Holder) Shutdown(idx int) error {
	p, err := h.pool(idx)
	if err != nil {
		return err
	}
	p.shutdown(h.drainTimeout)
	return nil
}

// ShutdownAll shuts down every pool, concurrently.
func (h *Holder) ShutdownAll() {
	var wg sync.WaitGroup
	for _, p := range h.pools {
		wg.Add(1)
		go func(p *pool) {
			defer wg.Done()
			p.shutdown(h.drainTimeout)
		}(p)
	}
	wg.Wait()
}

type job struct {
	task   Task
	future *Future // nil for Execute
}

type pool struct {
	logger  logrus.FieldLogger
	size    int
	queue   chan *job
	closing chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mtx    sync.RWMutex // protects closed and sends on queue
	closed bool
	once   sync.Once
}

func newPool(logger logrus.FieldLogger, size int) *pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &pool{
		logger:  logger,
		size:    size,
		queue:   make(chan *job, size*queueFactor),
		closing: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

func (p *pool) enqueue(ctx context.Context, j *job, wait bool) error {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	if p.closed {
		return ErrPoolShutdown
	}
	if !wait {
		select {
		case p.queue <- j:
			return nil
		default:
			return ErrQueueFull
		}
	}
	select {
	case p.queue <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closing:
		return ErrPoolShutdown
	}
}

func (p *pool) work() {
	defer p.wg.Done()
	for j := range p.queue {
		p.run(j)
	}
}

func (p *pool) run(j *job) {
	if p.ctx.Err() != nil {
		// Cancelled after the drain timeout: fail the job
		// without running it.
		if j.future != nil {
			j.future.resolve(nil, ErrPoolShutdown)
		}
		return
	}
	var (
		val interface{}
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.WithField("Panic", r).Error("task panicked")
				err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		val, err = j.task(p.ctx)
	}()
	if j.future != nil {
		j.future.resolve(val, err)
	}
}

func (p *pool) shutdown(drainTimeout time.Duration) {
	p.once.Do(func() {
		// Wake any Submit blocked on a full queue so it
		// releases its read lock.
		close(p.closing)
		p.mtx.Lock()
		p.closed = true
		close(p.queue)
		p.mtx.Unlock()

		drained := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(drained)
		}()
		select {
		case <-drained:
			p.logger.Debug("pool drained")
		case <-time.After(drainTimeout):
			p.logger.WithField("Queued", len(p.queue)).Warn("pool drain timed out, cancelling remaining tasks")
		}
		p.cancel()
	})
}
