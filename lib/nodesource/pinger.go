// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nodesource

import (
	"context"
	"fmt"
	"time"

	"github.com/ow2-proactive/scheduling-sub049/lib/threadpool"
)

const pingResultsBuffer = 64

type pingResult struct {
	url     string
	raw     RawNode
	err     error
	skipped bool // never pinged
}

// pingIfDue starts a ping sweep if the ping frequency has elapsed
// since the last one and the previous sweep has queued all of its
// pings. Caller must be the control goroutine.
func (ns *NodeSource) pingIfDue(now time.Time) {
	if ns.shutdownRequested || ns.sweeping || now.Sub(ns.lastPing) < ns.PingFrequency() {
		return
	}
	ns.lastPing = now
	var nodes []Node
	for _, node := range ns.reg.aliveSnapshot() {
		if ns.pinging[node.URL] || node.Raw == nil {
			continue
		}
		ns.pinging[node.URL] = true
		nodes = append(nodes, node)
	}
	if len(nodes) == 0 {
		return
	}
	ns.sweeping = true
	go ns.sweep(nodes)
}

// sweep queues one ping per node on the task pool, waiting for
// queue space as needed, so every node is eventually pinged no matter
// how many there are. Results reach the control goroutine
// through ns.pingResults.
func (ns *NodeSource) sweep(nodes []Node) {
	type pending struct {
		url    string
		future *threadpool.Future
	}
	var queued []pending
	for i, node := range nodes {
		url, raw := node.URL, node.Raw
		f, err := ns.pools.Submit(ns.ctx, threadpool.PoolTask, func(ctx context.Context) (interface{}, error) {
			ctx, cancel := context.WithTimeout(ctx, ns.pingTimeout)
			defer cancel()
			ns.report(pingResult{url: url, raw: raw, err: ping(ctx, raw)})
			return nil, nil
		})
		if err != nil {
			if ns.ctx.Err() == nil {
				ns.logger.WithError(err).WithField("Unpinged", len(nodes)-i).Warn("ping sweep interrupted")
			}
			for _, node := range nodes[i:] {
				ns.report(pingResult{url: node.URL, skipped: true})
			}
			break
		}
		queued = append(queued, pending{url, f})
	}
	ns.post(func() { ns.sweeping = false })

	// A pool cancelled after its drain timeout fails queued
	// futures without running them, so their results would never
	// be reported.
	for _, p := range queued {
		if _, err := p.future.Wait(ns.ctx); err != nil && ns.ctx.Err() == nil {
			ns.report(pingResult{url: p.url, skipped: true})
		}
	}
}

func (ns *NodeSource) report(res pingResult) {
	select {
	case ns.pingResults <- res:
	case <-ns.done:
	}
}

func (ns *NodeSource) pingFinished(res pingResult) {
	delete(ns.pinging, res.url)
	if res.skipped {
		ns.metrics.pingSkipped(ns.name)
		return
	}
	if res.err == nil {
		return
	}
	ns.metrics.pingFailed(ns.name)
	ns.logger.WithField("NodeURL", res.url).WithError(res.err).Info("ping failed")
	ns.detectedPingedDownNode(res.url, res.raw)
}

func ping(ctx context.Context, raw RawNode) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ping panicked: %v", r)
		}
	}()
	return raw.Ping(ctx)
}
