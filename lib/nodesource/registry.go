// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nodesource

import (
	"sort"
	"sync"
)

// registry holds a node source's registered nodes, partitioned into
// alive and down. A URL is never in both partitions.
//
// The control goroutine is the only writer, but snapshots and counts
// are safe to read from any goroutine.
type registry struct {
	mtx   sync.Mutex
	alive map[string]Node
	down  map[string]Node
}

func newRegistry() *registry {
	return &registry{
		alive: map[string]Node{},
		down:  map[string]Node{},
	}
}

// add inserts node into the alive partition.
func (r *registry) add(url string, node Node) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if _, ok := r.alive[url]; ok {
		return ErrDuplicateNode
	}
	if _, ok := r.down[url]; ok {
		return ErrDuplicateNode
	}
	node.URL = url
	node.State = NodeAlive
	r.alive[url] = node
	return nil
}

// markDown moves url from alive to down. It returns false if url is
// not alive.
func (r *registry) markDown(url string) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	node, ok := r.alive[url]
	if !ok {
		return false
	}
	delete(r.alive, url)
	node.State = NodeDown
	r.down[url] = node
	return true
}

// markAvailable moves url from down to alive. It returns false if url
// is not down.
func (r *registry) markAvailable(url string) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	node, ok := r.down[url]
	if !ok {
		return false
	}
	delete(r.down, url)
	node.State = NodeAlive
	r.alive[url] = node
	return true
}

// setRaw replaces the raw handle of a registered node.
func (r *registry) setRaw(url string, raw RawNode) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for _, part := range []map[string]Node{r.alive, r.down} {
		if node, ok := part[url]; ok {
			node.Raw = raw
			part[url] = node
			return true
		}
	}
	return false
}

// remove deletes url from whichever partition holds it.
func (r *registry) remove(url string) (Node, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if node, ok := r.alive[url]; ok {
		delete(r.alive, url)
		return node, true
	}
	if node, ok := r.down[url]; ok {
		delete(r.down, url)
		return node, true
	}
	return Node{}, false
}

func (r *registry) lookup(url string) (Node, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if node, ok := r.alive[url]; ok {
		return node, true
	}
	node, ok := r.down[url]
	return node, ok
}

func (r *registry) aliveSnapshot() []Node {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return snapshot(r.alive)
}

func (r *registry) downSnapshot() []Node {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return snapshot(r.down)
}

func (r *registry) aliveCount() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.alive)
}

func (r *registry) downCount() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.down)
}

// snapshot returns the nodes in part, sorted by URL. Caller must hold
// the lock.
func snapshot(part map[string]Node) []Node {
	nodes := make([]Node, 0, len(part))
	for _, node := range part {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].URL < nodes[j].URL
	})
	return nodes
}
