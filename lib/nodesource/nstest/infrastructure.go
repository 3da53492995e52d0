// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nstest

import (
	"sort"
	"strconv"
	"sync"

	"github.com/ow2-proactive/scheduling-sub049/lib/nodesource"
)

// StubInfrastructure is a nodesource.InfrastructureManager that
// records its calls. Deploying placeholders are added by the test
// with AddDeploying.
type StubInfrastructure struct {
	recorder

	// RemoveErr, if not nil, is returned by RemoveNode.
	RemoveErr error

	// AcquireHook, if not nil, is called by AcquireNode,
	// AcquireNodes, and AcquireAllNodes.
	AcquireHook func()

	mtx       sync.Mutex
	deploying map[string]nodesource.Node
	bound     *nodesource.NodeSource
}

func (si *StubInfrastructure) Bind(ns *nodesource.NodeSource) {
	si.mtx.Lock()
	defer si.mtx.Unlock()
	si.bound = ns
}

// Bound returns the node source passed to Bind.
func (si *StubInfrastructure) Bound() *nodesource.NodeSource {
	si.mtx.Lock()
	defer si.mtx.Unlock()
	return si.bound
}

// AddDeploying adds a deploying placeholder, which will be returned
// by RegisterAcquiredNode when a node registers with the same URL.
func (si *StubInfrastructure) AddDeploying(node nodesource.Node) {
	si.mtx.Lock()
	defer si.mtx.Unlock()
	if si.deploying == nil {
		si.deploying = map[string]nodesource.Node{}
	}
	node.State = nodesource.NodeDeploying
	si.deploying[node.URL] = node
}

func (si *StubInfrastructure) AcquireNode() {
	si.record("AcquireNode", "")
	si.acquireHook()
}

func (si *StubInfrastructure) AcquireNodes(n int, params map[string]string) {
	si.record("AcquireNodes", strconv.Itoa(n))
	si.acquireHook()
}

func (si *StubInfrastructure) AcquireAllNodes(params map[string]string) {
	si.record("AcquireAllNodes", "")
	si.acquireHook()
}

func (si *StubInfrastructure) acquireHook() {
	if si.AcquireHook != nil {
		si.AcquireHook()
	}
}

func (si *StubInfrastructure) RegisterAcquiredNode(raw nodesource.RawNode) *nodesource.Node {
	si.record("RegisterAcquiredNode", raw.URL())
	si.mtx.Lock()
	defer si.mtx.Unlock()
	node, ok := si.deploying[raw.URL()]
	if !ok {
		return nil
	}
	delete(si.deploying, raw.URL())
	return &node
}

func (si *StubInfrastructure) RemoveNode(raw nodesource.RawNode, isDown bool) error {
	if isDown {
		si.record("RemoveDownNode", raw.URL())
	} else {
		si.record("RemoveNode", raw.URL())
	}
	return si.RemoveErr
}

func (si *StubInfrastructure) RemoveDeployingNode(url string) bool {
	si.record("RemoveDeployingNode", url)
	si.mtx.Lock()
	defer si.mtx.Unlock()
	_, ok := si.deploying[url]
	delete(si.deploying, url)
	return ok
}

func (si *StubInfrastructure) OnDownNodeReconnection(raw nodesource.RawNode) {
	si.record("OnDownNodeReconnection", raw.URL())
}

func (si *StubInfrastructure) NotifyDownNode(raw nodesource.RawNode) {
	si.record("NotifyDownNode", raw.URL())
}

func (si *StubInfrastructure) DeployingNodes() []nodesource.Node {
	si.mtx.Lock()
	defer si.mtx.Unlock()
	var nodes []nodesource.Node
	for _, node := range si.deploying {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].URL < nodes[j].URL })
	return nodes
}

func (si *StubInfrastructure) DeployingNode(url string) (nodesource.Node, bool) {
	si.mtx.Lock()
	defer si.mtx.Unlock()
	node, ok := si.deploying[url]
	return node, ok
}

func (si *StubInfrastructure) ShutDown() {
	si.record("ShutDown", "")
}
