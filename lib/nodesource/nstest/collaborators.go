// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nstest

import (
	"context"
	"sync"

	"github.com/ow2-proactive/scheduling-sub049/lib/nodesource"
	"github.com/ow2-proactive/scheduling-sub049/lib/permission"
)

// StubPolicy is a nodesource.AcquisitionPolicy with fixed access
// types.
type StubPolicy struct {
	recorder
	ProviderAccess permission.AccessType
	UserAccess     permission.AccessType

	// If not nil, called by Activate.
	OnActivate func(nodesource.Target) bool
}

func (sp *StubPolicy) Activate(t nodesource.Target) bool {
	sp.record("Activate", t.Name())
	if sp.OnActivate != nil {
		return sp.OnActivate(t)
	}
	return true
}

func (sp *StubPolicy) Shutdown(initiator permission.Client) {
	sp.record("Shutdown", initiator.Name)
}

func (sp *StubPolicy) ProviderAccessType() permission.AccessType { return sp.ProviderAccess }
func (sp *StubPolicy) UserAccessType() permission.AccessType     { return sp.UserAccess }

// StubCore is a nodesource.OwningCore that records its calls and the
// nodes it was given.
type StubCore struct {
	recorder

	mtx          sync.Mutex
	configuring  map[string]nodesource.Node
	unregistered []nodesource.Event
}

func (sc *StubCore) InternalRegisterConfiguringNode(node nodesource.Node) {
	sc.record("InternalRegisterConfiguringNode", node.URL)
	sc.mtx.Lock()
	defer sc.mtx.Unlock()
	if sc.configuring == nil {
		sc.configuring = map[string]nodesource.Node{}
	}
	sc.configuring[node.URL] = node
}

// Configuring returns the node most recently passed to
// InternalRegisterConfiguringNode with the given URL.
func (sc *StubCore) Configuring(url string) (nodesource.Node, bool) {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()
	node, ok := sc.configuring[url]
	return node, ok
}

func (sc *StubCore) RemoveNodeFromCore(url string) bool {
	sc.record("RemoveNodeFromCore", url)
	return true
}

func (sc *StubCore) SetDeploying(node nodesource.Node) bool {
	sc.record("SetDeploying", node.URL)
	return true
}

func (sc *StubCore) SetDownNode(url string) {
	sc.record("SetDownNode", url)
}

func (sc *StubCore) SetNodeAvailable(url string) {
	sc.record("SetNodeAvailable", url)
}

func (sc *StubCore) NodeSourceUnregister(name string, ev nodesource.Event) {
	sc.record("NodeSourceUnregister", name)
	sc.mtx.Lock()
	defer sc.mtx.Unlock()
	sc.unregistered = append(sc.unregistered, ev)
}

// StubSink is a nodesource.MonitoringSink that keeps every event.
type StubSink struct {
	mtx    sync.Mutex
	events []nodesource.Event
}

func (ss *StubSink) NodeEvent(ev nodesource.Event) {
	ss.mtx.Lock()
	defer ss.mtx.Unlock()
	ss.events = append(ss.events, ev)
}

// Events returns the events of the given type, in order.
func (ss *StubSink) Events(t nodesource.EventType) []nodesource.Event {
	ss.mtx.Lock()
	defer ss.mtx.Unlock()
	var evs []nodesource.Event
	for _, ev := range ss.events {
		if ev.Type == t {
			evs = append(evs, ev)
		}
	}
	return evs
}

// StubConfigurator is a nodesource.Configurator that records the
// nodes it configures and optionally reports them down.
type StubConfigurator struct {
	recorder
	// If not nil, called with each node's URL after it is
	// configured.
	Fail func(url string)
}

func (sc *StubConfigurator) Configure(ctx context.Context, node nodesource.Node) {
	sc.record("Configure", node.URL)
	if sc.Fail != nil {
		sc.Fail(node.URL)
	}
}

// StubTopology is a nodesource.Topology that records its calls.
type StubTopology struct {
	recorder
}

func (st *StubTopology) AddNode(node nodesource.Node)    { st.record("AddNode", node.URL) }
func (st *StubTopology) RemoveNode(node nodesource.Node) { st.record("RemoveNode", node.URL) }
