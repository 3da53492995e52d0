// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nodesource

import (
	"context"

	"github.com/ow2-proactive/scheduling-sub049/lib/permission"
)

// RawNode is a handle to a node process, obtained by looking up its
// URL.
type RawNode interface {
	// URL the node registered with. Stable across node restarts.
	URL() string
	// ID identifies the node process. A node that restarts
	// under the same URL gets a new ID.
	ID() string
	Host() string
	// Token is the access token the node was started with, or
	// "" if the node is not protected by a token.
	Token() string
	// Ping returns an error if the node is unreachable or does not
	// answer before ctx is done.
	Ping(ctx context.Context) error
}

// Lookup resolves a node URL to a RawNode.
type Lookup interface {
	Lookup(ctx context.Context, url string) (RawNode, error)
}

// InfrastructureManager creates and destroys the nodes of a node
// source.
//
// Methods are called from the node source's control goroutine, so
// they must not block on slow operations, and must not call back into
// the node source synchronously. DeployingNodes and DeployingNode are
// also called from other goroutines.
type InfrastructureManager interface {
	// AcquireNode, AcquireNodes, and AcquireAllNodes start
	// deploying nodes. The resulting nodes register themselves
	// later via the node source's registration URL.
	AcquireNode()
	AcquireNodes(n int, params map[string]string)
	AcquireAllNodes(params map[string]string)

	// RegisterAcquiredNode is called when a node has been looked
	// up and is about to be registered. If the node was deployed
	// by the infrastructure, it returns (and forgets) the deploying
	// placeholder; otherwise nil.
	RegisterAcquiredNode(raw RawNode) *Node

	// RemoveNode releases the node's underlying resources. isDown
	// is true if the node was already known to be down.
	RemoveNode(raw RawNode, isDown bool) error

	// RemoveDeployingNode abandons a deploying node. It returns
	// false if url is not a deploying node.
	RemoveDeployingNode(url string) bool

	OnDownNodeReconnection(raw RawNode)
	NotifyDownNode(raw RawNode)

	DeployingNodes() []Node
	DeployingNode(url string) (Node, bool)

	// ShutDown releases everything the infrastructure still holds.
	ShutDown()
}

// VariableRecorder is implemented by infrastructures that keep state
// which must survive a restart of the resource manager.
type VariableRecorder interface {
	Variables() map[string]string
	RestoreVariables(map[string]string)
}

// Binder is implemented by infrastructures that need a reference to
// their node source (for its name and registration URL, or to report
// deploying nodes).
type Binder interface {
	Bind(ns *NodeSource)
}

// Target is the subset of NodeSource operations available to an
// acquisition policy.
type Target interface {
	Name() string
	Administrator() permission.Client
	AcquireOneNode() error
	AcquireNodes(n int, params map[string]string) error
	AcquireAllNodes(params map[string]string) error
	AliveNodes() []Node
	DownNodes() []Node
	RemoveNode(url string, initiator permission.Client) (bool, error)
}

// AcquisitionPolicy decides when a node source acquires and releases
// nodes, and who may provide and use them.
type AcquisitionPolicy interface {
	// Activate starts the policy. It returns false if the policy
	// could not be started.
	Activate(t Target) bool
	// Shutdown stops the policy. It is called from the node
	// source's control goroutine during teardown and must not
	// call back into the node source synchronously.
	Shutdown(initiator permission.Client)
	ProviderAccessType() permission.AccessType
	UserAccessType() permission.AccessType
}

// OwningCore is the resource manager core that owns a node source.
// Calls are made from the node source's control goroutine; the core
// must not call back into the node source synchronously.
type OwningCore interface {
	InternalRegisterConfiguringNode(node Node)
	RemoveNodeFromCore(url string) bool
	SetDeploying(node Node) bool
	SetDownNode(url string)
	SetNodeAvailable(url string)
	NodeSourceUnregister(name string, ev Event)
}

// MonitoringSink receives node and node source events.
type MonitoringSink interface {
	NodeEvent(ev Event)
}

// Configurator finishes setting up a newly registered node. It runs
// asynchronously on the task pool. On failure it reports the node
// down to the core itself.
type Configurator interface {
	Configure(ctx context.Context, node Node)
}

// Topology tracks which nodes are available on which hosts.
type Topology interface {
	AddNode(node Node)
	RemoveNode(node Node)
}
