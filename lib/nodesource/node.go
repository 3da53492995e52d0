// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nodesource

import (
	"fmt"
	"time"

	"github.com/ow2-proactive/scheduling-sub049/lib/permission"
)

// NodeState is the liveness state of a node as seen by its node
// source.
type NodeState int

const (
	NodeAlive NodeState = iota
	NodeDown
	NodeDeploying
)

var nodeStateString = map[NodeState]string{
	NodeAlive:     "alive",
	NodeDown:      "down",
	NodeDeploying: "deploying",
}

// String implements fmt.Stringer.
func (s NodeState) String() string {
	if str, ok := nodeStateString[s]; ok {
		return str
	}
	return fmt.Sprintf("NodeState(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler so a JSON encoding of
// a Node has human-readable state names.
func (s NodeState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *NodeState) UnmarshalText(text []byte) error {
	for st, str := range nodeStateString {
		if str == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown node state %q", text)
}

// Node is a node known to a node source: either registered (alive or
// down) or a deploying placeholder held by the infrastructure.
//
// Permission and ProtectedByToken are fixed at registration.
type Node struct {
	URL              string
	NodeSource       string
	Host             string
	State            NodeState
	Provider         string
	Permission       permission.Permission `json:"-"`
	ProtectedByToken bool
	LockedBy         string    `json:",omitempty"`
	LockTime         time.Time `json:",omitempty"`
	Description      string    `json:",omitempty"`
	Added            time.Time
	Raw              RawNode `json:"-"`
}

// Locked returns true if the node carries a lock, typically
// inherited from a deploying placeholder.
func (n Node) Locked() bool {
	return n.LockedBy != ""
}
