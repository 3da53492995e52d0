// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nodesource

import (
	"fmt"
	"time"
)

type EventType int

const (
	EventNodeAdded EventType = iota
	EventNodeReconnected
	EventNodeDown
	EventNodeRemoved
	EventNodeDeploying
	EventNodeSourceShutdown
)

var eventTypeString = map[EventType]string{
	EventNodeAdded:          "NODE_ADDED",
	EventNodeReconnected:    "NODE_RECONNECTED",
	EventNodeDown:           "NODE_DOWN",
	EventNodeRemoved:        "NODE_REMOVED",
	EventNodeDeploying:      "NODE_DEPLOYING",
	EventNodeSourceShutdown: "NODESOURCE_SHUTDOWN",
}

func (t EventType) String() string {
	if str, ok := eventTypeString[t]; ok {
		return str
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Event describes a change in a node source or one of its nodes.
type Event struct {
	Type       EventType
	NodeSource string
	NodeURL    string `json:",omitempty"`
	Initiator  string `json:",omitempty"`
	Time       time.Time
}
