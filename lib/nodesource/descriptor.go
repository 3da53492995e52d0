// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nodesource

import (
	"fmt"
)

// Status records whether a node source's nodes are deployed.
type Status int

const (
	StatusNodesUndeployed Status = iota
	StatusNodesDeployed
)

func (s Status) String() string {
	switch s {
	case StatusNodesDeployed:
		return "deployed"
	case StatusNodesUndeployed:
		return "undeployed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	switch s {
	case StatusNodesDeployed, StatusNodesUndeployed:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("invalid node source status %d", int(s))
	}
}

func (s *Status) UnmarshalText(text []byte) error {
	switch string(text) {
	case "deployed":
		*s = StatusNodesDeployed
	case "undeployed", "":
		*s = StatusNodesUndeployed
	default:
		return fmt.Errorf("invalid node source status %q", text)
	}
	return nil
}

// Descriptor is the persistent definition of a node source: enough
// to recreate it after a restart.
type Descriptor struct {
	Name                     string            `json:"name"`
	InfrastructureType       string            `json:"infrastructure_type"`
	InfrastructureParameters map[string]string `json:"infrastructure_parameters"`
	PolicyType               string            `json:"policy_type"`
	PolicyParameters         map[string]string `json:"policy_parameters"`
	Provider                 string            `json:"provider"`
	Description              string            `json:"description"`
	Recoverable              bool              `json:"recoverable"`
	Status                   Status            `json:"status"`

	LastRecoveredInfrastructureVariables map[string]string `json:"last_recovered_infrastructure_variables,omitempty"`
}

// WithStatus returns a copy of d with the given status.
func (d Descriptor) WithStatus(s Status) Descriptor {
	d.Status = s
	return d
}

// Validate returns an error if d cannot be used to create a node
// source.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("node source name is empty")
	}
	if d.InfrastructureType == "" {
		return fmt.Errorf("node source %q: infrastructure type is empty", d.Name)
	}
	if d.PolicyType == "" {
		return fmt.Errorf("node source %q: policy type is empty", d.Name)
	}
	return nil
}
