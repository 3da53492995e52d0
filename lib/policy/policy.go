// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package policy provides acquisition policies, selected by type
// name.
package policy

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/ow2-proactive/scheduling-sub049/lib/nodesource"
	"github.com/ow2-proactive/scheduling-sub049/lib/permission"
	"github.com/sirupsen/logrus"
)

// Env is what a policy factory may use besides the node source's
// policy parameters.
type Env struct {
	Logger     logrus.FieldLogger
	NodeSource string
}

// A Factory returns a new policy for one node source.
type Factory func(env Env, params map[string]string) (nodesource.AcquisitionPolicy, error)

var policies = map[string]Factory{
	"static":       newStatic,
	"restart-down": newRestartDown,
}

// New returns a new policy of the given type.
func New(typ string, env Env, params map[string]string) (nodesource.AcquisitionPolicy, error) {
	factory, ok := policies[typ]
	if !ok {
		return nil, fmt.Errorf("unsupported policy type %q", typ)
	}
	if env.Logger == nil {
		env.Logger = logrus.StandardLogger()
	}
	env.Logger = env.Logger.WithFields(logrus.Fields{
		"NodeSource": env.NodeSource,
		"Policy":     typ,
	})
	return factory(env, params)
}

// Types returns the supported policy type names, sorted.
func Types() []string {
	var types []string
	for typ := range policies {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// access holds the access types common to all policies.
//
// provider_access defaults to ME: only the node source administrator
// may add nodes. user_access defaults to ALL.
type access struct {
	provider permission.AccessType
	user     permission.AccessType
}

func parseAccess(params map[string]string) (access, error) {
	a := access{provider: permission.AccessMe, user: permission.AccessAll}
	if s, ok := params["provider_access"]; ok {
		at, err := permission.ParseAccessType(s)
		if err != nil {
			return a, fmt.Errorf("provider_access: %w", err)
		}
		a.provider = at
	}
	if s, ok := params["user_access"]; ok {
		at, err := permission.ParseAccessType(s)
		if err != nil {
			return a, fmt.Errorf("user_access: %w", err)
		}
		a.user = at
	}
	return a, nil
}

func (a access) ProviderAccessType() permission.AccessType { return a.provider }
func (a access) UserAccessType() permission.AccessType     { return a.user }

// parseNodes returns the "nodes" parameter, or 0 (meaning all the
// infrastructure can provide) if it is absent.
func parseNodes(params map[string]string) (int, error) {
	s, ok := params["nodes"]
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid nodes %q", s)
	}
	return n, nil
}

// acquire asks t for n nodes, or all nodes if n is 0.
func acquire(t nodesource.Target, n int, params map[string]string) error {
	if n > 0 {
		return t.AcquireNodes(n, params)
	}
	return t.AcquireAllNodes(params)
}
