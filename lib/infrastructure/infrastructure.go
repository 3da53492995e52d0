// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package infrastructure provides the infrastructure managers a node
// source can deploy its nodes with, selected by type name.
package infrastructure

import (
	"fmt"
	"sort"

	"github.com/ow2-proactive/scheduling-sub049/lib/nodesource"
	"github.com/ow2-proactive/scheduling-sub049/sdk/go/rm"
	"github.com/sirupsen/logrus"
)

// Env is what an infrastructure factory may use besides the node
// source's own infrastructure parameters.
type Env struct {
	Logger     logrus.FieldLogger
	NodeSource string
	Docker     rm.DockerConfig
}

// A Factory returns a new infrastructure manager for one node source.
type Factory func(env Env, params map[string]string) (nodesource.InfrastructureManager, error)

var drivers = map[string]Factory{
	"default": newManual,
	"docker":  newDocker,
}

// New returns a new infrastructure manager of the given type.
func New(typ string, env Env, params map[string]string) (nodesource.InfrastructureManager, error) {
	factory, ok := drivers[typ]
	if !ok {
		return nil, fmt.Errorf("unsupported infrastructure type %q", typ)
	}
	if env.Logger == nil {
		env.Logger = logrus.StandardLogger()
	}
	env.Logger = env.Logger.WithFields(logrus.Fields{
		"NodeSource":     env.NodeSource,
		"Infrastructure": typ,
	})
	return factory(env, params)
}

// Types returns the supported infrastructure type names, sorted.
func Types() []string {
	var types []string
	for typ := range drivers {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}
