// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package nsstore persists node source descriptors so node sources
// can be recreated after a restart.
package nsstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ow2-proactive/scheduling-sub049/lib/nodesource"
	"github.com/ow2-proactive/scheduling-sub049/sdk/go/rm"
	"github.com/sirupsen/logrus"
)

var ErrNotFound = errors.New("node source descriptor not found")

// Store is a collection of descriptors keyed by node source name.
type Store interface {
	// Save adds d, or replaces the descriptor with the same name.
	Save(ctx context.Context, d nodesource.Descriptor) error
	UpdateStatus(ctx context.Context, name string, status nodesource.Status) error
	// UpdateVariables replaces the recorded infrastructure
	// variables.
	UpdateVariables(ctx context.Context, name string, vars map[string]string) error
	Delete(ctx context.Context, name string) error
	// List returns all descriptors, sorted by name.
	List(ctx context.Context) ([]nodesource.Descriptor, error)
	Close() error
}

// New returns the store selected by cfg.Driver.
func New(ctx context.Context, logger logrus.FieldLogger, cfg rm.DescriptorStoreConfig) (Store, error) {
	logger = logger.WithField("DescriptorStore", cfg.Driver)
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "postgres", "sqlite":
		return NewSQL(ctx, logger, cfg.Driver, cfg.DSN)
	case "etcd":
		return NewEtcd(ctx, logger, cfg.Endpoints, rm.DurationOr(cfg.DialTimeout, 5*time.Second), cfg.Prefix)
	default:
		return nil, fmt.Errorf("unsupported descriptor store driver %q", cfg.Driver)
	}
}

func sortDescriptors(ds []nodesource.Descriptor) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].Name < ds[j].Name })
}

func copyVariables(vars map[string]string) map[string]string {
	if vars == nil {
		return nil
	}
	cp := make(map[string]string, len(vars))
	for k, v := range vars {
		cp[k] = v
	}
	return cp
}

// copyDescriptor returns a copy of d that shares no maps with it.
func copyDescriptor(d nodesource.Descriptor) nodesource.Descriptor {
	d.InfrastructureParameters = copyVariables(d.InfrastructureParameters)
	d.PolicyParameters = copyVariables(d.PolicyParameters)
	d.LastRecoveredInfrastructureVariables = copyVariables(d.LastRecoveredInfrastructureVariables)
	return d
}
