// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nsmgr

import (
	"context"
	"errors"

	"github.com/ow2-proactive/scheduling-sub049/lib/nodesource"
	"github.com/ow2-proactive/scheduling-sub049/lib/nsstore"
	"github.com/prometheus/client_golang/prometheus"
)

// markDirty schedules a write of the named node source's
// infrastructure variables.
func (m *Manager) markDirty(name string) {
	m.mtx.Lock()
	m.dirty[name] = true
	m.mtx.Unlock()
	select {
	case m.dirtyNotify <- struct{}{}:
	default:
	}
}

// runPersister writes infrastructure variables of dirty node sources
// to the store, one at a time, until Stop is called. Each write saves
// the latest variables, so coalesced notifications lose nothing.
func (m *Manager) runPersister() {
	defer m.persisterWG.Done()
	for {
		select {
		case <-m.stop:
			return
		case <-m.dirtyNotify:
		}
		m.mtx.Lock()
		dirty := m.dirty
		m.dirty = map[string]bool{}
		m.mtx.Unlock()
		for name := range dirty {
			m.persistVariables(name)
		}
	}
}

func (m *Manager) persistVariables(name string) {
	m.mtx.Lock()
	src, ok := m.sources[name]
	if !ok || src.removed || !src.desc.Recoverable {
		m.mtx.Unlock()
		return
	}
	infra := src.infra
	m.mtx.Unlock()

	var vars map[string]string
	if vr, ok := infra.(nodesource.VariableRecorder); ok {
		vars = vr.Variables()
	}

	m.mtx.Lock()
	if src, ok := m.sources[name]; ok {
		src.desc.LastRecoveredInfrastructureVariables = vars
	}
	m.mtx.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	err := m.store.UpdateVariables(ctx, name, vars)
	if err != nil && !errors.Is(err, nsstore.ErrNotFound) {
		m.logger.WithError(err).WithField("NodeSource", name).Error("cannot record infrastructure variables")
	}
}

func (m *Manager) registerMetrics(reg *prometheus.Registry) {
	m.mNodes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rm",
		Subsystem: "nodes",
		Name:      "total",
		Help:      "Number of nodes known to the manager, by status.",
	}, []string{"status"})
	reg.MustRegister(m.mNodes)
	m.mEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rm",
		Subsystem: "nodes",
		Name:      "events_total",
		Help:      "Number of node and node source events, by type.",
	}, []string{"type"})
	reg.MustRegister(m.mEvents)
	for _, status := range []NodeStatus{NodeDeploying, NodeConfiguring, NodeFree, NodeDown} {
		m.mNodes.WithLabelValues(string(status)).Set(0)
	}
}
