// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nsmgr

import (
	"context"

	"github.com/ow2-proactive/scheduling-sub049/lib/nodesource"
	"github.com/sirupsen/logrus"
)

// The methods in this file are called by node sources, mostly from
// their control goroutines. They must not call back into a node
// source synchronously, except Configure, which runs on the task pool.

var (
	_ nodesource.OwningCore     = (*core)(nil)
	_ nodesource.MonitoringSink = (*Manager)(nil)
	_ nodesource.Configurator   = (*Manager)(nil)
	_ nodesource.Topology       = (*topology)(nil)
)

// core is the Manager's nodesource.OwningCore. Like topology, it is a
// separate type so its methods don't collide with the Manager's own
// node operations.
type core Manager

// InternalRegisterConfiguringNode implements nodesource.OwningCore.
func (c *core) InternalRegisterConfiguringNode(node nodesource.Node) {
	m := (*Manager)(c)
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if old, ok := m.nodes[node.URL]; ok {
		m.mNodes.WithLabelValues(string(old.Status)).Dec()
	}
	m.nodes[node.URL] = &NodeRecord{Node: node, Status: NodeConfiguring}
	m.mNodes.WithLabelValues(string(NodeConfiguring)).Inc()
}

// RemoveNodeFromCore implements nodesource.OwningCore.
func (c *core) RemoveNodeFromCore(url string) bool {
	m := (*Manager)(c)
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.deleteRecord(url)
}

// deleteRecord forgets url. Caller must hold m.mtx.
func (m *Manager) deleteRecord(url string) bool {
	rec, ok := m.nodes[url]
	if !ok {
		return false
	}
	m.mNodes.WithLabelValues(string(rec.Status)).Dec()
	delete(m.nodes, url)
	m.removeHost(rec.Host, url)
	return true
}

// SetDeploying implements nodesource.OwningCore. It returns false if
// a node with the same URL is already registered.
func (c *core) SetDeploying(node nodesource.Node) bool {
	m := (*Manager)(c)
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if old, ok := m.nodes[node.URL]; ok {
		if old.Status != NodeDeploying {
			return false
		}
		m.mNodes.WithLabelValues(string(old.Status)).Dec()
	}
	m.nodes[node.URL] = &NodeRecord{Node: node, Status: NodeDeploying}
	m.mNodes.WithLabelValues(string(NodeDeploying)).Inc()
	return true
}

// SetDownNode implements nodesource.OwningCore.
func (c *core) SetDownNode(url string) {
	m := (*Manager)(c)
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if rec, ok := m.nodes[url]; ok {
		m.setNodeStatus(rec, NodeDown)
		rec.State = nodesource.NodeDown
		m.removeHost(rec.Host, url)
	}
}

// SetNodeAvailable implements nodesource.OwningCore.
func (c *core) SetNodeAvailable(url string) {
	m := (*Manager)(c)
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if rec, ok := m.nodes[url]; ok {
		m.setNodeStatus(rec, NodeFree)
		rec.State = nodesource.NodeAlive
	}
}

// setNodeStatus changes rec's status. Caller must hold m.mtx.
func (m *Manager) setNodeStatus(rec *NodeRecord, status NodeStatus) {
	if rec.Status == status {
		return
	}
	m.mNodes.WithLabelValues(string(rec.Status)).Dec()
	rec.Status = status
	m.mNodes.WithLabelValues(string(status)).Inc()
}

// NodeSourceUnregister implements nodesource.OwningCore. It is
// called once a node source has terminated.
func (c *core) NodeSourceUnregister(name string, ev nodesource.Event) {
	m := (*Manager)(c)
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for url, rec := range m.nodes {
		if rec.NodeSource == name {
			m.deleteRecord(url)
		}
	}
	src, ok := m.sources[name]
	if !ok {
		return
	}
	src.ns, src.infra = nil, nil
	if src.removed {
		delete(m.sources, name)
	}
	m.logger.WithFields(logrus.Fields{
		"NodeSource": name,
		"Initiator":  ev.Initiator,
	}).Info("node source unregistered")
}

// NodeEvent implements nodesource.MonitoringSink.
func (m *Manager) NodeEvent(ev nodesource.Event) {
	m.mEvents.WithLabelValues(ev.Type.String()).Inc()
	m.logger.WithFields(logrus.Fields{
		"NodeSource": ev.NodeSource,
		"NodeURL":    ev.NodeURL,
		"Initiator":  ev.Initiator,
		"Event":      ev.Type.String(),
	}).Debug("node event")
	switch ev.Type {
	case nodesource.EventNodeAdded, nodesource.EventNodeRemoved, nodesource.EventNodeSourceShutdown:
		m.markDirty(ev.NodeSource)
	}
}

// Configure implements nodesource.Configurator. A node is ready for
// use once it answers a ping; otherwise it is reported down to its
// node source.
func (m *Manager) Configure(ctx context.Context, node nodesource.Node) {
	logger := m.logger.WithFields(logrus.Fields{
		"NodeSource": node.NodeSource,
		"NodeURL":    node.URL,
	})
	var err error
	if node.Raw != nil {
		pctx, cancel := context.WithTimeout(ctx, m.pingTimeout)
		err = node.Raw.Ping(pctx)
		cancel()
	}

	m.mtx.Lock()
	rec, ok := m.nodes[node.URL]
	if !ok || rec.Status != NodeConfiguring || !sameProcess(rec.Node, node) {
		m.mtx.Unlock()
		logger.Debug("node changed during configuration, ignoring result")
		return
	}
	if err == nil {
		m.setNodeStatus(rec, NodeFree)
		m.addHost(rec.Host, rec.URL)
		m.mtx.Unlock()
		logger.Info("node configured")
		return
	}
	var ns *nodesource.NodeSource
	if src, ok := m.sources[node.NodeSource]; ok {
		ns = src.ns
	}
	m.mtx.Unlock()

	logger.WithError(err).Warn("node configuration failed")
	if ns != nil {
		if err := ns.DetectedPingedDownNode(node.URL); err != nil {
			logger.WithError(err).Debug("cannot report node down")
		}
	}
}

func sameProcess(a, b nodesource.Node) bool {
	if a.Raw == nil || b.Raw == nil {
		return a.Raw == nil && b.Raw == nil
	}
	return a.Raw.ID() == b.Raw.ID()
}

type topology Manager

func (t *topology) AddNode(node nodesource.Node) {
	m := (*Manager)(t)
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.addHost(node.Host, node.URL)
}

func (t *topology) RemoveNode(node nodesource.Node) {
	m := (*Manager)(t)
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.removeHost(node.Host, node.URL)
}

// Caller must hold m.mtx.
func (m *Manager) addHost(host, url string) {
	if m.hosts[host] == nil {
		m.hosts[host] = map[string]bool{}
	}
	m.hosts[host][url] = true
}

// Caller must hold m.mtx.
func (m *Manager) removeHost(host, url string) {
	delete(m.hosts[host], url)
	if len(m.hosts[host]) == 0 {
		delete(m.hosts, host)
	}
}
