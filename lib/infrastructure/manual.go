// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package infrastructure

import (
	"github.com/ow2-proactive/scheduling-sub049/lib/nodesource"
	"github.com/sirupsen/logrus"
)

// manual is the "default" infrastructure. It cannot deploy nodes:
// nodes are started by hand and added by URL.
type manual struct {
	logger logrus.FieldLogger
}

func newManual(env Env, params map[string]string) (nodesource.InfrastructureManager, error) {
	return &manual{logger: env.Logger}, nil
}

func (m *manual) AcquireNode() {
	m.logger.Info("default infrastructure cannot deploy nodes; add them by URL")
}

func (m *manual) AcquireNodes(n int, params map[string]string) {
	m.AcquireNode()
}

func (m *manual) AcquireAllNodes(params map[string]string) {
	m.AcquireNode()
}

func (m *manual) RegisterAcquiredNode(raw nodesource.RawNode) *nodesource.Node {
	return nil
}

func (m *manual) RemoveNode(raw nodesource.RawNode, isDown bool) error {
	m.logger.WithFields(logrus.Fields{
		"NodeURL": raw.URL(),
		"IsDown":  isDown,
	}).Debug("node released; the node process is not stopped")
	return nil
}

func (m *manual) RemoveDeployingNode(url string) bool { return false }

func (m *manual) OnDownNodeReconnection(raw nodesource.RawNode) {}

func (m *manual) NotifyDownNode(raw nodesource.RawNode) {}

func (m *manual) DeployingNodes() []nodesource.Node { return nil }

func (m *manual) DeployingNode(url string) (nodesource.Node, bool) {
	return nodesource.Node{}, false
}

func (m *manual) ShutDown() {}
