// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package policy

import (
	"github.com/ow2-proactive/scheduling-sub049/lib/nodesource"
	"github.com/ow2-proactive/scheduling-sub049/lib/permission"
	"github.com/sirupsen/logrus"
)

// static acquires nodes once, when activated, and keeps them.
type static struct {
	access
	logger logrus.FieldLogger
	nodes  int
	params map[string]string
}

func newStatic(env Env, params map[string]string) (nodesource.AcquisitionPolicy, error) {
	a, err := parseAccess(params)
	if err != nil {
		return nil, err
	}
	n, err := parseNodes(params)
	if err != nil {
		return nil, err
	}
	return &static{access: a, logger: env.Logger, nodes: n, params: params}, nil
}

func (p *static) Activate(t nodesource.Target) bool {
	if err := acquire(t, p.nodes, p.params); err != nil {
		p.logger.WithError(err).Error("cannot acquire nodes")
		return false
	}
	return true
}

func (p *static) Shutdown(initiator permission.Client) {
	p.logger.WithField("Initiator", initiator.Name).Info("policy shut down")
}
