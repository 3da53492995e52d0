// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package policy

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ow2-proactive/scheduling-sub049/lib/nodesource"
	"github.com/ow2-proactive/scheduling-sub049/lib/permission"
	"github.com/sirupsen/logrus"
)

const defaultRestartInterval = time.Minute

// restartDown acquires nodes when activated, then periodically
// removes down nodes and acquires a replacement for each.
type restartDown struct {
	access
	logger   logrus.FieldLogger
	nodes    int
	params   map[string]string
	interval time.Duration

	activate sync.Once
	stopOnce sync.Once
	stop     chan struct{}
}

func newRestartDown(env Env, params map[string]string) (nodesource.AcquisitionPolicy, error) {
	a, err := parseAccess(params)
	if err != nil {
		return nil, err
	}
	n, err := parseNodes(params)
	if err != nil {
		return nil, err
	}
	p := &restartDown{
		access:   a,
		logger:   env.Logger,
		nodes:    n,
		params:   params,
		interval: defaultRestartInterval,
		stop:     make(chan struct{}),
	}
	if s, ok := params["interval"]; ok {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid interval %q", s)
		}
		p.interval = d
	}
	return p, nil
}

func (p *restartDown) Activate(t nodesource.Target) bool {
	ok := false
	p.activate.Do(func() {
		if err := acquire(t, p.nodes, p.params); err != nil {
			p.logger.WithError(err).Error("cannot acquire nodes")
			return
		}
		ok = true
		go p.run(t)
	})
	return ok
}

func (p *restartDown) run(t nodesource.Target) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}
		if err := p.restartDownNodes(t); errors.Is(err, nodesource.ErrTerminated) {
			return
		} else if err != nil {
			p.logger.WithError(err).Warn("cannot restart down nodes")
		}
	}
}

func (p *restartDown) restartDownNodes(t nodesource.Target) error {
	for _, node := range t.DownNodes() {
		select {
		case <-p.stop:
			return nil
		default:
		}
		removed, err := t.RemoveNode(node.URL, t.Administrator())
		if err != nil {
			return err
		}
		if !removed {
			continue
		}
		p.logger.WithField("NodeURL", node.URL).Info("removed down node, acquiring a replacement")
		if err := t.AcquireOneNode(); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown stops the restart loop. It does not wait for a restart in
// progress.
func (p *restartDown) Shutdown(initiator permission.Client) {
	p.stopOnce.Do(func() { close(p.stop) })
	p.logger.WithField("Initiator", initiator.Name).Info("policy shut down")
}
