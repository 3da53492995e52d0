// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package nodeagent is the process that runs on a worker node. It
// answers node lookups and pings, and registers the node with its
// node source.
package nodeagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/julienschmidt/httprouter"
	"github.com/ow2-proactive/scheduling-sub049/lib/nodelookup"
	"github.com/sirupsen/logrus"
)

// Config holds an agent's identity and registration settings.
type Config struct {
	// URL the node registers with, e.g. node://host:8000.
	NodeURL string
	Host    string
	// If not empty, only holders of Token may use the node.
	Token string

	// Node source registration endpoint. If empty, the agent
	// does not register itself.
	RegistrationURL string
	// Bearer token presented to the registration endpoint.
	APIToken string

	RegisterRetries int
}

// Agent serves the node's info and ping endpoints.
type Agent struct {
	logger logrus.FieldLogger
	config Config
	info   nodelookup.NodeInfo
	router *httprouter.Router
	client *retryablehttp.Client
}

// New returns an Agent with a new random process ID.
func New(logger logrus.FieldLogger, cfg Config) *Agent {
	a := &Agent{
		logger: logger.WithField("NodeURL", cfg.NodeURL),
		config: cfg,
		info: nodelookup.NodeInfo{
			ID:    uuid.NewString(),
			Host:  cfg.Host,
			Token: cfg.Token,
		},
	}
	a.router = httprouter.New()
	a.router.GET(nodelookup.InfoPath, a.serveInfo)
	a.router.GET(nodelookup.PingPath, a.serveInfo)

	a.client = retryablehttp.NewClient()
	a.client.RetryMax = cfg.RegisterRetries
	a.client.RetryWaitMin = 250 * time.Millisecond
	a.client.RetryWaitMax = 5 * time.Second
	a.client.Logger = nil
	a.client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			a.logger.WithField("Attempt", attempt).Info("retrying registration")
		}
	}
	return a
}

func (a *Agent) setNodeURL(u string) {
	a.config.NodeURL = u
	a.logger = a.logger.WithField("NodeURL", u)
}

// ID returns the process ID reported to lookups and pings.
func (a *Agent) ID() string {
	return a.info.ID
}

func (a *Agent) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	a.router.ServeHTTP(w, req)
}

func (a *Agent) serveInfo(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(a.info)
}

// Register announces the node to its node source. It retries
// transient failures, and returns an error if the node source
// refuses the node.
func (a *Agent) Register(ctx context.Context) error {
	if a.config.RegistrationURL == "" {
		a.logger.Info("no registration URL, waiting to be added manually")
		return nil
	}
	body, err := json.Marshal(map[string]string{"url": a.config.NodeURL})
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, a.config.RegistrationURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.config.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.config.APIToken)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("register at %s: %w", a.config.RegistrationURL, err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<12))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("register at %s: %s: %s", a.config.RegistrationURL, resp.Status, bytes.TrimSpace(msg))
	}
	a.logger.WithField("RegistrationURL", a.config.RegistrationURL).Info("registered")
	return nil
}
