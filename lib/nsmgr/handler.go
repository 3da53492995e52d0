// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nsmgr

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ow2-proactive/scheduling-sub049/lib/nodelookup"
	"github.com/ow2-proactive/scheduling-sub049/lib/nsstore"
	"github.com/ow2-proactive/scheduling-sub049/lib/service"
	"github.com/ow2-proactive/scheduling-sub049/sdk/go/ctxlog"
	"github.com/ow2-proactive/scheduling-sub049/sdk/go/rm"
	"github.com/prometheus/client_golang/prometheus"
)

const lookupRetries = 3

// NewHandler is the service.NewHandlerFunc of the node source
// manager service.
func NewHandler(ctx context.Context, cluster *rm.Cluster, listenURL rm.URL, reg *prometheus.Registry) service.Handler {
	logger := ctxlog.FromContext(ctx)
	store, err := nsstore.New(ctx, logger, cluster.DescriptorStore)
	if err != nil {
		return service.ErrorHandler(ctx, fmt.Errorf("error opening descriptor store: %w", err))
	}
	mgr, err := New(ctx, logger, Config{
		Cluster:             cluster,
		Registry:            reg,
		Lookup:              nodelookup.New(logger, lookupRetries),
		Store:               store,
		RegistrationBaseURL: registrationBase(cluster.Services.NodeSourceManager.ExternalURL, listenURL),
	})
	if err != nil {
		store.Close()
		return service.ErrorHandler(ctx, err)
	}
	return &handler{mgr: mgr, api: NewAPI(mgr, cluster)}
}

// registrationBase returns the URL node agents use to reach this
// service: the external URL if one is configured, otherwise the
// listen URL.
func registrationBase(external, listen rm.URL) string {
	u := external
	if u.Host == "" {
		u = listen
	}
	return strings.TrimSuffix(u.String(), "/")
}

type handler struct {
	mgr *Manager
	api http.Handler
}

func (h *handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.api.ServeHTTP(w, req)
}

func (h *handler) CheckHealth() error {
	return h.mgr.CheckHealth()
}

func (h *handler) Done() <-chan struct{} {
	return nil
}

func (h *handler) Stop() {
	h.mgr.Stop()
}
