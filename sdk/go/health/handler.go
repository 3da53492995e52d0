// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package health serves token-protected health checks.
package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/julienschmidt/httprouter"
	"github.com/ow2-proactive/scheduling-sub049/sdk/go/auth"
)

// A Check returns nil when the checked component is healthy.
type Check func() error

// Report is the response to a single health check.
type Report struct {
	Health string `json:"health"`
	Error  string `json:"error,omitempty"`
}

// Aggregate is the response to {Prefix}all.
type Aggregate struct {
	Health string            `json:"health"`
	Checks map[string]Report `json:"checks"`
}

var (
	ErrDisabled     = errors.New("health checks are disabled")
	ErrUnauthorized = errors.New("authorization required")
	ErrForbidden    = errors.New("invalid token")
)

// Handler answers GET {Prefix}{name} with the Report of Checks[name],
// and GET {Prefix}all with an Aggregate of every check. A "ping"
// check that always passes is provided unless Checks overrides it.
//
// Requests must present Token in any form accepted by
// auth.CredentialsFromRequest. If Token is empty, every request gets
// 404.
//
// Fields must not be changed after the first request.
type Handler struct {
	Token  string
	Prefix string
	Checks map[string]Check

	// If non-nil, Log is called after each request with the
	// authorization error, or nil if the checks were run.
	Log func(*http.Request, error)

	once   sync.Once
	router *httprouter.Router
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.once.Do(h.setup)
	h.router.ServeHTTP(w, r)
}

func (h *Handler) setup() {
	prefix := "/"
	if p := strings.Trim(h.Prefix, "/"); p != "" {
		prefix += p + "/"
	}
	checks := map[string]Check{"ping": func() error { return nil }}
	for name, fn := range h.Checks {
		checks[name] = fn
	}
	h.router = httprouter.New()
	h.router.RedirectTrailingSlash = false
	h.router.RedirectFixedPath = false
	h.router.HandleMethodNotAllowed = false
	for name, fn := range checks {
		fn := fn
		h.router.GET(prefix+name, h.authorized(func() interface{} {
			return report(fn())
		}))
	}
	if _, ok := checks["all"]; !ok {
		h.router.GET(prefix+"all", h.authorized(func() interface{} {
			agg := Aggregate{Health: "OK", Checks: map[string]Report{}}
			for name, fn := range checks {
				rpt := report(fn())
				if rpt.Health != "OK" {
					agg.Health = "ERROR"
				}
				agg.Checks[name] = rpt
			}
			return agg
		}))
	}
}

func report(err error) Report {
	if err != nil {
		return Report{Health: "ERROR", Error: err.Error()}
	}
	return Report{Health: "OK"}
}

func (h *Handler) authorized(run func() interface{}) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		err := h.authorize(r)
		switch err {
		case nil:
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(run())
		case ErrDisabled:
			http.Error(w, err.Error(), http.StatusNotFound)
		case ErrUnauthorized:
			http.Error(w, err.Error(), http.StatusUnauthorized)
		default:
			http.Error(w, err.Error(), http.StatusForbidden)
		}
		if h.Log != nil {
			h.Log(r, err)
		}
	}
}

func (h *Handler) authorize(r *http.Request) error {
	if h.Token == "" {
		return ErrDisabled
	}
	creds := auth.CredentialsFromRequest(r)
	if len(creds.Tokens) == 0 {
		return ErrUnauthorized
	}
	if !creds.Has(h.Token) {
		return ErrForbidden
	}
	return nil
}
