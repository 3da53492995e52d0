// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nsmgr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/ow2-proactive/scheduling-sub049/lib/config"
	"github.com/ow2-proactive/scheduling-sub049/lib/infrastructure"
	"github.com/ow2-proactive/scheduling-sub049/lib/nodesource"
	"github.com/ow2-proactive/scheduling-sub049/lib/permission"
	"github.com/ow2-proactive/scheduling-sub049/lib/policy"
	"github.com/ow2-proactive/scheduling-sub049/sdk/go/auth"
	"github.com/ow2-proactive/scheduling-sub049/sdk/go/httpserver"
	"github.com/ow2-proactive/scheduling-sub049/sdk/go/rm"
)

const maxRequestBody = 1 << 20

type apiHandler struct {
	mgr     *Manager
	cluster *rm.Cluster
	router  *httprouter.Router
}

// authedHandle is an httprouter.Handle for an authenticated client.
type authedHandle func(w http.ResponseWriter, req *http.Request, ps httprouter.Params, client permission.Client)

// NewAPI returns the management API handler for mgr. Clients
// authenticate with the token of a user in cluster.Users.
func NewAPI(mgr *Manager, cluster *rm.Cluster) http.Handler {
	h := &apiHandler{mgr: mgr, cluster: cluster}
	r := httprouter.New()
	r.RedirectTrailingSlash = false
	r.HandleMethodNotAllowed = false
	r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		httpserver.Error(w, "not found", http.StatusNotFound)
	})

	r.GET("/v1/nodesources", h.auth(h.listNodeSources))
	r.POST("/v1/nodesources", h.auth(h.createNodeSource))
	r.GET("/v1/nodesources/:name", h.auth(h.getNodeSource))
	r.DELETE("/v1/nodesources/:name", h.auth(h.removeNodeSource))
	r.POST("/v1/nodesources/:name/deploy", h.auth(h.deployNodeSource))
	r.POST("/v1/nodesources/:name/undeploy", h.auth(h.undeployNodeSource))
	r.GET("/v1/nodesources/:name/nodes", h.auth(h.listSourceNodes))
	r.POST("/v1/nodesources/:name/nodes", h.auth(h.addNode))
	r.PUT("/v1/nodesources/:name/ping_frequency", h.auth(h.setPingFrequency))
	r.GET("/v1/nodes", h.auth(h.listNodes))
	r.DELETE("/v1/nodes", h.auth(h.removeNode))
	r.POST("/v1/nodes/available", h.auth(h.setNodeAvailable))
	r.POST("/v1/nodes/lock", h.auth(h.lockNode))
	r.POST("/v1/nodes/unlock", h.auth(h.unlockNode))
	r.GET("/v1/topology", h.auth(h.topology))
	r.GET("/v1/types", h.auth(h.types))
	r.GET("/v1/config", h.auth(h.exportConfig))
	h.router = r
	return auth.LoadToken(h)
}

func (h *apiHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.router.ServeHTTP(w, req)
}

func (h *apiHandler) auth(next authedHandle) httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		creds := auth.CredentialsFromRequest(req)
		for _, token := range creds.Tokens {
			if name, user, ok := h.cluster.UserByToken(token); ok {
				next(w, req, ps, permission.Client{
					Name:   name,
					Groups: user.Groups,
					Tokens: creds.Tokens,
					Admin:  user.Admin,
				})
				return
			}
		}
		if len(creds.Tokens) == 0 {
			httpserver.Error(w, "authorization required", http.StatusUnauthorized)
		} else {
			httpserver.Error(w, "invalid token", http.StatusForbidden)
		}
	}
}

// errorStatus returns the HTTP status for an error returned by the
// Manager.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, nodesource.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNodeNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrExists),
		errors.Is(err, ErrNotDeployed),
		errors.Is(err, nodesource.ErrShuttingDown),
		errors.Is(err, nodesource.ErrTerminated):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidDescriptor):
		return http.StatusBadRequest
	case errors.Is(err, nodesource.ErrNodeAcquisitionFailed):
		return http.StatusBadGateway
	case errors.Is(err, ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return httpserver.StatusOf(err)
	}
}

func (h *apiHandler) sendError(w http.ResponseWriter, req *http.Request, err error) {
	status := errorStatus(err)
	if status >= 500 {
		httpserver.Logger(req).WithError(err).Error("request failed")
	}
	httpserver.Error(w, err.Error(), status)
}

func sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeBody(req *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(req.Body, maxRequestBody))
	if err := dec.Decode(dst); err != nil {
		return httpserver.Errorf(http.StatusBadRequest, "invalid request body: %s", err)
	}
	return nil
}

// boolParam returns the value of a boolean query parameter, false if
// it is absent.
func boolParam(req *http.Request, name string) (bool, error) {
	s := req.URL.Query().Get(name)
	if s == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, httpserver.Errorf(http.StatusBadRequest, "invalid %s parameter %q", name, s)
	}
	return b, nil
}

func urlParam(req *http.Request) (string, error) {
	u := req.URL.Query().Get("url")
	if u == "" {
		return "", httpserver.Errorf(http.StatusBadRequest, "missing url parameter")
	}
	return u, nil
}

type itemList struct {
	Items interface{} `json:"items"`
}

func (h *apiHandler) listNodeSources(w http.ResponseWriter, req *http.Request, ps httprouter.Params, client permission.Client) {
	sendJSON(w, http.StatusOK, itemList{h.mgr.NodeSources()})
}

func (h *apiHandler) getNodeSource(w http.ResponseWriter, req *http.Request, ps httprouter.Params, client permission.Client) {
	info, err := h.mgr.NodeSource(ps.ByName("name"))
	if err != nil {
		h.sendError(w, req, err)
		return
	}
	sendJSON(w, http.StatusOK, info)
}

func (h *apiHandler) createNodeSource(w http.ResponseWriter, req *http.Request, ps httprouter.Params, client permission.Client) {
	deploy, err := boolParam(req, "deploy")
	if err != nil {
		h.sendError(w, req, err)
		return
	}
	var d nodesource.Descriptor
	if err := decodeBody(req, &d); err != nil {
		h.sendError(w, req, err)
		return
	}
	if err := h.mgr.Create(req.Context(), d, client, deploy); err != nil {
		h.sendError(w, req, err)
		return
	}
	h.sendNodeSource(w, req, d.Name, http.StatusCreated)
}

func (h *apiHandler) sendNodeSource(w http.ResponseWriter, req *http.Request, name string, status int) {
	info, err := h.mgr.NodeSource(name)
	if err != nil {
		h.sendError(w, req, err)
		return
	}
	sendJSON(w, status, info)
}

func (h *apiHandler) deployNodeSource(w http.ResponseWriter, req *http.Request, ps httprouter.Params, client permission.Client) {
	name := ps.ByName("name")
	if err := h.mgr.Deploy(req.Context(), name, client); err != nil {
		h.sendError(w, req, err)
		return
	}
	h.sendNodeSource(w, req, name, http.StatusOK)
}

func (h *apiHandler) undeployNodeSource(w http.ResponseWriter, req *http.Request, ps httprouter.Params, client permission.Client) {
	name := ps.ByName("name")
	preempt, err := boolParam(req, "preempt")
	if err != nil {
		h.sendError(w, req, err)
		return
	}
	if err := h.mgr.Undeploy(req.Context(), name, client, preempt); err != nil {
		h.sendError(w, req, err)
		return
	}
	h.sendNodeSource(w, req, name, http.StatusOK)
}

func (h *apiHandler) removeNodeSource(w http.ResponseWriter, req *http.Request, ps httprouter.Params, client permission.Client) {
	preempt, err := boolParam(req, "preempt")
	if err != nil {
		h.sendError(w, req, err)
		return
	}
	if err := h.mgr.Remove(req.Context(), ps.ByName("name"), client, preempt); err != nil {
		h.sendError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandler) listSourceNodes(w http.ResponseWriter, req *http.Request, ps httprouter.Params, client permission.Client) {
	nodes, err := h.mgr.SourceNodes(ps.ByName("name"))
	if err != nil {
		h.sendError(w, req, err)
		return
	}
	sendJSON(w, http.StatusOK, itemList{nodes})
}

func (h *apiHandler) addNode(w http.ResponseWriter, req *http.Request, ps httprouter.Params, client permission.Client) {
	var body struct {
		URL string `json:"url"`
	}
	if err := decodeBody(req, &body); err != nil {
		h.sendError(w, req, err)
		return
	}
	if body.URL == "" {
		h.sendError(w, req, httpserver.Errorf(http.StatusBadRequest, "missing url"))
		return
	}
	added, err := h.mgr.AddNode(req.Context(), ps.ByName("name"), body.URL, client)
	if err != nil {
		h.sendError(w, req, err)
		return
	}
	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	sendJSON(w, status, map[string]bool{"added": added})
}

func (h *apiHandler) setPingFrequency(w http.ResponseWriter, req *http.Request, ps httprouter.Params, client permission.Client) {
	var body struct {
		PingFrequency rm.Duration `json:"ping_frequency"`
	}
	if err := decodeBody(req, &body); err != nil {
		h.sendError(w, req, err)
		return
	}
	d := time.Duration(body.PingFrequency)
	if d <= 0 {
		h.sendError(w, req, httpserver.Errorf(http.StatusBadRequest, "invalid ping_frequency %s", d))
		return
	}
	name := ps.ByName("name")
	if err := h.mgr.SetPingFrequency(name, d, client); err != nil {
		h.sendError(w, req, err)
		return
	}
	h.sendNodeSource(w, req, name, http.StatusOK)
}

func (h *apiHandler) listNodes(w http.ResponseWriter, req *http.Request, ps httprouter.Params, client permission.Client) {
	sendJSON(w, http.StatusOK, itemList{h.mgr.Nodes()})
}

func (h *apiHandler) removeNode(w http.ResponseWriter, req *http.Request, ps httprouter.Params, client permission.Client) {
	u, err := urlParam(req)
	if err != nil {
		h.sendError(w, req, err)
		return
	}
	preempt, err := boolParam(req, "preempt")
	if err != nil {
		h.sendError(w, req, err)
		return
	}
	removed, err := h.mgr.RemoveNode(req.Context(), u, client, preempt)
	if err != nil {
		h.sendError(w, req, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (h *apiHandler) setNodeAvailable(w http.ResponseWriter, req *http.Request, ps httprouter.Params, client permission.Client) {
	u, err := urlParam(req)
	if err != nil {
		h.sendError(w, req, err)
		return
	}
	ok, err := h.mgr.SetNodeAvailable(req.Context(), u, client)
	if err != nil {
		h.sendError(w, req, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]bool{"available": ok})
}

func (h *apiHandler) lockNode(w http.ResponseWriter, req *http.Request, ps httprouter.Params, client permission.Client) {
	h.setLock(w, req, client, true)
}

func (h *apiHandler) unlockNode(w http.ResponseWriter, req *http.Request, ps httprouter.Params, client permission.Client) {
	h.setLock(w, req, client, false)
}

func (h *apiHandler) setLock(w http.ResponseWriter, req *http.Request, client permission.Client, lock bool) {
	u, err := urlParam(req)
	if err != nil {
		h.sendError(w, req, err)
		return
	}
	if lock {
		err = h.mgr.LockNode(u, client)
	} else {
		err = h.mgr.UnlockNode(u, client)
	}
	if err != nil {
		h.sendError(w, req, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]bool{"locked": lock})
}

func (h *apiHandler) topology(w http.ResponseWriter, req *http.Request, ps httprouter.Params, client permission.Client) {
	sendJSON(w, http.StatusOK, map[string]interface{}{"hosts": h.mgr.Topology()})
}

func (h *apiHandler) types(w http.ResponseWriter, req *http.Request, ps httprouter.Params, client permission.Client) {
	sendJSON(w, http.StatusOK, map[string][]string{
		"infrastructures": infrastructure.Types(),
		"policies":        policy.Types(),
	})
}

func (h *apiHandler) exportConfig(w http.ResponseWriter, req *http.Request, ps httprouter.Params, client permission.Client) {
	if !client.Admin {
		h.sendError(w, req, fmt.Errorf("%w: config is only visible to administrators", nodesource.ErrPermissionDenied))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := config.ExportJSON(w, h.cluster); err != nil {
		httpserver.Logger(req).WithError(err).Error("cannot export config")
	}
}
