// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package nodelookup resolves node URLs to nodes by asking the node
// agent listening at the URL.
//
// A node URL is node://host:port/path, http://host:port/path, or
// https://host:port/path. node:// is spoken as plain HTTP.
package nodelookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/ow2-proactive/scheduling-sub049/lib/nodesource"
	"github.com/sirupsen/logrus"
)

// Paths served by the node agent, relative to the node URL.
const (
	InfoPath = "/_node/info"
	PingPath = "/_node/ping"
)

// NodeInfo is the node agent's response to InfoPath and PingPath.
type NodeInfo struct {
	ID    string `json:"id"`
	Host  string `json:"host"`
	Token string `json:"token,omitempty"`
}

var ErrIdentityChanged = errors.New("node process identity changed")

// HTTPLookup implements nodesource.Lookup over HTTP.
type HTTPLookup struct {
	client *retryablehttp.Client
}

// New returns an HTTPLookup that retries failed info requests up to
// retries times. Retries stop when the lookup's context is done.
func New(logger logrus.FieldLogger, retries int) *HTTPLookup {
	client := retryablehttp.NewClient()
	client.RetryMax = retries
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = leveledLogger{logger}
	return &HTTPLookup{client: client}
}

// Lookup implements nodesource.Lookup.
func (l *HTTPLookup) Lookup(ctx context.Context, nodeURL string) (nodesource.RawNode, error) {
	base, err := BaseURL(nodeURL)
	if err != nil {
		return nil, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, base+InfoPath, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	info, err := decodeInfo(resp)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", nodeURL, err)
	}
	if info.ID == "" {
		return nil, fmt.Errorf("lookup %s: node did not report an id", nodeURL)
	}
	if info.Host == "" {
		u, _ := url.Parse(base)
		info.Host = u.Hostname()
	}
	return &rawNode{
		url:    nodeURL,
		base:   base,
		info:   info,
		client: l.client.HTTPClient,
	}, nil
}

// BaseURL returns the HTTP URL of the node agent at nodeURL, without
// a trailing slash.
func BaseURL(nodeURL string) (string, error) {
	u, err := url.Parse(nodeURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "node":
		u.Scheme = "http"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported node URL scheme %q in %q", u.Scheme, nodeURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("node URL %q has no host", nodeURL)
	}
	u.RawQuery, u.Fragment = "", ""
	return strings.TrimSuffix(u.String(), "/"), nil
}

func decodeInfo(resp *http.Response) (NodeInfo, error) {
	defer resp.Body.Close()
	var info NodeInfo
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return info, fmt.Errorf("node agent responded %s", resp.Status)
	}
	err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&info)
	return info, err
}

type rawNode struct {
	url    string
	base   string
	info   NodeInfo
	client *http.Client
}

func (n *rawNode) URL() string   { return n.url }
func (n *rawNode) ID() string    { return n.info.ID }
func (n *rawNode) Host() string  { return n.info.Host }
func (n *rawNode) Token() string { return n.info.Token }

// Ping does not retry: a single failure is reported to the caller.
func (n *rawNode) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.base+PingPath, nil)
	if err != nil {
		return err
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	info, err := decodeInfo(resp)
	if err != nil {
		return err
	}
	if info.ID != n.info.ID {
		return fmt.Errorf("%w: was %q, now %q", ErrIdentityChanged, n.info.ID, info.ID)
	}
	return nil
}

// leveledLogger adapts a logrus.FieldLogger to
// retryablehttp.LeveledLogger.
type leveledLogger struct {
	logrus.FieldLogger
}

func (l leveledLogger) fields(kv []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.WithFields(l.fields(kv)).Error(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.WithFields(l.fields(kv)).Debug(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.WithFields(l.fields(kv)).Debug(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.WithFields(l.fields(kv)).Warn(msg) }
