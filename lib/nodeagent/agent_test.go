// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nodeagent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/ow2-proactive/scheduling-sub049/lib/nodelookup"
	"github.com/ow2-proactive/scheduling-sub049/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&AgentSuite{})

type AgentSuite struct{}

// registrar is a fake node source registration endpoint.
type registrar struct {
	mtx      sync.Mutex
	failures int // respond 503 this many times first
	status   int
	urls     []string
	auth     []string
}

func (r *registrar) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.auth = append(r.auth, req.Header.Get("Authorization"))
	if r.failures > 0 {
		r.failures--
		http.Error(w, "try again", http.StatusServiceUnavailable)
		return
	}
	if r.status != 0 && r.status != http.StatusOK {
		http.Error(w, "no such node source", r.status)
		return
	}
	var body struct{ URL string }
	json.NewDecoder(req.Body).Decode(&body)
	r.urls = append(r.urls, body.URL)
	w.Write([]byte(`{"added":true}`))
}

func (s *AgentSuite) TestInfoAndLookup(c *check.C) {
	agent := New(ctxlog.TestLogger(c), Config{Host: "worker1", Token: "secret"})
	srv := httptest.NewServer(agent)
	defer srv.Close()

	resp, err := http.Get(srv.URL + nodelookup.InfoPath)
	c.Assert(err, check.IsNil)
	var info nodelookup.NodeInfo
	c.Check(json.NewDecoder(resp.Body).Decode(&info), check.IsNil)
	resp.Body.Close()
	c.Check(info.ID, check.Equals, agent.ID())
	c.Check(info.Host, check.Equals, "worker1")
	c.Check(info.Token, check.Equals, "secret")

	nodeURL := strings.Replace(srv.URL, "http://", "node://", 1)
	raw, err := nodelookup.New(ctxlog.TestLogger(c), 0).Lookup(context.Background(), nodeURL)
	c.Assert(err, check.IsNil)
	c.Check(raw.URL(), check.Equals, nodeURL)
	c.Check(raw.ID(), check.Equals, agent.ID())
	c.Check(raw.Host(), check.Equals, "worker1")
	c.Check(raw.Token(), check.Equals, "secret")
	c.Check(raw.Ping(context.Background()), check.IsNil)
}

func (s *AgentSuite) TestDistinctIDs(c *check.C) {
	a1 := New(ctxlog.TestLogger(c), Config{})
	a2 := New(ctxlog.TestLogger(c), Config{})
	c.Check(a1.ID(), check.Not(check.Equals), "")
	c.Check(a1.ID(), check.Not(check.Equals), a2.ID())
}

func (s *AgentSuite) TestRegister(c *check.C) {
	reg := &registrar{failures: 2}
	srv := httptest.NewServer(reg)
	defer srv.Close()

	agent := New(ctxlog.TestLogger(c), Config{
		NodeURL:         "node://worker1:8000",
		RegistrationURL: srv.URL + "/v1/nodesources/ns1/nodes",
		APIToken:        "apitoken",
		RegisterRetries: 3,
	})
	c.Check(agent.Register(context.Background()), check.IsNil)
	c.Check(reg.urls, check.DeepEquals, []string{"node://worker1:8000"})
	c.Check(reg.auth, check.HasLen, 3)
	for _, a := range reg.auth {
		c.Check(a, check.Equals, "Bearer apitoken")
	}
}

func (s *AgentSuite) TestRegisterRefused(c *check.C) {
	reg := &registrar{status: http.StatusNotFound}
	srv := httptest.NewServer(reg)
	defer srv.Close()

	agent := New(ctxlog.TestLogger(c), Config{
		NodeURL:         "node://worker1:8000",
		RegistrationURL: srv.URL,
		RegisterRetries: 3,
	})
	err := agent.Register(context.Background())
	c.Check(err, check.ErrorMatches, `register at .*: 404 Not Found: no such node source`)
	c.Check(reg.auth, check.DeepEquals, []string{""})
}

func (s *AgentSuite) TestRegisterGivesUp(c *check.C) {
	reg := &registrar{failures: 100}
	srv := httptest.NewServer(reg)
	defer srv.Close()

	agent := New(ctxlog.TestLogger(c), Config{
		NodeURL:         "node://worker1:8000",
		RegistrationURL: srv.URL,
		RegisterRetries: 1,
	})
	c.Check(agent.Register(context.Background()), check.NotNil)
	c.Check(reg.auth, check.HasLen, 2)
}

func (s *AgentSuite) TestNoRegistrationURL(c *check.C) {
	agent := New(ctxlog.TestLogger(c), Config{NodeURL: "node://worker1:8000"})
	c.Check(agent.Register(context.Background()), check.IsNil)
}

func (s *AgentSuite) TestCommand(c *check.C) {
	reg := &registrar{}
	regsrv := httptest.NewServer(reg)
	defer regsrv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmd := &command{ctx: ctx}
	var stderr bytes.Buffer
	exited := make(chan int, 1)
	go func() {
		exited <- cmd.RunCommand("node-agent", []string{
			"-listen", "127.0.0.1:0",
			"-host", "worker1",
			"-registration-url", regsrv.URL,
		}, nil, io.Discard, &stderr)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		reg.mtx.Lock()
		n := len(reg.urls)
		reg.mtx.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			c.Fatalf("agent did not register: %s", stderr.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
	reg.mtx.Lock()
	c.Check(reg.urls[0], check.Matches, `node://worker1:\d+`)
	reg.mtx.Unlock()

	cancel()
	select {
	case code := <-exited:
		c.Check(code, check.Equals, 0)
	case <-time.After(5 * time.Second):
		c.Fatal("agent did not exit")
	}
}

func (s *AgentSuite) TestCommandRegistrationFails(c *check.C) {
	reg := &registrar{status: http.StatusForbidden}
	regsrv := httptest.NewServer(reg)
	defer regsrv.Close()

	var stderr bytes.Buffer
	code := Command.RunCommand("node-agent", []string{
		"-listen", "127.0.0.1:0",
		"-registration-url", regsrv.URL,
	}, nil, io.Discard, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*403 Forbidden.*`)
}
