// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nodelookup

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ow2-proactive/scheduling-sub049/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&LookupSuite{})

type LookupSuite struct {
	srv      *httptest.Server
	id       atomic.Value
	failures atomic.Int32
	l        *HTTPLookup
}

func (s *LookupSuite) SetUpTest(c *check.C) {
	s.id.Store("proc-1")
	s.failures.Store(0)
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if s.failures.Add(-1) >= 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		switch req.URL.Path {
		case "/agent" + InfoPath:
			json.NewEncoder(w).Encode(NodeInfo{ID: s.id.Load().(string), Host: "worker1", Token: "t0k"})
		case "/agent" + PingPath:
			json.NewEncoder(w).Encode(NodeInfo{ID: s.id.Load().(string)})
		default:
			http.NotFound(w, req)
		}
	}))
	s.l = New(ctxlog.TestLogger(c), 2)
}

func (s *LookupSuite) TearDownTest(c *check.C) {
	s.srv.Close()
}

func (s *LookupSuite) nodeURL() string {
	return strings.Replace(s.srv.URL, "http://", "node://", 1) + "/agent"
}

func (s *LookupSuite) TestBaseURL(c *check.C) {
	for _, trial := range []struct {
		in, out, err string
	}{
		{"node://h1:8000", "http://h1:8000", ""},
		{"node://h1:8000/n1/", "http://h1:8000/n1", ""},
		{"https://h1/n1?x=y", "https://h1/n1", ""},
		{"rmi://h1/n1", "", `unsupported node URL scheme "rmi".*`},
		{"node:///n1", "", `node URL .* has no host`},
	} {
		out, err := BaseURL(trial.in)
		if trial.err != "" {
			c.Check(err, check.ErrorMatches, trial.err)
		} else {
			c.Check(err, check.IsNil)
			c.Check(out, check.Equals, trial.out)
		}
	}
}

func (s *LookupSuite) TestLookupAndPing(c *check.C) {
	raw, err := s.l.Lookup(context.Background(), s.nodeURL())
	c.Assert(err, check.IsNil)
	c.Check(raw.URL(), check.Equals, s.nodeURL())
	c.Check(raw.ID(), check.Equals, "proc-1")
	c.Check(raw.Host(), check.Equals, "worker1")
	c.Check(raw.Token(), check.Equals, "t0k")
	c.Check(raw.Ping(context.Background()), check.IsNil)

	s.id.Store("proc-2")
	err = raw.Ping(context.Background())
	c.Check(errors.Is(err, ErrIdentityChanged), check.Equals, true)
}

func (s *LookupSuite) TestLookupRetries(c *check.C) {
	s.failures.Store(2)
	raw, err := s.l.Lookup(context.Background(), s.nodeURL())
	c.Assert(err, check.IsNil)
	c.Check(raw.ID(), check.Equals, "proc-1")
}

func (s *LookupSuite) TestPingDoesNotRetry(c *check.C) {
	raw, err := s.l.Lookup(context.Background(), s.nodeURL())
	c.Assert(err, check.IsNil)
	s.failures.Store(1)
	c.Check(raw.Ping(context.Background()), check.ErrorMatches, `node agent responded 503.*`)
	c.Check(raw.Ping(context.Background()), check.IsNil)
}

func (s *LookupSuite) TestLookupNotFound(c *check.C) {
	_, err := s.l.Lookup(context.Background(), s.nodeURL()+"/missing")
	c.Check(err, check.ErrorMatches, `lookup .*: node agent responded 404.*`)
}

func (s *LookupSuite) TestLookupContextTimeout(c *check.C) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.l.Lookup(ctx, "node://192.0.2.1:9/agent")
	c.Check(err, check.NotNil)
}
