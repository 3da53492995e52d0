// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nsmgr

import (
	"context"
	"net/http"
	"net/http/httptest"

	"github.com/ow2-proactive/scheduling-sub049/lib/service"
	"github.com/ow2-proactive/scheduling-sub049/sdk/go/ctxlog"
	"github.com/ow2-proactive/scheduling-sub049/sdk/go/rm"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&HandlerSuite{})

type HandlerSuite struct{}

func mustURL(c *check.C, s string) rm.URL {
	var u rm.URL
	c.Assert(u.UnmarshalText([]byte(s)), check.IsNil)
	return u
}

func (s *HandlerSuite) TestRegistrationBase(c *check.C) {
	listen := mustURL(c, "http://10.0.0.1:9000")
	c.Check(registrationBase(rm.URL{}, listen), check.Equals, "http://10.0.0.1:9000")
	c.Check(registrationBase(mustURL(c, "https://rm.example/"), listen), check.Equals, "https://rm.example")
}

func (s *HandlerSuite) TestNewHandler(c *check.C) {
	ctx := ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	cluster := testCluster()
	cluster.DescriptorStore.Driver = "memory"
	h := NewHandler(ctx, cluster, mustURL(c, "http://127.0.0.1:9000"), prometheus.NewRegistry())
	c.Assert(h.CheckHealth(), check.IsNil)
	c.Check(h.Done(), check.IsNil)

	req := httptest.NewRequest("GET", "/v1/nodesources", nil)
	req.Header.Set("Authorization", "Bearer admintoken")
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	c.Check(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Body.String(), check.Equals, "{\"items\":[]}\n")

	h.(service.Stopper).Stop()
	c.Check(h.CheckHealth(), check.Equals, ErrStopped)
}

func (s *HandlerSuite) TestBadStore(c *check.C) {
	ctx := ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	cluster := testCluster()
	cluster.DescriptorStore.Driver = "bogus"
	h := NewHandler(ctx, cluster, mustURL(c, "http://127.0.0.1:9000"), prometheus.NewRegistry())
	c.Check(h.CheckHealth(), check.ErrorMatches, `error opening descriptor store: unsupported descriptor store driver "bogus"`)
}
