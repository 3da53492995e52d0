// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package infrastructure

import (
	"github.com/ow2-proactive/scheduling-sub049/lib/nodesource/nstest"
	"github.com/ow2-proactive/scheduling-sub049/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&InfrastructureSuite{})

type InfrastructureSuite struct{}

func (s *InfrastructureSuite) TestTypes(c *check.C) {
	c.Check(Types(), check.DeepEquals, []string{"default", "docker"})
}

func (s *InfrastructureSuite) TestUnsupportedType(c *check.C) {
	_, err := New("ec2", Env{Logger: ctxlog.TestLogger(c)}, nil)
	c.Check(err, check.ErrorMatches, `unsupported infrastructure type "ec2"`)
}

func (s *InfrastructureSuite) TestDockerNeedsImage(c *check.C) {
	_, err := New("docker", Env{Logger: ctxlog.TestLogger(c)}, nil)
	c.Check(err, check.ErrorMatches, `.*image parameter is required`)
}

func (s *InfrastructureSuite) TestManual(c *check.C) {
	im, err := New("default", Env{Logger: ctxlog.TestLogger(c), NodeSource: "ns1"}, nil)
	c.Assert(err, check.IsNil)
	im.AcquireNode()
	im.AcquireNodes(3, nil)
	im.AcquireAllNodes(nil)
	c.Check(im.DeployingNodes(), check.HasLen, 0)
	raw := nstest.NewStubRawNode(nstest.NodeURL(1, 1), "h1")
	c.Check(im.RegisterAcquiredNode(raw), check.IsNil)
	c.Check(im.RemoveNode(raw, false), check.IsNil)
	c.Check(im.RemoveDeployingNode(raw.URL()), check.Equals, false)
	_, ok := im.DeployingNode(raw.URL())
	c.Check(ok, check.Equals, false)
	im.ShutDown()
}
