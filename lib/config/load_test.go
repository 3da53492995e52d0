// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"github.com/ow2-proactive/scheduling-sub049/sdk/go/ctxlog"
	"github.com/ow2-proactive/scheduling-sub049/sdk/go/rm"
	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&LoadSuite{})

// testLoader returns a new Loader that reads the given config from
// stdin and logs to a buffer.
func testLoader(c *check.C, config string, logdst *bytes.Buffer) *Loader {
	logger := ctxlog.TestLogger(c)
	if logdst != nil {
		lgr := logrus.New()
		lgr.Out = logdst
		logger = lgr
	}
	ldr := NewLoader(bytes.NewBufferString(config), logger)
	ldr.Path = "-"
	return ldr
}

type LoadSuite struct{}

func (s *LoadSuite) TestEmpty(c *check.C) {
	cfg, err := testLoader(c, "", nil).Load()
	c.Check(cfg, check.IsNil)
	c.Assert(err, check.Equals, ErrNoClustersDefined)
}

func (s *LoadSuite) TestNoConfigs(c *check.C) {
	cfg, err := testLoader(c, `Clusters: {"z1111": {}}`, nil).Load()
	c.Assert(err, check.IsNil)
	c.Assert(cfg.Clusters, check.HasLen, 1)
	cc, err := cfg.GetCluster("z1111")
	c.Assert(err, check.IsNil)
	c.Check(cc.ClusterID, check.Equals, "z1111")
	c.Check(cc.SystemLogs.Format, check.Equals, "json")
	c.Check(cc.NodeSources.PingFrequency, check.Equals, rm.Duration(45*time.Second))
	c.Check(cc.NodeSources.PingTimeout, check.Equals, rm.Duration(10*time.Second))
	c.Check(cc.NodeSources.LookupTimeout, check.Equals, rm.Duration(time.Minute))
	c.Check(cc.NodeSources.ThreadPoolSize, check.Equals, 16)
	c.Check(cc.DescriptorStore.Driver, check.Equals, "memory")
	c.Check(cc.Users, check.HasLen, 0)
	c.Check(cc.NodeSources.Preconfigured, check.HasLen, 0)
	c.Check(cc.Services.NodeSourceManager.InternalURLs, check.HasLen, 0)
}

func (s *LoadSuite) TestSiteOverridesDefaults(c *check.C) {
	cfg, err := testLoader(c, `
Clusters:
  z1111:
    NodeSources:
      PingFrequency: 5s
      Preconfigured:
        local:
          Administrator: alice
          PolicyParameters: {nodes: "2"}
    Users:
      alice: {Token: aaa, Admin: true}
      bob: {Token: bbb, Groups: [ops]}
    Services:
      NodeSourceManager:
        InternalURLs: {"http://localhost:9400": {}}
`, nil).Load()
	c.Assert(err, check.IsNil)
	cc, err := cfg.GetCluster("")
	c.Assert(err, check.IsNil)
	c.Check(cc.NodeSources.PingFrequency, check.Equals, rm.Duration(5*time.Second))
	c.Check(cc.NodeSources.PingTimeout, check.Equals, rm.Duration(10*time.Second))
	c.Check(cc.Services.NodeSourceManager.InternalURLs, check.HasLen, 1)

	pc := cc.NodeSources.Preconfigured["local"]
	c.Check(pc.Administrator, check.Equals, "alice")
	c.Check(pc.InfrastructureType, check.Equals, "", check.Commentf("map entries do not inherit SAMPLE values"))
	c.Check(pc.PolicyParameters, check.DeepEquals, map[string]string{"nodes": "2"})

	name, u, ok := cc.UserByToken("bbb")
	c.Check(ok, check.Equals, true)
	c.Check(name, check.Equals, "bob")
	c.Check(u.Groups, check.DeepEquals, []string{"ops"})
	_, _, ok = cc.UserByToken("")
	c.Check(ok, check.Equals, false)
}

func (s *LoadSuite) TestDuplicateToken(c *check.C) {
	_, err := testLoader(c, `Clusters: {z1111: {Users: {a: {Token: x}, b: {Token: x}}}}`, nil).Load()
	c.Check(err, check.ErrorMatches, `Clusters.z1111.Users: users "[ab]" and "[ab]" have the same token`)
}

func (s *LoadSuite) TestUnknownAdministrator(c *check.C) {
	_, err := testLoader(c, `Clusters: {z1111: {NodeSources: {Preconfigured: {ns1: {Administrator: nobody}}}}}`, nil).Load()
	c.Check(err, check.ErrorMatches, `.*Preconfigured.ns1.Administrator: no such user "nobody"`)
}

func (s *LoadSuite) TestDescriptorStoreChecks(c *check.C) {
	for _, trial := range []struct {
		store string
		err   string
	}{
		{`{Driver: sqlite}`, `.*DSN: required for driver "sqlite"`},
		{`{Driver: postgres}`, `.*DSN: required for driver "postgres"`},
		{`{Driver: etcd}`, `.*Endpoints: required for driver "etcd"`},
		{`{Driver: etcd, Endpoints: ["localhost:2379"]}`, ``},
		{`{Driver: sqlite, DSN: "file::memory:"}`, ``},
	} {
		_, err := testLoader(c, `Clusters: {z1111: {DescriptorStore: `+trial.store+`}}`, nil).Load()
		if trial.err == "" {
			c.Check(err, check.IsNil)
		} else {
			c.Check(err, check.ErrorMatches, trial.err)
		}
	}
}

func (s *LoadSuite) TestMultipleClusters(c *check.C) {
	cfg, err := testLoader(c, `{"Clusters":{"z1111":{},"z2222":{}}}`, nil).Load()
	c.Assert(err, check.IsNil)
	c1, err := cfg.GetCluster("z1111")
	c.Assert(err, check.IsNil)
	c.Check(c1.ClusterID, check.Equals, "z1111")
	c2, err := cfg.GetCluster("z2222")
	c.Assert(err, check.IsNil)
	c.Check(c2.ClusterID, check.Equals, "z2222")
	_, err = cfg.GetCluster("")
	c.Check(err, check.ErrorMatches, `multiple clusters configured, cannot choose`)
}

func (s *LoadSuite) TestLoadFile(c *check.C) {
	fnm := filepath.Join(c.MkDir(), "config.yml")
	err := os.WriteFile(fnm, []byte(`Clusters: {z1111: {ManagementToken: xyzzy}}`), 0644)
	c.Assert(err, check.IsNil)
	ldr := NewLoader(nil, ctxlog.TestLogger(c))
	ldr.Path = fnm
	cfg, err := ldr.Load()
	c.Assert(err, check.IsNil)
	c.Check(cfg.Clusters["z1111"].ManagementToken, check.Equals, "xyzzy")
}

func (s *LoadSuite) TestConfigEnv(c *check.C) {
	os.Setenv("RM_CONFIG", "/dev/null/rm.yml")
	defer os.Unsetenv("RM_CONFIG")
	ldr := NewLoader(nil, ctxlog.TestLogger(c))
	c.Check(ldr.Path, check.Equals, "/dev/null/rm.yml")
	os.Unsetenv("RM_CONFIG")
	ldr = NewLoader(nil, ctxlog.TestLogger(c))
	c.Check(ldr.Path, check.Equals, rm.DefaultConfigFile)
}

func (s *LoadSuite) TestNoWarningsForDefaults(c *check.C) {
	var logbuf bytes.Buffer
	_, err := testLoader(c, string(DefaultYAML), &logbuf).Load()
	c.Assert(err, check.IsNil)
	c.Check(logbuf.String(), check.Equals, "")
}
