// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/ow2-proactive/scheduling-sub049/sdk/go/rm"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ExportSuite{})

type ExportSuite struct{}

func (s *ExportSuite) TestExport(c *check.C) {
	cfg, err := testLoader(c, `
Clusters:
  xxxxx:
    ManagementToken: abcdefg
    Users: {alice: {Token: secrettoken}}
    DescriptorStore: {Driver: postgres, DSN: "password=hunter2"}
    NodeSources:
      Preconfigured: {ns1: {Administrator: alice}}
`, nil).Load()
	c.Assert(err, check.IsNil)
	cluster := cfg.Clusters["xxxxx"]

	var exported bytes.Buffer
	err = ExportJSON(&exported, &cluster)
	c.Check(err, check.IsNil)
	if err != nil {
		c.Logf("If all the new keys are safe, add these to whitelist in export.go:")
		for _, k := range regexp.MustCompile(`"[^"]*"`).FindAllString(err.Error(), -1) {
			c.Logf("\t%q: true,", strings.Replace(k, `"`, "", -1))
		}
	}
	c.Check(exported.String(), check.Not(check.Matches), `(?ms).*abcdefg.*`)
	c.Check(exported.String(), check.Not(check.Matches), `(?ms).*secrettoken.*`)
	c.Check(exported.String(), check.Not(check.Matches), `(?ms).*hunter2.*`)
	c.Check(exported.String(), check.Matches, `(?ms).*"PingFrequency":"45s".*`)
}

func (s *ExportSuite) TestUnlistedKey(c *check.C) {
	err := redactUnsafe(map[string]interface{}{"NodeSources": map[string]interface{}{"Bogus": 1}}, "", "")
	c.Check(err, check.ErrorMatches, `config bug: key "NodeSources.Bogus" not in whitelist map`)
	var cluster rm.Cluster
	c.Check(ExportJSON(&bytes.Buffer{}, &cluster), check.IsNil)
}
