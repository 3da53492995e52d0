// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommandSuite{})

type CommandSuite struct{}

func (s *CommandSuite) TestBadArg(c *check.C) {
	var stderr bytes.Buffer
	code := DumpCommand.RunCommand("rm-server config-dump", []string{"-badarg"}, bytes.NewBuffer(nil), bytes.NewBuffer(nil), &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms).*invalid command line: .*`)
}

func (s *CommandSuite) TestEmptyInput(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := DumpCommand.RunCommand("rm-server config-dump", []string{"-config", "-"}, &bytes.Buffer{}, &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `config does not define any clusters\n`)
}

func (s *CommandSuite) TestDumpUnknownKey(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := `
Clusters:
 z1234:
  UnknownKey: foobar
  ManagementToken: secret
`
	code := DumpCommand.RunCommand("rm-server config-dump", []string{"-config", "-"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Matches, `(?ms).*deprecated or unknown config entry: Clusters.z1234.UnknownKey.*`)
	c.Check(stdout.String(), check.Matches, `(?ms)Clusters:\n  z1234:\n.*`)
	c.Check(stdout.String(), check.Matches, `(?ms).*\n *ManagementToken: secret\n.*`)
	c.Check(stdout.String(), check.Not(check.Matches), `(?ms).*UnknownKey.*`)
	c.Check(stdout.String(), check.Not(check.Matches), `(?ms).*SAMPLE.*`)
}

func (s *CommandSuite) TestCheck(c *check.C) {
	for _, trial := range []struct {
		in     string
		args   []string
		code   int
		stderr string
	}{
		{"Clusters: {z1234: {}}", nil, 0, ``},
		{"Clusters: {z1234: {Bogus: 1}}", nil, 1, `(?ms).*unknown config entry: Clusters.z1234.Bogus.*`},
		{"Clusters: {z1234: {Bogus: 1}}", []string{"-strict=false"}, 0, `(?ms).*unknown config entry.*`},
		{"Clusters: {z1234: {Users: {alice: {Tokne: x}}}}", nil, 1, `(?ms).*Clusters.z1234.Users.alice.Tokne.*`},
		{"Clusters: {z1234: {NodeSources: {ThreadPoolSize: 1}}}", nil, 1, `(?ms).*ThreadPoolSize: must be at least 2.*`},
		{"Clusters: {z1234: {DescriptorStore: {Driver: mysql}}}", nil, 1, `(?ms).*unsupported driver "mysql".*`},
	} {
		var stdout, stderr bytes.Buffer
		args := append([]string{"-config", "-"}, trial.args...)
		code := CheckCommand.RunCommand("rm-server config-check", args, bytes.NewBufferString(trial.in), &stdout, &stderr)
		c.Check(code, check.Equals, trial.code, check.Commentf("%s", trial.in))
		if trial.stderr == "" {
			c.Check(stderr.String(), check.Equals, "")
		} else {
			c.Check(stderr.String(), check.Matches, trial.stderr)
		}
	}
}

func (s *CommandSuite) TestDumpDefaults(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := DumpDefaultsCommand.RunCommand("rm-server config-defaults", nil, bytes.NewBuffer(nil), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?ms).*\n    NodeSources:\n.*`)
}
