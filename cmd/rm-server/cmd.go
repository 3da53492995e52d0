// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"github.com/ow2-proactive/scheduling-sub049/lib/cmd"
	"github.com/ow2-proactive/scheduling-sub049/lib/config"
	"github.com/ow2-proactive/scheduling-sub049/lib/nodeagent"
	"github.com/ow2-proactive/scheduling-sub049/lib/nsmgr"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"config-check":    config.CheckCommand,
		"config-defaults": config.DumpDefaultsCommand,
		"config-dump":     config.DumpCommand,

		"nodesource-manager": nsmgr.Command,
		"node-agent":         nodeagent.Command,
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
