// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"errors"
	"flag"
	"fmt"
	"io"
)

// ParseFlags parses args into f, reporting usage errors and -help
// output on stderr.
//
// positional describes the positional arguments in the usage
// message. If it is empty, positional arguments are a usage error.
//
// If ok is false, the caller should exit with exitCode: 0 after
// -help, 2 after a usage error.
func ParseFlags(f FlagSet, prog string, args []string, positional string, stderr io.Writer) (ok bool, exitCode int) {
	f.Init(prog, flag.ContinueOnError)
	f.SetOutput(io.Discard)
	err := f.Parse(args)
	if errors.Is(err, flag.ErrHelp) {
		printUsage(f, prog, positional, stderr)
		return false, 0
	} else if err != nil {
		fmt.Fprintf(stderr, "%s: invalid command line: %s (try -help)\n", prog, err)
		return false, 2
	} else if f.NArg() > 0 && positional == "" {
		fmt.Fprintf(stderr, "%s: unexpected arguments %q (try -help)\n", prog, f.Args())
		return false, 2
	}
	return true, 0
}

func printUsage(f FlagSet, prog, positional string, stderr io.Writer) {
	f.SetOutput(stderr)
	if fs, ok := f.(*flag.FlagSet); ok && fs.Usage != nil {
		fs.Usage()
		return
	}
	fmt.Fprintf(stderr, "Usage: %s [options] %s\n", prog, positional)
	f.PrintDefaults()
}
