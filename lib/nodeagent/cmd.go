// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nodeagent

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ow2-proactive/scheduling-sub049/lib/cmd"
	"github.com/ow2-proactive/scheduling-sub049/sdk/go/ctxlog"
	"github.com/ow2-proactive/scheduling-sub049/sdk/go/httpserver"
	"github.com/sirupsen/logrus"
)

// Command runs a node agent. Settings default to the RM_NODE_*,
// RM_REGISTRATION_URL, and RM_API_TOKEN environment variables set by
// the docker infrastructure.
var Command cmd.Handler = &command{ctx: context.Background()}

type command struct {
	ctx context.Context // enables tests to stop the agent
}

func (c *command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	hostname, _ := os.Hostname()
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	listen := flags.String("listen", envOr("RM_NODE_LISTEN", ":8000"), "`[addr]:port` to listen on")
	nodeURL := flags.String("url", os.Getenv("RM_NODE_URL"), "node `URL` to register (default node://{host}:{port})")
	regURL := flags.String("registration-url", os.Getenv("RM_REGISTRATION_URL"), "node source registration `URL`")
	host := flags.String("host", hostname, "host name reported to the resource manager")
	retries := flags.Int("register-retries", 10, "number of times to retry a failed registration")
	loglevel := flags.String("log-level", "info", "logging `level` (debug, info, ...)")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}

	logger := ctxlog.New(stderr, "json", *loglevel)
	var err error
	defer func() {
		if err != nil {
			logger.WithError(err).Error("exiting")
		}
	}()

	agent := New(logger, Config{
		NodeURL:         *nodeURL,
		Host:            *host,
		Token:           os.Getenv("RM_NODE_TOKEN"),
		RegistrationURL: *regURL,
		APIToken:        os.Getenv("RM_API_TOKEN"),
		RegisterRetries: *retries,
	})
	srv := &httpserver.Server{
		Server: http.Server{Handler: httpserver.LogRequests(logger, agent)},
		Addr:   *listen,
	}
	if err = srv.Start(); err != nil {
		return 1
	}
	if *nodeURL == "" {
		// The handlers never read the node URL, so it can
		// still be set now that the port is known.
		_, port, _ := net.SplitHostPort(srv.Addr)
		*nodeURL = fmt.Sprintf("node://%s:%s", *host, port)
		agent.setNodeURL(*nodeURL)
	}
	logger.WithFields(logrus.Fields{
		"Listen":  srv.Addr,
		"NodeURL": *nodeURL,
		"NodeID":  agent.ID(),
	}).Info("node agent listening")

	ctx, cancel := signal.NotifyContext(ctxlog.Context(c.ctx, logger), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err = agent.Register(ctx); err != nil {
		srv.Close()
		return 1
	}
	srv.Wait()
	return 0
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
