// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package httpserver provides the HTTP server and middleware shared
// by the resource manager's services.
package httpserver

import (
	"net"
	"net/http"
	"sync"
	"time"
)

type Server struct {
	http.Server
	Addr string // host:port where the server is listening.

	mtx      sync.Mutex
	err      error
	running  bool
	stopped  chan struct{}
	listener *net.TCPListener
	wantDown bool
}

// Start is essentially (*http.Server)ListenAndServe() with two more
// features: (1) by the time Start() returns, Addr is changed to the
// address:port we ended up listening to -- which makes listening on
// ":0" useful in test suites -- and (2) the server can be shut down
// without killing the process -- which is useful in test cases, and
// makes it possible to shut down gracefully on SIGTERM without
// killing active connections.
func (srv *Server) Start() error {
	addr, err := net.ResolveTCPAddr("tcp", srv.Addr)
	if err != nil {
		return err
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return err
	}
	srv.mtx.Lock()
	srv.listener = listener
	srv.Addr = listener.Addr().String()
	srv.running = true
	srv.stopped = make(chan struct{})
	srv.mtx.Unlock()
	go func() {
		err := srv.Serve(tcpKeepAliveListener{listener})
		srv.mtx.Lock()
		if !srv.wantDown {
			srv.err = err
		}
		srv.running = false
		close(srv.stopped)
		srv.mtx.Unlock()
	}()
	return nil
}

// Close shuts down the server and returns when it has stopped.
func (srv *Server) Close() error {
	srv.mtx.Lock()
	srv.wantDown = true
	listener := srv.listener
	srv.mtx.Unlock()
	if listener != nil {
		listener.Close()
	}
	return srv.Wait()
}

// Wait returns when the server has shut down.
func (srv *Server) Wait() error {
	srv.mtx.Lock()
	stopped := srv.stopped
	srv.mtx.Unlock()
	if stopped == nil {
		return nil
	}
	<-stopped
	srv.mtx.Lock()
	defer srv.mtx.Unlock()
	return srv.err
}

// tcpKeepAliveListener is copied from net/http because not exported.
type tcpKeepAliveListener struct {
	*net.TCPListener
}

func (ln tcpKeepAliveListener) Accept() (c net.Conn, err error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return
	}
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(3 * time.Minute)
	return tc, nil
}
