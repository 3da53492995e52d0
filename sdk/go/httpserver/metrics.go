// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/ow2-proactive/scheduling-sub049/sdk/go/auth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Handler is an instrumented http.Handler.
type Handler interface {
	http.Handler

	// ServeAPI returns a handler that serves the metrics
	// registry at "GET /metrics" to clients presenting token, and
	// passes every other request to next.
	ServeAPI(token string, next http.Handler) http.Handler
}

type metrics struct {
	next         http.Handler
	export       http.Handler
	inFlight     prometheus.Gauge
	duration     *prometheus.SummaryVec
	timeToStatus *prometheus.SummaryVec
}

// Levels implements logrus.Hook.
func (*metrics) Levels() []logrus.Level {
	return []logrus.Level{logrus.InfoLevel, logrus.WarnLevel, logrus.ErrorLevel}
}

// Fire implements logrus.Hook. Time-to-status is only known to the
// request logger, so it is collected from the response log entry.
func (m *metrics) Fire(ent *logrus.Entry) error {
	tts, ok := ent.Data["timeToStatus"].(float64)
	if !ok {
		return nil
	}
	method, _ := ent.Data["reqMethod"].(string)
	code, _ := ent.Data["respStatusCode"].(int)
	m.timeToStatus.WithLabelValues(strconv.Itoa(code), strings.ToLower(method)).Observe(tts)
	return nil
}

func (m *metrics) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	m.next.ServeHTTP(w, req)
}

func (m *metrics) ServeAPI(token string, next http.Handler) http.Handler {
	export := auth.RequireLiteralToken(token, m.export)
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/metrics" && (req.Method == "GET" || req.Method == "HEAD") {
			export.ServeHTTP(w, req)
		} else {
			next.ServeHTTP(w, req)
		}
	})
}

// Instrument returns a Handler that passes requests to next while
// recording request counts, durations, and concurrency in registry.
// A nil registry is replaced by a new one.
//
// Time to status is collected from the response entries written by
// LogRequests(logger, ...), so every request passed to the returned
// Handler should also pass through LogRequests with the same logger.
func Instrument(registry *prometheus.Registry, logger *logrus.Logger, next http.Handler) Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &metrics{
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rm",
			Name:      "requests_in_flight",
			Help:      "Number of requests being served.",
		}),
		duration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Namespace: "rm",
			Name:      "request_duration_seconds",
			Help:      "Time to serve a request, by status code and method.",
		}, []string{"code", "method"}),
		timeToStatus: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Namespace: "rm",
			Name:      "time_to_status_seconds",
			Help:      "Time until the response status was sent, by status code and method.",
		}, []string{"code", "method"}),
	}
	registry.MustRegister(m.inFlight, m.duration, m.timeToStatus)
	m.next = promhttp.InstrumentHandlerInFlight(m.inFlight,
		promhttp.InstrumentHandlerDuration(m.duration, next))
	m.export = promhttp.HandlerFor(registry, promhttp.HandlerOpts{ErrorLog: logger})
	logger.AddHook(m)
	return m
}
