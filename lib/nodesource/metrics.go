// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nodesource

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are shared by all node sources of a manager, labelled by
// node source name.
type Metrics struct {
	aliveNodes   *prometheus.GaugeVec
	downNodes    *prometheus.GaugeVec
	pingFailures *prometheus.CounterVec
	pingsSkipped *prometheus.CounterVec
	acquisitions *prometheus.CounterVec
}

// NewMetrics registers node source metrics with reg. If reg is nil,
// the metrics are registered with a new private registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{}
	m.aliveNodes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rm",
		Subsystem: "nodesource",
		Name:      "alive_nodes",
		Help:      "Number of registered nodes that answered their last ping.",
	}, []string{"nodesource"})
	reg.MustRegister(m.aliveNodes)
	m.downNodes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rm",
		Subsystem: "nodesource",
		Name:      "down_nodes",
		Help:      "Number of registered nodes that failed a ping and have not reconnected.",
	}, []string{"nodesource"})
	reg.MustRegister(m.downNodes)
	m.pingFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rm",
		Subsystem: "nodesource",
		Name:      "ping_failures_total",
		Help:      "Number of pings that failed or timed out.",
	}, []string{"nodesource"})
	reg.MustRegister(m.pingFailures)
	m.pingsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rm",
		Subsystem: "nodesource",
		Name:      "pings_skipped_total",
		Help:      "Number of pings not attempted because the task pool was shut down.",
	}, []string{"nodesource"})
	reg.MustRegister(m.pingsSkipped)
	m.acquisitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rm",
		Subsystem: "nodesource",
		Name:      "acquisitions_total",
		Help:      "Number of node acquisition attempts, by result.",
	}, []string{"nodesource", "result"})
	reg.MustRegister(m.acquisitions)
	return m
}

func (m *Metrics) update(name string, r *registry) {
	if m == nil {
		return
	}
	m.aliveNodes.WithLabelValues(name).Set(float64(r.aliveCount()))
	m.downNodes.WithLabelValues(name).Set(float64(r.downCount()))
}

func (m *Metrics) pingFailed(name string) {
	if m != nil {
		m.pingFailures.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) pingSkipped(name string) {
	if m != nil {
		m.pingsSkipped.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) acquired(name, result string) {
	if m != nil {
		m.acquisitions.WithLabelValues(name, result).Inc()
	}
}

// forget drops the series for a terminated node source.
func (m *Metrics) forget(name string) {
	if m == nil {
		return
	}
	m.aliveNodes.DeleteLabelValues(name)
	m.downNodes.DeleteLabelValues(name)
}
