// Copyright 2025 Meridian Labs
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "meridian"
	metricsSubsystem = "rpc"
)

// Metrics reports channel and call activity. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	channelsOpen  prometheus.Gauge
	callsInFlight prometheus.Gauge
	callsTotal    *prometheus.CounterVec
}

// NewMetrics returns an unregistered metrics collector for the rpc
// package.
func NewMetrics() *Metrics {
	return &Metrics{
		channelsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "channels_open",
			Help:      "Number of live RPC channels.",
		}),
		callsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "calls_in_flight",
			Help:      "Number of RPC calls awaiting a response.",
		}),
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "calls_total",
			Help:      "Completed RPC calls by outcome.",
		}, []string{"outcome"}),
	}
}

// Describe is part of the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.channelsOpen.Describe(ch)
	m.callsInFlight.Describe(ch)
	m.callsTotal.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.channelsOpen.Collect(ch)
	m.callsInFlight.Collect(ch)
	m.callsTotal.Collect(ch)
}

func (m *Metrics) channelOpened() {
	if m == nil {
		return
	}
	m.channelsOpen.Inc()
}

func (m *Metrics) channelClosed() {
	if m == nil {
		return
	}
	m.channelsOpen.Dec()
}

func (m *Metrics) callStarted() {
	if m == nil {
		return
	}
	m.callsInFlight.Inc()
}

func (m *Metrics) callFinished(outcome string) {
	if m == nil {
		return
	}
	m.callsInFlight.Dec()
	m.callsTotal.WithLabelValues(outcome).Inc()
}
