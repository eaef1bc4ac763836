// Copyright 2025 Meridian Labs
// Licensed under the AGPLv3, see LICENCE file for details.

package bucketworkers

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "meridian"
	metricsSubsystem = "bucketworkers"
)

// Metrics reports reconciliation activity. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	passes        prometheus.Counter
	started       prometheus.Counter
	stopped       prometheus.Counter
	startFailures prometheus.Counter
	stopTimeouts  prometheus.Counter
}

// NewMetrics returns an unregistered metrics collector for the
// reconciler.
func NewMetrics() *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      name,
			Help:      help,
		})
	}
	return &Metrics{
		passes:        counter("passes_total", "Reconciliation passes run."),
		started:       counter("workers_started_total", "Bucket workers started."),
		stopped:       counter("workers_stopped_total", "Bucket workers stopped cleanly."),
		startFailures: counter("start_failures_total", "Bucket worker starts that failed."),
		stopTimeouts:  counter("stop_timeouts_total", "Bucket worker stops that exceeded the grace period."),
	}
}

// Describe is part of the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.passes.Describe(ch)
	m.started.Describe(ch)
	m.stopped.Describe(ch)
	m.startFailures.Describe(ch)
	m.stopTimeouts.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.passes.Collect(ch)
	m.started.Collect(ch)
	m.stopped.Collect(ch)
	m.startFailures.Collect(ch)
	m.stopTimeouts.Collect(ch)
}

func (m *Metrics) passStarted() {
	if m == nil {
		return
	}
	m.passes.Inc()
}

func (m *Metrics) workerStarted() {
	if m == nil {
		return
	}
	m.started.Inc()
}

func (m *Metrics) workerStopped() {
	if m == nil {
		return
	}
	m.stopped.Inc()
}

func (m *Metrics) startFailed() {
	if m == nil {
		return
	}
	m.startFailures.Inc()
}

func (m *Metrics) stopTimedOut() {
	if m == nil {
		return
	}
	m.stopTimeouts.Inc()
}
