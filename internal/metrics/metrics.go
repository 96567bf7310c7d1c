// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package metrics exposes controller activity as prometheus collectors.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bollard"

type Metrics struct {
	reads         *prometheus.CounterVec
	readDuration  *prometheus.HistogramVec
	fallbacks     *prometheus.CounterVec
	writes        *prometheus.CounterVec
	writeAttempts *prometheus.CounterVec
	pulses        *prometheus.CounterVec
	polls         *prometheus.CounterVec
	emissions     *prometheus.CounterVec
	online        *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_reads_total",
			Help:      "State reads by device, strategy and result.",
		}, []string{"device", "strategy", "result"}),
		readDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "state_read_duration_seconds",
			Help:      "Duration of state reads, including fallback.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"device"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bulk_read_fallbacks_total",
			Help:      "Bulk reads that fell back to sequential reads.",
		}, []string{"device"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coil_writes_total",
			Help:      "Coil writes by device, function and result, after retries.",
		}, []string{"device", "function", "result"}),
		writeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coil_write_attempts_total",
			Help:      "Individual coil write attempts.",
		}, []string{"device", "function"}),
		pulses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pulses_total",
			Help:      "Momentary pulses by device and final state.",
		}, []string{"device", "result"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_polls_total",
			Help:      "Monitor poll outcomes per device.",
		}, []string{"device", "outcome"}),
		emissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_emissions_total",
			Help:      "State events sent to sinks, by kind.",
		}, []string{"device", "kind"}),
		online: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_online",
			Help:      "1 when the last read of the device succeeded.",
		}, []string{"device"}),
	}
	if reg != nil {
		reg.MustRegister(m.reads, m.readDuration, m.fallbacks, m.writes, m.writeAttempts,
			m.pulses, m.polls, m.emissions, m.online)
	}
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) ObserveRead(device, strategy string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.reads.WithLabelValues(device, strategy, result(err)).Inc()
	m.readDuration.WithLabelValues(device).Observe(elapsed.Seconds())
}

func (m *Metrics) BulkFallback(device string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(device).Inc()
}

func (m *Metrics) WriteAttempt(device, function string) {
	if m == nil {
		return
	}
	m.writeAttempts.WithLabelValues(device, function).Inc()
}

func (m *Metrics) ObserveWrite(device, function string, err error) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(device, function, result(err)).Inc()
}

func (m *Metrics) ObservePulse(device, finalState string) {
	if m == nil {
		return
	}
	m.pulses.WithLabelValues(device, finalState).Inc()
}

// Poll outcomes.
const (
	PollOK             = "ok"
	PollError          = "error"
	PollSkippedPaused  = "skipped_paused"
	PollSkippedBackoff = "skipped_backoff"
)

func (m *Metrics) ObservePoll(device, outcome string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(device, outcome).Inc()
}

func (m *Metrics) ObserveEmission(device, kind string) {
	if m == nil {
		return
	}
	m.emissions.WithLabelValues(device, kind).Inc()
}

func (m *Metrics) SetOnline(device string, online bool) {
	if m == nil {
		return
	}
	v := 0.0
	if online {
		v = 1
	}
	m.online.WithLabelValues(device).Set(v)
}

// Forget drops the per-device series of a removed device.
func (m *Metrics) Forget(device string) {
	if m == nil {
		return
	}
	m.online.DeleteLabelValues(device)
}
