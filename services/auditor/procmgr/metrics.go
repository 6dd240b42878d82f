// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package procmgr

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for subprocess execution.
//
// Thread Safety: Safe for concurrent use (Prometheus metrics are thread-safe).
type Metrics struct {
	// ExecutionsTotal counts executions by result
	// (success, failure, timeout, queue_timeout, shutdown).
	ExecutionsTotal *prometheus.CounterVec

	// DurationSeconds measures subprocess wall-clock time.
	DurationSeconds prometheus.Histogram

	// QueueWaitSeconds measures time spent waiting for a slot.
	QueueWaitSeconds prometheus.Histogram

	// ActiveProcesses is a gauge of currently running subprocesses.
	ActiveProcesses prometheus.Gauge

	// QueuedRequests is a gauge of requests waiting for a slot.
	QueuedRequests prometheus.Gauge

	// ForceKilledTotal counts processes that ignored SIGTERM and had
	// to be SIGKILLed.
	ForceKilledTotal prometheus.Counter
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics returns the process-wide metrics, registering them with the
// default registerer on first call. Subsequent calls return the same
// instance so tests can construct multiple managers.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			ExecutionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "gan_auditor",
					Subsystem: "procmgr",
					Name:      "executions_total",
					Help:      "Total subprocess executions by result",
				},
				[]string{"result"},
			),

			DurationSeconds: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: "gan_auditor",
					Subsystem: "procmgr",
					Name:      "duration_seconds",
					Help:      "Subprocess wall-clock duration",
					Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
				},
			),

			QueueWaitSeconds: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: "gan_auditor",
					Subsystem: "procmgr",
					Name:      "queue_wait_seconds",
					Help:      "Time requests spend waiting for an execution slot",
					Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30},
				},
			),

			ActiveProcesses: promauto.NewGauge(
				prometheus.GaugeOpts{
					Namespace: "gan_auditor",
					Subsystem: "procmgr",
					Name:      "active_processes",
					Help:      "Currently running subprocesses",
				},
			),

			QueuedRequests: promauto.NewGauge(
				prometheus.GaugeOpts{
					Namespace: "gan_auditor",
					Subsystem: "procmgr",
					Name:      "queued_requests",
					Help:      "Requests waiting for an execution slot",
				},
			),

			ForceKilledTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: "gan_auditor",
					Subsystem: "procmgr",
					Name:      "force_killed_total",
					Help:      "Processes that required SIGKILL after the grace period",
				},
			),
		}
	})
	return sharedMetrics
}
