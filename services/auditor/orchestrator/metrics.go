// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the audit loop.
//
// Thread Safety: Safe for concurrent use (Prometheus metrics are thread-safe).
type Metrics struct {
	// AuditsTotal counts audit cycles by outcome
	// (pass, revise, reject, error, skipped).
	AuditsTotal *prometheus.CounterVec

	// CycleDurationSeconds measures one audit cycle end to end.
	CycleDurationSeconds prometheus.Histogram

	// CompletionsTotal counts session completions by reason
	// (tier1, tier2, tier3, max-iterations, stagnation).
	CompletionsTotal *prometheus.CounterVec

	// SessionLoops observes the loop count at completion time.
	SessionLoops prometheus.Histogram

	// OverallScore observes judge overall scores.
	OverallScore prometheus.Histogram
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics returns the process-wide metrics, registering them with the
// default registerer on first call. Subsequent calls return the same
// instance so tests can construct multiple orchestrators.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			AuditsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "gan_auditor",
					Subsystem: "orchestrator",
					Name:      "audits_total",
					Help:      "Total audit cycles by outcome",
				},
				[]string{"outcome"},
			),

			CycleDurationSeconds: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: "gan_auditor",
					Subsystem: "orchestrator",
					Name:      "cycle_duration_seconds",
					Help:      "Audit cycle duration including context assembly and judging",
					Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
				},
			),

			CompletionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "gan_auditor",
					Subsystem: "orchestrator",
					Name:      "completions_total",
					Help:      "Session completions by reason",
				},
				[]string{"reason"},
			),

			SessionLoops: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: "gan_auditor",
					Subsystem: "orchestrator",
					Name:      "session_loops",
					Help:      "Loop count at session completion",
					Buckets:   []float64{1, 2, 5, 10, 15, 20, 25},
				},
			),

			OverallScore: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: "gan_auditor",
					Subsystem: "orchestrator",
					Name:      "overall_score",
					Help:      "Judge overall scores",
					Buckets:   []float64{10, 25, 50, 70, 80, 85, 90, 95, 100},
				},
			),
		}
	})
	return sharedMetrics
}
