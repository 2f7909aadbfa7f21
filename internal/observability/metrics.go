// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability exposes sampler progress as Prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "aggsampler"
	subsystem = "sampling"
)

// =============================================================================
// Prometheus Metrics for Sampling
// =============================================================================

// SamplerMetrics records sampler progress.
//
// Description:
//
//	All series carry a "metric" label with the cached statistic key, e.g.
//	"autocorrelation_1". Register on a dedicated registry in tests.
//
// Thread Safety: Safe for concurrent use.
type SamplerMetrics struct {
	// samplesAccepted counts subsets newly added to the registry.
	samplesAccepted *prometheus.CounterVec

	// computations counts metric evaluations.
	// Labels: metric, source (computed, cached)
	computations *prometheus.CounterVec

	// computeDuration measures fresh metric computations.
	computeDuration *prometheus.HistogramVec

	// discarded counts subsets dropped because they had no data.
	discarded *prometheus.CounterVec

	// outcomes counts finished k levels.
	// Labels: metric, reason (converged, iteration_cap, exhausted)
	outcomes *prometheus.CounterVec

	currentK         *prometheus.GaugeVec
	currentIteration *prometheus.GaugeVec
	stdDev           *prometheus.GaugeVec
}

// NewSamplerMetrics registers sampler metrics on reg.
//
// Inputs:
//
//	reg - Target registerer. prometheus.DefaultRegisterer in production.
//
// Outputs:
//
//	*SamplerMetrics - Ready to record. Panics on duplicate registration.
func NewSamplerMetrics(reg prometheus.Registerer) *SamplerMetrics {
	factory := promauto.With(reg)
	return &SamplerMetrics{
		samplesAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "samples_accepted_total",
			Help:      "Subsets added to the registry",
		}, []string{"metric"}),
		computations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "evaluations_total",
			Help:      "Metric evaluations by source",
		}, []string{"metric", "source"}),
		computeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "compute_duration_seconds",
			Help:      "Duration of fresh metric computations",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"metric"}),
		discarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "subsets_discarded_total",
			Help:      "Subsets discarded for lack of data",
		}, []string{"metric"}),
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outcomes_total",
			Help:      "Finished subset sizes by stop reason",
		}, []string{"metric", "reason"}),
		currentK: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "current_k",
			Help:      "Subset size being sampled",
		}, []string{"metric"}),
		currentIteration: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "current_iteration",
			Help:      "Sample index being evaluated",
		}, []string{"metric"}),
		stdDev: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "running_stddev",
			Help:      "Running standard deviation of the statistic",
		}, []string{"metric"}),
	}
}

// SampleAccepted records a newly registered subset.
func (m *SamplerMetrics) SampleAccepted(metric string) {
	m.samplesAccepted.WithLabelValues(metric).Inc()
}

// Evaluated records a metric value obtained for a sample.
//
// Inputs:
//
//	metric - Cache key of the statistic.
//	computed - True for a fresh computation, false for a cache hit.
//	seconds - Computation time. Ignored for cache hits.
func (m *SamplerMetrics) Evaluated(metric string, computed bool, seconds float64) {
	source := "cached"
	if computed {
		source = "computed"
		m.computeDuration.WithLabelValues(metric).Observe(seconds)
	}
	m.computations.WithLabelValues(metric, source).Inc()
}

// Discarded records a subset dropped for lack of data.
func (m *SamplerMetrics) Discarded(metric string) {
	m.discarded.WithLabelValues(metric).Inc()
}

// Progress records the current position and running standard deviation.
func (m *SamplerMetrics) Progress(metric string, k, iteration int, stdDev float64) {
	m.currentK.WithLabelValues(metric).Set(float64(k))
	m.currentIteration.WithLabelValues(metric).Set(float64(iteration))
	m.stdDev.WithLabelValues(metric).Set(stdDev)
}

// Finished records the stop reason of a subset size.
func (m *SamplerMetrics) Finished(metric, reason string) {
	m.outcomes.WithLabelValues(metric, reason).Inc()
}
