// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSamplerMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSamplerMetrics(reg)

	m.SampleAccepted("cov")
	m.SampleAccepted("cov")
	m.Evaluated("cov", true, 0.02)
	m.Evaluated("cov", false, 0)
	m.Evaluated("cov", false, 0)
	m.Discarded("cov")
	m.Finished("cov", "converged")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.samplesAccepted.WithLabelValues("cov")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.computations.WithLabelValues("cov", "computed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.computations.WithLabelValues("cov", "cached")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.discarded.WithLabelValues("cov")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("cov", "converged")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.computeDuration))
}

func TestSamplerMetrics_Progress(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSamplerMetrics(reg)

	m.Progress("loadFactor", 3, 17, 0.05)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.currentK.WithLabelValues("loadFactor")))
	assert.Equal(t, 17.0, testutil.ToFloat64(m.currentIteration.WithLabelValues("loadFactor")))
	assert.Equal(t, 0.05, testutil.ToFloat64(m.stdDev.WithLabelValues("loadFactor")))
}

func TestNewSamplerMetrics_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSamplerMetrics(reg)
	m.SampleAccepted("cov")

	families, err := reg.Gather()
	assert.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "aggsampler_sampling_samples_accepted_total")

	assert.Panics(t, func() { NewSamplerMetrics(reg) })
}
