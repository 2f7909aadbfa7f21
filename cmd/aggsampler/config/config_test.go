// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// TestCreateDefault verifies default config creation in a nested directory.
func TestCreateDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "nested", "aggsampler.yaml")

	require.NoError(t, createDefault(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var cfg SamplerConfig
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	assert.Equal(t, "loadFactor", cfg.Sampling.Statistic)
	assert.Equal(t, 1000, cfg.Sampling.MaxIterations)
	assert.Equal(t, 30*time.Second, cfg.Influx.Timeout)
}

func TestDefaultConfig_Valid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestLoad_FirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aggsampler.yaml")
	var notice bytes.Buffer

	cfg, err := Load(path, &notice)
	require.NoError(t, err)
	assert.Contains(t, notice.String(), "First run detected")
	assert.FileExists(t, path)
	assert.Equal(t, DefaultConfig().Sampling, cfg.Sampling)

	notice.Reset()
	_, err = Load(path, &notice)
	require.NoError(t, err)
	assert.Empty(t, notice.String())
}

func TestParse_KeepsDefaultsForOmittedKeys(t *testing.T) {
	cfg, err := Parse([]byte(`
sampling:
  statistic: autocorrelation
  parameters: [1]
  tolerance: 0.001
storage:
  gc_interval: 1m
`))
	require.NoError(t, err)

	assert.Equal(t, "autocorrelation", cfg.Sampling.Statistic)
	assert.Equal(t, []float64{1}, cfg.Sampling.Parameters)
	assert.Equal(t, 0.001, cfg.Sampling.Tolerance)
	assert.Equal(t, 1000, cfg.Sampling.MaxIterations)
	assert.Equal(t, time.Minute, cfg.Storage.GCInterval)
	assert.Equal(t, "power", cfg.Source.Measurement)
	require.NoError(t, cfg.Validate())
}

func TestParse_Malformed(t *testing.T) {
	_, err := Parse([]byte("sampling: [not, a, map"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	env := map[string]string{
		"INFLUXDB_URL":    "http://influx:8086",
		"INFLUXDB_TOKEN":  "secret",
		"INFLUXDB_BUCKET": "",
	}
	applyEnv(&cfg, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	assert.Equal(t, "http://influx:8086", cfg.Influx.URL)
	assert.Equal(t, "secret", cfg.Influx.Token)
	assert.Equal(t, "aleutian", cfg.Influx.Org)
	assert.Equal(t, "household", cfg.Influx.Bucket)
}

func TestLoad_EnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aggsampler.yaml")
	t.Setenv("INFLUXDB_ORG", "lab")

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "lab", cfg.Influx.Org)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SamplerConfig)
	}{
		{"unknown statistic", func(c *SamplerConfig) { c.Sampling.Statistic = "median" }},
		{"unknown interval", func(c *SamplerConfig) { c.Sampling.Interval = "fortnight" }},
		{"zero iterations", func(c *SamplerConfig) { c.Sampling.MaxIterations = 0 }},
		{"negative tolerance", func(c *SamplerConfig) { c.Sampling.Tolerance = -0.1 }},
		{"zero start k", func(c *SamplerConfig) { c.Sampling.StartK = 0 }},
		{"bad url", func(c *SamplerConfig) { c.Influx.URL = "not a url" }},
		{"missing bucket", func(c *SamplerConfig) { c.Influx.Bucket = "" }},
		{"missing storage path", func(c *SamplerConfig) { c.Storage.Path = "" }},
		{"bad log level", func(c *SamplerConfig) { c.Logging.Level = "chatty" }},
		{"bad metrics address", func(c *SamplerConfig) { c.Metrics.Listen = "nowhere" }},
		{"half window", func(c *SamplerConfig) { c.Source.WindowStart = "2024-03-01T00:00:00Z" }},
		{"backwards window", func(c *SamplerConfig) {
			c.Source.WindowStart = "2024-04-01T00:00:00Z"
			c.Source.WindowEnd = "2024-03-01T00:00:00Z"
		}},
		{"bad search start", func(c *SamplerConfig) { c.Source.SearchStart = "yesterday" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSourceConfig_FixedWindow(t *testing.T) {
	s := SourceConfig{WindowStart: "2024-03-01T00:00:00Z", WindowEnd: "2024-04-01T00:00:00Z"}
	w, ok, err := s.FixedWindow()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), w.Start.UTC())

	_, ok, err = SourceConfig{}.FixedWindow()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSourceConfig_SearchWindow(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	w, err := SourceConfig{SearchStart: "2012-01-01T00:00:00Z"}.SearchWindow(now)
	require.NoError(t, err)
	assert.Equal(t, now, w.End)

	_, err = SourceConfig{SearchStart: "2030-01-01T00:00:00Z"}.SearchWindow(now)
	assert.Error(t, err)
}
