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
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/AggregateSampler/internal/measurement"
	"github.com/go-playground/validator/v10"
)

type SamplerConfig struct {
	// Influx: where measurements are read from
	Influx InfluxConfig `yaml:"influx"`

	// Source: which measurements and entities
	Source SourceConfig `yaml:"source"`

	// Sampling: statistic and stop rule
	Sampling SamplingConfig `yaml:"sampling"`

	// Storage: the subset registry and statistic cache
	Storage StorageConfig `yaml:"storage"`

	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type InfluxConfig struct {
	URL              string        `yaml:"url" validate:"required,url"`
	Token            string        `yaml:"token"`
	Org              string        `yaml:"org" validate:"required"`
	Bucket           string        `yaml:"bucket" validate:"required"`
	QueriesPerSecond float64       `yaml:"queries_per_second" validate:"gte=0"`
	Timeout          time.Duration `yaml:"timeout" validate:"gte=0"`
}

type SourceConfig struct {
	Measurement string `yaml:"measurement" validate:"required"` // e.g. power
	Field       string `yaml:"field" validate:"required"`       // e.g. activePwr
	EntityTag   string `yaml:"entity_tag" validate:"required"`  // e.g. device_id

	// Entities fixes the population and its order. Empty discovers the
	// entity tag values in the bucket.
	Entities []string `yaml:"entities,omitempty"`

	// WindowStart/WindowEnd (RFC3339) fix the measurement window. When
	// empty, the calendar month with the most samples between SearchStart
	// and now is used.
	WindowStart string `yaml:"window_start,omitempty"`
	WindowEnd   string `yaml:"window_end,omitempty"`
	SearchStart string `yaml:"search_start"`
}

type SamplingConfig struct {
	Statistic     string    `yaml:"statistic" validate:"required,oneof=loadFactor loadFactorPercentile cov autocorrelation"`
	Parameters    []float64 `yaml:"parameters,omitempty"`
	Interval      string    `yaml:"interval" validate:"required"`
	MaxIterations int       `yaml:"max_iterations" validate:"gte=1"`
	Tolerance     float64   `yaml:"tolerance" validate:"gte=0"`
	StartK        int       `yaml:"start_k" validate:"gte=1"`
	ProgressEvery int       `yaml:"progress_every" validate:"gte=0"`

	// Seed fixes the subset draw sequence. Zero seeds randomly.
	Seed uint64 `yaml:"seed"`
}

type StorageConfig struct {
	Path       string        `yaml:"path" validate:"required"`
	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval" validate:"gte=0"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}

type MetricsConfig struct {
	// Listen is the address of the /metrics endpoint. Empty disables it.
	Listen string `yaml:"listen,omitempty" validate:"omitempty,hostname_port"`
}

// DefaultPath returns ~/.aggsampler/aggsampler.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".aggsampler", "aggsampler.yaml"), nil
}

func DefaultConfig() SamplerConfig {
	storagePath := filepath.Join(".aggsampler", "ledger")
	if home, err := os.UserHomeDir(); err == nil {
		storagePath = filepath.Join(home, storagePath)
	}
	return SamplerConfig{
		Influx: InfluxConfig{
			URL:     "http://localhost:8086",
			Org:     "aleutian",
			Bucket:  "household",
			Timeout: 30 * time.Second,
		},
		Source: SourceConfig{
			Measurement: "power",
			Field:       "activePwr",
			EntityTag:   "device_id",
			SearchStart: "2012-01-01T00:00:00Z",
		},
		Sampling: SamplingConfig{
			Statistic:     "loadFactor",
			Interval:      string(measurement.IntervalFifteenMinutes),
			MaxIterations: 1000,
			Tolerance:     0.0001,
			StartK:        1,
			ProgressEvery: 100,
		},
		Storage: StorageConfig{
			Path:       storagePath,
			SyncWrites: true,
			GCInterval: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

var validate = validator.New()

// Validate checks field constraints, the interval name and the window.
func (c SamplerConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := measurement.ParseInterval(c.Sampling.Interval); err != nil {
		return fmt.Errorf("invalid config: sampling.interval: %w", err)
	}
	if _, _, err := c.Source.FixedWindow(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.Source.SearchWindow(time.Now()); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// FixedWindow returns the configured window. ok is false when neither bound
// is set.
func (s SourceConfig) FixedWindow() (w measurement.Window, ok bool, err error) {
	if s.WindowStart == "" && s.WindowEnd == "" {
		return measurement.Window{}, false, nil
	}
	if w.Start, err = time.Parse(time.RFC3339, s.WindowStart); err != nil {
		return measurement.Window{}, false, fmt.Errorf("source.window_start: %w", err)
	}
	if w.End, err = time.Parse(time.RFC3339, s.WindowEnd); err != nil {
		return measurement.Window{}, false, fmt.Errorf("source.window_end: %w", err)
	}
	if err := w.Validate(); err != nil {
		return measurement.Window{}, false, err
	}
	return w, true, nil
}

// SearchWindow returns [SearchStart, now).
func (s SourceConfig) SearchWindow(now time.Time) (measurement.Window, error) {
	start, err := time.Parse(time.RFC3339, s.SearchStart)
	if err != nil {
		return measurement.Window{}, fmt.Errorf("source.search_start: %w", err)
	}
	w := measurement.Window{Start: start, End: now}
	if err := w.Validate(); err != nil {
		return measurement.Window{}, err
	}
	return w, nil
}
