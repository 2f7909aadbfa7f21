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
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads the config at path, creating it with defaults on first run.
// An empty path means DefaultPath(). Environment overrides are applied
// before validation.
//
// Inputs:
//
//	path - Config file path, or "".
//	notice - Receives the first-run message. May be nil.
//
// Outputs:
//
//	SamplerConfig - Validated configuration.
//	error - Non-nil if the file cannot be read, parsed or validated.
func Load(path string, notice io.Writer) (SamplerConfig, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return SamplerConfig{}, err
		}
		path = p
	}

	// create it if it doesn't exist
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if notice != nil {
			fmt.Fprintf(notice, " First run detected, creating the config at %s\n", path)
		}
		if err := createDefault(path); err != nil {
			return SamplerConfig{}, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return SamplerConfig{}, fmt.Errorf("failed to read the config file %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return SamplerConfig{}, err
	}
	applyEnv(&cfg, os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return SamplerConfig{}, err
	}
	return cfg, nil
}

// Parse decodes YAML on top of DefaultConfig(), so omitted keys keep their
// defaults.
func Parse(data []byte) (SamplerConfig, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return SamplerConfig{}, fmt.Errorf("failed to parse the config: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides InfluxDB connection settings from the environment.
func applyEnv(cfg *SamplerConfig, lookup func(string) (string, bool)) {
	if v, ok := lookup("INFLUXDB_URL"); ok && v != "" {
		cfg.Influx.URL = v
	}
	if v, ok := lookup("INFLUXDB_TOKEN"); ok && v != "" {
		cfg.Influx.Token = v
	}
	if v, ok := lookup("INFLUXDB_ORG"); ok && v != "" {
		cfg.Influx.Org = v
	}
	if v, ok := lookup("INFLUXDB_BUCKET"); ok && v != "" {
		cfg.Influx.Bucket = v
	}
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create the config directory %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
