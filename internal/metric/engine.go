// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metric maps a subset of entities to a scalar statistic of their
// aggregated measurements.
package metric

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/AggregateSampler/internal/ledger"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNoData is returned when a subset has no usable measurements. It is
	// the only error the sampler recovers from, by discarding the subset.
	ErrNoData = errors.New("no data for subset")

	// ErrUnknownMetric is returned by Bind for unregistered names.
	ErrUnknownMetric = errors.New("unknown metric")

	// ErrInvalidParams is returned by Bind when parameters do not fit the
	// metric definition.
	ErrInvalidParams = errors.New("invalid metric parameters")

	// ErrDuplicateMetric is returned by Register for a name already taken.
	ErrDuplicateMetric = errors.New("metric already registered")
)

// =============================================================================
// Types
// =============================================================================

// Result is one computed statistic.
type Result struct {
	Value    float64
	Metadata ledger.Metadata
}

// Func computes a statistic for one subset of entity indices.
//
// Implementations return an error wrapping ErrNoData when the subset has no
// usable data; any other error aborts the run.
type Func func(ctx context.Context, subset []int, params []float64, sampleIndex int) (Result, error)

// KeyFunc derives the cache key from bound parameters, e.g. "autocorrelation_1".
type KeyFunc func(params []float64) string

// Definition describes a registrable statistic.
type Definition struct {
	// Name is what users select, e.g. "loadFactorPercentile".
	Name string

	// MinParams and MaxParams bound the parameter count. MaxParams < 0
	// means unbounded.
	MinParams int
	MaxParams int

	// ValidateParams checks parameter values. Optional.
	ValidateParams func(params []float64) error

	// Key names the cached metric. Optional; defaults to Name.
	Key KeyFunc

	Func Func
}

// Engine is a registry of metric definitions.
//
// Thread Safety: Safe for concurrent use.
type Engine struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewEngine creates an empty engine.
func NewEngine() *Engine {
	return &Engine{defs: make(map[string]Definition)}
}

// Register adds a definition.
func (e *Engine) Register(def Definition) error {
	if def.Name == "" || def.Func == nil {
		return fmt.Errorf("register metric: name and func are required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.defs[def.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateMetric, def.Name)
	}
	e.defs[def.Name] = def
	return nil
}

// Names returns the registered metric names, sorted.
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.defs))
	for name := range e.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bind selects a metric and fixes its parameters.
//
// Description:
//
//	Validates the parameter count and values against the definition and
//	resolves the cache key once, so the sampler never sees an unknown
//	name or malformed parameters mid-run.
//
// Inputs:
//
//	name - Registered metric name.
//	params - Metric parameters. Copied.
//
// Outputs:
//
//	Bound - Capability that computes the metric.
//	error - ErrUnknownMetric or ErrInvalidParams.
func (e *Engine) Bind(name string, params []float64) (Bound, error) {
	e.mu.RLock()
	def, ok := e.defs[name]
	e.mu.RUnlock()
	if !ok {
		return Bound{}, fmt.Errorf("%w: %q", ErrUnknownMetric, name)
	}

	if len(params) < def.MinParams || (def.MaxParams >= 0 && len(params) > def.MaxParams) {
		return Bound{}, fmt.Errorf("%w: %s takes %s, got %d", ErrInvalidParams, name, arity(def), len(params))
	}
	if def.ValidateParams != nil {
		if err := def.ValidateParams(params); err != nil {
			return Bound{}, fmt.Errorf("%w: %s: %v", ErrInvalidParams, name, err)
		}
	}

	p := append([]float64(nil), params...)
	key := def.Name
	if def.Key != nil {
		key = def.Key(p)
	}
	return Bound{def: def, params: p, key: key}, nil
}

// Bound is a metric with fixed parameters.
type Bound struct {
	def    Definition
	params []float64
	key    string
}

// Name returns the metric name.
func (b Bound) Name() string { return b.def.Name }

// Key returns the name under which values are cached.
func (b Bound) Key() string { return b.key }

// Params returns a copy of the bound parameters.
func (b Bound) Params() []float64 { return append([]float64(nil), b.params...) }

// Valid reports whether b came from a successful Bind.
func (b Bound) Valid() bool { return b.def.Func != nil }

// Compute evaluates the metric for a subset.
func (b Bound) Compute(ctx context.Context, subset []int, sampleIndex int) (Result, error) {
	if b.def.Func == nil {
		return Result{}, fmt.Errorf("%w: metric not bound", ErrUnknownMetric)
	}
	return b.def.Func(ctx, subset, b.params, sampleIndex)
}

func arity(def Definition) string {
	switch {
	case def.MaxParams < 0:
		return fmt.Sprintf("at least %d parameter(s)", def.MinParams)
	case def.MinParams == def.MaxParams:
		return fmt.Sprintf("%d parameter(s)", def.MinParams)
	default:
		return fmt.Sprintf("%d to %d parameters", def.MinParams, def.MaxParams)
	}
}
