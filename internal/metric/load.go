// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package metric

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/AleutianAI/AggregateSampler/internal/ledger"
	"github.com/AleutianAI/AggregateSampler/internal/measurement"
	"github.com/aclements/go-moremath/stats"
)

// Built-in metric names.
const (
	LoadFactor           = "loadFactor"
	LoadFactorPercentile = "loadFactorPercentile"
	COV                  = "cov"
	Autocorrelation      = "autocorrelation"
)

// Source is the measurement data the load metrics read.
type Source struct {
	Store measurement.Store

	// Entities is the catalog order. Subset index i refers to Entities[i].
	Entities []string

	Field    string
	Window   measurement.Window
	Interval measurement.Interval
}

// NewLoadMetrics returns the built-in load statistics over src.
func NewLoadMetrics(src Source) []Definition {
	return []Definition{
		{
			Name: LoadFactor,
			Func: src.statistic(loadFactor),
		},
		{
			Name:           LoadFactorPercentile,
			MinParams:      1,
			MaxParams:      -1,
			ValidateParams: validatePercentiles,
			Key: func(params []float64) string {
				return "loadFactor_" + formatParam(params[len(params)-1])
			},
			Func: src.statistic(percentileLoadFactor),
		},
		{
			Name: COV,
			Func: src.statistic(cov),
		},
		{
			Name:           Autocorrelation,
			MinParams:      1,
			MaxParams:      1,
			ValidateParams: validateLag,
			Key: func(params []float64) string {
				return "autocorrelation_" + formatParam(params[0])
			},
			Func: src.statistic(autocorrelation),
		},
	}
}

// NewLoadEngine returns an engine with every load metric registered.
func NewLoadEngine(src Source) (*Engine, error) {
	e := NewEngine()
	for _, def := range NewLoadMetrics(src) {
		if err := e.Register(def); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// seriesFunc computes a statistic from a full-coverage aggregate series.
type seriesFunc func(xs []float64, params []float64, meta *ledger.Metadata) (float64, error)

// statistic adapts a seriesFunc into a Func that loads the subset's series.
func (src Source) statistic(fn seriesFunc) Func {
	return func(ctx context.Context, subset []int, params []float64, sampleIndex int) (Result, error) {
		entities, err := src.resolve(subset)
		if err != nil {
			return Result{}, err
		}

		points, err := src.Store.Aggregate(ctx, measurement.Query{
			Entities: entities,
			Field:    src.Field,
			Window:   src.Window,
			Interval: src.Interval,
		})
		if err != nil {
			return Result{}, fmt.Errorf("load aggregate series: %w", err)
		}
		points = measurement.FullCoverage(points, len(subset))
		if len(points) == 0 {
			return Result{}, fmt.Errorf("%w: %v", ErrNoData, subset)
		}

		xs := make([]float64, len(points))
		for i, p := range points {
			xs[i] = p.Value
		}
		sample := stats.Sample{Xs: xs}
		trough, peak := sample.Bounds()
		meta := ledger.Metadata{
			EntityIDs:   entities,
			WindowStart: src.Window.Start,
			WindowEnd:   src.Window.End,
			Interval:    string(src.Interval),
			Params:      append([]float64(nil), params...),
			Peak:        peak,
			Trough:      trough,
			Mean:        sample.Mean(),
			Points:      len(xs),
		}

		value, err := fn(xs, params, &meta)
		if err != nil {
			return Result{}, err
		}
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return Result{}, fmt.Errorf("%w: statistic undefined for %v", ErrNoData, subset)
		}
		return Result{Value: value, Metadata: meta}, nil
	}
}

// resolve maps subset indices to entity IDs.
func (src Source) resolve(subset []int) ([]string, error) {
	entities := make([]string, len(subset))
	for i, idx := range subset {
		if idx < 0 || idx >= len(src.Entities) {
			return nil, fmt.Errorf("subset index %d outside population of %d", idx, len(src.Entities))
		}
		entities[i] = src.Entities[idx]
	}
	return entities, nil
}

// =============================================================================
// Statistics
// =============================================================================

// loadFactor is mean / peak.
func loadFactor(xs []float64, _ []float64, meta *ledger.Metadata) (float64, error) {
	return meta.Mean / meta.Peak, nil
}

// percentileLoadFactor is mean / quantile(p) for every p. The value is the
// ratio at the last percentile; all ratios are kept in the metadata.
func percentileLoadFactor(xs []float64, params []float64, meta *ledger.Metadata) (float64, error) {
	sample := stats.Sample{Xs: append([]float64(nil), xs...)}
	sample.Sort()

	meta.Extra = make(map[string]float64, len(params))
	var last float64
	for _, p := range params {
		last = meta.Mean / sample.Quantile(p/100)
		meta.Extra["loadFactor_"+formatParam(p)] = last
	}
	return last, nil
}

// cov is population standard deviation / mean.
func cov(xs []float64, _ []float64, meta *ledger.Metadata) (float64, error) {
	return populationStdDev(xs) / meta.Mean, nil
}

// autocorrelation is the lag-n sample autocorrelation. A constant series
// has zero autocorrelation.
func autocorrelation(xs []float64, params []float64, meta *ledger.Metadata) (float64, error) {
	lag := int(params[0])
	if lag >= len(xs) {
		return 0, fmt.Errorf("%w: lag %d needs more than %d points", ErrNoData, lag, len(xs))
	}

	mean := meta.Mean
	var num, den float64
	for i, x := range xs {
		d := x - mean
		den += d * d
		if i+lag < len(xs) {
			num += d * (xs[i+lag] - mean)
		}
	}
	if den == 0 {
		return 0, nil
	}
	return num / den, nil
}

func populationStdDev(xs []float64) float64 {
	n := float64(len(xs))
	if n < 2 {
		return 0
	}
	return math.Sqrt(stats.Variance(xs) * (n - 1) / n)
}

// =============================================================================
// Parameter validation
// =============================================================================

var errParamRange = errors.New("parameter out of range")

func validatePercentiles(params []float64) error {
	for _, p := range params {
		if math.IsNaN(p) || p <= 0 || p > 100 {
			return fmt.Errorf("%w: percentile %v not in (0, 100]", errParamRange, p)
		}
	}
	return nil
}

func validateLag(params []float64) error {
	lag := params[0]
	if lag < 1 || lag != math.Trunc(lag) {
		return fmt.Errorf("%w: lag %v must be a positive integer", errParamRange, lag)
	}
	return nil
}

func formatParam(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}
