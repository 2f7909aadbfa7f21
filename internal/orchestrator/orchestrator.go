// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator drives the sampler across subset sizes k = start..N.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/AleutianAI/AggregateSampler/internal/ledger"
	"github.com/AleutianAI/AggregateSampler/internal/measurement"
	"github.com/AleutianAI/AggregateSampler/internal/metric"
	"github.com/AleutianAI/AggregateSampler/internal/sampling"
	"github.com/AleutianAI/AggregateSampler/pkg/logging"
	"github.com/aclements/go-moremath/stats"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("aggsampler.orchestrator")

var (
	// ErrEmptyPopulation is returned when the catalog lists no entities.
	ErrEmptyPopulation = errors.New("entity catalog is empty")

	// ErrInvalidPlan is returned for plans that cannot run.
	ErrInvalidPlan = errors.New("invalid plan")
)

// LedgerOpener acquires the ledger for the duration of one operation. The
// orchestrator closes it when the operation ends.
type LedgerOpener func(ctx context.Context) (*ledger.Ledger, error)

// Binder binds the metric to the entity list established for the run.
// Subset index i refers to entities[i].
type Binder func(entities []string) (metric.Bound, error)

// Plan describes one sampling run.
type Plan struct {
	// StartK is the first subset size. Defaults to 1.
	StartK int

	MaxIterations int
	Tolerance     float64

	// Bind produces the metric once the population is known.
	Bind Binder

	// ProgressEvery sets the progress log interval. Zero uses the default.
	ProgressEvery int
}

// Report summarizes a run.
type Report struct {
	RunID      string
	N          int
	Metric     string
	Outcomes   []sampling.Outcome
	StartedAt  time.Time
	FinishedAt time.Time
}

// Option is a functional option for configuring Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithRecorder sets the metrics recorder passed to the controller.
func WithRecorder(r sampling.Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithRand sets the random source used to draw subsets.
func WithRand(r *rand.Rand) Option {
	return func(o *Orchestrator) { o.rng = r }
}

// Orchestrator runs the sampler for every subset size.
//
// Thread Safety: Not safe for concurrent use.
type Orchestrator struct {
	open     LedgerOpener
	catalog  measurement.Catalog
	logger   *logging.Logger
	recorder sampling.Recorder
	rng      *rand.Rand
}

// New creates an Orchestrator.
func New(open LedgerOpener, catalog measurement.Catalog, opts ...Option) *Orchestrator {
	o := &Orchestrator{open: open, catalog: catalog}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logging.Discard()
	}
	return o
}

// Run samples k = plan.StartK..N.
//
// Description:
//
//	Lists the catalog once to fix N and the entity order, binds the
//	metric, acquires the ledger, and runs the controller for each k in
//	ascending order. A fatal error stops the run; the report holds the
//	outcomes completed so far.
//
// Outputs:
//
//	Report - Per-k outcomes and run metadata.
//	error - ErrInvalidPlan, ErrEmptyPopulation, or a wrapped controller error.
func (o *Orchestrator) Run(ctx context.Context, plan Plan) (report Report, err error) {
	report = Report{RunID: uuid.NewString(), StartedAt: time.Now()}
	defer func() { report.FinishedAt = time.Now() }()

	if plan.StartK == 0 {
		plan.StartK = 1
	}
	if plan.StartK < 1 || plan.Bind == nil {
		return report, fmt.Errorf("%w: start k %d, binder set %t", ErrInvalidPlan, plan.StartK, plan.Bind != nil)
	}

	entities, err := o.population(ctx)
	if err != nil {
		return report, err
	}
	report.N = len(entities)
	if plan.StartK > report.N {
		return report, fmt.Errorf("%w: start k %d exceeds population %d", ErrInvalidPlan, plan.StartK, report.N)
	}

	bound, err := plan.Bind(entities)
	if err != nil {
		return report, fmt.Errorf("bind metric: %w", err)
	}
	report.Metric = bound.Key()

	l, err := o.open(ctx)
	if err != nil {
		return report, fmt.Errorf("open ledger: %w", err)
	}
	defer func() {
		if cerr := l.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close ledger: %w", cerr))
		}
	}()

	logger := o.logger.With("run_id", report.RunID, "metric", report.Metric)
	opts := []sampling.ControllerOption{sampling.WithLogger(logger)}
	if o.recorder != nil {
		opts = append(opts, sampling.WithRecorder(o.recorder))
	}
	if o.rng != nil {
		opts = append(opts, sampling.WithRand(o.rng))
	}
	if plan.ProgressEvery != 0 {
		opts = append(opts, sampling.WithProgressEvery(plan.ProgressEvery))
	}
	controller := sampling.NewController(l.Registry, l.Cache, opts...)

	logger.Info("sampling run started",
		"n", report.N,
		"start_k", plan.StartK,
		"max_iterations", plan.MaxIterations,
		"tolerance", plan.Tolerance,
	)

	for k := plan.StartK; k <= report.N; k++ {
		out, err := o.runK(ctx, controller, sampling.Params{
			K:             k,
			N:             report.N,
			MaxIterations: plan.MaxIterations,
			Tolerance:     plan.Tolerance,
			Metric:        bound,
		})
		if err != nil {
			logger.Error("sampling run failed", "k", k, "error", err.Error())
			return report, err
		}
		report.Outcomes = append(report.Outcomes, out)
		logger.Info("subset size complete",
			"k", k,
			"reason", string(out.Reason),
			"samples", out.Samples,
			"computed", out.Computed,
			"reused", out.Reused,
			"discarded", out.Discarded,
			"std_dev", out.StdDev,
		)
	}

	logger.Info("sampling run finished", "sizes", len(report.Outcomes))
	return report, nil
}

func (o *Orchestrator) runK(ctx context.Context, c *sampling.Controller, p sampling.Params) (sampling.Outcome, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.SampleSize",
		trace.WithAttributes(
			attribute.Int("sampler.k", p.K),
			attribute.Int("sampler.n", p.N),
			attribute.String("sampler.metric", p.Metric.Key()),
		),
	)
	defer span.End()

	out, err := c.Run(ctx, p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}
	span.SetAttributes(
		attribute.String("sampler.reason", string(out.Reason)),
		attribute.Int("sampler.samples", out.Samples),
	)
	return out, nil
}

// population lists the catalog.
func (o *Orchestrator) population(ctx context.Context) ([]string, error) {
	entities, err := o.catalog.ListEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	if len(entities) == 0 {
		return nil, ErrEmptyPopulation
	}
	return entities, nil
}

// =============================================================================
// Read side
// =============================================================================

// Summary describes the cached values of one subset size.
type Summary struct {
	K      int       `json:"k"`
	Count  int       `json:"count"`
	Mean   float64   `json:"mean"`
	StdDev float64   `json:"std_dev"`
	Min    float64   `json:"min"`
	Max    float64   `json:"max"`
	Values []float64 `json:"values,omitempty"`
}

// Summarize computes count, mean, sample std-dev and bounds.
func Summarize(k int, values []float64) Summary {
	s := Summary{K: k, Count: len(values), Values: values}
	if len(values) == 0 {
		return s
	}
	sample := stats.Sample{Xs: values}
	s.Mean = sample.Mean()
	s.Min, s.Max = sample.Bounds()
	if len(values) > 1 {
		s.StdDev = sample.StdDev()
	}
	return s
}

// Samples returns the cached values of metricKey for every k in 1..N, or
// only for k when k > 0.
func (o *Orchestrator) Samples(ctx context.Context, metricKey string, k int) (_ []Summary, err error) {
	entities, err := o.population(ctx)
	if err != nil {
		return nil, err
	}
	first, last := 1, len(entities)
	if k > 0 {
		if k > last {
			return nil, fmt.Errorf("%w: k %d exceeds population %d", ErrInvalidPlan, k, last)
		}
		first, last = k, k
	}

	l, err := o.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer func() {
		if cerr := l.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close ledger: %w", cerr))
		}
	}()

	out := make([]Summary, 0, last-first+1)
	for size := first; size <= last; size++ {
		values, err := l.Cache.Values(ctx, size, metricKey)
		if err != nil {
			return nil, err
		}
		out = append(out, Summarize(size, values))
	}
	return out, nil
}

// Subsets returns the registered subsets for k with their entity IDs.
func (o *Orchestrator) Subsets(ctx context.Context, k int) (_ []ledger.Entry, _ []string, err error) {
	entities, err := o.population(ctx)
	if err != nil {
		return nil, nil, err
	}

	l, err := o.open(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger: %w", err)
	}
	defer func() {
		if cerr := l.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close ledger: %w", cerr))
		}
	}()

	entries, err := l.Registry.Subsets(ctx, k)
	if err != nil {
		return nil, nil, err
	}
	return entries, entities, nil
}
