// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sampling draws distinct subsets of a fixed size and evaluates a
// metric on each until the running standard deviation stabilizes.
package sampling

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"math/rand/v2"
	"time"

	"github.com/AleutianAI/AggregateSampler/internal/ledger"
	"github.com/AleutianAI/AggregateSampler/internal/metric"
	"github.com/AleutianAI/AggregateSampler/pkg/logging"
	"github.com/aclements/go-moremath/stats"
)

// DefaultProgressEvery is how often, in iterations, progress is logged.
const DefaultProgressEvery = 100

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrInvalidParams is returned by Run for out-of-range parameters.
	ErrInvalidParams = errors.New("invalid sampling parameters")

	// ErrRegistryGap is returned when a new subset lands below the
	// iteration being filled, which means the registry has holes under
	// the start index.
	ErrRegistryGap = errors.New("registry has a gap below the current iteration")
)

// IterationError is a fatal error raised while processing one iteration.
type IterationError struct {
	K         int
	Iteration int
	Err       error
}

func (e *IterationError) Error() string {
	return fmt.Sprintf("k=%d iteration=%d: %v", e.K, e.Iteration, e.Err)
}

func (e *IterationError) Unwrap() error {
	return e.Err
}

var _ error = (*IterationError)(nil)

// =============================================================================
// Types
// =============================================================================

// State is a step of the per-iteration state machine.
type State int

const (
	StateDrawing State = iota
	StateComputing
	StateEvaluating
	StateContinue
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDrawing:
		return "drawing"
	case StateComputing:
		return "computing"
	case StateEvaluating:
		return "evaluating"
	case StateContinue:
		return "continue"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Reason is why sampling of one subset size stopped.
type Reason string

const (
	// ReasonConverged means two consecutive relative changes of the running
	// standard deviation were below tolerance.
	ReasonConverged Reason = "converged"

	// ReasonIterationCap means min(MaxIterations, C(N, k)) samples were
	// evaluated.
	ReasonIterationCap Reason = "iteration_cap"

	// ReasonExhausted means every k-subset is registered or was discarded.
	ReasonExhausted Reason = "exhausted"
)

// Params configures one subset size.
type Params struct {
	// K is the subset size, 1 <= K <= N.
	K int

	// N is the population size.
	N int

	// MaxIterations caps the number of samples.
	MaxIterations int

	// Tolerance is the relative-change threshold. Zero disables early stop.
	Tolerance float64

	// Metric is the statistic to evaluate.
	Metric metric.Bound

	// StartIndex resumes at this sample index. Samples below it must already
	// be registered and cached.
	StartIndex int
}

// Validate checks parameter ranges.
func (p Params) Validate() error {
	switch {
	case p.K < 1:
		return fmt.Errorf("%w: k=%d must be at least 1", ErrInvalidParams, p.K)
	case p.K > p.N:
		return fmt.Errorf("%w: k=%d exceeds population %d", ErrInvalidParams, p.K, p.N)
	case p.MaxIterations < 1:
		return fmt.Errorf("%w: max iterations %d must be at least 1", ErrInvalidParams, p.MaxIterations)
	case p.Tolerance < 0 || math.IsNaN(p.Tolerance):
		return fmt.Errorf("%w: tolerance %v must be non-negative", ErrInvalidParams, p.Tolerance)
	case p.StartIndex < 0:
		return fmt.Errorf("%w: start index %d must be non-negative", ErrInvalidParams, p.StartIndex)
	case !p.Metric.Valid():
		return fmt.Errorf("%w: metric not bound", ErrInvalidParams)
	}
	return nil
}

// Outcome summarizes one subset size.
type Outcome struct {
	K int

	// Samples is the number of sample indices holding a valid value.
	Samples int

	// Computed and Reused split evaluations into fresh computations and
	// cache hits.
	Computed int
	Reused   int

	// Discarded counts subsets removed for lack of data.
	Discarded int

	// StdDev is the last running standard deviation.
	StdDev float64

	Reason Reason
}

// SubsetRegistry is the durable set of accepted subsets per size.
type SubsetRegistry interface {
	Subsets(ctx context.Context, k int) ([]ledger.Entry, error)
	Accept(ctx context.Context, k int, subset []int) ([]ledger.Entry, error)
	Remove(ctx context.Context, k int, subset []int) error
}

// StatCache is the durable statistic store.
type StatCache interface {
	GetOrCompute(ctx context.Context, k, index int, metric string, subset []int, compute ledger.ComputeFunc) (ledger.Record, bool, error)
	ValuesUpTo(ctx context.Context, k, index int, metric string) ([]float64, error)
}

// Recorder receives progress events. *observability.SamplerMetrics
// implements it.
type Recorder interface {
	SampleAccepted(metric string)
	Evaluated(metric string, computed bool, seconds float64)
	Discarded(metric string)
	Progress(metric string, k, iteration int, stdDev float64)
	Finished(metric, reason string)
}

type nopRecorder struct{}

func (nopRecorder) SampleAccepted(string)              {}
func (nopRecorder) Evaluated(string, bool, float64)    {}
func (nopRecorder) Discarded(string)                   {}
func (nopRecorder) Progress(string, int, int, float64) {}
func (nopRecorder) Finished(string, string)            {}

// =============================================================================
// Controller
// =============================================================================

// ControllerOption is a functional option for configuring Controller.
type ControllerOption func(*Controller)

// WithLogger sets the diagnostics logger.
func WithLogger(l *logging.Logger) ControllerOption {
	return func(c *Controller) { c.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) ControllerOption {
	return func(c *Controller) { c.recorder = r }
}

// WithRand sets the random source used to draw subsets.
func WithRand(r *rand.Rand) ControllerOption {
	return func(c *Controller) { c.rng = r }
}

// WithProgressEvery sets the progress logging interval. Values below 1
// disable progress lines.
func WithProgressEvery(n int) ControllerOption {
	return func(c *Controller) { c.progressEvery = n }
}

// Controller runs the sampling loop for one subset size at a time.
//
// Thread Safety: Not safe for concurrent use. Run one size at a time.
type Controller struct {
	registry      SubsetRegistry
	cache         StatCache
	logger        *logging.Logger
	recorder      Recorder
	rng           *rand.Rand
	progressEvery int
}

// NewController creates a Controller.
//
// Default configuration:
//   - logger: logging.Discard()
//   - recorder: no-op
//   - rng: randomly seeded PCG
//   - progressEvery: DefaultProgressEvery
func NewController(registry SubsetRegistry, cache StatCache, opts ...ControllerOption) *Controller {
	c := &Controller{
		registry:      registry,
		cache:         cache,
		progressEvery: DefaultProgressEvery,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.Discard()
	}
	if c.recorder == nil {
		c.recorder = nopRecorder{}
	}
	if c.rng == nil {
		c.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return c
}

// run is the mutable state of one Run call.
type run struct {
	p         Params
	key       string
	bound     int
	total     *big.Int
	drawer    *Drawer
	logger    *logging.Logger
	byIndex   map[int]ledger.Entry
	known     map[string]struct{}
	discarded map[string]struct{}
	conv      convergence
	outcome   Outcome
}

// Run samples subsets of size p.K until convergence, the iteration cap, or
// exhaustion.
//
// Description:
//
//	Each iteration i walks Drawing -> Computing -> Evaluating and then
//	either Continue (i+1) or Stopped. Drawing reuses the subset registered
//	at index i if any, otherwise draws a fresh subset that is neither
//	registered nor discarded in this run. Computing reads the cached value
//	or computes and stores it. A subset without data is removed and
//	iteration i is retried with a new subset.
//
// Inputs:
//
//	ctx - Cancellation is checked before each draw.
//	p - Run parameters. Must pass Validate().
//
// Outputs:
//
//	Outcome - Summary of the run.
//	error - ErrInvalidParams, or *IterationError for fatal failures.
func (c *Controller) Run(ctx context.Context, p Params) (Outcome, error) {
	if err := p.Validate(); err != nil {
		return Outcome{}, err
	}

	r := &run{
		p:         p,
		key:       p.Metric.Key(),
		bound:     iterationBound(p.MaxIterations, p.N, p.K),
		total:     Combinations(p.N, p.K),
		drawer:    NewDrawer(p.N, c.rng),
		logger:    c.logger.With("k", p.K, "metric", p.Metric.Key()),
		discarded: make(map[string]struct{}),
		conv:      newConvergence(p.Tolerance),
		outcome:   Outcome{K: p.K},
	}

	entries, err := c.registry.Subsets(ctx, p.K)
	if err != nil {
		return r.outcome, &IterationError{K: p.K, Iteration: p.StartIndex, Err: err}
	}
	r.refresh(entries)

	if p.StartIndex > 0 {
		if err := c.restore(ctx, r); err != nil {
			return r.outcome, &IterationError{K: p.K, Iteration: p.StartIndex, Err: err}
		}
	}

	var (
		i      = p.StartIndex
		state  = StateDrawing
		subset Subset
	)
	for state != StateStopped {
		switch state {
		case StateDrawing:
			if i >= r.bound {
				r.stop(ReasonIterationCap, i)
				state = StateStopped
				continue
			}
			if err := ctx.Err(); err != nil {
				return r.outcome, &IterationError{K: p.K, Iteration: i, Err: err}
			}
			next, exhausted, err := c.draw(ctx, r, i)
			if err != nil {
				return r.outcome, &IterationError{K: p.K, Iteration: i, Err: err}
			}
			if exhausted {
				r.stop(ReasonExhausted, i)
				state = StateStopped
				continue
			}
			subset = next
			state = StateComputing

		case StateComputing:
			ok, err := c.compute(ctx, r, i, subset)
			if err != nil {
				return r.outcome, &IterationError{K: p.K, Iteration: i, Err: err}
			}
			if !ok {
				state = StateDrawing
				continue
			}
			state = StateEvaluating

		case StateEvaluating:
			converged, err := c.evaluate(ctx, r, i)
			if err != nil {
				return r.outcome, &IterationError{K: p.K, Iteration: i, Err: err}
			}
			if converged {
				r.stop(ReasonConverged, i+1)
				state = StateStopped
				continue
			}
			state = StateContinue

		case StateContinue:
			i++
			state = StateDrawing
		}
	}

	c.recorder.Finished(r.key, string(r.outcome.Reason))
	r.logger.Debug("subset size finished",
		"reason", r.outcome.Reason,
		"samples", r.outcome.Samples,
		"computed", r.outcome.Computed,
		"reused", r.outcome.Reused,
		"discarded", r.outcome.Discarded,
		"std_dev", r.outcome.StdDev,
	)
	return r.outcome, nil
}

// draw returns the subset for iteration i.
func (c *Controller) draw(ctx context.Context, r *run, i int) (Subset, bool, error) {
	if entry, ok := r.byIndex[i]; ok {
		return Subset(entry.Subset), false, nil
	}

	used := big.NewInt(int64(len(r.known) + len(r.discarded)))
	if used.Cmp(r.total) >= 0 {
		return nil, true, nil
	}

	var subset Subset
	for {
		subset = r.drawer.Draw(r.p.K)
		key := subset.Key()
		_, registered := r.known[key]
		_, dropped := r.discarded[key]
		if !registered && !dropped {
			break
		}
	}

	entries, err := c.registry.Accept(ctx, r.p.K, subset)
	if err != nil {
		return nil, false, fmt.Errorf("accept subset %s: %w", subset.Key(), err)
	}
	r.refresh(entries)
	c.recorder.SampleAccepted(r.key)

	if entry, ok := r.byIndex[i]; !ok || !Subset(entry.Subset).Equal(subset) {
		return nil, false, fmt.Errorf("%w: subset %s", ErrRegistryGap, subset.Key())
	}
	return subset, false, nil
}

// compute obtains the statistic for iteration i. It returns false when the
// subset had no data and was discarded.
func (c *Controller) compute(ctx context.Context, r *run, i int, subset Subset) (bool, error) {
	var elapsed time.Duration
	_, computed, err := c.cache.GetOrCompute(ctx, r.p.K, i, r.key, subset, func(ctx context.Context) (float64, ledger.Metadata, error) {
		start := time.Now()
		res, err := r.p.Metric.Compute(ctx, subset, i)
		elapsed = time.Since(start)
		return res.Value, res.Metadata, err
	})

	if errors.Is(err, metric.ErrNoData) {
		cause := err
		if err := c.registry.Remove(ctx, r.p.K, subset); err != nil {
			return false, fmt.Errorf("remove subset %s: %w", subset.Key(), err)
		}
		entries, err := c.registry.Subsets(ctx, r.p.K)
		if err != nil {
			return false, err
		}
		r.refresh(entries)
		r.discarded[subset.Key()] = struct{}{}
		r.outcome.Discarded++
		c.recorder.Discarded(r.key)
		r.logger.Warn("discarding subset without data",
			"iteration", i,
			"subset", subset.Key(),
			"error", cause.Error(),
		)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("compute %s for subset %s: %w", r.key, subset.Key(), err)
	}

	if computed {
		r.outcome.Computed++
	} else {
		r.outcome.Reused++
	}
	c.recorder.Evaluated(r.key, computed, elapsed.Seconds())
	return true, nil
}

// evaluate updates the running standard deviation with the values at
// indices 0..i and reports convergence.
func (c *Controller) evaluate(ctx context.Context, r *run, i int) (bool, error) {
	values, err := c.cache.ValuesUpTo(ctx, r.p.K, i, r.key)
	if err != nil {
		return false, err
	}

	converged := false
	if len(values) > 0 {
		s := runningStdDev(values)
		r.outcome.StdDev = s
		converged = r.conv.observe(s)
	}

	c.recorder.Progress(r.key, r.p.K, i, r.outcome.StdDev)
	if c.progressEvery > 0 && i%c.progressEvery == 0 {
		r.logger.Info("sampling progress",
			"iteration", i,
			"std_dev", r.outcome.StdDev,
			"computed", r.outcome.Computed,
			"reused", r.outcome.Reused,
		)
	}
	return converged, nil
}

// restore rebuilds the running convergence state from the values cached
// below the start index.
func (c *Controller) restore(ctx context.Context, r *run) error {
	values, err := c.cache.ValuesUpTo(ctx, r.p.K, r.p.StartIndex-1, r.key)
	if err != nil {
		return err
	}
	for n := 1; n <= len(values); n++ {
		s := runningStdDev(values[:n])
		r.outcome.StdDev = s
		r.conv.observe(s)
	}
	return nil
}

func (r *run) refresh(entries []ledger.Entry) {
	r.byIndex = make(map[int]ledger.Entry, len(entries))
	r.known = make(map[string]struct{}, len(entries))
	for _, e := range entries {
		r.byIndex[e.Index] = e
		r.known[ledger.Identity(e.Subset)] = struct{}{}
	}
}

func (r *run) stop(reason Reason, samples int) {
	r.outcome.Reason = reason
	r.outcome.Samples = samples
}

// =============================================================================
// Convergence
// =============================================================================

// runningStdDev is the sample standard deviation of values. A single value
// has no spread, so it reads as zero.
func runningStdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	return stats.StdDev(values)
}

// convergence tracks the last standard deviation and relative change. The
// first reading (one value, std 0) only seeds prevStd.
type convergence struct {
	tolerance float64
	hasPrev   bool
	prevStd   float64
	prevT     float64
}

func newConvergence(tolerance float64) convergence {
	return convergence{tolerance: tolerance, prevT: math.Inf(1)}
}

// observe records a new standard deviation and reports whether the current
// and previous relative changes are both below tolerance.
func (c *convergence) observe(s float64) bool {
	if !c.hasPrev {
		c.hasPrev = true
		c.prevStd = s
		return false
	}
	t := relativeChange(c.prevStd, s)
	stop := t < c.tolerance && c.prevT < c.tolerance
	c.prevStd = s
	c.prevT = t
	return stop
}

// relativeChange is |cur-prev|/prev. A zero previous value is infinitely
// far from any non-zero value and no change from zero.
func relativeChange(prev, cur float64) float64 {
	if prev == 0 {
		if cur == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return math.Abs(cur-prev) / prev
}
