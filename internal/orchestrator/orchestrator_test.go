// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/AleutianAI/AggregateSampler/internal/ledger"
	"github.com/AleutianAI/AggregateSampler/internal/measurement"
	"github.com/AleutianAI/AggregateSampler/internal/metric"
	"github.com/AleutianAI/AggregateSampler/internal/sampling"
	"github.com/AleutianAI/AggregateSampler/internal/storage/badger"
	"github.com/AleutianAI/AggregateSampler/pkg/logging"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testWindow = measurement.Window{
	Start: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
}

// testStore holds e0..e3 with data and e4 without activePwr samples.
func testStore() *measurement.MemoryStore {
	store := measurement.NewMemoryStore()
	for i := 0; i < 4; i++ {
		entity := []string{"e0", "e1", "e2", "e3"}[i]
		for j := 0; j < 6; j++ {
			ts := testWindow.Start.Add(time.Duration(j) * time.Hour)
			store.Add(entity, "activePwr", ts, float64(i+1)+float64(j%3))
		}
	}
	store.Add("e4", "reactivePwr", testWindow.Start, 1)
	return store
}

func loadFactorBinder(store measurement.Store) Binder {
	return func(entities []string) (metric.Bound, error) {
		engine, err := metric.NewLoadEngine(metric.Source{
			Store:    store,
			Entities: entities,
			Field:    "activePwr",
			Window:   testWindow,
			Interval: measurement.IntervalHour,
		})
		if err != nil {
			return metric.Bound{}, err
		}
		return engine.Bind(metric.LoadFactor, nil)
	}
}

// trackedOpener opens a persistent ledger in dir and counts handles.
type trackedOpener struct {
	dir    string
	opened int
}

func (o *trackedOpener) open(ctx context.Context) (*ledger.Ledger, error) {
	cfg := badger.DefaultConfig()
	cfg.Path = o.dir
	cfg.SyncWrites = false
	cfg.GCInterval = 0
	l, err := ledger.Open(cfg)
	if err == nil {
		o.opened++
	}
	return l, err
}

func newTestOrchestrator(t *testing.T, store *measurement.MemoryStore, opts ...Option) (*Orchestrator, *trackedOpener) {
	t.Helper()
	opener := &trackedOpener{dir: t.TempDir()}
	opts = append([]Option{WithRand(rand.New(rand.NewPCG(5, 6)))}, opts...)
	return New(opener.open, store, opts...), opener
}

// =============================================================================
// Run Tests
// =============================================================================

func TestOrchestrator_RunAllSizes(t *testing.T) {
	store := testStore()
	var buf bytes.Buffer
	logger := logging.New(logging.Config{JSON: true, Writer: &buf})
	o, opener := newTestOrchestrator(t, store, WithLogger(logger))

	report, err := o.Run(context.Background(), Plan{
		StartK:        1,
		MaxIterations: 10,
		Tolerance:     0,
		Bind:          loadFactorBinder(store),
	})
	require.NoError(t, err)

	_, err = uuid.Parse(report.RunID)
	assert.NoError(t, err)
	assert.Equal(t, 5, report.N)
	assert.Equal(t, "loadFactor", report.Metric)
	assert.False(t, report.FinishedAt.Before(report.StartedAt))
	assert.Equal(t, 1, opener.opened)
	require.Len(t, report.Outcomes, 5)

	// Subsets containing e4 have no data; every other subset is sampled.
	wantSamples := []int{4, 6, 4, 1, 0}
	wantDiscarded := []int{1, 4, 6, 4, 1}
	for i, out := range report.Outcomes {
		assert.Equal(t, i+1, out.K)
		assert.Equal(t, sampling.ReasonExhausted, out.Reason, "k=%d", out.K)
		assert.Equal(t, wantSamples[i], out.Samples, "k=%d", out.K)
		assert.Equal(t, wantDiscarded[i], out.Discarded, "k=%d", out.K)
		assert.Equal(t, wantSamples[i], out.Computed, "k=%d", out.K)
	}

	assert.Equal(t, 5, bytes.Count(buf.Bytes(), []byte("subset size complete")))
	assert.Contains(t, buf.String(), report.RunID)
}

func TestOrchestrator_RerunReusesCache(t *testing.T) {
	store := testStore()
	o, opener := newTestOrchestrator(t, store)
	plan := Plan{MaxIterations: 10, Tolerance: 0, Bind: loadFactorBinder(store)}

	first, err := o.Run(context.Background(), plan)
	require.NoError(t, err)

	second, err := o.Run(context.Background(), plan)
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, 2, opener.opened)

	for i, out := range second.Outcomes {
		assert.Equal(t, 0, out.Computed, "k=%d", out.K)
		assert.Equal(t, first.Outcomes[i].Samples, out.Reused, "k=%d", out.K)
		assert.Equal(t, first.Outcomes[i].StdDev, out.StdDev, "k=%d", out.K)
	}
}

func TestOrchestrator_StartK(t *testing.T) {
	store := testStore()
	o, _ := newTestOrchestrator(t, store)

	report, err := o.Run(context.Background(), Plan{StartK: 4, MaxIterations: 10, Bind: loadFactorBinder(store)})
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 2)
	assert.Equal(t, 4, report.Outcomes[0].K)
	assert.Equal(t, 5, report.Outcomes[1].K)
}

func TestOrchestrator_InvalidPlans(t *testing.T) {
	store := testStore()
	o, opener := newTestOrchestrator(t, store)
	ctx := context.Background()

	_, err := o.Run(ctx, Plan{StartK: 6, MaxIterations: 10, Bind: loadFactorBinder(store)})
	assert.ErrorIs(t, err, ErrInvalidPlan)

	_, err = o.Run(ctx, Plan{StartK: -1, MaxIterations: 10, Bind: loadFactorBinder(store)})
	assert.ErrorIs(t, err, ErrInvalidPlan)

	_, err = o.Run(ctx, Plan{MaxIterations: 10})
	assert.ErrorIs(t, err, ErrInvalidPlan)

	_, err = o.Run(ctx, Plan{MaxIterations: 0, Bind: loadFactorBinder(store)})
	assert.ErrorIs(t, err, sampling.ErrInvalidParams)

	empty := New(opener.open, measurement.StaticCatalog{})
	_, err = empty.Run(ctx, Plan{MaxIterations: 10, Bind: loadFactorBinder(store)})
	assert.ErrorIs(t, err, ErrEmptyPopulation)
}

func TestOrchestrator_BindError(t *testing.T) {
	store := testStore()
	o, opener := newTestOrchestrator(t, store)

	_, err := o.Run(context.Background(), Plan{
		MaxIterations: 10,
		Bind: func([]string) (metric.Bound, error) {
			return metric.NewEngine().Bind("median", nil)
		},
	})
	assert.ErrorIs(t, err, metric.ErrUnknownMetric)
	assert.Equal(t, 0, opener.opened)
}

func TestOrchestrator_FatalErrorStopsRun(t *testing.T) {
	store := testStore()
	o, _ := newTestOrchestrator(t, store)
	boom := errors.New("upstream timeout")

	report, err := o.Run(context.Background(), Plan{
		MaxIterations: 10,
		Bind: func([]string) (metric.Bound, error) {
			e := metric.NewEngine()
			if err := e.Register(metric.Definition{
				Name: "fragile",
				Func: func(_ context.Context, subset []int, _ []float64, _ int) (metric.Result, error) {
					if len(subset) == 2 {
						return metric.Result{}, boom
					}
					return metric.Result{Value: float64(subset[0])}, nil
				},
			}); err != nil {
				return metric.Bound{}, err
			}
			return e.Bind("fragile", nil)
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var iterErr *sampling.IterationError
	require.True(t, errors.As(err, &iterErr))
	assert.Equal(t, 2, iterErr.K)
	assert.Equal(t, 0, iterErr.Iteration)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, 1, report.Outcomes[0].K)
}

// =============================================================================
// Read Side Tests
// =============================================================================

func TestOrchestrator_Samples(t *testing.T) {
	store := testStore()
	o, _ := newTestOrchestrator(t, store)
	ctx := context.Background()

	report, err := o.Run(ctx, Plan{MaxIterations: 10, Bind: loadFactorBinder(store)})
	require.NoError(t, err)

	all, err := o.Samples(ctx, "loadFactor", 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, s := range all {
		assert.Equal(t, i+1, s.K)
		assert.Equal(t, report.Outcomes[i].Samples, s.Count)
	}
	assert.Equal(t, 0, all[4].Count)

	one, err := o.Samples(ctx, "loadFactor", 2)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, 6, one[0].Count)
	assert.InDelta(t, report.Outcomes[1].StdDev, one[0].StdDev, 1e-12)
	assert.Greater(t, one[0].Min, 0.0)
	assert.LessOrEqual(t, one[0].Max, 1.0)

	_, err = o.Samples(ctx, "loadFactor", 9)
	assert.ErrorIs(t, err, ErrInvalidPlan)
}

func TestOrchestrator_Subsets(t *testing.T) {
	store := testStore()
	o, _ := newTestOrchestrator(t, store)
	ctx := context.Background()

	_, err := o.Run(ctx, Plan{StartK: 3, MaxIterations: 10, Bind: loadFactorBinder(store)})
	require.NoError(t, err)

	entries, entities, err := o.Subsets(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"e0", "e1", "e2", "e3", "e4"}, entities)
	require.Len(t, entries, 4)
	for _, e := range entries {
		assert.NotContains(t, e.Subset, 4)
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize(3, []float64{1, 2, 3, 4})
	assert.Equal(t, 3, s.K)
	assert.Equal(t, 4, s.Count)
	assert.Equal(t, 2.5, s.Mean)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 4.0, s.Max)
	assert.InDelta(t, 1.2909944487358056, s.StdDev, 1e-12)

	empty := Summarize(1, nil)
	assert.Equal(t, 0, empty.Count)

	single := Summarize(1, []float64{7})
	assert.Equal(t, 0.0, single.StdDev)
}
