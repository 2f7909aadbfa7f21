// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/AleutianAI/AggregateSampler/cmd/aggsampler/config"
	"github.com/AleutianAI/AggregateSampler/internal/ledger"
	"github.com/AleutianAI/AggregateSampler/internal/measurement"
	"github.com/AleutianAI/AggregateSampler/internal/metric"
	"github.com/AleutianAI/AggregateSampler/internal/orchestrator"
	"github.com/AleutianAI/AggregateSampler/internal/storage/badger"
	"github.com/AleutianAI/AggregateSampler/pkg/logging"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
)

// app holds the wired dependencies shared by all commands.
type app struct {
	cfg     config.SamplerConfig
	logger  *logging.Logger
	client  influxdb2.Client
	store   *measurement.InfluxStore
	catalog measurement.Catalog
}

func newApp(cfg config.SamplerConfig) (*app, error) {
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: "aggsampler",
		JSON:    cfg.Logging.JSON,
	})

	opts := influxdb2.DefaultOptions()
	if cfg.Influx.Timeout > 0 {
		opts.SetHTTPRequestTimeout(uint(cfg.Influx.Timeout / time.Second))
	}
	client := influxdb2.NewClientWithOptions(cfg.Influx.URL, cfg.Influx.Token, opts)

	store, err := measurement.NewInfluxStore(client.QueryAPI(cfg.Influx.Org), measurement.InfluxConfig{
		Bucket:           cfg.Influx.Bucket,
		Measurement:      cfg.Source.Measurement,
		EntityTag:        cfg.Source.EntityTag,
		QueriesPerSecond: cfg.Influx.QueriesPerSecond,
	})
	if err != nil {
		client.Close()
		logger.Close()
		return nil, err
	}

	var catalog measurement.Catalog = store
	if len(cfg.Source.Entities) > 0 {
		for _, e := range cfg.Source.Entities {
			if err := measurement.ValidateIdentifier("entity", e); err != nil {
				client.Close()
				logger.Close()
				return nil, err
			}
		}
		catalog = measurement.StaticCatalog(cfg.Source.Entities)
	}

	return &app{cfg: cfg, logger: logger, client: client, store: store, catalog: catalog}, nil
}

func (a *app) close() {
	a.client.Close()
	a.logger.Close()
}

// openLedger opens the configured ledger database. GC runs while open.
func (a *app) openLedger(ctx context.Context) (*ledger.Ledger, error) {
	cfg := badger.DefaultConfig()
	cfg.Path = a.cfg.Storage.Path
	cfg.SyncWrites = a.cfg.Storage.SyncWrites
	cfg.GCInterval = a.cfg.Storage.GCInterval
	cfg.Logger = a.logger.Slog()
	return ledger.Open(cfg)
}

// window returns the configured window or the fullest calendar month.
func (a *app) window(ctx context.Context, entities []string) (measurement.Window, error) {
	if w, ok, err := a.cfg.Source.FixedWindow(); err != nil || ok {
		return w, err
	}
	search, err := a.cfg.Source.SearchWindow(time.Now())
	if err != nil {
		return measurement.Window{}, err
	}
	w, err := a.store.FullestMonth(ctx, entities, a.cfg.Source.Field, search)
	if err != nil {
		return measurement.Window{}, fmt.Errorf("resolve measurement window: %w", err)
	}
	a.logger.Info("measurement window resolved",
		"start", w.Start.Format(time.RFC3339),
		"end", w.End.Format(time.RFC3339),
	)
	return w, nil
}

// binder resolves the window for the run's population and binds the
// configured statistic.
func (a *app) binder(ctx context.Context, statistic string, params []float64) orchestrator.Binder {
	return func(entities []string) (metric.Bound, error) {
		w, err := a.window(ctx, entities)
		if err != nil {
			return metric.Bound{}, err
		}
		engine, err := metric.NewLoadEngine(metric.Source{
			Store:    a.store,
			Entities: entities,
			Field:    a.cfg.Source.Field,
			Window:   w,
			Interval: measurement.Interval(a.cfg.Sampling.Interval),
		})
		if err != nil {
			return metric.Bound{}, err
		}
		return engine.Bind(statistic, params)
	}
}

// metricKey returns the cache key of a statistic without touching any store.
func metricKey(statistic string, params []float64) (string, error) {
	engine, err := metric.NewLoadEngine(metric.Source{})
	if err != nil {
		return "", err
	}
	bound, err := engine.Bind(statistic, params)
	if err != nil {
		return "", err
	}
	return bound.Key(), nil
}

func (a *app) orchestrator(opts ...orchestrator.Option) *orchestrator.Orchestrator {
	opts = append([]orchestrator.Option{orchestrator.WithLogger(a.logger)}, opts...)
	return orchestrator.New(a.openLedger, a.catalog, opts...)
}

// newRand returns a seeded source, or a random one for seed 0.
func newRand(seed uint64) *rand.Rand {
	if seed == 0 {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return rand.New(rand.NewPCG(seed, seed))
}
