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
	"io"
	"text/tabwriter"
	"time"

	"github.com/AleutianAI/AggregateSampler/cmd/aggsampler/config"
	"github.com/AleutianAI/AggregateSampler/internal/observability"
	"github.com/AleutianAI/AggregateSampler/internal/orchestrator"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// runSampling wires the orchestrator and, when configured, the metrics
// endpoint, and runs both until sampling finishes.
func runSampling(ctx context.Context, out io.Writer, cfg config.SamplerConfig) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewSamplerMetrics(reg)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if addr := cfg.Metrics.Listen; addr != "" {
		a.logger.Info("metrics endpoint listening", "addr", addr)
		g.Go(func() error {
			return observability.Serve(gctx, addr, reg)
		})
	}

	s := cfg.Sampling
	orch := a.orchestrator(
		orchestrator.WithRecorder(metrics),
		orchestrator.WithRand(newRand(s.Seed)),
	)
	plan := orchestrator.Plan{
		StartK:        s.StartK,
		MaxIterations: s.MaxIterations,
		Tolerance:     s.Tolerance,
		Bind:          a.binder(gctx, s.Statistic, s.Parameters),
		ProgressEvery: s.ProgressEvery,
	}

	var report orchestrator.Report
	g.Go(func() error {
		defer cancel()
		var err error
		report, err = orch.Run(gctx, plan)
		return err
	})

	err = g.Wait()
	if len(report.Outcomes) > 0 || err == nil {
		printReport(out, report)
	}
	return err
}

func printReport(out io.Writer, r orchestrator.Report) {
	fmt.Fprintf(out, "run %s  metric=%s  N=%d  elapsed=%s\n",
		r.RunID, r.Metric, r.N, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "K\tREASON\tSAMPLES\tCOMPUTED\tREUSED\tDISCARDED\tSTD_DEV")
	for _, o := range r.Outcomes {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%d\t%.6g\n",
			o.K, o.Reason, o.Samples, o.Computed, o.Reused, o.Discarded, o.StdDev)
	}
	tw.Flush()
}
