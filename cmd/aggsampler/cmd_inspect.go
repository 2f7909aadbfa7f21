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
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/AleutianAI/AggregateSampler/cmd/aggsampler/config"
	"github.com/AleutianAI/AggregateSampler/internal/ledger"
)

func showSamples(ctx context.Context, out io.Writer, cfg config.SamplerConfig, statistic string, params []float64, k int, asJSON, withValues bool) error {
	key, err := metricKey(statistic, params)
	if err != nil {
		return err
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	summaries, err := a.orchestrator().Samples(ctx, key, k)
	if err != nil {
		return err
	}
	if !withValues {
		for i := range summaries {
			summaries[i].Values = nil
		}
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"metric": key, "sizes": summaries})
	}

	fmt.Fprintf(out, "metric=%s\n", key)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "K\tCOUNT\tMEAN\tSTD_DEV\tMIN\tMAX")
	for _, s := range summaries {
		if s.Count == 0 {
			fmt.Fprintf(tw, "%d\t0\t-\t-\t-\t-\n", s.K)
			continue
		}
		fmt.Fprintf(tw, "%d\t%d\t%.6g\t%.6g\t%.6g\t%.6g\n", s.K, s.Count, s.Mean, s.StdDev, s.Min, s.Max)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if withValues {
		for _, s := range summaries {
			fmt.Fprintf(out, "k=%d: %v\n", s.K, s.Values)
		}
	}
	return nil
}

func showSubsets(ctx context.Context, out io.Writer, cfg config.SamplerConfig, k int) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	entries, entities, err := a.orchestrator().Subsets(ctx, k)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tSUBSET\tENTITIES\tACCEPTED")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n",
			e.Index, ledger.Identity(e.Subset), strings.Join(entityIDs(e.Subset, entities), ","),
			e.AcceptedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func showEntities(ctx context.Context, out io.Writer, cfg config.SamplerConfig) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	entities, err := a.catalog.ListEntities(ctx)
	if err != nil {
		return err
	}
	for i, e := range entities {
		fmt.Fprintf(out, "%d\t%s\n", i, e)
	}
	return nil
}

func showWindow(ctx context.Context, out io.Writer, cfg config.SamplerConfig) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	entities, err := a.catalog.ListEntities(ctx)
	if err != nil {
		return err
	}
	w, err := a.window(ctx, entities)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "start=%s end=%s interval=%s\n",
		w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339), cfg.Sampling.Interval)
	return nil
}

// entityIDs maps subset indices to IDs, marking indices outside the
// current population.
func entityIDs(subset []int, entities []string) []string {
	ids := make([]string, len(subset))
	for i, idx := range subset {
		if idx >= 0 && idx < len(entities) {
			ids[i] = entities[idx]
		} else {
			ids[i] = fmt.Sprintf("?%d", idx)
		}
	}
	return ids
}
