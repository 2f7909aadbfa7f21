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
	"fmt"
	"strconv"

	"github.com/AleutianAI/AggregateSampler/cmd/aggsampler/config"
	"github.com/spf13/cobra"
)

// rootOptions carries global flags and the loaded config to subcommands.
type rootOptions struct {
	configPath string
	logLevel   string
	cfg        config.SamplerConfig
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "aggsampler",
		Short: "Estimate aggregate load statistics by sampling subsets of entities",
		Long: `aggsampler draws random subsets of k entities for k = 1..N, computes a
statistic of their summed load, and stops sampling each k once the running
standard deviation of the statistic settles. Results are cached so runs
can be interrupted and resumed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if opts.logLevel != "" {
				cfg.Logging.Level = opts.logLevel
			}
			opts.cfg = cfg
			return nil
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.aggsampler/aggsampler.yaml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		newRunCmd(opts),
		newSamplesCmd(opts),
		newSubsetsCmd(opts),
		newEntitiesCmd(opts),
		newWindowCmd(opts),
	)
	return root
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		startK        int
		maxIterations int
		statistic     string
		params        []float64
		tolerance     float64
		seed          uint64
		metricsAddr   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sample k = start..N until each size converges",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := &opts.cfg.Sampling
			f := cmd.Flags()
			if f.Changed("start-k") {
				s.StartK = startK
			}
			if f.Changed("max-iterations") {
				s.MaxIterations = maxIterations
			}
			if f.Changed("statistic") {
				s.Statistic = statistic
			}
			if f.Changed("param") {
				s.Parameters = params
			}
			if f.Changed("tolerance") {
				s.Tolerance = tolerance
			}
			if f.Changed("seed") {
				s.Seed = seed
			}
			if f.Changed("metrics-addr") {
				opts.cfg.Metrics.Listen = metricsAddr
			}
			if err := opts.cfg.Validate(); err != nil {
				return err
			}
			return runSampling(cmd.Context(), cmd.OutOrStdout(), opts.cfg)
		},
	}

	cmd.Flags().IntVar(&startK, "start-k", 1, "first subset size")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 1000, "sample cap per subset size")
	cmd.Flags().StringVar(&statistic, "statistic", "", "loadFactor, loadFactorPercentile, cov or autocorrelation")
	cmd.Flags().Float64SliceVar(&params, "param", nil, "statistic parameter (repeatable)")
	cmd.Flags().Float64Var(&tolerance, "tolerance", 0.0001, "relative std-dev change that counts as settled")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "random seed (0 seeds randomly)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9464")
	return cmd
}

func newSamplesCmd(opts *rootOptions) *cobra.Command {
	var (
		asJSON     bool
		withValues bool
		statistic  string
		params     []float64
	)

	cmd := &cobra.Command{
		Use:   "samples [k]",
		Short: "Show cached statistic values per subset size",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k := 0
			if len(args) == 1 {
				var err error
				if k, err = parseK(args[0]); err != nil {
					return err
				}
			}
			if !cmd.Flags().Changed("statistic") {
				statistic = opts.cfg.Sampling.Statistic
			}
			if !cmd.Flags().Changed("param") {
				params = opts.cfg.Sampling.Parameters
			}
			return showSamples(cmd.Context(), cmd.OutOrStdout(), opts.cfg, statistic, params, k, asJSON, withValues)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().BoolVar(&withValues, "values", false, "include every cached value")
	cmd.Flags().StringVar(&statistic, "statistic", "", "statistic (default from config)")
	cmd.Flags().Float64SliceVar(&params, "param", nil, "statistic parameter (default from config)")
	return cmd
}

func newSubsetsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "subsets <k>",
		Short: "List the registered subsets of size k",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := parseK(args[0])
			if err != nil {
				return err
			}
			return showSubsets(cmd.Context(), cmd.OutOrStdout(), opts.cfg, k)
		},
	}
}

func newEntitiesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "entities",
		Short: "List the entity population in sampling order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showEntities(cmd.Context(), cmd.OutOrStdout(), opts.cfg)
		},
	}
}

func newWindowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "window",
		Short: "Show the measurement window statistics are computed over",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showWindow(cmd.Context(), cmd.OutOrStdout(), opts.cfg)
		},
	}
}

func parseK(s string) (int, error) {
	k, err := strconv.Atoi(s)
	if err != nil || k < 1 {
		return 0, fmt.Errorf("k must be a positive integer, got %q", s)
	}
	return k, nil
}
