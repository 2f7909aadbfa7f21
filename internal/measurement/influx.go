// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package measurement

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api"
	"golang.org/x/time/rate"
)

// InfluxConfig describes where entity measurements live in InfluxDB.
type InfluxConfig struct {
	// Bucket holds the raw measurements.
	Bucket string

	// Measurement is the _measurement name, e.g. "power".
	Measurement string

	// EntityTag is the tag identifying an entity, e.g. "device_id".
	EntityTag string

	// QueriesPerSecond limits query rate. Zero disables limiting.
	QueriesPerSecond float64
}

// Validate checks that all identifiers are safe to embed in Flux.
func (c InfluxConfig) Validate() error {
	if err := ValidateIdentifier("bucket", c.Bucket); err != nil {
		return err
	}
	if err := ValidateIdentifier("measurement", c.Measurement); err != nil {
		return err
	}
	return ValidateIdentifier("entity tag", c.EntityTag)
}

// InfluxStore implements Store and Catalog over the InfluxDB v2 query API.
//
// Description:
//
//	Each Aggregate call issues one Flux query that downsamples every entity
//	to the requested interval, groups rows by timestamp, and reduces each
//	group to the sum of values and the number of contributing entities.
//
// Thread Safety: Safe for concurrent use.
type InfluxStore struct {
	queryAPI api.QueryAPI
	config   InfluxConfig
	limiter  *rate.Limiter
}

var (
	_ Store   = (*InfluxStore)(nil)
	_ Catalog = (*InfluxStore)(nil)
)

// NewInfluxStore creates a store over an InfluxDB query API.
//
// Inputs:
//
//	queryAPI - From influxdb2.Client.QueryAPI(org). Mockable in tests.
//	config - Bucket, measurement and entity tag. Must pass Validate().
//
// Outputs:
//
//	*InfluxStore - Ready-to-use store.
//	error - Non-nil if config is invalid.
func NewInfluxStore(queryAPI api.QueryAPI, config InfluxConfig) (*InfluxStore, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	s := &InfluxStore{queryAPI: queryAPI, config: config}
	if config.QueriesPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(config.QueriesPerSecond), 1)
	}
	return s, nil
}

// Aggregate returns the per-timestamp sum and contributor count for the
// query's entities.
func (s *InfluxStore) Aggregate(ctx context.Context, q Query) ([]Point, error) {
	flux, err := s.aggregateQuery(q)
	if err != nil {
		return nil, err
	}

	result, err := s.query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("aggregate query: %w", err)
	}
	if result == nil {
		return []Point{}, nil
	}
	defer result.Close()

	points := []Point{}
	for result.Next() {
		record := result.Record()
		points = append(points, Point{
			Time:  record.Time(),
			Value: toFloat(record.ValueByKey("sum")),
			Count: int(toInt(record.ValueByKey("count"))),
		})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("aggregate result: %w", err)
	}

	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Time.Before(points[j].Time)
	})
	return points, nil
}

// ListEntities returns the distinct entity tag values, sorted.
func (s *InfluxStore) ListEntities(ctx context.Context) ([]string, error) {
	flux := fmt.Sprintf(`
import "influxdata/influxdb/schema"

schema.tagValues(
  bucket: "%s",
  tag: "%s",
  predicate: (r) => r._measurement == "%s",
  start: 0,
)`, s.config.Bucket, s.config.EntityTag, s.config.Measurement)

	result, err := s.query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	entities := []string{}
	if result == nil {
		return entities, nil
	}
	defer result.Close()

	for result.Next() {
		if v, ok := result.Record().Value().(string); ok {
			entities = append(entities, v)
		}
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("list entities result: %w", err)
	}
	sort.Strings(entities)
	return entities, nil
}

// FullestMonth returns the calendar month inside search with the most
// samples across the given entities.
//
// Description:
//
//	Counts samples per calendar month and entity, sums the counts per
//	month, and picks the largest. Ties go to the earliest month.
//
// Outputs:
//
//	Window - One calendar month [first day, first day of next month).
//	error - ErrNoSamples if no month has data.
func (s *InfluxStore) FullestMonth(ctx context.Context, entities []string, field string, search Window) (Window, error) {
	if err := search.Validate(); err != nil {
		return Window{}, err
	}
	filter, err := s.entityFilter(entities)
	if err != nil {
		return Window{}, err
	}
	if err := ValidateIdentifier("field", field); err != nil {
		return Window{}, err
	}

	flux := fmt.Sprintf(`
from(bucket: "%s")
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == "%s" and r._field == "%s")
  |> filter(fn: (r) => %s)
  |> aggregateWindow(every: 1mo, fn: count, createEmpty: false, timeSrc: "_start")
  |> group(columns: ["_time"])
  |> sum()
  |> group()
  |> sort(columns: ["_time"])`,
		s.config.Bucket, fluxTime(search.Start), fluxTime(search.End),
		s.config.Measurement, field, filter)

	result, err := s.query(ctx, flux)
	if err != nil {
		return Window{}, fmt.Errorf("fullest month: %w", err)
	}
	if result == nil {
		return Window{}, ErrNoSamples
	}
	defer result.Close()

	var (
		best      time.Time
		bestCount int64
		found     bool
	)
	for result.Next() {
		record := result.Record()
		count := toInt(record.Value())
		if !found || count > bestCount {
			best, bestCount, found = record.Time(), count, true
		}
	}
	if err := result.Err(); err != nil {
		return Window{}, fmt.Errorf("fullest month result: %w", err)
	}
	if !found || bestCount == 0 {
		return Window{}, ErrNoSamples
	}
	return MonthWindow(best), nil
}

// aggregateQuery builds the Flux query for Aggregate.
func (s *InfluxStore) aggregateQuery(q Query) (string, error) {
	if err := q.Window.Validate(); err != nil {
		return "", err
	}
	if err := ValidateIdentifier("field", q.Field); err != nil {
		return "", err
	}
	every := q.Interval.FluxDuration()
	if every == "" {
		return "", fmt.Errorf("%w: %q", ErrUnknownInterval, q.Interval)
	}
	filter, err := s.entityFilter(q.Entities)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(`
from(bucket: "%s")
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == "%s" and r._field == "%s")
  |> filter(fn: (r) => %s)
  |> aggregateWindow(every: %s, fn: mean, createEmpty: false)
  |> group(columns: ["_time"])
  |> reduce(
      identity: {sum: 0.0, count: 0},
      fn: (r, accumulator) => ({sum: accumulator.sum + r._value, count: accumulator.count + 1}),
  )
  |> group()
  |> sort(columns: ["_time"])`,
		s.config.Bucket, fluxTime(q.Window.Start), fluxTime(q.Window.End),
		s.config.Measurement, q.Field, filter, every), nil
}

// entityFilter builds `contains(value: r.tag, set: [...])` after validating
// every entity ID.
func (s *InfluxStore) entityFilter(entities []string) (string, error) {
	if len(entities) == 0 {
		return "", fmt.Errorf("%w: empty entity set", ErrInvalidIdentifier)
	}
	quoted := make([]string, len(entities))
	for i, e := range entities {
		if err := ValidateIdentifier("entity", e); err != nil {
			return "", err
		}
		quoted[i] = `"` + e + `"`
	}
	return fmt.Sprintf(`contains(value: r["%s"], set: [%s])`, s.config.EntityTag, strings.Join(quoted, ", ")), nil
}

func (s *InfluxStore) query(ctx context.Context, flux string) (*api.QueryTableResult, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return s.queryAPI.Query(ctx, flux)
}

func fluxTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func toFloat(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	case uint64:
		return float64(x)
	default:
		return 0
	}
}

func toInt(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case uint64:
		return int64(x)
	case float64:
		return int64(x)
	default:
		return 0
	}
}
