// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package measurement defines the measurement store and entity catalog the
// sampler reads from, with an InfluxDB implementation and an in-memory one.
package measurement

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	// ErrInvalidIdentifier is returned for entity IDs, buckets, measurements
	// or fields that are unsafe to interpolate into a Flux query.
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrUnknownInterval is returned by ParseInterval for unsupported names.
	ErrUnknownInterval = errors.New("unknown sampling interval")

	// ErrInvalidWindow is returned when a window does not end after it starts.
	ErrInvalidWindow = errors.New("invalid time window")

	// ErrNoSamples is returned when a window search finds no data at all.
	ErrNoSamples = errors.New("no samples in search range")
)

// Point is one timestamp of an aggregated series.
type Point struct {
	Time time.Time

	// Value is the sum of the contributing entities' values.
	Value float64

	// Count is the number of entities that contributed at Time.
	Count int
}

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Validate checks that End is after Start.
func (w Window) Validate() error {
	if !w.End.After(w.Start) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidWindow, w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
	}
	return nil
}

// Contains reports whether t falls within the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// MonthWindow returns the calendar month starting at the month of t, in UTC.
func MonthWindow(t time.Time) Window {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Window{Start: start, End: start.AddDate(0, 1, 0)}
}

// Query selects the series to aggregate.
type Query struct {
	// Entities are the entity IDs to sum.
	Entities []string

	// Field is the measured quantity, e.g. "activePwr".
	Field string

	// Window is the half-open time range.
	Window Window

	// Interval is the resolution of the aggregated series.
	Interval Interval
}

// Store returns aggregated measurements for a set of entities.
type Store interface {
	// Aggregate returns the time-ordered per-timestamp sum of the
	// entities' values with the number of contributing entities. Partial
	// coverage timestamps are included; callers filter on Count.
	Aggregate(ctx context.Context, q Query) ([]Point, error)
}

// Catalog lists the entity population.
type Catalog interface {
	// ListEntities returns the entity IDs in a stable order. Subset
	// indices refer to positions in this list.
	ListEntities(ctx context.Context) ([]string, error)
}

// StaticCatalog is a fixed entity list, e.g. from configuration.
type StaticCatalog []string

// ListEntities returns a copy of the list.
func (c StaticCatalog) ListEntities(ctx context.Context) ([]string, error) {
	return append([]string(nil), c...), nil
}

// FullCoverage keeps only points where exactly k entities contributed.
func FullCoverage(points []Point, k int) []Point {
	out := make([]Point, 0, len(points))
	for _, p := range points {
		if p.Count == k {
			out = append(out, p)
		}
	}
	return out
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_.:\-]{1,128}$`)

// ValidateIdentifier checks that s is safe to embed in a Flux string literal.
func ValidateIdentifier(kind, s string) error {
	if !identifierPattern.MatchString(s) {
		return fmt.Errorf("%w: %s %q", ErrInvalidIdentifier, kind, s)
	}
	return nil
}
