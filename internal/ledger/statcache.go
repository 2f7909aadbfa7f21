// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/AleutianAI/AggregateSampler/internal/storage/badger"
	dgbadger "github.com/dgraph-io/badger/v4"
)

// Metadata describes the measurement window a statistic was computed over.
type Metadata struct {
	EntityIDs   []string  `json:"entity_ids,omitempty"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Interval    string    `json:"interval,omitempty"`
	Params      []float64 `json:"params,omitempty"`

	// Summary of the aggregate series.
	Peak   float64 `json:"peak"`
	Trough float64 `json:"trough"`
	Mean   float64 `json:"mean"`
	Points int     `json:"points"`

	// Extra holds secondary values computed alongside the statistic,
	// e.g. the ratio at every requested percentile.
	Extra map[string]float64 `json:"extra,omitempty"`
}

// Record is one cached statistic value.
type Record struct {
	K           int       `json:"k"`
	SampleIndex int       `json:"sample_index"`
	Metric      string    `json:"metric"`
	Value       float64   `json:"value"`
	Subset      []int     `json:"subset"`
	Metadata    Metadata  `json:"metadata"`
	ComputedAt  time.Time `json:"computed_at"`
}

// ComputeFunc produces a statistic value for a cache miss.
type ComputeFunc func(ctx context.Context) (float64, Metadata, error)

// StatCache stores computed statistic values keyed by (k, sample index, metric).
//
// Description:
//
//	Writes are upserts: at most one record exists per key and a second Put
//	overwrites the first. Reads used for convergence only return records
//	whose subset still matches the registry entry at the same index.
//
// Thread Safety: Safe for concurrent use.
type StatCache struct {
	db  *badger.DB
	now func() time.Time
}

// NewStatCache creates a StatCache over an open database.
func NewStatCache(db *badger.DB) *StatCache {
	return &StatCache{db: db, now: time.Now}
}

// Get returns the cached record for a key, or found=false when absent.
func (c *StatCache) Get(ctx context.Context, k, index int, metric string) (Record, bool, error) {
	if err := validateKey(k, index); err != nil {
		return Record{}, false, err
	}
	if err := validateMetric(metric); err != nil {
		return Record{}, false, err
	}

	var (
		rec   Record
		found bool
	)
	err := c.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		var err error
		rec, found, err = getRecord(txn, k, index, metric)
		return err
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("get stat k=%d index=%d metric=%s: %w", k, index, metric, err)
	}
	return rec, found, nil
}

// Put upserts a record. ComputedAt is stamped when zero.
func (c *StatCache) Put(ctx context.Context, rec Record) error {
	if err := validateKey(rec.K, rec.SampleIndex); err != nil {
		return err
	}
	if err := validateMetric(rec.Metric); err != nil {
		return err
	}
	if rec.ComputedAt.IsZero() {
		rec.ComputedAt = c.now().UTC()
	}

	err := c.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return badger.SetJSON(txn, statKey(rec.K, rec.SampleIndex, rec.Metric), rec)
	})
	if err != nil {
		return fmt.Errorf("put stat k=%d index=%d metric=%s: %w", rec.K, rec.SampleIndex, rec.Metric, err)
	}
	return nil
}

// GetOrCompute returns the cached record for a key or computes and stores it.
//
// Description:
//
//	A cached record only counts as a hit when it was computed for the same
//	subset; a record left behind by a different subset at this index is
//	recomputed and overwritten. Errors from compute are returned unwrapped
//	so callers can classify them with errors.Is.
//
// Outputs:
//
//	Record - The cached or freshly computed record.
//	bool - True if compute was called.
//	error - Error from compute, or a storage error.
func (c *StatCache) GetOrCompute(ctx context.Context, k, index int, metric string, subset []int, compute ComputeFunc) (Record, bool, error) {
	rec, found, err := c.Get(ctx, k, index, metric)
	if err != nil {
		return Record{}, false, err
	}
	if found && slices.Equal(rec.Subset, subset) {
		return rec, false, nil
	}

	value, meta, err := compute(ctx)
	if err != nil {
		return Record{}, true, err
	}

	rec = Record{
		K:           k,
		SampleIndex: index,
		Metric:      metric,
		Value:       value,
		Subset:      append([]int(nil), subset...),
		Metadata:    meta,
		ComputedAt:  c.now().UTC(),
	}
	if err := c.Put(ctx, rec); err != nil {
		return Record{}, true, err
	}
	return rec, true, nil
}

// ValuesUpTo returns cached values for sample indices 0..index inclusive, in
// index order, skipping records whose subset is no longer registered at
// that index.
func (c *StatCache) ValuesUpTo(ctx context.Context, k, index int, metric string) ([]float64, error) {
	records, err := c.validRecords(ctx, k, index, metric)
	if err != nil {
		return nil, err
	}
	values := make([]float64, len(records))
	for i, rec := range records {
		values[i] = rec.Value
	}
	return values, nil
}

// Values returns every valid cached value for k and metric in index order.
func (c *StatCache) Values(ctx context.Context, k int, metric string) ([]float64, error) {
	return c.ValuesUpTo(ctx, k, -1, metric)
}

// Records returns every valid cached record for k and metric in index order.
func (c *StatCache) Records(ctx context.Context, k int, metric string) ([]Record, error) {
	return c.validRecords(ctx, k, -1, metric)
}

// validRecords scans stat keys for k. A negative limit means no upper bound.
func (c *StatCache) validRecords(ctx context.Context, k, limit int, metric string) ([]Record, error) {
	if k < 1 {
		return nil, fmt.Errorf("%w: k=%d", ErrInvalidKey, k)
	}
	if err := validateMetric(metric); err != nil {
		return nil, err
	}

	records := []Record{}
	err := c.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		prefix := statKeyPrefix(k)
		return badger.Scan(txn, prefix, false, func(item *dgbadger.Item) error {
			index, name, err := parseStatKey(item.Key(), prefix)
			if err != nil {
				return err
			}
			if limit >= 0 && index > limit {
				return badger.ErrStopScan
			}
			if name != metric {
				return nil
			}

			var rec Record
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode stat record: %w", err)
			}

			entry, ok, err := getEntry(txn, k, index)
			if err != nil {
				return err
			}
			if ok && slices.Equal(entry.Subset, rec.Subset) {
				records = append(records, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("scan stats k=%d metric=%s: %w", k, metric, err)
	}
	return records, nil
}

func getRecord(txn *dgbadger.Txn, k, index int, metric string) (Record, bool, error) {
	var rec Record
	found, err := badger.GetJSON(txn, statKey(k, index, metric), &rec)
	return rec, found, err
}
