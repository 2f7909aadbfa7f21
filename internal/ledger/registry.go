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
	"time"

	"github.com/AleutianAI/AggregateSampler/internal/storage/badger"
	dgbadger "github.com/dgraph-io/badger/v4"
)

// Entry is one registered subset for an aggregation level k.
type Entry struct {
	// Index is the sample index (ledger position) of the subset.
	Index int `json:"index"`

	// Subset holds the sorted entity indices.
	Subset []int `json:"subset"`

	// AcceptedAt is when the subset was first accepted.
	AcceptedAt time.Time `json:"accepted_at"`
}

// Registry is the durable record of which subsets have been drawn for each k.
//
// Description:
//
//	Every call reads or writes BadgerDB directly; there is no in-process
//	view that could go stale across restarts.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	db  *badger.DB
	now func() time.Time
}

// NewRegistry creates a Registry over an open database.
func NewRegistry(db *badger.DB) *Registry {
	return &Registry{db: db, now: time.Now}
}

// Subsets returns every subset registered for k, ordered by sample index.
//
// Outputs:
//
//	[]Entry - Registered entries; empty (not nil) when none exist.
//	error - Non-nil on storage or decoding failure.
func (r *Registry) Subsets(ctx context.Context, k int) ([]Entry, error) {
	entries := []Entry{}
	err := r.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		var err error
		entries, err = scanEntries(txn, k)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list subsets for k=%d: %w", k, err)
	}
	return entries, nil
}

// Lookup returns the entry stored at a sample index, if any.
func (r *Registry) Lookup(ctx context.Context, k, index int) (Entry, bool, error) {
	if err := validateKey(k, index); err != nil {
		return Entry{}, false, err
	}
	var (
		entry Entry
		found bool
	)
	err := r.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		var err error
		entry, found, err = getEntry(txn, k, index)
		return err
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("lookup subset k=%d index=%d: %w", k, index, err)
	}
	return entry, found, nil
}

// Count returns the number of subsets registered for k.
func (r *Registry) Count(ctx context.Context, k int) (int, error) {
	count := 0
	err := r.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		return badger.Scan(txn, subsetKeyPrefix(k), true, func(*dgbadger.Item) error {
			count++
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("count subsets for k=%d: %w", k, err)
	}
	return count, nil
}

// Accept registers a subset for k at the lowest free sample index.
//
// Description:
//
//	The subset must be sorted, duplicate-free and of length k. The identity
//	key acts as the uniqueness constraint: registering a subset twice fails
//	with ErrDuplicateSubset and leaves the registry unchanged.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	k - Aggregation level (subset size).
//	subset - Sorted entity indices.
//
// Outputs:
//
//	[]Entry - The updated registry view for k, ordered by sample index.
//	error - ErrInvalidSubset, ErrDuplicateSubset, or a storage error.
func (r *Registry) Accept(ctx context.Context, k int, subset []int) ([]Entry, error) {
	if err := validateSubset(k, subset); err != nil {
		return nil, err
	}

	var entries []Entry
	err := r.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		idKey := identityKey(k, subset)
		var taken int
		if found, err := badger.GetJSON(txn, idKey, &taken); err != nil {
			return err
		} else if found {
			return fmt.Errorf("%w: k=%d subset=%s (index %d)", ErrDuplicateSubset, k, Identity(subset), taken)
		}

		existing, err := scanEntries(txn, k)
		if err != nil {
			return err
		}
		index := lowestFreeIndex(existing)

		entry := Entry{
			Index:      index,
			Subset:     append([]int(nil), subset...),
			AcceptedAt: r.now().UTC(),
		}
		if err := badger.SetJSON(txn, subsetKey(k, index), entry); err != nil {
			return err
		}
		if err := badger.SetJSON(txn, idKey, index); err != nil {
			return err
		}

		entries = insertEntry(existing, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("accept subset for k=%d: %w", k, err)
	}
	return entries, nil
}

// Remove deletes a subset from the registry for k.
//
// Description:
//
//	Deletes the entry, its identity key, and every cached statistic stored
//	at the removed sample index, atomically. Later entries keep their
//	indices. No-op if the subset is not registered.
func (r *Registry) Remove(ctx context.Context, k int, subset []int) error {
	err := r.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		idKey := identityKey(k, subset)
		var index int
		found, err := badger.GetJSON(txn, idKey, &index)
		if err != nil || !found {
			return err
		}

		if err := txn.Delete(idKey); err != nil {
			return err
		}
		if err := txn.Delete(subsetKey(k, index)); err != nil {
			return err
		}
		_, err = badger.DeletePrefix(txn, statIndexPrefix(k, index))
		return err
	})
	if err != nil {
		return fmt.Errorf("remove subset %s for k=%d: %w", Identity(subset), k, err)
	}
	return nil
}

// scanEntries reads all entries for k in index order.
func scanEntries(txn *dgbadger.Txn, k int) ([]Entry, error) {
	entries := []Entry{}
	err := badger.Scan(txn, subsetKeyPrefix(k), false, func(item *dgbadger.Item) error {
		var entry Entry
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		}); err != nil {
			return fmt.Errorf("decode entry %q: %w", item.Key(), err)
		}
		entries = append(entries, entry)
		return nil
	})
	return entries, err
}

func getEntry(txn *dgbadger.Txn, k, index int) (Entry, bool, error) {
	var entry Entry
	found, err := badger.GetJSON(txn, subsetKey(k, index), &entry)
	return entry, found, err
}

// lowestFreeIndex returns the first gap in the index sequence of entries,
// which are sorted by index.
func lowestFreeIndex(entries []Entry) int {
	next := 0
	for _, e := range entries {
		if e.Index != next {
			return next
		}
		next++
	}
	return next
}

func insertEntry(entries []Entry, entry Entry) []Entry {
	out := make([]Entry, 0, len(entries)+1)
	inserted := false
	for _, e := range entries {
		if !inserted && entry.Index < e.Index {
			out = append(out, entry)
			inserted = true
		}
		out = append(out, e)
	}
	if !inserted {
		out = append(out, entry)
	}
	return out
}
