// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger opens and manages the embedded BadgerDB instance that backs
// the sampling ledger.
//
// The ledger (subset registry and statistic cache) must survive process
// restarts so an interrupted run resumes without redrawing subsets or
// recomputing statistics. BadgerDB gives durable key/value storage with
// ordered prefix scans, which is all the ledger needs. Values are stored as
// JSON documents; GetJSON, SetJSON, Scan and DeletePrefix are the only
// access patterns the ledger uses.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// maxConflictRetries bounds how often WithTxn replays fn after a
// write-write conflict.
const maxConflictRetries = 3

// ErrStopScan ends a Scan early without reporting an error.
var ErrStopScan = errors.New("stop scan")

// Config holds configuration for the ledger database.
type Config struct {
	// Path is the database directory. Required unless InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit, so an accepted subset is on disk
	// before its statistic is computed.
	SyncWrites bool

	// Logger receives BadgerDB's internal log output and GC events.
	// Nil silences both.
	Logger *slog.Logger

	// GCInterval is how often value-log GC runs. 0 disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum garbage ratio that makes GC rewrite a file.
	GCDiscardRatio float64
}

// DefaultConfig returns durable defaults: synced writes and value-log GC
// every 5 minutes. Path must still be set by the caller.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns configuration for tests: no disk I/O, no GC.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// slogAdapter routes BadgerDB's printf-style logging into slog. Badger's
// info output is chatty during compaction, so it is demoted to debug.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Errorf(format string, args ...interface{}) {
	a.logger.Error("badger: " + fmt.Sprintf(format, args...))
}

func (a slogAdapter) Warningf(format string, args ...interface{}) {
	a.logger.Warn("badger: " + fmt.Sprintf(format, args...))
}

func (a slogAdapter) Infof(format string, args ...interface{}) {
	a.logger.Debug("badger: " + fmt.Sprintf(format, args...))
}

func (a slogAdapter) Debugf(format string, args ...interface{}) {
	a.logger.Debug("badger: " + fmt.Sprintf(format, args...))
}

func options(cfg Config) (badger.Options, error) {
	if cfg.InMemory {
		return badger.DefaultOptions("").WithInMemory(true), nil
	}
	if cfg.Path == "" {
		return badger.Options{}, errors.New("path is required for persistent database")
	}
	if err := os.MkdirAll(cfg.Path, 0750); err != nil {
		return badger.Options{}, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
	}
	opts := badger.DefaultOptions(cfg.Path).
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1)
	return opts, nil
}

// =============================================================================
// Garbage collection
// =============================================================================

// GCRunner runs periodic value-log garbage collection until its context is
// cancelled or Stop is called.
//
// Registry removals (discarded subsets) and cache overwrites leave stale
// values behind; the runner reclaims them while a long run is in progress.
type GCRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewGCRunner creates a garbage collection runner.
//
// Inputs:
//
//	db - The BadgerDB instance. Must not be nil.
//	interval - How often to run GC. Must be positive.
//	ratio - Minimum garbage ratio to trigger a rewrite (0.0-1.0).
//	logger - Optional logger for GC events.
//
// Outputs:
//
//	*GCRunner - The runner. Not started until Start() is called.
//	error - Non-nil if inputs are invalid.
func NewGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) (*GCRunner, error) {
	switch {
	case db == nil:
		return nil, errors.New("db must not be nil")
	case interval <= 0:
		return nil, errors.New("interval must be positive")
	case ratio < 0 || ratio > 1:
		return nil, errors.New("ratio must be between 0 and 1")
	}
	return &GCRunner{db: db, interval: interval, ratio: ratio, logger: logger}, nil
}

// Start launches the GC loop. It stops when ctx is done or Stop is called.
func (r *GCRunner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop(ctx)
}

// Stop cancels the GC loop and waits for it to exit. Safe to call on a
// runner that was never started.
func (r *GCRunner) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

func (r *GCRunner) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.collect()
		}
	}
}

// collect rewrites value-log files until one pass finds nothing to reclaim.
func (r *GCRunner) collect() {
	rewrites := 0
	for {
		err := r.db.RunValueLogGC(r.ratio)
		if err == nil {
			rewrites++
			continue
		}
		if !errors.Is(err, badger.ErrNoRewrite) && r.logger != nil {
			r.logger.Warn("ledger value log GC failed", slog.String("error", err.Error()))
		}
		break
	}
	if rewrites > 0 && r.logger != nil {
		r.logger.Debug("ledger value log GC completed", slog.Int("rewrites", rewrites))
	}
}

// =============================================================================
// Database handle
// =============================================================================

// DB is the ledger database: a BadgerDB handle plus its GC lifecycle.
type DB struct {
	*badger.DB
	gc       *GCRunner
	path     string
	inMemory bool
}

// OpenDB opens the database and starts GC when configured.
//
// Inputs:
//
//	cfg - Database configuration.
//
// Outputs:
//
//	*DB - The managed database. Call Close() when done.
//	error - Non-nil if the database cannot be opened.
//
// Thread Safety: Safe for concurrent use.
func OpenDB(cfg Config) (*DB, error) {
	opts, err := options(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Logger != nil {
		opts = opts.WithLogger(slogAdapter{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	raw, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	db := &DB{DB: raw, path: cfg.Path, inMemory: cfg.InMemory}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		gc, err := NewGCRunner(raw, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		if err != nil {
			raw.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
		gc.Start(context.Background())
		db.gc = gc
	}
	return db, nil
}

// OpenInMemory opens an in-memory database. Data is lost when closed.
func OpenInMemory() (*DB, error) {
	return OpenDB(InMemoryConfig())
}

// Close stops GC and closes the database.
func (d *DB) Close() error {
	if d.gc != nil {
		d.gc.Stop()
		d.gc = nil
	}
	return d.DB.Close()
}

// Path returns the database path, or "" for in-memory databases.
func (d *DB) Path() string {
	return d.path
}

// InMemory reports whether the database lives only in RAM.
func (d *DB) InMemory() bool {
	return d.inMemory
}

// WithTxn runs fn in a read-write transaction and commits when fn returns nil.
//
// Description:
//
//	A commit that loses a write-write race (badger.ErrConflict) is replayed
//	with a fresh transaction, up to maxConflictRetries times, so fn must be
//	safe to run more than once.
//
// Inputs:
//
//	ctx - Checked before every attempt.
//	fn - Function to execute within the transaction.
//
// Outputs:
//
//	error - Non-nil if the context is done, fn fails, or commit fails.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return fmt.Errorf("context cancelled: %w", cerr)
		}
		err = d.update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("transaction conflicted %d times: %w", maxConflictRetries+1, err)
}

func (d *DB) update(fn func(txn *badger.Txn) error) error {
	txn := d.DB.NewTransaction(true)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// WithReadTxn runs fn in a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	txn := d.DB.NewTransaction(false)
	defer txn.Discard()
	return fn(txn)
}

// =============================================================================
// Transaction helpers
// =============================================================================

// GetJSON decodes the value at key into v. found is false when the key
// does not exist.
func GetJSON(txn *badger.Txn, key []byte, v any) (found bool, err error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	}); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it at key.
func SetJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return txn.Set(key, data)
}

// Scan calls fn for every item under prefix in key order. Returning
// ErrStopScan from fn ends the scan with a nil error. With keysOnly set,
// values are not prefetched.
func Scan(txn *badger.Txn, prefix []byte, keysOnly bool, fn func(item *badger.Item) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = !keysOnly
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := fn(it.Item()); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return nil
}

// DeletePrefix removes every key under prefix and returns how many were
// deleted. Keys are collected first because deleting while iterating is
// not allowed.
func DeletePrefix(txn *badger.Txn, prefix []byte) (int, error) {
	var keys [][]byte
	err := Scan(txn, prefix, true, func(item *badger.Item) error {
		keys = append(keys, item.KeyCopy(nil))
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		if err := txn.Delete(key); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}
