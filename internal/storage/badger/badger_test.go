// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEntry struct {
	Index  int   `json:"index"`
	Subset []int `json:"subset"`
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// TestOpenDB_Persistent verifies data survives close and reopen, which is
// what makes a resumed sampling run idempotent.
func TestOpenDB_Persistent(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Path = dir
	cfg.GCInterval = time.Hour

	db, err := OpenDB(cfg)
	require.NoError(t, err)
	assert.Equal(t, dir, db.Path())
	assert.False(t, db.InMemory())

	ctx := context.Background()
	require.NoError(t, db.WithTxn(ctx, func(txn *badger.Txn) error {
		return SetJSON(txn, []byte("stat:000003:0000000001:cov"), 0.42)
	}))
	require.NoError(t, db.Close())

	db2, err := OpenDB(cfg)
	require.NoError(t, err)
	defer db2.Close()

	var got float64
	require.NoError(t, db2.WithReadTxn(ctx, func(txn *badger.Txn) error {
		found, err := GetJSON(txn, []byte("stat:000003:0000000001:cov"), &got)
		assert.True(t, found)
		return err
	}))
	assert.Equal(t, 0.42, got)
}

func TestOpenDB_RequiresPath(t *testing.T) {
	_, err := OpenDB(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

func TestOpenDB_RoutesBadgerLogs(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.GCInterval = 0
	cfg.Logger = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	db, err := OpenDB(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Close())
	assert.Contains(t, buf.String(), "badger: ")
}

func TestConfigFunctions(t *testing.T) {
	t.Run("DefaultConfig is durable", func(t *testing.T) {
		cfg := DefaultConfig()
		assert.True(t, cfg.SyncWrites)
		assert.False(t, cfg.InMemory)
		assert.Equal(t, 5*time.Minute, cfg.GCInterval)
		assert.Equal(t, 0.5, cfg.GCDiscardRatio)
	})

	t.Run("InMemoryConfig disables GC", func(t *testing.T) {
		cfg := InMemoryConfig()
		assert.True(t, cfg.InMemory)
		assert.False(t, cfg.SyncWrites)
		assert.Zero(t, cfg.GCInterval)
	})
}

func TestGCRunner(t *testing.T) {
	db := openTestDB(t)

	t.Run("validates inputs", func(t *testing.T) {
		_, err := NewGCRunner(nil, time.Second, 0.5, nil)
		assert.Error(t, err)
		_, err = NewGCRunner(db.DB, 0, 0.5, nil)
		assert.Error(t, err)
		_, err = NewGCRunner(db.DB, time.Second, 1.5, nil)
		assert.Error(t, err)
	})

	t.Run("stop without start", func(t *testing.T) {
		runner, err := NewGCRunner(db.DB, time.Hour, 0.5, nil)
		require.NoError(t, err)
		runner.Stop()
	})

	t.Run("exits when context is cancelled", func(t *testing.T) {
		runner, err := NewGCRunner(db.DB, time.Hour, 0.5, nil)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		runner.Start(ctx)
		cancel()

		select {
		case <-runner.done:
		case <-time.After(5 * time.Second):
			t.Fatal("GC loop did not exit after cancel")
		}
		runner.Stop()
	})
}

func TestDB_WithTxn(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	t.Run("commits on success", func(t *testing.T) {
		require.NoError(t, db.WithTxn(ctx, func(txn *badger.Txn) error {
			return txn.Set([]byte("a"), []byte("1"))
		}))
		require.NoError(t, db.WithReadTxn(ctx, func(txn *badger.Txn) error {
			_, err := txn.Get([]byte("a"))
			return err
		}))
	})

	t.Run("discards on error", func(t *testing.T) {
		boom := errors.New("boom")
		err := db.WithTxn(ctx, func(txn *badger.Txn) error {
			if err := txn.Set([]byte("b"), []byte("2")); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		err = db.WithReadTxn(ctx, func(txn *badger.Txn) error {
			_, err := txn.Get([]byte("b"))
			return err
		})
		assert.ErrorIs(t, err, badger.ErrKeyNotFound)
	})

	t.Run("replays fn after a conflict", func(t *testing.T) {
		attempts := 0
		err := db.WithTxn(ctx, func(txn *badger.Txn) error {
			attempts++
			if _, err := txn.Get([]byte("counter")); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if attempts == 1 {
				// A concurrent writer commits the key this transaction read.
				require.NoError(t, db.Update(func(other *badger.Txn) error {
					return other.Set([]byte("counter"), []byte("x"))
				}))
			}
			return txn.Set([]byte("counter"), []byte("y"))
		})
		require.NoError(t, err)
		assert.Equal(t, 2, attempts)
	})

	t.Run("rejects cancelled context", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		err := db.WithTxn(cancelled, func(txn *badger.Txn) error { return nil })
		assert.ErrorIs(t, err, context.Canceled)
		err = db.WithReadTxn(cancelled, func(txn *badger.Txn) error { return nil })
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestJSONHelpers(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	key := []byte("subset:000002:0000000000")

	require.NoError(t, db.WithTxn(ctx, func(txn *badger.Txn) error {
		return SetJSON(txn, key, testEntry{Index: 0, Subset: []int{0, 1}})
	}))

	require.NoError(t, db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var got testEntry
		found, err := GetJSON(txn, key, &got)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []int{0, 1}, got.Subset)

		found, err = GetJSON(txn, []byte("subset:000002:0000000009"), &got)
		require.NoError(t, err)
		assert.False(t, found)
		return nil
	}))

	t.Run("undecodable value", func(t *testing.T) {
		require.NoError(t, db.WithTxn(ctx, func(txn *badger.Txn) error {
			return txn.Set([]byte("bad"), []byte("{"))
		}))
		err := db.WithReadTxn(ctx, func(txn *badger.Txn) error {
			var v testEntry
			_, err := GetJSON(txn, []byte("bad"), &v)
			return err
		})
		assert.Error(t, err)
	})
}

func TestScanAndDeletePrefix(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	keys := []string{
		"stat:000002:0000000000:cov",
		"stat:000002:0000000000:loadFactor",
		"stat:000002:0000000001:cov",
		"stat:000003:0000000000:cov",
	}
	require.NoError(t, db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Set([]byte(k), []byte("1")); err != nil {
				return err
			}
		}
		return nil
	}))

	collect := func(prefix string, limit int) []string {
		var got []string
		require.NoError(t, db.WithReadTxn(ctx, func(txn *badger.Txn) error {
			return Scan(txn, []byte(prefix), true, func(item *badger.Item) error {
				if limit > 0 && len(got) == limit {
					return ErrStopScan
				}
				got = append(got, string(item.KeyCopy(nil)))
				return nil
			})
		}))
		return got
	}

	assert.Equal(t, keys[:3], collect("stat:000002:", 0))
	assert.Equal(t, keys[:1], collect("stat:000002:", 1))
	assert.Empty(t, collect("stat:000009:", 0))

	var deleted int
	require.NoError(t, db.WithTxn(ctx, func(txn *badger.Txn) error {
		var err error
		deleted, err = DeletePrefix(txn, []byte("stat:000002:0000000000:"))
		return err
	}))
	assert.Equal(t, 2, deleted)
	assert.Equal(t, []string{keys[2]}, collect("stat:000002:", 0))
	assert.Equal(t, []string{keys[3]}, collect("stat:000003:", 0))
}

func TestScan_PropagatesErrors(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte("p:1"), []byte("1"))
	}))

	boom := errors.New("boom")
	err := db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return Scan(txn, []byte("p:"), false, func(*badger.Item) error { return boom })
	})
	assert.ErrorIs(t, err, boom)
}
