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
	"fmt"

	"github.com/AleutianAI/AggregateSampler/internal/storage/badger"
)

// Ledger bundles the registry and statistic cache over one database handle.
//
// The handle is owned by whoever opened the Ledger; Close releases it.
type Ledger struct {
	Registry *Registry
	Cache    *StatCache

	db *badger.DB
}

// Open opens the ledger database with the given configuration.
//
// Outputs:
//
//	*Ledger - Ready-to-use ledger. Caller must call Close().
//	error - Non-nil if the database cannot be opened.
func Open(cfg badger.Config) (*Ledger, error) {
	db, err := badger.OpenDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return New(db), nil
}

// New wraps an already open database.
func New(db *badger.DB) *Ledger {
	return &Ledger{
		Registry: NewRegistry(db),
		Cache:    NewStatCache(db),
		db:       db,
	}
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
