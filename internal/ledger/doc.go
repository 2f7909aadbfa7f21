// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledger persists the sampling work of a run: which subsets were
// drawn for each aggregation level k (Registry) and the statistic computed
// for each (k, sample index) pair (StatCache).
//
// # Sample Indices
//
// A subset's sample index is its ledger position for k. Indices are
// assigned once and never renumbered. Removing a subset leaves a gap, and
// the next accepted subset for k fills the lowest free index, so a retried
// iteration i lands back on index i. Removing a subset also deletes every
// cached statistic stored at its index, in the same transaction.
//
// # Key Layout
//
//	subset:{k:06d}:{index:010d}          -> JSON Entry
//	subsetid:{k:06d}:{identity}          -> index (uniqueness per k)
//	stat:{k:06d}:{index:010d}:{metric}   -> JSON Record
//
// Zero-padded numbers keep BadgerDB's lexicographic order equal to numeric
// order, so prefix scans return entries by sample index.
//
// # Thread Safety
//
// Registry and StatCache are safe for concurrent use, but concurrent runs
// over the same k are not coordinated: a single run owns a k range.
package ledger
