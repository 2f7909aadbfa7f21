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

import "errors"

var (
	// ErrDuplicateSubset is returned by Registry.Accept when the subset is
	// already registered for k. Callers are expected to check membership
	// first; seeing this error means that check was skipped.
	ErrDuplicateSubset = errors.New("subset already registered")

	// ErrInvalidSubset is returned for subsets that are not sorted, contain
	// duplicates or negative indices, or whose length differs from k.
	ErrInvalidSubset = errors.New("invalid subset")

	// ErrInvalidMetricName is returned for empty metric names or names
	// containing the key separator ':'.
	ErrInvalidMetricName = errors.New("invalid metric name")

	// ErrInvalidKey is returned for k < 1 or a negative sample index.
	ErrInvalidKey = errors.New("invalid ledger key")
)
