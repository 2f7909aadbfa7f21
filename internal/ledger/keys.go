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
	"strconv"
	"strings"
)

const (
	subsetPrefix   = "subset"
	identityPrefix = "subsetid"
	statPrefix     = "stat"

	indexWidth = 10
)

func subsetKeyPrefix(k int) []byte {
	return []byte(fmt.Sprintf("%s:%06d:", subsetPrefix, k))
}

func subsetKey(k, index int) []byte {
	return []byte(fmt.Sprintf("%s:%06d:%010d", subsetPrefix, k, index))
}

func identityKey(k int, subset []int) []byte {
	return []byte(fmt.Sprintf("%s:%06d:%s", identityPrefix, k, Identity(subset)))
}

func statKeyPrefix(k int) []byte {
	return []byte(fmt.Sprintf("%s:%06d:", statPrefix, k))
}

func statIndexPrefix(k, index int) []byte {
	return []byte(fmt.Sprintf("%s:%06d:%010d:", statPrefix, k, index))
}

func statKey(k, index int, metric string) []byte {
	return []byte(fmt.Sprintf("%s:%06d:%010d:%s", statPrefix, k, index, metric))
}

// parseIndex reads the zero-padded sample index that directly follows
// prefix in key.
func parseIndex(key, prefix []byte) (int, error) {
	if len(key) < len(prefix)+indexWidth {
		return 0, fmt.Errorf("short ledger key %q", key)
	}
	return strconv.Atoi(string(key[len(prefix) : len(prefix)+indexWidth]))
}

// parseStatKey returns the sample index and metric name of a stat key
// under the given per-k prefix.
func parseStatKey(key, prefix []byte) (int, string, error) {
	index, err := parseIndex(key, prefix)
	if err != nil {
		return 0, "", err
	}
	rest := key[len(prefix)+indexWidth:]
	if len(rest) < 2 || rest[0] != ':' {
		return 0, "", fmt.Errorf("malformed stat key %q", key)
	}
	return index, string(rest[1:]), nil
}

// Identity returns the canonical identity of a subset: its sorted indices
// joined by '-'. Two subsets are the same sample iff identities match.
func Identity(subset []int) string {
	parts := make([]string, len(subset))
	for i, v := range subset {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, "-")
}

func validateKey(k, index int) error {
	if k < 1 || index < 0 {
		return fmt.Errorf("%w: k=%d index=%d", ErrInvalidKey, k, index)
	}
	return nil
}

func validateMetric(metric string) error {
	if metric == "" || strings.ContainsRune(metric, ':') {
		return fmt.Errorf("%w: %q", ErrInvalidMetricName, metric)
	}
	return nil
}

func validateSubset(k int, subset []int) error {
	if len(subset) != k {
		return fmt.Errorf("%w: want %d indices, got %d", ErrInvalidSubset, k, len(subset))
	}
	for i, v := range subset {
		if v < 0 {
			return fmt.Errorf("%w: negative index %d", ErrInvalidSubset, v)
		}
		if i > 0 && subset[i-1] >= v {
			return fmt.Errorf("%w: indices must be strictly increasing", ErrInvalidSubset)
		}
	}
	return nil
}
