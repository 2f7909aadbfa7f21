// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sampling

import (
	"fmt"
	"math/big"
	"math/rand/v2"
	"slices"

	"github.com/AleutianAI/AggregateSampler/internal/ledger"
)

// Subset is a sorted set of distinct entity indices.
type Subset []int

// Key returns the canonical identity, e.g. "0-3-7".
func (s Subset) Key() string {
	return ledger.Identity(s)
}

// Contains reports whether i is a member.
func (s Subset) Contains(i int) bool {
	_, ok := slices.BinarySearch(s, i)
	return ok
}

// Equal reports whether both subsets have the same members.
func (s Subset) Equal(o Subset) bool {
	return slices.Equal(s, o)
}

// Validate checks that s is strictly increasing within [0, n).
func (s Subset) Validate(n int) error {
	for i, v := range s {
		if v < 0 || v >= n {
			return fmt.Errorf("subset %v: index %d outside [0, %d)", []int(s), v, n)
		}
		if i > 0 && s[i-1] >= v {
			return fmt.Errorf("subset %v: not strictly increasing", []int(s))
		}
	}
	return nil
}

// Combinations returns C(n, k).
func Combinations(n, k int) *big.Int {
	if k < 0 || k > n {
		return big.NewInt(0)
	}
	return new(big.Int).Binomial(int64(n), int64(k))
}

// iterationBound returns min(maxIterations, C(n, k)).
func iterationBound(maxIterations, n, k int) int {
	c := Combinations(n, k)
	if c.Cmp(big.NewInt(int64(maxIterations))) < 0 {
		return int(c.Int64())
	}
	return maxIterations
}

// Drawer draws uniform random k-subsets of [0, n).
//
// Thread Safety: Not safe for concurrent use.
type Drawer struct {
	rng  *rand.Rand
	pool []int
}

// NewDrawer creates a drawer over a population of n.
func NewDrawer(n int, rng *rand.Rand) *Drawer {
	pool := make([]int, n)
	for i := range pool {
		pool[i] = i
	}
	return &Drawer{rng: rng, pool: pool}
}

// Draw returns a uniformly random k-subset, sorted. k must be in [0, n].
func (d *Drawer) Draw(k int) Subset {
	n := len(d.pool)
	for i := 0; i < k; i++ {
		j := i + d.rng.IntN(n-i)
		d.pool[i], d.pool[j] = d.pool[j], d.pool[i]
	}
	out := make(Subset, k)
	copy(out, d.pool[:k])
	slices.Sort(out)
	return out
}
