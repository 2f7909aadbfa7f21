// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package measurement

import (
	"context"
	"sort"
	"sync"
	"time"
)

// sample is one raw measurement of an entity.
type sample struct {
	field string
	time  time.Time
	value float64
}

// MemoryStore keeps measurements in memory. Samples are assumed to already
// be at the queried resolution; Aggregate groups them by exact timestamp.
//
// Thread Safety: Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	order   []string
	samples map[string][]sample
	queries int
}

var (
	_ Store   = (*MemoryStore)(nil)
	_ Catalog = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{samples: make(map[string][]sample)}
}

// Add records a measurement. Entities are listed in first-Add order.
func (m *MemoryStore) Add(entity, field string, t time.Time, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.samples[entity]; !ok {
		m.order = append(m.order, entity)
	}
	m.samples[entity] = append(m.samples[entity], sample{field: field, time: t, value: value})
}

// ListEntities returns entities in first-Add order.
func (m *MemoryStore) ListEntities(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...), nil
}

// Aggregate sums the entities' values per timestamp within the window.
func (m *MemoryStore) Aggregate(ctx context.Context, q Query) ([]Point, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := q.Window.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.queries++
	m.mu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()

	byTime := make(map[int64]*Point)
	for _, entity := range q.Entities {
		for _, s := range m.samples[entity] {
			if s.field != q.Field || !q.Window.Contains(s.time) {
				continue
			}
			key := s.time.UnixNano()
			p, ok := byTime[key]
			if !ok {
				p = &Point{Time: s.time}
				byTime[key] = p
			}
			p.Value += s.value
			p.Count++
		}
	}

	points := make([]Point, 0, len(byTime))
	for _, p := range byTime {
		points = append(points, *p)
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].Time.Before(points[j].Time)
	})
	return points, nil
}

// Queries returns how many Aggregate calls were served.
func (m *MemoryStore) Queries() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queries
}
