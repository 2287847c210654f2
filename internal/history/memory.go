package history

import (
	"context"
	"math"
	"slices"
	"sync"

	"gonum.org/v1/gonum/floats"
)

// MemStore keeps the newest entries in memory up to a fixed capacity.
type MemStore struct {
	mu      sync.RWMutex
	entries []Entry // oldest first
	cap     int
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns a store holding at most capacity entries. A
// non-positive capacity defaults to 1000.
func NewMemStore(capacity int) *MemStore {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemStore{cap: capacity}
}

// Record implements [Store].
func (s *MemStore) Record(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == s.cap {
		s.entries = slices.Delete(s.entries, 0, 1)
	}
	s.entries = append(s.entries, e)
	return nil
}

// Recent implements [Store].
func (s *MemStore) Recent(_ context.Context, limit int) ([]Entry, error) {
	if err := checkLimit(limit); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := min(limit, len(s.entries))
	out := make([]Entry, 0, n)
	for i := len(s.entries) - 1; i >= len(s.entries)-n; i-- {
		out = append(out, s.entries[i])
	}
	return out, nil
}

// Similar implements [Store].
func (s *MemStore) Similar(_ context.Context, dist []float32, limit int) ([]Match, error) {
	if err := checkLimit(limit); err != nil {
		return nil, err
	}
	if len(dist) == 0 {
		return nil, ErrDimension
	}
	q := widen(dist)

	s.mu.RLock()
	var out []Match
	for _, e := range s.entries {
		if len(e.Distribution) != len(dist) {
			continue
		}
		out = append(out, Match{Entry: e, Distance: cosineDistance(q, widen(e.Distribution))})
	}
	s.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b Match) int {
		switch {
		case a.Distance < b.Distance:
			return -1
		case a.Distance > b.Distance:
			return 1
		}
		return 0
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored entries.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func widen(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

// cosineDistance is 1 - cos(a, b), as pgvector's <=> operator. Zero vectors
// have no direction; they are placed at 2, past every real match, where
// pgvector would return NaN. [PostgresStore.Similar] maps NaN to 2 as well.
func cosineDistance(a, b []float64) float64 {
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 2
	}
	d := 1 - floats.Dot(a, b)/(na*nb)
	return math.Max(0, d)
}
