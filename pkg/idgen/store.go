// Package idgen issues the synthetic row ids of derived tables.
//
// Ids are scoped per table name (case-insensitive), strictly increasing and never reused
// for the lifetime of a Store. A service keeps one Store for the whole process.
package idgen

import (
	"sync"

	"golang.org/x/text/cases"
)

// Store is a goroutine-safe map of table name to the last issued id.
type Store struct {
	mu   sync.Mutex
	last map[string]int64
}

// NewStore creates an empty store; the first id issued for any table is 1.
func NewStore() *Store {
	return &Store{last: make(map[string]int64)}
}

// Next issues the next id for the table.
func (s *Store) Next(table string) int64 {
	key := cases.Fold().String(table)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.last[key]++
	return s.last[key]
}

// Advance raises the table's counter to at least n, so ids issued later are above n.
func (s *Store) Advance(table string, n int64) {
	key := cases.Fold().String(table)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last[key] < n {
		s.last[key] = n
	}
}

// Peek returns the last id issued for the table, 0 if none.
func (s *Store) Peek(table string) int64 {
	key := cases.Fold().String(table)

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.last[key]
}

// Reset forgets every counter.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.last = make(map[string]int64)
}

// Snapshot returns a copy of all counters keyed by folded table name.
func (s *Store) Snapshot() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int64, len(s.last))
	for k, v := range s.last {
		out[k] = v
	}
	return out
}
