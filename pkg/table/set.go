package table

import "slices"

// Set is a collection of tables registered by name, kept in registration order.
type Set struct {
	names  []string
	tables map[string]*Table
}

// NewSet creates an empty set.
func NewSet() *Set {
	return &Set{tables: make(map[string]*Table)}
}

// Get looks a table up by name, ignoring case.
func (s *Set) Get(name string) (*Table, bool) {
	t, ok := s.tables[Key(name)]
	return t, ok
}

// Ensure returns the table registered under name, creating it when missing.
func (s *Set) Ensure(name string) (*Table, bool) {
	if t, ok := s.Get(name); ok {
		return t, false
	}
	t := New(name)
	s.Put(name, t)
	return t, true
}

// Put registers a table under name, replacing any table already registered there.
// The same table may be registered under more than one name.
func (s *Set) Put(name string, t *Table) {
	key := Key(name)
	if _, ok := s.tables[key]; !ok {
		s.names = append(s.names, name)
	}
	s.tables[key] = t
}

// Names returns the registered names in registration order.
func (s *Set) Names() []string {
	return slices.Clone(s.names)
}

// Len returns the number of registered names.
func (s *Set) Len() int {
	return len(s.names)
}

// RowCount returns the total number of rows over distinct tables.
func (s *Set) RowCount() int {
	seen := make(map[*Table]bool, len(s.tables))
	n := 0
	for _, t := range s.tables {
		if seen[t] {
			continue
		}
		seen[t] = true
		n += t.Len()
	}
	return n
}

// Each calls fn for every registered name in order.
func (s *Set) Each(fn func(name string, t *Table)) {
	for _, name := range s.names {
		fn(name, s.tables[Key(name)])
	}
}
