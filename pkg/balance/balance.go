// Package balance pads sibling tables so every main record has the same number of rows
// in each table of a declared group. Banded layouts print such groups side by side and
// need equal row counts to line up.
package balance

import (
	"go.uber.org/zap"

	"github.com/wehubfusion/Banda/pkg/idgen"
	"github.com/wehubfusion/Banda/pkg/table"
)

// Rule is a group of tables that must carry the same number of rows per main record,
// with optional minimum row counts per table.
type Rule struct {
	Tables          []string
	MinRowsPerTable map[string]int
}

// Stats reports the padding rows added per table.
type Stats struct {
	Padded map[string]int
}

// Total returns the number of padding rows over all tables.
func (s Stats) Total() int {
	n := 0
	for _, v := range s.Padded {
		n += v
	}
	return n
}

// Engine applies balance rules. Padding rows draw their ids from the same store as
// materialized rows.
type Engine struct {
	ids    *idgen.Store
	logger *zap.Logger
}

// NewEngine creates an Engine.
func NewEngine(ids *idgen.Store, logger *zap.Logger) *Engine {
	if ids == nil {
		ids = idgen.NewStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{ids: ids, logger: logger}
}

// resolved is a rule with its table names looked up in the set.
type resolved struct {
	tables  []*table.Table
	minimum []int
}

// Balance pads the tables of set in place. For every main row, rules are applied in
// order; each computes its target from the current counts, so a table in several rules
// receives the padding of each in turn. Names that match no table, the main table itself
// and tables without the main foreign key column are skipped.
func (e *Engine) Balance(rules []Rule, set *table.Set, main *table.Table) Stats {
	stats := Stats{Padded: make(map[string]int)}
	if main == nil || len(rules) == 0 {
		return stats
	}

	mainKey := table.KeyColumn(main.Name)
	groups := e.resolve(rules, set, main, mainKey)
	if len(groups) == 0 {
		return stats
	}

	counts := newCounter(mainKey)
	for _, mainRow := range main.Rows() {
		raw, _ := mainRow.Get(mainKey)
		parent, ok := table.AsInt64(raw)
		if !ok {
			continue
		}

		for _, g := range groups {
			target := 0
			for _, t := range g.tables {
				target = max(target, counts.get(t, parent))
			}
			for i := range g.tables {
				target = max(target, g.minimum[i])
			}

			for _, t := range g.tables {
				missing := target - counts.get(t, parent)
				for range missing {
					e.pad(t, mainKey, parent)
				}
				if missing > 0 {
					counts.add(t, parent, missing)
					stats.Padded[t.Name] += missing
				}
			}
		}
	}

	if total := stats.Total(); total > 0 {
		e.logger.Debug("balanced tables",
			zap.String("main_table", main.Name),
			zap.Int("padding_rows", total))
	}
	return stats
}

func (e *Engine) resolve(rules []Rule, set *table.Set, main *table.Table, mainKey string) []resolved {
	var groups []resolved
	for i, rule := range rules {
		minimums := make(map[string]int, len(rule.MinRowsPerTable))
		for name, n := range rule.MinRowsPerTable {
			minimums[table.Key(name)] = n
		}

		var g resolved
		seen := make(map[*table.Table]bool)
		for _, name := range rule.Tables {
			t, ok := set.Get(name)
			if !ok {
				e.logger.Debug("balance rule names an unknown table",
					zap.Int("rule", i),
					zap.String("table", name))
				continue
			}
			if seen[t] || t == main || !t.HasColumn(mainKey) {
				continue
			}
			seen[t] = true
			g.tables = append(g.tables, t)
			g.minimum = append(g.minimum, minimums[table.Key(name)])
		}
		if len(g.tables) > 0 {
			groups = append(groups, g)
		}
	}
	return groups
}

// pad appends one row holding column defaults, the main foreign key and a fresh own id.
// Ancestor keys other than the main one stay null.
func (e *Engine) pad(t *table.Table, mainKey string, parent int64) {
	row := t.NewRow()
	row.Set(mainKey, parent)
	own := table.KeyColumn(t.Name)
	if t.HasColumn(own) && table.Key(own) != table.Key(mainKey) {
		row.Set(own, e.ids.Next(t.Name))
	}
}

// counter caches per-table row counts by main foreign key.
type counter struct {
	mainKey string
	byTable map[*table.Table]map[int64]int
}

func newCounter(mainKey string) *counter {
	return &counter{mainKey: mainKey, byTable: make(map[*table.Table]map[int64]int)}
}

func (c *counter) load(t *table.Table) map[int64]int {
	if m, ok := c.byTable[t]; ok {
		return m
	}
	m := make(map[int64]int)
	for _, r := range t.Rows() {
		v, _ := r.Get(c.mainKey)
		if id, ok := table.AsInt64(v); ok {
			m[id]++
		}
	}
	c.byTable[t] = m
	return m
}

func (c *counter) get(t *table.Table, parent int64) int {
	return c.load(t)[parent]
}

func (c *counter) add(t *table.Table, parent int64, n int) {
	c.load(t)[parent] += n
}
