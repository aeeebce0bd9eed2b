// Package materializer projects a JSON document onto flat tables with synthetic keys.
//
// The main records become the main table, keyed by their 1-based ordinal. Every object
// or array reachable from a main record becomes a table named after the property that
// holds it, with its own id column, the main foreign key and one foreign key per
// ancestor table on its path. Tables are identified by name only: unrelated properties
// sharing a name are merged into one table.
package materializer

import (
	"go.uber.org/zap"

	"github.com/wehubfusion/Banda/pkg/coerce"
	"github.com/wehubfusion/Banda/pkg/idgen"
	"github.com/wehubfusion/Banda/pkg/jsonnode"
	"github.com/wehubfusion/Banda/pkg/table"
)

// ValueColumn holds the value of non-object array elements and scalars.
const ValueColumn = "Value"

// TypeResolver declares column types. Columns without a declaration are STRING.
type TypeResolver interface {
	ColumnType(tableName, column string) (table.ColumnType, bool)
}

// Option configures a Materializer.
type Option func(*Materializer)

// WithColumnTypes sets the column type declarations.
func WithColumnTypes(types TypeResolver) Option {
	return func(m *Materializer) {
		m.types = types
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Materializer) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Materializer builds table sets. It holds no per-call state and is safe for concurrent
// use as long as its id store is.
type Materializer struct {
	ids    *idgen.Store
	types  TypeResolver
	logger *zap.Logger
}

// New creates a Materializer drawing derived row ids from ids.
func New(ids *idgen.Store, opts ...Option) *Materializer {
	m := &Materializer{
		ids:    ids,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.ids == nil {
		m.ids = idgen.NewStore()
	}
	return m
}

// Stats summarizes one materialization.
type Stats struct {
	Tables           int
	Rows             int
	CoercionFailures int
}

// Result is the table set produced from one document.
type Result struct {
	Set   *table.Set
	Main  *table.Table
	Stats Stats
}

// Ancestor is one table row on the path from a main record to the current node.
type Ancestor struct {
	Table string
	ID    int64
}

// Lineage is the chain of ancestor rows of a node, outermost first. It is never
// modified in place.
type Lineage []Ancestor

// With returns a new lineage extended by one ancestor.
func (l Lineage) With(tableName string, id int64) Lineage {
	out := make(Lineage, len(l), len(l)+1)
	copy(out, l)
	return append(out, Ancestor{Table: tableName, ID: id})
}

// Materialize builds the main table from main and every table derived from it.
// main is either an array of records or a single object record; non-object elements of
// an array are skipped and do not consume an ordinal.
func (m *Materializer) Materialize(main *jsonnode.Node, mainName string) *Result {
	r := m.newRun(mainName)
	mainTable := r.buildMain(main)

	m.logger.Debug("materialized document",
		zap.String("main_table", mainName),
		zap.Int("main_rows", mainTable.Len()),
		zap.Int("tables", r.stats.Tables),
		zap.Int("rows", r.stats.Rows),
		zap.Int("coercion_failures", r.stats.CoercionFailures))

	return &Result{Set: r.set, Main: mainTable, Stats: r.stats}
}

// Placeholder returns a result holding only an empty single-column main table. It stands
// in for a main data source that could not be located.
func Placeholder(mainName string) *Result {
	set := table.NewSet()
	tbl, _ := set.Ensure(mainName)
	tbl.AddColumn(ValueColumn, table.TypeString)
	return &Result{Set: set, Main: tbl, Stats: Stats{Tables: 1}}
}

// AddSource materializes a secondary data source into an existing result. Its tables
// carry no main foreign key. It returns false without changes when a table of that
// name already exists or node is not an object or array.
func (m *Materializer) AddSource(res *Result, node *jsonnode.Node, name string) bool {
	if !node.IsContainer() {
		return false
	}
	if _, exists := res.Set.Get(name); exists {
		return false
	}

	r := m.newRun("")
	r.set = res.Set
	r.visit(node, name, 0, nil)

	res.Stats.Tables += r.stats.Tables
	res.Stats.Rows += r.stats.Rows
	res.Stats.CoercionFailures += r.stats.CoercionFailures
	return true
}

// run carries the state of one materialization call.
type run struct {
	*Materializer
	set      *table.Set
	mainName string
	stats    Stats
}

func (m *Materializer) newRun(mainName string) *run {
	return &run{
		Materializer: m,
		set:          table.NewSet(),
		mainName:     mainName,
	}
}

func mainRecords(main *jsonnode.Node) []*jsonnode.Node {
	if main.IsObject() {
		return []*jsonnode.Node{main}
	}
	var records []*jsonnode.Node
	for _, item := range main.Items() {
		if item.IsObject() {
			records = append(records, item)
		}
	}
	return records
}

func (r *run) buildMain(main *jsonnode.Node) *table.Table {
	tbl := r.ensureTable(r.mainName)
	pk := table.KeyColumn(r.mainName)

	records := mainRecords(main)
	for _, rec := range records {
		for _, f := range rec.Fields() {
			r.addDataColumn(tbl, f.Name)
		}
	}

	var err error
	switch {
	case tbl.HasColumn(pk):
		err = tbl.RenameColumn(pk, pk, table.TypeInt)
	case tbl.HasColumn("Id"):
		err = tbl.RenameColumn("Id", pk, table.TypeInt)
	default:
		tbl.AddColumn(pk, table.TypeInt)
	}
	if err != nil {
		// Only reachable if the table state is inconsistent; append instead of renaming.
		r.logger.Warn("failed to place main key column", zap.String("table", r.mainName), zap.Error(err))
		tbl.AddColumn(pk, table.TypeInt)
	}

	keys := map[string]bool{table.Key(pk): true}
	for i, rec := range records {
		row := tbl.NewRow()
		r.stats.Rows++
		r.fill(tbl, row, rec, keys)
		row.Set(pk, int64(i+1))
	}

	// Nested containers named like the main table merge into it; their ids must
	// start above the ordinals of the main records.
	r.ids.Advance(r.mainName, int64(len(records)))
	for i, rec := range records {
		for _, f := range rec.Fields() {
			if f.Value.IsContainer() {
				r.visit(f.Value, f.Name, int64(i+1), nil)
			}
		}
	}
	return tbl
}

func (r *run) ensureTable(name string) *table.Table {
	tbl, created := r.set.Ensure(name)
	if created {
		r.stats.Tables++
		r.logger.Debug("created table", zap.String("table", name))
	}
	return tbl
}

func (r *run) addDataColumn(tbl *table.Table, column string) {
	typ := table.TypeString
	if r.types != nil {
		if declared, ok := r.types.ColumnType(tbl.Name, column); ok {
			typ = declared
		}
	}
	tbl.AddColumn(column, typ)
}

// fill copies the scalar properties of rec into row, skipping key columns. Containers
// become tables of their own and leave the cell at its default.
func (r *run) fill(tbl *table.Table, row *table.Row, rec *jsonnode.Node, keys map[string]bool) {
	for _, f := range rec.Fields() {
		if keys[table.Key(f.Name)] || f.Value.IsContainer() {
			continue
		}
		r.setCell(tbl, row, f.Name, f.Value)
	}
}

func (r *run) setCell(tbl *table.Table, row *table.Row, column string, value *jsonnode.Node) {
	col, ok := tbl.Column(column)
	if !ok {
		return
	}
	res := coerce.To(value, col.Type)
	if !res.OK {
		r.stats.CoercionFailures++
		r.logger.Debug("value does not fit column type",
			zap.String("table", tbl.Name),
			zap.String("column", col.Name),
			zap.String("type", string(col.Type)))
	}
	row.Set(column, res.Value)
}
