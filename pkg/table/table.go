// Package table holds the flat, typed tables produced from a JSON document.
//
// Table and column names are case-insensitive. Every row carries a value for every
// column of its table; adding a column back-fills existing rows with the column default.
package table

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/cases"
)

// ColumnType is the declared value type of a column.
type ColumnType string

const (
	TypeString   ColumnType = "STRING"
	TypeInt      ColumnType = "INT"
	TypeNumber   ColumnType = "NUMBER"
	TypeBoolean  ColumnType = "BOOLEAN"
	TypeDateTime ColumnType = "DATETIME"
)

// ParseColumnType parses a type name, ignoring case and surrounding spaces.
func ParseColumnType(s string) (ColumnType, error) {
	switch ColumnType(strings.ToUpper(strings.TrimSpace(s))) {
	case TypeString, "":
		return TypeString, nil
	case TypeInt, "INTEGER":
		return TypeInt, nil
	case TypeNumber, "DECIMAL", "FLOAT":
		return TypeNumber, nil
	case TypeBoolean, "BOOL":
		return TypeBoolean, nil
	case TypeDateTime, "DATE", "TIMESTAMP":
		return TypeDateTime, nil
	}
	return "", fmt.Errorf("unknown column type %q", s)
}

// Default is the value a cell of this type holds when the source has none:
// "" for strings, nil for everything else.
func (t ColumnType) Default() any {
	if t == TypeString || t == "" {
		return ""
	}
	return nil
}

// Key folds a table or column name for case-insensitive comparison.
func Key(name string) string {
	return cases.Fold().String(name)
}

// KeyColumn returns the synthetic id column name for a table.
func KeyColumn(tableName string) string {
	return tableName + "Id"
}

// Column is a named, typed column.
type Column struct {
	Name string
	Type ColumnType
}

// Table is a named, ordered set of columns and the rows that own values for them.
type Table struct {
	Name    string
	columns []Column
	index   map[string]int
	rows    []*Row
}

// New creates an empty table.
func New(name string) *Table {
	return &Table{
		Name:  name,
		index: make(map[string]int),
	}
}

// Columns returns the columns in declaration order.
func (t *Table) Columns() []Column {
	return slices.Clone(t.columns)
}

// ColumnNames returns the column names in declaration order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.columns))
	for i, c := range t.columns {
		names[i] = c.Name
	}
	return names
}

// Column looks up a column by name.
func (t *Table) Column(name string) (Column, bool) {
	i, ok := t.index[Key(name)]
	if !ok {
		return Column{}, false
	}
	return t.columns[i], true
}

// HasColumn reports whether the table declares the column.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.index[Key(name)]
	return ok
}

// AddColumn declares a column and back-fills existing rows with its default.
// It returns false and leaves the table unchanged when the column already exists.
func (t *Table) AddColumn(name string, typ ColumnType) bool {
	key := Key(name)
	if _, ok := t.index[key]; ok {
		return false
	}
	if typ == "" {
		typ = TypeString
	}
	t.index[key] = len(t.columns)
	t.columns = append(t.columns, Column{Name: name, Type: typ})
	def := typ.Default()
	for _, r := range t.rows {
		r.values = append(r.values, def)
	}
	return true
}

// RenameColumn renames a column in place and changes its type. Existing row values
// are reset to the new type's default when the type changes.
func (t *Table) RenameColumn(from, to string, typ ColumnType) error {
	fromKey, toKey := Key(from), Key(to)
	i, ok := t.index[fromKey]
	if !ok {
		return fmt.Errorf("table %s: column %q does not exist", t.Name, from)
	}
	if j, exists := t.index[toKey]; exists && j != i {
		return fmt.Errorf("table %s: column %q already exists", t.Name, to)
	}
	if typ == "" {
		typ = t.columns[i].Type
	}
	if typ != t.columns[i].Type {
		def := typ.Default()
		for _, r := range t.rows {
			r.values[i] = def
		}
	}
	delete(t.index, fromKey)
	t.index[toKey] = i
	t.columns[i] = Column{Name: to, Type: typ}
	return nil
}

// NewRow appends a row holding the default value of every column.
func (t *Table) NewRow() *Row {
	r := &Row{table: t, values: make([]any, len(t.columns))}
	for i, c := range t.columns {
		r.values[i] = c.Type.Default()
	}
	t.rows = append(t.rows, r)
	return r
}

// Rows returns the rows in insertion order.
func (t *Table) Rows() []*Row {
	return slices.Clone(t.rows)
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// CountWhere returns the number of rows whose column holds the given integer id.
func (t *Table) CountWhere(column string, id int64) int {
	i, ok := t.index[Key(column)]
	if !ok {
		return 0
	}
	n := 0
	for _, r := range t.rows {
		if v, ok := AsInt64(r.values[i]); ok && v == id {
			n++
		}
	}
	return n
}

// Row is one record of a table.
type Row struct {
	table  *Table
	values []any
}

// Get returns the value of a column.
func (r *Row) Get(name string) (any, bool) {
	i, ok := r.table.index[Key(name)]
	if !ok {
		return nil, false
	}
	return r.values[i], true
}

// Set assigns a column value. It returns false when the table has no such column.
func (r *Row) Set(name string, v any) bool {
	i, ok := r.table.index[Key(name)]
	if !ok {
		return false
	}
	r.values[i] = v
	return true
}

// Values returns the cell values in column order.
func (r *Row) Values() []any {
	return slices.Clone(r.values)
}

// Map returns the row as column name to value.
func (r *Row) Map() map[string]any {
	m := make(map[string]any, len(r.values))
	for i, c := range r.table.columns {
		m[c.Name] = r.values[i]
	}
	return m
}

// AsInt64 converts the integer representations that end up in key columns.
func AsInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}
