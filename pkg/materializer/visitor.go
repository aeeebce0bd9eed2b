package materializer

import (
	"github.com/wehubfusion/Banda/pkg/jsonnode"
	"github.com/wehubfusion/Banda/pkg/table"
)

// visit materializes node into the table called name. mainID is the ordinal of the main
// record the node descends from and lineage the ancestor rows between them.
// A bare object and a scalar each produce exactly one row.
func (r *run) visit(node *jsonnode.Node, name string, mainID int64, lineage Lineage) {
	if node.IsArray() {
		r.visitRecords(node.Items(), name, mainID, lineage)
		return
	}
	r.visitRecords([]*jsonnode.Node{node}, name, mainID, lineage)
}

// visitRecords emits one row per element. Object elements fill data columns and are
// descended into; anything else fills the Value column.
func (r *run) visitRecords(elements []*jsonnode.Node, name string, mainID int64, lineage Lineage) {
	tbl := r.ensureTable(name)
	keys := r.keyColumns(name, lineage)
	keySet := make(map[string]bool, len(keys))
	for _, k := range keys {
		keySet[table.Key(k)] = true
	}

	for _, el := range elements {
		if !el.IsObject() {
			r.addDataColumn(tbl, ValueColumn)
			continue
		}
		for _, f := range el.Fields() {
			if !keySet[table.Key(f.Name)] {
				r.addDataColumn(tbl, f.Name)
			}
		}
	}
	r.addKeyColumns(tbl, keys)

	ownKey := table.KeyColumn(name)
	for _, el := range elements {
		rowID := r.ids.Next(name)
		row := tbl.NewRow()
		r.stats.Rows++

		for _, a := range lineage {
			row.Set(table.KeyColumn(a.Table), a.ID)
		}
		if r.mainName != "" {
			row.Set(table.KeyColumn(r.mainName), mainID)
		}
		row.Set(ownKey, rowID)

		if !el.IsObject() {
			r.setCell(tbl, row, ValueColumn, el)
			continue
		}

		r.fill(tbl, row, el, keySet)
		child := lineage.With(name, rowID)
		for _, f := range el.Fields() {
			if f.Value.IsContainer() {
				r.visit(f.Value, f.Name, mainID, child)
			}
		}
	}
}

// keyColumns lists the key columns of a derived table: main foreign key, own id, then
// one foreign key per ancestor. Names repeated along the lineage appear once.
func (r *run) keyColumns(name string, lineage Lineage) []string {
	var names []string
	seen := make(map[string]bool)
	add := func(column string) {
		k := table.Key(column)
		if seen[k] {
			return
		}
		seen[k] = true
		names = append(names, column)
	}

	if r.mainName != "" {
		add(table.KeyColumn(r.mainName))
	}
	add(table.KeyColumn(name))
	for _, a := range lineage {
		add(table.KeyColumn(a.Table))
	}
	return names
}

func (r *run) addKeyColumns(tbl *table.Table, keys []string) {
	for _, k := range keys {
		col, exists := tbl.Column(k)
		if !exists {
			tbl.AddColumn(k, table.TypeInt)
			continue
		}
		if col.Type != table.TypeInt {
			// A data column of a merged table turned into a key column.
			_ = tbl.RenameColumn(col.Name, col.Name, table.TypeInt)
		}
	}
}
