package materializer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/wehubfusion/Banda/pkg/idgen"
	"github.com/wehubfusion/Banda/pkg/jsonnode"
	"github.com/wehubfusion/Banda/pkg/table"
)

type typeMap map[string]table.ColumnType

func (m typeMap) ColumnType(tableName, column string) (table.ColumnType, bool) {
	if t, ok := m[tableName+"."+column]; ok {
		return t, true
	}
	t, ok := m[column]
	return t, ok
}

func parse(t *testing.T, s string) *jsonnode.Node {
	t.Helper()
	n, err := jsonnode.ParseString(s)
	require.NoError(t, err)
	return n
}

func column(t *testing.T, tbl *table.Table, name string) []any {
	t.Helper()
	require.True(t, tbl.HasColumn(name), "table %s has no column %s", tbl.Name, name)
	var out []any
	for _, r := range tbl.Rows() {
		v, _ := r.Get(name)
		out = append(out, v)
	}
	return out
}

func getTable(t *testing.T, res *Result, name string) *table.Table {
	t.Helper()
	tbl, ok := res.Set.Get(name)
	require.True(t, ok, "table %s missing", name)
	return tbl
}

func TestMaterialize_MainTableKeysAreOrdinals(t *testing.T) {
	m := New(idgen.NewStore(), WithLogger(zaptest.NewLogger(t)))
	res := m.Materialize(parse(t, `[
		{"Name": "a", "Id": 40},
		{"Name": "b", "Extra": "x"},
		{"Id": 7, "Name": "c"}
	]`), "Items")

	main := res.Main
	assert.Same(t, getTable(t, res, "items"), main)
	assert.Equal(t, []string{"Name", "ItemsId", "Extra"}, main.ColumnNames(), "Id is renamed in place")
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, column(t, main, "ItemsId"))
	assert.Equal(t, []any{"a", "b", "c"}, column(t, main, "Name"))
	assert.Equal(t, []any{"", "x", ""}, column(t, main, "Extra"), "missing values default to empty string")

	col, _ := main.Column("ItemsId")
	assert.Equal(t, table.TypeInt, col.Type)
}

func TestMaterialize_MainKeyAppendedWithoutId(t *testing.T) {
	res := New(nil).Materialize(parse(t, `[{"a": 1}, {"b": true}]`), "Rows")
	assert.Equal(t, []string{"a", "b", "RowsId"}, res.Main.ColumnNames())
	assert.Equal(t, []any{"1", ""}, column(t, res.Main, "a"))
	assert.Equal(t, []any{"", "true"}, column(t, res.Main, "b"))
}

func TestMaterialize_NRecordsNRows(t *testing.T) {
	for _, n := range []int{0, 1, 5, 25} {
		items := make([]*jsonnode.Node, n)
		want := make([]any, n)
		for i := range items {
			items[i] = jsonnode.Object(jsonnode.F("v", jsonnode.Number(float64(i))))
			want[i] = int64(i + 1)
		}

		res := New(idgen.NewStore()).Materialize(jsonnode.Array(items...), "Main")
		assert.Equal(t, n, res.Main.Len())
		if n > 0 {
			assert.Equal(t, want, column(t, res.Main, "MainId"))
		}
	}
}

func TestMaterialize_BareObjectIsOneRecord(t *testing.T) {
	res := New(idgen.NewStore()).Materialize(parse(t, `{"Folio": "A1", "Lines": [{"q": 1}]}`), "Invoice")
	assert.Equal(t, 1, res.Main.Len())
	assert.Equal(t, []any{"A1"}, column(t, res.Main, "Folio"))
	assert.Equal(t, []any{""}, column(t, res.Main, "Lines"), "container properties leave the main cell at its default")

	lines := getTable(t, res, "Lines")
	assert.Equal(t, []any{int64(1)}, column(t, lines, "InvoiceId"))
}

func TestMaterialize_NonObjectMainElementsSkipped(t *testing.T) {
	res := New(idgen.NewStore()).Materialize(parse(t, `[1, {"a": "x"}, "s", null, {"a": "y"}]`), "M")
	assert.Equal(t, []any{int64(1), int64(2)}, column(t, res.Main, "MId"))
	assert.Equal(t, []any{"x", "y"}, column(t, res.Main, "a"))
}

func TestMaterialize_NestedLineage(t *testing.T) {
	store := idgen.NewStore()
	res := New(store).Materialize(parse(t, `[
		{"Folio": "A", "Lines": [
			{"Sku": "s1", "Taxes": [{"Rate": "0.16"}, {"Rate": "0.08"}]},
			{"Sku": "s2", "Taxes": [{"Rate": "0"}]}
		]},
		{"Folio": "B", "Lines": [{"Sku": "s3", "Taxes": {"Rate": "0.16"}}]}
	]`), "Invoices")

	lines := getTable(t, res, "Lines")
	assert.Equal(t, []string{"Sku", "Taxes", "InvoicesId", "LinesId"}, lines.ColumnNames())
	assert.Equal(t, []any{int64(1), int64(1), int64(2)}, column(t, lines, "InvoicesId"))
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, column(t, lines, "LinesId"))

	taxes := getTable(t, res, "Taxes")
	assert.Equal(t, []string{"Rate", "InvoicesId", "TaxesId", "LinesId"}, taxes.ColumnNames())
	assert.Equal(t, []any{int64(1), int64(1), int64(1), int64(2)}, column(t, taxes, "InvoicesId"))
	assert.Equal(t, []any{int64(1), int64(1), int64(2), int64(3)}, column(t, taxes, "LinesId"))
	assert.Equal(t, []any{int64(1), int64(2), int64(3), int64(4)}, column(t, taxes, "TaxesId"))
	assert.Equal(t, []any{"0.16", "0.08", "0", "0.16"}, column(t, taxes, "Rate"))

	assert.Equal(t, 3, res.Stats.Tables)
	assert.Equal(t, 2+3+4, res.Stats.Rows)
}

func TestMaterialize_IdsPersistAcrossCalls(t *testing.T) {
	store := idgen.NewStore()
	m := New(store)
	doc := `[{"Lines": [{"a": 1}, {"a": 2}]}]`

	first := m.Materialize(parse(t, doc), "Main")
	second := m.Materialize(parse(t, doc), "Main")

	assert.Equal(t, []any{int64(1), int64(2)}, column(t, getTable(t, first, "Lines"), "LinesId"))
	assert.Equal(t, []any{int64(3), int64(4)}, column(t, getTable(t, second, "Lines"), "LinesId"))
	assert.Equal(t, []any{int64(1)}, column(t, second.Main, "MainId"), "main keys restart per call")
}

func TestMaterialize_ScalarArrayElementsUseValueColumn(t *testing.T) {
	res := New(idgen.NewStore()).Materialize(parse(t, `[{"Tags": ["x", 2, null, {"Name": "obj"}]}]`), "Main")

	tags := getTable(t, res, "Tags")
	assert.Equal(t, []string{"Value", "Name", "MainId", "TagsId"}, tags.ColumnNames())
	assert.Equal(t, []any{"x", "2", "", ""}, column(t, tags, "Value"))
	assert.Equal(t, []any{"", "", "", "obj"}, column(t, tags, "Name"))
}

func TestMaterialize_SameNameMerges(t *testing.T) {
	res := New(idgen.NewStore()).Materialize(parse(t, `[
		{"Address": {"Street": "Main"}},
		{"Contact": {"Address": {"City": "GDL"}}}
	]`), "People")

	addr := getTable(t, res, "Address")
	assert.Equal(t, []string{"Street", "PeopleId", "AddressId", "City", "ContactId"}, addr.ColumnNames())
	assert.Equal(t, []any{"Main", ""}, column(t, addr, "Street"))
	assert.Equal(t, []any{"", "GDL"}, column(t, addr, "City"))
	assert.Equal(t, []any{nil, int64(1)}, column(t, addr, "ContactId"), "rows from the shallower location have no ancestor key")
}

func TestMaterialize_NestedMainNameMergesAfterMainRecords(t *testing.T) {
	store := idgen.NewStore()
	m := New(store)
	doc := `[{"a": "1", "Items": [{"x": "n"}]}, {"a": "2"}]`

	res := m.Materialize(parse(t, doc), "Items")
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, column(t, res.Main, "ItemsId"))
	assert.Equal(t, []any{"1", "2", ""}, column(t, res.Main, "a"))
	assert.Equal(t, []any{"", "", "n"}, column(t, res.Main, "x"))

	again := m.Materialize(parse(t, doc), "Items")
	assert.Equal(t, []any{int64(1), int64(2), int64(4)}, column(t, again.Main, "ItemsId"))
}

func TestMaterialize_RecursiveSameNameKeepsOwnId(t *testing.T) {
	res := New(idgen.NewStore()).Materialize(parse(t, `[
		{"children": [{"n": "a", "children": [{"n": "b"}]}]}
	]`), "Tree")

	children := getTable(t, res, "children")
	assert.Equal(t, []any{"a", "b"}, column(t, children, "n"))
	assert.Equal(t, []any{int64(1), int64(1)}, column(t, children, "TreeId"))
	// The parent link and the own id share one column; the own id wins.
	assert.Equal(t, []any{int64(1), int64(2)}, column(t, children, "childrenId"))
}

func TestMaterialize_KeyColumnCollisionsIgnored(t *testing.T) {
	res := New(idgen.NewStore()).Materialize(parse(t, `[
		{"Id": 99, "ItemsId": 50, "Lines": [{"ItemsId": 77, "LinesId": 88, "Id": "kept"}]}
	]`), "Items")

	assert.Equal(t, []any{int64(1)}, column(t, res.Main, "ItemsId"))
	assert.Equal(t, []any{"99"}, column(t, res.Main, "Id"), "Id stays data when the key column already exists")

	lines := getTable(t, res, "Lines")
	assert.Equal(t, []any{int64(1)}, column(t, lines, "ItemsId"))
	assert.Equal(t, []any{int64(1)}, column(t, lines, "LinesId"))
	assert.Equal(t, []any{"kept"}, column(t, lines, "Id"))
}

func TestMaterialize_DeclaredColumnTypes(t *testing.T) {
	types := typeMap{
		"Lines.Qty": table.TypeInt,
		"Price":     table.TypeNumber,
		"Paid":      table.TypeBoolean,
	}
	res := New(idgen.NewStore(), WithColumnTypes(types)).Materialize(parse(t, `[
		{"Paid": "true", "Lines": [{"Qty": "3", "Price": 9.5}, {"Qty": "many", "Price": "1.25"}]}
	]`), "Orders")

	assert.Equal(t, []any{true}, column(t, res.Main, "Paid"))

	lines := getTable(t, res, "Lines")
	assert.Equal(t, []any{int64(3), nil}, column(t, lines, "Qty"))
	assert.Equal(t, []any{9.5, 1.25}, column(t, lines, "Price"))
	assert.Equal(t, 1, res.Stats.CoercionFailures)
}

func TestVisit_ScalarReachedDirectly(t *testing.T) {
	m := New(idgen.NewStore())
	r := m.newRun("Main")
	r.visit(jsonnode.String("hello"), "Note", 3, Lineage{}.With("Parent", 9))

	note, ok := r.set.Get("Note")
	require.True(t, ok)
	assert.Equal(t, []string{"Value", "MainId", "NoteId", "ParentId"}, note.ColumnNames())
	assert.Equal(t, []any{"hello"}, column(t, note, "Value"))
	assert.Equal(t, []any{int64(3)}, column(t, note, "MainId"))
	assert.Equal(t, []any{int64(9)}, column(t, note, "ParentId"))
}

func TestLineage_WithDoesNotAlias(t *testing.T) {
	base := Lineage{}.With("A", 1)
	left := base.With("B", 2)
	right := base.With("C", 3)

	assert.Equal(t, Lineage{{"A", 1}}, base)
	assert.Equal(t, Lineage{{"A", 1}, {"B", 2}}, left)
	assert.Equal(t, Lineage{{"A", 1}, {"C", 3}}, right)
}

func TestPlaceholder(t *testing.T) {
	res := Placeholder("Items")
	assert.Equal(t, []string{"Value"}, res.Main.ColumnNames())
	assert.Equal(t, 0, res.Main.Len())
	assert.Equal(t, []string{"Items"}, res.Set.Names())
}

func TestAddSource(t *testing.T) {
	m := New(idgen.NewStore())
	res := m.Materialize(parse(t, `[{"a": "1"}]`), "Items")

	header := parse(t, `{"Rfc": "XAXX010101000", "Address": {"City": "GDL"}}`)
	assert.True(t, m.AddSource(res, header, "Emisor"))
	assert.False(t, m.AddSource(res, header, "items"), "existing tables are not overwritten")
	assert.False(t, m.AddSource(res, jsonnode.String("x"), "Scalar"))

	emisor := getTable(t, res, "Emisor")
	assert.Equal(t, []string{"Rfc", "Address", "EmisorId"}, emisor.ColumnNames())

	addr := getTable(t, res, "Address")
	assert.Equal(t, []string{"City", "AddressId", "EmisorId"}, addr.ColumnNames())
	assert.Equal(t, 3, res.Stats.Tables)
}
