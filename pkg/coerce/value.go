package coerce

import (
	"fmt"
	"strconv"
	"time"

	"github.com/wehubfusion/Banda/pkg/jsonnode"
	"github.com/wehubfusion/Banda/pkg/table"
)

// FromValue converts a plain Go value, such as a database column or a script result,
// to the given column type with the same rules as To.
func FromValue(v any, t table.ColumnType) Result {
	switch x := v.(type) {
	case nil:
		return ok(t.Default())
	case time.Time:
		switch t {
		case table.TypeDateTime:
			return ok(x)
		case table.TypeString, "":
			return ok(x.Format(time.RFC3339))
		}
		return fail(t)
	}
	return To(nodeOf(v), t)
}

func nodeOf(v any) *jsonnode.Node {
	switch x := v.(type) {
	case string:
		return jsonnode.String(x)
	case []byte:
		return jsonnode.String(string(x))
	case bool:
		return jsonnode.Bool(x)
	case int:
		return jsonnode.RawNumber(strconv.FormatInt(int64(x), 10))
	case int8:
		return jsonnode.RawNumber(strconv.FormatInt(int64(x), 10))
	case int16:
		return jsonnode.RawNumber(strconv.FormatInt(int64(x), 10))
	case int32:
		return jsonnode.RawNumber(strconv.FormatInt(int64(x), 10))
	case int64:
		return jsonnode.RawNumber(strconv.FormatInt(x, 10))
	case uint8:
		return jsonnode.RawNumber(strconv.FormatUint(uint64(x), 10))
	case uint16:
		return jsonnode.RawNumber(strconv.FormatUint(uint64(x), 10))
	case uint32:
		return jsonnode.RawNumber(strconv.FormatUint(uint64(x), 10))
	case uint64:
		return jsonnode.RawNumber(strconv.FormatUint(x, 10))
	case float32:
		return jsonnode.RawNumber(strconv.FormatFloat(float64(x), 'f', -1, 32))
	case float64:
		return jsonnode.Number(x)
	case map[string]any:
		return jsonnode.Object()
	case []any:
		return jsonnode.Array()
	case fmt.Stringer:
		return jsonnode.String(x.String())
	}
	return jsonnode.String(fmt.Sprint(v))
}

// InferType picks a column type for a plain Go value. Used for tables whose columns
// are not declared, such as query results.
func InferType(v any) table.ColumnType {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint8, uint16, uint32, uint64:
		return table.TypeInt
	case float32, float64:
		return table.TypeNumber
	case bool:
		return table.TypeBoolean
	case time.Time:
		return table.TypeDateTime
	}
	return table.TypeString
}
