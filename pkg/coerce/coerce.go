// Package coerce converts JSON scalars to the declared type of a table column.
//
// Conversion never panics and never fails the caller: a value that cannot be converted
// yields the fallback of the target type ("" for STRING, nil otherwise) with OK=false.
package coerce

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/wehubfusion/Banda/pkg/jsonnode"
	"github.com/wehubfusion/Banda/pkg/table"
)

// DateTimeLayouts are tried in order when converting strings to DATETIME.
var DateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Result is the outcome of a conversion.
type Result struct {
	Value any
	OK    bool
}

func ok(v any) Result { return Result{Value: v, OK: true} }

func fail(t table.ColumnType) Result { return Result{Value: t.Default(), OK: false} }

// To converts a node to the given column type. Null and absent values convert
// successfully to the type's fallback.
func To(n *jsonnode.Node, t table.ColumnType) Result {
	if n.IsNull() {
		return ok(t.Default())
	}
	if n.IsContainer() {
		return fail(t)
	}

	switch t {
	case table.TypeInt:
		return toInt(n)
	case table.TypeNumber:
		return toNumber(n)
	case table.TypeBoolean:
		return toBoolean(n)
	case table.TypeDateTime:
		return toDateTime(n)
	}
	return ok(n.Text())
}

func toInt(n *jsonnode.Node) Result {
	var text string
	switch n.ScalarType() {
	case jsonnode.ScalarNumber:
		text = n.Text()
	case jsonnode.ScalarString:
		text = strings.TrimSpace(n.Text())
		if text == "" {
			return ok(nil)
		}
	default:
		return fail(table.TypeInt)
	}

	if v, err := strconv.ParseInt(text, 10, 64); err == nil {
		return ok(v)
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt64 {
		return fail(table.TypeInt)
	}
	return ok(int64(f))
}

func toNumber(n *jsonnode.Node) Result {
	var text string
	switch n.ScalarType() {
	case jsonnode.ScalarNumber:
		text = n.Text()
	case jsonnode.ScalarString:
		text = strings.TrimSpace(n.Text())
		if text == "" {
			return ok(nil)
		}
	default:
		return fail(table.TypeNumber)
	}

	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return fail(table.TypeNumber)
	}
	return ok(f)
}

func toBoolean(n *jsonnode.Node) Result {
	switch n.ScalarType() {
	case jsonnode.ScalarBool:
		return ok(n.Truth())
	case jsonnode.ScalarString:
		s := strings.TrimSpace(n.Text())
		switch {
		case s == "":
			return ok(nil)
		case strings.EqualFold(s, "true"), s == "1":
			return ok(true)
		case strings.EqualFold(s, "false"), s == "0":
			return ok(false)
		}
	}
	return fail(table.TypeBoolean)
}

func toDateTime(n *jsonnode.Node) Result {
	if n.ScalarType() != jsonnode.ScalarString {
		return fail(table.TypeDateTime)
	}
	s := strings.TrimSpace(n.Text())
	if s == "" {
		return ok(nil)
	}
	for _, layout := range DateTimeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ok(ts)
		}
	}
	return fail(table.TypeDateTime)
}
