package coerce

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wehubfusion/Banda/pkg/jsonnode"
	"github.com/wehubfusion/Banda/pkg/table"
)

func TestTo(t *testing.T) {
	tests := []struct {
		name   string
		node   *jsonnode.Node
		typ    table.ColumnType
		want   any
		wantOK bool
	}{
		{"string as is", jsonnode.String("abc"), table.TypeString, "abc", true},
		{"number keeps raw text", jsonnode.RawNumber("10.50"), table.TypeString, "10.50", true},
		{"bool to string", jsonnode.Bool(true), table.TypeString, "true", true},
		{"null to string", jsonnode.Null(), table.TypeString, "", true},
		{"absent to string", nil, table.TypeString, "", true},
		{"object to string fails", jsonnode.Object(), table.TypeString, "", false},

		{"int from number", jsonnode.RawNumber("42"), table.TypeInt, int64(42), true},
		{"int from integral float", jsonnode.RawNumber("3.0"), table.TypeInt, int64(3), true},
		{"int from exponent", jsonnode.RawNumber("1e3"), table.TypeInt, int64(1000), true},
		{"int from string", jsonnode.String(" 7 "), table.TypeInt, int64(7), true},
		{"int from fraction fails", jsonnode.RawNumber("3.5"), table.TypeInt, nil, false},
		{"int from text fails", jsonnode.String("seven"), table.TypeInt, nil, false},
		{"int from bool fails", jsonnode.Bool(true), table.TypeInt, nil, false},
		{"int from empty string", jsonnode.String(""), table.TypeInt, nil, true},
		{"int from null", jsonnode.Null(), table.TypeInt, nil, true},

		{"number from number", jsonnode.RawNumber("2.25"), table.TypeNumber, 2.25, true},
		{"number from string", jsonnode.String("-1.5"), table.TypeNumber, -1.5, true},
		{"number from text fails", jsonnode.String("x"), table.TypeNumber, nil, false},
		{"number from array fails", jsonnode.Array(), table.TypeNumber, nil, false},

		{"bool from bool", jsonnode.Bool(false), table.TypeBoolean, false, true},
		{"bool from TRUE", jsonnode.String("TRUE"), table.TypeBoolean, true, true},
		{"bool from 0", jsonnode.String("0"), table.TypeBoolean, false, true},
		{"bool from yes fails", jsonnode.String("yes"), table.TypeBoolean, nil, false},
		{"bool from number fails", jsonnode.RawNumber("1"), table.TypeBoolean, nil, false},

		{"date only", jsonnode.String("2024-03-01"), table.TypeDateTime, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), true},
		{"local datetime", jsonnode.String("2024-03-01T10:20:30"), table.TypeDateTime, time.Date(2024, 3, 1, 10, 20, 30, 0, time.UTC), true},
		{"datetime garbage fails", jsonnode.String("yesterday"), table.TypeDateTime, nil, false},
		{"datetime from number fails", jsonnode.RawNumber("20240301"), table.TypeDateTime, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := To(tt.node, tt.typ)
			assert.Equal(t, tt.wantOK, got.OK)
			assert.Equal(t, tt.want, got.Value)
		})
	}
}

func TestTo_RFC3339KeepsOffset(t *testing.T) {
	got := To(jsonnode.String("2024-03-01T10:00:00-06:00"), table.TypeDateTime)
	assert.True(t, got.OK)

	ts, isTime := got.Value.(time.Time)
	assert.True(t, isTime)
	assert.True(t, ts.Equal(time.Date(2024, 3, 1, 16, 0, 0, 0, time.UTC)))
}
