package coerce

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wehubfusion/Banda/pkg/table"
)

type code string

func (c code) String() string { return "code:" + string(c) }

func TestFromValue(t *testing.T) {
	when := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name   string
		value  any
		typ    table.ColumnType
		want   any
		wantOK bool
	}{
		{"nil string", nil, table.TypeString, "", true},
		{"nil int", nil, table.TypeInt, nil, true},
		{"int32 to int", int32(12), table.TypeInt, int64(12), true},
		{"int64 to string", int64(-4), table.TypeString, "-4", true},
		{"uint8 to number", uint8(7), table.TypeNumber, float64(7), true},
		{"float to number", 2.5, table.TypeNumber, 2.5, true},
		{"float32 to string", float32(0.5), table.TypeString, "0.5", true},
		{"bytes to string", []byte("raw"), table.TypeString, "raw", true},
		{"bool to bool", true, table.TypeBoolean, true, true},
		{"time to datetime", when, table.TypeDateTime, when, true},
		{"time to string", when, table.TypeString, "2025-01-02T03:04:05Z", true},
		{"time to int fails", when, table.TypeInt, nil, false},
		{"stringer", code("x"), table.TypeString, "code:x", true},
		{"map fails", map[string]any{"a": 1}, table.TypeString, "", false},
		{"slice fails", []any{1}, table.TypeInt, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromValue(tt.value, tt.typ)
			assert.Equal(t, tt.wantOK, got.OK)
			assert.Equal(t, tt.want, got.Value)
		})
	}
}

func TestInferType(t *testing.T) {
	assert.Equal(t, table.TypeInt, InferType(int32(1)))
	assert.Equal(t, table.TypeNumber, InferType(1.5))
	assert.Equal(t, table.TypeBoolean, InferType(false))
	assert.Equal(t, table.TypeDateTime, InferType(time.Now()))
	assert.Equal(t, table.TypeString, InferType("x"))
	assert.Equal(t, table.TypeString, InferType(nil))
}
