// Package render defines the boundary to the report rendering engine and ships a
// dataset exporter that writes the registered tables as JSON.
package render

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/sjson"

	"github.com/wehubfusion/Banda/pkg/table"
)

// Request is everything a renderer needs to produce one report.
type Request struct {
	ReportName   string
	TemplatePath string
	Tables       *table.Set
}

// Output is a rendered document.
type Output struct {
	Data        []byte
	ContentType string
	Extension   string
}

// Renderer turns a template and a table set into a document. Implementations bind
// template fields to tables and columns by name.
type Renderer interface {
	Render(ctx context.Context, req Request) (*Output, error)
}

// RendererFunc adapts a function to the Renderer interface.
type RendererFunc func(ctx context.Context, req Request) (*Output, error)

// Render calls f.
func (f RendererFunc) Render(ctx context.Context, req Request) (*Output, error) {
	return f(ctx, req)
}

// JSONRenderer writes the table set as a JSON dataset, keeping table registration order
// and column order:
//
//	{"report": "...", "template": "...", "tables": {"Items": {"columns": [...], "rows": [...]}}}
type JSONRenderer struct {
	// Now stamps the generatedAt field. Defaults to time.Now.
	Now func() time.Time
}

// NewJSONRenderer creates a JSONRenderer.
func NewJSONRenderer() *JSONRenderer {
	return &JSONRenderer{Now: time.Now}
}

// Render implements Renderer.
func (r *JSONRenderer) Render(ctx context.Context, req Request) (*Output, error) {
	if req.Tables == nil {
		return nil, fmt.Errorf("no tables to render")
	}

	now := time.Now
	if r.Now != nil {
		now = r.Now
	}

	out := `{}`
	var err error
	if out, err = sjson.Set(out, "report", req.ReportName); err != nil {
		return nil, err
	}
	if out, err = sjson.Set(out, "template", req.TemplatePath); err != nil {
		return nil, err
	}
	if out, err = sjson.Set(out, "generatedAt", now().UTC().Format(time.RFC3339)); err != nil {
		return nil, err
	}
	if out, err = sjson.SetRaw(out, "tables", `{}`); err != nil {
		return nil, err
	}

	for _, name := range req.Tables.Names() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tbl, _ := req.Tables.Get(name)
		raw, err := encodeTable(tbl)
		if err != nil {
			return nil, fmt.Errorf("encode table %s: %w", name, err)
		}
		if out, err = sjson.SetRaw(out, "tables."+escapePath(name), raw); err != nil {
			return nil, fmt.Errorf("encode table %s: %w", name, err)
		}
	}

	return &Output{
		Data:        []byte(out),
		ContentType: "application/json",
		Extension:   "json",
	}, nil
}

func encodeTable(tbl *table.Table) (string, error) {
	var err error
	columns := `[]`
	for _, c := range tbl.Columns() {
		if c.Name == "" {
			continue
		}
		col := `{}`
		if col, err = sjson.Set(col, "name", c.Name); err != nil {
			return "", err
		}
		if col, err = sjson.Set(col, "type", string(c.Type)); err != nil {
			return "", err
		}
		if columns, err = sjson.SetRaw(columns, "-1", col); err != nil {
			return "", err
		}
	}

	names := tbl.ColumnNames()
	var rows strings.Builder
	rows.WriteByte('[')
	for i, r := range tbl.Rows() {
		if i > 0 {
			rows.WriteByte(',')
		}
		row := `{}`
		for j, v := range r.Values() {
			if names[j] == "" {
				continue
			}
			if row, err = sjson.Set(row, escapePath(names[j]), v); err != nil {
				return "", err
			}
		}
		rows.WriteString(row)
	}
	rows.WriteByte(']')

	obj := `{}`
	if obj, err = sjson.SetRaw(obj, "columns", columns); err != nil {
		return "", err
	}
	if obj, err = sjson.SetRaw(obj, "rows", rows.String()); err != nil {
		return "", err
	}
	return obj, nil
}

// escapePath escapes the characters sjson treats as path syntax. Numeric keys are
// forced to be object keys.
func escapePath(key string) string {
	var b strings.Builder
	if isDigits(key) {
		b.WriteByte(':')
	}
	for _, r := range key {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\', ':', '!', '=', '<', '>', '%':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
