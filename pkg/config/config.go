// Package config holds the per-report configuration and the registry that loads it
// from a directory with one file per report.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/wehubfusion/Banda/pkg/table"
)

// ReportConfig describes how a JSON document is turned into the tables of one report.
type ReportConfig struct {
	// Name is the report name, taken from the file stem.
	Name string `json:"-" yaml:"-"`

	// TemplateFile is the template file name inside the templates folder.
	// Defaults to "<Name>.mrt".
	TemplateFile string `json:"templateFile" yaml:"templateFile"`

	// DataSourceMappings maps data source names to document paths, in file order.
	// An empty path marks the main data source.
	DataSourceMappings Mappings `json:"dataSourceMappings" yaml:"dataSourceMappings"`

	// RequiredDataSources lists data source names; the first one is the main source
	// when no mapping has an empty path.
	RequiredDataSources []string `json:"requiredDataSources" yaml:"requiredDataSources"`

	// RowBalanceRules are applied in order after materialization.
	RowBalanceRules []BalanceRule `json:"rowBalanceRules" yaml:"rowBalanceRules"`

	// ColumnTypes declares column types as "Table.Column" or "Column" to type name.
	ColumnTypes map[string]string `json:"columnTypes" yaml:"columnTypes"`

	// DerivedColumns are computed from other columns of the same row.
	DerivedColumns []DerivedColumn `json:"derivedColumns" yaml:"derivedColumns"`

	// Queries feed generate-from-filters requests.
	Queries []Query `json:"queries" yaml:"queries"`

	types map[string]table.ColumnType
}

// BalanceRule is a group of tables that must carry the same number of rows per main record.
type BalanceRule struct {
	Tables          []string       `json:"tables" yaml:"tables"`
	MinRowsPerTable map[string]int `json:"minRowsPerTable" yaml:"minRowsPerTable"`
}

// DerivedColumn adds a column whose value is a script expression over the row.
type DerivedColumn struct {
	Table      string `json:"table" yaml:"table"`
	Column     string `json:"column" yaml:"column"`
	Type       string `json:"type" yaml:"type"`
	Expression string `json:"expression" yaml:"expression"`
}

// Query is a SQL data source. Params name the request filters bound to $1..$n.
type Query struct {
	Table  string   `json:"table" yaml:"table"`
	SQL    string   `json:"sql" yaml:"sql"`
	Params []string `json:"params" yaml:"params"`
}

// Mapping is one data source name to path entry.
type Mapping struct {
	Name string
	Path string
}

// Mappings keeps data source mappings in file order. A repeated name keeps its first
// position and its last path.
type Mappings []Mapping

// Lookup returns the path mapped to name. Exact matches win over case-insensitive ones.
func (m Mappings) Lookup(name string) (string, bool) {
	for _, e := range m {
		if e.Name == name {
			return e.Path, true
		}
	}
	for _, e := range m {
		if strings.EqualFold(e.Name, name) {
			return e.Path, true
		}
	}
	return "", false
}

func (m Mappings) set(name, path string) Mappings {
	for i := range m {
		if m[i].Name == name {
			m[i].Path = path
			return m
		}
	}
	return append(m, Mapping{Name: name, Path: path})
}

// UnmarshalJSON decodes a JSON object keeping its key order.
func (m *Mappings) UnmarshalJSON(data []byte) error {
	r := gjson.ParseBytes(data)
	if r.Type == gjson.Null {
		*m = nil
		return nil
	}
	if !r.IsObject() {
		return errors.New("dataSourceMappings must be an object")
	}

	var (
		out Mappings
		err error
	)
	r.ForEach(func(key, value gjson.Result) bool {
		if value.Type != gjson.String && value.Type != gjson.Null {
			err = fmt.Errorf("dataSourceMappings.%s must be a string", key.String())
			return false
		}
		out = out.set(key.String(), value.String())
		return true
	})
	if err != nil {
		return err
	}
	*m = out
	return nil
}

// MarshalJSON encodes the mappings as a JSON object in order.
func (m Mappings) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, e := range m {
		if i > 0 {
			b.WriteByte(',')
		}
		name, _ := json.Marshal(e.Name)
		path, _ := json.Marshal(e.Path)
		b.Write(name)
		b.WriteByte(':')
		b.Write(path)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

// UnmarshalYAML decodes a YAML mapping keeping its key order.
func (m *Mappings) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			*m = nil
			return nil
		}
		return fmt.Errorf("line %d: dataSourceMappings must be a mapping", node.Line)
	default:
		return fmt.Errorf("line %d: dataSourceMappings must be a mapping", node.Line)
	}

	var out Mappings
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if value.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: dataSourceMappings.%s must be a string", value.Line, key.Value)
		}
		path := value.Value
		if value.Tag == "!!null" {
			path = ""
		}
		out = out.set(key.Value, path)
	}
	*m = out
	return nil
}

// Validate checks the configuration and prepares the column type index.
func (c *ReportConfig) Validate() error {
	var errs []error

	types := make(map[string]table.ColumnType, len(c.ColumnTypes))
	for key, name := range c.ColumnTypes {
		typ, err := table.ParseColumnType(name)
		if err != nil {
			errs = append(errs, fmt.Errorf("columnTypes.%s: %w", key, err))
			continue
		}
		types[table.Key(strings.TrimSpace(key))] = typ
	}

	for i, rule := range c.RowBalanceRules {
		if len(rule.Tables) == 0 {
			errs = append(errs, fmt.Errorf("rowBalanceRules[%d]: tables is empty", i))
		}
		for name, rows := range rule.MinRowsPerTable {
			if rows < 0 {
				errs = append(errs, fmt.Errorf("rowBalanceRules[%d].minRowsPerTable.%s: must not be negative", i, name))
			}
		}
	}

	for i, d := range c.DerivedColumns {
		if d.Table == "" || d.Column == "" || d.Expression == "" {
			errs = append(errs, fmt.Errorf("derivedColumns[%d]: table, column and expression are required", i))
		}
		if _, err := table.ParseColumnType(d.Type); err != nil {
			errs = append(errs, fmt.Errorf("derivedColumns[%d]: %w", i, err))
		}
	}

	for i, q := range c.Queries {
		if q.Table == "" || q.SQL == "" {
			errs = append(errs, fmt.Errorf("queries[%d]: table and sql are required", i))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	c.types = types
	return nil
}

// ColumnType returns the declared type of a column, looking up "Table.Column" first
// and then "Column". Names are case-insensitive.
func (c *ReportConfig) ColumnType(tableName, column string) (table.ColumnType, bool) {
	if c == nil || len(c.types) == 0 {
		return "", false
	}
	if t, ok := c.types[table.Key(tableName+"."+column)]; ok {
		return t, true
	}
	t, ok := c.types[table.Key(column)]
	return t, ok
}

// Template returns the template file name, defaulting to "<Name>.mrt".
func (c *ReportConfig) Template() string {
	if c.TemplateFile != "" {
		return c.TemplateFile
	}
	return c.Name + ".mrt"
}
