package datasource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Banda/pkg/config"
	bandaerrors "github.com/wehubfusion/Banda/pkg/errors"
	"github.com/wehubfusion/Banda/pkg/jsonnode"
)

func TestSelect(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *config.ReportConfig
		want    Source
		wantErr bool
	}{
		{
			name: "first empty mapping in file order",
			cfg: &config.ReportConfig{
				DataSourceMappings:  config.Mappings{{Name: "Header", Path: "H"}, {Name: "Items", Path: ""}, {Name: "Other", Path: ""}},
				RequiredDataSources: []string{"Header"},
			},
			want: Source{TableName: "Items", Path: ""},
		},
		{
			name: "first required source with its mapped path",
			cfg: &config.ReportConfig{
				DataSourceMappings:  config.Mappings{{Name: "Lines", Path: "Invoice.Lines"}},
				RequiredDataSources: []string{"Lines", "Header"},
			},
			want: Source{TableName: "Lines", Path: "Invoice.Lines"},
		},
		{
			name: "required source without mapping uses its name as path",
			cfg:  &config.ReportConfig{RequiredDataSources: []string{"Employees"}},
			want: Source{TableName: "Employees", Path: "Employees"},
		},
		{
			name:    "no candidate",
			cfg:     &config.ReportConfig{DataSourceMappings: config.Mappings{{Name: "A", Path: "a"}}},
			wantErr: true,
		},
		{
			name:    "nil configuration",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Select(tt.cfg)
			if tt.wantErr {
				assert.ErrorIs(t, err, bandaerrors.ErrNoMainDataSource)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLocate(t *testing.T) {
	root, err := jsonnode.ParseString(`{"Invoice": {"Lines": [{"a": 1}], "Total": 5}}`)
	require.NoError(t, err)

	tests := []struct {
		name     string
		path     string
		wantCode string
	}{
		{name: "array", path: "Invoice.Lines"},
		{name: "object", path: "Invoice"},
		{name: "root", path: ""},
		{name: "missing", path: "Invoice.Taxes", wantCode: bandaerrors.CodeDataSourceUnresolvable},
		{name: "scalar", path: "Invoice.Total", wantCode: bandaerrors.CodeDataSourceUnresolvable},
		{name: "malformed", path: "Invoice..Lines", wantCode: bandaerrors.CodeMalformedPath},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Locate(root, Source{TableName: "Main", Path: tt.path})
			assert.Equal(t, "Main", res.Source.TableName)
			if tt.wantCode == "" {
				assert.False(t, res.Degraded())
				assert.Nil(t, res.Reason)
				return
			}
			assert.True(t, res.Degraded())
			require.NotNil(t, res.Reason)
			assert.Equal(t, tt.wantCode, res.Reason.Code)
		})
	}
}

func TestResolve(t *testing.T) {
	root, err := jsonnode.ParseString(`{"Items": [{"Id": 1}]}`)
	require.NoError(t, err)

	res, err := Resolve(&config.ReportConfig{RequiredDataSources: []string{"Items"}}, root)
	require.NoError(t, err)
	assert.True(t, res.Node.IsArray())

	_, err = Resolve(&config.ReportConfig{}, root)
	assert.ErrorIs(t, err, bandaerrors.ErrNoMainDataSource)
}

func TestLocate_EmptyPathUnwrapsNamedContainer(t *testing.T) {
	root, err := jsonnode.ParseString(`{"items": [{"Id": 1}, {"Id": 2}], "Total": 3}`)
	require.NoError(t, err)

	res := Locate(root, Source{TableName: "Items"})
	require.False(t, res.Degraded())
	assert.True(t, res.Node.IsArray())
	assert.Equal(t, 2, res.Node.Len())

	res = Locate(root, Source{TableName: "Header"})
	require.False(t, res.Degraded())
	assert.Same(t, root, res.Node)

	res = Locate(root, Source{TableName: "Total"})
	assert.Same(t, root, res.Node, "scalar properties are not unwrapped")
}
