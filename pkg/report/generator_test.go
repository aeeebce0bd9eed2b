package report

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap/zaptest"

	"github.com/wehubfusion/Banda/pkg/concurrency"
	"github.com/wehubfusion/Banda/pkg/config"
	bandaerrors "github.com/wehubfusion/Banda/pkg/errors"
	"github.com/wehubfusion/Banda/pkg/idgen"
	"github.com/wehubfusion/Banda/pkg/jsonnode"
	"github.com/wehubfusion/Banda/pkg/render"
	"github.com/wehubfusion/Banda/pkg/sqlsource"
	"github.com/wehubfusion/Banda/pkg/storage"
	"github.com/wehubfusion/Banda/pkg/table"
)

const nominaDoc = `{"Items":[{"Id":1,"Percepciones":[{"c":"a"}]},{"Id":2,"Deducciones":[{"c":"x"},{"c":"y"}]}]}`

func nominaConfig() *config.ReportConfig {
	return &config.ReportConfig{
		Name:               "nomina",
		DataSourceMappings: config.Mappings{{Name: "Items", Path: ""}},
		RowBalanceRules:    []config.BalanceRule{{Tables: []string{"Percepciones", "Deducciones"}}},
	}
}

type observation struct {
	report, source, status string
	stats                  Stats
}

type recordingObserver struct {
	mu  sync.Mutex
	obs []observation
}

func (r *recordingObserver) ObserveGeneration(reportName, source, status string, _ time.Duration, stats Stats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obs = append(r.obs, observation{reportName, source, status, stats})
}

func newGenerator(t *testing.T, opts Options, configs ...*config.ReportConfig) *Generator {
	t.Helper()
	registry, err := config.NewRegistry(configs...)
	require.NoError(t, err)

	opts.Registry = registry
	if opts.Renderer == nil {
		opts.Renderer = &render.JSONRenderer{Now: func() time.Time { return time.Unix(0, 0) }}
	}
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	if opts.NewRequestID == nil {
		opts.NewRequestID = func() string { return "req-1" }
	}
	g, err := NewGenerator(opts)
	require.NoError(t, err)
	return g
}

func keyValues(t *testing.T, tbl *table.Table, column string) []any {
	t.Helper()
	var out []any
	for _, r := range tbl.Rows() {
		v, ok := r.Get(column)
		require.True(t, ok, "column %s", column)
		out = append(out, v)
	}
	return out
}

func TestBuildTables_BalancesSiblingGroups(t *testing.T) {
	cfg := nominaConfig()
	g := newGenerator(t, Options{}, cfg)

	root, err := jsonnode.ParseString(nominaDoc)
	require.NoError(t, err)

	dataset, err := g.BuildTables(context.Background(), cfg, root)
	require.NoError(t, err)
	assert.Empty(t, dataset.Warnings)

	assert.Equal(t, "Items", dataset.Main.Name)
	assert.Equal(t, []any{int64(1), int64(2)}, keyValues(t, dataset.Main, "ItemsId"))

	percepciones, ok := dataset.Tables.Get("Percepciones")
	require.True(t, ok)
	deducciones, ok := dataset.Tables.Get("Deducciones")
	require.True(t, ok)

	assert.Equal(t, 1, percepciones.CountWhere("ItemsId", 1))
	assert.Equal(t, 2, percepciones.CountWhere("ItemsId", 2))
	assert.Equal(t, 1, deducciones.CountWhere("ItemsId", 1))
	assert.Equal(t, 2, deducciones.CountWhere("ItemsId", 2))

	assert.Equal(t, []any{"a", "", ""}, keyValues(t, percepciones, "c"))
	assert.Equal(t, []any{"x", "y", ""}, keyValues(t, deducciones, "c"))
	assert.Equal(t, 3, dataset.Stats.PaddedRows)
	assert.Equal(t, 3, dataset.Stats.Tables)
	assert.Equal(t, 8, dataset.Stats.Rows)
}

func TestBuildTables_UnresolvableMainSourceDegrades(t *testing.T) {
	cfg := &config.ReportConfig{
		Name:                "cfdi",
		DataSourceMappings:  config.Mappings{{Name: "Conceptos", Path: "Comprobante.Conceptos"}, {Name: "Emisor", Path: "Comprobante.Emisor"}},
		RequiredDataSources: []string{"Conceptos", "Receptor"},
	}
	g := newGenerator(t, Options{}, cfg)

	root, err := jsonnode.ParseString(`{"Comprobante": {"Emisor": {"Rfc": "AAA010101AAA"}}}`)
	require.NoError(t, err)

	dataset, err := g.BuildTables(context.Background(), cfg, root)
	require.NoError(t, err)

	assert.Equal(t, "Conceptos", dataset.Main.Name)
	assert.Zero(t, dataset.Main.Len())
	assert.Equal(t, []string{"Value"}, dataset.Main.ColumnNames())

	emisor, ok := dataset.Tables.Get("Emisor")
	require.True(t, ok)
	assert.Equal(t, []any{"AAA010101AAA"}, keyValues(t, emisor, "Rfc"))
	assert.False(t, emisor.HasColumn("ConceptosId"), "secondary sources carry no main key")

	receptor, ok := dataset.Tables.Get("Receptor")
	require.True(t, ok)
	assert.Zero(t, receptor.Len())

	require.Len(t, dataset.Warnings, 2)
	assert.Equal(t, bandaerrors.CodeDataSourceUnresolvable, dataset.Warnings[0].Code)
	assert.Contains(t, dataset.Warnings[1].Message, "Receptor")
}

func TestBuildTables_DerivedColumnsRunBeforeBalancing(t *testing.T) {
	cfg := nominaConfig()
	cfg.ColumnTypes = map[string]string{"Importe": "number"}
	cfg.DerivedColumns = []config.DerivedColumn{
		{Table: "Percepciones", Column: "Doble", Type: "number", Expression: "row.Importe * 2"},
	}
	g := newGenerator(t, Options{}, cfg)

	root, err := jsonnode.ParseString(`{"Items":[{"Percepciones":[{"Importe":10},{"Importe":2.5}],"Deducciones":[{"Importe":1}]}]}`)
	require.NoError(t, err)

	dataset, err := g.BuildTables(context.Background(), cfg, root)
	require.NoError(t, err)

	percepciones, _ := dataset.Tables.Get("Percepciones")
	assert.Equal(t, []any{20.0, 5.0}, keyValues(t, percepciones, "Doble"))
	assert.Equal(t, 2, dataset.Stats.DerivedCells)

	deducciones, _ := dataset.Tables.Get("Deducciones")
	assert.Equal(t, 2, deducciones.Len())
}

func TestBuildTables_InvalidDerivedColumn(t *testing.T) {
	cfg := nominaConfig()
	cfg.DerivedColumns = []config.DerivedColumn{{Table: "Items", Column: "X", Expression: "row.("}}
	g := newGenerator(t, Options{}, cfg)

	root, err := jsonnode.ParseString(nominaDoc)
	require.NoError(t, err)

	_, err = g.BuildTables(context.Background(), cfg, root)
	assert.ErrorIs(t, err, bandaerrors.ErrDerivedColumn)
}

func TestGenerateFromData(t *testing.T) {
	templates := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(templates, "nomina.mrt"), []byte("<report/>"), 0o644))

	observer := &recordingObserver{}
	g := newGenerator(t, Options{
		TemplatesDir: templates,
		IDs:          idgen.NewStore(),
		Observer:     observer,
		Limiter:      concurrency.NewLimiter(2, concurrency.WithFailureFilter(CountsAsFailure)),
	}, nominaConfig())

	result, err := g.GenerateFromData(context.Background(), " NOMINA ", []byte(nominaDoc))
	require.NoError(t, err)

	assert.Equal(t, "req-1", result.RequestID)
	assert.Equal(t, "nomina", result.ReportName)
	assert.Empty(t, result.ArchiveURL)
	require.NotNil(t, result.Output)
	assert.Equal(t, "json", result.Output.Extension)

	doc := gjson.ParseBytes(result.Output.Data)
	assert.Equal(t, filepath.Join(templates, "nomina.mrt"), doc.Get("template").String())
	assert.Len(t, doc.Get("tables.Deducciones.rows").Array(), 3)

	require.Len(t, observer.obs, 1)
	assert.Equal(t, observation{" NOMINA ", SourceData, "success", result.Dataset.Stats}, observer.obs[0])
}

func TestGenerateFromData_Errors(t *testing.T) {
	templates := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(templates, "nomina.mrt"), nil, 0o644))

	noTemplate := nominaConfig()
	noTemplate.Name = "sin-plantilla"

	observer := &recordingObserver{}
	g := newGenerator(t, Options{TemplatesDir: templates, Observer: observer}, nominaConfig(), noTemplate)

	tests := []struct {
		name   string
		report string
		data   string
		want   error
	}{
		{"unknown report", "missing", nominaDoc, bandaerrors.ErrConfigurationMissing},
		{"missing template", "sin-plantilla", nominaDoc, bandaerrors.ErrTemplateMissing},
		{"invalid json", "nomina", `{"Items": [`, bandaerrors.ErrInvalidDocument},
		{"scalar root", "nomina", `42`, bandaerrors.ErrInvalidDocument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.GenerateFromData(context.Background(), tt.report, []byte(tt.data))
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, bandaerrors.IsClientError(err))
			assert.False(t, CountsAsFailure(err))
		})
	}

	require.Len(t, observer.obs, len(tests))
	assert.Equal(t, bandaerrors.CodeConfigurationMissing, observer.obs[0].status)
}

func TestGenerateFromData_RenderFailure(t *testing.T) {
	boom := errors.New("engine crashed")
	g := newGenerator(t, Options{
		Renderer: render.RendererFunc(func(context.Context, render.Request) (*render.Output, error) {
			return nil, boom
		}),
	}, nominaConfig())

	_, err := g.GenerateFromData(context.Background(), "nomina", []byte(nominaDoc))
	assert.ErrorIs(t, err, bandaerrors.ErrRenderFailed)
	assert.ErrorIs(t, err, boom)
	assert.True(t, CountsAsFailure(err))
	assert.Equal(t, "RENDER_FAILED", statusOf(err))
}

type memoryBlob struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func (m *memoryBlob) Upload(_ context.Context, blobPath string, data []byte, _ string, _ map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[blobPath] = data
	return "memory://" + blobPath, nil
}

func (m *memoryBlob) Download(_ context.Context, reference string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[reference]
	if !ok {
		return nil, storage.ErrBlobNotFound
	}
	return data, nil
}

func TestGenerateFromData_Archives(t *testing.T) {
	blob := &memoryBlob{blobs: map[string][]byte{}}
	g := newGenerator(t, Options{Archiver: storage.NewArchiver(blob, nil)}, nominaConfig())

	result, err := g.GenerateFromData(context.Background(), "nomina", []byte(nominaDoc))
	require.NoError(t, err)
	assert.Equal(t, "memory://reports/nomina/req-1.json", result.ArchiveURL)
	assert.Equal(t, result.Output.Data, blob.blobs["reports/nomina/req-1.json"])
	assert.Contains(t, blob.blobs, storage.IndexPath("nomina"))
}

func TestGenerateFromFilters(t *testing.T) {
	db := sqlsource.NewStaticQuerier(map[string]sqlsource.StaticResult{
		"select * from empresas where ($1::text is null or codigo = $1)": {
			Columns: []string{"Codigo", "Nombre"},
			Rows:    [][]any{{"E1", "Uno"}, {"E2", "Dos"}},
		},
	})
	cfg := &config.ReportConfig{
		Name: "empresas",
		Queries: []config.Query{{
			Table:  "Empresas",
			SQL:    "select * from empresas where ($1::text is null or codigo = $1)",
			Params: []string{"idEmpresa"},
		}},
		DerivedColumns: []config.DerivedColumn{{Table: "DATA", Column: "Etiqueta", Expression: "row.Codigo + ' ' + row.Nombre"}},
	}
	g := newGenerator(t, Options{Queries: sqlsource.NewLoader(db, nil, nil)}, cfg)

	result, err := g.GenerateFromFilters(context.Background(), "empresas", map[string]any{"idEmpresa": "*"})
	require.NoError(t, err)

	assert.Equal(t, []string{"Empresas", "DATA"}, result.Dataset.Tables.Names())
	data, _ := result.Dataset.Tables.Get("DATA")
	assert.Same(t, result.Dataset.Main, data)
	assert.Equal(t, []any{"E1 Uno", "E2 Dos"}, keyValues(t, data, "Etiqueta"))
	assert.Equal(t, 2, result.Dataset.Stats.QueryRows)
	assert.Equal(t, []any{nil}, db.Calls()[0].Args)
}

func TestGenerateFromFilters_Errors(t *testing.T) {
	withQuery := &config.ReportConfig{Name: "q", Queries: []config.Query{{Table: "T", SQL: "select 1"}}}
	noQuery := &config.ReportConfig{Name: "plain", RequiredDataSources: []string{"Items"}}

	g := newGenerator(t, Options{}, withQuery, noQuery)

	_, err := g.GenerateFromFilters(context.Background(), "plain", nil)
	assert.ErrorIs(t, err, bandaerrors.ErrConfigurationMissing)

	_, err = g.GenerateFromFilters(context.Background(), "q", nil)
	assert.ErrorIs(t, err, bandaerrors.ErrQueryFailed)
	assert.True(t, CountsAsFailure(err))
}

func TestNewGenerator_Validation(t *testing.T) {
	_, err := NewGenerator(Options{Renderer: render.NewJSONRenderer()})
	assert.Error(t, err)

	registry, err := config.NewRegistry()
	require.NoError(t, err)
	_, err = NewGenerator(Options{Registry: registry})
	assert.Error(t, err)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, "OVERLOADED", statusOf(concurrency.ErrCircuitOpen))
	assert.Equal(t, "CANCELLED", statusOf(context.Canceled))
	assert.Equal(t, "INTERNAL", statusOf(errors.New("x")))
	assert.False(t, CountsAsFailure(context.Canceled))
	assert.False(t, CountsAsFailure(nil))
}
