package report

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/wehubfusion/Banda/pkg/balance"
	"github.com/wehubfusion/Banda/pkg/config"
	"github.com/wehubfusion/Banda/pkg/datasource"
	"github.com/wehubfusion/Banda/pkg/derive"
	bandaerrors "github.com/wehubfusion/Banda/pkg/errors"
	"github.com/wehubfusion/Banda/pkg/jsonnode"
	"github.com/wehubfusion/Banda/pkg/materializer"
	"github.com/wehubfusion/Banda/pkg/pathutil"
	"github.com/wehubfusion/Banda/pkg/table"
)

// BuildTables turns a document into the report's table set. Only a configuration
// without a main data source candidate and a failing derived column evaluation are
// errors; unresolvable sources degrade to empty placeholder tables and are listed in
// Dataset.Warnings.
func (g *Generator) BuildTables(ctx context.Context, cfg *config.ReportConfig, root *jsonnode.Node) (*Dataset, error) {
	ctx, span := g.tracer.Start(ctx, "report.build_tables")
	defer span.End()

	res, err := datasource.Resolve(cfg, root)
	if err != nil {
		return nil, err
	}

	m := materializer.New(g.ids,
		materializer.WithColumnTypes(cfg),
		materializer.WithLogger(g.logger))

	dataset := &Dataset{}
	var mat *materializer.Result
	if res.Degraded() {
		g.logger.Warn("Main data source unavailable, using placeholder table",
			zap.String("report", cfg.Name),
			zap.String("table", res.Source.TableName),
			zap.String("path", res.Source.Path),
			zap.String("code", res.Reason.Code),
			zap.Error(res.Reason))
		dataset.Warnings = append(dataset.Warnings, res.Reason)
		mat = materializer.Placeholder(res.Source.TableName)
	} else {
		mat = m.Materialize(res.Node, res.Source.TableName)
	}

	warned := make(map[string]bool)
	if res.Degraded() {
		warned[table.Key(res.Source.TableName)] = true
	}
	dataset.Warnings = append(dataset.Warnings, g.addSecondarySources(cfg, m, mat, root, res.Source.TableName, warned)...)
	dataset.Warnings = append(dataset.Warnings, g.addMissingRequired(cfg, mat, warned)...)

	dataset.Tables = mat.Set
	dataset.Main = mat.Main
	dataset.Stats.CoercionFailures = mat.Stats.CoercionFailures

	if err := g.finish(ctx, cfg, dataset); err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.String("report.main_table", res.Source.TableName),
		attribute.Int("report.main_rows", mat.Main.Len()),
		attribute.Int("report.warnings", len(dataset.Warnings)),
	)
	return dataset, nil
}

// addSecondarySources materializes every mapped source other than the main one as its
// own table tree.
func (g *Generator) addSecondarySources(cfg *config.ReportConfig, m *materializer.Materializer, mat *materializer.Result, root *jsonnode.Node, mainName string, warned map[string]bool) []*bandaerrors.Error {
	var warnings []*bandaerrors.Error
	for _, mapping := range cfg.DataSourceMappings {
		if mapping.Path == "" || strings.EqualFold(mapping.Name, mainName) {
			continue
		}
		if _, exists := mat.Set.Get(mapping.Name); exists {
			continue
		}

		node, err := pathutil.Resolve(root, mapping.Path)
		if err == nil && !node.IsContainer() {
			err = fmt.Errorf("%w: %q holds a scalar", pathutil.ErrPathNotFound, mapping.Path)
		}
		if err != nil {
			code := bandaerrors.CodeDataSourceUnresolvable
			if errors.Is(err, pathutil.ErrMalformedPath) {
				code = bandaerrors.CodeMalformedPath
			}
			g.logger.Debug("Mapped data source not found",
				zap.String("report", cfg.Name),
				zap.String("table", mapping.Name),
				zap.String("path", mapping.Path),
				zap.Error(err))
			if isRequired(cfg, mapping.Name) || code == bandaerrors.CodeMalformedPath {
				warnings = append(warnings, bandaerrors.NewError(code,
					fmt.Sprintf("data source %s not found at %q", mapping.Name, mapping.Path), err))
				warned[table.Key(mapping.Name)] = true
			}
			continue
		}

		m.AddSource(mat, node, mapping.Name)
	}
	return warnings
}

// addMissingRequired registers an empty placeholder for every required data source the
// document did not provide, so template bindings still resolve.
func (g *Generator) addMissingRequired(cfg *config.ReportConfig, mat *materializer.Result, warned map[string]bool) []*bandaerrors.Error {
	var warnings []*bandaerrors.Error
	for _, name := range cfg.RequiredDataSources {
		if name == "" {
			continue
		}
		if _, exists := mat.Set.Get(name); exists {
			continue
		}
		tbl, _ := mat.Set.Ensure(name)
		tbl.AddColumn(materializer.ValueColumn, table.TypeString)
		mat.Stats.Tables++
		if !warned[table.Key(name)] {
			warnings = append(warnings, bandaerrors.NewError(bandaerrors.CodeDataSourceUnresolvable,
				fmt.Sprintf("required data source %s is missing from the document", name), nil))
			warned[table.Key(name)] = true
		}
	}
	return warnings
}

func isRequired(cfg *config.ReportConfig, name string) bool {
	for _, r := range cfg.RequiredDataSources {
		if strings.EqualFold(r, name) {
			return true
		}
	}
	return false
}

// QueryTables runs the report's SQL queries. When they produce a single table it is
// also registered as DATA.
func (g *Generator) QueryTables(ctx context.Context, cfg *config.ReportConfig, filters map[string]any) (*Dataset, error) {
	ctx, span := g.tracer.Start(ctx, "report.query_tables")
	defer span.End()

	if len(cfg.Queries) == 0 {
		return nil, bandaerrors.NewError(bandaerrors.CodeConfigurationMissing,
			fmt.Sprintf("report %s defines no queries", cfg.Name), nil)
	}
	if g.queries == nil {
		return nil, bandaerrors.NewError(bandaerrors.CodeQueryFailed, "no database configured", nil)
	}

	set := table.NewSet()
	stats, err := g.queries.Load(ctx, cfg.Queries, filters, cfg, set)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	main, _ := set.Get(cfg.Queries[0].Table)
	if set.Len() == 1 && !strings.EqualFold(main.Name, DataTableName) {
		set.Put(DataTableName, main)
	}

	dataset := &Dataset{Tables: set, Main: main}
	dataset.Stats.QueryRows = stats.Rows
	dataset.Stats.CoercionFailures = stats.CoercionFailures

	if err := g.finish(ctx, cfg, dataset); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("report.query_rows", stats.Rows))
	return dataset, nil
}

// finish applies derived columns, then balance rules, and fills the table statistics.
func (g *Generator) finish(ctx context.Context, cfg *config.ReportConfig, dataset *Dataset) error {
	derived := g.compiledFor(cfg)
	if derived.err != nil {
		return bandaerrors.NewError(bandaerrors.CodeDerivedColumn,
			fmt.Sprintf("report %s has invalid derived columns", cfg.Name), derived.err)
	}
	dstats, err := g.evaluator.Apply(ctx, derived.columns, dataset.Tables)
	if err != nil {
		return err
	}
	dataset.Stats.DerivedCells = dstats.Evaluated
	dataset.Stats.DerivedFailures = dstats.Failed

	padded := g.balancer.Balance(balanceRules(cfg), dataset.Tables, dataset.Main)
	dataset.Stats.PaddedRows = padded.Total()

	dataset.Stats.Tables = dataset.Tables.Len()
	dataset.Stats.Rows = dataset.Tables.RowCount()
	return nil
}

func (g *Generator) compiledFor(cfg *config.ReportConfig) compiled {
	if c, ok := g.derived[cfg]; ok {
		return c
	}
	// Configurations outside the registry, e.g. passed straight to BuildTables.
	cols, err := derive.Compile(cfg.DerivedColumns)
	return compiled{columns: cols, err: err}
}

func balanceRules(cfg *config.ReportConfig) []balance.Rule {
	rules := make([]balance.Rule, 0, len(cfg.RowBalanceRules))
	for _, r := range cfg.RowBalanceRules {
		rules = append(rules, balance.Rule{Tables: r.Tables, MinRowsPerTable: r.MinRowsPerTable})
	}
	return rules
}
