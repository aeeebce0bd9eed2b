// Package report runs the report generation pipeline: it locates the main data source
// of a document, materializes it into tables, adds derived columns, balances sibling
// tables and hands the table set to a renderer.
package report

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Banda/pkg/balance"
	"github.com/wehubfusion/Banda/pkg/concurrency"
	"github.com/wehubfusion/Banda/pkg/config"
	"github.com/wehubfusion/Banda/pkg/derive"
	bandaerrors "github.com/wehubfusion/Banda/pkg/errors"
	"github.com/wehubfusion/Banda/pkg/idgen"
	"github.com/wehubfusion/Banda/pkg/jsonnode"
	"github.com/wehubfusion/Banda/pkg/render"
	"github.com/wehubfusion/Banda/pkg/sqlsource"
	"github.com/wehubfusion/Banda/pkg/storage"
	"github.com/wehubfusion/Banda/pkg/table"
)

// DataTableName is the alias registered for the only table of a query result.
const DataTableName = "DATA"

// Source labels how a report's data was acquired.
const (
	SourceData    = "data"
	SourceFilters = "filters"
)

// Observer receives one call per finished generation. status is "success" or the error
// code of the failure.
type Observer interface {
	ObserveGeneration(reportName, source, status string, duration time.Duration, stats Stats)
}

// Options configures a Generator. Only Registry and Renderer are required.
type Options struct {
	Registry *config.Registry
	Renderer render.Renderer

	// TemplatesDir is where templates are looked up. Empty skips the existence check.
	TemplatesDir string

	IDs           *idgen.Store
	Queries       *sqlsource.Loader
	Archiver      *storage.Archiver
	Limiter       *concurrency.Limiter
	Observer      Observer
	DeriveTimeout time.Duration
	Logger        *zap.Logger
	NewRequestID  func() string
}

// Generator produces reports. It is safe for concurrent use.
type Generator struct {
	registry     *config.Registry
	renderer     render.Renderer
	templatesDir string
	ids          *idgen.Store
	queries      *sqlsource.Loader
	archiver     *storage.Archiver
	limiter      *concurrency.Limiter
	observer     Observer
	balancer     *balance.Engine
	evaluator    *derive.Evaluator
	derived      map[*config.ReportConfig]compiled
	logger       *zap.Logger
	tracer       trace.Tracer
	newRequestID func() string
}

type compiled struct {
	columns []derive.Column
	err     error
}

// NewGenerator creates a Generator and compiles the derived columns of every report.
// A report whose expressions do not compile stays registered and fails on use.
func NewGenerator(opts Options) (*Generator, error) {
	if opts.Registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if opts.Renderer == nil {
		return nil, errors.New("renderer cannot be nil")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ids := opts.IDs
	if ids == nil {
		ids = idgen.NewStore()
	}
	newID := opts.NewRequestID
	if newID == nil {
		newID = uuid.NewString
	}

	g := &Generator{
		registry:     opts.Registry,
		renderer:     opts.Renderer,
		templatesDir: opts.TemplatesDir,
		ids:          ids,
		queries:      opts.Queries,
		archiver:     opts.Archiver,
		limiter:      opts.Limiter,
		observer:     opts.Observer,
		balancer:     balance.NewEngine(ids, logger),
		evaluator:    derive.NewEvaluator(opts.DeriveTimeout, logger),
		derived:      make(map[*config.ReportConfig]compiled),
		logger:       logger,
		tracer:       otel.Tracer("banda/report"),
		newRequestID: newID,
	}

	for _, name := range opts.Registry.Names() {
		cfg, _ := opts.Registry.Get(name)
		cols, err := derive.Compile(cfg.DerivedColumns)
		if err != nil {
			logger.Warn("Derived columns do not compile, report will fail",
				zap.String("report", name),
				zap.Error(err))
		}
		g.derived[cfg] = compiled{columns: cols, err: err}
	}

	return g, nil
}

// Stats summarizes one generation.
type Stats struct {
	Tables           int
	Rows             int
	CoercionFailures int
	PaddedRows       int
	DerivedCells     int
	DerivedFailures  int
	QueryRows        int
}

// Dataset is the table set built for one report.
type Dataset struct {
	Tables *table.Set
	Main   *table.Table
	// Warnings lists the degradations met while building, such as an unresolvable
	// main data source.
	Warnings []*bandaerrors.Error
	Stats    Stats
}

// Result is a generated report.
type Result struct {
	RequestID  string
	ReportName string
	Dataset    *Dataset
	Output     *render.Output
	// ArchiveURL is set when the output was archived.
	ArchiveURL string
	Duration   time.Duration
}

// Config returns the configuration of a report.
func (g *Generator) Config(reportName string) (*config.ReportConfig, error) {
	cfg, ok := g.registry.Get(reportName)
	if !ok {
		return nil, bandaerrors.NewError(bandaerrors.CodeConfigurationMissing,
			fmt.Sprintf("no configuration for report %q", strings.TrimSpace(reportName)), nil)
	}
	return cfg, nil
}

// ReportNames lists the configured reports.
func (g *Generator) ReportNames() []string {
	return g.registry.Names()
}

// TemplatePath returns the template location of a report and checks that it exists.
func (g *Generator) TemplatePath(cfg *config.ReportConfig) (string, error) {
	if g.templatesDir == "" {
		return cfg.Template(), nil
	}
	path := filepath.Join(g.templatesDir, cfg.Template())
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", bandaerrors.NewError(bandaerrors.CodeTemplateMissing,
			fmt.Sprintf("template %s for report %s does not exist", cfg.Template(), cfg.Name), err)
	}
	return path, nil
}

// GenerateFromData builds the tables of a report from a JSON document and renders it.
func (g *Generator) GenerateFromData(ctx context.Context, reportName string, data []byte) (*Result, error) {
	return g.generate(ctx, reportName, SourceData, func(ctx context.Context, cfg *config.ReportConfig) (*Dataset, error) {
		root, err := jsonnode.Parse(data)
		if err != nil {
			return nil, bandaerrors.NewError(bandaerrors.CodeInvalidDocument, "document is not valid JSON", err)
		}
		if !root.IsContainer() {
			return nil, bandaerrors.NewError(bandaerrors.CodeInvalidDocument,
				fmt.Sprintf("document root must be an object or array, got %s", root.Kind()), nil)
		}
		return g.BuildTables(ctx, cfg, root)
	})
}

// GenerateFromFilters runs the report's queries with the given filter values and
// renders the result.
func (g *Generator) GenerateFromFilters(ctx context.Context, reportName string, filters map[string]any) (*Result, error) {
	return g.generate(ctx, reportName, SourceFilters, func(ctx context.Context, cfg *config.ReportConfig) (*Dataset, error) {
		return g.QueryTables(ctx, cfg, filters)
	})
}

type buildFunc func(ctx context.Context, cfg *config.ReportConfig) (*Dataset, error)

func (g *Generator) generate(ctx context.Context, reportName, source string, build buildFunc) (result *Result, err error) {
	start := time.Now()
	requestID := g.newRequestID()

	ctx, span := g.tracer.Start(ctx, "report.generate",
		trace.WithAttributes(
			attribute.String("report.name", reportName),
			attribute.String("report.source", source),
			attribute.String("report.request_id", requestID),
		))
	defer span.End()

	var stats Stats
	defer func() {
		status := "success"
		if err != nil {
			status = statusOf(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "report generated")
		}
		if g.observer != nil {
			g.observer.ObserveGeneration(reportName, source, status, time.Since(start), stats)
		}
	}()

	cfg, err := g.Config(reportName)
	if err != nil {
		return nil, err
	}
	templatePath, err := g.TemplatePath(cfg)
	if err != nil {
		return nil, err
	}

	result = &Result{RequestID: requestID, ReportName: cfg.Name}
	run := func(ctx context.Context) error {
		dataset, err := build(ctx, cfg)
		if err != nil {
			return err
		}
		result.Dataset = dataset
		stats = dataset.Stats

		output, err := g.render(ctx, cfg, templatePath, dataset)
		if err != nil {
			return err
		}
		result.Output = output
		return nil
	}

	if g.limiter != nil {
		err = g.limiter.Do(ctx, run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		g.logger.Warn("Report generation failed",
			zap.String("report", reportName),
			zap.String("request_id", requestID),
			zap.String("source", source),
			zap.Error(err))
		return nil, err
	}

	if g.archiver != nil {
		url, archiveErr := g.archiver.Archive(ctx, storage.Document{
			ReportName:  cfg.Name,
			RequestID:   requestID,
			Data:        result.Output.Data,
			ContentType: result.Output.ContentType,
			Extension:   result.Output.Extension,
			Tables:      stats.Tables,
			Rows:        stats.Rows,
		})
		if archiveErr != nil {
			g.logger.Warn("Failed to archive report",
				zap.String("report", cfg.Name),
				zap.String("request_id", requestID),
				zap.Error(archiveErr))
		}
		result.ArchiveURL = url
	}

	result.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("report.tables", stats.Tables),
		attribute.Int("report.rows", stats.Rows),
		attribute.Int("report.padded_rows", stats.PaddedRows),
	)
	g.logger.Info("Report generated",
		zap.String("report", cfg.Name),
		zap.String("request_id", requestID),
		zap.String("source", source),
		zap.Int("tables", stats.Tables),
		zap.Int("rows", stats.Rows),
		zap.Int("padded_rows", stats.PaddedRows),
		zap.Int("warnings", len(result.Dataset.Warnings)),
		zap.Duration("duration", result.Duration))
	return result, nil
}

func (g *Generator) render(ctx context.Context, cfg *config.ReportConfig, templatePath string, dataset *Dataset) (*render.Output, error) {
	ctx, span := g.tracer.Start(ctx, "report.render")
	defer span.End()

	output, err := g.renderer.Render(ctx, render.Request{
		ReportName:   cfg.Name,
		TemplatePath: templatePath,
		Tables:       dataset.Tables,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, bandaerrors.NewError(bandaerrors.CodeRenderFailed,
			fmt.Sprintf("rendering report %s", cfg.Name), err)
	}
	return output, nil
}

// CountsAsFailure reports whether err should count against the render circuit breaker.
// Errors caused by the request itself do not.
func CountsAsFailure(err error) bool {
	if err == nil || bandaerrors.IsClientError(err) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// statusOf labels an error for metrics.
func statusOf(err error) string {
	if code := bandaerrors.CodeOf(err); code != "" {
		return code
	}
	switch {
	case errors.Is(err, concurrency.ErrCircuitOpen):
		return "OVERLOADED"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "CANCELLED"
	}
	return "INTERNAL"
}
