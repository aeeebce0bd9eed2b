// Package httpapi serves report generation over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/wehubfusion/Banda/pkg/report"
	"github.com/wehubfusion/Banda/pkg/storage"
)

// Generator produces reports.
type Generator interface {
	GenerateFromData(ctx context.Context, reportName string, data []byte) (*report.Result, error)
	GenerateFromFilters(ctx context.Context, reportName string, filters map[string]any) (*report.Result, error)
	ReportNames() []string
}

// Options configures a Server. Only Generator is required.
type Options struct {
	Generator Generator

	// Archiver serves archive history. Nil disables those routes.
	Archiver *storage.Archiver
	// Level is exposed at /api/logging/level. Nil disables the route.
	Level *zap.AtomicLevel
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler

	TemplatesDir string
	ConfigsDir   string
	Version      string
	// Checks run after the templates and configs folder checks.
	Checks []Check

	// Environment and Settings are reported by /api/env-info. Settings must already
	// have secrets masked.
	Environment string
	Settings    map[string]string
	// LogsDir is the folder of the daily log files. Empty disables /api/logs.
	LogsDir string

	MaxBodyBytes int64
	Logger       *zap.Logger
}

// Server is the HTTP surface of the report service.
type Server struct {
	generator    Generator
	archiver     *storage.Archiver
	level        *zap.AtomicLevel
	metrics      http.Handler
	checks       []Check
	templatesDir string
	version      string
	environment  string
	settings     map[string]string
	logsDir      string
	startedAt    time.Time
	maxBody      int64
	logger       *zap.Logger
	router       *chi.Mux

	mu     sync.Mutex
	server *http.Server
}

const defaultMaxBodyBytes = 32 << 20

// NewServer creates a Server with its routes.
func NewServer(opts Options) (*Server, error) {
	if opts.Generator == nil {
		return nil, errors.New("generator cannot be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	s := &Server{
		generator:    opts.Generator,
		archiver:     opts.Archiver,
		level:        opts.Level,
		metrics:      opts.Metrics,
		checks:       append([]Check{TemplatesCheck(opts.TemplatesDir), ConfigsCheck(opts.ConfigsDir)}, opts.Checks...),
		templatesDir: opts.TemplatesDir,
		version:      opts.Version,
		environment:  opts.Environment,
		settings:     opts.Settings,
		logsDir:      opts.LogsDir,
		startedAt:    time.Now(),
		maxBody:      maxBody,
		logger:       logger,
		router:       chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.logger))
	s.router.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	s.router.Use(middleware.Recoverer)
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/health/detailed", s.handleHealthDetailed)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics)
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/report/generate-from-data", s.handleGenerateFromData)
		r.Post("/report/generate-from-filters", s.handleGenerateFromFilters)

		r.Get("/reports", s.handleListReports)
		r.Get("/env-info", s.handleEnvInfo)
		if s.logsDir != "" {
			r.Get("/logs", s.handleListLogs)
			r.Get("/logs/{file}", s.handleDownloadLog)
		}
		if s.archiver != nil {
			r.Get("/reports/{report}/history", s.handleHistory)
			r.Get("/reports/{report}/archive/{file}", s.handleArchived)
		}

		if s.level != nil {
			r.Method(http.MethodGet, "/logging/level", s.level)
			r.Method(http.MethodPut, "/logging/level", s.level)
		}
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string, readTimeout, writeTimeout time.Duration) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("HTTP server listening", zap.String("addr", addr))
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for the active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.Duration("duration", time.Since(start)))
		})
	}
}
