// Command reportd serves report generation over HTTP and, when configured, NATS.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/wehubfusion/Banda/internal/httpapi"
	"github.com/wehubfusion/Banda/internal/logging"
	"github.com/wehubfusion/Banda/internal/metrics"
	natsconn "github.com/wehubfusion/Banda/internal/nats"
	"github.com/wehubfusion/Banda/internal/natsapi"
	"github.com/wehubfusion/Banda/internal/settings"
	"github.com/wehubfusion/Banda/internal/tracing"
	"github.com/wehubfusion/Banda/pkg/concurrency"
	"github.com/wehubfusion/Banda/pkg/config"
	"github.com/wehubfusion/Banda/pkg/render"
	"github.com/wehubfusion/Banda/pkg/report"
	"github.com/wehubfusion/Banda/pkg/sqlsource"
	"github.com/wehubfusion/Banda/pkg/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "reportd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env file is normal outside development.
	_ = godotenv.Load()

	cfg, err := settings.Load()
	if err != nil {
		return err
	}

	var logOpts []logging.Option
	if cfg.Logging.Dir != "" {
		logFile, err := logging.NewRollingFile(cfg.Logging.Dir, cfg.Logging.RetainedFiles)
		if err != nil {
			return err
		}
		defer func() { _ = logFile.Close() }()
		logOpts = append(logOpts, logging.WithFile(logFile))
	}

	logger, level, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, logOpts...)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	undoMaxprocs := concurrency.InitializeForContainers(logger)
	defer undoMaxprocs()

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Sentry.DSN,
			Environment:      cfg.Sentry.Environment,
			Release:          cfg.Version,
			AttachStacktrace: true,
		}); err != nil {
			logger.Warn("Failed to initialize Sentry, continuing without it", zap.Error(err))
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		ServiceName:    "banda-reportd",
		ServiceVersion: cfg.Version,
		Environment:    cfg.Sentry.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SampleRatio:    cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		logger.Warn("Failed to setup tracing, continuing without it", zap.Error(err))
	} else {
		defer func() { _ = tracing.Shutdown(shutdownTracing, 10*time.Second, logger) }()
	}

	registry, err := config.LoadDir(cfg.Reports.ConfigsFolder, logger)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()
	limits := concurrency.ResolveConfig(cfg.Render.MaxConcurrent)
	limiter := concurrency.NewLimiter(limits.MaxConcurrent, concurrency.WithFailureFilter(report.CountsAsFailure))
	collector.RegisterLimiter(limiter)
	logger.Info("Render concurrency resolved", zap.String("config", limits.String()))

	opts := report.Options{
		Registry:      registry,
		Renderer:      render.NewJSONRenderer(),
		TemplatesDir:  cfg.Reports.TemplatesFolder,
		Limiter:       limiter,
		Observer:      collector,
		DeriveTimeout: cfg.Render.DeriveTimeout,
		Logger:        logger,
	}
	var checks []httpapi.Check

	if cfg.DB.URL != "" {
		pool, err := connectDB(ctx, cfg.DB)
		if err != nil {
			return err
		}
		defer pool.Close()
		opts.Queries = sqlsource.NewLoader(pool, nil, logger)
		checks = append(checks, httpapi.Check{Name: "database", Run: func(ctx context.Context) httpapi.CheckResult {
			if err := pool.Ping(ctx); err != nil {
				return httpapi.CheckResult{Status: httpapi.StatusUnhealthy, Description: "database unreachable", Err: err}
			}
			return httpapi.CheckResult{Status: httpapi.StatusHealthy, Description: "database reachable"}
		}})
	}

	if cfg.Storage.ConnectionString != "" {
		blob, err := storage.NewAzureBlobClient(cfg.Storage.ConnectionString, cfg.Storage.Container, logger)
		if err != nil {
			return fmt.Errorf("failed to create blob client: %w", err)
		}
		opts.Archiver = storage.NewArchiver(blob, logger)
		opts.Archiver.MaxIndexEntries = cfg.Render.ArchiveIndex
	}

	generator, err := report.NewGenerator(opts)
	if err != nil {
		return err
	}

	var listener *natsapi.Listener
	if cfg.NATS.URL != "" {
		connCfg := natsconn.DefaultConnectionConfig(cfg.NATS.URL)
		connCfg.Name = cfg.NATS.Name
		connCfg.Token = cfg.NATS.Token
		connCfg.Timeout = cfg.NATS.Timeout

		conn, err := natsconn.Connect(ctx, connCfg, logger)
		if err != nil {
			return err
		}
		defer func() { _ = natsconn.Close(conn) }()

		waitCtx, cancel := context.WithTimeout(ctx, cfg.NATS.Timeout)
		if err := natsconn.WaitForConnection(waitCtx, conn, 100*time.Millisecond); err != nil {
			logger.Warn("NATS not reachable yet, retrying in the background", zap.Error(err))
		}
		cancel()

		listener, err = natsapi.NewListener(conn, generator, natsapi.Config{
			Subject: cfg.NATS.Subject,
			Queue:   cfg.NATS.Queue,
			Workers: limits.MaxConcurrent,
			Timeout: cfg.Server.WriteTimeout,
		}, logger)
		if err != nil {
			return err
		}
		checks = append(checks, httpapi.Check{Name: "nats", Run: func(context.Context) httpapi.CheckResult {
			if !natsconn.IsConnected(conn) {
				return httpapi.CheckResult{Status: httpapi.StatusDegraded, Description: "NATS disconnected, HTTP still serves"}
			}
			return httpapi.CheckResult{Status: httpapi.StatusHealthy, Description: "NATS connected"}
		}})
	}

	server, err := httpapi.NewServer(httpapi.Options{
		Generator:    generator,
		Archiver:     opts.Archiver,
		Level:        &level,
		Metrics:      collector.Handler(),
		TemplatesDir: cfg.Reports.TemplatesFolder,
		ConfigsDir:   cfg.Reports.ConfigsFolder,
		Version:      cfg.Version,
		Environment:  cfg.Sentry.Environment,
		Settings:     cfg.Public(),
		LogsDir:      cfg.Logging.Dir,
		Checks:       checks,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	listenerDone := make(chan struct{})
	if listener != nil {
		go func() {
			defer close(listenerDone)
			if err := listener.Run(ctx); err != nil {
				errCh <- fmt.Errorf("nats listener: %w", err)
			}
		}()
	} else {
		close(listenerDone)
	}

	go func() {
		if err := server.Start(cfg.Server.Addr, cfg.Server.ReadTimeout, cfg.Server.WriteTimeout); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	logger.Info("Report service started",
		zap.String("version", cfg.Version),
		zap.String("addr", cfg.Server.Addr),
		zap.Int("reports", registry.Len()),
		zap.Bool("nats", cfg.NATS.URL != ""),
		zap.Bool("archive", opts.Archiver != nil),
		zap.Bool("database", opts.Queries != nil))

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case runErr = <-errCh:
		logger.Error("Service failed", zap.Error(runErr))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	select {
	case <-listenerDone:
	case <-shutdownCtx.Done():
		logger.Warn("NATS listener did not stop in time")
	}
	return runErr
}

func connectDB(ctx context.Context, db settings.Database) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(db.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	poolConfig.MaxConns = int32(db.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return pool, nil
}
