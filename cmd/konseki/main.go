package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	// Bucket drivers for the KONSEKI_BLOB_URL schemes.
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/ashita-ai/konseki/internal/analytic"
	"github.com/ashita-ai/konseki/internal/blob"
	"github.com/ashita-ai/konseki/internal/config"
	"github.com/ashita-ai/konseki/internal/ingest"
	"github.com/ashita-ai/konseki/internal/server"
	"github.com/ashita-ai/konseki/internal/storage"
	"github.com/ashita-ai/konseki/internal/telemetry"
	"github.com/ashita-ai/konseki/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("KONSEKI_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("konseki starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database.
	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(ctx)

	// Run migrations (dev mode only; production uses Atlas).
	// RunMigrations tracks applied files in schema_migrations and skips
	// duplicates, so errors here indicate real failures.
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		slog.Warn("migrations failed", "error", err)
	}

	// Export the pending-job gauge (after telemetry.Init).
	if err := telemetry.RegisterQueueDepthGauge(db); err != nil {
		slog.Warn("queue depth gauge registration failed", "error", err)
	}

	// Open blob storage for raw batches and metadata documents.
	blobs, err := blob.Open(ctx, cfg.BlobURL, cfg.BlobCacheBytes, logger)
	if err != nil {
		return fmt.Errorf("blob: %w", err)
	}
	logger.Info("blob storage ready", "url", cfg.BlobURL)

	// Open the analytic mirror when configured. The processor treats a nil
	// mirror as globally disabled, so leave the interface unset otherwise.
	var mirror ingest.Mirror
	if cfg.MirrorEnabled() {
		ch, err := analytic.Open(ctx, cfg.ClickHouseAddr, cfg.ClickHouseDatabase, cfg.ClickHouseUser, cfg.ClickHousePassword, logger)
		if err != nil {
			return fmt.Errorf("analytic: %w", err)
		}
		defer func() { _ = ch.Close() }()
		mirror = ch
		logger.Info("analytic mirror: enabled", "addr", cfg.ClickHouseAddr)
	} else {
		logger.Info("analytic mirror: disabled (no ClickHouse address)")
	}

	// Wire the ingestion pipeline.
	gate := ingest.NewGate(blobs, db, logger)
	processor := ingest.NewProcessor(db, db, blobs, mirror, db, db, logger)
	worker := ingest.NewWorker(db, blobs, db, processor, logger)

	workerDone := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(workerDone)
	}()
	go worker.RunJanitor(ctx)

	// Create and start HTTP server.
	srv := server.New(server.Config{
		DB:           db,
		Gate:         gate,
		Logger:       logger,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Version:      version,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown: stop accepting HTTP requests and drain in-flight
	// ones, then wait for the worker to finish the jobs it already claimed.
	// Run returns once the current batch completes, so the wait is bounded
	// by the per-job timeout; past the deadline the jobs are abandoned to
	// the queue's lock expiry and retry.
	slog.Info("konseki shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	select {
	case <-workerDone:
	case <-time.After(60 * time.Second):
		slog.Warn("ingest worker drain timed out")
	}

	slog.Info("konseki shutdown complete")
	return nil
}
