package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/benchdepot/pkg/api"
	"github.com/Mindburn-Labs/benchdepot/pkg/audit"
	"github.com/Mindburn-Labs/benchdepot/pkg/auth"
	"github.com/Mindburn-Labs/benchdepot/pkg/config"
	"github.com/Mindburn-Labs/benchdepot/pkg/dataset"
	"github.com/Mindburn-Labs/benchdepot/pkg/observability"
	"github.com/Mindburn-Labs/benchdepot/pkg/relay"
	"github.com/Mindburn-Labs/benchdepot/pkg/server"
	"github.com/Mindburn-Labs/benchdepot/pkg/util/resiliency"
)

const shutdownTimeout = 30 * time.Second

func runServer(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	logger := setupLogging(stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, stdout); err != nil {
		logger.Error("server failed", "error", err)
		return 1
	}
	logger.Info("server stopped")
	return 0
}

func setupLogging(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

// openAudit connects the audit log and the ID sequence, seeding the
// sequence past every stored record.
func openAudit(ctx context.Context, cfg *config.Config) (audit.Store, audit.Sequence, func(), error) {
	if cfg.DatabaseURL == audit.MemoryDSN {
		return audit.NewMemoryStore(), audit.NewAtomicSequence(0), func() {}, nil
	}
	if !strings.Contains(cfg.DatabaseURL, "://") {
		if err := os.MkdirAll(filepath.Dir(cfg.DatabaseURL), 0o750); err != nil {
			return nil, nil, nil, fmt.Errorf("audit database dir: %w", err)
		}
	}
	db, err := audit.OpenDB(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, nil, fmt.Errorf("audit database ping: %w", err)
	}
	store, err := audit.NewSQLStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}
	maxID, err := store.MaxID(ctx)
	if err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}

	if cfg.RedisURL == "" {
		return store, audit.NewAtomicSequence(maxID), func() { _ = db.Close() }, nil
	}
	seq, err := audit.NewRedisSequenceFromURL(cfg.RedisURL, "")
	if err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}
	if err := seq.Seed(ctx, maxID); err != nil {
		_ = seq.Close()
		_ = db.Close()
		return nil, nil, nil, err
	}
	return store, seq, func() { _ = seq.Close(); _ = db.Close() }, nil
}

func serve(ctx context.Context, cfg *config.Config, auditOut io.Writer) error {
	logger := slog.Default().With("component", "server")

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "benchdepot",
		ServiceVersion: version,
		Environment:    "production",
		OTLPEndpoint:   cfg.OTelEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTelEnabled,
		Insecure:       true,
	})
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	auditStore, seq, closeAudit, err := openAudit(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeAudit()
	recorder := audit.NewRecorder(audit.NewWriterStore(auditOut, auditStore), seq)

	backend, err := dataset.NewBackend(ctx, dataset.BackendConfig{
		Type:       dataset.BackendType(cfg.StorageType),
		DataDir:    cfg.DataDir,
		S3Bucket:   cfg.S3Bucket,
		S3Region:   cfg.S3Region,
		S3Endpoint: cfg.S3Endpoint,
		S3Prefix:   cfg.S3Prefix,
		GCSBucket:  cfg.GCSBucket,
		GCSPrefix:  cfg.GCSPrefix,
	})
	if err != nil {
		return fmt.Errorf("dataset backend: %w", err)
	}
	datasets := dataset.NewManager(backend)

	fetcher := relay.NewFetcher(resiliency.NewEnhancedClient(resiliency.ClientOptions{
		Timeout:    cfg.RelayTimeout,
		MaxRetries: cfg.RelayRetries,
		UserAgent:  "benchdepot-relay/" + version,
	}))
	intake := relay.NewIntake(
		relay.NewManifestResolver(fetcher),
		relay.NewTarballStreamer(fetcher, datasets, cfg.StagingDir, cfg.RelayMaxTarball),
		relay.NewCleaner(fetcher),
		datasets,
		recorder,
		relay.IntakeOptions{RetentionDays: cfg.RetentionDays, Observability: obs},
	)

	validator := auth.NewJWTValidator(cfg.AuthSecret)
	if validator == nil {
		logger.Warn("AUTH_SECRET is not set; relay requests will be rejected")
	}
	limiter := api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: server.NewRouter(server.Options{
			Intake:    intake,
			ServerURL: cfg.ServerURL,
			Validator: validator,
			Limiter:   limiter,
			Version:   version,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		limiter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("listening", "addr", srv.Addr, "storage", cfg.StorageType, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
