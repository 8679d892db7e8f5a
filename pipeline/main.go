package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/eventbus"
	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/export"
	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/pipeline"
	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/platform/env"
	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/platform/httpserver"
	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/platform/metrics"
	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/platform/objectstore"
	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/platform/postgres"
	repopg "github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/repo/postgres"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("PIPELINE_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("PIPELINE_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	retryCeiling, err := env.Int("TRACKER_RETRY_CEILING", 3)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	scanRetryCeiling, err := env.Int("TRACKER_SCAN_RETRY_CEILING", 3)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	callbackSLA, err := env.Duration("TRACKER_SCAN_CALLBACK_SLA", 30*time.Minute)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	sweepInterval, err := env.Duration("TRACKER_SWEEP_INTERVAL", time.Minute)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	eventBuffer, err := env.Int("TRACKER_EVENT_BUFFER", 64)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	asyncThreshold, err := env.Int64("TRACKER_EXPORT_ASYNC_THRESHOLD", 1000)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	dedupWindow, err := env.Duration("TRACKER_EXPORT_DEDUP_WINDOW", 10*time.Minute)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	workerMaxSkew, err := env.Duration("TRACKER_WORKER_MAX_SKEW", 5*time.Minute)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	workerSecret := env.String("TRACKER_WORKER_SECRET", "")
	ingestWebhookURL := env.String("TRACKER_INGEST_WEBHOOK_URL", "")
	scanWebhookURL := env.String("TRACKER_SCAN_WEBHOOK_URL", "")

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	store, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	if err := objectstore.EnsureBuckets(ctx, store, storeCfg); err != nil {
		logger.Error("bucket setup failed", "error", err)
		os.Exit(1)
	}

	collect := metrics.NewCollector()
	broker := eventbus.NewBroker(eventBuffer, collect)

	versions := repopg.NewVersionStore(db)
	items := repopg.NewBuildItemStore(db)
	scans := repopg.NewScanStore(db)
	jobs := repopg.NewExportJobStore(db)

	dispatcher := newWebhookDispatcher(logger, ingestWebhookURL, scanWebhookURL, workerSecret)

	tracker := pipeline.NewTracker(logger, versions, items, scans, broker, dispatcher, dispatcher, collect, pipeline.Config{
		RetryCeiling:     retryCeiling,
		ScanRetryCeiling: scanRetryCeiling,
		CallbackSLA:      callbackSLA,
		SweepInterval:    sweepInterval,
	})
	go tracker.Sweeper.Run(ctx)

	exporter := export.NewManager(logger, versions, items, scans, jobs,
		export.MinioStore{Client: store, Bucket: storeCfg.BucketExports},
		collect,
		export.Config{AsyncThreshold: asyncThreshold, DedupWindow: dedupWindow},
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("pipeline"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"pipeline",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
			httpserver.ReadinessCheck{
				Name: "objectstore",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return objectstore.CheckBuckets(checkCtx, store, storeCfg)
				},
			},
		),
	)
	mux.Handle("GET /metrics", collect.Handler())

	api := newPipelineAPI(logger, db, tracker, exporter, broker, versions, items, scans, workerSecret, workerMaxSkew)
	api.register(mux)

	cfg := httpserver.Config{
		Service:         "pipeline",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "pipeline", mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
