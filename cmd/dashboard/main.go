package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"admissions/internal/amqp"
	"admissions/internal/backend"
	"admissions/internal/cache"
	"admissions/internal/cli"
	"admissions/internal/core"
	apphttp "admissions/internal/http"
	applog "admissions/internal/log"
	"admissions/internal/rollup"
	"admissions/internal/services"
	"admissions/internal/worker"
)

func main() {
	cli.LoadEnvFile()

	boot := cli.SetupLogger("info", applog.ComponentApp)
	cfg := cli.MustLoadConfig(boot)
	logger := cli.SetupLogger(cfg.LogLevel, applog.ComponentApp)

	ctx, stop := cli.GracefulShutdown(logger)
	defer stop()

	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		cli.Fatal(logger, "Invalid backend configuration", err)
	}
	be, err := backend.NewFactory(logger.WithComponent(applog.ComponentBackend).Logger).CreateBackend(ctx, backendCfg)
	if err != nil {
		cli.Fatal(logger, "Failed to initialize dataset backend", err)
	}
	if be.Cleanup != nil {
		defer func() {
			if err := be.Cleanup(); err != nil {
				logger.Error("Backend cleanup failed", applog.FieldError, err)
			}
		}()
	}

	var journal services.LoadJournal
	var snapshotStore apphttp.Pinger
	if be.Repository != nil {
		journal = be.Repository
		snapshotStore = be.Repository
	}
	datasets := services.NewDatasetService(be.Fetcher, journal)

	// The dashboard starts without a dataset if the first load fails; the
	// worker or a manual refresh will retry.
	if _, err := datasets.Load(ctx, services.TriggerStartup); err != nil {
		logger.Error("Initial dataset load failed, serving 503 until a refresh succeeds",
			applog.FieldError, err, applog.FieldSource, datasets.Source())
	}

	var (
		publisher services.EventPublisher
		consumer  worker.RefreshConsumer
		messaging apphttp.MessagingStatus
	)
	if cfg.AMQPEnabled() {
		client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPRefreshQueue, cfg.AMQPEventsKey)
		if err != nil {
			logger.Warn("AMQP unavailable, messaging disabled", applog.FieldError, err)
		} else {
			defer client.Close()
			publisher, consumer, messaging = client, client, client
			logger.Info("AMQP messaging enabled", "exchange", cfg.AMQPExchange, "queue", cfg.AMQPRefreshQueue)
		}
	}

	policy := rollup.DefaultPolicy()
	policy.MaxTopCategories = cfg.RollupMaxTop
	policy.ExemptFields = cfg.ExemptFields

	rollupCache := services.NewRollupCache(cfg.CacheSize, cfg.CacheTTL)
	rollups := services.NewRollupService(datasets, rollup.New(policy), rollupCache, publisher).
		WithSource(datasets.Source())

	caches := cache.NewManager()
	caches.Register("rollups", rollupCache)
	caches.StartCleanup(5 * time.Minute)
	defer caches.Stop()

	refresher := worker.NewRefreshWorker(datasets, cfg.RefreshInterval)
	if consumer != nil {
		refresher = refresher.WithConsumer(consumer)
	}
	if be.Repository != nil {
		refresher = refresher.WithPruner(be.Repository, worker.DefaultJournalKeep)
	}

	srv := apphttp.NewServer(apphttp.Options{
		Addr:            ":" + cfg.Port,
		DashboardFields: cfg.DashboardFields,
		DefaultSortOn:   core.Admission,
		FrameAncestors:  cfg.FrameAncestors,
		RateLimitRPM:    cfg.RateLimitRPM,
		SnapshotStore:   snapshotStore,
		Messaging:       messaging,
		Logger:          logger,
	}, datasets, rollups)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting admissions dashboard",
			"port", cfg.Port,
			"backend", cfg.DataBackend,
			applog.FieldSource, datasets.Source(),
			"snapshots", be.Repository != nil,
			"messaging", messaging != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return refresher.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		logger.Info("Shutting down server")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		cli.Fatal(logger, "Dashboard stopped with error", err)
	}
	logger.Info("Server stopped gracefully")
}
