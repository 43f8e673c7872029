package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/insightlytics/insight/internal/analytics"
	"github.com/insightlytics/insight/internal/config"
	"github.com/insightlytics/insight/internal/ingest"
	"github.com/insightlytics/insight/internal/logging"
	"github.com/insightlytics/insight/internal/metrics"
	"github.com/insightlytics/insight/internal/rollup"
	"github.com/insightlytics/insight/internal/store"
	"github.com/insightlytics/insight/internal/store/memory"
	"github.com/insightlytics/insight/internal/store/postgres"
	transport "github.com/insightlytics/insight/internal/transport/http"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	logger.Info("starting", zap.String("port", cfg.Port), zap.String("storage", cfg.Storage))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	met := metrics.New(registry)

	var (
		st    store.Store
		ready func(r *http.Request) error
	)
	switch cfg.Storage {
	case "memory":
		st = memory.New()
		ready = func(*http.Request) error { return nil }
	default:
		pg, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("db connect", zap.Error(err))
		}
		defer pg.Close()
		mig := filepath.Join("migrations", "0001_init.sql")
		if err := pg.RunMigration(ctx, mig); err != nil {
			logger.Fatal("migration", zap.Error(err))
		}
		logger.Info("db ready, migration applied")
		st = pg
		ready = func(r *http.Request) error { return pg.Ready(r.Context()) }
	}

	pipeline := ingest.NewPipeline(st, logger, met, ingest.Config{
		ClockSkew:      cfg.ClockSkew,
		SessionTimeout: cfg.SessionTimeout,
		BatchMaxItems:  cfg.BatchMaxItems,
	})
	maintainer := rollup.NewMaintainer(st, logger, met, rollup.Config{
		Retention: cfg.RollupRetention,
		Interval:  cfg.RollupInterval,
	})
	maintainer.Run(ctx)
	analyzer := analytics.NewAnalyzer(st, logger)

	deps := &transport.ServerDeps{
		Cfg:        cfg,
		Log:        logger,
		Pipeline:   pipeline,
		Store:      st,
		Analyzer:   analyzer,
		Maintainer: maintainer,
		Metrics:    met,
		Registry:   registry,
		Ready:      ready,
		Now:        func() time.Time { return time.Now().UTC() },
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           deps.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	_ = srv.Shutdown(shutdownCtx)
}
