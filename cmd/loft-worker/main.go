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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"loftrace/internal/config"
	"loftrace/internal/db"
	"loftrace/internal/feeding"
	"loftrace/internal/game"
	"loftrace/internal/localstore"
	"loftrace/internal/metrics"
	"loftrace/internal/notify"
	"loftrace/internal/scheduler"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWorkerFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	policy, err := feeding.ParsePolicy(cfg.FeedPolicy)
	if err != nil {
		logger.Error("invalid feed policy", "err", err)
		os.Exit(1)
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("open store failed", "store", cfg.Store, "err", err)
		os.Exit(1)
	}
	defer closeStore()

	notifier, err := notify.New(cfg.DiscordWebhookURL, logger)
	if err != nil {
		logger.Error("notifier init failed", "err", err)
		os.Exit(1)
	}

	batch := feeding.NewBatch(store, logger, feeding.Options{
		Ration:   cfg.DailyRation,
		Policy:   policy,
		Recorder: metrics.FeedingRecorder{},
	})
	sched := scheduler.New(batch, logger, scheduler.Options{
		Schedule: cfg.FeedSchedule,
		Timeout:  cfg.FeedTimeout,
		Notifier: notifier,
	})

	if cfg.RunOnce {
		if err := sched.RunOnce(ctx); err != nil {
			logger.Error("feeding run failed", "err", err)
			os.Exit(1)
		}
		logger.Info("worker run-once completed")
		return
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "err", err)
			}
		}()
	}

	if err := sched.Start(ctx); err != nil {
		logger.Error("scheduler start failed", "err", err)
		os.Exit(1)
	}
	logger.Info("worker started", "store", cfg.Store, "schedule", cfg.FeedSchedule, "policy", string(policy), "ration", cfg.DailyRation)

	<-ctx.Done()
	sched.Stop()
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	logger.Info("worker shutdown")
}

func openStore(ctx context.Context, cfg config.WorkerConfig, logger *slog.Logger) (feeding.Store, func(), error) {
	switch cfg.Store {
	case config.StoreSQLite:
		s, err := localstore.Open(cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := game.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return game.NewFeedStore(pool, logger), pool.Close, nil
	}
}
