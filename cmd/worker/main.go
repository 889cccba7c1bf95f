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

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-spend/internal/access"
	"github.com/odyssey-erp/odyssey-spend/internal/app"
	"github.com/odyssey-erp/odyssey-spend/internal/budgets"
	"github.com/odyssey-erp/odyssey-spend/internal/notifications"
	"github.com/odyssey-erp/odyssey-spend/internal/observability"
	"github.com/odyssey-erp/odyssey-spend/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-spend/internal/platform/db"
	"github.com/odyssey-erp/odyssey-spend/internal/purchaseorders"
	"github.com/odyssey-erp/odyssey-spend/internal/shared"
	"github.com/odyssey-erp/odyssey-spend/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr, "", 0)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(pool)
	authorizer := access.NewAuthorizer(access.NewRepository(pool), redisClient, cfg.MembershipCacheTTL, logger)

	handlers := &jobs.Handlers{
		PurchaseOrders: purchaseorders.NewService(purchaseorders.NewRepository(pool), authorizer, auditLogger, logger),
		Notifications:  notifications.NewRepository(pool),
		Budgets:        budgets.NewService(budgets.NewRepository(pool), authorizer, auditLogger, budgets.WithLogger(logger)),
		Logger:         logger,
		Metrics:        metrics.Jobs(),
	}

	refreshTask, err := jobs.NewRefreshSpendTask(0)
	if err != nil {
		logger.Error("build refresh task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers:    handlers.TaskHandlers(),
		Cron: []jobs.CronRegistration{
			{Spec: cfg.BudgetRefreshCron, Task: refreshTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.BudgetCloseCron, Task: jobs.NewCloseExpiredTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	logger.Info("starting worker", slog.Int("concurrency", cfg.WorkerConcurrency))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
