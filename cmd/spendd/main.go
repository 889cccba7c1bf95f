package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-spend/internal/access"
	"github.com/odyssey-erp/odyssey-spend/internal/app"
	"github.com/odyssey-erp/odyssey-spend/internal/audit"
	"github.com/odyssey-erp/odyssey-spend/internal/budgets"
	"github.com/odyssey-erp/odyssey-spend/internal/notifications"
	"github.com/odyssey-erp/odyssey-spend/internal/observability"
	"github.com/odyssey-erp/odyssey-spend/internal/orders"
	"github.com/odyssey-erp/odyssey-spend/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-spend/internal/platform/db"
	"github.com/odyssey-erp/odyssey-spend/internal/purchaseorders"
	"github.com/odyssey-erp/odyssey-spend/internal/shared"
	"github.com/odyssey-erp/odyssey-spend/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	dbpool, err := db.New(ctx, cfg.PGDSN, db.Options{})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

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
	auditLogger := shared.NewAuditLogger(dbpool)

	authorizer := access.NewAuthorizer(access.NewRepository(dbpool), redisClient, cfg.MembershipCacheTTL, logger)
	sessions := access.NewSessionResolver(redisClient, cfg.SessionCookie)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient := jobs.NewClient(redisOpts, metrics.Jobs())
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	budgetService := budgets.NewService(budgets.NewRepository(dbpool), authorizer, auditLogger,
		budgets.WithLogger(logger),
		budgets.WithGateObserver(metrics),
	)
	orderService := orders.NewService(orders.NewRepository(dbpool), authorizer, auditLogger,
		orders.WithLogger(logger),
		orders.WithScheduler(jobClient),
		orders.WithNotifier(jobClient, notifications.NewFormatter("en-US", "USD")),
		orders.WithTransitionObserver(metrics),
		orders.WithEffectTimeout(cfg.TaskEnqueueTimeout),
		orders.WithBulkConcurrency(cfg.BulkConcurrency),
	)
	poService := purchaseorders.NewService(purchaseorders.NewRepository(dbpool), authorizer, auditLogger, logger)
	auditService := audit.NewService(audit.NewRepository(dbpool), authorizer)

	router := app.NewRouter(app.RouterParams{
		Logger:               logger,
		Config:               cfg,
		BudgetHandler:        budgets.NewHandler(logger, budgetService, sessions),
		OrderHandler:         orders.NewHandler(logger, orderService, sessions),
		PurchaseOrderHandler: purchaseorders.NewHandler(logger, poService, sessions),
		AuditHandler:         audit.NewHandler(logger, auditService, sessions),
		JobHandler:           jobs.NewHandler(inspector, logger),
		Metrics:              metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("env", cfg.AppEnv))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
