package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-spend/internal/budgets"
	jobmetrics "github.com/odyssey-erp/odyssey-spend/internal/jobs"
	"github.com/odyssey-erp/odyssey-spend/internal/notifications"
	"github.com/odyssey-erp/odyssey-spend/internal/purchaseorders"
	"github.com/odyssey-erp/odyssey-spend/internal/shared"
)

// PurchaseOrderCreator is satisfied by purchaseorders.Service.
type PurchaseOrderCreator interface {
	CreateForOrder(ctx context.Context, orderID int64) (purchaseorders.PurchaseOrder, bool, error)
}

// NotificationStore is satisfied by notifications.Repository.
type NotificationStore interface {
	Insert(ctx context.Context, n notifications.Notification) (int64, error)
}

// BudgetMaintainer is satisfied by budgets.Service.
type BudgetMaintainer interface {
	RefreshSpend(ctx context.Context, budgetID int64) (budgets.Budget, error)
	RefreshActive(ctx context.Context) (int, error)
	CloseExpired(ctx context.Context) (int, error)
}

// Handlers hosts the task handlers of the worker.
type Handlers struct {
	PurchaseOrders PurchaseOrderCreator
	Notifications  NotificationStore
	Budgets        BudgetMaintainer
	Logger         *slog.Logger
	Metrics        *jobmetrics.Metrics
}

// TaskHandlers lists the handlers for WorkerConfig.
func (h *Handlers) TaskHandlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskPurchaseOrderCreate, Handler: h.HandlePurchaseOrder},
		{Type: TaskNotificationInsert, Handler: h.HandleNotification},
		{Type: TaskBudgetRefreshSpend, Handler: h.HandleRefreshSpend},
		{Type: TaskBudgetCloseExpired, Handler: h.HandleCloseExpired},
	}
}

// HandlePurchaseOrder creates the purchase order of an approved order.
// Orders that vanished or left the approved path are not retried.
func (h *Handlers) HandlePurchaseOrder(ctx context.Context, t *asynq.Task) (err error) {
	var payload PurchaseOrderPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.OrderID <= 0 {
		return asynq.SkipRetry
	}
	tracker := h.Metrics.Track(TaskPurchaseOrderCreate)
	defer func() { err = tracker.End(err) }()

	logger := h.logger().With(slog.Int64("order_id", payload.OrderID))
	po, created, err := h.PurchaseOrders.CreateForOrder(ctx, payload.OrderID)
	if err != nil {
		if permanent(err) {
			logger.Warn("purchase order skipped", slog.Any("error", err))
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		logger.Error("create purchase order", slog.Any("error", err))
		return err
	}
	logger.Info("purchase order ready", slog.Int64("purchase_order_id", po.ID), slog.Bool("created", created))
	return nil
}

// HandleNotification stores one notification.
func (h *Handlers) HandleNotification(ctx context.Context, t *asynq.Task) (err error) {
	var n notifications.Notification
	if err := json.Unmarshal(t.Payload(), &n); err != nil || n.UserID <= 0 {
		return asynq.SkipRetry
	}
	tracker := h.Metrics.Track(TaskNotificationInsert)
	defer func() { err = tracker.End(err) }()

	if _, err := h.Notifications.Insert(ctx, n); err != nil {
		h.logger().Error("insert notification", slog.Int64("user_id", n.UserID), slog.Any("error", err))
		return err
	}
	return nil
}

// HandleRefreshSpend rewrites spend caches for one budget or all active ones.
func (h *Handlers) HandleRefreshSpend(ctx context.Context, t *asynq.Task) (err error) {
	var payload RefreshSpendPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	tracker := h.Metrics.Track(TaskBudgetRefreshSpend)
	defer func() { err = tracker.End(err) }()

	if payload.BudgetID > 0 {
		if _, err := h.Budgets.RefreshSpend(ctx, payload.BudgetID); err != nil {
			if permanent(err) {
				return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
			}
			return err
		}
		return nil
	}
	n, err := h.Budgets.RefreshActive(ctx)
	if err != nil {
		h.logger().Error("refresh active budgets", slog.Int("refreshed", n), slog.Any("error", err))
		return err
	}
	h.logger().Info("refreshed spend caches", slog.Int("budgets", n))
	return nil
}

// HandleCloseExpired completes budgets whose period has ended.
func (h *Handlers) HandleCloseExpired(ctx context.Context, t *asynq.Task) (err error) {
	tracker := h.Metrics.Track(TaskBudgetCloseExpired)
	defer func() { err = tracker.End(err) }()

	n, err := h.Budgets.CloseExpired(ctx)
	if err != nil {
		h.logger().Error("close expired budgets", slog.Int("closed", n), slog.Any("error", err))
		return err
	}
	if n > 0 {
		h.logger().Info("closed expired budgets", slog.Int("budgets", n))
	}
	return nil
}

func (h *Handlers) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func permanent(err error) bool {
	return errors.Is(err, shared.ErrNotFound) ||
		errors.Is(err, shared.ErrConflict) ||
		errors.Is(err, shared.ErrValidation)
}
