package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-spend/internal/notifications"
)

const (
	// QueueCritical carries work an approved order is waiting on.
	QueueCritical = "critical"
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
)

const (
	// TaskPurchaseOrderCreate cuts the purchase order of an approved order.
	TaskPurchaseOrderCreate = "purchase_order:create"
	// TaskNotificationInsert stores an in-app notification.
	TaskNotificationInsert = "notification:insert"
	// TaskBudgetRefreshSpend rewrites cached spent figures.
	TaskBudgetRefreshSpend = "budget:refresh_spend"
	// TaskBudgetCloseExpired completes active budgets whose window has ended.
	TaskBudgetCloseExpired = "budget:close_expired"
)

// PurchaseOrderPayload identifies the approved order.
type PurchaseOrderPayload struct {
	OrderID int64 `json:"order_id"`
}

// RefreshSpendPayload selects one budget; zero refreshes every active budget.
type RefreshSpendPayload struct {
	BudgetID int64 `json:"budget_id,omitempty"`
}

// NewPurchaseOrderTask builds a purchase order task. The task ID is derived
// from the order so duplicate enqueues collapse into one task.
func NewPurchaseOrderTask(orderID int64) (*asynq.Task, error) {
	if orderID <= 0 {
		return nil, fmt.Errorf("jobs: purchase order task needs an order id")
	}
	body, err := json.Marshal(PurchaseOrderPayload{OrderID: orderID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPurchaseOrderCreate, body,
		asynq.Queue(QueueCritical),
		asynq.TaskID(fmt.Sprintf("po:%d", orderID)),
		asynq.MaxRetry(10),
	), nil
}

// NewNotificationTask builds a notification insert task.
func NewNotificationTask(n notifications.Notification, taskID string) (*asynq.Task, error) {
	body, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	opts := []asynq.Option{asynq.Queue(QueueDefault), asynq.MaxRetry(5)}
	if taskID != "" {
		opts = append(opts, asynq.TaskID(taskID))
	}
	return asynq.NewTask(TaskNotificationInsert, body, opts...), nil
}

// NewRefreshSpendTask builds a spend cache refresh task.
func NewRefreshSpendTask(budgetID int64) (*asynq.Task, error) {
	body, err := json.Marshal(RefreshSpendPayload{BudgetID: budgetID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBudgetRefreshSpend, body, asynq.Queue(QueueDefault)), nil
}

// NewCloseExpiredTask builds the period expiry task.
func NewCloseExpiredTask() *asynq.Task {
	return asynq.NewTask(TaskBudgetCloseExpired, nil, asynq.Queue(QueueDefault))
}
