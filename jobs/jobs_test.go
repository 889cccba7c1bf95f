package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-spend/internal/budgets"
	jobmetrics "github.com/odyssey-erp/odyssey-spend/internal/jobs"
	"github.com/odyssey-erp/odyssey-spend/internal/notifications"
	"github.com/odyssey-erp/odyssey-spend/internal/purchaseorders"
	"github.com/odyssey-erp/odyssey-spend/internal/shared"
)

type recordingEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	err   error
}

func (e *recordingEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = append(e.tasks, task)
	if e.err != nil {
		return nil, e.err
	}
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func (e *recordingEnqueuer) Close() error { return nil }

type stubCreator struct {
	err   error
	calls []int64
}

func (s *stubCreator) CreateForOrder(ctx context.Context, orderID int64) (purchaseorders.PurchaseOrder, bool, error) {
	s.calls = append(s.calls, orderID)
	if s.err != nil {
		return purchaseorders.PurchaseOrder{}, false, s.err
	}
	return purchaseorders.PurchaseOrder{ID: 900, OrderID: orderID}, true, nil
}

type stubNotifications struct {
	stored []notifications.Notification
}

func (s *stubNotifications) Insert(ctx context.Context, n notifications.Notification) (int64, error) {
	s.stored = append(s.stored, n)
	return int64(len(s.stored)), nil
}

type stubBudgets struct {
	refreshed []int64
	active    int
	closed    int
	err       error
}

func (s *stubBudgets) RefreshSpend(ctx context.Context, budgetID int64) (budgets.Budget, error) {
	s.refreshed = append(s.refreshed, budgetID)
	return budgets.Budget{ID: budgetID}, s.err
}

func (s *stubBudgets) RefreshActive(ctx context.Context) (int, error) {
	return s.active, s.err
}

func (s *stubBudgets) CloseExpired(ctx context.Context) (int, error) {
	return s.closed, s.err
}

func newMetrics() *jobmetrics.Metrics {
	return jobmetrics.NewMetrics(prometheus.NewRegistry())
}

func TestClientSchedulesPurchaseOrderOnCriticalQueue(t *testing.T) {
	enq := &recordingEnqueuer{}
	client := NewClientWith(enq, newMetrics())

	require.NoError(t, client.SchedulePurchaseOrder(context.Background(), 42))
	require.Len(t, enq.tasks, 1)
	require.Equal(t, TaskPurchaseOrderCreate, enq.tasks[0].Type())

	var payload PurchaseOrderPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	require.Equal(t, int64(42), payload.OrderID)

	require.Error(t, client.SchedulePurchaseOrder(context.Background(), 0))
}

func TestClientTreatsDuplicatesAsScheduled(t *testing.T) {
	enq := &recordingEnqueuer{err: asynq.ErrTaskIDConflict}
	client := NewClientWith(enq, newMetrics())
	require.NoError(t, client.SchedulePurchaseOrder(context.Background(), 42))

	enq.err = errors.New("redis down")
	require.Error(t, client.Notify(context.Background(), notifications.Notification{UserID: 2}))
}

func TestClientNotifyCarriesNotification(t *testing.T) {
	enq := &recordingEnqueuer{}
	client := NewClientWith(enq, nil)
	note := notifications.Notification{UserID: 2, CompanyID: 10, Type: notifications.TypeOrderApproved, Title: "Order approved"}

	require.NoError(t, client.Notify(context.Background(), note))
	require.NoError(t, client.EnqueueRefreshSpend(context.Background(), 0))
	require.NoError(t, client.EnqueueCloseExpired(context.Background()))
	require.Len(t, enq.tasks, 3)

	var decoded notifications.Notification
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &decoded))
	require.Equal(t, note.Title, decoded.Title)
	require.Equal(t, TaskBudgetRefreshSpend, enq.tasks[1].Type())
	require.Equal(t, TaskBudgetCloseExpired, enq.tasks[2].Type())
}

func TestHandlePurchaseOrder(t *testing.T) {
	creator := &stubCreator{}
	h := &Handlers{PurchaseOrders: creator, Metrics: newMetrics()}
	task, err := NewPurchaseOrderTask(7)
	require.NoError(t, err)

	require.NoError(t, h.HandlePurchaseOrder(context.Background(), task))
	require.Equal(t, []int64{7}, creator.calls)

	creator.err = fmt.Errorf("%w: order 7 is cancelled", shared.ErrConflict)
	err = h.HandlePurchaseOrder(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)

	creator.err = errors.New("connection reset")
	err = h.HandlePurchaseOrder(context.Background(), task)
	require.Error(t, err)
	require.NotErrorIs(t, err, asynq.SkipRetry)

	err = h.HandlePurchaseOrder(context.Background(), asynq.NewTask(TaskPurchaseOrderCreate, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleNotification(t *testing.T) {
	store := &stubNotifications{}
	h := &Handlers{Notifications: store}
	task, err := NewNotificationTask(notifications.Notification{UserID: 2, Type: notifications.TypeOrderRejected}, "")
	require.NoError(t, err)

	require.NoError(t, h.HandleNotification(context.Background(), task))
	require.Len(t, store.stored, 1)

	empty, err := NewNotificationTask(notifications.Notification{}, "")
	require.NoError(t, err)
	require.ErrorIs(t, h.HandleNotification(context.Background(), empty), asynq.SkipRetry)
}

func TestHandleBudgetMaintenance(t *testing.T) {
	stub := &stubBudgets{active: 3, closed: 1}
	h := &Handlers{Budgets: stub, Metrics: newMetrics()}
	ctx := context.Background()

	all, err := NewRefreshSpendTask(0)
	require.NoError(t, err)
	require.NoError(t, h.HandleRefreshSpend(ctx, all))
	require.Empty(t, stub.refreshed)

	one, err := NewRefreshSpendTask(5)
	require.NoError(t, err)
	require.NoError(t, h.HandleRefreshSpend(ctx, one))
	require.Equal(t, []int64{5}, stub.refreshed)

	require.NoError(t, h.HandleCloseExpired(ctx, NewCloseExpiredTask()))

	stub.err = budgets.ErrBudgetNotFound
	require.ErrorIs(t, h.HandleRefreshSpend(ctx, one), asynq.SkipRetry)
	require.Error(t, h.HandleCloseExpired(ctx, NewCloseExpiredTask()))
}

func TestTaskHandlersCoverEveryTaskType(t *testing.T) {
	h := &Handlers{}
	types := map[string]bool{}
	for _, th := range h.TaskHandlers() {
		types[th.Type] = true
	}
	for _, want := range []string{TaskPurchaseOrderCreate, TaskNotificationInsert, TaskBudgetRefreshSpend, TaskBudgetCloseExpired} {
		require.True(t, types[want], want)
	}
}

type stubInspector struct {
	infos map[string]*asynq.QueueInfo
	err   error
}

func (s stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	info, ok := s.infos[queue]
	if !ok {
		return nil, asynq.ErrQueueNotFound
	}
	return info, nil
}

func TestHealthHandler(t *testing.T) {
	inspector := stubInspector{infos: map[string]*asynq.QueueInfo{
		QueueCritical: {Queue: QueueCritical, Pending: 2, Retry: 1},
	}}
	r := chi.NewRouter()
	NewHandler(inspector, nil).MountRoutes(r)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Queues []QueueStats `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Queues, 2)
	require.Equal(t, 2, body.Queues[0].Pending)
	require.Equal(t, QueueDefault, body.Queues[1].Queue)

	r = chi.NewRouter()
	NewHandler(stubInspector{err: errors.New("redis down")}, nil).MountRoutes(r)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
