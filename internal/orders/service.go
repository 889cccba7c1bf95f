package orders

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-spend/internal/budgets"
	"github.com/odyssey-erp/odyssey-spend/internal/notifications"
	"github.com/odyssey-erp/odyssey-spend/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetOrder(ctx context.Context, id int64) (Order, error)
	ListOrders(ctx context.Context, filter ListFilter) ([]Order, int, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	Ledger() budgets.LockingLedger
	ListCart(ctx context.Context, userID, companyID int64) ([]CartItem, error)
	ClearCart(ctx context.Context, userID, companyID int64) error
	CreateOrder(ctx context.Context, o Order) (int64, error)
	InsertItem(ctx context.Context, item LineItem) error
	LockOrder(ctx context.Context, id int64) (Order, error)
	UpdateStatus(ctx context.Context, change StatusChange) error
	UpdateNotes(ctx context.Context, id int64, notes string) error
}

// Authorizer is the capability check consumed by the state machine.
type Authorizer interface {
	RequireCompanyMember(ctx context.Context, actorID, companyID int64) (shared.ActorRole, error)
	RequireCompanyAdmin(ctx context.Context, actorID, companyID int64) error
	RequireVendorForCompany(ctx context.Context, actorID, companyID int64) error
	RoleFor(ctx context.Context, actorID, companyID int64) (shared.ActorRole, error)
}

// FulfillmentScheduler queues purchase-order creation for approved orders.
type FulfillmentScheduler interface {
	SchedulePurchaseOrder(ctx context.Context, orderID int64) error
}

// Notifier delivers notifications out of band.
type Notifier interface {
	Notify(ctx context.Context, n notifications.Notification) error
}

// TransitionObserver receives transition outcomes.
type TransitionObserver interface {
	ObserveTransition(to shared.OrderStatus, err error)
}

// Service drives orders through their lifecycle against the budget ledger.
type Service struct {
	repo            RepositoryPort
	authz           Authorizer
	audit           shared.AuditPort
	scheduler       FulfillmentScheduler
	notifier        Notifier
	formatter       *notifications.Formatter
	observer        TransitionObserver
	logger          *slog.Logger
	now             func() time.Time
	effectTimeout   time.Duration
	bulkConcurrency int
}

// Option customises the service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithScheduler sets the purchase-order scheduler.
func WithScheduler(scheduler FulfillmentScheduler) Option {
	return func(s *Service) { s.scheduler = scheduler }
}

// WithNotifier sets the notification sink and its formatter.
func WithNotifier(notifier Notifier, formatter *notifications.Formatter) Option {
	return func(s *Service) {
		s.notifier = notifier
		if formatter != nil {
			s.formatter = formatter
		}
	}
}

// WithTransitionObserver reports transition outcomes, typically to metrics.
func WithTransitionObserver(observer TransitionObserver) Option {
	return func(s *Service) { s.observer = observer }
}

// WithEffectTimeout bounds each post-commit side effect.
func WithEffectTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.effectTimeout = d
		}
	}
}

// WithBulkConcurrency bounds how many orders a bulk call processes at once.
func WithBulkConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.bulkConcurrency = n
		}
	}
}

// NewService constructs the order service.
func NewService(repo RepositoryPort, authz Authorizer, audit shared.AuditPort, opts ...Option) *Service {
	s := &Service{
		repo:            repo,
		authz:           authz,
		audit:           audit,
		formatter:       notifications.NewFormatter("en", "USD"),
		logger:          slog.Default(),
		now:             time.Now,
		effectTimeout:   3 * time.Second,
		bulkConcurrency: 4,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateFromCart turns the actor's cart into a pending order and clears the
// cart in the same transaction. Company-budget orders pass the availability
// gate under the budget lock first; on failure nothing is written.
func (s *Service) CreateFromCart(ctx context.Context, actorID int64, input CreateOrderInput) (Order, error) {
	source, err := shared.ParsePaymentSource(string(input.PaymentSource))
	if err != nil {
		return Order{}, err
	}
	if _, err := s.authz.RequireCompanyMember(ctx, actorID, input.CompanyID); err != nil {
		return Order{}, err
	}

	now := s.now()
	var created Order
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		cart, err := tx.ListCart(ctx, actorID, input.CompanyID)
		if err != nil {
			return err
		}
		items, total, err := lineItemsFromCart(cart)
		if err != nil {
			return err
		}
		order := Order{
			CompanyID:     input.CompanyID,
			UserID:        actorID,
			OrderNumber:   newOrderNumber(now),
			TotalAmount:   total,
			Status:        shared.OrderPendingApproval,
			PaymentSource: source,
			Notes:         strings.TrimSpace(input.Notes),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if source == shared.PaymentCompanyBudget {
			availability, err := budgets.CheckAvailabilityLocked(ctx, tx.Ledger(), budgets.AvailabilityRequest{
				CompanyID: input.CompanyID,
				MemberID:  actorID,
				Amount:    total,
				At:        now,
			})
			if err != nil {
				return err
			}
			if err := availability.Err(); err != nil {
				return err
			}
			order.BudgetID = availability.BudgetID
			order.EmployeeBudgetID = availability.AllocationID
		}
		id, err := tx.CreateOrder(ctx, order)
		if err != nil {
			return err
		}
		order.ID = id
		for i := range items {
			items[i].OrderID = id
			if err := tx.InsertItem(ctx, items[i]); err != nil {
				return err
			}
		}
		if err := tx.ClearCart(ctx, actorID, input.CompanyID); err != nil {
			return err
		}
		order.Items = items
		created = order
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	s.recordAudit(ctx, actorID, "ORDER_CREATE", created, nil, map[string]any{
		"status":             created.Status,
		"total_amount":       created.TotalAmount.String(),
		"payment_source":     created.PaymentSource,
		"company_budget_id":  created.BudgetID,
		"employee_budget_id": created.EmployeeBudgetID,
	})
	return created, nil
}

// Approve moves a pending order to approved. Budget-bound orders are
// re-validated under the budget and allocation locks before the write.
func (s *Service) Approve(ctx context.Context, actorID, orderID int64) (Order, error) {
	return s.UpdateStatus(ctx, actorID, orderID, shared.OrderApproved, "")
}

// Reject moves a pending order to rejected; a reason is required.
func (s *Service) Reject(ctx context.Context, actorID, orderID int64, reason string) (Order, error) {
	return s.UpdateStatus(ctx, actorID, orderID, shared.OrderRejected, reason)
}

// Cancel ends an approved or in-flight order; pending orders end through
// Reject. Recognized spend drops out of the next
// recomputation; the caches are refreshed in the same transaction.
func (s *Service) Cancel(ctx context.Context, actorID, orderID int64, reason string) (Order, error) {
	return s.UpdateStatus(ctx, actorID, orderID, shared.OrderCancelled, reason)
}

// UpdateStatus applies any transition the actor's role allows.
func (s *Service) UpdateStatus(ctx context.Context, actorID, orderID int64, target shared.OrderStatus, reason string) (Order, error) {
	order, err := s.transition(ctx, actorID, orderID, target, reason)
	if s.observer != nil {
		s.observer.ObserveTransition(target, err)
	}
	return order, err
}

func (s *Service) transition(ctx context.Context, actorID, orderID int64, target shared.OrderStatus, reason string) (Order, error) {
	if _, err := shared.ParseOrderStatus(string(target)); err != nil {
		return Order{}, err
	}
	reason = strings.TrimSpace(reason)
	if target == shared.OrderRejected && reason == "" {
		return Order{}, fmt.Errorf("%w: a rejection reason is required", shared.ErrValidation)
	}
	current, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	role, err := s.authz.RoleFor(ctx, actorID, current.CompanyID)
	if err != nil {
		return Order{}, err
	}
	if role == shared.RoleVendor {
		if err := s.authz.RequireVendorForCompany(ctx, actorID, current.CompanyID); err != nil {
			return Order{}, err
		}
	}

	now := s.now()
	var before, after Order
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if err := shared.ValidateOrderTransition(o.Status, target, role); err != nil {
			return err
		}
		if target == shared.OrderApproved && o.BudgetBound() {
			availability, err := budgets.Revalidate(ctx, tx.Ledger(), o.BudgetID, o.EmployeeBudgetID, o.TotalAmount)
			if err != nil {
				return err
			}
			if err := availability.Err(); err != nil {
				return err
			}
		}
		change := StatusChange{OrderID: o.ID, From: o.Status, To: target, ActorID: actorID, Reason: reason, At: now}
		if err := tx.UpdateStatus(ctx, change); err != nil {
			return err
		}
		if o.BudgetBound() && o.Status.Recognized() != target.Recognized() {
			if _, _, err := budgets.RefreshSpendCache(ctx, tx.Ledger(), o.BudgetID, o.EmployeeBudgetID); err != nil {
				return err
			}
		}
		before = o
		after = applyChange(o, change)
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	s.afterTransition(ctx, actorID, before, after, reason)
	return after, nil
}

func applyChange(o Order, change StatusChange) Order {
	o.Status = change.To
	o.UpdatedAt = change.At
	switch change.To {
	case shared.OrderApproved:
		at := change.At
		o.ApprovedBy = change.ActorID
		o.ApprovedAt = &at
	case shared.OrderRejected:
		o.RejectionReason = change.Reason
	}
	return o
}

// afterTransition runs the fire-and-forget effects. Failures are logged and
// never surface to the caller.
func (s *Service) afterTransition(ctx context.Context, actorID int64, before, after Order, reason string) {
	oldValues := map[string]any{"status": before.Status}
	newValues := map[string]any{"status": after.Status}
	if reason != "" {
		newValues["reason"] = reason
	}
	s.recordAudit(ctx, actorID, "ORDER_STATUS", after, oldValues, newValues)

	effectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.effectTimeout)
	defer cancel()
	if after.Status == shared.OrderApproved && s.scheduler != nil {
		if err := s.scheduler.SchedulePurchaseOrder(effectCtx, after.ID); err != nil {
			s.logger.Warn("schedule purchase order", slog.Int64("order_id", after.ID), slog.Any("error", err))
		}
	}
	if s.notifier != nil && after.UserID != actorID {
		n := s.formatter.ForOrder(notifications.OrderEvent{
			OrderID:     after.ID,
			OrderNumber: after.OrderNumber,
			CompanyID:   after.CompanyID,
			OwnerID:     after.UserID,
			Status:      string(after.Status),
			Total:       after.TotalAmount,
			Reason:      reason,
		})
		if err := s.notifier.Notify(effectCtx, n); err != nil {
			s.logger.Warn("notify order owner", slog.Int64("order_id", after.ID), slog.Any("error", err))
		}
	}
}

// UpdateNotes replaces the admin notes of an order.
func (s *Service) UpdateNotes(ctx context.Context, actorID, orderID int64, notes string) (Order, error) {
	current, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if err := s.authz.RequireCompanyAdmin(ctx, actorID, current.CompanyID); err != nil {
		return Order{}, err
	}
	notes = strings.TrimSpace(notes)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.LockOrder(ctx, orderID); err != nil {
			return err
		}
		return tx.UpdateNotes(ctx, orderID, notes)
	})
	if err != nil {
		return Order{}, err
	}
	s.recordAudit(ctx, actorID, "ORDER_NOTES", current,
		map[string]any{"admin_notes": current.AdminNotes}, map[string]any{"admin_notes": notes})
	current.AdminNotes = notes
	return current, nil
}

// Get returns an order with its items. Members only see their own orders.
func (s *Service) Get(ctx context.Context, actorID, orderID int64) (Order, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	role, err := s.authz.RoleFor(ctx, actorID, order.CompanyID)
	if err != nil {
		return Order{}, err
	}
	if role == shared.RoleMember && order.UserID != actorID {
		return Order{}, ErrOrderNotFound
	}
	return order, nil
}

// List pages a company's orders. Admins see all, vendors see orders past
// approval, members see their own.
func (s *Service) List(ctx context.Context, actorID int64, filter ListFilter) ([]Order, shared.Pagination, error) {
	role, err := s.authz.RoleFor(ctx, actorID, filter.CompanyID)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	switch role {
	case shared.RoleMember:
		filter.UserID = actorID
	case shared.RoleVendor:
		filter.Statuses = vendorVisible(filter.Statuses)
		if len(filter.Statuses) == 0 {
			return []Order{}, shared.NewPagination(filter.Page, filter.PerPage, 0), nil
		}
	}
	filter.PerPage = shared.ClampPerPage(filter.PerPage)
	if filter.Page <= 0 {
		filter.Page = 1
	}
	list, total, err := s.repo.ListOrders(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return list, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

func vendorVisible(requested []shared.OrderStatus) []shared.OrderStatus {
	recognized := shared.RecognizedOrderStatuses()
	if len(requested) == 0 {
		return recognized
	}
	var out []shared.OrderStatus
	for _, status := range requested {
		if status.Recognized() {
			out = append(out, status)
		}
	}
	return out
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, o Order, oldValues, newValues map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:   actorID,
		Action:    action,
		Entity:    shared.AuditEntityOrder,
		EntityID:  strconv.FormatInt(o.ID, 10),
		CompanyID: o.CompanyID,
		OldValues: oldValues,
		NewValues: newValues,
		At:        s.now(),
	})
	if err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}

func newOrderNumber(now time.Time) string {
	return fmt.Sprintf("ORD-%s-%s", now.Format("20060102"), strings.ToUpper(uuid.NewString()[:8]))
}
