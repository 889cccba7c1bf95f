package purchaseorders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-spend/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPurchaseOrder(ctx context.Context, id int64) (PurchaseOrder, error)
	GetByOrder(ctx context.Context, orderID int64) (PurchaseOrder, error)
	ListPurchaseOrders(ctx context.Context, filter ListFilter) ([]PurchaseOrder, int, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	LoadSourceOrder(ctx context.Context, orderID int64) (SourceOrder, error)
	FindByOrder(ctx context.Context, orderID int64) (PurchaseOrder, error)
	CreatePurchaseOrder(ctx context.Context, po PurchaseOrder) (int64, error)
	InsertItem(ctx context.Context, item Item) (int64, error)
	LockPurchaseOrder(ctx context.Context, id int64) (PurchaseOrder, error)
	UpdateItemStatus(ctx context.Context, itemID int64, status ItemStatus, at time.Time) error
	Complete(ctx context.Context, id int64, at time.Time) error
}

// Authorizer resolves the actor's role in a company.
type Authorizer interface {
	RoleFor(ctx context.Context, actorID, companyID int64) (shared.ActorRole, error)
}

// Service creates purchase orders for approved orders and tracks vendor
// progress on their items.
type Service struct {
	repo   RepositoryPort
	authz  Authorizer
	audit  shared.AuditPort
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs the purchase order service.
func NewService(repo RepositoryPort, authz Authorizer, audit shared.AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, authz: authz, audit: audit, logger: logger, now: time.Now}
}

// CreateForOrder cuts the purchase order of an approved order. It is
// idempotent: a second call, or a call racing another worker, returns the
// existing purchase order with created=false.
func (s *Service) CreateForOrder(ctx context.Context, orderID int64) (PurchaseOrder, bool, error) {
	if orderID <= 0 {
		return PurchaseOrder{}, false, fmt.Errorf("%w: order id required", shared.ErrValidation)
	}
	now := s.now()
	var (
		po      PurchaseOrder
		created bool
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.FindByOrder(ctx, orderID)
		if err == nil {
			po = existing
			return nil
		}
		if !errors.Is(err, ErrPurchaseOrderNotFound) {
			return err
		}
		order, err := tx.LoadSourceOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !order.Status.Recognized() {
			return fmt.Errorf("%w: order %d is %s", shared.ErrConflict, orderID, order.Status)
		}
		if len(order.Lines) == 0 {
			return fmt.Errorf("%w: order %d has no items", shared.ErrValidation, orderID)
		}
		po = PurchaseOrder{
			CompanyID: order.CompanyID,
			OrderID:   order.ID,
			Number:    newNumber(now),
			Status:    StatusOpen,
			CreatedAt: now,
			UpdatedAt: now,
		}
		id, err := tx.CreatePurchaseOrder(ctx, po)
		if err != nil {
			return err
		}
		po.ID = id
		for _, line := range order.Lines {
			item := Item{
				PurchaseOrderID: id,
				OrderItemID:     line.OrderItemID,
				CatalogItemID:   line.CatalogItemID,
				CatalogType:     line.CatalogType,
				Variant:         line.Variant,
				Size:            line.Size,
				Quantity:        line.Quantity,
				Status:          ItemPending,
				UpdatedAt:       now,
			}
			if item.ID, err = tx.InsertItem(ctx, item); err != nil {
				return err
			}
			po.Items = append(po.Items, item)
		}
		created = true
		return nil
	})
	if errors.Is(err, errAlreadyCreated) {
		existing, getErr := s.repo.GetByOrder(ctx, orderID)
		return existing, false, getErr
	}
	if err != nil {
		return PurchaseOrder{}, false, err
	}
	if created {
		s.recordAudit(ctx, 0, "PO_CREATE", po, nil, map[string]any{
			"order_id":  po.OrderID,
			"po_number": po.Number,
			"items":     len(po.Items),
		})
	}
	return po, created, nil
}

// UpdateItemStatus advances one item. Only vendors assigned to the company
// may move items; the purchase order completes with its last item.
func (s *Service) UpdateItemStatus(ctx context.Context, actorID, poID, itemID int64, target ItemStatus) (PurchaseOrder, error) {
	if _, err := ParseItemStatus(string(target)); err != nil {
		return PurchaseOrder{}, err
	}
	current, err := s.repo.GetPurchaseOrder(ctx, poID)
	if err != nil {
		return PurchaseOrder{}, err
	}
	if err := s.requireVendor(ctx, actorID, current.CompanyID); err != nil {
		return PurchaseOrder{}, err
	}

	now := s.now()
	var (
		from    ItemStatus
		updated PurchaseOrder
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.LockPurchaseOrder(ctx, poID)
		if err != nil {
			return err
		}
		idx := -1
		for i := range po.Items {
			if po.Items[i].ID == itemID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return ErrItemNotFound
		}
		from = po.Items[idx].Status
		if err := ValidateItemTransition(from, target); err != nil {
			return err
		}
		if err := tx.UpdateItemStatus(ctx, itemID, target, now); err != nil {
			return err
		}
		po.Items[idx].Status = target
		po.Items[idx].UpdatedAt = now
		po.UpdatedAt = now
		if po.Status != StatusCompleted && allCompleted(po.Items) {
			if err := tx.Complete(ctx, poID, now); err != nil {
				return err
			}
			po.Status = StatusCompleted
			po.CompletedAt = &now
		}
		updated = po
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.recordAudit(ctx, actorID, "PO_ITEM_STATUS", updated,
		map[string]any{"item_id": itemID, "status": from},
		map[string]any{"item_id": itemID, "status": target, "po_status": updated.Status})
	return updated, nil
}

// Get returns a purchase order to a company admin or vendor.
func (s *Service) Get(ctx context.Context, actorID, poID int64) (PurchaseOrder, error) {
	po, err := s.repo.GetPurchaseOrder(ctx, poID)
	if err != nil {
		return PurchaseOrder{}, err
	}
	if err := s.requireFulfiller(ctx, actorID, po.CompanyID); err != nil {
		return PurchaseOrder{}, err
	}
	return po, nil
}

// List pages a company's purchase orders.
func (s *Service) List(ctx context.Context, actorID int64, filter ListFilter) ([]PurchaseOrder, shared.Pagination, error) {
	if filter.Status != "" && filter.Status != StatusOpen && filter.Status != StatusCompleted {
		return nil, shared.Pagination{}, fmt.Errorf("%w: unknown purchase order status %q", shared.ErrValidation, filter.Status)
	}
	if err := s.requireFulfiller(ctx, actorID, filter.CompanyID); err != nil {
		return nil, shared.Pagination{}, err
	}
	filter.PerPage = shared.ClampPerPage(filter.PerPage)
	if filter.Page <= 0 {
		filter.Page = 1
	}
	list, total, err := s.repo.ListPurchaseOrders(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return list, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

func (s *Service) requireFulfiller(ctx context.Context, actorID, companyID int64) error {
	role, err := s.authz.RoleFor(ctx, actorID, companyID)
	if err != nil {
		return err
	}
	if role != shared.RoleAdmin && role != shared.RoleVendor {
		return fmt.Errorf("%w: purchase orders are visible to admins and vendors", shared.ErrUnauthorized)
	}
	return nil
}

func (s *Service) requireVendor(ctx context.Context, actorID, companyID int64) error {
	role, err := s.authz.RoleFor(ctx, actorID, companyID)
	if err != nil {
		return err
	}
	if role != shared.RoleVendor {
		return fmt.Errorf("%w: only the company's vendor moves purchase order items", shared.ErrUnauthorized)
	}
	return nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, po PurchaseOrder, oldValues, newValues map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:   actorID,
		Action:    action,
		Entity:    shared.AuditEntityPurchaseOrder,
		EntityID:  strconv.FormatInt(po.ID, 10),
		CompanyID: po.CompanyID,
		OldValues: oldValues,
		NewValues: newValues,
		At:        s.now(),
	})
	if err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}

func newNumber(now time.Time) string {
	return fmt.Sprintf("PO-%s-%s", now.Format("20060102"), strings.ToUpper(uuid.NewString()[:8]))
}
