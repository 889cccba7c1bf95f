package budgets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-spend/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Ledger() Ledger
	GetBudget(ctx context.Context, id int64) (Budget, error)
	ListBudgets(ctx context.Context, companyID int64, status Status) ([]Budget, error)
	GetAllocation(ctx context.Context, id int64) (Allocation, error)
	ListAllocations(ctx context.Context, budgetID int64) ([]Allocation, error)
	ListExpiredActive(ctx context.Context, now time.Time) ([]Budget, error)
	ListActive(ctx context.Context) ([]Budget, error)
}

// TxRepository exposes transactional operations. Every mutation holds the
// budget row lock for the rest of the transaction.
type TxRepository interface {
	LockingLedger
	LockCompanyBudgets(ctx context.Context, companyID int64) error
	ListOverlappingActive(ctx context.Context, companyID int64, window Window) ([]Budget, error)
	CreateBudget(ctx context.Context, b Budget) (int64, error)
	UpdateBudgetTotal(ctx context.Context, id int64, total decimal.Decimal) error
	UpdateBudgetStatus(ctx context.Context, id int64, status Status) error
	SumAllocated(ctx context.Context, budgetID int64) (decimal.Decimal, error)
	SetBudgetAllocated(ctx context.Context, id int64, allocated decimal.Decimal) error
	CreateAllocation(ctx context.Context, a Allocation) (int64, error)
	UpdateAllocationAmount(ctx context.Context, id int64, amount decimal.Decimal) error
	ListAllocations(ctx context.Context, budgetID int64) ([]Allocation, error)
}

// Authorizer is the capability check consumed by the ledger.
type Authorizer interface {
	RequireCompanyMember(ctx context.Context, actorID, companyID int64) (shared.ActorRole, error)
	RequireCompanyAdmin(ctx context.Context, actorID, companyID int64) error
	IsCompanyMember(ctx context.Context, companyID, userID int64) (bool, error)
}

// GateObserver receives availability decisions.
type GateObserver interface {
	ObserveGate(available bool, reason string)
}

// Service owns budget periods and allocations.
type Service struct {
	repo      RepositoryPort
	authz     Authorizer
	audit     shared.AuditPort
	logger    *slog.Logger
	observer  GateObserver
	now       func() time.Time
	summaries singleflight.Group
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

// WithGateObserver reports availability decisions, typically to metrics.
func WithGateObserver(observer GateObserver) Option {
	return func(s *Service) { s.observer = observer }
}

// NewService constructs the budget service.
func NewService(repo RepositoryPort, authz Authorizer, audit shared.AuditPort, opts ...Option) *Service {
	s := &Service{repo: repo, authz: authz, audit: audit, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateBudget opens a budget period for a company.
func (s *Service) CreateBudget(ctx context.Context, actorID int64, input CreateBudgetInput) (Budget, error) {
	if !input.TotalBudget.IsPositive() {
		return Budget{}, fmt.Errorf("%w: total budget must be positive", shared.ErrValidation)
	}
	if input.CompanyID <= 0 {
		return Budget{}, fmt.Errorf("%w: company is required", shared.ErrValidation)
	}
	anchor := input.Anchor
	if anchor.IsZero() {
		anchor = s.now()
	}
	window, err := PeriodBounds(input.PeriodType, anchor)
	if err != nil {
		return Budget{}, err
	}
	if err := s.authz.RequireCompanyAdmin(ctx, actorID, input.CompanyID); err != nil {
		return Budget{}, err
	}

	budget := Budget{
		CompanyID:       input.CompanyID,
		PeriodType:      input.PeriodType,
		PeriodStart:     window.Start,
		PeriodEnd:       window.End,
		TotalBudget:     input.TotalBudget,
		AllocatedBudget: decimal.Zero,
		SpentBudget:     decimal.Zero,
		RemainingBudget: input.TotalBudget,
		Status:          StatusActive,
		CreatedBy:       actorID,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockCompanyBudgets(ctx, input.CompanyID); err != nil {
			return err
		}
		overlapping, err := tx.ListOverlappingActive(ctx, input.CompanyID, window)
		if err != nil {
			return err
		}
		if len(overlapping) > 0 {
			return fmt.Errorf("%w: active budget %d already covers %s to %s", shared.ErrConflict,
				overlapping[0].ID, overlapping[0].PeriodStart.Format(time.DateOnly), overlapping[0].Window().LastInstant().Format(time.DateOnly))
		}
		id, err := tx.CreateBudget(ctx, budget)
		if err != nil {
			return err
		}
		budget.ID = id
		return nil
	})
	if err != nil {
		return Budget{}, err
	}
	s.recordAudit(ctx, actorID, "BUDGET_CREATE", shared.AuditEntityBudget, budget.ID, budget.CompanyID, nil, map[string]any{
		"period_type":  budget.PeriodType,
		"period_start": budget.PeriodStart,
		"period_end":   budget.PeriodEnd,
		"total_budget": budget.TotalBudget.String(),
	})
	return budget, nil
}

// UpdateBudgetTotal edits the total of an active budget with no recognized
// spend. The new total must still cover every allocation.
func (s *Service) UpdateBudgetTotal(ctx context.Context, actorID, budgetID int64, total decimal.Decimal) (Budget, error) {
	if !total.IsPositive() {
		return Budget{}, fmt.Errorf("%w: total budget must be positive", shared.ErrValidation)
	}
	current, err := s.repo.GetBudget(ctx, budgetID)
	if err != nil {
		return Budget{}, err
	}
	if err := s.authz.RequireCompanyAdmin(ctx, actorID, current.CompanyID); err != nil {
		return Budget{}, err
	}
	var before, after Budget
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		b, err := tx.LockBudget(ctx, budgetID)
		if err != nil {
			return err
		}
		if b.Status != StatusActive {
			return ErrBudgetNotActive
		}
		spent, err := tx.SumRecognizedSpend(ctx, SpendScope{BudgetID: b.ID})
		if err != nil {
			return err
		}
		if spent.IsPositive() {
			return ErrBudgetFrozen
		}
		allocated, err := tx.SumAllocated(ctx, b.ID)
		if err != nil {
			return err
		}
		if total.LessThan(allocated) {
			return fmt.Errorf("%w: total %s is below allocated %s", shared.ErrInvalidReduction, total.StringFixed(2), allocated.StringFixed(2))
		}
		if err := tx.UpdateBudgetTotal(ctx, b.ID, total); err != nil {
			return err
		}
		before = b
		after = b
		after.TotalBudget = total
		after.AllocatedBudget = allocated
		after.SpentBudget = spent
		after.RemainingBudget = total.Sub(spent)
		return nil
	})
	if err != nil {
		return Budget{}, err
	}
	s.recordAudit(ctx, actorID, "BUDGET_UPDATE", shared.AuditEntityBudget, after.ID, after.CompanyID,
		map[string]any{"total_budget": before.TotalBudget.String()},
		map[string]any{"total_budget": after.TotalBudget.String()})
	return after, nil
}

// SetBudgetStatus completes or cancels an active budget.
func (s *Service) SetBudgetStatus(ctx context.Context, actorID, budgetID int64, status Status) (Budget, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return Budget{}, err
	}
	current, err := s.repo.GetBudget(ctx, budgetID)
	if err != nil {
		return Budget{}, err
	}
	if err := s.authz.RequireCompanyAdmin(ctx, actorID, current.CompanyID); err != nil {
		return Budget{}, err
	}
	return s.setStatus(ctx, actorID, budgetID, status)
}

func (s *Service) setStatus(ctx context.Context, actorID, budgetID int64, status Status) (Budget, error) {
	var before Budget
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		b, err := tx.LockBudget(ctx, budgetID)
		if err != nil {
			return err
		}
		if err := ValidateStatusTransition(b.Status, status); err != nil {
			return err
		}
		before = b
		return tx.UpdateBudgetStatus(ctx, budgetID, status)
	})
	if err != nil {
		return Budget{}, err
	}
	after := before
	after.Status = status
	s.recordAudit(ctx, actorID, "BUDGET_STATUS", shared.AuditEntityBudget, after.ID, after.CompanyID,
		map[string]any{"status": before.Status}, map[string]any{"status": after.Status})
	return after, nil
}

// Allocate grants a member part of an active budget.
func (s *Service) Allocate(ctx context.Context, actorID int64, input AllocateInput) (Allocation, error) {
	if !input.Amount.IsPositive() {
		return Allocation{}, fmt.Errorf("%w: allocation amount must be positive", shared.ErrValidation)
	}
	if input.MemberID <= 0 {
		return Allocation{}, fmt.Errorf("%w: member is required", shared.ErrValidation)
	}
	budget, err := s.repo.GetBudget(ctx, input.BudgetID)
	if err != nil {
		return Allocation{}, err
	}
	if err := s.authz.RequireCompanyAdmin(ctx, actorID, budget.CompanyID); err != nil {
		return Allocation{}, err
	}
	member, err := s.authz.IsCompanyMember(ctx, budget.CompanyID, input.MemberID)
	if err != nil {
		return Allocation{}, err
	}
	if !member {
		return Allocation{}, fmt.Errorf("%w: user %d is not a member of company %d", shared.ErrValidation, input.MemberID, budget.CompanyID)
	}

	var created Allocation
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		b, err := tx.LockBudget(ctx, input.BudgetID)
		if err != nil {
			return err
		}
		if b.Status != StatusActive {
			return ErrBudgetNotActive
		}
		if _, err := tx.FindAllocation(ctx, b.ID, input.MemberID); err == nil {
			return fmt.Errorf("%w: member %d in budget %d", shared.ErrDuplicateAllocation, input.MemberID, b.ID)
		} else if !errors.Is(err, ErrAllocationNotFound) {
			return err
		}
		allocated, err := tx.SumAllocated(ctx, b.ID)
		if err != nil {
			return err
		}
		next := allocated.Add(input.Amount)
		if next.GreaterThan(b.TotalBudget) {
			return fmt.Errorf("%w: allocating %s leaves %s of %s unallocated", shared.ErrBudgetExceeded,
				input.Amount.StringFixed(2), b.TotalBudget.Sub(allocated).StringFixed(2), b.TotalBudget.StringFixed(2))
		}
		alloc := Allocation{
			BudgetID:        b.ID,
			CompanyID:       b.CompanyID,
			MemberID:        input.MemberID,
			AllocatedAmount: input.Amount,
			PeriodStart:     b.PeriodStart,
			PeriodEnd:       b.PeriodEnd,
			SpentAmount:     decimal.Zero,
			RemainingAmount: input.Amount,
			CreatedBy:       actorID,
		}
		id, err := tx.CreateAllocation(ctx, alloc)
		if err != nil {
			return err
		}
		if err := tx.SetBudgetAllocated(ctx, b.ID, next); err != nil {
			return err
		}
		alloc.ID = id
		created = alloc
		return nil
	})
	if err != nil {
		return Allocation{}, err
	}
	s.recordAudit(ctx, actorID, "ALLOCATION_CREATE", shared.AuditEntityAllocation, created.ID, created.CompanyID, nil, map[string]any{
		"company_budget_id": created.BudgetID,
		"member_id":         created.MemberID,
		"allocated_amount":  created.AllocatedAmount.String(),
	})
	return created, nil
}

// UpdateAllocation changes a member's allocated amount. The amount may not
// drop below recognized spend, and the budget must still cover the new sum.
func (s *Service) UpdateAllocation(ctx context.Context, actorID, allocationID int64, amount decimal.Decimal) (Allocation, error) {
	if amount.IsNegative() {
		return Allocation{}, fmt.Errorf("%w: allocation amount must not be negative", shared.ErrValidation)
	}
	current, err := s.repo.GetAllocation(ctx, allocationID)
	if err != nil {
		return Allocation{}, err
	}
	if err := s.authz.RequireCompanyAdmin(ctx, actorID, current.CompanyID); err != nil {
		return Allocation{}, err
	}

	var before, after Allocation
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		b, err := tx.LockBudget(ctx, current.BudgetID)
		if err != nil {
			return err
		}
		if b.Status != StatusActive {
			return ErrBudgetNotActive
		}
		a, err := tx.LockAllocation(ctx, allocationID)
		if err != nil {
			return err
		}
		a, err = RecalculateAllocation(ctx, tx, a)
		if err != nil {
			return err
		}
		if amount.LessThan(a.SpentAmount) {
			return fmt.Errorf("%w: %s is below recognized spend %s", shared.ErrInvalidReduction,
				amount.StringFixed(2), a.SpentAmount.StringFixed(2))
		}
		allocated, err := tx.SumAllocated(ctx, b.ID)
		if err != nil {
			return err
		}
		next := allocated.Sub(a.AllocatedAmount).Add(amount)
		if next.GreaterThan(b.TotalBudget) {
			return fmt.Errorf("%w: allocations would total %s of %s", shared.ErrBudgetExceeded,
				next.StringFixed(2), b.TotalBudget.StringFixed(2))
		}
		if err := tx.UpdateAllocationAmount(ctx, a.ID, amount); err != nil {
			return err
		}
		if err := tx.SetBudgetAllocated(ctx, b.ID, next); err != nil {
			return err
		}
		if err := tx.StoreAllocationSpend(ctx, a.ID, a.SpentAmount); err != nil {
			return err
		}
		before = a
		after = a
		after.AllocatedAmount = amount
		after.RemainingAmount = amount.Sub(a.SpentAmount)
		return nil
	})
	if err != nil {
		return Allocation{}, err
	}
	s.recordAudit(ctx, actorID, "ALLOCATION_UPDATE", shared.AuditEntityAllocation, after.ID, after.CompanyID,
		map[string]any{"allocated_amount": before.AllocatedAmount.String()},
		map[string]any{"allocated_amount": after.AllocatedAmount.String()})
	return after, nil
}

// CheckAvailability runs the gate for a member. Members may only check
// themselves; admins may check anyone in the company.
func (s *Service) CheckAvailability(ctx context.Context, actorID int64, req AvailabilityRequest) (Availability, error) {
	role, err := s.authz.RequireCompanyMember(ctx, actorID, req.CompanyID)
	if err != nil {
		return Availability{}, err
	}
	if req.MemberID == 0 {
		req.MemberID = actorID
	}
	if req.MemberID != actorID && role != shared.RoleAdmin {
		return Availability{}, fmt.Errorf("%w: only admins can check other members", shared.ErrUnauthorized)
	}
	if req.At.IsZero() {
		req.At = s.now()
	}
	out, err := CheckAvailability(ctx, s.repo.Ledger(), req)
	if err != nil {
		return Availability{}, err
	}
	s.observe(out)
	return out, nil
}

func (s *Service) observe(a Availability) {
	if s.observer != nil {
		s.observer.ObserveGate(a.Available, a.Reason)
	}
}

// Summary returns the budget and its allocations with spend recomputed.
// Identical concurrent requests share one computation.
func (s *Service) Summary(ctx context.Context, actorID, budgetID int64) (Summary, error) {
	budget, err := s.repo.GetBudget(ctx, budgetID)
	if err != nil {
		return Summary{}, err
	}
	if err := s.authz.RequireCompanyAdmin(ctx, actorID, budget.CompanyID); err != nil {
		return Summary{}, err
	}
	resultChan := s.summaries.DoChan(strconv.FormatInt(budgetID, 10), func() (any, error) {
		return s.buildSummary(context.WithoutCancel(ctx), budget)
	})
	select {
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return Summary{}, res.Err
		}
		return res.Val.(Summary), nil
	}
}

func (s *Service) buildSummary(ctx context.Context, budget Budget) (Summary, error) {
	ledger := s.repo.Ledger()
	budget, err := RecalculateBudget(ctx, ledger, budget)
	if err != nil {
		return Summary{}, err
	}
	allocations, err := s.repo.ListAllocations(ctx, budget.ID)
	if err != nil {
		return Summary{}, err
	}
	allocated := decimal.Zero
	for i := range allocations {
		allocations[i], err = RecalculateAllocation(ctx, ledger, allocations[i])
		if err != nil {
			return Summary{}, err
		}
		allocated = allocated.Add(allocations[i].AllocatedAmount)
	}
	budget.AllocatedBudget = allocated
	return Summary{Budget: budget, Allocations: allocations, Unallocated: budget.TotalBudget.Sub(allocated)}, nil
}

// ListBudgets returns a company's budgets with spend recomputed. Members may
// list; status filters when set.
func (s *Service) ListBudgets(ctx context.Context, actorID, companyID int64, status Status) ([]Budget, error) {
	if status != "" {
		if _, err := ParseStatus(string(status)); err != nil {
			return nil, err
		}
	}
	if _, err := s.authz.RequireCompanyMember(ctx, actorID, companyID); err != nil {
		return nil, err
	}
	list, err := s.repo.ListBudgets(ctx, companyID, status)
	if err != nil {
		return nil, err
	}
	ledger := s.repo.Ledger()
	for i := range list {
		if list[i], err = RecalculateBudget(ctx, ledger, list[i]); err != nil {
			return nil, err
		}
	}
	return list, nil
}

// RefreshSpend rewrites the cached spent columns of a budget and all of its
// allocations.
func (s *Service) RefreshSpend(ctx context.Context, budgetID int64) (Budget, error) {
	var refreshed Budget
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		b, _, err := RefreshSpendCache(ctx, tx, budgetID, 0)
		if err != nil {
			return err
		}
		allocations, err := tx.ListAllocations(ctx, budgetID)
		if err != nil {
			return err
		}
		for _, a := range allocations {
			if _, _, err := RefreshSpendCache(ctx, tx, budgetID, a.ID); err != nil {
				return err
			}
		}
		refreshed = b
		return nil
	})
	return refreshed, err
}

// RefreshActive refreshes every active budget, continuing past failures.
func (s *Service) RefreshActive(ctx context.Context) (int, error) {
	active, err := s.repo.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	var errs []error
	refreshed := 0
	for _, b := range active {
		if _, err := s.RefreshSpend(ctx, b.ID); err != nil {
			errs = append(errs, fmt.Errorf("budget %d: %w", b.ID, err))
			continue
		}
		refreshed++
	}
	return refreshed, errors.Join(errs...)
}

// CloseExpired completes active budgets whose period has ended.
func (s *Service) CloseExpired(ctx context.Context) (int, error) {
	expired, err := s.repo.ListExpiredActive(ctx, s.now())
	if err != nil {
		return 0, err
	}
	var errs []error
	closed := 0
	for _, b := range expired {
		if _, err := s.setStatus(ctx, 0, b.ID, StatusCompleted); err != nil {
			errs = append(errs, fmt.Errorf("budget %d: %w", b.ID, err))
			continue
		}
		closed++
		s.logger.Info("budget period closed", slog.Int64("budget_id", b.ID), slog.Int64("company_id", b.CompanyID))
	}
	return closed, errors.Join(errs...)
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action, entity string, entityID, companyID int64, oldValues, newValues map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:   actorID,
		Action:    action,
		Entity:    entity,
		EntityID:  strconv.FormatInt(entityID, 10),
		CompanyID: companyID,
		OldValues: oldValues,
		NewValues: newValues,
		At:        s.now(),
	})
	if err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}
