package budgets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-spend/internal/shared"
)

// Reasons reported when a charge is not available.
const (
	ReasonNoActiveBudget        = "no active budget"
	ReasonNoAllocation          = "no allocation"
	ReasonInsufficientRemaining = "insufficient remaining"
	ReasonBudgetNotActive       = "budget not active"
)

// AvailabilityRequest asks whether Amount can be charged to a member's
// allocation in the budget active at At.
type AvailabilityRequest struct {
	CompanyID int64
	MemberID  int64
	// PeriodType narrows the budget lookup; empty matches any type.
	PeriodType PeriodType
	Amount     decimal.Decimal
	At         time.Time
}

func (r AvailabilityRequest) validate() error {
	if r.CompanyID <= 0 || r.MemberID <= 0 {
		return fmt.Errorf("%w: company and member are required", shared.ErrValidation)
	}
	if r.Amount.IsNegative() {
		return fmt.Errorf("%w: amount must not be negative", shared.ErrValidation)
	}
	if r.PeriodType != "" {
		if _, err := ParsePeriodType(string(r.PeriodType)); err != nil {
			return err
		}
	}
	return nil
}

// Availability is the gate's answer.
type Availability struct {
	Available    bool            `json:"available"`
	Remaining    decimal.Decimal `json:"remaining"`
	BudgetID     int64           `json:"budget_id,omitempty"`
	AllocationID int64           `json:"allocation_id,omitempty"`
	Reason       string          `json:"reason,omitempty"`
}

// Err converts a negative answer into ErrBudgetExceeded.
func (a Availability) Err() error {
	if a.Available {
		return nil
	}
	return fmt.Errorf("%w: %s (remaining %s)", shared.ErrBudgetExceeded, a.Reason, a.Remaining.StringFixed(2))
}

func decide(budgetID int64, alloc Allocation, amount decimal.Decimal) Availability {
	out := Availability{
		Available:    alloc.RemainingAmount.GreaterThanOrEqual(amount),
		Remaining:    alloc.RemainingAmount,
		BudgetID:     budgetID,
		AllocationID: alloc.ID,
	}
	if !out.Available {
		out.Reason = ReasonInsufficientRemaining
	}
	return out
}

func (r AvailabilityRequest) at() time.Time {
	if r.At.IsZero() {
		return time.Now()
	}
	return r.At
}

// lookup finds the active budget and the member's allocation. A missing
// entry yields a negative answer rather than an error.
func lookup(ctx context.Context, ledger Ledger, req AvailabilityRequest) (Budget, Allocation, *Availability, error) {
	budget, err := ledger.ActiveBudgetAt(ctx, req.CompanyID, req.PeriodType, req.at())
	if err != nil {
		if errors.Is(err, ErrBudgetNotFound) {
			return Budget{}, Allocation{}, &Availability{Remaining: decimal.Zero, Reason: ReasonNoActiveBudget}, nil
		}
		return Budget{}, Allocation{}, nil, err
	}
	alloc, err := ledger.FindAllocation(ctx, budget.ID, req.MemberID)
	if err != nil {
		if errors.Is(err, ErrAllocationNotFound) {
			return budget, Allocation{}, &Availability{Remaining: decimal.Zero, BudgetID: budget.ID, Reason: ReasonNoAllocation}, nil
		}
		return Budget{}, Allocation{}, nil, err
	}
	return budget, alloc, nil, nil
}

// CheckAvailability answers from live order data without locking or writing
// anything. Safe for previews; commit paths use CheckAvailabilityLocked.
func CheckAvailability(ctx context.Context, ledger Ledger, req AvailabilityRequest) (Availability, error) {
	if err := req.validate(); err != nil {
		return Availability{}, err
	}
	budget, alloc, miss, err := lookup(ctx, ledger, req)
	if err != nil || miss != nil {
		return deref(miss), err
	}
	alloc, err = RecalculateAllocation(ctx, ledger, alloc)
	if err != nil {
		return Availability{}, err
	}
	return decide(budget.ID, alloc, req.Amount), nil
}

// CheckAvailabilityLocked performs the same check but locks the budget and
// the allocation before recomputing spend, so the answer holds until the
// surrounding transaction ends.
func CheckAvailabilityLocked(ctx context.Context, ledger LockingLedger, req AvailabilityRequest) (Availability, error) {
	if err := req.validate(); err != nil {
		return Availability{}, err
	}
	budget, alloc, miss, err := lookup(ctx, ledger, req)
	if err != nil || miss != nil {
		return deref(miss), err
	}
	return Revalidate(ctx, ledger, budget.ID, alloc.ID, req.Amount)
}

// Revalidate locks a bound budget and allocation, recomputes spend and
// decides whether amount still fits. Approval calls it right before writing
// the new status.
func Revalidate(ctx context.Context, ledger LockingLedger, budgetID, allocationID int64, amount decimal.Decimal) (Availability, error) {
	budget, err := ledger.LockBudget(ctx, budgetID)
	if err != nil {
		return Availability{}, err
	}
	if budget.Status != StatusActive {
		return Availability{Remaining: decimal.Zero, BudgetID: budget.ID, AllocationID: allocationID, Reason: ReasonBudgetNotActive}, nil
	}
	if allocationID == 0 {
		budget, err = RecalculateBudget(ctx, ledger, budget)
		if err != nil {
			return Availability{}, err
		}
		out := Availability{
			Available: budget.RemainingBudget.GreaterThanOrEqual(amount),
			Remaining: budget.RemainingBudget,
			BudgetID:  budget.ID,
		}
		if !out.Available {
			out.Reason = ReasonInsufficientRemaining
		}
		return out, nil
	}
	alloc, err := ledger.LockAllocation(ctx, allocationID)
	if err != nil {
		return Availability{}, err
	}
	if alloc.BudgetID != budget.ID {
		return Availability{}, fmt.Errorf("%w: allocation %d does not belong to budget %d", shared.ErrValidation, alloc.ID, budget.ID)
	}
	alloc, err = RecalculateAllocation(ctx, ledger, alloc)
	if err != nil {
		return Availability{}, err
	}
	return decide(budget.ID, alloc, amount), nil
}

func deref(a *Availability) Availability {
	if a == nil {
		return Availability{}
	}
	return *a
}
