package budgets

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-spend/internal/shared"
)

var (
	// ErrBudgetNotFound indicates the company budget does not exist.
	ErrBudgetNotFound = fmt.Errorf("budgets: budget %w", shared.ErrNotFound)
	// ErrAllocationNotFound indicates the employee allocation does not exist.
	ErrAllocationNotFound = fmt.Errorf("budgets: allocation %w", shared.ErrNotFound)
	// ErrBudgetNotActive indicates a mutation against a completed or cancelled budget.
	ErrBudgetNotActive = fmt.Errorf("budgets: budget is not active: %w", shared.ErrConflict)
	// ErrBudgetFrozen indicates the total cannot change once spend is recognized.
	ErrBudgetFrozen = fmt.Errorf("budgets: total is frozen once spend is recognized: %w", shared.ErrConflict)
)

// Status enumerates budget lifecycle states.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// ParseStatus validates a raw budget status.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(raw); s {
	case StatusActive, StatusCompleted, StatusCancelled:
		return s, nil
	}
	return "", fmt.Errorf("%w: unknown budget status %q", shared.ErrValidation, raw)
}

// ValidateStatusTransition allows active budgets to complete or cancel.
func ValidateStatusTransition(current, target Status) error {
	if current == StatusActive && (target == StatusCompleted || target == StatusCancelled) {
		return nil
	}
	return fmt.Errorf("%w: budget %s -> %s", shared.ErrInvalidTransition, current, target)
}

// Budget is a company's spending pool for one period. Spent and remaining
// are recomputed from orders on read; the stored copies are caches.
type Budget struct {
	ID              int64           `json:"id"`
	CompanyID       int64           `json:"company_id"`
	PeriodType      PeriodType      `json:"period_type"`
	PeriodStart     time.Time       `json:"period_start"`
	PeriodEnd       time.Time       `json:"period_end"`
	TotalBudget     decimal.Decimal `json:"total_budget"`
	AllocatedBudget decimal.Decimal `json:"allocated_budget"`
	SpentBudget     decimal.Decimal `json:"spent_budget"`
	RemainingBudget decimal.Decimal `json:"remaining_budget"`
	Status          Status          `json:"status"`
	CreatedBy       int64           `json:"created_by"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Window returns the budget's period window.
func (b Budget) Window() Window {
	return Window{Start: b.PeriodStart, End: b.PeriodEnd}
}

// Unallocated is the part of the total not yet handed to members.
func (b Budget) Unallocated() decimal.Decimal {
	return b.TotalBudget.Sub(b.AllocatedBudget)
}

// Allocation is a member's slice of a company budget.
type Allocation struct {
	ID              int64           `json:"id"`
	BudgetID        int64           `json:"company_budget_id"`
	CompanyID       int64           `json:"company_id"`
	MemberID        int64           `json:"member_id"`
	AllocatedAmount decimal.Decimal `json:"allocated_amount"`
	PeriodStart     time.Time       `json:"period_start"`
	PeriodEnd       time.Time       `json:"period_end"`
	SpentAmount     decimal.Decimal `json:"spent_amount"`
	RemainingAmount decimal.Decimal `json:"remaining_amount"`
	CreatedBy       int64           `json:"created_by"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// SpendScope selects the orders charged against a ledger entry. Exactly one
// of the IDs is set.
type SpendScope struct {
	BudgetID     int64
	AllocationID int64
}

// Summary is a budget with its allocations, all spend recomputed.
type Summary struct {
	Budget      Budget          `json:"budget"`
	Allocations []Allocation    `json:"allocations"`
	Unallocated decimal.Decimal `json:"unallocated"`
}

// CreateBudgetInput carries the data for a new budget period.
type CreateBudgetInput struct {
	CompanyID   int64
	PeriodType  PeriodType
	TotalBudget decimal.Decimal
	// Anchor picks the period; zero means now.
	Anchor time.Time
}

// AllocateInput grants a member part of a budget.
type AllocateInput struct {
	BudgetID int64
	MemberID int64
	Amount   decimal.Decimal
}
