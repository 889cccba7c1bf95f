package budgets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-spend/internal/platform/db"
	"github.com/odyssey-erp/odyssey-spend/internal/shared"
)

// Ledger is the read surface shared by the spend recalculator and the
// availability gate.
type Ledger interface {
	ActiveBudgetAt(ctx context.Context, companyID int64, periodType PeriodType, at time.Time) (Budget, error)
	FindAllocation(ctx context.Context, budgetID, memberID int64) (Allocation, error)
	SumRecognizedSpend(ctx context.Context, scope SpendScope) (decimal.Decimal, error)
}

// LockingLedger is a Ledger bound to a transaction. Callers lock the budget
// before any of its allocations.
type LockingLedger interface {
	Ledger
	LockBudget(ctx context.Context, id int64) (Budget, error)
	LockAllocation(ctx context.Context, id int64) (Allocation, error)
	StoreBudgetSpend(ctx context.Context, id int64, spent decimal.Decimal) error
	StoreAllocationSpend(ctx context.Context, id int64, spent decimal.Decimal) error
}

// NewLedger returns the PostgreSQL ledger over a pool or a transaction.
// Lock methods only hold their locks when q is a transaction.
func NewLedger(q db.DBTX) LockingLedger {
	return &ledgerQueries{q: q}
}

type ledgerQueries struct {
	q db.DBTX
}

const budgetColumns = `id, company_id, period_type, period_start, period_end, total_budget, allocated_budget,
spent_budget, status, created_by, created_at, updated_at`

const allocationColumns = `e.id, e.company_budget_id, b.company_id, e.member_id, e.allocated_amount, e.period_start,
e.period_end, e.spent_amount, e.created_by, e.created_at, e.updated_at`

func scanBudget(row pgx.Row) (Budget, error) {
	var b Budget
	err := row.Scan(&b.ID, &b.CompanyID, &b.PeriodType, &b.PeriodStart, &b.PeriodEnd, &b.TotalBudget,
		&b.AllocatedBudget, &b.SpentBudget, &b.Status, &b.CreatedBy, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Budget{}, ErrBudgetNotFound
		}
		return Budget{}, err
	}
	b.RemainingBudget = b.TotalBudget.Sub(b.SpentBudget)
	return b, nil
}

func scanAllocation(row pgx.Row) (Allocation, error) {
	var a Allocation
	err := row.Scan(&a.ID, &a.BudgetID, &a.CompanyID, &a.MemberID, &a.AllocatedAmount, &a.PeriodStart,
		&a.PeriodEnd, &a.SpentAmount, &a.CreatedBy, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Allocation{}, ErrAllocationNotFound
		}
		return Allocation{}, err
	}
	a.RemainingAmount = a.AllocatedAmount.Sub(a.SpentAmount)
	return a, nil
}

func (l *ledgerQueries) ActiveBudgetAt(ctx context.Context, companyID int64, periodType PeriodType, at time.Time) (Budget, error) {
	row := l.q.QueryRow(ctx, `SELECT `+budgetColumns+` FROM company_budgets
WHERE company_id=$1 AND status='active' AND period_start <= $2 AND period_end > $2
  AND ($3::text = '' OR period_type = $3::text)
ORDER BY period_start DESC, id DESC LIMIT 1`, companyID, at, string(periodType))
	return scanBudget(row)
}

func (l *ledgerQueries) FindAllocation(ctx context.Context, budgetID, memberID int64) (Allocation, error) {
	row := l.q.QueryRow(ctx, `SELECT `+allocationColumns+` FROM employee_budgets e
JOIN company_budgets b ON b.id = e.company_budget_id
WHERE e.company_budget_id=$1 AND e.member_id=$2`, budgetID, memberID)
	return scanAllocation(row)
}

func (l *ledgerQueries) SumRecognizedSpend(ctx context.Context, scope SpendScope) (decimal.Decimal, error) {
	var query string
	var id int64
	switch {
	case scope.AllocationID > 0:
		query = `SELECT COALESCE(SUM(total_amount), 0) FROM orders WHERE employee_budget_id=$1 AND status = ANY($2)`
		id = scope.AllocationID
	case scope.BudgetID > 0:
		query = `SELECT COALESCE(SUM(total_amount), 0) FROM orders WHERE company_budget_id=$1 AND status = ANY($2)`
		id = scope.BudgetID
	default:
		return decimal.Zero, fmt.Errorf("%w: empty spend scope", shared.ErrValidation)
	}
	var spent decimal.Decimal
	if err := l.q.QueryRow(ctx, query, id, RecognizedStatusValues()).Scan(&spent); err != nil {
		return decimal.Zero, err
	}
	return spent, nil
}

func (l *ledgerQueries) LockBudget(ctx context.Context, id int64) (Budget, error) {
	row := l.q.QueryRow(ctx, `SELECT `+budgetColumns+` FROM company_budgets WHERE id=$1 FOR UPDATE`, id)
	return scanBudget(row)
}

func (l *ledgerQueries) LockAllocation(ctx context.Context, id int64) (Allocation, error) {
	row := l.q.QueryRow(ctx, `SELECT `+allocationColumns+` FROM employee_budgets e
JOIN company_budgets b ON b.id = e.company_budget_id
WHERE e.id=$1 FOR UPDATE OF e`, id)
	return scanAllocation(row)
}

func (l *ledgerQueries) StoreBudgetSpend(ctx context.Context, id int64, spent decimal.Decimal) error {
	_, err := l.q.Exec(ctx, `UPDATE company_budgets SET spent_budget=$2, updated_at=NOW() WHERE id=$1`, id, spent)
	return err
}

func (l *ledgerQueries) StoreAllocationSpend(ctx context.Context, id int64, spent decimal.Decimal) error {
	_, err := l.q.Exec(ctx, `UPDATE employee_budgets SET spent_amount=$2, updated_at=NOW() WHERE id=$1`, id, spent)
	return err
}
