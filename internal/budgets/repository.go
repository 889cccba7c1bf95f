package budgets

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-spend/internal/platform/db"
	"github.com/odyssey-erp/odyssey-spend/internal/shared"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	LockingLedger
	tx pgx.Tx
}

// WithTx runs fn under read committed; row locks taken through the ledger
// serialize concurrent writers per budget.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithLockingTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{LockingLedger: NewLedger(tx), tx: tx})
	})
}

// Ledger returns the pool-backed ledger for unlocked reads.
func (r *Repository) Ledger() Ledger {
	return NewLedger(r.pool)
}

// GetBudget loads a budget by ID.
func (r *Repository) GetBudget(ctx context.Context, id int64) (Budget, error) {
	return scanBudget(r.pool.QueryRow(ctx, `SELECT `+budgetColumns+` FROM company_budgets WHERE id=$1`, id))
}

// ListBudgets lists a company's budgets, newest period first.
func (r *Repository) ListBudgets(ctx context.Context, companyID int64, status Status) ([]Budget, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+budgetColumns+` FROM company_budgets
WHERE company_id=$1 AND ($2::text = '' OR status = $2::text)
ORDER BY period_start DESC, id DESC`, companyID, string(status))
	if err != nil {
		return nil, err
	}
	return collectBudgets(rows)
}

// ListExpiredActive lists active budgets whose period ended at or before now.
func (r *Repository) ListExpiredActive(ctx context.Context, now time.Time) ([]Budget, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+budgetColumns+` FROM company_budgets
WHERE status='active' AND period_end <= $1 ORDER BY id`, now)
	if err != nil {
		return nil, err
	}
	return collectBudgets(rows)
}

// ListActive lists every active budget.
func (r *Repository) ListActive(ctx context.Context) ([]Budget, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+budgetColumns+` FROM company_budgets WHERE status='active' ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return collectBudgets(rows)
}

// GetAllocation loads an allocation by ID.
func (r *Repository) GetAllocation(ctx context.Context, id int64) (Allocation, error) {
	return scanAllocation(r.pool.QueryRow(ctx, `SELECT `+allocationColumns+` FROM employee_budgets e
JOIN company_budgets b ON b.id = e.company_budget_id WHERE e.id=$1`, id))
}

// ListAllocations lists the allocations of a budget.
func (r *Repository) ListAllocations(ctx context.Context, budgetID int64) ([]Allocation, error) {
	return listAllocations(ctx, r.pool, budgetID)
}

func listAllocations(ctx context.Context, q db.DBTX, budgetID int64) ([]Allocation, error) {
	rows, err := q.Query(ctx, `SELECT `+allocationColumns+` FROM employee_budgets e
JOIN company_budgets b ON b.id = e.company_budget_id
WHERE e.company_budget_id=$1 ORDER BY e.id`, budgetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func collectBudgets(rows pgx.Rows) ([]Budget, error) {
	defer rows.Close()
	var out []Budget
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (t *txRepo) LockCompanyBudgets(ctx context.Context, companyID int64) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, shared.CompanyBudgetLockKey(companyID))
	return err
}

func (t *txRepo) ListOverlappingActive(ctx context.Context, companyID int64, window Window) ([]Budget, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+budgetColumns+` FROM company_budgets
WHERE company_id=$1 AND status='active' AND period_start < $3 AND period_end > $2
ORDER BY period_start`, companyID, window.Start, window.End)
	if err != nil {
		return nil, err
	}
	return collectBudgets(rows)
}

func (t *txRepo) CreateBudget(ctx context.Context, b Budget) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO company_budgets
(company_id, period_type, period_start, period_end, total_budget, allocated_budget, spent_budget, status, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, 0, 0, $6, $7, NOW(), NOW()) RETURNING id`,
		b.CompanyID, string(b.PeriodType), b.PeriodStart, b.PeriodEnd, b.TotalBudget, string(b.Status), b.CreatedBy).Scan(&id)
	return id, err
}

func (t *txRepo) UpdateBudgetTotal(ctx context.Context, id int64, total decimal.Decimal) error {
	_, err := t.tx.Exec(ctx, `UPDATE company_budgets SET total_budget=$2, updated_at=NOW() WHERE id=$1`, id, total)
	return err
}

func (t *txRepo) UpdateBudgetStatus(ctx context.Context, id int64, status Status) error {
	_, err := t.tx.Exec(ctx, `UPDATE company_budgets SET status=$2, updated_at=NOW() WHERE id=$1`, id, string(status))
	return err
}

func (t *txRepo) SumAllocated(ctx context.Context, budgetID int64) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := t.tx.QueryRow(ctx, `SELECT COALESCE(SUM(allocated_amount), 0) FROM employee_budgets WHERE company_budget_id=$1`, budgetID).Scan(&sum)
	return sum, err
}

func (t *txRepo) SetBudgetAllocated(ctx context.Context, id int64, allocated decimal.Decimal) error {
	_, err := t.tx.Exec(ctx, `UPDATE company_budgets SET allocated_budget=$2, updated_at=NOW() WHERE id=$1`, id, allocated)
	return err
}

func (t *txRepo) CreateAllocation(ctx context.Context, a Allocation) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO employee_budgets
(company_budget_id, member_id, allocated_amount, period_start, period_end, spent_amount, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, 0, $6, NOW(), NOW()) RETURNING id`,
		a.BudgetID, a.MemberID, a.AllocatedAmount, a.PeriodStart, a.PeriodEnd, a.CreatedBy).Scan(&id)
	if db.IsUniqueViolation(err) {
		return 0, fmt.Errorf("%w: member %d in budget %d", shared.ErrDuplicateAllocation, a.MemberID, a.BudgetID)
	}
	return id, err
}

func (t *txRepo) UpdateAllocationAmount(ctx context.Context, id int64, amount decimal.Decimal) error {
	_, err := t.tx.Exec(ctx, `UPDATE employee_budgets SET allocated_amount=$2, updated_at=NOW() WHERE id=$1`, id, amount)
	return err
}

func (t *txRepo) ListAllocations(ctx context.Context, budgetID int64) ([]Allocation, error) {
	return listAllocations(ctx, t.tx, budgetID)
}
