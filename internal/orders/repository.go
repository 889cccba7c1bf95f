package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-spend/internal/budgets"
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
	tx pgx.Tx
}

// WithTx runs fn under read committed so that spend recomputed after a
// budget lock is granted sees the previous holder's committed approvals.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithLockingTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const orderColumns = `id, company_id, user_id, order_number, total_amount, status, payment_source,
COALESCE(company_budget_id, 0), COALESCE(employee_budget_id, 0), COALESCE(notes, ''), COALESCE(rejection_reason, ''),
COALESCE(admin_notes, ''), COALESCE(approved_by, 0), approved_at, created_at, updated_at`

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.CompanyID, &o.UserID, &o.OrderNumber, &o.TotalAmount, &o.Status, &o.PaymentSource,
		&o.BudgetID, &o.EmployeeBudgetID, &o.Notes, &o.RejectionReason, &o.AdminNotes, &o.ApprovedBy, &o.ApprovedAt,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, err
	}
	return o, nil
}

// GetOrder loads an order with its items.
func (r *Repository) GetOrder(ctx context.Context, id int64) (Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id))
	if err != nil {
		return Order{}, err
	}
	rows, err := r.pool.Query(ctx, `SELECT id, order_id, catalog_item_id, catalog_type, COALESCE(variant, ''), COALESCE(size, ''),
quantity, unit_price, line_total FROM order_items WHERE order_id=$1 ORDER BY id`, id)
	if err != nil {
		return Order{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var item LineItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.CatalogItemID, &item.CatalogType, &item.Variant, &item.Size,
			&item.Quantity, &item.UnitPrice, &item.LineTotal); err != nil {
			return Order{}, err
		}
		o.Items = append(o.Items, item)
	}
	return o, rows.Err()
}

// ListOrders pages orders matching the filter, newest first.
func (r *Repository) ListOrders(ctx context.Context, filter ListFilter) ([]Order, int, error) {
	where := []string{"company_id=$1"}
	args := []any{filter.CompanyID}
	if filter.UserID > 0 {
		args = append(args, filter.UserID)
		where = append(where, fmt.Sprintf("user_id=$%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, s := range filter.Statuses {
			statuses = append(statuses, string(s))
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM orders WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	page := shared.NewPagination(filter.Page, filter.PerPage, total)
	args = append(args, page.PerPage, page.Offset())
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT `+orderColumns+` FROM orders WHERE %s
ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	list := []Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, o)
	}
	return list, total, rows.Err()
}

func (t *txRepo) Ledger() budgets.LockingLedger {
	return budgets.NewLedger(t.tx)
}

func (t *txRepo) ListCart(ctx context.Context, userID, companyID int64) ([]CartItem, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, user_id, company_id, catalog_item_id, catalog_type, COALESCE(variant, ''),
COALESCE(size, ''), quantity, unit_price FROM cart_items WHERE user_id=$1 AND company_id=$2 ORDER BY id FOR UPDATE`, userID, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cart []CartItem
	for rows.Next() {
		var c CartItem
		if err := rows.Scan(&c.ID, &c.UserID, &c.CompanyID, &c.CatalogItemID, &c.CatalogType, &c.Variant, &c.Size,
			&c.Quantity, &c.UnitPrice); err != nil {
			return nil, err
		}
		cart = append(cart, c)
	}
	return cart, rows.Err()
}

func (t *txRepo) ClearCart(ctx context.Context, userID, companyID int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM cart_items WHERE user_id=$1 AND company_id=$2`, userID, companyID)
	return err
}

func (t *txRepo) CreateOrder(ctx context.Context, o Order) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO orders
(company_id, user_id, order_number, total_amount, status, payment_source, company_budget_id, employee_budget_id, notes, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, 0), NULLIF($8, 0), NULLIF($9, ''), $10, $10) RETURNING id`,
		o.CompanyID, o.UserID, o.OrderNumber, o.TotalAmount, string(o.Status), string(o.PaymentSource),
		o.BudgetID, o.EmployeeBudgetID, o.Notes, o.CreatedAt).Scan(&id)
	return id, err
}

func (t *txRepo) InsertItem(ctx context.Context, item LineItem) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO order_items
(order_id, catalog_item_id, catalog_type, variant, size, quantity, unit_price, line_total)
VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8)`,
		item.OrderID, item.CatalogItemID, item.CatalogType, item.Variant, item.Size, item.Quantity, item.UnitPrice, item.LineTotal)
	return err
}

func (t *txRepo) LockOrder(ctx context.Context, id int64) (Order, error) {
	return scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1 FOR UPDATE`, id))
}

func (t *txRepo) UpdateStatus(ctx context.Context, change StatusChange) error {
	var err error
	switch change.To {
	case shared.OrderApproved:
		_, err = t.tx.Exec(ctx, `UPDATE orders SET status=$2, approved_by=$3, approved_at=$4, updated_at=$4 WHERE id=$1 AND status=$5`,
			change.OrderID, string(change.To), change.ActorID, change.At, string(change.From))
	case shared.OrderRejected:
		_, err = t.tx.Exec(ctx, `UPDATE orders SET status=$2, rejection_reason=$3, updated_at=$4 WHERE id=$1 AND status=$5`,
			change.OrderID, string(change.To), change.Reason, change.At, string(change.From))
	default:
		_, err = t.tx.Exec(ctx, `UPDATE orders SET status=$2, updated_at=$3 WHERE id=$1 AND status=$4`,
			change.OrderID, string(change.To), change.At, string(change.From))
	}
	return err
}

func (t *txRepo) UpdateNotes(ctx context.Context, id int64, notes string) error {
	_, err := t.tx.Exec(ctx, `UPDATE orders SET admin_notes=NULLIF($2, ''), updated_at=NOW() WHERE id=$1`, id, notes)
	return err
}
