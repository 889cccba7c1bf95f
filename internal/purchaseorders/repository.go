package purchaseorders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

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

// WithTx runs fn inside a read committed transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithLockingTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const poColumns = `id, company_id, order_id, po_number, status, created_at, updated_at, completed_at`

func scanPurchaseOrder(row pgx.Row) (PurchaseOrder, error) {
	var po PurchaseOrder
	if err := row.Scan(&po.ID, &po.CompanyID, &po.OrderID, &po.Number, &po.Status, &po.CreatedAt, &po.UpdatedAt, &po.CompletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrder{}, ErrPurchaseOrderNotFound
		}
		return PurchaseOrder{}, err
	}
	return po, nil
}

func loadItems(ctx context.Context, q db.DBTX, po *PurchaseOrder) error {
	rows, err := q.Query(ctx, `SELECT id, purchase_order_id, order_item_id, catalog_item_id, catalog_type,
COALESCE(variant, ''), COALESCE(size, ''), quantity, status, updated_at
FROM purchase_order_items WHERE purchase_order_id=$1 ORDER BY id`, po.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.ID, &item.PurchaseOrderID, &item.OrderItemID, &item.CatalogItemID, &item.CatalogType,
			&item.Variant, &item.Size, &item.Quantity, &item.Status, &item.UpdatedAt); err != nil {
			return err
		}
		po.Items = append(po.Items, item)
	}
	return rows.Err()
}

func getWithItems(ctx context.Context, q db.DBTX, query string, arg int64) (PurchaseOrder, error) {
	po, err := scanPurchaseOrder(q.QueryRow(ctx, query, arg))
	if err != nil {
		return PurchaseOrder{}, err
	}
	if err := loadItems(ctx, q, &po); err != nil {
		return PurchaseOrder{}, err
	}
	return po, nil
}

// GetPurchaseOrder loads a purchase order with its items.
func (r *Repository) GetPurchaseOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	return getWithItems(ctx, r.pool, `SELECT `+poColumns+` FROM purchase_orders WHERE id=$1`, id)
}

// GetByOrder loads the purchase order cut from an order.
func (r *Repository) GetByOrder(ctx context.Context, orderID int64) (PurchaseOrder, error) {
	return getWithItems(ctx, r.pool, `SELECT `+poColumns+` FROM purchase_orders WHERE order_id=$1`, orderID)
}

// ListPurchaseOrders pages purchase order headers, newest first.
func (r *Repository) ListPurchaseOrders(ctx context.Context, filter ListFilter) ([]PurchaseOrder, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM purchase_orders
WHERE company_id=$1 AND ($2::text = '' OR status = $2::text)`, filter.CompanyID, string(filter.Status)).Scan(&total); err != nil {
		return nil, 0, err
	}
	page := shared.NewPagination(filter.Page, filter.PerPage, total)
	rows, err := r.pool.Query(ctx, `SELECT `+poColumns+` FROM purchase_orders
WHERE company_id=$1 AND ($2::text = '' OR status = $2::text)
ORDER BY created_at DESC, id DESC LIMIT $3 OFFSET $4`, filter.CompanyID, string(filter.Status), page.PerPage, page.Offset())
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	list := []PurchaseOrder{}
	for rows.Next() {
		po, err := scanPurchaseOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, po)
	}
	return list, total, rows.Err()
}

func (t *txRepo) LoadSourceOrder(ctx context.Context, orderID int64) (SourceOrder, error) {
	var order SourceOrder
	err := t.tx.QueryRow(ctx, `SELECT id, company_id, status FROM orders WHERE id=$1 FOR SHARE`, orderID).
		Scan(&order.ID, &order.CompanyID, &order.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SourceOrder{}, fmt.Errorf("purchaseorders: order %d %w", orderID, shared.ErrNotFound)
		}
		return SourceOrder{}, err
	}
	rows, err := t.tx.Query(ctx, `SELECT id, catalog_item_id, catalog_type, COALESCE(variant, ''), COALESCE(size, ''), quantity
FROM order_items WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return SourceOrder{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line SourceLine
		if err := rows.Scan(&line.OrderItemID, &line.CatalogItemID, &line.CatalogType, &line.Variant, &line.Size, &line.Quantity); err != nil {
			return SourceOrder{}, err
		}
		order.Lines = append(order.Lines, line)
	}
	return order, rows.Err()
}

func (t *txRepo) FindByOrder(ctx context.Context, orderID int64) (PurchaseOrder, error) {
	return getWithItems(ctx, t.tx, `SELECT `+poColumns+` FROM purchase_orders WHERE order_id=$1`, orderID)
}

func (t *txRepo) CreatePurchaseOrder(ctx context.Context, po PurchaseOrder) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO purchase_orders (company_id, order_id, po_number, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5) RETURNING id`, po.CompanyID, po.OrderID, po.Number, string(po.Status), po.CreatedAt).Scan(&id)
	if db.IsUniqueViolation(err) {
		return 0, errAlreadyCreated
	}
	return id, err
}

func (t *txRepo) InsertItem(ctx context.Context, item Item) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO purchase_order_items
(purchase_order_id, order_item_id, catalog_item_id, catalog_type, variant, size, quantity, status, updated_at)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9) RETURNING id`,
		item.PurchaseOrderID, item.OrderItemID, item.CatalogItemID, item.CatalogType, item.Variant, item.Size,
		item.Quantity, string(item.Status), item.UpdatedAt).Scan(&id)
	return id, err
}

func (t *txRepo) LockPurchaseOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	return getWithItems(ctx, t.tx, `SELECT `+poColumns+` FROM purchase_orders WHERE id=$1 FOR UPDATE`, id)
}

func (t *txRepo) UpdateItemStatus(ctx context.Context, itemID int64, status ItemStatus, at time.Time) error {
	_, err := t.tx.Exec(ctx, `UPDATE purchase_order_items SET status=$2, updated_at=$3 WHERE id=$1`, itemID, string(status), at)
	return err
}

func (t *txRepo) Complete(ctx context.Context, id int64, at time.Time) error {
	_, err := t.tx.Exec(ctx, `UPDATE purchase_orders SET status=$2, completed_at=$3, updated_at=$3 WHERE id=$1`,
		id, string(StatusCompleted), at)
	return err
}
