package orders

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-spend/internal/shared"
)

// ErrOrderNotFound indicates the order does not exist.
var ErrOrderNotFound = fmt.Errorf("orders: order %w", shared.ErrNotFound)

// Order is a member's purchase. The total is frozen at creation.
type Order struct {
	ID               int64                `json:"id"`
	CompanyID        int64                `json:"company_id"`
	UserID           int64                `json:"user_id"`
	OrderNumber      string               `json:"order_number"`
	Items            []LineItem           `json:"items,omitempty"`
	TotalAmount      decimal.Decimal      `json:"total_amount"`
	Status           shared.OrderStatus   `json:"status"`
	PaymentSource    shared.PaymentSource `json:"payment_source"`
	BudgetID         int64                `json:"company_budget_id,omitempty"`
	EmployeeBudgetID int64                `json:"employee_budget_id,omitempty"`
	Notes            string               `json:"notes,omitempty"`
	RejectionReason  string               `json:"rejection_reason,omitempty"`
	AdminNotes       string               `json:"admin_notes,omitempty"`
	ApprovedBy       int64                `json:"approved_by,omitempty"`
	ApprovedAt       *time.Time           `json:"approved_at,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

// BudgetBound reports whether the order debits a budget.
func (o Order) BudgetBound() bool {
	return o.BudgetID != 0
}

// LineItem is a snapshot of one cart line.
type LineItem struct {
	ID            int64           `json:"id"`
	OrderID       int64           `json:"order_id"`
	CatalogItemID int64           `json:"catalog_item_id"`
	CatalogType   string          `json:"catalog_type"`
	Variant       string          `json:"variant,omitempty"`
	Size          string          `json:"size,omitempty"`
	Quantity      int             `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	LineTotal     decimal.Decimal `json:"line_total"`
}

// CartItem is a pending line in a member's cart for one company.
type CartItem struct {
	ID            int64
	UserID        int64
	CompanyID     int64
	CatalogItemID int64
	CatalogType   string
	Variant       string
	Size          string
	Quantity      int
	UnitPrice     decimal.Decimal
}

// CreateOrderInput places the actor's cart as an order.
type CreateOrderInput struct {
	CompanyID     int64
	PaymentSource shared.PaymentSource
	Notes         string
}

// StatusChange is the write applied by a transition.
type StatusChange struct {
	OrderID int64
	From    shared.OrderStatus
	To      shared.OrderStatus
	ActorID int64
	Reason  string
	At      time.Time
}

// ListFilter narrows an order listing.
type ListFilter struct {
	CompanyID int64
	UserID    int64
	Statuses  []shared.OrderStatus
	Page      int
	PerPage   int
}

// lineItemsFromCart snapshots the cart and computes the frozen total.
func lineItemsFromCart(cart []CartItem) ([]LineItem, decimal.Decimal, error) {
	if len(cart) == 0 {
		return nil, decimal.Zero, fmt.Errorf("%w: cart is empty", shared.ErrValidation)
	}
	items := make([]LineItem, 0, len(cart))
	total := decimal.Zero
	for _, c := range cart {
		if c.Quantity <= 0 {
			return nil, decimal.Zero, fmt.Errorf("%w: cart item %d has quantity %d", shared.ErrValidation, c.ID, c.Quantity)
		}
		if c.UnitPrice.IsNegative() {
			return nil, decimal.Zero, fmt.Errorf("%w: cart item %d has a negative price", shared.ErrValidation, c.ID)
		}
		lineTotal := c.UnitPrice.Mul(decimal.NewFromInt(int64(c.Quantity))).Round(2)
		items = append(items, LineItem{
			CatalogItemID: c.CatalogItemID,
			CatalogType:   c.CatalogType,
			Variant:       c.Variant,
			Size:          c.Size,
			Quantity:      c.Quantity,
			UnitPrice:     c.UnitPrice,
			LineTotal:     lineTotal,
		})
		total = total.Add(lineTotal)
	}
	return items, total, nil
}
