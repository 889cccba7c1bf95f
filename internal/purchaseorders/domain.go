package purchaseorders

import (
	"errors"
	"fmt"
	"time"

	"github.com/odyssey-erp/odyssey-spend/internal/shared"
)

// Status is the aggregate state of a purchase order.
type Status string

const (
	StatusOpen      Status = "open"
	StatusCompleted Status = "completed"
)

// ItemStatus is the vendor-side progress of one purchase order line.
type ItemStatus string

const (
	ItemPending      ItemStatus = "pending"
	ItemArtProof     ItemStatus = "art_proof"
	ItemApproved     ItemStatus = "approved"
	ItemInProduction ItemStatus = "in_production"
	ItemCompleted    ItemStatus = "completed"
)

var itemRank = map[ItemStatus]int{
	ItemPending:      0,
	ItemArtProof:     1,
	ItemApproved:     2,
	ItemInProduction: 3,
	ItemCompleted:    4,
}

// ParseItemStatus validates a raw item status.
func ParseItemStatus(raw string) (ItemStatus, error) {
	status := ItemStatus(raw)
	if _, ok := itemRank[status]; !ok {
		return "", fmt.Errorf("%w: unknown item status %q", shared.ErrValidation, raw)
	}
	return status, nil
}

// ValidateItemTransition allows forward moves only. Steps may be skipped.
func ValidateItemTransition(current, target ItemStatus) error {
	if itemRank[target] <= itemRank[current] {
		return fmt.Errorf("%w: item %s -> %s", shared.ErrInvalidTransition, current, target)
	}
	return nil
}

var (
	// ErrPurchaseOrderNotFound indicates the purchase order does not exist.
	ErrPurchaseOrderNotFound = fmt.Errorf("purchaseorders: purchase order %w", shared.ErrNotFound)
	// ErrItemNotFound indicates the item is not part of the purchase order.
	ErrItemNotFound = fmt.Errorf("purchaseorders: item %w", shared.ErrNotFound)
	// errAlreadyCreated is returned by CreatePurchaseOrder when a concurrent
	// worker created the order's purchase order first.
	errAlreadyCreated = errors.New("purchaseorders: already created")
)

// PurchaseOrder is the vendor-facing fulfilment record of an approved order.
type PurchaseOrder struct {
	ID          int64      `json:"id"`
	CompanyID   int64      `json:"company_id"`
	OrderID     int64      `json:"order_id"`
	Number      string     `json:"po_number"`
	Status      Status     `json:"status"`
	Items       []Item     `json:"items,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Item is one line of a purchase order.
type Item struct {
	ID              int64      `json:"id"`
	PurchaseOrderID int64      `json:"purchase_order_id"`
	OrderItemID     int64      `json:"order_item_id"`
	CatalogItemID   int64      `json:"catalog_item_id"`
	CatalogType     string     `json:"catalog_type"`
	Variant         string     `json:"variant,omitempty"`
	Size            string     `json:"size,omitempty"`
	Quantity        int        `json:"quantity"`
	Status          ItemStatus `json:"status"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func allCompleted(items []Item) bool {
	if len(items) == 0 {
		return false
	}
	for _, item := range items {
		if item.Status != ItemCompleted {
			return false
		}
	}
	return true
}

// SourceOrder is the approved order a purchase order is cut from.
type SourceOrder struct {
	ID        int64
	CompanyID int64
	Status    shared.OrderStatus
	Lines     []SourceLine
}

// SourceLine is an order line copied onto the purchase order.
type SourceLine struct {
	OrderItemID   int64
	CatalogItemID int64
	CatalogType   string
	Variant       string
	Size          string
	Quantity      int
}

// ListFilter narrows a purchase order listing.
type ListFilter struct {
	CompanyID int64
	Status    Status
	Page      int
	PerPage   int
}
