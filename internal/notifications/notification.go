// Package notifications builds and stores in-app notifications for order
// lifecycle events.
package notifications

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Notification types.
const (
	TypeOrderApproved      = "order_approved"
	TypeOrderRejected      = "order_rejected"
	TypeOrderCancelled     = "order_cancelled"
	TypeOrderStatusChanged = "order_status_changed"
)

// Notification is a message addressed to one user.
type Notification struct {
	ID        int64          `json:"id"`
	UserID    int64          `json:"user_id"`
	CompanyID int64          `json:"company_id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// OrderEvent describes an order status change worth telling the owner about.
type OrderEvent struct {
	OrderID     int64
	OrderNumber string
	CompanyID   int64
	OwnerID     int64
	Status      string
	Total       decimal.Decimal
	Reason      string
}

// Formatter renders amounts and messages for one locale and currency.
type Formatter struct {
	printer *message.Printer
	unit    currency.Unit
}

// NewFormatter builds a formatter. Unknown locales fall back to English and
// unknown currency codes to USD.
func NewFormatter(locale, currencyCode string) *Formatter {
	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.English
	}
	unit, err := currency.ParseISO(currencyCode)
	if err != nil {
		unit = currency.USD
	}
	return &Formatter{printer: message.NewPrinter(tag), unit: unit}
}

// Amount formats a money amount, e.g. "USD 1,250.00".
func (f *Formatter) Amount(amount decimal.Decimal) string {
	value, _ := amount.Round(2).Float64()
	return f.unit.String() + " " + f.printer.Sprintf("%.2f", value)
}

// ForOrder builds the owner notification for an order event.
func (f *Formatter) ForOrder(ev OrderEvent) Notification {
	ref := ev.OrderNumber
	if ref == "" {
		ref = fmt.Sprintf("#%d", ev.OrderID)
	}
	n := Notification{
		UserID:    ev.OwnerID,
		CompanyID: ev.CompanyID,
		Data: map[string]any{
			"order_id": ev.OrderID,
			"status":   ev.Status,
			"total":    ev.Total.StringFixed(2),
		},
	}
	switch ev.Status {
	case "approved":
		n.Type = TypeOrderApproved
		n.Title = "Order approved"
		n.Message = f.printer.Sprintf("Your order %s for %s was approved.", ref, f.Amount(ev.Total))
	case "rejected":
		n.Type = TypeOrderRejected
		n.Title = "Order rejected"
		n.Message = f.printer.Sprintf("Your order %s was rejected: %s", ref, ev.Reason)
		n.Data["reason"] = ev.Reason
	case "cancelled":
		n.Type = TypeOrderCancelled
		n.Title = "Order cancelled"
		n.Message = f.printer.Sprintf("Your order %s was cancelled.", ref)
		if ev.Reason != "" {
			n.Data["reason"] = ev.Reason
		}
	default:
		n.Type = TypeOrderStatusChanged
		n.Title = "Order " + humanize(ev.Status)
		n.Message = f.printer.Sprintf("Your order %s is now %s.", ref, humanize(ev.Status))
	}
	return n
}

func humanize(status string) string {
	return strings.ReplaceAll(status, "_", " ")
}
