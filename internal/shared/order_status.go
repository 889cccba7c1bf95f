package shared

import "fmt"

// OrderStatus is the lifecycle state of an order. Statuses are reused by the
// budget ledger, which only counts recognized statuses as spend.
type OrderStatus string

const (
	OrderPendingApproval OrderStatus = "pending_approval"
	OrderApproved        OrderStatus = "approved"
	OrderConfirmed       OrderStatus = "confirmed"
	OrderInProduction    OrderStatus = "in_production"
	OrderShipped         OrderStatus = "shipped"
	OrderDelivered       OrderStatus = "delivered"
	OrderRejected        OrderStatus = "rejected"
	OrderCancelled       OrderStatus = "cancelled"
)

// ParseOrderStatus validates a raw status string.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	status := OrderStatus(raw)
	switch status {
	case OrderPendingApproval, OrderApproved, OrderConfirmed, OrderInProduction,
		OrderShipped, OrderDelivered, OrderRejected, OrderCancelled:
		return status, nil
	}
	return "", fmt.Errorf("%w: unknown order status %q", ErrValidation, raw)
}

// Recognized reports whether orders in this status count toward spend.
func (s OrderStatus) Recognized() bool {
	switch s {
	case OrderApproved, OrderConfirmed, OrderInProduction, OrderShipped, OrderDelivered:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	return s == OrderDelivered || s == OrderRejected || s == OrderCancelled
}

// RecognizedOrderStatuses lists the statuses the spend recalculator scans.
func RecognizedOrderStatuses() []OrderStatus {
	return []OrderStatus{OrderApproved, OrderConfirmed, OrderInProduction, OrderShipped, OrderDelivered}
}

// ActorRole is the capability an actor holds for a company.
type ActorRole string

const (
	RoleMember ActorRole = "member"
	RoleAdmin  ActorRole = "admin"
	RoleVendor ActorRole = "vendor"
	// RoleSystem is used by scheduled jobs.
	RoleSystem ActorRole = "system"
)

type orderEdge struct {
	from OrderStatus
	to   OrderStatus
}

var orderTransitions = map[orderEdge][]ActorRole{
	{OrderPendingApproval, OrderApproved}: {RoleAdmin},
	{OrderPendingApproval, OrderRejected}: {RoleAdmin},
	{OrderApproved, OrderConfirmed}:       {RoleAdmin, RoleVendor},
	{OrderConfirmed, OrderInProduction}:   {RoleVendor},
	{OrderInProduction, OrderShipped}:     {RoleVendor},
	{OrderShipped, OrderDelivered}:        {RoleAdmin, RoleVendor},

	{OrderApproved, OrderCancelled}:     {RoleAdmin},
	{OrderConfirmed, OrderCancelled}:    {RoleAdmin},
	{OrderInProduction, OrderCancelled}: {RoleAdmin},
	{OrderShipped, OrderCancelled}:      {RoleAdmin},
}

// ValidateOrderTransition is the single authority on order status moves.
// Unknown edges fail with ErrInvalidTransition; known edges attempted by a
// role outside the edge's set fail with ErrUnauthorized.
func ValidateOrderTransition(current, target OrderStatus, role ActorRole) error {
	roles, ok := orderTransitions[orderEdge{current, target}]
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, target)
	}
	for _, allowed := range roles {
		if allowed == role {
			return nil
		}
	}
	return fmt.Errorf("%w: role %s cannot move order %s -> %s", ErrUnauthorized, role, current, target)
}

// NextOrderStatuses lists the statuses reachable from current by role.
func NextOrderStatuses(current OrderStatus, role ActorRole) []OrderStatus {
	var next []OrderStatus
	for _, candidate := range []OrderStatus{OrderApproved, OrderConfirmed, OrderInProduction, OrderShipped, OrderDelivered, OrderRejected, OrderCancelled} {
		if ValidateOrderTransition(current, candidate, role) == nil {
			next = append(next, candidate)
		}
	}
	return next
}

// PaymentSource identifies who pays for an order.
type PaymentSource string

const (
	PaymentCompanyBudget PaymentSource = "company_budget"
	PaymentPersonal      PaymentSource = "personal"
)

// ParsePaymentSource validates a raw payment source; empty means personal.
func ParsePaymentSource(raw string) (PaymentSource, error) {
	switch PaymentSource(raw) {
	case "", PaymentPersonal:
		return PaymentPersonal, nil
	case PaymentCompanyBudget:
		return PaymentCompanyBudget, nil
	}
	return "", fmt.Errorf("%w: unknown payment source %q", ErrValidation, raw)
}
