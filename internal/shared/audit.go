package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Audit entity names.
const (
	AuditEntityBudget        = "budget"
	AuditEntityAllocation    = "employee_budget"
	AuditEntityOrder         = "order"
	AuditEntityPurchaseOrder = "purchase_order"
)

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	ActorID   int64
	Action    string
	Entity    string
	EntityID  string
	CompanyID int64
	OldValues map[string]any
	NewValues map[string]any
	At        time.Time
}

// AuditPort is the sink every ledger and order mutation reports to.
type AuditPort interface {
	Record(ctx context.Context, log AuditLog) error
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil {
		return errors.New("audit logger not initialised")
	}
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	oldJSON, err := marshalValues(log.OldValues)
	if err != nil {
		return err
	}
	newJSON, err := marshalValues(log.NewValues)
	if err != nil {
		return err
	}
	var at *time.Time
	if !log.At.IsZero() {
		at = &log.At
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO audit_logs (actor_id, action, entity, entity_id, company_id, old_values, new_values, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))`,
		log.ActorID, log.Action, log.Entity, log.EntityID, log.CompanyID, oldJSON, newJSON, at)
	return err
}

func marshalValues(values map[string]any) ([]byte, error) {
	if len(values) == 0 {
		return nil, nil
	}
	return json.Marshal(values)
}
