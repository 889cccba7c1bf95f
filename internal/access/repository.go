package access

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-spend/internal/shared"
)

// Repository reads company memberships and vendor assignments.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LookupRole returns the user's role in the company, or an empty role when the
// user has none. Membership wins over a vendor assignment.
func (r *Repository) LookupRole(ctx context.Context, companyID, userID int64) (shared.ActorRole, error) {
	var role string
	err := r.pool.QueryRow(ctx, `SELECT role FROM (
	SELECT role, 0 AS rank FROM company_members WHERE company_id=$1 AND user_id=$2 AND active
	UNION ALL
	SELECT 'vendor', 1 FROM company_vendors WHERE company_id=$1 AND vendor_user_id=$2 AND active
) r ORDER BY rank LIMIT 1`, companyID, userID).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return shared.ActorRole(role), nil
}
