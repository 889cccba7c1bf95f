package notifications

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository stores notifications in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert persists the notification and returns its ID.
func (r *Repository) Insert(ctx context.Context, n Notification) (int64, error) {
	if n.UserID == 0 || n.Type == "" {
		return 0, errors.New("notifications: user and type are required")
	}
	var data []byte
	if len(n.Data) > 0 {
		var err error
		if data, err = json.Marshal(n.Data); err != nil {
			return 0, err
		}
	}
	var id int64
	err := r.pool.QueryRow(ctx, `INSERT INTO notifications (user_id, company_id, type, title, message, data, created_at)
VALUES ($1, NULLIF($2, 0), $3, $4, $5, $6, NOW()) RETURNING id`,
		n.UserID, n.CompanyID, n.Type, n.Title, n.Message, data).Scan(&id)
	return id, err
}
