package audit

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository reads audit_logs.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Timeline runs the filtered, paged history query.
func (r *PGRepository) Timeline(ctx context.Context, arg TimelineParams) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, occurred_at, actor_id, action, entity, entity_id, old_values, new_values
FROM audit_logs
WHERE company_id = $1
  AND ($2::text IS NULL OR entity = $2)
  AND ($3::text IS NULL OR entity_id = $3)
  AND ($4::text IS NULL OR action = $4)
  AND ($5::bigint IS NULL OR actor_id = $5)
  AND ($6::timestamptz IS NULL OR occurred_at >= $6)
  AND ($7::timestamptz IS NULL OR occurred_at < $7)
ORDER BY occurred_at DESC, id DESC
OFFSET $8 LIMIT $9`,
		arg.CompanyID, arg.Entity, arg.EntityID, arg.Action, arg.ActorID, arg.FromAt, arg.ToAt, arg.OffsetRows, arg.LimitRows)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e              Entry
			oldRaw, newRaw []byte
		)
		if err := rows.Scan(&e.ID, &e.At, &e.ActorID, &e.Action, &e.Entity, &e.EntityID, &oldRaw, &newRaw); err != nil {
			return nil, err
		}
		if err := decodeValues(oldRaw, &e.OldValues); err != nil {
			return nil, err
		}
		if err := decodeValues(newRaw, &e.NewValues); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func decodeValues(raw []byte, target *map[string]any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, target)
}
