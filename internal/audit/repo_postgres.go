package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo appends audit events to the audit_events table.
type PostgresRepo struct {
	DB *sql.DB
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (
  id, type, actor_user_id, call_id, expert_id, from_status, to_status, message, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
`
	_, err := r.DB.ExecContext(ctx, q,
		e.ID,
		e.Type,
		e.ActorUserID,
		e.CallID,
		e.ExpertID,
		e.FromStatus,
		e.ToStatus,
		e.Message,
		e.Metadata,
		e.CreatedAt,
	)
	return err
}
