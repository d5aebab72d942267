package pricing

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresRepo reads expert rates from the expert_rates table.
type PostgresRepo struct {
	DB *sql.DB
}

func (r *PostgresRepo) FindExpertRate(ctx context.Context, expertID string, at time.Time) (ExpertRate, bool, error) {
	const q = `
SELECT id, expert_id, rate_per_minute, effective_from, effective_to, status, created_at, updated_at
FROM expert_rates
WHERE expert_id = $1
  AND status = 'active'
  AND effective_from <= $2
  AND (effective_to IS NULL OR effective_to > $2)
ORDER BY effective_from DESC
LIMIT 1
`
	var e ExpertRate
	err := r.DB.QueryRowContext(ctx, q, expertID, at).Scan(
		&e.ID,
		&e.ExpertID,
		&e.RatePerMinute,
		&e.EffectiveFrom,
		&e.EffectiveTo,
		&e.Status,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ExpertRate{}, false, nil
		}
		return ExpertRate{}, false, err
	}
	return e, true, nil
}
