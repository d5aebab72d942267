package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PostgresRepository persists calls in a single `calls` table.
//
// Every transition is a guarded UPDATE whose WHERE clause names the expected
// source statuses; RowsAffected tells the service whether it won the race.
// Concurrent writers therefore resolve last-write-wins with no row locks held
// across application code.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const callColumns = `
id, user_id, expert_id, status, rate_per_minute, tokens_spent,
created_at, last_activity_at, connected_at, ended_at, ended_by, end_reason
`

func scanCall(row interface{ Scan(...any) error }) (Call, error) {
	var c Call
	var endedBy, endReason sql.NullString
	if err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.ExpertID,
		&c.Status,
		&c.RatePerMinute,
		&c.TokensSpent,
		&c.CreatedAt,
		&c.LastActivityAt,
		&c.ConnectedAt,
		&c.EndedAt,
		&endedBy,
		&endReason,
	); err != nil {
		return Call{}, err
	}
	c.EndedBy = endedBy.String
	c.EndReason = endReason.String
	return c, nil
}

func (r *PostgresRepository) Create(ctx context.Context, c Call) error {
	const q = `
INSERT INTO calls (id, user_id, expert_id, status, rate_per_minute, created_at, last_activity_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
	_, err := r.db.ExecContext(ctx, q, c.ID, c.UserID, c.ExpertID, c.Status, c.RatePerMinute, c.CreatedAt, c.LastActivityAt)
	return err
}

func (r *PostgresRepository) Find(ctx context.Context, callID string) (Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls WHERE id = $1`
	c, err := scanCall(r.db.QueryRowContext(ctx, q, callID))
	if errors.Is(err, sql.ErrNoRows) {
		return Call{}, ErrNotFound
	}
	return c, err
}

func statusPlaceholders(from []CallStatus, startAt int) (string, []any) {
	parts := make([]string, len(from))
	args := make([]any, len(from))
	for i, s := range from {
		parts[i] = fmt.Sprintf("$%d", startAt+i)
		args[i] = s
	}
	return strings.Join(parts, ", "), args
}

func (r *PostgresRepository) UpdateStatus(ctx context.Context, callID string, from []CallStatus, to CallStatus) (Call, bool, error) {
	ph, args := statusPlaceholders(from, 3)
	q := `
UPDATE calls SET status = $1
WHERE id = $2 AND status IN (` + ph + `)
RETURNING ` + callColumns
	c, err := scanCall(r.db.QueryRowContext(ctx, q, append([]any{to, callID}, args...)...))
	if errors.Is(err, sql.ErrNoRows) {
		// Lost the CAS; re-read so the caller sees the winning state.
		cur, ferr := r.Find(ctx, callID)
		if ferr != nil {
			return Call{}, false, ferr
		}
		return cur, false, nil
	}
	if err != nil {
		return Call{}, false, err
	}
	return c, true, nil
}

func (r *PostgresRepository) MarkConnected(ctx context.Context, callID string, at time.Time) (Call, bool, error) {
	// COALESCE keeps the first connected_at even if two Connect calls race.
	q := `
UPDATE calls
SET status = $1, connected_at = COALESCE(connected_at, $2), last_activity_at = $2
WHERE id = $3 AND status = $4
RETURNING ` + callColumns
	c, err := scanCall(r.db.QueryRowContext(ctx, q, StatusConnected, at, callID, StatusAccepted))
	if errors.Is(err, sql.ErrNoRows) {
		cur, ferr := r.Find(ctx, callID)
		if ferr != nil {
			return Call{}, false, ferr
		}
		return cur, false, nil
	}
	if err != nil {
		return Call{}, false, err
	}
	return c, true, nil
}

func (r *PostgresRepository) Settle(ctx context.Context, callID string, from []CallStatus, to CallStatus, endedBy, endReason string, endedAt time.Time) (Call, bool, error) {
	ph, args := statusPlaceholders(from, 6)
	q := `
UPDATE calls
SET status = $1, ended_at = $2, ended_by = $3, end_reason = $4
WHERE id = $5 AND status IN (` + ph + `)
RETURNING ` + callColumns
	c, err := scanCall(r.db.QueryRowContext(ctx, q, append([]any{to, endedAt, endedBy, endReason, callID}, args...)...))
	if errors.Is(err, sql.ErrNoRows) {
		cur, ferr := r.Find(ctx, callID)
		if ferr != nil {
			return Call{}, false, ferr
		}
		return cur, false, nil
	}
	if err != nil {
		return Call{}, false, err
	}
	return c, true, nil
}

func (r *PostgresRepository) Touch(ctx context.Context, callID string, at time.Time) (Call, error) {
	ph, args := statusPlaceholders(nonTerminal, 3)
	q := `
UPDATE calls SET last_activity_at = $1
WHERE id = $2 AND status IN (` + ph + `)
RETURNING ` + callColumns
	c, err := scanCall(r.db.QueryRowContext(ctx, q, append([]any{at, callID}, args...)...))
	if errors.Is(err, sql.ErrNoRows) {
		// Already settled; return the row untouched.
		return r.Find(ctx, callID)
	}
	return c, err
}

func (r *PostgresRepository) SetTokensSpent(ctx context.Context, callID string, tokens int64) error {
	const q = `UPDATE calls SET tokens_spent = $1 WHERE id = $2`
	_, err := r.db.ExecContext(ctx, q, tokens, callID)
	return err
}

func (r *PostgresRepository) FindActiveForParty(ctx context.Context, partyUserID string) ([]Call, error) {
	ph, args := statusPlaceholders(nonTerminal, 2)
	q := `
SELECT ` + callColumns + `
FROM calls
WHERE (user_id = $1 OR expert_id = $1) AND status IN (` + ph + `)
ORDER BY created_at DESC
`
	return r.queryCalls(ctx, q, append([]any{partyUserID}, args...)...)
}

func (r *PostgresRepository) FindStale(ctx context.Context, pendingCutoff, connectedCutoff time.Time) ([]Call, error) {
	pending := []CallStatus{StatusInitiated, StatusRinging, StatusAccepted}
	ph, args := statusPlaceholders(pending, 4)
	q := `
SELECT ` + callColumns + `
FROM calls
WHERE (status IN (` + ph + `) AND created_at < $1)
   OR (status = $2 AND last_activity_at < $3)
ORDER BY created_at ASC
`
	return r.queryCalls(ctx, q, append([]any{pendingCutoff, StatusConnected, connectedCutoff}, args...)...)
}

func (r *PostgresRepository) FindConnected(ctx context.Context) ([]Call, error) {
	q := `
SELECT ` + callColumns + `
FROM calls
WHERE status = $1
ORDER BY created_at ASC
`
	return r.queryCalls(ctx, q, StatusConnected)
}

func (r *PostgresRepository) queryCalls(ctx context.Context, q string, args ...any) ([]Call, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
