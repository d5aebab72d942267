package reporting

import (
	"context"
	"database/sql"

	"expertcall-platform/internal/ledger"
	"expertcall-platform/internal/wallet"
)

// PostgresRepo reads from the calls table and the immutable wallet ledger.
type PostgresRepo struct {
	DB *sql.DB
}

func (r *PostgresRepo) ListCalls(ctx context.Context, partyUserID string, tr TimeRange) ([]ledger.Call, error) {
	const q = `
SELECT id, user_id, expert_id, status, rate_per_minute, tokens_spent,
       created_at, connected_at, ended_at, ended_by, end_reason
FROM calls
WHERE (user_id = $1 OR expert_id = $1)
  AND created_at >= $2 AND created_at < $3
ORDER BY created_at ASC
`
	rows, err := r.DB.QueryContext(ctx, q, partyUserID, tr.From, tr.To)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Call
	for rows.Next() {
		var c ledger.Call
		var endedBy, endReason sql.NullString
		if err := rows.Scan(
			&c.ID,
			&c.UserID,
			&c.ExpertID,
			&c.Status,
			&c.RatePerMinute,
			&c.TokensSpent,
			&c.CreatedAt,
			&c.ConnectedAt,
			&c.EndedAt,
			&endedBy,
			&endReason,
		); err != nil {
			return nil, err
		}
		c.EndedBy = endedBy.String
		c.EndReason = endReason.String
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) ListLedgerEntries(ctx context.Context, ownerUserID string, tr TimeRange) ([]wallet.TokenLedger, error) {
	const q = `
SELECT id, owner_user_id, type, amount_tokens, external_ref, idempotency_key, metadata, created_at
FROM wallet_token_ledger
WHERE owner_user_id = $1
  AND created_at >= $2 AND created_at < $3
ORDER BY created_at ASC
`
	rows, err := r.DB.QueryContext(ctx, q, ownerUserID, tr.From, tr.To)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []wallet.TokenLedger
	for rows.Next() {
		var e wallet.TokenLedger
		var extRef, metadata sql.NullString
		if err := rows.Scan(
			&e.ID,
			&e.OwnerUserID,
			&e.Type,
			&e.AmountTokens,
			&extRef,
			&e.IdempotencyKey,
			&metadata,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.ExternalRef = extRef.String
		e.Metadata = metadata.String
		out = append(out, e)
	}
	return out, rows.Err()
}
