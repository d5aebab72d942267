package wallet

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// NOTE: This repository assumes the following tables exist:
// - wallets
// - wallet_token_ledger (immutable append-only)
// - wallet_balances (projection)
//
// It also assumes an idempotency constraint:
// UNIQUE (owner_user_id, idempotency_key)

func lockWallet(ctx context.Context, tx *sql.Tx, ownerUserID string) (Wallet, error) {
	// Lock the wallet row to serialize concurrent money operations per owner.
	const q = `
SELECT id, owner_user_id, status, created_at, updated_at
FROM wallets
WHERE owner_user_id = $1
FOR UPDATE
`
	var w Wallet
	if err := tx.QueryRowContext(ctx, q, ownerUserID).Scan(
		&w.ID,
		&w.OwnerUserID,
		&w.Status,
		&w.CreatedAt,
		&w.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Wallet{}, ErrNotFound
		}
		return Wallet{}, err
	}
	return w, nil
}

func getBalance(ctx context.Context, db *sql.DB, ownerUserID string) (Balance, error) {
	const q = `
SELECT owner_user_id, balance_tokens, updated_at
FROM wallet_balances
WHERE owner_user_id = $1
`
	var b Balance
	if err := db.QueryRowContext(ctx, q, ownerUserID).Scan(
		&b.OwnerUserID,
		&b.BalanceTokens,
		&b.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Balance{}, ErrNotFound
		}
		return Balance{}, err
	}
	return b, nil
}

func getBalanceTx(ctx context.Context, tx *sql.Tx, ownerUserID string) (Balance, error) {
	const q = `
SELECT owner_user_id, balance_tokens, updated_at
FROM wallet_balances
WHERE owner_user_id = $1
`
	var b Balance
	if err := tx.QueryRowContext(ctx, q, ownerUserID).Scan(
		&b.OwnerUserID,
		&b.BalanceTokens,
		&b.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Balance{}, ErrNotFound
		}
		return Balance{}, err
	}
	return b, nil
}

func getBalanceForUpdate(ctx context.Context, tx *sql.Tx, ownerUserID string) (Balance, error) {
	const q = `
SELECT owner_user_id, balance_tokens, updated_at
FROM wallet_balances
WHERE owner_user_id = $1
FOR UPDATE
`
	var b Balance
	if err := tx.QueryRowContext(ctx, q, ownerUserID).Scan(
		&b.OwnerUserID,
		&b.BalanceTokens,
		&b.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Balance{}, ErrNotFound
		}
		return Balance{}, err
	}
	return b, nil
}

func findLedgerByIdempotency(ctx context.Context, tx *sql.Tx, ownerUserID, key string) (TokenLedger, bool, error) {
	const q = `
SELECT id, owner_user_id, type, amount_tokens, external_ref, idempotency_key, metadata, created_at
FROM wallet_token_ledger
WHERE owner_user_id = $1 AND idempotency_key = $2
LIMIT 1
`
	var e TokenLedger
	err := tx.QueryRowContext(ctx, q, ownerUserID, key).Scan(
		&e.ID,
		&e.OwnerUserID,
		&e.Type,
		&e.AmountTokens,
		&e.ExternalRef,
		&e.IdempotencyKey,
		&e.Metadata,
		&e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TokenLedger{}, false, nil
		}
		return TokenLedger{}, false, err
	}
	return e, true, nil
}

func insertLedger(ctx context.Context, tx *sql.Tx, e TokenLedger) error {
	const q = `
INSERT INTO wallet_token_ledger (
  id, owner_user_id, type, amount_tokens, external_ref, idempotency_key, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8
)
`
	_, err := tx.ExecContext(ctx, q,
		e.ID,
		e.OwnerUserID,
		e.Type,
		e.AmountTokens,
		e.ExternalRef,
		e.IdempotencyKey,
		e.Metadata,
		e.CreatedAt,
	)
	return err
}

func applyBalanceDelta(ctx context.Context, tx *sql.Tx, ownerUserID string, deltaTokens int64, now time.Time) (Balance, error) {
	// Upsert the balance row. The wallet lock serializes writers, so the
	// additive update cannot interleave inconsistently.
	const q = `
INSERT INTO wallet_balances (owner_user_id, balance_tokens, updated_at)
VALUES ($1,$2,$3)
ON CONFLICT (owner_user_id)
DO UPDATE SET balance_tokens = wallet_balances.balance_tokens + EXCLUDED.balance_tokens,
              updated_at = EXCLUDED.updated_at
RETURNING owner_user_id, balance_tokens, updated_at
`
	var b Balance
	if err := tx.QueryRowContext(ctx, q, ownerUserID, deltaTokens, now).Scan(
		&b.OwnerUserID,
		&b.BalanceTokens,
		&b.UpdatedAt,
	); err != nil {
		return Balance{}, err
	}
	return b, nil
}
