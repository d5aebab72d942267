package wallet

import "time"

// Wallet holds the prepaid token balance for one account (user or expert).
// Invariant: available balance must be derived from immutable ledger entries.
// No code should ever mutate a balance without writing a corresponding ledger entry.
type Wallet struct {
	ID          string `json:"id" db:"id"`
	OwnerUserID string `json:"owner_user_id" db:"owner_user_id"`

	// Optional operational flags (do not encode money state here).
	Status WalletStatus `json:"status" db:"status"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type WalletStatus string

const (
	WalletStatusActive   WalletStatus = "active"
	WalletStatusDisabled WalletStatus = "disabled"
)

// TokenLedger is an immutable append-only entry.
// Each row represents tokens posted to the wallet.
//
// Money invariant: any balance change MUST have a corresponding ledger entry.
type TokenLedger struct {
	ID          string `json:"id" db:"id"`
	OwnerUserID string `json:"owner_user_id" db:"owner_user_id"`

	// Type categorizes the ledger entry. Keep stable.
	Type LedgerEntryType `json:"type" db:"type"`

	// AmountTokens is the signed amount in whole tokens.
	// Credits are positive, debits are negative.
	AmountTokens int64 `json:"amount_tokens" db:"amount_tokens"`

	// ExternalRef is optional: call_id, payment_id, admin adjustment marker, etc.
	ExternalRef string `json:"external_ref,omitempty" db:"external_ref"`

	// IdempotencyKey is required for safe retries of money-posting operations.
	// Call finalize uses "call_end:<call_id>" so billing lands exactly once.
	IdempotencyKey string `json:"idempotency_key" db:"idempotency_key"`

	// Metadata is optional JSON for audit/debug (store as JSONB in Postgres).
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type LedgerEntryType string

const (
	LedgerEntryTypeCredit LedgerEntryType = "credit" // top-up, expert earnings, adjustment
	LedgerEntryTypeDebit  LedgerEntryType = "debit"  // call charge
)

type Balance struct {
	OwnerUserID   string    `json:"owner_user_id"`
	BalanceTokens int64     `json:"balance_tokens"`
	UpdatedAt     time.Time `json:"updated_at"`
}
