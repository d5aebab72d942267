package wallet

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"expertcall-platform/pkg/utils"

	"github.com/google/uuid"
)

// Service provides wallet operations.
//
// Money invariants:
// - No balance updates without a ledger entry
// - Ledger is append-only (immutable)
// - All money operations must be executed in a DB transaction
//
// Balance strategy:
//   - Balance is stored in a projection table (wallet_balances) updated atomically
//     alongside ledger inserts.
type Service struct {
	db *sql.DB
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db, clock: time.Now}
}

type CreditRequest struct {
	AmountTokens   int64  `json:"amount_tokens"`
	ExternalRef    string `json:"external_ref,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
	Metadata       string `json:"metadata,omitempty"`
}

type DebitRequest struct {
	AmountTokens   int64  `json:"amount_tokens"`
	ExternalRef    string `json:"external_ref,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
	Metadata       string `json:"metadata,omitempty"`
}

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidArgument     = errors.New("invalid argument")
)

func (s *Service) GetBalance(ctx context.Context, ownerUserID string) (Balance, error) {
	if ownerUserID == "" {
		return Balance{}, ErrInvalidArgument
	}
	return getBalance(ctx, s.db, ownerUserID)
}

func (s *Service) Credit(ctx context.Context, ownerUserID string, req CreditRequest) (TokenLedger, Balance, error) {
	if err := validateMoneyReq(ownerUserID, req.AmountTokens, req.IdempotencyKey); err != nil {
		return TokenLedger{}, Balance{}, err
	}

	now := s.clock().UTC()
	ledgerID := uuid.NewString()

	var outLedger TokenLedger
	var outBal Balance

	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := lockWallet(ctx, tx, ownerUserID); err != nil {
			return err
		}

		// Idempotency: if a ledger entry already exists for this wallet+key, return it and the balance.
		if existing, ok, err := findLedgerByIdempotency(ctx, tx, ownerUserID, req.IdempotencyKey); err != nil {
			return err
		} else if ok {
			outLedger = existing
			b, err := getBalanceTx(ctx, tx, ownerUserID)
			if err != nil {
				return err
			}
			outBal = b
			return nil
		}

		entry := TokenLedger{
			ID:             ledgerID,
			OwnerUserID:    ownerUserID,
			Type:           LedgerEntryTypeCredit,
			AmountTokens:   req.AmountTokens,
			ExternalRef:    req.ExternalRef,
			IdempotencyKey: req.IdempotencyKey,
			Metadata:       req.Metadata,
			CreatedAt:      now,
		}
		if err := insertLedger(ctx, tx, entry); err != nil {
			return err
		}

		// Projection update.
		b, err := applyBalanceDelta(ctx, tx, ownerUserID, req.AmountTokens, now)
		if err != nil {
			return err
		}
		outLedger = entry
		outBal = b
		return nil
	})

	return outLedger, outBal, err
}

func (s *Service) Debit(ctx context.Context, ownerUserID string, req DebitRequest) (TokenLedger, Balance, error) {
	return s.debit(ctx, ownerUserID, req, false)
}

// DebitUpTo debits min(req.AmountTokens, available balance) instead of
// failing on insufficient funds. This is the authoritative over-spend cap for
// call finalize: the computed charge can exceed what the caller still holds
// if the client-side balance monitor stalled, and the wallet must never go
// negative because of it.
func (s *Service) DebitUpTo(ctx context.Context, ownerUserID string, req DebitRequest) (TokenLedger, Balance, error) {
	return s.debit(ctx, ownerUserID, req, true)
}

func (s *Service) debit(ctx context.Context, ownerUserID string, req DebitRequest, capAtBalance bool) (TokenLedger, Balance, error) {
	if err := validateMoneyReq(ownerUserID, req.AmountTokens, req.IdempotencyKey); err != nil {
		return TokenLedger{}, Balance{}, err
	}

	now := s.clock().UTC()
	ledgerID := uuid.NewString()

	var outLedger TokenLedger
	var outBal Balance

	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := lockWallet(ctx, tx, ownerUserID); err != nil {
			return err
		}

		if existing, ok, err := findLedgerByIdempotency(ctx, tx, ownerUserID, req.IdempotencyKey); err != nil {
			return err
		} else if ok {
			outLedger = existing
			b, err := getBalanceTx(ctx, tx, ownerUserID)
			if err != nil {
				return err
			}
			outBal = b
			return nil
		}

		// Lock the projection row so concurrent debits serialize.
		b, err := getBalanceForUpdate(ctx, tx, ownerUserID)
		if err != nil {
			return err
		}

		amount := req.AmountTokens
		if b.BalanceTokens < amount {
			if !capAtBalance {
				return ErrInsufficientBalance
			}
			amount = b.BalanceTokens
		}
		if amount <= 0 {
			// Nothing left to take; no ledger entry for a zero debit.
			outLedger = TokenLedger{}
			outBal = b
			return nil
		}

		entry := TokenLedger{
			ID:             ledgerID,
			OwnerUserID:    ownerUserID,
			Type:           LedgerEntryTypeDebit,
			AmountTokens:   -amount,
			ExternalRef:    req.ExternalRef,
			IdempotencyKey: req.IdempotencyKey,
			Metadata:       req.Metadata,
			CreatedAt:      now,
		}
		if err := insertLedger(ctx, tx, entry); err != nil {
			return err
		}

		out, err := applyBalanceDelta(ctx, tx, ownerUserID, -amount, now)
		if err != nil {
			return err
		}
		outLedger = entry
		outBal = out
		return nil
	})

	return outLedger, outBal, err
}

func validateMoneyReq(ownerUserID string, amountTokens int64, idempotencyKey string) error {
	if ownerUserID == "" {
		return ErrInvalidArgument
	}
	if idempotencyKey == "" {
		return ErrInvalidArgument
	}
	if amountTokens <= 0 {
		return ErrInvalidArgument
	}
	return nil
}
