package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-memory wallet with the same idempotency semantics as
// Service. Useful for tests and early development; not for production.
type Memory struct {
	mu       sync.Mutex
	balances map[string]int64
	byKey    map[string]TokenLedger // owner + "\x00" + idempotency key
	entries  []TokenLedger
	clock    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		balances: make(map[string]int64),
		byKey:    make(map[string]TokenLedger),
		clock:    time.Now,
	}
}

// SetBalance seeds a balance directly. Tests only.
func (m *Memory) SetBalance(ownerUserID string, tokens int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[ownerUserID] = tokens
}

func (m *Memory) GetBalance(ctx context.Context, ownerUserID string) (Balance, error) {
	if ownerUserID == "" {
		return Balance{}, ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.balances[ownerUserID]
	if !ok {
		return Balance{}, ErrNotFound
	}
	return Balance{OwnerUserID: ownerUserID, BalanceTokens: bal, UpdatedAt: m.clock().UTC()}, nil
}

func (m *Memory) Credit(ctx context.Context, ownerUserID string, req CreditRequest) (TokenLedger, Balance, error) {
	if err := validateMoneyReq(ownerUserID, req.AmountTokens, req.IdempotencyKey); err != nil {
		return TokenLedger{}, Balance{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byKey[ownerUserID+"\x00"+req.IdempotencyKey]; ok {
		return existing, m.balanceLocked(ownerUserID), nil
	}

	entry := TokenLedger{
		ID:             uuid.NewString(),
		OwnerUserID:    ownerUserID,
		Type:           LedgerEntryTypeCredit,
		AmountTokens:   req.AmountTokens,
		ExternalRef:    req.ExternalRef,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
		CreatedAt:      m.clock().UTC(),
	}
	m.apply(entry)
	return entry, m.balanceLocked(ownerUserID), nil
}

func (m *Memory) Debit(ctx context.Context, ownerUserID string, req DebitRequest) (TokenLedger, Balance, error) {
	return m.debit(ownerUserID, req, false)
}

func (m *Memory) DebitUpTo(ctx context.Context, ownerUserID string, req DebitRequest) (TokenLedger, Balance, error) {
	return m.debit(ownerUserID, req, true)
}

func (m *Memory) debit(ownerUserID string, req DebitRequest, capAtBalance bool) (TokenLedger, Balance, error) {
	if err := validateMoneyReq(ownerUserID, req.AmountTokens, req.IdempotencyKey); err != nil {
		return TokenLedger{}, Balance{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byKey[ownerUserID+"\x00"+req.IdempotencyKey]; ok {
		return existing, m.balanceLocked(ownerUserID), nil
	}

	amount := req.AmountTokens
	if bal := m.balances[ownerUserID]; bal < amount {
		if !capAtBalance {
			return TokenLedger{}, Balance{}, ErrInsufficientBalance
		}
		amount = bal
	}
	if amount <= 0 {
		return TokenLedger{}, m.balanceLocked(ownerUserID), nil
	}

	entry := TokenLedger{
		ID:             uuid.NewString(),
		OwnerUserID:    ownerUserID,
		Type:           LedgerEntryTypeDebit,
		AmountTokens:   -amount,
		ExternalRef:    req.ExternalRef,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
		CreatedAt:      m.clock().UTC(),
	}
	m.apply(entry)
	return entry, m.balanceLocked(ownerUserID), nil
}

func (m *Memory) apply(e TokenLedger) {
	m.byKey[e.OwnerUserID+"\x00"+e.IdempotencyKey] = e
	m.entries = append(m.entries, e)
	m.balances[e.OwnerUserID] += e.AmountTokens
}

func (m *Memory) balanceLocked(ownerUserID string) Balance {
	return Balance{
		OwnerUserID:   ownerUserID,
		BalanceTokens: m.balances[ownerUserID],
		UpdatedAt:     m.clock().UTC(),
	}
}

// Entries returns a copy of all posted ledger entries. Tests only.
func (m *Memory) Entries() []TokenLedger {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TokenLedger, len(m.entries))
	copy(out, m.entries)
	return out
}
