package reporting

import (
	"context"

	"expertcall-platform/internal/ledger"
	"expertcall-platform/internal/wallet"
)

// MemoryRepo is an in-memory Repository for tests and early development.
type MemoryRepo struct {
	Calls   []ledger.Call
	Entries []wallet.TokenLedger
}

func (r *MemoryRepo) ListCalls(_ context.Context, partyUserID string, tr TimeRange) ([]ledger.Call, error) {
	var out []ledger.Call
	for _, c := range r.Calls {
		if c.UserID != partyUserID && c.ExpertID != partyUserID {
			continue
		}
		if c.CreatedAt.Before(tr.From) || !c.CreatedAt.Before(tr.To) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *MemoryRepo) ListLedgerEntries(_ context.Context, ownerUserID string, tr TimeRange) ([]wallet.TokenLedger, error) {
	var out []wallet.TokenLedger
	for _, e := range r.Entries {
		if e.OwnerUserID != ownerUserID {
			continue
		}
		if e.CreatedAt.Before(tr.From) || !e.CreatedAt.Before(tr.To) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
