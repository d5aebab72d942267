package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryRepository mirrors PostgresRepository's compare-and-set semantics
// for tests: transitions apply only from the expected source statuses, and
// losers get the current row back.
type MemoryRepository struct {
	mu    sync.Mutex
	calls map[string]Call
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{calls: make(map[string]Call)}
}

func (r *MemoryRepository) Create(_ context.Context, c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[c.ID] = c
	return nil
}

func (r *MemoryRepository) Find(_ context.Context, callID string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	if !ok {
		return Call{}, ErrNotFound
	}
	return c, nil
}

func statusIn(s CallStatus, set []CallStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func (r *MemoryRepository) UpdateStatus(_ context.Context, callID string, from []CallStatus, to CallStatus) (Call, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	if !ok {
		return Call{}, false, ErrNotFound
	}
	if !statusIn(c.Status, from) {
		return c, false, nil
	}
	c.Status = to
	r.calls[callID] = c
	return c, true, nil
}

func (r *MemoryRepository) MarkConnected(_ context.Context, callID string, at time.Time) (Call, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	if !ok {
		return Call{}, false, ErrNotFound
	}
	if c.Status != StatusAccepted {
		return c, false, nil
	}
	c.Status = StatusConnected
	if c.ConnectedAt == nil {
		t := at
		c.ConnectedAt = &t
	}
	c.LastActivityAt = at
	r.calls[callID] = c
	return c, true, nil
}

func (r *MemoryRepository) Settle(_ context.Context, callID string, from []CallStatus, to CallStatus, endedBy, endReason string, endedAt time.Time) (Call, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	if !ok {
		return Call{}, false, ErrNotFound
	}
	if !statusIn(c.Status, from) {
		return c, false, nil
	}
	c.Status = to
	t := endedAt
	c.EndedAt = &t
	c.EndedBy = endedBy
	c.EndReason = endReason
	r.calls[callID] = c
	return c, true, nil
}

func (r *MemoryRepository) Touch(_ context.Context, callID string, at time.Time) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	if !ok {
		return Call{}, ErrNotFound
	}
	if !c.Status.IsTerminal() {
		c.LastActivityAt = at
		r.calls[callID] = c
	}
	return c, nil
}

func (r *MemoryRepository) SetTokensSpent(_ context.Context, callID string, tokens int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	if !ok {
		return ErrNotFound
	}
	c.TokensSpent = tokens
	r.calls[callID] = c
	return nil
}

func (r *MemoryRepository) FindActiveForParty(_ context.Context, partyUserID string) ([]Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for _, c := range r.calls {
		if c.Status.IsTerminal() {
			continue
		}
		if c.UserID == partyUserID || c.ExpertID == partyUserID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *MemoryRepository) FindStale(_ context.Context, pendingCutoff, connectedCutoff time.Time) ([]Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for _, c := range r.calls {
		switch {
		case c.Status.IsTerminal():
		case c.Status == StatusConnected:
			if c.LastActivityAt.Before(connectedCutoff) {
				out = append(out, c)
			}
		default:
			if c.CreatedAt.Before(pendingCutoff) {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

func (r *MemoryRepository) FindConnected(_ context.Context) ([]Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for _, c := range r.calls {
		if c.Status == StatusConnected {
			out = append(out, c)
		}
	}
	return out, nil
}
