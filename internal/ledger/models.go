package ledger

import "time"

// Call is the persisted record of one user↔expert call. It is the single
// source of truth for the call's lifecycle and for billing.
//
// Money invariant reminder: billing references call_id in the wallet ledger
// (external_ref + idempotency key) rather than mutating money fields here;
// TokensSpent is a denormalized copy written once at settlement.

type Call struct {
	ID       string `json:"id" db:"id"`
	UserID   string `json:"user_id" db:"user_id"`
	ExpertID string `json:"expert_id" db:"expert_id"`

	Status CallStatus `json:"status" db:"status"`

	// RatePerMinute is snapshotted at initiation so mid-call repricing
	// never changes what an in-flight call costs.
	RatePerMinute int64 `json:"rate_per_minute" db:"rate_per_minute"`

	// TokensSpent is what was actually debited at settlement. It can be
	// lower than rate × minutes when the balance ran out first.
	TokensSpent int64 `json:"tokens_spent" db:"tokens_spent"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// LastActivityAt is the liveness watermark: bumped on connect and by
	// participant heartbeats. The sweeper judges connected calls by it,
	// never by age, so a long healthy call is not "abandoned".
	LastActivityAt time.Time `json:"last_activity_at" db:"last_activity_at"`

	// ConnectedAt is set exactly once, when media first comes up. Billing
	// is measured from this instant, never from CreatedAt.
	ConnectedAt *time.Time `json:"connected_at,omitempty" db:"connected_at"`

	EndedAt *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	// EndedBy records which party (or "system") settled the call.
	EndedBy   string `json:"ended_by,omitempty" db:"ended_by"`
	EndReason string `json:"end_reason,omitempty" db:"end_reason"`
}

type CallStatus string

const (
	StatusInitiated CallStatus = "initiated"
	StatusRinging   CallStatus = "ringing"
	StatusAccepted  CallStatus = "accepted"
	StatusConnected CallStatus = "connected"

	StatusEnded    CallStatus = "ended"
	StatusRejected CallStatus = "rejected"
	StatusTimeout  CallStatus = "timeout"
	StatusFailed   CallStatus = "failed"
)

// IsTerminal reports whether no further transition may leave s.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case StatusEnded, StatusRejected, StatusTimeout, StatusFailed:
		return true
	}
	return false
}

// nonTerminal is every status End may settle from.
var nonTerminal = []CallStatus{StatusInitiated, StatusRinging, StatusAccepted, StatusConnected}

// Billable reports whether the call accrued chargeable time.
func (c Call) Billable() bool {
	return c.ConnectedAt != nil
}

// ElapsedSeconds is the connected duration at time t, zero if never
// connected. Sub-second remainders round up so any connected instant counts
// as billable time.
func (c Call) ElapsedSeconds(t time.Time) int {
	if c.ConnectedAt == nil {
		return 0
	}
	d := t.Sub(*c.ConnectedAt)
	if d <= 0 {
		return 0
	}
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
