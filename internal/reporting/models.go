package reporting

import "time"

// Common filtering inputs.

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (r TimeRange) valid() bool {
	return !r.From.IsZero() && !r.To.IsZero() && r.To.After(r.From)
}

// CallsSummaryRequest aggregates call metrics for one party: set ExpertID
// for an expert's view, UserID for a caller's view. Exactly one is required.

type CallsSummaryRequest struct {
	ExpertID string    `json:"expert_id,omitempty"`
	UserID   string    `json:"user_id,omitempty"`
	Range    TimeRange `json:"range"`
}

type CallsSummary struct {
	ExpertID string `json:"expert_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`

	TotalCalls    int `json:"total_calls"`
	EndedCalls    int `json:"ended_calls"`
	RejectedCalls int `json:"rejected_calls"`
	TimedOutCalls int `json:"timed_out_calls"`
	FailedCalls   int `json:"failed_calls"`
	ActiveCalls   int `json:"active_calls"`

	TotalConnectedSeconds   int `json:"total_connected_seconds"`
	AverageConnectedSeconds int `json:"average_connected_seconds"`

	// TokensCharged sums tokens_spent over settled calls; it is the
	// expert's gross earnings and the caller's gross call spend.
	TokensCharged int64 `json:"tokens_charged"`
}

// SpendSummaryRequest aggregates one owner's wallet movement. Spend is
// derived from immutable ledger entries, never from call rows.

type SpendSummaryRequest struct {
	OwnerUserID string    `json:"owner_user_id"`
	Range       TimeRange `json:"range"`
}

type SpendSummary struct {
	OwnerUserID string `json:"owner_user_id"`

	TotalDebitTokens  int64 `json:"total_debit_tokens"`
	TotalCreditTokens int64 `json:"total_credit_tokens"`
	NetDeltaTokens    int64 `json:"net_delta_tokens"`

	// CallSpendTokens is the portion of debits attributable to calls;
	// CallEarnTokens the portion of credits from calls taken as expert.
	CallSpendTokens int64 `json:"call_spend_tokens"`
	CallEarnTokens  int64 `json:"call_earn_tokens"`
}
