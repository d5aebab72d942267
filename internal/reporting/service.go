package reporting

import (
	"context"
	"errors"
	"strings"

	"expertcall-platform/internal/ledger"
	"expertcall-platform/internal/wallet"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts data access for reporting.
//
// Implementations should query immutable sources when possible (wallet
// ledger, audit, settled call rows).
type Repository interface {
	ListCalls(ctx context.Context, partyUserID string, r TimeRange) ([]ledger.Call, error)
	ListLedgerEntries(ctx context.Context, ownerUserID string, r TimeRange) ([]wallet.TokenLedger, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	party := req.ExpertID
	if party == "" {
		party = req.UserID
	}
	if party == "" || (req.ExpertID != "" && req.UserID != "") {
		return CallsSummary{}, ErrInvalidRequest
	}
	if !req.Range.valid() {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListCalls(ctx, party, req.Range)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{ExpertID: req.ExpertID, UserID: req.UserID}
	for _, c := range rows {
		out.TotalCalls++
		out.TokensCharged += c.TokensSpent
		if c.ConnectedAt != nil && c.EndedAt != nil {
			out.TotalConnectedSeconds += int(c.EndedAt.Sub(*c.ConnectedAt).Seconds())
		}
		switch c.Status {
		case ledger.StatusEnded:
			out.EndedCalls++
		case ledger.StatusRejected:
			out.RejectedCalls++
		case ledger.StatusTimeout:
			out.TimedOutCalls++
		case ledger.StatusFailed:
			out.FailedCalls++
		default:
			out.ActiveCalls++
		}
	}
	if out.TotalCalls > 0 {
		out.AverageConnectedSeconds = out.TotalConnectedSeconds / out.TotalCalls
	}
	return out, nil
}

func (s *Service) SpendSummary(ctx context.Context, req SpendSummaryRequest) (SpendSummary, error) {
	if req.OwnerUserID == "" {
		return SpendSummary{}, ErrInvalidRequest
	}
	if !req.Range.valid() {
		return SpendSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return SpendSummary{}, errors.New("reporting: repository not configured")
	}

	entries, err := s.repo.ListLedgerEntries(ctx, req.OwnerUserID, req.Range)
	if err != nil {
		return SpendSummary{}, err
	}

	out := SpendSummary{OwnerUserID: req.OwnerUserID}
	for _, e := range entries {
		if e.AmountTokens > 0 {
			out.TotalCreditTokens += e.AmountTokens
			if strings.HasPrefix(e.IdempotencyKey, "call_earn:") {
				out.CallEarnTokens += e.AmountTokens
			}
		} else {
			out.TotalDebitTokens += -e.AmountTokens
			if strings.HasPrefix(e.IdempotencyKey, "call_end:") {
				out.CallSpendTokens += -e.AmountTokens
			}
		}
	}
	out.NetDeltaTokens = out.TotalCreditTokens - out.TotalDebitTokens
	return out, nil
}
