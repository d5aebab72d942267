package reporting

import (
	"context"
	"testing"
	"time"

	"expertcall-platform/internal/ledger"
	"expertcall-platform/internal/wallet"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(min int) time.Time {
	return time.Date(2026, 3, 1, 12, min, 0, 0, time.UTC)
}

func tp(min int) *time.Time {
	t := ts(min)
	return &t
}

func defaultRange() TimeRange {
	return TimeRange{From: ts(0), To: ts(60)}
}

func TestCallsSummary_ByExpert(t *testing.T) {
	repo := &MemoryRepo{Calls: []ledger.Call{
		{ID: "c-1", UserID: "u-1", ExpertID: "e-1", Status: ledger.StatusEnded,
			CreatedAt: ts(1), ConnectedAt: tp(2), EndedAt: tp(4), TokensSpent: 10},
		{ID: "c-2", UserID: "u-2", ExpertID: "e-1", Status: ledger.StatusRejected, CreatedAt: ts(5)},
		{ID: "c-3", UserID: "u-1", ExpertID: "e-1", Status: ledger.StatusTimeout, CreatedAt: ts(6)},
		{ID: "c-4", UserID: "u-1", ExpertID: "e-1", Status: ledger.StatusConnected,
			CreatedAt: ts(7), ConnectedAt: tp(8)},
		// Different expert, must not count.
		{ID: "c-5", UserID: "u-1", ExpertID: "e-2", Status: ledger.StatusEnded, CreatedAt: ts(9)},
		// Outside the range.
		{ID: "c-6", UserID: "u-1", ExpertID: "e-1", Status: ledger.StatusEnded, CreatedAt: ts(90)},
	}}

	got, err := NewService(repo).CallsSummary(context.Background(), CallsSummaryRequest{
		ExpertID: "e-1", Range: defaultRange(),
	})
	require.NoError(t, err)

	assert.Equal(t, 4, got.TotalCalls)
	assert.Equal(t, 1, got.EndedCalls)
	assert.Equal(t, 1, got.RejectedCalls)
	assert.Equal(t, 1, got.TimedOutCalls)
	assert.Equal(t, 1, got.ActiveCalls)
	assert.Equal(t, 120, got.TotalConnectedSeconds)
	assert.EqualValues(t, 10, got.TokensCharged)
}

func TestCallsSummary_RequiresExactlyOneParty(t *testing.T) {
	svc := NewService(&MemoryRepo{})

	_, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{Range: defaultRange()})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.CallsSummary(context.Background(), CallsSummaryRequest{
		ExpertID: "e-1", UserID: "u-1", Range: defaultRange(),
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCallsSummary_RejectsBadRange(t *testing.T) {
	svc := NewService(&MemoryRepo{})
	_, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{
		ExpertID: "e-1", Range: TimeRange{From: ts(10), To: ts(5)},
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSpendSummary_SplitsCallSpendFromTopUps(t *testing.T) {
	repo := &MemoryRepo{Entries: []wallet.TokenLedger{
		{OwnerUserID: "u-1", AmountTokens: 100, IdempotencyKey: "topup:1", CreatedAt: ts(1)},
		{OwnerUserID: "u-1", AmountTokens: -10, IdempotencyKey: "call_end:c-1", CreatedAt: ts(5)},
		{OwnerUserID: "u-1", AmountTokens: -15, IdempotencyKey: "call_end:c-2", CreatedAt: ts(6)},
		{OwnerUserID: "u-1", AmountTokens: -5, IdempotencyKey: "admin_adjust:1", CreatedAt: ts(7)},
		{OwnerUserID: "u-2", AmountTokens: -50, IdempotencyKey: "call_end:c-3", CreatedAt: ts(8)},
	}}

	got, err := NewService(repo).SpendSummary(context.Background(), SpendSummaryRequest{
		OwnerUserID: "u-1", Range: defaultRange(),
	})
	require.NoError(t, err)

	assert.EqualValues(t, 100, got.TotalCreditTokens)
	assert.EqualValues(t, 30, got.TotalDebitTokens)
	assert.EqualValues(t, 70, got.NetDeltaTokens)
	assert.EqualValues(t, 25, got.CallSpendTokens)
	assert.Zero(t, got.CallEarnTokens)
}

func TestSpendSummary_ExpertEarnings(t *testing.T) {
	repo := &MemoryRepo{Entries: []wallet.TokenLedger{
		{OwnerUserID: "e-1", AmountTokens: 10, IdempotencyKey: "call_earn:c-1", CreatedAt: ts(2)},
		{OwnerUserID: "e-1", AmountTokens: 25, IdempotencyKey: "call_earn:c-2", CreatedAt: ts(3)},
	}}

	got, err := NewService(repo).SpendSummary(context.Background(), SpendSummaryRequest{
		OwnerUserID: "e-1", Range: defaultRange(),
	})
	require.NoError(t, err)
	assert.EqualValues(t, 35, got.CallEarnTokens)
	assert.EqualValues(t, 35, got.NetDeltaTokens)
}
