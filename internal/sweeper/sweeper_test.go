package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"expertcall-platform/internal/ledger"
	"expertcall-platform/internal/pricing"
	"expertcall-platform/internal/wallet"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alwaysAvailable struct {
	mu   sync.Mutex
	busy bool
}

func (p *alwaysAvailable) CanReceiveCall(context.Context, string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.busy, nil
}

func (p *alwaysAvailable) SetBusy(_ context.Context, _ string, busy bool, _ string) error {
	p.mu.Lock()
	p.busy = busy
	p.mu.Unlock()
	return nil
}

func newSweepFixture(t *testing.T) (*Sweeper, *ledger.Service, *ledger.MemoryRepository, *wallet.Memory, *time.Time) {
	t.Helper()

	repo := ledger.NewMemoryRepository()
	wallets := wallet.NewMemory()
	wallets.SetBalance("user-1", 100)

	rates := pricing.NewService(&pricing.MemoryRepo{Rates: []pricing.ExpertRate{{
		ID: "r-1", ExpertID: "expert-1", RatePerMinute: 5,
		EffectiveFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Status:        pricing.RateStatusActive,
	}}})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	svc := ledger.NewService(repo, wallets, rates, &alwaysAvailable{}, nil, nil, nil,
		slog.Default(), ledger.Config{MinBalanceMultiple: 5}).WithClock(clock)

	sw := New(svc, slog.Default(), 2*time.Minute)
	sw.clock = clock
	return sw, svc, repo, wallets, &now
}

func TestSweep_SettlesAbandonedRingingCall(t *testing.T) {
	sw, svc, repo, _, now := newSweepFixture(t)
	ctx := context.Background()

	call, err := svc.Initiate(ctx, "user-1", "expert-1")
	require.NoError(t, err)

	// Not abandoned yet.
	sw.Sweep(ctx)
	row, err := repo.Find(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRinging, row.Status)

	*now = now.Add(3 * time.Minute)
	sw.Sweep(ctx)

	row, err = repo.Find(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusTimeout, row.Status)
	assert.Equal(t, "system", row.EndedBy)
	assert.Zero(t, row.TokensSpent)
}

func TestSweep_BillsAbandonedConnectedCall(t *testing.T) {
	sw, svc, repo, wallets, now := newSweepFixture(t)
	ctx := context.Background()

	call, err := svc.Initiate(ctx, "user-1", "expert-1")
	require.NoError(t, err)
	_, err = svc.Accept(ctx, call.ID, "expert-1")
	require.NoError(t, err)
	_, err = svc.Connect(ctx, call.ID, "user-1")
	require.NoError(t, err)

	// Both clients vanish mid-call for 3 minutes.
	*now = now.Add(3 * time.Minute)
	sw.Sweep(ctx)

	row, err := repo.Find(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, row.Status)
	assert.EqualValues(t, 15, row.TokensSpent)

	bal, err := wallets.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.EqualValues(t, 85, bal.BalanceTokens)
}

func TestSweep_SparesHealthyConnectedCall(t *testing.T) {
	sw, svc, repo, _, now := newSweepFixture(t)
	ctx := context.Background()

	call, err := svc.Initiate(ctx, "user-1", "expert-1")
	require.NoError(t, err)
	_, err = svc.Accept(ctx, call.ID, "expert-1")
	require.NoError(t, err)
	_, err = svc.Connect(ctx, call.ID, "user-1")
	require.NoError(t, err)

	// The call runs long past the abandonment window, but the client keeps
	// heartbeating and the balance covers the accrued cost.
	*now = now.Add(3 * time.Minute)
	_, err = svc.Heartbeat(ctx, call.ID, "user-1")
	require.NoError(t, err)

	sw.Sweep(ctx)

	row, err := repo.Find(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusConnected, row.Status)
}

func TestSweep_EndsConnectedCallOnBalanceOverage(t *testing.T) {
	sw, svc, repo, wallets, now := newSweepFixture(t)
	ctx := context.Background()

	call, err := svc.Initiate(ctx, "user-1", "expert-1")
	require.NoError(t, err)
	_, err = svc.Accept(ctx, call.ID, "expert-1")
	require.NoError(t, err)
	_, err = svc.Connect(ctx, call.ID, "user-1")
	require.NoError(t, err)

	// 25 minutes at 5/min is 125 tokens against a balance of 100. The
	// client still heartbeats, so only the overage check can end it.
	*now = now.Add(25 * time.Minute)
	_, err = svc.Heartbeat(ctx, call.ID, "user-1")
	require.NoError(t, err)

	sw.Sweep(ctx)

	row, err := repo.Find(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusEnded, row.Status)
	assert.Equal(t, "balance_exhausted", row.EndReason)
	assert.EqualValues(t, 100, row.TokensSpent)

	bal, err := wallets.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, bal.BalanceTokens)
}

func TestSweep_IsIdempotent(t *testing.T) {
	sw, svc, _, wallets, now := newSweepFixture(t)
	ctx := context.Background()

	call, err := svc.Initiate(ctx, "user-1", "expert-1")
	require.NoError(t, err)
	_, err = svc.Accept(ctx, call.ID, "expert-1")
	require.NoError(t, err)
	_, err = svc.Connect(ctx, call.ID, "user-1")
	require.NoError(t, err)

	*now = now.Add(3 * time.Minute)
	sw.Sweep(ctx)
	entries := len(wallets.Entries())

	sw.Sweep(ctx)
	assert.Len(t, wallets.Entries(), entries)
}
