package ledger

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"expertcall-platform/internal/pricing"
	"expertcall-platform/internal/signaling"
	"expertcall-platform/internal/wallet"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePresence struct {
	mu     sync.Mutex
	online bool
	busy   bool
	callID string
}

func (p *fakePresence) CanReceiveCall(context.Context, string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online && !p.busy, nil
}

func (p *fakePresence) SetBusy(_ context.Context, _ string, busy bool, callID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.busy = busy
	p.callID = callID
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []signaling.Event
}

func (n *fakeNotifier) Dispatch(_ context.Context, ev signaling.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *fakeNotifier) byType(t signaling.EventType) []signaling.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []signaling.Event
	for _, ev := range n.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc      *Service
	repo     *MemoryRepository
	wallets  *wallet.Memory
	presence *fakePresence
	notify   *fakeNotifier
	clock    *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		repo:     NewMemoryRepository(),
		wallets:  wallet.NewMemory(),
		presence: &fakePresence{online: true},
		notify:   &fakeNotifier{},
		clock:    &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}

	rates := pricing.NewService(&pricing.MemoryRepo{Rates: []pricing.ExpertRate{{
		ID:            "r-1",
		ExpertID:      "expert-1",
		RatePerMinute: 5,
		EffectiveFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Status:        pricing.RateStatusActive,
	}}})

	f.svc = NewService(f.repo, f.wallets, rates, f.presence, f.notify, nil, nil,
		slog.Default(), Config{MinBalanceMultiple: 5})
	f.svc.clock = f.clock.Now

	f.wallets.SetBalance("user-1", 100)
	return f
}

func (f *fixture) startCall(t *testing.T) Call {
	t.Helper()
	ctx := context.Background()

	call, err := f.svc.Initiate(ctx, "user-1", "expert-1")
	require.NoError(t, err)
	require.Equal(t, StatusRinging, call.Status)

	call, err = f.svc.Accept(ctx, call.ID, "expert-1")
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, call.Status)
	return call
}

func TestInitiate_SnapshotsRateAndRingsExpert(t *testing.T) {
	f := newFixture(t)

	call, err := f.svc.Initiate(context.Background(), "user-1", "expert-1")
	require.NoError(t, err)

	assert.Equal(t, StatusRinging, call.Status)
	assert.EqualValues(t, 5, call.RatePerMinute)
	assert.Nil(t, call.ConnectedAt)

	ring := f.notify.byType(signaling.EventIncomingCall)
	require.Len(t, ring, 1)
	assert.Equal(t, "expert-1", ring[0].To)
	assert.Equal(t, call.ID, ring[0].CallID)
	assert.EqualValues(t, 5, ring[0].RatePerMinute)
}

func TestInitiate_RequiresAvailableExpert(t *testing.T) {
	f := newFixture(t)

	f.presence.online = false
	_, err := f.svc.Initiate(context.Background(), "user-1", "expert-1")
	assert.ErrorIs(t, err, ErrExpertUnavailable)

	f.presence.online = true
	f.presence.busy = true
	_, err = f.svc.Initiate(context.Background(), "user-1", "expert-1")
	assert.ErrorIs(t, err, ErrExpertUnavailable)
}

func TestInitiate_RequiresFiveMinutesOfBalance(t *testing.T) {
	f := newFixture(t)

	// Rate 5/min, multiple 5: the floor is 25 tokens.
	f.wallets.SetBalance("user-1", 24)
	_, err := f.svc.Initiate(context.Background(), "user-1", "expert-1")
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	f.wallets.SetBalance("user-1", 25)
	_, err = f.svc.Initiate(context.Background(), "user-1", "expert-1")
	assert.NoError(t, err)
}

func TestInitiate_UnknownWalletIsInsufficient(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Initiate(context.Background(), "user-2", "expert-1")
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestAccept_MarksExpertBusyAndNotifiesCaller(t *testing.T) {
	f := newFixture(t)
	call := f.startCall(t)

	assert.True(t, f.presence.busy)
	assert.Equal(t, call.ID, f.presence.callID)

	accepted := f.notify.byType(signaling.EventCallAccepted)
	require.Len(t, accepted, 1)
	assert.Equal(t, "user-1", accepted[0].To)
}

func TestAccept_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	call := f.startCall(t)

	again, err := f.svc.Accept(context.Background(), call.ID, "expert-1")
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, again.Status)
	assert.Len(t, f.notify.byType(signaling.EventCallAccepted), 1)
}

func TestAccept_OnlyCalledExpert(t *testing.T) {
	f := newFixture(t)
	call := f.startCall(t)

	_, err := f.svc.Accept(context.Background(), call.ID, "expert-2")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestAccept_AfterEndReturnsSettledRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	call, err := f.svc.Initiate(ctx, "user-1", "expert-1")
	require.NoError(t, err)

	_, err = f.svc.End(ctx, EndRequest{CallID: call.ID, EndedBy: "user-1", Reason: "caller_hung_up"})
	require.NoError(t, err)

	row, err := f.svc.Accept(ctx, call.ID, "expert-1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusEnded, row.Status)
}

func TestReject_TerminalWithoutBilling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	call, err := f.svc.Initiate(ctx, "user-1", "expert-1")
	require.NoError(t, err)

	row, err := f.svc.Reject(ctx, call.ID, "expert-1", "busy_elsewhere")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, row.Status)
	assert.Equal(t, "busy_elsewhere", row.EndReason)
	assert.Empty(t, f.wallets.Entries())

	// Repeat is a no-op returning the settled row.
	row2, err := f.svc.Reject(ctx, call.ID, "expert-1", "again")
	require.NoError(t, err)
	assert.Equal(t, "busy_elsewhere", row2.EndReason)
}

func TestReject_AfterAcceptIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call := f.startCall(t)

	row, err := f.svc.Reject(ctx, call.ID, "expert-1", "changed_mind")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusAccepted, row.Status)

	row, err = f.svc.Get(ctx, call.ID, "expert-1")
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, row.Status)
}

func TestReject_AfterConnectCannotVoidBilling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call := f.startCall(t)

	_, err := f.svc.Connect(ctx, call.ID, "user-1")
	require.NoError(t, err)
	f.clock.Advance(2 * time.Minute)

	// A replayed or late reject must not settle a live call for free.
	row, err := f.svc.Reject(ctx, call.ID, "expert-1", "late")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusConnected, row.Status)
	assert.Empty(t, f.wallets.Entries())

	// The connected time still bills through the normal settlement.
	row, err = f.svc.End(ctx, EndRequest{CallID: call.ID, EndedBy: "expert-1", Reason: "expert_hung_up"})
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, row.Status)
	assert.EqualValues(t, 10, row.TokensSpent)

	bal, err := f.wallets.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.EqualValues(t, 90, bal.BalanceTokens)
}

func TestAcceptRejectRace_ExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Reject lands first: the late accept converges on the rejected row.
	call, err := f.svc.Initiate(ctx, "user-1", "expert-1")
	require.NoError(t, err)
	_, err = f.svc.Reject(ctx, call.ID, "expert-1", "busy")
	require.NoError(t, err)

	row, err := f.svc.Accept(ctx, call.ID, "expert-1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusRejected, row.Status)

	// Accept lands first: the late reject converges on the accepted row.
	call, err = f.svc.Initiate(ctx, "user-1", "expert-1")
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, call.ID, "expert-1")
	require.NoError(t, err)

	row, err = f.svc.Reject(ctx, call.ID, "expert-1", "busy")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusAccepted, row.Status)
	assert.Empty(t, f.wallets.Entries())
}

func TestConnect_SetsConnectedAtExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call := f.startCall(t)

	row, err := f.svc.Connect(ctx, call.ID, "user-1")
	require.NoError(t, err)
	require.NotNil(t, row.ConnectedAt)
	first := *row.ConnectedAt

	f.clock.Advance(10 * time.Second)

	// The other party reporting the same connection must not move the stamp.
	row2, err := f.svc.Connect(ctx, call.ID, "expert-1")
	require.NoError(t, err)
	require.NotNil(t, row2.ConnectedAt)
	assert.Equal(t, first, *row2.ConnectedAt)
}

func TestEnd_BillsCeilingMinutesExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call := f.startCall(t)

	_, err := f.svc.Connect(ctx, call.ID, "user-1")
	require.NoError(t, err)

	// 61 seconds -> 2 started minutes at 5 tokens/min.
	f.clock.Advance(61 * time.Second)

	row, err := f.svc.End(ctx, EndRequest{CallID: call.ID, EndedBy: "user-1", Reason: "caller_hung_up"})
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, row.Status)
	assert.EqualValues(t, 10, row.TokensSpent)

	userBal, err := f.wallets.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.EqualValues(t, 90, userBal.BalanceTokens)

	expertBal, err := f.wallets.GetBalance(ctx, "expert-1")
	require.NoError(t, err)
	assert.EqualValues(t, 10, expertBal.BalanceTokens)

	// Ending again returns the settled row and posts no new money.
	entries := len(f.wallets.Entries())
	row2, err := f.svc.End(ctx, EndRequest{CallID: call.ID, EndedBy: "expert-1", Reason: "expert_hung_up"})
	require.NoError(t, err)
	assert.Equal(t, "caller_hung_up", row2.EndReason)
	assert.Len(t, f.wallets.Entries(), entries)

	assert.False(t, f.presence.busy)
}

func TestEnd_SubSecondConnectionBillsAFullMinute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call := f.startCall(t)

	_, err := f.svc.Connect(ctx, call.ID, "user-1")
	require.NoError(t, err)

	// Any connected instant is a started minute.
	f.clock.Advance(500 * time.Millisecond)

	row, err := f.svc.End(ctx, EndRequest{CallID: call.ID, EndedBy: "user-1", Reason: "caller_hung_up"})
	require.NoError(t, err)
	assert.EqualValues(t, 5, row.TokensSpent)
}

func TestEnd_ChargeCappedAtBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.wallets.SetBalance("user-1", 25)
	call := f.startCall(t)

	_, err := f.svc.Connect(ctx, call.ID, "user-1")
	require.NoError(t, err)

	// 10 minutes at 5/min costs 50, but only 25 is left.
	f.clock.Advance(10 * time.Minute)

	row, err := f.svc.End(ctx, EndRequest{CallID: call.ID, EndedBy: "system", Reason: "balance_exhausted"})
	require.NoError(t, err)
	assert.EqualValues(t, 25, row.TokensSpent)

	userBal, err := f.wallets.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, userBal.BalanceTokens)

	expertBal, err := f.wallets.GetBalance(ctx, "expert-1")
	require.NoError(t, err)
	assert.EqualValues(t, 25, expertBal.BalanceTokens)
}

func TestEnd_NeverConnectedChargesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	call, err := f.svc.Initiate(ctx, "user-1", "expert-1")
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)

	row, err := f.svc.End(ctx, EndRequest{CallID: call.ID, EndedBy: "user-1", Reason: "caller_gave_up"})
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, row.Status)
	assert.Zero(t, row.TokensSpent)
	assert.Empty(t, f.wallets.Entries())
}

func TestEnd_ReasonSelectsTerminalStatus(t *testing.T) {
	cases := []struct {
		reason string
		want   CallStatus
	}{
		{"ring_timeout", StatusTimeout},
		{"connect_timeout", StatusTimeout},
		{"media_failed", StatusFailed},
		{"signaling_lost", StatusFailed},
		{"caller_hung_up", StatusEnded},
		{"", StatusEnded},
	}
	for _, tc := range cases {
		f := newFixture(t)
		call, err := f.svc.Initiate(context.Background(), "user-1", "expert-1")
		require.NoError(t, err)

		row, err := f.svc.End(context.Background(), EndRequest{CallID: call.ID, EndedBy: "system", Reason: tc.reason})
		require.NoError(t, err)
		assert.Equal(t, tc.want, row.Status, "reason %q", tc.reason)
	}
}

func TestEnd_NonParticipantForbidden(t *testing.T) {
	f := newFixture(t)
	call := f.startCall(t)

	_, err := f.svc.End(context.Background(), EndRequest{CallID: call.ID, EndedBy: "user-9", Reason: "x"})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestEnd_NotifiesOtherParty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call := f.startCall(t)

	_, err := f.svc.End(ctx, EndRequest{CallID: call.ID, EndedBy: "expert-1", Reason: "expert_hung_up"})
	require.NoError(t, err)

	ends := f.notify.byType(signaling.EventEndCall)
	require.Len(t, ends, 1)
	assert.Equal(t, "user-1", ends[0].To)
	assert.Equal(t, "expert-1", ends[0].InitiatedBy)
}

func TestEnd_SystemSweepNotifiesBothPartiesWithTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call := f.startCall(t)

	out, err := f.svc.End(ctx, EndRequest{CallID: call.ID, EndedBy: "system", Reason: "connect_timeout"})
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, out.Status)

	timeouts := f.notify.byType(signaling.EventCallTimeout)
	require.Len(t, timeouts, 2)
	recipients := []string{timeouts[0].To, timeouts[1].To}
	assert.ElementsMatch(t, []string{"user-1", "expert-1"}, recipients)
	assert.Empty(t, f.notify.byType(signaling.EventEndCall))
}

func TestActive_ReturnsOnlyNonTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	open, err := f.svc.Initiate(ctx, "user-1", "expert-1")
	require.NoError(t, err)

	done, err := f.svc.Initiate(ctx, "user-1", "expert-1")
	require.NoError(t, err)
	_, err = f.svc.End(ctx, EndRequest{CallID: done.ID, EndedBy: "user-1", Reason: ""})
	require.NoError(t, err)

	active, err := f.svc.Active(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, open.ID, active[0].ID)
}

func TestStale_JudgesPendingByAgeAndConnectedByActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	call, err := f.svc.Initiate(ctx, "user-1", "expert-1")
	require.NoError(t, err)

	after := f.clock.Now().Add(time.Minute)
	before := f.clock.Now().Add(-time.Minute)

	stale, err := f.svc.Stale(ctx, after, after)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, call.ID, stale[0].ID)

	stale, err = f.svc.Stale(ctx, before, before)
	require.NoError(t, err)
	assert.Empty(t, stale)

	// Once connected, age stops mattering; only the activity watermark does.
	_, err = f.svc.Accept(ctx, call.ID, "expert-1")
	require.NoError(t, err)
	_, err = f.svc.Connect(ctx, call.ID, "user-1")
	require.NoError(t, err)

	stale, err = f.svc.Stale(ctx, after, before)
	require.NoError(t, err)
	assert.Empty(t, stale)

	stale, err = f.svc.Stale(ctx, before, after)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, call.ID, stale[0].ID)
}

func TestHeartbeat_MovesActivityWatermarkUntilSettled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call := f.startCall(t)

	f.clock.Advance(time.Minute)
	row, err := f.svc.Heartbeat(ctx, call.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now(), row.LastActivityAt)

	_, err = f.svc.Heartbeat(ctx, call.ID, "someone-else")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.End(ctx, EndRequest{CallID: call.ID, EndedBy: "user-1", Reason: ""})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	row, err = f.svc.Heartbeat(ctx, call.ID, "user-1")
	require.NoError(t, err)
	assert.True(t, row.Status.IsTerminal())
	assert.NotEqual(t, f.clock.Now(), row.LastActivityAt)
}
