package sweeper

import (
	"context"
	"log/slog"
	"time"

	"expertcall-platform/internal/ledger"

	"github.com/robfig/cron/v3"
)

// Sweeper is the server-side convergence loop: any call that has sat in a
// non-terminal status longer than AbandonedAfter is force-ended. This is
// what guarantees the ledger eventually reaches a terminal state even when
// both clients vanish without calling end.
type Sweeper struct {
	calls *ledger.Service
	log   *slog.Logger

	abandonedAfter time.Duration
	clock          func() time.Time

	cron *cron.Cron
}

func New(calls *ledger.Service, log *slog.Logger, abandonedAfter time.Duration) *Sweeper {
	if abandonedAfter <= 0 {
		abandonedAfter = 2 * time.Minute
	}
	return &Sweeper{
		calls:          calls,
		log:            log,
		abandonedAfter: abandonedAfter,
		clock:          time.Now,
	}
}

// Start runs one sweep immediately, then on the given cron schedule
// (e.g. "* * * * *" for every minute).
func (s *Sweeper) Start(schedule string) error {
	s.Sweep(context.Background())

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		s.Sweep(context.Background())
	}); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	s.log.Info("call sweeper started", "schedule", schedule, "abandoned_after", s.abandonedAfter)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep settles every abandoned call. Pre-connected calls are judged by
// age; connected calls only by heartbeat staleness or by accrued cost
// reaching the caller's balance, so a long healthy call is never touched.
// Each call is ended through the normal settlement path, so billing and
// busy-release semantics are identical to a client-initiated end.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.clock().UTC()
	cutoff := now.Add(-s.abandonedAfter)

	stale, err := s.calls.Stale(ctx, cutoff, cutoff)
	if err != nil {
		s.log.Error("stale call scan failed", "err", err)
		return
	}
	for _, call := range stale {
		s.settle(ctx, call, reasonFor(call.Status))
	}

	overspent, err := s.calls.Overspent(ctx, now)
	if err != nil {
		s.log.Error("overspent call scan failed", "err", err)
		return
	}
	for _, call := range overspent {
		s.settle(ctx, call, "balance_exhausted")
	}
}

func (s *Sweeper) settle(ctx context.Context, call ledger.Call, reason string) {
	if _, err := s.calls.End(ctx, ledger.EndRequest{
		CallID:  call.ID,
		EndedBy: "system",
		Reason:  reason,
	}); err != nil {
		s.log.Error("abandoned call settlement failed", "call_id", call.ID, "err", err)
		return
	}
	s.log.Info("abandoned call settled", "call_id", call.ID, "was", call.Status, "reason", reason)
}

func reasonFor(status ledger.CallStatus) string {
	switch status {
	case ledger.StatusConnected:
		// The call was live; treat the silence as a media drop.
		return "media_failed"
	default:
		return "connect_timeout"
	}
}
