package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"expertcall-platform/internal/pricing"
	"expertcall-platform/internal/signaling"
	"expertcall-platform/internal/wallet"
	"expertcall-platform/pkg/utils"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrNotFound = errors.New("call not found")

	// ErrInvalidTransition is returned with the current row when a
	// transition loses a race (e.g. accept after the caller hung up).
	// Callers treat the returned row as authoritative.
	ErrInvalidTransition = errors.New("invalid call transition")

	ErrExpertUnavailable   = errors.New("expert unavailable")
	ErrInsufficientBalance = errors.New("insufficient balance to start call")
	ErrForbidden           = errors.New("not a participant of this call")
)

// Repository is the persistence surface. Every status change is a guarded
// compare-and-set: the WHERE clause names the expected source statuses and
// the update applies only if the row is still in one of them. The bool
// result reports whether this caller won the transition.
type Repository interface {
	Create(ctx context.Context, c Call) error
	Find(ctx context.Context, callID string) (Call, error)

	UpdateStatus(ctx context.Context, callID string, from []CallStatus, to CallStatus) (Call, bool, error)

	// MarkConnected moves accepted→connected and stamps connected_at only
	// if it is still null, so the timestamp is set at most once.
	MarkConnected(ctx context.Context, callID string, at time.Time) (Call, bool, error)

	// Settle moves a call from one of the expected source statuses to the
	// given terminal status.
	Settle(ctx context.Context, callID string, from []CallStatus, to CallStatus, endedBy, endReason string, endedAt time.Time) (Call, bool, error)

	// Touch bumps the liveness watermark on a non-terminal call.
	Touch(ctx context.Context, callID string, at time.Time) (Call, error)

	SetTokensSpent(ctx context.Context, callID string, tokens int64) error

	FindActiveForParty(ctx context.Context, partyUserID string) ([]Call, error)

	// FindStale returns the sweep candidates: pre-connected calls created
	// before pendingCutoff, and connected calls whose last activity is
	// before connectedCutoff.
	FindStale(ctx context.Context, pendingCutoff, connectedCutoff time.Time) ([]Call, error)

	FindConnected(ctx context.Context) ([]Call, error)
}

// Wallets is the money surface the call ledger needs. Satisfied by both
// wallet.Service and wallet.Memory.
type Wallets interface {
	GetBalance(ctx context.Context, ownerUserID string) (wallet.Balance, error)
	DebitUpTo(ctx context.Context, ownerUserID string, req wallet.DebitRequest) (wallet.TokenLedger, wallet.Balance, error)
	Credit(ctx context.Context, ownerUserID string, req wallet.CreditRequest) (wallet.TokenLedger, wallet.Balance, error)
}

type Rates interface {
	RateForExpert(ctx context.Context, expertID string, at time.Time) (pricing.ExpertRate, error)
}

// Presence is the authoritative availability gate consulted at initiation.
type Presence interface {
	CanReceiveCall(ctx context.Context, expertID string) (bool, error)
	SetBusy(ctx context.Context, expertID string, busy bool, callID string) error
}

// Notifier pushes signaling events to connected parties. Delivery is best
// effort; the persisted row is the source of truth either way.
type Notifier interface {
	Dispatch(ctx context.Context, ev signaling.Event) error
}

type Auditor interface {
	LogCallTransition(ctx context.Context, callID, expertID, actorUserID, fromStatus, toStatus, message string) error
}

type Config struct {
	// MinBalanceMultiple: a caller must hold at least this many minutes of
	// the expert's rate before a call may start.
	MinBalanceMultiple int64
}

// Service owns every call lifecycle transition. All transitions are
// idempotent: repeating an operation that already happened returns the
// current row, and any operation arriving after settlement returns the
// settled row unchanged.
type Service struct {
	repo     Repository
	wallets  Wallets
	rates    Rates
	presence Presence
	notify   Notifier
	audit    Auditor
	log      *slog.Logger
	cfg      Config

	// rdb backs the single-active-call cap per expert. Optional in tests.
	rdb *redis.Client

	clock func() time.Time
}

func NewService(repo Repository, wallets Wallets, rates Rates, presence Presence, notify Notifier, audit Auditor, rdb *redis.Client, log *slog.Logger, cfg Config) *Service {
	if cfg.MinBalanceMultiple <= 0 {
		cfg.MinBalanceMultiple = 5
	}
	return &Service{
		repo:     repo,
		wallets:  wallets,
		rates:    rates,
		presence: presence,
		notify:   notify,
		audit:    audit,
		rdb:      rdb,
		log:      log,
		cfg:      cfg,
		clock:    time.Now,
	}
}

// WithClock overrides the service clock. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.clock = now
	return s
}

func busyCapKey(expertID string) string {
	return fmt.Sprintf("call:busy:%s", expertID)
}

// Initiate creates a call and rings the expert.
//
// Gates, in order: the expert must be online and not busy, and the caller
// must hold at least MinBalanceMultiple minutes of the expert's rate. The
// rate is snapshotted onto the row so later repricing cannot change what
// this call costs.
func (s *Service) Initiate(ctx context.Context, userID, expertID string) (Call, error) {
	now := s.clock().UTC()

	ok, err := s.presence.CanReceiveCall(ctx, expertID)
	if err != nil {
		return Call{}, fmt.Errorf("presence check: %w", err)
	}
	if !ok {
		return Call{}, ErrExpertUnavailable
	}

	rate, err := s.rates.RateForExpert(ctx, expertID, now)
	if err != nil {
		return Call{}, fmt.Errorf("rate lookup: %w", err)
	}

	bal, err := s.wallets.GetBalance(ctx, userID)
	if err != nil && !errors.Is(err, wallet.ErrNotFound) {
		return Call{}, fmt.Errorf("balance lookup: %w", err)
	}
	if bal.BalanceTokens < pricing.MinimumBalance(rate.RatePerMinute, s.cfg.MinBalanceMultiple) {
		return Call{}, ErrInsufficientBalance
	}

	call := Call{
		ID:             uuid.NewString(),
		UserID:         userID,
		ExpertID:       expertID,
		Status:         StatusInitiated,
		RatePerMinute:  rate.RatePerMinute,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := s.repo.Create(ctx, call); err != nil {
		return Call{}, fmt.Errorf("create call: %w", err)
	}

	s.dispatch(ctx, signaling.Event{
		Type:          signaling.EventIncomingCall,
		To:            expertID,
		CallID:        call.ID,
		UserID:        userID,
		ExpertID:      expertID,
		RatePerMinute: rate.RatePerMinute,
	})

	call, won, err := s.repo.UpdateStatus(ctx, call.ID, []CallStatus{StatusInitiated}, StatusRinging)
	if err != nil {
		return Call{}, err
	}
	if won {
		s.logTransition(ctx, call, userID, StatusInitiated, StatusRinging, "call initiated")
	}
	return call, nil
}

// Accept moves ringing→accepted and marks the expert busy. Only the called
// expert may accept. Repeated accepts return the row as-is.
func (s *Service) Accept(ctx context.Context, callID, expertID string) (Call, error) {
	call, err := s.repo.Find(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	if call.ExpertID != expertID {
		return Call{}, ErrForbidden
	}
	if call.Status == StatusAccepted || call.Status == StatusConnected {
		return call, nil
	}

	// One active call per expert, enforced in redis so two server
	// instances cannot accept concurrently for the same expert.
	if s.rdb != nil {
		got, err := utils.AcquireConcurrencyCap(ctx, s.rdb, busyCapKey(expertID), 1, time.Hour)
		if err != nil {
			return Call{}, fmt.Errorf("busy cap: %w", err)
		}
		if !got {
			return call, ErrInvalidTransition
		}
	}

	updated, won, err := s.repo.UpdateStatus(ctx, callID, []CallStatus{StatusInitiated, StatusRinging}, StatusAccepted)
	if err != nil {
		return Call{}, err
	}
	if !won {
		if s.rdb != nil {
			_ = utils.ReleaseConcurrencyCap(ctx, s.rdb, busyCapKey(expertID))
		}
		if updated.Status == StatusAccepted || updated.Status == StatusConnected {
			return updated, nil
		}
		return updated, ErrInvalidTransition
	}

	if err := s.presence.SetBusy(ctx, expertID, true, callID); err != nil {
		s.log.Warn("busy flag update failed", "call_id", callID, "err", err)
	}
	s.logTransition(ctx, updated, expertID, call.Status, StatusAccepted, "expert accepted")

	s.dispatch(ctx, signaling.Event{
		Type:     signaling.EventCallAccepted,
		To:       updated.UserID,
		CallID:   callID,
		UserID:   updated.UserID,
		ExpertID: expertID,
	})
	return updated, nil
}

// Reject moves ringing→rejected. Terminal, no billing.
//
// The CAS is guarded to the pre-accept statuses only: a late or replayed
// reject that lands after accept/connect must not void a billable call, so
// it is a no-op returning the winning row.
func (s *Service) Reject(ctx context.Context, callID, expertID, reason string) (Call, error) {
	call, err := s.repo.Find(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	if call.ExpertID != expertID {
		return Call{}, ErrForbidden
	}
	if call.Status.IsTerminal() {
		return call, nil
	}
	if reason == "" {
		reason = "rejected"
	}

	updated, won, err := s.repo.Settle(ctx, callID, []CallStatus{StatusInitiated, StatusRinging}, StatusRejected, expertID, reason, s.clock().UTC())
	if err != nil {
		return Call{}, err
	}
	if !won {
		if updated.Status.IsTerminal() {
			return updated, nil
		}
		// The call was already accepted or connected; End is the only way
		// out from here.
		return updated, ErrInvalidTransition
	}
	s.logTransition(ctx, updated, expertID, call.Status, StatusRejected, reason)

	s.dispatch(ctx, signaling.Event{
		Type:     signaling.EventCallRejected,
		To:       updated.UserID,
		CallID:   callID,
		UserID:   updated.UserID,
		ExpertID: expertID,
		Reason:   reason,
	})
	return updated, nil
}

// Connect moves accepted→connected and stamps connected_at at most once.
// Either participant may report the connection; whoever lands first wins
// and the other call is a no-op.
func (s *Service) Connect(ctx context.Context, callID, actorUserID string) (Call, error) {
	call, err := s.repo.Find(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	if actorUserID != call.UserID && actorUserID != call.ExpertID {
		return Call{}, ErrForbidden
	}
	if call.Status == StatusConnected {
		return call, nil
	}

	updated, won, err := s.repo.MarkConnected(ctx, callID, s.clock().UTC())
	if err != nil {
		return Call{}, err
	}
	if !won {
		if updated.Status == StatusConnected {
			return updated, nil
		}
		return updated, ErrInvalidTransition
	}
	s.logTransition(ctx, updated, actorUserID, StatusAccepted, StatusConnected, "media connected")

	other := updated.ExpertID
	if actorUserID == updated.ExpertID {
		other = updated.UserID
	}
	s.dispatch(ctx, signaling.Event{
		Type:     signaling.EventCallConnected,
		To:       other,
		CallID:   callID,
		UserID:   updated.UserID,
		ExpertID: updated.ExpertID,
	})
	return updated, nil
}

// EndRequest describes a settlement. EndedBy is a participant user ID or
// "system" (sweeper, timeouts).
type EndRequest struct {
	CallID  string
	EndedBy string
	Reason  string
}

// End is the universal settlement path: it moves the call from ANY
// non-terminal status to a terminal one, bills connected time exactly once,
// and frees the expert. Ending an already-settled call returns the settled
// row unchanged, so clients can retry End blindly.
func (s *Service) End(ctx context.Context, req EndRequest) (Call, error) {
	call, err := s.repo.Find(ctx, req.CallID)
	if err != nil {
		return Call{}, err
	}
	if req.EndedBy != "system" && req.EndedBy != call.UserID && req.EndedBy != call.ExpertID {
		return Call{}, ErrForbidden
	}
	if call.Status.IsTerminal() {
		return call, nil
	}

	endedAt := s.clock().UTC()
	target := terminalStatusFor(req.Reason)

	updated, won, err := s.repo.Settle(ctx, req.CallID, nonTerminal, target, req.EndedBy, req.Reason, endedAt)
	if err != nil {
		return Call{}, err
	}
	if !won {
		// Lost the race to another End (or a reject): the row is already
		// settled and the winner did the billing.
		return updated, nil
	}
	s.logTransition(ctx, updated, req.EndedBy, call.Status, target, req.Reason)

	// The CAS above makes this block run at most once per call, and the
	// wallet idempotency key makes the money posting safe even if it did
	// not. A charge failure must not resurrect the call: the row stays
	// terminal and the failure is surfaced for reconciliation.
	if updated.Billable() {
		if err := s.charge(ctx, &updated, endedAt); err != nil {
			s.log.Error("call settlement charge failed", "call_id", updated.ID, "err", err)
		}
	}

	if err := s.presence.SetBusy(ctx, updated.ExpertID, false, ""); err != nil {
		s.log.Warn("busy flag clear failed", "call_id", updated.ID, "err", err)
	}
	if s.rdb != nil {
		if err := utils.ReleaseConcurrencyCap(ctx, s.rdb, busyCapKey(updated.ExpertID)); err != nil {
			s.log.Warn("busy cap release failed", "expert_id", updated.ExpertID, "err", err)
		}
	}

	evType := signaling.EventEndCall
	if target == StatusTimeout {
		evType = signaling.EventCallTimeout
	}
	// A party-initiated end notifies the other side; a sweep ("system")
	// notifies both, since neither party asked for it.
	recipients := []string{updated.UserID, updated.ExpertID}
	switch req.EndedBy {
	case updated.UserID:
		recipients = []string{updated.ExpertID}
	case updated.ExpertID:
		recipients = []string{updated.UserID}
	}
	for _, to := range recipients {
		s.dispatch(ctx, signaling.Event{
			Type:        evType,
			To:          to,
			CallID:      updated.ID,
			UserID:      updated.UserID,
			ExpertID:    updated.ExpertID,
			Reason:      req.Reason,
			InitiatedBy: req.EndedBy,
		})
	}
	return updated, nil
}

// charge debits the caller for connected time, capped at their balance,
// and credits the expert with whatever was actually collected.
func (s *Service) charge(ctx context.Context, call *Call, endedAt time.Time) error {
	cost := pricing.CallCost(call.RatePerMinute, call.ElapsedSeconds(endedAt))
	if cost <= 0 {
		return nil
	}

	entry, _, err := s.wallets.DebitUpTo(ctx, call.UserID, wallet.DebitRequest{
		AmountTokens:   cost,
		ExternalRef:    call.ID,
		IdempotencyKey: "call_end:" + call.ID,
	})
	if err != nil {
		return fmt.Errorf("debit caller: %w", err)
	}

	charged := -entry.AmountTokens
	if charged > 0 {
		if _, _, err := s.wallets.Credit(ctx, call.ExpertID, wallet.CreditRequest{
			AmountTokens:   charged,
			ExternalRef:    call.ID,
			IdempotencyKey: "call_earn:" + call.ID,
		}); err != nil {
			return fmt.Errorf("credit expert: %w", err)
		}
	}

	call.TokensSpent = charged
	if err := s.repo.SetTokensSpent(ctx, call.ID, charged); err != nil {
		return fmt.Errorf("record tokens spent: %w", err)
	}
	return nil
}

// Get returns a single call, restricted to its participants (admins are
// checked at the HTTP layer).
func (s *Service) Get(ctx context.Context, callID, actorUserID string) (Call, error) {
	call, err := s.repo.Find(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	if actorUserID != "" && actorUserID != call.UserID && actorUserID != call.ExpertID {
		return Call{}, ErrForbidden
	}
	return call, nil
}

// Active returns the party's non-terminal calls. Used by clients on
// reconnect to converge their local state with the ledger.
func (s *Service) Active(ctx context.Context, partyUserID string) ([]Call, error) {
	return s.repo.FindActiveForParty(ctx, partyUserID)
}

// Heartbeat bumps the liveness watermark on a participant's live call.
// Heartbeating a settled call is a no-op returning the settled row.
func (s *Service) Heartbeat(ctx context.Context, callID, actorUserID string) (Call, error) {
	call, err := s.repo.Find(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	if actorUserID != call.UserID && actorUserID != call.ExpertID {
		return Call{}, ErrForbidden
	}
	if call.Status.IsTerminal() {
		return call, nil
	}
	return s.repo.Touch(ctx, callID, s.clock().UTC())
}

// Stale returns the sweep candidates: pre-connected calls older than
// pendingCutoff, connected calls with no activity since connectedCutoff.
func (s *Service) Stale(ctx context.Context, pendingCutoff, connectedCutoff time.Time) ([]Call, error) {
	return s.repo.FindStale(ctx, pendingCutoff, connectedCutoff)
}

// Overspent returns connected calls whose accrued cost has reached the
// caller's balance. The wallet's capped debit already makes overdraw
// impossible; this exists so the server cuts such calls off promptly even
// when the caller's client has stopped ticking.
func (s *Service) Overspent(ctx context.Context, now time.Time) ([]Call, error) {
	connected, err := s.repo.FindConnected(ctx)
	if err != nil {
		return nil, err
	}

	var out []Call
	for _, call := range connected {
		bal, err := s.wallets.GetBalance(ctx, call.UserID)
		if err != nil {
			if errors.Is(err, wallet.ErrNotFound) {
				out = append(out, call)
				continue
			}
			return nil, err
		}
		cost := pricing.CallCost(call.RatePerMinute, call.ElapsedSeconds(now))
		if cost >= bal.BalanceTokens {
			out = append(out, call)
		}
	}
	return out, nil
}

func terminalStatusFor(reason string) CallStatus {
	switch reason {
	case "ring_timeout", "connect_timeout":
		return StatusTimeout
	case "media_failed", "signaling_lost", "error":
		return StatusFailed
	default:
		return StatusEnded
	}
}

func (s *Service) dispatch(ctx context.Context, ev signaling.Event) {
	if s.notify == nil {
		return
	}
	if err := s.notify.Dispatch(ctx, ev); err != nil {
		s.log.Warn("signaling dispatch failed", "type", ev.Type, "call_id", ev.CallID, "err", err)
	}
}

func (s *Service) logTransition(ctx context.Context, c Call, actor string, from, to CallStatus, message string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.LogCallTransition(ctx, c.ID, c.ExpertID, actor, string(from), string(to), message); err != nil {
		s.log.Warn("audit write failed", "call_id", c.ID, "err", err)
	}
}
