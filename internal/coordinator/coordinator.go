package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"expertcall-platform/internal/ledger"
	"expertcall-platform/internal/media"
	"expertcall-platform/internal/presence"
	"expertcall-platform/internal/pricing"
	"expertcall-platform/internal/signaling"
)

// Phase is the local view of the call lifecycle. The persisted ledger row
// is authoritative; this phase only drives the client's own behavior
// (timers, media setup, UI).
type Phase string

const (
	PhaseIdle Phase = "idle"

	// PhaseRinging: we initiated and are waiting for the expert.
	PhaseRinging Phase = "ringing"
	// PhaseIncoming: an expert being rung, waiting for accept/reject.
	PhaseIncoming Phase = "incoming"

	PhaseConnecting Phase = "connecting"
	PhaseConnected  Phase = "connected"
)

var (
	ErrBusy              = errors.New("another call is in progress")
	ErrNoCall            = errors.New("no call in progress")
	ErrNotRinging        = errors.New("no ringing call to answer")
	ErrExpertUnavailable = errors.New("expert appears unavailable")
	ErrClosed            = errors.New("coordinator closed")
)

// Ledger is the server surface the coordinator drives. Satisfied by
// ledger.Client; tests substitute an in-process adapter.
type Ledger interface {
	Initiate(ctx context.Context, expertID string) (ledger.Call, error)
	Accept(ctx context.Context, callID string) (ledger.Call, error)
	Reject(ctx context.Context, callID, reason string) (ledger.Call, error)
	Connect(ctx context.Context, callID string) (ledger.Call, error)
	End(ctx context.Context, callID, reason string) (ledger.Call, error)
	Heartbeat(ctx context.Context, callID string) (ledger.Call, error)
	Active(ctx context.Context) ([]ledger.Call, error)
}

type Config struct {
	// UserID is this client's identity; IsExpert selects which side of the
	// protocol it plays.
	UserID   string
	IsExpert bool

	RingTimeout    time.Duration
	ConnectTimeout time.Duration

	// BalanceTick is the period of the housekeeping tick (timeouts and
	// balance exhaustion). Zero disables the internal ticker, for tests
	// that drive ticks by hand.
	BalanceTick time.Duration

	// HeartbeatEvery is how often a connected call's liveness watermark is
	// refreshed at the ledger, keeping it out of the abandoned-call sweep.
	HeartbeatEvery time.Duration
}

// Snapshot is a point-in-time copy of the coordinator state, safe to hand
// to UI code.
type Snapshot struct {
	Phase Phase

	CallID        string
	PeerID        string
	RatePerMinute int64
	ConnectedAt   *time.Time
	Muted         bool

	// CostSoFar is the running charge estimate while connected.
	CostSoFar int64

	// LastEndReason survives the return to idle so the UI can say why the
	// previous call finished.
	LastEndReason string
}

// Coordinator reconciles the three views of a call — signaling events, the
// media session, and the persisted ledger — into one state machine.
//
// Everything runs on a single goroutine fed by one queue: public methods,
// transport events, media state changes and ticks all enter through it, so
// there are no lock-order or interleaving hazards and every transition has
// one total order.
type Coordinator struct {
	ledger    Ledger
	transport signaling.Transport
	sessions  func() media.Session
	cache     *presence.Cache
	log       *slog.Logger
	cfg       Config

	clock func() time.Time

	// queue carries closures to run on the loop goroutine.
	queue chan func()
	// ticks is the housekeeping channel; tests feed it directly.
	ticks chan time.Time
	quit  chan struct{}
	done  chan struct{}

	// Everything below is owned by the run loop.
	phase   Phase
	call    ledger.Call
	peerID  string
	session media.Session
	muted   bool

	balanceTokens int64

	ringDeadline    time.Time
	connectDeadline time.Time

	// ringPollAt schedules a one-shot mid-ring ledger poll: if the
	// accepted event was dropped, the poll converges us without burning
	// the whole ring window.
	ringPollAt    time.Time
	nextHeartbeat time.Time

	lastEndReason string
}

func New(l Ledger, transport signaling.Transport, sessions func() media.Session, cache *presence.Cache, log *slog.Logger, cfg Config) *Coordinator {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 45 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = 30 * time.Second
	}
	return &Coordinator{
		ledger:    l,
		transport: transport,
		sessions:  sessions,
		cache:     cache,
		log:       log,
		cfg:       cfg,
		clock:     time.Now,
		queue:     make(chan func(), 64),
		ticks:     make(chan time.Time, 1),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		phase:     PhaseIdle,
	}
}

// Run drives the state machine until ctx is canceled or Close is called.
func (c *Coordinator) Run(ctx context.Context) {
	defer close(c.done)

	var tickC <-chan time.Time
	if c.cfg.BalanceTick > 0 {
		ticker := time.NewTicker(c.cfg.BalanceTick)
		defer ticker.Stop()
		tickC = ticker.C
	}

	events := c.transport.Events()

	for {
		select {
		case <-ctx.Done():
			c.shutdown(ctx)
			return
		case <-c.quit:
			c.shutdown(ctx)
			return
		case fn := <-c.queue:
			fn()
		case now := <-c.ticks:
			c.onTick(ctx, now)
		case now := <-tickC:
			c.onTick(ctx, now)
		case ev, ok := <-events:
			if !ok {
				// Transport dropped. The server will converge the ledger
				// either way, but try to settle proactively over REST.
				c.log.Warn("signaling transport lost")
				if c.cache != nil {
					c.cache.Flush()
				}
				c.endCall(ctx, "signaling_lost")
				events = nil
				continue
			}
			c.onEvent(ctx, ev)
		}
	}
}

// Close stops the run loop and waits for it to finish.
func (c *Coordinator) Close() {
	select {
	case <-c.quit:
	default:
		close(c.quit)
	}
	<-c.done
}

// do runs fn on the loop goroutine and waits for it.
func (c *Coordinator) do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	wrapped := func() {
		fn()
		close(ran)
	}
	select {
	case c.queue <- wrapped:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ran:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Initiate starts an outgoing call to an expert. The presence cache gate
// here is advisory; the server repeats the check authoritatively.
func (c *Coordinator) Initiate(ctx context.Context, expertID string) (Snapshot, error) {
	var snap Snapshot
	var opErr error
	err := c.do(ctx, func() {
		if c.phase != PhaseIdle {
			opErr = ErrBusy
			return
		}
		if c.cache != nil && !c.cache.CanReceiveCall(expertID) {
			opErr = ErrExpertUnavailable
			return
		}
		call, err := c.ledger.Initiate(ctx, expertID)
		if err != nil {
			opErr = err
			return
		}
		c.call = call
		c.peerID = expertID
		c.phase = PhaseRinging
		c.ringDeadline = c.clock().Add(c.cfg.RingTimeout)
		c.ringPollAt = c.clock().Add(c.cfg.RingTimeout / 2)
		snap = c.snapshotLocked()
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, opErr
}

// Accept answers the currently ringing incoming call (expert side).
func (c *Coordinator) Accept(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	var opErr error
	err := c.do(ctx, func() {
		if c.phase != PhaseIncoming {
			opErr = ErrNotRinging
			return
		}
		call, err := c.ledger.Accept(ctx, c.call.ID)
		if err != nil {
			// The caller may have hung up first; converge on the row.
			if errors.Is(err, ledger.ErrInvalidTransition) && call.Status.IsTerminal() {
				c.reset(call.EndReason)
			}
			opErr = err
			return
		}
		c.call = call
		c.startMedia(ctx, media.RoleCallee)
		snap = c.snapshotLocked()
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, opErr
}

// Reject declines the currently ringing incoming call (expert side).
func (c *Coordinator) Reject(ctx context.Context, reason string) error {
	var opErr error
	err := c.do(ctx, func() {
		if c.phase != PhaseIncoming {
			opErr = ErrNotRinging
			return
		}
		_, opErr = c.ledger.Reject(ctx, c.call.ID, reason)
		c.reset("rejected")
	})
	if err != nil {
		return err
	}
	return opErr
}

// End hangs up. It is the universal cancellation path: valid in every
// phase, idempotent, and guaranteed to leave the coordinator idle with the
// media session released even when the ledger call fails.
func (c *Coordinator) End(ctx context.Context, reason string) error {
	return c.do(ctx, func() {
		c.endCall(ctx, reason)
	})
}

// ToggleMute flips the local audio mute and reports the new muted state.
func (c *Coordinator) ToggleMute(ctx context.Context) (bool, error) {
	var muted bool
	err := c.do(ctx, func() {
		c.muted = !c.muted
		if c.session != nil {
			c.session.SetMuted(c.muted)
		}
		muted = c.muted
	})
	return muted, err
}

// SetBalance updates the cached token balance used by the exhaustion
// monitor. Callers refresh it from the wallet API.
func (c *Coordinator) SetBalance(ctx context.Context, tokens int64) error {
	return c.do(ctx, func() {
		c.balanceTokens = tokens
	})
}

// Snapshot returns the current state. Safe from any goroutine.
func (c *Coordinator) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := c.do(ctx, func() {
		snap = c.snapshotLocked()
	})
	return snap, err
}

// Resync converges local state with the server after a reconnect: if the
// ledger says our call is settled, drop it locally.
func (c *Coordinator) Resync(ctx context.Context) error {
	var opErr error
	err := c.do(ctx, func() {
		if c.phase == PhaseIdle {
			return
		}
		active, err := c.ledger.Active(ctx)
		if err != nil {
			opErr = err
			return
		}
		for _, call := range active {
			if call.ID == c.call.ID {
				c.call = call
				return
			}
		}
		// Settled server-side while we were away.
		c.releaseMedia()
		c.reset("settled_remotely")
	})
	if err != nil {
		return err
	}
	return opErr
}

func (c *Coordinator) snapshotLocked() Snapshot {
	snap := Snapshot{
		Phase:         c.phase,
		Muted:         c.muted,
		LastEndReason: c.lastEndReason,
	}
	if c.phase != PhaseIdle {
		snap.CallID = c.call.ID
		snap.PeerID = c.peerID
		snap.RatePerMinute = c.call.RatePerMinute
		snap.ConnectedAt = c.call.ConnectedAt
		if c.call.ConnectedAt != nil {
			snap.CostSoFar = pricing.CallCost(c.call.RatePerMinute, c.call.ElapsedSeconds(c.clock()))
		}
	}
	return snap
}

// --- run-loop internals ---

func (c *Coordinator) onEvent(ctx context.Context, ev signaling.Event) {
	if c.cache != nil {
		c.cache.Apply(ev)
	}

	switch ev.Type {
	case signaling.EventIncomingCall:
		c.onIncomingCall(ev)
	case signaling.EventCallAccepted:
		c.onAccepted(ctx, ev)
	case signaling.EventCallRejected:
		c.onRemoteTerminal(ev, "rejected")
	case signaling.EventEndCall:
		c.onRemoteTerminal(ev, ev.Reason)
	case signaling.EventCallTimeout:
		c.onRemoteTerminal(ev, "timeout")
	case signaling.EventCallConnected:
		// Informational: our own media state drives the transition.
	case signaling.EventMediaSignal:
		c.onMediaSignal(ctx, ev)
	}
}

func (c *Coordinator) onIncomingCall(ev signaling.Event) {
	if !c.cfg.IsExpert {
		return
	}
	if c.phase != PhaseIdle {
		// Already engaged; the server's busy cap should prevent this, but
		// a stale ring can still arrive. Ignore it; it will time out.
		c.log.Warn("ignoring incoming call while engaged", "call_id", ev.CallID)
		return
	}
	c.call = ledger.Call{
		ID:            ev.CallID,
		UserID:        ev.UserID,
		ExpertID:      c.cfg.UserID,
		Status:        ledger.StatusRinging,
		RatePerMinute: ev.RatePerMinute,
	}
	c.peerID = ev.UserID
	c.phase = PhaseIncoming
	c.ringDeadline = c.clock().Add(c.cfg.RingTimeout)
}

func (c *Coordinator) onAccepted(ctx context.Context, ev signaling.Event) {
	if c.phase != PhaseRinging || ev.CallID != c.call.ID {
		return
	}
	c.startMedia(ctx, media.RoleCaller)
}

func (c *Coordinator) onRemoteTerminal(ev signaling.Event, reason string) {
	if c.phase == PhaseIdle || ev.CallID != c.call.ID {
		return
	}
	// The server already settled the row; only local cleanup remains.
	c.releaseMedia()
	c.reset(reason)
}

func (c *Coordinator) onMediaSignal(ctx context.Context, ev signaling.Event) {
	if c.session == nil || ev.CallID != c.call.ID {
		return
	}
	sig, err := media.ParseSignal(ev)
	if err != nil {
		c.log.Warn("bad media signal", "call_id", ev.CallID, "err", err)
		return
	}
	if err := c.session.HandleSignal(ctx, sig); err != nil {
		c.log.Warn("media signal handling failed", "call_id", ev.CallID, "kind", sig.Kind, "err", err)
	}
}

// startMedia builds the media session and moves to connecting. A setup
// failure ends the call rather than leaving it wedged.
func (c *Coordinator) startMedia(ctx context.Context, role media.Role) {
	sess := c.sessions()
	sess.OnStateChange(func(st media.State) {
		callID := c.call.ID
		select {
		case c.queue <- func() { c.onMediaState(context.Background(), callID, st) }:
		case <-c.done:
		}
	})
	sess.SetMuted(c.muted)

	if err := sess.Setup(ctx, c.call.ID, c.peerID, role); err != nil {
		c.log.Error("media setup failed", "call_id", c.call.ID, "err", err)
		sess.Leave()
		c.endCall(ctx, "media_failed")
		return
	}
	c.session = sess
	c.phase = PhaseConnecting
	c.ringDeadline = time.Time{}
	c.ringPollAt = time.Time{}
	c.connectDeadline = c.clock().Add(c.cfg.ConnectTimeout)
}

func (c *Coordinator) onMediaState(ctx context.Context, callID string, st media.State) {
	if c.phase == PhaseIdle || callID != c.call.ID {
		return
	}
	switch st {
	case media.StateConnected:
		if c.phase != PhaseConnecting && c.phase != PhaseConnected {
			return
		}
		c.connectDeadline = time.Time{}
		if c.phase == PhaseConnected {
			return
		}
		call, err := c.ledger.Connect(ctx, c.call.ID)
		if err != nil {
			c.log.Error("connect report failed", "call_id", c.call.ID, "err", err)
			c.endCall(ctx, "error")
			return
		}
		c.call = call
		c.phase = PhaseConnected
		c.nextHeartbeat = c.clock().Add(c.cfg.HeartbeatEvery)
	case media.StateDisconnected:
		// Possibly transient. Give it the connect timeout to recover.
		if c.phase == PhaseConnected && c.connectDeadline.IsZero() {
			c.connectDeadline = c.clock().Add(c.cfg.ConnectTimeout)
		}
	case media.StateFailed:
		c.endCall(ctx, "media_failed")
	}
}

func (c *Coordinator) onTick(ctx context.Context, now time.Time) {
	switch c.phase {
	case PhaseRinging:
		if !c.ringPollAt.IsZero() && !now.Before(c.ringPollAt) {
			c.ringPollAt = time.Time{}
			c.pollRing(ctx)
			if c.phase != PhaseRinging {
				return
			}
		}
		if !c.ringDeadline.IsZero() && !now.Before(c.ringDeadline) {
			c.endCall(ctx, "ring_timeout")
		}
	case PhaseIncoming:
		// The caller's side owns the timeout; we just stop presenting the
		// ring locally once it is clearly stale.
		if !c.ringDeadline.IsZero() && !now.Before(c.ringDeadline) {
			c.reset("ring_timeout")
		}
	case PhaseConnecting:
		if !c.connectDeadline.IsZero() && !now.Before(c.connectDeadline) {
			c.endCall(ctx, "connect_timeout")
		}
	case PhaseConnected:
		if !c.connectDeadline.IsZero() && !now.Before(c.connectDeadline) {
			c.endCall(ctx, "media_failed")
			return
		}
		// Balance exhaustion is checked client-side each tick so the user
		// is cut off promptly; the server caps the final charge at the
		// balance regardless, so a stale cache cannot overdraw.
		if !c.cfg.IsExpert && c.balanceTokens > 0 && c.call.ConnectedAt != nil {
			cost := pricing.CallCost(c.call.RatePerMinute, c.call.ElapsedSeconds(now))
			if cost >= c.balanceTokens {
				c.endCall(ctx, "balance_exhausted")
				return
			}
		}
		if !c.nextHeartbeat.IsZero() && !now.Before(c.nextHeartbeat) {
			c.nextHeartbeat = now.Add(c.cfg.HeartbeatEvery)
			if _, err := c.ledger.Heartbeat(ctx, c.call.ID); err != nil {
				c.log.Warn("call heartbeat failed", "call_id", c.call.ID, "err", err)
			}
		}
	}
}

// pollRing asks the ledger for the real status mid-ring. The accepted
// signaling event is droppable; the row is not.
func (c *Coordinator) pollRing(ctx context.Context) {
	active, err := c.ledger.Active(ctx)
	if err != nil {
		c.log.Warn("mid-ring poll failed", "call_id", c.call.ID, "err", err)
		return
	}
	for _, call := range active {
		if call.ID != c.call.ID {
			continue
		}
		if call.Status == ledger.StatusAccepted || call.Status == ledger.StatusConnected {
			c.call = call
			c.startMedia(ctx, media.RoleCaller)
		}
		return
	}
	// Settled server-side; the terminal event never reached us.
	c.reset("settled_remotely")
}

// endCall is the one path out of every non-idle phase. Media is always
// released and the phase always returns to idle; the ledger call is
// retried once and a persistent failure is logged, not propagated, because
// the server sweeper will converge the row.
func (c *Coordinator) endCall(ctx context.Context, reason string) {
	if c.phase == PhaseIdle {
		return
	}
	callID := c.call.ID

	c.releaseMedia()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if _, lastErr = c.ledger.End(ctx, callID, reason); lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		c.log.Error("call settlement failed, leaving for sweep", "call_id", callID, "reason", reason, "err", lastErr)
	}

	c.reset(reason)
}

func (c *Coordinator) releaseMedia() {
	if c.session != nil {
		c.session.Leave()
		c.session = nil
	}
}

func (c *Coordinator) reset(reason string) {
	c.phase = PhaseIdle
	c.call = ledger.Call{}
	c.peerID = ""
	c.ringDeadline = time.Time{}
	c.connectDeadline = time.Time{}
	c.ringPollAt = time.Time{}
	c.nextHeartbeat = time.Time{}
	c.lastEndReason = reason
}

func (c *Coordinator) shutdown(context.Context) {
	if c.phase == PhaseIdle {
		return
	}
	// The run context may already be canceled; settlement still deserves a
	// bounded attempt of its own.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.endCall(ctx, "client_shutdown")
}
