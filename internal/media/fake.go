package media

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// FakeSession is a scriptable Session for lifecycle tests: tests drive
// state transitions by hand and inspect what was asked of the media layer.
type FakeSession struct {
	mu sync.Mutex

	SetupErr  error
	SignalErr error

	setupCalls int
	leaveCalls int
	callID     string
	role       Role
	muted      bool
	closed     bool
	signals    []Signal

	onState func(State)
}

func NewFakeSession() *FakeSession {
	return &FakeSession{}
}

func (f *FakeSession) Setup(_ context.Context, callID, _ string, role Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setupCalls++
	if f.SetupErr != nil {
		return f.SetupErr
	}
	f.callID = callID
	f.role = role
	return nil
}

func (f *FakeSession) HandleSignal(_ context.Context, sig Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SignalErr != nil {
		return f.SignalErr
	}
	f.signals = append(f.signals, sig)
	return nil
}

func (f *FakeSession) PublishLocalAudio([]byte, time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrSessionClosed
	}
	return nil
}

func (f *FakeSession) OnRemoteAudio(func(*webrtc.TrackRemote)) {}

func (f *FakeSession) SetMuted(muted bool) {
	f.mu.Lock()
	f.muted = muted
	f.mu.Unlock()
}

func (f *FakeSession) Muted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.muted
}

func (f *FakeSession) OnStateChange(fn func(State)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *FakeSession) Leave() {
	f.mu.Lock()
	f.leaveCalls++
	f.closed = true
	f.mu.Unlock()
}

// Fire invokes the registered state callback, as the real session would on
// a peer connection state change.
func (f *FakeSession) Fire(st State) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (f *FakeSession) SetupCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setupCalls
}

func (f *FakeSession) LeaveCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leaveCalls
}

func (f *FakeSession) Signals() []Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Signal, len(f.signals))
	copy(out, f.signals)
	return out
}

func (f *FakeSession) Role() Role {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.role
}
