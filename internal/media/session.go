package media

import (
	"context"
	"errors"
	"time"

	"github.com/pion/webrtc/v4"
)

// Role distinguishes who sends the initial offer. The caller offers; the
// expert answers.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// State is the media-layer connection state, collapsed from the underlying
// peer connection states to just what the call lifecycle cares about.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// Signal is the payload of a media_signal event: SDP exchange plus
// trickled ICE candidates.
type Signal struct {
	Kind string `json:"kind"` // "offer", "answer" or "candidate"

	SDP string `json:"sdp,omitempty"`

	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index,omitempty"`
}

const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
)

var ErrSessionClosed = errors.New("media session closed")

// Session is one call's audio leg. Implementations must make Leave
// idempotent and must keep firing the state callback until closed, since
// the call lifecycle drives billing off these transitions.
type Session interface {
	// Setup builds the peer connection and, for the caller role, sends the
	// initial offer to the peer. Callbacks must be registered before Setup.
	Setup(ctx context.Context, callID, peerID string, role Role) error

	// HandleSignal feeds one inbound media_signal payload into the session.
	HandleSignal(ctx context.Context, sig Signal) error

	// PublishLocalAudio writes one encoded audio sample to the local
	// track. Muted sessions drop samples silently.
	PublishLocalAudio(data []byte, duration time.Duration) error

	// OnRemoteAudio registers the sink for the peer's audio track.
	OnRemoteAudio(fn func(track *webrtc.TrackRemote))

	// SetMuted pauses or resumes publishing local audio.
	SetMuted(muted bool)
	Muted() bool

	OnStateChange(fn func(State))

	// Leave tears the session down. Safe to call any number of times, in
	// any state, including before Setup.
	Leave()
}
