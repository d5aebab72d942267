package media

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"expertcall-platform/internal/signaling"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// PionSession is the production Session: an audio-only peer connection
// negotiated over media_signal events on the signaling transport.
//
// Negotiation is the classic offer/answer + trickle ICE flow: the caller
// offers at Setup, the callee answers from HandleSignal, and both sides
// trickle candidates as they surface.
type PionSession struct {
	transport signaling.Transport
	log       *slog.Logger

	mu      sync.Mutex
	pc      *webrtc.PeerConnection
	local   *webrtc.TrackLocalStaticSample
	callID  string
	peerID  string
	muted   bool
	closed  bool
	pending []webrtc.ICECandidateInit

	onState  func(State)
	onRemote func(*webrtc.TrackRemote)
}

func NewPionSession(transport signaling.Transport, log *slog.Logger) *PionSession {
	return &PionSession{transport: transport, log: log}
}

func (s *PionSession) OnStateChange(fn func(State)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

func (s *PionSession) OnRemoteAudio(fn func(*webrtc.TrackRemote)) {
	s.mu.Lock()
	s.onRemote = fn
	s.mu.Unlock()
}

func (s *PionSession) Setup(ctx context.Context, callID, peerID string, role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.pc != nil {
		return fmt.Errorf("media session already set up for call %s", s.callID)
	}
	s.callID = callID
	s.peerID = peerID

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return err
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return err
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	})
	if err != nil {
		return err
	}
	s.pc = pc

	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "expertcall-audio",
	)
	if err != nil {
		pc.Close()
		s.pc = nil
		return err
	}
	if _, err := pc.AddTrack(local); err != nil {
		pc.Close()
		s.pc = nil
		return err
	}
	s.local = local

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		s.sendSignal(ctx, Signal{
			Kind:          SignalCandidate,
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		s.mu.Lock()
		fn := s.onRemote
		s.mu.Unlock()
		if fn != nil {
			fn(track)
		}
	})

	pc.OnConnectionStateChange(func(cs webrtc.PeerConnectionState) {
		s.fireState(mapPeerState(cs))
	})

	if role == RoleCaller {
		offer, err := pc.CreateOffer(nil)
		if err != nil {
			return err
		}
		if err := pc.SetLocalDescription(offer); err != nil {
			return err
		}
		s.sendSignal(ctx, Signal{Kind: SignalOffer, SDP: offer.SDP})
	}

	s.fireStateLocked(StateConnecting)
	return nil
}

func (s *PionSession) HandleSignal(ctx context.Context, sig Signal) error {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return ErrSessionClosed
	}

	switch sig.Kind {
	case SignalOffer:
		if err := pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer, SDP: sig.SDP,
		}); err != nil {
			return err
		}
		answer, err := pc.CreateAnswer(nil)
		if err != nil {
			return err
		}
		if err := pc.SetLocalDescription(answer); err != nil {
			return err
		}
		s.sendSignal(ctx, Signal{Kind: SignalAnswer, SDP: answer.SDP})
		return s.flushPending(pc)

	case SignalAnswer:
		if err := pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer, SDP: sig.SDP,
		}); err != nil {
			return err
		}
		return s.flushPending(pc)

	case SignalCandidate:
		init := webrtc.ICECandidateInit{
			Candidate:     sig.Candidate,
			SDPMid:        sig.SDPMid,
			SDPMLineIndex: sig.SDPMLineIndex,
		}
		// Candidates arriving before the remote description must wait.
		if pc.RemoteDescription() == nil {
			s.mu.Lock()
			s.pending = append(s.pending, init)
			s.mu.Unlock()
			return nil
		}
		return pc.AddICECandidate(init)

	default:
		return fmt.Errorf("unknown media signal kind %q", sig.Kind)
	}
}

func (s *PionSession) flushPending(pc *webrtc.PeerConnection) error {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, init := range pending {
		if err := pc.AddICECandidate(init); err != nil {
			return err
		}
	}
	return nil
}

func (s *PionSession) PublishLocalAudio(data []byte, duration time.Duration) error {
	s.mu.Lock()
	local, muted, closed := s.local, s.muted, s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	if local == nil {
		return fmt.Errorf("media session not set up")
	}
	if muted {
		return nil
	}
	return local.WriteSample(media.Sample{Data: data, Duration: duration})
}

func (s *PionSession) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

func (s *PionSession) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *PionSession) Leave() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pc := s.pc
	s.pc = nil
	onState := s.onState
	s.mu.Unlock()

	if pc != nil {
		if err := pc.Close(); err != nil {
			s.log.Warn("peer connection close failed", "call_id", s.callID, "err", err)
		}
	}
	if onState != nil {
		onState(StateClosed)
	}
}

func (s *PionSession) sendSignal(ctx context.Context, sig Signal) {
	payload, err := json.Marshal(sig)
	if err != nil {
		s.log.Error("media signal marshal failed", "kind", sig.Kind, "err", err)
		return
	}
	err = s.transport.Emit(ctx, signaling.Event{
		Type:    signaling.EventMediaSignal,
		To:      s.peerID,
		CallID:  s.callID,
		Payload: payload,
	})
	if err != nil {
		s.log.Warn("media signal send failed", "kind", sig.Kind, "call_id", s.callID, "err", err)
	}
}

func (s *PionSession) fireState(st State) {
	s.mu.Lock()
	s.fireStateLocked(st)
	s.mu.Unlock()
}

func (s *PionSession) fireStateLocked(st State) {
	if s.closed || s.onState == nil {
		return
	}
	fn := s.onState
	go fn(st)
}

// mapPeerState collapses pion's connection states to the call lifecycle's.
func mapPeerState(cs webrtc.PeerConnectionState) State {
	switch cs {
	case webrtc.PeerConnectionStateNew, webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	default:
		return StateClosed
	}
}

// ParseSignal decodes a media_signal event payload.
func ParseSignal(ev signaling.Event) (Signal, error) {
	var sig Signal
	if err := json.Unmarshal(ev.Payload, &sig); err != nil {
		return Signal{}, fmt.Errorf("media signal decode: %w", err)
	}
	return sig, nil
}
