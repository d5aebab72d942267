package media

import (
	"encoding/json"
	"testing"

	"expertcall-platform/internal/signaling"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapPeerState(t *testing.T) {
	cases := []struct {
		in   webrtc.PeerConnectionState
		want State
	}{
		{webrtc.PeerConnectionStateNew, StateConnecting},
		{webrtc.PeerConnectionStateConnecting, StateConnecting},
		{webrtc.PeerConnectionStateConnected, StateConnected},
		{webrtc.PeerConnectionStateDisconnected, StateDisconnected},
		{webrtc.PeerConnectionStateFailed, StateFailed},
		{webrtc.PeerConnectionStateClosed, StateClosed},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, mapPeerState(tc.in), tc.in.String())
	}
}

func TestParseSignal(t *testing.T) {
	payload, err := json.Marshal(Signal{Kind: SignalOffer, SDP: "v=0..."})
	require.NoError(t, err)

	sig, err := ParseSignal(signaling.Event{Type: signaling.EventMediaSignal, Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, SignalOffer, sig.Kind)
	assert.Equal(t, "v=0...", sig.SDP)

	_, err = ParseSignal(signaling.Event{Payload: []byte("{broken")})
	assert.Error(t, err)
}

func TestFakeSession_LeaveIsIdempotent(t *testing.T) {
	f := NewFakeSession()
	f.Leave()
	f.Leave()
	assert.Equal(t, 2, f.LeaveCalls())
	assert.ErrorIs(t, f.PublishLocalAudio(nil, 0), ErrSessionClosed)
}
