package signaling

import "encoding/json"

// EventType enumerates the call-control protocol carried over the websocket.
// The transport is a best-effort relay: events may be dropped or duplicated,
// and every consumer must tolerate both. The call ledger, not this channel,
// is the source of truth for status.
type EventType string

const (
	// EventRegister announces a connected client to the presence layer.
	EventRegister EventType = "register"

	EventIncomingCall  EventType = "incoming_call"
	EventCallAccepted  EventType = "call_accepted"
	EventCallRejected  EventType = "call_rejected"
	EventCallConnected EventType = "call_connected"
	EventEndCall       EventType = "end_call"
	EventCallTimeout   EventType = "call_timeout"

	// EventMediaSignal carries opaque media negotiation payloads
	// (offer/answer/ICE) between the two peers of a call.
	EventMediaSignal EventType = "media_signal"

	EventExpertStatusChanged EventType = "expert_status_changed"
	EventExpertBusyChanged   EventType = "expert_busy_changed"
)

// PartyInfo is the one normalized shape for remote-party display data.
// It is constructed once at the boundary where an event enters the system
// and never re-flattened into ad hoc fields.
type PartyInfo struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// Event is the single envelope for everything on the signaling channel.
// Fields are populated per event type; unused fields stay zero.
type Event struct {
	Type EventType `json:"type"`

	// To addresses directed events to one connected client.
	// Presence events leave it empty and are broadcast.
	To string `json:"to,omitempty"`

	CallID   string `json:"call_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	ExpertID string `json:"expert_id,omitempty"`

	Caller *PartyInfo `json:"caller,omitempty"`

	// RatePerMinute rides along on incoming_call so the callee UI can show
	// the charge without an extra lookup. Advisory; the ledger snapshot wins.
	RatePerMinute int64 `json:"rate_per_minute,omitempty"`

	Reason      string `json:"reason,omitempty"`
	InitiatedBy string `json:"initiated_by,omitempty"`

	UserType string `json:"user_type,omitempty"`
	IsOnline bool   `json:"is_online,omitempty"`
	IsBusy   bool   `json:"is_busy,omitempty"`

	// Payload holds opaque media negotiation data for media_signal events.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IsBroadcast reports whether the event fans out to all clients instead of
// one recipient.
func (e Event) IsBroadcast() bool {
	switch e.Type {
	case EventExpertStatusChanged, EventExpertBusyChanged:
		return true
	default:
		return false
	}
}
