package presence

import (
	"testing"
	"time"

	"expertcall-platform/internal/signaling"

	"github.com/stretchr/testify/assert"
)

func TestCache_UnknownExpertIsUnreachable(t *testing.T) {
	c := NewCache(time.Minute)
	assert.False(t, c.CanReceiveCall("e-1"))
}

func TestCache_StatusAndBusyEvents(t *testing.T) {
	c := NewCache(time.Minute)

	c.Apply(signaling.Event{Type: signaling.EventExpertStatusChanged, ExpertID: "e-1", IsOnline: true})
	assert.True(t, c.CanReceiveCall("e-1"))

	c.Apply(signaling.Event{Type: signaling.EventExpertBusyChanged, ExpertID: "e-1", IsBusy: true, CallID: "c-1"})
	assert.True(t, c.IsOnline("e-1"))
	assert.True(t, c.IsBusy("e-1"))
	assert.False(t, c.CanReceiveCall("e-1"))

	c.Apply(signaling.Event{Type: signaling.EventExpertBusyChanged, ExpertID: "e-1", IsBusy: false})
	assert.True(t, c.CanReceiveCall("e-1"))
}

func TestCache_OfflineClearsBusy(t *testing.T) {
	c := NewCache(time.Minute)

	c.Apply(signaling.Event{Type: signaling.EventExpertBusyChanged, ExpertID: "e-1", IsBusy: true, CallID: "c-1"})
	c.Apply(signaling.Event{Type: signaling.EventExpertStatusChanged, ExpertID: "e-1", IsOnline: false})

	assert.False(t, c.IsOnline("e-1"))
	assert.False(t, c.IsBusy("e-1"))
	assert.False(t, c.CanReceiveCall("e-1"))
}

func TestCache_IgnoresNonPresenceEvents(t *testing.T) {
	c := NewCache(time.Minute)
	c.Apply(signaling.Event{Type: signaling.EventIncomingCall, ExpertID: "e-1", CallID: "c-1"})
	assert.False(t, c.IsOnline("e-1"))
}

func TestCache_FlushDropsEverything(t *testing.T) {
	c := NewCache(time.Minute)
	c.Apply(signaling.Event{Type: signaling.EventExpertStatusChanged, ExpertID: "e-1", IsOnline: true})
	c.Flush()
	assert.False(t, c.CanReceiveCall("e-1"))
}

func TestCache_SeedPrimesEntries(t *testing.T) {
	c := NewCache(time.Minute)
	c.Seed([]Entry{{ExpertID: "e-1", IsOnline: true}})
	assert.True(t, c.CanReceiveCall("e-1"))
}
