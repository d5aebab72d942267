package presence

import (
	"time"

	"expertcall-platform/internal/signaling"

	gocache "github.com/patrickmn/go-cache"
)

// Cache is the client-side read-through presence view, fed by broadcast
// events from the signaling transport.
//
// It is advisory only: it gates nothing but the UI's call button. The
// authoritative busy check happens server-side at initiate/accept, because
// this cache can be arbitrarily stale across reconnects.
//
// Entries expire so a stale "online" from before a disconnect degrades to
// unknown (treated as unreachable) instead of lying indefinitely.
type Cache struct {
	c *gocache.Cache
}

func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{c: gocache.New(ttl, ttl)}
}

// Apply folds one broadcast event into the cache. Non-presence events are
// ignored so callers can feed their whole event stream through.
func (p *Cache) Apply(ev signaling.Event) {
	switch ev.Type {
	case signaling.EventExpertStatusChanged:
		e := p.get(ev.ExpertID)
		e.IsOnline = ev.IsOnline
		if !ev.IsOnline {
			e.IsBusy = false
			e.CurrentCallID = ""
		}
		e.UpdatedAt = time.Now().UTC()
		p.c.SetDefault(ev.ExpertID, e)
	case signaling.EventExpertBusyChanged:
		e := p.get(ev.ExpertID)
		// A busy signal implies the expert is connected somewhere.
		e.IsOnline = true
		e.IsBusy = ev.IsBusy
		e.CurrentCallID = ev.CallID
		if !ev.IsBusy {
			e.CurrentCallID = ""
		}
		e.UpdatedAt = time.Now().UTC()
		p.c.SetDefault(ev.ExpertID, e)
	}
}

// Seed primes the cache from a REST snapshot at session start.
func (p *Cache) Seed(entries []Entry) {
	for _, e := range entries {
		p.c.SetDefault(e.ExpertID, e)
	}
}

func (p *Cache) get(expertID string) Entry {
	if v, ok := p.c.Get(expertID); ok {
		if e, ok := v.(Entry); ok {
			return e
		}
	}
	return Entry{ExpertID: expertID}
}

func (p *Cache) IsOnline(expertID string) bool {
	return p.get(expertID).IsOnline
}

func (p *Cache) IsBusy(expertID string) bool {
	return p.get(expertID).IsBusy
}

// CanReceiveCall is the UI gate: online AND not busy. Unknown experts read
// as unreachable until a presence event or seed arrives.
func (p *Cache) CanReceiveCall(expertID string) bool {
	e := p.get(expertID)
	return e.IsOnline && !e.IsBusy
}

// Flush drops all entries. Called on transport disconnect, since every
// cached value is suspect after a gap in the event stream.
func (p *Cache) Flush() {
	p.c.Flush()
}
