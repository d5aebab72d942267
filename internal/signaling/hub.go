package signaling

import (
	"context"
	"log/slog"
	"sync"
)

// Client is one connected websocket peer from the hub's point of view.
type Client interface {
	UserID() string
	UserType() string
	Send(Event) error
	Close() error
}

// PresenceHook is notified when clients come and go. The hub itself stores
// no presence state; it only relays.
type PresenceHook interface {
	ClientConnected(ctx context.Context, userID, userType string)
	ClientDisconnected(ctx context.Context, userID, userType string)

	// ClientAlive fires on each websocket pong, so presence entries with a
	// TTL outlive an idle but healthy connection.
	ClientAlive(ctx context.Context, userID, userType string)
}

// Hub relays signaling events between connected clients. It persists
// nothing: delivery is best-effort and the ledger stays authoritative.
//
// One client per user ID; a reconnect replaces the previous connection.
type Hub struct {
	log      *slog.Logger
	presence PresenceHook

	mu      sync.Mutex
	clients map[string]Client

	register   chan Client
	unregister chan Client
	outbound   chan Event
	quit       chan struct{}
	done       chan struct{}
}

func NewHub(log *slog.Logger, presence PresenceHook) *Hub {
	return &Hub{
		log:        log,
		presence:   presence,
		clients:    make(map[string]Client),
		register:   make(chan Client, 16),
		unregister: make(chan Client, 16),
		outbound:   make(chan Event, 256),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// SetPresence installs the presence hook. It exists because the hub and
// the presence registry reference each other; call it before Run.
func (h *Hub) SetPresence(p PresenceHook) {
	h.presence = p
}

// Dispatch routes one event: directed if To is set, broadcast for presence
// events. Drops the event with a warning if the relay queue is full.
func (h *Hub) Dispatch(ctx context.Context, ev Event) error {
	select {
	case h.outbound <- ev:
	default:
		h.log.Warn("signaling queue full, dropping event", "type", ev.Type, "call_id", ev.CallID)
	}
	return nil
}

func (h *Hub) Register(c Client) {
	h.register <- c
}

func (h *Hub) Unregister(c Client) {
	h.unregister <- c
}

// Alive forwards a liveness signal from a connection to the presence hook.
func (h *Hub) Alive(ctx context.Context, c Client) {
	if h.presence != nil {
		h.presence.ClientAlive(ctx, c.UserID(), c.UserType())
	}
}

// Connected reports whether a user currently has a live connection.
func (h *Hub) Connected(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.clients[userID]
	return ok
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for id, c := range h.clients {
				_ = c.Close()
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			if prev, ok := h.clients[c.UserID()]; ok {
				// Reconnect: the new connection wins.
				_ = prev.Close()
			}
			h.clients[c.UserID()] = c
			h.mu.Unlock()
			h.log.Info("signaling client registered", "user_id", c.UserID(), "user_type", c.UserType())
			if h.presence != nil {
				h.presence.ClientConnected(ctx, c.UserID(), c.UserType())
			}

		case c := <-h.unregister:
			h.mu.Lock()
			cur, ok := h.clients[c.UserID()]
			if ok && cur == c {
				delete(h.clients, c.UserID())
			}
			h.mu.Unlock()
			if ok && cur == c {
				_ = c.Close()
				h.log.Info("signaling client unregistered", "user_id", c.UserID())
				if h.presence != nil {
					h.presence.ClientDisconnected(ctx, c.UserID(), c.UserType())
				}
			}

		case ev := <-h.outbound:
			h.deliver(ev)
		}
	}
}

func (h *Hub) deliver(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ev.IsBroadcast() {
		for id, c := range h.clients {
			if err := c.Send(ev); err != nil {
				h.log.Warn("broadcast send failed", "user_id", id, "err", err)
			}
		}
		return
	}

	c, ok := h.clients[ev.To]
	if !ok {
		// Recipient offline; the ledger and sweeper cover convergence.
		h.log.Debug("dropping event for offline client", "to", ev.To, "type", ev.Type)
		return
	}
	if err := c.Send(ev); err != nil {
		h.log.Warn("directed send failed", "user_id", ev.To, "type", ev.Type, "err", err)
	}
}

func (h *Hub) Stop() {
	close(h.quit)
	<-h.done
}
