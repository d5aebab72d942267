package signaling

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"expertcall-platform/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Cross-origin is expected: the web client is served separately.
		// Auth happens via the bearer token, not the Origin header.
		return true
	},
}

type wsClient struct {
	userID   string
	userType string
	conn     *websocket.Conn
	send     chan Event
	closed   chan struct{}
}

func (c *wsClient) UserID() string   { return c.userID }
func (c *wsClient) UserType() string { return c.userType }

func (c *wsClient) Send(ev Event) error {
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	case c.send <- ev:
		return nil
	default:
		// Slow consumer; drop rather than block the hub.
		return nil
	}
}

func (c *wsClient) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return c.conn.Close()
}

// ServeWS upgrades an authenticated HTTP request to a signaling connection.
// Identity comes from the verified token, never from the client payload, so
// events cannot be relayed on behalf of someone else.
func ServeWS(hub *Hub, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := auth.UserID(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
			return
		}
		userType, _ := auth.UserTypeFrom(c.Request.Context())

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Error("websocket upgrade failed", "err", err, "user_id", userID)
			return
		}

		client := &wsClient{
			userID:   userID,
			userType: string(userType),
			conn:     conn,
			send:     make(chan Event, 64),
			closed:   make(chan struct{}),
		}

		l := log.With("user_id", userID)
		hub.Register(client)

		go client.writePump(l)
		client.readPump(c.Request.Context(), hub, l)
	}
}

func (c *wsClient) readPump(ctx context.Context, hub *Hub, l *slog.Logger) {
	defer func() {
		hub.Unregister(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		// The pong proves the peer is alive; keep its presence TTL fresh.
		hub.Alive(ctx, c)
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var ev Event
		if err := c.conn.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Warn("unexpected websocket close", "err", err)
			}
			return
		}

		// Stamp the verified sender; clients cannot impersonate each other.
		switch c.userType {
		case string(auth.UserTypeExpert):
			ev.ExpertID = c.userID
		default:
			ev.UserID = c.userID
		}

		if ev.Type == EventRegister {
			// Registration already happened at upgrade; the explicit event
			// exists for protocol symmetry and is not relayed.
			continue
		}

		if err := hub.Dispatch(ctx, ev); err != nil {
			l.Warn("dispatch failed", "type", ev.Type, "err", err)
		}
	}
}

func (c *wsClient) writePump(l *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case ev := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				l.Warn("websocket write failed", "err", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
