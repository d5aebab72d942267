package signaling

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the client-side signaling channel the call coordinator
// consumes. Implemented by ClientTransport (websocket) in production and by
// in-memory fakes in tests.
type Transport interface {
	Emit(ctx context.Context, ev Event) error
	Events() <-chan Event
	Close() error
}

var ErrTransportClosed = errors.New("signaling: transport closed")

// ClientTransport is a websocket connection to the signaling hub.
//
// Events() delivers inbound events until the connection drops, then closes.
// A closed channel is the coordinator's disconnect signal: it must end any
// non-terminal call defensively rather than wait for remote confirmation.
type ClientTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	events  chan Event

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to the hub websocket endpoint. The access token is passed as
// a query parameter because browsers cannot set headers on websocket dials;
// native clients may use either.
func Dial(ctx context.Context, wsURL, accessToken string) (*ClientTransport, error) {
	d := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	header := http.Header{}
	if accessToken != "" {
		header.Set("Authorization", "Bearer "+accessToken)
	}

	conn, resp, err := d.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	t := &ClientTransport{
		conn:   conn,
		events: make(chan Event, 64),
		closed: make(chan struct{}),
	}
	go t.readPump()
	return t, nil
}

func (t *ClientTransport) Emit(ctx context.Context, ev Event) error {
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteJSON(ev)
}

func (t *ClientTransport) Events() <-chan Event {
	return t.events
}

func (t *ClientTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.conn.Close()
	})
	return err
}

func (t *ClientTransport) readPump() {
	defer func() {
		_ = t.Close()
		close(t.events)
	}()

	for {
		var ev Event
		if err := t.conn.ReadJSON(&ev); err != nil {
			return
		}
		select {
		case t.events <- ev:
		case <-t.closed:
			return
		}
	}
}
