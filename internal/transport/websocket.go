package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftline/driftline/internal/broker"
	"github.com/driftline/driftline/internal/bus"
)

const (
	// writeWait is the maximum time allowed to write a frame to the peer.
	writeWait = 10 * time.Second
	// maxInboundSize is the maximum inbound frame size in bytes.
	maxInboundSize = 64 * 1024
	// outboundBuffer bounds frames queued for a client before it is
	// considered too slow and forced to reconnect.
	outboundBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSConn is one full-duplex socket connection: a read pump feeding inbound
// traffic to the server and a write pump draining the subscription's
// envelopes. A write on an invalid socket surfaces as a transport error that
// ends both pumps, forcing the client into a reconnect cycle.
type WSConn struct {
	sub   *bus.Subscription
	conn  *websocket.Conn
	opts  Options
	send  chan []byte
	fail  chan error
	state State
}

// ServeWebSocket upgrades the request, registers the subscription with the
// broker, and runs the pumps until either side drops. The caller owns the
// subscription's lifecycle.
func ServeWebSocket(w http.ResponseWriter, r *http.Request, sub *bus.Subscription, br *broker.Broker, opts Options) {
	opts.defaults()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrader already wrote the error response.
		return
	}

	ws := &WSConn{
		sub:  sub,
		conn: conn,
		opts: opts,
		send: make(chan []byte, outboundBuffer),
		fail: make(chan error, 1),
	}
	ws.state.Set(StateConnecting)

	sub.SetDeliver(ws.deliver)

	if err := br.Register(sub, func(_ *bus.Subscription, err error) {
		select {
		case ws.fail <- err:
		default:
		}
	}); err != nil {
		conn.Close()
		return
	}
	defer br.Deregister(sub)

	init, err := json.Marshal(InitEnvelope(sub.Cursor()))
	if err != nil {
		conn.Close()
		return
	}
	ws.send <- init
	ws.state.Transition(StateConnecting, StateConnected)

	done := make(chan struct{})
	go func() {
		ws.readPump(r.Context())
		close(done)
	}()
	ws.writePump(done)
}

// deliver marshals the drained batch and queues it for the write pump. A full
// queue means the client cannot keep up; that is fatal to the subscription so
// the client reconnects with its last acknowledged cursor instead of
// accumulating unbounded backlog.
func (ws *WSConn) deliver(ctx context.Context, msgs []bus.Message, cursor string) error {
	env, err := buildEnvelope(ws.sub, msgs, cursor, &ws.opts)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: marshal envelope: %w", err)
	}
	select {
	case ws.send <- data:
		return nil
	default:
		return ErrSlowClient
	}
}

// InboundFrame is the client-to-server envelope on the socket transport.
type InboundFrame struct {
	Type  string          `json:"type"` // "send" | "ack"
	Data  json.RawMessage `json:"data,omitempty"`
	AckID string          `json:"ackId,omitempty"`
}

// readPump pumps frames from the socket to the server's inbound handler. It
// exits on any read error, which the write pump observes via the closed
// socket.
func (ws *WSConn) readPump(ctx context.Context) {
	defer ws.conn.Close()

	ws.conn.SetReadLimit(maxInboundSize)
	pongWait := ws.opts.KeepAlive * 3
	ws.conn.SetReadDeadline(time.Now().Add(pongWait))
	ws.conn.SetPongHandler(func(string) error {
		ws.conn.SetReadDeadline(time.Now().Add(pongWait))
		// A pong is proof of life even from a client that never sends.
		ws.opts.alive()
		return nil
	})

	for {
		_, data, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.opts.Logger.Printf("transport: ws %s read error: %v", ws.sub.ID, err)
			}
			return
		}
		ws.conn.SetReadDeadline(time.Now().Add(pongWait))

		if ws.opts.OnInbound != nil {
			if err := ws.opts.OnInbound(ctx, data); err != nil {
				ws.opts.Logger.Printf("transport: ws %s inbound rejected: %v", ws.sub.ID, err)
			}
		}
	}
}

// writePump pumps queued envelopes to the socket and emits pings within the
// keep-alive window. Any write error ends the connection; the client's next
// move is a cursor reconnect.
func (ws *WSConn) writePump(readerDone <-chan struct{}) {
	ticker := time.NewTicker(ws.opts.KeepAlive)
	defer func() {
		ticker.Stop()
		ws.conn.Close()
		ws.state.Set(StateDisconnected)
	}()

	for {
		select {
		case data := <-ws.send:
			ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case err := <-ws.fail:
			ws.fatal(err)
			return

		case <-ws.sub.Done():
			// Torn down server-side; close the socket so the client enters
			// its reconnect cycle. Drain failures are queued before the
			// teardown.
			select {
			case err := <-ws.fail:
				ws.fatal(err)
			default:
				ws.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
			}
			return

		case <-readerDone:
			return
		}
	}
}

// fatal surfaces a subscription failure to the client and closes the socket.
func (ws *WSConn) fatal(err error) {
	if err == bus.ErrDataLost {
		if data, merr := json.Marshal(ResetEnvelope()); merr == nil {
			ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			ws.conn.WriteMessage(websocket.TextMessage, data) //nolint:errcheck // closing either way
		}
	} else {
		ws.opts.Logger.Printf("transport: ws %s failed: %v", ws.sub.ID, err)
	}
	ws.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
}
