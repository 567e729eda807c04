// Package wsactor adapts the runner's ClientSink abstraction to a real
// gorilla/websocket connection: framing, read/write pumps, and the HTTP
// upgrade handler that authenticates a participant and builds its Runner.
package wsactor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opencloud-community/ot-controller-sub000/internal/logging"
	"github.com/opencloud-community/ot-controller-sub000/internal/metrics"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/wire"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 32 * 1024
)

// wsConn is the subset of *websocket.Conn this package depends on, so tests
// can substitute a fake connection.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(string) error)
	Close() error
}

// Client wraps one upgraded WebSocket connection and satisfies
// runner.ClientSink. Reading happens on readPump, which feeds the runner's
// event loop through the Inbound channel; writing happens on writePump,
// which drains the send channel Client.Send appends to.
type Client struct {
	conn    wsConn
	send    chan []byte
	Inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient wraps conn. The caller must start ReadPump and WritePump in
// their own goroutines before handing the Client to runner.Build.
func NewClient(conn wsConn) *Client {
	return &Client{
		conn:    conn,
		send:    make(chan []byte, 64),
		Inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

// Send implements runner.ClientSink by marshaling env and queuing it for
// writePump. A full send buffer drops the message and logs rather than
// blocking the runner's event loop (mirrors the teacher's client.send
// pattern).
func (c *Client) Send(ctx context.Context, env wire.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return nil
	default:
		logging.Warn(ctx, "client send buffer full, dropping message")
		metrics.WebsocketEvents.WithLabelValues("message", "dropped_full_buffer").Inc()
		return nil
	}
}

// Close implements runner.ClientSink: it sends a WebSocket close control
// frame carrying code and reason, then tears down the connection.
func (c *Client) Close(_ context.Context, code wire.CloseCode, reason wire.LeaveReason) error {
	var err error
	c.closeOnce.Do(func() {
		closeMsg := websocket.FormatCloseMessage(int(code), string(reason))
		_ = c.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeWait))
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// ReadPump continuously reads frames off the connection and forwards raw
// JSON payloads to Inbound, closing Inbound on any read error or
// disconnection (the teacher's readPump, generalized from proto to JSON
// frames).
func (c *Client) ReadPump(ctx context.Context) {
	defer close(c.Inbound)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		metrics.WebsocketEvents.WithLabelValues("message", "received").Inc()
		select {
		case c.Inbound <- data:
		case <-ctx.Done():
			return
		}
	}
}

// WritePump drains the send channel to the connection and pings on
// pingInterval to detect dead peers, until send is closed or a write fails
// (the teacher's writePump, plus the ping half the teacher's proto framing
// didn't need).
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer func() { _ = c.conn.Close() }()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logging.Warn(context.Background(), "error writing to client", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
