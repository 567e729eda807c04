package wsactor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory wsConn fake: WriteMessage appends to written,
// ReadMessage drains a queue fed by the test, and Close/WriteControl record
// what happened without touching any real socket.
type fakeConn struct {
	mu      sync.Mutex
	written [][]byte
	pings   int
	closed  bool

	readQueue chan []byte
	readErr   error
}

func newFakeConn() *fakeConn {
	return &fakeConn{readQueue: make(chan []byte, 8)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.readQueue
	if !ok {
		if c.readErr != nil {
			return 0, nil, c.readErr
		}
		return 0, nil, errors.New("fakeConn closed")
	}
	return websocket.TextMessage, data, nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if messageType == websocket.TextMessage {
		c.written = append(c.written, data)
	}
	return nil
}

func (c *fakeConn) WriteControl(messageType int, _ []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if messageType == websocket.PingMessage {
		c.pings++
	}
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetReadLimit(int64)                {}
func (c *fakeConn) SetPongHandler(func(string) error) {}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) writtenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.written)
}

func TestClient_Send_WritePump_DeliversFrame(t *testing.T) {
	conn := newFakeConn()
	client := NewClient(conn)
	go client.WritePump()

	env, err := wire.NewEnvelope(wire.ModuleControl, time.Unix(0, 0), wire.Error{Kind: wire.ErrAlreadyJoined})
	require.NoError(t, err)
	require.NoError(t, client.Send(context.Background(), env))

	require.Eventually(t, func() bool { return conn.writtenCount() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, client.Close(context.Background(), wire.CloseNormal, wire.LeaveQuit))
}

func TestClient_Close_IsIdempotent(t *testing.T) {
	conn := newFakeConn()
	client := NewClient(conn)

	require.NoError(t, client.Close(context.Background(), wire.CloseNormal, wire.LeaveQuit))
	require.NoError(t, client.Close(context.Background(), wire.CloseNormal, wire.LeaveQuit))
	assert.True(t, conn.closed)
}

func TestClient_ReadPump_ForwardsToInbound(t *testing.T) {
	conn := newFakeConn()
	client := NewClient(conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.ReadPump(ctx)

	conn.readQueue <- []byte(`{"kind":"ping"}`)
	select {
	case msg := <-client.Inbound:
		assert.Equal(t, `{"kind":"ping"}`, string(msg))
	case <-time.After(time.Second):
		t.Fatal("expected message on Inbound")
	}

	close(conn.readQueue)
	select {
	case _, ok := <-client.Inbound:
		assert.False(t, ok, "Inbound must close once the read loop exits")
	case <-time.After(time.Second):
		t.Fatal("expected Inbound to close")
	}
}

func TestClient_Send_DropsOnFullBuffer(t *testing.T) {
	conn := newFakeConn()
	client := NewClient(conn)
	// No WritePump running: fill the send buffer to capacity, then confirm
	// the next Send does not block and reports no error (drop-and-log).
	env, err := wire.NewEnvelope(wire.ModuleControl, time.Unix(0, 0), wire.Error{Kind: wire.ErrAlreadyJoined})
	require.NoError(t, err)

	for i := 0; i < 64; i++ {
		require.NoError(t, client.Send(context.Background(), env))
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, client.Send(context.Background(), env))
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a full buffer instead of dropping")
	}
}
