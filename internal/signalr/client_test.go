package signalr

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSend_QueuesInvocation(t *testing.T) {
	h := NewHub("testhub", &mockAuthenticator{})
	c := newTestClient(t, h)

	require.NoError(t, c.Send("MatchStarted", int64(7)))

	inv, ok := nextPacket(t, c).(*Invocation)
	require.True(t, ok)
	assert.Empty(t, inv.ID)
	assert.Equal(t, "MatchStarted", inv.Target)
	require.Len(t, inv.Arguments, 1)
}

func TestClientInvoke_RoundTrip(t *testing.T) {
	h := NewHub("testhub", &mockAuthenticator{})
	c := newTestClient(t, h)

	type outcome struct {
		comp *Completion
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		comp, err := c.Invoke(context.Background(), "RequestState")
		done <- outcome{comp, err}
	}()

	inv := nextPacket(t, c).(*Invocation)
	require.NotEmpty(t, inv.ID)
	c.deliverCompletion(&Completion{ID: inv.ID})

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, inv.ID, res.comp.ID)
	case <-time.After(time.Second):
		t.Fatal("Invoke did not return")
	}
}

func TestClientInvoke_ContextCancelled(t *testing.T) {
	h := NewHub("testhub", &mockAuthenticator{})
	c := newTestClient(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Invoke(ctx, "RequestState")
		done <- err
	}()

	// Wait for the invocation to go out before cancelling.
	nextPacket(t, c)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Invoke did not return")
	}
}

func TestClientInvoke_AfterDisconnect(t *testing.T) {
	h := NewHub("testhub", &mockAuthenticator{})
	c := newTestClient(t, h)

	c.Disconnect()

	_, err := c.Invoke(context.Background(), "RequestState")
	assert.ErrorIs(t, err, ErrClientClosed)

	assert.ErrorIs(t, c.Send("MatchStarted"), ErrClientClosed)
}

func TestClientSend_BufferFullDropsFrame(t *testing.T) {
	h := NewHub("testhub", &mockAuthenticator{})
	c := newTestClient(t, h)

	for i := 0; i < sendBufferSize; i++ {
		c.send <- []byte("x")
	}

	assert.ErrorIs(t, c.Send("MatchStarted"), ErrSendBufferFull)
}

func TestClientDisconnect_Idempotent(t *testing.T) {
	h := NewHub("testhub", &mockAuthenticator{})
	c := newTestClient(t, h)

	c.Disconnect()
	c.Disconnect()

	select {
	case <-c.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestClientInvocationIDsAdvance(t *testing.T) {
	h := NewHub("testhub", &mockAuthenticator{})
	c := newTestClient(t, h)

	assert.Equal(t, "1", c.nextInvocationID())
	assert.Equal(t, "2", c.nextInvocationID())
}

func TestClientDeliverCompletion_UnknownIDIgnored(t *testing.T) {
	h := NewHub("testhub", &mockAuthenticator{})
	c := newTestClient(t, h)

	// Should not panic or block.
	c.deliverCompletion(&Completion{ID: "999"})
}

func TestClientWritePump_WritesQueuedFrames(t *testing.T) {
	writes := make(chan []byte, 4)
	closed := make(chan struct{})
	conn := &MockConnection{
		WriteMessageFunc: func(messageType int, data []byte) error {
			if messageType == websocket.CloseMessage {
				close(closed)
				return nil
			}
			writes <- data
			return nil
		},
	}

	h := NewHub("testhub", &mockAuthenticator{})
	c, err := newClient(h, conn, jsonProtocol{}, "conn-w", Identity{UserID: 1})
	require.NoError(t, err)

	go c.writePump()

	require.NoError(t, c.sendRaw([]byte("frame-1")))
	select {
	case data := <-writes:
		assert.Equal(t, []byte("frame-1"), data)
	case <-time.After(time.Second):
		t.Fatal("frame was not written")
	}

	// Draining the closed channel ends with a websocket close frame.
	c.Disconnect()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close frame was not written")
	}
}

func TestClientReadPump_DispatchesInvocations(t *testing.T) {
	h := NewHub("testhub", &mockAuthenticator{})
	called := make(chan int64, 1)
	h.On("Ready", func(_ context.Context, _ *Client, id int64) error {
		called <- id
		return nil
	})
	disconnected := make(chan struct{})
	h.OnDisconnected(func(_ context.Context, _ *Client) { close(disconnected) })

	frame, err := jsonProtocol{}.EncodeInvocation("", "Ready", []any{int64(7)})
	require.NoError(t, err)

	sent := false
	conn := &MockConnection{
		ReadMessageFunc: func() (int, []byte, error) {
			if !sent {
				sent = true
				return websocket.TextMessage, frame, nil
			}
			return 0, nil, assert.AnError
		},
	}
	c, err := newClient(h, conn, jsonProtocol{}, "conn-r", Identity{UserID: 2})
	require.NoError(t, err)
	h.register(c)
	c.setEstablished()

	go c.readPump()

	select {
	case id := <-called:
		assert.Equal(t, int64(7), id)
	case <-time.After(time.Second):
		t.Fatal("invocation was not dispatched")
	}
	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("disconnect hook did not run")
	}
	assert.Empty(t, h.UserClients(2))
}

func TestClientReadPump_MalformedFrameTolerated(t *testing.T) {
	h := NewHub("testhub", &mockAuthenticator{})
	called := make(chan struct{}, 1)
	h.On("Ready", func(_ context.Context, _ *Client) error {
		called <- struct{}{}
		return nil
	})

	frame, err := jsonProtocol{}.EncodeInvocation("", "Ready", nil)
	require.NoError(t, err)

	reads := [][]byte{[]byte("not a frame"), frame}
	conn := &MockConnection{
		ReadMessageFunc: func() (int, []byte, error) {
			if len(reads) == 0 {
				return 0, nil, assert.AnError
			}
			next := reads[0]
			reads = reads[1:]
			return websocket.TextMessage, next, nil
		},
	}
	c, err := newClient(h, conn, jsonProtocol{}, "conn-m", Identity{UserID: 3})
	require.NoError(t, err)
	h.register(c)

	go c.readPump()

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("valid frame after a malformed one was not dispatched")
	}
}

func TestClientPingPump_TearsDownStalledConnection(t *testing.T) {
	h := NewHub("testhub", &mockAuthenticator{})
	c := newTestClient(t, h)

	for i := 0; i < sendBufferSize; i++ {
		c.send <- []byte("x")
	}

	go c.pingPump(5 * time.Millisecond)

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("stalled client was not torn down")
	}
}
