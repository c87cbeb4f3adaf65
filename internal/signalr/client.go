package signalr

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/M1PPosu/lazer-server-sub001/internal/logging"
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
}

// Identity is the authenticated principal bound to a connection.
type Identity struct {
	UserID   int32
	Username string
}

// invocationIDModulus keeps invocation ids inside int32 range; 2^31-1 is
// prime so the sequence never collides before wrapping.
const invocationIDModulus = 2147483647

const (
	sendBufferSize = 256
	writeWait      = 10 * time.Second
)

var (
	// ErrClientClosed reports a send or invoke against a torn-down client.
	ErrClientClosed = errors.New("client connection closed")
	// ErrSendBufferFull reports a dropped frame on a stalled connection.
	ErrSendBufferFull = errors.New("client send buffer full")
)

// Client is one live hub connection. All exported methods are safe for
// concurrent use.
type Client struct {
	hub          *Hub
	conn         wsConnection
	protocol     Protocol
	messageType  int
	pingFrame    []byte
	ConnectionID string
	identity     Identity

	mu          sync.Mutex
	closed      bool
	established bool
	state       any
	pending     map[string]chan *Completion
	nextInvID   int64

	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	cleanupOnce sync.Once
}

func newClient(hub *Hub, conn wsConnection, proto Protocol, connectionID string, identity Identity) (*Client, error) {
	pingFrame, err := proto.EncodePing()
	if err != nil {
		return nil, err
	}
	messageType := websocket.BinaryMessage
	if proto.TransferFormat() == "Text" {
		messageType = websocket.TextMessage
	}
	return &Client{
		hub:          hub,
		conn:         conn,
		protocol:     proto,
		messageType:  messageType,
		pingFrame:    pingFrame,
		ConnectionID: connectionID,
		identity:     identity,
		pending:      make(map[string]chan *Completion),
		send:         make(chan []byte, sendBufferSize),
		done:         make(chan struct{}),
	}, nil
}

func (c *Client) UserID() int32 {
	return c.identity.UserID
}

func (c *Client) Username() string {
	return c.identity.Username
}

// State returns the per-hub state attached to this connection.
func (c *Client) State() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState attaches per-hub state to this connection.
func (c *Client) SetState(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = v
}

// Done is closed when the connection is torn down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// setEstablished marks the connect callback as completed; only
// established connections get the disconnect hook.
func (c *Client) setEstablished() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.established = true
}

func (c *Client) isEstablished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.established
}

func (c *Client) nextInvocationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextInvID = (c.nextInvID + 1) % invocationIDModulus
	return strconv.FormatInt(c.nextInvID, 10)
}

// Send queues a fire-and-forget invocation of target on the client.
func (c *Client) Send(target string, args ...any) error {
	data, err := c.protocol.EncodeInvocation("", target, args)
	if err != nil {
		logging.Error(context.Background(), "Failed to encode invocation",
			zap.String("target", target), zap.Error(err))
		return err
	}
	return c.sendRaw(data)
}

// Invoke calls target on the client and blocks until its Completion
// arrives, ctx expires, or the connection closes.
func (c *Client) Invoke(ctx context.Context, target string, args ...any) (*Completion, error) {
	id := c.nextInvocationID()

	ch := make(chan *Completion, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	data, err := c.protocol.EncodeInvocation(id, target, args)
	if err != nil {
		return nil, err
	}
	if err := c.sendRaw(data); err != nil {
		return nil, err
	}

	select {
	case comp := <-ch:
		return comp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClientClosed
	}
}

// sendRaw queues a pre-encoded frame without blocking. Frames to stalled
// connections are dropped; the ping pump tears such clients down.
func (c *Client) sendRaw(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			logging.GetLogger().Debug("Send raced connection teardown",
				zap.String("connectionId", c.ConnectionID))
		}
	}()

	select {
	case c.send <- data:
		return nil
	default:
		logging.Warn(context.Background(), "Client send buffer full, dropping frame",
			zap.String("connectionId", c.ConnectionID), zap.Int32("userId", c.identity.UserID))
		return ErrSendBufferFull
	}
}

func (c *Client) sendClose(errMsg string, allowReconnect bool) {
	data, err := c.protocol.EncodeClose(errMsg, allowReconnect)
	if err != nil {
		return
	}
	_ = c.sendRaw(data)
}

// Disconnect tears the connection down. Closing the send channel makes
// the write pump drain buffered frames, emit a websocket close frame,
// and close the socket, which in turn ends the read pump.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		close(c.done)
		close(c.send)
	})
}

func (c *Client) readPump() {
	defer func() {
		c.Disconnect()
		c.hub.finishClient(c)
		_ = c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		packets, err := c.protocol.Parse(data)
		if err != nil {
			logging.Warn(context.Background(), "Failed to parse frame",
				zap.String("connectionId", c.ConnectionID), zap.Error(err))
			continue
		}
		for _, pkt := range packets {
			switch p := pkt.(type) {
			case *Invocation:
				// New goroutine per invocation so a slow handler cannot
				// block this client's ping or later invocations.
				go c.hub.dispatch(c, p)
			case *Completion:
				c.deliverCompletion(p)
			case Ping:
			case *Close:
				return
			}
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for {
		message, ok := <-c.send
		if !ok {
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(c.messageType, message); err != nil {
			logging.GetLogger().Debug("Write failed, closing connection",
				zap.String("connectionId", c.ConnectionID), zap.Error(err))
			return
		}
	}
}

func (c *Client) pingPump(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.sendRaw(c.pingFrame); err != nil {
				c.Disconnect()
				return
			}
		}
	}
}

func (c *Client) deliverCompletion(comp *Completion) {
	c.mu.Lock()
	ch, ok := c.pending[comp.ID]
	if ok {
		delete(c.pending, comp.ID)
	}
	c.mu.Unlock()

	if !ok {
		logging.GetLogger().Debug("Completion for unknown invocation",
			zap.String("connectionId", c.ConnectionID), zap.String("invocationId", comp.ID))
		return
	}
	ch <- comp
}
