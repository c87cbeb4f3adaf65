package signalr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/M1PPosu/lazer-server-sub001/internal/logging"
	"github.com/M1PPosu/lazer-server-sub001/internal/metrics"
)

// Authenticator resolves a bearer token to the connecting identity. The
// auth package provides the production implementation.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

const (
	defaultPingInterval     = 15 * time.Second
	defaultHandshakeTimeout = 5 * time.Second
	negotiationTTL          = 5 * time.Minute
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Game clients send no Origin header; browsers are not a
		// supported transport surface.
		return r.Header.Get("Origin") == ""
	},
	WriteBufferPool: &sync.Pool{},
}

// negotiation binds a connection token to its connection id and the
// identity that negotiated it.
type negotiation struct {
	connectionID string
	identity     Identity
	createdAt    time.Time
}

// Hub runs one SignalR endpoint: negotiate + websocket upgrade, the
// codec handshake, connection registry with kick-on-reconnect, group
// fanout, and invocation dispatch into registered methods.
type Hub struct {
	name      string
	auth      Authenticator
	protocols map[string]Protocol

	// handlers and callbacks are fixed at startup, before any
	// connection is served.
	handlers       map[string]*hubMethod
	onConnected    func(context.Context, *Client) error
	onDisconnected func(context.Context, *Client)

	mu           sync.Mutex
	negotiations map[string]*negotiation
	connections  map[string]*Client
	byUser       map[int32]map[*Client]struct{}
	groups       map[string]map[*Client]struct{}

	pingInterval     time.Duration
	handshakeTimeout time.Duration
	wg               sync.WaitGroup
}

// NewHub creates a hub endpoint. name is the route segment and the
// metrics label.
func NewHub(name string, auth Authenticator) *Hub {
	return &Hub{
		name:             name,
		auth:             auth,
		protocols:        defaultProtocols(),
		handlers:         make(map[string]*hubMethod),
		negotiations:     make(map[string]*negotiation),
		connections:      make(map[string]*Client),
		byUser:           make(map[int32]map[*Client]struct{}),
		groups:           make(map[string]map[*Client]struct{}),
		pingInterval:     defaultPingInterval,
		handshakeTimeout: defaultHandshakeTimeout,
	}
}

// Name returns the hub's route segment.
func (h *Hub) Name() string {
	return h.name
}

// On registers fn for a target name. fn must be
// func(context.Context, *Client, args...) with no return, an error
// return, or a (result, error) pair. Target match is case-insensitive,
// like the reference dispatcher. Must be called before serving.
func (h *Hub) On(target string, fn any) {
	m, err := newHubMethod(fn)
	if err != nil {
		panic(fmt.Sprintf("signalr: register %s.%s: %v", h.name, target, err))
	}
	h.handlers[strings.ToLower(target)] = m
}

// OnConnected registers the connect callback, run before any invocation
// from the new connection is dispatched. Returning an error rejects the
// connection.
func (h *Hub) OnConnected(fn func(context.Context, *Client) error) {
	h.onConnected = fn
}

// OnDisconnected registers the per-connection cleanup hook. It runs
// exactly once per established connection, including replaced ones;
// implementations must ignore connections their state no longer points
// at.
func (h *Hub) OnDisconnected(fn func(context.Context, *Client)) {
	h.onDisconnected = fn
}

// Register wires the negotiate and websocket routes for this hub.
func (h *Hub) Register(rg *gin.RouterGroup) {
	rg.POST("/"+h.name+"/negotiate", h.Negotiate)
	rg.GET("/"+h.name, h.ServeWs)
}

type availableTransport struct {
	Transport       string   `json:"transport"`
	TransferFormats []string `json:"transferFormats"`
}

type negotiateResponse struct {
	ConnectionID        string               `json:"connectionId"`
	ConnectionToken     string               `json:"connectionToken,omitempty"`
	NegotiateVersion    int                  `json:"negotiateVersion"`
	AvailableTransports []availableTransport `json:"availableTransports"`
}

// Negotiate handles POST /{hub}/negotiate.
func (h *Hub) Negotiate(c *gin.Context) {
	identity, err := h.authenticate(c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing access token"})
		return
	}

	version, _ := strconv.Atoi(c.Query("negotiateVersion"))
	if version > 1 {
		version = 1
	}

	connectionID := uuid.NewString()
	token := connectionID
	if version >= 1 {
		token = uuid.NewString()
	}

	h.mu.Lock()
	h.sweepNegotiationsLocked()
	h.negotiations[token] = &negotiation{
		connectionID: connectionID,
		identity:     *identity,
		createdAt:    time.Now(),
	}
	h.mu.Unlock()

	resp := negotiateResponse{
		ConnectionID:     connectionID,
		NegotiateVersion: version,
		AvailableTransports: []availableTransport{
			{Transport: "WebSockets", TransferFormats: []string{"Binary", "Text"}},
		},
	}
	if version >= 1 {
		resp.ConnectionToken = token
	}
	c.JSON(http.StatusOK, resp)
}

// sweepNegotiationsLocked drops stale tokens that never produced a
// connection. Callers hold h.mu.
func (h *Hub) sweepNegotiationsLocked() {
	cutoff := time.Now().Add(-negotiationTTL)
	for token, neg := range h.negotiations {
		if neg.createdAt.Before(cutoff) {
			if _, live := h.connections[neg.connectionID]; !live {
				delete(h.negotiations, token)
			}
		}
	}
}

// ServeWs handles GET /{hub}?id={connectionToken}: bearer check,
// websocket upgrade, codec handshake, then the connection lifecycle.
func (h *Hub) ServeWs(c *gin.Context) {
	token := c.Query("id")
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "connection id required"})
		return
	}

	h.mu.Lock()
	neg, ok := h.negotiations[token]
	h.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown connection id"})
		return
	}

	identity, err := h.authenticate(c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing access token"})
		return
	}
	if identity.UserID != neg.identity.UserID {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "connection negotiated by another user"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "WebSocket upgrade failed",
			zap.String("hub", h.name), zap.Error(err))
		return
	}

	proto, err := h.handshake(conn)
	if err != nil {
		logging.Warn(context.Background(), "Handshake failed",
			zap.String("hub", h.name), zap.Int32("userId", identity.UserID), zap.Error(err))
		_ = conn.Close()
		return
	}

	client, err := newClient(h, conn, proto, neg.connectionID, *identity)
	if err != nil {
		_ = conn.Close()
		return
	}
	h.register(client)

	logging.Info(context.Background(), "Hub connection established",
		zap.String("hub", h.name),
		zap.String("connectionId", client.ConnectionID),
		zap.Int32("userId", identity.UserID),
		zap.String("protocol", proto.Name()))

	h.startPump(client.writePump)
	h.startPump(func() { client.pingPump(h.pingInterval) })

	ctx := logging.WithUser(context.Background(), client.UserID())
	if h.onConnected != nil {
		if err := h.onConnected(ctx, client); err != nil {
			logging.Warn(ctx, "Connection rejected",
				zap.String("hub", h.name), zap.Error(err))
			client.sendClose(err.Error(), false)
			client.Disconnect()
			h.finishClient(client)
			return
		}
	}
	client.setEstablished()

	h.startPump(client.readPump)
}

func (h *Hub) startPump(fn func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
}

// handshake reads the protocol selection record and answers it.
func (h *Hub) handshake(conn wsConnection) (Protocol, error) {
	_ = conn.SetReadDeadline(time.Now().Add(h.handshakeTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	req, rest, err := parseHandshake(data)
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, encodeHandshakeResponse("malformed handshake"))
		return nil, err
	}
	if len(rest) > 0 {
		logging.GetLogger().Debug("Ignoring data trailing the handshake", zap.Int("bytes", len(rest)))
	}

	proto, ok := h.protocols[req.Protocol]
	if !ok {
		msg := fmt.Sprintf("Requested protocol %q is not available.", req.Protocol)
		_ = conn.WriteMessage(websocket.TextMessage, encodeHandshakeResponse(msg))
		return nil, errors.New(msg)
	}
	if req.Version != 1 {
		msg := fmt.Sprintf("Requested protocol version %d is not supported.", req.Version)
		_ = conn.WriteMessage(websocket.TextMessage, encodeHandshakeResponse(msg))
		return nil, errors.New(msg)
	}

	if err := conn.WriteMessage(websocket.TextMessage, encodeHandshakeResponse("")); err != nil {
		return nil, fmt.Errorf("write handshake response: %w", err)
	}
	return proto, nil
}

func (h *Hub) authenticate(r *http.Request) (*Identity, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, errors.New("missing access token")
	}
	return h.auth.Authenticate(r.Context(), token)
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, prefix) {
		return strings.TrimPrefix(auth, prefix)
	}
	return r.URL.Query().Get("access_token")
}

// register installs the client, kicking any live predecessor on the
// same connection id first so its state cleanup finishes before the
// replacement is visible.
func (h *Hub) register(client *Client) {
	for {
		h.mu.Lock()
		prev := h.connections[client.ConnectionID]
		if prev == nil {
			h.connections[client.ConnectionID] = client
			set, ok := h.byUser[client.UserID()]
			if !ok {
				set = make(map[*Client]struct{})
				h.byUser[client.UserID()] = set
			}
			set[client] = struct{}{}
			h.mu.Unlock()
			metrics.IncConnection(h.name)
			return
		}
		h.mu.Unlock()

		logging.Info(context.Background(), "Kicking replaced connection",
			zap.String("hub", h.name),
			zap.String("connectionId", client.ConnectionID),
			zap.Int32("userId", prev.UserID()))
		prev.sendClose("connection replaced by a newer connection", true)
		prev.Disconnect()
		h.finishClient(prev)
	}
}

// finishClient unregisters the connection and runs the disconnect hook.
// Safe to call from multiple paths; only the first call acts.
func (h *Hub) finishClient(c *Client) {
	c.cleanupOnce.Do(func() {
		h.mu.Lock()
		if h.connections[c.ConnectionID] == c {
			delete(h.connections, c.ConnectionID)
		}
		if set, ok := h.byUser[c.UserID()]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.byUser, c.UserID())
			}
		}
		for name, members := range h.groups {
			delete(members, c)
			if len(members) == 0 {
				delete(h.groups, name)
			}
		}
		h.mu.Unlock()

		metrics.DecConnection(h.name)
		if c.isEstablished() && h.onDisconnected != nil {
			ctx := logging.WithUser(context.Background(), c.UserID())
			h.onDisconnected(ctx, c)
		}
	})
}

// AddToGroup adds the client to a broadcast group.
func (h *Hub) AddToGroup(group string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.groups[group]
	if !ok {
		members = make(map[*Client]struct{})
		h.groups[group] = members
	}
	members[c] = struct{}{}
}

// RemoveFromGroup removes the client from a broadcast group.
func (h *Hub) RemoveFromGroup(group string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.groups[group]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.groups, group)
	}
}

// GroupClients snapshots the members of a group.
func (h *Hub) GroupClients(group string) []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.groups[group]
	out := make([]*Client, 0, len(members))
	for c := range members {
		out = append(out, c)
	}
	return out
}

// UserClients snapshots the live connections of a user.
func (h *Hub) UserClients(userID int32) []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.byUser[userID]
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// SendGroup fans a fire-and-forget invocation out to every group member.
func (h *Hub) SendGroup(group, target string, args ...any) {
	h.sendToClients(h.GroupClients(group), nil, target, args)
}

// SendGroupExcept fans out to every group member but one.
func (h *Hub) SendGroupExcept(group string, except *Client, target string, args ...any) {
	h.sendToClients(h.GroupClients(group), except, target, args)
}

// sendToClients encodes the invocation once per codec and queues it on
// each client. Queueing never blocks; each connection's write pump
// drains its own buffer.
func (h *Hub) sendToClients(clients []*Client, except *Client, target string, args []any) {
	frames := make(map[string][]byte, len(h.protocols))
	for _, c := range clients {
		if c == except {
			continue
		}
		frame, ok := frames[c.protocol.Name()]
		if !ok {
			var err error
			frame, err = c.protocol.EncodeInvocation("", target, args)
			if err != nil {
				logging.Error(context.Background(), "Failed to encode broadcast",
					zap.String("hub", h.name), zap.String("target", target), zap.Error(err))
				return
			}
			frames[c.protocol.Name()] = frame
		}
		_ = c.sendRaw(frame)
	}
}

// Shutdown closes every connection and waits for the pumps to finish or
// ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.connections))
	for _, c := range h.connections {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	logging.Info(ctx, "Shutting down hub",
		zap.String("hub", h.name), zap.Int("connections", len(clients)))

	for _, c := range clients {
		c.sendClose("server is shutting down", true)
		c.Disconnect()
	}
	for _, c := range clients {
		h.finishClient(c)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
