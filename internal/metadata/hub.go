package metadata

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/M1PPosu/lazer-server-sub001/internal/logging"
	"github.com/M1PPosu/lazer-server-sub001/internal/signalr"
	"github.com/M1PPosu/lazer-server-sub001/internal/store"
)

// HubName is the route segment of the metadata endpoint.
const HubName = "metadata"

// Client-side notification targets.
const (
	notifyUserPresenceUpdated   = "UserPresenceUpdated"
	notifyFriendPresenceUpdated = "FriendPresenceUpdated"
)

// onlineGroup receives every pushable presence change. Clients opt in
// with BeginWatchingUserPresence.
const onlineGroup = "metadata:online"

func userGroup(userID int32) string {
	return "metadata:user:" + strconv.FormatInt(int64(userID), 10)
}

// Hub is the metadata endpoint. It also delivers chat and notification
// events, so the chat service registers it as its Pusher.
type Hub struct {
	sr *signalr.Hub
	st store.Store

	mu       sync.Mutex
	presence map[int32]*presenceEntry
}

type presenceEntry struct {
	client *signalr.Client
	state  UserPresence
}

// NewHub creates the metadata hub and registers its methods on the
// signalr endpoint.
func NewHub(sr *signalr.Hub, st store.Store) *Hub {
	h := &Hub{
		sr:       sr,
		st:       st,
		presence: make(map[int32]*presenceEntry),
	}

	sr.OnConnected(h.onConnected)
	sr.On("UpdateStatus", h.UpdateStatus)
	sr.On("UpdateActivity", h.UpdateActivity)
	sr.On("BeginWatchingUserPresence", h.BeginWatchingUserPresence)
	sr.On("EndWatchingUserPresence", h.EndWatchingUserPresence)
	sr.OnDisconnected(h.onDisconnected)

	return h
}

// onConnected joins the connection to each friend's presence group and
// replays the friends already visible.
func (h *Hub) onConnected(ctx context.Context, c *signalr.Client) error {
	friends, err := h.st.GetFriends(ctx, c.UserID())
	if err != nil {
		logging.Warn(ctx, "Loading friends for presence failed",
			zap.Int32("user_id", c.UserID()), zap.Error(err))
		return nil
	}

	for _, friendID := range friends {
		h.sr.AddToGroup(userGroup(friendID), c)
	}

	h.mu.Lock()
	for _, friendID := range friends {
		if e, ok := h.presence[friendID]; ok && e.state.Pushable() {
			state := e.state
			_ = c.Send(notifyFriendPresenceUpdated, friendID, &state)
		}
	}
	h.mu.Unlock()
	return nil
}

// --- RPCs ---

// UpdateStatus sets the caller's visibility and propagates the change.
func (h *Hub) UpdateStatus(ctx context.Context, c *signalr.Client, status *OnlineStatus) error {
	if status != nil && !status.valid() {
		return signalr.Errorf("invalid status")
	}

	h.mu.Lock()
	e := h.entryLocked(c)
	e.state.Status = status
	state := e.state
	h.mu.Unlock()

	h.broadcast(c.UserID(), state)
	return nil
}

// UpdateActivity sets what the caller is doing. A nil activity clears
// it.
func (h *Hub) UpdateActivity(ctx context.Context, c *signalr.Client, activity ActivityBox) error {
	h.mu.Lock()
	e := h.entryLocked(c)
	e.state.Activity = activity
	state := e.state
	h.mu.Unlock()

	h.broadcast(c.UserID(), state)
	return nil
}

// BeginWatchingUserPresence opts the caller into the global presence
// feed and replays everyone currently visible.
func (h *Hub) BeginWatchingUserPresence(ctx context.Context, c *signalr.Client) error {
	h.sr.AddToGroup(onlineGroup, c)

	h.mu.Lock()
	for userID, e := range h.presence {
		if e.state.Pushable() {
			state := e.state
			_ = c.Send(notifyUserPresenceUpdated, userID, &state)
		}
	}
	h.mu.Unlock()
	return nil
}

// EndWatchingUserPresence leaves the global presence feed.
func (h *Hub) EndWatchingUserPresence(ctx context.Context, c *signalr.Client) error {
	h.sr.RemoveFromGroup(onlineGroup, c)
	return nil
}

// entryLocked returns the caller's presence entry, claiming it for this
// connection. A replaced connection's entry is reset rather than
// inherited.
func (h *Hub) entryLocked(c *signalr.Client) *presenceEntry {
	e, ok := h.presence[c.UserID()]
	if !ok || e.client != c {
		e = &presenceEntry{client: c}
		h.presence[c.UserID()] = e
	}
	return e
}

// broadcast pushes a presence change to the global watchers and the
// user's friends. Non-pushable presence goes out as nil so watchers
// drop the user.
func (h *Hub) broadcast(userID int32, state UserPresence) {
	var payload *UserPresence
	if state.Pushable() {
		payload = &state
	}
	h.sr.SendGroup(onlineGroup, notifyUserPresenceUpdated, userID, payload)
	h.sr.SendGroup(userGroup(userID), notifyFriendPresenceUpdated, userID, payload)
}

// onDisconnected clears the user's presence and stamps last_visit.
func (h *Hub) onDisconnected(ctx context.Context, c *signalr.Client) {
	userID := c.UserID()

	h.mu.Lock()
	e, ok := h.presence[userID]
	if ok && e.client == c {
		delete(h.presence, userID)
	} else {
		ok = false
	}
	h.mu.Unlock()

	if ok && e.state.Pushable() {
		h.broadcast(userID, UserPresence{})
	}

	if err := h.st.UpdateLastVisit(ctx, userID, time.Now()); err != nil {
		logging.Warn(ctx, "Updating last visit failed",
			zap.Int32("user_id", userID), zap.Error(err))
	}
}

// --- chat.Pusher ---

// Push delivers a chat or notification event to every one of the user's
// metadata connections.
func (h *Hub) Push(ctx context.Context, userID int32, event string, payload any) {
	for _, c := range h.sr.UserClients(userID) {
		_ = c.Send(event, payload)
	}
}
