package multiplayer

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/M1PPosu/lazer-server-sub001/internal/beatmaps"
	"github.com/M1PPosu/lazer-server-sub001/internal/bus"
	"github.com/M1PPosu/lazer-server-sub001/internal/logging"
	"github.com/M1PPosu/lazer-server-sub001/internal/metrics"
	"github.com/M1PPosu/lazer-server-sub001/internal/signalr"
	"github.com/M1PPosu/lazer-server-sub001/internal/store"
)

// HubName is the route segment of the multiplayer endpoint.
const HubName = "multiplayer"

// ChatBridge is the slice of the chat service the multiplayer hub drives:
// room channels and, in single-instance mode, direct membership updates.
type ChatBridge interface {
	CreateHubChannel(ctx context.Context, t store.ChannelType, name, description string) (*store.ChatChannel, error)
	RemoveHubChannel(ctx context.Context, channelID int64) error
	HandleRoomJoined(ctx context.Context, channelID int64, userID int32) error
	HandleRoomLeft(ctx context.Context, channelID int64, userID int32) error
}

// SpectatorCoupler is the unidirectional projection into the spectator
// hub: the multiplayer hub reads who is streaming and pushes synthetic
// events, the spectator hub never reads back.
type SpectatorCoupler interface {
	// StreamingUsers filters ids down to those with an active play
	// session on the spectator hub.
	StreamingUsers(ids []int32) []int32
	// PushBeganPlaying replays UserBeganPlaying for player to the
	// target user's spectator connections.
	PushBeganPlaying(ctx context.Context, targetUserID, playerID int32)
	// PushFinishedPlaying ends player's session for their watchers.
	PushFinishedPlaying(ctx context.Context, playerID int32)
}

// Hub is the multiplayer endpoint. Rooms live in memory; the store keeps
// the durable listing and playlist rows.
type Hub struct {
	sr   *signalr.Hub
	st   store.Store
	maps beatmaps.Lookup
	bus  *bus.Service // nil in single-instance mode
	chat ChatBridge

	mu       sync.Mutex
	rooms    map[int64]*serverRoom
	userRoom map[int32]int64
	spec     SpectatorCoupler
}

// NewHub creates the multiplayer hub and registers its methods on the
// signalr endpoint.
func NewHub(sr *signalr.Hub, st store.Store, maps beatmaps.Lookup, b *bus.Service, chat ChatBridge) *Hub {
	h := &Hub{
		sr:       sr,
		st:       st,
		maps:     maps,
		bus:      b,
		chat:     chat,
		rooms:    make(map[int64]*serverRoom),
		userRoom: make(map[int32]int64),
	}

	sr.On("CreateRoom", h.CreateRoom)
	sr.On("JoinRoom", h.JoinRoom)
	sr.On("JoinRoomWithPassword", h.JoinRoomWithPassword)
	sr.On("LeaveRoom", h.LeaveRoom)
	sr.On("TransferHost", h.TransferHost)
	sr.On("KickUser", h.KickUser)
	sr.On("InvitePlayer", h.InvitePlayer)
	sr.On("ChangeState", h.ChangeState)
	sr.On("ChangeBeatmapAvailability", h.ChangeBeatmapAvailability)
	sr.On("ChangeUserMods", h.ChangeUserMods)
	sr.On("ChangeUserStyle", h.ChangeUserStyle)
	sr.On("ChangeSettings", h.ChangeSettings)
	sr.On("AddPlaylistItem", h.AddPlaylistItem)
	sr.On("EditPlaylistItem", h.EditPlaylistItem)
	sr.On("RemovePlaylistItem", h.RemovePlaylistItem)
	sr.On("StartMatch", h.StartMatch)
	sr.On("SendMatchRequest", h.SendMatchRequest)
	sr.On("AbortGameplay", h.AbortGameplay)
	sr.On("AbortMatch", h.AbortMatch)
	sr.OnDisconnected(h.onDisconnected)

	return h
}

// SetSpectator wires the cross-hub projection. Optional; without it the
// hub simply skips spectator catch-up.
func (h *Hub) SetSpectator(s SpectatorCoupler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.spec = s
}

func (h *Hub) coupler() SpectatorCoupler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.spec
}

// Room returns the live room, or nil.
func (h *Hub) Room(id int64) *serverRoom {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[id]
}

// roomForUser resolves the room the user currently occupies.
func (h *Hub) roomForUser(userID int32) (*serverRoom, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.userRoom[userID]
	if !ok {
		return nil, signalr.Errorf("not currently in a room")
	}
	r, ok := h.rooms[id]
	if !ok {
		return nil, signalr.Errorf("not currently in a room")
	}
	return r, nil
}

// reserveUser claims the user's one-room slot for roomID.
func (h *Hub) reserveUser(userID int32, roomID int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.userRoom[userID]; ok {
		return signalr.Errorf("already in a room")
	}
	h.userRoom[userID] = roomID
	return nil
}

func (h *Hub) releaseUser(userID int32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.userRoom, userID)
}

func (h *Hub) dropRoom(roomID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[roomID]; ok {
		delete(h.rooms, roomID)
		metrics.ActiveRooms.Dec()
	}
}

// --- RPCs ---

// CreateRoom persists a new room, provisions its chat channel, inserts
// the initial playlist, and joins the caller as host.
func (h *Hub) CreateRoom(ctx context.Context, c *signalr.Client, room Room) (*Room, error) {
	if strings.TrimSpace(room.Settings.Name) == "" {
		return nil, signalr.Errorf("room name cannot be empty")
	}
	if len(room.Playlist) == 0 {
		return nil, signalr.Errorf("the room must have at least one playlist item")
	}

	row := &store.Room{
		HostID:            c.UserID(),
		Name:              room.Settings.Name,
		Type:              room.Settings.MatchType.storeType(),
		QueueMode:         room.Settings.QueueMode.storeMode(),
		Status:            store.RoomStatusIdle,
		Category:          store.RoomCategoryNormal,
		Password:          room.Settings.Password,
		AutoStartDuration: room.Settings.AutoStartDuration.Std(),
		AutoSkip:          room.Settings.AutoSkip,
		StartsAt:          signalr.Now().Time,
	}
	if err := h.st.CreateRoom(ctx, row); err != nil {
		return nil, fmt.Errorf("creating room: %w", err)
	}

	channel, err := h.chat.CreateHubChannel(ctx, store.ChannelTypeMultiplayer,
		fmt.Sprintf("mp_%d", row.ID), room.Settings.Name)
	if err != nil {
		return nil, fmt.Errorf("creating room channel: %w", err)
	}

	live := &Room{
		RoomID:    row.ID,
		State:     RoomOpen,
		Settings:  room.Settings,
		ChannelID: channel.ID,
	}
	r := newServerRoom(h, live)

	r.mu.Lock()
	for _, it := range room.Playlist {
		item := it.clone()
		item.ID = 0
		item.OwnerID = c.UserID()
		item.Expired = false
		item.PlayedAt = nil
		item.PlaylistOrder = r.nextOrderLocked()
		if err := r.validateItemLocked(ctx, item); err != nil {
			r.mu.Unlock()
			return nil, err
		}
		itemRow, err := itemToStore(row.ID, item)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		if err := h.st.CreatePlaylistItem(ctx, itemRow); err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("creating playlist item: %w", err)
		}
		item.ID = itemRow.ID
		live.Playlist = append(live.Playlist, item)
	}
	r.sortPlaylistLocked()
	live.Settings.PlaylistItemID = r.currentItemIDLocked()
	r.mu.Unlock()

	if err := h.reserveUser(c.UserID(), row.ID); err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.rooms[row.ID] = r
	h.mu.Unlock()
	metrics.ActiveRooms.Inc()

	r.mu.Lock()
	snapshot, err := r.joinLocked(ctx, c, room.Settings.Password)
	if err == nil {
		r.room.Host = r.userLocked(c.UserID())
		snapshot.Host = snapshot.Users[0]
	}
	r.mu.Unlock()
	if err != nil {
		h.releaseUser(c.UserID())
		h.dropRoom(row.ID)
		return nil, err
	}

	logging.Info(ctx, "Room created",
		zap.Int64("room_id", row.ID), zap.Int32("host_id", c.UserID()))
	return snapshot, nil
}

// JoinRoom joins a passwordless room.
func (h *Hub) JoinRoom(ctx context.Context, c *signalr.Client, roomID int64) (*Room, error) {
	return h.JoinRoomWithPassword(ctx, c, roomID, "")
}

// JoinRoomWithPassword joins a room, checking its password.
func (h *Hub) JoinRoomWithPassword(ctx context.Context, c *signalr.Client, roomID int64, password string) (*Room, error) {
	if err := h.reserveUser(c.UserID(), roomID); err != nil {
		return nil, err
	}

	h.mu.Lock()
	r := h.rooms[roomID]
	h.mu.Unlock()
	if r == nil {
		h.releaseUser(c.UserID())
		return nil, signalr.Errorf("room not found")
	}

	r.mu.Lock()
	snapshot, err := r.joinLocked(ctx, c, password)
	r.mu.Unlock()
	if err != nil {
		h.releaseUser(c.UserID())
		return nil, err
	}
	return snapshot, nil
}

// LeaveRoom removes the caller from their room.
func (h *Hub) LeaveRoom(ctx context.Context, c *signalr.Client) error {
	return h.removeFromRoom(ctx, c.UserID(), c.UserID(), false)
}

// KickUser removes another member. Host only.
func (h *Hub) KickUser(ctx context.Context, c *signalr.Client, userID int32) error {
	if userID == c.UserID() {
		return signalr.Errorf("cannot kick yourself")
	}
	return h.removeFromRoom(ctx, c.UserID(), userID, true)
}

func (h *Hub) removeFromRoom(ctx context.Context, actorID, targetID int32, kick bool) error {
	r, err := h.roomForUser(actorID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	actor := r.userLocked(actorID)
	target := r.userLocked(targetID)
	if actor == nil || target == nil {
		r.mu.Unlock()
		return signalr.Errorf("user is not in this room")
	}
	if kick {
		if err := r.requireHostLocked(actor); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	closed := r.removeUserLocked(ctx, target, kick)
	r.mu.Unlock()

	h.releaseUser(targetID)
	if closed {
		h.dropRoom(r.room.RoomID)
	}
	return nil
}

// TransferHost hands the room to another member. Host only.
func (h *Hub) TransferHost(ctx context.Context, c *signalr.Client, userID int32) error {
	r, err := h.roomForUser(c.UserID())
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	actor := r.userLocked(c.UserID())
	if actor == nil {
		return signalr.Errorf("not currently in a room")
	}
	if err := r.requireHostLocked(actor); err != nil {
		return err
	}
	target := r.userLocked(userID)
	if target == nil {
		return signalr.Errorf("user is not in this room")
	}
	if target == actor {
		return nil
	}
	r.setHostLocked(ctx, target)
	return nil
}

// InvitePlayer sends a room invitation to another user's connections,
// honoring block and friends-only settings.
func (h *Hub) InvitePlayer(ctx context.Context, c *signalr.Client, userID int32) error {
	if userID == c.UserID() {
		return signalr.Errorf("cannot invite yourself")
	}
	r, err := h.roomForUser(c.UserID())
	if err != nil {
		return err
	}

	target, err := h.st.GetUser(ctx, userID)
	if err != nil {
		return signalr.Errorf("user not found")
	}
	blocked, err := h.st.IsBlocked(ctx, c.UserID(), userID)
	if err != nil {
		return err
	}
	if blocked {
		return signalr.Errorf("cannot invite this user")
	}
	if target.PMFriendsOnly {
		friends, err := h.st.AreFriends(ctx, userID, c.UserID())
		if err != nil {
			return err
		}
		if !friends {
			return signalr.Errorf("this user only accepts invitations from friends")
		}
	}

	r.mu.Lock()
	roomID := r.room.RoomID
	password := r.room.Settings.Password
	r.mu.Unlock()

	clients := h.sr.UserClients(userID)
	if len(clients) == 0 {
		return signalr.Errorf("user is not online")
	}
	for _, target := range clients {
		_ = target.Send(notifyInvited, c.UserID(), roomID, password)
	}
	return nil
}

// withRoomUser runs fn under the caller's room lock.
func (h *Hub) withRoomUser(c *signalr.Client, fn func(ctx context.Context, r *serverRoom, u *RoomUser) error) func(context.Context) error {
	return func(ctx context.Context) error {
		r, err := h.roomForUser(c.UserID())
		if err != nil {
			return err
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		u := r.userLocked(c.UserID())
		if u == nil {
			return signalr.Errorf("not currently in a room")
		}
		return fn(logging.WithRoom(ctx, r.room.RoomID), r, u)
	}
}

// ChangeState applies a client-side state transition.
func (h *Hub) ChangeState(ctx context.Context, c *signalr.Client, state UserState) error {
	return h.withRoomUser(c, func(ctx context.Context, r *serverRoom, u *RoomUser) error {
		return r.changeStateLocked(ctx, u, state)
	})(ctx)
}

// ChangeBeatmapAvailability records the member's download progress.
func (h *Hub) ChangeBeatmapAvailability(ctx context.Context, c *signalr.Client, avail BeatmapAvailability) error {
	return h.withRoomUser(c, func(ctx context.Context, r *serverRoom, u *RoomUser) error {
		return r.changeAvailabilityLocked(u, avail)
	})(ctx)
}

// ChangeUserMods updates the member's mod selection, projected onto the
// current item's allowed set.
func (h *Hub) ChangeUserMods(ctx context.Context, c *signalr.Client, mods []APIMod) error {
	return h.withRoomUser(c, func(ctx context.Context, r *serverRoom, u *RoomUser) error {
		return r.changeModsLocked(u, mods)
	})(ctx)
}

// ChangeUserStyle records a freestyle beatmap/ruleset pick.
func (h *Hub) ChangeUserStyle(ctx context.Context, c *signalr.Client, beatmapID, rulesetID *int32) error {
	return h.withRoomUser(c, func(ctx context.Context, r *serverRoom, u *RoomUser) error {
		return r.changeStyleLocked(ctx, u, beatmapID, rulesetID)
	})(ctx)
}

// ChangeSettings applies a host settings update.
func (h *Hub) ChangeSettings(ctx context.Context, c *signalr.Client, settings RoomSettings) error {
	return h.withRoomUser(c, func(ctx context.Context, r *serverRoom, u *RoomUser) error {
		if err := r.requireHostLocked(u); err != nil {
			return err
		}
		return r.changeSettingsLocked(ctx, settings)
	})(ctx)
}

// AddPlaylistItem queues a new item, subject to the queue policy.
func (h *Hub) AddPlaylistItem(ctx context.Context, c *signalr.Client, item PlaylistItem) error {
	return h.withRoomUser(c, func(ctx context.Context, r *serverRoom, u *RoomUser) error {
		return r.addItemLocked(ctx, u, item.clone())
	})(ctx)
}

// EditPlaylistItem replaces a queued item owned by the caller.
func (h *Hub) EditPlaylistItem(ctx context.Context, c *signalr.Client, item PlaylistItem) error {
	return h.withRoomUser(c, func(ctx context.Context, r *serverRoom, u *RoomUser) error {
		return r.editItemLocked(ctx, u, item.clone())
	})(ctx)
}

// RemovePlaylistItem deletes a queued item owned by the caller.
func (h *Hub) RemovePlaylistItem(ctx context.Context, c *signalr.Client, itemID int64) error {
	return h.withRoomUser(c, func(ctx context.Context, r *serverRoom, u *RoomUser) error {
		return r.removeItemLocked(ctx, u, itemID)
	})(ctx)
}

// StartMatch begins the current item. Host only.
func (h *Hub) StartMatch(ctx context.Context, c *signalr.Client) error {
	return h.withRoomUser(c, func(ctx context.Context, r *serverRoom, u *RoomUser) error {
		if err := r.requireHostLocked(u); err != nil {
			return err
		}
		return r.startMatchLocked(ctx)
	})(ctx)
}

// SendMatchRequest routes a mode or countdown request.
func (h *Hub) SendMatchRequest(ctx context.Context, c *signalr.Client, req MatchUserRequestBox) error {
	return h.withRoomUser(c, func(ctx context.Context, r *serverRoom, u *RoomUser) error {
		return r.handleMatchRequestLocked(ctx, u, req.Value)
	})(ctx)
}

// AbortGameplay returns the caller to idle from a playing state.
func (h *Hub) AbortGameplay(ctx context.Context, c *signalr.Client) error {
	return h.withRoomUser(c, func(ctx context.Context, r *serverRoom, u *RoomUser) error {
		return r.abortGameplayLocked(ctx, u)
	})(ctx)
}

// AbortMatch cancels the running match for everyone. Host only.
func (h *Hub) AbortMatch(ctx context.Context, c *signalr.Client) error {
	return h.withRoomUser(c, func(ctx context.Context, r *serverRoom, u *RoomUser) error {
		if err := r.requireHostLocked(u); err != nil {
			return err
		}
		return r.abortMatchLocked(ctx)
	})(ctx)
}

// onDisconnected treats a dropped connection as leaving the room, but
// only when the connection is still the one serving the user's seat.
func (h *Hub) onDisconnected(ctx context.Context, c *signalr.Client) {
	r, err := h.roomForUser(c.UserID())
	if err != nil {
		return
	}

	r.mu.Lock()
	u := r.userLocked(c.UserID())
	if u == nil || r.clients[c.UserID()] != c {
		r.mu.Unlock()
		return
	}
	closed := r.removeUserLocked(ctx, u, false)
	r.mu.Unlock()

	h.releaseUser(c.UserID())
	if closed {
		h.dropRoom(r.room.RoomID)
	}
}

// --- Cross-service fanout ---

// notifyRoomJoined tells the chat layer to add the user to the room
// channel: over pub/sub when Redis is up, directly otherwise.
func (h *Hub) notifyRoomJoined(ctx context.Context, channelID int64, userID int32) {
	payload := fmt.Sprintf("%d:%d", channelID, userID)
	if h.bus != nil {
		if err := h.bus.Publish(ctx, bus.ChannelRoomJoined, payload); err == nil {
			return
		}
	}
	if err := h.chat.HandleRoomJoined(ctx, channelID, userID); err != nil {
		logging.Error(ctx, "Joining room channel failed",
			zap.Int64("channel_id", channelID), zap.Int32("user_id", userID), zap.Error(err))
	}
}

func (h *Hub) notifyRoomLeft(ctx context.Context, channelID int64, userID int32) {
	payload := fmt.Sprintf("%d:%d", channelID, userID)
	if h.bus != nil {
		if err := h.bus.Publish(ctx, bus.ChannelRoomLeft, payload); err == nil {
			return
		}
	}
	if err := h.chat.HandleRoomLeft(ctx, channelID, userID); err != nil {
		logging.Error(ctx, "Leaving room channel failed",
			zap.Int64("channel_id", channelID), zap.Int32("user_id", userID), zap.Error(err))
	}
}

func (h *Hub) removeRoomChannel(ctx context.Context, channelID int64) {
	if err := h.chat.RemoveHubChannel(ctx, channelID); err != nil {
		logging.Error(ctx, "Removing room channel failed",
			zap.Int64("channel_id", channelID), zap.Error(err))
	}
}

// catchUpSpectators replays UserBeganPlaying for every member already
// streaming, so a cross-page spectator sees active players on join.
func (h *Hub) catchUpSpectators(ctx context.Context, newUserID int32, memberIDs []int32) {
	spec := h.coupler()
	if spec == nil {
		return
	}
	for _, playerID := range spec.StreamingUsers(memberIDs) {
		if playerID != newUserID {
			spec.PushBeganPlaying(ctx, newUserID, playerID)
		}
	}
}

// finishSpectators synthesizes UserFinishedPlaying for members that
// reached the results screen.
func (h *Hub) finishSpectators(ctx context.Context, userIDs []int32) {
	spec := h.coupler()
	if spec == nil {
		return
	}
	for _, id := range userIDs {
		spec.PushFinishedPlaying(ctx, id)
	}
}

// Shutdown cancels every room countdown. Connections are torn down by
// the signalr hub's own shutdown.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	rooms := make([]*serverRoom, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	for _, r := range rooms {
		r.mu.Lock()
		r.stopAllCountdownsLocked()
		r.mu.Unlock()
	}
}
