package multiplayer

import (
	"context"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/M1PPosu/lazer-server-sub001/internal/logging"
	"github.com/M1PPosu/lazer-server-sub001/internal/metrics"
	"github.com/M1PPosu/lazer-server-sub001/internal/signalr"
	"github.com/M1PPosu/lazer-server-sub001/internal/store"
)

// Client-side notification targets.
const (
	notifyRoomStateChanged      = "RoomStateChanged"
	notifyUserJoined            = "UserJoined"
	notifyUserLeft              = "UserLeft"
	notifyUserKicked            = "UserKicked"
	notifyHostChanged           = "HostChanged"
	notifySettingsChanged       = "SettingsChanged"
	notifyUserStateChanged      = "UserStateChanged"
	notifyAvailabilityChanged   = "UserBeatmapAvailabilityChanged"
	notifyUserModsChanged       = "UserModsChanged"
	notifyUserStyleChanged      = "UserStyleChanged"
	notifyMatchUserStateChanged = "MatchUserStateChanged"
	notifyMatchRoomStateChanged = "MatchRoomStateChanged"
	notifyMatchEvent            = "MatchEvent"
	notifyLoadRequested         = "LoadRequested"
	notifyGameplayStarted       = "GameplayStarted"
	notifyGameplayAborted       = "GameplayAborted"
	notifyResultsReady          = "ResultsReady"
	notifyPlaylistItemAdded     = "PlaylistItemAdded"
	notifyPlaylistItemRemoved   = "PlaylistItemRemoved"
	notifyPlaylistItemChanged   = "PlaylistItemChanged"
	notifyInvited               = "Invited"
)

// serverRoom is the authoritative live state of one multiplayer room.
// All mutation happens under mu; the signalr hub's own lock is a leaf
// below it.
type serverRoom struct {
	hub *Hub

	mu           sync.Mutex
	room         *Room
	queue        queuePolicy
	match        matchHandler
	clients      map[int32]*signalr.Client
	countdowns   map[int32]*countdownTask
	countdownSeq int32
	closed       bool
}

func newServerRoom(h *Hub, room *Room) *serverRoom {
	r := &serverRoom{
		hub:        h,
		room:       room,
		queue:      policyForMode(room.Settings.QueueMode),
		match:      handlerForType(room.Settings.MatchType),
		clients:    make(map[int32]*signalr.Client),
		countdowns: make(map[int32]*countdownTask),
	}
	room.MatchState = MatchRoomStateBox{Value: r.match.roomState()}
	return r
}

func (r *serverRoom) groupName() string {
	return "room:" + strconv.FormatInt(r.room.RoomID, 10)
}

// broadcastLocked fans a notification out to every member's connection.
func (r *serverRoom) broadcastLocked(target string, args ...any) {
	r.hub.sr.SendGroup(r.groupName(), target, args...)
}

func (r *serverRoom) userLocked(userID int32) *RoomUser {
	for _, u := range r.room.Users {
		if u.UserID == userID {
			return u
		}
	}
	return nil
}

func (r *serverRoom) isHostLocked(u *RoomUser) bool {
	return r.room.Host != nil && r.room.Host.UserID == u.UserID
}

func (r *serverRoom) requireHostLocked(u *RoomUser) error {
	if !r.isHostLocked(u) {
		return signalr.Errorf("only the room host can do that")
	}
	return nil
}

// setUserStateLocked applies a state change and announces it. Callers
// validate the transition.
func (r *serverRoom) setUserStateLocked(u *RoomUser, s UserState) {
	if u.State == s {
		return
	}
	u.State = s
	r.broadcastLocked(notifyUserStateChanged, u.UserID, s)
}

func (r *serverRoom) setRoomStateLocked(s RoomState) {
	if r.room.State == s {
		return
	}
	r.room.State = s
	r.broadcastLocked(notifyRoomStateChanged, s)
}

// --- Membership ---

// joinLocked installs a new member and pushes catch-up state to them.
func (r *serverRoom) joinLocked(ctx context.Context, client *signalr.Client, password string) (*Room, error) {
	if r.closed {
		return nil, signalr.Errorf("the room has been closed")
	}
	if r.room.Settings.Password != "" && r.room.Settings.Password != password {
		return nil, signalr.Errorf("incorrect room password")
	}
	userID := client.UserID()
	if r.userLocked(userID) != nil {
		return nil, signalr.Errorf("already a member of this room")
	}

	u := &RoomUser{
		UserID:       userID,
		State:        UserIdle,
		Availability: BeatmapAvailability{State: AvailabilityUnknown},
	}
	r.room.Users = append(r.room.Users, u)
	r.clients[userID] = client

	if err := r.hub.st.SetParticipantCount(ctx, r.room.RoomID, int32(len(r.room.Users))); err != nil {
		logging.Error(ctx, "Persisting participant count failed",
			zap.Int64("room_id", r.room.RoomID), zap.Error(err))
	}

	r.broadcastLocked(notifyUserJoined, u.clone())
	r.hub.sr.AddToGroup(r.groupName(), client)
	r.match.userJoined(r, u)
	metrics.RoomUsers.WithLabelValues(strconv.FormatInt(r.room.RoomID, 10)).Set(float64(len(r.room.Users)))

	r.sendCatchUpLocked(client)
	r.hub.notifyRoomJoined(ctx, r.room.ChannelID, userID)
	r.hub.catchUpSpectators(ctx, userID, r.memberIDsLocked())

	r.room.ActiveCountdowns = r.activeCountdownsLocked()
	return r.room.Clone(), nil
}

// sendCatchUpLocked replays the room's in-flight state to a late joiner.
func (r *serverRoom) sendCatchUpLocked(client *signalr.Client) {
	_ = client.Send(notifyRoomStateChanged, r.room.State)
	if r.room.State == RoomWaitingForLoad || r.room.State == RoomPlaying {
		_ = client.Send(notifyLoadRequested)
	}
	anyResults := false
	for _, other := range r.room.Users {
		if other.UserID == client.UserID() {
			continue
		}
		_ = client.Send(notifyUserStateChanged, other.UserID, other.State)
		if other.State == UserResults {
			anyResults = true
		}
	}
	if r.room.State == RoomOpen && anyResults {
		_ = client.Send(notifyResultsReady)
	}
}

func (r *serverRoom) memberIDsLocked() []int32 {
	ids := make([]int32, len(r.room.Users))
	for i, u := range r.room.Users {
		ids[i] = u.UserID
	}
	return ids
}

// removeUserLocked drops a member, transferring host and closing the
// room when it empties. Returns true when the room closed.
func (r *serverRoom) removeUserLocked(ctx context.Context, u *RoomUser, kicked bool) bool {
	for i, other := range r.room.Users {
		if other == u {
			r.room.Users = append(r.room.Users[:i], r.room.Users[i+1:]...)
			break
		}
	}
	client := r.clients[u.UserID]
	delete(r.clients, u.UserID)

	if client != nil {
		if kicked {
			_ = client.Send(notifyUserKicked, u.clone())
		}
		r.hub.sr.RemoveFromGroup(r.groupName(), client)
	}

	if len(r.room.Users) == 0 {
		r.closeLocked(ctx)
		r.hub.notifyRoomLeft(ctx, r.room.ChannelID, u.UserID)
		return true
	}

	// A departed host hands the room to the oldest remaining joiner.
	if r.room.Host != nil && r.room.Host.UserID == u.UserID {
		r.setHostLocked(ctx, r.room.Users[0])
	}
	if kicked {
		r.broadcastLocked(notifyUserKicked, u.clone())
	} else {
		r.broadcastLocked(notifyUserLeft, u.clone())
	}

	if err := r.hub.st.SetParticipantCount(ctx, r.room.RoomID, int32(len(r.room.Users))); err != nil {
		logging.Error(ctx, "Persisting participant count failed",
			zap.Int64("room_id", r.room.RoomID), zap.Error(err))
	}
	metrics.RoomUsers.WithLabelValues(strconv.FormatInt(r.room.RoomID, 10)).Set(float64(len(r.room.Users)))

	r.hub.notifyRoomLeft(ctx, r.room.ChannelID, u.UserID)
	r.checkGameplayProgressLocked(ctx)
	return false
}

func (r *serverRoom) setHostLocked(ctx context.Context, u *RoomUser) {
	r.room.Host = u
	r.broadcastLocked(notifyHostChanged, u.UserID)

	row, err := r.hub.st.GetRoom(ctx, r.room.RoomID)
	if err == nil {
		row.HostID = u.UserID
		err = r.hub.st.UpdateRoom(ctx, row)
	}
	if err != nil {
		logging.Error(ctx, "Persisting host transfer failed",
			zap.Int64("room_id", r.room.RoomID), zap.Error(err))
	}
}

// closeLocked tears the empty room down.
func (r *serverRoom) closeLocked(ctx context.Context) {
	r.closed = true
	r.room.State = RoomClosed
	r.stopAllCountdownsLocked()

	if err := r.hub.st.CloseRoom(ctx, r.room.RoomID, signalr.Now().Time); err != nil {
		logging.Error(ctx, "Closing room failed",
			zap.Int64("room_id", r.room.RoomID), zap.Error(err))
	}
	r.hub.removeRoomChannel(ctx, r.room.ChannelID)
	metrics.RoomUsers.DeleteLabelValues(strconv.FormatInt(r.room.RoomID, 10))
	logging.Info(ctx, "Room closed", zap.Int64("room_id", r.room.RoomID))
}

// --- Per-user state machine ---

// changeStateLocked validates a client-requested state change. Playing
// transitions are server-managed; ready to waiting-for-load only
// happens through StartMatch.
func (r *serverRoom) changeStateLocked(ctx context.Context, u *RoomUser, s UserState) error {
	if !s.valid() {
		return signalr.Errorf("invalid user state")
	}
	if s == u.State {
		return nil
	}

	allowed := false
	switch s {
	case UserIdle:
		allowed = u.State == UserReady || u.State == UserResults || u.State == UserSpectating
	case UserReady:
		allowed = u.State == UserIdle
	case UserLoaded:
		allowed = u.State == UserWaitingForLoad
	case UserReadyForGameplay:
		allowed = u.State == UserLoaded
	case UserFinishedPlay:
		allowed = u.State == UserPlaying
	case UserSpectating:
		switch u.State {
		case UserIdle, UserReady, UserResults:
			allowed = true
		default:
			allowed = u.State.IsPlaying() &&
				(r.room.State == RoomWaitingForLoad || r.room.State == RoomPlaying)
		}
	}
	if !allowed {
		return signalr.Errorf("cannot change state from %s to %s", u.State, s)
	}

	r.setUserStateLocked(u, s)
	r.checkGameplayProgressLocked(ctx)
	if s == UserReady {
		r.armAutoStartLocked(ctx)
	}
	return nil
}

// checkGameplayProgressLocked advances the room's gameplay barriers:
// everyone loaded starts play, nobody left playing ends it.
func (r *serverRoom) checkGameplayProgressLocked(ctx context.Context) {
	switch r.room.State {
	case RoomWaitingForLoad:
		for _, u := range r.room.Users {
			if u.State == UserWaitingForLoad {
				return
			}
		}
		r.startGameplayLocked(ctx)
	case RoomPlaying:
		for _, u := range r.room.Users {
			if u.State == UserPlaying {
				return
			}
		}
		r.endGameplayLocked(ctx)
	}
}

// --- Match lifecycle ---

// startMatchLocked runs the start-of-match sequence.
func (r *serverRoom) startMatchLocked(ctx context.Context) error {
	if r.room.State != RoomOpen {
		return signalr.Errorf("the room is not open")
	}
	cur := r.currentItemLocked()
	if cur == nil || cur.Expired {
		return signalr.Errorf("the current playlist item has already been played")
	}
	anyReady := false
	for _, u := range r.room.Users {
		if u.State == UserReady {
			anyReady = true
			break
		}
	}
	if !anyReady {
		return signalr.Errorf("no users are ready")
	}

	if task := r.countdownOfKindLocked(kindMatchStart); task != nil {
		r.stopCountdownLocked(task)
	}

	for _, u := range r.room.Users {
		if u.Availability.State != AvailabilityLocallyAvailable {
			continue
		}
		if u.State == UserIdle || u.State == UserReady {
			r.setUserStateLocked(u, UserWaitingForLoad)
		}
	}

	r.setRoomStateLocked(RoomWaitingForLoad)
	r.broadcastLocked(notifyLoadRequested)
	r.startCountdownLocked(kindForceGameplayStart, gameplayLoadTimeout, true, false, func(ctx context.Context) {
		if r.room.State == RoomWaitingForLoad {
			r.startGameplayLocked(ctx)
		}
	})
	r.persistStatusLocked(ctx, store.RoomStatusPlaying)
	return nil
}

// startGameplayLocked fires the gameplay barrier: loaded members play,
// stragglers are reset.
func (r *serverRoom) startGameplayLocked(ctx context.Context) {
	if task := r.countdownOfKindLocked(kindForceGameplayStart); task != nil {
		r.stopCountdownLocked(task)
	}

	anyPlaying := false
	for _, u := range r.room.Users {
		switch u.State {
		case UserLoaded, UserReadyForGameplay:
			r.setUserStateLocked(u, UserPlaying)
			if client := r.clients[u.UserID]; client != nil {
				_ = client.Send(notifyGameplayStarted)
			}
			anyPlaying = true
		case UserWaitingForLoad:
			r.setUserStateLocked(u, UserIdle)
			if client := r.clients[u.UserID]; client != nil {
				_ = client.Send(notifyGameplayAborted, AbortLoadTookTooLong)
			}
		}
	}

	if anyPlaying {
		r.setRoomStateLocked(RoomPlaying)
	} else {
		r.setRoomStateLocked(RoomOpen)
		r.persistStatusLocked(ctx, store.RoomStatusIdle)
	}
}

// endGameplayLocked settles the match once nobody is playing anymore.
func (r *serverRoom) endGameplayLocked(ctx context.Context) {
	var finished []int32
	for _, u := range r.room.Users {
		if u.State == UserFinishedPlay || u.State == UserSpectating {
			r.setUserStateLocked(u, UserResults)
			finished = append(finished, u.UserID)
		}
	}

	r.setRoomStateLocked(RoomOpen)
	r.broadcastLocked(notifyResultsReady)
	r.persistStatusLocked(ctx, store.RoomStatusIdle)

	if err := r.finishCurrentItemLocked(ctx); err != nil {
		logging.Error(ctx, "Rotating playlist after match failed",
			zap.Int64("room_id", r.room.RoomID), zap.Error(err))
	}
	r.hub.finishSpectators(ctx, finished)
}

// abortGameplayLocked handles a single member bailing out of play.
func (r *serverRoom) abortGameplayLocked(ctx context.Context, u *RoomUser) error {
	if !u.State.IsPlaying() {
		return signalr.Errorf("not in gameplay")
	}
	r.setUserStateLocked(u, UserIdle)
	r.checkGameplayProgressLocked(ctx)
	return nil
}

// abortMatchLocked is the host tearing the whole match down.
func (r *serverRoom) abortMatchLocked(ctx context.Context) error {
	if r.room.State != RoomWaitingForLoad && r.room.State != RoomPlaying {
		return signalr.Errorf("no match in progress")
	}
	if task := r.countdownOfKindLocked(kindForceGameplayStart); task != nil {
		r.stopCountdownLocked(task)
	}
	for _, u := range r.room.Users {
		if u.State.IsPlaying() {
			r.setUserStateLocked(u, UserIdle)
		}
	}
	r.setRoomStateLocked(RoomOpen)
	r.broadcastLocked(notifyGameplayAborted, AbortHostAborted)
	r.persistStatusLocked(ctx, store.RoomStatusIdle)
	return nil
}

func (r *serverRoom) persistStatusLocked(ctx context.Context, status store.RoomStatus) {
	row, err := r.hub.st.GetRoom(ctx, r.room.RoomID)
	if err == nil && row.Status != status {
		row.Status = status
		err = r.hub.st.UpdateRoom(ctx, row)
	}
	if err != nil {
		logging.Error(ctx, "Persisting room status failed",
			zap.Int64("room_id", r.room.RoomID), zap.Error(err))
	}
}

// --- Settings ---

// changeSettingsLocked applies a host settings update and resets
// readiness. PlaylistItemID is server-owned and never taken from the
// client.
func (r *serverRoom) changeSettingsLocked(ctx context.Context, settings RoomSettings) error {
	if r.room.State != RoomOpen {
		return signalr.Errorf("cannot change settings while the match is in progress")
	}
	if settings.Name == "" {
		return signalr.Errorf("room name cannot be empty")
	}

	prevBeatmap := int32(0)
	if cur := r.currentItemLocked(); cur != nil {
		prevBeatmap = cur.BeatmapID
	}

	typeChanged := settings.MatchType != r.room.Settings.MatchType
	queueChanged := settings.QueueMode != r.room.Settings.QueueMode

	settings.PlaylistItemID = r.room.Settings.PlaylistItemID
	r.room.Settings = settings

	if typeChanged {
		r.match = handlerForType(settings.MatchType)
		r.room.MatchState = MatchRoomStateBox{Value: r.match.roomState()}
		r.broadcastLocked(notifyMatchRoomStateChanged, r.room.MatchState)
		for _, u := range r.room.Users {
			u.MatchState = MatchUserStateBox{}
			r.match.userJoined(r, u)
		}
	}
	if queueChanged {
		r.queue = policyForMode(settings.QueueMode)
		if err := r.queue.reorder(ctx, r); err != nil {
			return err
		}
	}

	row, err := r.hub.st.GetRoom(ctx, r.room.RoomID)
	if err == nil {
		row.Name = settings.Name
		row.Password = settings.Password
		row.Type = settings.MatchType.storeType()
		row.QueueMode = settings.QueueMode.storeMode()
		row.AutoStartDuration = settings.AutoStartDuration.Std()
		row.AutoSkip = settings.AutoSkip
		err = r.hub.st.UpdateRoom(ctx, row)
	}
	if err != nil {
		return err
	}

	r.broadcastLocked(notifySettingsChanged, r.room.Settings)

	curBeatmap := int32(0)
	if cur := r.currentItemLocked(); cur != nil {
		curBeatmap = cur.BeatmapID
	}
	for _, u := range r.room.Users {
		if u.State == UserReady {
			r.setUserStateLocked(u, UserIdle)
		}
		if curBeatmap != prevBeatmap && u.Availability.State != AvailabilityUnknown {
			u.Availability = BeatmapAvailability{State: AvailabilityUnknown}
			r.broadcastLocked(notifyAvailabilityChanged, u.UserID, u.Availability)
		}
	}
	r.armAutoStartLocked(ctx)
	return nil
}

// armAutoStartLocked schedules the auto-start countdown when the room
// settings ask for one and the queue has something to play.
func (r *serverRoom) armAutoStartLocked(ctx context.Context) {
	d := r.room.Settings.AutoStartDuration.Std()
	if d <= 0 || r.room.State != RoomOpen {
		return
	}
	cur := r.currentItemLocked()
	if cur == nil || cur.Expired {
		return
	}
	if r.countdownOfKindLocked(kindMatchStart) != nil {
		return
	}
	anyReady := false
	for _, u := range r.room.Users {
		if u.State == UserReady {
			anyReady = true
			break
		}
	}
	if !anyReady {
		return
	}
	r.startCountdownLocked(kindMatchStart, d, false, true, func(ctx context.Context) {
		if err := r.startMatchLocked(ctx); err != nil {
			logging.Debug(ctx, "Auto-start skipped",
				zap.Int64("room_id", r.room.RoomID), zap.Error(err))
		}
	})
}

// --- Member attributes ---

func (r *serverRoom) changeAvailabilityLocked(u *RoomUser, avail BeatmapAvailability) error {
	if avail.State < AvailabilityUnknown || avail.State > AvailabilityLocallyAvailable {
		return signalr.Errorf("invalid availability state")
	}
	u.Availability = avail
	r.broadcastLocked(notifyAvailabilityChanged, u.UserID, avail)
	return nil
}

// changeModsLocked projects the requested mods onto the current item's
// allowed set instead of rejecting the call.
func (r *serverRoom) changeModsLocked(u *RoomUser, mods []APIMod) error {
	cur := r.currentItemLocked()
	if cur == nil {
		return signalr.Errorf("no current playlist item")
	}
	u.Mods = projectMods(mods, cur)
	r.broadcastLocked(notifyUserModsChanged, u.UserID, copyMods(u.Mods))
	return nil
}

// projectMods filters a mod selection down to what the item permits.
// Freestyle items accept any selection.
func projectMods(mods []APIMod, item *PlaylistItem) []APIMod {
	if item.Freestyle {
		return copyMods(mods)
	}
	allowed := make(map[string]struct{}, len(item.AllowedMods))
	for _, m := range item.AllowedMods {
		allowed[m.Acronym] = struct{}{}
	}
	var out []APIMod
	for _, m := range mods {
		if _, ok := allowed[m.Acronym]; ok {
			out = append(out, APIMod{Acronym: m.Acronym, Settings: m.Settings})
		}
	}
	return copyMods(out)
}

// changeStyleLocked records a freestyle beatmap/ruleset pick.
func (r *serverRoom) changeStyleLocked(ctx context.Context, u *RoomUser, beatmapID, rulesetID *int32) error {
	cur := r.currentItemLocked()
	if cur == nil {
		return signalr.Errorf("no current playlist item")
	}
	if !cur.Freestyle {
		return signalr.Errorf("the current item does not allow freestyle")
	}
	if rulesetID != nil && (*rulesetID < 0 || *rulesetID > 3) {
		return signalr.Errorf("invalid ruleset")
	}
	if beatmapID != nil && *beatmapID != cur.BeatmapID {
		picked, err := r.hub.maps.Lookup(ctx, *beatmapID)
		if err != nil {
			return signalr.Errorf("beatmap not found")
		}
		base, err := r.hub.maps.Lookup(ctx, cur.BeatmapID)
		if err != nil {
			return signalr.Errorf("unable to look up beatmap")
		}
		if picked.BeatmapSetID != base.BeatmapSetID {
			return signalr.Errorf("beatmap is not part of the current set")
		}
	}
	u.BeatmapID = beatmapID
	u.RulesetID = rulesetID
	r.broadcastLocked(notifyUserStyleChanged, u.UserID, beatmapID, rulesetID)
	return nil
}

// handleMatchRequestLocked services SendMatchRequest: the two countdown
// requests here, anything else through the match-type handler.
func (r *serverRoom) handleMatchRequestLocked(ctx context.Context, u *RoomUser, req MatchUserRequest) error {
	switch req := req.(type) {
	case StartMatchCountdownRequest:
		if err := r.requireHostLocked(u); err != nil {
			return err
		}
		if r.room.State != RoomOpen {
			return signalr.Errorf("cannot start a countdown while the match is in progress")
		}
		r.startCountdownLocked(kindMatchStart, req.Duration.Std(), false, false, func(ctx context.Context) {
			if err := r.startMatchLocked(ctx); err != nil {
				logging.Debug(ctx, "Countdown start skipped",
					zap.Int64("room_id", r.room.RoomID), zap.Error(err))
			}
		})
		return nil
	case StopCountdownRequest:
		task := r.countdownByIDLocked(req.ID)
		if task == nil {
			return signalr.Errorf("no such countdown")
		}
		if task.exclusive || task.autoStart {
			return signalr.Errorf("this countdown cannot be stopped")
		}
		if err := r.requireHostLocked(u); err != nil {
			return err
		}
		r.stopCountdownLocked(task)
		return nil
	case nil:
		return signalr.Errorf("empty match request")
	default:
		return r.match.handleRequest(ctx, r, u, req)
	}
}
