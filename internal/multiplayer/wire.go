// Package multiplayer implements the authoritative multiplayer hub: room
// lifecycle, the per-user gameplay state machine, playlist queueing,
// match start and result sequencing, countdowns, host management, and
// invitations. Live state is process-local; persistence goes through the
// room store and cross-instance chat membership through the Redis bus.
package multiplayer

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/M1PPosu/lazer-server-sub001/internal/signalr"
	"github.com/M1PPosu/lazer-server-sub001/internal/store"
)

// UserState is one station in a member's gameplay cycle. Ordinals travel
// on the wire; their order mirrors the cycle itself.
type UserState int32

const (
	UserIdle UserState = iota
	UserReady
	UserWaitingForLoad
	UserLoaded
	UserReadyForGameplay
	UserPlaying
	UserFinishedPlay
	UserResults
	UserSpectating
)

// IsPlaying reports whether the state takes part in the running match.
func (s UserState) IsPlaying() bool {
	switch s {
	case UserWaitingForLoad, UserLoaded, UserReadyForGameplay, UserPlaying:
		return true
	}
	return false
}

func (s UserState) valid() bool {
	return s >= UserIdle && s <= UserSpectating
}

func (s UserState) String() string {
	switch s {
	case UserIdle:
		return "idle"
	case UserReady:
		return "ready"
	case UserWaitingForLoad:
		return "waiting-for-load"
	case UserLoaded:
		return "loaded"
	case UserReadyForGameplay:
		return "ready-for-gameplay"
	case UserPlaying:
		return "playing"
	case UserFinishedPlay:
		return "finished-play"
	case UserResults:
		return "results"
	case UserSpectating:
		return "spectating"
	}
	return fmt.Sprintf("UserState(%d)", int32(s))
}

// RoomState is the room's coarse lifecycle stage.
type RoomState int32

const (
	RoomOpen RoomState = iota
	RoomWaitingForLoad
	RoomPlaying
	RoomClosed
)

func (s RoomState) String() string {
	switch s {
	case RoomOpen:
		return "open"
	case RoomWaitingForLoad:
		return "waiting-for-load"
	case RoomPlaying:
		return "playing"
	case RoomClosed:
		return "closed"
	}
	return fmt.Sprintf("RoomState(%d)", int32(s))
}

// MatchType selects the match-type handler.
type MatchType int32

const (
	MatchPlaylists MatchType = iota
	MatchHeadToHead
	MatchTeamVersus
)

func matchTypeFromStore(t store.RoomType) MatchType {
	switch t {
	case store.RoomTypeHeadToHead:
		return MatchHeadToHead
	case store.RoomTypeTeamVersus:
		return MatchTeamVersus
	default:
		return MatchPlaylists
	}
}

func (t MatchType) storeType() store.RoomType {
	switch t {
	case MatchHeadToHead:
		return store.RoomTypeHeadToHead
	case MatchTeamVersus:
		return store.RoomTypeTeamVersus
	default:
		return store.RoomTypePlaylists
	}
}

// QueueMode selects the playlist queue policy.
type QueueMode int32

const (
	QueueHostOnly QueueMode = iota
	QueueAllPlayers
	QueueRoundRobin
)

func queueModeFromStore(m store.QueueMode) QueueMode {
	switch m {
	case store.QueueModeAllPlayers:
		return QueueAllPlayers
	case store.QueueModeRoundRobin:
		return QueueRoundRobin
	default:
		return QueueHostOnly
	}
}

func (m QueueMode) storeMode() store.QueueMode {
	switch m {
	case QueueAllPlayers:
		return store.QueueModeAllPlayers
	case QueueRoundRobin:
		return store.QueueModeRoundRobin
	default:
		return store.QueueModeHostOnly
	}
}

// AvailabilityState is how far along a member's local copy of the current
// beatmap is.
type AvailabilityState int32

const (
	AvailabilityUnknown AvailabilityState = iota
	AvailabilityNotDownloaded
	AvailabilityDownloading
	AvailabilityImporting
	AvailabilityLocallyAvailable
)

// AbortReason travels with GameplayAborted.
type AbortReason int32

const (
	AbortLoadTookTooLong AbortReason = iota
	AbortHostAborted
)

// APIMod is one selected mod plus its settings.
type APIMod struct {
	_msgpack struct{}       `msgpack:",as_array"`
	Acronym  string         `json:"acronym"`
	Settings map[string]any `json:"settings,omitempty"`
}

// BeatmapAvailability is a member's download progress on the current map.
type BeatmapAvailability struct {
	_msgpack struct{}          `msgpack:",as_array"`
	State    AvailabilityState `json:"state"`
	Progress *float64          `json:"downloadProgress"`
}

// RoomUser is one live room member.
type RoomUser struct {
	_msgpack     struct{}            `msgpack:",as_array"`
	UserID       int32               `json:"userId"`
	State        UserState           `json:"state"`
	Availability BeatmapAvailability `json:"availability"`
	Mods         []APIMod            `json:"mods"`
	MatchState   MatchUserStateBox   `json:"matchState"`
	BeatmapID    *int32              `json:"beatmapId"`
	RulesetID    *int32              `json:"rulesetId"`
}

// RoomSettings is the host-controlled room configuration. PlaylistItemID
// tracks the current queue item and is always server-assigned.
type RoomSettings struct {
	_msgpack          struct{}         `msgpack:",as_array"`
	Name              string           `json:"name"`
	PlaylistItemID    int64            `json:"playlistItemId"`
	Password          string           `json:"password"`
	MatchType         MatchType        `json:"matchType"`
	QueueMode         QueueMode        `json:"queueMode"`
	AutoStartDuration signalr.Duration `json:"autoStartDuration"`
	AutoSkip          bool             `json:"autoSkip"`
}

// PlaylistItem is one queued beatmap as seen on the wire.
type PlaylistItem struct {
	_msgpack        struct{}           `msgpack:",as_array"`
	ID              int64              `json:"id"`
	OwnerID         int32              `json:"ownerId"`
	BeatmapID       int32              `json:"beatmapId"`
	BeatmapChecksum string             `json:"beatmapChecksum"`
	RulesetID       int32              `json:"rulesetId"`
	RequiredMods    []APIMod           `json:"requiredMods"`
	AllowedMods     []APIMod           `json:"allowedMods"`
	Freestyle       bool               `json:"freestyle"`
	Expired         bool               `json:"expired"`
	PlaylistOrder   int32              `json:"playlistOrder"`
	PlayedAt        *signalr.Timestamp `json:"playedAt"`
	StarRating      float64            `json:"starRating"`
}

// Room is the live room as broadcast to clients.
type Room struct {
	_msgpack         struct{}          `msgpack:",as_array"`
	RoomID           int64             `json:"roomId"`
	State            RoomState         `json:"state"`
	Settings         RoomSettings      `json:"settings"`
	Users            []*RoomUser       `json:"users"`
	Host             *RoomUser         `json:"host"`
	MatchState       MatchRoomStateBox `json:"matchState"`
	Playlist         []*PlaylistItem   `json:"playlist"`
	ActiveCountdowns []CountdownBox    `json:"activeCountdowns"`
	ChannelID        int64             `json:"channelId"`
}

// --- Tagged unions ---

// MatchUserState is the per-mode slice of one member's state.
type MatchUserState interface{ isMatchUserState() }

// TeamVersusUserState records a member's team assignment.
type TeamVersusUserState struct {
	_msgpack struct{} `msgpack:",as_array"`
	TeamID   int32    `json:"teamId"`
}

func (TeamVersusUserState) isMatchUserState() {}

var matchUserStates = signalr.NewUnionRegistry("MatchUserState").
	Register(0, "TeamVersusUserState", TeamVersusUserState{})

// MatchRoomState is the per-mode slice of the room's state.
type MatchRoomState interface{ isMatchRoomState() }

// MultiplayerTeam is one selectable team in a team-versus room.
type MultiplayerTeam struct {
	_msgpack struct{} `msgpack:",as_array"`
	ID       int32    `json:"id"`
	Name     string   `json:"name"`
}

// TeamVersusRoomState lists the teams members may join.
type TeamVersusRoomState struct {
	_msgpack struct{}          `msgpack:",as_array"`
	Teams    []MultiplayerTeam `json:"teams"`
}

func (TeamVersusRoomState) isMatchRoomState() {}

var matchRoomStates = signalr.NewUnionRegistry("MatchRoomState").
	Register(0, "TeamVersusRoomState", TeamVersusRoomState{})

// Countdown is one live countdown entry. The variant is the kind.
type Countdown interface{ isCountdown() }

// MatchStartCountdown counts down to an automatic match start.
type MatchStartCountdown struct {
	_msgpack      struct{}         `msgpack:",as_array"`
	ID            int32            `json:"id"`
	TimeRemaining signalr.Duration `json:"timeRemaining"`
}

// ForceGameplayStartCountdown bounds how long loading members may hold
// up a started match.
type ForceGameplayStartCountdown struct {
	_msgpack      struct{}         `msgpack:",as_array"`
	ID            int32            `json:"id"`
	TimeRemaining signalr.Duration `json:"timeRemaining"`
}

// ServerShuttingDownCountdown announces a pending server shutdown.
type ServerShuttingDownCountdown struct {
	_msgpack      struct{}         `msgpack:",as_array"`
	ID            int32            `json:"id"`
	TimeRemaining signalr.Duration `json:"timeRemaining"`
}

func (MatchStartCountdown) isCountdown()         {}
func (ForceGameplayStartCountdown) isCountdown() {}
func (ServerShuttingDownCountdown) isCountdown() {}

var countdowns = signalr.NewUnionRegistry("Countdown").
	Register(0, "MatchStartCountdown", MatchStartCountdown{}).
	Register(1, "ForceGameplayStartCountdown", ForceGameplayStartCountdown{}).
	Register(2, "ServerShuttingDownCountdown", ServerShuttingDownCountdown{})

// MatchServerEvent is a server-initiated, mode-agnostic room event.
type MatchServerEvent interface{ isMatchServerEvent() }

// CountdownStartedEvent announces a new countdown.
type CountdownStartedEvent struct {
	_msgpack  struct{}     `msgpack:",as_array"`
	Countdown CountdownBox `json:"countdown"`
}

// CountdownStoppedEvent announces that a countdown ended or was stopped.
type CountdownStoppedEvent struct {
	_msgpack struct{} `msgpack:",as_array"`
	ID       int32    `json:"id"`
}

func (CountdownStartedEvent) isMatchServerEvent() {}
func (CountdownStoppedEvent) isMatchServerEvent() {}

var matchServerEvents = signalr.NewUnionRegistry("MatchServerEvent").
	Register(0, "CountdownStartedEvent", CountdownStartedEvent{}).
	Register(1, "CountdownStoppedEvent", CountdownStoppedEvent{})

// MatchUserRequest is a client request handled by the countdown machinery
// or the match-type handler.
type MatchUserRequest interface{ isMatchUserRequest() }

// ChangeTeamRequest asks to move the sender to another team.
type ChangeTeamRequest struct {
	_msgpack struct{} `msgpack:",as_array"`
	TeamID   int32    `json:"teamId"`
}

// StartMatchCountdownRequest asks the server to start the match after a
// delay.
type StartMatchCountdownRequest struct {
	_msgpack struct{}         `msgpack:",as_array"`
	Duration signalr.Duration `json:"duration"`
}

// StopCountdownRequest asks the server to cancel a running countdown.
type StopCountdownRequest struct {
	_msgpack struct{} `msgpack:",as_array"`
	ID       int32    `json:"id"`
}

func (ChangeTeamRequest) isMatchUserRequest()          {}
func (StartMatchCountdownRequest) isMatchUserRequest() {}
func (StopCountdownRequest) isMatchUserRequest()       {}

var matchUserRequests = signalr.NewUnionRegistry("MatchUserRequest").
	Register(0, "ChangeTeamRequest", ChangeTeamRequest{}).
	Register(1, "StartMatchCountdownRequest", StartMatchCountdownRequest{}).
	Register(2, "StopCountdownRequest", StopCountdownRequest{})

// --- Union boxes ---
//
// A box carries one variant (or nil) through struct fields and handler
// arguments; its codec methods delegate to the union registry.

// MatchUserStateBox carries a MatchUserState variant across the wire.
type MatchUserStateBox struct{ Value MatchUserState }

func (b MatchUserStateBox) EncodeMsgpack(enc *msgpack.Encoder) error {
	if b.Value == nil {
		return enc.EncodeNil()
	}
	return matchUserStates.EncodeMsgpack(enc, b.Value)
}

func (b *MatchUserStateBox) DecodeMsgpack(dec *msgpack.Decoder) error {
	v, err := matchUserStates.DecodeMsgpack(dec)
	if err != nil {
		return err
	}
	b.Value, _ = v.(MatchUserState)
	return nil
}

func (b MatchUserStateBox) MarshalJSON() ([]byte, error) {
	if b.Value == nil {
		return []byte("null"), nil
	}
	return matchUserStates.MarshalJSON(b.Value)
}

func (b *MatchUserStateBox) UnmarshalJSON(data []byte) error {
	v, err := matchUserStates.UnmarshalJSON(data)
	if err != nil {
		return err
	}
	b.Value, _ = v.(MatchUserState)
	return nil
}

// MatchRoomStateBox carries a MatchRoomState variant across the wire.
type MatchRoomStateBox struct{ Value MatchRoomState }

func (b MatchRoomStateBox) EncodeMsgpack(enc *msgpack.Encoder) error {
	if b.Value == nil {
		return enc.EncodeNil()
	}
	return matchRoomStates.EncodeMsgpack(enc, b.Value)
}

func (b *MatchRoomStateBox) DecodeMsgpack(dec *msgpack.Decoder) error {
	v, err := matchRoomStates.DecodeMsgpack(dec)
	if err != nil {
		return err
	}
	b.Value, _ = v.(MatchRoomState)
	return nil
}

func (b MatchRoomStateBox) MarshalJSON() ([]byte, error) {
	if b.Value == nil {
		return []byte("null"), nil
	}
	return matchRoomStates.MarshalJSON(b.Value)
}

func (b *MatchRoomStateBox) UnmarshalJSON(data []byte) error {
	v, err := matchRoomStates.UnmarshalJSON(data)
	if err != nil {
		return err
	}
	b.Value, _ = v.(MatchRoomState)
	return nil
}

// CountdownBox carries a Countdown variant across the wire.
type CountdownBox struct{ Value Countdown }

func (b CountdownBox) EncodeMsgpack(enc *msgpack.Encoder) error {
	if b.Value == nil {
		return enc.EncodeNil()
	}
	return countdowns.EncodeMsgpack(enc, b.Value)
}

func (b *CountdownBox) DecodeMsgpack(dec *msgpack.Decoder) error {
	v, err := countdowns.DecodeMsgpack(dec)
	if err != nil {
		return err
	}
	b.Value, _ = v.(Countdown)
	return nil
}

func (b CountdownBox) MarshalJSON() ([]byte, error) {
	if b.Value == nil {
		return []byte("null"), nil
	}
	return countdowns.MarshalJSON(b.Value)
}

func (b *CountdownBox) UnmarshalJSON(data []byte) error {
	v, err := countdowns.UnmarshalJSON(data)
	if err != nil {
		return err
	}
	b.Value, _ = v.(Countdown)
	return nil
}

// MatchServerEventBox carries a MatchServerEvent variant across the wire.
type MatchServerEventBox struct{ Value MatchServerEvent }

func (b MatchServerEventBox) EncodeMsgpack(enc *msgpack.Encoder) error {
	if b.Value == nil {
		return enc.EncodeNil()
	}
	return matchServerEvents.EncodeMsgpack(enc, b.Value)
}

func (b *MatchServerEventBox) DecodeMsgpack(dec *msgpack.Decoder) error {
	v, err := matchServerEvents.DecodeMsgpack(dec)
	if err != nil {
		return err
	}
	b.Value, _ = v.(MatchServerEvent)
	return nil
}

func (b MatchServerEventBox) MarshalJSON() ([]byte, error) {
	if b.Value == nil {
		return []byte("null"), nil
	}
	return matchServerEvents.MarshalJSON(b.Value)
}

func (b *MatchServerEventBox) UnmarshalJSON(data []byte) error {
	v, err := matchServerEvents.UnmarshalJSON(data)
	if err != nil {
		return err
	}
	b.Value, _ = v.(MatchServerEvent)
	return nil
}

// MatchUserRequestBox carries a MatchUserRequest variant across the wire.
type MatchUserRequestBox struct{ Value MatchUserRequest }

func (b MatchUserRequestBox) EncodeMsgpack(enc *msgpack.Encoder) error {
	if b.Value == nil {
		return enc.EncodeNil()
	}
	return matchUserRequests.EncodeMsgpack(enc, b.Value)
}

func (b *MatchUserRequestBox) DecodeMsgpack(dec *msgpack.Decoder) error {
	v, err := matchUserRequests.DecodeMsgpack(dec)
	if err != nil {
		return err
	}
	b.Value, _ = v.(MatchUserRequest)
	return nil
}

func (b MatchUserRequestBox) MarshalJSON() ([]byte, error) {
	if b.Value == nil {
		return []byte("null"), nil
	}
	return matchUserRequests.MarshalJSON(b.Value)
}

func (b *MatchUserRequestBox) UnmarshalJSON(data []byte) error {
	v, err := matchUserRequests.UnmarshalJSON(data)
	if err != nil {
		return err
	}
	b.Value, _ = v.(MatchUserRequest)
	return nil
}

// --- Store conversions ---

func modsToJSON(mods []APIMod) (string, error) {
	if len(mods) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(mods)
	if err != nil {
		return "", fmt.Errorf("encoding mods: %w", err)
	}
	return string(data), nil
}

func modsFromJSON(s string) ([]APIMod, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var mods []APIMod
	if err := json.Unmarshal([]byte(s), &mods); err != nil {
		return nil, fmt.Errorf("decoding mods: %w", err)
	}
	return mods, nil
}

func itemToStore(roomID int64, it *PlaylistItem) (*store.PlaylistItem, error) {
	required, err := modsToJSON(it.RequiredMods)
	if err != nil {
		return nil, err
	}
	allowed, err := modsToJSON(it.AllowedMods)
	if err != nil {
		return nil, err
	}
	row := &store.PlaylistItem{
		ID:              it.ID,
		RoomID:          roomID,
		OwnerID:         it.OwnerID,
		BeatmapID:       it.BeatmapID,
		BeatmapChecksum: it.BeatmapChecksum,
		RulesetID:       it.RulesetID,
		RequiredMods:    required,
		AllowedMods:     allowed,
		Freestyle:       it.Freestyle,
		Expired:         it.Expired,
		PlaylistOrder:   it.PlaylistOrder,
		StarRating:      it.StarRating,
	}
	if it.PlayedAt != nil {
		row.PlayedAt = it.PlayedAt.Time
	}
	return row, nil
}

func itemFromStore(row *store.PlaylistItem) (*PlaylistItem, error) {
	required, err := modsFromJSON(row.RequiredMods)
	if err != nil {
		return nil, fmt.Errorf("item %d: %w", row.ID, err)
	}
	allowed, err := modsFromJSON(row.AllowedMods)
	if err != nil {
		return nil, fmt.Errorf("item %d: %w", row.ID, err)
	}
	it := &PlaylistItem{
		ID:              row.ID,
		OwnerID:         row.OwnerID,
		BeatmapID:       row.BeatmapID,
		BeatmapChecksum: row.BeatmapChecksum,
		RulesetID:       row.RulesetID,
		RequiredMods:    required,
		AllowedMods:     allowed,
		Freestyle:       row.Freestyle,
		Expired:         row.Expired,
		PlaylistOrder:   row.PlaylistOrder,
		StarRating:      row.StarRating,
	}
	if !row.PlayedAt.IsZero() {
		it.PlayedAt = &signalr.Timestamp{Time: row.PlayedAt}
	}
	return it, nil
}

// --- Deep copies ---
//
// Broadcast frames are encoded under the room lock, but invocation
// results are encoded after the handler returns, so anything returned to
// the dispatcher must be a snapshot.

func copyMods(mods []APIMod) []APIMod {
	if mods == nil {
		return nil
	}
	out := make([]APIMod, len(mods))
	for i, m := range mods {
		out[i] = APIMod{Acronym: m.Acronym}
		if m.Settings != nil {
			out[i].Settings = make(map[string]any, len(m.Settings))
			for k, v := range m.Settings {
				out[i].Settings[k] = v
			}
		}
	}
	return out
}

func (u *RoomUser) clone() *RoomUser {
	c := *u
	c.Mods = copyMods(u.Mods)
	if u.BeatmapID != nil {
		v := *u.BeatmapID
		c.BeatmapID = &v
	}
	if u.RulesetID != nil {
		v := *u.RulesetID
		c.RulesetID = &v
	}
	return &c
}

func (it *PlaylistItem) clone() *PlaylistItem {
	c := *it
	c.RequiredMods = copyMods(it.RequiredMods)
	c.AllowedMods = copyMods(it.AllowedMods)
	if it.PlayedAt != nil {
		v := *it.PlayedAt
		c.PlayedAt = &v
	}
	return &c
}

func cloneMatchRoomState(b MatchRoomStateBox) MatchRoomStateBox {
	if tv, ok := b.Value.(TeamVersusRoomState); ok {
		teams := make([]MultiplayerTeam, len(tv.Teams))
		copy(teams, tv.Teams)
		return MatchRoomStateBox{Value: TeamVersusRoomState{Teams: teams}}
	}
	return b
}

// Clone returns a deep copy safe to hand to the codec outside the lock.
func (r *Room) Clone() *Room {
	c := &Room{
		RoomID:     r.RoomID,
		State:      r.State,
		Settings:   r.Settings,
		MatchState: cloneMatchRoomState(r.MatchState),
		ChannelID:  r.ChannelID,
	}
	c.Users = make([]*RoomUser, len(r.Users))
	for i, u := range r.Users {
		c.Users[i] = u.clone()
		if r.Host == u {
			c.Host = c.Users[i]
		}
	}
	if r.Host != nil && c.Host == nil {
		c.Host = r.Host.clone()
	}
	c.Playlist = make([]*PlaylistItem, len(r.Playlist))
	for i, it := range r.Playlist {
		c.Playlist[i] = it.clone()
	}
	if r.ActiveCountdowns != nil {
		c.ActiveCountdowns = make([]CountdownBox, len(r.ActiveCountdowns))
		copy(c.ActiveCountdowns, r.ActiveCountdowns)
	}
	return c
}
