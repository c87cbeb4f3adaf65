// Package metadata propagates per-user presence, online status, and
// activity to a global watcher group and to each friend's dedicated
// group. The chat and notification feed rides the same connection, so
// this hub is also the chat service's live-delivery sink.
package metadata

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/M1PPosu/lazer-server-sub001/internal/signalr"
)

// OnlineStatus is the user's coarse visibility.
type OnlineStatus int32

const (
	StatusOffline OnlineStatus = iota
	StatusDoNotDisturb
	StatusOnline
)

func (s OnlineStatus) valid() bool {
	return s >= StatusOffline && s <= StatusOnline
}

func (s OnlineStatus) String() string {
	switch s {
	case StatusOffline:
		return "offline"
	case StatusDoNotDisturb:
		return "do-not-disturb"
	case StatusOnline:
		return "online"
	}
	return fmt.Sprintf("OnlineStatus(%d)", int32(s))
}

// Activity is what the user is currently doing. Variants are carried as
// a tagged union with explicit ordinals.
type Activity interface{ isActivity() }

// ChoosingBeatmap is the song-select screen.
type ChoosingBeatmap struct {
	_msgpack struct{} `msgpack:",as_array"`
}

// InSoloGame is active solo gameplay.
type InSoloGame struct {
	_msgpack     struct{} `msgpack:",as_array"`
	BeatmapID    int32    `json:"beatmapId"`
	BeatmapTitle string   `json:"beatmapDisplayTitle"`
	RulesetID    int32    `json:"rulesetId"`
}

// InMultiplayerGame is active gameplay inside a multiplayer room.
type InMultiplayerGame struct {
	_msgpack     struct{} `msgpack:",as_array"`
	BeatmapID    int32    `json:"beatmapId"`
	BeatmapTitle string   `json:"beatmapDisplayTitle"`
	RulesetID    int32    `json:"rulesetId"`
	RoomID       int64    `json:"roomId"`
}

// SpectatingMultiplayerGame is watching a multiplayer match from inside
// the room.
type SpectatingMultiplayerGame struct {
	_msgpack struct{} `msgpack:",as_array"`
	RoomID   int64    `json:"roomId"`
}

// InPlaylistGame is active gameplay on a playlists room item.
type InPlaylistGame struct {
	_msgpack     struct{} `msgpack:",as_array"`
	BeatmapID    int32    `json:"beatmapId"`
	BeatmapTitle string   `json:"beatmapDisplayTitle"`
	RulesetID    int32    `json:"rulesetId"`
	RoomID       int64    `json:"roomId"`
}

// EditingBeatmap is the beatmap editor.
type EditingBeatmap struct {
	_msgpack     struct{} `msgpack:",as_array"`
	BeatmapID    int32    `json:"beatmapId"`
	BeatmapTitle string   `json:"beatmapDisplayTitle"`
}

// TestingBeatmap is a test play launched from the editor.
type TestingBeatmap struct {
	_msgpack     struct{} `msgpack:",as_array"`
	BeatmapID    int32    `json:"beatmapId"`
	BeatmapTitle string   `json:"beatmapDisplayTitle"`
}

// ModdingBeatmap is reviewing a map for modding.
type ModdingBeatmap struct {
	_msgpack     struct{} `msgpack:",as_array"`
	BeatmapID    int32    `json:"beatmapId"`
	BeatmapTitle string   `json:"beatmapDisplayTitle"`
}

// SpectatingUser is watching another player's stream.
type SpectatingUser struct {
	_msgpack struct{} `msgpack:",as_array"`
	TargetID int32    `json:"targetId"`
}

// WatchingReplay is replaying a recorded score.
type WatchingReplay struct {
	_msgpack struct{} `msgpack:",as_array"`
	ScoreID  int64    `json:"scoreId"`
}

// SearchingForLobby is browsing the multiplayer room listing.
type SearchingForLobby struct {
	_msgpack struct{} `msgpack:",as_array"`
}

// InLobby is sitting in a multiplayer room between matches.
type InLobby struct {
	_msgpack struct{} `msgpack:",as_array"`
	RoomID   int64    `json:"roomId"`
}

// InDailyChallengeLobby is the daily challenge room listing.
type InDailyChallengeLobby struct {
	_msgpack struct{} `msgpack:",as_array"`
}

// PlayingDailyChallenge is active gameplay on the daily challenge item.
type PlayingDailyChallenge struct {
	_msgpack     struct{} `msgpack:",as_array"`
	BeatmapID    int32    `json:"beatmapId"`
	BeatmapTitle string   `json:"beatmapDisplayTitle"`
	RoomID       int64    `json:"roomId"`
}

func (ChoosingBeatmap) isActivity()           {}
func (InSoloGame) isActivity()                {}
func (InMultiplayerGame) isActivity()         {}
func (SpectatingMultiplayerGame) isActivity() {}
func (InPlaylistGame) isActivity()            {}
func (EditingBeatmap) isActivity()            {}
func (TestingBeatmap) isActivity()            {}
func (ModdingBeatmap) isActivity()            {}
func (SpectatingUser) isActivity()            {}
func (WatchingReplay) isActivity()            {}
func (SearchingForLobby) isActivity()         {}
func (InLobby) isActivity()                   {}
func (InDailyChallengeLobby) isActivity()     {}
func (PlayingDailyChallenge) isActivity()     {}

var activities = signalr.NewUnionRegistry("UserActivity").
	Register(0, "ChoosingBeatmap", ChoosingBeatmap{}).
	Register(1, "InSoloGame", InSoloGame{}).
	Register(2, "InMultiplayerGame", InMultiplayerGame{}).
	Register(3, "SpectatingMultiplayerGame", SpectatingMultiplayerGame{}).
	Register(4, "InPlaylistGame", InPlaylistGame{}).
	Register(5, "EditingBeatmap", EditingBeatmap{}).
	Register(6, "TestingBeatmap", TestingBeatmap{}).
	Register(7, "ModdingBeatmap", ModdingBeatmap{}).
	Register(8, "SpectatingUser", SpectatingUser{}).
	Register(9, "WatchingReplay", WatchingReplay{}).
	Register(10, "SearchingForLobby", SearchingForLobby{}).
	Register(11, "InLobby", InLobby{}).
	Register(12, "InDailyChallengeLobby", InDailyChallengeLobby{}).
	Register(13, "PlayingDailyChallenge", PlayingDailyChallenge{})

// ActivityBox carries an Activity variant (or nil) across the wire.
type ActivityBox struct{ Value Activity }

func (b ActivityBox) EncodeMsgpack(enc *msgpack.Encoder) error {
	if b.Value == nil {
		return enc.EncodeNil()
	}
	return activities.EncodeMsgpack(enc, b.Value)
}

func (b *ActivityBox) DecodeMsgpack(dec *msgpack.Decoder) error {
	v, err := activities.DecodeMsgpack(dec)
	if err != nil {
		return err
	}
	b.Value, _ = v.(Activity)
	return nil
}

func (b ActivityBox) MarshalJSON() ([]byte, error) {
	if b.Value == nil {
		return []byte("null"), nil
	}
	return activities.MarshalJSON(b.Value)
}

func (b *ActivityBox) UnmarshalJSON(data []byte) error {
	v, err := activities.UnmarshalJSON(data)
	if err != nil {
		return err
	}
	b.Value, _ = v.(Activity)
	return nil
}

// UserPresence is the broadcastable slice of a user's state.
type UserPresence struct {
	_msgpack struct{}      `msgpack:",as_array"`
	Status   *OnlineStatus `json:"status"`
	Activity ActivityBox   `json:"activity"`
}

// Pushable reports whether the presence should be visible to peers.
// Absent or offline status broadcasts nil instead.
func (p UserPresence) Pushable() bool {
	return p.Status != nil && *p.Status != StatusOffline
}
