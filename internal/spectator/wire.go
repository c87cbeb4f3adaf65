// Package spectator streams gameplay frame bundles from players to
// watchers, assembles a replay when the play ends, and persists it once
// the score-processing pipeline commits the score.
package spectator

import (
	"fmt"

	"github.com/M1PPosu/lazer-server-sub001/internal/multiplayer"
)

// PlayState is where a spectated play session currently stands.
type PlayState int32

const (
	PlayIdle PlayState = iota
	PlayPlaying
	PlayPaused
	PlayPassed
	PlayFailed
	PlayQuit
)

func (s PlayState) valid() bool {
	return s >= PlayIdle && s <= PlayQuit
}

func (s PlayState) String() string {
	switch s {
	case PlayIdle:
		return "idle"
	case PlayPlaying:
		return "playing"
	case PlayPaused:
		return "paused"
	case PlayPassed:
		return "passed"
	case PlayFailed:
		return "failed"
	case PlayQuit:
		return "quit"
	}
	return fmt.Sprintf("PlayState(%d)", int32(s))
}

// SpectatorState is the per-player session header broadcast to watchers.
type SpectatorState struct {
	_msgpack          struct{}              `msgpack:",as_array"`
	BeatmapID         *int32                `json:"beatmapId"`
	RulesetID         *int32                `json:"rulesetId"`
	Mods              []multiplayer.APIMod  `json:"mods"`
	State             PlayState             `json:"state"`
	MaximumStatistics map[string]int32      `json:"maximumStatistics"`
}

// ReplayFrame is one input frame. Time is milliseconds from the start of
// the play.
type ReplayFrame struct {
	_msgpack    struct{} `msgpack:",as_array"`
	Time        int32    `json:"time"`
	MouseX      float32  `json:"mouseX"`
	MouseY      float32  `json:"mouseY"`
	ButtonState int32    `json:"buttonState"`
}

// FrameHeader carries the running score alongside a frame bundle.
type FrameHeader struct {
	_msgpack   struct{}         `msgpack:",as_array"`
	TotalScore int64            `json:"totalScore"`
	Accuracy   float64          `json:"accuracy"`
	Combo      int32            `json:"combo"`
	MaxCombo   int32            `json:"maxCombo"`
	Statistics map[string]int32 `json:"statistics"`
}

// FrameDataBundle is one SendFrameData payload.
type FrameDataBundle struct {
	_msgpack struct{}      `msgpack:",as_array"`
	Header   FrameHeader   `json:"header"`
	Frames   []ReplayFrame `json:"frames"`
}

// WatcherInfo identifies one watcher to the player being watched.
type WatcherInfo struct {
	_msgpack struct{} `msgpack:",as_array"`
	UserID   int32    `json:"userId"`
	Username string   `json:"username"`
}

// scorable reports whether any judged hit appears in the statistics.
// Misses alone do not make a play scorable.
func scorable(stats map[string]int32) bool {
	for key, count := range stats {
		if key != "miss" && count > 0 {
			return true
		}
	}
	return false
}
