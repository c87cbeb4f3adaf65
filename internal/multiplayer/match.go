package multiplayer

import (
	"context"

	"github.com/M1PPosu/lazer-server-sub001/internal/signalr"
)

// matchHandler is the pluggable slice of room behaviour that differs per
// match type. Every method runs under the room lock.
type matchHandler interface {
	// roomState returns the mode's room-level state, or nil when the
	// mode has none.
	roomState() MatchRoomState
	// userJoined assigns mode state to a new member.
	userJoined(r *serverRoom, u *RoomUser)
	// handleRequest services a mode-specific client request.
	handleRequest(ctx context.Context, r *serverRoom, u *RoomUser, req MatchUserRequest) error
}

// headToHead is the default free-for-all mode. It carries no state.
type headToHead struct{}

func (headToHead) roomState() MatchRoomState       { return nil }
func (headToHead) userJoined(*serverRoom, *RoomUser) {}

func (headToHead) handleRequest(ctx context.Context, r *serverRoom, u *RoomUser, req MatchUserRequest) error {
	return signalr.Errorf("request not supported by this match type")
}

// teamVersus splits members across two fixed teams.
type teamVersus struct {
	state TeamVersusRoomState
}

func newTeamVersus() *teamVersus {
	return &teamVersus{state: TeamVersusRoomState{Teams: []MultiplayerTeam{
		{ID: 0, Name: "Team Red"},
		{ID: 1, Name: "Team Blue"},
	}}}
}

func (t *teamVersus) roomState() MatchRoomState { return t.state }

// userJoined drops the new member onto the smaller team.
func (t *teamVersus) userJoined(r *serverRoom, u *RoomUser) {
	counts := make(map[int32]int, len(t.state.Teams))
	for _, other := range r.room.Users {
		if other == u {
			continue
		}
		if tv, ok := other.MatchState.Value.(TeamVersusUserState); ok {
			counts[tv.TeamID]++
		}
	}
	best := t.state.Teams[0].ID
	for _, team := range t.state.Teams[1:] {
		if counts[team.ID] < counts[best] {
			best = team.ID
		}
	}
	u.MatchState = MatchUserStateBox{Value: TeamVersusUserState{TeamID: best}}
	r.broadcastLocked(notifyMatchUserStateChanged, u.UserID, u.MatchState)
}

func (t *teamVersus) handleRequest(ctx context.Context, r *serverRoom, u *RoomUser, req MatchUserRequest) error {
	change, ok := req.(ChangeTeamRequest)
	if !ok {
		return signalr.Errorf("request not supported by this match type")
	}
	found := false
	for _, team := range t.state.Teams {
		if team.ID == change.TeamID {
			found = true
			break
		}
	}
	if !found {
		return signalr.Errorf("no such team")
	}
	u.MatchState = MatchUserStateBox{Value: TeamVersusUserState{TeamID: change.TeamID}}
	r.broadcastLocked(notifyMatchUserStateChanged, u.UserID, u.MatchState)
	return nil
}

func handlerForType(t MatchType) matchHandler {
	if t == MatchTeamVersus {
		return newTeamVersus()
	}
	return headToHead{}
}
