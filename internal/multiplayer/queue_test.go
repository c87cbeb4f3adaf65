package multiplayer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/M1PPosu/lazer-server-sub001/internal/signalr"
	"github.com/M1PPosu/lazer-server-sub001/internal/store"
	"github.com/M1PPosu/lazer-server-sub001/internal/store/memstore"
)

// newBareRoom builds a serverRoom with a backing store row but no live
// connections, for exercising the locked helpers directly.
func newBareRoom(t *testing.T, mode QueueMode) *serverRoom {
	t.Helper()
	endpoint := signalr.NewHub(HubName, &staticAuth{})
	h := NewHub(endpoint, memstore.New(), testCatalogue(), nil, &fakeChat{})

	row := &store.Room{Name: "unit", Status: store.RoomStatusIdle}
	require.NoError(t, h.st.CreateRoom(context.Background(), row))

	live := &Room{RoomID: row.ID, Settings: RoomSettings{Name: "unit", QueueMode: mode}}
	return newServerRoom(h, live)
}

func seedItem(t *testing.T, r *serverRoom, owner, beatmapID, order int32) *PlaylistItem {
	t.Helper()
	it := &PlaylistItem{
		OwnerID:         owner,
		BeatmapID:       beatmapID,
		BeatmapChecksum: "sum",
		PlaylistOrder:   order,
	}
	row, err := itemToStore(r.room.RoomID, it)
	require.NoError(t, err)
	require.NoError(t, r.hub.st.CreatePlaylistItem(context.Background(), row))
	it.ID = row.ID
	r.room.Playlist = append(r.room.Playlist, it)
	return it
}

func TestRoundRobin_InterleavesOwners(t *testing.T) {
	r := newBareRoom(t, QueueRoundRobin)
	a1 := seedItem(t, r, 1, 101, 0)
	a2 := seedItem(t, r, 1, 101, 1)
	a3 := seedItem(t, r, 1, 101, 2)
	b1 := seedItem(t, r, 2, 102, 3)
	b2 := seedItem(t, r, 2, 102, 4)

	r.mu.Lock()
	require.NoError(t, r.queue.reorder(context.Background(), r))
	got := make([]int64, len(r.room.Playlist))
	for i, it := range r.room.Playlist {
		got[i] = it.ID
	}
	r.mu.Unlock()

	// One item per owner per round: a b a b a.
	assert.Equal(t, []int64{a1.ID, b1.ID, a2.ID, b2.ID, a3.ID}, got)
}

func TestRoundRobin_SkipsExpired(t *testing.T) {
	r := newBareRoom(t, QueueRoundRobin)
	done := seedItem(t, r, 1, 101, 0)
	done.Expired = true
	kept := seedItem(t, r, 2, 102, 5)

	r.mu.Lock()
	require.NoError(t, r.queue.reorder(context.Background(), r))
	cur := r.currentItemLocked()
	r.mu.Unlock()

	assert.Equal(t, kept.ID, cur.ID)
	assert.Equal(t, int32(0), kept.PlaylistOrder)
}

func TestHostOnlyReplenish_ClonesFinishedItem(t *testing.T) {
	r := newBareRoom(t, QueueHostOnly)
	first := seedItem(t, r, 1, 101, 0)
	r.room.Settings.PlaylistItemID = first.ID

	r.mu.Lock()
	require.NoError(t, r.finishCurrentItemLocked(context.Background()))
	require.Len(t, r.room.Playlist, 2)
	cur := r.currentItemLocked()
	currentID := r.room.Settings.PlaylistItemID
	r.mu.Unlock()

	assert.True(t, first.Expired)
	assert.NotNil(t, first.PlayedAt)
	require.NotNil(t, cur)
	assert.NotEqual(t, first.ID, cur.ID)
	assert.False(t, cur.Expired)
	assert.Equal(t, first.BeatmapID, cur.BeatmapID)
	assert.Equal(t, cur.ID, currentID)
}

func TestProjectMods(t *testing.T) {
	item := &PlaylistItem{AllowedMods: []APIMod{{Acronym: "HD"}, {Acronym: "HR"}}}

	got := projectMods([]APIMod{{Acronym: "HD"}, {Acronym: "DT"}}, item)
	require.Len(t, got, 1)
	assert.Equal(t, "HD", got[0].Acronym)

	// Freestyle items accept anything.
	free := &PlaylistItem{Freestyle: true}
	got = projectMods([]APIMod{{Acronym: "DT", Settings: map[string]any{"speed_change": 1.5}}}, free)
	require.Len(t, got, 1)
	assert.Equal(t, "DT", got[0].Acronym)
	assert.Equal(t, 1.5, got[0].Settings["speed_change"])
}

func TestChangeState_Transitions(t *testing.T) {
	cases := []struct {
		name string
		from UserState
		to   UserState
		ok   bool
	}{
		{"idle to ready", UserIdle, UserReady, true},
		{"ready to idle", UserReady, UserIdle, true},
		{"results to idle", UserResults, UserIdle, true},
		{"waiting to loaded", UserWaitingForLoad, UserLoaded, true},
		{"loaded to ready-for-gameplay", UserLoaded, UserReadyForGameplay, true},
		{"playing to finished", UserPlaying, UserFinishedPlay, true},
		{"idle to spectating", UserIdle, UserSpectating, true},
		{"idle to loaded", UserIdle, UserLoaded, false},
		{"idle to playing", UserIdle, UserPlaying, false},
		{"ready to finished", UserReady, UserFinishedPlay, false},
		{"playing to ready", UserPlaying, UserReady, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newBareRoom(t, QueueHostOnly)
			seedItem(t, r, 1, 101, 0)
			u := &RoomUser{UserID: 1, State: tc.from}
			r.room.Users = append(r.room.Users, u)

			r.mu.Lock()
			err := r.changeStateLocked(context.Background(), u, tc.to)
			r.mu.Unlock()

			if tc.ok {
				require.NoError(t, err)
				assert.Equal(t, tc.to, u.State)
			} else {
				require.Error(t, err)
				assert.Equal(t, tc.from, u.State)
			}
		})
	}

	t.Run("invalid ordinal", func(t *testing.T) {
		r := newBareRoom(t, QueueHostOnly)
		u := &RoomUser{UserID: 1}
		r.room.Users = append(r.room.Users, u)
		r.mu.Lock()
		err := r.changeStateLocked(context.Background(), u, UserState(42))
		r.mu.Unlock()
		require.ErrorContains(t, err, "invalid user state")
	})
}

func TestUserState_IsPlaying(t *testing.T) {
	playing := []UserState{UserWaitingForLoad, UserLoaded, UserReadyForGameplay, UserPlaying}
	for _, s := range playing {
		assert.True(t, s.IsPlaying(), s.String())
	}
	idle := []UserState{UserIdle, UserReady, UserFinishedPlay, UserResults, UserSpectating}
	for _, s := range idle {
		assert.False(t, s.IsPlaying(), s.String())
	}
}
