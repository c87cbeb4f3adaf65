package spectator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/M1PPosu/lazer-server-sub001/internal/beatmaps"
	"github.com/M1PPosu/lazer-server-sub001/internal/signalr"
	"github.com/M1PPosu/lazer-server-sub001/internal/store"
	"github.com/M1PPosu/lazer-server-sub001/internal/store/memstore"
)

// --- Fakes ---

type staticAuth struct {
	identities map[string]signalr.Identity
}

func (a *staticAuth) Authenticate(_ context.Context, token string) (*signalr.Identity, error) {
	id, ok := a.identities[token]
	if !ok {
		return nil, fmt.Errorf("unknown token")
	}
	return &id, nil
}

type fakeLookup map[int32]*beatmaps.Beatmap

func (f fakeLookup) Lookup(_ context.Context, id int32) (*beatmaps.Beatmap, error) {
	if bm, ok := f[id]; ok {
		return bm, nil
	}
	return nil, beatmaps.ErrNotFound
}

func testCatalogue() fakeLookup {
	return fakeLookup{
		// Ranked map.
		101: {ID: 101, BeatmapSetID: 11, Checksum: "sum-101", StarRating: 5.25, RankedStatus: 1},
		// Graveyarded map; replays for it are not kept.
		301: {ID: 301, BeatmapSetID: 31, Checksum: "sum-301", StarRating: 2.0, RankedStatus: -2},
	}
}

// --- Harness ---

type testEnv struct {
	t   *testing.T
	srv *httptest.Server
	hub *Hub
	st  *memstore.Store
	dir string
	ids map[string]int32
}

func newTestEnv(t *testing.T, names ...string) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := memstore.New()
	identities := make(map[string]signalr.Identity, len(names))
	ids := make(map[string]int32, len(names))
	for _, name := range names {
		u := &store.User{Username: name, Email: name + "@example.com"}
		require.NoError(t, st.CreateUser(context.Background(), u))
		identities["token-"+name] = signalr.Identity{UserID: u.ID, Username: name}
		ids[name] = u.ID
	}

	endpoint := signalr.NewHub(HubName, &staticAuth{identities: identities})
	dir := t.TempDir()
	hub := NewHub(endpoint, st, testCatalogue(), nil, dir)

	r := gin.New()
	endpoint.Register(r.Group("/"))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hub.Shutdown(ctx)
		_ = endpoint.Shutdown(ctx)
	})

	return &testEnv{t: t, srv: srv, hub: hub, st: st, dir: dir, ids: ids}
}

func (e *testEnv) userID(name string) int32 { return e.ids[name] }

type wsFrame struct {
	Type         int               `json:"type"`
	InvocationID string            `json:"invocationId,omitempty"`
	Target       string            `json:"target,omitempty"`
	Arguments    []json.RawMessage `json:"arguments,omitempty"`
	Error        string            `json:"error,omitempty"`
	Result       json.RawMessage   `json:"result,omitempty"`
}

type wsClient struct {
	t       *testing.T
	conn    *websocket.Conn
	seq     int
	inbox   []wsFrame
	pending []wsFrame
}

func (e *testEnv) connect(name string) *wsClient {
	e.t.Helper()
	bearer := "token-" + name

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/"+HubName+"/negotiate?negotiateVersion=1", nil)
	require.NoError(e.t, err)
	req.Header.Set("Authorization", "Bearer "+bearer)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	require.Equal(e.t, http.StatusOK, resp.StatusCode)

	var negotiated struct {
		ConnectionToken string `json:"connectionToken"`
	}
	require.NoError(e.t, json.NewDecoder(resp.Body).Decode(&negotiated))

	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/" + HubName + "?id=" + negotiated.ConnectionToken
	header := http.Header{"Authorization": []string{"Bearer " + bearer}}
	conn, dialResp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(e.t, err)
	if dialResp != nil {
		dialResp.Body.Close()
	}
	e.t.Cleanup(func() { _ = conn.Close() })

	require.NoError(e.t, conn.WriteMessage(websocket.TextMessage, []byte(`{"protocol":"json","version":1}`+"\x1e")))
	require.NoError(e.t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(e.t, err)
	require.Equal(e.t, "{}\x1e", string(data))

	return &wsClient{t: e.t, conn: conn}
}

func (s *wsClient) pull() wsFrame {
	s.t.Helper()
	for {
		if len(s.inbox) > 0 {
			fr := s.inbox[0]
			s.inbox = s.inbox[1:]
			if fr.Type == 6 {
				continue
			}
			return fr
		}
		require.NoError(s.t, s.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := s.conn.ReadMessage()
		require.NoError(s.t, err)
		for _, raw := range strings.Split(string(data), "\x1e") {
			if raw == "" {
				continue
			}
			var fr wsFrame
			require.NoError(s.t, json.Unmarshal([]byte(raw), &fr))
			s.inbox = append(s.inbox, fr)
		}
	}
}

func (s *wsClient) invoke(target string, args ...any) wsFrame {
	s.t.Helper()
	s.seq++
	id := strconv.Itoa(s.seq)

	encoded := make([]json.RawMessage, len(args))
	for i, a := range args {
		data, err := json.Marshal(a)
		require.NoError(s.t, err)
		encoded[i] = data
	}
	frame, err := json.Marshal(wsFrame{Type: 1, InvocationID: id, Target: target, Arguments: encoded})
	require.NoError(s.t, err)
	require.NoError(s.t, s.conn.WriteMessage(websocket.TextMessage, append(frame, 0x1e)))

	for {
		fr := s.pull()
		if fr.Type == 3 && fr.InvocationID == id {
			return fr
		}
		s.pending = append(s.pending, fr)
	}
}

func (s *wsClient) invokeOK(target string, args ...any) wsFrame {
	s.t.Helper()
	fr := s.invoke(target, args...)
	require.Empty(s.t, fr.Error, "invocation %s failed", target)
	return fr
}

func (s *wsClient) event(target string) wsFrame {
	s.t.Helper()
	for i, fr := range s.pending {
		if fr.Type == 1 && fr.Target == target {
			s.pending = append(s.pending[:i:i], s.pending[i+1:]...)
			return fr
		}
	}
	for {
		fr := s.pull()
		if fr.Type == 1 && fr.Target == target {
			return fr
		}
		s.pending = append(s.pending, fr)
	}
}

func decodeArg[T any](t *testing.T, fr wsFrame, i int) T {
	t.Helper()
	require.Greater(t, len(fr.Arguments), i)
	var out T
	require.NoError(t, json.Unmarshal(fr.Arguments[i], &out))
	return out
}

func playingState(beatmapID int32) SpectatorState {
	id := beatmapID
	ruleset := int32(0)
	return SpectatorState{
		BeatmapID: &id,
		RulesetID: &ruleset,
		State:     PlayPlaying,
	}
}

// --- Tests ---

func TestWatchFlow(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	alice := env.connect("alice")
	bob := env.connect("bob")

	// Frames need a session.
	fr := alice.invoke("SendFrameData", FrameDataBundle{})
	assert.Contains(t, fr.Error, "no active play session")

	alice.invokeOK("BeginPlaySession", int64(0), playingState(101))

	// A watcher joining mid-play is caught up immediately.
	bob.invokeOK("StartWatchingUser", env.userID("alice"))
	began := bob.event(notifyUserBeganPlaying)
	assert.Equal(t, env.userID("alice"), decodeArg[int32](t, began, 0))
	state := decodeArg[SpectatorState](t, began, 1)
	assert.Equal(t, PlayPlaying, state.State)

	watchers := decodeArg[[]WatcherInfo](t, alice.event(notifyUserStartedWatching), 0)
	require.Len(t, watchers, 1)
	assert.Equal(t, "bob", watchers[0].Username)

	bundle := FrameDataBundle{
		Header: FrameHeader{TotalScore: 1000, Combo: 3, Statistics: map[string]int32{"great": 3}},
		Frames: []ReplayFrame{{Time: 100, MouseX: 1, MouseY: 2, ButtonState: 1}},
	}
	alice.invokeOK("SendFrameData", bundle)
	relayed := bob.event(notifyUserSentFrames)
	assert.Equal(t, env.userID("alice"), decodeArg[int32](t, relayed, 0))
	got := decodeArg[FrameDataBundle](t, relayed, 1)
	assert.Equal(t, int64(1000), got.Header.TotalScore)
	require.Len(t, got.Frames, 1)
	assert.Equal(t, int32(100), got.Frames[0].Time)

	ended := playingState(101)
	ended.State = PlayPassed
	alice.invokeOK("EndPlaySession", ended)
	finished := bob.event(notifyUserFinishedPlaying)
	assert.Equal(t, PlayPassed, decodeArg[SpectatorState](t, finished, 1).State)

	// The session is gone now.
	fr = alice.invoke("EndPlaySession", ended)
	assert.Contains(t, fr.Error, "no active play session")
}

func TestStartWatching_Self(t *testing.T) {
	env := newTestEnv(t, "alice")
	alice := env.connect("alice")

	fr := alice.invoke("StartWatchingUser", env.userID("alice"))
	assert.Contains(t, fr.Error, "cannot watch yourself")
}

func TestEndWatchingUser(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	alice := env.connect("alice")
	bob := env.connect("bob")

	bob.invokeOK("StartWatchingUser", env.userID("alice"))
	alice.event(notifyUserStartedWatching)

	bob.invokeOK("EndWatchingUser", env.userID("alice"))
	endedBy := decodeArg[int32](t, alice.event(notifyUserEndedWatching), 0)
	assert.Equal(t, env.userID("bob"), endedBy)
}

func TestDisconnect_EndsSessionAndWatches(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	alice := env.connect("alice")
	bob := env.connect("bob")

	alice.invokeOK("BeginPlaySession", int64(0), playingState(101))
	bob.invokeOK("StartWatchingUser", env.userID("alice"))
	bob.event(notifyUserBeganPlaying)

	require.NoError(t, alice.conn.Close())

	// Watchers see a synthetic quit.
	finished := bob.event(notifyUserFinishedPlaying)
	assert.Equal(t, env.userID("alice"), decodeArg[int32](t, finished, 0))
	assert.Equal(t, PlayQuit, decodeArg[SpectatorState](t, finished, 1).State)
}

func TestEndPlaySession_PersistsRankedReplay(t *testing.T) {
	env := newTestEnv(t, "alice")
	alice := env.connect("alice")
	ctx := context.Background()

	token := &store.ScoreToken{UserID: env.userID("alice"), BeatmapID: 101}
	require.NoError(t, env.st.CreateScoreToken(ctx, token))
	score := &store.Score{
		UserID:     env.userID("alice"),
		BeatmapID:  101,
		TotalScore: 123456,
		Accuracy:   0.97,
		MaxCombo:   3,
		Rank:       "S",
		Passed:     true,
	}
	require.NoError(t, env.st.CreateScore(ctx, score))
	require.NoError(t, env.st.BindScore(ctx, token.ID, score.ID))

	alice.invokeOK("BeginPlaySession", token.ID, playingState(101))
	alice.invokeOK("SendFrameData", FrameDataBundle{
		Header: FrameHeader{TotalScore: 123456, Statistics: map[string]int32{"great": 3}},
		Frames: []ReplayFrame{{Time: 10}, {Time: 30}},
	})

	ended := playingState(101)
	ended.State = PlayPassed
	alice.invokeOK("EndPlaySession", ended)

	processed := alice.event(notifyUserScoreProcessed)
	assert.Equal(t, score.ID, decodeArg[int64](t, processed, 1))

	path := filepath.Join(env.dir, fmt.Sprintf("%d.osr", score.ID))
	blob, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEmpty(t, blob)

	stored, err := env.st.GetScore(ctx, score.ID)
	require.NoError(t, err)
	assert.True(t, stored.HasReplay)
}

func TestEndPlaySession_SkipsUnrankedAndUnjudged(t *testing.T) {
	env := newTestEnv(t, "alice")
	alice := env.connect("alice")
	ctx := context.Background()

	token := &store.ScoreToken{UserID: env.userID("alice"), BeatmapID: 301}
	require.NoError(t, env.st.CreateScoreToken(ctx, token))

	// Graveyarded map: session ends cleanly, nothing is written.
	alice.invokeOK("BeginPlaySession", token.ID, playingState(301))
	alice.invokeOK("SendFrameData", FrameDataBundle{
		Header: FrameHeader{Statistics: map[string]int32{"great": 1}},
	})
	ended := playingState(301)
	ended.State = PlayPassed
	alice.invokeOK("EndPlaySession", ended)

	// A play with nothing but misses is not scorable either.
	alice.invokeOK("BeginPlaySession", token.ID, playingState(101))
	alice.invokeOK("SendFrameData", FrameDataBundle{
		Header: FrameHeader{Statistics: map[string]int32{"miss": 5}},
	})
	ended = playingState(101)
	ended.State = PlayFailed
	alice.invokeOK("EndPlaySession", ended)

	// The keep-or-drop decision happens synchronously on session end, so
	// nothing may have reached the replay directory.
	entries, err := os.ReadDir(env.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBeginPlaySession_InvalidState(t *testing.T) {
	env := newTestEnv(t, "alice")
	alice := env.connect("alice")

	bad := playingState(101)
	bad.State = PlayState(99)
	fr := alice.invoke("BeginPlaySession", int64(0), bad)
	assert.Contains(t, fr.Error, "invalid play state")
}

func TestSpectatorCoupler(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	alice := env.connect("alice")
	bob := env.connect("bob")

	alice.invokeOK("BeginPlaySession", int64(0), playingState(101))

	streaming := env.hub.StreamingUsers([]int32{env.userID("alice"), env.userID("bob"), 999})
	assert.Equal(t, []int32{env.userID("alice")}, streaming)

	// Synthetic catch-up lands on the target's connections.
	env.hub.PushBeganPlaying(context.Background(), env.userID("bob"), env.userID("alice"))
	began := bob.event(notifyUserBeganPlaying)
	assert.Equal(t, env.userID("alice"), decodeArg[int32](t, began, 0))

	// Unknown players are a no-op.
	env.hub.PushBeganPlaying(context.Background(), env.userID("bob"), 999)
	env.hub.PushFinishedPlaying(context.Background(), 999)
}
