package spectator

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/M1PPosu/lazer-server-sub001/internal/beatmaps"
	"github.com/M1PPosu/lazer-server-sub001/internal/bus"
	"github.com/M1PPosu/lazer-server-sub001/internal/logging"
	"github.com/M1PPosu/lazer-server-sub001/internal/metrics"
	"github.com/M1PPosu/lazer-server-sub001/internal/signalr"
	"github.com/M1PPosu/lazer-server-sub001/internal/store"
)

// HubName is the route segment of the spectator endpoint.
const HubName = "spectator"

// Client-side notification targets.
const (
	notifyUserBeganPlaying    = "UserBeganPlaying"
	notifyUserSentFrames      = "UserSentFrames"
	notifyUserFinishedPlaying = "UserFinishedPlaying"
	notifyUserScoreProcessed  = "UserScoreProcessed"
	notifyUserStartedWatching = "UserStartedWatching"
	notifyUserEndedWatching   = "UserEndedWatching"
)

const (
	// reconcileTimeout bounds how long a finished play waits for the
	// score pipeline before the replay is dropped.
	reconcileTimeout = 30 * time.Second
	reconcileTick    = time.Second
)

// session is the live state of one player currently streaming.
type session struct {
	client     *signalr.Client
	scoreToken int64
	state      SpectatorState
	header     FrameHeader
	frames     []ReplayFrame
	startedAt  time.Time
}

// Hub is the spectator endpoint. Watchers subscribe per player through
// the group watch:{userID}.
type Hub struct {
	sr        *signalr.Hub
	st        store.Store
	maps      beatmaps.Lookup
	bus       *bus.Service // nil in single-instance mode
	replayDir string

	mu       sync.Mutex
	sessions map[int32]*session
	watching map[string]map[int32]struct{} // connection id -> watched user ids
	kick     chan struct{}

	wg sync.WaitGroup
}

// NewHub creates the spectator hub and registers its methods on the
// signalr endpoint.
func NewHub(sr *signalr.Hub, st store.Store, maps beatmaps.Lookup, b *bus.Service, replayDir string) *Hub {
	h := &Hub{
		sr:        sr,
		st:        st,
		maps:      maps,
		bus:       b,
		replayDir: replayDir,
		sessions:  make(map[int32]*session),
		watching:  make(map[string]map[int32]struct{}),
		kick:      make(chan struct{}),
	}

	sr.On("BeginPlaySession", h.BeginPlaySession)
	sr.On("SendFrameData", h.SendFrameData)
	sr.On("EndPlaySession", h.EndPlaySession)
	sr.On("StartWatchingUser", h.StartWatchingUser)
	sr.On("EndWatchingUser", h.EndWatchingUser)
	sr.OnDisconnected(h.onDisconnected)

	return h
}

// Start subscribes to score-processing notifications so reconciliation
// polls can cut their wait short.
func (h *Hub) Start(ctx context.Context) {
	if h.bus == nil {
		return
	}
	h.bus.Subscribe(ctx, bus.ChannelScoreProcessed, &h.wg, func(payload string) {
		h.kickReconcilers()
	})
}

// kickReconcilers wakes every pending reconciliation poll.
func (h *Hub) kickReconcilers() {
	h.mu.Lock()
	close(h.kick)
	h.kick = make(chan struct{})
	h.mu.Unlock()
}

func (h *Hub) kickCh() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.kick
}

func watchGroup(userID int32) string {
	return "watch:" + strconv.FormatInt(int64(userID), 10)
}

// --- RPCs ---

// BeginPlaySession opens a streaming session bound to a score token and
// announces the player to their watchers.
func (h *Hub) BeginPlaySession(ctx context.Context, c *signalr.Client, scoreToken int64, state SpectatorState) error {
	if !state.State.valid() {
		return signalr.Errorf("invalid play state")
	}
	userID := c.UserID()

	h.mu.Lock()
	if existing, ok := h.sessions[userID]; ok && existing.client != c {
		// A replaced connection's stale session; the new one wins.
		delete(h.sessions, userID)
		metrics.ActiveSpectatorSessions.Dec()
	}
	h.sessions[userID] = &session{
		client:     c,
		scoreToken: scoreToken,
		state:      state,
		startedAt:  time.Now(),
	}
	h.mu.Unlock()
	metrics.ActiveSpectatorSessions.Inc()

	h.sr.SendGroup(watchGroup(userID), notifyUserBeganPlaying, userID, state)
	return nil
}

// SendFrameData folds a bundle into the running session and fans it out
// to the watcher group.
func (h *Hub) SendFrameData(ctx context.Context, c *signalr.Client, bundle FrameDataBundle) error {
	userID := c.UserID()

	h.mu.Lock()
	s, ok := h.sessions[userID]
	if !ok || s.client != c {
		h.mu.Unlock()
		return signalr.Errorf("no active play session")
	}
	s.header = bundle.Header
	s.frames = append(s.frames, bundle.Frames...)
	h.mu.Unlock()

	metrics.SpectatorFrameBundles.Inc()
	h.sr.SendGroup(watchGroup(userID), notifyUserSentFrames, userID, bundle)
	return nil
}

// EndPlaySession closes the session, kicks off score reconciliation for
// ranked plays, and tells the watchers.
func (h *Hub) EndPlaySession(ctx context.Context, c *signalr.Client, state SpectatorState) error {
	userID := c.UserID()

	h.mu.Lock()
	s, ok := h.sessions[userID]
	if !ok || s.client != c {
		h.mu.Unlock()
		return signalr.Errorf("no active play session")
	}
	delete(h.sessions, userID)
	h.mu.Unlock()
	metrics.ActiveSpectatorSessions.Dec()

	s.state = state
	if h.shouldProcessScore(ctx, s) {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.reconcileScore(logging.WithUser(context.Background(), userID), userID, s)
		}()
	}

	h.sr.SendGroup(watchGroup(userID), notifyUserFinishedPlaying, userID, state)
	return nil
}

// shouldProcessScore gates replay persistence: the map must be ranked
// eligible and the play must contain at least one judged hit.
func (h *Hub) shouldProcessScore(ctx context.Context, s *session) bool {
	if s.scoreToken == 0 || s.state.BeatmapID == nil || !scorable(s.header.Statistics) {
		return false
	}
	bm, err := h.maps.Lookup(ctx, *s.state.BeatmapID)
	if err != nil {
		logging.Warn(ctx, "Beatmap lookup for replay failed",
			zap.Int32("beatmap_id", *s.state.BeatmapID), zap.Error(err))
		return false
	}
	return bm.RankedEligible()
}

// reconcileScore polls the score token until the processing pipeline
// commits a score, then assembles and persists the replay. Gives up
// silently after the timeout.
func (h *Hub) reconcileScore(ctx context.Context, userID int32, s *session) {
	deadline := time.Now().Add(reconcileTimeout)
	ticker := time.NewTicker(reconcileTick)
	defer ticker.Stop()

	for {
		token, err := h.st.GetScoreToken(ctx, s.scoreToken)
		if err == nil && token.ScoreID != 0 {
			h.persistReplay(ctx, userID, s, token.ScoreID)
			return
		}

		if time.Now().After(deadline) {
			logging.Info(ctx, "Score reconciliation timed out",
				zap.Int64("score_token", s.scoreToken))
			return
		}
		select {
		case <-ticker.C:
		case <-h.kickCh():
		}
	}
}

func (h *Hub) persistReplay(ctx context.Context, userID int32, s *session, scoreID int64) {
	score, err := h.st.GetScore(ctx, scoreID)
	if err != nil {
		logging.Error(ctx, "Loading committed score failed",
			zap.Int64("score_id", scoreID), zap.Error(err))
		return
	}

	checksum := ""
	if s.state.BeatmapID != nil {
		if bm, err := h.maps.Lookup(ctx, *s.state.BeatmapID); err == nil {
			checksum = bm.Checksum
		}
	}

	blob, err := encodeReplay(score, s.client.Username(), checksum, s.state.Mods, s.header, s.frames, time.Now())
	if err != nil {
		logging.Error(ctx, "Encoding replay failed",
			zap.Int64("score_id", scoreID), zap.Error(err))
		return
	}
	path, err := writeReplayFile(h.replayDir, scoreID, blob)
	if err != nil {
		logging.Error(ctx, "Persisting replay failed",
			zap.Int64("score_id", scoreID), zap.Error(err))
		return
	}
	if err := h.st.SetHasReplay(ctx, scoreID, true); err != nil {
		logging.Error(ctx, "Flagging replay failed",
			zap.Int64("score_id", scoreID), zap.Error(err))
	}

	_ = s.client.Send(notifyUserScoreProcessed, userID, scoreID)
	logging.Info(ctx, "Replay persisted",
		zap.Int64("score_id", scoreID), zap.String("path", path))
}

// StartWatchingUser subscribes the caller to a player's frame stream.
func (h *Hub) StartWatchingUser(ctx context.Context, c *signalr.Client, targetID int32) error {
	if targetID == c.UserID() {
		return signalr.Errorf("cannot watch yourself")
	}

	h.mu.Lock()
	watched, ok := h.watching[c.ConnectionID]
	if !ok {
		watched = make(map[int32]struct{})
		h.watching[c.ConnectionID] = watched
	}
	watched[targetID] = struct{}{}
	s := h.sessions[targetID]
	h.mu.Unlock()

	h.sr.AddToGroup(watchGroup(targetID), c)

	// A target mid-play is replayed to the new watcher immediately.
	if s != nil {
		_ = c.Send(notifyUserBeganPlaying, targetID, s.state)
	}

	for _, target := range h.sr.UserClients(targetID) {
		_ = target.Send(notifyUserStartedWatching, []WatcherInfo{{UserID: c.UserID(), Username: c.Username()}})
	}
	return nil
}

// EndWatchingUser unsubscribes the caller from a player's stream.
func (h *Hub) EndWatchingUser(ctx context.Context, c *signalr.Client, targetID int32) error {
	h.mu.Lock()
	if watched, ok := h.watching[c.ConnectionID]; ok {
		delete(watched, targetID)
		if len(watched) == 0 {
			delete(h.watching, c.ConnectionID)
		}
	}
	h.mu.Unlock()

	h.sr.RemoveFromGroup(watchGroup(targetID), c)
	for _, target := range h.sr.UserClients(targetID) {
		_ = target.Send(notifyUserEndedWatching, c.UserID())
	}
	return nil
}

// onDisconnected ends any live session and watch subscriptions tied to
// the dropped connection.
func (h *Hub) onDisconnected(ctx context.Context, c *signalr.Client) {
	userID := c.UserID()

	h.mu.Lock()
	var ended *session
	if s, ok := h.sessions[userID]; ok && s.client == c {
		delete(h.sessions, userID)
		ended = s
	}
	watched := h.watching[c.ConnectionID]
	delete(h.watching, c.ConnectionID)
	h.mu.Unlock()

	if ended != nil {
		metrics.ActiveSpectatorSessions.Dec()
		ended.state.State = PlayQuit
		h.sr.SendGroup(watchGroup(userID), notifyUserFinishedPlaying, userID, ended.state)
	}
	for targetID := range watched {
		for _, target := range h.sr.UserClients(targetID) {
			_ = target.Send(notifyUserEndedWatching, userID)
		}
	}
}

// --- multiplayer.SpectatorCoupler ---

// StreamingUsers filters ids down to those with a live play session.
func (h *Hub) StreamingUsers(ids []int32) []int32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []int32
	for _, id := range ids {
		if _, ok := h.sessions[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// PushBeganPlaying replays a player's session start to one user's
// spectator connections.
func (h *Hub) PushBeganPlaying(ctx context.Context, targetUserID, playerID int32) {
	h.mu.Lock()
	s := h.sessions[playerID]
	h.mu.Unlock()
	if s == nil {
		return
	}
	for _, c := range h.sr.UserClients(targetUserID) {
		_ = c.Send(notifyUserBeganPlaying, playerID, s.state)
	}
}

// PushFinishedPlaying synthesizes a session end towards the player's
// watchers. No-op for users who are not streaming.
func (h *Hub) PushFinishedPlaying(ctx context.Context, playerID int32) {
	h.mu.Lock()
	s := h.sessions[playerID]
	h.mu.Unlock()
	if s == nil {
		return
	}
	h.sr.SendGroup(watchGroup(playerID), notifyUserFinishedPlaying, playerID, s.state)
}

// Shutdown waits for in-flight replay reconciliations to finish.
func (h *Hub) Shutdown(ctx context.Context) error {
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
