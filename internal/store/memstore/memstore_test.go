package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/M1PPosu/lazer-server-sub001/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New()
}

func seedUser(t *testing.T, s *Store, name string) *store.User {
	t.Helper()
	u := &store.User{Username: name, Email: name + "@example.com", PasswordHash: "x"}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func TestUserLookupOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice")

	byName, err := s.GetUserByUsername(ctx, "ALICE")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, byName.ID, "username lookup should be case-insensitive")

	byEmail, err := s.GetUserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, byEmail.ID)

	_, err = s.GetUser(ctx, 999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateUser_DuplicateConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedUser(t, s, "alice")
	err := s.CreateUser(ctx, &store.User{Username: "Alice", Email: "other@example.com"})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestTokenUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := seedUser(t, s, "alice")
	tok := &store.AccessToken{UserID: u.ID, ClientID: "5", Access: "aaa", Refresh: "rrr"}
	require.NoError(t, s.CreateToken(ctx, tok))
	require.NotZero(t, tok.ID)

	dup := &store.AccessToken{UserID: u.ID, ClientID: "5", Access: "aaa", Refresh: "zzz"}
	assert.ErrorIs(t, s.CreateToken(ctx, dup), store.ErrConflict)

	dup2 := &store.AccessToken{UserID: u.ID, ClientID: "5", Access: "bbb", Refresh: "rrr"}
	assert.ErrorIs(t, s.CreateToken(ctx, dup2), store.ErrConflict)
}

func TestDeleteUserClientTokens(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := seedUser(t, s, "alice")
	t1 := &store.AccessToken{UserID: u.ID, ClientID: "5", Access: "a1", Refresh: "r1"}
	t2 := &store.AccessToken{UserID: u.ID, ClientID: "5", Access: "a2", Refresh: "r2"}
	t3 := &store.AccessToken{UserID: u.ID, ClientID: "6", Access: "a3", Refresh: "r3"}
	require.NoError(t, s.CreateToken(ctx, t1))
	require.NoError(t, s.CreateToken(ctx, t2))
	require.NoError(t, s.CreateToken(ctx, t3))

	removed, err := s.DeleteUserClientTokens(ctx, u.ID, "5")
	require.NoError(t, err)
	assert.Len(t, removed, 2)

	_, err = s.GetTokenByAccess(ctx, "a1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetTokenByAccess(ctx, "a3")
	assert.NoError(t, err, "tokens of another client must survive")
}

func TestSessionVerification(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := seedUser(t, s, "alice")
	sess := &store.LoginSession{UserID: u.ID, TokenID: 1, ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, s.CreateSession(ctx, sess))

	now := time.Now()
	require.NoError(t, s.MarkVerified(ctx, sess.ID, now))

	got, err := s.GetSessionByToken(ctx, 1)
	require.NoError(t, err)
	assert.True(t, got.IsVerified)
	assert.WithinDuration(t, now, got.VerifiedAt, time.Second)
}

func TestTrustedDeviceMatching(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	u := seedUser(t, s, "alice")
	d := &store.TrustedDevice{
		UserID:     u.ID,
		ClientType: store.ClientTypeGame,
		IP:         "10.0.0.1",
		LastUsedAt: now,
		ExpiresAt:  now.Add(30 * 24 * time.Hour),
	}
	require.NoError(t, s.UpsertTrustedDevice(ctx, d))

	found, err := s.FindTrustedDevice(ctx, u.ID, store.ClientTypeGame, "10.0.0.1", "", now)
	require.NoError(t, err)
	assert.Equal(t, d.ID, found.ID)

	// Different IP does not match.
	_, err = s.FindTrustedDevice(ctx, u.ID, store.ClientTypeGame, "10.0.0.2", "", now)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Expired rows do not match.
	_, err = s.FindTrustedDevice(ctx, u.ID, store.ClientTypeGame, "10.0.0.1", "", now.Add(31*24*time.Hour))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTrustedDeviceUpsertRefreshes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	u := seedUser(t, s, "alice")
	d := &store.TrustedDevice{UserID: u.ID, ClientType: store.ClientTypeGame, IP: "10.0.0.1", ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, s.UpsertTrustedDevice(ctx, d))
	firstID := d.ID

	later := &store.TrustedDevice{UserID: u.ID, ClientType: store.ClientTypeGame, IP: "10.0.0.1", ExpiresAt: now.Add(2 * time.Hour)}
	require.NoError(t, s.UpsertTrustedDevice(ctx, later))
	assert.Equal(t, firstID, later.ID, "second upsert should refresh the existing row")

	found, err := s.FindTrustedDevice(ctx, u.ID, store.ClientTypeGame, "10.0.0.1", "", now.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, firstID, found.ID)
}

func TestBackupCodeConsumption(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := seedUser(t, s, "alice")
	require.NoError(t, s.SetTOTPKey(ctx, u.ID, "SECRET", []string{"code-one-x", "code-two-y"}))

	ok, err := s.ConsumeBackupCode(ctx, u.ID, "code-one-x")
	require.NoError(t, err)
	assert.True(t, ok)

	// Single use.
	ok, err = s.ConsumeBackupCode(ctx, u.ID, "code-one-x")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"code-two-y"}, got.BackupCodes)
}

func TestRelationships(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice")
	bob := seedUser(t, s, "bob")
	carol := seedUser(t, s, "carol")

	require.NoError(t, s.SetRelation(ctx, &store.Relationship{UserID: alice.ID, TargetID: bob.ID, Kind: store.RelationFriend}))
	require.NoError(t, s.SetRelation(ctx, &store.Relationship{UserID: carol.ID, TargetID: alice.ID, Kind: store.RelationBlock}))

	friends, err := s.GetFriends(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, []int32{bob.ID}, friends)

	blocked, err := s.IsBlocked(ctx, alice.ID, carol.ID)
	require.NoError(t, err)
	assert.True(t, blocked, "block applies in both directions")

	areFriends, err := s.AreFriends(ctx, bob.ID, alice.ID)
	require.NoError(t, err)
	assert.False(t, areFriends, "friendship is directed")
}

func TestChannelMembership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := &store.ChatChannel{Name: "#osu", Type: store.ChannelTypePublic}
	require.NoError(t, s.CreateChannel(ctx, c))

	dup := &store.ChatChannel{Name: "#osu", Type: store.ChannelTypePublic}
	assert.ErrorIs(t, s.CreateChannel(ctx, dup), store.ErrConflict)

	require.NoError(t, s.JoinChannel(ctx, c.ID, 1))
	require.NoError(t, s.JoinChannel(ctx, c.ID, 2))
	require.NoError(t, s.LeaveChannel(ctx, c.ID, 1))

	got, err := s.GetChannelMembers(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []int32{2}, got)

	chans, err := s.GetUserChannels(ctx, 2)
	require.NoError(t, err)
	require.Len(t, chans, 1)
	assert.Equal(t, c.ID, chans[0].ID)
}

func TestGetMessagesWindows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msgs := []store.ChatMessage{
		{ID: 10, ChannelID: 42, SenderID: 1, Content: "one"},
		{ID: 11, ChannelID: 42, SenderID: 2, Content: "two"},
		{ID: 12, ChannelID: 42, SenderID: 1, Content: "three"},
		{ID: 13, ChannelID: 7, SenderID: 1, Content: "other channel"},
	}
	require.NoError(t, s.InsertMessages(ctx, msgs))

	// since: strictly greater, ascending
	got, err := s.GetMessages(ctx, 42, 50, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(11), got[0].ID)
	assert.Equal(t, int64(12), got[1].ID)

	// until: strictly less
	got, err = s.GetMessages(ctx, 42, 50, 0, 12)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(10), got[0].ID)

	// no bounds: most recent limit messages, still ascending
	got, err = s.GetMessages(ctx, 42, 2, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(11), got[0].ID)
	assert.Equal(t, int64(12), got[1].ID)

	max, err := s.MaxMessageID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(13), max)
}

func TestNotificationFanout(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n := &store.Notification{Name: "channel_message", Category: "channel", ObjectType: "channel", ObjectID: 42, SourceID: 1}
	require.NoError(t, s.CreateNotification(ctx, n, []int32{2, 3}))
	require.NotZero(t, n.ID)

	for _, uid := range []int32{2, 3} {
		count, err := s.UnreadCount(ctx, uid)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	}

	require.NoError(t, s.MarkNotificationsRead(ctx, 2, []int64{n.ID}))
	count, err := s.UnreadCount(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, count)

	// Other receivers keep their unread state.
	count, err = s.UnreadCount(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestPlaylistOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &store.Room{HostID: 1, Name: "test room", Type: store.RoomTypeHeadToHead, QueueMode: store.QueueModeHostOnly}
	require.NoError(t, s.CreateRoom(ctx, r))

	a := &store.PlaylistItem{RoomID: r.ID, OwnerID: 1, BeatmapID: 100, PlaylistOrder: 1}
	b := &store.PlaylistItem{RoomID: r.ID, OwnerID: 1, BeatmapID: 101, PlaylistOrder: 0}
	c := &store.PlaylistItem{RoomID: r.ID, OwnerID: 1, BeatmapID: 102, PlaylistOrder: 0, Expired: true}
	for _, item := range []*store.PlaylistItem{a, b, c} {
		require.NoError(t, s.CreatePlaylistItem(ctx, item))
	}

	items, err := s.GetPlaylistItems(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, items, 3)
	// expired sorts last; order asc within unexpired
	assert.Equal(t, b.ID, items[0].ID)
	assert.Equal(t, a.ID, items[1].ID)
	assert.Equal(t, c.ID, items[2].ID)
}

func TestScoreReconciliationFlow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tok := &store.ScoreToken{UserID: 1, BeatmapID: 100, RulesetID: 0}
	require.NoError(t, s.CreateScoreToken(ctx, tok))

	got, err := s.GetScoreToken(ctx, tok.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ScoreID, "fresh token has no score bound")

	score := &store.Score{UserID: 1, BeatmapID: 100, TotalScore: 123456, Passed: true}
	require.NoError(t, s.CreateScore(ctx, score))
	require.NoError(t, s.BindScore(ctx, tok.ID, score.ID))

	got, err = s.GetScoreToken(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, score.ID, got.ScoreID)

	require.NoError(t, s.SetHasReplay(ctx, score.ID, true))
	final, err := s.GetScore(ctx, score.ID)
	require.NoError(t, err)
	assert.True(t, final.HasReplay)
}
