package chat

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/M1PPosu/lazer-server-sub001/internal/store"
)

func TestSendDeliversToOtherMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	carol := f.user(t, "carol")
	ch := f.channel(t, "osu", store.ChannelTypePublic, alice.ID, bob.ID, carol.ID)

	msg, err := f.svc.Send(ctx, alice.ID, ch.ID, "hello", false, "u-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.ID)
	assert.Equal(t, store.MessagePlain, msg.Type)

	// Receivers hear it, the sender does not get an echo.
	assert.Len(t, f.push.eventsFor(bob.ID, EventMessageNew), 1)
	assert.Len(t, f.push.eventsFor(carol.ID, EventMessageNew), 1)
	assert.Empty(t, f.push.eventsFor(alice.ID, EventMessageNew))

	got := f.push.eventsFor(bob.ID, EventMessageNew)[0].Payload.(messageView)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, alice.ID, got.SenderID)
	assert.Equal(t, "u-1", got.UUID)
}

func TestSendRejectsRestrictedSender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	banned := &store.User{Username: "banned", Email: "b@example.com", IsRestricted: true}
	require.NoError(t, f.st.CreateUser(ctx, banned))
	ch := f.channel(t, "osu", store.ChannelTypePublic, banned.ID)

	_, err := f.svc.Send(ctx, banned.ID, ch.ID, "let me talk", false, "")
	assert.ErrorIs(t, err, ErrRestricted)
}

func TestSendRequiresMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice")
	ch := f.channel(t, "osu", store.ChannelTypePublic)

	_, err := f.svc.Send(ctx, alice.ID, ch.ID, "hi", false, "")
	assert.ErrorIs(t, err, ErrNotMember)
}

func TestSendValidatesContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice")
	ch := f.channel(t, "osu", store.ChannelTypePublic, alice.ID)

	_, err := f.svc.Send(ctx, alice.ID, ch.ID, "   ", false, "")
	assert.Error(t, err)

	_, err = f.svc.Send(ctx, alice.ID, ch.ID, strings.Repeat("x", maxMessageLength+1), false, "")
	assert.Error(t, err)
}

func TestMultiplayerMessagesStayOutOfDurableStorage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	ch := f.channel(t, "mp_5", store.ChannelTypeMultiplayer, alice.ID, bob.ID)

	msg, err := f.svc.Send(ctx, alice.ID, ch.ID, "gl hf", false, "")
	require.NoError(t, err)

	// Readable through the chat path.
	msgs, err := f.svc.GetMessages(ctx, bob.ID, ch.ID, 50, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.ID, msgs[0].ID)

	// Never copied to durable storage.
	persisted, err := f.st.GetMessages(ctx, ch.ID, 50, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestSendPreservesOrderAcrossSenders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	ch := f.channel(t, "osu", store.ChannelTypePublic, alice.ID, bob.ID)

	m1, err := f.svc.Send(ctx, alice.ID, ch.ID, "m1", false, "")
	require.NoError(t, err)
	m2, err := f.svc.Send(ctx, bob.ID, ch.ID, "m2", false, "")
	require.NoError(t, err)
	require.Less(t, m1.ID, m2.ID)

	// Both readers observe the same id order.
	forAlice, err := f.svc.GetMessages(ctx, alice.ID, ch.ID, 50, 0, 0)
	require.NoError(t, err)
	forBob, err := f.svc.GetMessages(ctx, bob.ID, ch.ID, 50, 0, 0)
	require.NoError(t, err)
	require.Len(t, forAlice, 2)
	require.Equal(t, forAlice, forBob)
	assert.Equal(t, "m1", forAlice[0].Content)
	assert.Equal(t, "m2", forAlice[1].Content)

	// Durable storage agrees once persisted (single-instance mode writes
	// straight through).
	stored, err := f.st.GetMessages(ctx, ch.ID, 50, 0, 0)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, m1.ID, stored[0].ID)
	assert.Equal(t, m2.ID, stored[1].ID)
}

func TestGetMessagesRequiresMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice")
	outsider := f.user(t, "outsider")
	ch := f.channel(t, "osu", store.ChannelTypePublic, alice.ID)

	_, err := f.svc.GetMessages(ctx, outsider.ID, ch.ID, 50, 0, 0)
	assert.ErrorIs(t, err, ErrNotMember)
}

func TestMarkReadNeverMovesBackwards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice")
	ch := f.channel(t, "osu", store.ChannelTypePublic, alice.ID)

	require.NoError(t, f.svc.MarkRead(ctx, alice.ID, ch.ID, 10))
	require.NoError(t, f.svc.MarkRead(ctx, alice.ID, ch.ID, 4))

	got, err := f.svc.pipe.LastReadID(ctx, ch.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got)
}
