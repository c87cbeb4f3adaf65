package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/M1PPosu/lazer-server-sub001/internal/store"
)

func newBotFixture(t *testing.T) (*fixture, *store.User, *store.ChatChannel) {
	t.Helper()
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.EnsureBot(ctx, "BanchoBot"))
	f.svc.rollFn = func(max int) int { return max }

	alice := f.user(t, "alice")
	pub := f.channel(t, "osu", store.ChannelTypePublic, alice.ID, f.svc.BotID())
	return f, alice, pub
}

// lastBotMessage returns the newest message the bot sent to the user,
// along with the channel it landed in.
func lastBotMessage(t *testing.T, f *fixture, userID int32) (messageView, bool) {
	t.Helper()
	events := f.push.eventsFor(userID, EventMessageNew)
	for i := len(events) - 1; i >= 0; i-- {
		mv := events[i].Payload.(messageView)
		if mv.SenderID == f.svc.BotID() {
			return mv, true
		}
	}
	return messageView{}, false
}

func TestBotPublicCommandRepliesInPM(t *testing.T) {
	f, alice, pub := newBotFixture(t)
	ctx := context.Background()

	_, err := f.svc.Send(ctx, alice.ID, pub.ID, "!roll 20", false, "")
	require.NoError(t, err)

	reply, ok := lastBotMessage(t, f, alice.ID)
	require.True(t, ok)
	assert.Equal(t, "alice rolls 20 point(s)", reply.Content)

	// The reply landed in the pm channel, not the public one.
	assert.NotEqual(t, pub.ID, reply.ChannelID)
	pm, err := f.st.GetChannelByName(ctx, pmChannelName(alice.ID, f.svc.BotID()))
	require.NoError(t, err)
	assert.Equal(t, pm.ID, reply.ChannelID)
}

func TestBotMultiplayerCommandRepliesInChannel(t *testing.T) {
	f, alice, _ := newBotFixture(t)
	ctx := context.Background()
	mp := f.channel(t, "mp_3", store.ChannelTypeMultiplayer, alice.ID, f.svc.BotID())

	_, err := f.svc.Send(ctx, alice.ID, mp.ID, "!roll", false, "")
	require.NoError(t, err)

	reply, ok := lastBotMessage(t, f, alice.ID)
	require.True(t, ok)
	assert.Equal(t, mp.ID, reply.ChannelID)
	assert.Equal(t, "alice rolls 100 point(s)", reply.Content)
}

func TestBotHelpListsCommands(t *testing.T) {
	f, alice, pub := newBotFixture(t)

	_, err := f.svc.Send(context.Background(), alice.ID, pub.ID, "!help", false, "")
	require.NoError(t, err)

	reply, ok := lastBotMessage(t, f, alice.ID)
	require.True(t, ok)
	for _, cmd := range []string{"!help", "!roll", "!stats", "!pr", "!re"} {
		assert.Contains(t, reply.Content, cmd)
	}
}

func TestBotUnknownCommand(t *testing.T) {
	f, alice, pub := newBotFixture(t)

	_, err := f.svc.Send(context.Background(), alice.ID, pub.ID, "!dance", false, "")
	require.NoError(t, err)

	reply, ok := lastBotMessage(t, f, alice.ID)
	require.True(t, ok)
	assert.Equal(t, "unknown command: !dance (try !help)", reply.Content)
}

func TestBotStats(t *testing.T) {
	f, alice, pub := newBotFixture(t)

	f.st.SetUserStats(&store.UserStats{
		UserID: alice.ID, RulesetID: alice.PlayMode,
		GlobalRank: 1234, CountryRank: 56,
		PP: 7001, Accuracy: 0.9876, PlayCount: 4242,
	})

	_, err := f.svc.Send(context.Background(), alice.ID, pub.ID, "!stats", false, "")
	require.NoError(t, err)

	reply, ok := lastBotMessage(t, f, alice.ID)
	require.True(t, ok)
	assert.Contains(t, reply.Content, "alice: #1234 global")
	assert.Contains(t, reply.Content, "7001pp")
	assert.Contains(t, reply.Content, "98.76% accuracy")
	assert.Contains(t, reply.Content, "4242 plays")
}

func TestBotStatsUnknownUser(t *testing.T) {
	f, alice, pub := newBotFixture(t)

	_, err := f.svc.Send(context.Background(), alice.ID, pub.ID, "!stats nobody", false, "")
	require.NoError(t, err)

	reply, ok := lastBotMessage(t, f, alice.ID)
	require.True(t, ok)
	assert.Equal(t, "user not found: nobody", reply.Content)
}

func TestBotRecentAndBestScores(t *testing.T) {
	f, alice, pub := newBotFixture(t)
	ctx := context.Background()

	early := &store.Score{
		UserID: alice.ID, BeatmapID: 100, RulesetID: alice.PlayMode,
		TotalScore: 900000, Accuracy: 0.95, MaxCombo: 400,
		Rank: "A", PP: 250, Passed: true,
		CreatedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, f.st.CreateScore(ctx, early))
	late := &store.Score{
		UserID: alice.ID, BeatmapID: 200, RulesetID: alice.PlayMode,
		TotalScore: 700000, Accuracy: 0.91, MaxCombo: 300,
		Rank: "B", PP: 120, Passed: true,
		CreatedAt: time.Now(),
	}
	require.NoError(t, f.st.CreateScore(ctx, late))

	_, err := f.svc.Send(ctx, alice.ID, pub.ID, "!re", false, "")
	require.NoError(t, err)
	reply, ok := lastBotMessage(t, f, alice.ID)
	require.True(t, ok)
	assert.Contains(t, reply.Content, "most recent")
	assert.Contains(t, reply.Content, "beatmap 200")

	_, err = f.svc.Send(ctx, alice.ID, pub.ID, "!pr", false, "")
	require.NoError(t, err)
	reply, ok = lastBotMessage(t, f, alice.ID)
	require.True(t, ok)
	assert.Contains(t, reply.Content, "best")
	assert.Contains(t, reply.Content, "beatmap 100")
	assert.Contains(t, reply.Content, "250.00pp")
}

func TestBotDoesNotAnswerItself(t *testing.T) {
	f, alice, pub := newBotFixture(t)
	ctx := context.Background()

	// A bot-authored "!" message must not recurse into the handler.
	_, err := f.svc.Send(ctx, f.svc.BotID(), pub.ID, "!help", false, "")
	require.NoError(t, err)

	_, ok := lastBotMessage(t, f, alice.ID)
	assert.True(t, ok) // alice sees the bot's literal message

	// No pm reply channel was created for the bot itself.
	_, err = f.st.GetChannelByName(ctx, pmChannelName(f.svc.BotID(), f.svc.BotID()))
	assert.ErrorIs(t, err, store.ErrNotFound)
}
