package chat

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/M1PPosu/lazer-server-sub001/internal/store"
)

func TestNotifyChannelMessageFansOutToMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	carol := f.user(t, "carol")
	ch := f.channel(t, "osu", store.ChannelTypePublic, alice.ID, bob.ID, carol.ID)

	require.NoError(t, f.svc.Notify(ctx, &store.Notification{
		Name:       NotificationChannelMessage,
		ObjectType: "channel",
		ObjectID:   ch.ID,
		SourceID:   alice.ID,
	}))

	// The sender never receives their own notification.
	assert.Empty(t, f.push.eventsFor(alice.ID, EventNotificationNew))
	assert.Len(t, f.push.eventsFor(bob.ID, EventNotificationNew), 1)
	assert.Len(t, f.push.eventsFor(carol.ID, EventNotificationNew), 1)

	unread, err := f.st.UnreadCount(ctx, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), unread)
	unread, err = f.st.UnreadCount(ctx, alice.ID)
	require.NoError(t, err)
	assert.Zero(t, unread)
}

func TestNotifyAchievementTargetsObjectUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")

	require.NoError(t, f.svc.Notify(ctx, &store.Notification{
		Name:       NotificationAchievement,
		ObjectType: "achievement",
		ObjectID:   int64(alice.ID),
		Details:    `{"slug":"500-combo"}`,
	}))

	events := f.push.eventsFor(alice.ID, EventNotificationNew)
	require.Len(t, events, 1)
	view, ok := events[0].Payload.(notificationView)
	require.True(t, ok)
	assert.Equal(t, NotificationAchievement, view.Name)
	assert.JSONEq(t, `{"slug":"500-combo"}`, string(view.Details))
	assert.Empty(t, f.push.eventsFor(bob.ID, EventNotificationNew))
}

func TestNotifyWithoutReceiversIsDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice")

	require.NoError(t, f.svc.Notify(ctx, &store.Notification{
		Name:       NotificationBeatmapsetUpdate,
		ObjectType: "beatmapset",
		ObjectID:   441,
	}))

	assert.Empty(t, f.push.events)
	unread, err := f.st.UnreadCount(ctx, alice.ID)
	require.NoError(t, err)
	assert.Zero(t, unread)
}

func TestHandleNotificationEventDeliversToReceivers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice")

	payload, err := json.Marshal(notificationEnvelope{
		Notification: notificationView{ID: 7, Name: NotificationTeamAccepted},
		Receivers:    []int32{alice.ID},
	})
	require.NoError(t, err)
	f.svc.handleNotificationEvent(ctx, string(payload))

	events := f.push.eventsFor(alice.ID, EventNotificationNew)
	require.Len(t, events, 1)
	view, ok := events[0].Payload.(notificationView)
	require.True(t, ok)
	assert.Equal(t, int64(7), view.ID)
}

func TestHandleNotificationEventToleratesGarbage(t *testing.T) {
	f := newFixture(t)
	f.svc.handleNotificationEvent(context.Background(), "{not json")
	assert.Empty(t, f.push.events)
}

func TestNotificationReadStateSurvivesListing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice")

	for i := 0; i < 2; i++ {
		require.NoError(t, f.svc.Notify(ctx, &store.Notification{
			Name:       NotificationAchievement,
			ObjectType: "achievement",
			ObjectID:   int64(alice.ID),
		}))
	}
	list, unread, err := f.svc.Notifications(ctx, alice.ID, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(2), unread)

	readID := list[0].ID
	require.NoError(t, f.svc.MarkNotificationsRead(ctx, alice.ID, []int64{readID}))

	list, unread, err = f.svc.Notifications(ctx, alice.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), unread)
	for _, n := range list {
		assert.Equal(t, n.ID == readID, n.IsRead, "notification %d", n.ID)
	}
}
