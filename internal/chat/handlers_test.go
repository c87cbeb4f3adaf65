package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/M1PPosu/lazer-server-sub001/internal/store"
)

// newTestRouter wires the handler behind a stub auth middleware that
// injects the given user.
func newTestRouter(f *fixture, u *store.User) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if u != nil {
			c.Set(ContextUserKey, u)
		}
		c.Next()
	})
	NewHandler(f.svc).Register(r.Group("/"))
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestSendMessageEndpoint(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	ch := f.channel(t, "osu", store.ChannelTypePublic, alice.ID, bob.ID)
	r := newTestRouter(f, alice)

	resp := doJSON(t, r, http.MethodPost, fmt.Sprintf("/chat/channels/%d/messages", ch.ID),
		gin.H{"message": "hello!", "uuid": "u-9"})
	require.Equal(t, http.StatusOK, resp.Code)

	var got messageView
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	assert.Equal(t, int64(1), got.MessageID)
	assert.Equal(t, "hello!", got.Content)
	assert.Equal(t, alice.ID, got.SenderID)
	assert.Equal(t, "u-9", got.UUID)
}

func TestSendMessageEndpointValidation(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	ch := f.channel(t, "osu", store.ChannelTypePublic, alice.ID)
	r := newTestRouter(f, alice)

	resp := doJSON(t, r, http.MethodPost, fmt.Sprintf("/chat/channels/%d/messages", ch.ID), gin.H{})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = doJSON(t, r, http.MethodPost, "/chat/channels/notanumber/messages", gin.H{"message": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = doJSON(t, r, http.MethodPost, "/chat/channels/9999/messages", gin.H{"message": "x"})
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestSendMessageEndpointForbiddenForOutsiders(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	outsider := f.user(t, "outsider")
	ch := f.channel(t, "osu", store.ChannelTypePublic, alice.ID)
	r := newTestRouter(f, outsider)

	resp := doJSON(t, r, http.MethodPost, fmt.Sprintf("/chat/channels/%d/messages", ch.ID),
		gin.H{"message": "let me in"})
	assert.Equal(t, http.StatusForbidden, resp.Code)
}

func TestGetMessagesEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice")
	ch := f.channel(t, "osu", store.ChannelTypePublic, alice.ID)
	for i := 0; i < 3; i++ {
		_, err := f.svc.Send(ctx, alice.ID, ch.ID, fmt.Sprintf("m%d", i+1), false, "")
		require.NoError(t, err)
	}
	r := newTestRouter(f, alice)

	resp := doJSON(t, r, http.MethodGet, fmt.Sprintf("/chat/channels/%d/messages?since=1", ch.ID), nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var got []messageView
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "m2", got[0].Content)
	assert.Equal(t, "m3", got[1].Content)
}

func TestJoinAndLeaveEndpoints(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	ch := f.channel(t, "osu", store.ChannelTypePublic)
	r := newTestRouter(f, alice)

	resp := doJSON(t, r, http.MethodPut,
		fmt.Sprintf("/chat/channels/%d/users/%d", ch.ID, alice.ID), nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var got channelView
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	assert.Equal(t, ch.ID, got.ChannelID)
	assert.Equal(t, "osu", got.Name)

	// Joining on behalf of someone else is rejected.
	resp = doJSON(t, r, http.MethodPut,
		fmt.Sprintf("/chat/channels/%d/users/%d", ch.ID, alice.ID+1), nil)
	assert.Equal(t, http.StatusForbidden, resp.Code)

	resp = doJSON(t, r, http.MethodDelete,
		fmt.Sprintf("/chat/channels/%d/users/%d", ch.ID, alice.ID), nil)
	assert.Equal(t, http.StatusNoContent, resp.Code)
}

func TestNewPMEndpoint(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	r := newTestRouter(f, alice)

	resp := doJSON(t, r, http.MethodPost, "/chat/new",
		gin.H{"target_id": bob.ID, "message": "hey bob"})
	require.Equal(t, http.StatusOK, resp.Code)

	var got struct {
		Channel channelView `json:"channel"`
		Message messageView `json:"message"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	assert.Equal(t, string(store.ChannelTypePM), got.Channel.Type)
	assert.Equal(t, "hey bob", got.Message.Content)
	assert.Len(t, f.push.eventsFor(bob.ID, EventMessageNew), 1)
}

func TestNewPMEndpointBlocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	require.NoError(t, f.st.SetRelation(ctx, &store.Relationship{
		UserID: bob.ID, TargetID: alice.ID, Kind: store.RelationBlock,
	}))
	r := newTestRouter(f, alice)

	resp := doJSON(t, r, http.MethodPost, "/chat/new",
		gin.H{"target_id": bob.ID, "message": "hello?"})
	assert.Equal(t, http.StatusForbidden, resp.Code)
}

func TestMarkReadEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice")
	ch := f.channel(t, "osu", store.ChannelTypePublic, alice.ID)
	msg, err := f.svc.Send(ctx, alice.ID, ch.ID, "read me", false, "")
	require.NoError(t, err)
	r := newTestRouter(f, alice)

	resp := doJSON(t, r, http.MethodPut,
		fmt.Sprintf("/chat/channels/%d/mark-as-read/%d", ch.ID, msg.ID), nil)
	require.Equal(t, http.StatusNoContent, resp.Code)

	read, err := f.svc.pipe.LastReadID(ctx, ch.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, read)
}

func TestUpdatesEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	ch := f.channel(t, "osu", store.ChannelTypePublic, alice.ID, bob.ID)
	_, err := f.svc.Send(ctx, bob.ID, ch.ID, "old", false, "")
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, bob.ID, ch.ID, "new", false, "")
	require.NoError(t, err)
	r := newTestRouter(f, alice)

	resp := doJSON(t, r, http.MethodGet, "/chat/updates?history_since=1", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var got struct {
		Presence []channelView `json:"presence"`
		Messages []messageView `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	require.Len(t, got.Presence, 1)
	assert.Equal(t, int64(2), got.Presence[0].LastMessageID)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "new", got.Messages[0].Content)
}

func TestNotificationEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice")

	require.NoError(t, f.svc.Notify(ctx, &store.Notification{
		Name:       NotificationAchievement,
		ObjectType: "achievement",
		ObjectID:   int64(alice.ID),
		Details:    `{"achievement":"first-blood"}`,
	}))
	r := newTestRouter(f, alice)

	resp := doJSON(t, r, http.MethodGet, "/notifications", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var got struct {
		Notifications []notificationView `json:"notifications"`
		UnreadCount   int64              `json:"unread_count"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	require.Len(t, got.Notifications, 1)
	assert.Equal(t, int64(1), got.UnreadCount)

	resp = doJSON(t, r, http.MethodPost, "/notifications/mark-read",
		gin.H{"identities": []gin.H{{"id": got.Notifications[0].ID}}})
	require.Equal(t, http.StatusNoContent, resp.Code)

	resp = doJSON(t, r, http.MethodGet, "/notifications", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	assert.Zero(t, got.UnreadCount)
}

func TestEndpointsRequireAuthentication(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f, nil)

	resp := doJSON(t, r, http.MethodGet, "/chat/channels", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = doJSON(t, r, http.MethodPost, "/chat/new", gin.H{"target_id": 1, "message": "x"})
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}
