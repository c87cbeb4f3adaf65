package chat

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/M1PPosu/lazer-server-sub001/internal/logging"
	"github.com/M1PPosu/lazer-server-sub001/internal/store"
)

// ContextUserKey is where the auth middleware stores the authenticated
// *store.User on the gin context.
const ContextUserKey = "user"

const maxHistoryLimit = 50

// Handler exposes the chat REST surface.
type Handler struct {
	svc *Service
}

// NewHandler creates the HTTP handler around the chat service.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Register wires the chat and notification routes. The group must
// already carry the bearer-token middleware; sendLimit applies only to
// message submission.
func (h *Handler) Register(rg *gin.RouterGroup, sendLimit ...gin.HandlerFunc) {
	rg.GET("/chat/channels", h.ListChannels)
	rg.GET("/chat/channels/joined", h.JoinedChannels)
	rg.PUT("/chat/channels/:channel/users/:user", h.JoinChannel)
	rg.DELETE("/chat/channels/:channel/users/:user", h.LeaveChannel)
	rg.GET("/chat/channels/:channel/messages", h.GetMessages)
	rg.POST("/chat/channels/:channel/messages", append(sendLimit, h.SendMessage)...)
	rg.PUT("/chat/channels/:channel/mark-as-read/:message", h.MarkRead)
	rg.POST("/chat/new", h.NewPM)
	rg.POST("/chat/ack", h.Ack)
	rg.GET("/chat/updates", h.Updates)
	rg.GET("/notifications", h.Notifications)
	rg.POST("/notifications/mark-read", h.MarkNotificationsRead)
}

type messageView struct {
	MessageID int64     `json:"message_id"`
	ChannelID int64     `json:"channel_id"`
	SenderID  int32     `json:"sender_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	IsAction  bool      `json:"is_action"`
	UUID      string    `json:"uuid,omitempty"`
}

func messageJSON(m store.ChatMessage) messageView {
	return messageView{
		MessageID: m.ID,
		ChannelID: m.ChannelID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Timestamp: m.Timestamp,
		IsAction:  m.Type == store.MessageAction,
		UUID:      m.UUID,
	}
}

type channelView struct {
	ChannelID     int64  `json:"channel_id"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	Type          string `json:"type"`
	LastMessageID int64  `json:"last_message_id"`
	LastReadID    int64  `json:"last_read_id,omitempty"`
}

// channelJSON builds the channel view. userID 0 skips per-user read state.
func (s *Service) channelJSON(ctx context.Context, ch *store.ChatChannel, userID int32) channelView {
	v := channelView{
		ChannelID:   ch.ID,
		Name:        ch.Name,
		Description: ch.Description,
		Type:        string(ch.Type),
	}
	if last, err := s.pipe.LastMessageID(ctx, ch.ID); err == nil {
		v.LastMessageID = last
	}
	if userID != 0 {
		if read, err := s.pipe.LastReadID(ctx, ch.ID, userID); err == nil {
			v.LastReadID = read
		}
	}
	return v
}

func currentUser(c *gin.Context) (*store.User, bool) {
	v, ok := c.Get(ContextUserKey)
	if !ok {
		return nil, false
	}
	u, ok := v.(*store.User)
	return u, ok
}

func requireUser(c *gin.Context) (*store.User, bool) {
	u, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "authentication required"})
		return nil, false
	}
	return u, true
}

func paramInt64(c *gin.Context, name string) (int64, bool) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid " + name})
		return 0, false
	}
	return v, true
}

func queryInt64(c *gin.Context, name string) int64 {
	v, _ := strconv.ParseInt(c.Query(name), 10, 64)
	return v
}

func abortWithError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"detail": "not found"})
	case errors.Is(err, ErrSelfMessage):
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
	case errors.Is(err, ErrRestricted), errors.Is(err, ErrBlocked),
		errors.Is(err, ErrFriendsOnly), errors.Is(err, ErrNotMember),
		errors.Is(err, ErrChannelClosed):
		c.JSON(http.StatusForbidden, gin.H{"detail": err.Error()})
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"detail": err.Error()})
	default:
		logging.Error(c.Request.Context(), "Chat request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal error"})
	}
}

// ListChannels handles GET /chat/channels, the joinable public list.
func (h *Handler) ListChannels(c *gin.Context) {
	u, ok := requireUser(c)
	if !ok {
		return
	}
	channels, err := h.svc.st.ListChannelsByType(c.Request.Context(), store.ChannelTypePublic)
	if err != nil {
		abortWithError(c, err)
		return
	}
	out := make([]channelView, 0, len(channels))
	for i := range channels {
		out = append(out, h.svc.channelJSON(c.Request.Context(), &channels[i], u.ID))
	}
	c.JSON(http.StatusOK, out)
}

// JoinedChannels handles GET /chat/channels/joined.
func (h *Handler) JoinedChannels(c *gin.Context) {
	u, ok := requireUser(c)
	if !ok {
		return
	}
	channels, err := h.svc.st.GetUserChannels(c.Request.Context(), u.ID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	out := make([]channelView, 0, len(channels))
	for i := range channels {
		out = append(out, h.svc.channelJSON(c.Request.Context(), &channels[i], u.ID))
	}
	c.JSON(http.StatusOK, out)
}

// JoinChannel handles PUT /chat/channels/:channel/users/:user. Users may
// only join themselves.
func (h *Handler) JoinChannel(c *gin.Context) {
	u, ok := requireUser(c)
	if !ok {
		return
	}
	channelID, ok := paramInt64(c, "channel")
	if !ok {
		return
	}
	targetID, ok := paramInt64(c, "user")
	if !ok {
		return
	}
	if int32(targetID) != u.ID {
		c.JSON(http.StatusForbidden, gin.H{"detail": "cannot join on behalf of another user"})
		return
	}

	ch, err := h.svc.JoinChannel(c.Request.Context(), channelID, u.ID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.svc.channelJSON(c.Request.Context(), ch, u.ID))
}

// LeaveChannel handles DELETE /chat/channels/:channel/users/:user.
func (h *Handler) LeaveChannel(c *gin.Context) {
	u, ok := requireUser(c)
	if !ok {
		return
	}
	channelID, ok := paramInt64(c, "channel")
	if !ok {
		return
	}
	targetID, ok := paramInt64(c, "user")
	if !ok {
		return
	}
	if int32(targetID) != u.ID {
		c.JSON(http.StatusForbidden, gin.H{"detail": "cannot remove another user"})
		return
	}

	if err := h.svc.LeaveChannel(c.Request.Context(), channelID, u.ID); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetMessages handles GET /chat/channels/:channel/messages.
func (h *Handler) GetMessages(c *gin.Context) {
	u, ok := requireUser(c)
	if !ok {
		return
	}
	channelID, ok := paramInt64(c, "channel")
	if !ok {
		return
	}

	limit := int(queryInt64(c, "limit"))
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	msgs, err := h.svc.GetMessages(c.Request.Context(), u.ID, channelID, limit,
		queryInt64(c, "since"), queryInt64(c, "until"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	out := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageJSON(m))
	}
	c.JSON(http.StatusOK, out)
}

type sendMessageRequest struct {
	Message  string `json:"message" binding:"required"`
	IsAction bool   `json:"is_action"`
	UUID     string `json:"uuid"`
}

// SendMessage handles POST /chat/channels/:channel/messages.
func (h *Handler) SendMessage(c *gin.Context) {
	u, ok := requireUser(c)
	if !ok {
		return
	}
	channelID, ok := paramInt64(c, "channel")
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "message is required"})
		return
	}

	msg, err := h.svc.Send(c.Request.Context(), u.ID, channelID, req.Message, req.IsAction, req.UUID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, messageJSON(msg))
}

type newPMRequest struct {
	TargetID int32  `json:"target_id" binding:"required"`
	Message  string `json:"message" binding:"required"`
	IsAction bool   `json:"is_action"`
	UUID     string `json:"uuid"`
}

// NewPM handles POST /chat/new: open (or reuse) the canonical pm channel
// and deliver the first message in one call.
func (h *Handler) NewPM(c *gin.Context) {
	u, ok := requireUser(c)
	if !ok {
		return
	}
	var req newPMRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "target_id and message are required"})
		return
	}

	ch, err := h.svc.GetOrCreatePM(c.Request.Context(), u.ID, req.TargetID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	msg, err := h.svc.Send(c.Request.Context(), u.ID, ch.ID, req.Message, req.IsAction, req.UUID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"channel": h.svc.channelJSON(c.Request.Context(), ch, u.ID),
		"message": messageJSON(msg),
	})
}

// MarkRead handles PUT /chat/channels/:channel/mark-as-read/:message.
func (h *Handler) MarkRead(c *gin.Context) {
	u, ok := requireUser(c)
	if !ok {
		return
	}
	channelID, ok := paramInt64(c, "channel")
	if !ok {
		return
	}
	messageID, ok := paramInt64(c, "message")
	if !ok {
		return
	}
	if err := h.svc.MarkRead(c.Request.Context(), u.ID, channelID, messageID); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Ack handles POST /chat/ack, the client keepalive. Silences are not
// tracked on this server so the list is always empty.
func (h *Handler) Ack(c *gin.Context) {
	if _, ok := requireUser(c); !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"silences": []any{}})
}

// Updates handles GET /chat/updates: joined channels plus any messages
// after history_since, used by clients to resync after reconnecting.
func (h *Handler) Updates(c *gin.Context) {
	u, ok := requireUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	channels, err := h.svc.st.GetUserChannels(ctx, u.ID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	since := queryInt64(c, "history_since")

	presence := make([]channelView, 0, len(channels))
	messages := make([]messageView, 0)
	for i := range channels {
		ch := &channels[i]
		presence = append(presence, h.svc.channelJSON(ctx, ch, u.ID))
		if since <= 0 {
			continue
		}
		msgs, err := h.svc.pipe.GetMessages(ctx, ch.ID, maxHistoryLimit, since, 0, ch.Type.Ephemeral())
		if err != nil {
			continue
		}
		for _, m := range msgs {
			messages = append(messages, messageJSON(m))
		}
	}
	c.JSON(http.StatusOK, gin.H{"presence": presence, "messages": messages})
}

// Notifications handles GET /notifications.
func (h *Handler) Notifications(c *gin.Context) {
	u, ok := requireUser(c)
	if !ok {
		return
	}
	limit := int(queryInt64(c, "limit"))
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	list, unread, err := h.svc.Notifications(c.Request.Context(), u.ID, limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	out := make([]notificationView, 0, len(list))
	for i := range list {
		out = append(out, toNotificationView(&list[i]))
	}
	c.JSON(http.StatusOK, gin.H{"notifications": out, "unread_count": unread})
}

type markReadRequest struct {
	Identities []struct {
		ID int64 `json:"id"`
	} `json:"identities" binding:"required"`
}

// MarkNotificationsRead handles POST /notifications/mark-read.
func (h *Handler) MarkNotificationsRead(c *gin.Context) {
	u, ok := requireUser(c)
	if !ok {
		return
	}
	var req markReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "identities are required"})
		return
	}
	ids := make([]int64, 0, len(req.Identities))
	for _, ident := range req.Identities {
		ids = append(ids, ident.ID)
	}
	if err := h.svc.MarkNotificationsRead(c.Request.Context(), u.ID, ids); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
