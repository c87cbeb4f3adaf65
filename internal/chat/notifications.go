package chat

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/M1PPosu/lazer-server-sub001/internal/bus"
	"github.com/M1PPosu/lazer-server-sub001/internal/logging"
	"github.com/M1PPosu/lazer-server-sub001/internal/store"
)

// Well-known notification names. Receiver resolution depends on them.
const (
	NotificationChannelMessage   = "channel_message"
	NotificationChannelTeam      = "channel_team"
	NotificationAchievement      = "user_achievement_unlock"
	NotificationTeamApplication  = "team_application_new"
	NotificationTeamAccepted     = "team_application_accept"
	NotificationTeamRejected     = "team_application_reject"
	NotificationBeatmapsetUpdate = "beatmapset_update"
)

// notificationEnvelope crosses instances over the chat:notification
// pub/sub channel.
type notificationEnvelope struct {
	Notification notificationView `json:"notification"`
	Receivers    []int32          `json:"receivers"`
}

type notificationView struct {
	ID         int64           `json:"id"`
	Name       string          `json:"name"`
	Category   string          `json:"category,omitempty"`
	ObjectType string          `json:"object_type,omitempty"`
	ObjectID   int64           `json:"object_id,omitempty"`
	SourceID   int32           `json:"source_user_id,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	IsRead     bool            `json:"is_read"`
}

func toNotificationView(n *store.Notification) notificationView {
	var details json.RawMessage
	if n.Details != "" {
		details = json.RawMessage(n.Details)
	}
	return notificationView{
		ID:         n.ID,
		Name:       n.Name,
		Category:   n.Category,
		ObjectType: n.ObjectType,
		ObjectID:   n.ObjectID,
		SourceID:   n.SourceID,
		Details:    details,
		CreatedAt:  n.CreatedAt,
		IsRead:     n.IsRead,
	}
}

// Notify persists a notification, fans out per-receiver rows, and pushes
// a "new" event to every receiver's connected clients. With a bus the
// push rides chat:notification so every instance delivers to its own
// connections; without one it is delivered directly.
func (s *Service) Notify(ctx context.Context, n *store.Notification) error {
	receivers, err := s.resolveReceivers(ctx, n)
	if err != nil {
		return err
	}
	if len(receivers) == 0 {
		return nil
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if err := s.st.CreateNotification(ctx, n, receivers); err != nil {
		return err
	}

	env := notificationEnvelope{Notification: toNotificationView(n), Receivers: receivers}
	if s.bus != nil {
		// Every instance, this one included, delivers on receipt. A
		// breaker-open drop loses only the live event; the rows are
		// persisted and clients pick them up on their next poll.
		payload, err := json.Marshal(env)
		if err == nil {
			if perr := s.bus.Publish(ctx, bus.ChannelNotification, string(payload)); perr == nil {
				return nil
			}
		}
	}
	s.pushEnvelope(ctx, env)
	return nil
}

// resolveReceivers maps a notification to the users who should see it.
// Team application receivers are resolved by the caller into ObjectID
// because there is no durable team roster.
func (s *Service) resolveReceivers(ctx context.Context, n *store.Notification) ([]int32, error) {
	switch n.Name {
	case NotificationChannelMessage, NotificationChannelTeam:
		members, err := s.st.GetChannelMembers(ctx, n.ObjectID)
		if err != nil {
			return nil, err
		}
		out := make([]int32, 0, len(members))
		for _, uid := range members {
			if uid != n.SourceID {
				out = append(out, uid)
			}
		}
		return out, nil
	case NotificationAchievement, NotificationTeamApplication,
		NotificationTeamAccepted, NotificationTeamRejected:
		return []int32{int32(n.ObjectID)}, nil
	default:
		if n.ObjectType == "user" && n.ObjectID != 0 {
			return []int32{int32(n.ObjectID)}, nil
		}
		return nil, nil
	}
}

func (s *Service) pushEnvelope(ctx context.Context, env notificationEnvelope) {
	for _, uid := range env.Receivers {
		s.push(ctx, uid, EventNotificationNew, env.Notification)
	}
}

// handleNotificationEvent delivers a cross-instance notification to the
// local connections of its receivers.
func (s *Service) handleNotificationEvent(ctx context.Context, payload string) {
	var env notificationEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		logging.Warn(ctx, "Malformed notification payload", zap.Error(err))
		return
	}
	s.pushEnvelope(ctx, env)
}

// Notifications returns the user's recent notifications plus the unread
// count.
func (s *Service) Notifications(ctx context.Context, userID int32, limit int) ([]store.Notification, int64, error) {
	list, err := s.st.GetUserNotifications(ctx, userID, limit)
	if err != nil {
		return nil, 0, err
	}
	unread, err := s.st.UnreadCount(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	return list, unread, nil
}

// MarkNotificationsRead flips the read flag on the given notifications.
func (s *Service) MarkNotificationsRead(ctx context.Context, userID int32, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.st.MarkNotificationsRead(ctx, userID, ids)
}
