package chat

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/M1PPosu/lazer-server-sub001/internal/logging"
	"github.com/M1PPosu/lazer-server-sub001/internal/metrics"
	"github.com/M1PPosu/lazer-server-sub001/internal/store"
)

const maxMessageLength = 1024

// Send validates and dispatches one message: restricted-sender check,
// membership check, pipeline write, live fan-out, and bot routing for
// "!" commands.
func (s *Service) Send(ctx context.Context, senderID int32, channelID int64, content string, isAction bool, uuid string) (store.ChatMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return store.ChatMessage{}, fmt.Errorf("chat: empty message")
	}
	if len(content) > maxMessageLength {
		return store.ChatMessage{}, fmt.Errorf("chat: message exceeds %d characters", maxMessageLength)
	}

	sender, err := s.st.GetUser(ctx, senderID)
	if err != nil {
		return store.ChatMessage{}, err
	}
	if sender.IsRestricted {
		return store.ChatMessage{}, ErrRestricted
	}

	ch, err := s.st.GetChannel(ctx, channelID)
	if err != nil {
		return store.ChatMessage{}, err
	}
	members, err := s.st.GetChannelMembers(ctx, channelID)
	if err != nil {
		return store.ChatMessage{}, err
	}
	if !slices.Contains(members, senderID) {
		return store.ChatMessage{}, ErrNotMember
	}

	msgType := store.MessagePlain
	if isAction {
		msgType = store.MessageAction
	}
	msg, err := s.pipe.AddMessage(ctx, store.ChatMessage{
		ChannelID: channelID,
		SenderID:  senderID,
		Content:   content,
		Type:      msgType,
		UUID:      uuid,
	}, ch.Type.Ephemeral())
	if err != nil {
		return store.ChatMessage{}, fmt.Errorf("dispatching message: %w", err)
	}
	metrics.ChatMessages.WithLabelValues(strings.ToLower(string(ch.Type))).Inc()

	payload := messageJSON(msg)
	for _, uid := range members {
		if uid == senderID {
			continue
		}
		s.push(ctx, uid, EventMessageNew, payload)
	}

	if strings.HasPrefix(content, "!") && senderID != s.BotID() {
		if err := s.handleBotCommand(ctx, sender, ch, content); err != nil {
			logging.Warn(ctx, "Bot command failed",
				zap.String("command", content), zap.Error(err))
		}
	}
	return msg, nil
}

// sendFromBot delivers a bot reply, redirecting replies to public-channel
// commands into the pm between the user and the bot.
func (s *Service) sendFromBot(ctx context.Context, origin *store.ChatChannel, targetID int32, content string) error {
	botID := s.BotID()
	if botID == 0 {
		return fmt.Errorf("chat: bot account not provisioned")
	}

	ch := origin
	if origin.Type == store.ChannelTypePublic {
		pm, err := s.GetOrCreatePM(ctx, botID, targetID)
		if err != nil {
			return fmt.Errorf("opening bot pm: %w", err)
		}
		ch = pm
	}

	msg, err := s.pipe.AddMessage(ctx, store.ChatMessage{
		ChannelID: ch.ID,
		SenderID:  botID,
		Content:   content,
		Type:      store.MessagePlain,
	}, ch.Type.Ephemeral())
	if err != nil {
		return err
	}
	metrics.ChatMessages.WithLabelValues(strings.ToLower(string(ch.Type))).Inc()

	members, err := s.st.GetChannelMembers(ctx, ch.ID)
	if err != nil {
		return err
	}
	payload := messageJSON(msg)
	for _, uid := range members {
		if uid == botID {
			continue
		}
		s.push(ctx, uid, EventMessageNew, payload)
	}
	return nil
}

// GetMessages returns channel history for a member.
func (s *Service) GetMessages(ctx context.Context, userID int32, channelID int64, limit int, since, until int64) ([]store.ChatMessage, error) {
	ch, err := s.st.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	members, err := s.st.GetChannelMembers(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(members, userID) {
		return nil, ErrNotMember
	}
	return s.pipe.GetMessages(ctx, channelID, limit, since, until, ch.Type.Ephemeral())
}

// MarkRead advances the user's last-read pointer in a channel. The
// pointer never moves backwards.
func (s *Service) MarkRead(ctx context.Context, userID int32, channelID, messageID int64) error {
	current, err := s.pipe.LastReadID(ctx, channelID, userID)
	if err != nil {
		return err
	}
	if messageID <= current {
		return nil
	}
	return s.pipe.MarkRead(ctx, channelID, userID, messageID)
}
