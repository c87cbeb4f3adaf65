// Package chat maintains channel membership, message delivery, read
// tracking, and the notification feed. Live delivery goes through the
// Pusher interface so the service stays transport-agnostic; the
// WebSocket hub registers itself as the pusher at wire-up.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/M1PPosu/lazer-server-sub001/internal/bus"
	"github.com/M1PPosu/lazer-server-sub001/internal/logging"
	"github.com/M1PPosu/lazer-server-sub001/internal/store"
)

// Delivery event names pushed over the WebSocket feed.
const (
	EventMessageNew      = "chat.message.new"
	EventChannelJoin     = "chat.channel.join"
	EventChannelPart     = "chat.channel.part"
	EventNotificationNew = "new"
)

var (
	// ErrRestricted rejects sends from restricted accounts.
	ErrRestricted = errors.New("chat: sender is restricted")
	// ErrNotMember rejects reads and sends from outside a channel.
	ErrNotMember = errors.New("chat: not a channel member")
	// ErrBlocked rejects a pm when either side blocks the other.
	ErrBlocked = errors.New("chat: user is blocked")
	// ErrFriendsOnly rejects a pm when the target only accepts friends.
	ErrFriendsOnly = errors.New("chat: target accepts messages from friends only")
	// ErrSelfMessage rejects a pm addressed to the sender.
	ErrSelfMessage = errors.New("chat: cannot open a pm with yourself")
	// ErrChannelClosed rejects joins to non-open channel types.
	ErrChannelClosed = errors.New("chat: channel is not open for joining")
)

// Pusher delivers an event to every connected client of a user. Offline
// users are dropped silently.
type Pusher interface {
	Push(ctx context.Context, userID int32, event string, payload any)
}

// MessagePipeline is the slice of the pipeline the chat service consumes.
type MessagePipeline interface {
	AddMessage(ctx context.Context, msg store.ChatMessage, ephemeral bool) (store.ChatMessage, error)
	GetMessages(ctx context.Context, channelID int64, limit int, since, until int64, ephemeral bool) ([]store.ChatMessage, error)
	LastMessageID(ctx context.Context, channelID int64) (int64, error)
	MarkRead(ctx context.Context, channelID int64, userID int32, messageID int64) error
	LastReadID(ctx context.Context, channelID int64, userID int32) (int64, error)
}

// Service implements the chat and notification server.
type Service struct {
	st   store.Store
	pipe MessagePipeline
	bus  *bus.Service // nil in single-instance mode

	mu     sync.RWMutex
	pusher Pusher
	botID  int32

	rollFn func(max int) int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewService creates the chat service. bus may be nil.
func NewService(st store.Store, pipe MessagePipeline, b *bus.Service) *Service {
	return &Service{
		st:     st,
		pipe:   pipe,
		bus:    b,
		rollFn: defaultRoll,
	}
}

// SetPusher registers the live delivery sink. Safe to call once the
// WebSocket hub exists; events before that are dropped.
func (s *Service) SetPusher(p Pusher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pusher = p
}

func (s *Service) push(ctx context.Context, userID int32, event string, payload any) {
	s.mu.RLock()
	p := s.pusher
	s.mu.RUnlock()
	if p == nil {
		return
	}
	p.Push(ctx, userID, event, payload)
}

// Start subscribes to the cross-instance coordination channels. The
// multiplayer hub publishes room membership changes; every instance
// applies them so channel membership converges.
func (s *Service) Start(ctx context.Context) {
	if s.bus == nil {
		logging.GetLogger().Debug("Redis disabled, chat pub/sub not started (single-instance mode)")
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.bus.Subscribe(ctx, bus.ChannelRoomJoined, &s.wg, func(payload string) {
		channelID, userID, ok := parseRoomEvent(payload)
		if !ok {
			logging.Warn(ctx, "Malformed room joined payload", zap.String("payload", payload))
			return
		}
		if err := s.HandleRoomJoined(ctx, channelID, userID); err != nil {
			logging.Error(ctx, "Applying room join failed", zap.Error(err))
		}
	})
	s.bus.Subscribe(ctx, bus.ChannelRoomLeft, &s.wg, func(payload string) {
		channelID, userID, ok := parseRoomEvent(payload)
		if !ok {
			logging.Warn(ctx, "Malformed room left payload", zap.String("payload", payload))
			return
		}
		if err := s.HandleRoomLeft(ctx, channelID, userID); err != nil {
			logging.Error(ctx, "Applying room leave failed", zap.Error(err))
		}
	})
	s.bus.Subscribe(ctx, bus.ChannelNotification, &s.wg, func(payload string) {
		s.handleNotificationEvent(ctx, payload)
	})
}

// Shutdown stops the subscribers and waits for them to drain.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// parseRoomEvent splits the "{channel_id}:{user_id}" pub/sub payload.
func parseRoomEvent(payload string) (channelID int64, userID int32, ok bool) {
	c, u, found := strings.Cut(payload, ":")
	if !found {
		return 0, 0, false
	}
	channelID, err := strconv.ParseInt(c, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	uid, err := strconv.ParseInt(u, 10, 32)
	if err != nil {
		return 0, 0, false
	}
	return channelID, int32(uid), true
}

// HandleRoomJoined adds a user to a hub-managed channel and announces the
// join to them. Called from the pub/sub subscriber, or directly by the
// multiplayer hub in single-instance mode.
func (s *Service) HandleRoomJoined(ctx context.Context, channelID int64, userID int32) error {
	if err := s.st.JoinChannel(ctx, channelID, userID); err != nil {
		return fmt.Errorf("joining channel %d: %w", channelID, err)
	}
	ch, err := s.st.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	s.push(ctx, userID, EventChannelJoin, s.channelJSON(ctx, ch, userID))
	return nil
}

// HandleRoomLeft removes a user from a hub-managed channel.
func (s *Service) HandleRoomLeft(ctx context.Context, channelID int64, userID int32) error {
	if err := s.st.LeaveChannel(ctx, channelID, userID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("leaving channel %d: %w", channelID, err)
	}
	s.push(ctx, userID, EventChannelPart, map[string]any{"channel_id": channelID})
	return nil
}

// EnsureBot creates the server bot account if it does not exist and
// remembers its id. Must be called before serving.
func (s *Service) EnsureBot(ctx context.Context, username string) error {
	u, err := s.st.GetUserByUsername(ctx, username)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		u = &store.User{Username: username, IsBot: true, CountryCode: "XX"}
		if err := s.st.CreateUser(ctx, u); err != nil {
			return fmt.Errorf("creating bot user: %w", err)
		}
		logging.Info(ctx, "Created bot account", zap.String("username", username), zap.Int32("userId", u.ID))
	default:
		return fmt.Errorf("resolving bot user: %w", err)
	}

	s.mu.Lock()
	s.botID = u.ID
	s.mu.Unlock()
	return nil
}

// BotID returns the bot account id, 0 before EnsureBot.
func (s *Service) BotID() int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.botID
}

// EnsureDefaultChannels creates the server's standing public channels.
func (s *Service) EnsureDefaultChannels(ctx context.Context) error {
	defaults := []store.ChatChannel{
		{Name: "osu", Description: "general discussion", Type: store.ChannelTypePublic},
		{Name: "lobby", Description: "find a multiplayer match", Type: store.ChannelTypePublic},
		{Name: "announce", Description: "server announcements", Type: store.ChannelTypeAnnounce},
	}
	for i := range defaults {
		err := s.st.CreateChannel(ctx, &defaults[i])
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("creating channel %q: %w", defaults[i].Name, err)
		}
	}
	return nil
}

// CreateHubChannel creates an auto-managed channel for a hub (multiplayer
// rooms, spectator sessions).
func (s *Service) CreateHubChannel(ctx context.Context, t store.ChannelType, name, description string) (*store.ChatChannel, error) {
	ch := &store.ChatChannel{Name: name, Description: description, Type: t}
	if err := s.st.CreateChannel(ctx, ch); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return s.st.GetChannelByName(ctx, name)
		}
		return nil, err
	}
	return ch, nil
}

// RemoveHubChannel deletes an auto-managed channel once its hub object is
// gone.
func (s *Service) RemoveHubChannel(ctx context.Context, channelID int64) error {
	err := s.st.DeleteChannel(ctx, channelID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// JoinChannel adds a user to a public channel by their own request.
func (s *Service) JoinChannel(ctx context.Context, channelID int64, userID int32) (*store.ChatChannel, error) {
	ch, err := s.st.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch.Type != store.ChannelTypePublic {
		return nil, ErrChannelClosed
	}
	if err := s.st.JoinChannel(ctx, channelID, userID); err != nil {
		return nil, err
	}
	s.push(ctx, userID, EventChannelJoin, s.channelJSON(ctx, ch, userID))
	return ch, nil
}

// LeaveChannel removes a user from a channel by their own request.
func (s *Service) LeaveChannel(ctx context.Context, channelID int64, userID int32) error {
	if err := s.st.LeaveChannel(ctx, channelID, userID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	s.push(ctx, userID, EventChannelPart, map[string]any{"channel_id": channelID})
	return nil
}

// GetOrCreatePM resolves the canonical pm channel between two users,
// creating it and joining both on first contact. Block and friends-only
// rules apply unless one side is the bot.
func (s *Service) GetOrCreatePM(ctx context.Context, senderID, targetID int32) (*store.ChatChannel, error) {
	if senderID == targetID {
		return nil, ErrSelfMessage
	}

	systemPM := senderID == s.BotID() || targetID == s.BotID()
	if !systemPM {
		target, err := s.st.GetUser(ctx, targetID)
		if err != nil {
			return nil, err
		}
		blocked, err := s.st.IsBlocked(ctx, senderID, targetID)
		if err != nil {
			return nil, err
		}
		if blocked {
			return nil, ErrBlocked
		}
		if target.PMFriendsOnly {
			friends, err := s.st.AreFriends(ctx, targetID, senderID)
			if err != nil {
				return nil, err
			}
			if !friends {
				return nil, ErrFriendsOnly
			}
		}
	}

	name := pmChannelName(senderID, targetID)
	ch, err := s.st.GetChannelByName(ctx, name)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		ch = &store.ChatChannel{Name: name, Type: store.ChannelTypePM}
		if cerr := s.st.CreateChannel(ctx, ch); cerr != nil {
			if !errors.Is(cerr, store.ErrConflict) {
				return nil, cerr
			}
			// Lost the race to the other participant's first message.
			if ch, err = s.st.GetChannelByName(ctx, name); err != nil {
				return nil, err
			}
		}
	default:
		return nil, err
	}

	for _, uid := range []int32{senderID, targetID} {
		if err := s.st.JoinChannel(ctx, ch.ID, uid); err != nil {
			return nil, fmt.Errorf("joining pm channel: %w", err)
		}
	}
	return ch, nil
}

// pmChannelName is the canonical pm channel name, smaller id first.
func pmChannelName(a, b int32) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("pm_%d_%d", a, b)
}
