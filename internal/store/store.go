package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that resolve no row.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a uniqueness constraint would be violated
// (duplicate token string, duplicate channel name, duplicate username).
var ErrConflict = errors.New("store: conflict")

// --- Per-concern interfaces ---
//
// Consumers depend on the narrowest interface that covers their needs;
// sqlstore.Store and memstore.Store implement all of them.

// UserStore resolves and mutates user accounts.
type UserStore interface {
	// GetUser returns ErrNotFound for unknown ids.
	GetUser(ctx context.Context, id int32) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	CreateUser(ctx context.Context, u *User) error
	UpdateLastVisit(ctx context.Context, id int32, at time.Time) error
	// SetTOTPKey stores the enrolled secret and the freshly generated
	// backup codes, replacing any previous enrollment.
	SetTOTPKey(ctx context.Context, id int32, secret string, backupCodes []string) error
	// ConsumeBackupCode removes code from the user's set. The bool reports
	// whether the code was present.
	ConsumeBackupCode(ctx context.Context, id int32, code string) (bool, error)
}

// TokenStore manages issued OAuth token pairs.
type TokenStore interface {
	// CreateToken inserts t and assigns t.ID. Returns ErrConflict if the
	// access or refresh string is already in use.
	CreateToken(ctx context.Context, t *AccessToken) error
	GetTokenByAccess(ctx context.Context, access string) (*AccessToken, error)
	GetTokenByRefresh(ctx context.Context, refresh string) (*AccessToken, error)
	DeleteToken(ctx context.Context, id int64) error
	// DeleteUserClientTokens removes every token bound to (user, client),
	// returning the ids removed. Used for single-device enforcement.
	DeleteUserClientTokens(ctx context.Context, userID int32, clientID string) ([]int64, error)
}

// SessionStore manages the verification state of login sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, s *LoginSession) error
	GetSessionByToken(ctx context.Context, tokenID int64) (*LoginSession, error)
	// MarkVerified flips the session to verified at the given time.
	MarkVerified(ctx context.Context, sessionID int64, at time.Time) error
	DeleteSessionsForToken(ctx context.Context, tokenID int64) error
}

// DeviceStore manages trusted-device rows.
type DeviceStore interface {
	// FindTrustedDevice matches on (user, client type) plus IP for game
	// clients or web uuid for web logins. Expired rows do not match.
	FindTrustedDevice(ctx context.Context, userID int32, clientType ClientType, ip, webUUID string, now time.Time) (*TrustedDevice, error)
	// UpsertTrustedDevice refreshes LastUsedAt/ExpiresAt of a matching row
	// or inserts a new one, assigning d.ID.
	UpsertTrustedDevice(ctx context.Context, d *TrustedDevice) error
	DeleteExpiredDevices(ctx context.Context, now time.Time) (int64, error)
}

// VerificationStore manages e-mail verification codes and login attempts.
type VerificationStore interface {
	// GetActiveCode returns the unexpired, unused code for (user, email),
	// or ErrNotFound.
	GetActiveCode(ctx context.Context, userID int32, email string, now time.Time) (*VerificationCode, error)
	CreateCode(ctx context.Context, c *VerificationCode) error
	MarkCodeUsed(ctx context.Context, id int64) error
	RecordLoginAttempt(ctx context.Context, a *LoginAttempt) error
}

// RelationshipStore resolves the social graph.
type RelationshipStore interface {
	// GetFriends returns ids the user lists as friends.
	GetFriends(ctx context.Context, userID int32) ([]int32, error)
	// IsBlocked reports whether either side blocks the other.
	IsBlocked(ctx context.Context, a, b int32) (bool, error)
	// AreFriends reports whether userID lists targetID as a friend.
	AreFriends(ctx context.Context, userID, targetID int32) (bool, error)
	SetRelation(ctx context.Context, r *Relationship) error
}

// ChannelStore manages chat channels and durable membership.
type ChannelStore interface {
	GetChannel(ctx context.Context, id int64) (*ChatChannel, error)
	GetChannelByName(ctx context.Context, name string) (*ChatChannel, error)
	// CreateChannel inserts c and assigns c.ID. Returns ErrConflict on a
	// duplicate name.
	CreateChannel(ctx context.Context, c *ChatChannel) error
	DeleteChannel(ctx context.Context, id int64) error
	JoinChannel(ctx context.Context, channelID int64, userID int32) error
	LeaveChannel(ctx context.Context, channelID int64, userID int32) error
	GetChannelMembers(ctx context.Context, channelID int64) ([]int32, error)
	GetUserChannels(ctx context.Context, userID int32) ([]ChatChannel, error)
	ListChannelsByType(ctx context.Context, t ChannelType) ([]ChatChannel, error)
}

// MessageStore is the durable side of the message pipeline.
type MessageStore interface {
	// InsertMessages persists a batch inside one transaction. Message ids
	// are preassigned by the pipeline and inserted as-is.
	InsertMessages(ctx context.Context, msgs []ChatMessage) error
	// GetMessages returns messages of a channel ordered by id ascending.
	// since/until of 0 mean unbounded; limit caps the result.
	GetMessages(ctx context.Context, channelID int64, limit int, since, until int64) ([]ChatMessage, error)
	// MaxMessageID returns the largest persisted id, 0 when none exist.
	MaxMessageID(ctx context.Context) (int64, error)
}

// NotificationStore persists notifications and per-user read state.
type NotificationStore interface {
	// CreateNotification inserts n, assigns n.ID, and fans out one
	// UserNotification per receiver.
	CreateNotification(ctx context.Context, n *Notification, receivers []int32) error
	GetUserNotifications(ctx context.Context, userID int32, limit int) ([]Notification, error)
	MarkNotificationsRead(ctx context.Context, userID int32, ids []int64) error
	UnreadCount(ctx context.Context, userID int32) (int64, error)
}

// RoomStore persists multiplayer rooms and playlist items.
type RoomStore interface {
	// CreateRoom inserts r and assigns r.ID.
	CreateRoom(ctx context.Context, r *Room) error
	GetRoom(ctx context.Context, id int64) (*Room, error)
	UpdateRoom(ctx context.Context, r *Room) error
	// CloseRoom stamps EndsAt and flips participant count to zero.
	CloseRoom(ctx context.Context, id int64, at time.Time) error
	SetParticipantCount(ctx context.Context, id int64, count int32) error

	// CreatePlaylistItem inserts item and assigns item.ID, sequential
	// within the room.
	CreatePlaylistItem(ctx context.Context, item *PlaylistItem) error
	UpdatePlaylistItem(ctx context.Context, item *PlaylistItem) error
	RemovePlaylistItem(ctx context.Context, roomID, itemID int64) error
	// GetPlaylistItems returns the room's items ordered by
	// (expired asc, playlist_order asc, id asc).
	GetPlaylistItems(ctx context.Context, roomID int64) ([]PlaylistItem, error)
}

// ScoreStore is consumed by spectator score reconciliation and the chat bot.
type ScoreStore interface {
	GetScoreToken(ctx context.Context, id int64) (*ScoreToken, error)
	CreateScoreToken(ctx context.Context, t *ScoreToken) error
	// BindScore attaches a committed score id to a token.
	BindScore(ctx context.Context, tokenID, scoreID int64) error
	GetScore(ctx context.Context, id int64) (*Score, error)
	CreateScore(ctx context.Context, s *Score) error
	SetHasReplay(ctx context.Context, scoreID int64, has bool) error
	// GetUserRecentScore returns the user's latest score, ErrNotFound when
	// the user has none.
	GetUserRecentScore(ctx context.Context, userID int32, rulesetID int32) (*Score, error)
	// GetUserBestScore returns the user's highest-pp score.
	GetUserBestScore(ctx context.Context, userID int32, rulesetID int32) (*Score, error)
	GetUserStats(ctx context.Context, userID int32, rulesetID int32) (*UserStats, error)
}

// Store aggregates every per-concern interface. The concrete sqlstore and
// memstore types satisfy it.
type Store interface {
	UserStore
	TokenStore
	SessionStore
	DeviceStore
	VerificationStore
	RelationshipStore
	ChannelStore
	MessageStore
	NotificationStore
	RoomStore
	ScoreStore
}
