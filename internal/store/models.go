// Package store defines the persisted data model and the narrow storage
// interfaces consumed by the auth, chat, multiplayer, and spectator layers.
// Implementations live in sqlstore (PostgreSQL) and memstore (in-memory,
// used by tests and development mode).
package store

import (
	"time"
)

// User is a registered account. PasswordHash is bcrypt over the md5 hex of
// the plaintext (legacy interop); a plain bcrypt hash is also accepted.
type User struct {
	ID            int32
	Username      string
	Email         string
	PasswordHash  string
	CountryCode   string
	IsBot         bool
	IsRestricted  bool
	PMFriendsOnly bool
	PlayMode      int32
	TOTPSecret    string // empty when TOTP is not enrolled
	BackupCodes   []string
	PreviousNames []string
	LastVisit     time.Time
	JoinDate      time.Time
}

// HasTOTP reports whether the user finished TOTP enrollment.
func (u *User) HasTOTP() bool {
	return u.TOTPSecret != ""
}

// AccessToken is an issued OAuth token pair. Access and Refresh strings are
// opaque and globally unique.
type AccessToken struct {
	ID             int64
	UserID         int32
	ClientID       string
	Access         string
	Refresh        string
	Scopes         []string
	ExpiresAt      time.Time
	RefreshExpires time.Time
	CreatedAt      time.Time
}

// Expired reports whether the access string is past its lifetime.
func (t *AccessToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// RefreshExpired reports whether the refresh string is past its lifetime.
func (t *AccessToken) RefreshExpired(now time.Time) bool {
	return now.After(t.RefreshExpires)
}

// HasScope reports whether the token carries the named scope or the
// wildcard scope.
func (t *AccessToken) HasScope(scope string) bool {
	for _, s := range t.Scopes {
		if s == "*" || s == scope {
			return true
		}
	}
	return false
}

// ClientType distinguishes game-client logins from web logins for device
// trust purposes.
type ClientType string

const (
	ClientTypeGame ClientType = "client"
	ClientTypeWeb  ClientType = "web"
)

// LoginSession tracks the verification state of one issued token.
type LoginSession struct {
	ID          int64
	UserID      int32
	TokenID     int64
	IP          string
	UserAgent   string
	IsVerified  bool
	IsNewDevice bool
	WebUUID     string
	DeviceID    int64 // 0 when no trusted device matched at login
	CreatedAt   time.Time
	VerifiedAt  time.Time
	ExpiresAt   time.Time
}

// TrustedDevice lets a (user, device fingerprint) pair skip second-factor
// verification inside the trust window.
type TrustedDevice struct {
	ID         int64
	UserID     int32
	ClientType ClientType
	IP         string // game clients are fingerprinted by IP
	WebUUID    string // web logins by a persistent cookie uuid
	UserAgent  string
	LastUsedAt time.Time
	ExpiresAt  time.Time
}

// VerificationCode is an outstanding 8-digit e-mail code.
type VerificationCode struct {
	ID        int64
	UserID    int32
	Email     string
	Code      string
	Used      bool
	CreatedAt time.Time
	ExpiresAt time.Time
}

// LoginAttempt records a credential check outcome for audit.
type LoginAttempt struct {
	ID        int64
	UserID    int32 // 0 when the username did not resolve
	Username  string
	IP        string
	UserAgent string
	Success   bool
	Reason    string
	CreatedAt time.Time
}

// RelationKind is the nature of a directed user relationship.
type RelationKind string

const (
	RelationFriend RelationKind = "friend"
	RelationBlock  RelationKind = "block"
)

// Relationship is a directed edge from UserID to TargetID.
type Relationship struct {
	UserID   int32
	TargetID int32
	Kind     RelationKind
	Mutual   bool
}

// ChannelType determines join rules and persistence behavior of a channel.
type ChannelType string

const (
	ChannelTypePublic      ChannelType = "PUBLIC"
	ChannelTypePrivate     ChannelType = "PRIVATE"
	ChannelTypeMultiplayer ChannelType = "MULTIPLAYER"
	ChannelTypeSpectator   ChannelType = "SPECTATOR"
	ChannelTypeTemporary   ChannelType = "TEMPORARY"
	ChannelTypePM          ChannelType = "PM"
	ChannelTypeGroup       ChannelType = "GROUP"
	ChannelTypeAnnounce    ChannelType = "ANNOUNCE"
	ChannelTypeTeam        ChannelType = "TEAM"
	ChannelTypeSystem      ChannelType = "SYSTEM"
)

// Ephemeral reports whether messages in this channel type skip durable
// storage entirely (Redis only).
func (t ChannelType) Ephemeral() bool {
	return t == ChannelTypeMultiplayer
}

// ChatChannel is a persisted chat channel. PM channels are canonically
// named pm_{minUserID}_{maxUserID}.
type ChatChannel struct {
	ID          int64
	Name        string
	Description string
	Type        ChannelType
	Password    string
	CreatedAt   time.Time
}

// MessageType is the rendering hint attached to a chat message.
type MessageType string

const (
	MessagePlain    MessageType = "plain"
	MessageAction   MessageType = "action"
	MessageMarkdown MessageType = "markdown"
)

// ChatMessage is one chat line. IDs are globally monotonic across channels.
type ChatMessage struct {
	ID        int64
	ChannelID int64
	SenderID  int32
	Content   string
	Type      MessageType
	UUID      string
	Timestamp time.Time
}

// Notification is a server event fanned out to interested users.
type Notification struct {
	ID         int64
	Name       string
	Category   string
	ObjectType string
	ObjectID   int64
	SourceID   int32
	Details    string // JSON blob rendered by the client
	CreatedAt  time.Time
	IsRead     bool // per-receiver read state, populated by GetUserNotifications
}

// UserNotification is the per-receiver read state of a Notification.
type UserNotification struct {
	ID             int64
	UserID         int32
	NotificationID int64
	IsRead         bool
}

// RoomCategory tags a multiplayer room listing.
type RoomCategory string

const (
	RoomCategoryNormal         RoomCategory = "normal"
	RoomCategorySpotlight      RoomCategory = "spotlight"
	RoomCategoryDailyChallenge RoomCategory = "daily_challenge"
)

// RoomType selects the match-type handler for a room.
type RoomType string

const (
	RoomTypeHeadToHead RoomType = "head_to_head"
	RoomTypeTeamVersus RoomType = "team_versus"
	RoomTypePlaylists  RoomType = "playlists"
)

// QueueMode selects the playlist queue policy for a room.
type QueueMode string

const (
	QueueModeHostOnly   QueueMode = "host_only"
	QueueModeAllPlayers QueueMode = "all_players"
	QueueModeRoundRobin QueueMode = "all_players_round_robin"
)

// RoomStatus is the coarse listing status exposed over the web API.
type RoomStatus string

const (
	RoomStatusIdle    RoomStatus = "idle"
	RoomStatusPlaying RoomStatus = "playing"
)

// Room is the persisted multiplayer room row. Live per-user state is held
// by the multiplayer hub, not here.
type Room struct {
	ID                int64
	HostID            int32
	Name              string
	Type              RoomType
	QueueMode         QueueMode
	Status            RoomStatus
	Category          RoomCategory
	Password          string
	AutoStartDuration time.Duration
	AutoSkip          bool
	ChannelID         int64
	ParticipantCount  int32
	StartsAt          time.Time
	EndsAt            time.Time // zero while the room is open
}

// PlaylistItem is one queued beatmap in a room. IDs are assigned by the
// server, sequential within the room.
type PlaylistItem struct {
	ID              int64
	RoomID          int64
	OwnerID         int32
	BeatmapID       int32
	BeatmapChecksum string
	RulesetID       int32
	RequiredMods    string // JSON-encoded APIMod list
	AllowedMods     string
	Freestyle       bool
	Expired         bool
	PlaylistOrder   int32
	PlayedAt        time.Time // zero until played
	StarRating      float64
}

// ScoreToken maps an in-progress play session to the score row the
// processing pipeline eventually commits.
type ScoreToken struct {
	ID        int64
	UserID    int32
	BeatmapID int32
	RulesetID int32
	ScoreID   int64 // 0 until the score is committed
	CreatedAt time.Time
}

// Score is the subset of a committed score row used by spectating and the
// chat bot.
type Score struct {
	ID         int64
	UserID     int32
	BeatmapID  int32
	RulesetID  int32
	TotalScore int64
	Accuracy   float64
	MaxCombo   int32
	Rank       string
	PP         float64
	Passed     bool
	HasReplay  bool
	CreatedAt  time.Time
}

// UserStats is the per-ruleset aggregate shown by the chat bot.
// Accuracy is a fraction in [0, 1], as in Score.
type UserStats struct {
	UserID      int32
	RulesetID   int32
	GlobalRank  int32
	CountryRank int32
	PP          float64
	Accuracy    float64
	PlayCount   int32
	RankedScore int64
}
