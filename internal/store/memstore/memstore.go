// Package memstore is an in-memory store.Store implementation backing tests
// and development mode. All state is process-local and lost on restart.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/M1PPosu/lazer-server-sub001/internal/store"
)

// Store holds every table in plain maps guarded by one RWMutex. Copies are
// returned so callers cannot mutate shared state.
type Store struct {
	mu sync.RWMutex

	users      map[int32]*store.User
	tokens     map[int64]*store.AccessToken
	sessions   map[int64]*store.LoginSession
	devices    map[int64]*store.TrustedDevice
	codes      map[int64]*store.VerificationCode
	attempts   []*store.LoginAttempt
	relations  map[int32]map[int32]store.RelationKind
	channels   map[int64]*store.ChatChannel
	members    map[int64]map[int32]bool
	messages   map[int64]*store.ChatMessage
	notifs     map[int64]*store.Notification
	userNotifs map[int64]*store.UserNotification
	rooms      map[int64]*store.Room
	playlist   map[int64]*store.PlaylistItem
	scoreToks  map[int64]*store.ScoreToken
	scores     map[int64]*store.Score
	stats      map[statsKey]*store.UserStats

	nextUserID      int32
	nextTokenID     int64
	nextSessionID   int64
	nextDeviceID    int64
	nextCodeID      int64
	nextAttemptID   int64
	nextChannelID   int64
	nextNotifID     int64
	nextUserNotifID int64
	nextRoomID      int64
	nextItemID      int64
	nextScoreTokID  int64
	nextScoreID     int64
}

type statsKey struct {
	userID    int32
	rulesetID int32
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		users:      make(map[int32]*store.User),
		tokens:     make(map[int64]*store.AccessToken),
		sessions:   make(map[int64]*store.LoginSession),
		devices:    make(map[int64]*store.TrustedDevice),
		codes:      make(map[int64]*store.VerificationCode),
		relations:  make(map[int32]map[int32]store.RelationKind),
		channels:   make(map[int64]*store.ChatChannel),
		members:    make(map[int64]map[int32]bool),
		messages:   make(map[int64]*store.ChatMessage),
		notifs:     make(map[int64]*store.Notification),
		userNotifs: make(map[int64]*store.UserNotification),
		rooms:      make(map[int64]*store.Room),
		playlist:   make(map[int64]*store.PlaylistItem),
		scoreToks:  make(map[int64]*store.ScoreToken),
		scores:     make(map[int64]*store.Score),
		stats:      make(map[statsKey]*store.UserStats),
	}
}

// --- UserStore ---

func (m *Store) GetUser(ctx context.Context, id int32) (*store.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Store) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Username, username) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *Store) GetUserByEmail(ctx context.Context, email string) (*store.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *Store) CreateUser(ctx context.Context, u *store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if strings.EqualFold(existing.Username, u.Username) || strings.EqualFold(existing.Email, u.Email) {
			return store.ErrConflict
		}
	}
	m.nextUserID++
	u.ID = m.nextUserID
	if u.JoinDate.IsZero() {
		u.JoinDate = time.Now()
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *Store) UpdateLastVisit(ctx context.Context, id int32, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.LastVisit = at
	return nil
}

func (m *Store) SetTOTPKey(ctx context.Context, id int32, secret string, backupCodes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.TOTPSecret = secret
	u.BackupCodes = append([]string(nil), backupCodes...)
	return nil
}

func (m *Store) ConsumeBackupCode(ctx context.Context, id int32, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return false, store.ErrNotFound
	}
	for i, c := range u.BackupCodes {
		if c == code {
			u.BackupCodes = append(u.BackupCodes[:i], u.BackupCodes[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// --- TokenStore ---

func (m *Store) CreateToken(ctx context.Context, t *store.AccessToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.tokens {
		if existing.Access == t.Access || existing.Refresh == t.Refresh {
			return store.ErrConflict
		}
	}
	m.nextTokenID++
	t.ID = m.nextTokenID
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	cp := *t
	cp.Scopes = append([]string(nil), t.Scopes...)
	m.tokens[t.ID] = &cp
	return nil
}

func (m *Store) GetTokenByAccess(ctx context.Context, access string) (*store.AccessToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tokens {
		if t.Access == access {
			cp := *t
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *Store) GetTokenByRefresh(ctx context.Context, refresh string) (*store.AccessToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tokens {
		if t.Refresh == refresh {
			cp := *t
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *Store) DeleteToken(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.tokens, id)
	return nil
}

func (m *Store) DeleteUserClientTokens(ctx context.Context, userID int32, clientID string) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []int64
	for id, t := range m.tokens {
		if t.UserID == userID && t.ClientID == clientID {
			delete(m.tokens, id)
			removed = append(removed, id)
		}
	}
	return removed, nil
}

// --- SessionStore ---

func (m *Store) CreateSession(ctx context.Context, s *store.LoginSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSessionID++
	s.ID = m.nextSessionID
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *Store) GetSessionByToken(ctx context.Context, tokenID int64) (*store.LoginSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.TokenID == tokenID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *Store) MarkVerified(ctx context.Context, sessionID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	s.IsVerified = true
	s.VerifiedAt = at
	return nil
}

func (m *Store) DeleteSessionsForToken(ctx context.Context, tokenID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.TokenID == tokenID {
			delete(m.sessions, id)
		}
	}
	return nil
}

// --- DeviceStore ---

func (m *Store) FindTrustedDevice(ctx context.Context, userID int32, clientType store.ClientType, ip, webUUID string, now time.Time) (*store.TrustedDevice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.devices {
		if d.UserID != userID || d.ClientType != clientType || now.After(d.ExpiresAt) {
			continue
		}
		if clientType == store.ClientTypeWeb {
			if webUUID != "" && d.WebUUID == webUUID {
				cp := *d
				return &cp, nil
			}
		} else if ip != "" && d.IP == ip {
			cp := *d
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *Store) UpsertTrustedDevice(ctx context.Context, d *store.TrustedDevice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.devices {
		if existing.UserID != d.UserID || existing.ClientType != d.ClientType {
			continue
		}
		match := false
		if d.ClientType == store.ClientTypeWeb {
			match = existing.WebUUID == d.WebUUID && d.WebUUID != ""
		} else {
			match = existing.IP == d.IP && d.IP != ""
		}
		if match {
			existing.UserAgent = d.UserAgent
			existing.LastUsedAt = d.LastUsedAt
			existing.ExpiresAt = d.ExpiresAt
			d.ID = existing.ID
			return nil
		}
	}
	m.nextDeviceID++
	d.ID = m.nextDeviceID
	cp := *d
	m.devices[d.ID] = &cp
	return nil
}

func (m *Store) DeleteExpiredDevices(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, d := range m.devices {
		if now.After(d.ExpiresAt) {
			delete(m.devices, id)
			n++
		}
	}
	return n, nil
}

// --- VerificationStore ---

func (m *Store) GetActiveCode(ctx context.Context, userID int32, email string, now time.Time) (*store.VerificationCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.codes {
		if c.UserID == userID && strings.EqualFold(c.Email, email) && !c.Used && now.Before(c.ExpiresAt) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *Store) CreateCode(ctx context.Context, c *store.VerificationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextCodeID++
	c.ID = m.nextCodeID
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	cp := *c
	m.codes[c.ID] = &cp
	return nil
}

func (m *Store) MarkCodeUsed(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[id]
	if !ok {
		return store.ErrNotFound
	}
	c.Used = true
	return nil
}

func (m *Store) RecordLoginAttempt(ctx context.Context, a *store.LoginAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextAttemptID++
	a.ID = m.nextAttemptID
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	cp := *a
	m.attempts = append(m.attempts, &cp)
	return nil
}

// LoginAttempts returns recorded attempts, newest last. Test helper.
func (m *Store) LoginAttempts() []store.LoginAttempt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]store.LoginAttempt, 0, len(m.attempts))
	for _, a := range m.attempts {
		out = append(out, *a)
	}
	return out
}

// --- RelationshipStore ---

func (m *Store) GetFriends(ctx context.Context, userID int32) ([]int32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []int32
	for target, kind := range m.relations[userID] {
		if kind == store.RelationFriend {
			out = append(out, target)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *Store) IsBlocked(ctx context.Context, a, b int32) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.relations[a][b] == store.RelationBlock || m.relations[b][a] == store.RelationBlock {
		return true, nil
	}
	return false, nil
}

func (m *Store) AreFriends(ctx context.Context, userID, targetID int32) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.relations[userID][targetID] == store.RelationFriend, nil
}

func (m *Store) SetRelation(ctx context.Context, r *store.Relationship) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.relations[r.UserID] == nil {
		m.relations[r.UserID] = make(map[int32]store.RelationKind)
	}
	m.relations[r.UserID][r.TargetID] = r.Kind
	return nil
}

// --- ChannelStore ---

func (m *Store) GetChannel(ctx context.Context, id int64) (*store.ChatChannel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.channels[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Store) GetChannelByName(ctx context.Context, name string) (*store.ChatChannel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.channels {
		if c.Name == name {
			cp := *c
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *Store) CreateChannel(ctx context.Context, c *store.ChatChannel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.channels {
		if existing.Name == c.Name {
			return store.ErrConflict
		}
	}
	m.nextChannelID++
	c.ID = m.nextChannelID
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	cp := *c
	m.channels[c.ID] = &cp
	m.members[c.ID] = make(map[int32]bool)
	return nil
}

func (m *Store) DeleteChannel(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.channels, id)
	delete(m.members, id)
	return nil
}

func (m *Store) JoinChannel(ctx context.Context, channelID int64, userID int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[channelID]; !ok {
		return store.ErrNotFound
	}
	if m.members[channelID] == nil {
		m.members[channelID] = make(map[int32]bool)
	}
	m.members[channelID][userID] = true
	return nil
}

func (m *Store) LeaveChannel(ctx context.Context, channelID int64, userID int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[channelID]; !ok {
		return store.ErrNotFound
	}
	delete(m.members[channelID], userID)
	return nil
}

func (m *Store) GetChannelMembers(ctx context.Context, channelID int64) ([]int32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.channels[channelID]; !ok {
		return nil, store.ErrNotFound
	}
	var out []int32
	for id := range m.members[channelID] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *Store) GetUserChannels(ctx context.Context, userID int32) ([]store.ChatChannel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []store.ChatChannel
	for id, members := range m.members {
		if members[userID] {
			if c, ok := m.channels[id]; ok {
				out = append(out, *c)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Store) ListChannelsByType(ctx context.Context, t store.ChannelType) ([]store.ChatChannel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []store.ChatChannel
	for _, c := range m.channels {
		if c.Type == t {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- MessageStore ---

func (m *Store) InsertMessages(ctx context.Context, msgs []store.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range msgs {
		cp := msgs[i]
		m.messages[cp.ID] = &cp
	}
	return nil
}

func (m *Store) GetMessages(ctx context.Context, channelID int64, limit int, since, until int64) ([]store.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []store.ChatMessage
	for _, msg := range m.messages {
		if msg.ChannelID != channelID {
			continue
		}
		if since > 0 && msg.ID <= since {
			continue
		}
		if until > 0 && msg.ID >= until {
			continue
		}
		out = append(out, *msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if since == 0 && limit > 0 && len(out) > limit {
		// Without a lower bound the most recent messages win.
		out = out[len(out)-limit:]
	} else if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Store) MaxMessageID(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var max int64
	for id := range m.messages {
		if id > max {
			max = id
		}
	}
	return max, nil
}

// --- NotificationStore ---

func (m *Store) CreateNotification(ctx context.Context, n *store.Notification, receivers []int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextNotifID++
	n.ID = m.nextNotifID
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	cp := *n
	m.notifs[n.ID] = &cp
	for _, uid := range receivers {
		m.nextUserNotifID++
		m.userNotifs[m.nextUserNotifID] = &store.UserNotification{
			ID:             m.nextUserNotifID,
			UserID:         uid,
			NotificationID: n.ID,
		}
	}
	return nil
}

func (m *Store) GetUserNotifications(ctx context.Context, userID int32, limit int) ([]store.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []store.Notification
	for _, un := range m.userNotifs {
		if un.UserID != userID {
			continue
		}
		if n, ok := m.notifs[un.NotificationID]; ok {
			cp := *n
			cp.IsRead = un.IsRead
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Store) MarkNotificationsRead(ctx context.Context, userID int32, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for _, un := range m.userNotifs {
		if un.UserID == userID && want[un.NotificationID] {
			un.IsRead = true
		}
	}
	return nil
}

func (m *Store) UnreadCount(ctx context.Context, userID int32) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, un := range m.userNotifs {
		if un.UserID == userID && !un.IsRead {
			n++
		}
	}
	return n, nil
}

// --- RoomStore ---

func (m *Store) CreateRoom(ctx context.Context, r *store.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRoomID++
	r.ID = m.nextRoomID
	if r.StartsAt.IsZero() {
		r.StartsAt = time.Now()
	}
	cp := *r
	m.rooms[r.ID] = &cp
	return nil
}

func (m *Store) GetRoom(ctx context.Context, id int64) (*store.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Store) UpdateRoom(ctx context.Context, r *store.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[r.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *r
	m.rooms[r.ID] = &cp
	return nil
}

func (m *Store) CloseRoom(ctx context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return store.ErrNotFound
	}
	r.EndsAt = at
	r.ParticipantCount = 0
	return nil
}

func (m *Store) SetParticipantCount(ctx context.Context, id int64, count int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return store.ErrNotFound
	}
	r.ParticipantCount = count
	return nil
}

func (m *Store) CreatePlaylistItem(ctx context.Context, item *store.PlaylistItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[item.RoomID]; !ok {
		return store.ErrNotFound
	}
	m.nextItemID++
	item.ID = m.nextItemID
	cp := *item
	m.playlist[item.ID] = &cp
	return nil
}

func (m *Store) UpdatePlaylistItem(ctx context.Context, item *store.PlaylistItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.playlist[item.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *item
	m.playlist[item.ID] = &cp
	return nil
}

func (m *Store) RemovePlaylistItem(ctx context.Context, roomID, itemID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.playlist[itemID]
	if !ok || item.RoomID != roomID {
		return store.ErrNotFound
	}
	delete(m.playlist, itemID)
	return nil
}

func (m *Store) GetPlaylistItems(ctx context.Context, roomID int64) ([]store.PlaylistItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []store.PlaylistItem
	for _, item := range m.playlist {
		if item.RoomID == roomID {
			out = append(out, *item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Expired != b.Expired {
			return !a.Expired
		}
		if a.PlaylistOrder != b.PlaylistOrder {
			return a.PlaylistOrder < b.PlaylistOrder
		}
		return a.ID < b.ID
	})
	return out, nil
}

// --- ScoreStore ---

func (m *Store) GetScoreToken(ctx context.Context, id int64) (*store.ScoreToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.scoreToks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Store) CreateScoreToken(ctx context.Context, t *store.ScoreToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextScoreTokID++
	t.ID = m.nextScoreTokID
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	cp := *t
	m.scoreToks[t.ID] = &cp
	return nil
}

func (m *Store) BindScore(ctx context.Context, tokenID, scoreID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.scoreToks[tokenID]
	if !ok {
		return store.ErrNotFound
	}
	t.ScoreID = scoreID
	return nil
}

func (m *Store) GetScore(ctx context.Context, id int64) (*store.Score, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scores[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Store) CreateScore(ctx context.Context, s *store.Score) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextScoreID++
	s.ID = m.nextScoreID
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	cp := *s
	m.scores[s.ID] = &cp
	return nil
}

func (m *Store) SetHasReplay(ctx context.Context, scoreID int64, has bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scores[scoreID]
	if !ok {
		return store.ErrNotFound
	}
	s.HasReplay = has
	return nil
}

func (m *Store) GetUserRecentScore(ctx context.Context, userID int32, rulesetID int32) (*store.Score, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *store.Score
	for _, s := range m.scores {
		if s.UserID != userID || s.RulesetID != rulesetID {
			continue
		}
		if best == nil || s.CreatedAt.After(best.CreatedAt) {
			best = s
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *Store) GetUserBestScore(ctx context.Context, userID int32, rulesetID int32) (*store.Score, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *store.Score
	for _, s := range m.scores {
		if s.UserID != userID || s.RulesetID != rulesetID || !s.Passed {
			continue
		}
		if best == nil || s.PP > best.PP {
			best = s
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *Store) GetUserStats(ctx context.Context, userID int32, rulesetID int32) (*store.UserStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.stats[statsKey{userID, rulesetID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

// SetUserStats seeds stats rows. Test helper.
func (m *Store) SetUserStats(st *store.UserStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *st
	m.stats[statsKey{st.UserID, st.RulesetID}] = &cp
}
