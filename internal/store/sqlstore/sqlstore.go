// Package sqlstore provides persistent server state backed by PostgreSQL.
// It owns the database lifecycle and implements every store interface.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string, never edit or reorder existing entries.
package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/M1PPosu/lazer-server-sub001/internal/store"
)

// migrations holds the ordered list of DDL statements that bring the schema
// up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — users
	`CREATE TABLE IF NOT EXISTS users (
		id                 SERIAL PRIMARY KEY,
		username           TEXT NOT NULL,
		email              TEXT NOT NULL,
		password_hash      TEXT NOT NULL,
		country_code       TEXT NOT NULL DEFAULT '',
		is_bot             BOOLEAN NOT NULL DEFAULT FALSE,
		is_restricted      BOOLEAN NOT NULL DEFAULT FALSE,
		pm_friends_only    BOOLEAN NOT NULL DEFAULT FALSE,
		playmode           INTEGER NOT NULL DEFAULT 0,
		totp_secret        TEXT NOT NULL DEFAULT '',
		backup_codes       TEXT[] NOT NULL DEFAULT '{}',
		previous_usernames TEXT[] NOT NULL DEFAULT '{}',
		last_visit         TIMESTAMPTZ NOT NULL DEFAULT now(),
		join_date          TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_username ON users (lower(username))`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users (lower(email))`,
	// v4 — oauth tokens
	`CREATE TABLE IF NOT EXISTS oauth_tokens (
		id                 BIGSERIAL PRIMARY KEY,
		user_id            INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		client_id          TEXT NOT NULL,
		access             TEXT NOT NULL UNIQUE,
		refresh            TEXT NOT NULL UNIQUE,
		scopes             TEXT[] NOT NULL DEFAULT '{}',
		expires_at         TIMESTAMPTZ NOT NULL,
		refresh_expires_at TIMESTAMPTZ NOT NULL,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	// v5 — login sessions
	`CREATE TABLE IF NOT EXISTS login_sessions (
		id            BIGSERIAL PRIMARY KEY,
		user_id       INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		token_id      BIGINT NOT NULL,
		ip            TEXT NOT NULL DEFAULT '',
		user_agent    TEXT NOT NULL DEFAULT '',
		is_verified   BOOLEAN NOT NULL DEFAULT FALSE,
		is_new_device BOOLEAN NOT NULL DEFAULT FALSE,
		web_uuid      TEXT NOT NULL DEFAULT '',
		device_id     BIGINT NOT NULL DEFAULT 0,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		verified_at   TIMESTAMPTZ,
		expires_at    TIMESTAMPTZ NOT NULL
	)`,
	// v6 — trusted devices
	`CREATE TABLE IF NOT EXISTS trusted_devices (
		id           BIGSERIAL PRIMARY KEY,
		user_id      INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		client_type  TEXT NOT NULL,
		ip           TEXT NOT NULL DEFAULT '',
		web_uuid     TEXT NOT NULL DEFAULT '',
		user_agent   TEXT NOT NULL DEFAULT '',
		last_used_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		expires_at   TIMESTAMPTZ NOT NULL
	)`,
	// v7 — e-mail verification codes
	`CREATE TABLE IF NOT EXISTS verification_codes (
		id         BIGSERIAL PRIMARY KEY,
		user_id    INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		email      TEXT NOT NULL,
		code       TEXT NOT NULL,
		used       BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	// v8 — login attempts
	`CREATE TABLE IF NOT EXISTS login_attempts (
		id         BIGSERIAL PRIMARY KEY,
		user_id    INTEGER NOT NULL DEFAULT 0,
		username   TEXT NOT NULL DEFAULT '',
		ip         TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		success    BOOLEAN NOT NULL,
		reason     TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	// v9 — relationships
	`CREATE TABLE IF NOT EXISTS relationships (
		user_id   INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		target_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		kind      TEXT NOT NULL,
		PRIMARY KEY (user_id, target_id)
	)`,
	// v10 — chat channels
	`CREATE TABLE IF NOT EXISTS channels (
		id          BIGSERIAL PRIMARY KEY,
		name        TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		type        TEXT NOT NULL,
		password    TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	// v11 — channel membership
	`CREATE TABLE IF NOT EXISTS channel_users (
		channel_id BIGINT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
		user_id    INTEGER NOT NULL,
		PRIMARY KEY (channel_id, user_id)
	)`,
	// v12 — messages (ids preassigned by the Redis pipeline)
	`CREATE TABLE IF NOT EXISTS messages (
		id         BIGINT PRIMARY KEY,
		channel_id BIGINT NOT NULL,
		sender_id  INTEGER NOT NULL,
		content    TEXT NOT NULL,
		type       TEXT NOT NULL DEFAULT 'plain',
		uuid       TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages (channel_id, id)`,
	// v14 — notifications
	`CREATE TABLE IF NOT EXISTS notifications (
		id          BIGSERIAL PRIMARY KEY,
		name        TEXT NOT NULL,
		category    TEXT NOT NULL DEFAULT '',
		object_type TEXT NOT NULL DEFAULT '',
		object_id   BIGINT NOT NULL DEFAULT 0,
		source_id   INTEGER NOT NULL DEFAULT 0,
		details     TEXT NOT NULL DEFAULT '{}',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS user_notifications (
		id              BIGSERIAL PRIMARY KEY,
		user_id         INTEGER NOT NULL,
		notification_id BIGINT NOT NULL REFERENCES notifications(id) ON DELETE CASCADE,
		is_read         BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_user_notifications_user ON user_notifications (user_id, is_read)`,
	// v17 — multiplayer rooms
	`CREATE TABLE IF NOT EXISTS rooms (
		id                  BIGSERIAL PRIMARY KEY,
		host_id             INTEGER NOT NULL,
		name                TEXT NOT NULL,
		type                TEXT NOT NULL,
		queue_mode          TEXT NOT NULL,
		status              TEXT NOT NULL DEFAULT 'idle',
		category            TEXT NOT NULL DEFAULT 'normal',
		password            TEXT NOT NULL DEFAULT '',
		auto_start_seconds  INTEGER NOT NULL DEFAULT 0,
		auto_skip           BOOLEAN NOT NULL DEFAULT FALSE,
		channel_id          BIGINT NOT NULL DEFAULT 0,
		participant_count   INTEGER NOT NULL DEFAULT 0,
		starts_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
		ends_at             TIMESTAMPTZ
	)`,
	// v18 — playlist items
	`CREATE TABLE IF NOT EXISTS playlist_items (
		id               BIGSERIAL PRIMARY KEY,
		room_id          BIGINT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		owner_id         INTEGER NOT NULL,
		beatmap_id       INTEGER NOT NULL,
		beatmap_checksum TEXT NOT NULL DEFAULT '',
		ruleset_id       INTEGER NOT NULL DEFAULT 0,
		required_mods    TEXT NOT NULL DEFAULT '[]',
		allowed_mods     TEXT NOT NULL DEFAULT '[]',
		freestyle        BOOLEAN NOT NULL DEFAULT FALSE,
		expired          BOOLEAN NOT NULL DEFAULT FALSE,
		playlist_order   INTEGER NOT NULL DEFAULT 0,
		played_at        TIMESTAMPTZ,
		star_rating      DOUBLE PRECISION NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_playlist_items_room ON playlist_items (room_id, expired, playlist_order, id)`,
	// v20 — score tokens and scores
	`CREATE TABLE IF NOT EXISTS score_tokens (
		id         BIGSERIAL PRIMARY KEY,
		user_id    INTEGER NOT NULL,
		beatmap_id INTEGER NOT NULL,
		ruleset_id INTEGER NOT NULL DEFAULT 0,
		score_id   BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS scores (
		id          BIGSERIAL PRIMARY KEY,
		user_id     INTEGER NOT NULL,
		beatmap_id  INTEGER NOT NULL,
		ruleset_id  INTEGER NOT NULL DEFAULT 0,
		total_score BIGINT NOT NULL DEFAULT 0,
		accuracy    DOUBLE PRECISION NOT NULL DEFAULT 0,
		max_combo   INTEGER NOT NULL DEFAULT 0,
		rank        TEXT NOT NULL DEFAULT '',
		pp          DOUBLE PRECISION NOT NULL DEFAULT 0,
		passed      BOOLEAN NOT NULL DEFAULT FALSE,
		has_replay  BOOLEAN NOT NULL DEFAULT FALSE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scores_user ON scores (user_id, ruleset_id, created_at)`,
	// v23 — per-ruleset user statistics
	`CREATE TABLE IF NOT EXISTS user_stats (
		user_id      INTEGER NOT NULL,
		ruleset_id   INTEGER NOT NULL,
		global_rank  INTEGER NOT NULL DEFAULT 0,
		country_rank INTEGER NOT NULL DEFAULT 0,
		pp           DOUBLE PRECISION NOT NULL DEFAULT 0,
		accuracy     DOUBLE PRECISION NOT NULL DEFAULT 0,
		play_count   INTEGER NOT NULL DEFAULT 0,
		ranked_score BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, ruleset_id)
	)`,
}

// Store wraps a PostgreSQL database and implements store.Store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// New opens the database at dsn and applies any pending migrations.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema_migrations table (if absent) and applies any
// migrations whose version number exceeds the current maximum.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES($1)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
	}
	return nil
}

// mapErr converts driver errors to the shared sentinel errors.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return store.ErrConflict
	}
	return err
}

// noRowsAsNotFound converts an UPDATE/DELETE that touched nothing into
// store.ErrNotFound.
func noRowsAsNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// nullTime converts a zero time to NULL for nullable columns.
func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func fromNullTime(nt sql.NullTime) time.Time {
	if !nt.Valid {
		return time.Time{}
	}
	return nt.Time
}
