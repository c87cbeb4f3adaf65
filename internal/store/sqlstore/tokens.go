package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/M1PPosu/lazer-server-sub001/internal/store"
)

const tokenColumns = `id, user_id, client_id, access, refresh, scopes,
	expires_at, refresh_expires_at, created_at`

func scanToken(row *sql.Row) (*store.AccessToken, error) {
	var t store.AccessToken
	err := row.Scan(
		&t.ID, &t.UserID, &t.ClientID, &t.Access, &t.Refresh,
		pq.Array(&t.Scopes), &t.ExpiresAt, &t.RefreshExpires, &t.CreatedAt,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	return &t, nil
}

func (s *Store) CreateToken(ctx context.Context, t *store.AccessToken) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO oauth_tokens (user_id, client_id, access, refresh, scopes,
			expires_at, refresh_expires_at, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 RETURNING id`,
		t.UserID, t.ClientID, t.Access, t.Refresh, pq.Array(t.Scopes),
		t.ExpiresAt, t.RefreshExpires, t.CreatedAt,
	).Scan(&t.ID)
	return mapErr(err)
}

func (s *Store) GetTokenByAccess(ctx context.Context, access string) (*store.AccessToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM oauth_tokens WHERE access = $1`, access)
	return scanToken(row)
}

func (s *Store) GetTokenByRefresh(ctx context.Context, refresh string) (*store.AccessToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM oauth_tokens WHERE refresh = $1`, refresh)
	return scanToken(row)
}

func (s *Store) DeleteToken(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return noRowsAsNotFound(res)
}

func (s *Store) DeleteUserClientTokens(ctx context.Context, userID int32, clientID string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM oauth_tokens WHERE user_id = $1 AND client_id = $2 RETURNING id`,
		userID, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var removed []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		removed = append(removed, id)
	}
	return removed, rows.Err()
}

// --- SessionStore ---

func (s *Store) CreateSession(ctx context.Context, sess *store.LoginSession) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO login_sessions (user_id, token_id, ip, user_agent, is_verified,
			is_new_device, web_uuid, device_id, created_at, verified_at, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 RETURNING id`,
		sess.UserID, sess.TokenID, sess.IP, sess.UserAgent, sess.IsVerified,
		sess.IsNewDevice, sess.WebUUID, sess.DeviceID, sess.CreatedAt,
		nullTime(sess.VerifiedAt), sess.ExpiresAt,
	).Scan(&sess.ID)
	return mapErr(err)
}

func (s *Store) GetSessionByToken(ctx context.Context, tokenID int64) (*store.LoginSession, error) {
	var sess store.LoginSession
	var verifiedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, token_id, ip, user_agent, is_verified, is_new_device,
			web_uuid, device_id, created_at, verified_at, expires_at
		 FROM login_sessions WHERE token_id = $1`, tokenID,
	).Scan(
		&sess.ID, &sess.UserID, &sess.TokenID, &sess.IP, &sess.UserAgent,
		&sess.IsVerified, &sess.IsNewDevice, &sess.WebUUID, &sess.DeviceID,
		&sess.CreatedAt, &verifiedAt, &sess.ExpiresAt,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	sess.VerifiedAt = fromNullTime(verifiedAt)
	return &sess, nil
}

func (s *Store) MarkVerified(ctx context.Context, sessionID int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE login_sessions SET is_verified = TRUE, verified_at = $1 WHERE id = $2`,
		at, sessionID)
	if err != nil {
		return err
	}
	return noRowsAsNotFound(res)
}

func (s *Store) DeleteSessionsForToken(ctx context.Context, tokenID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM login_sessions WHERE token_id = $1`, tokenID)
	return err
}

// --- DeviceStore ---

func (s *Store) FindTrustedDevice(ctx context.Context, userID int32, clientType store.ClientType, ip, webUUID string, now time.Time) (*store.TrustedDevice, error) {
	var row *sql.Row
	if clientType == store.ClientTypeWeb {
		if webUUID == "" {
			return nil, store.ErrNotFound
		}
		row = s.db.QueryRowContext(ctx,
			`SELECT id, user_id, client_type, ip, web_uuid, user_agent, last_used_at, expires_at
			 FROM trusted_devices
			 WHERE user_id = $1 AND client_type = $2 AND web_uuid = $3 AND expires_at > $4`,
			userID, clientType, webUUID, now)
	} else {
		if ip == "" {
			return nil, store.ErrNotFound
		}
		row = s.db.QueryRowContext(ctx,
			`SELECT id, user_id, client_type, ip, web_uuid, user_agent, last_used_at, expires_at
			 FROM trusted_devices
			 WHERE user_id = $1 AND client_type = $2 AND ip = $3 AND expires_at > $4`,
			userID, clientType, ip, now)
	}

	var d store.TrustedDevice
	err := row.Scan(&d.ID, &d.UserID, &d.ClientType, &d.IP, &d.WebUUID,
		&d.UserAgent, &d.LastUsedAt, &d.ExpiresAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &d, nil
}

func (s *Store) UpsertTrustedDevice(ctx context.Context, d *store.TrustedDevice) error {
	// Match the fingerprint column relevant to the client type; refresh if
	// present, insert otherwise. Done in two statements since the match key
	// is conditional.
	var existing int64
	var err error
	if d.ClientType == store.ClientTypeWeb {
		err = s.db.QueryRowContext(ctx,
			`SELECT id FROM trusted_devices
			 WHERE user_id = $1 AND client_type = $2 AND web_uuid = $3`,
			d.UserID, d.ClientType, d.WebUUID).Scan(&existing)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT id FROM trusted_devices
			 WHERE user_id = $1 AND client_type = $2 AND ip = $3`,
			d.UserID, d.ClientType, d.IP).Scan(&existing)
	}

	if err == nil {
		d.ID = existing
		_, err = s.db.ExecContext(ctx,
			`UPDATE trusted_devices SET user_agent = $1, last_used_at = $2, expires_at = $3
			 WHERE id = $4`,
			d.UserAgent, d.LastUsedAt, d.ExpiresAt, existing)
		return err
	}
	if err != sql.ErrNoRows {
		return err
	}

	err = s.db.QueryRowContext(ctx,
		`INSERT INTO trusted_devices (user_id, client_type, ip, web_uuid, user_agent,
			last_used_at, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 RETURNING id`,
		d.UserID, d.ClientType, d.IP, d.WebUUID, d.UserAgent,
		d.LastUsedAt, d.ExpiresAt,
	).Scan(&d.ID)
	return mapErr(err)
}

func (s *Store) DeleteExpiredDevices(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM trusted_devices WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- VerificationStore ---

func (s *Store) GetActiveCode(ctx context.Context, userID int32, email string, now time.Time) (*store.VerificationCode, error) {
	var c store.VerificationCode
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, email, code, used, created_at, expires_at
		 FROM verification_codes
		 WHERE user_id = $1 AND lower(email) = lower($2) AND used = FALSE AND expires_at > $3
		 ORDER BY id DESC LIMIT 1`,
		userID, email, now,
	).Scan(&c.ID, &c.UserID, &c.Email, &c.Code, &c.Used, &c.CreatedAt, &c.ExpiresAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func (s *Store) CreateCode(ctx context.Context, c *store.VerificationCode) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO verification_codes (user_id, email, code, used, created_at, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 RETURNING id`,
		c.UserID, c.Email, c.Code, c.Used, c.CreatedAt, c.ExpiresAt,
	).Scan(&c.ID)
	return mapErr(err)
}

func (s *Store) MarkCodeUsed(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE verification_codes SET used = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return noRowsAsNotFound(res)
}

func (s *Store) RecordLoginAttempt(ctx context.Context, a *store.LoginAttempt) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO login_attempts (user_id, username, ip, user_agent, success, reason, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 RETURNING id`,
		a.UserID, a.Username, a.IP, a.UserAgent, a.Success, a.Reason, a.CreatedAt,
	).Scan(&a.ID)
	return mapErr(err)
}
