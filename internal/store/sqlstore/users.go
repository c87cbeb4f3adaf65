package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/M1PPosu/lazer-server-sub001/internal/store"
)

const userColumns = `id, username, email, password_hash, country_code, is_bot,
	is_restricted, pm_friends_only, playmode, totp_secret, backup_codes,
	previous_usernames, last_visit, join_date`

func scanUser(row *sql.Row) (*store.User, error) {
	var u store.User
	err := row.Scan(
		&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CountryCode,
		&u.IsBot, &u.IsRestricted, &u.PMFriendsOnly, &u.PlayMode,
		&u.TOTPSecret, pq.Array(&u.BackupCodes), pq.Array(&u.PreviousNames),
		&u.LastVisit, &u.JoinDate,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

func (s *Store) GetUser(ctx context.Context, id int32) (*store.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(username) = lower($1)`, username)
	return scanUser(row)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*store.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email)
	return scanUser(row)
}

func (s *Store) CreateUser(ctx context.Context, u *store.User) error {
	if u.JoinDate.IsZero() {
		u.JoinDate = time.Now()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO users (username, email, password_hash, country_code, is_bot,
			is_restricted, pm_friends_only, playmode, totp_secret, backup_codes,
			previous_usernames, last_visit, join_date)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		 RETURNING id`,
		u.Username, u.Email, u.PasswordHash, u.CountryCode, u.IsBot,
		u.IsRestricted, u.PMFriendsOnly, u.PlayMode, u.TOTPSecret,
		pq.Array(u.BackupCodes), pq.Array(u.PreviousNames),
		u.JoinDate, u.JoinDate,
	).Scan(&u.ID)
	return mapErr(err)
}

func (s *Store) UpdateLastVisit(ctx context.Context, id int32, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_visit = $1 WHERE id = $2`, at, id)
	if err != nil {
		return err
	}
	return noRowsAsNotFound(res)
}

func (s *Store) SetTOTPKey(ctx context.Context, id int32, secret string, backupCodes []string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET totp_secret = $1, backup_codes = $2 WHERE id = $3`,
		secret, pq.Array(backupCodes), id)
	if err != nil {
		return err
	}
	return noRowsAsNotFound(res)
}

func (s *Store) ConsumeBackupCode(ctx context.Context, id int32, code string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET backup_codes = array_remove(backup_codes, $1)
		 WHERE id = $2 AND $1 = ANY(backup_codes)`,
		code, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- RelationshipStore ---

func (s *Store) GetFriends(ctx context.Context, userID int32) ([]int32, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT target_id FROM relationships
		 WHERE user_id = $1 AND kind = $2 ORDER BY target_id`,
		userID, store.RelationFriend)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int32
	for rows.Next() {
		var id int32
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) IsBlocked(ctx context.Context, a, b int32) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM relationships
		 WHERE kind = $1
		   AND ((user_id = $2 AND target_id = $3) OR (user_id = $3 AND target_id = $2))`,
		store.RelationBlock, a, b).Scan(&n)
	return n > 0, err
}

func (s *Store) AreFriends(ctx context.Context, userID, targetID int32) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM relationships
		 WHERE user_id = $1 AND target_id = $2 AND kind = $3`,
		userID, targetID, store.RelationFriend).Scan(&n)
	return n > 0, err
}

func (s *Store) SetRelation(ctx context.Context, r *store.Relationship) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO relationships (user_id, target_id, kind) VALUES ($1,$2,$3)
		 ON CONFLICT (user_id, target_id) DO UPDATE SET kind = excluded.kind`,
		r.UserID, r.TargetID, r.Kind)
	return err
}
