package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/M1PPosu/lazer-server-sub001/internal/store"
)

const channelColumns = `id, name, description, type, password, created_at`

func scanChannel(row *sql.Row) (*store.ChatChannel, error) {
	var c store.ChatChannel
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.Type, &c.Password, &c.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func (s *Store) GetChannel(ctx context.Context, id int64) (*store.ChatChannel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE id = $1`, id)
	return scanChannel(row)
}

func (s *Store) GetChannelByName(ctx context.Context, name string) (*store.ChatChannel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE name = $1`, name)
	return scanChannel(row)
}

func (s *Store) CreateChannel(ctx context.Context, c *store.ChatChannel) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO channels (name, description, type, password, created_at)
		 VALUES ($1,$2,$3,$4,$5)
		 RETURNING id`,
		c.Name, c.Description, c.Type, c.Password, c.CreatedAt,
	).Scan(&c.ID)
	return mapErr(err)
}

func (s *Store) DeleteChannel(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return noRowsAsNotFound(res)
}

func (s *Store) JoinChannel(ctx context.Context, channelID int64, userID int32) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_users (channel_id, user_id)
		 SELECT $1, $2 WHERE EXISTS (SELECT 1 FROM channels WHERE id = $1)
		 ON CONFLICT DO NOTHING`,
		channelID, userID)
	if err != nil {
		return err
	}
	// Distinguish "already a member" (fine) from "no such channel".
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM channels WHERE id = $1)`, channelID,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return store.ErrNotFound
		}
	}
	return nil
}

func (s *Store) LeaveChannel(ctx context.Context, channelID int64, userID int32) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM channel_users WHERE channel_id = $1 AND user_id = $2`,
		channelID, userID)
	return err
}

func (s *Store) GetChannelMembers(ctx context.Context, channelID int64) ([]int32, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM channel_users WHERE channel_id = $1 ORDER BY user_id`,
		channelID)
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

func (s *Store) GetUserChannels(ctx context.Context, userID int32) ([]store.ChatChannel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.name, c.description, c.type, c.password, c.created_at
		 FROM channels c
		 JOIN channel_users cu ON cu.channel_id = c.id
		 WHERE cu.user_id = $1
		 ORDER BY c.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectChannels(rows)
}

func (s *Store) ListChannelsByType(ctx context.Context, t store.ChannelType) ([]store.ChatChannel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE type = $1 ORDER BY id`, t)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectChannels(rows)
}

func collectChannels(rows *sql.Rows) ([]store.ChatChannel, error) {
	var out []store.ChatChannel
	for rows.Next() {
		var c store.ChatChannel
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.Type, &c.Password, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- MessageStore ---

func (s *Store) InsertMessages(ctx context.Context, msgs []store.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages (id, channel_id, sender_id, content, type, uuid, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range msgs {
		if _, err := stmt.ExecContext(ctx,
			m.ID, m.ChannelID, m.SenderID, m.Content, m.Type, m.UUID, m.Timestamp,
		); err != nil {
			return fmt.Errorf("insert message %d: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetMessages(ctx context.Context, channelID int64, limit int, since, until int64) ([]store.ChatMessage, error) {
	var (
		conds = []string{"channel_id = $1"}
		args  = []any{channelID}
	)
	if since > 0 {
		args = append(args, since)
		conds = append(conds, fmt.Sprintf("id > $%d", len(args)))
	}
	if until > 0 {
		args = append(args, until)
		conds = append(conds, fmt.Sprintf("id < $%d", len(args)))
	}

	// Without a lower bound the most recent messages win, so select
	// descending and flip afterwards.
	order := "ASC"
	if since == 0 {
		order = "DESC"
	}
	args = append(args, limit)
	q := fmt.Sprintf(
		`SELECT id, channel_id, sender_id, content, type, uuid, created_at
		 FROM messages WHERE %s ORDER BY id %s LIMIT $%d`,
		strings.Join(conds, " AND "), order, len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.ChatMessage
	for rows.Next() {
		var m store.ChatMessage
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.SenderID, &m.Content, &m.Type, &m.UUID, &m.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if order == "DESC" {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (s *Store) MaxMessageID(ctx context.Context) (int64, error) {
	var max int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM messages`).Scan(&max)
	return max, err
}

// --- NotificationStore ---

func (s *Store) CreateNotification(ctx context.Context, n *store.Notification, receivers []int32) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		`INSERT INTO notifications (name, category, object_type, object_id, source_id, details, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 RETURNING id`,
		n.Name, n.Category, n.ObjectType, n.ObjectID, n.SourceID, n.Details, n.CreatedAt,
	).Scan(&n.ID)
	if err != nil {
		return mapErr(err)
	}

	for _, uid := range receivers {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_notifications (user_id, notification_id) VALUES ($1,$2)`,
			uid, n.ID,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetUserNotifications(ctx context.Context, userID int32, limit int) ([]store.Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT n.id, n.name, n.category, n.object_type, n.object_id, n.source_id, n.details, n.created_at, un.is_read
		 FROM notifications n
		 JOIN user_notifications un ON un.notification_id = n.id
		 WHERE un.user_id = $1
		 ORDER BY n.id DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Notification
	for rows.Next() {
		var n store.Notification
		if err := rows.Scan(&n.ID, &n.Name, &n.Category, &n.ObjectType, &n.ObjectID, &n.SourceID, &n.Details, &n.CreatedAt, &n.IsRead); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) MarkNotificationsRead(ctx context.Context, userID int32, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE user_notifications SET is_read = TRUE
		 WHERE user_id = $1 AND notification_id = ANY($2)`,
		userID, pq.Array(ids))
	return err
}

func (s *Store) UnreadCount(ctx context.Context, userID int32) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_notifications WHERE user_id = $1 AND is_read = FALSE`,
		userID).Scan(&n)
	return n, err
}
