package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/M1PPosu/lazer-server-sub001/internal/store"
)

func (s *Store) CreateRoom(ctx context.Context, r *store.Room) error {
	if r.StartsAt.IsZero() {
		r.StartsAt = time.Now()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO rooms (host_id, name, type, queue_mode, status, category,
			password, auto_start_seconds, auto_skip, channel_id, participant_count,
			starts_at, ends_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		 RETURNING id`,
		r.HostID, r.Name, r.Type, r.QueueMode, r.Status, r.Category,
		r.Password, int(r.AutoStartDuration.Seconds()), r.AutoSkip, r.ChannelID,
		r.ParticipantCount, r.StartsAt, nullTime(r.EndsAt),
	).Scan(&r.ID)
	return mapErr(err)
}

func (s *Store) GetRoom(ctx context.Context, id int64) (*store.Room, error) {
	var (
		r          store.Room
		autoStartS int
		endsAt     sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, host_id, name, type, queue_mode, status, category, password,
			auto_start_seconds, auto_skip, channel_id, participant_count, starts_at, ends_at
		 FROM rooms WHERE id = $1`, id,
	).Scan(
		&r.ID, &r.HostID, &r.Name, &r.Type, &r.QueueMode, &r.Status, &r.Category,
		&r.Password, &autoStartS, &r.AutoSkip, &r.ChannelID, &r.ParticipantCount,
		&r.StartsAt, &endsAt,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	r.AutoStartDuration = time.Duration(autoStartS) * time.Second
	r.EndsAt = fromNullTime(endsAt)
	return &r, nil
}

func (s *Store) UpdateRoom(ctx context.Context, r *store.Room) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET host_id = $1, name = $2, type = $3, queue_mode = $4,
			status = $5, category = $6, password = $7, auto_start_seconds = $8,
			auto_skip = $9, channel_id = $10, participant_count = $11
		 WHERE id = $12`,
		r.HostID, r.Name, r.Type, r.QueueMode, r.Status, r.Category,
		r.Password, int(r.AutoStartDuration.Seconds()), r.AutoSkip,
		r.ChannelID, r.ParticipantCount, r.ID)
	if err != nil {
		return err
	}
	return noRowsAsNotFound(res)
}

func (s *Store) CloseRoom(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET ends_at = $1, participant_count = 0 WHERE id = $2`,
		at, id)
	if err != nil {
		return err
	}
	return noRowsAsNotFound(res)
}

func (s *Store) SetParticipantCount(ctx context.Context, id int64, count int32) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET participant_count = $1 WHERE id = $2`, count, id)
	if err != nil {
		return err
	}
	return noRowsAsNotFound(res)
}

// --- Playlist items ---

func (s *Store) CreatePlaylistItem(ctx context.Context, item *store.PlaylistItem) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO playlist_items (room_id, owner_id, beatmap_id, beatmap_checksum,
			ruleset_id, required_mods, allowed_mods, freestyle, expired,
			playlist_order, played_at, star_rating)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		 RETURNING id`,
		item.RoomID, item.OwnerID, item.BeatmapID, item.BeatmapChecksum,
		item.RulesetID, item.RequiredMods, item.AllowedMods, item.Freestyle,
		item.Expired, item.PlaylistOrder, nullTime(item.PlayedAt), item.StarRating,
	).Scan(&item.ID)
	return mapErr(err)
}

func (s *Store) UpdatePlaylistItem(ctx context.Context, item *store.PlaylistItem) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE playlist_items SET beatmap_id = $1, beatmap_checksum = $2,
			ruleset_id = $3, required_mods = $4, allowed_mods = $5, freestyle = $6,
			expired = $7, playlist_order = $8, played_at = $9, star_rating = $10,
			owner_id = $11
		 WHERE id = $12 AND room_id = $13`,
		item.BeatmapID, item.BeatmapChecksum, item.RulesetID,
		item.RequiredMods, item.AllowedMods, item.Freestyle, item.Expired,
		item.PlaylistOrder, nullTime(item.PlayedAt), item.StarRating,
		item.OwnerID, item.ID, item.RoomID)
	if err != nil {
		return err
	}
	return noRowsAsNotFound(res)
}

func (s *Store) RemovePlaylistItem(ctx context.Context, roomID, itemID int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM playlist_items WHERE id = $1 AND room_id = $2`, itemID, roomID)
	if err != nil {
		return err
	}
	return noRowsAsNotFound(res)
}

func (s *Store) GetPlaylistItems(ctx context.Context, roomID int64) ([]store.PlaylistItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, owner_id, beatmap_id, beatmap_checksum, ruleset_id,
			required_mods, allowed_mods, freestyle, expired, playlist_order,
			played_at, star_rating
		 FROM playlist_items WHERE room_id = $1
		 ORDER BY expired ASC, playlist_order ASC, id ASC`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.PlaylistItem
	for rows.Next() {
		var (
			item     store.PlaylistItem
			playedAt sql.NullTime
		)
		if err := rows.Scan(
			&item.ID, &item.RoomID, &item.OwnerID, &item.BeatmapID,
			&item.BeatmapChecksum, &item.RulesetID, &item.RequiredMods,
			&item.AllowedMods, &item.Freestyle, &item.Expired,
			&item.PlaylistOrder, &playedAt, &item.StarRating,
		); err != nil {
			return nil, err
		}
		item.PlayedAt = fromNullTime(playedAt)
		out = append(out, item)
	}
	return out, rows.Err()
}

// --- ScoreStore ---

func (s *Store) GetScoreToken(ctx context.Context, id int64) (*store.ScoreToken, error) {
	var t store.ScoreToken
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, beatmap_id, ruleset_id, score_id, created_at
		 FROM score_tokens WHERE id = $1`, id,
	).Scan(&t.ID, &t.UserID, &t.BeatmapID, &t.RulesetID, &t.ScoreID, &t.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &t, nil
}

func (s *Store) CreateScoreToken(ctx context.Context, t *store.ScoreToken) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO score_tokens (user_id, beatmap_id, ruleset_id, score_id, created_at)
		 VALUES ($1,$2,$3,$4,$5)
		 RETURNING id`,
		t.UserID, t.BeatmapID, t.RulesetID, t.ScoreID, t.CreatedAt,
	).Scan(&t.ID)
	return mapErr(err)
}

func (s *Store) BindScore(ctx context.Context, tokenID, scoreID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE score_tokens SET score_id = $1 WHERE id = $2`, scoreID, tokenID)
	if err != nil {
		return err
	}
	return noRowsAsNotFound(res)
}

const scoreColumns = `id, user_id, beatmap_id, ruleset_id, total_score,
	accuracy, max_combo, rank, pp, passed, has_replay, created_at`

func scanScore(row *sql.Row) (*store.Score, error) {
	var sc store.Score
	err := row.Scan(
		&sc.ID, &sc.UserID, &sc.BeatmapID, &sc.RulesetID, &sc.TotalScore,
		&sc.Accuracy, &sc.MaxCombo, &sc.Rank, &sc.PP, &sc.Passed,
		&sc.HasReplay, &sc.CreatedAt,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	return &sc, nil
}

func (s *Store) GetScore(ctx context.Context, id int64) (*store.Score, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scoreColumns+` FROM scores WHERE id = $1`, id)
	return scanScore(row)
}

func (s *Store) CreateScore(ctx context.Context, sc *store.Score) error {
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO scores (user_id, beatmap_id, ruleset_id, total_score, accuracy,
			max_combo, rank, pp, passed, has_replay, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 RETURNING id`,
		sc.UserID, sc.BeatmapID, sc.RulesetID, sc.TotalScore, sc.Accuracy,
		sc.MaxCombo, sc.Rank, sc.PP, sc.Passed, sc.HasReplay, sc.CreatedAt,
	).Scan(&sc.ID)
	return mapErr(err)
}

func (s *Store) SetHasReplay(ctx context.Context, scoreID int64, has bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scores SET has_replay = $1 WHERE id = $2`, has, scoreID)
	if err != nil {
		return err
	}
	return noRowsAsNotFound(res)
}

func (s *Store) GetUserRecentScore(ctx context.Context, userID int32, rulesetID int32) (*store.Score, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scoreColumns+` FROM scores
		 WHERE user_id = $1 AND ruleset_id = $2
		 ORDER BY created_at DESC LIMIT 1`, userID, rulesetID)
	return scanScore(row)
}

func (s *Store) GetUserBestScore(ctx context.Context, userID int32, rulesetID int32) (*store.Score, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scoreColumns+` FROM scores
		 WHERE user_id = $1 AND ruleset_id = $2 AND passed = TRUE
		 ORDER BY pp DESC LIMIT 1`, userID, rulesetID)
	return scanScore(row)
}

func (s *Store) GetUserStats(ctx context.Context, userID int32, rulesetID int32) (*store.UserStats, error) {
	var st store.UserStats
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, ruleset_id, global_rank, country_rank, pp, accuracy,
			play_count, ranked_score
		 FROM user_stats WHERE user_id = $1 AND ruleset_id = $2`,
		userID, rulesetID,
	).Scan(&st.UserID, &st.RulesetID, &st.GlobalRank, &st.CountryRank,
		&st.PP, &st.Accuracy, &st.PlayCount, &st.RankedScore)
	if err != nil {
		return nil, mapErr(err)
	}
	return &st, nil
}
