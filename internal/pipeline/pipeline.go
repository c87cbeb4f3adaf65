// Package pipeline implements write-first read-latest message storage.
// Messages become visible instantly through Redis, a background loop
// persists them to durable storage in batches, and reads merge both
// sources. The package owns the msg:*, channel:*:messages, chat:* and
// pending_messages key layout; nothing else in the tree touches it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/M1PPosu/lazer-server-sub001/internal/logging"
	"github.com/M1PPosu/lazer-server-sub001/internal/metrics"
	"github.com/M1PPosu/lazer-server-sub001/internal/store"
)

const (
	counterKey = "global_message_id_counter"
	pendingKey = "pending_messages"

	// ringCap bounds the per-channel sorted set of recent message ids.
	ringCap = 1000
	// batchMax bounds how many queued messages one flush persists.
	batchMax = 100

	hashTTL    = 7 * 24 * time.Hour
	popTimeout = 2 * time.Second

	defaultReadLimit = 50

	statusPending   = "pending"
	statusPersisted = "persisted"
)

func msgKey(channelID, id int64) string {
	return fmt.Sprintf("msg:%d:%d", channelID, id)
}

func ringKey(channelID int64) string {
	return fmt.Sprintf("channel:%d:messages", channelID)
}

func lastMsgKey(channelID int64) string {
	return fmt.Sprintf("chat:%d:last_msg", channelID)
}

func lastReadKey(channelID int64, userID int32) string {
	return fmt.Sprintf("chat:%d:last_read:%d", channelID, userID)
}

// Service assigns globally monotonic message ids and moves messages
// between Redis and durable storage. With a nil Redis client it runs in
// single-instance mode: ids come from an in-process counter and
// non-ephemeral messages go straight to durable storage.
type Service struct {
	rdb *redis.Client
	st  store.MessageStore

	mu        sync.Mutex
	localID   int64
	localRing map[int64][]store.ChatMessage
	localLast map[int64]int64
	localRead map[string]int64

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewService creates the pipeline. rdb may be nil when Redis is disabled.
func NewService(rdb *redis.Client, st store.MessageStore) *Service {
	return &Service{
		rdb:       rdb,
		st:        st,
		localRing: make(map[int64][]store.ChatMessage),
		localLast: make(map[int64]int64),
		localRead: make(map[string]int64),
	}
}

// Seed aligns the id counter with durable storage and repairs any
// per-channel ring whose key type drifted. Call once before Start.
func (s *Service) Seed(ctx context.Context) error {
	dbMax, err := s.st.MaxMessageID(ctx)
	if err != nil {
		return fmt.Errorf("reading max persisted message id: %w", err)
	}

	if s.rdb == nil {
		s.mu.Lock()
		s.localID = dbMax
		s.mu.Unlock()
		return nil
	}

	var cur int64
	v, err := s.rdb.Get(ctx, counterKey).Result()
	switch {
	case err == nil:
		cur, _ = strconv.ParseInt(v, 10, 64)
	case errors.Is(err, redis.Nil):
	default:
		return fmt.Errorf("reading message id counter: %w", err)
	}
	if dbMax > cur {
		if err := s.rdb.Set(ctx, counterKey, dbMax, 0).Err(); err != nil {
			return fmt.Errorf("seeding message id counter: %w", err)
		}
		logging.Info(ctx, "Seeded message id counter from durable storage",
			zap.Int64("counter", dbMax), zap.Int64("previous", cur))
	}

	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, "channel:*:messages", 100).Result()
		if err != nil {
			return fmt.Errorf("scanning message rings: %w", err)
		}
		for _, k := range keys {
			t, err := s.rdb.Type(ctx, k).Result()
			if err != nil {
				continue
			}
			if t != "zset" && t != "none" {
				s.rdb.Del(ctx, k)
				logging.Warn(ctx, "Dropped message ring with unexpected type",
					zap.String("key", k), zap.String("type", t))
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}

// AddMessage assigns the next id, writes the message to Redis, and for
// non-ephemeral channels queues it for batch persistence. The returned
// message carries the assigned id and timestamp.
func (s *Service) AddMessage(ctx context.Context, msg store.ChatMessage, ephemeral bool) (store.ChatMessage, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if s.rdb == nil {
		return s.addLocal(ctx, msg, ephemeral)
	}

	id, err := s.rdb.Incr(ctx, counterKey).Result()
	if err != nil {
		return store.ChatMessage{}, fmt.Errorf("allocating message id: %w", err)
	}
	msg.ID = id

	key := msgKey(msg.ChannelID, id)
	if err := s.rdb.HSet(ctx, key, encodeHash(msg)).Err(); err != nil {
		return store.ChatMessage{}, fmt.Errorf("writing message hash: %w", err)
	}
	if err := s.rdb.Expire(ctx, key, hashTTL).Err(); err != nil {
		logging.Warn(ctx, "Setting message hash TTL failed", zap.String("key", key), zap.Error(err))
	}

	ring := ringKey(msg.ChannelID)
	if err := s.zaddWithRepair(ctx, ring, id); err != nil {
		return store.ChatMessage{}, fmt.Errorf("indexing message: %w", err)
	}
	if err := s.rdb.ZRemRangeByRank(ctx, ring, 0, int64(-(ringCap + 1))).Err(); err != nil {
		logging.Warn(ctx, "Trimming message ring failed", zap.String("key", ring), zap.Error(err))
	}
	if err := s.rdb.Set(ctx, lastMsgKey(msg.ChannelID), id, 0).Err(); err != nil {
		logging.Warn(ctx, "Updating channel last message id failed",
			zap.Int64("channelId", msg.ChannelID), zap.Error(err))
	}

	if !ephemeral {
		entry := fmt.Sprintf("%d:%d", msg.ChannelID, id)
		if err := s.rdb.LPush(ctx, pendingKey, entry).Err(); err != nil {
			return store.ChatMessage{}, fmt.Errorf("queueing message for persistence: %w", err)
		}
	}
	return msg, nil
}

// zaddWithRepair inserts the id into the ring, deleting and re-creating
// the key when its type drifted away from a sorted set.
func (s *Service) zaddWithRepair(ctx context.Context, key string, id int64) error {
	member := redis.Z{Score: float64(id), Member: strconv.FormatInt(id, 10)}
	err := s.rdb.ZAdd(ctx, key, member).Err()
	if err != nil && strings.Contains(err.Error(), "WRONGTYPE") {
		logging.Warn(ctx, "Re-creating message ring with unexpected type", zap.String("key", key))
		s.rdb.Del(ctx, key)
		err = s.rdb.ZAdd(ctx, key, member).Err()
	}
	return err
}

// GetMessages returns up to limit messages of a channel in ascending id
// order. since > 0 reads forward from since (exclusive); until > 0 reads
// the newest ids below until; with neither set it returns the newest
// limit messages. Durable storage fills in whatever the Redis ring no
// longer holds, except for ephemeral channels which exist only in Redis.
func (s *Service) GetMessages(ctx context.Context, channelID int64, limit int, since, until int64, ephemeral bool) ([]store.ChatMessage, error) {
	if limit <= 0 {
		limit = defaultReadLimit
	}
	if s.rdb == nil {
		return s.getLocal(ctx, channelID, limit, since, until, ephemeral)
	}

	key := ringKey(channelID)
	switch {
	case since > 0:
		ids, err := s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min:   "(" + strconv.FormatInt(since, 10),
			Max:   "+inf",
			Count: int64(limit),
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("reading message ring: %w", err)
		}
		msgs := s.fetchBodies(ctx, channelID, ids)
		if len(msgs) >= limit || ephemeral {
			return msgs, nil
		}
		// The ring is capped, so older ids may only exist durably. When
		// nothing at or before since remains in Redis the gap is real.
		older, cerr := s.rdb.ZCount(ctx, key, "-inf", strconv.FormatInt(since, 10)).Result()
		if cerr == nil && older > 0 {
			return msgs, nil
		}
		dbMsgs, derr := s.st.GetMessages(ctx, channelID, limit, since, 0)
		if derr != nil {
			if len(msgs) > 0 {
				return msgs, nil
			}
			return nil, derr
		}
		return mergeByID(dbMsgs, msgs, limit), nil

	case until > 0:
		ids, err := s.rdb.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{
			Max:   "(" + strconv.FormatInt(until, 10),
			Min:   "-inf",
			Count: int64(limit),
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("reading message ring: %w", err)
		}
		reverseStrings(ids)
		msgs := s.fetchBodies(ctx, channelID, ids)
		if len(msgs) > 0 || ephemeral {
			return msgs, nil
		}
		return s.st.GetMessages(ctx, channelID, limit, 0, until)

	default:
		ids, err := s.rdb.ZRevRange(ctx, key, 0, int64(limit-1)).Result()
		if err != nil {
			return nil, fmt.Errorf("reading message ring: %w", err)
		}
		reverseStrings(ids)
		msgs := s.fetchBodies(ctx, channelID, ids)
		if len(msgs) > 0 || ephemeral {
			return msgs, nil
		}
		return s.st.GetMessages(ctx, channelID, limit, 0, 0)
	}
}

// LastMessageID returns the id of the newest message in a channel, 0 when
// the channel has none.
func (s *Service) LastMessageID(ctx context.Context, channelID int64) (int64, error) {
	if s.rdb == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.localLast[channelID], nil
	}

	v, err := s.rdb.Get(ctx, lastMsgKey(channelID)).Result()
	if err == nil {
		return strconv.ParseInt(v, 10, 64)
	}
	if !errors.Is(err, redis.Nil) {
		return 0, err
	}
	ids, err := s.rdb.ZRevRange(ctx, ringKey(channelID), 0, 0).Result()
	if err == nil && len(ids) == 1 {
		return strconv.ParseInt(ids[0], 10, 64)
	}
	msgs, err := s.st.GetMessages(ctx, channelID, 1, 0, 0)
	if err != nil || len(msgs) == 0 {
		return 0, err
	}
	return msgs[len(msgs)-1].ID, nil
}

// MarkRead records the newest message id a user has seen in a channel.
func (s *Service) MarkRead(ctx context.Context, channelID int64, userID int32, messageID int64) error {
	if s.rdb == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if messageID > s.localRead[lastReadKey(channelID, userID)] {
			s.localRead[lastReadKey(channelID, userID)] = messageID
		}
		return nil
	}
	return s.rdb.Set(ctx, lastReadKey(channelID, userID), messageID, 0).Err()
}

// LastReadID returns the newest message id a user has seen in a channel,
// 0 when nothing was recorded.
func (s *Service) LastReadID(ctx context.Context, channelID int64, userID int32) (int64, error) {
	if s.rdb == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.localRead[lastReadKey(channelID, userID)], nil
	}
	v, err := s.rdb.Get(ctx, lastReadKey(channelID, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

// Start launches the batch persister. No-op in single-instance mode,
// where messages are written durably at add time.
func (s *Service) Start(ctx context.Context) {
	if s.rdb == nil {
		logging.GetLogger().Debug("Redis disabled, batch persister not started (single-instance mode)")
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.persistLoop(ctx)
}

// Shutdown stops the persister and waits for the in-flight batch.
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

func (s *Service) persistLoop(ctx context.Context) {
	defer s.wg.Done()
	logging.Info(ctx, "Message batch persister started")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		keys, err := s.popBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Error(ctx, "Popping pending messages failed", zap.Error(err))
			sleepCtx(ctx, time.Second)
			continue
		}
		if len(keys) == 0 {
			continue
		}
		if err := s.flush(ctx, keys); err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Error(ctx, "Persisting message batch failed",
				zap.Int("count", len(keys)), zap.Error(err))
			sleepCtx(ctx, time.Second)
		}
	}
}

// popBatch blocks for one queued entry, then drains up to batchMax-1
// more without blocking. Entries are "{channel_id}:{id}".
func (s *Service) popBatch(ctx context.Context) ([]string, error) {
	vals, err := s.rdb.BRPop(ctx, popTimeout, pendingKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	keys := []string{vals[1]}
	for len(keys) < batchMax {
		v, err := s.rdb.RPop(ctx, pendingKey).Result()
		if err != nil {
			break
		}
		keys = append(keys, v)
	}
	return keys, nil
}

// flush looks up each queued hash, inserts the batch in one transaction,
// and marks the hashes persisted. Failed entries are requeued; inserts
// are idempotent so re-persisting after a crash is harmless.
func (s *Service) flush(ctx context.Context, keys []string) error {
	start := time.Now()

	batch := make([]store.ChatMessage, 0, len(keys))
	batchKeys := make([]string, 0, len(keys))
	var retry []string

	for _, k := range keys {
		channelID, id, ok := parsePendingEntry(k)
		if !ok {
			logging.Warn(ctx, "Dropping malformed pending entry", zap.String("entry", k))
			continue
		}
		vals, err := s.rdb.HGetAll(ctx, msgKey(channelID, id)).Result()
		if err != nil {
			retry = append(retry, k)
			continue
		}
		if len(vals) == 0 {
			// Hash expired before we got to it; nothing left to persist.
			continue
		}
		msg, err := decodeHash(vals)
		if err != nil {
			logging.Warn(ctx, "Dropping undecodable message hash",
				zap.Int64("channelId", channelID), zap.Int64("id", id), zap.Error(err))
			continue
		}
		batch = append(batch, msg)
		batchKeys = append(batchKeys, k)
	}

	var insertErr error
	if len(batch) > 0 {
		if insertErr = s.st.InsertMessages(ctx, batch); insertErr != nil {
			retry = append(retry, batchKeys...)
		} else {
			for _, m := range batch {
				if err := s.rdb.HSet(ctx, msgKey(m.ChannelID, m.ID), "status", statusPersisted).Err(); err != nil {
					logging.Warn(ctx, "Marking message persisted failed",
						zap.Int64("id", m.ID), zap.Error(err))
				}
			}
			metrics.PipelineBatchSize.Observe(float64(len(batch)))
			metrics.PipelineFlushDuration.Observe(time.Since(start).Seconds())
		}
	}

	if len(retry) > 0 {
		s.requeue(ctx, retry)
	}
	return insertErr
}

// requeue returns entries to the consumption end of the queue, oldest
// first, so a transient failure does not reorder persistence.
func (s *Service) requeue(ctx context.Context, entries []string) {
	for i := len(entries) - 1; i >= 0; i-- {
		if err := s.rdb.RPush(ctx, pendingKey, entries[i]).Err(); err != nil {
			logging.Error(ctx, "Requeueing pending message failed",
				zap.String("entry", entries[i]), zap.Error(err))
		}
	}
}

// fetchBodies resolves ring ids to message bodies, skipping ids whose
// hash already expired. Order of ids is preserved.
func (s *Service) fetchBodies(ctx context.Context, channelID int64, ids []string) []store.ChatMessage {
	msgs := make([]store.ChatMessage, 0, len(ids))
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		vals, err := s.rdb.HGetAll(ctx, msgKey(channelID, id)).Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		msg, err := decodeHash(vals)
		if err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func (s *Service) addLocal(ctx context.Context, msg store.ChatMessage, ephemeral bool) (store.ChatMessage, error) {
	s.mu.Lock()
	s.localID++
	msg.ID = s.localID
	s.localLast[msg.ChannelID] = msg.ID
	if ephemeral {
		ring := append(s.localRing[msg.ChannelID], msg)
		if len(ring) > ringCap {
			ring = ring[len(ring)-ringCap:]
		}
		s.localRing[msg.ChannelID] = ring
		s.mu.Unlock()
		return msg, nil
	}
	s.mu.Unlock()

	if err := s.st.InsertMessages(ctx, []store.ChatMessage{msg}); err != nil {
		return store.ChatMessage{}, err
	}
	return msg, nil
}

func (s *Service) getLocal(ctx context.Context, channelID int64, limit int, since, until int64, ephemeral bool) ([]store.ChatMessage, error) {
	if !ephemeral {
		return s.st.GetMessages(ctx, channelID, limit, since, until)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.ChatMessage, 0, limit)
	for _, m := range s.localRing[channelID] {
		if since > 0 && m.ID <= since {
			continue
		}
		if until > 0 && m.ID >= until {
			continue
		}
		out = append(out, m)
	}
	if len(out) > limit {
		if since > 0 {
			out = out[:limit]
		} else {
			out = out[len(out)-limit:]
		}
	}
	return out, nil
}

func encodeHash(m store.ChatMessage) map[string]any {
	return map[string]any{
		"id":         m.ID,
		"channel_id": m.ChannelID,
		"sender_id":  int64(m.SenderID),
		"content":    m.Content,
		"type":       string(m.Type),
		"uuid":       m.UUID,
		"timestamp":  m.Timestamp.UTC().Format(time.RFC3339Nano),
		"status":     statusPending,
	}
}

func decodeHash(vals map[string]string) (store.ChatMessage, error) {
	id, err := strconv.ParseInt(vals["id"], 10, 64)
	if err != nil {
		return store.ChatMessage{}, fmt.Errorf("bad id %q", vals["id"])
	}
	channelID, err := strconv.ParseInt(vals["channel_id"], 10, 64)
	if err != nil {
		return store.ChatMessage{}, fmt.Errorf("bad channel_id %q", vals["channel_id"])
	}
	senderID, err := strconv.ParseInt(vals["sender_id"], 10, 32)
	if err != nil {
		return store.ChatMessage{}, fmt.Errorf("bad sender_id %q", vals["sender_id"])
	}
	ts, err := time.Parse(time.RFC3339Nano, vals["timestamp"])
	if err != nil {
		return store.ChatMessage{}, fmt.Errorf("bad timestamp %q", vals["timestamp"])
	}
	return store.ChatMessage{
		ID:        id,
		ChannelID: channelID,
		SenderID:  int32(senderID),
		Content:   vals["content"],
		Type:      store.MessageType(vals["type"]),
		UUID:      vals["uuid"],
		Timestamp: ts,
	}, nil
}

func parsePendingEntry(entry string) (channelID, id int64, ok bool) {
	c, i, found := strings.Cut(entry, ":")
	if !found {
		return 0, 0, false
	}
	channelID, err := strconv.ParseInt(c, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	id, err = strconv.ParseInt(i, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return channelID, id, true
}

func mergeByID(a, b []store.ChatMessage, limit int) []store.ChatMessage {
	seen := make(map[int64]store.ChatMessage, len(a)+len(b))
	for _, m := range a {
		seen[m.ID] = m
	}
	for _, m := range b {
		seen[m.ID] = m
	}
	out := make([]store.ChatMessage, 0, len(seen))
	for _, m := range seen {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func reverseStrings(ss []string) {
	for i, j := 0, len(ss)-1; i < j; i, j = i+1, j-1 {
		ss[i], ss[j] = ss[j], ss[i]
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
