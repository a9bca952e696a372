// Package coordination holds the shared primitives that keep several bridge
// workers consistent: dedupe markers, flush locks, pending/processing queues,
// note-block state, flush scheduling and shared counters.
package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/crm-chat-sync/internal/domain"
	apperrors "github.com/spec-kit/crm-chat-sync/pkg/util"
)

// Store is the coordination contract shared by every worker process.
type Store interface {
	DedupeAndEnqueue(ctx context.Context, dedupeKey, pendingKey, payload string, ttl time.Duration) (bool, error)
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, lockKey, token string) (bool, error)
	LockHeld(ctx context.Context, lockKey, token string) (bool, error)
	ExtendLock(ctx context.Context, lockKey, token string, ttl time.Duration) (bool, error)
	DrainPending(ctx context.Context, pendingKey, processingKey string, max int) ([]string, error)
	RequeueProcessing(ctx context.Context, pendingKey, processingKey string, items []string) error
	RecoverProcessing(ctx context.Context, pendingKey, processingKey string) (int, error)
	ClearProcessing(ctx context.Context, processingKey string) error
	PendingLen(ctx context.Context, pendingKey string) (int64, error)

	LoadNoteBlock(ctx context.Context, blockKey string) (domain.NoteBlock, error)
	SaveNoteBlock(ctx context.Context, blockKey string, block domain.NoteBlock, ttl time.Duration) error

	SetMarker(ctx context.Context, key, value string, ttl time.Duration) error
	GetMarker(ctx context.Context, key string) (string, bool, error)
	DeleteMarker(ctx context.Context, key string) error

	ScheduleFlush(ctx context.Context, dueKey string, conv domain.ConversationKey, at time.Time) error
	DueFlushes(ctx context.Context, dueKey string, now time.Time, limit int) ([]domain.ConversationKey, error)
	ClaimFlush(ctx context.Context, dueKey string, conv domain.ConversationKey) (bool, error)

	IncrMetric(ctx context.Context, metricsKey, field string, delta int64) error
	Metrics(ctx context.Context, metricsKey string) (map[string]int64, error)
}

// The marker SET and the LPUSH run in one script so a message can never be
// enqueued twice by racing workers.
var dedupeAndEnqueueScript = redis.NewScript(`
local ok = redis.call('SET', KEYS[1], '1', 'NX', 'EX', ARGV[2])
if ok then
  redis.call('LPUSH', KEYS[2], ARGV[1])
  return 1
end
return 0
`)

var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var extendLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// ARGV holds items in drain order (oldest first). Pushing them to the tail in
// reverse restores the original pending order.
var requeueScript = redis.NewScript(`
for i = #ARGV, 1, -1 do
  redis.call('RPUSH', KEYS[1], ARGV[i])
end
redis.call('DEL', KEYS[2])
return #ARGV
`)

// Processing holds the newest drained item at its head, so walking it head to
// tail and appending to the pending tail keeps the oldest item next in line.
var recoverScript = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[2], 0, -1)
for i = 1, #items do
  redis.call('RPUSH', KEYS[1], items[i])
end
redis.call('DEL', KEYS[2])
return #items
`)

// RedisStore implements Store on top of go-redis.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps a connected client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// DedupeAndEnqueue sets the dedupe marker if absent and, only then, pushes payload onto the pending list.
func (s *RedisStore) DedupeAndEnqueue(ctx context.Context, dedupeKey, pendingKey, payload string, ttl time.Duration) (bool, error) {
	seconds := int64(ttl / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	res, err := dedupeAndEnqueueScript.Run(ctx, s.client, []string{dedupeKey, pendingKey}, payload, seconds).Int64()
	if err != nil {
		return false, apperrors.NewCoordinationError("dedupe_enqueue", err)
	}
	return res == 1, nil
}

// AcquireLock claims lockKey for ttl and returns the owner token.
func (s *RedisStore) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return "", false, apperrors.NewCoordinationError("acquire_lock", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseLock deletes lockKey only when it still holds token.
func (s *RedisStore) ReleaseLock(ctx context.Context, lockKey, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	res, err := releaseLockScript.Run(ctx, s.client, []string{lockKey}, token).Int64()
	if err != nil {
		return false, apperrors.NewCoordinationError("release_lock", err)
	}
	return res == 1, nil
}

// LockHeld reports whether token still owns lockKey.
func (s *RedisStore) LockHeld(ctx context.Context, lockKey, token string) (bool, error) {
	current, err := s.client.Get(ctx, lockKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.NewCoordinationError("check_lock", err)
	}
	return current == token, nil
}

// ExtendLock resets the lease of lockKey to ttl if token still owns it.
func (s *RedisStore) ExtendLock(ctx context.Context, lockKey, token string, ttl time.Duration) (bool, error) {
	if token == "" {
		return false, nil
	}
	ms := ttl.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	res, err := extendLockScript.Run(ctx, s.client, []string{lockKey}, token, ms).Int64()
	if err != nil {
		return false, apperrors.NewCoordinationError("extend_lock", err)
	}
	return res == 1, nil
}

// DrainPending moves up to max items from the pending tail to the processing head.
// Each move is a single LMOVE, so an interrupted drain leaves items in processing.
func (s *RedisStore) DrainPending(ctx context.Context, pendingKey, processingKey string, max int) ([]string, error) {
	if max <= 0 {
		return nil, nil
	}
	items := make([]string, 0, max)
	for i := 0; i < max; i++ {
		item, err := s.client.LMove(ctx, pendingKey, processingKey, "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return items, apperrors.NewCoordinationError("drain_pending", err)
		}
		items = append(items, item)
	}
	return items, nil
}

// RequeueProcessing puts drained items back on pending and clears processing.
func (s *RedisStore) RequeueProcessing(ctx context.Context, pendingKey, processingKey string, items []string) error {
	args := make([]interface{}, len(items))
	for i, item := range items {
		args[i] = item
	}
	if err := requeueScript.Run(ctx, s.client, []string{pendingKey, processingKey}, args...).Err(); err != nil {
		return apperrors.NewCoordinationError("requeue_processing", err)
	}
	return nil
}

// RecoverProcessing returns whatever a crashed flush left in processing to pending.
func (s *RedisStore) RecoverProcessing(ctx context.Context, pendingKey, processingKey string) (int, error) {
	n, err := recoverScript.Run(ctx, s.client, []string{pendingKey, processingKey}).Int()
	if err != nil {
		return 0, apperrors.NewCoordinationError("recover_processing", err)
	}
	return n, nil
}

// ClearProcessing drops the processing list after a committed flush.
func (s *RedisStore) ClearProcessing(ctx context.Context, processingKey string) error {
	if err := s.client.Del(ctx, processingKey).Err(); err != nil {
		return apperrors.NewCoordinationError("clear_processing", err)
	}
	return nil
}

// PendingLen returns the number of queued note events.
func (s *RedisStore) PendingLen(ctx context.Context, pendingKey string) (int64, error) {
	n, err := s.client.LLen(ctx, pendingKey).Result()
	if err != nil {
		return 0, apperrors.NewCoordinationError("pending_len", err)
	}
	return n, nil
}

// LoadNoteBlock reads the note block hash. A missing or unreadable hash yields a zero block.
func (s *RedisStore) LoadNoteBlock(ctx context.Context, blockKey string) (domain.NoteBlock, error) {
	fields, err := s.client.HGetAll(ctx, blockKey).Result()
	if err != nil {
		return domain.NoteBlock{}, apperrors.NewCoordinationError("load_note_block", err)
	}
	var block domain.NoteBlock
	if raw := fields["started_at"]; raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			block.StartedAt = ts
		}
	}
	block.MessageCount, _ = strconv.Atoi(fields["message_count"])
	block.ByteCount, _ = strconv.Atoi(fields["byte_count"])
	block.WindowMinutes, _ = strconv.Atoi(fields["window_minutes"])
	block.NoteID = fields["note_id"]
	block.PersonID = fields["person_id"]
	return block, nil
}

// SaveNoteBlock overwrites the note block hash.
func (s *RedisStore) SaveNoteBlock(ctx context.Context, blockKey string, block domain.NoteBlock, ttl time.Duration) error {
	startedAt := ""
	if !block.StartedAt.IsZero() {
		startedAt = block.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, blockKey, map[string]interface{}{
			"started_at":     startedAt,
			"message_count":  block.MessageCount,
			"byte_count":     block.ByteCount,
			"window_minutes": block.WindowMinutes,
			"note_id":        block.NoteID,
			"person_id":      block.PersonID,
		})
		if ttl > 0 {
			pipe.Expire(ctx, blockKey, ttl)
		}
		return nil
	})
	if err != nil {
		return apperrors.NewCoordinationError("save_note_block", err)
	}
	return nil
}

// SetMarker stores a TTL'd marker value.
func (s *RedisStore) SetMarker(ctx context.Context, key, value string, ttl time.Duration) error {
	if value == "" {
		value = "1"
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return apperrors.NewCoordinationError("set_marker", err)
	}
	return nil
}

// GetMarker returns the marker value and whether it exists.
func (s *RedisStore) GetMarker(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperrors.NewCoordinationError("get_marker", err)
	}
	return val, true, nil
}

// DeleteMarker removes a marker. Missing markers are not an error.
func (s *RedisStore) DeleteMarker(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return apperrors.NewCoordinationError("delete_marker", err)
	}
	return nil
}

// ScheduleFlush records that conv needs a flush at or after at. An earlier
// schedule is kept.
func (s *RedisStore) ScheduleFlush(ctx context.Context, dueKey string, conv domain.ConversationKey, at time.Time) error {
	member, err := json.Marshal(conv)
	if err != nil {
		return err
	}
	err = s.client.ZAddNX(ctx, dueKey, redis.Z{Score: float64(at.UnixMilli()), Member: string(member)}).Err()
	if err != nil {
		return apperrors.NewCoordinationError("schedule_flush", err)
	}
	return nil
}

// DueFlushes lists conversations whose scheduled flush time has passed.
func (s *RedisStore) DueFlushes(ctx context.Context, dueKey string, now time.Time, limit int) ([]domain.ConversationKey, error) {
	if limit <= 0 {
		limit = 100
	}
	members, err := s.client.ZRangeByScore(ctx, dueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, apperrors.NewCoordinationError("due_flushes", err)
	}
	keys := make([]domain.ConversationKey, 0, len(members))
	for _, member := range members {
		var conv domain.ConversationKey
		if err := json.Unmarshal([]byte(member), &conv); err != nil || !conv.Valid() {
			// unreadable members would otherwise block the head of the set
			s.client.ZRem(ctx, dueKey, member)
			continue
		}
		keys = append(keys, conv)
	}
	return keys, nil
}

// ClaimFlush removes conv from the due set; only the worker that removed it runs the flush.
func (s *RedisStore) ClaimFlush(ctx context.Context, dueKey string, conv domain.ConversationKey) (bool, error) {
	member, err := json.Marshal(conv)
	if err != nil {
		return false, err
	}
	n, err := s.client.ZRem(ctx, dueKey, string(member)).Result()
	if err != nil {
		return false, apperrors.NewCoordinationError("claim_flush", err)
	}
	return n == 1, nil
}

// IncrMetric bumps a shared counter.
func (s *RedisStore) IncrMetric(ctx context.Context, metricsKey, field string, delta int64) error {
	return s.client.HIncrBy(ctx, metricsKey, field, delta).Err()
}

// Metrics returns every shared counter.
func (s *RedisStore) Metrics(ctx context.Context, metricsKey string) (map[string]int64, error) {
	raw, err := s.client.HGetAll(ctx, metricsKey).Result()
	if err != nil {
		return nil, apperrors.NewCoordinationError("metrics", err)
	}
	out := make(map[string]int64, len(raw))
	for field, val := range raw {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			continue
		}
		out[field] = n
	}
	return out, nil
}
