package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/crm-chat-sync/internal/coordination"
	"github.com/spec-kit/crm-chat-sync/internal/domain"
	apperrors "github.com/spec-kit/crm-chat-sync/pkg/util"
)

const previewLength = 120

// ConversationIndex keeps per-conversation metadata and the time-ordered message log.
type ConversationIndex interface {
	Upsert(ctx context.Context, msg domain.CanonicalMessage, contact domain.Contact) (bool, error)
	Get(ctx context.Context, key domain.ConversationKey) (*domain.ConversationSummary, error)
	List(ctx context.Context, limit, offset int) ([]domain.ConversationSummary, error)
	ListMessages(ctx context.Context, key domain.ConversationKey, limit int) ([]domain.CanonicalMessage, error)
	MarkRead(ctx context.Context, key domain.ConversationKey) error
}

// KEYS: meta, msgs, blob, participants, conversations
// ARGV: id, ts, direction, preview, contact name, contact phone, sender id,
// blob json, ttl seconds, inbound flag, index member, pc, cid, log cutoff
var upsertMessageScript = redis.NewScript(`
local isNew = redis.call('EXISTS', KEYS[3]) == 0
redis.call('SET', KEYS[3], ARGV[8], 'EX', ARGV[9])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[14])
if ARGV[7] ~= '' then
  redis.call('SADD', KEYS[4], ARGV[7])
end
redis.call('HSET', KEYS[1], 'provider_channel_id', ARGV[12], 'conversation_id', ARGV[13])
if ARGV[5] ~= '' then
  redis.call('HSET', KEYS[1], 'contact_name', ARGV[5])
end
if ARGV[6] ~= '' then
  redis.call('HSET', KEYS[1], 'contact_phone', ARGV[6])
end
local last = tonumber(redis.call('HGET', KEYS[1], 'last_message_at') or '0')
if tonumber(ARGV[2]) >= last then
  redis.call('HSET', KEYS[1], 'last_message_id', ARGV[1], 'last_message_at', ARGV[2], 'last_direction', ARGV[3], 'preview', ARGV[4])
  redis.call('ZADD', KEYS[5], ARGV[2], ARGV[11])
end
if isNew and ARGV[10] == '1' then
  redis.call('HINCRBY', KEYS[1], 'unread_count', 1)
end
redis.call('EXPIRE', KEYS[1], ARGV[9])
redis.call('EXPIRE', KEYS[2], ARGV[9])
redis.call('EXPIRE', KEYS[4], ARGV[9])
if isNew then
  return 1
end
return 0
`)

type conversationIndex struct {
	client redis.UniversalClient
	keys   coordination.Keys
	ttl    time.Duration
}

// NewConversationIndex returns a Redis-backed index. ttl bounds how long
// message blobs and idle conversations are kept.
func NewConversationIndex(client redis.UniversalClient, keys coordination.Keys, ttl time.Duration) ConversationIndex {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &conversationIndex{client: client, keys: keys, ttl: ttl}
}

// Upsert records msg and refreshes the conversation summary. It reports whether
// the message id was new; replays overwrite the blob without touching unread.
func (r *conversationIndex) Upsert(ctx context.Context, msg domain.CanonicalMessage, contact domain.Contact) (bool, error) {
	if !msg.Key.Valid() || msg.ID == "" {
		return false, apperrors.NewInvalidPayload("message needs id and conversation key", nil)
	}
	if msg.Attachments == nil {
		msg.Attachments = []domain.Attachment{}
	}
	blob, err := json.Marshal(msg)
	if err != nil {
		return false, err
	}
	member, err := json.Marshal(msg.Key)
	if err != nil {
		return false, err
	}
	inbound := "0"
	if msg.Direction == domain.DirectionInbound {
		inbound = "1"
	}
	ttlSeconds := int64(r.ttl / time.Second)
	cutoff := msg.TimestampMs - r.ttl.Milliseconds()

	keys := []string{
		r.keys.Conversation(msg.Key),
		r.keys.Messages(msg.Key),
		r.keys.MessageBlob(msg.Key, msg.ID),
		r.keys.Participants(msg.Key),
		r.keys.Conversations(),
	}
	res, err := upsertMessageScript.Run(ctx, r.client, keys,
		msg.ID,
		msg.TimestampMs,
		string(msg.Direction),
		msg.Preview(previewLength),
		contact.DisplayName,
		contact.Phone,
		msg.Sender.ID,
		string(blob),
		ttlSeconds,
		inbound,
		string(member),
		msg.Key.ProviderChannelID,
		msg.Key.ConversationID,
		cutoff,
	).Int64()
	if err != nil {
		return false, apperrors.NewCoordinationError("index_upsert", err)
	}
	return res == 1, nil
}

func (r *conversationIndex) Get(ctx context.Context, key domain.ConversationKey) (*domain.ConversationSummary, error) {
	fields, err := r.client.HGetAll(ctx, r.keys.Conversation(key)).Result()
	if err != nil {
		return nil, apperrors.NewCoordinationError("index_get", err)
	}
	if len(fields) == 0 {
		return nil, apperrors.NewNotFound("conversation", map[string]any{"key": key.String()})
	}
	participants, err := r.client.SMembers(ctx, r.keys.Participants(key)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, apperrors.NewCoordinationError("index_participants", err)
	}
	summary := summaryFromHash(key, fields)
	summary.Participants = participants
	if summary.Participants == nil {
		summary.Participants = []string{}
	}
	return &summary, nil
}

// List returns conversations ordered by most recent activity.
func (r *conversationIndex) List(ctx context.Context, limit, offset int) ([]domain.ConversationSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	members, err := r.client.ZRevRange(ctx, r.keys.Conversations(), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, apperrors.NewCoordinationError("index_list", err)
	}
	result := make([]domain.ConversationSummary, 0, len(members))
	for _, member := range members {
		var key domain.ConversationKey
		if err := json.Unmarshal([]byte(member), &key); err != nil || !key.Valid() {
			continue
		}
		summary, err := r.Get(ctx, key)
		if apperrors.CodeOf(err) == apperrors.CodeNotFound {
			// metadata expired; drop the stale index entry
			r.client.ZRem(ctx, r.keys.Conversations(), member)
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, *summary)
	}
	return result, nil
}

// ListMessages returns up to limit of the newest messages in chronological order.
// Expired or unreadable blobs are skipped.
func (r *conversationIndex) ListMessages(ctx context.Context, key domain.ConversationKey, limit int) ([]domain.CanonicalMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := r.client.ZRevRange(ctx, r.keys.Messages(key), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, apperrors.NewCoordinationError("index_messages", err)
	}
	if len(ids) == 0 {
		return []domain.CanonicalMessage{}, nil
	}
	blobKeys := make([]string, len(ids))
	for i, id := range ids {
		blobKeys[i] = r.keys.MessageBlob(key, id)
	}
	raw, err := r.client.MGet(ctx, blobKeys...).Result()
	if err != nil {
		return nil, apperrors.NewCoordinationError("index_blobs", err)
	}
	messages := make([]domain.CanonicalMessage, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		str, ok := raw[i].(string)
		if !ok {
			continue
		}
		var msg domain.CanonicalMessage
		if err := json.Unmarshal([]byte(str), &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// MarkRead resets the unread counter.
func (r *conversationIndex) MarkRead(ctx context.Context, key domain.ConversationKey) error {
	metaKey := r.keys.Conversation(key)
	n, err := r.client.Exists(ctx, metaKey).Result()
	if err != nil {
		return apperrors.NewCoordinationError("index_mark_read", err)
	}
	if n == 0 {
		return apperrors.NewNotFound("conversation", map[string]any{"key": key.String()})
	}
	if err := r.client.HSet(ctx, metaKey, "unread_count", 0).Err(); err != nil {
		return apperrors.NewCoordinationError("index_mark_read", err)
	}
	return nil
}

func summaryFromHash(key domain.ConversationKey, fields map[string]string) domain.ConversationSummary {
	summary := domain.ConversationSummary{
		Key:           key,
		LastMessageID: fields["last_message_id"],
		LastDirection: domain.Direction(fields["last_direction"]),
		Preview:       fields["preview"],
		ContactName:   fields["contact_name"],
		ContactPhone:  fields["contact_phone"],
	}
	summary.LastMessageAt, _ = strconv.ParseInt(fields["last_message_at"], 10, 64)
	summary.UnreadCount, _ = strconv.ParseInt(fields["unread_count"], 10, 64)
	return summary
}
