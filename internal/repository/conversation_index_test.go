package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/crm-chat-sync/internal/coordination"
	"github.com/spec-kit/crm-chat-sync/internal/domain"
	apperrors "github.com/spec-kit/crm-chat-sync/pkg/util"
)

var testKey = domain.ConversationKey{ProviderChannelID: "acct-1", ConversationID: "5511999990000@c.us"}

func newTestIndex(t *testing.T) (ConversationIndex, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewConversationIndex(client, coordination.NewKeys("test", "acme"), time.Hour), mr
}

func message(id string, ts int64, dir domain.Direction, text string) domain.CanonicalMessage {
	return domain.CanonicalMessage{
		ID:          id,
		Key:         testKey,
		TimestampMs: ts,
		Direction:   dir,
		Kind:        domain.ContentText,
		Text:        text,
		Sender:      domain.Sender{ID: "sender-" + string(dir), Role: "end_user"},
	}
}

func TestUpsertCountsUnreadOncePerInboundMessage(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()
	contact := domain.Contact{RemoteID: testKey.ConversationID, Phone: "5511999990000", DisplayName: "Ana"}

	created, err := idx.Upsert(ctx, message("m1", 1000, domain.DirectionInbound, "hi"), contact)
	if err != nil || !created {
		t.Fatalf("first upsert: created=%v err=%v", created, err)
	}
	created, err = idx.Upsert(ctx, message("m1", 1000, domain.DirectionInbound, "hi (edited)"), contact)
	if err != nil || created {
		t.Fatalf("replay should supersede: created=%v err=%v", created, err)
	}
	if _, err := idx.Upsert(ctx, message("m2", 2000, domain.DirectionOutbound, "hello"), domain.Contact{}); err != nil {
		t.Fatalf("outbound upsert: %v", err)
	}

	summary, err := idx.Get(ctx, testKey)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if summary.UnreadCount != 1 {
		t.Fatalf("expected 1 unread, got %d", summary.UnreadCount)
	}
	if summary.LastMessageID != "m2" || summary.LastDirection != domain.DirectionOutbound {
		t.Fatalf("unexpected last message %+v", summary)
	}
	if summary.ContactName != "Ana" || summary.ContactPhone != "5511999990000" {
		t.Fatalf("contact not kept: %+v", summary)
	}
	if len(summary.Participants) != 2 {
		t.Fatalf("expected 2 participants, got %v", summary.Participants)
	}

	msgs, err := idx.ListMessages(ctx, testKey, 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	if msgs[0].Text != "hi (edited)" {
		t.Fatalf("expected superseded text, got %q", msgs[0].Text)
	}
}

func TestOlderMessageDoesNotReplaceLast(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	if _, err := idx.Upsert(ctx, message("m2", 2000, domain.DirectionInbound, "new"), domain.Contact{}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := idx.Upsert(ctx, message("m1", 1000, domain.DirectionInbound, "old"), domain.Contact{}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	summary, err := idx.Get(ctx, testKey)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if summary.LastMessageID != "m2" || summary.Preview != "new" {
		t.Fatalf("late arrival replaced last message: %+v", summary)
	}
	if summary.UnreadCount != 2 {
		t.Fatalf("expected 2 unread, got %d", summary.UnreadCount)
	}
}

func TestListOrdersByActivityAndMarkRead(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()
	other := domain.ConversationKey{ProviderChannelID: "acct-1", ConversationID: "other"}

	if _, err := idx.Upsert(ctx, message("m1", 1000, domain.DirectionInbound, "a"), domain.Contact{}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	otherMsg := message("x1", 5000, domain.DirectionInbound, "b")
	otherMsg.Key = other
	if _, err := idx.Upsert(ctx, otherMsg, domain.Contact{}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	list, err := idx.List(ctx, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Key != other || list[1].Key != testKey {
		t.Fatalf("unexpected order %+v", list)
	}

	if err := idx.MarkRead(ctx, other); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	summary, _ := idx.Get(ctx, other)
	if summary.UnreadCount != 0 {
		t.Fatalf("expected unread reset, got %d", summary.UnreadCount)
	}
}

func TestMissingConversation(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	if _, err := idx.Get(ctx, testKey); apperrors.CodeOf(err) != apperrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := idx.MarkRead(ctx, testKey); apperrors.CodeOf(err) != apperrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	msgs, err := idx.ListMessages(ctx, testKey, 10)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("expected empty log, got %v %v", msgs, err)
	}
}

func TestCorruptBlobIsSkipped(t *testing.T) {
	idx, mr := newTestIndex(t)
	ctx := context.Background()
	keys := coordination.NewKeys("test", "acme")

	if _, err := idx.Upsert(ctx, message("m1", 1000, domain.DirectionInbound, "ok"), domain.Contact{}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := idx.Upsert(ctx, message("m2", 2000, domain.DirectionInbound, "ok"), domain.Contact{}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := mr.Set(keys.MessageBlob(testKey, "m2"), "{not json"); err != nil {
		t.Fatalf("corrupt blob: %v", err)
	}
	msgs, err := idx.ListMessages(ctx, testKey, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("expected corrupt blob skipped, got %+v", msgs)
	}
}

func TestUpsertRejectsIncompleteMessage(t *testing.T) {
	idx, _ := newTestIndex(t)
	_, err := idx.Upsert(context.Background(), domain.CanonicalMessage{ID: "m1"}, domain.Contact{})
	if apperrors.CodeOf(err) != apperrors.CodeInvalidPayload {
		t.Fatalf("expected invalid payload, got %v", err)
	}
}
