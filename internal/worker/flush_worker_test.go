package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/crm-chat-sync/internal/coordination"
	"github.com/spec-kit/crm-chat-sync/internal/crm"
	"github.com/spec-kit/crm-chat-sync/internal/domain"
	"github.com/spec-kit/crm-chat-sync/internal/service"
)

type recordingFlusher struct {
	mu   sync.Mutex
	keys []domain.ConversationKey
	err  error
}

func (r *recordingFlusher) Flush(ctx context.Context, key domain.ConversationKey) (service.FlushResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	return service.FlushResult{Committed: 1}, r.err
}

func (r *recordingFlusher) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

func setup(t *testing.T) (*coordination.RedisStore, coordination.Keys) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return coordination.NewRedisStore(client), coordination.NewKeys("test", "acme")
}

func TestRunOnceFlushesOnlyDueConversations(t *testing.T) {
	store, keys := setup(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	due := domain.ConversationKey{ProviderChannelID: "acct-1", ConversationID: "a@c.us"}
	later := domain.ConversationKey{ProviderChannelID: "acct-1", ConversationID: "b@c.us"}
	if err := store.ScheduleFlush(ctx, keys.FlushDue(), due, now.Add(-time.Second)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := store.ScheduleFlush(ctx, keys.FlushDue(), later, now.Add(time.Minute)); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	flusher := &recordingFlusher{}
	w := NewFlushWorker(store, keys, flusher, time.Second, nil)
	w.now = func() time.Time { return now }

	if ran := w.RunOnce(ctx); ran != 1 {
		t.Fatalf("expected one flush, got %d", ran)
	}
	if flusher.keys[0] != due {
		t.Fatalf("flushed wrong conversation %v", flusher.keys[0])
	}
	// the claimed entry is gone; a second pass does nothing
	if ran := w.RunOnce(ctx); ran != 0 {
		t.Fatalf("expected no flush on second pass, got %d", ran)
	}
}

func TestRunOnceContinuesAfterFailure(t *testing.T) {
	store, keys := setup(t)
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"a@c.us", "b@c.us"} {
		key := domain.ConversationKey{ProviderChannelID: "acct-1", ConversationID: id}
		if err := store.ScheduleFlush(ctx, keys.FlushDue(), key, now.Add(-time.Minute)); err != nil {
			t.Fatalf("schedule: %v", err)
		}
	}
	flusher := &recordingFlusher{err: errors.New("crm down")}
	w := NewFlushWorker(store, keys, flusher, time.Second, nil)

	if ran := w.RunOnce(ctx); ran != 0 {
		t.Fatalf("failed flushes must not count, got %d", ran)
	}
	if flusher.calls() != 2 {
		t.Fatalf("expected both conversations attempted, got %d", flusher.calls())
	}
}

func TestStartAndStop(t *testing.T) {
	store, keys := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key := domain.ConversationKey{ProviderChannelID: "acct-1", ConversationID: "a@c.us"}
	if err := store.ScheduleFlush(ctx, keys.FlushDue(), key, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	flusher := &recordingFlusher{}
	w := NewFlushWorker(store, keys, flusher, 10*time.Millisecond, nil)
	w.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for flusher.calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	w.Stop()
	if flusher.calls() != 1 {
		t.Fatalf("expected one scheduled flush, got %d", flusher.calls())
	}
}

type failingNotes struct{}

func (failingNotes) CreateNote(ctx context.Context, input crm.NoteInput) (string, error) {
	return "", errors.New("crm timeout")
}

func (failingNotes) GetNote(ctx context.Context, noteID string) (string, error) {
	return "", errors.New("crm timeout")
}

func (failingNotes) UpdateNote(ctx context.Context, noteID, content string) error {
	return errors.New("crm timeout")
}

func TestRunOnceKeepsFailedConversationScheduled(t *testing.T) {
	store, keys := setup(t)
	ctx := context.Background()
	key := domain.ConversationKey{ProviderChannelID: "acct-1", ConversationID: "a@c.us"}

	raw, err := json.Marshal(domain.PendingNoteEvent{MessageID: "m1", Key: key, Direction: domain.DirectionInbound, Text: "hi"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if ok, err := store.DedupeAndEnqueue(ctx, keys.Dedupe("m1"), keys.Pending(key), string(raw), time.Hour); err != nil || !ok {
		t.Fatalf("enqueue: %v %v", ok, err)
	}
	if err := store.ScheduleFlush(ctx, keys.FlushDue(), key, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	flusher := service.NewNoteFlusher(store, keys, failingNotes{}, service.NoteFlusherConfig{FlushDelay: time.Second}, nil, nil)
	w := NewFlushWorker(store, keys, flusher, time.Second, nil)

	if ran := w.RunOnce(ctx); ran != 0 {
		t.Fatalf("failed flush must not count, got %d", ran)
	}
	due, err := store.DueFlushes(ctx, keys.FlushDue(), time.Now().Add(time.Minute), 10)
	if err != nil || len(due) != 1 || due[0] != key {
		t.Fatalf("failed conversation must stay scheduled, got %v %v", due, err)
	}
	if n, _ := store.PendingLen(ctx, keys.Pending(key)); n != 1 {
		t.Fatalf("event must be back in pending, got %d", n)
	}
}
