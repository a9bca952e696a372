package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/crm-chat-sync/internal/coordination"
	"github.com/spec-kit/crm-chat-sync/internal/crm"
	"github.com/spec-kit/crm-chat-sync/internal/domain"
	"github.com/spec-kit/crm-chat-sync/internal/notes"
	"github.com/spec-kit/crm-chat-sync/internal/observability"
	"github.com/spec-kit/crm-chat-sync/internal/repository"
)

// fakeCRM records every CRM call in memory.
type fakeCRM struct {
	mu sync.Mutex

	channelCalls []crm.ChannelMessage
	channelErr   error

	notes       map[string]string
	noteOrder   []string
	createCalls int
	updateCalls int
	createErr   error
	updateErr   error
	// beforeCall runs ahead of every note call with "create", "get" or "update".
	beforeCall func(op string)

	persons        map[string]string
	findCalls      int
	createdPersons []crm.PersonInput
	nextID         int
}

func newFakeCRM() *fakeCRM {
	return &fakeCRM{notes: map[string]string{}, persons: map[string]string{}}
}

func (f *fakeCRM) ReceiveMessage(ctx context.Context, channelID string, msg crm.ChannelMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channelCalls = append(f.channelCalls, msg)
	return f.channelErr
}

func (f *fakeCRM) hook(op string) {
	if f.beforeCall != nil {
		f.beforeCall(op)
	}
}

func (f *fakeCRM) CreateNote(ctx context.Context, input crm.NoteInput) (string, error) {
	f.hook("create")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.createCalls++
	f.nextID++
	id := fmt.Sprintf("note-%d", f.nextID)
	f.notes[id] = input.Content
	f.noteOrder = append(f.noteOrder, id)
	return id, nil
}

func (f *fakeCRM) GetNote(ctx context.Context, noteID string) (string, error) {
	f.hook("get")
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.notes[noteID]
	if !ok {
		return "", fmt.Errorf("note %s not found", noteID)
	}
	return content, nil
}

func (f *fakeCRM) UpdateNote(ctx context.Context, noteID, content string) error {
	f.hook("update")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updateCalls++
	f.notes[noteID] = content
	return nil
}

func (f *fakeCRM) FindPersonByPhone(ctx context.Context, phone string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findCalls++
	id, ok := f.persons[phone]
	return id, ok, nil
}

func (f *fakeCRM) CreatePerson(ctx context.Context, input crm.PersonInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("person-%d", f.nextID)
	f.persons[input.Phone] = id
	f.createdPersons = append(f.createdPersons, input)
	return id, nil
}

func (f *fakeCRM) noteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.noteOrder)
}

func (f *fakeCRM) channelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.channelCalls)
}

type stubChannels map[string]*domain.ChannelMapping

func (s stubChannels) GetByProvider(ctx context.Context, providerChannelID string) (*domain.ChannelMapping, error) {
	if m, ok := s[providerChannelID]; ok {
		return m, nil
	}
	return nil, pgx.ErrNoRows
}

type stubCompanies struct {
	cfg *domain.CompanyConfig
	err error
}

func (s stubCompanies) Get(ctx context.Context, companyID string) (*domain.CompanyConfig, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.cfg == nil {
		return nil, pgx.ErrNoRows
	}
	return s.cfg, nil
}

var testConv = domain.ConversationKey{ProviderChannelID: "acct-1", ConversationID: "5511999990000@c.us"}

type harness struct {
	mr         *miniredis.Miniredis
	store      *coordination.RedisStore
	keys       coordination.Keys
	crm        *fakeCRM
	index      repository.ConversationIndex
	flusher    *NoteFlusher
	dispatcher *SyncDispatcher
	metrics    *observability.Metrics
}

type harnessOptions struct {
	fallbackEnabled bool
	channels        stubChannels
	flusherCfg      NoteFlusherConfig
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := coordination.NewRedisStore(client)
	keys := coordination.NewKeys("test", "acme")
	fake := newFakeCRM()
	metrics := observability.NewMetrics(store, keys.Metrics(), nil)

	if opts.flusherCfg.Window.BaseMinutes == 0 {
		opts.flusherCfg.Window = notes.DefaultWindowConfig()
	}
	flusher := NewNoteFlusher(store, keys, fake, opts.flusherCfg, metrics, nil)
	people := NewPersonResolver(fake, store, keys, time.Hour, nil)
	if opts.channels == nil {
		opts.channels = stubChannels{}
	}
	dispatcher := NewSyncDispatcher(
		SyncDispatcherConfig{FallbackEnabled: opts.fallbackEnabled, DedupeTTL: time.Hour},
		SyncDispatcherDependencies{
			Channels:   opts.channels,
			ChannelAPI: fake,
			Notes:      flusher,
			People:     people,
			Store:      store,
			Keys:       keys,
			Metrics:    metrics,
		},
	)
	return &harness{
		mr:         mr,
		store:      store,
		keys:       keys,
		crm:        fake,
		index:      repository.NewConversationIndex(client, keys, time.Hour),
		flusher:    flusher,
		dispatcher: dispatcher,
		metrics:    metrics,
	}
}

func (h *harness) enqueue(t *testing.T, ev domain.PendingNoteEvent) {
	t.Helper()
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ok, err := h.store.DedupeAndEnqueue(context.Background(), h.keys.Dedupe(ev.MessageID), h.keys.Pending(ev.Key), string(raw), time.Hour)
	if err != nil || !ok {
		t.Fatalf("enqueue %s: ok=%v err=%v", ev.MessageID, ok, err)
	}
}

func pendingEvent(id string, ts int64) domain.PendingNoteEvent {
	return domain.PendingNoteEvent{
		MessageID:   id,
		Key:         testConv,
		Direction:   domain.DirectionInbound,
		Kind:        domain.ContentText,
		Text:        "text " + id,
		TsMs:        ts,
		InstanceTag: "acct-1",
		PersonID:    "person-42",
		ContactName: "Ana",
	}
}

func canonicalMessage(id string, dir domain.Direction, text string) domain.CanonicalMessage {
	return domain.CanonicalMessage{
		ID:          id,
		Key:         testConv,
		TimestampMs: 1714555800000,
		Direction:   dir,
		Kind:        domain.ContentText,
		Text:        text,
		Attachments: []domain.Attachment{},
		Sender:      domain.Sender{ID: testConv.ConversationID, Name: "Ana", Role: "end_user"},
		InstanceID:  "acct-1",
	}
}

var testContact = domain.Contact{RemoteID: testConv.ConversationID, Phone: "+55 11 99999-0000", DisplayName: "Ana"}
