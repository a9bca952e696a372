package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/spec-kit/crm-chat-sync/internal/domain"
	"github.com/spec-kit/crm-chat-sync/internal/events"
	"github.com/spec-kit/crm-chat-sync/internal/notes"
)

type bridgeOptions struct {
	harness   harnessOptions
	cfg       BridgeConfig
	companies CompanyConfigSource
}

func newBridge(t *testing.T, opts bridgeOptions) (*BridgeService, *harness) {
	t.Helper()
	h := newHarness(t, opts.harness)
	cfg := opts.cfg
	if cfg.CompanyID == "" {
		cfg.CompanyID = "acme"
		cfg.InboundEnabled = true
		cfg.OutboundEnabled = true
		cfg.Mode = domain.SyncModeDual
		cfg.LinkPattern = "https://chat.example/{provider_channel_id}/{conversation_id}"
	}
	companies := opts.companies
	if companies == nil {
		companies = stubCompanies{}
	}
	bridge := NewBridgeService(cfg, BridgeDependencies{
		Index:     h.index,
		Store:     h.store,
		Keys:      h.keys,
		Syncer:    h.dispatcher,
		Companies: companies,
		Metrics:   h.metrics,
	})
	return bridge, h
}

func inboundEvent(id, text string) events.ChatEvent {
	return events.ChatEvent{
		Type:       events.EventMessageInbound,
		InstanceID: "acct-1",
		Payload: events.MessagePayload{
			Contact: events.Contact{RemoteID: "5511999990000@c.us", Phone: "+55 11 99999-0000", Name: "Ana"},
			Message: events.Message{ID: id, ChatID: "5511999990000@c.us", Type: "text", Text: text, Timestamp: 1714555800},
		},
	}
}

func outboundEvent(id, text string) events.ChatEvent {
	ev := inboundEvent(id, text)
	ev.Type = events.EventMessageOutbound
	ev.Payload.Message.FromMe = true
	return ev
}

func TestBridgeFallbackNoteWithoutChannelMapping(t *testing.T) {
	bridge, h := newBridge(t, bridgeOptions{harness: harnessOptions{fallbackEnabled: true}})
	ctx := context.Background()

	if err := bridge.Handle(ctx, inboundEvent("m1", "<b>oi</b>")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if h.crm.noteCount() != 1 || h.crm.channelCount() != 0 {
		t.Fatalf("expected one note and no channel calls, notes=%d channel=%d", h.crm.noteCount(), h.crm.channelCount())
	}
	content := h.crm.notes[h.crm.noteOrder[0]]
	if !notes.ContainsMessage(content, "m1") || !strings.Contains(content, "&lt;b&gt;oi&lt;/b&gt;") {
		t.Fatalf("unexpected note content: %s", content)
	}
	if strings.Contains(content, "<b>oi</b>") {
		t.Fatalf("user text must be escaped")
	}
	if !strings.Contains(content, "https://chat.example/acct-1/5511999990000@c.us") {
		t.Fatalf("conversation link missing: %s", content)
	}

	// replay of the same transport message
	if err := bridge.Handle(ctx, inboundEvent("m1", "<b>oi</b>")); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if h.crm.createCalls != 1 || h.crm.updateCalls != 0 {
		t.Fatalf("replay wrote again: creates=%d updates=%d", h.crm.createCalls, h.crm.updateCalls)
	}
	if got := strings.Count(h.crm.notes[h.crm.noteOrder[0]], notes.MessageMarker("m1")); got != 1 {
		t.Fatalf("expected one fragment for m1, got %d", got)
	}

	summary, err := h.index.Get(ctx, testConv)
	if err != nil {
		t.Fatalf("index get: %v", err)
	}
	if summary.UnreadCount != 1 || summary.LastMessageID != "m1" || summary.ContactName != "Ana" {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestBridgeUsesChannelWhenMapped(t *testing.T) {
	bridge, h := newBridge(t, bridgeOptions{harness: harnessOptions{fallbackEnabled: true, channels: activeMapping()}})

	if err := bridge.Handle(context.Background(), inboundEvent("m1", "hello")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if h.crm.channelCount() != 1 || h.crm.noteCount() != 0 {
		t.Fatalf("channel=%d notes=%d", h.crm.channelCount(), h.crm.noteCount())
	}
	sent := h.crm.channelCalls[0]
	if sent.ConversationLink != "https://chat.example/acct-1/5511999990000@c.us" || sent.Sender.Name != "Ana" {
		t.Fatalf("unexpected channel message %+v", sent)
	}
}

func TestBridgeIgnoresNonMessageEvents(t *testing.T) {
	bridge, h := newBridge(t, bridgeOptions{harness: harnessOptions{fallbackEnabled: true}})
	ev := inboundEvent("m1", "x")
	ev.Type = events.EventMessageAck

	if err := bridge.Handle(context.Background(), ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if h.crm.noteCount() != 0 {
		t.Fatalf("ack events must not reach the CRM")
	}
	if _, err := h.index.Get(context.Background(), testConv); err == nil {
		t.Fatalf("ack events must not be indexed")
	}
}

func TestBridgeDropsGroupEvents(t *testing.T) {
	bridge, h := newBridge(t, bridgeOptions{harness: harnessOptions{fallbackEnabled: true}})
	tests := []events.ChatEvent{
		func() events.ChatEvent { ev := inboundEvent("g1", "x"); ev.Payload.Contact.IsGroup = true; return ev }(),
		func() events.ChatEvent {
			ev := inboundEvent("g2", "x")
			ev.Payload.Message.ChatID = "1203630@g.us"
			return ev
		}(),
	}
	for _, ev := range tests {
		if err := bridge.Handle(context.Background(), ev); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if h.crm.noteCount() != 0 || h.crm.channelCount() != 0 {
		t.Fatalf("group events must be dropped")
	}
}

func TestBridgeSuppressesSelfEcho(t *testing.T) {
	bridge, h := newBridge(t, bridgeOptions{harness: harnessOptions{fallbackEnabled: true, channels: activeMapping()}})
	ctx := context.Background()

	if err := bridge.MarkSelfSent(ctx, "o1"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := bridge.Handle(ctx, outboundEvent("o1", "sent from crm")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if h.crm.channelCount() != 0 {
		t.Fatalf("echo must not be synced")
	}
	msgs, err := h.index.ListMessages(ctx, testConv, 10)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("echo should still be indexed: %v %v", msgs, err)
	}

	if err := bridge.Handle(ctx, outboundEvent("o2", "typed on phone")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if h.crm.channelCount() != 1 || h.crm.channelCalls[0].Sender.Role != "source_user" {
		t.Fatalf("unmarked outbound message should sync: %+v", h.crm.channelCalls)
	}
}

func TestBridgeDirectionSwitches(t *testing.T) {
	cfg := BridgeConfig{CompanyID: "acme", InboundEnabled: false, OutboundEnabled: true}
	bridge, h := newBridge(t, bridgeOptions{harness: harnessOptions{fallbackEnabled: true}, cfg: cfg})
	ctx := context.Background()

	if err := bridge.Handle(ctx, inboundEvent("m1", "hi")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if h.crm.noteCount() != 0 {
		t.Fatalf("inbound sync disabled")
	}
	if _, err := h.index.Get(ctx, testConv); err != nil {
		t.Fatalf("message should be indexed even when sync is off: %v", err)
	}

	if err := bridge.Handle(ctx, outboundEvent("o1", "hello")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if h.crm.noteCount() != 1 {
		t.Fatalf("outbound sync enabled, notes=%d", h.crm.noteCount())
	}
}

func TestBridgeCompanyConfig(t *testing.T) {
	tests := []struct {
		name      string
		companies CompanyConfigSource
		wantNotes int
		wantCh    int
	}{
		{name: "disabled company", companies: stubCompanies{cfg: &domain.CompanyConfig{CompanyID: "acme", Enabled: false}}},
		{name: "config read failure", companies: stubCompanies{err: errors.New("db down")}},
		{name: "missing row uses defaults", companies: stubCompanies{}, wantCh: 1},
		{
			name:      "company mode overrides default",
			companies: stubCompanies{cfg: &domain.CompanyConfig{CompanyID: "acme", Enabled: true, DefaultMode: domain.SyncModeNotes}},
			wantNotes: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bridge, h := newBridge(t, bridgeOptions{
				harness:   harnessOptions{fallbackEnabled: true, channels: activeMapping()},
				companies: tt.companies,
			})
			if err := bridge.Handle(context.Background(), inboundEvent("m1", "hi")); err != nil {
				t.Fatalf("handle: %v", err)
			}
			if h.crm.noteCount() != tt.wantNotes || h.crm.channelCount() != tt.wantCh {
				t.Fatalf("notes=%d channel=%d", h.crm.noteCount(), h.crm.channelCount())
			}
		})
	}
}

func TestBridgeSwallowsSyncErrors(t *testing.T) {
	bridge, h := newBridge(t, bridgeOptions{harness: harnessOptions{fallbackEnabled: false}})
	ctx := context.Background()

	if err := bridge.Handle(ctx, inboundEvent("m1", "hi")); err != nil {
		t.Fatalf("sync failures must not surface: %v", err)
	}
	if _, err := h.index.Get(ctx, testConv); err != nil {
		t.Fatalf("message should be indexed: %v", err)
	}
}

func TestBridgeDropsEventWithoutIdentity(t *testing.T) {
	bridge, h := newBridge(t, bridgeOptions{harness: harnessOptions{fallbackEnabled: true}})
	ev := inboundEvent("", "hi")

	if err := bridge.Handle(context.Background(), ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if h.crm.noteCount() != 0 {
		t.Fatalf("event without id must be dropped")
	}
}

func TestBridgeRegistersWithDispatcher(t *testing.T) {
	bridge, h := newBridge(t, bridgeOptions{harness: harnessOptions{fallbackEnabled: true}})
	dispatcher := events.NewInMemoryDispatcher(nil)
	bridge.RegisterHandlers(dispatcher)

	if err := dispatcher.Publish(context.Background(), inboundEvent("m1", "hi")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if h.crm.noteCount() != 1 {
		t.Fatalf("expected dispatcher to route to bridge, notes=%d", h.crm.noteCount())
	}
}

func TestNilBridgeHandle(t *testing.T) {
	var bridge *BridgeService
	if err := bridge.Handle(context.Background(), inboundEvent("m1", "x")); err == nil {
		t.Fatalf("expected error from nil bridge")
	}
}
