package service

import (
	"context"
	"testing"
	"time"

	"github.com/spec-kit/crm-chat-sync/internal/domain"
	"github.com/spec-kit/crm-chat-sync/internal/notes"
	apperrors "github.com/spec-kit/crm-chat-sync/pkg/util"
)

func TestDecideRoute(t *testing.T) {
	tests := []struct {
		mode       domain.SyncMode
		hasChannel bool
		fallback   bool
		want       RouteKind
		fallbackOK bool
		code       string
	}{
		{domain.SyncModeNotes, true, true, RouteUseFallback, false, ""},
		{domain.SyncModeNotes, false, true, RouteUseFallback, false, ""},
		{domain.SyncModeNotes, true, false, RouteFail, false, apperrors.CodeFallbackOff},
		{domain.SyncModeChannels, true, true, RouteUseChannel, false, ""},
		{domain.SyncModeChannels, true, false, RouteUseChannel, false, ""},
		{domain.SyncModeChannels, false, true, RouteFail, false, apperrors.CodeChannelMissing},
		{domain.SyncModeDual, true, true, RouteUseChannel, true, ""},
		{domain.SyncModeDual, false, true, RouteUseFallback, false, ""},
		{domain.SyncModeDual, false, false, RouteFail, false, apperrors.CodeFallbackOff},
		{"", true, false, RouteUseChannel, true, ""},
		{"", false, true, RouteUseFallback, false, ""},
		{"", false, false, RouteFail, false, apperrors.CodeFallbackOff},
	}

	for _, tt := range tests {
		name := string(tt.mode)
		if name == "" {
			name = "default"
		}
		got := DecideRoute(tt.mode, tt.hasChannel, tt.fallback)
		if got.Kind != tt.want || got.FallbackOnError != tt.fallbackOK || got.Code != tt.code {
			t.Errorf("%s channel=%v fallback=%v: got %+v (%s)", name, tt.hasChannel, tt.fallback, got, got.Kind)
		}
		if got.Kind == RouteFail && got.Reason == "" {
			t.Errorf("%s: failing route without reason", name)
		}
	}
}

func activeMapping() stubChannels {
	return stubChannels{"acct-1": {ProviderChannelID: "acct-1", ChannelID: "crm-ch-9", Active: true}}
}

func TestSyncMessageUsesChannel(t *testing.T) {
	h := newHarness(t, harnessOptions{fallbackEnabled: true, channels: activeMapping()})

	res, err := h.dispatcher.SyncMessage(context.Background(), SyncContext{
		Message: canonicalMessage("m1", domain.DirectionInbound, "hello"),
		Contact: testContact,
		Mode:    domain.SyncModeDual,
		Link:    "https://chat.example/acct-1/5511999990000@c.us",
	})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Mode != ResultModeChannels {
		t.Fatalf("expected channels mode, got %+v", res)
	}
	if h.crm.channelCount() != 1 || h.crm.noteCount() != 0 {
		t.Fatalf("expected channel call only, channel=%d notes=%d", h.crm.channelCount(), h.crm.noteCount())
	}
	sent := h.crm.channelCalls[0]
	if sent.MessageID != "m1" || sent.Status != "delivered" || sent.Sender.Role != "end_user" || sent.ConversationLink == "" {
		t.Fatalf("unexpected channel message %+v", sent)
	}
	if sent.CreatedAt != "2024-05-01T09:30:00Z" {
		t.Fatalf("unexpected created_at %s", sent.CreatedAt)
	}
}

func TestSyncMessageOutboundChannelShape(t *testing.T) {
	h := newHarness(t, harnessOptions{channels: activeMapping()})
	msg := canonicalMessage("o1", domain.DirectionOutbound, "")
	msg.Kind = domain.ContentMedia
	msg.Attachments = []domain.Attachment{{Kind: "image", URL: "https://cdn/x.jpg"}}

	if _, err := h.dispatcher.SyncMessage(context.Background(), SyncContext{Message: msg, Mode: domain.SyncModeChannels}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	sent := h.crm.channelCalls[0]
	if sent.Status != "sent" || sent.Sender.Role != "source_user" {
		t.Fatalf("unexpected outbound shape %+v", sent)
	}
	if sent.Message != "[image]" || len(sent.Attachments) != 1 || sent.Attachments[0].ID != "o1-0" || sent.Attachments[0].Type != "image" {
		t.Fatalf("unexpected attachment mapping %+v", sent)
	}
}

func TestSyncMessageFallsBackWhenChannelFails(t *testing.T) {
	h := newHarness(t, harnessOptions{fallbackEnabled: true, channels: activeMapping()})
	h.crm.channelErr = apperrors.NewCRMUnavailable("receive message", nil)

	res, err := h.dispatcher.SyncMessage(context.Background(), SyncContext{
		Message: canonicalMessage("m1", domain.DirectionInbound, "hello"),
		Contact: testContact,
		Mode:    domain.SyncModeDual,
	})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Mode != ResultModeFallbackNote || res.NoteID == "" || res.Reused {
		t.Fatalf("expected a new fallback note, got %+v", res)
	}
	if h.crm.channelCount() != 1 || h.crm.noteCount() != 1 {
		t.Fatalf("channel=%d notes=%d", h.crm.channelCount(), h.crm.noteCount())
	}
	snapshot, err := h.metrics.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot["channel_failure"] != 1 || snapshot["fallback_created"] != 1 {
		t.Fatalf("unexpected metrics %v", snapshot)
	}
}

func TestSyncMessageChannelsModeReturnsChannelError(t *testing.T) {
	h := newHarness(t, harnessOptions{fallbackEnabled: true, channels: activeMapping()})
	h.crm.channelErr = apperrors.NewCRMRejected("receive message", nil)

	_, err := h.dispatcher.SyncMessage(context.Background(), SyncContext{
		Message: canonicalMessage("m1", domain.DirectionInbound, "hello"),
		Mode:    domain.SyncModeChannels,
	})
	if apperrors.CodeOf(err) != apperrors.CodeCRMRejected {
		t.Fatalf("expected crm rejection, got %v", err)
	}
	if h.crm.noteCount() != 0 {
		t.Fatalf("channels mode must not write notes")
	}
}

func TestSyncMessageChannelsModeWithoutMapping(t *testing.T) {
	h := newHarness(t, harnessOptions{fallbackEnabled: true})

	_, err := h.dispatcher.SyncMessage(context.Background(), SyncContext{
		Message: canonicalMessage("m1", domain.DirectionInbound, "hello"),
		Mode:    domain.SyncModeChannels,
	})
	if apperrors.CodeOf(err) != apperrors.CodeChannelMissing {
		t.Fatalf("expected CHANNEL_MISSING, got %v", err)
	}
}

func TestSyncMessageInactiveMappingUsesFallback(t *testing.T) {
	channels := stubChannels{"acct-1": {ProviderChannelID: "acct-1", ChannelID: "crm-ch-9", Active: false}}
	h := newHarness(t, harnessOptions{fallbackEnabled: true, channels: channels})

	res, err := h.dispatcher.SyncMessage(context.Background(), SyncContext{
		Message: canonicalMessage("m1", domain.DirectionInbound, "hello"),
		Contact: testContact,
	})
	if err != nil || res.Mode != ResultModeFallbackNote {
		t.Fatalf("expected fallback, got %+v %v", res, err)
	}
	if h.crm.channelCount() != 0 {
		t.Fatalf("inactive mapping must not be used")
	}
}

func TestSyncMessageFallbackDisabled(t *testing.T) {
	tests := []struct {
		name     string
		mode     domain.SyncMode
		channels stubChannels
		failCh   bool
	}{
		{name: "notes mode", mode: domain.SyncModeNotes},
		{name: "dual without mapping", mode: domain.SyncModeDual},
		{name: "dual after channel failure", mode: domain.SyncModeDual, channels: activeMapping(), failCh: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOptions{fallbackEnabled: false, channels: tt.channels})
			if tt.failCh {
				h.crm.channelErr = apperrors.NewCRMUnavailable("receive message", nil)
			}
			_, err := h.dispatcher.SyncMessage(context.Background(), SyncContext{
				Message: canonicalMessage("m1", domain.DirectionInbound, "hello"),
				Contact: testContact,
				Mode:    tt.mode,
			})
			if apperrors.CodeOf(err) != apperrors.CodeFallbackOff {
				t.Fatalf("expected FALLBACK_DISABLED, got %v", err)
			}
			if h.crm.noteCount() != 0 {
				t.Fatalf("no note may be written")
			}
		})
	}
}

func TestSyncMessageReplayReusesNote(t *testing.T) {
	h := newHarness(t, harnessOptions{fallbackEnabled: true})
	ctx := context.Background()
	sc := SyncContext{
		Message: canonicalMessage("m1", domain.DirectionInbound, "hello"),
		Contact: testContact,
		Mode:    domain.SyncModeNotes,
	}

	first, err := h.dispatcher.SyncMessage(ctx, sc)
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	second, err := h.dispatcher.SyncMessage(ctx, sc)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Reused || second.NoteID != first.NoteID {
		t.Fatalf("replay should reuse %s, got %+v", first.NoteID, second)
	}
	if h.crm.createCalls != 1 || h.crm.updateCalls != 0 {
		t.Fatalf("replay wrote to the CRM: creates=%d updates=%d", h.crm.createCalls, h.crm.updateCalls)
	}
}

func TestSyncMessageAppendsToOpenBlock(t *testing.T) {
	h := newHarness(t, harnessOptions{fallbackEnabled: true})
	ctx := context.Background()

	for _, id := range []string{"m1", "m2"} {
		_, err := h.dispatcher.SyncMessage(ctx, SyncContext{
			Message: canonicalMessage(id, domain.DirectionInbound, "text "+id),
			Contact: testContact,
			Mode:    domain.SyncModeNotes,
		})
		if err != nil {
			t.Fatalf("sync %s: %v", id, err)
		}
	}
	if h.crm.noteCount() != 1 {
		t.Fatalf("expected one note, got %d", h.crm.noteCount())
	}
	content := h.crm.notes[h.crm.noteOrder[0]]
	if !notes.ContainsMessage(content, "m1") || !notes.ContainsMessage(content, "m2") {
		t.Fatalf("note missing fragments: %s", content)
	}
	if len(h.crm.createdPersons) != 1 {
		t.Fatalf("person should be resolved once, got %d", len(h.crm.createdPersons))
	}
}

func TestSyncMessageRejectsIncompleteMessage(t *testing.T) {
	h := newHarness(t, harnessOptions{fallbackEnabled: true})
	msg := canonicalMessage("", domain.DirectionInbound, "x")

	_, err := h.dispatcher.SyncMessage(context.Background(), SyncContext{Message: msg})
	if apperrors.CodeOf(err) != apperrors.CodeInvalidPayload {
		t.Fatalf("expected INVALID_PAYLOAD, got %v", err)
	}
}

func TestSyncMessageBehindBacklogIsDeferred(t *testing.T) {
	h := newHarness(t, harnessOptions{fallbackEnabled: true, flusherCfg: NoteFlusherConfig{DrainBatch: 2}})
	ctx := context.Background()
	h.enqueue(t, pendingEvent("old-1", 1000))
	h.enqueue(t, pendingEvent("old-2", 2000))

	res, err := h.dispatcher.SyncMessage(ctx, SyncContext{
		Message: canonicalMessage("m9", domain.DirectionInbound, "late"),
		Contact: testContact,
		Mode:    domain.SyncModeNotes,
	})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !res.Deferred || res.NoteID != "" || res.Reused {
		t.Fatalf("message not yet in a note must be reported deferred, got %+v", res)
	}
	if notes.ContainsMessage(h.crm.notes[h.crm.noteOrder[0]], "m9") {
		t.Fatalf("m9 should still be queued")
	}
	snapshot, _ := h.metrics.Snapshot(ctx)
	if snapshot["fallback_created"] != 0 || snapshot["fallback_reused"] != 0 {
		t.Fatalf("deferred message must not count as written: %v", snapshot)
	}
	due, err := h.store.DueFlushes(ctx, h.keys.FlushDue(), time.Now().Add(time.Minute), 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("expected follow-up flush scheduled, got %v %v", due, err)
	}

	if _, err := h.flusher.Flush(ctx, testConv); err != nil {
		t.Fatalf("follow-up flush: %v", err)
	}
	replay, err := h.dispatcher.SyncMessage(ctx, SyncContext{
		Message: canonicalMessage("m9", domain.DirectionInbound, "late"),
		Contact: testContact,
		Mode:    domain.SyncModeNotes,
	})
	if err != nil || replay.NoteID == "" || !replay.Reused {
		t.Fatalf("expected m9 found in a note, got %+v %v", replay, err)
	}
}

func TestSyncMessageReportsReusedForAppend(t *testing.T) {
	h := newHarness(t, harnessOptions{fallbackEnabled: true})
	ctx := context.Background()

	first, err := h.dispatcher.SyncMessage(ctx, SyncContext{
		Message: canonicalMessage("m1", domain.DirectionInbound, "one"),
		Contact: testContact,
		Mode:    domain.SyncModeNotes,
	})
	if err != nil || first.Reused || first.NoteID == "" {
		t.Fatalf("first message should open a note: %+v %v", first, err)
	}
	second, err := h.dispatcher.SyncMessage(ctx, SyncContext{
		Message: canonicalMessage("m2", domain.DirectionInbound, "two"),
		Contact: testContact,
		Mode:    domain.SyncModeNotes,
	})
	if err != nil || !second.Reused || second.NoteID != first.NoteID || second.Deferred {
		t.Fatalf("append should reuse %s, got %+v %v", first.NoteID, second, err)
	}
}
