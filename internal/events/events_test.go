package events

import (
	"context"
	"errors"
	"testing"

	"github.com/spec-kit/crm-chat-sync/internal/domain"
	apperrors "github.com/spec-kit/crm-chat-sync/pkg/util"
)

func TestDecodeInboundMessage(t *testing.T) {
	raw := []byte(`{
		"type": "MESSAGE_INBOUND",
		"instance_id": "acct-1",
		"payload": {
			"contact": {"remote_id": "5511@c.us", "phone": "5511", "name": "Ana", "is_group": false},
			"message": {"id": "m1", "chat_id": "5511@c.us", "text": "oi", "timestamp": 1714555800}
		}
	}`)
	event, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if event.Type != EventMessageInbound || !event.Type.IsMessage() {
		t.Fatalf("unexpected type %q", event.Type)
	}
	key := event.ConversationKey()
	if key.ProviderChannelID != "acct-1" || key.ConversationID != "5511@c.us" {
		t.Fatalf("unexpected key %+v", key)
	}
	if event.MessageDirection() != domain.DirectionInbound {
		t.Fatalf("unexpected direction %q", event.MessageDirection())
	}
	if event.TimestampMs() != 1714555800000 {
		t.Fatalf("seconds should scale to millis, got %d", event.TimestampMs())
	}
	if event.ReceivedAt.IsZero() {
		t.Fatalf("expected receipt time")
	}
}

func TestDecodeRejectsInvalidPayloads(t *testing.T) {
	cases := map[string]string{
		"not json":           `{"type":`,
		"missing type":       `{"instance_id":"a"}`,
		"missing message":    `{"type":"MESSAGE_INBOUND","instance_id":"a","payload":{}}`,
		"empty message id":   `{"type":"MESSAGE_OUTBOUND","instance_id":"a","payload":{"message":{"id":"","chat_id":"c"}}}`,
		"missing chat":       `{"type":"MESSAGE_INBOUND","instance_id":"a","payload":{"message":{"id":"m1"}}}`,
		"missing instance":   `{"type":"MESSAGE_INBOUND","payload":{"message":{"id":"m1","chat_id":"c"}}}`,
		"bad timestamp":      `{"type":"MESSAGE_INBOUND","instance_id":"a","payload":{"message":{"id":"m1","chat_id":"c","timestamp":"x"}}}`,
		"media without kind": `{"type":"MESSAGE_INBOUND","instance_id":"a","payload":{"message":{"id":"m1","chat_id":"c","media":{}}}}`,
	}
	for name, raw := range cases {
		if _, err := Decode([]byte(raw)); apperrors.CodeOf(err) != apperrors.CodeInvalidPayload {
			t.Errorf("%s: expected invalid payload, got %v", name, err)
		}
	}
}

func TestDecodeAcceptsNonMessageEvents(t *testing.T) {
	event, err := Decode([]byte(`{"type":"CONNECTION_UPDATE","payload":{"state":"open"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if event.Type.IsMessage() {
		t.Fatalf("connection update is not a message")
	}
}

func TestTimestampFallbacks(t *testing.T) {
	event := ChatEvent{Payload: MessagePayload{Message: Message{Timestamp: 1714555800123}}}
	if event.TimestampMs() != 1714555800123 {
		t.Fatalf("millis should pass through")
	}
	event.Payload.Message.Timestamp = 0
	if event.TimestampMs() <= 0 {
		t.Fatalf("missing timestamp should use current time")
	}
}

func TestDispatcherRoutesByTypeAndContinuesOnError(t *testing.T) {
	d := NewInMemoryDispatcher(nil)
	var calls []string
	d.Subscribe(EventMessageInbound, func(ctx context.Context, e ChatEvent) error {
		calls = append(calls, "first")
		return errors.New("boom")
	})
	d.Subscribe(EventMessageInbound, func(ctx context.Context, e ChatEvent) error {
		calls = append(calls, "second")
		return nil
	})

	if err := d.Publish(context.Background(), ChatEvent{Type: EventMessageInbound}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := d.Publish(context.Background(), ChatEvent{Type: EventMessageAck}); err != nil {
		t.Fatalf("publish unsubscribed: %v", err)
	}
	if len(calls) != 2 || calls[0] != "first" || calls[1] != "second" {
		t.Fatalf("unexpected calls %v", calls)
	}
}
