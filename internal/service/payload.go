package service

import (
	"strings"

	"github.com/spec-kit/crm-chat-sync/internal/domain"
	"github.com/spec-kit/crm-chat-sync/internal/events"
)

// Payload is the message shape decided once when an event enters the bridge.
// Exactly one of TextPayload, MediaPayload, InteractivePayload or
// UnknownPayload is produced per message.
type Payload interface {
	Kind() domain.ContentKind
	Body() string
	Attachments() []domain.Attachment
}

// TextPayload is a plain text message.
type TextPayload struct {
	Text string
}

func (p TextPayload) Kind() domain.ContentKind         { return domain.ContentText }
func (p TextPayload) Body() string                     { return p.Text }
func (p TextPayload) Attachments() []domain.Attachment { return []domain.Attachment{} }

// MediaPayload carries one attachment and an optional caption.
type MediaPayload struct {
	Media   domain.Attachment
	Caption string
}

func (p MediaPayload) Kind() domain.ContentKind { return domain.ContentMedia }
func (p MediaPayload) Body() string             { return p.Caption }
func (p MediaPayload) Attachments() []domain.Attachment {
	return []domain.Attachment{p.Media}
}

// InteractivePayload is a button/list prompt or a reply to one.
type InteractivePayload struct {
	Variant  string
	Prompt   string
	Options  []string
	Selected string
}

func (p InteractivePayload) Kind() domain.ContentKind { return domain.ContentInteractive }

func (p InteractivePayload) Body() string {
	parts := make([]string, 0, 3)
	if p.Prompt != "" {
		parts = append(parts, p.Prompt)
	}
	if len(p.Options) > 0 {
		parts = append(parts, "["+strings.Join(p.Options, " | ")+"]")
	}
	if p.Selected != "" {
		parts = append(parts, "-> "+p.Selected)
	}
	return strings.Join(parts, "\n")
}

func (p InteractivePayload) Attachments() []domain.Attachment { return []domain.Attachment{} }

// UnknownPayload is anything the bridge cannot classify (stickers, polls, system notices).
type UnknownPayload struct {
	Type string
	Text string
}

func (p UnknownPayload) Kind() domain.ContentKind         { return domain.ContentUnknown }
func (p UnknownPayload) Body() string                     { return p.Text }
func (p UnknownPayload) Attachments() []domain.Attachment { return []domain.Attachment{} }

// ClassifyPayload inspects the optional message blocks once.
func ClassifyPayload(msg events.Message) Payload {
	if in := msg.Interactive; in != nil {
		selected := in.SelectedTitle
		if selected == "" {
			selected = in.SelectedID
		}
		prompt := in.Body
		if prompt == "" {
			prompt = msg.Text
		}
		return InteractivePayload{Variant: in.Kind, Prompt: prompt, Options: in.Options, Selected: selected}
	}
	if media := msg.Media; media != nil && strings.TrimSpace(media.Kind) != "" {
		caption := media.Caption
		if caption == "" {
			caption = msg.Text
		}
		return MediaPayload{
			Media: domain.Attachment{
				Kind:     strings.ToLower(media.Kind),
				URL:      media.URL,
				MimeType: media.MimeType,
				FileName: media.FileName,
			},
			Caption: caption,
		}
	}
	switch strings.ToLower(msg.Type) {
	case "", "text", "chat", "conversation", "extended_text":
		if msg.Text != "" || msg.Type != "" {
			return TextPayload{Text: msg.Text}
		}
	}
	return UnknownPayload{Type: msg.Type, Text: msg.Text}
}
