package notes

import (
	"html"
	"strings"
	"time"

	"github.com/spec-kit/crm-chat-sync/internal/domain"
)

const emptyTextPlaceholder = "(empty message)"

// RenderOptions tunes fragment rendering.
type RenderOptions struct {
	Location  *time.Location
	LinkLabel string
}

func (o RenderOptions) location() *time.Location {
	if o.Location == nil {
		return time.UTC
	}
	return o.Location
}

// MessageMarker is the idempotency comment embedded ahead of every fragment.
func MessageMarker(messageID string) string {
	return "<!--mid:" + sanitizeMarker(messageID) + "-->"
}

// ContainsMessage reports whether rendered note content already carries messageID.
func ContainsMessage(content, messageID string) bool {
	return strings.Contains(content, MessageMarker(messageID))
}

// BuildNoteAppendHTML renders one fragment per pending event. All user text is
// HTML-escaped; the marker lets a re-render or diff skip duplicates.
func BuildNoteAppendHTML(events []domain.PendingNoteEvent, opts RenderOptions) string {
	var b strings.Builder
	for _, ev := range events {
		b.WriteString(MessageMarker(ev.MessageID))
		b.WriteString("<p><small>")
		b.WriteString(html.EscapeString(formatTimestamp(ev.TsMs, opts.location())))
		b.WriteString(" · ")
		b.WriteString(ev.Direction.ShortCode())
		if tag := strings.TrimSpace(ev.InstanceTag); tag != "" {
			b.WriteString(" · [")
			b.WriteString(html.EscapeString(tag))
			b.WriteString("]")
		}
		if link := strings.TrimSpace(ev.Link); link != "" {
			label := opts.LinkLabel
			if label == "" {
				label = "open"
			}
			b.WriteString(` · <a href="`)
			b.WriteString(html.EscapeString(link))
			b.WriteString(`">`)
			b.WriteString(html.EscapeString(label))
			b.WriteString("</a>")
		}
		b.WriteString("</small><br>")
		b.WriteString(renderText(ev))
		b.WriteString("</p>\n")
	}
	return b.String()
}

// BuildNoteHeaderHTML renders the block written once when a note is created.
func BuildNoteHeaderHTML(threadID, contactName string, startedAt time.Time, opts RenderOptions) string {
	var b strings.Builder
	b.WriteString("<h3>Chat conversation")
	if name := strings.TrimSpace(contactName); name != "" {
		b.WriteString(" with ")
		b.WriteString(html.EscapeString(name))
	}
	b.WriteString("</h3>\n<p><small>thread: ")
	b.WriteString(html.EscapeString(threadID))
	b.WriteString(" · started: ")
	b.WriteString(html.EscapeString(startedAt.In(opts.location()).Format(time.RFC3339)))
	b.WriteString("</small></p>\n")
	return b.String()
}

// EstimateHTMLBytes is the UTF-8 size of a rendered fragment.
func EstimateHTMLBytes(fragment string) int {
	return len(fragment)
}

func renderText(ev domain.PendingNoteEvent) string {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		switch ev.Kind {
		case domain.ContentMedia:
			return html.EscapeString("[media]")
		case domain.ContentInteractive:
			return html.EscapeString("[interactive]")
		default:
			return html.EscapeString(emptyTextPlaceholder)
		}
	}
	escaped := html.EscapeString(text)
	return strings.ReplaceAll(escaped, "\n", "<br>")
}

func formatTimestamp(tsMs int64, loc *time.Location) string {
	if tsMs <= 0 {
		return "-"
	}
	return time.UnixMilli(tsMs).In(loc).Format("2006-01-02 15:04:05")
}

// "--" would terminate the comment early.
func sanitizeMarker(id string) string {
	return strings.ReplaceAll(strings.ReplaceAll(id, "--", "__"), ">", "_")
}
