package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/crm-chat-sync/internal/coordination"
	"github.com/spec-kit/crm-chat-sync/internal/crm"
	"github.com/spec-kit/crm-chat-sync/internal/domain"
	"github.com/spec-kit/crm-chat-sync/internal/observability"
	apperrors "github.com/spec-kit/crm-chat-sync/pkg/util"
)

// Result modes reported by SyncMessage.
const (
	ResultModeChannels     = "channels"
	ResultModeFallbackNote = "fallback_note"
)

// RouteKind enumerates delivery decisions.
type RouteKind int

const (
	RouteUseChannel RouteKind = iota
	RouteUseFallback
	RouteFail
)

func (k RouteKind) String() string {
	switch k {
	case RouteUseChannel:
		return "use_channel"
	case RouteUseFallback:
		return "use_fallback"
	default:
		return "fail"
	}
}

// Route is the outcome of DecideRoute. FallbackOnError applies to
// RouteUseChannel; Code and Reason apply to RouteFail.
type Route struct {
	Kind            RouteKind
	FallbackOnError bool
	Code            string
	Reason          string
}

// DecideRoute maps the delivery mode and the current integration state to one
// route. An empty or unknown mode behaves like dual.
func DecideRoute(mode domain.SyncMode, hasChannel, fallbackEnabled bool) Route {
	switch mode {
	case domain.SyncModeNotes:
		if !fallbackEnabled {
			return Route{Kind: RouteFail, Code: apperrors.CodeFallbackOff, Reason: "notes mode requires fallback notes to be enabled"}
		}
		return Route{Kind: RouteUseFallback}
	case domain.SyncModeChannels:
		if !hasChannel {
			return Route{Kind: RouteFail, Code: apperrors.CodeChannelMissing, Reason: "channels mode requires a channel mapping"}
		}
		return Route{Kind: RouteUseChannel}
	default:
		if hasChannel {
			return Route{Kind: RouteUseChannel, FallbackOnError: true}
		}
		if !fallbackEnabled {
			return Route{Kind: RouteFail, Code: apperrors.CodeFallbackOff, Reason: "no channel mapping and fallback notes disabled"}
		}
		return Route{Kind: RouteUseFallback}
	}
}

// SyncContext is everything needed to deliver one message.
type SyncContext struct {
	Message   domain.CanonicalMessage
	Contact   domain.Contact
	Mode      domain.SyncMode
	Link      string
	FieldKeys map[string]string
}

// SyncResult reports how a message reached the CRM.
type SyncResult struct {
	Mode      string `json:"mode"`
	NoteID    string `json:"note_id,omitempty"`
	Reused    bool   `json:"reused"`
	PersonID  string `json:"person_id,omitempty"`
	Deferred  bool   `json:"deferred,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// ChannelResolver looks up the CRM channel of a chat account.
type ChannelResolver interface {
	GetByProvider(ctx context.Context, providerChannelID string) (*domain.ChannelMapping, error)
}

// NoteWriter flushes queued note events for a conversation.
type NoteWriter interface {
	Flush(ctx context.Context, key domain.ConversationKey) (FlushResult, error)
}

// SyncDispatcherConfig holds delivery settings.
type SyncDispatcherConfig struct {
	FallbackEnabled bool
	DedupeTTL       time.Duration
}

// SyncDispatcherDependencies groups collaborators.
type SyncDispatcherDependencies struct {
	Channels   ChannelResolver
	ChannelAPI crm.ChannelAPI
	Notes      NoteWriter
	People     *PersonResolver
	Store      coordination.Store
	Keys       coordination.Keys
	Metrics    *observability.Metrics
	Logger     *zap.Logger
}

// SyncDispatcher delivers canonical messages through the channel API or the
// note timeline. It never retries on its own; errors go to the caller.
type SyncDispatcher struct {
	deps SyncDispatcherDependencies
	cfg  SyncDispatcherConfig
}

// NewSyncDispatcher builds a dispatcher.
func NewSyncDispatcher(cfg SyncDispatcherConfig, deps SyncDispatcherDependencies) *SyncDispatcher {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 7 * 24 * time.Hour
	}
	return &SyncDispatcher{deps: deps, cfg: cfg}
}

// SyncMessage delivers sc.Message once.
func (d *SyncDispatcher) SyncMessage(ctx context.Context, sc SyncContext) (SyncResult, error) {
	msg := sc.Message
	if msg.ID == "" || !msg.Key.Valid() {
		return SyncResult{}, apperrors.NewInvalidPayload("message needs id and conversation key", nil)
	}
	logger := d.deps.Logger.With(
		zap.String("conversation", msg.Key.String()),
		zap.String("message_id", msg.ID),
		zap.String("mode", string(sc.Mode)),
	)

	var mapping *domain.ChannelMapping
	if sc.Mode != domain.SyncModeNotes {
		mapping = d.lookupChannel(ctx, msg.Key.ProviderChannelID, logger)
	}
	route := DecideRoute(sc.Mode, mapping.Usable(), d.cfg.FallbackEnabled)

	switch route.Kind {
	case RouteFail:
		if route.Code == apperrors.CodeChannelMissing {
			d.deps.Metrics.IncSync(ctx, observability.OutcomeChannelFailure)
			return SyncResult{}, apperrors.NewChannelMissing(msg.Key.ProviderChannelID)
		}
		d.deps.Metrics.IncSync(ctx, observability.OutcomeFallbackFailed)
		return SyncResult{}, apperrors.NewFallbackDisabled(route.Reason, nil)
	case RouteUseFallback:
		return d.fallback(ctx, sc, nil, logger)
	}

	err := d.deps.ChannelAPI.ReceiveMessage(ctx, mapping.ChannelID, channelMessage(sc))
	if err == nil {
		d.deps.Metrics.IncSync(ctx, observability.OutcomeChannelSuccess)
		return SyncResult{Mode: ResultModeChannels}, nil
	}
	d.deps.Metrics.IncSync(ctx, observability.OutcomeChannelFailure)
	logger.Warn("crm channel delivery failed",
		zap.Int("status", crm.StatusCode(err)),
		zap.Bool("retryable", apperrors.IsRetryable(err)),
		zap.Error(err),
	)
	if !route.FallbackOnError {
		return SyncResult{}, err
	}
	return d.fallback(ctx, sc, err, logger)
}

func (d *SyncDispatcher) lookupChannel(ctx context.Context, providerChannelID string, logger *zap.Logger) *domain.ChannelMapping {
	if d.deps.Channels == nil {
		return nil
	}
	mapping, err := d.deps.Channels.GetByProvider(ctx, providerChannelID)
	switch {
	case err == nil:
		if !mapping.Usable() {
			logger.Info("crm channel mapping inactive")
		}
		return mapping
	case errors.Is(err, pgx.ErrNoRows) || apperrors.CodeOf(err) == apperrors.CodeNotFound:
		logger.Info("no crm channel mapping for account")
	default:
		logger.Warn("crm channel lookup failed", zap.Error(err))
	}
	return nil
}

// fallback writes the message into the conversation's note block. A message
// already carried by a note is reported as reused without another write.
func (d *SyncDispatcher) fallback(ctx context.Context, sc SyncContext, cause error, logger *zap.Logger) (SyncResult, error) {
	msg := sc.Message
	if !d.cfg.FallbackEnabled {
		d.deps.Metrics.IncSync(ctx, observability.OutcomeFallbackFailed)
		reason := "fallback notes are disabled"
		if cause != nil {
			reason = "channel delivery failed and fallback notes are disabled"
		}
		return SyncResult{}, apperrors.NewFallbackDisabled(reason, cause)
	}

	noteKey := d.deps.Keys.NoteKey(msg.InstanceID, msg.ID)
	if noteID, ok, err := d.deps.Store.GetMarker(ctx, noteKey); err != nil {
		d.deps.Metrics.IncSync(ctx, observability.OutcomeFallbackFailed)
		return SyncResult{}, err
	} else if ok {
		d.deps.Metrics.IncSync(ctx, observability.OutcomeFallbackReused)
		return SyncResult{Mode: ResultModeFallbackNote, NoteID: noteID, Reused: true}, nil
	}

	personID := ""
	if d.deps.People != nil {
		id, err := d.deps.People.Resolve(ctx, sc.Contact, sc.FieldKeys)
		if err != nil {
			d.deps.Metrics.IncSync(ctx, observability.OutcomeFallbackFailed)
			return SyncResult{}, err
		}
		personID = id
	}

	contactName := sc.Contact.DisplayName
	if contactName == "" {
		contactName = sc.Contact.Phone
	}
	payload, err := json.Marshal(domain.PendingFromMessage(msg, sc.Link, personID, contactName))
	if err != nil {
		return SyncResult{}, err
	}
	enqueued, err := d.deps.Store.DedupeAndEnqueue(ctx, d.deps.Keys.Dedupe(msg.ID), d.deps.Keys.Pending(msg.Key), string(payload), d.cfg.DedupeTTL)
	if err != nil {
		// the caller must not assume the message is queued
		d.deps.Metrics.IncSync(ctx, observability.OutcomeFallbackFailed)
		return SyncResult{}, err
	}
	if !enqueued {
		logger.Debug("message already queued for notes")
		d.deps.Metrics.IncSync(ctx, observability.OutcomeFallbackSkipped)
	}

	flushed, err := d.deps.Notes.Flush(ctx, msg.Key)
	if err != nil {
		d.deps.Metrics.IncSync(ctx, observability.OutcomeFallbackFailed)
		return SyncResult{}, fmt.Errorf("flush notes for %s: %w", msg.Key, err)
	}
	result := SyncResult{
		Mode:      ResultModeFallbackNote,
		PersonID:  personID,
		Deferred:  flushed.Deferred,
		Duplicate: !enqueued,
	}
	if flushed.Deferred {
		return result, nil
	}

	// The flush may have drained older backlog without reaching this message.
	noteID, ok, err := d.deps.Store.GetMarker(ctx, noteKey)
	if err != nil {
		logger.Warn("note-key lookup after flush failed", zap.Error(err))
	}
	if err != nil || !ok {
		logger.Debug("message still queued after flush")
		result.Deferred = true
		return result, nil
	}
	result.NoteID = noteID
	result.Reused = !slices.Contains(flushed.CreatedNotes, noteID)
	if result.Reused {
		d.deps.Metrics.IncSync(ctx, observability.OutcomeFallbackReused)
	} else {
		d.deps.Metrics.IncSync(ctx, observability.OutcomeFallbackCreated)
	}
	return result, nil
}

func channelMessage(sc SyncContext) crm.ChannelMessage {
	msg := sc.Message
	status := "delivered"
	role := "end_user"
	if msg.Direction == domain.DirectionOutbound {
		status = "sent"
		role = "source_user"
	}
	senderID := msg.Sender.ID
	if senderID == "" {
		senderID = msg.Key.ConversationID
	}
	senderName := msg.Sender.Name
	if senderName == "" && msg.Direction == domain.DirectionInbound {
		senderName = sc.Contact.DisplayName
	}
	attachments := make([]crm.ChannelAttachment, 0, len(msg.Attachments))
	for i, att := range msg.Attachments {
		attachments = append(attachments, crm.ChannelAttachment{
			ID:       fmt.Sprintf("%s-%d", msg.ID, i),
			Type:     att.MimeType,
			Name:     att.FileName,
			URL:      att.URL,
			MimeType: att.MimeType,
		})
		if attachments[i].Type == "" {
			attachments[i].Type = att.Kind
		}
	}
	text := msg.Text
	if strings.TrimSpace(text) == "" && len(msg.Attachments) > 0 {
		text = "[" + msg.Attachments[0].Kind + "]"
	}
	return crm.ChannelMessage{
		ConversationID:   msg.Key.ConversationID,
		ConversationLink: sc.Link,
		MessageID:        msg.ID,
		Message:          text,
		CreatedAt:        msg.CreatedAt().Format(time.RFC3339),
		Status:           status,
		Sender:           crm.ChannelSender{ID: senderID, Name: senderName, Role: role},
		Attachments:      attachments,
	}
}
