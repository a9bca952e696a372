package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/crm-chat-sync/internal/coordination"
	"github.com/spec-kit/crm-chat-sync/internal/domain"
	"github.com/spec-kit/crm-chat-sync/internal/events"
	"github.com/spec-kit/crm-chat-sync/internal/observability"
	"github.com/spec-kit/crm-chat-sync/internal/repository"
	apperrors "github.com/spec-kit/crm-chat-sync/pkg/util"
)

// Event handling results recorded in metrics.
const (
	eventIgnored   = "ignored"
	eventGroup     = "group"
	eventInvalid   = "invalid"
	eventSelfEcho  = "self_echo"
	eventIndexOnly = "index_only"
	eventSynced    = "synced"
	eventFailed    = "sync_failed"
)

// MessageSyncer delivers a canonical message to the CRM.
type MessageSyncer interface {
	SyncMessage(ctx context.Context, sc SyncContext) (SyncResult, error)
}

// CompanyConfigSource reads per-company settings.
type CompanyConfigSource interface {
	Get(ctx context.Context, companyID string) (*domain.CompanyConfig, error)
}

// BridgeConfig holds the ingestion switches.
type BridgeConfig struct {
	CompanyID       string
	Mode            domain.SyncMode
	InboundEnabled  bool
	OutboundEnabled bool
	SelfEchoTTL     time.Duration
	LinkPattern     string
}

// BridgeDependencies groups collaborators.
type BridgeDependencies struct {
	Index     repository.ConversationIndex
	Store     coordination.Store
	Keys      coordination.Keys
	Syncer    MessageSyncer
	Companies CompanyConfigSource
	Metrics   *observability.Metrics
	Logger    *zap.Logger
}

// BridgeService turns chat-transport events into canonical messages, records
// them in the conversation index and hands them to the sync dispatcher.
type BridgeService struct {
	deps BridgeDependencies
	cfg  BridgeConfig
}

// NewBridgeService creates the service.
func NewBridgeService(cfg BridgeConfig, deps BridgeDependencies) *BridgeService {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.SelfEchoTTL <= 0 {
		cfg.SelfEchoTTL = 10 * time.Minute
	}
	return &BridgeService{deps: deps, cfg: cfg}
}

// RegisterHandlers subscribes to message events.
func (b *BridgeService) RegisterHandlers(dispatcher events.Dispatcher) {
	if dispatcher == nil {
		return
	}
	dispatcher.Subscribe(events.EventMessageInbound, b.Handle)
	dispatcher.Subscribe(events.EventMessageOutbound, b.Handle)
}

// MarkSelfSent remembers an outbound message id produced by this pipeline so
// its transport echo is not synced again. The marker expires after SelfEchoTTL.
func (b *BridgeService) MarkSelfSent(ctx context.Context, messageID string) error {
	if b == nil {
		return errors.New("bridge service is nil")
	}
	if strings.TrimSpace(messageID) == "" {
		return apperrors.NewValidationError("message id is required", nil)
	}
	return b.deps.Store.SetMarker(ctx, b.deps.Keys.SelfSent(messageID), "1", b.cfg.SelfEchoTTL)
}

// Handle processes one chat event. Failures are logged and swallowed so one
// bad event never blocks the next.
func (b *BridgeService) Handle(ctx context.Context, event events.ChatEvent) error {
	if b == nil {
		return errors.New("bridge service is nil")
	}
	if !event.Type.IsMessage() {
		b.deps.Metrics.RecordEvent(string(event.Type), eventIgnored)
		return nil
	}
	if isGroupEvent(event) {
		b.deps.Metrics.RecordEvent(string(event.Type), eventGroup)
		return nil
	}

	msg, contact := b.canonical(event)
	logger := b.deps.Logger.With(
		zap.String("conversation", msg.Key.String()),
		zap.String("message_id", msg.ID),
		zap.String("direction", string(msg.Direction)),
	)
	if msg.ID == "" || !msg.Key.Valid() {
		logger.Warn("dropping chat event without message identity")
		b.deps.Metrics.RecordEvent(string(event.Type), eventInvalid)
		b.deps.Metrics.IncSync(ctx, observability.OutcomeInvalidEvent)
		return nil
	}

	if b.deps.Index != nil {
		if _, err := b.deps.Index.Upsert(ctx, msg, contact); err != nil {
			logger.Warn("conversation index write failed", zap.Error(err))
			b.deps.Metrics.IncSync(ctx, observability.OutcomeIndexError)
		}
	}

	if msg.Direction == domain.DirectionOutbound {
		_, selfSent, err := b.deps.Store.GetMarker(ctx, b.deps.Keys.SelfSent(msg.ID))
		if err != nil {
			logger.Warn("self-sent marker lookup failed", zap.Error(err))
		}
		if selfSent {
			logger.Debug("skipping echo of self-sent message")
			b.deps.Metrics.RecordEvent(string(event.Type), eventSelfEcho)
			b.deps.Metrics.IncSync(ctx, observability.OutcomeSelfEcho)
			return nil
		}
	}

	if !b.directionEnabled(msg.Direction) {
		b.deps.Metrics.RecordEvent(string(event.Type), eventIndexOnly)
		return nil
	}

	company, ok := b.company(ctx, logger)
	if !ok {
		b.deps.Metrics.RecordEvent(string(event.Type), eventIndexOnly)
		return nil
	}

	mode := b.cfg.Mode
	if company.DefaultMode != "" {
		mode = company.DefaultMode
	}
	result, err := b.deps.Syncer.SyncMessage(ctx, SyncContext{
		Message:   msg,
		Contact:   contact,
		Mode:      mode,
		Link:      b.conversationLink(msg.Key),
		FieldKeys: company.FieldKeys,
	})
	if err != nil {
		logger.Warn("crm sync failed",
			zap.String("code", apperrors.CodeOf(err)),
			zap.Bool("retryable", apperrors.IsRetryable(err)),
			zap.Error(err),
		)
		b.deps.Metrics.RecordEvent(string(event.Type), eventFailed)
		return nil
	}
	logger.Debug("crm sync done",
		zap.String("result_mode", result.Mode),
		zap.String("note_id", result.NoteID),
		zap.Bool("reused", result.Reused),
		zap.Bool("deferred", result.Deferred),
	)
	b.deps.Metrics.RecordEvent(string(event.Type), eventSynced)
	return nil
}

func (b *BridgeService) canonical(event events.ChatEvent) (domain.CanonicalMessage, domain.Contact) {
	raw := event.Payload.Message
	payload := ClassifyPayload(raw)
	direction := event.MessageDirection()

	contact := domain.Contact{
		RemoteID:    event.Payload.Contact.RemoteID,
		Phone:       event.Payload.Contact.Phone,
		DisplayName: event.Payload.Contact.Name,
		IsGroup:     event.Payload.Contact.IsGroup,
	}
	if contact.RemoteID == "" {
		contact.RemoteID = raw.ChatID
	}

	sender := domain.Sender{ID: raw.SenderID, Name: raw.SenderName, Role: "end_user"}
	if direction == domain.DirectionOutbound {
		sender.Role = "agent"
		if sender.ID == "" {
			sender.ID = event.InstanceID
		}
	} else {
		if sender.ID == "" {
			sender.ID = contact.RemoteID
		}
		if sender.Name == "" {
			sender.Name = contact.DisplayName
		}
	}

	msg := domain.CanonicalMessage{
		ID:          raw.ID,
		Key:         event.ConversationKey(),
		TimestampMs: event.TimestampMs(),
		Direction:   direction,
		Kind:        payload.Kind(),
		Text:        payload.Body(),
		Attachments: payload.Attachments(),
		Sender:      sender,
		InstanceID:  event.InstanceID,
	}
	return msg, contact
}

func (b *BridgeService) directionEnabled(direction domain.Direction) bool {
	if direction == domain.DirectionOutbound {
		return b.cfg.OutboundEnabled
	}
	return b.cfg.InboundEnabled
}

// company loads the company config. A missing row means the integration runs
// on process defaults; a failed read skips CRM sync for this event.
func (b *BridgeService) company(ctx context.Context, logger *zap.Logger) (*domain.CompanyConfig, bool) {
	if b.deps.Companies == nil {
		return &domain.CompanyConfig{CompanyID: b.cfg.CompanyID, Enabled: true}, true
	}
	cfg, err := b.deps.Companies.Get(ctx, b.cfg.CompanyID)
	switch {
	case err == nil:
		if !cfg.Enabled {
			logger.Debug("crm sync disabled for company")
			return nil, false
		}
		return cfg, true
	case errors.Is(err, pgx.ErrNoRows) || apperrors.CodeOf(err) == apperrors.CodeNotFound:
		return &domain.CompanyConfig{CompanyID: b.cfg.CompanyID, Enabled: true}, true
	default:
		logger.Warn("company config unavailable; skipping crm sync", zap.Error(err))
		return nil, false
	}
}

func (b *BridgeService) conversationLink(key domain.ConversationKey) string {
	if b.cfg.LinkPattern == "" {
		return ""
	}
	link := strings.ReplaceAll(b.cfg.LinkPattern, "{provider_channel_id}", key.ProviderChannelID)
	return strings.ReplaceAll(link, "{conversation_id}", key.ConversationID)
}

func isGroupEvent(event events.ChatEvent) bool {
	if event.Payload.Contact.IsGroup {
		return true
	}
	return strings.HasSuffix(event.Payload.Message.ChatID, "@g.us")
}
