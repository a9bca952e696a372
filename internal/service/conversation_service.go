package service

import (
	"context"

	"github.com/spec-kit/crm-chat-sync/internal/domain"
	"github.com/spec-kit/crm-chat-sync/internal/repository"
	apperrors "github.com/spec-kit/crm-chat-sync/pkg/util"
)

// ConversationService serves the dashboard read side and manual flushes.
type ConversationService struct {
	index   repository.ConversationIndex
	flusher NoteWriter
}

// NewConversationService builds the service.
func NewConversationService(index repository.ConversationIndex, flusher NoteWriter) *ConversationService {
	return &ConversationService{index: index, flusher: flusher}
}

// List returns conversations by recent activity.
func (s *ConversationService) List(ctx context.Context, limit, offset int) ([]domain.ConversationSummary, error) {
	return s.index.List(ctx, clampLimit(limit), offset)
}

// Get returns one conversation summary.
func (s *ConversationService) Get(ctx context.Context, key domain.ConversationKey) (*domain.ConversationSummary, error) {
	if !key.Valid() {
		return nil, apperrors.NewValidationError("conversation key is required", nil)
	}
	return s.index.Get(ctx, key)
}

// Messages returns the newest messages in chronological order.
func (s *ConversationService) Messages(ctx context.Context, key domain.ConversationKey, limit int) ([]domain.CanonicalMessage, error) {
	if !key.Valid() {
		return nil, apperrors.NewValidationError("conversation key is required", nil)
	}
	return s.index.ListMessages(ctx, key, clampLimit(limit))
}

// MarkRead clears the unread counter.
func (s *ConversationService) MarkRead(ctx context.Context, key domain.ConversationKey) error {
	if !key.Valid() {
		return apperrors.NewValidationError("conversation key is required", nil)
	}
	return s.index.MarkRead(ctx, key)
}

// Flush drains queued note events for a conversation now.
func (s *ConversationService) Flush(ctx context.Context, key domain.ConversationKey) (FlushResult, error) {
	if !key.Valid() {
		return FlushResult{}, apperrors.NewValidationError("conversation key is required", nil)
	}
	return s.flusher.Flush(ctx, key)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 200:
		return 200
	default:
		return limit
	}
}
