package util

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5"
)

// Error codes shared by the sync pipeline and the HTTP surface.
const (
	CodeValidation      = "VALIDATION_FAILED"
	CodeNotFound        = "NOT_FOUND"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeInternal        = "INTERNAL_ERROR"
	CodeInvalidPayload  = "INVALID_PAYLOAD"
	CodeChannelMissing  = "CHANNEL_MISSING"
	CodeFallbackOff     = "FALLBACK_DISABLED"
	CodeCRMUnavailable  = "CRM_UNAVAILABLE"
	CodeCRMRejected     = "CRM_REJECTED"
	CodeCoordination    = "COORDINATION_UNAVAILABLE"
	CodeLockBusy        = "LOCK_BUSY"
	CodeDependencyDown  = "DEPENDENCY_UNAVAILABLE"
	CodeUnsupportedMode = "UNSUPPORTED_MODE"
)

// DomainError standardizes application errors.
type DomainError struct {
	Code       string
	Message    string
	HTTPStatus int
	Details    map[string]any
	Retryable  bool
	Err        error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError constructs a DomainError.
func NewDomainError(code, message string, status int, details map[string]any) *DomainError {
	return &DomainError{Code: code, Message: message, HTTPStatus: status, Details: details}
}

func NewValidationError(message string, details map[string]any) error {
	return NewDomainError(CodeValidation, message, http.StatusBadRequest, details)
}

func NewNotFound(resource string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	return &DomainError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
		Details:    details,
	}
}

func NewUnauthorized(message string) error {
	return NewDomainError(CodeUnauthorized, message, http.StatusUnauthorized, nil)
}

func NewForbidden(message string) error {
	return NewDomainError(CodeForbidden, message, http.StatusForbidden, nil)
}

func NewInternalError(err error) error {
	return &DomainError{
		Code:       CodeInternal,
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// NewInvalidPayload marks malformed input that must be skipped, not retried.
func NewInvalidPayload(message string, err error) error {
	return &DomainError{
		Code:       CodeInvalidPayload,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
		Err:        err,
	}
}

// NewChannelMissing is returned when strict channel mode has no mapping to use.
func NewChannelMissing(providerChannelID string) error {
	return &DomainError{
		Code:       CodeChannelMissing,
		Message:    "no crm channel mapped for provider account",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"provider_channel_id": providerChannelID},
	}
}

// NewFallbackDisabled is returned when a note fallback is required but turned off.
func NewFallbackDisabled(reason string, cause error) error {
	details := map[string]any{}
	if reason != "" {
		details["reason"] = reason
	}
	return &DomainError{
		Code:       CodeFallbackOff,
		Message:    "note fallback is disabled",
		HTTPStatus: http.StatusConflict,
		Details:    details,
		Err:        cause,
	}
}

// NewCRMUnavailable wraps timeouts, network failures and 5xx responses.
func NewCRMUnavailable(op string, err error) error {
	return &DomainError{
		Code:       CodeCRMUnavailable,
		Message:    fmt.Sprintf("crm %s failed", op),
		HTTPStatus: http.StatusBadGateway,
		Retryable:  true,
		Err:        err,
	}
}

// NewCRMRejected wraps non-retryable 4xx responses.
func NewCRMRejected(op string, err error) error {
	return &DomainError{
		Code:       CodeCRMRejected,
		Message:    fmt.Sprintf("crm %s rejected", op),
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// NewCoordinationError wraps failures of the shared coordination store.
func NewCoordinationError(op string, err error) error {
	return &DomainError{
		Code:       CodeCoordination,
		Message:    fmt.Sprintf("coordination store %s failed", op),
		HTTPStatus: http.StatusServiceUnavailable,
		Retryable:  true,
		Err:        err,
	}
}

// NewLockBusy reports that another worker holds the conversation flush lock.
func NewLockBusy(key string) error {
	return &DomainError{
		Code:       CodeLockBusy,
		Message:    "conversation flush lock held by another worker",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"conversation": key},
		Retryable:  true,
	}
}

// ToDomainError converts generic errors to DomainError.
func ToDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	if errors.Is(err, pgx.ErrNoRows) {
		if de, ok := NewNotFound("resource", nil).(*DomainError); ok {
			return de
		}
	}
	if de, ok := NewInternalError(err).(*DomainError); ok {
		return de
	}
	return &DomainError{
		Code:       CodeInternal,
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

func MapError(err error) error {
	return ToDomainError(err)
}

// CodeOf returns the domain code of err, or "" when err carries none.
func CodeOf(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

// IsRetryable reports whether a later attempt may succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Retryable
	}
	return false
}
