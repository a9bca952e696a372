// Package crm talks to the CRM REST API: the structured channel API, the note
// timeline and person lookup.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/spec-kit/crm-chat-sync/pkg/util"
)

// TokenProvider returns a bearer token for the CRM. Token refresh lives outside this package.
type TokenProvider func(ctx context.Context) (string, error)

// StaticToken returns a TokenProvider for a fixed API token.
func StaticToken(token string) TokenProvider {
	return func(ctx context.Context) (string, error) {
		return token, nil
	}
}

// ChannelAPI delivers messages into a CRM channel conversation.
type ChannelAPI interface {
	ReceiveMessage(ctx context.Context, channelID string, msg ChannelMessage) error
}

// NotesAPI manages free-text notes attached to a CRM person.
type NotesAPI interface {
	CreateNote(ctx context.Context, input NoteInput) (string, error)
	GetNote(ctx context.Context, noteID string) (string, error)
	UpdateNote(ctx context.Context, noteID, content string) error
}

// PersonsAPI resolves CRM contacts.
type PersonsAPI interface {
	FindPersonByPhone(ctx context.Context, phone string) (string, bool, error)
	CreatePerson(ctx context.Context, input PersonInput) (string, error)
}

// ChannelSender is the author block of a channel message.
type ChannelSender struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role"`
}

// ChannelAttachment is a media reference carried by a channel message.
type ChannelAttachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Name     string `json:"name,omitempty"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// ChannelMessage is the receiveMessage payload.
type ChannelMessage struct {
	ConversationID   string              `json:"conversation_id"`
	ConversationLink string              `json:"conversation_link,omitempty"`
	MessageID        string              `json:"message_id"`
	Message          string              `json:"message"`
	CreatedAt        string              `json:"created_at"`
	Status           string              `json:"status"`
	Sender           ChannelSender       `json:"sender"`
	Attachments      []ChannelAttachment `json:"attachments"`
}

// NoteInput creates a note on a person.
type NoteInput struct {
	PersonID string `json:"person_id"`
	Content  string `json:"content"`
}

// PersonInput creates a person. Fields carries company-specific custom field keys.
type PersonInput struct {
	Name   string
	Phone  string
	Fields map[string]string
}

// APIError is a non-2xx CRM response.
type APIError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("crm %s failed: status=%d code=%s message=%s", e.Op, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("crm %s failed: status=%d message=%s", e.Op, e.StatusCode, e.Message)
}

// StatusCode extracts the HTTP status from a CRM error, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// ClientOptions configures Client.
type ClientOptions struct {
	BaseURL       string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	Timeout       time.Duration
	UserAgent     string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

// Client implements ChannelAPI, NotesAPI and PersonsAPI over HTTP.
type Client struct {
	baseURL       string
	tokenProvider TokenProvider
	httpClient    *http.Client
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
}

// NewClient builds a CRM client. Every call is bounded by the HTTP client timeout.
func NewClient(opts ClientOptions) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &Client{
		baseURL:       strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
	}
}

// ReceiveMessage posts a message into a CRM channel.
func (c *Client) ReceiveMessage(ctx context.Context, channelID string, msg ChannelMessage) error {
	if strings.TrimSpace(channelID) == "" {
		return apperrors.NewChannelMissing("")
	}
	if msg.Attachments == nil {
		msg.Attachments = []ChannelAttachment{}
	}
	path := "/channels/" + url.PathEscape(channelID) + "/messages"
	return c.do(ctx, "receive_message", http.MethodPost, path, msg, nil)
}

// CreateNote creates a note and returns its id.
func (c *Client) CreateNote(ctx context.Context, input NoteInput) (string, error) {
	var out struct {
		Data struct {
			ID json.RawMessage `json:"id"`
		} `json:"data"`
	}
	if err := c.do(ctx, "create_note", http.MethodPost, "/notes", input, &out); err != nil {
		return "", err
	}
	id := rawID(out.Data.ID)
	if id == "" {
		return "", apperrors.NewCRMRejected("create_note", errors.New("response carried no note id"))
	}
	return id, nil
}

// GetNote returns the current HTML content of a note.
func (c *Client) GetNote(ctx context.Context, noteID string) (string, error) {
	var out struct {
		Data struct {
			Content string `json:"content"`
		} `json:"data"`
	}
	if err := c.do(ctx, "get_note", http.MethodGet, "/notes/"+url.PathEscape(noteID), nil, &out); err != nil {
		return "", err
	}
	return out.Data.Content, nil
}

// UpdateNote replaces the note content.
func (c *Client) UpdateNote(ctx context.Context, noteID, content string) error {
	body := map[string]string{"content": content}
	return c.do(ctx, "update_note", http.MethodPut, "/notes/"+url.PathEscape(noteID), body, nil)
}

// FindPersonByPhone searches persons by phone number.
func (c *Client) FindPersonByPhone(ctx context.Context, phone string) (string, bool, error) {
	var out struct {
		Data []struct {
			ID json.RawMessage `json:"id"`
		} `json:"data"`
	}
	query := url.Values{}
	query.Set("term", phone)
	query.Set("fields", "phone")
	query.Set("exact_match", "true")
	if err := c.do(ctx, "find_person", http.MethodGet, "/persons/search?"+query.Encode(), nil, &out); err != nil {
		return "", false, err
	}
	for _, item := range out.Data {
		if id := rawID(item.ID); id != "" {
			return id, true, nil
		}
	}
	return "", false, nil
}

// CreatePerson creates a person and returns its id.
func (c *Client) CreatePerson(ctx context.Context, input PersonInput) (string, error) {
	body := map[string]any{"name": input.Name}
	if input.Phone != "" {
		body["phone"] = []map[string]any{{"value": input.Phone, "primary": true}}
	}
	for key, val := range input.Fields {
		if key != "" {
			body[key] = val
		}
	}
	var out struct {
		Data struct {
			ID json.RawMessage `json:"id"`
		} `json:"data"`
	}
	if err := c.do(ctx, "create_person", http.MethodPost, "/persons", body, &out); err != nil {
		return "", err
	}
	id := rawID(out.Data.ID)
	if id == "" {
		return "", apperrors.NewCRMRejected("create_person", errors.New("response carried no person id"))
	}
	return id, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, payload, out any) error {
	if c == nil {
		return fmt.Errorf("crm client is nil")
	}
	if c.baseURL == "" {
		return apperrors.NewCRMRejected(op, errors.New("crm base url not configured"))
	}
	if c.tokenProvider == nil {
		return apperrors.NewCRMRejected(op, errors.New("crm token provider is required"))
	}
	token, err := c.tokenProvider(ctx)
	if err != nil {
		return apperrors.NewCRMUnavailable(op, err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return apperrors.NewCRMRejected(op, errors.New("crm token is empty"))
	}

	var bodyBytes []byte
	if payload != nil {
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}

	for attempt := 0; ; attempt++ {
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return apperrors.NewCRMUnavailable(op, waitErr)
				}
				continue
			}
			return apperrors.NewCRMUnavailable(op, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return apperrors.NewCRMUnavailable(op, readErr)
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out != nil && len(respBody) > 0 {
				if err := json.Unmarshal(respBody, out); err != nil {
					return apperrors.NewCRMRejected(op, fmt.Errorf("decode response: %w", err))
				}
			}
			return nil
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		if retryable && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return apperrors.NewCRMUnavailable(op, waitErr)
			}
			continue
		}

		apiErr := &APIError{Op: op, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var parsed map[string]any
		if json.Unmarshal(respBody, &parsed) == nil {
			if code, ok := parsed["code"].(string); ok {
				apiErr.Code = code
			}
			if message, ok := parsed["error"].(string); ok && strings.TrimSpace(message) != "" {
				apiErr.Message = message
			}
			if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
				apiErr.Message = message
			}
		}
		if retryable {
			return apperrors.NewCRMUnavailable(op, apiErr)
		}
		return apperrors.NewCRMRejected(op, apiErr)
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// rawID accepts numeric or string ids.
func rawID(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	var str string
	if json.Unmarshal(raw, &str) == nil {
		return str
	}
	return s
}
