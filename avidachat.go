// Package avidachat implements the real-time conversation messaging core of
// the Avida marketplace client.
//
// It covers the REST client for the messaging service, the push channel
// session, optimistic send with server reconciliation, typing and presence
// coordination, the media pipeline, and the conversation directory.
//
// Example:
//
//	client := avidachat.NewClient("tok-...", avidachat.WithBaseURL("https://api.avida.app"))
//
//	core, _ := avidachat.NewCore(avidachat.CoreConfig{
//		Client:   client,
//		WSURL:    "wss://api.avida.app/ws",
//		UserID:   "u-42",
//		UserName: "Maya",
//	})
//	core.Start(ctx)
//	core.Select(ctx, conversationID)
//	core.SendText(ctx, conversationID, "Hi, is this still available?")
package avidachat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultBaseURL points at the production messaging service.
	DefaultBaseURL = "https://api.avida.app"
	// DefaultTimeout bounds every REST call.
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST client for the listing/messaging service. It is safe
// for concurrent use.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the service base URL.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a messaging-service client. token is the session bearer
// token; it is treated as opaque (session management lives outside this
// core).
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token, e.g. after a session refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: method + " " + path, Err: err}
	}
	if resp.StatusCode >= 400 {
		return nil, c.apiError(resp.StatusCode, data)
	}
	return data, nil
}

func (c *Client) apiError(status int, data []byte) error {
	var envelope struct {
		Error *APIError `json:"error"`
	}
	if json.Unmarshal(data, &envelope) == nil && envelope.Error != nil {
		return envelope.Error
	}
	return &APIError{Code: fmt.Sprintf("HTTP_%d", status), Message: http.StatusText(status)}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Conversations
// ============================================================================

// ListConversations returns all of the authenticated user's conversations,
// newest activity first (server order).
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/chat/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[struct {
		Conversations []Conversation `json:"conversations"`
	}](data)
	if err != nil {
		return nil, err
	}
	return result.Conversations, nil
}

// ConversationHistory is a conversation plus its loaded message window.
type ConversationHistory struct {
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
}

// GetConversation loads one conversation with its message history.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (*ConversationHistory, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/chat/conversations/"+conversationID, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[ConversationHistory](data)
}

// MarkConversationRead zeroes the authenticated user's unread counter for
// the conversation on the server.
func (c *Client) MarkConversationRead(ctx context.Context, conversationID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/api/chat/conversations/"+conversationID+"/read", nil, nil)
	return err
}

// ============================================================================
// Messages
// ============================================================================

// CreateMessageRequest is the durable create request for one message.
// ClientRef carries the sender's correlation id; the service echoes it in the
// push event so other devices can ignore it.
type CreateMessageRequest struct {
	Content      string      `json:"content"`
	Type         MessageType `json:"type"`
	MediaURL     string      `json:"mediaUrl,omitempty"`
	DurationSecs int         `json:"durationSecs,omitempty"`
	ClientRef    string      `json:"clientRef,omitempty"`
}

// CreateMessage creates a message and returns the server's authoritative
// representation: durable id, server timestamp.
func (c *Client) CreateMessage(ctx context.Context, conversationID string, req CreateMessageRequest) (Message, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/api/chat/conversations/"+conversationID+"/messages", req, nil)
	if err != nil {
		return Message{}, err
	}
	result, err := decodeJSON[struct {
		Message Message `json:"message"`
	}](data)
	if err != nil {
		return Message{}, err
	}
	return result.Message, nil
}

// ============================================================================
// Presence
// ============================================================================

// PresenceBatch fetches online status for a set of user ids in one call.
func (c *Client) PresenceBatch(ctx context.Context, userIDs []string) (map[string]PresenceRecord, error) {
	if len(userIDs) == 0 {
		return map[string]PresenceRecord{}, nil
	}
	body := map[string][]string{"userIds": userIDs}
	data, err := c.doRequest(ctx, http.MethodPost, "/api/chat/presence/batch", body, nil)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[struct {
		Presence map[string]presenceWire `json:"presence"`
	}](data)
	if err != nil {
		return nil, err
	}
	records := make(map[string]PresenceRecord, len(result.Presence))
	for id, w := range result.Presence {
		state := Offline
		if w.IsOnline {
			state = Online
		}
		records[id] = PresenceRecord{UserID: id, State: state, LastSeen: w.LastSeen}
	}
	return records, nil
}

// ============================================================================
// Media upload
// ============================================================================

// UploadMedia stores a binary payload under key via the service's storage
// endpoint and returns the public media URL.
func (c *Client) UploadMedia(ctx context.Context, key string, r io.Reader, contentType string) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("key", key); err != nil {
		return "", fmt.Errorf("write key field: %w", err)
	}
	part, err := w.CreateFormFile("file", key)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("write file data: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat/media", &buf)
	if err != nil {
		return "", fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if contentType != "" {
		req.Header.Set("X-Media-Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &NetworkError{Op: "POST /api/chat/media", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &NetworkError{Op: "POST /api/chat/media", Err: err}
	}
	if resp.StatusCode >= 300 {
		return "", c.apiError(resp.StatusCode, data)
	}
	result, err := decodeJSON[struct {
		URL string `json:"url"`
	}](data)
	if err != nil {
		return "", err
	}
	c.logger.Debug("media upload completed", "key", key, "url", result.URL)
	return result.URL, nil
}
