// Package socius is the Go client and conversation sync engine for the
// Socius companion backend.
//
// It centralizes the state-synchronization logic every chat-like screen
// needs: an ordered, de-duplicated message store, coalesced history fetches,
// optimistic sends with defined terminal states, a bounded answer poll for
// the assistant, and a notification bridge that keeps the unread badge
// honest.
//
// Example:
//
//	client := socius.NewClient("https://api.oakhillpines.com/api/socius", token)
//	engine := socius.NewEngine(client)
//
//	conv := engine.Conversation(socius.AIChatKey("soc-llama3.2:3b"))
//	defer conv.Close()
//
//	_ = conv.LoadHistory(ctx)
//	_, _ = conv.Send(ctx, "Hello!")
package socius

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultBaseURL is the production backend.
	DefaultBaseURL = "https://api.oakhillpines.com/api/socius"
	// DefaultTimeout bounds a single HTTP round trip.
	DefaultTimeout = 30 * time.Second
	// DefaultModel is the assistant model the mobile app ships with.
	DefaultModel = "soc-llama3.2:3b"
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST client for the Socius backend. All requests carry the
// session bearer token; a 401 surfaces as *AuthError so the session owner
// can force re-authentication.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	log        *zap.Logger

	mu    sync.RWMutex
	token string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout overrides the HTTP round-trip timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithUserAgent sets the User-Agent header on all requests.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// WithLogger attaches a structured logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a Socius client. baseURL may be "" for the default
// backend; token may be "" and set later via SetToken once the user signs in.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or replaces the session bearer token. Safe to call while
// requests are in flight; they pick up whichever token was current when
// they started.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
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
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.currentToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &AuthError{}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		c.log.Warn("request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return nil, &ServerError{Status: resp.StatusCode, Message: errorMessage(data)}
	}
	return data, nil
}

// errorMessage pulls a human-readable detail out of an error body, if any.
func errorMessage(data []byte) string {
	var payload struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &payload) != nil {
		return ""
	}
	for _, s := range []string{payload.Detail, payload.Message, payload.Error} {
		if s != "" {
			return s
		}
	}
	return ""
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Assistant chat endpoints
// ============================================================================

// History fetches the assistant conversation for a model, oldest first.
func (c *Client) History(ctx context.Context, model string) ([]ChatRecord, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/history", nil, map[string]string{"model": model})
	if err != nil {
		return nil, err
	}
	records, err := decodeJSON[[]ChatRecord](data)
	if err != nil {
		return nil, err
	}
	return *records, nil
}

// Ask submits a question to the assistant. A successful receipt only means
// the question was accepted; the answer arrives later via GetAnswer polling.
func (c *Client) Ask(ctx context.Context, model, text string) (*AskReceipt, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/ask", map[string]string{
		"q_text": text,
		"model":  model,
	}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[AskReceipt](data)
}

// GetAnswer checks whether a previously asked question has been answered.
func (c *Client) GetAnswer(ctx context.Context, questionID, model string) (*AnswerStatus, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/get_answer/"+questionID, nil, map[string]string{"model": model})
	if err != nil {
		return nil, err
	}
	return decodeJSON[AnswerStatus](data)
}

// ClearHistory deletes the assistant conversation for a model.
func (c *Client) ClearHistory(ctx context.Context, model string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/clear_history", map[string]string{"model": model}, nil)
	return err
}

// ============================================================================
// Direct message endpoints
// ============================================================================

// SendDirect posts a message to a peer and returns the server echo.
func (c *Client) SendDirect(ctx context.Context, receiverID int64, content string) (*DirectRecord, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/messages", map[string]any{
		"receiver_id": receiverID,
		"content":     content,
	}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[DirectRecord](data)
}

// DirectMessages fetches the thread with a peer, oldest first.
func (c *Client) DirectMessages(ctx context.Context, peerID int64) ([]DirectRecord, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/messages/"+strconv.FormatInt(peerID, 10), nil, nil)
	if err != nil {
		return nil, err
	}
	records, err := decodeJSON[[]DirectRecord](data)
	if err != nil {
		return nil, err
	}
	return *records, nil
}

// RecentConversations fetches the per-peer conversation summaries.
func (c *Client) RecentConversations(ctx context.Context) ([]ConversationSummary, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/messages/recent", nil, nil)
	if err != nil {
		return nil, err
	}
	summaries, err := decodeJSON[[]ConversationSummary](data)
	if err != nil {
		return nil, err
	}
	return *summaries, nil
}

// ============================================================================
// Notification endpoints
// ============================================================================

// UnreadCount fetches the server-authoritative unread total.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/notifications/unread", nil, nil)
	if err != nil {
		return 0, err
	}
	total, err := decodeJSON[UnreadTotal](data)
	if err != nil {
		return 0, err
	}
	return total.Total, nil
}

// RegisterPushToken registers the device push token with the backend.
func (c *Client) RegisterPushToken(ctx context.Context, token, platform string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/notifications/push-token", map[string]string{
		"token":    token,
		"platform": platform,
	}, nil)
	return err
}
