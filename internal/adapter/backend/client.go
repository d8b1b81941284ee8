// Package backend provides an HTTP client for the chat backend REST API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xiaot623/gogo/mimir/internal/domain"
)

// TokenSource supplies the bearer token for each request. The identity
// provider behind it is outside this package.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Message)
}

// ClientError reports whether the backend rejected the request itself (4xx).
func (e *APIError) ClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// Client is an HTTP client for the chat backend.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// NewClient creates a new backend client.
func NewClient(baseURL string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListConversations calls GET /conversations.
func (c *Client) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	var resp domain.ListConversationsResponse
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &resp); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return resp.Items, nil
}

// CreateConversation calls POST /conversations.
func (c *Client) CreateConversation(ctx context.Context, message string) (*domain.Conversation, error) {
	var conv domain.Conversation
	req := domain.CreateConversationRequest{Message: message}
	if err := c.do(ctx, http.MethodPost, "/conversations", req, &conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &conv, nil
}

// ListMessages calls GET /conversations/:id/messages.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	var resp domain.ListMessagesResponse
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return resp.Items, nil
}

// CreateMessage calls POST /conversations/:id/messages. The reply streams back
// over the push channel identified by req.ConnectionID.
func (c *Client) CreateMessage(ctx context.Context, conversationID string, req *domain.CreateMessageRequest) (*domain.CreateMessageResponse, error) {
	var resp domain.CreateMessageResponse
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return &resp, nil
}

// ListPrompts calls GET /prompts.
func (c *Client) ListPrompts(ctx context.Context) ([]domain.Prompt, error) {
	var resp domain.ListPromptsResponse
	if err := c.do(ctx, http.MethodGet, "/prompts", nil, &resp); err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	return resp.Items, nil
}

// GetPrompt calls GET /prompts/:id.
func (c *Client) GetPrompt(ctx context.Context, id string) (*domain.Prompt, error) {
	var p domain.Prompt
	if err := c.do(ctx, http.MethodGet, "/prompts/"+url.PathEscape(id), nil, &p); err != nil {
		return nil, fmt.Errorf("get prompt: %w", err)
	}
	return &p, nil
}

// CreatePrompt calls POST /prompts.
func (c *Client) CreatePrompt(ctx context.Context, req *domain.CreatePromptRequest) (*domain.Prompt, error) {
	var p domain.Prompt
	if err := c.do(ctx, http.MethodPost, "/prompts", req, &p); err != nil {
		return nil, fmt.Errorf("create prompt: %w", err)
	}
	return &p, nil
}

// UpdatePrompt calls PUT /prompts/:id.
func (c *Client) UpdatePrompt(ctx context.Context, req *domain.UpdatePromptRequest) (*domain.Prompt, error) {
	var p domain.Prompt
	if err := c.do(ctx, http.MethodPut, "/prompts/"+url.PathEscape(req.ID), req, &p); err != nil {
		return nil, fmt.Errorf("update prompt: %w", err)
	}
	return &p, nil
}

// DeletePrompt calls DELETE /prompts/:id.
func (c *Client) DeletePrompt(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/prompts/"+url.PathEscape(id), nil, nil); err != nil {
		return fmt.Errorf("delete prompt: %w", err)
	}
	return nil
}

// CurrentMonthCost calls GET /costs/current_month.
func (c *Client) CurrentMonthCost(ctx context.Context) (*domain.Cost, error) {
	var cost domain.Cost
	if err := c.do(ctx, http.MethodGet, "/costs/current_month", nil, &cost); err != nil {
		return nil, fmt.Errorf("current month cost: %w", err)
	}
	return &cost, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to get access token: %w", err)
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to call backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return newAPIError(resp.StatusCode, respBody)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func newAPIError(status int, body []byte) *APIError {
	var errResp domain.ErrorResponse
	if json.Unmarshal(body, &errResp) == nil {
		if errResp.Message != "" {
			return &APIError{StatusCode: status, Message: errResp.Message}
		}
		if errResp.Error != "" {
			return &APIError{StatusCode: status, Message: errResp.Error}
		}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{StatusCode: status, Message: msg}
}
