// ABOUTME: REST client for the conversation history API with bearer auth.
// ABOUTME: Implements conversation.HistoryAPI; non-2xx responses map to *Error.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/skylane/skylane-messaging/internal/conversation"
	"github.com/skylane/skylane-messaging/internal/transport"
)

const defaultRequestTimeout = 15 * time.Second

// Error is a non-2xx response from the history API.
type Error struct {
	Status int
	Body   string
}

func (e *Error) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("api status %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("api status %d", e.Status)
}

// Client talks to the marketplace REST API. Every request carries a bearer
// token fetched from the credential function, so token rotation between
// requests is picked up automatically.
type Client struct {
	baseURL string
	creds   transport.CredentialFunc
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a client for the given base URL. Pass nil logger for
// the default.
func NewClient(baseURL string, creds transport.CredentialFunc, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		creds:   creds,
		http:    &http.Client{Timeout: defaultRequestTimeout},
		logger:  logger.With("component", "api"),
	}
}

// ListConversations fetches every conversation summary for the current user.
func (c *Client) ListConversations(ctx context.Context) ([]conversation.Summary, error) {
	var out struct {
		Conversations []conversation.Summary `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// GetConversation fetches the full message history of one thread.
func (c *Client) GetConversation(ctx context.Context, threadID string) (*conversation.Thread, error) {
	var out conversation.Thread
	path := "/api/conversations/" + url.PathEscape(threadID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateMessage persists a new message and returns the server record, which
// carries the authoritative id and timestamp.
func (c *Client) CreateMessage(ctx context.Context, req conversation.CreateMessageRequest) (*conversation.Message, error) {
	var out conversation.Message
	if err := c.do(ctx, http.MethodPost, "/api/messages", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do issues one authenticated JSON request and decodes the response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (retErr error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.creds(ctx)
	if err != nil {
		return fmt.Errorf("fetching credentials: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil && retErr == nil {
			retErr = closeErr
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("request failed",
			"method", method,
			"path", path,
			"status", resp.StatusCode)
		return &Error{Status: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
