// Package client talks to a running colloquy server over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// DefaultURL is where the server listens unless configured otherwise.
const DefaultURL = "http://localhost:3001"

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// IsUnreachable reports whether err means no server is listening.
func IsUnreachable(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

// Reply is the settled answer to a message.
type Reply struct {
	Status   string `json:"status"`
	Response string `json:"response"`
	TimedOut bool   `json:"timedOut"`
}

// Conversation is one entry of List.
type Conversation struct {
	ConversationID string    `json:"conversationId"`
	Kind           string    `json:"kind"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivity   time.Time `json:"lastActivity"`
	QueueDepth     int       `json:"queueDepth"`
	InFlight       bool      `json:"inFlight"`
	Turns          int       `json:"turns"`
}

// Client is an HTTP client for the conversation API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for baseURL. Replies can take minutes to settle, so
// the underlying client has no overall timeout; use ctx to bound calls.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Open starts a conversation with kind and returns its ID.
func (c *Client) Open(ctx context.Context, kind string) (string, error) {
	var resp struct {
		ConversationID string `json:"conversationId"`
	}
	if err := c.do(ctx, http.MethodPost, "/conversation", map[string]string{"kind": kind}, &resp); err != nil {
		return "", err
	}
	return resp.ConversationID, nil
}

// Send delivers message and waits for the settled reply.
func (c *Client) Send(ctx context.Context, id, message string) (Reply, error) {
	var reply Reply
	err := c.do(ctx, http.MethodPost, "/conversation/"+id+"/message", map[string]string{"message": message}, &reply)
	return reply, err
}

// Close ends a conversation.
func (c *Client) Close(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/conversation/"+id, nil, nil)
}

// List returns the open conversations.
func (c *Client) List(ctx context.Context) ([]Conversation, error) {
	var resp struct {
		Conversations []Conversation `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/conversation", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

// SetHeadless changes the global display mode and returns the new config
// version. Every conversation on the server is reset.
func (c *Client) SetHeadless(ctx context.Context, headless bool) (uint64, error) {
	var resp struct {
		Version uint64 `json:"version"`
	}
	if err := c.do(ctx, http.MethodPut, "/config/headless", map[string]bool{"headless": headless}, &resp); err != nil {
		return 0, err
	}
	return resp.Version, nil
}

// Stop asks the server to reset and exit.
func (c *Client) Stop(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/service/stop", nil, nil)
}
