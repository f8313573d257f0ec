// Package openaicompat drives assistants that speak the OpenAI Chat
// Completions protocol. Gemini and Grok both expose such an endpoint, so one
// implementation serves both kinds; only the base URL, key and model differ.
//
// Replies are streamed and rendered incrementally, which gives the
// stabilization policy a growing text to observe.
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/HyphaGroup/colloquy/internal/driver"
	"github.com/HyphaGroup/colloquy/internal/logger"
)

// ErrNoAPIKey is returned when a driver is configured without a key.
var ErrNoAPIKey = errors.New("api key not configured")

// Config configures one OpenAI-compatible backend.
type Config struct {
	Kind    driver.Kind
	BaseURL string
	APIKey  string
	Model   string
	// MaxTokens caps each reply; zero leaves it to the server.
	MaxTokens int64
	// MaxRetries is passed to the client; negative keeps the client default.
	MaxRetries int
}

// Constructor returns a driver.Constructor for cfg.
func Constructor(cfg Config) driver.Constructor {
	return func(ctx context.Context, settings driver.Settings) (driver.Driver, error) {
		return New(cfg, settings)
	}
}

// Driver holds the API client shared by every session of one kind.
type Driver struct {
	cfg      Config
	settings driver.Settings
	client   openai.Client
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// New builds a driver. It fails fast when no API key is configured.
func New(cfg Config, settings driver.Settings) (*Driver, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: %w", cfg.Kind, ErrNoAPIKey)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%s: model not configured", cfg.Kind)
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxRetries >= 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	}

	return &Driver{
		cfg:      cfg,
		settings: settings,
		client:   openai.NewClient(opts...),
		logger:   logger.Component("driver").With("kind", cfg.Kind, "model", cfg.Model),
		sessions: make(map[string]*Session),
	}, nil
}

func (d *Driver) Kind() driver.Kind { return d.cfg.Kind }

// Open starts a session with an empty history.
func (d *Driver) Open(ctx context.Context) (driver.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, driver.ErrDriverClosed
	}
	s := &Session{id: uuid.NewString(), driver: d}
	d.sessions[s.id] = s
	return s, nil
}

// Teardown cancels every in-flight stream and rejects further opens.
func (d *Driver) Teardown(ctx context.Context) error {
	d.mu.Lock()
	sessions := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.sessions = make(map[string]*Session)
	d.closed = true
	d.mu.Unlock()

	for _, s := range sessions {
		s.stop()
	}
	d.logger.Debug("driver torn down", "sessions", len(sessions))
	return nil
}

func (d *Driver) forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, id)
}

// Session is one conversation's chat history on the backend.
type Session struct {
	id     string
	driver *Driver
	render driver.Render

	mu      sync.Mutex
	history []openai.ChatCompletionMessageParamUnion
	turns   int
	pending string
	closed  bool
}

func (s *Session) ID() string { return s.id }

// Send starts streaming the reply to message. The exchange joins the history
// when the reply has fully arrived, or with the text received so far when the
// next Send supersedes it.
func (s *Session) Send(ctx context.Context, message string) (driver.Reading, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return driver.Reading{}, driver.ErrSessionClosed
	}
	if partial, ok := s.render.Abandon(); ok {
		s.record(s.pending, partial)
	}
	s.pending = message
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(s.history)+1)
	messages = append(messages, s.history...)
	messages = append(messages, openai.UserMessage(message))
	s.mu.Unlock()

	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	turn, baseline := s.render.Begin(cancel)
	go s.stream(turnCtx, turn, message, messages)
	return baseline, nil
}

func (s *Session) stream(ctx context.Context, turn int, message string, messages []openai.ChatCompletionMessageParamUnion) {
	params := openai.ChatCompletionNewParams{
		Messages: messages,
		Model:    s.driver.cfg.Model,
	}
	if s.driver.cfg.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(s.driver.cfg.MaxTokens)
	}

	stream := s.driver.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	for stream.Next() {
		for _, ch := range stream.Current().Choices {
			if ch.Delta.Content != "" {
				s.render.Append(turn, ch.Delta.Content)
			}
		}
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() == nil {
			s.driver.logger.Warn("stream failed", "session", s.id, "error", err)
		}
		s.render.Fail(turn, fmt.Errorf("%s stream: %w", s.driver.cfg.Kind, err))
		return
	}

	s.mu.Lock()
	text, ok := s.render.Complete(turn)
	if ok {
		s.record(message, text)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if !s.driver.settings.Headless {
		s.driver.logger.Debug("reply rendered", "session", s.id, "chars", len(text))
	}
}

// record appends one exchange to the history. s.mu must be held.
func (s *Session) record(message, reply string) {
	s.history = append(s.history, openai.UserMessage(message))
	if reply != "" {
		s.history = append(s.history, openai.AssistantMessage(reply))
	}
	s.pending = ""
	s.turns++
}

// Poll returns the reply streamed so far.
func (s *Session) Poll(ctx context.Context) (driver.Reading, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return driver.Reading{}, driver.ErrSessionClosed
	}
	return s.render.Read()
}

// Turns returns the number of exchanges in the history.
func (s *Session) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

// Close cancels any stream and detaches the session.
func (s *Session) Close(ctx context.Context) error {
	s.stop()
	s.driver.forget(s.id)
	return nil
}

func (s *Session) stop() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.render.Stop()
}
