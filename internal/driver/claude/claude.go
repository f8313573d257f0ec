// Package claude drives Claude through the Anthropic Messages API.
package claude

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github.com/HyphaGroup/colloquy/internal/driver"
	"github.com/HyphaGroup/colloquy/internal/logger"
)

// DefaultMaxTokens is used when Config.MaxTokens is zero.
const DefaultMaxTokens = 4096

var ErrNoAPIKey = errors.New("api key not configured")

// Config configures the Claude backend.
type Config struct {
	Kind       driver.Kind
	BaseURL    string
	APIKey     string
	Model      string
	MaxTokens  int64
	MaxRetries int
}

// Constructor returns a driver.Constructor for cfg.
func Constructor(cfg Config) driver.Constructor {
	return func(ctx context.Context, settings driver.Settings) (driver.Driver, error) {
		return New(cfg, settings)
	}
}

// Driver holds the Messages API client.
type Driver struct {
	cfg      Config
	settings driver.Settings
	client   anthropic.Client
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func New(cfg Config, settings driver.Settings) (*Driver, error) {
	if cfg.Kind == "" {
		cfg.Kind = driver.KindClaude
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: %w", cfg.Kind, ErrNoAPIKey)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%s: model not configured", cfg.Kind)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
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
		client:   anthropic.NewClient(opts...),
		logger:   logger.Component("driver").With("kind", cfg.Kind, "model", cfg.Model),
		sessions: make(map[string]*Session),
	}, nil
}

func (d *Driver) Kind() driver.Kind { return d.cfg.Kind }

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
	return nil
}

func (d *Driver) forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, id)
}

// Session keeps the message history of one conversation. Replies arrive
// whole, so a reading is either empty or final.
type Session struct {
	id     string
	driver *Driver
	render driver.Render

	mu      sync.Mutex
	history []anthropic.MessageParam
	turns   int
	pending string
	closed  bool
}

func (s *Session) ID() string { return s.id }

func (s *Session) Send(ctx context.Context, message string) (driver.Reading, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return driver.Reading{}, driver.ErrSessionClosed
	}
	// A reply still outstanding is abandoned, but its message stays in the
	// history. Consecutive user turns are merged by the API.
	if partial, ok := s.render.Abandon(); ok {
		s.record(s.pending, partial)
	}
	s.pending = message
	messages := make([]anthropic.MessageParam, 0, len(s.history)+1)
	messages = append(messages, s.history...)
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(message)))
	s.mu.Unlock()

	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	turn, baseline := s.render.Begin(cancel)
	go s.request(turnCtx, turn, message, messages)
	return baseline, nil
}

func (s *Session) request(ctx context.Context, turn int, message string, messages []anthropic.MessageParam) {
	resp, err := s.driver.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(s.driver.cfg.Model),
		Messages:  messages,
		MaxTokens: s.driver.cfg.MaxTokens,
	})
	if err != nil {
		if ctx.Err() == nil {
			s.driver.logger.Warn("request failed", "session", s.id, "error", err)
		}
		s.render.Fail(turn, fmt.Errorf("%s api: %w", s.driver.cfg.Kind, err))
		return
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	s.mu.Lock()
	s.render.Replace(turn, b.String())
	text, ok := s.render.Complete(turn)
	if ok {
		s.record(message, text)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if !s.driver.settings.Headless {
		s.driver.logger.Debug("reply rendered", "session", s.id, "chars", len(text), "stop_reason", resp.StopReason)
	}
}

// record appends one exchange to the history. s.mu must be held.
func (s *Session) record(message, reply string) {
	s.history = append(s.history, anthropic.NewUserMessage(anthropic.NewTextBlock(message)))
	if reply != "" {
		s.history = append(s.history, anthropic.NewAssistantMessage(anthropic.NewTextBlock(reply)))
	}
	s.pending = ""
	s.turns++
}

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
