// Package scripted implements a driver whose replies are produced by a local
// script and rendered frame by frame. It backs the "echo" kind and lets the
// full stack run without a remote assistant.
package scripted

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/colloquy/internal/driver"
	"github.com/HyphaGroup/colloquy/internal/logger"
)

// Script returns the successive snapshots of the reply to message. turn counts
// from 1 within a session.
type Script func(message string, turn int) ([]string, error)

// Echo renders "echo: <message>" one word at a time.
func Echo(message string, turn int) ([]string, error) {
	words := strings.Fields(message)
	frames := make([]string, 0, len(words)+1)
	reply := "echo:"
	frames = append(frames, reply)
	for _, w := range words {
		reply += " " + w
		frames = append(frames, reply)
	}
	return frames, nil
}

// Config configures a scripted driver.
type Config struct {
	Kind       driver.Kind
	Script     Script
	FrameDelay time.Duration
}

// Constructor returns a driver.Constructor for cfg.
func Constructor(cfg Config) driver.Constructor {
	return func(ctx context.Context, settings driver.Settings) (driver.Driver, error) {
		return New(cfg, settings), nil
	}
}

// Driver is a scripted driver instance.
type Driver struct {
	cfg      Config
	settings driver.Settings
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// New creates a scripted driver.
func New(cfg Config, settings driver.Settings) *Driver {
	if cfg.Kind == "" {
		cfg.Kind = driver.KindEcho
	}
	if cfg.Script == nil {
		cfg.Script = Echo
	}
	return &Driver{
		cfg:      cfg,
		settings: settings,
		logger:   logger.Component("driver").With("kind", cfg.Kind),
		sessions: make(map[string]*Session),
	}
}

func (d *Driver) Kind() driver.Kind { return d.cfg.Kind }

// Settings returns the settings the driver was built with.
func (d *Driver) Settings() driver.Settings { return d.settings }

// Open starts a new session.
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

// Teardown closes every session and rejects further opens.
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

// Sessions returns the number of open sessions.
func (d *Driver) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func (d *Driver) forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, id)
}

// Session renders scripted replies.
type Session struct {
	id     string
	driver *Driver
	render driver.Render

	mu     sync.Mutex
	turns  int
	closed bool
}

func (s *Session) ID() string { return s.id }

// Send starts rendering the scripted reply in the background.
func (s *Session) Send(ctx context.Context, message string) (driver.Reading, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return driver.Reading{}, driver.ErrSessionClosed
	}
	s.turns++
	n := s.turns
	s.mu.Unlock()

	frames, err := s.driver.cfg.Script(message, n)
	if err != nil {
		return driver.Reading{}, fmt.Errorf("script: %w", err)
	}

	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	turn, baseline := s.render.Begin(cancel)
	go s.play(turnCtx, turn, frames)
	return baseline, nil
}

func (s *Session) play(ctx context.Context, turn int, frames []string) {
	delay := s.driver.cfg.FrameDelay
	for _, f := range frames {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		} else if ctx.Err() != nil {
			return
		}
		s.render.Replace(turn, f)
	}
	if text, ok := s.render.Complete(turn); ok && !s.driver.settings.Headless {
		s.driver.logger.Debug("rendered reply", "session", s.id, "chars", len(text))
	}
}

// Poll returns the current rendering.
func (s *Session) Poll(ctx context.Context) (driver.Reading, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return driver.Reading{}, driver.ErrSessionClosed
	}
	return s.render.Read()
}

// Close stops any rendering and detaches the session from its driver.
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
