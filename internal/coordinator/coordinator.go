// Package coordinator owns the global display configuration and the
// service-wide transitions that depend on it: a configuration change resets
// every conversation and driver before the new value takes effect, and a
// shutdown resets everything before the process exits.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HyphaGroup/colloquy/internal/driver"
	"github.com/HyphaGroup/colloquy/internal/logger"
)

var (
	ErrInvalidPatch = errors.New("config patch has no recognized fields")
	ErrStopping     = errors.New("service is shutting down")
)

// DefaultShutdownGrace is how long the process lingers after acknowledging a
// stop request.
const DefaultShutdownGrace = 500 * time.Millisecond

// GlobalConfig is the service-wide display configuration. Version increases
// with every applied change.
type GlobalConfig struct {
	Headless bool   `json:"headless"`
	Version  uint64 `json:"version"`
}

// Patch is a partial update; nil fields are left unchanged.
type Patch struct {
	Headless *bool `json:"headless"`
}

// Engine is the part of the conversation engine the coordinator drives.
type Engine interface {
	Reconfigure(ctx context.Context, apply func(*driver.Settings) error) error
	Shutdown(ctx context.Context) error
}

// Options configures a Coordinator.
type Options struct {
	Initial GlobalConfig
	// Exit is called once, ShutdownGrace after a completed Shutdown.
	Exit          func()
	ShutdownGrace time.Duration
	Logger        *slog.Logger
}

// Coordinator serializes configuration changes and shutdown.
type Coordinator struct {
	engine Engine
	exit   func()
	grace  time.Duration
	logger *slog.Logger

	// mu serializes transitions; cfg is only replaced while it is held.
	mu       sync.Mutex
	cfgMu    sync.RWMutex
	cfg      GlobalConfig
	stopping atomic.Bool
	exitOnce sync.Once
}

// New creates a coordinator driving engine.
func New(engine Engine, opts Options) *Coordinator {
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}
	if opts.Logger == nil {
		opts.Logger = logger.Component("coordinator")
	}
	return &Coordinator{
		engine: engine,
		exit:   opts.Exit,
		grace:  opts.ShutdownGrace,
		logger: opts.Logger,
		cfg:    opts.Initial,
	}
}

// Current returns the configuration in effect.
func (c *Coordinator) Current() GlobalConfig {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// Settings converts a configuration into driver settings.
func (g GlobalConfig) Settings() driver.Settings {
	return driver.Settings{Headless: g.Headless}
}

// UpdateConfig resets every conversation and driver, then applies patch.
// Every call resets, even when the patch repeats the current value.
func (c *Coordinator) UpdateConfig(ctx context.Context, patch Patch) (GlobalConfig, error) {
	if patch.Headless == nil {
		return GlobalConfig{}, ErrInvalidPatch
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping.Load() {
		return GlobalConfig{}, ErrStopping
	}

	var next GlobalConfig
	err := c.engine.Reconfigure(ctx, func(s *driver.Settings) error {
		c.cfgMu.Lock()
		next = c.cfg
		next.Headless = *patch.Headless
		next.Version++
		c.cfg = next
		c.cfgMu.Unlock()

		*s = next.Settings()
		return nil
	})
	if err != nil {
		return GlobalConfig{}, err
	}

	c.logger.Info("configuration updated", "headless", next.Headless, "version", next.Version)
	return next, nil
}

// Shutdown stops admitting work, resets everything, and schedules the exit
// callback after the grace period so the caller can still be answered.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.stopping.Store(true)

	err := c.engine.Shutdown(ctx)
	if err != nil {
		c.logger.Warn("shutdown reset was incomplete", "error", err)
	}

	c.exitOnce.Do(func() {
		if c.exit == nil {
			return
		}
		c.logger.Info("exiting after grace period", "grace", c.grace)
		time.AfterFunc(c.grace, c.exit)
	})
	return err
}

// Stopping reports whether Shutdown has been requested.
func (c *Coordinator) Stopping() bool {
	return c.stopping.Load()
}
