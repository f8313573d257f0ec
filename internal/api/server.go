// Package api is the HTTP gateway in front of the conversation engine.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/HyphaGroup/colloquy/internal/audit"
	"github.com/HyphaGroup/colloquy/internal/conversation"
	"github.com/HyphaGroup/colloquy/internal/coordinator"
	"github.com/HyphaGroup/colloquy/internal/driver"
	"github.com/HyphaGroup/colloquy/internal/ledger"
	"github.com/HyphaGroup/colloquy/internal/logger"
	"github.com/HyphaGroup/colloquy/internal/metrics"
)

// Engine is the conversation engine as seen by the gateway.
type Engine interface {
	Open(ctx context.Context, kind driver.Kind) (string, error)
	Close(ctx context.Context, id string) error
	Send(ctx context.Context, id, message string) (conversation.Result, error)
	List() []conversation.Info
	Kinds() []driver.Kind
}

// Coordinator owns global configuration and shutdown.
type Coordinator interface {
	Current() coordinator.GlobalConfig
	UpdateConfig(ctx context.Context, patch coordinator.Patch) (coordinator.GlobalConfig, error)
	Shutdown(ctx context.Context) error
	Stopping() bool
}

// History serves recorded transcripts.
type History interface {
	Conversation(ctx context.Context, id string) (*ledger.Conversation, error)
	Turns(ctx context.Context, conversationID string, limit int) ([]ledger.Turn, error)
	Ping(ctx context.Context) error
}

// Options configures a Server. History, MCP, RateLimiter and Audit are
// optional.
type Options struct {
	Engine      Engine
	Coordinator Coordinator
	History     History
	MCP         http.Handler
	RateLimiter *RateLimiter
	Audit       *audit.Logger
	Logger      *slog.Logger
}

// Server routes HTTP requests to the engine and coordinator.
type Server struct {
	engine  Engine
	coord   Coordinator
	history History
	mcp     http.Handler
	limiter *RateLimiter
	audit   *audit.Logger
	logger  *slog.Logger
}

// New creates a gateway.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logger.Component("api")
	}
	return &Server{
		engine:  opts.Engine,
		coord:   opts.Coordinator,
		history: opts.History,
		mcp:     opts.MCP,
		limiter: opts.RateLimiter,
		audit:   opts.Audit,
		logger:  opts.Logger,
	}
}

// Handler returns the root handler with all routes and middleware.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /conversation", s.handleOpen)
	api.HandleFunc("GET /conversation", s.handleList)
	api.HandleFunc("DELETE /conversation/{id}", s.handleClose)
	api.HandleFunc("POST /conversation/{id}/message", s.handleMessage)
	api.HandleFunc("GET /conversation/{id}/history", s.handleHistory)
	api.HandleFunc("GET /config", s.handleGetConfig)
	api.HandleFunc("PUT /config", s.handleUpdateConfig)
	api.HandleFunc("PUT /config/headless", s.handleUpdateConfig)
	api.HandleFunc("POST /service/stop", s.handleStop)
	if s.mcp != nil {
		api.Handle("/mcp", s.mcp)
		api.Handle("/mcp/", s.mcp)
	}

	var routed http.Handler = api
	if s.limiter != nil {
		routed = RateLimitMiddleware(s.limiter)(routed)
	}
	routed = RequestLogger(metrics.Middleware(routed))

	// Health and metrics endpoints skip rate limiting and request logging.
	root := http.NewServeMux()
	root.HandleFunc("GET /health", s.handleHealth)
	root.HandleFunc("GET /ready", s.handleReady)
	root.Handle("GET /metrics", metrics.Handler())
	root.Handle("/", routed)
	return root
}
