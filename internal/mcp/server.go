// Package mcp exposes the conversation engine as MCP tools so agents can open
// conversations and exchange messages the same way HTTP clients do.
package mcp

import (
	"context"
	"net/http"

	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/colloquy/internal/conversation"
	"github.com/HyphaGroup/colloquy/internal/coordinator"
	"github.com/HyphaGroup/colloquy/internal/driver"
)

// Engine is the part of the conversation engine the tools call.
type Engine interface {
	Open(ctx context.Context, kind driver.Kind) (string, error)
	Close(ctx context.Context, id string) error
	Send(ctx context.Context, id, message string) (conversation.Result, error)
	List() []conversation.Info
	Kinds() []driver.Kind
}

// Config reads and updates the global display configuration.
type Config interface {
	Current() coordinator.GlobalConfig
	UpdateConfig(ctx context.Context, patch coordinator.Patch) (coordinator.GlobalConfig, error)
}

// Options configures the MCP server.
type Options struct {
	Engine  Engine
	Config  Config
	Version string
}

// NewServer creates an MCP server with every conversation tool registered.
func NewServer(opts Options) (*mcp_sdk.Server, error) {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	server := mcp_sdk.NewServer(&mcp_sdk.Implementation{
		Name:    "colloquy",
		Version: opts.Version,
	}, nil)

	t := &tools{engine: opts.Engine, config: opts.Config}
	if err := t.register(server); err != nil {
		return nil, err
	}
	return server, nil
}

// NewHandler serves server over the streamable HTTP transport.
func NewHandler(server *mcp_sdk.Server) http.Handler {
	return mcp_sdk.NewStreamableHTTPHandler(func(*http.Request) *mcp_sdk.Server {
		return server
	}, &mcp_sdk.StreamableHTTPOptions{
		EventStore: mcp_sdk.NewMemoryEventStore(nil),
	})
}
