package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/colloquy/internal/coordinator"
	"github.com/HyphaGroup/colloquy/internal/driver"
	"github.com/HyphaGroup/colloquy/internal/metrics"
	"github.com/HyphaGroup/colloquy/internal/sanitize"
)

// Tool input/output types
type OpenInput struct {
	Kind string `json:"kind" jsonschema:"assistant kind to converse with"`
}

type OpenOutput struct {
	ConversationID string `json:"conversation_id"`
}

type SendInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"conversation returned by conversation_open"`
	Message        string `json:"message" jsonschema:"message to deliver; waits for the settled reply"`
}

type SendOutput struct {
	Response string `json:"response"`
	TimedOut bool   `json:"timed_out"`
	Polls    int    `json:"polls"`
}

type CloseInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"conversation to close; queued messages are cancelled"`
}

type StatusOutput struct {
	Status string `json:"status"`
}

type ListInput struct{}

type ConversationSummary struct {
	ConversationID string `json:"conversation_id"`
	Kind           string `json:"kind"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
	QueueDepth     int    `json:"queue_depth"`
	InFlight       bool   `json:"in_flight"`
}

type ListOutput struct {
	Conversations []ConversationSummary `json:"conversations"`
}

type HeadlessInput struct {
	Headless bool `json:"headless" jsonschema:"run drivers without a visible surface; resets every conversation"`
}

type ConfigOutput struct {
	Headless bool   `json:"headless"`
	Version  uint64 `json:"version"`
}

type tools struct {
	engine Engine
	config Config
}

// instrument records a metric for every call and sanitizes returned errors.
func instrument[In, Out any](name string, h mcp_sdk.ToolHandlerFor[In, Out]) mcp_sdk.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, req *mcp_sdk.CallToolRequest, in In) (*mcp_sdk.CallToolResult, Out, error) {
		res, out, err := h(ctx, req, in)
		if err != nil {
			metrics.RecordToolCall(name, "error")
			return res, out, sanitize.Error(err, name)
		}
		metrics.RecordToolCall(name, "ok")
		return res, out, nil
	}
}

func (t *tools) register(server *mcp_sdk.Server) error {
	openSchema, err := jsonschema.For[OpenInput](nil)
	if err != nil {
		return fmt.Errorf("conversation_open schema: %w", err)
	}
	if prop, ok := openSchema.Properties["kind"]; ok {
		for _, k := range t.engine.Kinds() {
			prop.Enum = append(prop.Enum, string(k))
		}
	}

	mcp_sdk.AddTool(server, &mcp_sdk.Tool{
		Name:        "conversation_open",
		Description: "Open a new conversation with an assistant kind",
		InputSchema: openSchema,
	}, instrument("conversation_open", t.open))

	mcp_sdk.AddTool(server, &mcp_sdk.Tool{
		Name:        "conversation_send",
		Description: "Send a message to a conversation and wait for the settled reply. Messages to one conversation are delivered in order, one at a time.",
	}, instrument("conversation_send", t.send))

	mcp_sdk.AddTool(server, &mcp_sdk.Tool{
		Name:        "conversation_close",
		Description: "Close a conversation, cancelling anything still queued",
	}, instrument("conversation_close", t.close))

	mcp_sdk.AddTool(server, &mcp_sdk.Tool{
		Name:        "conversation_list",
		Description: "List open conversations",
	}, instrument("conversation_list", t.list))

	mcp_sdk.AddTool(server, &mcp_sdk.Tool{
		Name:        "config_headless",
		Description: "Set the global headless mode. Every conversation and driver is reset first.",
	}, instrument("config_headless", t.headless))

	return nil
}

func (t *tools) open(ctx context.Context, _ *mcp_sdk.CallToolRequest, in OpenInput) (*mcp_sdk.CallToolResult, OpenOutput, error) {
	if in.Kind == "" {
		return nil, OpenOutput{}, fmt.Errorf("kind is required")
	}
	id, err := t.engine.Open(ctx, driver.Kind(in.Kind))
	if err != nil {
		return nil, OpenOutput{}, err
	}
	return nil, OpenOutput{ConversationID: id}, nil
}

func (t *tools) send(ctx context.Context, _ *mcp_sdk.CallToolRequest, in SendInput) (*mcp_sdk.CallToolResult, SendOutput, error) {
	if in.ConversationID == "" {
		return nil, SendOutput{}, fmt.Errorf("conversation_id is required")
	}
	res, err := t.engine.Send(ctx, in.ConversationID, in.Message)
	if err != nil {
		return nil, SendOutput{}, err
	}
	return nil, SendOutput{Response: res.Response, TimedOut: res.TimedOut, Polls: res.Polls}, nil
}

func (t *tools) close(ctx context.Context, _ *mcp_sdk.CallToolRequest, in CloseInput) (*mcp_sdk.CallToolResult, StatusOutput, error) {
	if in.ConversationID == "" {
		return nil, StatusOutput{}, fmt.Errorf("conversation_id is required")
	}
	if err := t.engine.Close(ctx, in.ConversationID); err != nil {
		return nil, StatusOutput{}, err
	}
	return nil, StatusOutput{Status: "closed"}, nil
}

func (t *tools) list(ctx context.Context, _ *mcp_sdk.CallToolRequest, _ ListInput) (*mcp_sdk.CallToolResult, ListOutput, error) {
	infos := t.engine.List()
	out := ListOutput{Conversations: make([]ConversationSummary, 0, len(infos))}
	for _, info := range infos {
		out.Conversations = append(out.Conversations, ConversationSummary{
			ConversationID: info.ID,
			Kind:           string(info.Kind),
			Status:         string(info.Status),
			CreatedAt:      info.CreatedAt.UTC().Format(time.RFC3339),
			QueueDepth:     info.Queued,
			InFlight:       info.InFlight,
		})
	}
	return nil, out, nil
}

func (t *tools) headless(ctx context.Context, _ *mcp_sdk.CallToolRequest, in HeadlessInput) (*mcp_sdk.CallToolResult, ConfigOutput, error) {
	cfg, err := t.config.UpdateConfig(ctx, coordinator.Patch{Headless: &in.Headless})
	if err != nil {
		return nil, ConfigOutput{}, err
	}
	return nil, ConfigOutput{Headless: cfg.Headless, Version: cfg.Version}, nil
}
