package logger

import (
	"context"
	"log/slog"
)

// Context keys for structured logging
type contextKey string

const (
	ContextKeyRequestID      contextKey = "request_id"
	ContextKeyConversationID contextKey = "conversation_id"
	ContextKeyKind           contextKey = "kind"
)

// WithRequestID stores a request ID for later log lines.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, id)
}

// WithConversation stores the conversation being worked on.
func WithConversation(ctx context.Context, id, kind string) context.Context {
	ctx = context.WithValue(ctx, ContextKeyConversationID, id)
	return context.WithValue(ctx, ContextKeyKind, kind)
}

// RequestID returns the request ID stored in ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyRequestID).(string)
	return id
}

// WithContext returns a logger with context fields
func WithContext(ctx context.Context) *slog.Logger {
	logger := Slog()

	if requestID := ctx.Value(ContextKeyRequestID); requestID != nil {
		logger = logger.With("request_id", requestID)
	}
	if conversationID := ctx.Value(ContextKeyConversationID); conversationID != nil {
		logger = logger.With("conversation_id", conversationID)
	}
	if kind := ctx.Value(ContextKeyKind); kind != nil {
		logger = logger.With("kind", kind)
	}

	return logger
}

// InfoContext logs an info message with context
func InfoContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Info(msg, args...)
}

// ErrorContext logs an error with context
func ErrorContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Error(msg, args...)
}

// WarnContext logs a warning with context
func WarnContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Warn(msg, args...)
}

// DebugContext logs debug info with context
func DebugContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Debug(msg, args...)
}
