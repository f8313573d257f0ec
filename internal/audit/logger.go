// Package audit records state-changing gateway operations as JSON lines.
package audit

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Operation represents the type of auditable operation
type Operation string

const (
	OpConversationOpen  Operation = "conversation.open"
	OpConversationClose Operation = "conversation.close"
	OpConfigUpdate      Operation = "config.update"
	OpServiceStop       Operation = "service.stop"
)

// Event represents an audit log entry
type Event struct {
	Timestamp      time.Time      `json:"timestamp"`
	Operation      Operation      `json:"operation"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Kind           string         `json:"kind,omitempty"`
	RequestID      string         `json:"request_id,omitempty"`
	Remote         string         `json:"remote,omitempty"`
	Success        bool           `json:"success"`
	Error          string         `json:"error,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
}

// Logger handles audit logging
type Logger struct {
	logger  *slog.Logger
	enabled bool
	mu      sync.RWMutex
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the default audit logger, writing to stdout.
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(os.Stdout, true)
	})
	return defaultLogger
}

// New creates an audit logger writing JSON lines to w.
func New(w io.Writer, enabled bool) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return &Logger{
		logger:  slog.New(handler),
		enabled: enabled,
	}
}

// SetEnabled enables or disables audit logging
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Log records an audit event. A nil Logger discards it.
func (l *Logger) Log(event *Event) {
	if l == nil {
		return
	}
	l.mu.RLock()
	enabled := l.enabled
	l.mu.RUnlock()

	if !enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	attrs := []any{
		slog.String("audit", "true"),
		slog.String("operation", string(event.Operation)),
		slog.Bool("success", event.Success),
	}

	if event.ConversationID != "" {
		attrs = append(attrs, slog.String("conversation_id", event.ConversationID))
	}
	if event.Kind != "" {
		attrs = append(attrs, slog.String("kind", event.Kind))
	}
	if event.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", event.RequestID))
	}
	if event.Remote != "" {
		attrs = append(attrs, slog.String("remote", event.Remote))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}
	if event.Details != nil {
		detailsJSON, _ := json.Marshal(event.Details)
		attrs = append(attrs, slog.String("details", string(detailsJSON)))
	}

	l.logger.Info("AUDIT", attrs...)
}

// Record logs op with its outcome.
func (l *Logger) Record(op Operation, requestID, conversationID, kind string, err error) {
	event := &Event{
		Operation:      op,
		RequestID:      requestID,
		ConversationID: conversationID,
		Kind:           kind,
		Success:        err == nil,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}
