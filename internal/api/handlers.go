package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/HyphaGroup/colloquy/internal/audit"
	"github.com/HyphaGroup/colloquy/internal/conversation"
	"github.com/HyphaGroup/colloquy/internal/coordinator"
	"github.com/HyphaGroup/colloquy/internal/driver"
	"github.com/HyphaGroup/colloquy/internal/ledger"
	"github.com/HyphaGroup/colloquy/internal/logger"
	"github.com/HyphaGroup/colloquy/internal/sanitize"
	"github.com/HyphaGroup/colloquy/internal/validation"
)

// maxBodyBytes bounds request bodies; messages are further bounded by
// validation.MaxMessageBytes.
const maxBodyBytes = 4 * validation.MaxMessageBytes

type errorBody struct {
	Error string `json:"error"`
}

type openRequest struct {
	Kind string `json:"kind"`
	// Service is accepted as an alias for Kind.
	Service string `json:"service"`
}

type openResponse struct {
	ConversationID string `json:"conversationId"`
}

type messageRequest struct {
	Message string `json:"message"`
}

type messageResponse struct {
	Status   string `json:"status"`
	Response string `json:"response"`
	TimedOut bool   `json:"timedOut"`
}

type statusResponse struct {
	Status  string `json:"status"`
	Version uint64 `json:"version,omitempty"`
}

type conversationView struct {
	ConversationID string    `json:"conversationId"`
	Kind           string    `json:"kind"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivity   time.Time `json:"lastActivity"`
	QueueDepth     int       `json:"queueDepth"`
	InFlight       bool      `json:"inFlight"`
	Turns          int       `json:"turns"`
}

type listResponse struct {
	Conversations []conversationView `json:"conversations"`
}

type historyResponse struct {
	Conversation *ledger.Conversation `json:"conversation"`
	Turns        []ledger.Turn        `json:"turns"`
}

type configResponse struct {
	Headless bool   `json:"headless"`
	Version  uint64 `json:"version"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, conversation.ErrValidation), errors.Is(err, coordinator.ErrInvalidPatch):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrNotFound), errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrLimitReached), errors.Is(err, conversation.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, conversation.ErrCancelled):
		return http.StatusConflict
	case errors.Is(err, conversation.ErrShuttingDown), errors.Is(err, coordinator.ErrStopping):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		s.logger.Error(op+" failed", "request_id", logger.RequestID(r.Context()), "error", err, "status", status)
		msg = sanitize.Error(err, op).Error()
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf(format, args...)})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := decodeBody(w, r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	kind := strings.TrimSpace(req.Kind)
	if kind == "" {
		kind = strings.TrimSpace(req.Service)
	}
	if kind == "" {
		badRequest(w, "kind is required")
		return
	}

	id, err := s.engine.Open(r.Context(), driver.Kind(kind))
	s.audit.Record(audit.OpConversationOpen, logger.RequestID(r.Context()), id, kind, err)
	if err != nil {
		s.writeError(w, r, "open", err)
		return
	}
	writeJSON(w, http.StatusOK, openResponse{ConversationID: id})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	infos := s.engine.List()
	views := make([]conversationView, 0, len(infos))
	for _, info := range infos {
		views = append(views, conversationView{
			ConversationID: info.ID,
			Kind:           string(info.Kind),
			Status:         string(info.Status),
			CreatedAt:      info.CreatedAt,
			LastActivity:   info.LastActivity,
			QueueDepth:     info.Queued,
			InFlight:       info.InFlight,
			Turns:          info.Turns,
		})
	}
	writeJSON(w, http.StatusOK, listResponse{Conversations: views})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validation.ValidateConversationID(id); err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "conversation not found"})
		return
	}
	err := s.engine.Close(r.Context(), id)
	s.audit.Record(audit.OpConversationClose, logger.RequestID(r.Context()), id, "", err)
	if err != nil {
		s.writeError(w, r, "close", err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "closed"})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validation.ValidateConversationID(id); err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "conversation not found"})
		return
	}
	var req messageRequest
	if err := decodeBody(w, r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	if req.Message == "" {
		badRequest(w, "message is required")
		return
	}

	res, err := s.engine.Send(r.Context(), id, req.Message)
	if err != nil {
		s.writeError(w, r, "send", err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{
		Status:   "completed",
		Response: res.Response,
		TimedOut: res.TimedOut,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "history is not recorded"})
		return
	}
	id := r.PathValue("id")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	conv, err := s.history.Conversation(r.Context(), id)
	if err != nil {
		s.writeError(w, r, "history", err)
		return
	}
	turns, err := s.history.Turns(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, r, "history", err)
		return
	}
	if turns == nil {
		turns = []ledger.Turn{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Conversation: conv, Turns: turns})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.coord.Current()
	writeJSON(w, http.StatusOK, configResponse{Headless: cfg.Headless, Version: cfg.Version})
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var raw map[string]json.RawMessage
	if err := decodeBody(w, r, &raw); err != nil {
		badRequest(w, "%v", err)
		return
	}
	value, ok := raw["headless"]
	if !ok {
		badRequest(w, "headless is required")
		return
	}
	var headless bool
	if err := json.Unmarshal(value, &headless); err != nil || string(value) == "null" {
		badRequest(w, "headless must be a boolean")
		return
	}

	cfg, err := s.coord.UpdateConfig(r.Context(), coordinator.Patch{Headless: &headless})
	event := &audit.Event{
		Operation: audit.OpConfigUpdate,
		RequestID: logger.RequestID(r.Context()),
		Remote:    r.RemoteAddr,
		Success:   err == nil,
		Details:   map[string]any{"headless": headless, "version": cfg.Version},
	}
	if err != nil {
		event.Error = err.Error()
	}
	s.audit.Log(event)
	if err != nil {
		s.writeError(w, r, "update config", err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "updated", Version: cfg.Version})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	err := s.coord.Shutdown(r.Context())
	s.audit.Record(audit.OpServiceStop, logger.RequestID(r.Context()), "", "", err)
	if err != nil {
		// Shutdown is best effort; the process exits either way.
		s.logger.Warn("shutdown incomplete", "request_id", logger.RequestID(r.Context()), "error", err)
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "stopped"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

type readyResponse struct {
	Status string   `json:"status"`
	Reason string   `json:"reason,omitempty"`
	Kinds  []string `json:"kinds,omitempty"`
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.coord.Stopping() {
		writeJSON(w, http.StatusServiceUnavailable, readyResponse{Status: "not ready", Reason: "shutting down"})
		return
	}
	if s.history != nil {
		if err := s.history.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, readyResponse{Status: "not ready", Reason: "ledger unavailable"})
			return
		}
	}
	kinds := s.engine.Kinds()
	if len(kinds) == 0 {
		writeJSON(w, http.StatusServiceUnavailable, readyResponse{Status: "not ready", Reason: "no drivers registered"})
		return
	}
	names := make([]string, 0, len(kinds))
	for _, k := range kinds {
		names = append(names, string(k))
	}
	writeJSON(w, http.StatusOK, readyResponse{Status: "ready", Kinds: names})
}
