package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/colloquy/internal/driver"
	"github.com/HyphaGroup/colloquy/internal/stabilize"
)

type messagesRequest struct {
	Model     string `json:"model"`
	MaxTokens int64  `json:"max_tokens"`
	Messages  []struct {
		Role string `json:"role"`
	} `json:"messages"`
}

func newServer(t *testing.T, reply string, status int) (*httptest.Server, func() []messagesRequest) {
	t.Helper()
	var mu sync.Mutex
	var seen []messagesRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			http.NotFound(w, r)
			return
		}
		var req messagesRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		seen = append(seen, req)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			fmt.Fprint(w, `{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`)
			return
		}
		body, _ := json.Marshal(map[string]any{
			"id":            "msg_1",
			"type":          "message",
			"role":          "assistant",
			"model":         req.Model,
			"content":       []map[string]any{{"type": "text", "text": reply}},
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": 3, "output_tokens": 2},
		})
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []messagesRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]messagesRequest(nil), seen...)
	}
}

var policy = stabilize.Policy{
	Mode:      stabilize.ModeStability,
	Timeout:   5 * time.Second,
	Interval:  5 * time.Millisecond,
	Threshold: 2,
	Fallback:  stabilize.DefaultFallback,
}

func TestReplyAndHistory(t *testing.T) {
	ctx := context.Background()
	srv, seen := newServer(t, "Hi, I'm Claude.", http.StatusOK)
	d, err := New(Config{BaseURL: srv.URL, APIKey: "k", Model: "claude-test"}, driver.Settings{})
	require.NoError(t, err)
	assert.Equal(t, driver.KindClaude, d.Kind())

	sess, err := d.Open(ctx)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		baseline, err := sess.Send(ctx, "hello")
		require.NoError(t, err)
		assert.Equal(t, i, baseline.Completed)

		out, err := stabilize.Await(ctx, sess, baseline, policy, stabilize.SystemClock{})
		require.NoError(t, err)
		assert.Equal(t, "Hi, I'm Claude.", out.Text)
		require.Eventually(t, func() bool { return sess.(*Session).Turns() == i+1 }, time.Second, time.Millisecond)
	}

	reqs := seen()
	require.Len(t, reqs, 2)
	assert.Equal(t, int64(DefaultMaxTokens), reqs[0].MaxTokens)
	assert.Equal(t, "claude-test", reqs[1].Model)
	assert.Len(t, reqs[1].Messages, 3)
}

func TestAPIErrorSurfacesOnPoll(t *testing.T) {
	ctx := context.Background()
	srv, _ := newServer(t, "", http.StatusBadRequest)
	d, err := New(Config{BaseURL: srv.URL, APIKey: "k", Model: "claude-test"}, driver.Settings{Headless: true})
	require.NoError(t, err)

	sess, err := d.Open(ctx)
	require.NoError(t, err)
	baseline, err := sess.Send(ctx, "hello")
	require.NoError(t, err)

	_, err = stabilize.Await(ctx, sess, baseline, policy, stabilize.SystemClock{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "claude api")
}

func TestNewWithoutKey(t *testing.T) {
	_, err := New(Config{Model: "m"}, driver.Settings{})
	assert.ErrorIs(t, err, ErrNoAPIKey)
}

func TestCloseDetachesSession(t *testing.T) {
	ctx := context.Background()
	d, err := New(Config{APIKey: "k", Model: "m"}, driver.Settings{})
	require.NoError(t, err)

	sess, err := d.Open(ctx)
	require.NoError(t, err)
	require.NoError(t, sess.Close(ctx))

	_, err = sess.Send(ctx, "x")
	assert.ErrorIs(t, err, driver.ErrSessionClosed)
}

func TestAbandonedRequestKeepsMessage(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var seen []messagesRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req messagesRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		seen = append(seen, req)
		n := len(seen)
		mu.Unlock()

		if n == 1 {
			// Never answer the first request in time.
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		body, _ := json.Marshal(map[string]any{
			"id":            "msg_2",
			"type":          "message",
			"role":          "assistant",
			"model":         req.Model,
			"content":       []map[string]any{{"type": "text", "text": "late but here"}},
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": 3, "output_tokens": 3},
		})
		w.Write(body)
	}))
	t.Cleanup(srv.Close)

	d, err := New(Config{BaseURL: srv.URL, APIKey: "k", Model: "claude-test", MaxRetries: 0}, driver.Settings{})
	require.NoError(t, err)
	sess, err := d.Open(ctx)
	require.NoError(t, err)

	short := policy
	short.Timeout = 50 * time.Millisecond
	baseline, err := sess.Send(ctx, "first")
	require.NoError(t, err)
	out, err := stabilize.Await(ctx, sess, baseline, short, stabilize.SystemClock{})
	require.NoError(t, err)
	assert.True(t, out.TimedOut)

	baseline, err = sess.Send(ctx, "second")
	require.NoError(t, err)
	out, err = stabilize.Await(ctx, sess, baseline, policy, stabilize.SystemClock{})
	require.NoError(t, err)
	assert.Equal(t, "late but here", out.Text)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	roles := make([]string, 0, len(seen[1].Messages))
	for _, m := range seen[1].Messages {
		roles = append(roles, m.Role)
	}
	assert.Equal(t, []string{"user", "user"}, roles)
}
