package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/colloquy/internal/clientstate"
)

// fakeServer mimics the conversation API closely enough for the CLI.
type fakeServer struct {
	mu       sync.Mutex
	open     map[string]string
	next     int
	headless *bool
	stopped  bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{open: make(map[string]string)}
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /conversation", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.next++
		id := "id-" + string(rune('0'+f.next))
		f.open[id] = body["kind"]
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"conversationId": id})
	})
	mux.HandleFunc("POST /conversation/{id}/message", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		_, ok := f.open[r.PathValue("id")]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"conversation not found"}`))
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "completed", "response": "re: " + body["message"]})
	})
	mux.HandleFunc("DELETE /conversation/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		delete(f.open, r.PathValue("id"))
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"status":"closed"}`))
	})
	mux.HandleFunc("GET /conversation", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var convs []map[string]any
		for id, kind := range f.open {
			convs = append(convs, map[string]any{"conversationId": id, "kind": kind, "status": "ready"})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"conversations": convs})
	})
	mux.HandleFunc("PUT /config/headless", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]bool
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		v := body["headless"]
		f.headless = &v
		f.open = make(map[string]string)
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"status":"updated","version":1}`))
	})
	mux.HandleFunc("POST /service/stop", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.stopped = true
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"status":"stopped"}`))
	})
	return mux
}

type harness struct {
	statePath string
	url       string
	spawned   int
	spawn     Spawner
}

func (h *harness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	spawn := h.spawn
	if spawn == nil {
		spawn = func(ctx context.Context, bin string) error {
			h.spawned++
			return nil
		}
	}
	cmd := NewRootCommand(Options{Out: &out, Err: &errOut, Spawn: spawn, SpawnWait: 10 * time.Millisecond})
	cmd.SetArgs(append([]string{"--url", h.url, "--state", h.statePath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func newHarness(t *testing.T, f *fakeServer) *harness {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return &harness{statePath: filepath.Join(t.TempDir(), "state.json"), url: srv.URL}
}

func TestStartConverseClose(t *testing.T) {
	f := newFakeServer()
	h := newHarness(t, f)

	out, err := h.run(t, "start", "grok")
	require.NoError(t, err)
	assert.Contains(t, out, "grok conversation started with ID: id-1")

	out, err = h.run(t, "start", "grok")
	require.NoError(t, err)
	assert.Contains(t, out, "already active")

	out, err = h.run(t, "converse", "grok", "hello", "there")
	require.NoError(t, err)
	assert.Equal(t, "re: hello there\n", out)

	out, err = h.run(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "id-1")

	out, err = h.run(t, "close", "grok")
	require.NoError(t, err)
	assert.Contains(t, out, "grok conversation closed")

	out, err = h.run(t, "close", "grok")
	require.NoError(t, err)
	assert.Contains(t, out, "No active grok conversation")

	state, err := clientstate.Load(h.statePath)
	require.NoError(t, err)
	assert.Empty(t, state.Kinds())
}

func TestConverseWithoutConversation(t *testing.T) {
	h := newHarness(t, newFakeServer())
	out, err := h.run(t, "converse", "gemini", "hi")
	require.NoError(t, err)
	assert.Contains(t, out, "colloquy start gemini")
}

func TestConverseForgottenConversation(t *testing.T) {
	h := newHarness(t, newFakeServer())
	state, err := clientstate.Load(h.statePath)
	require.NoError(t, err)
	state.Set("gemini", "stale")
	require.NoError(t, state.Save())

	_, err = h.run(t, "converse", "gemini", "hi")
	require.Error(t, err)

	state, err = clientstate.Load(h.statePath)
	require.NoError(t, err)
	_, ok := state.Get("gemini")
	assert.False(t, ok)
}

func TestHeadlessClearsState(t *testing.T) {
	f := newFakeServer()
	h := newHarness(t, f)
	_, err := h.run(t, "start", "claude")
	require.NoError(t, err)

	out, err := h.run(t, "headless", "true")
	require.NoError(t, err)
	assert.Contains(t, out, "Headless mode enabled")
	require.NotNil(t, f.headless)
	assert.True(t, *f.headless)

	state, err := clientstate.Load(h.statePath)
	require.NoError(t, err)
	assert.Empty(t, state.Kinds())

	_, err = h.run(t, "headless", "maybe")
	assert.Error(t, err)
}

func TestStop(t *testing.T) {
	f := newFakeServer()
	h := newHarness(t, f)
	out, err := h.run(t, "stop")
	require.NoError(t, err)
	assert.Contains(t, out, "stopped")
	assert.True(t, f.stopped)
}

func TestStopWhenNotRunning(t *testing.T) {
	h := &harness{statePath: filepath.Join(t.TempDir(), "state.json"), url: "http://" + freeAddr(t)}
	out, err := h.run(t, "stop")
	require.NoError(t, err)
	assert.Contains(t, out, "not running")
	assert.Zero(t, h.spawned)
}

func TestAutoSpawnOnConnectionRefused(t *testing.T) {
	addr := freeAddr(t)
	f := newFakeServer()
	var srv *http.Server
	h := &harness{statePath: filepath.Join(t.TempDir(), "state.json"), url: "http://" + addr}
	h.spawn = func(ctx context.Context, bin string) error {
		h.spawned++
		assert.Equal(t, "colloquy-server", bin)
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		srv = &http.Server{Handler: f.handler()}
		go func() { _ = srv.Serve(l) }()
		return nil
	}
	t.Cleanup(func() {
		if srv != nil {
			_ = srv.Close()
		}
	})

	out, err := h.run(t, "start", "echo")
	require.NoError(t, err)
	assert.Equal(t, 1, h.spawned)
	assert.Contains(t, out, "Starting it now")
	assert.Contains(t, out, "echo conversation started")
}

func TestURLFromEnvironment(t *testing.T) {
	f := newFakeServer()
	srv := httptest.NewServer(f.handler())
	defer srv.Close()
	t.Setenv("COLLOQUY_URL", srv.URL)

	var out bytes.Buffer
	cmd := NewRootCommand(Options{Out: &out})
	cmd.SetArgs([]string{"--state", filepath.Join(t.TempDir(), "state.json"), "list"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "No open conversations")
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}
