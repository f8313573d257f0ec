package client

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientCalls(t *testing.T) {
	var gotHeadless *bool
	mux := http.NewServeMux()
	mux.HandleFunc("POST /conversation", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["kind"] != "grok" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"unknown kind"}`))
			return
		}
		_, _ = w.Write([]byte(`{"conversationId":"c1"}`))
	})
	mux.HandleFunc("POST /conversation/{id}/message", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(Reply{Status: "completed", Response: r.PathValue("id") + ":" + body["message"]})
	})
	mux.HandleFunc("DELETE /conversation/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "c1" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"conversation not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"closed"}`))
	})
	mux.HandleFunc("GET /conversation", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"conversations":[{"conversationId":"c1","kind":"grok","status":"ready","queueDepth":2}]}`))
	})
	mux.HandleFunc("PUT /config/headless", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]bool
		_ = json.NewDecoder(r.Body).Decode(&body)
		v := body["headless"]
		gotHeadless = &v
		_, _ = w.Write([]byte(`{"status":"updated","version":3}`))
	})
	mux.HandleFunc("POST /service/stop", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"stopped"}`))
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()
	c := New(srv.URL + "/")

	require.NoError(t, c.Health(ctx))

	id, err := c.Open(ctx, "grok")
	require.NoError(t, err)
	assert.Equal(t, "c1", id)

	_, err = c.Open(ctx, "nope")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "unknown kind", apiErr.Message)

	reply, err := c.Send(ctx, "c1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "c1:hi", reply.Response)

	list, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].QueueDepth)

	version, err := c.SetHeadless(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), version)
	require.NotNil(t, gotHeadless)
	assert.True(t, *gotHeadless)

	require.NoError(t, c.Close(ctx, "c1"))
	err = c.Close(ctx, "c2")
	assert.True(t, IsNotFound(err))

	require.NoError(t, c.Stop(ctx))
}

func TestUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	err = New("http://" + addr).Health(context.Background())
	require.Error(t, err)
	assert.True(t, IsUnreachable(err))
	assert.False(t, IsNotFound(err))
}

func TestDefaultURL(t *testing.T) {
	assert.Equal(t, DefaultURL, New("").BaseURL())
}
