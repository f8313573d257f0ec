package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/health":                   "/health",
		"/conversation":             "/conversation",
		"/conversation/abc":         "/conversation/{id}",
		"/conversation/abc/message": "/conversation/{id}/message",
		"/conversation/abc/history": "/conversation/{id}/history",
		"/conversation/abc/other":   "other",
		"/conversation/a/b/c":       "other",
		"/config/headless":          "/config/headless",
		"/mcp/session":              "/mcp",
		"/":                         "other",
		"/favicon.ico":              "other",
		"/service/stop":             "/service/stop",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizePath(in), in)
	}
}

func TestMiddlewareRecordsStatus(t *testing.T) {
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	before := testutil.ToFloat64(RequestsTotal.WithLabelValues(http.MethodDelete, "/conversation/{id}", "404"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/conversation/123", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	after := testutil.ToFloat64(RequestsTotal.WithLabelValues(http.MethodDelete, "/conversation/{id}", "404"))
	assert.Equal(t, before+1, after)
}

func TestRecordTurn(t *testing.T) {
	before := testutil.ToFloat64(Turns.WithLabelValues("echo", OutcomeCancelled))
	RecordTurn("echo", OutcomeCancelled, 0)
	assert.Equal(t, before+1, testutil.ToFloat64(Turns.WithLabelValues("echo", OutcomeCancelled)))
}

func TestConversationGauge(t *testing.T) {
	start := testutil.ToFloat64(OpenConversations.WithLabelValues("metrics-test"))
	RecordConversationOpened("metrics-test")
	RecordConversationOpened("metrics-test")
	RecordConversationClosed("metrics-test", "closed", 1.5)
	assert.Equal(t, start+1, testutil.ToFloat64(OpenConversations.WithLabelValues("metrics-test")))
}
