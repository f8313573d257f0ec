package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/HyphaGroup/colloquy/internal/logger"
)

// statusRecorder captures the response status for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RequestLogger assigns a request ID (reusing X-Request-ID when the client
// sent one) and logs each request once it completes.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := logger.WithRequestID(r.Context(), requestID)
		r = r.WithContext(ctx)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		logger.WithContext(ctx).Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote", r.RemoteAddr,
		)
	})
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter provides per-client rate limiting
type RateLimiter struct {
	limiters map[string]*clientLimiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
	now      func() time.Time
}

// NewRateLimiter creates a limiter allowing requestsPerSecond per client with
// the given burst.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*clientLimiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		now:      time.Now,
	}
}

func (r *RateLimiter) getLimiter(key string) *clientLimiter {
	r.mu.RLock()
	cl, exists := r.limiters[key]
	r.mu.RUnlock()
	if exists {
		return cl
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cl, exists = r.limiters[key]; exists {
		return cl
	}
	cl = &clientLimiter{limiter: rate.NewLimiter(r.rate, r.burst)}
	r.limiters[key] = cl
	return cl
}

// Allow reports whether a request from key may proceed now.
func (r *RateLimiter) Allow(key string) bool {
	cl := r.getLimiter(key)
	r.mu.Lock()
	cl.lastSeen = r.now()
	r.mu.Unlock()
	return cl.limiter.Allow()
}

// Cleanup drops limiters for clients not seen within maxAge and returns how
// many were removed.
func (r *RateLimiter) Cleanup(maxAge time.Duration) int {
	cutoff := r.now().Add(-maxAge)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for key, cl := range r.limiters {
		if cl.lastSeen.Before(cutoff) {
			delete(r.limiters, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked clients.
func (r *RateLimiter) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.limiters)
}

// RateLimitMiddleware rejects requests over the per-client rate with 429.
// Clients are keyed by remote IP.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.RemoteAddr
			if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				key = host
			}
			if !limiter.Allow(key) {
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded, please slow down"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
