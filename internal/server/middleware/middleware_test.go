package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whiplashfi/whiplash/internal/domain"
	"github.com/whiplashfi/whiplash/internal/idempotency"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func post(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/pools/x/swap", strings.NewReader(body))
	req.Header.Set(IdempotencyHeader, "key-1")
	return req
}

func TestIdempotencyReplays(t *testing.T) {
	var calls atomic.Int32
	h := Idempotency(idempotency.NewDedup(time.Minute), discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"echo":` + string(body) + `}`))
	}))

	first := httptest.NewRecorder()
	h.ServeHTTP(first, post(`1`))
	require.Equal(t, http.StatusCreated, first.Code)

	second := httptest.NewRecorder()
	h.ServeHTTP(second, post(`1`))
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, `{"echo":1}`, second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
	assert.Equal(t, int32(1), calls.Load())

	reused := httptest.NewRecorder()
	h.ServeHTTP(reused, post(`2`))
	assert.Equal(t, http.StatusUnprocessableEntity, reused.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestIdempotencyReleasesOnServerError(t *testing.T) {
	var calls atomic.Int32
	h := Idempotency(idempotency.NewDedup(time.Minute), discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, post(`{}`))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, post(`{}`))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(2), calls.Load())
}

func TestIdempotencyWithoutHeader(t *testing.T) {
	var calls atomic.Int32
	h := Idempotency(idempotency.NewDedup(time.Minute), discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/pools", strings.NewReader(`{}`))
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	assert.Equal(t, int32(2), calls.Load())
}

type stubLimiter struct {
	decision domain.RateDecision
	err      error
	keys     []string
	limits   []int
}

func (s *stubLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (domain.RateDecision, error) {
	s.keys = append(s.keys, key)
	s.limits = append(s.limits, limit)
	return s.decision, s.err
}

func TestRateLimit(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	policy := RateLimitPolicy{Read: 10, Write: 2, Window: time.Minute}

	denied := &stubLimiter{decision: domain.RateDecision{RetryAfter: 1500 * time.Millisecond}}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/pools", nil)
	req.Header.Set("X-Forwarded-For", "198.51.100.1, 203.0.113.7")
	RateLimit(denied, policy, discardLogger())(ok).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, []string{"api:read:203.0.113.7"}, denied.keys)

	allowed := &stubLimiter{decision: domain.RateDecision{Allowed: true, Remaining: 1}}
	rec = httptest.NewRecorder()
	RateLimit(allowed, policy, discardLogger())(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/pools", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, []string{"api:write:192.0.2.1"}, allowed.keys)
	assert.Equal(t, []int{2}, allowed.limits)

	broken := &stubLimiter{err: errors.New("redis down")}
	rec = httptest.NewRecorder()
	RateLimit(broken, policy, discardLogger())(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	RateLimit(nil, policy, discardLogger())(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"socket peer", nil, "192.0.2.1"},
		{"last forwarded hop", map[string]string{"X-Forwarded-For": "10.0.0.1, 203.0.113.7"}, "203.0.113.7"},
		{"garbage hop skipped", map[string]string{"X-Forwarded-For": "203.0.113.7, unknown"}, "203.0.113.7"},
		{"real ip", map[string]string{"X-Real-IP": " 2001:db8::1 "}, "2001:db8::1"},
		{"mapped v4", map[string]string{"X-Real-IP": "::ffff:198.51.100.9"}, "198.51.100.9"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tc.want, clientIP(req))
		})
	}
}

func TestAuth(t *testing.T) {
	h := Auth("secret, next")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	cases := map[string]struct {
		header, value string
		want          int
	}{
		"bearer":  {"Authorization", "Bearer secret", http.StatusOK},
		"api key": {"X-API-Key", "secret", http.StatusOK},
		"wrong":   {"X-API-Key", "nope", http.StatusUnauthorized},
		"missing": {"", "", http.StatusUnauthorized},
		"rotated": {"X-API-Key", "next", http.StatusOK},
		"basic":   {"Authorization", "Basic secret", http.StatusUnauthorized},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/pools", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestAuthDisabled(t *testing.T) {
	rec := httptest.NewRecorder()
	Auth(" , ")(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/pools", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReadOnly(t *testing.T) {
	rec := httptest.NewRecorder()
	ReadOnly("writes are disabled")(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/pools", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"writes are disabled"}`, rec.Body.String())
}

func TestCORSPreflight(t *testing.T) {
	h := CORS([]string{"http://localhost:3000", "https://*.whiplash.fi"})(http.NotFoundHandler())

	preflight := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/api/pools", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := preflight("http://localhost:3000")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Idempotency-Key")

	rec = preflight("https://app.whiplash.fi")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.whiplash.fi", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = preflight("https://evil.example")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	rec = preflight("http://app.whiplash.fi")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCORSSimpleRequest(t *testing.T) {
	h := CORS(nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/pools", nil)
	req.Header.Set("Origin", "https://anywhere.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://anywhere.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "Idempotent-Replayed")
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))
}

func TestLoggingRequestID(t *testing.T) {
	h := Logging(discardLogger())(http.NotFoundHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Len(t, rec.Header().Get(RequestIDHeader), 36)

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	req.Header.Set(RequestIDHeader, "edge-7f3a.1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "edge-7f3a.1", rec.Header().Get(RequestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/nope", nil)
	req.Header.Set(RequestIDHeader, "bad id\r\ninjected")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.NotEqual(t, "bad id\r\ninjected", rec.Header().Get(RequestIDHeader))
}

func TestRequestLevel(t *testing.T) {
	assert.Equal(t, slog.LevelError, requestLevel("/api/pools", 503))
	assert.Equal(t, slog.LevelWarn, requestLevel("/api/health", 404))
	assert.Equal(t, slog.LevelDebug, requestLevel("/api/health", 200))
	assert.Equal(t, slog.LevelDebug, requestLevel("/metrics", 200))
	assert.Equal(t, slog.LevelInfo, requestLevel("/api/pools", 201))
}

func TestStatusWriterCounts(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec}
	_, err := sw.Write([]byte("hello"))
	require.NoError(t, err)
	sw.WriteHeader(http.StatusTeapot) // too late to change the status
	assert.Equal(t, http.StatusOK, sw.status())
	assert.Equal(t, int64(5), sw.bytes)
	assert.Same(t, rec, sw.Unwrap())
}
