package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/portal/internal/model"
)

type errLimiter struct{}

func (errLimiter) Allow(context.Context, string) (Result, error) {
	return Result{}, errors.New("backend down")
}
func (errLimiter) Close() error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func TestMiddlewareRejectsOverLimit(t *testing.T) {
	lim := NewMemoryLimiter(2, time.Minute)
	defer func() { _ = lim.Close() }()

	h := Middleware(lim, IPKeyFunc(false), func(*http.Request) string { return "req-9" }, discardLogger())(okHandler)

	for range 2 {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/sites", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sites", nil)
	req.RemoteAddr = "10.0.0.1:6666"
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var body model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "too many requests", body.Error)
	assert.Equal(t, model.ErrCodeRateLimited, body.Code)
	assert.Equal(t, "req-9", body.RequestID)

	// Another client is unaffected.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/sites", nil)
	req.RemoteAddr = "10.0.0.2:5555"
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestMiddlewareFailsOpen(t *testing.T) {
	h := Middleware(errLimiter{}, IPKeyFunc(false), nil, discardLogger())(okHandler)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestMiddlewareSkipsEmptyKey(t *testing.T) {
	lim := NewMemoryLimiter(1, time.Minute)
	defer func() { _ = lim.Close() }()

	h := Middleware(lim, func(*http.Request) string { return "" }, nil, discardLogger())(okHandler)
	for range 3 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
}

func TestMiddlewareNilLimiter(t *testing.T) {
	h := Middleware(nil, IPKeyFunc(false), nil, discardLogger())(okHandler)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		name       string
		trustProxy bool
		remote     string
		headers    map[string]string
		want       string
	}{
		{"remote addr", false, "203.0.113.5:443", nil, "ip:203.0.113.5"},
		{"remote addr without port", false, "203.0.113.5", nil, "ip:203.0.113.5"},
		{"headers ignored when untrusted", false, "203.0.113.5:443",
			map[string]string{"CF-Connecting-IP": "198.51.100.1"}, "ip:203.0.113.5"},
		{"cloudflare header", true, "10.0.0.1:443",
			map[string]string{"CF-Connecting-IP": "198.51.100.1", "X-Forwarded-For": "192.0.2.9"}, "ip:198.51.100.1"},
		{"first forwarded hop", true, "10.0.0.1:443",
			map[string]string{"X-Forwarded-For": " 192.0.2.9 , 10.0.0.7"}, "ip:192.0.2.9"},
		{"ipv6 remote", true, "[2001:db8::1]:8080", nil, "ip:2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, IPKeyFunc(tt.trustProxy)(req))
		})
	}
}

func TestNoopLimiter(t *testing.T) {
	res, err := NoopLimiter{}.Allow(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.NoError(t, NoopLimiter{}.Close())
}
