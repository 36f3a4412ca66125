package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/portal/internal/auth"
	"github.com/ashita-ai/portal/internal/model"
	"github.com/ashita-ai/portal/internal/ratelimit"
	"github.com/ashita-ai/portal/internal/testutil"
)

// newTestHandler builds the full middleware stack without a database.
// Every path exercised here must answer before a handler touches storage.
func newTestHandler(t *testing.T, limiter ratelimit.Limiter) (http.Handler, *testutil.JWKS) {
	t.Helper()
	jwks, err := testutil.NewJWKS()
	require.NoError(t, err)
	t.Cleanup(jwks.Close)

	verifier, err := auth.NewVerifier(auth.VerifierConfig{JWKSURL: jwks.URL(), StaffRoles: []string{"staff"}})
	require.NoError(t, err)

	srv := New(ServerConfig{
		Logger:              slog.New(slog.NewTextHandler(io.Discard, nil)),
		Verifier:            verifier,
		Limiter:             limiter,
		MaxRequestBodyBytes: 1024,
		EmbeddingDimensions: 3,
	})
	return srv.Handler(), jwks
}

func do(h http.Handler, method, path, token string, body []byte) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.RemoteAddr = "203.0.113.7:4242"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) model.APIError {
	t.Helper()
	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr), rec.Body.String())
	return apiErr
}

func TestMissingTokenIsUnauthorized(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	for _, path := range []string{"/portal/me", "/sites?orgId=x", "/portal/config"} {
		rec := do(h, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
		assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
		assert.Equal(t, "missing authorization header", decodeError(t, rec).Error)
	}
}

func TestInvalidTokenIsUnauthorized(t *testing.T) {
	h, jwks := newTestHandler(t, nil)

	expired := jwks.Token("user_1", func(c *auth.Claims) {
		c.ExpiresAt.Time = time.Now().Add(-time.Hour)
	})
	for name, token := range map[string]string{
		"garbage": "not-a-jwt",
		"expired": expired,
	} {
		rec := do(h, http.MethodGet, "/portal/me", token, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, name)
		assert.Equal(t, "invalid or expired token", decodeError(t, rec).Error, name)
	}

	req := httptest.NewRequest(http.MethodGet, "/portal/me", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUnconfiguredAuthRejectsEverything(t *testing.T) {
	srv := New(ServerConfig{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	rec := do(srv.Handler(), http.MethodGet, "/portal/me", "some-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimitReturns429(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(2, time.Minute)
	t.Cleanup(func() { _ = limiter.Close() })
	h, _ := newTestHandler(t, limiter)

	for i := range 2 {
		rec := do(h, http.MethodGet, "/portal/me", "", nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code, "request %d", i+1)
	}
	rec := do(h, http.MethodGet, "/portal/me", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "too many requests", decodeError(t, rec).Error)

	// Another client has its own budget.
	req := httptest.NewRequest(http.MethodGet, "/portal/me", nil)
	req.RemoteAddr = "198.51.100.1:1000"
	other := httptest.NewRecorder()
	h.ServeHTTP(other, req)
	assert.Equal(t, http.StatusUnauthorized, other.Code)
}

func TestPreflightSkipsAuthAndRateLimit(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(1, time.Minute)
	t.Cleanup(func() { _ = limiter.Close() })
	h, _ := newTestHandler(t, limiter)

	for range 3 {
		req := httptest.NewRequest(http.MethodOptions, "/sites", nil)
		req.Header.Set("Origin", "https://app.example.com")
		req.Header.Set("Access-Control-Request-Method", "POST")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Authorization")
	}
}

func TestCORSHeadersOnErrors(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	rec := do(h, http.MethodGet, "/portal/me", "", nil)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestOrgScopedListWithoutOrgID(t *testing.T) {
	h, jwks := newTestHandler(t, nil)
	member := jwks.Token("user_member")
	staff := jwks.StaffToken("user_staff")

	paths := []string{
		"/portal/overview", "/portal/config", "/sites", "/flows", "/knowledge/sources",
		"/integrations", "/actions", "/retention",
	}
	for _, path := range paths {
		for who, token := range map[string]string{"member": member, "staff": staff} {
			rec := do(h, http.MethodGet, path, token, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code, "%s as %s", path, who)
			apiErr := decodeError(t, rec)
			assert.Equal(t, model.ErrCodeOrgRequired, apiErr.Code)
			assert.Equal(t, "orgId is required", apiErr.Error)
		}
	}

	// Members may not take the cross-org view either.
	for _, path := range []string{"/audit-logs", "/billing/records"} {
		rec := do(h, http.MethodGet, path, member, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestInvalidOrgID(t *testing.T) {
	h, jwks := newTestHandler(t, nil)
	rec := do(h, http.MethodGet, "/sites?orgId=not-a-uuid", jwks.Token("user_1"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "orgId must be a UUID", decodeError(t, rec).Error)
}

func TestStaffOnlyRoutes(t *testing.T) {
	h, jwks := newTestHandler(t, nil)
	member := jwks.Token("user_member")

	routes := []struct{ method, path string }{
		{http.MethodPost, "/portal/orgs"},
		{http.MethodPatch, "/portal/orgs/7d0c4a51-2b0e-4a8f-9a43-1f3c7c2f9e10"},
		{http.MethodDelete, "/portal/orgs/7d0c4a51-2b0e-4a8f-9a43-1f3c7c2f9e10"},
		{http.MethodPost, "/portal/orgs/7d0c4a51-2b0e-4a8f-9a43-1f3c7c2f9e10/members"},
		{http.MethodPost, "/retention/run?orgId=7d0c4a51-2b0e-4a8f-9a43-1f3c7c2f9e10"},
		{http.MethodPost, "/billing/records"},
		{http.MethodPatch, "/billing/records/7d0c4a51-2b0e-4a8f-9a43-1f3c7c2f9e10"},
	}
	for _, rt := range routes {
		rec := do(h, rt.method, rt.path, member, []byte(`{}`))
		assert.Equal(t, http.StatusForbidden, rec.Code, "%s %s", rt.method, rt.path)
		assert.Equal(t, "staff access required", decodeError(t, rec).Error)
	}
}

func TestBodyTooLarge(t *testing.T) {
	h, jwks := newTestHandler(t, nil)
	body := []byte(`{"name":"` + strings.Repeat("x", 2048) + `"}`)

	rec := do(h, http.MethodPost, "/sites", jwks.Token("user_1"), body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, model.ErrCodeTooLarge, decodeError(t, rec).Code)
}

func TestMalformedBody(t *testing.T) {
	h, jwks := newTestHandler(t, nil)
	token := jwks.Token("user_1")

	for name, body := range map[string]string{
		"syntax":   `{"name":`,
		"unknown":  `{"nope":1}`,
		"trailing": `{} {}`,
	} {
		rec := do(h, http.MethodPost, "/sites", token, []byte(body))
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
}

func TestBadPathID(t *testing.T) {
	h, jwks := newTestHandler(t, nil)
	rec := do(h, http.MethodGet, "/sites/not-a-uuid", jwks.Token("user_1"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid id", decodeError(t, rec).Error)
}

func TestRequestIDPropagation(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/portal/me", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-abc", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "req-abc", decodeError(t, rec).RequestID)

	req = httptest.NewRequest(http.MethodGet, "/portal/me", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("a", 200))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Len(t, rec.Header().Get("X-Request-ID"), 36)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := requestIDMiddleware(recoveryMiddleware(slog.New(slog.NewTextHandler(io.Discard, nil)),
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, model.ErrCodeInternalError, decodeError(t, rec).Code)
}

func TestRouteRecorderReportsPattern(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sites/{id}", func(http.ResponseWriter, *http.Request) {})
	h := routeRecorder(mux)

	cases := []struct {
		path string
		want string
	}{
		{"/sites/7a0c2f4e-1b55-4d3c-9a1e-2f6b8c9d0e11", "GET /sites/{id}"},
		{"/sites/another-id", "GET /sites/{id}"},
		{"/nowhere", "unmatched"},
	}
	for _, tc := range cases {
		inner := &statusWriter{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}
		outer := &statusWriter{ResponseWriter: inner, statusCode: http.StatusOK}
		// Outer middleware hands the mux a copy of the request.
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		h.ServeHTTP(outer, req.WithContext(req.Context()))
		assert.Equal(t, tc.want, outer.route, tc.path)
		assert.Equal(t, tc.want, inner.route, tc.path)
		assert.Empty(t, req.Pattern)
	}
}

func TestRateLimitKeyExemptsHealth(t *testing.T) {
	key := rateLimitKey(false)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	assert.Empty(t, key(req))

	req = httptest.NewRequest(http.MethodGet, "/sites", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "ip:192.0.2.1", key(req))
}

func TestQueryPageClamps(t *testing.T) {
	cases := []struct {
		query         string
		limit, offset int
	}{
		{"", 50, 0},
		{"limit=0", 1, 0},
		{"limit=9999&offset=-5", 500, 0},
		{"limit=20&offset=40", 20, 40},
		{"offset=999999999", 50, 100_000},
		{"limit=abc", 50, 0},
	}
	for _, c := range cases {
		req := httptest.NewRequest(http.MethodGet, "/sites?"+c.query, nil)
		page := queryPage(req)
		assert.Equal(t, c.limit, page.Limit, c.query)
		assert.Equal(t, c.offset, page.Offset, c.query)
	}
}
