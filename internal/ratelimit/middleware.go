package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/portal/internal/model"
	"github.com/ashita-ai/portal/internal/telemetry"
)

// KeyFunc extracts the rate limit key from a request.
// Returns empty string to skip rate limiting for this request (e.g., /health).
type KeyFunc func(r *http.Request) string

// RequestIDFunc extracts the request ID from the request context.
// Injected by the caller to avoid a dependency on the server package.
type RequestIDFunc func(r *http.Request) string

// Middleware returns HTTP middleware that enforces limiter per key.
// Limiter errors are logged and the request is let through.
func Middleware(limiter Limiter, keyFunc KeyFunc, reqIDFunc RequestIDFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	rejected, _ := telemetry.Meter("portal/ratelimit").Int64Counter("ratelimit.rejected",
		otelmetric.WithDescription("Requests rejected by the rate limiter"))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("ratelimit: limiter error, failing open", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			if result.Limit > 0 {
				for k, v := range result.FormatHeaders() {
					w.Header().Set(k, v)
				}
			}

			if !result.Allowed {
				retryAfter := time.Until(result.ResetAt).Seconds()
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter)))
				if rejected != nil {
					rejected.Add(r.Context(), 1)
				}

				var requestID string
				if reqIDFunc != nil {
					requestID = reqIDFunc(r)
				}
				writeRateLimitError(w, requestID)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeRateLimitError writes a 429 using the standard API error body.
func writeRateLimitError(w http.ResponseWriter, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error:     "too many requests",
		Code:      model.ErrCodeRateLimited,
		RequestID: requestID,
	})
}

// IPKeyFunc returns a KeyFunc that keys requests by client IP.
//
// By default only RemoteAddr is used, because any client can set forwarding
// headers. With trustProxy (deployments behind Cloudflare or a load balancer
// that overwrites these headers) CF-Connecting-IP and then the first
// X-Forwarded-For hop are honored.
func IPKeyFunc(trustProxy bool) KeyFunc {
	return func(r *http.Request) string {
		if trustProxy {
			if ip := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); ip != "" {
				return "ip:" + ip
			}
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				first, _, _ := strings.Cut(xff, ",")
				if ip := strings.TrimSpace(first); ip != "" {
					return "ip:" + ip
				}
			}
		}
		return "ip:" + remoteIP(r.RemoteAddr)
	}
}

func remoteIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
