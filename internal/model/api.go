package model

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
)

// APIError is the error body returned by every endpoint.
type APIError struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorCode constants for machine-readable error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeOrgRequired   = "ORG_REQUIRED"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeTooLarge      = "PAYLOAD_TOO_LARGE"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeUpstream      = "UPSTREAM_ERROR"
)

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Postgres    string `json:"postgres"`
	RateLimiter string `json:"rate_limiter"`
	BlobStore   string `json:"blob_store"`
	SearchIndex string `json:"search_index"`
	Embeddings  string `json:"embeddings"`
	Uptime      int64  `json:"uptime_seconds"`
}

// Field length limits shared by the portal entities.
const (
	MaxNameLen        = 200
	MaxDescriptionLen = 4 * 1024
	MaxURLLen         = 2048
)

// privateIPRanges is the set of CIDR blocks considered non-public.
var privateIPRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
	} {
		_, network, err := net.ParseCIDR(cidr)
		if err == nil {
			privateIPRanges = append(privateIPRanges, network)
		}
	}
}

// ValidatePublicURL ensures field holds an http/https URL pointing at a
// publicly routable host. Used for outbound webhooks, logos and crawl sources.
func ValidatePublicURL(field, rawURL string) error {
	if len(rawURL) > MaxURLLen {
		return fmt.Errorf("%s exceeds maximum length of %d characters", field, MaxURLLen)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL", field)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%s must use http or https scheme (got %q)", field, u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("%s must not include credentials", field)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%s must include a host", field)
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("%s must not point to localhost", field)
	}
	if ip := net.ParseIP(host); ip != nil {
		for _, r := range privateIPRanges {
			if r.Contains(ip) {
				return fmt.Errorf("%s must not point to a private or loopback address", field)
			}
		}
	}
	return nil
}

func requireName(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(v) > MaxNameLen {
		return fmt.Errorf("%s exceeds maximum length of %d characters", field, MaxNameLen)
	}
	return nil
}

func oneOf(field, v string, allowed ...string) error {
	if slices.Contains(allowed, v) {
		return nil
	}
	return fmt.Errorf("invalid %s %q: must be one of %s", field, v, strings.Join(allowed, ", "))
}
