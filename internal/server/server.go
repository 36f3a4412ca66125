package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/portal/internal/actions"
	"github.com/ashita-ai/portal/internal/blob"
	"github.com/ashita-ai/portal/internal/embedding"
	"github.com/ashita-ai/portal/internal/ratelimit"
	"github.com/ashita-ai/portal/internal/retention"
	"github.com/ashita-ai/portal/internal/search"
	"github.com/ashita-ai/portal/internal/secrets"
	"github.com/ashita-ai/portal/internal/storage"
)

// Server is the portal HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Verifier, Blobs, Searcher, Embedder, Limiter.
type ServerConfig struct {
	// Required dependencies.
	DB     *storage.DB
	Sealer *secrets.Sealer
	Runner *actions.Runner
	Purger *retention.Purger
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	Verifier TokenVerifier
	Blobs    blob.Store
	Searcher search.Searcher
	Embedder embedding.Provider
	Limiter  ratelimit.Limiter

	// Middlewares wrap the whole handler chain, first element outermost.
	Middlewares []func(http.Handler) http.Handler

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	TrustProxy          bool
	Version             string
	MaxRequestBodyBytes int64
	EmbeddingDimensions int
	AccessCacheTTL      time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.NoopLimiter{}
	}
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Blobs:               cfg.Blobs,
		Searcher:            cfg.Searcher,
		Embedder:            cfg.Embedder,
		Sealer:              cfg.Sealer,
		Runner:              cfg.Runner,
		Purger:              cfg.Purger,
		Limiter:             cfg.Limiter,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		EmbeddingDimensions: cfg.EmbeddingDimensions,
		AccessCacheTTL:      cfg.AccessCacheTTL,
	})

	mux := http.NewServeMux()
	staff := func(f http.HandlerFunc) http.Handler { return requireStaff(f) }

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Identity and organizations.
	mux.HandleFunc("GET /portal/me", h.HandleMe)
	mux.HandleFunc("GET /portal/orgs", h.HandleListOrgs)
	mux.Handle("POST /portal/orgs", staff(h.HandleCreateOrg))
	mux.HandleFunc("GET /portal/orgs/{orgId}", h.HandleGetOrg)
	mux.Handle("PATCH /portal/orgs/{orgId}", staff(h.HandleUpdateOrg))
	mux.Handle("DELETE /portal/orgs/{orgId}", staff(h.HandleDeleteOrg))
	mux.HandleFunc("GET /portal/orgs/{orgId}/members", h.HandleListMembers)
	mux.Handle("POST /portal/orgs/{orgId}/members", staff(h.HandleAddMember))
	mux.Handle("DELETE /portal/orgs/{orgId}/members/{userId}", staff(h.HandleRemoveMember))

	// Portal shell.
	mux.HandleFunc("GET /portal/overview", h.HandleOverview)
	mux.HandleFunc("GET /portal/config", h.HandleGetPortalConfig)
	mux.HandleFunc("PATCH /portal/config", h.HandleUpdatePortalConfig)

	// Sites.
	mux.HandleFunc("GET /sites", h.HandleListSites)
	mux.HandleFunc("POST /sites", h.HandleCreateSite)
	mux.HandleFunc("GET /sites/{id}", h.HandleGetSite)
	mux.HandleFunc("PATCH /sites/{id}", h.HandleUpdateSite)
	mux.HandleFunc("DELETE /sites/{id}", h.HandleDeleteSite)

	// Flows.
	mux.HandleFunc("GET /flows", h.HandleListFlows)
	mux.HandleFunc("POST /flows", h.HandleCreateFlow)
	mux.HandleFunc("GET /flows/{id}", h.HandleGetFlow)
	mux.HandleFunc("PATCH /flows/{id}", h.HandleUpdateFlow)
	mux.HandleFunc("DELETE /flows/{id}", h.HandleDeleteFlow)
	mux.HandleFunc("PUT /flows/{id}/steps", h.HandleReplaceFlowSteps)
	mux.HandleFunc("POST /flows/{id}/rules", h.HandleCreateFlowRule)
	mux.HandleFunc("DELETE /flows/{id}/rules/{ruleId}", h.HandleDeleteFlowRule)

	// Knowledge.
	mux.HandleFunc("GET /knowledge/sources", h.HandleListSources)
	mux.HandleFunc("POST /knowledge/sources", h.HandleCreateSource)
	mux.HandleFunc("GET /knowledge/sources/{id}", h.HandleGetSource)
	mux.HandleFunc("PATCH /knowledge/sources/{id}", h.HandleUpdateSource)
	mux.HandleFunc("DELETE /knowledge/sources/{id}", h.HandleDeleteSource)
	mux.HandleFunc("GET /knowledge/sources/{id}/documents", h.HandleListDocuments)
	mux.HandleFunc("POST /knowledge/sources/{id}/documents", h.HandleCreateDocument)
	mux.HandleFunc("GET /knowledge/documents/{id}", h.HandleGetDocument)
	mux.HandleFunc("DELETE /knowledge/documents/{id}", h.HandleDeleteDocument)
	mux.HandleFunc("POST /knowledge/documents/{id}/versions", h.HandleAddVersion)
	mux.HandleFunc("GET /knowledge/documents/{id}/versions/{version}", h.HandleGetVersion)
	mux.HandleFunc("GET /knowledge/documents/{id}/versions/{version}/chunks", h.HandleListChunks)
	mux.HandleFunc("PUT /knowledge/documents/{id}/versions/{version}/chunks", h.HandleReplaceChunks)
	mux.HandleFunc("POST /knowledge/search", h.HandleSearch)

	// Integrations.
	mux.HandleFunc("GET /integrations", h.HandleListIntegrations)
	mux.HandleFunc("POST /integrations", h.HandleCreateIntegration)
	mux.HandleFunc("GET /integrations/{id}", h.HandleGetIntegration)
	mux.HandleFunc("PATCH /integrations/{id}", h.HandleUpdateIntegration)
	mux.HandleFunc("DELETE /integrations/{id}", h.HandleDeleteIntegration)

	// Actions.
	mux.HandleFunc("GET /actions", h.HandleListActions)
	mux.HandleFunc("POST /actions", h.HandleCreateAction)
	mux.HandleFunc("GET /actions/{id}", h.HandleGetAction)
	mux.HandleFunc("DELETE /actions/{id}", h.HandleDeleteAction)
	mux.HandleFunc("POST /actions/{id}/run", h.HandleRunAction)
	mux.HandleFunc("GET /actions/{id}/runs", h.HandleListActionRuns)

	// Audit, retention and billing.
	mux.HandleFunc("GET /audit-logs", h.HandleListAuditLogs)
	mux.HandleFunc("GET /retention", h.HandleGetRetention)
	mux.HandleFunc("PUT /retention", h.HandleSetRetention)
	mux.Handle("POST /retention/run", staff(h.HandleRunRetention))
	mux.HandleFunc("GET /billing/records", h.HandleListBillingRecords)
	mux.Handle("POST /billing/records", staff(h.HandleCreateBillingRecord))
	mux.Handle("PATCH /billing/records/{id}", staff(h.HandleUpdateBillingRecord))

	rateLimit := ratelimit.Middleware(cfg.Limiter, rateLimitKey(cfg.TrustProxy),
		func(r *http.Request) string { return RequestIDFromContext(r.Context()) }, cfg.Logger)

	// Middleware chain (outermost executes first):
	// request ID → security headers → CORS → tracing → logging → recovery →
	// rate limit → auth → handler.
	var handler http.Handler = routeRecorder(mux)
	handler = authMiddleware(cfg.Verifier, handler)
	handler = rateLimit(handler)
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = corsMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// rateLimitKey keys requests by client IP. /health is exempt.
func rateLimitKey(trustProxy bool) ratelimit.KeyFunc {
	ip := ratelimit.IPKeyFunc(trustProxy)
	return func(r *http.Request) string {
		if r.URL.Path == "/health" {
			return ""
		}
		return ip(r)
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
