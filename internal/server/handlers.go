package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/portal/internal/actions"
	"github.com/ashita-ai/portal/internal/auth"
	"github.com/ashita-ai/portal/internal/blob"
	"github.com/ashita-ai/portal/internal/embedding"
	"github.com/ashita-ai/portal/internal/model"
	"github.com/ashita-ai/portal/internal/ratelimit"
	"github.com/ashita-ai/portal/internal/retention"
	"github.com/ashita-ai/portal/internal/search"
	"github.com/ashita-ai/portal/internal/secrets"
	"github.com/ashita-ai/portal/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	scopes              *auth.Resolver
	access              *auth.AccessCache // nil when caching is off
	blobs               blob.Store
	searcher            search.Searcher
	embedder            embedding.Provider
	sealer              *secrets.Sealer
	runner              *actions.Runner
	purger              *retention.Purger
	limiter             ratelimit.Limiter
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	embeddingDims       int
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Blobs, Searcher, Embedder, Limiter.
type HandlersDeps struct {
	DB                  *storage.DB
	Blobs               blob.Store
	Searcher            search.Searcher
	Embedder            embedding.Provider
	Sealer              *secrets.Sealer
	Runner              *actions.Runner
	Purger              *retention.Purger
	Limiter             ratelimit.Limiter
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	EmbeddingDimensions int
	AccessCacheTTL      time.Duration // 0 checks membership on every request
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	var checker auth.OrgAccessChecker = d.DB
	var access *auth.AccessCache
	if d.AccessCacheTTL > 0 {
		access = auth.NewAccessCache(d.DB, d.AccessCacheTTL)
		checker = access
	}
	return &Handlers{
		db:                  d.DB,
		scopes:              auth.NewResolver(checker),
		access:              access,
		blobs:               d.Blobs,
		searcher:            d.Searcher,
		embedder:            d.Embedder,
		sealer:              d.Sealer,
		runner:              d.Runner,
		purger:              d.Purger,
		limiter:             d.Limiter,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		embeddingDims:       d.EmbeddingDimensions,
	}
}

// HandleHealth handles GET /health. It reports 503 when Postgres is unreachable.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := model.HealthResponse{
		Status:      "healthy",
		Version:     h.version,
		Postgres:    "connected",
		RateLimiter: "disabled",
		BlobStore:   "inline",
		SearchIndex: "pgvector",
		Embeddings:  "client",
		Uptime:      int64(time.Since(h.startedAt).Seconds()),
	}
	status := http.StatusOK

	if err := h.db.Ping(ctx); err != nil {
		h.logger.Warn("health: postgres ping failed", "error", err)
		resp.Status = "unhealthy"
		resp.Postgres = "disconnected"
		status = http.StatusServiceUnavailable
	}
	if _, noop := h.limiter.(ratelimit.NoopLimiter); h.limiter != nil && !noop {
		resp.RateLimiter = "enabled"
	}
	if h.blobs != nil {
		resp.BlobStore = "connected"
		if err := h.blobs.Ping(ctx); err != nil {
			h.logger.Warn("health: blob store ping failed", "error", err)
			resp.BlobStore = "unreachable"
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}
	if h.embedder != nil {
		resp.Embeddings = "server"
	}
	if h.searcher != nil {
		resp.SearchIndex = "qdrant"
		if err := h.searcher.Healthy(ctx); err != nil {
			h.logger.Warn("health: search index unhealthy", "error", err)
			resp.SearchIndex = "qdrant unreachable (pgvector fallback)"
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}
	writeJSON(w, r, status, resp)
}

// --- Scope helpers ---

// invalidateAccess drops cached membership answers for orgID.
func (h *Handlers) invalidateAccess(orgID uuid.UUID) {
	if h.access != nil {
		h.access.InvalidateOrg(orgID)
	}
}

// resolveOrg resolves the org a request operates on. requested is the orgId
// query parameter or the org_id of a create body. On failure the error
// response has been written and ok is false.
func (h *Handlers) resolveOrg(w http.ResponseWriter, r *http.Request, requested string, allowAllOrgs bool) (auth.Scope, bool) {
	scope, err := h.scopes.Resolve(r.Context(), ClaimsFromContext(r.Context()), requested, allowAllOrgs)
	if err != nil {
		h.writeFailure(w, r, err)
		return auth.Scope{}, false
	}
	return scope, true
}

// queryOrg resolves the orgId query parameter of an org-scoped endpoint.
func (h *Handlers) queryOrg(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	scope, ok := h.resolveOrg(w, r, r.URL.Query().Get("orgId"), false)
	return scope.OrgID, ok
}

// bodyOrg resolves the org of a create request: the body's org_id, or the
// orgId query parameter when the body has none.
func (h *Handlers) bodyOrg(w http.ResponseWriter, r *http.Request, orgID uuid.UUID) (uuid.UUID, bool) {
	requested := r.URL.Query().Get("orgId")
	if orgID != uuid.Nil {
		requested = orgID.String()
	}
	scope, ok := h.resolveOrg(w, r, requested, false)
	return scope.OrgID, ok
}

// authorizeOrg checks that the caller may act on a loaded row's org.
func (h *Handlers) authorizeOrg(w http.ResponseWriter, r *http.Request, orgID uuid.UUID) bool {
	if err := h.scopes.Authorize(r.Context(), ClaimsFromContext(r.Context()), orgID); err != nil {
		h.writeFailure(w, r, err)
		return false
	}
	return true
}

// --- Error mapping ---

// writeFailure maps scope, storage and domain errors to HTTP statuses.
// Anything unrecognized is a 500 with the cause logged.
func (h *Handlers) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrOrgRequired):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeOrgRequired, err.Error())
	case errors.Is(err, auth.ErrInvalidOrgID):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, auth.ErrForbidden), errors.Is(err, auth.ErrStaffOnly):
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, err.Error())
	case errors.Is(err, auth.ErrOrgNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	case isNotFoundError(err):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, notFoundMessage(err))
	case isDuplicateKeyError(err):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, duplicateMessage(err))
	case isForeignKeyError(err):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "referenced resource does not exist")
	case errors.Is(err, actions.ErrDisabled):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "action is disabled")
	default:
		h.writeInternalError(w, r, "internal server error", err)
	}
}

// writeInternalError logs err and returns a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		"error", err,
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// isDuplicateKeyError checks if a Postgres error is a unique_violation (23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isForeignKeyError checks if a Postgres error is a foreign_key_violation (23503).
func isForeignKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// isNotFoundError checks if the error indicates a missing resource.
func isNotFoundError(err error) bool {
	return errors.Is(err, storage.ErrNotFound) || errors.Is(err, pgx.ErrNoRows) || errors.Is(err, blob.ErrNotFound)
}

// duplicateMessage names the conflicting field for the constraints users hit.
func duplicateMessage(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.ConstraintName {
		case "organizations_slug_key":
			return "an organization with this slug already exists"
		case "organizations_external_id_key":
			return "another organization is linked to this external id"
		case "sites_org_id_domain_key":
			return "a site with this domain already exists"
		case "flows_org_id_name_key":
			return "a flow with this name already exists"
		}
	}
	return "resource already exists"
}

func notFoundMessage(err error) string {
	var nf *storage.NotFoundError
	if errors.As(err, &nf) {
		return nf.Entity + " not found"
	}
	return "not found"
}

// --- Request helpers ---

// pathUUID parses a UUID path value, writing a 400 on failure.
func pathUUID(w http.ResponseWriter, r *http.Request, key string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(key))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, fmt.Sprintf("invalid %s", key))
		return uuid.Nil, false
	}
	return id, true
}

// Pagination bounds.
const (
	defaultQueryLimit = 50
	maxQueryLimit     = 500
	maxQueryOffset    = 100_000
)

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryPage returns the limit and offset query parameters clamped to
// [1, maxQueryLimit] and [0, maxQueryOffset].
func queryPage(r *http.Request) storage.Page {
	limit := min(max(queryInt(r, "limit", defaultQueryLimit), 1), maxQueryLimit)
	offset := min(max(queryInt(r, "offset", 0), 0), maxQueryOffset)
	return storage.Page{Limit: limit, Offset: offset}
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: expected RFC3339 format (e.g. 2024-01-01T00:00:00Z)", key)
	}
	return &t, nil
}

// writeList writes a paginated list as {plural: items, total, limit, offset}.
func writeList[T any](w http.ResponseWriter, r *http.Request, plural string, items []T, total int, page storage.Page) {
	if items == nil {
		items = []T{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		plural:   items,
		"total":  total,
		"limit":  page.Limit,
		"offset": page.Offset,
	})
}
