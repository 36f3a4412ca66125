package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/portal/internal/model"
	"github.com/ashita-ai/portal/internal/storage"
)

// maxIdempotencyKeyLen bounds the Idempotency-Key header.
const maxIdempotencyKeyLen = 255

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}

func requestHash(payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// beginIdempotentWrite checks, replays or reserves the request's
// Idempotency-Key. It returns (nil, true) when the header is absent and the
// caller should proceed normally, and ok=false when a response was written.
func (h *Handlers) beginIdempotentWrite(w http.ResponseWriter, r *http.Request, orgID uuid.UUID, payload any) (*storage.IdempotencyScope, bool) {
	key := idempotencyKey(r)
	if key == "" {
		return nil, true
	}
	if len(key) > maxIdempotencyKeyLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("Idempotency-Key must be at most %d characters", maxIdempotencyKeyLen))
		return nil, false
	}

	hash, err := requestHash(payload)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash idempotency payload", err)
		return nil, false
	}

	scope := storage.IdempotencyScope{
		OrgID:    orgID,
		ActorID:  ClaimsFromContext(r.Context()).Subject,
		Endpoint: r.Method + ":" + r.URL.Path,
		Key:      key,
	}
	lookup, err := h.db.BeginIdempotency(r.Context(), scope, hash)
	switch {
	case err == nil && lookup.Completed:
		status := lookup.StatusCode
		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Idempotent-Replayed", "true")
		writeJSON(w, r, status, json.RawMessage(lookup.ResponseData))
		return nil, false
	case err == nil:
		return &scope, true
	case errors.Is(err, storage.ErrIdempotencyPayloadMismatch):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "idempotency key reused with different payload")
		return nil, false
	case errors.Is(err, storage.ErrIdempotencyInProgress):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "request with this idempotency key is already in progress")
		return nil, false
	default:
		h.writeInternalError(w, r, "idempotency lookup failed", err)
		return nil, false
	}
}

// completeIdempotentWrite stores the response for replay. The mutation has
// already happened, so failures are retried on a detached context and then
// only logged.
func (h *Handlers) completeIdempotentWrite(r *http.Request, scope *storage.IdempotencyScope, statusCode int, data any) {
	if scope == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 10*time.Second)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= 3 && ctx.Err() == nil; attempt++ {
		if lastErr = h.db.CompleteIdempotency(ctx, *scope, statusCode, data); lastErr == nil {
			return
		}
		if errors.Is(lastErr, storage.ErrNotFound) {
			break
		}
		h.logger.Warn("idempotency finalize attempt failed", "attempt", attempt, "error", lastErr, "endpoint", scope.Endpoint)
		select {
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		case <-ctx.Done():
		}
	}
	h.logger.Error("failed to finalize idempotency record after committed mutation",
		"error", lastErr,
		"org_id", scope.OrgID,
		"request_id", RequestIDFromContext(r.Context()))
}

// releaseIdempotentWrite drops the reservation of a request that failed
// before doing anything, so a retry with the same key runs again.
func (h *Handlers) releaseIdempotentWrite(r *http.Request, scope *storage.IdempotencyScope) {
	if scope == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
	defer cancel()
	if err := h.db.ClearInProgressIdempotency(ctx, *scope); err != nil {
		h.logger.Error("failed to release idempotency key",
			"error", err,
			"org_id", scope.OrgID,
			"request_id", RequestIDFromContext(r.Context()))
	}
}
