package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/portal/internal/ctxutil"
	"github.com/ashita-ai/portal/internal/model"
)

// auditEvent describes one successful mutation.
type auditEvent struct {
	orgID        *uuid.UUID // nil for staff operations without an org
	operation    string
	resourceType string
	resourceID   string
	before       any
	after        any
	metadata     map[string]any
}

// buildAuditLog constructs an audit row from the current request.
func buildAuditLog(r *http.Request, ev auditEvent) model.AuditLog {
	meta := ctxutil.AuditMetaFromContext(r.Context())
	return model.AuditLog{
		OrgID:        ev.orgID,
		ActorID:      meta.ActorID,
		ActorEmail:   meta.ActorEmail,
		Staff:        meta.Staff,
		Method:       r.Method,
		Endpoint:     r.URL.Path,
		Operation:    ev.operation,
		ResourceType: ev.resourceType,
		ResourceID:   ev.resourceID,
		Before:       ev.before,
		After:        ev.after,
		Metadata:     ev.metadata,
		RequestID:    meta.RequestID,
	}
}

// recordAudit appends an audit row outside any transaction. A failed write
// is logged and never fails the request that triggered it.
func (h *Handlers) recordAudit(r *http.Request, ev auditEvent) {
	if err := h.writeAudit(buildAuditLog(r, ev)); err != nil {
		h.logger.Error("audit write failed",
			"error", err,
			"operation", ev.operation,
			"resource_type", ev.resourceType,
			"resource_id", ev.resourceID,
			"request_id", RequestIDFromContext(r.Context()))
	}
}

func (h *Handlers) writeAudit(entry model.AuditLog) error {
	// Detached from the request so a client disconnect does not drop the row.
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		if err := h.db.InsertAuditLog(writeCtx, entry); err == nil {
			return nil
		} else {
			lastErr = err
		}

		select {
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		case <-writeCtx.Done():
			return fmt.Errorf("audit write context expired: %w", lastErr)
		}
	}
	return fmt.Errorf("audit write failed after retries: %w", lastErr)
}

func orgRef(id uuid.UUID) *uuid.UUID { return &id }
