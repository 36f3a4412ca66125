package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/portal/internal/model"
)

// HandleOverview handles GET /portal/overview?orgId=.
func (h *Handlers) HandleOverview(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.queryOrg(w, r)
	if !ok {
		return
	}
	ov, err := h.db.GetOverview(r.Context(), orgID, time.Now().UTC())
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, ov)
}

// HandleGetPortalConfig handles GET /portal/config?orgId=.
func (h *Handlers) HandleGetPortalConfig(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.queryOrg(w, r)
	if !ok {
		return
	}
	cfg, err := h.loadPortalConfig(r.Context(), orgID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, cfg)
}

// HandleUpdatePortalConfig handles PATCH /portal/config?orgId=. Branding
// fields present in the body replace stored ones; a present modules list
// replaces the enabled set.
func (h *Handlers) HandleUpdatePortalConfig(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.queryOrg(w, r)
	if !ok {
		return
	}
	var req model.UpdatePortalConfigRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	before, err := h.loadPortalConfig(r.Context(), orgID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	next := before
	next.Modules = append([]string(nil), before.Modules...)
	if err := req.ApplyTo(&next); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	next.UpdatedBy = ClaimsFromContext(r.Context()).Subject

	saved, err := h.db.PutPortalConfig(r.Context(), next)
	if err != nil {
		h.writeInternalError(w, r, "failed to save portal config", err)
		return
	}

	h.recordAudit(r, auditEvent{
		orgID: orgRef(orgID), operation: "portal_config.update", resourceType: "portal_config",
		resourceID: orgID.String(), before: before, after: saved,
	})
	writeJSON(w, r, http.StatusOK, saved)
}

// loadPortalConfig returns the stored config or the org's defaults.
func (h *Handlers) loadPortalConfig(ctx context.Context, orgID uuid.UUID) (model.PortalConfig, error) {
	cfg, found, err := h.db.GetPortalConfig(ctx, orgID)
	if err != nil || found {
		return cfg, err
	}
	org, err := h.db.GetOrganization(ctx, orgID)
	if err != nil {
		return model.PortalConfig{}, err
	}
	return model.DefaultPortalConfig(org), nil
}
