package server

import (
	"net/http"

	"github.com/ashita-ai/portal/internal/model"
)

// HandleGetRetention handles GET /retention?orgId=.
// Returns the org's policy and its most recent purge.
func (h *Handlers) HandleGetRetention(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.queryOrg(w, r)
	if !ok {
		return
	}
	policy, err := h.db.GetRetentionPolicy(r.Context(), orgID)
	if err != nil {
		h.writeInternalError(w, r, "failed to get retention policy", err)
		return
	}
	writeJSON(w, r, http.StatusOK, policy)
}

// HandleSetRetention handles PUT /retention?orgId=. A null day count keeps
// rows forever.
func (h *Handlers) HandleSetRetention(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.queryOrg(w, r)
	if !ok {
		return
	}
	var req model.SetRetentionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	before, err := h.db.GetRetentionPolicy(r.Context(), orgID)
	if err != nil {
		h.writeInternalError(w, r, "failed to get retention policy", err)
		return
	}
	if err := h.db.SetRetentionPolicy(r.Context(), orgID, req.AuditLogDays, req.ActionRunDays); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	policy, err := h.db.GetRetentionPolicy(r.Context(), orgID)
	if err != nil {
		h.writeInternalError(w, r, "failed to read retention policy after update", err)
		return
	}

	before.LastRun = nil
	h.recordAudit(r, auditEvent{
		orgID: orgRef(orgID), operation: "retention.update", resourceType: "retention_policy",
		resourceID: orgID.String(), before: before, after: req,
	})
	writeJSON(w, r, http.StatusOK, policy)
}

// HandleRunRetention handles POST /retention/run?orgId= (staff). It purges
// the org now, outside the schedule.
func (h *Handlers) HandleRunRetention(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.queryOrg(w, r)
	if !ok {
		return
	}
	run, err := h.purger.RunOrg(r.Context(), orgID, model.RetentionTriggerManual)
	if err != nil {
		h.writeInternalError(w, r, "retention run failed", err)
		return
	}

	h.recordAudit(r, auditEvent{
		orgID: orgRef(orgID), operation: "retention.run", resourceType: "retention_run",
		resourceID: run.ID.String(), after: run,
	})
	writeJSON(w, r, http.StatusOK, run)
}
