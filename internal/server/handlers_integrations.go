package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/portal/internal/model"
	"github.com/ashita-ai/portal/internal/storage"
)

// HandleListIntegrations handles GET /integrations?orgId=.
func (h *Handlers) HandleListIntegrations(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.queryOrg(w, r)
	if !ok {
		return
	}
	page := queryPage(r)
	items, total, err := h.db.ListIntegrations(r.Context(), orgID, page)
	if err != nil {
		h.writeInternalError(w, r, "failed to list integrations", err)
		return
	}
	writeList(w, r, "integrations", items, total, page)
}

// HandleCreateIntegration handles POST /integrations. Credentials are sealed
// with the new integration's ID as associated data before they are stored.
func (h *Handlers) HandleCreateIntegration(w http.ResponseWriter, r *http.Request) {
	var req model.CreateIntegrationRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	orgID, ok := h.bodyOrg(w, r, req.OrgID)
	if !ok {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	in := model.Integration{
		ID:      uuid.New(),
		OrgID:   orgID,
		Kind:    req.Kind,
		Name:    req.Name,
		Config:  req.Config,
		Enabled: req.Enabled == nil || *req.Enabled,
	}
	var sealed []byte
	if len(req.Credentials) > 0 {
		var err error
		sealed, err = h.sealer.SealCredentials(req.Credentials, in.ID[:])
		if err != nil {
			h.writeInternalError(w, r, "failed to seal credentials", err)
			return
		}
	}

	created, err := h.db.CreateIntegration(r.Context(), in, sealed)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	h.recordAudit(r, auditEvent{
		orgID: orgRef(orgID), operation: "integration.create", resourceType: "integration",
		resourceID: created.ID.String(), after: created,
	})
	writeJSON(w, r, http.StatusCreated, created)
}

func (h *Handlers) loadIntegration(w http.ResponseWriter, r *http.Request) (model.Integration, bool) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return model.Integration{}, false
	}
	in, err := h.db.GetIntegration(r.Context(), id)
	if err != nil {
		h.writeFailure(w, r, err)
		return model.Integration{}, false
	}
	return in, h.authorizeOrg(w, r, in.OrgID)
}

// HandleGetIntegration handles GET /integrations/{id}.
func (h *Handlers) HandleGetIntegration(w http.ResponseWriter, r *http.Request) {
	in, ok := h.loadIntegration(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, in)
}

// HandleUpdateIntegration handles PATCH /integrations/{id}. A credentials
// object replaces the stored credentials; an empty one clears them.
func (h *Handlers) HandleUpdateIntegration(w http.ResponseWriter, r *http.Request) {
	before, ok := h.loadIntegration(w, r)
	if !ok {
		return
	}
	var req model.UpdateIntegrationRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	next := before
	req.Apply(&next)

	var creds storage.CredentialsUpdate
	if req.Credentials != nil {
		creds.Set = true
		if len(*req.Credentials) > 0 {
			sealed, err := h.sealer.SealCredentials(*req.Credentials, before.ID[:])
			if err != nil {
				h.writeInternalError(w, r, "failed to seal credentials", err)
				return
			}
			creds.Sealed = sealed
		}
	}

	updated, err := h.db.UpdateIntegration(r.Context(), next, creds)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	h.recordAudit(r, auditEvent{
		orgID: orgRef(updated.OrgID), operation: "integration.update", resourceType: "integration",
		resourceID: updated.ID.String(), before: before, after: updated,
		metadata: map[string]any{"credentials_changed": creds.Set},
	})
	writeJSON(w, r, http.StatusOK, updated)
}

// HandleDeleteIntegration handles DELETE /integrations/{id}.
func (h *Handlers) HandleDeleteIntegration(w http.ResponseWriter, r *http.Request) {
	in, ok := h.loadIntegration(w, r)
	if !ok {
		return
	}
	if err := h.db.DeleteIntegration(r.Context(), in.ID); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.recordAudit(r, auditEvent{
		orgID: orgRef(in.OrgID), operation: "integration.delete", resourceType: "integration",
		resourceID: in.ID.String(), before: in,
	})
	w.WriteHeader(http.StatusNoContent)
}
