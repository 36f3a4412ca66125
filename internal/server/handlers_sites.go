package server

import (
	"net/http"

	"github.com/ashita-ai/portal/internal/model"
)

// HandleListSites handles GET /sites?orgId=.
func (h *Handlers) HandleListSites(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.queryOrg(w, r)
	if !ok {
		return
	}
	page := queryPage(r)
	sites, total, err := h.db.ListSites(r.Context(), orgID, page)
	if err != nil {
		h.writeInternalError(w, r, "failed to list sites", err)
		return
	}
	writeList(w, r, "sites", sites, total, page)
}

// HandleCreateSite handles POST /sites.
func (h *Handlers) HandleCreateSite(w http.ResponseWriter, r *http.Request) {
	var req model.CreateSiteRequest
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

	site, err := h.db.CreateSite(r.Context(), model.Site{
		OrgID:    orgID,
		Name:     req.Name,
		Domain:   req.Domain,
		Status:   req.Status,
		Settings: req.Settings,
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	h.recordAudit(r, auditEvent{
		orgID: orgRef(orgID), operation: "site.create", resourceType: "site",
		resourceID: site.ID.String(), after: site,
	})
	writeJSON(w, r, http.StatusCreated, site)
}

// loadSite fetches the site named by the id path value and authorizes its org.
func (h *Handlers) loadSite(w http.ResponseWriter, r *http.Request) (model.Site, bool) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return model.Site{}, false
	}
	site, err := h.db.GetSite(r.Context(), id)
	if err != nil {
		h.writeFailure(w, r, err)
		return model.Site{}, false
	}
	return site, h.authorizeOrg(w, r, site.OrgID)
}

// HandleGetSite handles GET /sites/{id}.
func (h *Handlers) HandleGetSite(w http.ResponseWriter, r *http.Request) {
	site, ok := h.loadSite(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, site)
}

// HandleUpdateSite handles PATCH /sites/{id}.
func (h *Handlers) HandleUpdateSite(w http.ResponseWriter, r *http.Request) {
	before, ok := h.loadSite(w, r)
	if !ok {
		return
	}
	var req model.UpdateSiteRequest
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
	site, err := h.db.UpdateSite(r.Context(), next)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	h.recordAudit(r, auditEvent{
		orgID: orgRef(site.OrgID), operation: "site.update", resourceType: "site",
		resourceID: site.ID.String(), before: before, after: site,
	})
	writeJSON(w, r, http.StatusOK, site)
}

// HandleDeleteSite handles DELETE /sites/{id}.
func (h *Handlers) HandleDeleteSite(w http.ResponseWriter, r *http.Request) {
	site, ok := h.loadSite(w, r)
	if !ok {
		return
	}
	if err := h.db.DeleteSite(r.Context(), site.ID); err != nil {
		h.writeFailure(w, r, err)
		return
	}

	h.recordAudit(r, auditEvent{
		orgID: orgRef(site.OrgID), operation: "site.delete", resourceType: "site",
		resourceID: site.ID.String(), before: site,
	})
	w.WriteHeader(http.StatusNoContent)
}
