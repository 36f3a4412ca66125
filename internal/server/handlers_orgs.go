package server

import (
	"net/http"

	"github.com/ashita-ai/portal/internal/model"
)

// HandleMe handles GET /portal/me.
func (h *Handlers) HandleMe(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	memberships, err := h.db.ListMemberships(r.Context(), claims.Subject, claims.OrgID)
	if err != nil {
		h.writeInternalError(w, r, "failed to list memberships", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.Me{
		UserID:      claims.Subject,
		Email:       claims.Email,
		Staff:       claims.IsStaff(),
		TokenOrgID:  claims.OrgID,
		Memberships: memberships,
	})
}

// HandleListOrgs handles GET /portal/orgs. Staff see every org; other
// callers see the orgs they belong to.
func (h *Handlers) HandleListOrgs(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	page := queryPage(r)

	userID, externalOrgID := claims.Subject, claims.OrgID
	if claims.IsStaff() {
		userID, externalOrgID = "", ""
	}
	orgs, total, err := h.db.ListOrganizations(r.Context(), userID, externalOrgID, page)
	if err != nil {
		h.writeInternalError(w, r, "failed to list organizations", err)
		return
	}
	writeList(w, r, "organizations", orgs, total, page)
}

// HandleCreateOrg handles POST /portal/orgs (staff).
func (h *Handlers) HandleCreateOrg(w http.ResponseWriter, r *http.Request) {
	var req model.CreateOrgRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	org, err := h.db.CreateOrganization(r.Context(), model.Organization{
		Name:       req.Name,
		Slug:       req.Slug,
		Plan:       req.Plan,
		ExternalID: req.ExternalID,
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	h.recordAudit(r, auditEvent{
		orgID: orgRef(org.ID), operation: "org.create", resourceType: "organization",
		resourceID: org.ID.String(), after: org,
	})
	writeJSON(w, r, http.StatusCreated, org)
}

// HandleGetOrg handles GET /portal/orgs/{orgId}.
func (h *Handlers) HandleGetOrg(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathUUID(w, r, "orgId")
	if !ok || !h.authorizeOrg(w, r, orgID) {
		return
	}
	org, err := h.db.GetOrganization(r.Context(), orgID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, org)
}

// HandleUpdateOrg handles PATCH /portal/orgs/{orgId} (staff).
func (h *Handlers) HandleUpdateOrg(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathUUID(w, r, "orgId")
	if !ok {
		return
	}
	var req model.UpdateOrgRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	before, err := h.db.GetOrganization(r.Context(), orgID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	next := before
	req.Apply(&next)
	org, err := h.db.UpdateOrganization(r.Context(), next)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.invalidateAccess(org.ID) // external_id grants membership

	h.recordAudit(r, auditEvent{
		orgID: orgRef(org.ID), operation: "org.update", resourceType: "organization",
		resourceID: org.ID.String(), before: before, after: org,
	})
	writeJSON(w, r, http.StatusOK, org)
}

// HandleDeleteOrg handles DELETE /portal/orgs/{orgId} (staff). Everything
// the org owns is removed with it, including its audit history, so the
// audit row for the deletion itself is not org-scoped.
func (h *Handlers) HandleDeleteOrg(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathUUID(w, r, "orgId")
	if !ok {
		return
	}
	before, err := h.db.GetOrganization(r.Context(), orgID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if err := h.db.DeleteOrganization(r.Context(), orgID); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.invalidateAccess(orgID)

	h.recordAudit(r, auditEvent{
		operation: "org.delete", resourceType: "organization",
		resourceID: orgID.String(), before: before,
	})
	w.WriteHeader(http.StatusNoContent)
}

// HandleListMembers handles GET /portal/orgs/{orgId}/members.
func (h *Handlers) HandleListMembers(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathUUID(w, r, "orgId")
	if !ok || !h.authorizeOrg(w, r, orgID) {
		return
	}
	members, err := h.db.ListMembers(r.Context(), orgID)
	if err != nil {
		h.writeInternalError(w, r, "failed to list members", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"members": members, "total": len(members)})
}

// HandleAddMember handles POST /portal/orgs/{orgId}/members (staff).
func (h *Handlers) HandleAddMember(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathUUID(w, r, "orgId")
	if !ok {
		return
	}
	var req model.AddMemberRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if !h.authorizeOrg(w, r, orgID) {
		return
	}

	member, err := h.db.AddMember(r.Context(), model.OrgMember{
		OrgID: orgID, UserID: req.UserID, Email: req.Email, Role: req.Role,
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.invalidateAccess(orgID)

	h.recordAudit(r, auditEvent{
		orgID: orgRef(orgID), operation: "member.add", resourceType: "org_member",
		resourceID: member.UserID, after: member,
	})
	writeJSON(w, r, http.StatusCreated, member)
}

// HandleRemoveMember handles DELETE /portal/orgs/{orgId}/members/{userId} (staff).
func (h *Handlers) HandleRemoveMember(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathUUID(w, r, "orgId")
	if !ok {
		return
	}
	userID := r.PathValue("userId")
	if err := h.db.RemoveMember(r.Context(), orgID, userID); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.invalidateAccess(orgID)

	h.recordAudit(r, auditEvent{
		orgID: orgRef(orgID), operation: "member.remove", resourceType: "org_member", resourceID: userID,
	})
	w.WriteHeader(http.StatusNoContent)
}
