package server

import (
	"net/http"

	"github.com/ashita-ai/portal/internal/model"
)

// HandleListBillingRecords handles GET /billing/records. Staff may omit
// orgId to list every org's records.
func (h *Handlers) HandleListBillingRecords(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.resolveOrg(w, r, r.URL.Query().Get("orgId"), true)
	if !ok {
		return
	}
	page := queryPage(r)
	records, total, err := h.db.ListBillingRecords(r.Context(), scope.OrgFilter(), page)
	if err != nil {
		h.writeInternalError(w, r, "failed to list billing records", err)
		return
	}
	writeList(w, r, "records", records, total, page)
}

// HandleCreateBillingRecord handles POST /billing/records (staff).
func (h *Handlers) HandleCreateBillingRecord(w http.ResponseWriter, r *http.Request) {
	var req model.CreateBillingRecordRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if !h.authorizeOrg(w, r, req.OrgID) {
		return
	}

	b := model.BillingRecord{
		OrgID:       req.OrgID,
		Kind:        req.Kind,
		Description: req.Description,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
		Status:      req.Status,
		PeriodStart: req.PeriodStart,
		PeriodEnd:   req.PeriodEnd,
		ExternalRef: req.ExternalRef,
	}
	if req.IssuedAt != nil {
		b.IssuedAt = req.IssuedAt.UTC()
	}
	created, err := h.db.CreateBillingRecord(r.Context(), b)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	h.recordAudit(r, auditEvent{
		orgID: orgRef(created.OrgID), operation: "billing.create", resourceType: "billing_record",
		resourceID: created.ID.String(), after: created,
	})
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleUpdateBillingRecord handles PATCH /billing/records/{id} (staff).
func (h *Handlers) HandleUpdateBillingRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req model.UpdateBillingRecordRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	before, err := h.db.GetBillingRecord(r.Context(), id)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	next := before
	req.Apply(&next)
	updated, err := h.db.UpdateBillingRecord(r.Context(), next)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	h.recordAudit(r, auditEvent{
		orgID: orgRef(updated.OrgID), operation: "billing.update", resourceType: "billing_record",
		resourceID: updated.ID.String(), before: before, after: updated,
	})
	writeJSON(w, r, http.StatusOK, updated)
}
