package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/ashita-ai/portal/internal/actions"
	"github.com/ashita-ai/portal/internal/model"
)

// HandleListActions handles GET /actions?orgId=.
func (h *Handlers) HandleListActions(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.queryOrg(w, r)
	if !ok {
		return
	}
	page := queryPage(r)
	items, total, err := h.db.ListActions(r.Context(), orgID, page)
	if err != nil {
		h.writeInternalError(w, r, "failed to list actions", err)
		return
	}
	for i := range items {
		items[i] = items[i].Redacted()
	}
	writeList(w, r, "actions", items, total, page)
}

// HandleCreateAction handles POST /actions. A linked integration must belong
// to the same org.
func (h *Handlers) HandleCreateAction(w http.ResponseWriter, r *http.Request) {
	var req model.CreateActionRequest
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
	if req.IntegrationID != nil {
		in, err := h.db.GetIntegration(r.Context(), *req.IntegrationID)
		if err != nil && !isNotFoundError(err) {
			h.writeInternalError(w, r, "failed to load integration", err)
			return
		}
		if err != nil || in.OrgID != orgID {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "integration_id does not belong to this organization")
			return
		}
	}

	a, err := h.db.CreateAction(r.Context(), model.Action{
		OrgID:         orgID,
		IntegrationID: req.IntegrationID,
		Name:          req.Name,
		Kind:          req.Kind,
		Config:        req.Config,
		Enabled:       req.Enabled == nil || *req.Enabled,
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	h.recordAudit(r, auditEvent{
		orgID: orgRef(orgID), operation: "action.create", resourceType: "action",
		resourceID: a.ID.String(), after: a.Redacted(),
	})
	writeJSON(w, r, http.StatusCreated, a.Redacted())
}

func (h *Handlers) loadAction(w http.ResponseWriter, r *http.Request) (model.Action, bool) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return model.Action{}, false
	}
	a, err := h.db.GetAction(r.Context(), id)
	if err != nil {
		h.writeFailure(w, r, err)
		return model.Action{}, false
	}
	return a, h.authorizeOrg(w, r, a.OrgID)
}

// HandleGetAction handles GET /actions/{id}.
func (h *Handlers) HandleGetAction(w http.ResponseWriter, r *http.Request) {
	a, ok := h.loadAction(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, a.Redacted())
}

// HandleDeleteAction handles DELETE /actions/{id}. Its run history goes with it.
func (h *Handlers) HandleDeleteAction(w http.ResponseWriter, r *http.Request) {
	a, ok := h.loadAction(w, r)
	if !ok {
		return
	}
	if err := h.db.DeleteAction(r.Context(), a.ID); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.recordAudit(r, auditEvent{
		orgID: orgRef(a.OrgID), operation: "action.delete", resourceType: "action",
		resourceID: a.ID.String(), before: a.Redacted(),
	})
	w.WriteHeader(http.StatusNoContent)
}

// HandleRunAction handles POST /actions/{id}/run. The response is the
// finished run whether the outbound call succeeded or not. With an
// Idempotency-Key header a retried request replays the first run instead
// of calling the webhook again.
func (h *Handlers) HandleRunAction(w http.ResponseWriter, r *http.Request) {
	a, ok := h.loadAction(w, r)
	if !ok {
		return
	}
	var req model.RunActionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil && !errors.Is(err, io.EOF) {
		handleDecodeError(w, r, err)
		return
	}
	if req.Input == nil {
		req.Input = map[string]any{}
	}

	if !a.Enabled {
		h.writeFailure(w, r, actions.ErrDisabled)
		return
	}
	idem, ok := h.beginIdempotentWrite(w, r, a.OrgID, req)
	if !ok {
		return
	}

	run, err := h.runner.Run(r.Context(), a, req.Input, ClaimsFromContext(r.Context()).Subject)
	if err != nil {
		// Once the webhook may have fired the key stays reserved until it
		// expires; before that the client may retry with the same key.
		if errors.Is(err, actions.ErrNotDispatched) {
			h.releaseIdempotentWrite(r, idem)
		}
		h.writeFailure(w, r, err)
		return
	}
	h.completeIdempotentWrite(r, idem, http.StatusOK, run)

	h.recordAudit(r, auditEvent{
		orgID: orgRef(a.OrgID), operation: "action.run", resourceType: "action_run",
		resourceID: run.ID.String(), after: run,
		metadata: map[string]any{"action_id": a.ID, "status": run.Status},
	})
	writeJSON(w, r, http.StatusOK, run)
}

// HandleListActionRuns handles GET /actions/{id}/runs, newest first.
func (h *Handlers) HandleListActionRuns(w http.ResponseWriter, r *http.Request) {
	a, ok := h.loadAction(w, r)
	if !ok {
		return
	}
	page := queryPage(r)
	runs, total, err := h.db.ListActionRuns(r.Context(), a.ID, page)
	if err != nil {
		h.writeInternalError(w, r, "failed to list action runs", err)
		return
	}
	writeList(w, r, "runs", runs, total, page)
}
