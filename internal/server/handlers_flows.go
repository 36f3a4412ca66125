package server

import (
	"net/http"

	"github.com/ashita-ai/portal/internal/model"
)

// HandleListFlows handles GET /flows?orgId=.
func (h *Handlers) HandleListFlows(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.queryOrg(w, r)
	if !ok {
		return
	}
	page := queryPage(r)
	flows, total, err := h.db.ListFlows(r.Context(), orgID, page)
	if err != nil {
		h.writeInternalError(w, r, "failed to list flows", err)
		return
	}
	writeList(w, r, "flows", flows, total, page)
}

// HandleCreateFlow handles POST /flows. Initial steps are stored with the flow.
func (h *Handlers) HandleCreateFlow(w http.ResponseWriter, r *http.Request) {
	var req model.CreateFlowRequest
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

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	flow, err := h.db.CreateFlow(r.Context(), model.Flow{
		OrgID:       orgID,
		Name:        req.Name,
		Description: req.Description,
		Trigger:     req.Trigger,
		Enabled:     enabled,
	}, req.Steps)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	h.recordAudit(r, auditEvent{
		orgID: orgRef(orgID), operation: "flow.create", resourceType: "flow",
		resourceID: flow.ID.String(), after: flow,
	})
	writeJSON(w, r, http.StatusCreated, flow)
}

// loadFlow fetches the flow named by the id path value and authorizes its org.
func (h *Handlers) loadFlow(w http.ResponseWriter, r *http.Request, detail bool) (model.Flow, bool) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return model.Flow{}, false
	}
	flow, err := h.db.GetFlow(r.Context(), id, detail)
	if err != nil {
		h.writeFailure(w, r, err)
		return model.Flow{}, false
	}
	return flow, h.authorizeOrg(w, r, flow.OrgID)
}

// HandleGetFlow handles GET /flows/{id}, including steps and rules.
func (h *Handlers) HandleGetFlow(w http.ResponseWriter, r *http.Request) {
	flow, ok := h.loadFlow(w, r, true)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, flow)
}

// HandleUpdateFlow handles PATCH /flows/{id}.
func (h *Handlers) HandleUpdateFlow(w http.ResponseWriter, r *http.Request) {
	before, ok := h.loadFlow(w, r, false)
	if !ok {
		return
	}
	var req model.UpdateFlowRequest
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
	flow, err := h.db.UpdateFlow(r.Context(), next)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	h.recordAudit(r, auditEvent{
		orgID: orgRef(flow.OrgID), operation: "flow.update", resourceType: "flow",
		resourceID: flow.ID.String(), before: before, after: flow,
	})
	writeJSON(w, r, http.StatusOK, flow)
}

// HandleDeleteFlow handles DELETE /flows/{id}.
func (h *Handlers) HandleDeleteFlow(w http.ResponseWriter, r *http.Request) {
	flow, ok := h.loadFlow(w, r, false)
	if !ok {
		return
	}
	if err := h.db.DeleteFlow(r.Context(), flow.ID); err != nil {
		h.writeFailure(w, r, err)
		return
	}

	h.recordAudit(r, auditEvent{
		orgID: orgRef(flow.OrgID), operation: "flow.delete", resourceType: "flow",
		resourceID: flow.ID.String(), before: flow,
	})
	w.WriteHeader(http.StatusNoContent)
}

// HandleReplaceFlowSteps handles PUT /flows/{id}/steps.
func (h *Handlers) HandleReplaceFlowSteps(w http.ResponseWriter, r *http.Request) {
	flow, ok := h.loadFlow(w, r, true)
	if !ok {
		return
	}
	var req model.ReplaceStepsRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateSteps(req.Steps); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	steps, err := h.db.ReplaceFlowSteps(r.Context(), flow.ID, req.Steps)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	h.recordAudit(r, auditEvent{
		orgID: orgRef(flow.OrgID), operation: "flow.steps.replace", resourceType: "flow",
		resourceID: flow.ID.String(), before: flow.Steps, after: steps,
	})
	writeJSON(w, r, http.StatusOK, map[string]any{"flow_id": flow.ID, "steps": steps})
}

// HandleCreateFlowRule handles POST /flows/{id}/rules.
func (h *Handlers) HandleCreateFlowRule(w http.ResponseWriter, r *http.Request) {
	flow, ok := h.loadFlow(w, r, false)
	if !ok {
		return
	}
	var req model.CreateRuleRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	rule, err := h.db.CreateFlowRule(r.Context(), model.FlowRule{
		FlowID:    flow.ID,
		Name:      req.Name,
		Condition: req.Condition,
		Action:    req.Action,
		Priority:  req.Priority,
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	h.recordAudit(r, auditEvent{
		orgID: orgRef(flow.OrgID), operation: "flow.rule.create", resourceType: "flow_rule",
		resourceID: rule.ID.String(), after: rule, metadata: map[string]any{"flow_id": flow.ID},
	})
	writeJSON(w, r, http.StatusCreated, rule)
}

// HandleDeleteFlowRule handles DELETE /flows/{id}/rules/{ruleId}.
func (h *Handlers) HandleDeleteFlowRule(w http.ResponseWriter, r *http.Request) {
	flow, ok := h.loadFlow(w, r, false)
	if !ok {
		return
	}
	ruleID, ok := pathUUID(w, r, "ruleId")
	if !ok {
		return
	}
	if err := h.db.DeleteFlowRule(r.Context(), flow.ID, ruleID); err != nil {
		h.writeFailure(w, r, err)
		return
	}

	h.recordAudit(r, auditEvent{
		orgID: orgRef(flow.OrgID), operation: "flow.rule.delete", resourceType: "flow_rule",
		resourceID: ruleID.String(), metadata: map[string]any{"flow_id": flow.ID},
	})
	w.WriteHeader(http.StatusNoContent)
}
