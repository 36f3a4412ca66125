package server

import (
	"net/http"

	"github.com/ashita-ai/portal/internal/model"
)

// HandleListAuditLogs handles GET /audit-logs. Staff may omit orgId to
// read across every org.
func (h *Handlers) HandleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.resolveOrg(w, r, r.URL.Query().Get("orgId"), true)
	if !ok {
		return
	}
	since, err := queryTime(r, "since")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	page := queryPage(r)
	logs, total, err := h.db.ListAuditLogs(r.Context(), model.AuditFilter{
		OrgID:        scope.OrgFilter(),
		ResourceType: r.URL.Query().Get("resource_type"),
		Since:        since,
		Limit:        page.Limit,
		Offset:       page.Offset,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to list audit logs", err)
		return
	}
	writeList(w, r, "audit_logs", logs, total, page)
}
