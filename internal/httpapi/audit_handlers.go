package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"campusone.org/internal/auth"
	"campusone.org/internal/tenant"
)

// handleAuditEvents exports the tenant's audit trail, newest first.
func (a *API) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.recorder == nil {
		writeError(w, r, http.StatusServiceUnavailable, "audit trail unavailable")
		return
	}
	if !a.ensurePermission(w, r, auth.PermAuditRead) {
		return
	}
	if !a.ensureFeature(w, r, tenant.FeatureAuditExport) {
		return
	}

	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 1000 {
			writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = v
	}

	entries, err := a.recorder.List(r.Context(), limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "audit trail read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}
