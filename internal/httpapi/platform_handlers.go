package httpapi

import (
	"net/http"
	"strings"

	"campusone.org/internal/auth"
	"campusone.org/internal/tenant"
)

type createTenantRequest struct {
	Name      string `json:"name"`
	Subdomain string `json:"subdomain"`
	Plan      string `json:"plan"`
}

func (a *API) handleTenants(w http.ResponseWriter, r *http.Request) {
	if a.tenants == nil {
		writeError(w, r, http.StatusServiceUnavailable, "tenant administration unavailable")
		return
	}
	switch r.Method {
	case http.MethodGet:
		if !a.ensurePermission(w, r, auth.PermTenantManage) {
			return
		}
		tenants, err := a.tenants.List(r.Context())
		if err != nil {
			handleTenantError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": tenants})
	case http.MethodPost:
		if !a.ensurePermission(w, r, auth.PermTenantManage) {
			return
		}
		var req createTenantRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Subdomain) == "" {
			writeError(w, r, http.StatusBadRequest, "name and subdomain are required")
			return
		}
		t, err := a.tenants.Create(r.Context(), req.Name, req.Subdomain, req.Plan)
		if err != nil {
			handleTenantError(w, r, err)
			return
		}
		a.audit(r.Context(), "platform.tenant.create", "tenant", t.ID, map[string]string{
			"subdomain": t.Subdomain,
			"plan":      t.Plan,
		})
		w.Header().Set("Location", "/v1/platform/tenants/"+t.ID)
		writeJSON(w, http.StatusCreated, t)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleTenantResource(w http.ResponseWriter, r *http.Request) {
	if a.tenants == nil {
		writeError(w, r, http.StatusServiceUnavailable, "tenant administration unavailable")
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/platform/tenants/"), "/")
	parts := strings.Split(path, "/")
	if parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	// DELETE /v1/platform/tenants/{id} marks the tenant deleted. The row
	// stays behind for the audit trail; resolution treats it as missing.
	if len(parts) == 1 {
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		if !a.ensurePermission(w, r, auth.PermTenantManage) {
			return
		}
		t, err := a.tenants.SetStatus(r.Context(), parts[0], tenant.StatusDeleted)
		if err != nil {
			handleTenantError(w, r, err)
			return
		}
		a.audit(r.Context(), "platform.tenant.delete", "tenant", t.ID, map[string]string{
			"status": t.Status,
		})
		writeJSON(w, http.StatusOK, t)
		return
	}

	if len(parts) != 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensurePermission(w, r, auth.PermTenantManage) {
		return
	}

	var status string
	switch parts[1] {
	case "suspend":
		status = tenant.StatusSuspended
	case "activate":
		status = tenant.StatusActive
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	t, err := a.tenants.SetStatus(r.Context(), parts[0], status)
	if err != nil {
		handleTenantError(w, r, err)
		return
	}
	a.audit(r.Context(), "platform.tenant."+parts[1], "tenant", t.ID, map[string]string{
		"status": t.Status,
	})
	writeJSON(w, http.StatusOK, t)
}
