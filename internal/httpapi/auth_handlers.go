package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"campusone.org/internal/auth"
	"campusone.org/internal/tenant"
)

type loginRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	TenantID  string `json:"tenant_id"`
	Subdomain string `json:"subdomain"`
}

type loginResponse struct {
	AccessToken      string         `json:"access_token"`
	RefreshToken     string         `json:"refresh_token"`
	AccessExpiresAt  time.Time      `json:"access_expires_at"`
	RefreshExpiresAt time.Time      `json:"refresh_expires_at"`
	Permissions      []string       `json:"permissions"`
	User             loginUser      `json:"user"`
	Tenant           *tenant.Tenant `json:"tenant,omitempty"`
}

type loginUser struct {
	ID    string   `json:"id"`
	Email string   `json:"email"`
	Name  string   `json:"name,omitempty"`
	Roles []string `json:"roles"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	// A body hint outranks whatever the middleware resolved; without either
	// the login proceeds unscoped and searches across tenants.
	hint := tenant.Hint{TenantID: strings.TrimSpace(req.TenantID), Subdomain: strings.TrimSpace(req.Subdomain)}
	if hint.TenantID != "" || hint.Subdomain != "" {
		t, err := a.resolver.Resolve(ctx, hint, "", "")
		if err != nil {
			handleTenantError(w, r, err)
			return
		}
		ctx = tenant.WithTenant(ctx, t)
	}

	result, err := a.auth.Login(ctx, req.Email, req.Password)
	if err != nil {
		handleLoginError(w, r, err)
		return
	}

	if result.RequiresTenantChoice {
		writeJSON(w, http.StatusOK, map[string]any{
			"requires_tenant_choice": true,
			"tenants":                result.Tenants,
		})
		return
	}

	loginCtx := tenant.WithTenant(ctx, result.Tenant)
	loginCtx = auth.ContextWithPrincipal(loginCtx, result.Principal)
	a.audit(loginCtx, "auth.login", "user", result.Principal.UserID, map[string]string{
		"email": result.Principal.Email,
	})

	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken:      result.Tokens.AccessToken,
		RefreshToken:     result.Tokens.RefreshToken,
		AccessExpiresAt:  result.Tokens.AccessExpiresAt,
		RefreshExpiresAt: result.Tokens.RefreshExpiresAt,
		Permissions:      result.Principal.PermissionList(),
		User: loginUser{
			ID:    result.Principal.UserID,
			Email: result.Principal.Email,
			Name:  result.Principal.Name,
			Roles: result.Principal.Roles,
		},
		Tenant: result.Tenant,
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	refresh := strings.TrimSpace(r.Header.Get(refreshHeader))
	if refresh == "" {
		writeError(w, r, http.StatusBadRequest, "X-Refresh-Token header is required")
		return
	}
	ctx := r.Context()
	// Without a tenant header the session itself names the tenant; a
	// suspended or deleted tenant still refuses the refresh.
	if _, ok := tenant.FromContext(ctx); !ok {
		tid, err := a.auth.SessionTenant(ctx, refresh)
		if err != nil {
			handleAuthnError(w, r, err)
			return
		}
		t, err := a.resolver.Resolve(ctx, tenant.Hint{TenantID: tid}, "", "")
		if err != nil {
			handleTenantError(w, r, err)
			return
		}
		ctx = tenant.WithTenant(ctx, t)
	}
	access, expiresAt, _, err := a.auth.Refresh(ctx, refresh)
	if err != nil {
		handleAuthnError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": access,
		"expires_at":   expiresAt,
	})
}

// handleLogout revokes the refresh session. It answers 200 even for unknown
// or already revoked tokens, so clients can always clear local state.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	refresh := strings.TrimSpace(r.Header.Get(refreshHeader))
	if refresh != "" {
		if err := a.auth.Logout(r.Context(), refresh); err != nil {
			handleAuthnError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func handleLoginError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrNoPermissions):
		writeError(w, r, http.StatusForbidden, "account has no permissions")
	case errors.Is(err, tenant.ErrSuspended):
		writeError(w, r, http.StatusForbidden, tenant.ErrSuspended.Error())
	case errors.Is(err, tenant.ErrNotFound):
		writeError(w, r, http.StatusNotFound, tenant.ErrNotFound.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "login failed")
	}
}
