package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"campusone.org/internal/auth"
)

type createUserRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type createRoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type updateRolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type definePermissionRequest struct {
	Key         string `json:"key"`
	Description string `json:"description"`
}

type roleMembershipRequest struct {
	RoleID string `json:"role_id"`
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !a.ensurePermission(w, r, auth.PermRBACRead) {
			return
		}
		roles, err := a.auth.ListRoles(r.Context())
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": roles})
	case http.MethodPost:
		if !a.ensurePermission(w, r, auth.PermRBACManage) {
			return
		}
		var req createRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.auth.CreateRole(r.Context(), req.Name, req.Description)
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		a.audit(r.Context(), "rbac.role.create", "role", role.ID, map[string]string{
			"name": role.Name,
		})
		w.Header().Set("Location", "/v1/rbac/roles/"+role.ID)
		writeJSON(w, http.StatusCreated, role)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/rbac/roles/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) == 1 && parts[0] != "" {
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		if !a.ensurePermission(w, r, auth.PermRBACManage) {
			return
		}
		if err := a.auth.DeleteRole(r.Context(), parts[0]); err != nil {
			handleRBACError(w, r, err)
			return
		}
		a.audit(r.Context(), "rbac.role.delete", "role", parts[0], nil)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if len(parts) != 2 || parts[0] == "" || parts[1] != "permissions" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	roleID := parts[0]

	switch r.Method {
	case http.MethodGet:
		if !a.ensurePermission(w, r, auth.PermRBACRead) {
			return
		}
		keys, err := a.auth.RolePermissions(r.Context(), roleID)
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"permissions": keys})
	case http.MethodPut:
		if !a.ensurePermission(w, r, auth.PermRBACManage) {
			return
		}
		var req updateRolePermissionsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.auth.SetRolePermissions(r.Context(), roleID, req.Permissions); err != nil {
			handleRBACError(w, r, err)
			return
		}
		a.audit(r.Context(), "rbac.role.permissions.update", "role", roleID, map[string]string{
			"count": fmt.Sprintf("%d", len(req.Permissions)),
		})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}

func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !a.ensurePermission(w, r, auth.PermRBACRead) {
			return
		}
		perms, err := a.auth.ListPermissions(r.Context())
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": perms})
	case http.MethodPost:
		if !a.ensurePermission(w, r, auth.PermRBACManage) {
			return
		}
		var req definePermissionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		perm, err := a.auth.DefinePermission(r.Context(), req.Key, req.Description)
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		a.audit(r.Context(), "rbac.permission.define", "permission", perm.Key, nil)
		writeJSON(w, http.StatusCreated, perm)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensurePermission(w, r, auth.PermRBACManage) {
		return
	}
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.auth.CreateUser(r.Context(), req.Email, req.Name, req.Password)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	a.audit(r.Context(), "rbac.user.create", "user", user.ID, map[string]string{
		"email": user.Email,
	})
	w.Header().Set("Location", "/v1/rbac/users/"+user.ID)
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/rbac/users/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "roles" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	userID := parts[0]

	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodPost, http.MethodDelete)
		return
	}
	if !a.ensurePermission(w, r, auth.PermRBACManage) {
		return
	}
	var req roleMembershipRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.RoleID = strings.TrimSpace(req.RoleID)
	if req.RoleID == "" {
		writeError(w, r, http.StatusBadRequest, "role_id is required")
		return
	}

	if r.Method == http.MethodPost {
		if err := a.auth.AssignRole(r.Context(), userID, req.RoleID); err != nil {
			handleRBACError(w, r, err)
			return
		}
		a.audit(r.Context(), "rbac.user.assign_role", "user", userID, map[string]string{
			"role_id": req.RoleID,
		})
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := a.auth.RemoveRole(r.Context(), userID, req.RoleID); err != nil {
		handleRBACError(w, r, err)
		return
	}
	a.audit(r.Context(), "rbac.user.remove_role", "user", userID, map[string]string{
		"role_id": req.RoleID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func handleRBACError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "rbac operation failed")
	}
}
