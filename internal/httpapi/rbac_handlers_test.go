package httpapi

import (
	"net/http"
	"testing"
)

func TestRoleLifecycle(t *testing.T) {
	env := newTestEnv(t)
	login := env.login("admin@north.edu", env.north.ID)
	hdr := env.headers(login.AccessToken, env.north.ID)

	resp := env.post("/v1/rbac/roles", map[string]any{
		"name": "registrar", "description": "Handles enrolment",
	}, hdr)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create role: %d", resp.StatusCode)
	}
	role := decode[map[string]any](t, resp)
	roleID := role["id"].(string)

	// Malformed keys are rejected before anything is stored.
	resp = env.put("/v1/rbac/roles/"+roleID+"/permissions", map[string]any{
		"permissions": []string{"Finance.Manage!"},
	}, hdr)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed key should 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.put("/v1/rbac/roles/"+roleID+"/permissions", map[string]any{
		"permissions": []string{"student.read", "finance.read"},
	}, hdr)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("set permissions: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.get("/v1/rbac/roles/"+roleID+"/permissions", nil, hdr)
	granted := decode[map[string]any](t, resp)
	if got := len(granted["permissions"].([]any)); got != 2 {
		t.Fatalf("expected 2 permissions, got %d", got)
	}

	resp = env.get("/v1/rbac/roles", nil, hdr)
	roles := decode[map[string]any](t, resp)
	if len(roles["items"].([]any)) < 2 {
		t.Fatalf("expected seeded roles plus registrar: %v", roles["items"])
	}

	resp = env.do(http.MethodDelete, "/v1/rbac/roles/"+roleID, nil, hdr)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete role: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.get("/v1/rbac/roles/"+roleID+"/permissions", nil, hdr)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted role should 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestUserRoleAssignmentOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	login := env.login("admin@north.edu", env.north.ID)
	hdr := env.headers(login.AccessToken, env.north.ID)

	resp := env.post("/v1/rbac/users", map[string]any{
		"email": "teacher@north.edu", "name": "Terry Teacher", "password": "campus-pass-1",
	}, hdr)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create user: %d", resp.StatusCode)
	}
	user := decode[map[string]any](t, resp)
	userID := user["id"].(string)

	resp = env.post("/v1/rbac/roles", map[string]any{"name": "teacher"}, hdr)
	role := decode[map[string]any](t, resp)
	roleID := role["id"].(string)

	resp = env.put("/v1/rbac/roles/"+roleID+"/permissions", map[string]any{
		"permissions": []string{"finance.manage"},
	}, hdr)
	resp.Body.Close()

	// Assignment without a role id is rejected.
	resp = env.post("/v1/rbac/users/"+userID+"/roles", map[string]any{"role_id": ""}, hdr)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty role_id should 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.post("/v1/rbac/users/"+userID+"/roles", map[string]any{"role_id": roleID}, hdr)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("assign role: %d", resp.StatusCode)
	}
	resp.Body.Close()

	// finance.manage implies finance.read through the manage rule, so the
	// new account can list fees right away.
	teacher := env.login("teacher@north.edu", env.north.ID)
	resp = env.get("/v1/finance/fees", nil, env.headers(teacher.AccessToken, env.north.ID))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("manage rule should grant reads, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.do(http.MethodDelete, "/v1/rbac/users/"+userID+"/roles", map[string]any{"role_id": roleID}, hdr)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("remove role: %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestPermissionCatalog(t *testing.T) {
	env := newTestEnv(t)
	login := env.login("admin@north.edu", env.north.ID)
	hdr := env.headers(login.AccessToken, env.north.ID)

	resp := env.get("/v1/rbac/permissions", nil, hdr)
	catalog := decode[map[string]any](t, resp)
	if len(catalog["items"].([]any)) == 0 {
		t.Fatal("expected builtin permissions in the catalog")
	}

	resp = env.post("/v1/rbac/permissions", map[string]any{
		"key": "report.export", "description": "Export term reports",
	}, hdr)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("define permission: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.post("/v1/rbac/permissions", map[string]any{"key": "Not A Key"}, hdr)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed key should 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Defining the same key twice conflicts.
	resp = env.post("/v1/rbac/permissions", map[string]any{"key": "report.export"}, hdr)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate key should 409, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRBACRequiresManagePermission(t *testing.T) {
	env := newTestEnv(t)
	clerk := env.login("clerk@north.edu", env.north.ID)
	hdr := env.headers(clerk.AccessToken, env.north.ID)

	resp := env.post("/v1/rbac/roles", map[string]any{"name": "sneaky"}, hdr)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("clerk role create should 403, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}
