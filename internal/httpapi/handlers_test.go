package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"campusone.org/internal/audit"
	"campusone.org/internal/auth"
	"campusone.org/internal/ledger"
	"campusone.org/internal/stream"
	"campusone.org/internal/tenant"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

type testEnv struct {
	*apiClient
	north *tenant.Tenant
	south *tenant.Tenant
	free  *tenant.Tenant
}

// newTestEnv starts a full in-memory API with three tenants and seeded staff:
// admin@{north,south}.edu (full permissions), clerk@north.edu (finance.read
// only), admin@budget.edu and viewer@budget.edu (free plan),
// shared@example.com in north and south, and norole@north.edu with no role.
// Every password is "campus-pass-1".
func newTestEnv(t *testing.T, authOpts ...auth.ServiceOption) *testEnv {
	t.Helper()

	dir := tenant.NewMemory()
	ctx := context.Background()
	north, err := dir.Create(ctx, "North High", "north", "premium")
	if err != nil {
		t.Fatalf("create north: %v", err)
	}
	south, err := dir.Create(ctx, "South High", "south", "standard")
	if err != nil {
		t.Fatalf("create south: %v", err)
	}
	free, err := dir.Create(ctx, "Budget Academy", "budget", "free")
	if err != nil {
		t.Fatalf("create budget: %v", err)
	}

	store := auth.NewMemoryStore()
	store.RegisterTenant(north)
	store.RegisterTenant(south)
	store.RegisterTenant(free)

	opts := append([]auth.ServiceOption{auth.WithTokenSecret("test-secret")}, authOpts...)
	authSvc, err := auth.NewService(store, opts...)
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}

	adminPerms := []string{
		auth.PermRBACManage, auth.PermFinanceManage, auth.PermFinanceRefund,
		auth.PermTenantManage, auth.PermAuditRead,
	}
	for _, tn := range []*tenant.Tenant{north, south} {
		tctx := tenant.WithTenant(ctx, tn)
		if err := authSvc.EnsureBuiltins(tctx); err != nil {
			t.Fatalf("builtins: %v", err)
		}
		seedStaff(t, authSvc, store, tctx, "admin@"+tn.Subdomain+".edu", "admin", adminPerms)
	}
	northCtx := tenant.WithTenant(ctx, north)
	seedStaff(t, authSvc, store, northCtx, "clerk@north.edu", "clerk", []string{auth.PermFinanceRead})
	if _, err := authSvc.CreateUser(northCtx, "norole@north.edu", "No Role", "campus-pass-1"); err != nil {
		t.Fatalf("seed norole: %v", err)
	}
	seedStaff(t, authSvc, store, northCtx, "shared@example.com", "shared-admin", adminPerms)
	southCtx := tenant.WithTenant(ctx, south)
	seedStaff(t, authSvc, store, southCtx, "shared@example.com", "shared-admin", adminPerms)
	freeCtx := tenant.WithTenant(ctx, free)
	if err := authSvc.EnsureBuiltins(freeCtx); err != nil {
		t.Fatalf("builtins: %v", err)
	}
	seedStaff(t, authSvc, store, freeCtx, "admin@budget.edu", "admin", adminPerms)
	seedStaff(t, authSvc, store, freeCtx, "viewer@budget.edu", "viewer", []string{auth.PermRBACRead})

	events := stream.New()
	trail := audit.NewMemory()
	ledgerSvc := ledger.NewService(ledger.NewInMemory(trail), ledger.WithEvents(events))
	recorder := audit.NewRecorder(trail)
	resolver := tenant.NewResolver(dir, "")

	api := New(ReadyProbe{}, "test",
		WithAuth(authSvc),
		WithLedger(ledgerSvc),
		WithTenants(dir, resolver),
		WithStream(events),
		WithAudit(recorder),
	)

	srv := httptest.NewServer(RequestID(api.Handler()))
	t.Cleanup(srv.Close)

	return &testEnv{
		apiClient: &apiClient{baseURL: srv.URL, client: srv.Client(), t: t},
		north:     north,
		south:     south,
		free:      free,
	}
}

func seedStaff(t *testing.T, svc *auth.Service, store auth.Store, ctx context.Context, email, roleName string, perms []string) {
	t.Helper()
	user, err := svc.CreateUser(ctx, email, "", "campus-pass-1")
	if err != nil {
		t.Fatalf("seed user %s: %v", email, err)
	}
	role, err := svc.CreateRole(ctx, roleName, "")
	if err != nil {
		t.Fatalf("seed role %s: %v", roleName, err)
	}
	// Grants go straight to the store: the service refuses platform-scoped
	// keys like tenant.manage, which deploy-time seeds hand out directly.
	if err := store.Roles(ctx).SetPermissions(ctx, role.ID, perms); err != nil {
		t.Fatalf("seed permissions for %s: %v", roleName, err)
	}
	if err := svc.AssignRole(ctx, user.ID, role.ID); err != nil {
		t.Fatalf("seed assignment for %s: %v", email, err)
	}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) put(path string, body any, headers map[string]string) *http.Response {
	return c.do(http.MethodPut, path, body, headers)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

// login authenticates against the tenant and returns the login payload.
func (e *testEnv) login(email, tenantID string) loginResponse {
	e.t.Helper()
	body := map[string]any{"email": email, "password": "campus-pass-1"}
	if tenantID != "" {
		body["tenant_id"] = tenantID
	}
	resp := e.post("/v1/auth/login", body, nil)
	if resp.StatusCode != http.StatusOK {
		e.t.Fatalf("login %s: status %d", email, resp.StatusCode)
	}
	payload := decode[loginResponse](e.t, resp)
	if payload.AccessToken == "" || payload.RefreshToken == "" {
		e.t.Fatalf("login %s: missing tokens", email)
	}
	return payload
}

func (e *testEnv) headers(access, tenantID string) map[string]string {
	h := map[string]string{"Authorization": "Bearer " + access}
	if tenantID != "" {
		h["X-Tenant-ID"] = tenantID
	}
	return h
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealthAndInfo(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get("/healthz", nil, nil)
	payload := decode[map[string]any](t, resp)
	if resp.StatusCode != http.StatusOK || payload["service"] != "campusone-api" {
		t.Fatalf("unexpected healthz: %d %v", resp.StatusCode, payload)
	}

	resp = env.get("/readyz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected ready, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestFinanceFlow(t *testing.T) {
	env := newTestEnv(t)
	login := env.login("admin@north.edu", env.north.ID)
	hdr := env.headers(login.AccessToken, env.north.ID)

	// Create a 1000 structure out of two components.
	resp := env.post("/v1/finance/structures", map[string]any{
		"name":     "Term 1 Tuition",
		"due_date": time.Now().UTC().AddDate(0, 0, 14).Format("2006-01-02"),
		"components": []map[string]any{
			{"name": "Tuition", "amount": 600},
			{"name": "Library", "amount": 400},
		},
	}, hdr)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create structure: %d", resp.StatusCode)
	}
	if resp.Header.Get("Location") == "" {
		t.Fatal("expected Location header")
	}
	structure := decode[map[string]any](t, resp)
	structureID := structure["id"].(string)

	// Assign to two students; re-assigning is idempotent.
	resp = env.post("/v1/finance/structures/"+structureID+"/assign", map[string]any{
		"student_ids": []string{"stu-1", "stu-2"},
	}, hdr)
	if out := decode[map[string]any](t, resp); out["created"].(float64) != 2 {
		t.Fatalf("expected 2 created, got %v", out["created"])
	}
	resp = env.post("/v1/finance/structures/"+structureID+"/assign", map[string]any{
		"student_ids": []string{"stu-1", "stu-2"},
	}, hdr)
	if out := decode[map[string]any](t, resp); out["created"].(float64) != 0 {
		t.Fatalf("re-assign must create nothing, got %v", out["created"])
	}

	// Locate stu-1's obligation.
	resp = env.get("/v1/finance/fees", url.Values{"student_id": []string{"stu-1"}}, hdr)
	fees := decode[map[string]any](t, resp)
	items := fees["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected one obligation, got %d", len(items))
	}
	feeID := items[0].(map[string]any)["id"].(string)

	// Pay 400, then 600.
	resp = env.post("/v1/finance/payments", map[string]any{
		"student_fee_id": feeID, "amount": 400, "method": "cash",
	}, hdr)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("payment: %d", resp.StatusCode)
	}
	first := decode[map[string]any](t, resp)
	if first["fee"].(map[string]any)["status"] != "partial" {
		t.Fatalf("expected partial, got %v", first["fee"].(map[string]any)["status"])
	}
	ref := first["payment"].(map[string]any)["reference"].(string)
	if !strings.HasPrefix(ref, "RCP-") {
		t.Fatalf("unexpected receipt reference %q", ref)
	}

	resp = env.post("/v1/finance/payments", map[string]any{
		"student_fee_id": feeID, "amount": 600,
	}, hdr)
	second := decode[map[string]any](t, resp)
	if second["fee"].(map[string]any)["status"] != "paid" {
		t.Fatalf("expected paid, got %v", second["fee"].(map[string]any)["status"])
	}
	paymentID := second["payment"].(map[string]any)["id"].(string)

	// Overpayment is rejected.
	resp = env.post("/v1/finance/payments", map[string]any{
		"student_fee_id": feeID, "amount": 1,
	}, hdr)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("overpayment should 409, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Refund the 600; the obligation returns to partial.
	resp = env.post("/v1/finance/payments/"+paymentID+"/refund", nil, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refund: %d", resp.StatusCode)
	}
	refunded := decode[map[string]any](t, resp)
	if refunded["fee"].(map[string]any)["status"] != "partial" {
		t.Fatalf("expected partial after refund, got %v", refunded["fee"].(map[string]any)["status"])
	}

	// A second refund conflicts.
	resp = env.post("/v1/finance/payments/"+paymentID+"/refund", nil, hdr)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double refund should 409, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestLoginAcrossTenants(t *testing.T) {
	env := newTestEnv(t)

	// The shared email exists in two active tenants: the platform cannot
	// pick one, so it answers with a choice.
	resp := env.post("/v1/auth/login", map[string]any{
		"email": "shared@example.com", "password": "campus-pass-1",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("choice login: %d", resp.StatusCode)
	}
	choice := decode[map[string]any](t, resp)
	if choice["requires_tenant_choice"] != true {
		t.Fatalf("expected tenant choice, got %v", choice)
	}
	if got := len(choice["tenants"].([]any)); got != 2 {
		t.Fatalf("expected 2 tenant options, got %d", got)
	}

	// Retrying with the tenant hint completes the login.
	login := env.login("shared@example.com", env.south.ID)
	if login.Tenant == nil || login.Tenant.ID != env.south.ID {
		t.Fatalf("expected a south session, got %+v", login.Tenant)
	}

	// A unique email logs in without any tenant hint.
	resp = env.post("/v1/auth/login", map[string]any{
		"email": "admin@budget.edu", "password": "campus-pass-1",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("transparent login: %d", resp.StatusCode)
	}
	transparent := decode[loginResponse](t, resp)
	if transparent.Tenant == nil || transparent.Tenant.ID != env.free.ID {
		t.Fatalf("expected budget session, got %+v", transparent.Tenant)
	}
}

func TestLoginRejections(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post("/v1/auth/login", map[string]any{
		"email": "admin@north.edu", "password": "wrong", "tenant_id": env.north.ID,
	}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad password should 401, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// An account that resolves to zero permissions cannot log in.
	resp = env.post("/v1/auth/login", map[string]any{
		"email": "norole@north.edu", "password": "campus-pass-1", "tenant_id": env.north.ID,
	}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("no permissions should 403, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRefreshAndLogout(t *testing.T) {
	env := newTestEnv(t)
	login := env.login("admin@north.edu", env.north.ID)

	resp := env.post("/v1/auth/refresh", nil, map[string]string{
		"X-Refresh-Token": login.RefreshToken,
		"X-Tenant-ID":     env.north.ID,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh: %d", resp.StatusCode)
	}
	payload := decode[map[string]any](t, resp)
	if payload["access_token"] == "" {
		t.Fatal("expected a fresh access token")
	}

	// The session itself names the tenant, so refresh also works without
	// the X-Tenant-ID header.
	resp = env.post("/v1/auth/refresh", nil, map[string]string{
		"X-Refresh-Token": login.RefreshToken,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bare refresh: %d", resp.StatusCode)
	}
	payload = decode[map[string]any](t, resp)
	if payload["access_token"] == "" {
		t.Fatal("expected a fresh access token from a bare refresh")
	}

	// Logout without the tenant header must really revoke the session.
	resp = env.post("/v1/auth/logout", nil, map[string]string{
		"X-Refresh-Token": login.RefreshToken,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout: %d", resp.StatusCode)
	}
	resp.Body.Close()

	// The revoked session no longer refreshes.
	resp = env.post("/v1/auth/refresh", nil, map[string]string{
		"X-Refresh-Token": login.RefreshToken,
		"X-Tenant-ID":     env.north.ID,
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("refresh after logout should 401, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Logging out twice is still 200.
	resp = env.post("/v1/auth/logout", nil, map[string]string{
		"X-Refresh-Token": login.RefreshToken,
		"X-Tenant-ID":     env.north.ID,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second logout should 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSilentAccessRenewal(t *testing.T) {
	// Access tokens expire immediately, so every authenticated call has to
	// ride on the refresh credential.
	env := newTestEnv(t, auth.WithAccessTTL(time.Nanosecond))
	login := env.login("admin@north.edu", env.north.ID)

	hdr := env.headers(login.AccessToken, env.north.ID)
	resp := env.get("/v1/finance/fees", nil, hdr)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expired token without refresh should 401, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	hdr["X-Refresh-Token"] = login.RefreshToken
	resp = env.get("/v1/finance/fees", nil, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("renewal should succeed, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-New-Access-Token") == "" {
		t.Fatal("expected X-New-Access-Token header")
	}
	resp.Body.Close()
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get("/v1/finance/fees", nil, map[string]string{"X-Tenant-ID": env.north.ID})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["error"] == "" {
		t.Fatal("expected error message")
	}
}

func TestPermissionEnforcement(t *testing.T) {
	env := newTestEnv(t)
	clerk := env.login("clerk@north.edu", env.north.ID)
	hdr := env.headers(clerk.AccessToken, env.north.ID)

	// finance.read lets the clerk list but not mutate.
	resp := env.get("/v1/finance/fees", nil, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clerk list: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.post("/v1/finance/payments", map[string]any{
		"student_fee_id": "whatever", "amount": 10,
	}, hdr)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("clerk payment should 403, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestPlanFeatureGate(t *testing.T) {
	env := newTestEnv(t)
	login := env.login("admin@budget.edu", env.free.ID)
	hdr := env.headers(login.AccessToken, env.free.ID)

	// The free plan has fees_management switched off regardless of permissions.
	resp := env.get("/v1/finance/fees", nil, hdr)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("free plan finance should 403, got %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if msg, _ := body["error"].(string); !strings.Contains(msg, "feature") {
		t.Fatalf("admin should hit the plan gate, got %q", msg)
	}

	// A caller without the permission is refused for the permission, not the
	// plan: the plan gate must not leak before authorization.
	viewer := env.login("viewer@budget.edu", env.free.ID)
	resp = env.get("/v1/finance/fees", nil, env.headers(viewer.AccessToken, env.free.ID))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("viewer finance should 403, got %d", resp.StatusCode)
	}
	body = decode[map[string]any](t, resp)
	if msg, _ := body["error"].(string); !strings.Contains(msg, "permission denied") {
		t.Fatalf("viewer should hit the permission check first, got %q", msg)
	}
}

func TestTenantIsolationOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	northLogin := env.login("admin@north.edu", env.north.ID)
	northHdr := env.headers(northLogin.AccessToken, env.north.ID)

	resp := env.post("/v1/finance/structures", map[string]any{
		"name":       "North Only",
		"due_date":   time.Now().UTC().AddDate(0, 0, 7).Format("2006-01-02"),
		"components": []map[string]any{{"name": "Tuition", "amount": 100}},
	}, northHdr)
	structure := decode[map[string]any](t, resp)
	structureID := structure["id"].(string)

	// A north token is rejected outright under the south tenant.
	crossHdr := env.headers(northLogin.AccessToken, env.south.ID)
	resp = env.get("/v1/finance/structures/"+structureID, nil, crossHdr)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-tenant token should 403, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// A legitimate south session cannot see north's structure either.
	southLogin := env.login("admin@south.edu", env.south.ID)
	southHdr := env.headers(southLogin.AccessToken, env.south.ID)
	resp = env.get("/v1/finance/structures/"+structureID, nil, southHdr)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("south should see 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Requests without any tenant fail before reaching a handler.
	bare := map[string]string{"Authorization": "Bearer " + northLogin.AccessToken}
	resp = env.get("/v1/finance/fees", nil, bare)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing tenant should 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestPlatformTenantLifecycle(t *testing.T) {
	env := newTestEnv(t)
	login := env.login("admin@north.edu", env.north.ID)
	hdr := env.headers(login.AccessToken, env.north.ID)

	resp := env.post("/v1/platform/tenants", map[string]any{
		"name": "East Academy", "subdomain": "east", "plan": "standard",
	}, hdr)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create tenant: %d", resp.StatusCode)
	}
	created := decode[tenant.Tenant](t, resp)
	if created.Status != tenant.StatusActive {
		t.Fatalf("new tenant should be active, got %q", created.Status)
	}

	// Duplicate subdomains conflict.
	resp = env.post("/v1/platform/tenants", map[string]any{
		"name": "East Again", "subdomain": "east",
	}, hdr)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate subdomain should 409, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.post("/v1/platform/tenants/"+created.ID+"/suspend", nil, hdr)
	suspended := decode[tenant.Tenant](t, resp)
	if suspended.Status != tenant.StatusSuspended {
		t.Fatalf("expected suspended, got %q", suspended.Status)
	}

	// The suspended tenant is refused before any handler runs.
	resp = env.get("/v1/finance/fees", nil, env.headers(login.AccessToken, created.ID))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("suspended tenant should 403, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.post("/v1/platform/tenants/"+created.ID+"/activate", nil, hdr)
	activated := decode[tenant.Tenant](t, resp)
	if activated.Status != tenant.StatusActive {
		t.Fatalf("expected active, got %q", activated.Status)
	}

	// Deleting keeps the row but takes the tenant out of resolution.
	resp = env.do(http.MethodDelete, "/v1/platform/tenants/"+created.ID, nil, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete tenant: %d", resp.StatusCode)
	}
	deleted := decode[tenant.Tenant](t, resp)
	if deleted.Status != tenant.StatusDeleted {
		t.Fatalf("expected deleted, got %q", deleted.Status)
	}
	resp = env.get("/v1/finance/fees", nil, env.headers(login.AccessToken, created.ID))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted tenant should 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestPlatformRequiresTenantHeader(t *testing.T) {
	env := newTestEnv(t)
	login := env.login("admin@north.edu", env.north.ID)

	// Platform routes skip the tenant middleware, but authentication still
	// needs the caller's home tenant to load the principal.
	resp := env.get("/v1/platform/tenants", nil, map[string]string{
		"Authorization": "Bearer " + login.AccessToken,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing tenant header should 400, got %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if msg, _ := body["error"].(string); !strings.Contains(msg, "X-Tenant-ID") {
		t.Fatalf("expected a hint about the tenant header, got %q", msg)
	}
}

func TestTenantScopedRBACRejectsPlatformKeys(t *testing.T) {
	env := newTestEnv(t)
	login := env.login("admin@north.edu", env.north.ID)
	hdr := env.headers(login.AccessToken, env.north.ID)

	resp := env.post("/v1/rbac/roles", map[string]any{"name": "escalator"}, hdr)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create role: %d", resp.StatusCode)
	}
	role := decode[map[string]any](t, resp)
	roleID := role["id"].(string)

	// rbac.manage must not be enough to hand out tenant.manage.
	resp = env.put("/v1/rbac/roles/"+roleID+"/permissions", map[string]any{
		"permissions": []string{auth.PermTenantManage},
	}, hdr)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("platform-scoped grant should 403, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.get("/v1/rbac/roles/"+roleID+"/permissions", nil, hdr)
	perms := decode[map[string]any](t, resp)
	if keys, ok := perms["permissions"].([]any); ok && len(keys) != 0 {
		t.Fatalf("rejected grant must not stick, got %v", keys)
	}
}

func TestAuditTrailExport(t *testing.T) {
	env := newTestEnv(t)
	login := env.login("admin@north.edu", env.north.ID)
	hdr := env.headers(login.AccessToken, env.north.ID)

	resp := env.post("/v1/finance/structures", map[string]any{
		"name":       "Audited",
		"due_date":   time.Now().UTC().AddDate(0, 0, 7).Format("2006-01-02"),
		"components": []map[string]any{{"name": "Tuition", "amount": 100}},
	}, hdr)
	structure := decode[map[string]any](t, resp)
	structureID := structure["id"].(string)

	resp = env.post("/v1/finance/structures/"+structureID+"/assign", map[string]any{
		"student_ids": []string{"stu-a"},
	}, hdr)
	resp.Body.Close()
	resp = env.get("/v1/finance/fees", url.Values{"student_id": []string{"stu-a"}}, hdr)
	fees := decode[map[string]any](t, resp)
	feeID := fees["items"].([]any)[0].(map[string]any)["id"].(string)
	resp = env.post("/v1/finance/payments", map[string]any{
		"student_fee_id": feeID, "amount": 40, "method": "cash",
	}, hdr)
	resp.Body.Close()

	resp = env.get("/v1/audit/events", nil, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit export: %d", resp.StatusCode)
	}
	payload := decode[map[string]any](t, resp)
	items := payload["items"].([]any)
	if len(items) == 0 {
		t.Fatal("expected audit entries")
	}
	var sawStructure, sawPayment bool
	for _, raw := range items {
		entry := raw.(map[string]any)
		if entry["tenant_id"] != env.north.ID {
			t.Fatalf("foreign entry leaked: %v", entry)
		}
		switch entry["event"] {
		case "finance.structure.create":
			sawStructure = true
		case ledger.EventPaymentRecorded:
			sawPayment = true
		}
	}
	if !sawStructure {
		t.Fatal("expected the structure creation in the trail")
	}
	if !sawPayment {
		t.Fatal("expected the payment in the trail")
	}

	// The standard plan has no audit export.
	southLogin := env.login("admin@south.edu", env.south.ID)
	resp = env.get("/v1/audit/events", nil, env.headers(southLogin.AccessToken, env.south.ID))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("standard plan export should 403, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}
