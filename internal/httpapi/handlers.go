package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"campusone.org/internal/audit"
	"campusone.org/internal/auth"
	"campusone.org/internal/ledger"
	"campusone.org/internal/obs"
	"campusone.org/internal/stream"
	"campusone.org/internal/tenant"
)

// ReadyProbe reports whether the service can take traffic, e.g. by pinging
// the database. A nil Ping means always ready.
type ReadyProbe struct {
	Ping func(context.Context) error
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Ping == nil {
		return nil
	}
	return rp.Ping(ctx)
}

// TenantDirectory is the tenant administration surface the platform
// endpoints need on top of resolution lookups.
type TenantDirectory interface {
	tenant.Lookup
	Create(ctx context.Context, name, subdomain, plan string) (*tenant.Tenant, error)
	List(ctx context.Context) ([]tenant.Tenant, error)
	SetStatus(ctx context.Context, id, status string) (*tenant.Tenant, error)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	auth     *auth.Service
	ledger   *ledger.Service
	tenants  TenantDirectory
	resolver *tenant.Resolver
	stream   *stream.Stream
	recorder *audit.Recorder
}

// Option configures the API.
type Option func(*API)

// WithAuth wires the authentication and RBAC service.
func WithAuth(svc *auth.Service) Option {
	return func(a *API) { a.auth = svc }
}

// WithLedger wires the finance service.
func WithLedger(svc *ledger.Service) Option {
	return func(a *API) { a.ledger = svc }
}

// WithTenants wires the tenant directory and request resolver.
func WithTenants(dir TenantDirectory, resolver *tenant.Resolver) Option {
	return func(a *API) {
		a.tenants = dir
		a.resolver = resolver
	}
}

// WithStream enables the live finance event feed.
func WithStream(s *stream.Stream) Option {
	return func(a *API) { a.stream = s }
}

// WithAudit wires the persisted audit trail.
func WithAudit(rec *audit.Recorder) Option {
	return func(a *API) { a.recorder = rec }
}

func New(rp ReadyProbe, version string, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// auth
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)

	// rbac
	a.mux.HandleFunc("/v1/rbac/roles", a.handleRoles)
	a.mux.HandleFunc("/v1/rbac/roles/", a.handleRoleResource)
	a.mux.HandleFunc("/v1/rbac/permissions", a.handlePermissions)
	a.mux.HandleFunc("/v1/rbac/users", a.handleUsers)
	a.mux.HandleFunc("/v1/rbac/users/", a.handleUserResource)

	// finance
	a.mux.HandleFunc("/v1/finance/structures", a.handleStructures)
	a.mux.HandleFunc("/v1/finance/structures/", a.handleStructureResource)
	a.mux.HandleFunc("/v1/finance/fees", a.handleFees)
	a.mux.HandleFunc("/v1/finance/fees/", a.handleFeeResource)
	a.mux.HandleFunc("/v1/finance/payments", a.handlePayments)
	a.mux.HandleFunc("/v1/finance/payments/", a.handlePaymentResource)
	a.mux.HandleFunc("/v1/finance/events", a.StreamEvents)

	// audit trail
	a.mux.HandleFunc("/v1/audit/events", a.handleAuditEvents)

	// platform administration
	a.mux.HandleFunc("/v1/platform/tenants", a.handleTenants)
	a.mux.HandleFunc("/v1/platform/tenants/", a.handleTenantResource)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full http.Handler: tenant resolution, then
// authentication, instrumented with metrics.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.withTenant(a.withAuth(a.mux)))
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "campusone-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "campusone-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// audit persists and logs an administrative action. Financial mutations do
// not come through here; their trail entries commit inside the ledger
// transaction.
func (a *API) audit(ctx context.Context, event, resourceKind, resourceID string, meta map[string]string) {
	fields := map[string]any{
		"resource_kind": resourceKind,
		"resource_id":   resourceID,
	}
	for k, v := range meta {
		fields[k] = v
	}
	if err := a.recorder.Record(ctx, event, fields); err != nil {
		obs.Logger().Printf(`{"type":"error","msg":"audit record failed","event":%q,"error":%q}`, event, err)
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
