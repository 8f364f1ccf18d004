package tenant

import "context"

type tenantContextKey struct{}

// WithTenant attaches the resolved tenant to the context. The tenant travels
// with the request from resolution until the response is written; nothing is
// ever stored in a package-level variable.
func WithTenant(ctx context.Context, t *Tenant) context.Context {
	if t == nil {
		return ctx
	}
	return context.WithValue(ctx, tenantContextKey{}, t)
}

// FromContext extracts the tenant bound to the context.
func FromContext(ctx context.Context) (*Tenant, bool) {
	if ctx == nil {
		return nil, false
	}
	t, ok := ctx.Value(tenantContextKey{}).(*Tenant)
	if !ok || t == nil {
		return nil, false
	}
	return t, true
}

// IDFromContext returns the bound tenant id, or "" when none is bound.
func IDFromContext(ctx context.Context) string {
	t, ok := FromContext(ctx)
	if !ok {
		return ""
	}
	return t.ID
}
