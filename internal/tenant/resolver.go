package tenant

import (
	"context"
	"net"
	"strings"
)

// Lookup is the subset of the store the resolver needs.
type Lookup interface {
	GetByID(ctx context.Context, id string) (*Tenant, error)
	GetBySubdomain(ctx context.Context, subdomain string) (*Tenant, error)
}

// Hint carries tenant identification supplied in a request body, e.g. the
// login payload. Either field may be empty.
type Hint struct {
	TenantID  string
	Subdomain string
}

// Resolver maps an incoming request to a tenant. Sources are consulted in
// priority order: body hint, X-Tenant-ID header, host subdomain, configured
// default subdomain.
type Resolver struct {
	store            Lookup
	defaultSubdomain string
}

// NewResolver constructs a resolver. defaultSubdomain may be empty, in which
// case unresolved requests yield ErrRequired.
func NewResolver(store Lookup, defaultSubdomain string) *Resolver {
	return &Resolver{store: store, defaultSubdomain: strings.TrimSpace(defaultSubdomain)}
}

// Resolve determines the tenant for the request. headerID is the value of the
// X-Tenant-ID header and host is the request Host. A suspended tenant resolves
// to ErrSuspended, a deleted one to ErrNotFound, and an unresolvable request
// to ErrRequired.
func (r *Resolver) Resolve(ctx context.Context, hint Hint, headerID, host string) (*Tenant, error) {
	if id := strings.TrimSpace(hint.TenantID); id != "" {
		return r.check(r.store.GetByID(ctx, id))
	}
	if sub := normalizeSubdomain(hint.Subdomain); sub != "" {
		return r.check(r.store.GetBySubdomain(ctx, sub))
	}
	if id := strings.TrimSpace(headerID); id != "" {
		return r.check(r.store.GetByID(ctx, id))
	}
	if sub := SubdomainFromHost(host); sub != "" {
		return r.check(r.store.GetBySubdomain(ctx, sub))
	}
	if r.defaultSubdomain != "" {
		return r.check(r.store.GetBySubdomain(ctx, r.defaultSubdomain))
	}
	return nil, ErrRequired
}

func (r *Resolver) check(t *Tenant, err error) (*Tenant, error) {
	if err != nil {
		return nil, err
	}
	if t.Status == StatusDeleted {
		return nil, ErrNotFound
	}
	if !t.Active() {
		return nil, ErrSuspended
	}
	return t, nil
}

// SubdomainFromHost extracts the tenant subdomain from a request host.
// Bare domains, IP addresses and localhost carry no subdomain. The reserved
// labels www and api are skipped in favour of the next label.
func SubdomainFromHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" || host == "localhost" || net.ParseIP(host) != nil {
		return ""
	}
	labels := strings.Split(host, ".")
	if len(labels) < 3 {
		return ""
	}
	sub := labels[0]
	if sub == "www" || sub == "api" {
		if len(labels) < 4 {
			return ""
		}
		sub = labels[1]
	}
	return sub
}

func normalizeSubdomain(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
