package tenant

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"campusone.org/internal/ids"
)

// Memory is an in-process tenant directory used when no database is
// configured and by tests.
type Memory struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
}

// NewMemory creates an empty directory.
func NewMemory() *Memory {
	return &Memory{tenants: make(map[string]*Tenant)}
}

var _ Lookup = (*Memory)(nil)

// Create registers a new tenant with an active status.
func (m *Memory) Create(ctx context.Context, name, subdomain, plan string) (*Tenant, error) {
	name = strings.TrimSpace(name)
	subdomain = normalizeSubdomain(subdomain)
	if name == "" || subdomain == "" {
		return nil, errors.New("tenant: name and subdomain are required")
	}
	if plan == "" {
		plan = "standard"
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tenants {
		if t.Subdomain == subdomain {
			return nil, ErrConflict
		}
	}
	now := time.Now().UTC()
	t := &Tenant{
		ID:        ids.New(),
		Name:      name,
		Subdomain: subdomain,
		Status:    StatusActive,
		Plan:      plan,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.tenants[t.ID] = t
	cp := *t
	return &cp, nil
}

func (m *Memory) GetByID(_ context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) GetBySubdomain(_ context.Context, subdomain string) (*Tenant, error) {
	subdomain = strings.ToLower(strings.TrimSpace(subdomain))
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tenants {
		if t.Subdomain == subdomain {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) List(_ context.Context) ([]Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SetStatus transitions a tenant between lifecycle states.
func (m *Memory) SetStatus(_ context.Context, id, status string) (*Tenant, error) {
	if !ValidStatus(status) {
		return nil, errors.New("tenant: unknown status " + status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	cp := *t
	return &cp, nil
}
