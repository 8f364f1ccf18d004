package auth

import (
	"context"
	"sort"
	"sync"
	"time"

	"campusone.org/internal/ids"
	"campusone.org/internal/scope"
	"campusone.org/internal/tenant"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is a mutex-guarded Store used when no database is configured
// and by tests. It enforces the same fail-closed tenant scoping as the
// Postgres implementation.
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]*User
	roles       map[string]*Role
	rolePerms   map[string][]string
	userRoles   map[string]map[string]struct{}
	permissions map[string]Permission
	sessions    map[string]*Session

	// tenants backs Memberships lookups; the caller registers tenants as it
	// creates them.
	tenants map[string]*tenant.Tenant
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]*User),
		roles:       make(map[string]*Role),
		rolePerms:   make(map[string][]string),
		userRoles:   make(map[string]map[string]struct{}),
		permissions: make(map[string]Permission),
		sessions:    make(map[string]*Session),
		tenants:     make(map[string]*tenant.Tenant),
	}
}

// RegisterTenant makes a tenant visible to Memberships.
func (m *MemoryStore) RegisterTenant(t *tenant.Tenant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[t.ID] = t
}

func (m *MemoryStore) Users(context.Context) UserStore             { return (*memUsers)(m) }
func (m *MemoryStore) Roles(context.Context) RoleStore             { return (*memRoles)(m) }
func (m *MemoryStore) Permissions(context.Context) PermissionStore { return (*memPerms)(m) }
func (m *MemoryStore) Sessions(context.Context) SessionStore       { return (*memSessions)(m) }

func scopedTenant(ctx context.Context) (string, error) {
	id := tenant.IDFromContext(ctx)
	if id == "" {
		return "", scope.ErrNoTenant
	}
	return id, nil
}

type memUsers MemoryStore

func (m *memUsers) Create(ctx context.Context, u *User) error {
	tid, err := scopedTenant(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.TenantID == "" {
		u.TenantID = tid
	}
	for _, existing := range m.users {
		if existing.TenantID == u.TenantID && existing.Email == u.Email {
			return ErrConflict
		}
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memUsers) Find(ctx context.Context, id string) (*User, error) {
	tid, err := scopedTenant(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok || u.TenantID != tid {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) FindByEmail(ctx context.Context, email string) (*User, error) {
	tid, err := scopedTenant(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.TenantID == tid && u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memUsers) Memberships(_ context.Context, email string) ([]Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []Membership
	for _, u := range m.users {
		if u.Email != email {
			continue
		}
		mem := Membership{
			UserID:       u.ID,
			Email:        u.Email,
			Name:         u.Name,
			PasswordHash: u.PasswordHash,
			UserStatus:   u.Status,
			TenantID:     u.TenantID,
		}
		if t, ok := m.tenants[u.TenantID]; ok {
			mem.TenantName = t.Name
			mem.TenantSubdomain = t.Subdomain
			mem.TenantStatus = t.Status
			mem.TenantPlan = t.Plan
		}
		result = append(result, mem)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TenantName < result[j].TenantName })
	return result, nil
}

type memRoles MemoryStore

func (m *memRoles) Create(ctx context.Context, role *Role) error {
	tid, err := scopedTenant(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if role.ID == "" {
		role.ID = ids.New()
	}
	if role.TenantID == "" {
		role.TenantID = tid
	}
	for _, existing := range m.roles {
		if existing.TenantID == role.TenantID && existing.Name == role.Name {
			return ErrConflict
		}
	}
	now := time.Now().UTC()
	role.CreatedAt, role.UpdatedAt = now, now
	cp := *role
	m.roles[role.ID] = &cp
	return nil
}

func (m *memRoles) Find(ctx context.Context, id string) (*Role, error) {
	tid, err := scopedTenant(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	role, ok := m.roles[id]
	if !ok || role.TenantID != tid {
		return nil, ErrNotFound
	}
	cp := *role
	return &cp, nil
}

func (m *memRoles) Delete(ctx context.Context, id string) error {
	tid, err := scopedTenant(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.roles[id]
	if !ok || role.TenantID != tid {
		return ErrNotFound
	}
	delete(m.roles, id)
	delete(m.rolePerms, id)
	for userID := range m.userRoles {
		delete(m.userRoles[userID], id)
	}
	return nil
}

func (m *memRoles) List(ctx context.Context) ([]Role, error) {
	tid, err := scopedTenant(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var roles []Role
	for _, role := range m.roles {
		if role.TenantID == tid {
			roles = append(roles, *role)
		}
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
	return roles, nil
}

func (m *memRoles) SetPermissions(ctx context.Context, roleID string, keys []string) error {
	tid, err := scopedTenant(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.roles[roleID]
	if !ok || role.TenantID != tid {
		return ErrNotFound
	}
	for _, key := range keys {
		if _, ok := m.permissions[key]; !ok {
			return ErrNotFound
		}
	}
	m.rolePerms[roleID] = append([]string(nil), keys...)
	return nil
}

func (m *memRoles) PermissionsForRole(ctx context.Context, roleID string) ([]string, error) {
	if _, err := scopedTenant(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]string(nil), m.rolePerms[roleID]...)
	sort.Strings(out)
	return out, nil
}

func (m *memRoles) Assign(ctx context.Context, userID, roleID string) error {
	tid, err := scopedTenant(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok || user.TenantID != tid {
		return ErrNotFound
	}
	role, ok := m.roles[roleID]
	if !ok || role.TenantID != tid {
		return ErrNotFound
	}
	if m.userRoles[userID] == nil {
		m.userRoles[userID] = make(map[string]struct{})
	}
	m.userRoles[userID][roleID] = struct{}{}
	return nil
}

func (m *memRoles) Remove(ctx context.Context, userID, roleID string) error {
	if _, err := scopedTenant(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.userRoles[userID], roleID)
	return nil
}

func (m *memRoles) RolesForUser(ctx context.Context, userID string) ([]Role, error) {
	tid, err := scopedTenant(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var roles []Role
	for roleID := range m.userRoles[userID] {
		if role, ok := m.roles[roleID]; ok && role.TenantID == tid {
			roles = append(roles, *role)
		}
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
	return roles, nil
}

func (m *memRoles) PermissionsForUser(ctx context.Context, userID string) ([]string, error) {
	tid, err := scopedTenant(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := make(map[string]struct{})
	for roleID := range m.userRoles[userID] {
		role, ok := m.roles[roleID]
		if !ok || role.TenantID != tid {
			continue
		}
		for _, key := range m.rolePerms[roleID] {
			set[key] = struct{}{}
		}
	}
	return sortedPermissions(set), nil
}

type memPerms MemoryStore

func (m *memPerms) Ensure(_ context.Context, perms []Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range perms {
		if _, ok := m.permissions[p.Key]; !ok {
			p.CreatedAt = time.Now().UTC()
			m.permissions[p.Key] = p
		}
	}
	return nil
}

func (m *memPerms) Define(_ context.Context, perm *Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.permissions[perm.Key]; ok {
		return ErrConflict
	}
	perm.CreatedAt = time.Now().UTC()
	m.permissions[perm.Key] = *perm
	return nil
}

func (m *memPerms) List(_ context.Context) ([]Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	perms := make([]Permission, 0, len(m.permissions))
	for _, p := range m.permissions {
		perms = append(perms, p)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].Key < perms[j].Key })
	return perms, nil
}

type memSessions MemoryStore

func (m *memSessions) Create(ctx context.Context, session *Session) error {
	tid, err := scopedTenant(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if session.ID == "" {
		session.ID = ids.New()
	}
	if session.TenantID == "" {
		session.TenantID = tid
	}
	cp := *session
	m.sessions[session.ID] = &cp
	return nil
}

func (m *memSessions) Find(ctx context.Context, id string) (*Session, error) {
	tid, err := scopedTenant(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	if !ok || session.TenantID != tid {
		return nil, ErrNotFound
	}
	cp := *session
	return &cp, nil
}

func (m *memSessions) FindAny(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *session
	return &cp, nil
}

// MarkRevoked works without a tenant in context: logout arrives before the
// tenant is known, and the session id alone is an unguessable credential.
func (m *memSessions) MarkRevoked(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	session.Revoked = true
	return nil
}

func (m *memSessions) RevokeAllForUser(ctx context.Context, userID string) error {
	if _, err := scopedTenant(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, session := range m.sessions {
		if session.UserID == userID {
			session.Revoked = true
		}
	}
	return nil
}

func (m *memSessions) Touch(ctx context.Context, id string, at time.Time) error {
	if _, err := scopedTenant(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if session, ok := m.sessions[id]; ok {
		session.LastSeenAt = at
	}
	return nil
}
