package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"campusone.org/internal/ids"
	"campusone.org/internal/tenant"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour * 14
)

// Service provides authentication, session and RBAC operations.
type Service struct {
	store Store
	now   func() time.Time

	secret      []byte
	issuer      string
	accessTTL   time.Duration
	refreshTTL  time.Duration
	multiDevice bool
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithTokenSecret sets the HS256 signing secret. Required.
func WithTokenSecret(secret string) ServiceOption {
	return func(s *Service) error {
		if strings.TrimSpace(secret) == "" {
			return errors.New("auth: token secret is required")
		}
		s.secret = []byte(secret)
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh session lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithMultiDevice keeps older sessions alive on login instead of revoking them.
func WithMultiDevice(enabled bool) ServiceOption {
	return func(s *Service) error {
		s.multiDevice = enabled
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	svc := &Service{
		store:      store,
		now:        time.Now,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if len(svc.secret) == 0 {
		return nil, errors.New("auth: token secret is required")
	}
	return svc, nil
}

// EnsureBuiltins ensures predefined permissions exist in the catalog.
func (s *Service) EnsureBuiltins(ctx context.Context) error {
	return s.store.Permissions(ctx).Ensure(ctx, BuiltinPermissions)
}

// TenantOption is one tenant a user may log in to.
type TenantOption struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Subdomain string `json:"subdomain"`
}

// LoginResult is either a completed session or a tenant choice request.
type LoginResult struct {
	RequiresTenantChoice bool
	Tenants              []TenantOption
	Tokens               TokenPair
	Principal            Principal
	Tenant               *tenant.Tenant
}

// Login authenticates credentials. When the context carries a tenant, the
// lookup is scoped to it. Without one, accounts with the email are scanned
// across tenants: a single match logs in transparently, several matches
// produce a tenant choice the client must resolve and retry with.
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	if t, ok := tenant.FromContext(ctx); ok {
		user, err := s.store.Users(ctx).FindByEmail(ctx, email)
		if err != nil {
			return nil, ErrInvalidCredentials
		}
		if user.Status != "active" || VerifyPassword(user.PasswordHash, password) != nil {
			return nil, ErrInvalidCredentials
		}
		return s.establishSession(ctx, t, user)
	}

	memberships, err := s.store.Users(ctx).Memberships(ctx, email)
	if err != nil {
		return nil, err
	}
	var matches []Membership
	for _, m := range memberships {
		if m.UserStatus != "active" {
			continue
		}
		if VerifyPassword(m.PasswordHash, password) != nil {
			continue
		}
		matches = append(matches, m)
	}
	if len(matches) == 0 {
		return nil, ErrInvalidCredentials
	}

	var active []Membership
	for _, m := range matches {
		if m.TenantStatus == tenant.StatusActive {
			active = append(active, m)
		}
	}
	if len(active) == 0 {
		return nil, tenant.ErrSuspended
	}
	if len(active) > 1 {
		options := make([]TenantOption, 0, len(active))
		for _, m := range active {
			options = append(options, TenantOption{ID: m.TenantID, Name: m.TenantName, Subdomain: m.TenantSubdomain})
		}
		return &LoginResult{RequiresTenantChoice: true, Tenants: options}, nil
	}

	m := active[0]
	t := &tenant.Tenant{
		ID:        m.TenantID,
		Name:      m.TenantName,
		Subdomain: m.TenantSubdomain,
		Status:    m.TenantStatus,
		Plan:      m.TenantPlan,
	}
	user := &User{
		ID:           m.UserID,
		TenantID:     m.TenantID,
		Email:        m.Email,
		Name:         m.Name,
		PasswordHash: m.PasswordHash,
		Status:       m.UserStatus,
	}
	return s.establishSession(tenant.WithTenant(ctx, t), t, user)
}

// establishSession resolves permissions, enforces the no-permission lockout
// and mints the token pair. ctx must carry the tenant at this point.
func (s *Service) establishSession(ctx context.Context, t *tenant.Tenant, user *User) (*LoginResult, error) {
	principal, err := s.Principal(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if len(principal.Permissions) == 0 {
		return nil, ErrNoPermissions
	}

	now := s.now().UTC()
	if !s.multiDevice {
		if err := s.store.Sessions(ctx).RevokeAllForUser(ctx, user.ID); err != nil {
			return nil, err
		}
	}

	accessToken, accessExp, err := signAccessToken(s.secret, s.issuer, user, now, s.accessTTL)
	if err != nil {
		return nil, err
	}
	refreshToken, session, err := generateRefreshToken(user, now, s.refreshTTL)
	if err != nil {
		return nil, err
	}
	if err := s.store.Sessions(ctx).Create(ctx, session); err != nil {
		return nil, err
	}

	return &LoginResult{
		Tokens: TokenPair{
			AccessToken:      accessToken,
			RefreshToken:     refreshToken,
			AccessExpiresAt:  accessExp,
			RefreshExpiresAt: session.ExpiresAt,
		},
		Principal: principal,
		Tenant:    t,
	}, nil
}

// Refresh validates the refresh credential and mints a fresh access token.
// The refresh session itself stays valid until logout or expiry.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (string, time.Time, Principal, error) {
	sessionID, secret, err := splitRefreshToken(refreshToken)
	if err != nil {
		return "", time.Time{}, Principal{}, ErrTokenInvalid
	}
	sessions := s.store.Sessions(ctx)
	session, err := sessions.Find(ctx, sessionID)
	if err != nil {
		return "", time.Time{}, Principal{}, ErrTokenInvalid
	}
	now := s.now().UTC()
	if session.Revoked || now.After(session.ExpiresAt) {
		return "", time.Time{}, Principal{}, ErrTokenInvalid
	}
	if !secureCompareHash(session.TokenHash, secret) {
		_ = sessions.MarkRevoked(ctx, session.ID)
		return "", time.Time{}, Principal{}, ErrTokenInvalid
	}

	user, err := s.store.Users(ctx).Find(ctx, session.UserID)
	if err != nil || user.Status != "active" {
		return "", time.Time{}, Principal{}, ErrTokenInvalid
	}
	principal, err := s.Principal(ctx, user.ID)
	if err != nil {
		return "", time.Time{}, Principal{}, err
	}

	accessToken, accessExp, err := signAccessToken(s.secret, s.issuer, user, now, s.accessTTL)
	if err != nil {
		return "", time.Time{}, Principal{}, err
	}
	_ = sessions.Touch(ctx, session.ID, now)
	return accessToken, accessExp, principal, nil
}

// SessionTenant resolves the tenant that owns the refresh session. Refresh
// and logout are reachable without a tenant header, so the session itself
// carries the tenant; the opaque session id is unguessable, which makes the
// cross-tenant lookup safe.
func (s *Service) SessionTenant(ctx context.Context, refreshToken string) (string, error) {
	sessionID, _, err := splitRefreshToken(refreshToken)
	if err != nil {
		return "", ErrTokenInvalid
	}
	session, err := s.store.Sessions(ctx).FindAny(ctx, sessionID)
	if err != nil {
		return "", ErrTokenInvalid
	}
	return session.TenantID, nil
}

// Logout revokes the refresh session. Unknown or already revoked tokens are
/// not an error; logout is idempotent. Revocation needs no tenant in context:
// holding the token is proof enough to kill its session.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	sessionID, _, err := splitRefreshToken(refreshToken)
	if err != nil {
		return nil
	}
	err = s.store.Sessions(ctx).MarkRevoked(ctx, sessionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// Authenticate validates an access token and loads the principal with fresh
// permissions. The token's tenant claim must match the resolved tenant.
func (s *Service) Authenticate(ctx context.Context, token string) (Principal, error) {
	claims, err := verifyAccessToken(s.secret, s.issuer, token, s.now)
	if err != nil {
		return Principal{}, err
	}
	if tid := tenant.IDFromContext(ctx); tid != "" && claims.TenantID != tid {
		return Principal{}, ErrForbidden
	}
	principal, err := s.Principal(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrTokenInvalid
		}
		return Principal{}, err
	}
	return principal, nil
}

// AuthenticateWithRenewal behaves like Authenticate, but when the access
// token has merely expired and a valid refresh credential accompanies it,
// a replacement access token is minted and returned alongside the principal.
func (s *Service) AuthenticateWithRenewal(ctx context.Context, access, refresh string) (Principal, string, error) {
	principal, err := s.Authenticate(ctx, access)
	if err == nil {
		return principal, "", nil
	}
	if !errors.Is(err, ErrTokenExpired) || refresh == "" {
		return Principal{}, "", err
	}
	newAccess, _, principal, err := s.Refresh(ctx, refresh)
	if err != nil {
		return Principal{}, "", err
	}
	return principal, newAccess, nil
}

// Principal loads a user with resolved roles and permissions.
func (s *Service) Principal(ctx context.Context, userID string) (Principal, error) {
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return Principal{}, err
	}
	roles, err := s.store.Roles(ctx).RolesForUser(ctx, userID)
	if err != nil {
		return Principal{}, err
	}
	perms, err := s.store.Roles(ctx).PermissionsForUser(ctx, userID)
	if err != nil {
		return Principal{}, err
	}
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.Name)
	}
	return NewPrincipal(user, names, perms), nil
}

// CreateUser registers a staff account in the ambient tenant.
func (s *Service) CreateUser(ctx context.Context, email, name, password string) (*User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	user := &User{
		ID:           ids.New(),
		TenantID:     tenant.IDFromContext(ctx),
		Email:        email,
		Name:         strings.TrimSpace(name),
		PasswordHash: hash,
		Status:       "active",
	}
	if err := s.store.Users(ctx).Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// CreateRole adds a role in the ambient tenant.
func (s *Service) CreateRole(ctx context.Context, name, description string) (*Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	role := &Role{
		ID:          ids.New(),
		TenantID:    tenant.IDFromContext(ctx),
		Name:        name,
		Description: strings.TrimSpace(description),
	}
	if err := s.store.Roles(ctx).Create(ctx, role); err != nil {
		return nil, err
	}
	return role, nil
}

// ListRoles lists the ambient tenant's roles.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.Roles(ctx).List(ctx)
}

// DeleteRole removes a role along with its grants and assignments.
func (s *Service) DeleteRole(ctx context.Context, roleID string) error {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return fmt.Errorf("%w: role id is required", ErrInvalidInput)
	}
	return s.store.Roles(ctx).Delete(ctx, roleID)
}

// RolePermissions returns the permission keys granted to a role.
func (s *Service) RolePermissions(ctx context.Context, roleID string) ([]string, error) {
	roles := s.store.Roles(ctx)
	if _, err := roles.Find(ctx, roleID); err != nil {
		return nil, err
	}
	return roles.PermissionsForRole(ctx, roleID)
}

// SetRolePermissions replaces a role's permission set. Platform-scoped keys
// are rejected: a tenant's rbac.manage holder must never be able to grant
// itself authority over other tenants.
func (s *Service) SetRolePermissions(ctx context.Context, roleID string, keys []string) error {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return fmt.Errorf("%w: role id is required", ErrInvalidInput)
	}
	seen := make(map[string]struct{}, len(keys))
	cleaned := make([]string, 0, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(strings.ToLower(key))
		if !ValidPermissionKey(key) {
			return fmt.Errorf("%w: malformed permission key %q", ErrInvalidInput, key)
		}
		if PlatformScoped(key) {
			return fmt.Errorf("%w: permission %q is platform-scoped", ErrForbidden, key)
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		cleaned = append(cleaned, key)
	}
	return s.store.Roles(ctx).SetPermissions(ctx, roleID, cleaned)
}

// DefinePermission registers a new permission key in the catalog.
func (s *Service) DefinePermission(ctx context.Context, key, description string) (*Permission, error) {
	key = strings.TrimSpace(strings.ToLower(key))
	if !ValidPermissionKey(key) {
		return nil, fmt.Errorf("%w: malformed permission key %q", ErrInvalidInput, key)
	}
	perm := &Permission{Key: key, Description: strings.TrimSpace(description)}
	if err := s.store.Permissions(ctx).Define(ctx, perm); err != nil {
		return nil, err
	}
	return perm, nil
}

// ListPermissions lists the catalog.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.Permissions(ctx).List(ctx)
}

// AssignRole grants a role to a user.
func (s *Service) AssignRole(ctx context.Context, userID, roleID string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(roleID) == "" {
		return fmt.Errorf("%w: user id and role id are required", ErrInvalidInput)
	}
	return s.store.Roles(ctx).Assign(ctx, userID, roleID)
}

// RemoveRole revokes a role from a user.
func (s *Service) RemoveRole(ctx context.Context, userID, roleID string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(roleID) == "" {
		return fmt.Errorf("%w: user id and role id are required", ErrInvalidInput)
	}
	return s.store.Roles(ctx).Remove(ctx, userID, roleID)
}

func sortedPermissions(perms map[string]struct{}) []string {
	out := make([]string, 0, len(perms))
	for k := range perms {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
