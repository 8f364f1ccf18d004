package auth

// Principal represents an authenticated user with resolved permissions,
// bound to the tenant the session was created in.
type Principal struct {
	UserID      string
	TenantID    string
	Email       string
	Name        string
	Roles       []string
	Permissions map[string]struct{}
}

// NewPrincipal constructs a principal from a user row and its resolved
// role and permission sets.
func NewPrincipal(user *User, roles []string, perms []string) Principal {
	set := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return Principal{
		UserID:      user.ID,
		TenantID:    user.TenantID,
		Email:       user.Email,
		Name:        user.Name,
		Roles:       roles,
		Permissions: set,
	}
}

// Can reports whether the principal may execute the action identified by key,
// applying the manage rule via Allows.
func (p Principal) Can(key string) bool {
	return Allows(p.Permissions, key)
}

// PermissionList returns the granted keys in sorted order for responses.
func (p Principal) PermissionList() []string {
	return sortedPermissions(p.Permissions)
}
