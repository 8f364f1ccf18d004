package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
// All methods except UserStore.Memberships and the permission catalog
// operate within the ambient tenant scope.
type Store interface {
	Users(ctx context.Context) UserStore
	Roles(ctx context.Context) RoleStore
	Permissions(ctx context.Context) PermissionStore
	Sessions(ctx context.Context) SessionStore
}

// UserStore manages tenant-scoped user accounts.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	// Memberships scans accounts for the email across all tenants. It is the
	// one cross-tenant read in the system, used only before a session exists.
	Memberships(ctx context.Context, email string) ([]Membership, error)
}

// RoleStore manages roles, their permission sets and user assignments.
type RoleStore interface {
	Create(ctx context.Context, role *Role) error
	Find(ctx context.Context, id string) (*Role, error)
	List(ctx context.Context) ([]Role, error)
	Delete(ctx context.Context, id string) error
	SetPermissions(ctx context.Context, roleID string, keys []string) error
	PermissionsForRole(ctx context.Context, roleID string) ([]string, error)
	Assign(ctx context.Context, userID, roleID string) error
	Remove(ctx context.Context, userID, roleID string) error
	RolesForUser(ctx context.Context, userID string) ([]Role, error)
	PermissionsForUser(ctx context.Context, userID string) ([]string, error)
}

// PermissionStore manages the platform-wide permission catalog.
type PermissionStore interface {
	Ensure(ctx context.Context, perms []Permission) error
	Define(ctx context.Context, perm *Permission) error
	List(ctx context.Context) ([]Permission, error)
}

// SessionStore manages refresh session lifecycle. Find is tenant-scoped;
// FindAny and MarkRevoked work without a tenant in context because logout
// and refresh arrive before a tenant is known, and the session id is an
// unguessable opaque credential.
type SessionStore interface {
	Create(ctx context.Context, session *Session) error
	Find(ctx context.Context, id string) (*Session, error)
	FindAny(ctx context.Context, id string) (*Session, error)
	MarkRevoked(ctx context.Context, id string) error
	RevokeAllForUser(ctx context.Context, userID string) error
	Touch(ctx context.Context, id string, at time.Time) error
}
