package auth

import "time"

// User is a staff or admin account belonging to exactly one tenant.
type User struct {
	ID           string
	TenantID     string
	Email        string
	Name         string
	PasswordHash string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Role groups permissions within a tenant.
type Role struct {
	ID          string
	TenantID    string
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Permission is a named capability in the platform-wide catalog.
type Permission struct {
	Key         string
	Description string
	CreatedAt   time.Time
}

// Session is a persisted refresh credential. The refresh token itself is
// never stored; only its SHA-256 hash. Revoked is terminal.
type Session struct {
	ID         string
	TenantID   string
	UserID     string
	TokenHash  string
	ExpiresAt  time.Time
	Revoked    bool
	CreatedAt  time.Time
	LastSeenAt time.Time
}

// Membership links an email to a user account in one tenant. Used during
// login when the tenant could not be resolved up front.
type Membership struct {
	UserID          string
	Email           string
	Name            string
	PasswordHash    string
	UserStatus      string
	TenantID        string
	TenantName      string
	TenantSubdomain string
	TenantStatus    string
	TenantPlan      string
}

// TokenPair carries freshly minted credentials.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}
