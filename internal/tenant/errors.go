package tenant

import "errors"

var (
	ErrNotFound  = errors.New("tenant: not found")
	ErrRequired  = errors.New("tenant: context is required")
	ErrSuspended = errors.New("tenant: suspended")
	ErrConflict  = errors.New("tenant: already exists")
)
