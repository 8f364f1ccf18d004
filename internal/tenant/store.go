package tenant

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"campusone.org/internal/ids"
)

const pgErrUniqueViolation = "23505"

// Store persists tenants. The tenants table is platform-level and is never
// row-scoped; callers guard access with the tenant.manage permission.
type Store struct {
	db *sql.DB
}

// NewStore wraps the shared connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

var _ Lookup = (*Store)(nil)

// Create registers a new tenant with an active status.
func (s *Store) Create(ctx context.Context, name, subdomain, plan string) (*Tenant, error) {
	name = strings.TrimSpace(name)
	subdomain = normalizeSubdomain(subdomain)
	if name == "" || subdomain == "" {
		return nil, errors.New("tenant: name and subdomain are required")
	}
	if plan == "" {
		plan = "standard"
	}
	t := &Tenant{}
	row := s.db.QueryRowContext(ctx, `
		insert into tenants (id, name, subdomain, status, plan)
		values ($1, $2, $3, $4, $5)
		returning id, name, subdomain, status, plan, created_at, updated_at
	`, ids.New(), name, subdomain, StatusActive, plan)
	if err := row.Scan(&t.ID, &t.Name, &t.Subdomain, &t.Status, &t.Plan, &t.CreatedAt, &t.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation {
			return nil, ErrConflict
		}
		return nil, err
	}
	return t, nil
}

// GetByID loads a tenant by identifier.
func (s *Store) GetByID(ctx context.Context, id string) (*Tenant, error) {
	return s.get(ctx, `where id = $1`, id)
}

// GetBySubdomain loads a tenant by its subdomain label.
func (s *Store) GetBySubdomain(ctx context.Context, subdomain string) (*Tenant, error) {
	return s.get(ctx, `where subdomain = $1`, normalizeSubdomain(subdomain))
}

func (s *Store) get(ctx context.Context, where string, arg any) (*Tenant, error) {
	t := &Tenant{}
	err := s.db.QueryRowContext(ctx, `
		select id, name, subdomain, status, plan, created_at, updated_at
		from tenants `+where, arg,
	).Scan(&t.ID, &t.Name, &t.Subdomain, &t.Status, &t.Plan, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// List returns all tenants ordered by name.
func (s *Store) List(ctx context.Context) ([]Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, subdomain, status, plan, created_at, updated_at
		from tenants
		order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Subdomain, &t.Status, &t.Plan, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// SetStatus transitions a tenant between lifecycle states. Deletion is a
// status change too; the row stays behind for the audit trail.
func (s *Store) SetStatus(ctx context.Context, id, status string) (*Tenant, error) {
	if !ValidStatus(status) {
		return nil, errors.New("tenant: unknown status " + status)
	}
	t := &Tenant{}
	err := s.db.QueryRowContext(ctx, `
		update tenants
		set status = $2, updated_at = $3
		where id = $1
		returning id, name, subdomain, status, plan, created_at, updated_at
	`, id, status, time.Now().UTC(),
	).Scan(&t.ID, &t.Name, &t.Subdomain, &t.Status, &t.Plan, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}
