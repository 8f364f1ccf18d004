package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"campusone.org/internal/ids"
	"campusone.org/internal/scope"
	"campusone.org/internal/tenant"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL. All tenant-scoped tables are
// reached through scope.DB only.
type PGStore struct {
	db *scope.DB
}

func NewPGStore(db *scope.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Users(context.Context) UserStore             { return &userStore{db: s.db} }
func (s *PGStore) Roles(context.Context) RoleStore             { return &roleStore{db: s.db} }
func (s *PGStore) Permissions(context.Context) PermissionStore { return &permissionStore{db: s.db} }
func (s *PGStore) Sessions(context.Context) SessionStore       { return &sessionStore{db: s.db} }

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return ErrConflict
		case pgErrForeignKeyViolation:
			return ErrNotFound
		}
	}
	return err
}

// User store ---------------------------------------------------------------
type userStore struct{ db *scope.DB }

func (s *userStore) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.TenantID == "" {
		u.TenantID = tenant.IDFromContext(ctx)
	}
	return s.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`insert into users(id, tenant_id, email, name, password_hash, status)
			 values($1,$2,$3,$4,$5,$6)`,
			u.ID, u.TenantID, u.Email, u.Name, u.PasswordHash, u.Status,
		)
		return mapPgError(err)
	})
}

func (s *userStore) Find(ctx context.Context, id string) (*User, error) {
	return s.find(ctx, `where id = $1`, id)
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	return s.find(ctx, `where email = $1`, email)
}

func (s *userStore) find(ctx context.Context, where string, arg any) (*User, error) {
	var u User
	err := s.db.Read(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`select id, tenant_id, email, name, password_hash, status, created_at, updated_at
			 from users `+where, arg)
		if err := row.Scan(&u.ID, &u.TenantID, &u.Email, &u.Name, &u.PasswordHash, &u.Status, &u.CreatedAt, &u.UpdatedAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *userStore) Memberships(ctx context.Context, email string) ([]Membership, error) {
	var result []Membership
	err := s.db.System(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			select u.id, u.email, u.name, u.password_hash, u.status,
			       t.id, t.name, t.subdomain, t.status, t.plan
			from users u
			join tenants t on t.id = u.tenant_id
			where u.email = $1
			order by t.name`, email)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var m Membership
			if err := rows.Scan(
				&m.UserID, &m.Email, &m.Name, &m.PasswordHash, &m.UserStatus,
				&m.TenantID, &m.TenantName, &m.TenantSubdomain, &m.TenantStatus, &m.TenantPlan,
			); err != nil {
				return err
			}
			result = append(result, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Role store ---------------------------------------------------------------
type roleStore struct{ db *scope.DB }

func (s *roleStore) Create(ctx context.Context, role *Role) error {
	if role.ID == "" {
		role.ID = ids.New()
	}
	if role.TenantID == "" {
		role.TenantID = tenant.IDFromContext(ctx)
	}
	return s.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`insert into roles(id, tenant_id, name, description) values($1,$2,$3,$4)`,
			role.ID, role.TenantID, role.Name, role.Description,
		)
		return mapPgError(err)
	})
}

func (s *roleStore) Find(ctx context.Context, id string) (*Role, error) {
	var role Role
	err := s.db.Read(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`select id, tenant_id, name, description, created_at, updated_at from roles where id=$1`, id)
		if err := row.Scan(&role.ID, &role.TenantID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &role, nil
}

func (s *roleStore) Delete(ctx context.Context, id string) error {
	return s.db.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `delete from roles where id=$1`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *roleStore) List(ctx context.Context) ([]Role, error) {
	var roles []Role
	err := s.db.Read(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`select id, tenant_id, name, description, created_at, updated_at from roles order by name`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var role Role
			if err := rows.Scan(&role.ID, &role.TenantID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt); err != nil {
				return err
			}
			roles = append(roles, role)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return roles, nil
}

func (s *roleStore) SetPermissions(ctx context.Context, roleID string, keys []string) error {
	return s.db.Write(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `select exists(select 1 from roles where id=$1)`, roleID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id=$1`, roleID); err != nil {
			return err
		}
		tenantID := tenant.IDFromContext(ctx)
		for _, key := range keys {
			res, err := tx.ExecContext(ctx,
				`insert into role_permissions(tenant_id, role_id, permission_key)
				 select $1, $2, key from permissions where key=$3`,
				tenantID, roleID, key,
			)
			if err != nil {
				return mapPgError(err)
			}
			if n, err := res.RowsAffected(); err == nil && n == 0 {
				return ErrNotFound
			}
		}
		return nil
	})
}

func (s *roleStore) PermissionsForRole(ctx context.Context, roleID string) ([]string, error) {
	return s.keys(ctx,
		`select permission_key from role_permissions where role_id=$1 order by permission_key`, roleID)
}

func (s *roleStore) PermissionsForUser(ctx context.Context, userID string) ([]string, error) {
	return s.keys(ctx, `
		select distinct rp.permission_key
		from role_permissions rp
		join user_roles ur on ur.role_id = rp.role_id
		where ur.user_id = $1
		order by rp.permission_key`, userID)
}

func (s *roleStore) keys(ctx context.Context, query string, arg any) ([]string, error) {
	var keys []string
	err := s.db.Read(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, arg)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				return err
			}
			keys = append(keys, key)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *roleStore) Assign(ctx context.Context, userID, roleID string) error {
	return s.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`insert into user_roles(tenant_id, user_id, role_id)
			 values($1,$2,$3) on conflict do nothing`,
			tenant.IDFromContext(ctx), userID, roleID,
		)
		return mapPgError(err)
	})
}

func (s *roleStore) Remove(ctx context.Context, userID, roleID string) error {
	return s.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`delete from user_roles where user_id=$1 and role_id=$2`, userID, roleID)
		return err
	})
}

func (s *roleStore) RolesForUser(ctx context.Context, userID string) ([]Role, error) {
	var roles []Role
	err := s.db.Read(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			select r.id, r.tenant_id, r.name, r.description, r.created_at, r.updated_at
			from roles r
			join user_roles ur on ur.role_id = r.id
			where ur.user_id = $1
			order by r.name`, userID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var role Role
			if err := rows.Scan(&role.ID, &role.TenantID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt); err != nil {
				return err
			}
			roles = append(roles, role)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return roles, nil
}

// Permission store ----------------------------------------------------------
// The catalog is platform-wide, so it bypasses tenant scoping.
type permissionStore struct{ db *scope.DB }

func (s *permissionStore) Ensure(ctx context.Context, perms []Permission) error {
	return s.db.System(ctx, func(tx *sql.Tx) error {
		for _, p := range perms {
			_, err := tx.ExecContext(ctx,
				`insert into permissions(key, description) values($1,$2) on conflict (key) do nothing`,
				p.Key, p.Description,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *permissionStore) Define(ctx context.Context, perm *Permission) error {
	return s.db.System(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`insert into permissions(key, description) values($1,$2)`,
			perm.Key, perm.Description,
		)
		return mapPgError(err)
	})
}

func (s *permissionStore) List(ctx context.Context) ([]Permission, error) {
	var perms []Permission
	err := s.db.System(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `select key, description, created_at from permissions order by key`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var p Permission
			if err := rows.Scan(&p.Key, &p.Description, &p.CreatedAt); err != nil {
				return err
			}
			perms = append(perms, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return perms, nil
}

// Session store --------------------------------------------------------------
type sessionStore struct{ db *scope.DB }

func (s *sessionStore) Create(ctx context.Context, session *Session) error {
	if session.ID == "" {
		session.ID = ids.New()
	}
	if session.TenantID == "" {
		session.TenantID = tenant.IDFromContext(ctx)
	}
	return s.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`insert into sessions(id, tenant_id, user_id, token_hash, expires_at, revoked, created_at, last_seen_at)
			 values($1,$2,$3,$4,$5,$6,$7,$8)`,
			session.ID, session.TenantID, session.UserID, session.TokenHash,
			session.ExpiresAt, session.Revoked, session.CreatedAt, session.LastSeenAt,
		)
		return mapPgError(err)
	})
}

func (s *sessionStore) Find(ctx context.Context, id string) (*Session, error) {
	var session Session
	err := s.db.Read(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`select id, tenant_id, user_id, token_hash, expires_at, revoked, created_at, last_seen_at
			 from sessions where id=$1`, id)
		if err := row.Scan(&session.ID, &session.TenantID, &session.UserID, &session.TokenHash,
			&session.ExpiresAt, &session.Revoked, &session.CreatedAt, &session.LastSeenAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// FindAny looks up the session without tenant scoping. Refresh and logout
// arrive before a tenant is resolved; the session id alone is an unguessable
// credential, so the cross-tenant read is safe.
func (s *sessionStore) FindAny(ctx context.Context, id string) (*Session, error) {
	var session Session
	err := s.db.System(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`select id, tenant_id, user_id, token_hash, expires_at, revoked, created_at, last_seen_at
			 from sessions where id=$1`, id)
		if err := row.Scan(&session.ID, &session.TenantID, &session.UserID, &session.TokenHash,
			&session.ExpiresAt, &session.Revoked, &session.CreatedAt, &session.LastSeenAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// MarkRevoked runs in system scope so a bare logout, which carries no tenant
// header, still kills the session instead of failing closed and leaving it
// live.
func (s *sessionStore) MarkRevoked(ctx context.Context, id string) error {
	return s.db.System(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `update sessions set revoked=true where id=$1`, id)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *sessionStore) RevokeAllForUser(ctx context.Context, userID string) error {
	return s.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`update sessions set revoked=true where user_id=$1 and not revoked`, userID)
		return err
	})
}

func (s *sessionStore) Touch(ctx context.Context, id string, at time.Time) error {
	return s.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `update sessions set last_seen_at=$2 where id=$1`, id, at)
		return err
	})
}
