// Package scope is the single choke point between the application and
// tenant-scoped tables. Every read and write runs inside a transaction that
// binds the ambient tenant to the Postgres session variable app.tenant_id;
// row level security policies installed by the migrations filter and check
// every statement against it. Code that holds only a *scope.DB cannot touch
// another tenant's rows, and a query issued without a tenant in context
// fails closed with ErrNoTenant instead of running unscoped.
package scope

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"campusone.org/internal/tenant"
)

// ErrNoTenant is returned when a scoped operation runs without a tenant
// bound to the context.
var ErrNoTenant = errors.New("scope: no tenant in context")

// DB wraps the shared connection pool. Stores for tenant-scoped tables hold
// a *DB, never a *sql.DB.
type DB struct {
	pool *sql.DB
}

// Wrap adapts the pool. The pool itself stays owned by the caller.
func Wrap(pool *sql.DB) *DB {
	return &DB{pool: pool}
}

// Read runs fn in a read-only transaction scoped to the ambient tenant.
func (d *DB) Read(ctx context.Context, fn func(*sql.Tx) error) error {
	return d.run(ctx, &sql.TxOptions{ReadOnly: true}, fn)
}

// Write runs fn in a read-write transaction scoped to the ambient tenant.
func (d *DB) Write(ctx context.Context, fn func(*sql.Tx) error) error {
	return d.run(ctx, nil, fn)
}

func (d *DB) run(ctx context.Context, opts *sql.TxOptions, fn func(*sql.Tx) error) error {
	tenantID := tenant.IDFromContext(ctx)
	if tenantID == "" {
		return ErrNoTenant
	}
	tx, err := d.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// set_config with is_local=true lives until commit/rollback, so the
	// binding can never leak onto a pooled connection.
	if _, err := tx.ExecContext(ctx, `select set_config('app.tenant_id', $1, true)`, tenantID); err != nil {
		return fmt.Errorf("bind tenant: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// System runs fn in a transaction without tenant scoping. It is the explicit
// escape hatch for platform administration and background jobs that operate
// across tenants; the RLS policies admit it via the app.bypass_rls setting.
func (d *DB) System(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := d.pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `select set_config('app.bypass_rls', 'on', true)`); err != nil {
		return fmt.Errorf("bind system scope: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Ping proxies to the pool for readiness checks.
func (d *DB) Ping(ctx context.Context) error {
	return d.pool.PingContext(ctx)
}
