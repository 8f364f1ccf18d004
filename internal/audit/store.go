package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"campusone.org/internal/auth"
	"campusone.org/internal/ids"
	"campusone.org/internal/scope"
	"campusone.org/internal/tenant"
)

// Entry is one persisted audit record. Entries are append-only; nothing in
// the API updates or deletes them.
type Entry struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	ActorID   string         `json:"actor_id,omitempty"`
	Event     string         `json:"event"`
	RequestID string         `json:"request_id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store persists audit entries.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	List(ctx context.Context, limit int) ([]Entry, error)
}

// NewEntry builds an entry from the ambient request context. Tenant, actor
// and request id come from the context; callers supply the event name and
// the event-specific fields.
func NewEntry(ctx context.Context, event string, fields map[string]any) *Entry {
	e := &Entry{
		ID:        ids.New(),
		TenantID:  tenant.IDFromContext(ctx),
		Event:     event,
		RequestID: RequestIDFromContext(ctx),
		Fields:    fields,
		CreatedAt: time.Now().UTC(),
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		e.ActorID = userID
	}
	return e
}

// Recorder persists an entry and mirrors it to the structured log. A nil
// Recorder records nothing, so call sites stay unconditional.
type Recorder struct {
	store Store
}

// NewRecorder wires the recorder to a store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// Record appends the event to the trail. Persistence failures are reported;
// the log line is best-effort either way.
func (r *Recorder) Record(ctx context.Context, event string, fields map[string]any) error {
	_ = LogEvent(ctx, event, fields)
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Append(ctx, NewEntry(ctx, event, fields))
}

// List returns the tenant's most recent entries, newest first.
func (r *Recorder) List(ctx context.Context, limit int) ([]Entry, error) {
	if r == nil || r.store == nil {
		return nil, nil
	}
	return r.store.List(ctx, limit)
}

const defaultListLimit = 100

// PGStore persists entries in the audit_log table. Writes run through the
// tenant scope when a tenant is bound and through the system scope otherwise,
// so platform-level actions are recorded too.
type PGStore struct {
	db *scope.DB
}

// NewPGStore wires the store to the scoped pool.
func NewPGStore(db *scope.DB) *PGStore {
	return &PGStore{db: db}
}

var _ Store = (*PGStore)(nil)

func (s *PGStore) Append(ctx context.Context, e *Entry) error {
	write := s.db.Write
	if e.TenantID == "" {
		write = s.db.System
	}
	return write(ctx, func(tx *sql.Tx) error {
		return s.AppendTx(ctx, tx, e)
	})
}

// AppendTx writes the entry inside the caller's transaction. Stores that
// must commit their own rows and the trail atomically use this instead of
// Append; a failed insert aborts the whole transaction.
func (s *PGStore) AppendTx(ctx context.Context, tx *sql.Tx, e *Entry) error {
	fields, err := json.Marshal(e.Fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_log (id, tenant_id, actor_id, event, request_id, fields, created_at)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, NULLIF($5, ''), $6, $7)`,
		e.ID, e.TenantID, e.ActorID, e.Event, e.RequestID, fields, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (s *PGStore) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var out []Entry
	err := s.db.Read(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, tenant_id, COALESCE(actor_id, ''), event, COALESCE(request_id, ''), fields, created_at
			FROM audit_log
			ORDER BY created_at DESC, id DESC
			LIMIT $1`, limit)
		if err != nil {
			return fmt.Errorf("list audit entries: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var e Entry
			var fields []byte
			if err := rows.Scan(&e.ID, &e.TenantID, &e.ActorID, &e.Event, &e.RequestID, &fields, &e.CreatedAt); err != nil {
				return err
			}
			if len(fields) > 0 {
				if err := json.Unmarshal(fields, &e.Fields); err != nil {
					return fmt.Errorf("decode fields: %w", err)
				}
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Memory is an in-process Store used when no database is configured and by
// tests.
type Memory struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemory creates an empty in-memory trail.
func NewMemory() *Memory {
	return &Memory{}
}

var _ Store = (*Memory)(nil)

func (m *Memory) Append(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *e)
	return nil
}

func (m *Memory) List(ctx context.Context, limit int) ([]Entry, error) {
	tid := tenant.IDFromContext(ctx)
	if tid == "" {
		return nil, scope.ErrNoTenant
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.entries {
		if e.TenantID == tid {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
