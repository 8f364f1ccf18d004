package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"campusone.org/internal/auth"
	"campusone.org/internal/obs"
	"campusone.org/internal/scope"
	"campusone.org/internal/tenant"
)

func TestLogEvent(t *testing.T) {
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = auth.ContextWithPrincipal(ctx, auth.Principal{UserID: "user-42"})

	if err := LogEvent(ctx, "audit.test", map[string]any{"foo": "bar"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	line := buf.String()
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "audit.test" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["user_id"] != "user-42" {
		t.Fatalf("unexpected user id: %v", entry["user_id"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["foo"] != "bar" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for blank event name")
	}
}

func TestRecorderPersistsTenantScopedEntries(t *testing.T) {
	logger := obs.Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	rec := NewRecorder(NewMemory())
	north := &tenant.Tenant{ID: "ten-north", Name: "North High", Subdomain: "north", Status: tenant.StatusActive}
	ctx := tenant.WithTenant(context.Background(), north)
	ctx = WithRequestID(ctx, "req-9")
	ctx = auth.ContextWithPrincipal(ctx, auth.Principal{UserID: "user-1", TenantID: north.ID})

	if err := rec.Record(ctx, "payment.applied", map[string]any{"amount": int64(500)}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	entries, err := rec.List(ctx, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	e := entries[0]
	if e.TenantID != "ten-north" || e.ActorID != "user-1" || e.Event != "payment.applied" || e.RequestID != "req-9" {
		t.Fatalf("unexpected entry: %+v", e)
	}

	// Another tenant sees nothing; no tenant fails closed.
	south := &tenant.Tenant{ID: "ten-south", Status: tenant.StatusActive}
	other, err := rec.List(tenant.WithTenant(context.Background(), south), 10)
	if err != nil || len(other) != 0 {
		t.Fatalf("cross-tenant leak: %d entries, err %v", len(other), err)
	}
	if _, err := rec.List(context.Background(), 10); !errors.Is(err, scope.ErrNoTenant) {
		t.Fatalf("expected scope.ErrNoTenant, got %v", err)
	}
}
