package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"campusone.org/internal/tenant"
)

type staticTenants []tenant.Tenant

func (s staticTenants) List(context.Context) ([]tenant.Tenant, error) {
	return append([]tenant.Tenant(nil), s...), nil
}

type captureNotifier struct {
	mu    sync.Mutex
	calls []OverdueTransition
}

func (n *captureNotifier) NotifyOverdue(_ context.Context, _ *tenant.Tenant, tr OverdueTransition) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, tr)
}

func TestOverdueScannerSkipsSuspendedAndNotifiesOnce(t *testing.T) {
	svc := newTestService()

	suspended := &tenant.Tenant{ID: "ten-south", Name: "South High", Subdomain: "south", Status: tenant.StatusSuspended, Plan: "standard"}
	for _, tn := range []*tenant.Tenant{northTenant, suspended} {
		ctx := tenant.WithTenant(context.Background(), tn)
		structure, err := svc.CreateStructure(ctx, CreateStructureInput{
			Name:       "Last Term",
			DueDate:    testNow.AddDate(0, 0, -3),
			Components: []ComponentInput{{Name: "Tuition", Amount: 500}},
		})
		if err != nil {
			t.Fatalf("CreateStructure for %s: %v", tn.ID, err)
		}
		if _, err := svc.AssignStructure(ctx, structure.ID, []string{"stu-1"}); err != nil {
			t.Fatalf("AssignStructure for %s: %v", tn.ID, err)
		}
	}

	notifier := &captureNotifier{}
	scanner := NewOverdueScanner(svc, staticTenants{*northTenant, *suspended}, notifier)
	scanner.now = func() time.Time { return testNow }

	if err := scanner.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(notifier.calls) != 1 {
		t.Fatalf("expected one notification (suspended tenant skipped), got %d", len(notifier.calls))
	}

	// A second sweep finds no new transitions.
	if err := scanner.RunOnce(context.Background()); err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if len(notifier.calls) != 1 {
		t.Fatalf("notification must fire once per transition, got %d", len(notifier.calls))
	}

	// The suspended tenant's obligation is untouched until reactivation.
	southCtx := tenant.WithTenant(context.Background(), suspended)
	fees, err := svc.ListFees(southCtx, FeeFilter{Status: StatusUnpaid})
	if err != nil || len(fees) != 1 {
		t.Fatalf("suspended tenant's fee should still be unpaid: %d fees, err %v", len(fees), err)
	}
}
