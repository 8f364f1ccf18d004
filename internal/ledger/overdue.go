package ledger

import (
	"context"
	"time"

	"campusone.org/internal/obs"
	"campusone.org/internal/tenant"
)

// TenantLister enumerates tenants for the cross-tenant scan.
type TenantLister interface {
	List(ctx context.Context) ([]tenant.Tenant, error)
}

// Notifier receives one call per obligation that newly became overdue.
// Because MarkOverdue only reports transitions, a notification fires exactly
// once per obligation no matter how often the scan runs.
type Notifier interface {
	NotifyOverdue(ctx context.Context, t *tenant.Tenant, tr OverdueTransition)
}

// LogNotifier writes overdue notices to the structured log. Stands in until
// a real delivery channel is wired.
type LogNotifier struct{}

func (LogNotifier) NotifyOverdue(_ context.Context, t *tenant.Tenant, tr OverdueTransition) {
	obs.LogRequest(map[string]any{
		"ts":             time.Now().UTC().Format(time.RFC3339Nano),
		"type":           "notice",
		"event":          "fee.overdue",
		"tenant_id":      t.ID,
		"student_fee_id": tr.StudentFeeID,
		"student_id":     tr.StudentID,
		"outstanding":    tr.Outstanding,
		"due_date":       tr.DueDate.Format("2006-01-02"),
	})
}

// OverdueScanner runs the daily overdue sweep across every active tenant.
type OverdueScanner struct {
	svc     *Service
	tenants TenantLister
	notify  Notifier
	now     func() time.Time
}

// NewOverdueScanner wires the scanner. notify may be nil.
func NewOverdueScanner(svc *Service, tenants TenantLister, notify Notifier) *OverdueScanner {
	if notify == nil {
		notify = LogNotifier{}
	}
	return &OverdueScanner{svc: svc, tenants: tenants, notify: notify, now: time.Now}
}

// RunOnce sweeps all active tenants. Suspended tenants are skipped; their
// obligations transition on the first scan after reactivation.
func (s *OverdueScanner) RunOnce(ctx context.Context) error {
	all, err := s.tenants.List(ctx)
	if err != nil {
		return err
	}
	today := s.now().UTC()
	for i := range all {
		t := &all[i]
		if !t.Active() {
			continue
		}
		scoped := tenant.WithTenant(ctx, t)
		transitions, err := s.svc.MarkOverdue(scoped, today)
		if err != nil {
			return err
		}
		for _, tr := range transitions {
			s.notify.NotifyOverdue(scoped, t, tr)
		}
	}
	return nil
}

// Start runs the sweep at the provided interval until the returned stop
// function is called.
func (s *OverdueScanner) Start(interval time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.RunOnce(ctx); err != nil {
					obs.LogRequest(map[string]any{
						"ts":    time.Now().UTC().Format(time.RFC3339Nano),
						"type":  "error",
						"event": "overdue.scan.failed",
						"error": err.Error(),
					})
				}
			}
		}
	}()
	return cancel
}
