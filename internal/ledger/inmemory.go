package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"campusone.org/internal/audit"
	"campusone.org/internal/ids"
	"campusone.org/internal/scope"
	"campusone.org/internal/tenant"
)

var _ Store = (*InMemory)(nil)

// InMemory implements Store with in-process concurrency safety. Used when no
// database is configured and by tests. A single mutex serializes mutations,
// which gives the same guarantees the row locks provide in Postgres. Payment
// mutations stage their changes on a copy and commit only after the trail
// entry is appended, mirroring the transactional coupling of the PG store.
type InMemory struct {
	mu         sync.RWMutex
	trail      audit.Store
	structures map[string]*FeeStructure
	fees       map[string]*StudentFee
	payments   map[string]*Payment
}

// NewInMemory creates an empty ledger store. An optional audit store receives
// payment and refund entries; when it rejects an entry the mutation is
// discarded.
func NewInMemory(trail ...audit.Store) *InMemory {
	s := &InMemory{
		structures: make(map[string]*FeeStructure),
		fees:       make(map[string]*StudentFee),
		payments:   make(map[string]*Payment),
	}
	if len(trail) > 0 {
		s.trail = trail[0]
	}
	return s
}

func ambientTenant(ctx context.Context) (string, error) {
	id := tenant.IDFromContext(ctx)
	if id == "" {
		return "", scope.ErrNoTenant
	}
	return id, nil
}

func (s *InMemory) CreateStructure(ctx context.Context, structure *FeeStructure) error {
	tid, err := ambientTenant(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if structure.ID == "" {
		structure.ID = ids.New()
	}
	if structure.TenantID == "" {
		structure.TenantID = tid
	}
	structure.CreatedAt = time.Now().UTC()
	cp := copyStructure(structure)
	s.structures[structure.ID] = &cp
	return nil
}

func (s *InMemory) GetStructure(ctx context.Context, id string) (*FeeStructure, error) {
	tid, err := ambientTenant(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	structure, ok := s.structures[id]
	if !ok || structure.TenantID != tid {
		return nil, ErrNotFound
	}
	cp := copyStructure(structure)
	return &cp, nil
}

func (s *InMemory) ListStructures(ctx context.Context) ([]FeeStructure, error) {
	tid, err := ambientTenant(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []FeeStructure
	for _, structure := range s.structures {
		if structure.TenantID == tid {
			out = append(out, copyStructure(structure))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].DueDate.Before(out[j].DueDate)
	})
	return out, nil
}

func (s *InMemory) AssignStructure(ctx context.Context, structureID string, studentIDs []string) (int, error) {
	tid, err := ambientTenant(ctx)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	structure, ok := s.structures[structureID]
	if !ok || structure.TenantID != tid {
		return 0, ErrNotFound
	}

	created := 0
	now := time.Now().UTC()
	for _, studentID := range studentIDs {
		if s.hasFeeLocked(tid, studentID, structureID) {
			continue
		}
		fee := &StudentFee{
			ID:          ids.New(),
			TenantID:    tid,
			StudentID:   studentID,
			StructureID: structureID,
			Status:      StatusUnpaid,
			Currency:    structure.Currency,
			TotalAmount: structure.Total(),
			DueDate:     structure.DueDate,
			CreatedAt:   now,
		}
		for _, c := range structure.Components {
			fee.Items = append(fee.Items, StudentFeeItem{
				ID:           ids.New(),
				StudentFeeID: fee.ID,
				ComponentID:  c.ID,
				Name:         c.Name,
				Amount:       c.Amount,
				CreatedAt:    now,
			})
		}
		s.fees[fee.ID] = fee
		created++
	}
	return created, nil
}

func (s *InMemory) hasFeeLocked(tenantID, studentID, structureID string) bool {
	for _, fee := range s.fees {
		if fee.TenantID == tenantID && fee.StudentID == studentID && fee.StructureID == structureID {
			return true
		}
	}
	return false
}

func (s *InMemory) ListFees(ctx context.Context, filter FeeFilter) ([]StudentFee, error) {
	tid, err := ambientTenant(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []StudentFee
	for _, fee := range s.fees {
		if fee.TenantID != tid {
			continue
		}
		if filter.StudentID != "" && fee.StudentID != filter.StudentID {
			continue
		}
		if filter.StructureID != "" && fee.StructureID != filter.StructureID {
			continue
		}
		if filter.Status != "" && fee.Status != filter.Status {
			continue
		}
		out = append(out, copyFee(fee, false))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].ID < out[j].ID
		}
		return out[j].DueDate.Before(out[i].DueDate)
	})
	return out, nil
}

func (s *InMemory) GetFee(ctx context.Context, id string) (*StudentFee, error) {
	tid, err := ambientTenant(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	fee, ok := s.fees[id]
	if !ok || fee.TenantID != tid {
		return nil, ErrNotFound
	}
	cp := copyFee(fee, true)
	cp.Payments = s.paymentsForLocked(id)
	return &cp, nil
}

func (s *InMemory) paymentsForLocked(feeID string) []Payment {
	var out []Payment
	for _, p := range s.payments {
		if p.StudentFeeID == feeID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *InMemory) ApplyPayment(ctx context.Context, feeID string, payment *Payment, today time.Time) (*StudentFee, error) {
	tid, err := ambientTenant(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fee, ok := s.fees[feeID]
	if !ok || fee.TenantID != tid {
		return nil, ErrNotFound
	}
	staged := copyFee(fee, true)
	if err := allocate(&staged, payment.Amount, today); err != nil {
		return nil, err
	}
	payment.TenantID = tid
	payment.CreatedAt = time.Now().UTC()
	if s.trail != nil {
		if err := s.trail.Append(ctx, paymentAuditEntry(ctx, &staged, payment)); err != nil {
			return nil, err
		}
	}
	committed := staged
	s.fees[feeID] = &committed
	cp := *payment
	s.payments[payment.ID] = &cp

	out := copyFee(&committed, true)
	return &out, nil
}

func (s *InMemory) RefundPayment(ctx context.Context, paymentID string, today time.Time) (*StudentFee, *Payment, error) {
	tid, err := ambientTenant(ctx)
	if err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	payment, ok := s.payments[paymentID]
	if !ok || payment.TenantID != tid {
		return nil, nil, ErrNotFound
	}
	if payment.Status == PaymentRefunded {
		return nil, nil, ErrAlreadyRefunded
	}
	if payment.Status != PaymentSuccess {
		return nil, nil, ErrNotRefundable
	}
	fee, ok := s.fees[payment.StudentFeeID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	staged := copyFee(fee, true)
	deallocate(&staged, payment.Amount, today)
	refunded := *payment
	refunded.Status = PaymentRefunded
	if s.trail != nil {
		if err := s.trail.Append(ctx, refundAuditEntry(ctx, &staged, &refunded)); err != nil {
			return nil, nil, err
		}
	}
	committed := staged
	s.fees[fee.ID] = &committed
	*payment = refunded

	outFee := copyFee(&committed, true)
	outPayment := refunded
	return &outFee, &outPayment, nil
}

func (s *InMemory) MarkOverdue(ctx context.Context, today time.Time) ([]OverdueTransition, error) {
	tid, err := ambientTenant(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var transitions []OverdueTransition
	for _, fee := range s.fees {
		if fee.TenantID != tid || fee.Status != StatusUnpaid {
			continue
		}
		if !dateOnly(fee.DueDate).Before(dateOnly(today)) {
			continue
		}
		fee.Status = StatusOverdue
		transitions = append(transitions, OverdueTransition{
			StudentFeeID: fee.ID,
			StudentID:    fee.StudentID,
			DueDate:      fee.DueDate,
			Outstanding:  fee.Outstanding(),
		})
	}
	sort.Slice(transitions, func(i, j int) bool { return transitions[i].StudentFeeID < transitions[j].StudentFeeID })
	return transitions, nil
}

func copyStructure(s *FeeStructure) FeeStructure {
	cp := *s
	cp.Components = append([]FeeComponent(nil), s.Components...)
	return cp
}

func copyFee(f *StudentFee, withItems bool) StudentFee {
	cp := *f
	cp.Payments = nil
	if withItems {
		cp.Items = append([]StudentFeeItem(nil), f.Items...)
	} else {
		cp.Items = nil
	}
	return cp
}
