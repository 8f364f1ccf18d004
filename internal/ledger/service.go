package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"campusone.org/internal/auth"
	"campusone.org/internal/ids"
	"campusone.org/internal/obs"
	"campusone.org/internal/stream"
	"campusone.org/internal/tenant"
)

const defaultCurrency = "USD"

// Store persists fee structures, obligations and payments. Mutating methods
// run atomically: the obligation row is locked first, payment rows second,
// and all four steps of a payment (payment row, item allocations, obligation
// amounts, status) commit or roll back together.
type Store interface {
	CreateStructure(ctx context.Context, s *FeeStructure) error
	GetStructure(ctx context.Context, id string) (*FeeStructure, error)
	ListStructures(ctx context.Context) ([]FeeStructure, error)

	// AssignStructure instantiates obligations for the students, skipping any
	// that already hold one for the structure. Returns the number created.
	AssignStructure(ctx context.Context, structureID string, studentIDs []string) (int, error)

	ListFees(ctx context.Context, filter FeeFilter) ([]StudentFee, error)
	GetFee(ctx context.Context, id string) (*StudentFee, error)

	ApplyPayment(ctx context.Context, feeID string, payment *Payment, today time.Time) (*StudentFee, error)
	RefundPayment(ctx context.Context, paymentID string, today time.Time) (*StudentFee, *Payment, error)

	// MarkOverdue flips every obligation whose due date has passed and that
	// has seen no money to overdue. Already overdue rows are left alone, so
	// a second run on the same day reports nothing.
	MarkOverdue(ctx context.Context, today time.Time) ([]OverdueTransition, error)
}

// Service validates input, generates identifiers and receipts, and publishes
// ledger events. All persistence and locking lives in the Store.
type Service struct {
	store  Store
	events *stream.Stream
	now    func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithEvents publishes ledger changes to the stream.
func WithEvents(s *stream.Stream) ServiceOption {
	return func(svc *Service) { svc.events = s }
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(svc *Service) {
		if fn != nil {
			svc.now = fn
		}
	}
}

// NewService constructs the ledger service.
func NewService(store Store, opts ...ServiceOption) *Service {
	svc := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// CreateStructureInput is the payload for CreateStructure.
type CreateStructureInput struct {
	Name       string
	ClassID    string
	Currency   string
	DueDate    time.Time
	Components []ComponentInput
}

// ComponentInput is one fee line of a new structure.
type ComponentInput struct {
	Name     string
	Amount   int64
	Optional bool
}

// CreateStructure registers a fee structure with its components.
func (s *Service) CreateStructure(ctx context.Context, in CreateStructureInput) (*FeeStructure, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if in.DueDate.IsZero() {
		return nil, fmt.Errorf("%w: due date is required", ErrInvalidInput)
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = defaultCurrency
	}

	structure := &FeeStructure{
		ID:       ids.New(),
		TenantID: tenant.IDFromContext(ctx),
		Name:     name,
		ClassID:  strings.TrimSpace(in.ClassID),
		Currency: currency,
		DueDate:  dateOnly(in.DueDate),
	}
	for i, c := range in.Components {
		if c.Amount < 0 {
			return nil, fmt.Errorf("%w: component amount must not be negative", ErrInvalidInput)
		}
		componentName := strings.TrimSpace(c.Name)
		if componentName == "" {
			componentName = fmt.Sprintf("Component %d", i+1)
		}
		structure.Components = append(structure.Components, FeeComponent{
			ID:          ids.New(),
			StructureID: structure.ID,
			Name:        componentName,
			Amount:      c.Amount,
			Optional:    c.Optional,
			SortOrder:   i,
		})
	}
	if err := s.store.CreateStructure(ctx, structure); err != nil {
		return nil, err
	}
	return structure, nil
}

// GetStructure loads one structure with components.
func (s *Service) GetStructure(ctx context.Context, id string) (*FeeStructure, error) {
	return s.store.GetStructure(ctx, id)
}

// ListStructures lists the tenant's structures.
func (s *Service) ListStructures(ctx context.Context) ([]FeeStructure, error) {
	return s.store.ListStructures(ctx)
}

// AssignStructure creates obligations for the listed students. Students that
// already hold one for this structure are skipped, so re-running an import
// never duplicates charges.
func (s *Service) AssignStructure(ctx context.Context, structureID string, studentIDs []string) (int, error) {
	if strings.TrimSpace(structureID) == "" {
		return 0, fmt.Errorf("%w: structure id is required", ErrInvalidInput)
	}
	seen := make(map[string]struct{}, len(studentIDs))
	cleaned := make([]string, 0, len(studentIDs))
	for _, id := range studentIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		cleaned = append(cleaned, id)
	}
	if len(cleaned) == 0 {
		return 0, fmt.Errorf("%w: at least one student id is required", ErrInvalidInput)
	}
	return s.store.AssignStructure(ctx, structureID, cleaned)
}

// ListFees lists obligations matching the filter.
func (s *Service) ListFees(ctx context.Context, filter FeeFilter) ([]StudentFee, error) {
	return s.store.ListFees(ctx, filter)
}

// GetFee loads one obligation with items and payments.
func (s *Service) GetFee(ctx context.Context, id string) (*StudentFee, error) {
	return s.store.GetFee(ctx, id)
}

// PaymentInput is the payload for RecordPayment.
type PaymentInput struct {
	StudentFeeID string
	Amount       int64
	Method       string
}

// RecordPayment applies a payment to an obligation. The amount is spread
// across the obligation's items in creation order and must not exceed the
// outstanding balance.
func (s *Service) RecordPayment(ctx context.Context, in PaymentInput) (*StudentFee, *Payment, error) {
	if strings.TrimSpace(in.StudentFeeID) == "" {
		return nil, nil, fmt.Errorf("%w: student fee id is required", ErrInvalidInput)
	}
	if in.Amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	method := strings.TrimSpace(strings.ToLower(in.Method))
	if method == "" {
		method = "cash"
	}

	now := s.now().UTC()
	payment := &Payment{
		ID:           ids.New(),
		TenantID:     tenant.IDFromContext(ctx),
		StudentFeeID: in.StudentFeeID,
		Amount:       in.Amount,
		Method:       method,
		Reference:    newReceiptRef(),
		Status:       PaymentSuccess,
		ReceivedAt:   now,
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		payment.RecordedBy = userID
	}

	fee, err := s.store.ApplyPayment(ctx, in.StudentFeeID, payment, now)
	if err != nil {
		obs.ObservePayment("rejected")
		return nil, nil, err
	}
	obs.ObservePayment("applied")
	s.publish(stream.Event{
		Type:         stream.EventPaymentApplied,
		TenantID:     fee.TenantID,
		StudentFeeID: fee.ID,
		StudentID:    fee.StudentID,
		PaymentID:    payment.ID,
		Amount:       payment.Amount,
		Currency:     fee.Currency,
		Status:       fee.Status,
	})
	return fee, payment, nil
}

// Refund reverses a success payment in full. Allocations are pulled back
// from the obligation's items in reverse order, flooring every balance at
// zero. Refunding twice fails with ErrAlreadyRefunded; failed payments never
// held money and fail with ErrNotRefundable.
func (s *Service) Refund(ctx context.Context, paymentID string) (*StudentFee, *Payment, error) {
	if strings.TrimSpace(paymentID) == "" {
		return nil, nil, fmt.Errorf("%w: payment id is required", ErrInvalidInput)
	}
	fee, payment, err := s.store.RefundPayment(ctx, paymentID, s.now().UTC())
	if err != nil {
		obs.ObserveRefund("rejected")
		return nil, nil, err
	}
	obs.ObserveRefund("refunded")
	s.publish(stream.Event{
		Type:         stream.EventPaymentRefunded,
		TenantID:     fee.TenantID,
		StudentFeeID: fee.ID,
		StudentID:    fee.StudentID,
		PaymentID:    payment.ID,
		Amount:       payment.Amount,
		Currency:     fee.Currency,
		Status:       fee.Status,
	})
	return fee, payment, nil
}

// MarkOverdue runs the daily scan and publishes one event per transition.
// Running it again on the same day is a no-op.
func (s *Service) MarkOverdue(ctx context.Context, today time.Time) ([]OverdueTransition, error) {
	if today.IsZero() {
		today = s.now().UTC()
	}
	transitions, err := s.store.MarkOverdue(ctx, today)
	if err != nil {
		return nil, err
	}
	tenantID := tenant.IDFromContext(ctx)
	for _, tr := range transitions {
		s.publish(stream.Event{
			Type:         stream.EventFeeOverdue,
			TenantID:     tenantID,
			StudentFeeID: tr.StudentFeeID,
			StudentID:    tr.StudentID,
			Amount:       tr.Outstanding,
			Status:       StatusOverdue,
		})
	}
	return transitions, nil
}

func (s *Service) publish(evt stream.Event) {
	if s.events != nil {
		s.events.Publish(evt)
	}
}

func newReceiptRef() string {
	return "RCP-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}
