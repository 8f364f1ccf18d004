package ledger

import (
	"errors"
	"time"
)

// Fee obligation statuses.
const (
	StatusUnpaid  = "unpaid"
	StatusPartial = "partial"
	StatusPaid    = "paid"
	StatusOverdue = "overdue"
)

// Payment statuses. Only success payments hold allocations; failed ones
// never touched the obligation and refunded ones gave theirs back.
const (
	PaymentSuccess  = "success"
	PaymentFailed   = "failed"
	PaymentRefunded = "refunded"
)

var (
	ErrNotFound           = errors.New("ledger: not found")
	ErrInvalidInput       = errors.New("ledger: invalid input")
	ErrInvalidAmount      = errors.New("ledger: amount must be positive")
	ErrExceedsOutstanding = errors.New("ledger: amount exceeds outstanding balance")
	ErrAlreadyRefunded    = errors.New("ledger: payment already refunded")
	ErrNotRefundable      = errors.New("ledger: only success payments can be refunded")
)

// All amounts are integer minor units of the structure's currency. No floats.

// FeeStructure is a template of charges for a period, optionally bound to a
// class. Assigning it to students instantiates obligations.
type FeeStructure struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	Name       string         `json:"name"`
	ClassID    string         `json:"class_id,omitempty"`
	Currency   string         `json:"currency"`
	DueDate    time.Time      `json:"due_date"`
	CreatedAt  time.Time      `json:"created_at"`
	Components []FeeComponent `json:"components"`
}

// Total sums the component amounts.
func (s *FeeStructure) Total() int64 {
	var total int64
	for _, c := range s.Components {
		total += c.Amount
	}
	return total
}

// FeeComponent is one line of a fee structure.
type FeeComponent struct {
	ID          string `json:"id"`
	StructureID string `json:"structure_id"`
	Name        string `json:"name"`
	Amount      int64  `json:"amount"`
	Optional    bool   `json:"optional"`
	SortOrder   int    `json:"sort_order"`
}

// StudentFee is one student's obligation instantiated from a structure.
// PaidAmount never exceeds TotalAmount and never goes below zero.
type StudentFee struct {
	ID          string           `json:"id"`
	TenantID    string           `json:"tenant_id"`
	StudentID   string           `json:"student_id"`
	StructureID string           `json:"structure_id"`
	Status      string           `json:"status"`
	Currency    string           `json:"currency"`
	TotalAmount int64            `json:"total_amount"`
	PaidAmount  int64            `json:"paid_amount"`
	DueDate     time.Time        `json:"due_date"`
	CreatedAt   time.Time        `json:"created_at"`
	Items       []StudentFeeItem `json:"items,omitempty"`
	Payments    []Payment        `json:"payments,omitempty"`
}

// Outstanding is the unpaid remainder.
func (f *StudentFee) Outstanding() int64 {
	return f.TotalAmount - f.PaidAmount
}

// StudentFeeItem mirrors one component of the obligation. Items are paid in
// creation order and refunded in reverse.
type StudentFeeItem struct {
	ID           string    `json:"id"`
	StudentFeeID string    `json:"student_fee_id"`
	ComponentID  string    `json:"component_id"`
	Name         string    `json:"name"`
	Amount       int64     `json:"amount"`
	PaidAmount   int64     `json:"paid_amount"`
	CreatedAt    time.Time `json:"created_at"`
}

// Payment is a recorded receipt against an obligation.
type Payment struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	StudentFeeID string    `json:"student_fee_id"`
	Amount       int64     `json:"amount"`
	Method       string    `json:"method"`
	Reference    string    `json:"reference"`
	Status       string    `json:"status"`
	RecordedBy   string    `json:"recorded_by,omitempty"`
	ReceivedAt   time.Time `json:"received_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// FeeFilter narrows ListFees.
type FeeFilter struct {
	StudentID   string
	StructureID string
	Status      string
}

// OverdueTransition reports one obligation flipped to overdue by the daily scan.
type OverdueTransition struct {
	StudentFeeID string
	StudentID    string
	DueDate      time.Time
	Outstanding  int64
}
