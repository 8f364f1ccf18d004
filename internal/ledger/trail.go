package ledger

import (
	"context"
	"database/sql"

	"campusone.org/internal/audit"
)

// Audit event names for money movements.
const (
	EventPaymentRecorded = "finance.payment.record"
	EventPaymentRefunded = "finance.payment.refund"
)

// Trail receives audit entries inside the same transaction as the ledger
// mutation they describe. A payment that commits without its trail entry, or
// a trail entry without its payment, is unacceptable for a financial record,
// so the store appends the entry before committing and a failed append rolls
// the whole mutation back.
type Trail interface {
	AppendTx(ctx context.Context, tx *sql.Tx, e *audit.Entry) error
}

func paymentAuditEntry(ctx context.Context, fee *StudentFee, p *Payment) *audit.Entry {
	return audit.NewEntry(ctx, EventPaymentRecorded, map[string]any{
		"resource_kind":  "payment",
		"resource_id":    p.ID,
		"student_fee_id": fee.ID,
		"amount":         p.Amount,
		"method":         p.Method,
		"reference":      p.Reference,
	})
}

func refundAuditEntry(ctx context.Context, fee *StudentFee, p *Payment) *audit.Entry {
	return audit.NewEntry(ctx, EventPaymentRefunded, map[string]any{
		"resource_kind":  "payment",
		"resource_id":    p.ID,
		"student_fee_id": fee.ID,
		"amount":         p.Amount,
		"reference":      p.Reference,
	})
}
