package ledger

import "time"

// StatusFor computes the obligation status from its amounts and due date.
// Rules, applied in order:
//
//	paid >= total and total > 0  -> paid
//	paid > 0                     -> partial
//	due date before today        -> overdue
//	otherwise                    -> unpaid
//
// A partially paid obligation past its due date stays partial; the amounts
// outrank the calendar.
func StatusFor(total, paid int64, due, today time.Time) string {
	if paid >= total && total > 0 {
		return StatusPaid
	}
	if paid > 0 {
		return StatusPartial
	}
	if dateOnly(due).Before(dateOnly(today)) {
		return StatusOverdue
	}
	return StatusUnpaid
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// allocate distributes amount across the obligation's items in creation
// order, filling each item up to its amount, and advances PaidAmount and
// Status. The caller validates amount > 0 and holds the obligation lock.
func allocate(fee *StudentFee, amount int64, today time.Time) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if amount > fee.Outstanding() {
		return ErrExceedsOutstanding
	}
	remaining := amount
	for i := range fee.Items {
		if remaining == 0 {
			break
		}
		item := &fee.Items[i]
		room := item.Amount - item.PaidAmount
		if room <= 0 {
			continue
		}
		pay := min(remaining, room)
		item.PaidAmount += pay
		remaining -= pay
	}
	fee.PaidAmount += amount - remaining
	fee.Status = StatusFor(fee.TotalAmount, fee.PaidAmount, fee.DueDate, today)
	return nil
}

// deallocate walks the items in reverse creation order, pulling amount back
// out and flooring every balance at zero. It is the inverse of allocate.
func deallocate(fee *StudentFee, amount int64, today time.Time) {
	remaining := amount
	for i := len(fee.Items) - 1; i >= 0 && remaining > 0; i-- {
		item := &fee.Items[i]
		back := min(remaining, item.PaidAmount)
		item.PaidAmount -= back
		remaining -= back
	}
	fee.PaidAmount -= amount
	if fee.PaidAmount < 0 {
		fee.PaidAmount = 0
	}
	fee.Status = StatusFor(fee.TotalAmount, fee.PaidAmount, fee.DueDate, today)
}
