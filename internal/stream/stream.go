package stream

import (
	"context"
	"sync"
	"time"
)

// Event types published by the ledger.
const (
	EventPaymentApplied  = "payment.applied"
	EventPaymentRefunded = "payment.refunded"
	EventFeeOverdue      = "fee.overdue"
)

// Event describes a ledger state change for live consumers.
type Event struct {
	Type         string    `json:"type"`
	TenantID     string    `json:"tenant_id"`
	StudentFeeID string    `json:"student_fee_id"`
	StudentID    string    `json:"student_id,omitempty"`
	PaymentID    string    `json:"payment_id,omitempty"`
	Amount       int64     `json:"amount"`
	Currency     string    `json:"currency,omitempty"`
	Status       string    `json:"status,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Stream fan-outs ledger events to all active subscribers (SSE clients).
// Subscriptions are tenant-filtered so one school never observes another's
// cash flow.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]*subscriber
	next int
}

type subscriber struct {
	tenantID string
	ch       chan Event
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]*subscriber)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events for the given tenant only. The channel is closed when the provided
// context ends.
func (s *Stream) Subscribe(ctx context.Context, tenantID string) <-chan Event {
	ch := make(chan Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = &subscriber{tenantID: tenantID, ch: ch}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to subscribers of its tenant.
func (s *Stream) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.tenantID != "" && sub.tenantID != evt.TenantID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
