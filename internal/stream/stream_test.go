package stream

import (
	"context"
	"testing"
	"time"
)

func TestPublishReachesTenantSubscribers(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	north := s.Subscribe(ctx, "ten-north")
	south := s.Subscribe(ctx, "ten-south")

	s.Publish(Event{Type: EventPaymentApplied, TenantID: "ten-north", Amount: 500})

	select {
	case evt := <-north:
		if evt.Type != EventPaymentApplied || evt.Amount != 500 {
			t.Fatalf("unexpected event: %+v", evt)
		}
		if evt.Timestamp.IsZero() {
			t.Fatal("timestamp should be stamped on publish")
		}
	case <-time.After(time.Second):
		t.Fatal("north subscriber did not receive the event")
	}

	select {
	case evt := <-south:
		t.Fatalf("south subscriber must not see north's event: %+v", evt)
	default:
	}
}

func TestSubscribeClosesOnContextCancel(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx, "ten-north")
	cancel()

	select {
	case _, open := <-ch:
		if open {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel was not closed after cancel")
	}
}

func TestPublishDropsWhenSubscriberIsSlow(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = s.Subscribe(ctx, "ten-north")
	// Fill well past the buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.Publish(Event{Type: EventPaymentApplied, TenantID: "ten-north"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}
