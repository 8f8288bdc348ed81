package queue_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgard/signalbot/internal/database"
	"github.com/edgard/signalbot/internal/queue"
)

func newTestQueue(t *testing.T, cfg queue.Config) *queue.Queue {
	t.Helper()

	db, err := database.NewDB(filepath.Join(t.TempDir(), "queue_test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.CloseDB(db) })

	return queue.New(db, nil, cfg)
}

func TestPublishReceiveAck(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, queue.Config{})
	ctx := context.Background()

	if err := q.Publish(ctx, queue.InboundMessages, "msg-1", []byte(`{"n":1}`)); err != nil {
		t.Fatalf("Publish() unexpected error: %v", err)
	}

	d, err := q.Receive(ctx, queue.InboundMessages)
	if err != nil {
		t.Fatalf("Receive() unexpected error: %v", err)
	}
	if d == nil {
		t.Fatal("Receive() returned nil, want a delivery")
	}
	if d.DedupKey != "msg-1" {
		t.Errorf("dedup key = %q, want %q", d.DedupKey, "msg-1")
	}
	if string(d.Payload) != `{"n":1}` {
		t.Errorf("payload = %q, want %q", d.Payload, `{"n":1}`)
	}
	if d.DeliveryCount != 1 {
		t.Errorf("delivery count = %d, want 1", d.DeliveryCount)
	}

	if err := q.Ack(ctx, d); err != nil {
		t.Fatalf("Ack() unexpected error: %v", err)
	}

	again, err := q.Receive(ctx, queue.InboundMessages)
	if err != nil {
		t.Fatalf("Receive() after ack unexpected error: %v", err)
	}
	if again != nil {
		t.Errorf("Receive() after ack = %+v, want nil (message consumed)", again)
	}
}

func TestReceiveEmptyQueue(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, queue.Config{})

	d, err := q.Receive(context.Background(), queue.StockRequests)
	if err != nil {
		t.Fatalf("Receive() unexpected error: %v", err)
	}
	if d != nil {
		t.Errorf("Receive() on empty queue = %+v, want nil", d)
	}
}

func TestPublishDeduplicates(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, queue.Config{})
	ctx := context.Background()

	if err := q.Publish(ctx, queue.InboundMessages, "msg-1", []byte("first")); err != nil {
		t.Fatalf("Publish() unexpected error: %v", err)
	}
	if err := q.Publish(ctx, queue.InboundMessages, "msg-1", []byte("duplicate")); err != nil {
		t.Fatalf("duplicate Publish() unexpected error: %v", err)
	}

	d, err := q.Receive(ctx, queue.InboundMessages)
	if err != nil {
		t.Fatalf("Receive() unexpected error: %v", err)
	}
	if d == nil {
		t.Fatal("Receive() returned nil, want the original delivery")
	}
	if string(d.Payload) != "first" {
		t.Errorf("payload = %q, want the first publish to win", d.Payload)
	}
	if err := q.Ack(ctx, d); err != nil {
		t.Fatalf("Ack() unexpected error: %v", err)
	}

	again, err := q.Receive(ctx, queue.InboundMessages)
	if err != nil {
		t.Fatalf("Receive() unexpected error: %v", err)
	}
	if again != nil {
		t.Errorf("duplicate publish produced a second delivery: %+v", again)
	}
}

func TestSameDedupKeyOnDifferentQueues(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, queue.Config{})
	ctx := context.Background()

	if err := q.Publish(ctx, queue.StockRequests, "msg-1", []byte("a")); err != nil {
		t.Fatalf("Publish() unexpected error: %v", err)
	}
	if err := q.Publish(ctx, queue.OutboundResponses, "msg-1", []byte("b")); err != nil {
		t.Fatalf("Publish() unexpected error: %v", err)
	}

	if d, err := q.Receive(ctx, queue.StockRequests); err != nil || d == nil {
		t.Fatalf("Receive(stock) = (%+v, %v), want a delivery", d, err)
	}
	if d, err := q.Receive(ctx, queue.OutboundResponses); err != nil || d == nil {
		t.Fatalf("Receive(outbound) = (%+v, %v), want a delivery", d, err)
	}
}

func TestVisibilityTimeoutRedelivers(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, queue.Config{VisibilityTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	if err := q.Publish(ctx, queue.InboundMessages, "msg-1", []byte("payload")); err != nil {
		t.Fatalf("Publish() unexpected error: %v", err)
	}

	first, err := q.Receive(ctx, queue.InboundMessages)
	if err != nil || first == nil {
		t.Fatalf("Receive() = (%+v, %v), want a delivery", first, err)
	}

	// Invisible while the claim is live.
	hidden, err := q.Receive(ctx, queue.InboundMessages)
	if err != nil {
		t.Fatalf("Receive() unexpected error: %v", err)
	}
	if hidden != nil {
		t.Fatalf("message visible during claim window: %+v", hidden)
	}

	time.Sleep(100 * time.Millisecond)

	second, err := q.Receive(ctx, queue.InboundMessages)
	if err != nil {
		t.Fatalf("Receive() after timeout unexpected error: %v", err)
	}
	if second == nil {
		t.Fatal("crashed-worker message was not redelivered after visibility timeout")
	}
	if second.DedupKey != "msg-1" {
		t.Errorf("redelivered key = %q, want %q", second.DedupKey, "msg-1")
	}
	if second.DeliveryCount != 2 {
		t.Errorf("delivery count = %d, want 2", second.DeliveryCount)
	}
}

func TestNackDelaysRedelivery(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, queue.Config{NackDelay: 50 * time.Millisecond})
	ctx := context.Background()

	if err := q.Publish(ctx, queue.InboundMessages, "msg-1", []byte("payload")); err != nil {
		t.Fatalf("Publish() unexpected error: %v", err)
	}

	d, err := q.Receive(ctx, queue.InboundMessages)
	if err != nil || d == nil {
		t.Fatalf("Receive() = (%+v, %v), want a delivery", d, err)
	}
	if err := q.Nack(ctx, d, errors.New("transient handler failure")); err != nil {
		t.Fatalf("Nack() unexpected error: %v", err)
	}

	immediate, err := q.Receive(ctx, queue.InboundMessages)
	if err != nil {
		t.Fatalf("Receive() unexpected error: %v", err)
	}
	if immediate != nil {
		t.Fatalf("nacked message redelivered before delay: %+v", immediate)
	}

	time.Sleep(100 * time.Millisecond)

	redelivered, err := q.Receive(ctx, queue.InboundMessages)
	if err != nil {
		t.Fatalf("Receive() after delay unexpected error: %v", err)
	}
	if redelivered == nil {
		t.Fatal("nacked message never redelivered")
	}
}

func TestNackDeadLettersAfterBudget(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, queue.Config{
		MaxDeliveries: 2,
		NackDelay:     time.Millisecond,
	})
	ctx := context.Background()

	if err := q.Publish(ctx, queue.InboundMessages, "poison-1", []byte("poison")); err != nil {
		t.Fatalf("Publish() unexpected error: %v", err)
	}

	for i := 0; i < 2; i++ {
		var d *queue.Delivery
		deadline := time.Now().Add(2 * time.Second)
		for d == nil && time.Now().Before(deadline) {
			var err error
			d, err = q.Receive(ctx, queue.InboundMessages)
			if err != nil {
				t.Fatalf("Receive() unexpected error: %v", err)
			}
			if d == nil {
				time.Sleep(5 * time.Millisecond)
			}
		}
		if d == nil {
			t.Fatalf("delivery %d never became visible", i+1)
		}
		if err := q.Nack(ctx, d, errors.New("handler keeps failing")); err != nil {
			t.Fatalf("Nack() unexpected error: %v", err)
		}
	}

	// Budget spent: gone from the live queue, present in the dead letters.
	gone, err := q.Receive(ctx, queue.InboundMessages)
	if err != nil {
		t.Fatalf("Receive() unexpected error: %v", err)
	}
	if gone != nil {
		t.Fatalf("dead-lettered message still deliverable: %+v", gone)
	}

	letters, err := q.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("ListDeadLetters() unexpected error: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}
	if letters[0].DedupKey != "poison-1" {
		t.Errorf("dead letter key = %q, want %q", letters[0].DedupKey, "poison-1")
	}
	if letters[0].DeliveryCount != 2 {
		t.Errorf("dead letter delivery count = %d, want 2", letters[0].DeliveryCount)
	}
	if letters[0].LastError != "handler keeps failing" {
		t.Errorf("dead letter last error = %q, want the nack cause", letters[0].LastError)
	}
}

func TestPurgeAckedHonorsRetention(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, queue.Config{Retention: time.Millisecond})
	ctx := context.Background()

	if err := q.Publish(ctx, queue.InboundMessages, "msg-1", []byte("payload")); err != nil {
		t.Fatalf("Publish() unexpected error: %v", err)
	}
	d, err := q.Receive(ctx, queue.InboundMessages)
	if err != nil || d == nil {
		t.Fatalf("Receive() = (%+v, %v), want a delivery", d, err)
	}
	if err := q.Ack(ctx, d); err != nil {
		t.Fatalf("Ack() unexpected error: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	purged, err := q.PurgeAcked(ctx)
	if err != nil {
		t.Fatalf("PurgeAcked() unexpected error: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
}
