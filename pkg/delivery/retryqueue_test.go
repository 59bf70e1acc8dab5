package delivery

import (
	"testing"
	"time"
)

func TestAddMessageForRetryRejectsDuplicateAndFull(t *testing.T) {
	q := NewRetryQueue()

	if err := q.AddMessageForRetry("m1", []byte("a")); err != nil {
		t.Fatalf("AddMessageForRetry: %v", err)
	}
	if err := q.AddMessageForRetry("m1", []byte("a")); err != ErrAlreadyQueued {
		t.Fatalf("duplicate add: err = %v, want ErrAlreadyQueued", err)
	}

	for i := 0; i < retryQueueCapacity-1; i++ {
		id := string(rune('a' + i))
		if err := q.AddMessageForRetry(id, nil); err != nil {
			t.Fatalf("AddMessageForRetry(%s): %v", id, err)
		}
	}
	if got := q.Len(); got != retryQueueCapacity {
		t.Fatalf("queue length = %d, want %d", got, retryQueueCapacity)
	}
	if err := q.AddMessageForRetry("overflow", nil); err != ErrRetryQueueFull {
		t.Fatalf("err = %v, want ErrRetryQueueFull", err)
	}
}

// TestProcessRetryQueueLinearBackoff covers spec.md P7: a retryable
// message is sent at most 4 times (initial + 3 retries) within 12s of
// the first attempt, with 2/4/6s linear backoff between sends.
func TestProcessRetryQueueLinearBackoff(t *testing.T) {
	q := NewRetryQueue()
	base := time.Now()
	q.now = func() time.Time { return base }

	if err := q.AddMessageForRetry("m1", []byte("payload")); err != nil {
		t.Fatalf("AddMessageForRetry: %v", err)
	}

	var sends []time.Time
	send := func(id string, payload []byte) {
		sends = append(sends, q.now())
	}

	// Before 2s: nothing due.
	q.ProcessRetryQueue(base.Add(1*time.Second), send)
	if len(sends) != 0 {
		t.Fatalf("expected no sends before 2s, got %d", len(sends))
	}

	// At 2s: first retry fires.
	q.ProcessRetryQueue(base.Add(2*time.Second), send)
	if len(sends) != 1 {
		t.Fatalf("expected 1 send at 2s, got %d", len(sends))
	}

	// At 5s (< 2+4=6s): no second retry yet.
	q.ProcessRetryQueue(base.Add(5*time.Second), send)
	if len(sends) != 1 {
		t.Fatalf("expected still 1 send at 5s, got %d", len(sends))
	}

	// At 6s: second retry fires.
	q.ProcessRetryQueue(base.Add(6*time.Second), send)
	if len(sends) != 2 {
		t.Fatalf("expected 2 sends at 6s, got %d", len(sends))
	}

	// At 12s: third retry fires, after which the entry is dropped
	// (retryMaxAttempts reached).
	q.ProcessRetryQueue(base.Add(12*time.Second), send)
	if len(sends) != 3 {
		t.Fatalf("expected 3 sends at 12s, got %d", len(sends))
	}
	if q.Len() != 0 {
		t.Fatalf("entry should be dropped after exhausting retries, Len() = %d", q.Len())
	}

	// No further sends even if processed again well past 12s.
	q.ProcessRetryQueue(base.Add(30*time.Second), send)
	if len(sends) != 3 {
		t.Fatalf("expected no further sends after drop, got %d", len(sends))
	}
}

// TestCancelStopsFurtherRetries covers the ack-arrives-mid-backoff path:
// once a DELIVERY_ACK confirms a message, it must not be resent on a
// later tick even though its nextRetryTime has already elapsed.
func TestCancelStopsFurtherRetries(t *testing.T) {
	q := NewRetryQueue()
	base := time.Now()
	q.now = func() time.Time { return base }

	if err := q.AddMessageForRetry("m1", []byte("payload")); err != nil {
		t.Fatalf("AddMessageForRetry: %v", err)
	}
	q.Cancel("m1")
	if q.Len() != 0 {
		t.Fatalf("Len() = %d after Cancel, want 0", q.Len())
	}

	var sends int
	q.ProcessRetryQueue(base.Add(10*time.Second), func(string, []byte) { sends++ })
	if sends != 0 {
		t.Fatalf("expected no sends after Cancel, got %d", sends)
	}

	// Cancel on an id that was never queued, or already drained, is a no-op.
	q.Cancel("never-queued")
}

func TestClearRetryQueueWipesState(t *testing.T) {
	q := NewRetryQueue()
	q.AddMessageForRetry("m1", nil)
	q.AddMessageForRetry("m2", nil)
	q.ClearRetryQueue()
	if q.Len() != 0 {
		t.Fatalf("Len() = %d after clear, want 0", q.Len())
	}
	// Re-adding the same id must now succeed, proving state was wiped.
	if err := q.AddMessageForRetry("m1", nil); err != nil {
		t.Fatalf("AddMessageForRetry after clear: %v", err)
	}
}
