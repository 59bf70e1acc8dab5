package delivery

import (
	"errors"
	"time"
)

// retryQueueCapacity bounds the queue, per spec.md §4.7.
const retryQueueCapacity = 50

// retryMaxAttempts drops an entry once its retry count reaches this,
// per spec.md §4.7.
const retryMaxAttempts = 3

// ErrRetryQueueFull is returned by AddMessageForRetry when the queue is
// at capacity, per spec.md §7's CapacityError ("retry queue is hard — it
// rejects").
var ErrRetryQueueFull = errors.New("delivery: retry queue full")

// ErrAlreadyQueued is returned when originalMessageID is already present.
var ErrAlreadyQueued = errors.New("delivery: message already queued for retry")

// RetryEntry is one message awaiting a scheduled resend.
type RetryEntry struct {
	OriginalMessageID string
	Payload           []byte
	RetryCount        int
	NextRetryTime     time.Time
}

// RetryQueue implements spec.md §4.7's bounded linear-backoff retry
// schedule, grounded on pkg/storage/relay_queue.go's ticker-driven
// cleanupExpiredMessages, generalized from a background goroutine plus
// SQL table into a tick()-driven in-core queue per spec.md §5's
// single-threaded cooperative scheduling model.
type RetryQueue struct {
	entries map[string]*RetryEntry
	order   []string // FIFO order for deterministic draining

	now func() time.Time
}

// NewRetryQueue constructs an empty RetryQueue.
func NewRetryQueue() *RetryQueue {
	return &RetryQueue{
		entries: make(map[string]*RetryEntry),
		now:     time.Now,
	}
}

// AddMessageForRetry queues payload for messageID's first retry attempt,
// scheduled 2s from now (the first step of the 2/4/6s linear backoff).
func (q *RetryQueue) AddMessageForRetry(messageID string, payload []byte) error {
	if _, exists := q.entries[messageID]; exists {
		return ErrAlreadyQueued
	}
	if len(q.entries) >= retryQueueCapacity {
		return ErrRetryQueueFull
	}
	q.entries[messageID] = &RetryEntry{
		OriginalMessageID: messageID,
		Payload:           payload,
		RetryCount:        0,
		NextRetryTime:     q.now().Add(2 * time.Second),
	}
	q.order = append(q.order, messageID)
	return nil
}

// Len reports how many entries are currently queued.
func (q *RetryQueue) Len() int {
	return len(q.entries)
}

// RetrySend is invoked by ProcessRetryQueue for each entry whose
// nextRetryTime has arrived; the caller supplies the actual transport.
type RetrySend func(messageID string, payload []byte)

// ProcessRetryQueue drains entries whose NextRetryTime ≤ now, invokes
// send for each, increments RetryCount, and reschedules with linear
// backoff (2/4/6s). Entries whose RetryCount reaches retryMaxAttempts
// are dropped instead of rescheduled, per spec.md §4.7.
func (q *RetryQueue) ProcessRetryQueue(now time.Time, send RetrySend) {
	var remaining []string
	for _, id := range q.order {
		entry, ok := q.entries[id]
		if !ok {
			continue // already removed
		}
		if now.Before(entry.NextRetryTime) {
			remaining = append(remaining, id)
			continue
		}

		send(entry.OriginalMessageID, entry.Payload)
		entry.RetryCount++

		if entry.RetryCount >= retryMaxAttempts {
			delete(q.entries, id)
			continue
		}
		entry.NextRetryTime = now.Add(time.Duration(2*(entry.RetryCount+1)) * time.Second)
		remaining = append(remaining, id)
	}
	q.order = remaining
}

// Cancel removes messageID from the retry queue, if present, with no
// error if it was never queued. Called once a DELIVERY_ACK confirms the
// message arrived, so a favorite's already-delivered message is not
// resent on its next backoff tick.
func (q *RetryQueue) Cancel(messageID string) {
	delete(q.entries, messageID)
}

// ClearRetryQueue wipes all state, e.g. on identity reset per spec.md §4.7.
func (q *RetryQueue) ClearRetryQueue() {
	q.entries = make(map[string]*RetryEntry)
	q.order = nil
}
