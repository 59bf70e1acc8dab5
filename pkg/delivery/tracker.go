// Package delivery implements DeliveryTracker and RetryQueue: per-message
// delivery bookkeeping for private messages, per spec.md §4.6/§4.7.
// Grounded on pkg/storage/relay_queue.go's QueuedMessage/attempt-counter/
// expiry shape, generalized from a persisted SQL table to an in-core map:
// the teacher's relay queue survives relay restarts by design (offline
// store-and-forward), but bitchat's tracker lives only for the session —
// spec.md §5 scopes the core to a single-threaded event loop with no
// durable state beyond the IdentityCache blob.
package delivery

import (
	"log"
	"time"
)

// ackHistoryLimit bounds receivedAckIDs, per spec.md §4.6's
// "truncate ack-ID lists at 1000 entries (clear on overflow)".
const ackHistoryLimit = 1000

// pendingExpiry drops tracked deliveries older than this, per spec.md
// §4.6's cleanupOldDeliveries.
const pendingExpiry = 1 * time.Hour

// maxRetries bounds handleTimeout's retry accounting, per spec.md §4.6.
const maxRetries = 3

// MaxRetries exposes maxRetries to callers outside this package (e.g.
// pkg/node's retry-queue drain) that need to recognize a delivery's
// final allowed attempt without duplicating the bound.
const MaxRetries = maxRetries

// PendingDelivery is one in-flight private message awaiting a
// DELIVERY_ACK, per spec.md §4.6.
type PendingDelivery struct {
	MessageID         string
	RecipientID       string
	RecipientNickname string
	IsFavorite        bool
	SentAt            time.Time
	RetryCount        int
}

// Ack is the pure DELIVERY_ACK payload produced by GenerateAck.
type Ack struct {
	AckID             string
	OriginalMessageID string
	FromPeerID        string
	FromNickname      string
	HopCount          uint8
	Timestamp         time.Time
}

// Tracker tracks per-message delivery state for private messages only
// (msg.isPrivate == true per spec.md §4.6).
type Tracker struct {
	pending        map[string]*PendingDelivery // keyed by messageID
	receivedAckIDs map[string]struct{}
	ackOrder       []string // insertion order, for deterministic truncation

	// sentAckIDs mirrors receivedAckIDs for acks this node has generated
	// (spec.md §3's sentAckIDs), so a duplicate inbound message that
	// would otherwise produce a second DELIVERY_ACK for the same
	// messageID can be recognized and suppressed by the caller.
	sentAckIDs map[string]struct{}
	sentOrder  []string

	now func() time.Time
}

// NewTracker constructs an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		pending:        make(map[string]*PendingDelivery),
		receivedAckIDs: make(map[string]struct{}),
		sentAckIDs:     make(map[string]struct{}),
		now:            time.Now,
	}
}

// TrackMessage registers msg as awaiting delivery confirmation.
func (t *Tracker) TrackMessage(messageID, recipientID, recipientNickname string, isFavorite bool) {
	t.pending[messageID] = &PendingDelivery{
		MessageID:         messageID,
		RecipientID:       recipientID,
		RecipientNickname: recipientNickname,
		IsFavorite:        isFavorite,
		SentAt:            t.now(),
	}
}

// ProcessDeliveryAck implements spec.md P6: if ack.AckID has already been
// seen, drop it (dedup, no-op); otherwise record it and remove the
// matching pending delivery. Returns true if a pending delivery was
// actually cleared.
func (t *Tracker) ProcessDeliveryAck(ack Ack) bool {
	if _, dup := t.receivedAckIDs[ack.AckID]; dup {
		return false
	}
	t.recordAckID(ack.AckID)

	if _, ok := t.pending[ack.OriginalMessageID]; !ok {
		return false
	}
	delete(t.pending, ack.OriginalMessageID)
	return true
}

func (t *Tracker) recordAckID(id string) {
	if len(t.receivedAckIDs) >= ackHistoryLimit {
		t.receivedAckIDs = make(map[string]struct{})
		t.ackOrder = nil
	}
	t.receivedAckIDs[id] = struct{}{}
	t.ackOrder = append(t.ackOrder, id)
}

// GenerateAck is a pure constructor: it builds the Ack value the caller
// is responsible for sending, per spec.md §4.6. It does not itself touch
// sentAckIDs — use HasSentAck/MarkAckSent around the actual send so a
// caller that decides not to send (e.g. transport unavailable) doesn't
// falsely mark the ack as sent.
func (t *Tracker) GenerateAck(originalMessageID, myPeerID, myNickname string, hopCount uint8) Ack {
	return Ack{
		AckID:             originalMessageID + ":" + myPeerID,
		OriginalMessageID: originalMessageID,
		FromPeerID:        myPeerID,
		FromNickname:      myNickname,
		HopCount:          hopCount,
		Timestamp:         t.now(),
	}
}

// HasSentAck reports whether ackID has already been generated and sent
// by this node, per spec.md §3's sentAckIDs — lets the caller suppress a
// redundant DELIVERY_ACK for a message it has already acknowledged.
func (t *Tracker) HasSentAck(ackID string) bool {
	_, ok := t.sentAckIDs[ackID]
	return ok
}

// MarkAckSent records ackID into sentAckIDs once the caller has actually
// sent it.
func (t *Tracker) MarkAckSent(ackID string) {
	if len(t.sentAckIDs) >= ackHistoryLimit {
		t.sentAckIDs = make(map[string]struct{})
		t.sentOrder = nil
	}
	t.sentAckIDs[ackID] = struct{}{}
	t.sentOrder = append(t.sentOrder, ackID)
}

// TimeoutAction tells the caller what to do after HandleTimeout.
type TimeoutAction int

const (
	// ActionDropped means the message is abandoned: either it was not
	// favorite-eligible or the retry budget is exhausted.
	ActionDropped TimeoutAction = iota
	// ActionRetry means the caller should resend the message.
	ActionRetry
)

// HandleTimeout implements spec.md §4.6: non-favorites are never
// retried; favorites retry up to 3 times, then the entry is dropped.
// Called from pkg/node's retry-queue drain on every scheduled resend, so
// RetryQueue owns the backoff clock while Tracker owns the go/no-go
// decision and the retryCount each PendingDelivery carries.
func (t *Tracker) HandleTimeout(messageID string) TimeoutAction {
	pd, ok := t.pending[messageID]
	if !ok {
		return ActionDropped
	}
	if !pd.IsFavorite {
		delete(t.pending, messageID)
		return ActionDropped
	}
	if pd.RetryCount >= maxRetries {
		delete(t.pending, messageID)
		return ActionDropped
	}
	pd.RetryCount++
	return ActionRetry
}

// Pending returns a copy of the pending delivery for messageID, if any.
func (t *Tracker) Pending(messageID string) (PendingDelivery, bool) {
	pd, ok := t.pending[messageID]
	if !ok {
		return PendingDelivery{}, false
	}
	return *pd, true
}

// PendingCount reports how many deliveries are currently outstanding.
func (t *Tracker) PendingCount() int {
	return len(t.pending)
}

// CleanupOldDeliveries drops pending entries older than pendingExpiry and
// truncates the ack-ID history at ackHistoryLimit (clearing outright on
// overflow, mirroring HandshakeCoordinator's duplicate buffer per
// spec.md §9's "do not replace with an LRU" guidance carried over here
// for the same bounded-memory reason).
func (t *Tracker) CleanupOldDeliveries() int {
	now := t.now()
	dropped := 0
	for id, pd := range t.pending {
		if now.Sub(pd.SentAt) > pendingExpiry {
			delete(t.pending, id)
			dropped++
		}
	}
	if dropped > 0 {
		log.Printf("🧹 delivery tracker: dropped %d stale pending deliveries", dropped)
	}
	if len(t.receivedAckIDs) > ackHistoryLimit {
		t.receivedAckIDs = make(map[string]struct{})
		t.ackOrder = nil
	}
	if len(t.sentAckIDs) > ackHistoryLimit {
		t.sentAckIDs = make(map[string]struct{})
		t.sentOrder = nil
	}
	return dropped
}
