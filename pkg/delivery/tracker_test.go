package delivery

import (
	"testing"
	"time"
)

// TestProcessDeliveryAckDedup covers spec.md P6: processing the same
// DELIVERY_ACK twice removes the pending delivery exactly once and is
// otherwise a no-op.
func TestProcessDeliveryAckDedup(t *testing.T) {
	tr := NewTracker()
	tr.TrackMessage("msg-1", "peer-1", "bob", false)

	ack := tr.GenerateAck("msg-1", "peer-1", "bob", 1)

	if cleared := tr.ProcessDeliveryAck(ack); !cleared {
		t.Fatalf("first ack should clear the pending delivery")
	}
	if _, ok := tr.Pending("msg-1"); ok {
		t.Fatalf("message should no longer be pending")
	}

	if cleared := tr.ProcessDeliveryAck(ack); cleared {
		t.Fatalf("duplicate ack must be a no-op, not a second clear")
	}
}

func TestHandleTimeoutNonFavoriteNeverRetries(t *testing.T) {
	tr := NewTracker()
	tr.TrackMessage("msg-2", "peer-2", "carol", false)

	if action := tr.HandleTimeout("msg-2"); action != ActionDropped {
		t.Fatalf("non-favorite timeout = %v, want ActionDropped", action)
	}
	if _, ok := tr.Pending("msg-2"); ok {
		t.Fatalf("non-favorite message should be dropped, not retained")
	}
}

// TestHandleTimeoutFavoriteRetriesThenDrops covers spec.md P7's retry
// bound via the tracker's own accounting.
func TestHandleTimeoutFavoriteRetriesThenDrops(t *testing.T) {
	tr := NewTracker()
	tr.TrackMessage("msg-3", "peer-3", "dave", true)

	for i := 0; i < maxRetries; i++ {
		if action := tr.HandleTimeout("msg-3"); action != ActionRetry {
			t.Fatalf("attempt %d: action = %v, want ActionRetry", i, action)
		}
	}
	if action := tr.HandleTimeout("msg-3"); action != ActionDropped {
		t.Fatalf("after %d retries, action = %v, want ActionDropped", maxRetries, action)
	}
	if _, ok := tr.Pending("msg-3"); ok {
		t.Fatalf("message should be dropped once retry budget is exhausted")
	}
}

func TestCleanupOldDeliveriesExpiresPastHour(t *testing.T) {
	tr := NewTracker()
	base := time.Now()
	tr.now = func() time.Time { return base }
	tr.TrackMessage("msg-4", "peer-4", "erin", false)

	tr.now = func() time.Time { return base.Add(61 * time.Minute) }
	dropped := tr.CleanupOldDeliveries()
	if dropped != 1 {
		t.Fatalf("CleanupOldDeliveries dropped %d, want 1", dropped)
	}
	if _, ok := tr.Pending("msg-4"); ok {
		t.Fatalf("expired message should have been dropped")
	}
}

// TestMarkAckSentSuppressesDuplicateGeneration covers spec.md §3's
// sentAckIDs: once an ack has been marked sent, HasSentAck lets the
// caller recognize it and skip producing a second DELIVERY_ACK for the
// same message.
func TestMarkAckSentSuppressesDuplicateGeneration(t *testing.T) {
	tr := NewTracker()
	ack := tr.GenerateAck("msg-5", "peer-5", "frank", 0)

	if tr.HasSentAck(ack.AckID) {
		t.Fatalf("ack should not be marked sent yet")
	}
	tr.MarkAckSent(ack.AckID)
	if !tr.HasSentAck(ack.AckID) {
		t.Fatalf("ack should be marked sent after MarkAckSent")
	}

	regenerated := tr.GenerateAck("msg-5", "peer-5", "frank", 0)
	if regenerated.AckID != ack.AckID {
		t.Fatalf("GenerateAck should be deterministic for the same message/peer")
	}
	if !tr.HasSentAck(regenerated.AckID) {
		t.Fatalf("regenerated ack id should still be recognized as sent")
	}
}

func TestAckHistoryClearsOnOverflow(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < ackHistoryLimit; i++ {
		ack := tr.GenerateAck("msg-x", "peer", "nick", 0)
		ack.AckID = ack.AckID + string(rune(i))
		tr.ProcessDeliveryAck(ack)
	}
	if len(tr.receivedAckIDs) != ackHistoryLimit {
		t.Fatalf("expected %d ack ids tracked, got %d", ackHistoryLimit, len(tr.receivedAckIDs))
	}

	// One more push should clear the whole buffer, not evict the oldest.
	overflowAck := tr.GenerateAck("msg-y", "peer", "nick", 0)
	tr.ProcessDeliveryAck(overflowAck)
	if len(tr.receivedAckIDs) != 1 {
		t.Fatalf("expected buffer cleared to 1 entry after overflow, got %d", len(tr.receivedAckIDs))
	}
}
