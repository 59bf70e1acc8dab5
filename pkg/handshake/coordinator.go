// Package handshake implements the HandshakeCoordinator: arbitration of
// concurrent Noise handshake initiations so a peer pair always converges
// on a single session, per spec.md §4.4.
package handshake

import (
	"bytes"
	"sync"
	"time"

	"github.com/Latticeworks1/bitchat/pkg/wire"
)

// Role mirrors noisesession.Role without importing it, so this package
// has no dependency on the crypto layer — the coordinator only ever
// holds value records, never session references (spec.md §3).
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// HandshakeState is the coordinator's own record state, distinct from
// (and coarser than) NoiseSession's internal state.
type HandshakeState int

const (
	StateIdle HandshakeState = iota
	StateInitiating
	StateResponding
	StateEstablished
	StateFailed
)

// Tunable parameters, per spec.md §4.4.
const (
	MaxAttempts              = 3
	HandshakeTimeout         = 10 * time.Second
	RetryDelay               = 2 * time.Second
	MinTimeBetweenHandshakes = 1 * time.Second
	MessageHistoryLimit      = 100
	StaleTimeout             = 30 * time.Second
)

// Record is the coordinator's bookkeeping for one peer's handshake
// lifecycle, per spec.md §3's HandshakeRecord.
type Record struct {
	State     HandshakeState
	Timestamp time.Time
	Attempt   int
	CanRetry  bool
	Reason    string
}

// Coordinator arbitrates handshake initiation across peers. It holds only
// value records, never NoiseSession references.
type Coordinator struct {
	mu      sync.Mutex
	records map[wire.PeerID]*Record

	// processedHandshakeMessages is the duplicate-suppression history.
	// Deliberately cleared (not rotated) on overflow to bound memory on a
	// constrained device — see spec.md §9 and §4.4.
	processedHandshakeMessages [][]byte

	now func() time.Time
}

// NewCoordinator constructs an empty Coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		records: make(map[wire.PeerID]*Record),
		now:     time.Now,
	}
}

// RoleOf computes, purely from the two peer IDs with no clock or random
// input, which side is the Initiator: the lexicographically smaller ID
// initiates, per spec.md §4.4. Both sides compute this identically and
// so always agree (spec.md P4).
func RoleOf(me, peer wire.PeerID) Role {
	if bytes.Compare(me[:], peer[:]) < 0 {
		return RoleInitiator
	}
	return RoleResponder
}

// ShouldInitiateHandshake implements spec.md §4.4's decision procedure.
func (c *Coordinator) ShouldInitiateHandshake(me, peer wire.PeerID, forceIfStale bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	rec, exists := c.records[peer]

	if exists && (rec.State == StateInitiating || rec.State == StateResponding) {
		stale := now.Sub(rec.Timestamp) > StaleTimeout
		if !stale {
			if forceIfStale && rec.State == StateInitiating && now.Sub(rec.Timestamp) > 10*time.Second {
				// Fall through: treat as eligible to retry.
			} else {
				return false
			}
		}
	}

	if RoleOf(me, peer) != RoleInitiator {
		return false
	}

	if exists && rec.State == StateFailed {
		if !rec.CanRetry {
			return false
		}
		if now.Sub(rec.Timestamp) < RetryDelay {
			return false
		}
		return true
	}

	return true
}

// RecordHandshakeInitiation marks peer as Initiating from us and
// increments its attempt counter, per spec.md §4.4's retry accounting.
func (c *Coordinator) RecordHandshakeInitiation(peer wire.PeerID) *Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, exists := c.records[peer]
	if !exists {
		rec = &Record{}
		c.records[peer] = rec
	}
	rec.Attempt++
	rec.State = StateInitiating
	rec.Timestamp = c.now()
	rec.CanRetry = rec.Attempt < MaxAttempts
	rec.Reason = ""
	return rec
}

// RecordHandshakeResponding marks peer as Responding (we received an
// initiation and are answering it).
func (c *Coordinator) RecordHandshakeResponding(peer wire.PeerID) *Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, exists := c.records[peer]
	if !exists {
		rec = &Record{}
		c.records[peer] = rec
	}
	rec.State = StateResponding
	rec.Timestamp = c.now()
	return rec
}

// RecordHandshakeEstablished transitions peer's record to Established.
func (c *Coordinator) RecordHandshakeEstablished(peer wire.PeerID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, exists := c.records[peer]
	if !exists {
		rec = &Record{}
		c.records[peer] = rec
	}
	rec.State = StateEstablished
	rec.Timestamp = c.now()
	rec.Reason = ""
}

// RecordHandshakeFailed transitions peer's record to Failed with reason,
// preserving the attempt counter and CanRetry flag already tracked.
func (c *Coordinator) RecordHandshakeFailed(peer wire.PeerID, reason string) *Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, exists := c.records[peer]
	if !exists {
		rec = &Record{Attempt: 1, CanRetry: true}
		c.records[peer] = rec
	}
	rec.State = StateFailed
	rec.Timestamp = c.now()
	rec.Reason = reason
	rec.CanRetry = rec.Attempt < MaxAttempts
	return rec
}

// Get returns a copy of the current record for peer, if any.
func (c *Coordinator) Get(peer wire.PeerID) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[peer]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// CleanupStaleHandshakes drops Initiating/Responding records older than
// StaleTimeout and returns the affected peer IDs so the caller can
// surface failure to the app, per spec.md §4.4.
func (c *Coordinator) CleanupStaleHandshakes() []wire.PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var stale []wire.PeerID
	for peer, rec := range c.records {
		if (rec.State == StateInitiating || rec.State == StateResponding) &&
			now.Sub(rec.Timestamp) > StaleTimeout {
			stale = append(stale, peer)
			delete(c.records, peer)
		}
	}
	return stale
}

// IsDuplicateHandshakeMessage performs a linear membership test against
// the last <=100 raw handshake messages. On overflow the buffer is
// cleared outright (not rotated), trading perfect duplicate detection for
// bounded memory on constrained devices — see spec.md §9.
func (c *Coordinator) IsDuplicateHandshakeMessage(raw []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, seen := range c.processedHandshakeMessages {
		if bytes.Equal(seen, raw) {
			return true
		}
	}

	if len(c.processedHandshakeMessages) >= MessageHistoryLimit {
		c.processedHandshakeMessages = nil
	}
	cp := append([]byte(nil), raw...)
	c.processedHandshakeMessages = append(c.processedHandshakeMessages, cp)
	return false
}
