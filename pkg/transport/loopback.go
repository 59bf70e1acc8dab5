package transport

import (
	"math/rand"
	"sync"

	"github.com/Latticeworks1/bitchat/pkg/wire"
)

// defaultMTU matches a conservative BLE L2CAP payload once ATT/GATT
// overhead is accounted for; spec.md leaves the exact number to the
// adapter, fragmentation in pkg/wire only needs *a* bound.
const defaultMTU = 500

// Medium is an in-process stand-in for the BLE mesh radio: every peer
// that Joins it hears every other peer's Send, simulating broadcast.
// It exists for tests and the cmd/bitchat-node demo, where no real
// radio hardware is available to drive the Transport interface.
type Medium struct {
	mu       sync.Mutex
	mtu      uint16
	dropRate float64
	rng      *rand.Rand
	peers    map[wire.PeerID]*loopbackTransport
}

// NewMedium creates a shared loopback medium. dropRate in [0,1) is the
// probability any given Send is silently dropped before reaching other
// peers, modeling the transport's "best-effort, may drop silently"
// contract; 0 disables dropping for deterministic tests.
func NewMedium(dropRate float64) *Medium {
	return &Medium{
		mtu:      defaultMTU,
		dropRate: dropRate,
		rng:      rand.New(rand.NewSource(1)),
		peers:    make(map[wire.PeerID]*loopbackTransport),
	}
}

// Join admits a new peer to the medium and returns its Transport handle.
// Existing peers are notified of the new peer's connection, and the new
// peer is notified of every peer already present. Notification happens
// after the medium's lock is released: a callback is free to call back
// into Send/Join/Leave (as initiating a handshake on connect does)
// without deadlocking against this call.
func (m *Medium) Join(id wire.PeerID) Transport {
	m.mu.Lock()
	t := &loopbackTransport{medium: m, id: id}
	existing := make([]*loopbackTransport, 0, len(m.peers))
	for _, other := range m.peers {
		existing = append(existing, other)
	}
	m.peers[id] = t
	m.mu.Unlock()

	for _, other := range existing {
		other.notifyConnect(id)
		t.notifyConnect(other.id)
	}
	return t
}

// Leave removes a peer from the medium and notifies the remaining peers
// of its disconnection.
func (m *Medium) Leave(id wire.PeerID) {
	m.mu.Lock()
	delete(m.peers, id)
	remaining := make([]*loopbackTransport, 0, len(m.peers))
	for _, other := range m.peers {
		remaining = append(remaining, other)
	}
	m.mu.Unlock()

	for _, other := range remaining {
		other.notifyDisconnect(id)
	}
}

func (m *Medium) broadcast(from wire.PeerID, frame []byte) {
	m.mu.Lock()
	if m.dropRate > 0 && m.rng.Float64() < m.dropRate {
		m.mu.Unlock()
		return
	}
	recipients := make([]*loopbackTransport, 0, len(m.peers))
	for id, t := range m.peers {
		if id != from {
			recipients = append(recipients, t)
		}
	}
	m.mu.Unlock()

	cp := append([]byte(nil), frame...)
	for _, t := range recipients {
		t.deliver(cp)
	}
}

// eventKind distinguishes queued loopback events awaiting a callback.
type eventKind int

const (
	eventReceive eventKind = iota
	eventConnect
	eventDisconnect
)

type event struct {
	kind  eventKind
	frame []byte
	peer  wire.PeerID
}

// loopbackTransport queues events that arrive before the owning Node has
// called SetCallbacks: Join can admit a peer and immediately broadcast a
// handshake-init frame to it in the same call stack, before that peer's
// own Node has finished registering its callbacks. A real radio adapter
// has no such race (physical connection setup is never instantaneous);
// the loopback medium buffers to give deterministic, no-lost-event
// behavior instead.
type loopbackTransport struct {
	medium *Medium
	id     wire.PeerID

	mu      sync.Mutex
	cb      Callbacks
	started bool
	pending []event
}

func (t *loopbackTransport) SetCallbacks(cb Callbacks) {
	t.mu.Lock()
	t.cb = cb
	t.started = true
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	for _, ev := range pending {
		switch ev.kind {
		case eventReceive:
			if cb.OnReceive != nil {
				cb.OnReceive(ev.frame, -50)
			}
		case eventConnect:
			if cb.OnPeerConnect != nil {
				cb.OnPeerConnect(ev.peer)
			}
		case eventDisconnect:
			if cb.OnPeerDisconnect != nil {
				cb.OnPeerDisconnect(ev.peer)
			}
		}
	}
}

func (t *loopbackTransport) Send(frame []byte) error {
	t.medium.broadcast(t.id, frame)
	return nil
}

func (t *loopbackTransport) MTU() uint16 {
	return t.medium.mtu
}

func (t *loopbackTransport) deliver(frame []byte) {
	t.mu.Lock()
	if !t.started {
		t.pending = append(t.pending, event{kind: eventReceive, frame: frame})
		t.mu.Unlock()
		return
	}
	cb := t.cb
	t.mu.Unlock()
	if cb.OnReceive != nil {
		cb.OnReceive(frame, -50)
	}
}

func (t *loopbackTransport) notifyConnect(id wire.PeerID) {
	t.mu.Lock()
	if !t.started {
		t.pending = append(t.pending, event{kind: eventConnect, peer: id})
		t.mu.Unlock()
		return
	}
	cb := t.cb
	t.mu.Unlock()
	if cb.OnPeerConnect != nil {
		cb.OnPeerConnect(id)
	}
}

func (t *loopbackTransport) notifyDisconnect(id wire.PeerID) {
	t.mu.Lock()
	if !t.started {
		t.pending = append(t.pending, event{kind: eventDisconnect, peer: id})
		t.mu.Unlock()
		return
	}
	cb := t.cb
	t.mu.Unlock()
	if cb.OnPeerDisconnect != nil {
		cb.OnPeerDisconnect(id)
	}
}
