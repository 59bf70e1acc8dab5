package noisesession

import (
	"sync"

	noise "github.com/flynn/noise"

	"github.com/Latticeworks1/bitchat/pkg/wire"
)

// Manager is the exclusive owner of every NoiseSession in the node, per
// spec.md §3's ownership rule: "every NoiseSession is exclusively owned
// by NoiseSessionManager (indexed by current peerID)". Callers never hold
// a session reference across a peerID change; they look it up again.
type Manager struct {
	mu            sync.Mutex
	staticKeypair noise.DHKey
	sessions      map[wire.PeerID]*Session
}

// NewManager constructs a Manager that hands out sessions sharing the
// given long-term static keypair.
func NewManager(staticKeypair noise.DHKey) *Manager {
	return &Manager{
		staticKeypair: staticKeypair,
		sessions:      make(map[wire.PeerID]*Session),
	}
}

// GetOrCreate returns the session for peerID, creating an Uninitialized
// one if none exists yet.
func (m *Manager) GetOrCreate(peerID wire.PeerID) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[peerID]; ok {
		return s
	}
	s := NewSession(peerID, m.staticKeypair)
	m.sessions[peerID] = s
	return s
}

// Get returns the existing session for peerID, if any.
func (m *Manager) Get(peerID wire.PeerID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peerID]
	return s, ok
}

// Remove destroys and forgets the session for peerID.
func (m *Manager) Remove(peerID wire.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[peerID]; ok {
		s.Reset()
		delete(m.sessions, peerID)
	}
}

// Rekey moves a session from an old transient peerID to a new one,
// covering the case where a peer's advertised peerID changes across a
// reconnect but the underlying Noise session should survive.
func (m *Manager) Rekey(oldID, newID wire.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[oldID]
	if !ok {
		return
	}
	delete(m.sessions, oldID)
	s.mu.Lock()
	s.peerID = newID
	s.mu.Unlock()
	m.sessions[newID] = s
}

// Count returns the number of tracked sessions, regardless of state.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
