// Package noisesession implements the per-peer Noise-XX handshake and the
// transport ciphers it produces, per spec.md §4.3. The handshake state
// machine itself is driven by github.com/flynn/noise; this package adds
// the bitchat-specific state machine, ownership, and public-key
// validation around it.
package noisesession

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"

	noise "github.com/flynn/noise"

	"github.com/Latticeworks1/bitchat/pkg/wire"
)

// ProtocolName is the ASCII Noise protocol name used verbatim in the
// symmetric-state initialization, per spec.md §6.
const ProtocolName = "Noise_XX_25519_ChaChaPoly_SHA256"

// Role identifies which side of the handshake a session is playing.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// State is the session lifecycle described in spec.md §4.3.
type State int

const (
	StateUninitialized State = iota
	StateHandshaking
	StateEstablished
	StateFailed
)

// Errors surfaced by this package. Crypto failures terminate the session
// (state -> Failed); the caller must restart via the coordinator.
var (
	ErrAlreadyStarted     = errors.New("noisesession: handshake already started")
	ErrNotUninitialized   = errors.New("noisesession: session already has a handshake in progress")
	ErrSessionFailed      = errors.New("noisesession: session has failed and must be restarted")
	ErrNotEstablished     = errors.New("noisesession: transport ciphers not available yet")
	ErrInvalidPublicKey   = errors.New("noisesession: invalid or low-order public key")
	ErrUnexpectedMessage  = errors.New("noisesession: handshake message received out of sequence")
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// lowOrderPoints is the standard set of small-order Curve25519 points
// that are rejected as a peer's static public key, per spec.md §4.3
// ("reject ... any known low-order point"). Peer ephemeral keys are not
// checked against this set.
var lowOrderPoints = mustDecodeHexPoints(
	"0000000000000000000000000000000000000000000000000000000000000000",
	"0100000000000000000000000000000000000000000000000000000000000000",
	"e0eb7a7c3b41b8ae1656e3faf19fc46ada098deb9c32b1fd866205165f49b800",
	"5f9c95bca3508c24b1d0b1559c83ef5b04445cc4581c8e86d8224eddd09f1157",
	"ecffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff7f",
	"edffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff7f",
	"eeffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff7f",
	"cdeb7a7c3b41b8ae1656e3faf19fc46ada098deb9c32b1fd866205165f49b880",
)

func mustDecodeHexPoints(points ...string) [][32]byte {
	out := make([][32]byte, 0, len(points))
	for _, p := range points {
		b, err := hex.DecodeString(p)
		if err != nil || len(b) != 32 {
			continue
		}
		var arr [32]byte
		copy(arr[:], b)
		out = append(out, arr)
	}
	return out
}

// validatePublicKey rejects the all-zero point and known low-order points.
// It is applied to the peer's static key after the handshake message
// carrying that key has been read (so the DH outputs involving it are
// already mixed into the handshake state); a rejected key fails the
// session before it can reach Established.
func validatePublicKey(pub []byte) error {
	if len(pub) != 32 {
		return ErrInvalidPublicKey
	}
	var zero [32]byte
	var candidate [32]byte
	copy(candidate[:], pub)
	if candidate == zero {
		return ErrInvalidPublicKey
	}
	for _, p := range lowOrderPoints {
		if bytes.Equal(p[:], pub) {
			return ErrInvalidPublicKey
		}
	}
	return nil
}

// GenerateStaticKeypair creates a new long-term X25519 identity keypair
// for use as a session's local static key.
func GenerateStaticKeypair() (noise.DHKey, error) {
	return noise.DH25519.GenerateKeypair(rand.Reader)
}

// Session is a single peer's Noise-XX handshake and, once established,
// its transport ciphers. A Session is owned exclusively by a
// Manager; resetting it destroys the owned cipher states.
type Session struct {
	mu sync.Mutex

	peerID wire.PeerID
	role   Role
	state  State

	staticKeypair noise.DHKey
	hs            *noise.HandshakeState

	sendCipher *noise.CipherState
	recvCipher *noise.CipherState

	remoteStaticPublic []byte
	handshakeHash      []byte
	failReason         error
}

// NewSession constructs an uninitialized session for peerID, owning
// staticKeypair for the lifetime of its handshakes.
func NewSession(peerID wire.PeerID, staticKeypair noise.DHKey) *Session {
	return &Session{
		peerID:        peerID,
		staticKeypair: staticKeypair,
		state:         StateUninitialized,
	}
}

// PeerID returns the session's current peer identifier.
func (s *Session) PeerID() wire.PeerID { return s.peerID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Role returns which side of the handshake this session is playing. Only
// meaningful once the handshake has started.
func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// HandshakeHash returns the captured transcript hash, available once the
// session reaches Established. Used for channel-binding signatures over
// identity announcements.
func (s *Session) HandshakeHash() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakeHash
}

// RemoteStaticPublic returns the peer's static public key, available once
// it has been received: the initiator learns it from message 2, the
// responder from message 3, so in XX both sides have it by the time the
// handshake is Established.
func (s *Session) RemoteStaticPublic() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteStaticPublic
}

// FailReason returns why a Failed session terminated, if any.
func (s *Session) FailReason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failReason
}

// fail transitions to Failed and destroys any owned cipher state. Caller
// must hold s.mu.
func (s *Session) fail(reason error) error {
	s.state = StateFailed
	s.failReason = reason
	s.hs = nil
	s.sendCipher = nil
	s.recvCipher = nil
	return reason
}

// Reset destroys any owned handshake/cipher state and returns the session
// to Uninitialized so a fresh handshake can begin.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateUninitialized
	s.role = RoleInitiator
	s.hs = nil
	s.sendCipher = nil
	s.recvCipher = nil
	s.remoteStaticPublic = nil
	s.handshakeHash = nil
	s.failReason = nil
}

// StartHandshake begins the handshake as Initiator, producing the first
// XX message (-> e) to send to the peer.
func (s *Session) StartHandshake() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateUninitialized {
		return nil, ErrAlreadyStarted
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     true,
		StaticKeypair: s.staticKeypair,
	})
	if err != nil {
		return nil, s.fail(err)
	}

	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, s.fail(err)
	}

	s.role = RoleInitiator
	s.hs = hs
	s.state = StateHandshaking
	return msg, nil
}

// ReadMessage feeds one incoming handshake message to the session and
// returns the reply to send back, if any, and whether the session is now
// Established.
//
// If the session is Uninitialized, this call starts it as Responder
// (spec.md's processHandshake(Responder)): it consumes the peer's first
// message and immediately produces the second XX message in reply. If the
// session is already Handshaking, this consumes the next expected message
// and, for the Initiator, immediately writes the final message in the
// same call. The Established transition happens at the canonical Noise-XX
// point: immediately once WriteMessage/ReadMessage returns non-nil cipher
// states, never deferred to a later call.
func (s *Session) ReadMessage(msg []byte) (reply []byte, established bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateUninitialized:
		return s.startAsResponder(msg)
	case StateHandshaking:
		return s.continueHandshake(msg)
	case StateFailed:
		return nil, false, ErrSessionFailed
	default:
		return nil, false, ErrUnexpectedMessage
	}
}

func (s *Session) startAsResponder(msg []byte) ([]byte, bool, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     false,
		StaticKeypair: s.staticKeypair,
	})
	if err != nil {
		return nil, false, s.fail(err)
	}

	if _, _, _, err := hs.ReadMessage(nil, msg); err != nil {
		return nil, false, s.fail(err)
	}

	reply, cs1, cs2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, false, s.fail(err)
	}

	s.role = RoleResponder
	s.hs = hs
	s.state = StateHandshaking

	if cs1 != nil && cs2 != nil {
		// XX never completes on message 2, but guard defensively in case
		// a future pattern variant does.
		return reply, s.completeAsResponder(cs1, cs2), nil
	}
	return reply, false, nil
}

func (s *Session) continueHandshake(msg []byte) ([]byte, bool, error) {
	if s.hs == nil {
		return nil, false, s.fail(ErrUnexpectedMessage)
	}

	_, cs1, cs2, err := s.hs.ReadMessage(nil, msg)
	if err != nil {
		return nil, false, s.fail(err)
	}

	if err := s.validatePeerStatic(); err != nil {
		return nil, false, s.fail(err)
	}

	if cs1 != nil && cs2 != nil {
		if s.role == RoleInitiator {
			return nil, s.completeAsInitiator(cs1, cs2), nil
		}
		return nil, s.completeAsResponder(cs1, cs2), nil
	}

	// Pattern not yet exhausted: the Initiator owes the final write.
	if s.role != RoleInitiator {
		return nil, false, s.fail(ErrUnexpectedMessage)
	}

	reply, wcs1, wcs2, err := s.hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, false, s.fail(err)
	}
	if wcs1 == nil || wcs2 == nil {
		return nil, false, s.fail(ErrUnexpectedMessage)
	}
	return reply, s.completeAsInitiator(wcs1, wcs2), nil
}

func (s *Session) validatePeerStatic() error {
	peerStatic := s.hs.PeerStatic()
	if peerStatic == nil {
		return nil
	}
	if err := validatePublicKey(peerStatic); err != nil {
		return err
	}
	s.remoteStaticPublic = append([]byte(nil), peerStatic...)
	return nil
}

// completeAsInitiator captures the split per spec.md §4.3: the
// Initiator's split yields (send, recv).
func (s *Session) completeAsInitiator(cs1, cs2 *noise.CipherState) bool {
	s.sendCipher = cs1
	s.recvCipher = cs2
	return s.finishEstablish()
}

// completeAsResponder captures the split per spec.md §4.3: the
// Responder's split yields (recv, send) -- roles swapped relative to the
// Initiator.
func (s *Session) completeAsResponder(cs1, cs2 *noise.CipherState) bool {
	s.recvCipher = cs1
	s.sendCipher = cs2
	return s.finishEstablish()
}

func (s *Session) finishEstablish() bool {
	s.handshakeHash = append([]byte(nil), s.hs.ChannelBinding()...)
	if err := s.validatePeerStatic(); err != nil {
		s.fail(err)
		return false
	}
	s.state = StateEstablished
	s.hs = nil
	return true
}

// Encrypt seals plaintext under the session's send cipher.
func (s *Session) Encrypt(ad, plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateEstablished || s.sendCipher == nil {
		return nil, ErrNotEstablished
	}
	ciphertext, err := s.sendCipher.Encrypt(nil, ad, plaintext)
	if err != nil {
		return nil, s.fail(err)
	}
	return ciphertext, nil
}

// Decrypt opens ciphertext with the session's recv cipher. An AEAD
// verification failure (including nonce/counter regression, since the
// expected nonce for a replayed or reordered message will not match)
// terminates the session — spec.md §4.3, §7.
func (s *Session) Decrypt(ad, ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateEstablished || s.recvCipher == nil {
		return nil, ErrNotEstablished
	}
	plaintext, err := s.recvCipher.Decrypt(nil, ad, ciphertext)
	if err != nil {
		return nil, s.fail(err)
	}
	return plaintext, nil
}
