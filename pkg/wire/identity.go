package wire

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrBadSignature is returned when an identity announcement's signature
// does not verify against its own embedded public key.
var ErrBadSignature = errors.New("wire: identity announcement signature invalid")

// IdentityAnnouncement is the inner payload of a NOISE_IDENTITY_ANNOUNCE
// packet (spec.md §4.8): a self-certifying binding of a long-term
// signing key to the nickname the peer currently claims, channel-bound
// to the Noise handshake that carried it so a replay from a different
// session can't be passed off as live.
type IdentityAnnouncement struct {
	PublicKey ed25519.PublicKey // 32 bytes
	Nickname  string
	Signature []byte // 64 bytes, over handshakeHash ‖ publicKey ‖ nickname
}

// FingerprintOf derives the stable identity key used to index
// SocialIdentity records: the hex-encoded SHA-256 of the peer's Noise
// static public key, per the GLOSSARY ("the SHA-256 of the peer's static
// X25519 public key"). It is deliberately independent of the ed25519 key
// IdentityAnnouncement signs with — the signing key authenticates a
// single announcement, the Noise static key is the long-term
// cryptographic identity a user verifies out-of-band.
func FingerprintOf(staticPublicKey []byte) string {
	sum := sha256.Sum256(staticPublicKey)
	return hex.EncodeToString(sum[:])
}

func signedMessage(handshakeHash []byte, pub ed25519.PublicKey, nickname string) []byte {
	msg := make([]byte, 0, len(handshakeHash)+len(pub)+len(nickname))
	msg = append(msg, handshakeHash...)
	msg = append(msg, pub...)
	msg = append(msg, nickname...)
	return msg
}

// SignIdentityAnnouncement builds and signs an announcement binding priv's
// public key and nickname to the given completed handshake's transcript
// hash, per spec.md §4.3 ("identity announcement signatures include it").
func SignIdentityAnnouncement(priv ed25519.PrivateKey, handshakeHash []byte, nickname string) *IdentityAnnouncement {
	pub := priv.Public().(ed25519.PublicKey)
	sig := ed25519.Sign(priv, signedMessage(handshakeHash, pub, nickname))
	return &IdentityAnnouncement{PublicKey: pub, Nickname: nickname, Signature: sig}
}

// Verify checks the announcement's signature against the supplied
// handshake transcript hash.
func (a *IdentityAnnouncement) Verify(handshakeHash []byte) error {
	if len(a.PublicKey) != ed25519.PublicKeySize || len(a.Signature) != ed25519.SignatureSize {
		return ErrBadSignature
	}
	if !ed25519.Verify(a.PublicKey, signedMessage(handshakeHash, a.PublicKey, a.Nickname), a.Signature) {
		return ErrBadSignature
	}
	return nil
}

// EncodeIdentityAnnouncement serializes an announcement: publicKey(32B),
// nickname (length-prefixed string), signature(64B).
func EncodeIdentityAnnouncement(a *IdentityAnnouncement) []byte {
	buf := make([]byte, 0, ed25519.PublicKeySize+2+len(a.Nickname)+ed25519.SignatureSize)
	buf = append(buf, a.PublicKey...)
	buf = putString(buf, a.Nickname)
	buf = append(buf, a.Signature...)
	return buf
}

// DecodeIdentityAnnouncement parses bytes produced by
// EncodeIdentityAnnouncement.
func DecodeIdentityAnnouncement(buf []byte) (*IdentityAnnouncement, error) {
	if len(buf) < ed25519.PublicKeySize+2 {
		return nil, ErrShortBuffer
	}
	a := &IdentityAnnouncement{}
	a.PublicKey = append(ed25519.PublicKey(nil), buf[:ed25519.PublicKeySize]...)
	offset := ed25519.PublicKeySize

	nickname, offset, err := getString(buf, offset)
	if err != nil {
		return nil, err
	}
	a.Nickname = nickname

	if len(buf) < offset+ed25519.SignatureSize {
		return nil, ErrShortBuffer
	}
	a.Signature = append([]byte(nil), buf[offset:offset+ed25519.SignatureSize]...)
	return a, nil
}
