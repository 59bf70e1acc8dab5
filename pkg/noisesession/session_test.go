package noisesession

import (
	"bytes"
	"testing"

	"github.com/Latticeworks1/bitchat/pkg/wire"
	"github.com/stretchr/testify/require"
)

func peerID(b byte) wire.PeerID {
	var id wire.PeerID
	for i := range id {
		id[i] = b
	}
	return id
}

// TestNoiseXXInterop exercises spec.md §8 property P5 / scenario 2: two
// independent sessions playing Initiator/Responder converge on the same
// handshake hash and on matching send/recv cipher keys, and data
// encrypted by one side decrypts cleanly on the other.
func TestNoiseXXInterop(t *testing.T) {
	initiatorStatic, err := GenerateStaticKeypair()
	require.NoError(t, err)
	responderStatic, err := GenerateStaticKeypair()
	require.NoError(t, err)

	initiator := NewSession(peerID(0xAA), initiatorStatic)
	responder := NewSession(peerID(0xBB), responderStatic)

	msg1, err := initiator.StartHandshake()
	require.NoError(t, err)

	msg2, established, err := responder.ReadMessage(msg1)
	require.NoError(t, err)
	require.False(t, established)
	require.NotNil(t, msg2)

	msg3, established, err := initiator.ReadMessage(msg2)
	require.NoError(t, err)
	require.True(t, established)
	require.Equal(t, StateEstablished, initiator.State())

	reply, established, err := responder.ReadMessage(msg3)
	require.NoError(t, err)
	require.True(t, established)
	require.Nil(t, reply)
	require.Equal(t, StateEstablished, responder.State())

	require.Equal(t, initiator.HandshakeHash(), responder.HandshakeHash())
	require.NotEmpty(t, initiator.HandshakeHash())

	plaintext := []byte("foo")
	ciphertext, err := initiator.Encrypt(nil, plaintext)
	require.NoError(t, err)

	decrypted, err := responder.Decrypt(nil, ciphertext)
	require.NoError(t, err)
	require.True(t, bytes.Equal(plaintext, decrypted))

	// And the reverse direction.
	reply2, err := responder.Encrypt(nil, []byte("bar"))
	require.NoError(t, err)
	decrypted2, err := initiator.Decrypt(nil, reply2)
	require.NoError(t, err)
	require.Equal(t, "bar", string(decrypted2))
}

func TestStartHandshakeTwiceFails(t *testing.T) {
	key, _ := GenerateStaticKeypair()
	s := NewSession(peerID(1), key)
	_, err := s.StartHandshake()
	require.NoError(t, err)
	_, err = s.StartHandshake()
	require.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestDecryptBeforeEstablishedFails(t *testing.T) {
	key, _ := GenerateStaticKeypair()
	s := NewSession(peerID(2), key)
	_, err := s.Decrypt(nil, []byte("x"))
	require.ErrorIs(t, err, ErrNotEstablished)
}

func TestCorruptCiphertextFailsSessionClosed(t *testing.T) {
	aKey, _ := GenerateStaticKeypair()
	bKey, _ := GenerateStaticKeypair()
	a := NewSession(peerID(3), aKey)
	b := NewSession(peerID(4), bKey)

	msg1, _ := a.StartHandshake()
	msg2, _, _ := b.ReadMessage(msg1)
	msg3, _, _ := a.ReadMessage(msg2)
	_, _, err := b.ReadMessage(msg3)
	require.NoError(t, err)

	ciphertext, err := a.Encrypt(nil, []byte("hello"))
	require.NoError(t, err)
	ciphertext[0] ^= 0xFF

	_, err = b.Decrypt(nil, ciphertext)
	require.Error(t, err)
	require.Equal(t, StateFailed, b.State())
}

func TestResetReturnsToUninitialized(t *testing.T) {
	key, _ := GenerateStaticKeypair()
	s := NewSession(peerID(5), key)
	_, _ = s.StartHandshake()
	require.Equal(t, StateHandshaking, s.State())
	s.Reset()
	require.Equal(t, StateUninitialized, s.State())
	require.Nil(t, s.HandshakeHash())
}
