package wire

import (
	"crypto/ed25519"
	"testing"
)

func TestIdentityAnnouncementSignAndVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	handshakeHash := []byte("fake-handshake-transcript")

	ann := SignIdentityAnnouncement(priv, handshakeHash, "alice")
	if err := ann.Verify(handshakeHash); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if string(ann.PublicKey) != string(pub) {
		t.Fatalf("PublicKey mismatch")
	}
}

func TestIdentityAnnouncementVerifyRejectsWrongTranscript(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	ann := SignIdentityAnnouncement(priv, []byte("hash-a"), "bob")

	if err := ann.Verify([]byte("hash-b")); err == nil {
		t.Fatalf("expected verification to fail against a different handshake hash")
	}
}

func TestIdentityAnnouncementRoundTrip(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	ann := SignIdentityAnnouncement(priv, []byte("hh"), "carol")

	encoded := EncodeIdentityAnnouncement(ann)
	decoded, err := DecodeIdentityAnnouncement(encoded)
	if err != nil {
		t.Fatalf("DecodeIdentityAnnouncement: %v", err)
	}
	if decoded.Nickname != "carol" {
		t.Fatalf("Nickname = %q, want carol", decoded.Nickname)
	}
	if err := decoded.Verify([]byte("hh")); err != nil {
		t.Fatalf("decoded announcement failed to verify: %v", err)
	}
}

func TestDecodeIdentityAnnouncementTruncated(t *testing.T) {
	if _, err := DecodeIdentityAnnouncement([]byte{1, 2, 3}); err != ErrShortBuffer {
		t.Fatalf("err = %v, want ErrShortBuffer", err)
	}
}
