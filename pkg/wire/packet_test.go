package wire

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func TestFrameWireVector(t *testing.T) {
	p := &Packet{
		Version:   ProtocolVersion,
		Type:      TypeMessage,
		TTL:       7,
		Flags:     FlagHasRecipient,
		Timestamp: 0x0000018F1234ABCD,
		Payload:   []byte("hi"),
	}
	copy(p.SenderID[:], []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08})
	copy(p.RecipientID[:], []byte{0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18})

	canonical := "01 04 07 01 00 00 01 8F 12 34 AB CD 00 02 01 02 03 04 05 06 07 08 11 12 13 14 15 16 17 18 68 69"
	canonicalBytes, err := hex.DecodeString(stripSpaces(canonical))
	if err != nil {
		t.Fatalf("bad canonical hex: %v", err)
	}

	got := Frame(p)
	if !bytes.Equal(got, canonicalBytes) {
		t.Fatalf("Frame() = % x, want % x", got, canonicalBytes)
	}
}

func stripSpaces(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != ' ' {
			out = append(out, s[i])
		}
	}
	return string(out)
}

func TestFrameParseRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		packet *Packet
	}{
		{
			name: "broadcast no signature",
			packet: &Packet{
				Version:   ProtocolVersion,
				Type:      TypeAnnounce,
				TTL:       3,
				Flags:     0,
				Timestamp: 1700000000000,
				Payload:   []byte("hello mesh"),
			},
		},
		{
			name: "directed with signature",
			packet: &Packet{
				Version:   ProtocolVersion,
				Type:      TypeMessage,
				TTL:       5,
				Flags:     FlagHasRecipient | FlagHasSignature,
				Timestamp: 42,
				Payload:   []byte("secret"),
			},
		},
		{
			name: "empty payload",
			packet: &Packet{
				Version:   ProtocolVersion,
				Type:      TypeLeave,
				TTL:       0,
				Flags:     0,
				Timestamp: 0,
				Payload:   nil,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.packet.HasRecipient() {
				copy(tt.packet.RecipientID[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})
			}
			copy(tt.packet.SenderID[:], []byte{9, 9, 9, 9, 9, 9, 9, 9})
			if tt.packet.HasSignature() {
				for i := range tt.packet.Signature {
					tt.packet.Signature[i] = byte(i)
				}
			}

			framed := Frame(tt.packet)
			parsed, err := Parse(framed)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}

			if parsed.Version != tt.packet.Version ||
				parsed.Type != tt.packet.Type ||
				parsed.TTL != tt.packet.TTL ||
				parsed.Flags != tt.packet.Flags ||
				parsed.Timestamp != tt.packet.Timestamp ||
				parsed.SenderID != tt.packet.SenderID {
				t.Fatalf("round trip mismatch: got %+v, want %+v", parsed, tt.packet)
			}
			if tt.packet.HasRecipient() && parsed.RecipientID != tt.packet.RecipientID {
				t.Fatalf("recipient mismatch: got %x, want %x", parsed.RecipientID, tt.packet.RecipientID)
			}
			if !bytes.Equal(parsed.Payload, tt.packet.Payload) {
				t.Fatalf("payload mismatch: got %q, want %q", parsed.Payload, tt.packet.Payload)
			}
			if tt.packet.HasSignature() && parsed.Signature != tt.packet.Signature {
				t.Fatalf("signature mismatch")
			}
		})
	}
}

func TestParseRejectsBadVersion(t *testing.T) {
	p := &Packet{Version: 2, Type: TypeAnnounce, Payload: []byte("x")}
	copy(p.SenderID[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	framed := Frame(p)
	if _, err := Parse(framed); err != ErrBadVersion {
		t.Fatalf("Parse() error = %v, want ErrBadVersion", err)
	}
}

func TestParseRejectsShortBuffer(t *testing.T) {
	if _, err := Parse([]byte{1, 2, 3}); err != ErrShortBuffer {
		t.Fatalf("Parse() error = %v, want ErrShortBuffer", err)
	}
}

func TestParseRejectsNullRecipient(t *testing.T) {
	p := &Packet{
		Version: ProtocolVersion,
		Type:    TypeMessage,
		Flags:   FlagHasRecipient,
		Payload: []byte("x"),
	}
	copy(p.SenderID[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	// RecipientID left as the zero value.
	framed := Frame(p)
	if _, err := Parse(framed); err != ErrNullRecipient {
		t.Fatalf("Parse() error = %v, want ErrNullRecipient", err)
	}
}

func TestParseRejectsOversizePayload(t *testing.T) {
	big := make([]byte, MaxPayloadSize+1)
	p := &Packet{Version: ProtocolVersion, Type: TypeMessage, Payload: big}
	copy(p.SenderID[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	framed := Frame(p)
	if _, err := Parse(framed); err != ErrPayloadTooLarge {
		t.Fatalf("Parse() error = %v, want ErrPayloadTooLarge", err)
	}
}
