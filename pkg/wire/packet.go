// Package wire implements the bitchat binary wire format: outer packet
// framing, the inner chat-message TLV encoding, and message fragmentation.
package wire

import (
	"encoding/binary"
	"errors"
)

// Sentinel parse errors. Local drops only — never propagated to the app.
var (
	ErrShortBuffer    = errors.New("wire: buffer too short")
	ErrBadVersion     = errors.New("wire: unsupported protocol version")
	ErrPayloadTooLarge = errors.New("wire: payload exceeds maximum size")
	ErrNullRecipient  = errors.New("wire: recipient flag set but recipient id is zero")
)

// ProtocolVersion is the only version this codec accepts.
const ProtocolVersion uint8 = 1

// MaxPayloadSize is the maximum payload length, before and after
// decompression, per spec.
const MaxPayloadSize = 2048

// IDSize is the width of sender/recipient peer identifiers.
const IDSize = 8

// SignatureSize is the width of the outer packet signature.
const SignatureSize = 64

// MessageType enumerates the outer packet types.
type MessageType uint8

const (
	TypeAnnounce               MessageType = 0x01
	TypeLeave                  MessageType = 0x03
	TypeMessage                MessageType = 0x04
	TypeFragmentStart          MessageType = 0x05
	TypeFragmentContinue       MessageType = 0x06
	TypeFragmentEnd            MessageType = 0x07
	TypeDeliveryAck            MessageType = 0x0A
	TypeDeliveryStatusRequest  MessageType = 0x0B
	TypeReadReceipt            MessageType = 0x0C
	TypeNoiseHandshakeInit     MessageType = 0x10
	TypeNoiseHandshakeResp     MessageType = 0x11
	TypeNoiseEncrypted         MessageType = 0x12
	TypeNoiseIdentityAnnounce  MessageType = 0x13
	TypeVersionHello           MessageType = 0x20
	TypeVersionAck             MessageType = 0x21
	TypeProtocolAck            MessageType = 0x22
	TypeProtocolNack           MessageType = 0x23
	TypeSystemValidation       MessageType = 0x24
)

// Flag bits for Packet.Flags.
const (
	FlagHasRecipient uint8 = 0x01
	FlagHasSignature uint8 = 0x02
	FlagIsCompressed uint8 = 0x04
	FlagIsEncrypted  uint8 = 0x08
)

// PeerID is the 8-byte transient node identifier advertised by a peer.
type PeerID [IDSize]byte

// IsZero reports whether the id is the reserved all-zero value.
func (p PeerID) IsZero() bool {
	return p == PeerID{}
}

// Packet is the outer frame described in spec.md §3.
type Packet struct {
	Version     uint8
	Type        MessageType
	TTL         uint8
	Flags       uint8
	Timestamp   uint64 // ms since epoch, big-endian on the wire
	SenderID    PeerID
	RecipientID PeerID // valid only if HasRecipient()
	Payload     []byte
	Signature   [SignatureSize]byte // valid only if HasSignature()
}

// HasRecipient reports whether the recipient flag is set.
func (p *Packet) HasRecipient() bool { return p.Flags&FlagHasRecipient != 0 }

// HasSignature reports whether the signature flag is set.
func (p *Packet) HasSignature() bool { return p.Flags&FlagHasSignature != 0 }

// IsCompressed reports whether the compressed flag is set.
func (p *Packet) IsCompressed() bool { return p.Flags&FlagIsCompressed != 0 }

// IsEncrypted reports whether the encrypted flag is set.
func (p *Packet) IsEncrypted() bool { return p.Flags&FlagIsEncrypted != 0 }

// Frame serializes a Packet per spec.md §3's field order:
// version, type, ttl, flags, timestamp(8B BE), payloadLen(2B BE),
// senderID(8B), [recipientID(8B)], payload, [signature(64B)].
func Frame(p *Packet) []byte {
	size := 1 + 1 + 1 + 1 + 8 + 2 + IDSize + len(p.Payload)
	if p.HasRecipient() {
		size += IDSize
	}
	if p.HasSignature() {
		size += SignatureSize
	}

	buf := make([]byte, size)
	offset := 0

	buf[offset] = p.Version
	offset++
	buf[offset] = uint8(p.Type)
	offset++
	buf[offset] = p.TTL
	offset++
	buf[offset] = p.Flags
	offset++

	binary.BigEndian.PutUint64(buf[offset:], p.Timestamp)
	offset += 8

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(p.Payload)))
	offset += 2

	copy(buf[offset:], p.SenderID[:])
	offset += IDSize

	if p.HasRecipient() {
		copy(buf[offset:], p.RecipientID[:])
		offset += IDSize
	}

	copy(buf[offset:], p.Payload)
	offset += len(p.Payload)

	if p.HasSignature() {
		copy(buf[offset:], p.Signature[:])
	}

	return buf
}

// Parse decodes a Packet from raw bytes, validating spec.md §3's
// invariants.
func Parse(buf []byte) (*Packet, error) {
	const fixedHeader = 1 + 1 + 1 + 1 + 8 + 2 + IDSize
	if len(buf) < fixedHeader {
		return nil, ErrShortBuffer
	}

	p := &Packet{}
	offset := 0

	p.Version = buf[offset]
	offset++
	if p.Version != ProtocolVersion {
		return nil, ErrBadVersion
	}

	p.Type = MessageType(buf[offset])
	offset++
	p.TTL = buf[offset]
	offset++
	p.Flags = buf[offset]
	offset++

	p.Timestamp = binary.BigEndian.Uint64(buf[offset:])
	offset += 8

	payloadLen := int(binary.BigEndian.Uint16(buf[offset:]))
	offset += 2

	copy(p.SenderID[:], buf[offset:offset+IDSize])
	offset += IDSize

	if p.HasRecipient() {
		if len(buf) < offset+IDSize {
			return nil, ErrShortBuffer
		}
		copy(p.RecipientID[:], buf[offset:offset+IDSize])
		offset += IDSize
		if p.RecipientID.IsZero() {
			return nil, ErrNullRecipient
		}
	}

	if payloadLen > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	if len(buf) < offset+payloadLen {
		return nil, ErrShortBuffer
	}
	p.Payload = make([]byte, payloadLen)
	copy(p.Payload, buf[offset:offset+payloadLen])
	offset += payloadLen

	if p.HasSignature() {
		if len(buf) < offset+SignatureSize {
			return nil, ErrShortBuffer
		}
		copy(p.Signature[:], buf[offset:offset+SignatureSize])
	}

	return p, nil
}

// IsRelayEligible reports whether packets of this type are candidates
// for mesh rebroadcast: broadcasts, and directed packets addressed to a
// peer other than the relaying node.
func (t MessageType) IsRelayEligible() bool {
	switch t {
	case TypeAnnounce, TypeLeave, TypeMessage,
		TypeFragmentStart, TypeFragmentContinue, TypeFragmentEnd,
		TypeNoiseIdentityAnnounce:
		return true
	default:
		return false
	}
}
