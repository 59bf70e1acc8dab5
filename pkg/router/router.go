// Package router implements the per-packet ingress pipeline described in
// spec.md §4.8: parse, dedup, decompress, TTL/relay, and dispatch by
// type. Grounded on pkg/network/message_handler.go's receiveLoop
// switch-on-header.Type structure, including its recover-from-panic
// decode guard, generalized from the teacher's onion-routed
// RSA/X3DH/ratchet decrypt chain to bitchat's single NoiseSession
// decrypt-by-peer model.
package router

import (
	"crypto/sha256"
	"encoding/binary"
	"log"
	"time"

	"github.com/Latticeworks1/bitchat/pkg/dedup"
	"github.com/Latticeworks1/bitchat/pkg/delivery"
	"github.com/Latticeworks1/bitchat/pkg/handshake"
	"github.com/Latticeworks1/bitchat/pkg/identity"
	"github.com/Latticeworks1/bitchat/pkg/noisesession"
	"github.com/Latticeworks1/bitchat/pkg/wire"
)

// Sender is the minimal transport capability the router needs: best-
// effort broadcast of a framed packet, per spec.md §6's transport
// adapter.
type Sender interface {
	Send(frame []byte) error
}

// Callbacks is the application surface the router drives, per spec.md
// §6 ("on_message(msg)", "on_peer_list_changed(list)",
// "on_delivery_status(msgID, status)"). Every field is optional; a nil
// callback is simply skipped.
type Callbacks struct {
	OnMessage         func(senderID wire.PeerID, msg *wire.ChatMessage)
	OnDeliveryStatus  func(messageID string, status string)
	OnPeerListChanged func()
	OnSessionLost     func(peerID wire.PeerID, reason error)

	// OnHandshakeEstablished fires the moment a NoiseSession reaches
	// Established, on both the Initiator and Responder side, so the
	// caller can send a NOISE_IDENTITY_ANNOUNCE bound to the session's
	// handshakeHash per spec.md §4.8.
	OnHandshakeEstablished func(peerID wire.PeerID)
}

// Counters tracks the router's own operational counters, surfaced
// read-only via pkg/api.
type Counters struct {
	Parsed          uint64
	DedupDropped    uint64
	Decompressed    uint64
	OversizeDropped uint64
	Relayed         uint64
	UnknownDropped  uint64
	ParseErrors     uint64
}

// Router glues together every core component on the ingress path for one
// node: Codec → Dedup → decompress → TTL/relay → dispatch by type.
type Router struct {
	myPeerID   wire.PeerID
	myNickname string

	dedup       *dedup.Filter
	sessions    *noisesession.Manager
	coordinator *handshake.Coordinator
	identities  *identity.IdentityStore
	tracker     *delivery.Tracker
	reassembler *wire.Reassembler
	transport   Sender
	callbacks   Callbacks

	Counters Counters

	now func() time.Time
}

// Config bundles the dependencies a Router needs. Every field is
// required except Callbacks and MyNickname, which default to zero
// values.
type Config struct {
	MyPeerID    wire.PeerID
	MyNickname  string
	Dedup       *dedup.Filter
	Sessions    *noisesession.Manager
	Coordinator *handshake.Coordinator
	Identities  *identity.IdentityStore
	Tracker     *delivery.Tracker
	Reassembler *wire.Reassembler
	Transport   Sender
	Callbacks   Callbacks
}

// New constructs a Router from cfg.
func New(cfg Config) *Router {
	return &Router{
		myPeerID:    cfg.MyPeerID,
		myNickname:  cfg.MyNickname,
		dedup:       cfg.Dedup,
		sessions:    cfg.Sessions,
		coordinator: cfg.Coordinator,
		identities:  cfg.Identities,
		tracker:     cfg.Tracker,
		reassembler: cfg.Reassembler,
		transport:   cfg.Transport,
		callbacks:   cfg.Callbacks,
		now:         time.Now,
	}
}

// packetID computes hash(senderID ‖ timestamp) for dedup purposes, per
// spec.md §4.8 step 2.
func packetID(senderID wire.PeerID, timestamp uint64) [32]byte {
	var buf [wire.IDSize + 8]byte
	copy(buf[:wire.IDSize], senderID[:])
	binary.BigEndian.PutUint64(buf[wire.IDSize:], timestamp)
	return sha256.Sum256(buf[:])
}

// HandleIncoming runs one raw frame through the full ingress pipeline.
// It never panics: a decode or dispatch failure is recovered, logged,
// and counted, matching the teacher's receiveLoop guard.
func (r *Router) HandleIncoming(raw []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("router: recovered from panic handling packet: %v", rec)
		}
	}()

	p, err := wire.Parse(raw)
	if err != nil {
		r.Counters.ParseErrors++
		return
	}
	r.Counters.Parsed++

	// A packet we originated, relayed back to us by a neighbour, is a
	// duplicate of our own egress and is suppressed.
	if p.SenderID == r.myPeerID {
		r.Counters.DedupDropped++
		return
	}

	id := packetID(p.SenderID, p.Timestamp)
	if r.dedup.Contains(id[:]) {
		r.Counters.DedupDropped++
		return
	}
	r.dedup.Insert(id[:])

	if p.IsCompressed() {
		decompressed, err := wire.DecompressPayload(p.Payload)
		if err != nil {
			r.Counters.ParseErrors++
			return
		}
		if len(decompressed) > wire.MaxPayloadSize {
			r.Counters.OversizeDropped++
			return
		}
		p.Payload = decompressed
		r.Counters.Decompressed++
	}

	addressedToUs := !p.HasRecipient() || p.RecipientID == r.myPeerID
	// Relay-eligible broadcasts flood the mesh; relay-eligible directed
	// packets flood too unless we are the final recipient — the mesh has
	// no routing table, so an intermediate hop must keep forwarding a
	// packet addressed to someone else, relying on ttl decrement and
	// Dedup to bound the flood (spec.md §4.8 step 4, GLOSSARY "mesh
	// relay"). A packet addressed to us is never relayed further.
	shouldRelay := p.TTL > 0 && p.Type.IsRelayEligible() &&
		(!p.HasRecipient() || p.RecipientID != r.myPeerID)

	if addressedToUs {
		r.dispatch(p)
	}

	if shouldRelay {
		relayed := *p
		relayed.TTL = p.TTL - 1
		if r.transport != nil {
			if err := r.transport.Send(wire.Frame(&relayed)); err != nil {
				log.Printf("router: relay send failed: %v", err)
			} else {
				r.Counters.Relayed++
			}
		}
	}
}

func (r *Router) dispatch(p *wire.Packet) {
	switch p.Type {
	case wire.TypeNoiseHandshakeInit, wire.TypeNoiseHandshakeResp:
		r.handleHandshake(p)
	case wire.TypeNoiseEncrypted:
		r.handleEncrypted(p)
	case wire.TypeNoiseIdentityAnnounce:
		r.handleIdentityAnnounce(p)
	case wire.TypeMessage:
		r.handleMessage(p)
	case wire.TypeDeliveryAck:
		r.handleDeliveryAck(p)
	case wire.TypeProtocolAck, wire.TypeProtocolNack,
		wire.TypeReadReceipt,
		wire.TypeVersionHello, wire.TypeVersionAck,
		wire.TypeSystemValidation:
		// Defined no-op handlers, per spec.md §4.8 step 5.
	case wire.TypeFragmentStart, wire.TypeFragmentContinue, wire.TypeFragmentEnd:
		r.handleFragment(p)
	default:
		r.Counters.UnknownDropped++
	}
}

// handleHandshake drives a session's Noise-XX state machine forward by
// one message. Both NOISE_HANDSHAKE_INIT and NOISE_HANDSHAKE_RESP land
// here: the session's own state (Uninitialized vs Handshaking) decides
// whether this is the first message, the reply, or the final message,
// so the dispatch logic needs no separate per-type branch.
func (r *Router) handleHandshake(p *wire.Packet) {
	if r.coordinator.IsDuplicateHandshakeMessage(p.Payload) {
		return
	}

	session := r.sessions.GetOrCreate(p.SenderID)
	if p.Type == wire.TypeNoiseHandshakeInit && session.State() == noisesession.StateUninitialized {
		r.coordinator.RecordHandshakeResponding(p.SenderID)
	}

	reply, established, err := session.ReadMessage(p.Payload)
	if err != nil {
		r.coordinator.RecordHandshakeFailed(p.SenderID, err.Error())
		r.notifySessionLost(p.SenderID, err)
		return
	}
	if established {
		r.coordinator.RecordHandshakeEstablished(p.SenderID)
		if r.callbacks.OnHandshakeEstablished != nil {
			r.callbacks.OnHandshakeEstablished(p.SenderID)
		}
	}
	if reply != nil && r.transport != nil {
		replyPacket := &wire.Packet{
			Version:  wire.ProtocolVersion,
			Type:     wire.TypeNoiseHandshakeResp,
			TTL:      1,
			Flags:    wire.FlagHasRecipient,
			SenderID: r.myPeerID, RecipientID: p.SenderID,
			Payload: reply,
		}
		_ = r.transport.Send(wire.Frame(replyPacket))
	}
}

func (r *Router) notifySessionLost(peerID wire.PeerID, reason error) {
	if r.callbacks.OnSessionLost != nil {
		r.callbacks.OnSessionLost(peerID, reason)
	}
}

func (r *Router) handleEncrypted(p *wire.Packet) {
	session, ok := r.sessions.Get(p.SenderID)
	if !ok || session.State() != noisesession.StateEstablished {
		return
	}
	plaintext, err := session.Decrypt(nil, p.Payload)
	if err != nil {
		r.notifySessionLost(p.SenderID, err)
		return
	}

	inner, err := wire.Parse(plaintext)
	if err != nil {
		r.Counters.ParseErrors++
		return
	}
	r.dispatch(inner)
}

func (r *Router) handleIdentityAnnounce(p *wire.Packet) {
	session, ok := r.sessions.Get(p.SenderID)
	if !ok || session.State() != noisesession.StateEstablished {
		return
	}
	ann, err := wire.DecodeIdentityAnnouncement(p.Payload)
	if err != nil {
		r.Counters.ParseErrors++
		return
	}
	if err := ann.Verify(session.HandshakeHash()); err != nil {
		return
	}

	// Fingerprint is the peer's Noise static public key, not the ed25519
	// key the announcement is signed with (GLOSSARY: "SHA-256 of the
	// peer's static X25519 public key") — the signing key only
	// authenticates this one announcement.
	fp := identity.Fingerprint(wire.FingerprintOf(session.RemoteStaticPublic()))
	id := r.identities.GetSocialIdentity(fp)
	id.ClaimedNickname = ann.Nickname
	r.identities.UpdateSocialIdentity(id)

	peerIDStr := hexPeerID(p.SenderID)
	r.identities.UpdateHandshakeState(peerIDStr, identity.EphemeralCompleted, fp)

	if r.callbacks.OnPeerListChanged != nil {
		r.callbacks.OnPeerListChanged()
	}
}

func hexPeerID(id wire.PeerID) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(id)*2)
	for i, b := range id {
		out[i*2] = hexDigits[b>>4]
		out[i*2+1] = hexDigits[b&0x0f]
	}
	return string(out)
}

func (r *Router) handleMessage(p *wire.Packet) {
	payload := p.Payload
	if p.IsEncrypted() {
		session, ok := r.sessions.Get(p.SenderID)
		if !ok || session.State() != noisesession.StateEstablished {
			return
		}
		plaintext, err := session.Decrypt(nil, payload)
		if err != nil {
			r.notifySessionLost(p.SenderID, err)
			return
		}
		payload = plaintext
	}

	msg, err := wire.DecodeChatMessage(payload)
	if err != nil {
		r.Counters.ParseErrors++
		return
	}

	if r.callbacks.OnMessage != nil {
		r.callbacks.OnMessage(p.SenderID, msg)
	}

	if msg.IsPrivate() && r.transport != nil {
		ack := r.tracker.GenerateAck(msg.ID, hexPeerID(r.myPeerID), r.myNickname, 0)
		if r.tracker.HasSentAck(ack.AckID) {
			return
		}
		ackPayload := encodeAck(ack)
		ackPacket := &wire.Packet{
			Version:  wire.ProtocolVersion,
			Type:     wire.TypeDeliveryAck,
			TTL:      1,
			Flags:    wire.FlagHasRecipient,
			SenderID: r.myPeerID, RecipientID: p.SenderID,
			Payload: ackPayload,
		}
		if err := r.transport.Send(wire.Frame(ackPacket)); err == nil {
			r.tracker.MarkAckSent(ack.AckID)
		}
	}
}

func (r *Router) handleDeliveryAck(p *wire.Packet) {
	ack, err := decodeAck(p.Payload)
	if err != nil {
		r.Counters.ParseErrors++
		return
	}
	if r.tracker.ProcessDeliveryAck(ack) && r.callbacks.OnDeliveryStatus != nil {
		r.callbacks.OnDeliveryStatus(ack.OriginalMessageID, "delivered")
	}
}

func (r *Router) handleFragment(p *wire.Packet) {
	id, index, chunk, err := wire.DecodeFragmentPayload(p.Payload)
	if err != nil {
		r.Counters.ParseErrors++
		return
	}
	isEnd := p.Type == wire.TypeFragmentEnd
	full := r.reassembler.AddFragment(id, index, chunk, isEnd)
	if full == nil {
		return
	}
	reassembled, err := wire.Parse(full)
	if err != nil {
		r.Counters.ParseErrors++
		return
	}
	r.dispatch(reassembled)
}

// encodeAck/decodeAck give delivery.Ack a minimal wire representation so
// it can travel as a DELIVERY_ACK packet's payload.
func encodeAck(ack delivery.Ack) []byte {
	buf := []byte{ack.HopCount}
	buf = appendLenPrefixed(buf, ack.AckID)
	buf = appendLenPrefixed(buf, ack.OriginalMessageID)
	buf = appendLenPrefixed(buf, ack.FromPeerID)
	buf = appendLenPrefixed(buf, ack.FromNickname)
	return buf
}

func decodeAck(buf []byte) (delivery.Ack, error) {
	if len(buf) < 1 {
		return delivery.Ack{}, wire.ErrShortBuffer
	}
	ack := delivery.Ack{HopCount: buf[0]}
	offset := 1
	var err error
	ack.AckID, offset, err = readLenPrefixed(buf, offset)
	if err != nil {
		return delivery.Ack{}, err
	}
	ack.OriginalMessageID, offset, err = readLenPrefixed(buf, offset)
	if err != nil {
		return delivery.Ack{}, err
	}
	ack.FromPeerID, offset, err = readLenPrefixed(buf, offset)
	if err != nil {
		return delivery.Ack{}, err
	}
	ack.FromNickname, _, err = readLenPrefixed(buf, offset)
	if err != nil {
		return delivery.Ack{}, err
	}
	return ack, nil
}

func appendLenPrefixed(buf []byte, s string) []byte {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, s...)
}

func readLenPrefixed(buf []byte, offset int) (string, int, error) {
	if len(buf) < offset+2 {
		return "", 0, wire.ErrShortBuffer
	}
	n := int(binary.BigEndian.Uint16(buf[offset:]))
	offset += 2
	if len(buf) < offset+n {
		return "", 0, wire.ErrShortBuffer
	}
	return string(buf[offset : offset+n]), offset + n, nil
}
