// Package node implements spec.md §6's application surface on top of the
// wire/noisesession/handshake/identity/delivery/router core: send_public,
// send_private, set_nickname, favorite, block, verify, messages(),
// privateChats(), and the on_message/on_peer_list_changed/
// on_delivery_status callbacks. Grounded on pkg/network/client.go's
// Client struct (connection state, per-peer maps, OnXxx callback fields)
// and pkg/network/message_sender.go's send-path shape, adapted from
// X3DH/ratchet/RSA onion routing to a single NoiseSession per peer and a
// flat wire.Packet framing instead of a length-prefixed protocol.Header
// stream.
package node

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	noise "github.com/flynn/noise"

	"github.com/Latticeworks1/bitchat/pkg/dedup"
	"github.com/Latticeworks1/bitchat/pkg/delivery"
	"github.com/Latticeworks1/bitchat/pkg/handshake"
	"github.com/Latticeworks1/bitchat/pkg/identity"
	"github.com/Latticeworks1/bitchat/pkg/noisesession"
	"github.com/Latticeworks1/bitchat/pkg/router"
	"github.com/Latticeworks1/bitchat/pkg/transport"
	"github.com/Latticeworks1/bitchat/pkg/wire"
)

// defaultTTL is the hop budget stamped on packets this node originates.
const defaultTTL = 7

// bloomExpectedItems/bloomFPRate size the ingress dedup filter for a
// mesh of a few hundred peers exchanging a few packets a second, per
// spec.md §4.2.
const (
	bloomExpectedItems = 10000
	bloomFPRate        = 0.01
)

// ErrUnknownPeer is returned by SendPrivate when no Established session
// exists yet for the recipient (none at all, or one still handshaking).
var ErrUnknownPeer = errors.New("node: no session for recipient")

// Config bundles everything a Node needs to construct itself. Store and
// Transport are required; the rest default sensibly.
type Config struct {
	MyPeerID   wire.PeerID
	Nickname   string
	Store      identity.Store
	Transport  transport.Transport
	StaticKey  *noise.DHKey     // Noise X25519 static keypair; generated if nil
	SigningKey ed25519.PrivateKey // identity-announcement signing key; generated if nil
}

// Node wires every core component into the single-threaded event loop
// spec.md §5 describes: incoming_bytes, tick, and app_send. It is the
// process-wide service constructed once at boot per spec.md §9 — no
// hidden globals, every dependency passed in via Config.
type Node struct {
	myPeerID wire.PeerID
	signKey  ed25519.PrivateKey

	mu       sync.Mutex
	nickname string
	messages []wire.ChatMessage
	private  map[string][]wire.ChatMessage // keyed by hex peer ID
	peers    map[wire.PeerID]struct{}

	dedup       *dedup.Filter
	sessions    *noisesession.Manager
	coordinator *handshake.Coordinator
	identities  *identity.IdentityStore
	tracker     *delivery.Tracker
	retryQueue  *delivery.RetryQueue
	reassembler *wire.Reassembler
	transport   transport.Transport
	router      *router.Router

	OnMessage         func(senderID wire.PeerID, msg wire.ChatMessage)
	OnPeerListChanged func(peers []wire.PeerID)
	OnDeliveryStatus  func(messageID, status string)
}

// New constructs a Node from cfg and registers it with cfg.Transport.
func New(cfg Config) (*Node, error) {
	staticKey := cfg.StaticKey
	if staticKey == nil {
		k, err := noisesession.GenerateStaticKeypair()
		if err != nil {
			return nil, fmt.Errorf("node: generate static keypair: %w", err)
		}
		staticKey = &k
	}
	signKey := cfg.SigningKey
	if signKey == nil {
		_, sk, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("node: generate signing key: %w", err)
		}
		signKey = sk
	}

	n := &Node{
		myPeerID:    cfg.MyPeerID,
		signKey:     signKey,
		nickname:    cfg.Nickname,
		private:     make(map[string][]wire.ChatMessage),
		peers:       make(map[wire.PeerID]struct{}),
		dedup:       dedup.New(bloomExpectedItems, bloomFPRate),
		sessions:    noisesession.NewManager(*staticKey),
		coordinator: handshake.NewCoordinator(),
		identities:  identity.NewIdentityStore(cfg.Store),
		tracker:     delivery.NewTracker(),
		retryQueue:  delivery.NewRetryQueue(),
		reassembler: wire.NewReassembler(),
		transport:   cfg.Transport,
	}

	n.router = router.New(router.Config{
		MyPeerID:    cfg.MyPeerID,
		MyNickname:  cfg.Nickname,
		Dedup:       n.dedup,
		Sessions:    n.sessions,
		Coordinator: n.coordinator,
		Identities:  n.identities,
		Tracker:     n.tracker,
		Reassembler: n.reassembler,
		Transport:   n.transport,
		Callbacks: router.Callbacks{
			OnMessage:              n.onMessage,
			OnDeliveryStatus:       n.onDeliveryStatus,
			OnPeerListChanged:      n.onPeerListChanged,
			OnSessionLost:          n.onSessionLost,
			OnHandshakeEstablished: n.onHandshakeEstablished,
		},
	})

	cfg.Transport.SetCallbacks(transport.Callbacks{
		OnReceive:        n.onReceive,
		OnPeerConnect:    n.onPeerConnect,
		OnPeerDisconnect: n.onPeerDisconnect,
	})

	return n, nil
}

func (n *Node) onReceive(frame []byte, rssi int) {
	n.router.HandleIncoming(frame)
}

func hexPeerID(id wire.PeerID) string {
	return hex.EncodeToString(id[:])
}

func (n *Node) onMessage(senderID wire.PeerID, msg *wire.ChatMessage) {
	n.mu.Lock()
	if msg.IsPrivate() {
		key := hexPeerID(senderID)
		n.private[key] = append(n.private[key], *msg)
	} else {
		n.messages = append(n.messages, *msg)
	}
	n.mu.Unlock()

	if n.OnMessage != nil {
		n.OnMessage(senderID, *msg)
	}
}

func (n *Node) onDeliveryStatus(messageID, status string) {
	if status == "delivered" {
		n.retryQueue.Cancel(messageID)
	}
	if n.OnDeliveryStatus != nil {
		n.OnDeliveryStatus(messageID, status)
	}
}

func (n *Node) onPeerListChanged() {
	if n.OnPeerListChanged != nil {
		n.OnPeerListChanged(n.PeerList())
	}
}

// onHandshakeEstablished fires once a NoiseSession reaches Established
// on either side and sends a channel-bound NOISE_IDENTITY_ANNOUNCE, per
// spec.md §4.8 and §6's "identity announcement signatures include
// [handshakeHash]".
func (n *Node) onHandshakeEstablished(peerID wire.PeerID) {
	session, ok := n.sessions.Get(peerID)
	if !ok {
		return
	}
	ann := wire.SignIdentityAnnouncement(n.signKey, session.HandshakeHash(), n.Nickname())
	packet := &wire.Packet{
		Version:  wire.ProtocolVersion,
		Type:     wire.TypeNoiseIdentityAnnounce,
		TTL:      1,
		Flags:    wire.FlagHasRecipient,
		SenderID: n.myPeerID, RecipientID: peerID,
		Payload: wire.EncodeIdentityAnnouncement(ann),
	}
	if err := n.send(packet); err != nil {
		log.Printf("node: send identity announcement to %s: %v", hexPeerID(peerID), err)
	}
}

func (n *Node) onSessionLost(peerID wire.PeerID, reason error) {
	log.Printf("node: session lost for peer %s: %v", hexPeerID(peerID), reason)
	n.sessions.Remove(peerID)
}

// onPeerConnect is invoked by the transport when a new peer is heard.
// It registers the ephemeral session and, per the tie-break rule, sends
// the first Noise message if this side is the Initiator.
func (n *Node) onPeerConnect(peerID wire.PeerID) {
	n.mu.Lock()
	n.peers[peerID] = struct{}{}
	n.mu.Unlock()

	n.identities.RegisterEphemeralSession(hexPeerID(peerID))

	if n.coordinator.ShouldInitiateHandshake(n.myPeerID, peerID, false) {
		n.initiateHandshake(peerID)
	}

	n.onPeerListChanged()
}

func (n *Node) onPeerDisconnect(peerID wire.PeerID) {
	n.mu.Lock()
	delete(n.peers, peerID)
	n.mu.Unlock()
	n.identities.RemoveEphemeralSession(hexPeerID(peerID))
	n.onPeerListChanged()
}

func (n *Node) initiateHandshake(peerID wire.PeerID) {
	session := n.sessions.GetOrCreate(peerID)
	msg, err := session.StartHandshake()
	if err != nil {
		log.Printf("node: start handshake with %s: %v", hexPeerID(peerID), err)
		return
	}
	n.coordinator.RecordHandshakeInitiation(peerID)

	packet := &wire.Packet{
		Version:  wire.ProtocolVersion,
		Type:     wire.TypeNoiseHandshakeInit,
		TTL:      1,
		Flags:    wire.FlagHasRecipient,
		SenderID: n.myPeerID, RecipientID: peerID,
		Payload: msg,
	}
	_ = n.transport.Send(wire.Frame(packet))
}

// PeerList returns a snapshot of peers currently heard by the transport.
func (n *Node) PeerList() []wire.PeerID {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]wire.PeerID, 0, len(n.peers))
	for id := range n.peers {
		out = append(out, id)
	}
	return out
}

// SetNickname updates the locally advertised nickname, per spec.md §6.
func (n *Node) SetNickname(nickname string) {
	n.mu.Lock()
	n.nickname = nickname
	n.mu.Unlock()
}

// Nickname returns the currently configured nickname.
func (n *Node) Nickname() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nickname
}

func newMessageID() string {
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}

// send frames p, fragmenting across transport.MTU() if needed, per
// spec.md §4.1's fragmentation rule.
func (n *Node) send(p *wire.Packet) error {
	frame := wire.Frame(p)
	mtu := int(n.transport.MTU())
	if mtu <= 0 || len(frame) <= mtu {
		return n.transport.Send(frame)
	}

	fragID, err := wire.NewFragmentID()
	if err != nil {
		return fmt.Errorf("node: generate fragment id: %w", err)
	}
	chunks := wire.Fragmenter(frame, mtu, fragID)
	for i, chunk := range chunks {
		fragType := wire.TypeFragmentContinue
		switch i {
		case 0:
			fragType = wire.TypeFragmentStart
		}
		if i == len(chunks)-1 {
			fragType = wire.TypeFragmentEnd
		}
		fp := &wire.Packet{
			Version:  wire.ProtocolVersion,
			Type:     fragType,
			TTL:      p.TTL,
			Flags:    p.Flags &^ (wire.FlagIsCompressed | wire.FlagIsEncrypted),
			SenderID: p.SenderID, RecipientID: p.RecipientID,
			Payload: chunk,
		}
		if p.HasRecipient() {
			fp.Flags |= wire.FlagHasRecipient
		}
		if err := n.transport.Send(wire.Frame(fp)); err != nil {
			return err
		}
	}
	return nil
}

// SendPublic broadcasts a public chat message to the mesh, per
// spec.md §6's send_public(content).
func (n *Node) SendPublic(content string) (string, error) {
	msg := &wire.ChatMessage{
		Timestamp: uint64(time.Now().UnixMilli()),
		ID:        newMessageID(),
		Sender:    n.Nickname(),
		Content:   content,
	}
	payload := wire.EncodeChatMessage(msg)

	packet := &wire.Packet{
		Version:   wire.ProtocolVersion,
		Type:      wire.TypeMessage,
		TTL:       defaultTTL,
		Timestamp: msg.Timestamp,
		SenderID:  n.myPeerID,
		Payload:   payload,
	}
	if compressed, ok, err := wire.MaybeCompress(payload); err == nil && ok {
		packet.Payload = compressed
		packet.Flags |= wire.FlagIsCompressed
	}

	n.mu.Lock()
	n.messages = append(n.messages, *msg)
	n.mu.Unlock()

	return msg.ID, n.send(packet)
}

// SendPrivate sends an encrypted direct message to peerID, per
// spec.md §6's send_private(peerID, content). The message is tracked for
// delivery; favorites are retried on timeout per spec.md §4.6/§4.7.
func (n *Node) SendPrivate(peerID wire.PeerID, content string) (string, error) {
	session, ok := n.sessions.Get(peerID)
	if !ok || session.State() != noisesession.StateEstablished {
		return "", ErrUnknownPeer
	}

	msg := &wire.ChatMessage{
		Flags:        wire.ChatFlagIsPrivate | wire.ChatFlagHasSenderPeerID,
		Timestamp:    uint64(time.Now().UnixMilli()),
		ID:           newMessageID(),
		Sender:       n.Nickname(),
		Content:      content,
		SenderPeerID: hexPeerID(n.myPeerID),
	}
	plaintext := wire.EncodeChatMessage(msg)

	ciphertext, err := session.Encrypt(nil, plaintext)
	if err != nil {
		return "", fmt.Errorf("node: encrypt private message: %w", err)
	}

	packet := &wire.Packet{
		Version:   wire.ProtocolVersion,
		Type:      wire.TypeMessage,
		TTL:       defaultTTL,
		Flags:     wire.FlagHasRecipient | wire.FlagIsEncrypted,
		Timestamp: msg.Timestamp,
		SenderID:  n.myPeerID, RecipientID: peerID,
		Payload: ciphertext,
	}

	fp := n.peerFingerprint(peerID)
	social := n.identities.GetSocialIdentity(fp)
	n.tracker.TrackMessage(msg.ID, hexPeerID(peerID), "", social.IsFavorite)

	n.mu.Lock()
	key := hexPeerID(peerID)
	n.private[key] = append(n.private[key], *msg)
	n.mu.Unlock()

	frame := wire.Frame(packet)
	if social.IsFavorite {
		_ = n.retryQueue.AddMessageForRetry(msg.ID, frame)
	}

	return msg.ID, n.send(packet)
}

func (n *Node) peerFingerprint(peerID wire.PeerID) identity.Fingerprint {
	if eph, ok := n.identities.GetEphemeralSession(hexPeerID(peerID)); ok {
		return eph.Fingerprint
	}
	return ""
}

// Favorite sets or clears favorite status for fp, per spec.md §6.
func (n *Node) Favorite(fp identity.Fingerprint, favorite bool) {
	n.identities.SetFavorite(fp, favorite)
}

// Block sets or clears blocked status for fp; blocking forcibly clears
// favorite, per spec.md §3's invariant (enforced inside IdentityStore).
func (n *Node) Block(fp identity.Fingerprint, blocked bool) {
	n.identities.SetBlocked(fp, blocked)
}

// Verify marks fp as out-of-band verified (or retracts it), per
// spec.md §6.
func (n *Node) Verify(fp identity.Fingerprint, verified bool) {
	n.identities.SetVerified(fp, verified)
}

// Messages returns the public message log, newest last.
func (n *Node) Messages() []wire.ChatMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]wire.ChatMessage, len(n.messages))
	copy(out, n.messages)
	return out
}

// PrivateChats returns every private conversation, keyed by the hex peer
// ID it was exchanged under.
func (n *Node) PrivateChats() map[string][]wire.ChatMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string][]wire.ChatMessage, len(n.private))
	for k, v := range n.private {
		cp := make([]wire.ChatMessage, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// Tick drives every timeout/retry-bound subsystem forward, per spec.md
// §5's "driven by tick(now)" scheduling model: the coordinator's stale
// scan, the tracker's hourly cleanup, the fragment reassembler's 30s
// expiry, and the retry queue's backoff drain.
func (n *Node) Tick(now time.Time) {
	for _, peerID := range n.coordinator.CleanupStaleHandshakes() {
		n.onSessionLost(peerID, errors.New("handshake timed out"))
	}
	n.tracker.CleanupOldDeliveries()
	n.reassembler.Sweep(now)

	n.retryQueue.ProcessRetryQueue(now, n.driveRetry)
}

// driveRetry is RetryQueue's per-attempt send callback. Tracker.
// HandleTimeout is the spec.md §4.6 gate on every scheduled retry: it
// owns the favorite/retryCount decision, RetryQueue only owns the
// 2/4/6s backoff clock. A message Tracker has already dropped
// (non-favorite, or retryCount exhausted) never reaches transport.Send.
// When a send exhausts Tracker's own retry budget, HandleTimeout is
// called a second time to close out its bookkeeping immediately — the
// pending delivery is dropped and "undelivered" reported right away,
// rather than waiting for a RetryQueue attempt that will never be
// scheduled again once RetryQueue drops the entry on its own bound.
func (n *Node) driveRetry(messageID string, payload []byte) {
	if n.tracker.HandleTimeout(messageID) == delivery.ActionDropped {
		n.retryQueue.Cancel(messageID)
		if n.OnDeliveryStatus != nil {
			n.OnDeliveryStatus(messageID, "undelivered")
		}
		return
	}

	_ = n.transport.Send(payload)

	if pd, ok := n.tracker.Pending(messageID); ok && pd.RetryCount >= delivery.MaxRetries {
		n.tracker.HandleTimeout(messageID)
		n.retryQueue.Cancel(messageID)
		if n.OnDeliveryStatus != nil {
			n.OnDeliveryStatus(messageID, "undelivered")
		}
	}
}

// IdentityStore exposes the underlying store for read-only callers such
// as pkg/api.
func (n *Node) IdentityStore() *identity.IdentityStore { return n.identities }

// Tracker exposes the underlying delivery tracker for read-only callers.
func (n *Node) Tracker() *delivery.Tracker { return n.tracker }

// Router exposes the router's operational counters for read-only callers.
func (n *Node) Router() *router.Router { return n.router }

// MyPeerID returns this node's own transient peer identifier.
func (n *Node) MyPeerID() wire.PeerID { return n.myPeerID }
