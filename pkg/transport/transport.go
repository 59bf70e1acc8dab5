// Package transport defines the radio adapter boundary spec.md §6 requires
// the protocol core to be injected with: a best-effort broadcast send, an
// MTU the core uses to drive fragmentation, and peer presence/receive
// events delivered back into the core.
package transport

import "github.com/Latticeworks1/bitchat/pkg/wire"

// Callbacks are the events a Transport delivers into the core. The core
// registers these once via SetCallbacks before the adapter starts
// delivering traffic.
type Callbacks struct {
	// OnReceive fires for every inbound frame the radio hears, along with
	// its received signal strength. rssi has no fixed unit across real
	// adapters; the core only uses it for diagnostics, never for protocol
	// decisions.
	OnReceive func(frame []byte, rssi int)

	// OnPeerConnect/OnPeerDisconnect fire on radio-level presence changes,
	// independent of any Noise session state.
	OnPeerConnect    func(peerID wire.PeerID)
	OnPeerDisconnect func(peerID wire.PeerID)
}

// Transport is the adapter the core drives. send is best-effort: the
// implementation may drop silently, and callers must not infer delivery
// from a nil error.
type Transport interface {
	Send(frame []byte) error
	MTU() uint16
	SetCallbacks(cb Callbacks)
}
