package wire

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"
)

// FragmentIDSize is the width of the random per-message fragment identifier.
const FragmentIDSize = 8

// fragmentEntryTTL is how long a partial reassembly buffer survives
// without completion, per spec.md §4.1.
const fragmentEntryTTL = 30 * time.Second

// FragmentID identifies all fragments belonging to one oversized message.
type FragmentID [FragmentIDSize]byte

// NewFragmentID generates a random fragment identifier.
func NewFragmentID() (FragmentID, error) {
	var id FragmentID
	_, err := rand.Read(id[:])
	return id, err
}

// EncodeFragmentPayload prepends the fragment id and index to a fragment's
// payload slice, per spec.md §4.1.
func EncodeFragmentPayload(id FragmentID, index uint16, chunk []byte) []byte {
	buf := make([]byte, FragmentIDSize+2+len(chunk))
	copy(buf, id[:])
	binary.BigEndian.PutUint16(buf[FragmentIDSize:], index)
	copy(buf[FragmentIDSize+2:], chunk)
	return buf
}

// DecodeFragmentPayload splits a fragment payload back into its id, index
// and chunk.
func DecodeFragmentPayload(payload []byte) (id FragmentID, index uint16, chunk []byte, err error) {
	if len(payload) < FragmentIDSize+2 {
		err = ErrShortBuffer
		return
	}
	copy(id[:], payload[:FragmentIDSize])
	index = binary.BigEndian.Uint16(payload[FragmentIDSize:])
	chunk = payload[FragmentIDSize+2:]
	return
}

// Fragmenter splits an oversized frame into fragment payloads (id, index,
// chunk), each at most mtu bytes; the caller wraps them in
// FRAGMENT_START/CONTINUE/END packets.
func Fragmenter(frame []byte, mtu int, id FragmentID) [][]byte {
	if mtu <= FragmentIDSize+2 {
		return nil
	}
	chunkSize := mtu - FragmentIDSize - 2
	var chunks [][]byte
	for offset := 0; offset < len(frame); offset += chunkSize {
		end := offset + chunkSize
		if end > len(frame) {
			end = len(frame)
		}
		chunks = append(chunks, frame[offset:end])
	}
	if len(chunks) == 0 {
		chunks = [][]byte{{}}
	}

	out := make([][]byte, len(chunks))
	for i, chunk := range chunks {
		out[i] = EncodeFragmentPayload(id, uint16(i), chunk)
	}
	return out
}

// reassemblyEntry holds the partial state of one in-flight fragmented
// message.
type reassemblyEntry struct {
	chunks    map[uint16][]byte
	total     int // -1 until the END fragment is seen
	createdAt time.Time
}

// Reassembler buffers fragments keyed by FragmentID and reassembles them
// once all indices 0..n have arrived. Entries older than 30s are dropped
// so a never-completed transfer can't grow the table unboundedly.
type Reassembler struct {
	mu      sync.Mutex
	entries map[FragmentID]*reassemblyEntry
	now     func() time.Time
}

// NewReassembler constructs an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{
		entries: make(map[FragmentID]*reassemblyEntry),
		now:     time.Now,
	}
}

// AddFragment buffers one fragment. isEnd must be true iff the fragment
// arrived as a FRAGMENT_END packet. It returns the reassembled frame once
// all indices 0..total-1 have been seen; otherwise it returns nil.
func (r *Reassembler) AddFragment(id FragmentID, index uint16, chunk []byte, isEnd bool) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		entry = &reassemblyEntry{chunks: make(map[uint16][]byte), total: -1, createdAt: r.now()}
		r.entries[id] = entry
	}
	entry.chunks[index] = chunk
	if isEnd {
		entry.total = int(index) + 1
	}

	if entry.total < 0 {
		return nil
	}
	for i := 0; i < entry.total; i++ {
		if _, have := entry.chunks[uint16(i)]; !have {
			return nil
		}
	}

	var out []byte
	for i := 0; i < entry.total; i++ {
		out = append(out, entry.chunks[uint16(i)]...)
	}
	delete(r.entries, id)
	return out
}

// Sweep drops reassembly entries older than 30s and returns how many were
// dropped. Intended to be driven from the core tick event.
func (r *Reassembler) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for id, entry := range r.entries {
		if now.Sub(entry.createdAt) > fragmentEntryTTL {
			delete(r.entries, id)
			dropped++
		}
	}
	return dropped
}
