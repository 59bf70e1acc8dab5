package wire

import (
	"bytes"

	"github.com/pierrec/lz4/v4"
)

// CompressPayload LZ4-compresses data. Per spec.md's redesign note in §9,
// the caller should only keep the compressed form (and the IS_COMPRESSED
// flag) when it is strictly smaller than the original — CompressPayload
// just does the compression, the caller does the size comparison via
// MaybeCompress below.
func CompressPayload(data []byte) ([]byte, error) {
	var out bytes.Buffer
	w := lz4.NewWriter(&out)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// DecompressPayload reverses CompressPayload.
func DecompressPayload(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	var out bytes.Buffer
	if _, err := out.ReadFrom(r); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// MaybeCompress implements spec.md §4.1/§9's tightened negotiation: the
// IS_COMPRESSED flag (and the compressed bytes) are used only if the
// compressed form is strictly smaller than the input. It returns the
// payload to put on the wire and whether the compressed flag should be
// set.
func MaybeCompress(payload []byte) (out []byte, compressed bool, err error) {
	packed, err := CompressPayload(payload)
	if err != nil {
		return nil, false, err
	}
	if len(packed) < len(payload) {
		return packed, true, nil
	}
	return payload, false, nil
}
