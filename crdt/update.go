// Package crdt implements the delta-state CRDT catalog: numeric
// counters, sets, registers, maps, and ordered lists, all sharing the
// StateUpdate envelope, event dispatch, and history/Merkle machinery
// defined in this file and history.go/listener.go.
//
// Grounded on the teacher's pkg/crdt package: a byte-based Type enum
// (interface.go), sentinel errors wrapped with fmt.Errorf (errors.go
// in this package mirrors ErrInvalidOp's role), and a sync.RWMutex
// guarding every mutable CRDT instance (map.go, orset.go, lww.go).
package crdt

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/shinyes/deltacrdt/value"
)

// StateUpdate is the immutable delta envelope every CRDT applies and
// emits: (clock_uuid, ts, payload). Equality is structural.
type StateUpdate struct {
	ClockUUID []byte
	TS        int64
	Data      any
}

// Equal reports structural equality: same clock uuid, same timestamp,
// and payloads that compare equal field-by-field. Payload structs hold
// value.Value fields (some backed by slices) and occasionally a
// *big.Rat, so a plain `==` would either panic on an incomparable
// field or fall back to pointer identity; reflect.DeepEqual walks the
// structure instead, matching the "equality is structural" contract of
// spec.md §3.
func (u StateUpdate) Equal(o StateUpdate) bool {
	return bytes.Equal(u.ClockUUID, o.ClockUUID) && u.TS == o.TS && reflect.DeepEqual(u.Data, o.Data)
}

// checkUUID rejects updates whose ClockUUID does not match own.
func checkUUID(own, incoming []byte) error {
	if !bytes.Equal(own, incoming) {
		return fmt.Errorf("%w: update carries a different clock uuid", ErrMismatch)
	}
	return nil
}

// tsValue wraps an int64 timestamp as a Value for use in Compare-based
// tie-break helpers that operate over the shared total order.
func tsValue(ts int64) value.Value { return value.Int(ts) }

// packDeltaBlobs frames a CRDT's canonically-encoded delta blobs
// (already produced by that type's own packedDeltasLocked, so
// checksums and pack() agree byte-for-byte on each individual delta)
// as one opaque wire value, per spec.md §6's pack()/unpack() pair.
// msgpack is used here rather than the recursive codec package
// because this outer framing carries no cross-replica agreement
// requirement of its own — only the inner blobs do — matching the
// teacher's own split between hand-framed wire structs and
// msgpack-wrapped caches (pkg/crdt/rga_codec.go).
func packDeltaBlobs(blobs [][]byte) ([]byte, error) {
	b, err := msgpack.Marshal(blobs)
	if err != nil {
		return nil, fmt.Errorf("%w: packing delta blobs: %v", ErrCodec, err)
	}
	return b, nil
}

// unpackDeltaBlobs reverses packDeltaBlobs.
func unpackDeltaBlobs(data []byte) ([][]byte, error) {
	var blobs [][]byte
	if err := msgpack.Unmarshal(data, &blobs); err != nil {
		return nil, fmt.Errorf("%w: unpacking delta blobs: %v", ErrCodec, err)
	}
	return blobs, nil
}
