package crdt

import (
	"fmt"
	"sync"

	"github.com/shinyes/deltacrdt/clock"
	"github.com/shinyes/deltacrdt/codec"
	"github.com/shinyes/deltacrdt/value"
)

// lwwWrite is the payload of one LWWRegister write, per spec.md §4.2:
// `(Value writer_id, Value new_value)`.
type lwwWrite struct {
	WriterID value.Value
	NewValue value.Value
}

// LWWRegister resolves concurrent writes by (timestamp, writer_id,
// serialized value), per spec.md §4.5. Grounded on
// original_source/crdts/lwwregister.py's compare_values ordering and
// on the teacher's pkg/crdt/lww.go single-slot register shape.
type LWWRegister struct {
	mu           sync.RWMutex
	clock        clock.Clock
	name         value.Value
	current      value.Value
	lastTS       int64
	lastWriter   value.Value
	hasWritten   bool
	order        []StateUpdate
	lstnr        listeners
}

// NewLWWRegister constructs an empty LWWRegister bound to c, holding
// name for identification in composite structures (LWWMap keys the
// register by its own map key rather than name, but the field mirrors
// the original's shape and is useful for debugging/logging).
func NewLWWRegister(c clock.Clock, name value.Value) *LWWRegister {
	return &LWWRegister{clock: c, name: name, current: value.None{}}
}

// Read returns the current winning value.
func (r *LWWRegister) Read() value.Value {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

func (r *LWWRegister) AddListener(f Listener) ListenerHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lstnr.add(f)
}

func (r *LWWRegister) RemoveListener(h ListenerHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lstnr.remove(h)
}

// Write emits and applies a new value under writerID.
func (r *LWWRegister) Write(v, writerID value.Value) (StateUpdate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts := r.clock.Update(r.clock.Read())
	u := StateUpdate{ClockUUID: r.clock.UUID(), TS: ts, Data: lwwWrite{WriterID: writerID, NewValue: v}}
	if err := r.applyLocked(u); err != nil {
		return StateUpdate{}, err
	}
	return u, nil
}

// Update applies a delta produced locally or received from a peer.
func (r *LWWRegister) Update(u StateUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := checkUUID(r.clock.UUID(), u.ClockUUID); err != nil {
		return err
	}
	r.clock.Update(u.TS)
	return r.applyLocked(u)
}

func (r *LWWRegister) applyLocked(u StateUpdate) error {
	w, ok := u.Data.(lwwWrite)
	if !ok {
		return fmt.Errorf("%w: lwwregister update payload has wrong shape", ErrType)
	}
	r.lstnr.invoke(u)

	for _, o := range r.order {
		ow := o.Data.(lwwWrite)
		if o.TS == u.TS && value.Equal(ow.WriterID, w.WriterID) && value.Equal(ow.NewValue, w.NewValue) {
			return nil // already applied
		}
	}
	if r.hasWritten && !r.wins(u.TS, w.WriterID, w.NewValue) {
		r.order = append(r.order, u)
		return nil
	}
	r.current = w.NewValue
	r.lastTS = u.TS
	r.lastWriter = w.WriterID
	r.hasWritten = true
	r.order = append(r.order, u)
	return nil
}

// wins reports whether an incoming (ts, writer, value) beats the
// currently stored one under the §4.5 ordering rule.
func (r *LWWRegister) wins(ts int64, writer, val value.Value) bool {
	cmp := r.clock.Compare(ts, r.lastTS)
	if cmp != 0 {
		return cmp > 0
	}
	return CompareValues(writer, r.lastWriter, val, r.current) > 0
}

// CompareValues implements the §4.5 ordering rule's steps 2-3,
// exported per SPEC_FULL.md §5 for callers building custom conflict
// UIs, grounded on original_source/crdts/lwwregister.py's
// compare_values.
func CompareValues(writerA, writerB, valueA, valueB value.Value) int {
	if c := writerA.Compare(writerB); c != 0 {
		return c
	}
	return valueA.Compare(valueB)
}

// History returns the deltas needed to replay this register's current
// state.
func (r *LWWRegister) History() []StateUpdate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StateUpdate, len(r.order))
	copy(out, r.order)
	return out
}

// Checksums summarizes the applied delta set.
func (r *LWWRegister) Checksums() (Checksums, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	deltas, err := r.packedDeltasLocked()
	if err != nil {
		return Checksums{}, err
	}
	return computeChecksums(r.clock.Read(), deltas, func(u StateUpdate) int64 { return u.TS }), nil
}

func (r *LWWRegister) packedDeltasLocked() ([]packedDelta, error) {
	out := make([]packedDelta, 0, len(r.order))
	for _, u := range r.order {
		w := u.Data.(lwwWrite)
		packed, err := codec.EncodeSequence([]value.Value{
			value.Bytes(u.ClockUUID), value.Int(u.TS), w.WriterID, w.NewValue,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, packedDelta{update: u, packed: packed})
	}
	return out, nil
}

// GetMerkleHistory returns the Merkle triple over this register's
// applied deltas.
func (r *LWWRegister) GetMerkleHistory() (MerkleHistory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	deltas, err := r.packedDeltasLocked()
	if err != nil {
		return MerkleHistory{}, err
	}
	return buildMerkleHistory(deltas), nil
}

// Pack returns an opaque byte string encoding this register's full
// delta history.
func (r *LWWRegister) Pack() ([]byte, error) {
	r.mu.RLock()
	deltas, err := r.packedDeltasLocked()
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	blobs := make([][]byte, len(deltas))
	for i, d := range deltas {
		blobs[i] = d.packed
	}
	return packDeltaBlobs(blobs)
}

// Unpack replays a byte string produced by Pack.
func (r *LWWRegister) Unpack(data []byte) error {
	blobs, err := unpackDeltaBlobs(data)
	if err != nil {
		return err
	}
	for _, b := range blobs {
		u, err := decodeLWWWrite(b)
		if err != nil {
			return err
		}
		if err := r.Update(u); err != nil {
			return err
		}
	}
	return nil
}

func decodeLWWWrite(b []byte) (StateUpdate, error) {
	items, _, err := codec.DecodeSequence(b, nil)
	if err != nil {
		return StateUpdate{}, err
	}
	if len(items) != 4 {
		return StateUpdate{}, fmt.Errorf("%w: malformed lwwregister delta", ErrCodec)
	}
	uuidBytes, ok := items[0].(value.Bytes)
	ts, ok2 := items[1].(value.Int)
	if !ok || !ok2 {
		return StateUpdate{}, fmt.Errorf("%w: lwwregister delta has wrong shape", ErrType)
	}
	return StateUpdate{
		ClockUUID: []byte(uuidBytes),
		TS:        int64(ts),
		Data:      lwwWrite{WriterID: items[2], NewValue: items[3]},
	}, nil
}

// MarshalBinary implements encoding.BinaryMarshaler in terms of Pack,
// per SPEC_FULL.md §5.
func (r *LWWRegister) MarshalBinary() ([]byte, error) {
	return r.Pack()
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler in terms of
// Unpack, per SPEC_FULL.md §5.
func (r *LWWRegister) UnmarshalBinary(data []byte) error {
	return r.Unpack(data)
}
