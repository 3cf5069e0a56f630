package crdt

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shinyes/deltacrdt/clock"
	"github.com/shinyes/deltacrdt/codec"
	"github.com/shinyes/deltacrdt/value"
)

// MVRegister preserves concurrent writes as a set rather than picking
// a single winner, per spec.md §4.6. Grounded on
// original_source/crdts/mvregister.py: Write replaces the multiset
// with a single value and bumps last_update_ts; merging an incoming
// update that strictly follows the current state adopts it outright,
// one that is strictly behind is kept only for history replay, and a
// concurrent one unions into the value set.
type MVRegister struct {
	mu        sync.RWMutex
	clock     clock.Clock
	name      value.Value
	values    []value.Value
	lastTS    int64
	hasWritten bool
	order     []StateUpdate
	lstnr     listeners
}

// NewMVRegister constructs an empty MVRegister bound to c.
func NewMVRegister(c clock.Clock, name value.Value) *MVRegister {
	return &MVRegister{clock: c, name: name}
}

// Read returns the current set of concurrently-held values, sorted by
// serialized form for a deterministic view.
func (r *MVRegister) Read() []value.Value {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]value.Value, len(r.values))
	copy(out, r.values)
	return out
}

func (r *MVRegister) AddListener(f Listener) ListenerHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lstnr.add(f)
}

func (r *MVRegister) RemoveListener(h ListenerHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lstnr.remove(h)
}

// Write emits and applies a fresh single-value write, discarding any
// concurrently-held values.
func (r *MVRegister) Write(v value.Value) (StateUpdate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts := r.clock.Update(r.clock.Read())
	u := StateUpdate{ClockUUID: r.clock.UUID(), TS: ts, Data: v}
	if err := r.applyLocked(u); err != nil {
		return StateUpdate{}, err
	}
	return u, nil
}

// Update applies a delta produced locally or received from a peer.
func (r *MVRegister) Update(u StateUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := checkUUID(r.clock.UUID(), u.ClockUUID); err != nil {
		return err
	}
	r.clock.Update(u.TS)
	return r.applyLocked(u)
}

func (r *MVRegister) applyLocked(u StateUpdate) error {
	v, ok := u.Data.(value.Value)
	if !ok {
		return fmt.Errorf("%w: mvregister update payload has wrong shape", ErrType)
	}
	r.lstnr.invoke(u)
	for _, o := range r.order {
		if o.TS == u.TS && value.Equal(o.Data.(value.Value), v) {
			return nil // already applied
		}
	}
	r.order = append(r.order, u)

	if !r.hasWritten {
		r.values = []value.Value{v}
		r.lastTS = u.TS
		r.hasWritten = true
		return nil
	}

	switch r.clock.Compare(u.TS, r.lastTS) {
	case 1:
		r.values = []value.Value{v}
		r.lastTS = u.TS
	case -1:
		// strictly behind: keep for history replay, drop from state
	default:
		r.values = unionSortedDedup(r.values, v)
		if u.TS > r.lastTS {
			r.lastTS = u.TS
		}
	}
	return nil
}

func unionSortedDedup(existing []value.Value, v value.Value) []value.Value {
	for _, e := range existing {
		if value.Equal(e, v) {
			return existing
		}
	}
	out := append(append([]value.Value(nil), existing...), v)
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// History returns the deltas needed to replay this register's current
// state.
func (r *MVRegister) History() []StateUpdate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StateUpdate, len(r.order))
	copy(out, r.order)
	return out
}

// Checksums summarizes the applied delta set.
func (r *MVRegister) Checksums() (Checksums, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	deltas, err := r.packedDeltasLocked()
	if err != nil {
		return Checksums{}, err
	}
	return computeChecksums(r.clock.Read(), deltas, func(u StateUpdate) int64 { return u.TS }), nil
}

func (r *MVRegister) packedDeltasLocked() ([]packedDelta, error) {
	out := make([]packedDelta, 0, len(r.order))
	for _, u := range r.order {
		v := u.Data.(value.Value)
		packed, err := codec.EncodeSequence([]value.Value{value.Bytes(u.ClockUUID), value.Int(u.TS), v})
		if err != nil {
			return nil, err
		}
		out = append(out, packedDelta{update: u, packed: packed})
	}
	return out, nil
}

// GetMerkleHistory returns the Merkle triple over this register's
// applied deltas.
func (r *MVRegister) GetMerkleHistory() (MerkleHistory, error) {
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
func (r *MVRegister) Pack() ([]byte, error) {
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
func (r *MVRegister) Unpack(data []byte) error {
	blobs, err := unpackDeltaBlobs(data)
	if err != nil {
		return err
	}
	for _, b := range blobs {
		u, err := decodeMVRegisterDelta(b)
		if err != nil {
			return err
		}
		if err := r.Update(u); err != nil {
			return err
		}
	}
	return nil
}

func decodeMVRegisterDelta(b []byte) (StateUpdate, error) {
	items, _, err := codec.DecodeSequence(b, nil)
	if err != nil {
		return StateUpdate{}, err
	}
	if len(items) != 3 {
		return StateUpdate{}, fmt.Errorf("%w: malformed mvregister delta", ErrCodec)
	}
	uuidBytes, ok1 := items[0].(value.Bytes)
	ts, ok2 := items[1].(value.Int)
	if !ok1 || !ok2 {
		return StateUpdate{}, fmt.Errorf("%w: mvregister delta has wrong shape", ErrType)
	}
	return StateUpdate{ClockUUID: []byte(uuidBytes), TS: int64(ts), Data: items[2]}, nil
}

// MarshalBinary implements encoding.BinaryMarshaler in terms of Pack,
// per SPEC_FULL.md §5.
func (r *MVRegister) MarshalBinary() ([]byte, error) {
	return r.Pack()
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler in terms of
// Unpack, per SPEC_FULL.md §5.
func (r *MVRegister) UnmarshalBinary(data []byte) error {
	return r.Unpack(data)
}
