package crdt

import (
	"fmt"
	"sync"

	"github.com/shinyes/deltacrdt/clock"
	"github.com/shinyes/deltacrdt/codec"
	"github.com/shinyes/deltacrdt/value"
)

// lwwMapOp discriminates the two LWWMap delta shapes of spec.md §4.2.
type lwwMapOp byte

const (
	lwwMapSet lwwMapOp = iota
	lwwMapUnset
)

type lwwMapDelta struct {
	Op       lwwMapOp
	Key      value.Value
	Val      value.Value
	WriterID value.Value
}

// LWWMap composes an ORSet of keys with one LWWRegister per key, per
// spec.md §4.5: Set = observe(key) + register write; Unset = remove(key)
// + register write of sentinel-none. Read emits only ORSet-visible
// keys whose register holds a non-none value.
type LWWMap struct {
	mu        sync.RWMutex
	clock     clock.Clock
	keys      *ORSet
	registers map[string]*LWWRegister
	order     []StateUpdate
	lstnr     listeners
}

// NewLWWMap constructs an empty LWWMap bound to c.
func NewLWWMap(c clock.Clock) *LWWMap {
	return &LWWMap{
		clock:     c,
		keys:      NewORSet(c),
		registers: make(map[string]*LWWRegister),
	}
}

// Read returns the map's current key/value pairs.
func (m *LWWMap) Read() map[string]value.Value {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]value.Value)
	for _, k := range m.keys.Read() {
		key := writerKey(k)
		reg, ok := m.registers[key]
		if !ok {
			continue
		}
		v := reg.Read()
		if v.Kind() == value.KindNone {
			continue
		}
		out[key] = v
	}
	return out
}

// Get returns the value stored at k, if visible.
func (m *LWWMap) Get(k value.Value) (value.Value, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.keys.Contains(k) {
		return nil, false
	}
	reg, ok := m.registers[writerKey(k)]
	if !ok {
		return nil, false
	}
	v := reg.Read()
	if v.Kind() == value.KindNone {
		return nil, false
	}
	return v, true
}

func (m *LWWMap) AddListener(f Listener) ListenerHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lstnr.add(f)
}

func (m *LWWMap) RemoveListener(h ListenerHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lstnr.remove(h)
}

// Set emits and applies a key/value write.
func (m *LWWMap) Set(k, v, writerID value.Value) (StateUpdate, error) {
	return m.emit(lwwMapSet, k, v, writerID)
}

// Unset emits and applies a key removal.
func (m *LWWMap) Unset(k, writerID value.Value) (StateUpdate, error) {
	return m.emit(lwwMapUnset, k, value.None{}, writerID)
}

func (m *LWWMap) emit(op lwwMapOp, k, v, writerID value.Value) (StateUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.clock.Update(m.clock.Read())
	u := StateUpdate{ClockUUID: m.clock.UUID(), TS: ts, Data: lwwMapDelta{Op: op, Key: k, Val: v, WriterID: writerID}}
	if err := m.applyLocked(u); err != nil {
		return StateUpdate{}, err
	}
	return u, nil
}

// Update applies a delta produced locally or received from a peer.
func (m *LWWMap) Update(u StateUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkUUID(m.clock.UUID(), u.ClockUUID); err != nil {
		return err
	}
	m.clock.Update(u.TS)
	return m.applyLocked(u)
}

func (m *LWWMap) applyLocked(u StateUpdate) error {
	d, ok := u.Data.(lwwMapDelta)
	if !ok {
		return fmt.Errorf("%w: lwwmap update payload has wrong shape", ErrType)
	}
	m.lstnr.invoke(u)

	for _, o := range m.order {
		od := o.Data.(lwwMapDelta)
		if o.TS == u.TS && od.Op == d.Op && value.Equal(od.Key, d.Key) && value.Equal(od.Val, d.Val) && value.Equal(od.WriterID, d.WriterID) {
			return nil // already applied
		}
	}

	key := writerKey(d.Key)
	reg, ok := m.registers[key]
	if !ok {
		reg = NewLWWRegister(m.clock, d.Key)
		m.registers[key] = reg
	}

	var keysUpdate StateUpdate
	if d.Op == lwwMapUnset {
		keysUpdate = StateUpdate{ClockUUID: u.ClockUUID, TS: u.TS, Data: orSetDelta{Op: orSetRemove, Member: d.Key}}
	} else {
		keysUpdate = StateUpdate{ClockUUID: u.ClockUUID, TS: u.TS, Data: orSetDelta{Op: orSetObserve, Member: d.Key}}
	}
	if err := m.keys.applyLocked(keysUpdate); err != nil {
		return err
	}

	regUpdate := StateUpdate{ClockUUID: u.ClockUUID, TS: u.TS, Data: lwwWrite{WriterID: d.WriterID, NewValue: d.Val}}
	if err := reg.applyLocked(regUpdate); err != nil {
		return err
	}

	m.order = append(m.order, u)
	return nil
}

// History returns the deltas needed to replay this map's current
// state.
func (m *LWWMap) History() []StateUpdate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StateUpdate, len(m.order))
	copy(out, m.order)
	return out
}

// Checksums summarizes the applied delta set.
func (m *LWWMap) Checksums() (Checksums, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	deltas, err := m.packedDeltasLocked()
	if err != nil {
		return Checksums{}, err
	}
	return computeChecksums(m.clock.Read(), deltas, func(u StateUpdate) int64 { return u.TS }), nil
}

func (m *LWWMap) packedDeltasLocked() ([]packedDelta, error) {
	out := make([]packedDelta, 0, len(m.order))
	for _, u := range m.order {
		d := u.Data.(lwwMapDelta)
		packed, err := codec.EncodeSequence([]value.Value{
			value.Bytes(u.ClockUUID), value.Int(u.TS), value.Int(int64(d.Op)), d.Key, d.Val, d.WriterID,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, packedDelta{update: u, packed: packed})
	}
	return out, nil
}

// GetMerkleHistory returns the Merkle triple over this map's applied
// deltas.
func (m *LWWMap) GetMerkleHistory() (MerkleHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	deltas, err := m.packedDeltasLocked()
	if err != nil {
		return MerkleHistory{}, err
	}
	return buildMerkleHistory(deltas), nil
}

// Pack returns an opaque byte string encoding this map's full delta
// history.
func (m *LWWMap) Pack() ([]byte, error) {
	m.mu.RLock()
	deltas, err := m.packedDeltasLocked()
	m.mu.RUnlock()
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
func (m *LWWMap) Unpack(data []byte) error {
	blobs, err := unpackDeltaBlobs(data)
	if err != nil {
		return err
	}
	for _, b := range blobs {
		u, err := decodeLWWMapDelta(b)
		if err != nil {
			return err
		}
		if err := m.Update(u); err != nil {
			return err
		}
	}
	return nil
}

func decodeLWWMapDelta(b []byte) (StateUpdate, error) {
	items, _, err := codec.DecodeSequence(b, nil)
	if err != nil {
		return StateUpdate{}, err
	}
	if len(items) != 6 {
		return StateUpdate{}, fmt.Errorf("%w: malformed lwwmap delta", ErrCodec)
	}
	uuidBytes, ok1 := items[0].(value.Bytes)
	ts, ok2 := items[1].(value.Int)
	op, ok3 := items[2].(value.Int)
	if !ok1 || !ok2 || !ok3 {
		return StateUpdate{}, fmt.Errorf("%w: lwwmap delta has wrong shape", ErrType)
	}
	return StateUpdate{
		ClockUUID: []byte(uuidBytes),
		TS:        int64(ts),
		Data:      lwwMapDelta{Op: lwwMapOp(int64(op)), Key: items[3], Val: items[4], WriterID: items[5]},
	}, nil
}

// MarshalBinary implements encoding.BinaryMarshaler in terms of Pack,
// per SPEC_FULL.md §5.
func (m *LWWMap) MarshalBinary() ([]byte, error) {
	return m.Pack()
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler in terms of
// Unpack, per SPEC_FULL.md §5.
func (m *LWWMap) UnmarshalBinary(data []byte) error {
	return m.Unpack(data)
}
