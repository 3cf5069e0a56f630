package crdt

import (
	"fmt"
	"sync"

	"github.com/shinyes/deltacrdt/clock"
	"github.com/shinyes/deltacrdt/codec"
	"github.com/shinyes/deltacrdt/value"
)

// mvMapOp discriminates the two MVMap delta shapes of spec.md §4.2.
type mvMapOp byte

const (
	mvMapSet mvMapOp = iota
	mvMapUnset
)

type mvMapDelta struct {
	Op  mvMapOp
	Key value.Value
	Val value.Value
}

// MVMap composes an ORSet of keys with one MVRegister per key, exactly
// as LWWMap composes ORSet + LWWRegister (spec.md §4.6).
type MVMap struct {
	mu        sync.RWMutex
	clock     clock.Clock
	keys      *ORSet
	registers map[string]*MVRegister
	order     []StateUpdate
	lstnr     listeners
}

// NewMVMap constructs an empty MVMap bound to c.
func NewMVMap(c clock.Clock) *MVMap {
	return &MVMap{clock: c, keys: NewORSet(c), registers: make(map[string]*MVRegister)}
}

// Read returns the map's current key -> concurrent-value-set pairs.
func (m *MVMap) Read() map[string][]value.Value {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]value.Value)
	for _, k := range m.keys.Read() {
		key := writerKey(k)
		reg, ok := m.registers[key]
		if !ok {
			continue
		}
		if vals := filterNone(reg.Read()); len(vals) > 0 {
			out[key] = vals
		}
	}
	return out
}

func filterNone(vals []value.Value) []value.Value {
	out := vals[:0:0]
	for _, v := range vals {
		if v.Kind() != value.KindNone {
			out = append(out, v)
		}
	}
	return out
}

// Get returns the concurrent value set stored at k, if visible.
func (m *MVMap) Get(k value.Value) ([]value.Value, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.keys.Contains(k) {
		return nil, false
	}
	reg, ok := m.registers[writerKey(k)]
	if !ok {
		return nil, false
	}
	vals := filterNone(reg.Read())
	if len(vals) == 0 {
		return nil, false
	}
	return vals, true
}

func (m *MVMap) AddListener(f Listener) ListenerHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lstnr.add(f)
}

func (m *MVMap) RemoveListener(h ListenerHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lstnr.remove(h)
}

// Set emits and applies a key/value write.
func (m *MVMap) Set(k, v value.Value) (StateUpdate, error) {
	return m.emit(mvMapSet, k, v)
}

// Unset emits and applies a key removal.
func (m *MVMap) Unset(k value.Value) (StateUpdate, error) {
	return m.emit(mvMapUnset, k, value.None{})
}

func (m *MVMap) emit(op mvMapOp, k, v value.Value) (StateUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.clock.Update(m.clock.Read())
	u := StateUpdate{ClockUUID: m.clock.UUID(), TS: ts, Data: mvMapDelta{Op: op, Key: k, Val: v}}
	if err := m.applyLocked(u); err != nil {
		return StateUpdate{}, err
	}
	return u, nil
}

// Update applies a delta produced locally or received from a peer.
func (m *MVMap) Update(u StateUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkUUID(m.clock.UUID(), u.ClockUUID); err != nil {
		return err
	}
	m.clock.Update(u.TS)
	return m.applyLocked(u)
}

func (m *MVMap) applyLocked(u StateUpdate) error {
	d, ok := u.Data.(mvMapDelta)
	if !ok {
		return fmt.Errorf("%w: mvmap update payload has wrong shape", ErrType)
	}
	m.lstnr.invoke(u)

	for _, o := range m.order {
		od := o.Data.(mvMapDelta)
		if o.TS == u.TS && od.Op == d.Op && value.Equal(od.Key, d.Key) && value.Equal(od.Val, d.Val) {
			return nil // already applied
		}
	}

	key := writerKey(d.Key)
	reg, ok := m.registers[key]
	if !ok {
		reg = NewMVRegister(m.clock, d.Key)
		m.registers[key] = reg
	}

	var keysOp orSetOp
	if d.Op == mvMapUnset {
		keysOp = orSetRemove
	} else {
		keysOp = orSetObserve
	}
	keysUpdate := StateUpdate{ClockUUID: u.ClockUUID, TS: u.TS, Data: orSetDelta{Op: keysOp, Member: d.Key}}
	if err := m.keys.applyLocked(keysUpdate); err != nil {
		return err
	}

	regUpdate := StateUpdate{ClockUUID: u.ClockUUID, TS: u.TS, Data: d.Val}
	if err := reg.applyLocked(regUpdate); err != nil {
		return err
	}

	m.order = append(m.order, u)
	return nil
}

// History returns the deltas needed to replay this map's current
// state.
func (m *MVMap) History() []StateUpdate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StateUpdate, len(m.order))
	copy(out, m.order)
	return out
}

// Checksums summarizes the applied delta set.
func (m *MVMap) Checksums() (Checksums, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	deltas, err := m.packedDeltasLocked()
	if err != nil {
		return Checksums{}, err
	}
	return computeChecksums(m.clock.Read(), deltas, func(u StateUpdate) int64 { return u.TS }), nil
}

func (m *MVMap) packedDeltasLocked() ([]packedDelta, error) {
	out := make([]packedDelta, 0, len(m.order))
	for _, u := range m.order {
		d := u.Data.(mvMapDelta)
		packed, err := codec.EncodeSequence([]value.Value{
			value.Bytes(u.ClockUUID), value.Int(u.TS), value.Int(int64(d.Op)), d.Key, d.Val,
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
func (m *MVMap) GetMerkleHistory() (MerkleHistory, error) {
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
func (m *MVMap) Pack() ([]byte, error) {
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
func (m *MVMap) Unpack(data []byte) error {
	blobs, err := unpackDeltaBlobs(data)
	if err != nil {
		return err
	}
	for _, b := range blobs {
		u, err := decodeMVMapDelta(b)
		if err != nil {
			return err
		}
		if err := m.Update(u); err != nil {
			return err
		}
	}
	return nil
}

func decodeMVMapDelta(b []byte) (StateUpdate, error) {
	items, _, err := codec.DecodeSequence(b, nil)
	if err != nil {
		return StateUpdate{}, err
	}
	if len(items) != 5 {
		return StateUpdate{}, fmt.Errorf("%w: malformed mvmap delta", ErrCodec)
	}
	uuidBytes, ok1 := items[0].(value.Bytes)
	ts, ok2 := items[1].(value.Int)
	op, ok3 := items[2].(value.Int)
	if !ok1 || !ok2 || !ok3 {
		return StateUpdate{}, fmt.Errorf("%w: mvmap delta has wrong shape", ErrType)
	}
	return StateUpdate{
		ClockUUID: []byte(uuidBytes),
		TS:        int64(ts),
		Data:      mvMapDelta{Op: mvMapOp(int64(op)), Key: items[3], Val: items[4]},
	}, nil
}

// MarshalBinary implements encoding.BinaryMarshaler in terms of Pack,
// per SPEC_FULL.md §5.
func (m *MVMap) MarshalBinary() ([]byte, error) {
	return m.Pack()
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler in terms of
// Unpack, per SPEC_FULL.md §5.
func (m *MVMap) UnmarshalBinary(data []byte) error {
	return m.Unpack(data)
}
