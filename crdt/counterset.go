package crdt

import (
	"fmt"
	"sync"

	"github.com/shinyes/deltacrdt/clock"
	"github.com/shinyes/deltacrdt/codec"
	"github.com/shinyes/deltacrdt/value"
)

// counterSetDelta wraps a per-id PNCounter delta, per spec.md §4.2:
// `(counter_id, PNCounter-payload)`.
type counterSetDelta struct {
	CounterID value.Value
	Inner     pnDelta
}

// CounterSet is a GSet of counter_id values plus one PNCounter per id;
// read() sums every member's PNCounter. Lets independent replicas each
// own an additive contribution under a distinct id without colliding,
// per spec.md §4.3.
type CounterSet struct {
	mu       sync.RWMutex
	clock    clock.Clock
	counters map[string]*PNCounter
	ids      map[string]value.Value
	order    []StateUpdate
	lstnr    listeners
}

// NewCounterSet constructs an empty CounterSet bound to c.
func NewCounterSet(c clock.Clock) *CounterSet {
	return &CounterSet{
		clock:    c,
		counters: make(map[string]*PNCounter),
		ids:      make(map[string]value.Value),
	}
}

// Read returns the sum of every member counter_id's PNCounter value.
func (s *CounterSet) Read() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, c := range s.counters {
		total += c.Read()
	}
	return total
}

func (s *CounterSet) AddListener(f Listener) ListenerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lstnr.add(f)
}

func (s *CounterSet) RemoveListener(h ListenerHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lstnr.remove(h)
}

// Increase lazily installs a PNCounter for id if absent and emits a
// positive delta against it.
func (s *CounterSet) Increase(id value.Value, n int64, writerID value.Value) (StateUpdate, error) {
	return s.emit(id, n, 0, writerID)
}

// Decrease lazily installs a PNCounter for id if absent and emits a
// negative delta against it.
func (s *CounterSet) Decrease(id value.Value, n int64, writerID value.Value) (StateUpdate, error) {
	return s.emit(id, 0, n, writerID)
}

func (s *CounterSet) emit(id value.Value, pos, neg int64, writerID value.Value) (StateUpdate, error) {
	if pos < 0 || neg < 0 {
		return StateUpdate{}, fmt.Errorf("%w: counterset amounts must be non-negative", ErrValue)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := writerKey(id)
	inner, ok := s.counters[key]
	if !ok {
		inner = NewPNCounter(s.clock)
	}
	ts := s.clock.Update(s.clock.Read())
	pn := pnDelta{Positive: pos, Negative: neg, WriterID: writerID}
	u := StateUpdate{ClockUUID: s.clock.UUID(), TS: ts, Data: counterSetDelta{CounterID: id, Inner: pn}}
	if err := s.applyLocked(u, inner); err != nil {
		return StateUpdate{}, err
	}
	return u, nil
}

// Update applies a delta produced locally or received from a peer.
func (s *CounterSet) Update(u StateUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkUUID(s.clock.UUID(), u.ClockUUID); err != nil {
		return err
	}
	d, ok := u.Data.(counterSetDelta)
	if !ok {
		return fmt.Errorf("%w: counterset update payload has wrong shape", ErrType)
	}
	s.clock.Update(u.TS)
	key := writerKey(d.CounterID)
	inner, ok := s.counters[key]
	if !ok {
		inner = NewPNCounter(s.clock)
	}
	return s.applyLocked(u, inner)
}

func (s *CounterSet) applyLocked(u StateUpdate, inner *PNCounter) error {
	d := u.Data.(counterSetDelta)
	s.lstnr.invoke(u)

	for _, o := range s.order {
		od := o.Data.(counterSetDelta)
		if o.TS == u.TS && value.Equal(od.CounterID, d.CounterID) && od.Inner.Positive == d.Inner.Positive &&
			od.Inner.Negative == d.Inner.Negative && value.Equal(od.Inner.WriterID, d.Inner.WriterID) {
			return nil // already applied
		}
	}

	innerUpdate := StateUpdate{ClockUUID: u.ClockUUID, TS: u.TS, Data: d.Inner}
	if err := inner.applyLocked(innerUpdate); err != nil {
		return err
	}
	key := writerKey(d.CounterID)
	s.counters[key] = inner
	s.ids[key] = d.CounterID
	s.order = append(s.order, u)
	return nil
}

// History returns the deltas needed to replay this CounterSet's
// current state.
func (s *CounterSet) History() []StateUpdate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StateUpdate, len(s.order))
	copy(out, s.order)
	return out
}

// Members returns the set of installed counter ids.
func (s *CounterSet) Members() []value.Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]value.Value, 0, len(s.ids))
	for _, v := range s.ids {
		out = append(out, v)
	}
	return out
}

func (s *CounterSet) packedDeltasLocked() ([]packedDelta, error) {
	out := make([]packedDelta, 0, len(s.order))
	for _, u := range s.order {
		d := u.Data.(counterSetDelta)
		seq := []value.Value{
			value.Bytes(u.ClockUUID), value.Int(u.TS), d.CounterID,
			value.Int(d.Inner.Positive), value.Int(d.Inner.Negative), d.Inner.WriterID,
		}
		packed, err := codec.EncodeSequence(seq)
		if err != nil {
			return nil, err
		}
		out = append(out, packedDelta{update: u, packed: packed})
	}
	return out, nil
}

// Checksums summarizes the applied delta set.
func (s *CounterSet) Checksums() (Checksums, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	deltas, err := s.packedDeltasLocked()
	if err != nil {
		return Checksums{}, err
	}
	return computeChecksums(s.clock.Read(), deltas, func(u StateUpdate) int64 {
		d := u.Data.(counterSetDelta)
		return d.Inner.Positive - d.Inner.Negative
	}), nil
}

// GetMerkleHistory returns the Merkle triple over this CounterSet's
// applied deltas.
func (s *CounterSet) GetMerkleHistory() (MerkleHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	deltas, err := s.packedDeltasLocked()
	if err != nil {
		return MerkleHistory{}, err
	}
	return buildMerkleHistory(deltas), nil
}

// Pack returns an opaque byte string encoding this CounterSet's full
// delta history.
func (s *CounterSet) Pack() ([]byte, error) {
	s.mu.RLock()
	deltas, err := s.packedDeltasLocked()
	s.mu.RUnlock()
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
func (s *CounterSet) Unpack(data []byte) error {
	blobs, err := unpackDeltaBlobs(data)
	if err != nil {
		return err
	}
	for _, b := range blobs {
		u, err := decodeCounterSetDelta(b)
		if err != nil {
			return err
		}
		if err := s.Update(u); err != nil {
			return err
		}
	}
	return nil
}

func decodeCounterSetDelta(b []byte) (StateUpdate, error) {
	items, _, err := codec.DecodeSequence(b, nil)
	if err != nil {
		return StateUpdate{}, err
	}
	if len(items) != 6 {
		return StateUpdate{}, fmt.Errorf("%w: malformed counterset delta", ErrCodec)
	}
	uuidBytes, ok1 := items[0].(value.Bytes)
	ts, ok2 := items[1].(value.Int)
	pos, ok3 := items[3].(value.Int)
	neg, ok4 := items[4].(value.Int)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return StateUpdate{}, fmt.Errorf("%w: counterset delta has wrong shape", ErrType)
	}
	return StateUpdate{
		ClockUUID: []byte(uuidBytes),
		TS:        int64(ts),
		Data: counterSetDelta{
			CounterID: items[2],
			Inner:     pnDelta{Positive: int64(pos), Negative: int64(neg), WriterID: items[5]},
		},
	}, nil
}

// MarshalBinary implements encoding.BinaryMarshaler in terms of Pack,
// per SPEC_FULL.md §5.
func (s *CounterSet) MarshalBinary() ([]byte, error) {
	return s.Pack()
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler in terms of
// Unpack, per SPEC_FULL.md §5.
func (s *CounterSet) UnmarshalBinary(data []byte) error {
	return s.Unpack(data)
}
