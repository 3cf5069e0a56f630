package crdt

import (
	"fmt"
	"sync"

	"github.com/shinyes/deltacrdt/clock"
	"github.com/shinyes/deltacrdt/codec"
	"github.com/shinyes/deltacrdt/value"
)

// GSet is a grow-only set of Values: Add is idempotent, convergence is
// by set union. Per-member metadata is the earliest observed
// timestamp, feeding History range filtering (spec.md §4.4, and the
// range-filtered History carried from original_source/crdts/gset.py
// per SPEC_FULL.md §5).
type GSet struct {
	mu       sync.RWMutex
	clock    clock.Clock
	earliest map[string]int64
	members  map[string]value.Value
	order    []StateUpdate
	lstnr    listeners
}

// NewGSet constructs an empty GSet bound to c.
func NewGSet(c clock.Clock) *GSet {
	return &GSet{
		clock:    c,
		earliest: make(map[string]int64),
		members:  make(map[string]value.Value),
	}
}

// Read returns the current set members.
func (s *GSet) Read() []value.Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]value.Value, 0, len(s.members))
	for _, v := range s.members {
		out = append(out, v)
	}
	return out
}

// Contains reports whether v has been added.
func (s *GSet) Contains(v value.Value) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[writerKey(v)]
	return ok
}

func (s *GSet) AddListener(f Listener) ListenerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lstnr.add(f)
}

func (s *GSet) RemoveListener(h ListenerHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lstnr.remove(h)
}

// Add emits and applies an add-member delta.
func (s *GSet) Add(v value.Value) (StateUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.clock.Update(s.clock.Read())
	u := StateUpdate{ClockUUID: s.clock.UUID(), TS: ts, Data: v}
	if err := s.applyLocked(u); err != nil {
		return StateUpdate{}, err
	}
	return u, nil
}

// Update applies a delta produced locally or received from a peer.
func (s *GSet) Update(u StateUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkUUID(s.clock.UUID(), u.ClockUUID); err != nil {
		return err
	}
	s.clock.Update(u.TS)
	return s.applyLocked(u)
}

func (s *GSet) applyLocked(u StateUpdate) error {
	v, ok := u.Data.(value.Value)
	if !ok {
		return fmt.Errorf("%w: gset update payload has wrong shape", ErrType)
	}
	s.lstnr.invoke(u)

	key := writerKey(v)
	if existing, seen := s.earliest[key]; seen {
		if u.TS < existing {
			s.earliest[key] = u.TS
			for i, o := range s.order {
				if writerKey(o.Data.(value.Value)) == key {
					s.order[i] = u
					break
				}
			}
		}
		return nil
	}
	s.earliest[key] = u.TS
	s.members[key] = v
	s.order = append(s.order, u)
	return nil
}

// History returns the deltas needed to replay this GSet's current
// state, optionally filtered to [fromTS, untilTS] (either bound may be
// nil for unbounded).
func (s *GSet) History(fromTS, untilTS *int64) []StateUpdate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []StateUpdate
	for _, u := range s.order {
		if fromTS != nil && u.TS < *fromTS {
			continue
		}
		if untilTS != nil && u.TS > *untilTS {
			continue
		}
		out = append(out, u)
	}
	return out
}

// Checksums summarizes the applied delta set.
func (s *GSet) Checksums(fromTS, untilTS *int64) (Checksums, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	deltas, err := s.packedDeltasLocked(fromTS, untilTS)
	if err != nil {
		return Checksums{}, err
	}
	return computeChecksums(s.clock.Read(), deltas, func(u StateUpdate) int64 { return u.TS }), nil
}

func (s *GSet) packedDeltasLocked(fromTS, untilTS *int64) ([]packedDelta, error) {
	var out []packedDelta
	for _, u := range s.order {
		if fromTS != nil && u.TS < *fromTS {
			continue
		}
		if untilTS != nil && u.TS > *untilTS {
			continue
		}
		v := u.Data.(value.Value)
		packed, err := codec.EncodeSequence([]value.Value{value.Bytes(u.ClockUUID), value.Int(u.TS), v})
		if err != nil {
			return nil, err
		}
		out = append(out, packedDelta{update: u, packed: packed})
	}
	return out, nil
}

// GetMerkleHistory returns the Merkle triple over this GSet's applied
// deltas.
func (s *GSet) GetMerkleHistory() (MerkleHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	deltas, err := s.packedDeltasLocked(nil, nil)
	if err != nil {
		return MerkleHistory{}, err
	}
	return buildMerkleHistory(deltas), nil
}

// Pack returns an opaque byte string encoding this GSet's full delta
// history.
func (s *GSet) Pack() ([]byte, error) {
	s.mu.RLock()
	deltas, err := s.packedDeltasLocked(nil, nil)
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
func (s *GSet) Unpack(data []byte) error {
	blobs, err := unpackDeltaBlobs(data)
	if err != nil {
		return err
	}
	for _, b := range blobs {
		u, err := decodeGSetDelta(b)
		if err != nil {
			return err
		}
		if err := s.Update(u); err != nil {
			return err
		}
	}
	return nil
}

func decodeGSetDelta(b []byte) (StateUpdate, error) {
	items, _, err := codec.DecodeSequence(b, nil)
	if err != nil {
		return StateUpdate{}, err
	}
	if len(items) != 3 {
		return StateUpdate{}, fmt.Errorf("%w: malformed gset delta", ErrCodec)
	}
	uuidBytes, ok1 := items[0].(value.Bytes)
	ts, ok2 := items[1].(value.Int)
	if !ok1 || !ok2 {
		return StateUpdate{}, fmt.Errorf("%w: gset delta has wrong shape", ErrType)
	}
	return StateUpdate{ClockUUID: []byte(uuidBytes), TS: int64(ts), Data: items[2]}, nil
}

// MarshalBinary implements encoding.BinaryMarshaler in terms of Pack,
// per SPEC_FULL.md §5.
func (s *GSet) MarshalBinary() ([]byte, error) {
	return s.Pack()
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler in terms of
// Unpack, per SPEC_FULL.md §5.
func (s *GSet) UnmarshalBinary(data []byte) error {
	return s.Unpack(data)
}
