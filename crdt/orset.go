package crdt

import (
	"fmt"
	"sync"

	"github.com/shinyes/deltacrdt/clock"
	"github.com/shinyes/deltacrdt/codec"
	"github.com/shinyes/deltacrdt/value"
)

// orSetOp discriminates the two ORSet delta shapes of spec.md §4.2.
type orSetOp byte

const (
	orSetObserve orSetOp = iota
	orSetRemove
)

type orSetDelta struct {
	Op     orSetOp
	Member value.Value
}

// ORSet is an add-biased observed-remove set: two maps of member ->
// latest-{observe,remove}-timestamp. A member is visible iff it has
// been observed and its latest observe is not strictly older than its
// latest remove (ties favor observe). Grounded on
// original_source/crdts/orset.py; the teacher's pkg/crdt/orset.go uses
// a per-add-tag tombstone model instead, which this package does not
// use anywhere: RGArray stores its (value, ts, writer_id) wrappers in
// this timestamp-map ORSet, and FIArray keys its items by
// caller-supplied uuid in an LWWMap.
type ORSet struct {
	mu       sync.RWMutex
	clock    clock.Clock
	observed map[string]tsEntry
	removed  map[string]tsEntry
	order    []StateUpdate
	lstnr    listeners
}

type tsEntry struct {
	ts    int64
	value value.Value
}

// NewORSet constructs an empty ORSet bound to c.
func NewORSet(c clock.Clock) *ORSet {
	return &ORSet{
		clock:    c,
		observed: make(map[string]tsEntry),
		removed:  make(map[string]tsEntry),
	}
}

// Read returns the currently visible members.
func (s *ORSet) Read() []value.Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []value.Value
	for key, obs := range s.observed {
		if s.visibleLocked(key, obs) {
			out = append(out, obs.value)
		}
	}
	return out
}

func (s *ORSet) visibleLocked(key string, obs tsEntry) bool {
	rem, removed := s.removed[key]
	if !removed {
		return true
	}
	return obs.ts >= rem.ts
}

// Contains reports whether v is currently visible.
func (s *ORSet) Contains(v value.Value) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := writerKey(v)
	obs, ok := s.observed[key]
	if !ok {
		return false
	}
	return s.visibleLocked(key, obs)
}

func (s *ORSet) AddListener(f Listener) ListenerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lstnr.add(f)
}

func (s *ORSet) RemoveListener(h ListenerHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lstnr.remove(h)
}

// Observe emits and applies an add of v.
func (s *ORSet) Observe(v value.Value) (StateUpdate, error) {
	return s.emit(orSetObserve, v)
}

// Remove emits and applies a removal of v; permitted even if v has
// never been observed (preemptive removal, per spec.md §4.4).
func (s *ORSet) Remove(v value.Value) (StateUpdate, error) {
	return s.emit(orSetRemove, v)
}

func (s *ORSet) emit(op orSetOp, v value.Value) (StateUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.clock.Update(s.clock.Read())
	u := StateUpdate{ClockUUID: s.clock.UUID(), TS: ts, Data: orSetDelta{Op: op, Member: v}}
	if err := s.applyLocked(u); err != nil {
		return StateUpdate{}, err
	}
	return u, nil
}

// Update applies a delta produced locally or received from a peer.
func (s *ORSet) Update(u StateUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkUUID(s.clock.UUID(), u.ClockUUID); err != nil {
		return err
	}
	s.clock.Update(u.TS)
	return s.applyLocked(u)
}

func (s *ORSet) applyLocked(u StateUpdate) error {
	d, ok := u.Data.(orSetDelta)
	if !ok {
		return fmt.Errorf("%w: orset update payload has wrong shape", ErrType)
	}
	s.lstnr.invoke(u)

	key := writerKey(d.Member)
	target := &s.observed
	if d.Op == orSetRemove {
		target = &s.removed
	}
	if existing, seen := (*target)[key]; !seen || u.TS > existing.ts {
		(*target)[key] = tsEntry{ts: u.TS, value: d.Member}
	}
	s.order = append(s.order, u)
	return nil
}

// History returns the deltas needed to replay this ORSet's current
// state, optionally filtered to [fromTS, untilTS].
func (s *ORSet) History(fromTS, untilTS *int64) []StateUpdate {
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
func (s *ORSet) Checksums(fromTS, untilTS *int64) (Checksums, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	deltas, err := s.packedDeltasLocked(fromTS, untilTS)
	if err != nil {
		return Checksums{}, err
	}
	return computeChecksums(s.clock.Read(), deltas, func(u StateUpdate) int64 { return u.TS }), nil
}

func (s *ORSet) packedDeltasLocked(fromTS, untilTS *int64) ([]packedDelta, error) {
	var out []packedDelta
	for _, u := range s.order {
		if fromTS != nil && u.TS < *fromTS {
			continue
		}
		if untilTS != nil && u.TS > *untilTS {
			continue
		}
		d := u.Data.(orSetDelta)
		packed, err := codec.EncodeSequence([]value.Value{
			value.Bytes(u.ClockUUID), value.Int(u.TS), value.Int(int64(d.Op)), d.Member,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, packedDelta{update: u, packed: packed})
	}
	return out, nil
}

// GetMerkleHistory returns the Merkle triple over this ORSet's
// applied deltas.
func (s *ORSet) GetMerkleHistory() (MerkleHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	deltas, err := s.packedDeltasLocked(nil, nil)
	if err != nil {
		return MerkleHistory{}, err
	}
	return buildMerkleHistory(deltas), nil
}

// Pack returns an opaque byte string encoding this ORSet's full delta
// history.
func (s *ORSet) Pack() ([]byte, error) {
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
func (s *ORSet) Unpack(data []byte) error {
	blobs, err := unpackDeltaBlobs(data)
	if err != nil {
		return err
	}
	for _, b := range blobs {
		u, err := decodeORSetDelta(b)
		if err != nil {
			return err
		}
		if err := s.Update(u); err != nil {
			return err
		}
	}
	return nil
}

func decodeORSetDelta(b []byte) (StateUpdate, error) {
	items, _, err := codec.DecodeSequence(b, nil)
	if err != nil {
		return StateUpdate{}, err
	}
	if len(items) != 4 {
		return StateUpdate{}, fmt.Errorf("%w: malformed orset delta", ErrCodec)
	}
	uuidBytes, ok1 := items[0].(value.Bytes)
	ts, ok2 := items[1].(value.Int)
	op, ok3 := items[2].(value.Int)
	if !ok1 || !ok2 || !ok3 {
		return StateUpdate{}, fmt.Errorf("%w: orset delta has wrong shape", ErrType)
	}
	return StateUpdate{
		ClockUUID: []byte(uuidBytes),
		TS:        int64(ts),
		Data:      orSetDelta{Op: orSetOp(int64(op)), Member: items[3]},
	}, nil
}

// MarshalBinary implements encoding.BinaryMarshaler in terms of Pack,
// per SPEC_FULL.md §5.
func (s *ORSet) MarshalBinary() ([]byte, error) {
	return s.Pack()
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler in terms of
// Unpack, per SPEC_FULL.md §5.
func (s *ORSet) UnmarshalBinary(data []byte) error {
	return s.Unpack(data)
}
