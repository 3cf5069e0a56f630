package crdt

import (
	"fmt"
	"sync"

	"github.com/shinyes/deltacrdt/clock"
	"github.com/shinyes/deltacrdt/codec"
	"github.com/shinyes/deltacrdt/value"
)

// pnDelta carries either a positive or a negative increment, never
// both, per spec.md §4.2/§4.3.
type pnDelta struct {
	Positive int64
	Negative int64
	WriterID value.Value
}

// accumulator is the dedupe-by-(ts,writer) bookkeeping shared by both
// halves of a PNCounter, factored out of Counter's own logic since
// PNCounter needs two independent instances of it.
type accumulator struct {
	seen  map[dedupeKey]struct{}
	total int64
}

func newAccumulator() accumulator {
	return accumulator{seen: make(map[dedupeKey]struct{})}
}

func (a *accumulator) add(ts int64, writer value.Value, amount int64) bool {
	key := dedupeKey{ts: ts, writer: writerKey(writer)}
	if _, ok := a.seen[key]; ok {
		return false
	}
	a.seen[key] = struct{}{}
	a.total += amount
	return true
}

// PNCounter is a two-accumulator numeric CRDT whose observable value
// is positive-total minus negative-total.
type PNCounter struct {
	mu    sync.RWMutex
	clock clock.Clock
	pos   accumulator
	neg   accumulator
	order []StateUpdate
	lstnr listeners
}

// NewPNCounter constructs a PNCounter bound to c, initially at zero.
func NewPNCounter(c clock.Clock) *PNCounter {
	return &PNCounter{clock: c, pos: newAccumulator(), neg: newAccumulator()}
}

// Read returns positive-total minus negative-total.
func (p *PNCounter) Read() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pos.total - p.neg.total
}

func (p *PNCounter) AddListener(f Listener) ListenerHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lstnr.add(f)
}

func (p *PNCounter) RemoveListener(h ListenerHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lstnr.remove(h)
}

// Increase emits and applies a positive delta.
func (p *PNCounter) Increase(n int64, writerID value.Value) (StateUpdate, error) {
	if n < 1 {
		return StateUpdate{}, fmt.Errorf("%w: pncounter increase amount must be >= 1, got %d", ErrValue, n)
	}
	return p.emit(pnDelta{Positive: n, WriterID: writerID})
}

// Decrease emits and applies a negative delta.
func (p *PNCounter) Decrease(n int64, writerID value.Value) (StateUpdate, error) {
	if n < 1 {
		return StateUpdate{}, fmt.Errorf("%w: pncounter decrease amount must be >= 1, got %d", ErrValue, n)
	}
	return p.emit(pnDelta{Negative: n, WriterID: writerID})
}

func (p *PNCounter) emit(d pnDelta) (StateUpdate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ts := p.clock.Update(p.clock.Read())
	u := StateUpdate{ClockUUID: p.clock.UUID(), TS: ts, Data: d}
	if err := p.applyLocked(u); err != nil {
		return StateUpdate{}, err
	}
	return u, nil
}

// Update applies a delta produced locally or received from a peer.
func (p *PNCounter) Update(u StateUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := checkUUID(p.clock.UUID(), u.ClockUUID); err != nil {
		return err
	}
	p.clock.Update(u.TS)
	return p.applyLocked(u)
}

func (p *PNCounter) applyLocked(u StateUpdate) error {
	d, ok := u.Data.(pnDelta)
	if !ok {
		return fmt.Errorf("%w: pncounter update payload has wrong shape", ErrType)
	}
	if d.Positive > 0 && d.Negative > 0 {
		return fmt.Errorf("%w: pncounter delta cannot carry both a positive and negative amount", ErrValue)
	}
	if d.Positive < 0 || d.Negative < 0 {
		return fmt.Errorf("%w: pncounter delta amounts must be non-negative", ErrValue)
	}
	p.lstnr.invoke(u)

	var applied bool
	if d.Positive > 0 {
		applied = p.pos.add(u.TS, d.WriterID, d.Positive)
	} else if d.Negative > 0 {
		applied = p.neg.add(u.TS, d.WriterID, d.Negative)
	}
	if applied {
		p.order = append(p.order, u)
	}
	return nil
}

// History returns the deltas needed to replay this PNCounter's
// current state.
func (p *PNCounter) History() []StateUpdate {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]StateUpdate, len(p.order))
	copy(out, p.order)
	return out
}

// Checksums summarizes the applied delta set; the clock reading is
// first, matching original_source/crdts/pncounter.py.
func (p *PNCounter) Checksums() (Checksums, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	deltas, err := p.packedDeltasLocked()
	if err != nil {
		return Checksums{}, err
	}
	return computeChecksums(p.clock.Read(), deltas, func(u StateUpdate) int64 {
		d := u.Data.(pnDelta)
		return d.Positive - d.Negative
	}), nil
}

func (p *PNCounter) packedDeltasLocked() ([]packedDelta, error) {
	out := make([]packedDelta, 0, len(p.order))
	for _, u := range p.order {
		d := u.Data.(pnDelta)
		seq := []value.Value{
			value.Bytes(u.ClockUUID), value.Int(u.TS),
			value.Int(d.Positive), value.Int(d.Negative), d.WriterID,
		}
		packed, err := codec.EncodeSequence(seq)
		if err != nil {
			return nil, err
		}
		out = append(out, packedDelta{update: u, packed: packed})
	}
	return out, nil
}

// GetMerkleHistory returns the Merkle triple over this PNCounter's
// applied deltas.
func (p *PNCounter) GetMerkleHistory() (MerkleHistory, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	deltas, err := p.packedDeltasLocked()
	if err != nil {
		return MerkleHistory{}, err
	}
	return buildMerkleHistory(deltas), nil
}

// Pack returns an opaque byte string encoding this PNCounter's full
// delta history.
func (p *PNCounter) Pack() ([]byte, error) {
	p.mu.RLock()
	deltas, err := p.packedDeltasLocked()
	p.mu.RUnlock()
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
func (p *PNCounter) Unpack(data []byte) error {
	blobs, err := unpackDeltaBlobs(data)
	if err != nil {
		return err
	}
	for _, b := range blobs {
		u, err := decodePNCounterDelta(b)
		if err != nil {
			return err
		}
		if err := p.Update(u); err != nil {
			return err
		}
	}
	return nil
}

func decodePNCounterDelta(b []byte) (StateUpdate, error) {
	items, _, err := codec.DecodeSequence(b, nil)
	if err != nil {
		return StateUpdate{}, err
	}
	if len(items) != 5 {
		return StateUpdate{}, fmt.Errorf("%w: malformed pncounter delta", ErrCodec)
	}
	uuidBytes, ok1 := items[0].(value.Bytes)
	ts, ok2 := items[1].(value.Int)
	pos, ok3 := items[2].(value.Int)
	neg, ok4 := items[3].(value.Int)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return StateUpdate{}, fmt.Errorf("%w: pncounter delta has wrong shape", ErrType)
	}
	return StateUpdate{
		ClockUUID: []byte(uuidBytes),
		TS:        int64(ts),
		Data:      pnDelta{Positive: int64(pos), Negative: int64(neg), WriterID: items[4]},
	}, nil
}

// MarshalBinary implements encoding.BinaryMarshaler in terms of Pack,
// per SPEC_FULL.md §5.
func (p *PNCounter) MarshalBinary() ([]byte, error) {
	return p.Pack()
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler in terms of
// Unpack, per SPEC_FULL.md §5.
func (p *PNCounter) UnmarshalBinary(data []byte) error {
	return p.Unpack(data)
}
