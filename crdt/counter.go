package crdt

import (
	"fmt"
	"sync"

	"github.com/shinyes/deltacrdt/clock"
	"github.com/shinyes/deltacrdt/codec"
	"github.com/shinyes/deltacrdt/value"
)

// counterDelta is the amount payload for one Counter.Increase call,
// per spec.md §4.2: `int amount` (positive), keyed by the delta's own
// (ts, writer) for deduplication.
type counterDelta struct {
	Amount   int64
	WriterID value.Value
}

// Counter is a grow-only numeric CRDT: read() is the sum of all
// distinct delta amounts, deduplicated by (ts, writer_id) so
// redelivery of the same delta never double-counts. See DESIGN.md
// "Open Question decisions" for why this sums deltas rather than
// tracking a max-of-absolute-totals the way
// original_source/crdts/counter.py does.
type Counter struct {
	mu     sync.RWMutex
	clock  clock.Clock
	deltas map[dedupeKey]int64
	order  []StateUpdate
	total  int64
	lstnr  listeners
}

type dedupeKey struct {
	ts     int64
	writer string
}

// NewCounter constructs a Counter bound to c, initially empty.
func NewCounter(c clock.Clock) *Counter {
	return &Counter{
		clock:  c,
		deltas: make(map[dedupeKey]int64),
	}
}

// Read returns the current sum of distinct delta amounts.
func (c *Counter) Read() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.total
}

// AddListener registers f to be invoked just before each future
// Update, returning a handle for RemoveListener.
func (c *Counter) AddListener(f Listener) ListenerHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lstnr.add(f)
}

// RemoveListener deregisters a listener previously added.
func (c *Counter) RemoveListener(h ListenerHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lstnr.remove(h)
}

// Increase produces and applies a delta of amount n (n must be >= 1),
// writer_id identifying the caller for dedupe bookkeeping. Returns the
// StateUpdate for propagation to other replicas.
func (c *Counter) Increase(n int64, writerID value.Value) (StateUpdate, error) {
	if n < 1 {
		return StateUpdate{}, fmt.Errorf("%w: counter increase amount must be >= 1, got %d", ErrValue, n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.clock.Update(c.clock.Read())
	u := StateUpdate{ClockUUID: c.clock.UUID(), TS: ts, Data: counterDelta{Amount: n, WriterID: writerID}}
	if err := c.applyLocked(u); err != nil {
		return StateUpdate{}, err
	}
	return u, nil
}

// Update applies a delta produced locally or received from a peer.
func (c *Counter) Update(u StateUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := checkUUID(c.clock.UUID(), u.ClockUUID); err != nil {
		return err
	}
	c.clock.Update(u.TS)
	return c.applyLocked(u)
}

func (c *Counter) applyLocked(u StateUpdate) error {
	d, ok := u.Data.(counterDelta)
	if !ok {
		return fmt.Errorf("%w: counter update payload has wrong shape", ErrType)
	}
	if d.Amount < 1 {
		return fmt.Errorf("%w: counter delta amount must be >= 1, got %d", ErrValue, d.Amount)
	}
	c.lstnr.invoke(u)

	key := dedupeKey{ts: u.TS, writer: writerKey(d.WriterID)}
	if _, seen := c.deltas[key]; seen {
		return nil
	}
	c.deltas[key] = d.Amount
	c.total += d.Amount
	c.order = append(c.order, u)
	return nil
}

// writerKey builds a per-value identity key matching value.Compare's
// (kind, tag, data) ordering. Tagged.Pack returns only Data, so its
// tag is folded in separately here; without it, two Tagged writer ids
// sharing the same Data but different Tags would collide.
func writerKey(v value.Value) string {
	if v == nil {
		return ""
	}
	b, err := v.Pack()
	if err != nil {
		return v.String()
	}
	tag := ""
	if t, ok := v.(value.Tagged); ok {
		tag = t.Tag
	}
	return fmt.Sprintf("%d:%s:%s", v.Kind(), tag, b)
}

// History returns the deltas needed to replay this Counter's current
// state on a fresh instance sharing the same clock uuid.
func (c *Counter) History() []StateUpdate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]StateUpdate, len(c.order))
	copy(out, c.order)
	return out
}

// Checksums summarizes the applied delta set.
func (c *Counter) Checksums() (Checksums, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	deltas, err := c.packedDeltasLocked()
	if err != nil {
		return Checksums{}, err
	}
	return computeChecksums(c.clock.Read(), deltas, func(u StateUpdate) int64 {
		return u.Data.(counterDelta).Amount
	}), nil
}

func (c *Counter) packedDeltasLocked() ([]packedDelta, error) {
	out := make([]packedDelta, 0, len(c.order))
	for _, u := range c.order {
		p, err := packCounterUpdate(u)
		if err != nil {
			return nil, err
		}
		out = append(out, packedDelta{update: u, packed: p})
	}
	return out, nil
}

func packCounterUpdate(u StateUpdate) ([]byte, error) {
	d := u.Data.(counterDelta)
	seq := []value.Value{value.Bytes(u.ClockUUID), value.Int(u.TS), value.Int(d.Amount), d.WriterID}
	return codec.EncodeSequence(seq)
}

// GetMerkleHistory returns the Merkle triple over this Counter's
// applied deltas.
func (c *Counter) GetMerkleHistory() (MerkleHistory, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	deltas, err := c.packedDeltasLocked()
	if err != nil {
		return MerkleHistory{}, err
	}
	return buildMerkleHistory(deltas), nil
}

// Pack returns an opaque byte string encoding this Counter's full
// delta history, suitable for storage or transport; Unpack on a fresh
// Counter sharing the same clock uuid reconstructs identical state.
func (c *Counter) Pack() ([]byte, error) {
	c.mu.RLock()
	deltas, err := c.packedDeltasLocked()
	c.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	blobs := make([][]byte, len(deltas))
	for i, d := range deltas {
		blobs[i] = d.packed
	}
	return packDeltaBlobs(blobs)
}

// Unpack replays a byte string produced by Pack, applying each
// contained delta via Update.
func (c *Counter) Unpack(data []byte) error {
	blobs, err := unpackDeltaBlobs(data)
	if err != nil {
		return err
	}
	for _, b := range blobs {
		u, err := decodeCounterDelta(b)
		if err != nil {
			return err
		}
		if err := c.Update(u); err != nil {
			return err
		}
	}
	return nil
}

func decodeCounterDelta(b []byte) (StateUpdate, error) {
	items, _, err := codec.DecodeSequence(b, nil)
	if err != nil {
		return StateUpdate{}, err
	}
	if len(items) != 4 {
		return StateUpdate{}, fmt.Errorf("%w: malformed counter delta", ErrCodec)
	}
	uuidBytes, ok1 := items[0].(value.Bytes)
	ts, ok2 := items[1].(value.Int)
	amt, ok3 := items[2].(value.Int)
	if !ok1 || !ok2 || !ok3 {
		return StateUpdate{}, fmt.Errorf("%w: counter delta has wrong shape", ErrType)
	}
	return StateUpdate{
		ClockUUID: []byte(uuidBytes),
		TS:        int64(ts),
		Data:      counterDelta{Amount: int64(amt), WriterID: items[3]},
	}, nil
}

// MarshalBinary implements encoding.BinaryMarshaler in terms of Pack,
// per SPEC_FULL.md §5.
func (c *Counter) MarshalBinary() ([]byte, error) {
	return c.Pack()
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler in terms of
// Unpack, per SPEC_FULL.md §5.
func (c *Counter) UnmarshalBinary(data []byte) error {
	return c.Unpack(data)
}
