package crdt

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shinyes/deltacrdt/clock"
	"github.com/shinyes/deltacrdt/codec"
	"github.com/shinyes/deltacrdt/value"
)

// ItemCodec adapts a caller's Go type T to and from the shared Value
// contract, mirroring the teacher's generic pkg/crdt/rga.go
// (`RGA[T any]`) whose caller supplies marshal/unmarshal for the
// element type it stores.
type ItemCodec[T any] struct {
	Marshal   func(T) (value.Value, error)
	Unmarshal func(value.Value) (T, error)
}

// itemWrapper is the ItemWrapper of spec.md §4.2/§4.7:
// (value, ts, writer_id), carried as an ORSet member by packing the
// triple into a value.Tagged so the untyped ORSet machinery can store
// it uniformly.
type itemWrapper struct {
	Val      value.Value
	TS       int64
	WriterID value.Value
}

const rgaItemTag = "rga-item"

func (w itemWrapper) pack() (value.Value, error) {
	b, err := codec.EncodeSequence([]value.Value{w.Val, value.Int(w.TS), w.WriterID})
	if err != nil {
		return nil, err
	}
	return value.Tagged{Tag: rgaItemTag, Data: b}, nil
}

func unpackWrapper(v value.Value) (itemWrapper, error) {
	t, ok := v.(value.Tagged)
	if !ok || t.Tag != rgaItemTag {
		return itemWrapper{}, fmt.Errorf("%w: not an rga item wrapper", ErrType)
	}
	items, _, err := codec.DecodeSequence(t.Data, nil)
	if err != nil {
		return itemWrapper{}, err
	}
	if len(items) != 3 {
		return itemWrapper{}, fmt.Errorf("%w: malformed rga item wrapper", ErrCodec)
	}
	ts, ok := items[1].(value.Int)
	if !ok {
		return itemWrapper{}, fmt.Errorf("%w: rga item wrapper ts has wrong shape", ErrType)
	}
	return itemWrapper{Val: items[0], TS: int64(ts), WriterID: items[2]}, nil
}

// lessWrapper imposes the read() ordering of spec.md §4.7: by ts, then
// writer_id, then serialized value, ascending.
func lessWrapper(a, b itemWrapper) bool {
	if a.TS != b.TS {
		return a.TS < b.TS
	}
	if c := a.WriterID.Compare(b.WriterID); c != 0 {
		return c < 0
	}
	return a.Val.Compare(b.Val) < 0
}

// RGArray is an append-only list with deletion: an ORSet of
// ItemWrappers, plus an incrementally-maintained sorted cache of the
// currently-visible wrappers (spec.md §4.7).
type RGArray[T any] struct {
	mu     sync.RWMutex
	clock  clock.Clock
	codec  ItemCodec[T]
	set    *ORSet
	cache  []itemWrapper
	lstnr  listeners
}

// NewRGArray constructs an empty RGArray bound to c, using ic to
// convert between T and the shared Value contract.
func NewRGArray[T any](c clock.Clock, ic ItemCodec[T]) *RGArray[T] {
	return &RGArray[T]{clock: c, codec: ic, set: NewORSet(c)}
}

// Read returns the currently-visible elements in list order.
func (a *RGArray[T]) Read() ([]T, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]T, 0, len(a.cache))
	for _, w := range a.cache {
		v, err := a.codec.Unmarshal(w.Val)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (a *RGArray[T]) AddListener(f Listener) ListenerHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lstnr.add(f)
}

func (a *RGArray[T]) RemoveListener(h ListenerHandle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lstnr.remove(h)
}

// Append emits and applies an append of value under writerID.
func (a *RGArray[T]) Append(v T, writerID value.Value) (StateUpdate, error) {
	packedVal, err := a.codec.Marshal(v)
	if err != nil {
		return StateUpdate{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	ts := a.clock.Update(a.clock.Read())
	w := itemWrapper{Val: packedVal, TS: ts, WriterID: writerID}
	wrapped, err := w.pack()
	if err != nil {
		return StateUpdate{}, err
	}
	u := StateUpdate{ClockUUID: a.clock.UUID(), TS: ts, Data: orSetDelta{Op: orSetObserve, Member: wrapped}}
	if err := a.applyLocked(u); err != nil {
		return StateUpdate{}, err
	}
	return u, nil
}

// Delete emits and applies a removal of the wrapper produced by an
// earlier Append/Update (identified by its exact value/ts/writer_id).
func (a *RGArray[T]) Delete(w itemWrapper) (StateUpdate, error) {
	wrapped, err := w.pack()
	if err != nil {
		return StateUpdate{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	ts := a.clock.Update(a.clock.Read())
	u := StateUpdate{ClockUUID: a.clock.UUID(), TS: ts, Data: orSetDelta{Op: orSetRemove, Member: wrapped}}
	if err := a.applyLocked(u); err != nil {
		return StateUpdate{}, err
	}
	return u, nil
}

// Update applies a delta produced locally or received from a peer.
func (a *RGArray[T]) Update(u StateUpdate) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := checkUUID(a.clock.UUID(), u.ClockUUID); err != nil {
		return err
	}
	a.clock.Update(u.TS)
	return a.applyLocked(u)
}

func (a *RGArray[T]) applyLocked(u StateUpdate) error {
	a.lstnr.invoke(u)
	before := a.set.Contains(u.Data.(orSetDelta).Member)
	if err := a.set.applyLocked(u); err != nil {
		return err
	}
	after := a.set.Contains(u.Data.(orSetDelta).Member)
	if before == after {
		return nil
	}
	w, err := unpackWrapper(u.Data.(orSetDelta).Member)
	if err != nil {
		return err
	}
	if after {
		a.insertCache(w)
	} else {
		a.removeCache(w)
	}
	return nil
}

func (a *RGArray[T]) insertCache(w itemWrapper) {
	i := sort.Search(len(a.cache), func(i int) bool { return !lessWrapper(a.cache[i], w) })
	a.cache = append(a.cache, itemWrapper{})
	copy(a.cache[i+1:], a.cache[i:])
	a.cache[i] = w
}

func (a *RGArray[T]) removeCache(w itemWrapper) {
	i := sort.Search(len(a.cache), func(i int) bool { return !lessWrapper(a.cache[i], w) })
	if i < len(a.cache) && wrapperEqual(a.cache[i], w) {
		a.cache = append(a.cache[:i], a.cache[i+1:]...)
	}
}

func wrapperEqual(a, b itemWrapper) bool {
	return a.TS == b.TS && value.Equal(a.WriterID, b.WriterID) && value.Equal(a.Val, b.Val)
}

// History returns the deltas needed to replay this array's current
// state.
func (a *RGArray[T]) History() []StateUpdate {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.set.History(nil, nil)
}

// Pack returns an opaque byte string encoding this array's full delta
// history. RGArray.Update consumes exactly the ORSet delta shape (an
// Append/Delete is an observe/remove of a packed item wrapper), so
// packing/unpacking delegates straight to the underlying set.
func (a *RGArray[T]) Pack() ([]byte, error) {
	return a.set.Pack()
}

// Checksums summarizes the underlying ORSet's full applied delta set,
// per spec.md §8's universal checksum property.
func (a *RGArray[T]) Checksums() (Checksums, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.set.Checksums(nil, nil)
}

// GetMerkleHistory returns a Merklized view of the underlying ORSet's
// history, per spec.md §8.
func (a *RGArray[T]) GetMerkleHistory() (MerkleHistory, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.set.GetMerkleHistory()
}

// Unpack replays a byte string produced by Pack.
func (a *RGArray[T]) Unpack(data []byte) error {
	blobs, err := unpackDeltaBlobs(data)
	if err != nil {
		return err
	}
	for _, b := range blobs {
		u, err := decodeORSetDelta(b)
		if err != nil {
			return err
		}
		if err := a.Update(u); err != nil {
			return err
		}
	}
	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler in terms of Pack,
// per SPEC_FULL.md §5.
func (a *RGArray[T]) MarshalBinary() ([]byte, error) {
	return a.Pack()
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler in terms of
// Unpack, per SPEC_FULL.md §5.
func (a *RGArray[T]) UnmarshalBinary(data []byte) error {
	return a.Unpack(data)
}
