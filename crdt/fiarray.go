package crdt

import (
	"fmt"
	"log"
	"math/big"
	"math/rand"
	"sort"
	"sync"

	"github.com/shinyes/deltacrdt/clock"
	"github.com/shinyes/deltacrdt/codec"
	"github.com/shinyes/deltacrdt/value"
)

const fiaItemTag = "fia-item"

// appendIncrement is the fixed 10^-20 step Append uses instead of
// midpoint division, per spec.md §4.8.
var appendIncrement = new(big.Rat).SetFrac(big.NewInt(1), new(big.Int).Exp(big.NewInt(10), big.NewInt(20), nil))

// fiaItem is FIAItem of spec.md §4.2/§4.8: (value, index, item_uuid).
type fiaItem struct {
	Val   value.Value
	Index *big.Rat
	UUID  []byte
}

func (it fiaItem) pack() (value.Value, error) {
	b, err := codec.EncodeSequence([]value.Value{it.Val, value.NewDecimal(it.Index), value.Bytes(it.UUID)})
	if err != nil {
		return nil, err
	}
	return value.Tagged{Tag: fiaItemTag, Data: b}, nil
}

func unpackFIAItem(v value.Value) (fiaItem, error) {
	t, ok := v.(value.Tagged)
	if !ok || t.Tag != fiaItemTag {
		return fiaItem{}, fmt.Errorf("%w: not an fiarray item", ErrType)
	}
	items, _, err := codec.DecodeSequence(t.Data, nil)
	if err != nil {
		return fiaItem{}, err
	}
	if len(items) != 3 {
		return fiaItem{}, fmt.Errorf("%w: malformed fiarray item", ErrCodec)
	}
	dec, ok := items[1].(value.Decimal)
	if !ok {
		return fiaItem{}, fmt.Errorf("%w: fiarray item index has wrong shape", ErrType)
	}
	uuidBytes, ok := items[2].(value.Bytes)
	if !ok {
		return fiaItem{}, fmt.Errorf("%w: fiarray item uuid has wrong shape", ErrType)
	}
	return fiaItem{Val: items[0], Index: dec.R, UUID: []byte(uuidBytes)}, nil
}

// FIArray is a fractionally-indexed ordered list: an underlying
// LWWMap from item_uuid to FIAItem, read in ascending index order.
// See DESIGN.md "Open Question decisions" for the random-offset and
// Append-increment behavior, which diverge intentionally from
// original_source/crdts/fiarray.py.
type FIArray[T any] struct {
	mu    sync.RWMutex
	clock clock.Clock
	codec ItemCodec[T]
	m     *LWWMap
	cache []fiaItem
	lstnr listeners
}

// NewFIArray constructs an empty FIArray bound to c.
func NewFIArray[T any](c clock.Clock, ic ItemCodec[T]) *FIArray[T] {
	return &FIArray[T]{clock: c, codec: ic, m: NewLWWMap(c)}
}

// Read returns the currently-visible elements in ascending index
// order.
func (a *FIArray[T]) Read() ([]T, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]T, 0, len(a.cache))
	for _, it := range a.cache {
		v, err := a.codec.Unmarshal(it.Val)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (a *FIArray[T]) AddListener(f Listener) ListenerHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lstnr.add(f)
}

func (a *FIArray[T]) RemoveListener(h ListenerHandle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lstnr.remove(h)
}

// indexBetween computes a midpoint index between lower and upper
// (either may be nil, meaning 0 or 1 respectively), perturbed by a
// small random offset bounded so the result remains strictly between
// its neighbors, per spec.md §4.8.
func indexBetween(lower, upper *big.Rat) *big.Rat {
	lo := lower
	if lo == nil {
		lo = new(big.Rat)
	}
	hi := upper
	if hi == nil {
		hi = big.NewRat(1, 1)
	}
	mid := new(big.Rat).Add(lo, hi)
	mid.Quo(mid, big.NewRat(2, 1))

	gap := new(big.Rat).Sub(hi, lo)
	jitterFrac := (rand.Float64() - 0.5) * 0.1 // +/- 5% of the gap
	jitter := new(big.Rat).Mul(gap, new(big.Rat).SetFloat64(jitterFrac))
	candidate := new(big.Rat).Add(mid, jitter)

	if candidate.Cmp(lo) <= 0 || candidate.Cmp(hi) >= 0 {
		log.Printf("crdt: fiarray index jitter collided with its bounds, falling back to bare midpoint between %s and %s", lo.RatString(), hi.RatString())
		return mid
	}
	return candidate
}

func (a *FIArray[T]) itemByUUID(uuid []byte) (fiaItem, bool) {
	for _, it := range a.cache {
		if string(it.UUID) == string(uuid) {
			return it, true
		}
	}
	return fiaItem{}, false
}

func (a *FIArray[T]) put(v T, writerID value.Value, index *big.Rat, itemUUID []byte) (StateUpdate, error) {
	packedVal, err := a.codec.Marshal(v)
	if err != nil {
		return StateUpdate{}, err
	}
	item := fiaItem{Val: packedVal, Index: index, UUID: itemUUID}
	packed, err := item.pack()
	if err != nil {
		return StateUpdate{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	u, err := a.m.emit(lwwMapSet, value.Bytes(itemUUID), packed, writerID)
	if err != nil {
		return StateUpdate{}, err
	}
	a.lstnr.invoke(u)
	a.recomputeCacheLocked()
	return u, nil
}

// PutFirst inserts v before the current first element (or at the
// midpoint of an empty list).
func (a *FIArray[T]) PutFirst(v T, writerID value.Value, itemUUID []byte) (StateUpdate, error) {
	a.mu.RLock()
	var upper *big.Rat
	if len(a.cache) > 0 {
		upper = a.cache[0].Index
	}
	a.mu.RUnlock()
	return a.put(v, writerID, indexBetween(nil, upper), itemUUID)
}

// PutLast inserts v after the current last element (or at the
// midpoint of an empty list).
func (a *FIArray[T]) PutLast(v T, writerID value.Value, itemUUID []byte) (StateUpdate, error) {
	a.mu.RLock()
	var lower *big.Rat
	if n := len(a.cache); n > 0 {
		lower = a.cache[n-1].Index
	}
	a.mu.RUnlock()
	return a.put(v, writerID, indexBetween(lower, nil), itemUUID)
}

// PutBetween inserts v with an index between the items identified by
// beforeUUID and afterUUID.
func (a *FIArray[T]) PutBetween(v T, writerID value.Value, beforeUUID, afterUUID, itemUUID []byte) (StateUpdate, error) {
	a.mu.RLock()
	before, ok1 := a.itemByUUID(beforeUUID)
	after, ok2 := a.itemByUUID(afterUUID)
	a.mu.RUnlock()
	if !ok1 || !ok2 {
		return StateUpdate{}, fmt.Errorf("%w: put_between references an item with no known position", ErrUsage)
	}
	return a.put(v, writerID, indexBetween(before.Index, after.Index), itemUUID)
}

// PutBefore inserts v immediately before the item identified by x.
func (a *FIArray[T]) PutBefore(v T, writerID value.Value, x, itemUUID []byte) (StateUpdate, error) {
	a.mu.RLock()
	target, ok := a.itemByUUID(x)
	var lower *big.Rat
	if ok {
		for i, it := range a.cache {
			if string(it.UUID) == string(x) && i > 0 {
				lower = a.cache[i-1].Index
			}
		}
	}
	a.mu.RUnlock()
	if !ok {
		return StateUpdate{}, fmt.Errorf("%w: put_before references an item with no known position", ErrUsage)
	}
	return a.put(v, writerID, indexBetween(lower, target.Index), itemUUID)
}

// PutAfter inserts v immediately after the item identified by x.
func (a *FIArray[T]) PutAfter(v T, writerID value.Value, x, itemUUID []byte) (StateUpdate, error) {
	a.mu.RLock()
	target, ok := a.itemByUUID(x)
	var upper *big.Rat
	if ok {
		for i, it := range a.cache {
			if string(it.UUID) == string(x) && i+1 < len(a.cache) {
				upper = a.cache[i+1].Index
			}
		}
	}
	a.mu.RUnlock()
	if !ok {
		return StateUpdate{}, fmt.Errorf("%w: put_after references an item with no known position", ErrUsage)
	}
	return a.put(v, writerID, indexBetween(target.Index, upper), itemUUID)
}

// Append inserts v past the current last element using the fixed
// 10^-20 increment, per spec.md §4.8 and DESIGN.md's Open Question
// decision distinguishing it from PutLast.
func (a *FIArray[T]) Append(v T, writerID value.Value, itemUUID []byte) (StateUpdate, error) {
	a.mu.RLock()
	var next *big.Rat
	if n := len(a.cache); n > 0 {
		next = new(big.Rat).Add(a.cache[n-1].Index, appendIncrement)
	} else {
		next = big.NewRat(1, 2)
	}
	a.mu.RUnlock()
	return a.put(v, writerID, next, itemUUID)
}

// MoveItem rewrites itemUUID's index. Exactly one of newIndex,
// beforeUUID, afterUUID must be non-nil/non-empty.
func (a *FIArray[T]) MoveItem(itemUUID []byte, writerID value.Value, newIndex *big.Rat, beforeUUID, afterUUID []byte) (StateUpdate, error) {
	a.mu.RLock()
	current, ok := a.itemByUUID(itemUUID)
	a.mu.RUnlock()
	if !ok {
		return StateUpdate{}, fmt.Errorf("%w: move_item references an item with no known position", ErrUsage)
	}

	var index *big.Rat
	switch {
	case newIndex != nil:
		index = newIndex
	case beforeUUID != nil:
		a.mu.RLock()
		before, ok := a.itemByUUID(beforeUUID)
		a.mu.RUnlock()
		if !ok {
			return StateUpdate{}, fmt.Errorf("%w: move_item before-target has no known position", ErrUsage)
		}
		index = indexBetween(nil, before.Index)
	case afterUUID != nil:
		a.mu.RLock()
		after, ok := a.itemByUUID(afterUUID)
		a.mu.RUnlock()
		if !ok {
			return StateUpdate{}, fmt.Errorf("%w: move_item after-target has no known position", ErrUsage)
		}
		index = indexBetween(after.Index, nil)
	default:
		return StateUpdate{}, fmt.Errorf("%w: move_item requires exactly one of newIndex/before/after", ErrValue)
	}

	item := fiaItem{Val: current.Val, Index: index, UUID: itemUUID}
	packed, err := item.pack()
	if err != nil {
		return StateUpdate{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	u, err := a.m.emit(lwwMapSet, value.Bytes(itemUUID), packed, writerID)
	if err != nil {
		return StateUpdate{}, err
	}
	a.lstnr.invoke(u)
	a.recomputeCacheLocked()
	return u, nil
}

// Delete unsets itemUUID; it disappears from the read view (no
// tombstone in the list view — the tombstone lives in the underlying
// ORSet inside the LWWMap).
func (a *FIArray[T]) Delete(itemUUID []byte, writerID value.Value) (StateUpdate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	u, err := a.m.emit(lwwMapUnset, value.Bytes(itemUUID), value.None{}, writerID)
	if err != nil {
		return StateUpdate{}, err
	}
	a.lstnr.invoke(u)
	a.recomputeCacheLocked()
	return u, nil
}

// Normalize redistributes the current visible items' indices evenly
// across (0, maxIndex), emitting and applying one write per item.
func (a *FIArray[T]) Normalize(maxIndex *big.Rat, writerID value.Value) ([]StateUpdate, error) {
	a.mu.Lock()
	items := append([]fiaItem(nil), a.cache...)
	a.mu.Unlock()

	n := len(items)
	if n == 0 {
		return nil, nil
	}
	step := new(big.Rat).Quo(maxIndex, big.NewRat(int64(n+1), 1))
	var updates []StateUpdate
	for i, it := range items {
		newIndex := new(big.Rat).Mul(step, big.NewRat(int64(i+1), 1))
		item := fiaItem{Val: it.Val, Index: newIndex, UUID: it.UUID}
		packed, err := item.pack()
		if err != nil {
			return updates, err
		}
		a.mu.Lock()
		u, err := a.m.emit(lwwMapSet, value.Bytes(it.UUID), packed, writerID)
		if err == nil {
			a.lstnr.invoke(u)
		}
		a.recomputeCacheLocked()
		a.mu.Unlock()
		if err != nil {
			return updates, err
		}
		updates = append(updates, u)
	}
	return updates, nil
}

// Update applies a delta produced locally or received from a peer.
func (a *FIArray[T]) Update(u StateUpdate) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := checkUUID(a.clock.UUID(), u.ClockUUID); err != nil {
		return err
	}
	a.clock.Update(u.TS)
	a.lstnr.invoke(u)
	if err := a.m.applyLocked(u); err != nil {
		return err
	}
	a.recomputeCacheLocked()
	return nil
}

// recomputeCacheLocked rebuilds the sorted-by-index cache from the
// underlying LWWMap's current view. spec.md §4.8 permits a full
// rebuild as a correctness baseline; update_cache-style incremental
// insert/remove is an optimization the LWWMap's own O(map lookup)
// Read already makes cheap enough not to require here.
func (a *FIArray[T]) recomputeCacheLocked() {
	view := a.m.Read()
	items := make([]fiaItem, 0, len(view))
	for _, packed := range view {
		it, err := unpackFIAItem(packed)
		if err != nil {
			continue
		}
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Index.Cmp(items[j].Index) < 0 })
	a.cache = items
}

// History returns the deltas needed to replay this array's current
// state.
func (a *FIArray[T]) History() []StateUpdate {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.m.History()
}

// Pack returns an opaque byte string encoding this array's full delta
// history. FIArray.Update consumes exactly the LWWMap delta shape (a
// Put/Move is a key set, a Delete is a key unset), so packing/
// unpacking delegates straight to the underlying map.
func (a *FIArray[T]) Pack() ([]byte, error) {
	return a.m.Pack()
}

// Checksums summarizes the underlying LWWMap's applied delta set, per
// spec.md §8's universal checksum property.
func (a *FIArray[T]) Checksums() (Checksums, error) {
	return a.m.Checksums()
}

// GetMerkleHistory returns a Merklized view of the underlying LWWMap's
// history, per spec.md §8.
func (a *FIArray[T]) GetMerkleHistory() (MerkleHistory, error) {
	return a.m.GetMerkleHistory()
}

// Unpack replays a byte string produced by Pack.
func (a *FIArray[T]) Unpack(data []byte) error {
	blobs, err := unpackDeltaBlobs(data)
	if err != nil {
		return err
	}
	for _, b := range blobs {
		u, err := decodeLWWMapDelta(b)
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
func (a *FIArray[T]) MarshalBinary() ([]byte, error) {
	return a.Pack()
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler in terms of
// Unpack, per SPEC_FULL.md §5.
func (a *FIArray[T]) UnmarshalBinary(data []byte) error {
	return a.Unpack(data)
}
