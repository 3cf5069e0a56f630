package crdt

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shinyes/deltacrdt/clock"
	"github.com/shinyes/deltacrdt/codec"
	"github.com/shinyes/deltacrdt/value"
)

const ctNodeTag = "ct-node"

// ctNode is CTNode of spec.md §4.2/§4.9: (value, item_uuid,
// parent_uuid, visible). An empty ParentUUID denotes a root.
type ctNode struct {
	Val        value.Value
	UUID       []byte
	ParentUUID []byte
	Visible    bool
}

func (n ctNode) pack() (value.Value, []byte, error) {
	visibleInt := int64(0)
	if n.Visible {
		visibleInt = 1
	}
	b, err := codec.EncodeSequence([]value.Value{n.Val, value.Bytes(n.UUID), value.Bytes(n.ParentUUID), value.Int(visibleInt)})
	if err != nil {
		return nil, nil, err
	}
	return value.Tagged{Tag: ctNodeTag, Data: b}, b, nil
}

func unpackCTNode(v value.Value) (ctNode, error) {
	t, ok := v.(value.Tagged)
	if !ok || t.Tag != ctNodeTag {
		return ctNode{}, fmt.Errorf("%w: not a causal tree node", ErrType)
	}
	items, _, err := codec.DecodeSequence(t.Data, nil)
	if err != nil {
		return ctNode{}, err
	}
	if len(items) != 4 {
		return ctNode{}, fmt.Errorf("%w: malformed causal tree node", ErrCodec)
	}
	uuidBytes, ok1 := items[1].(value.Bytes)
	parentBytes, ok2 := items[2].(value.Bytes)
	visibleInt, ok3 := items[3].(value.Int)
	if !ok1 || !ok2 || !ok3 {
		return ctNode{}, fmt.Errorf("%w: causal tree node has wrong shape", ErrType)
	}
	return ctNode{Val: items[0], UUID: []byte(uuidBytes), ParentUUID: []byte(parentBytes), Visible: visibleInt != 0}, nil
}

// CausalTree is a parent-linked ordered list: an underlying LWWMap
// from item_uuid to CTNode, read via depth-first traversal from
// roots, sibling ties broken by the node's own serialized form.
type CausalTree[T any] struct {
	mu       sync.RWMutex
	clock    clock.Clock
	codec    ItemCodec[T]
	m        *LWWMap
	order    []ctNode // DFS order over reachable (non-cycle, non-orphan) nodes
	excluded []ctNode
	lstnr    listeners
}

// NewCausalTree constructs an empty CausalTree bound to c.
func NewCausalTree[T any](c clock.Clock, ic ItemCodec[T]) *CausalTree[T] {
	return &CausalTree[T]{clock: c, codec: ic, m: NewLWWMap(c)}
}

// Read returns the currently-visible elements in depth-first order.
func (t *CausalTree[T]) Read() ([]T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]T, 0, len(t.order))
	for _, n := range t.order {
		if !n.Visible {
			continue
		}
		v, err := t.codec.Unmarshal(n.Val)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ReadFull returns every reachable node's value in depth-first order,
// including tombstoned (invisible) ones.
func (t *CausalTree[T]) ReadFull() ([]T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]T, 0, len(t.order))
	for _, n := range t.order {
		v, err := t.codec.Unmarshal(n.Val)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ReadExcluded returns the item_uuids of nodes excluded from Read/
// ReadFull because they participate in a cycle or are orphaned
// (ancestor chain does not terminate at a root), per spec.md §4.9.
func (t *CausalTree[T]) ReadExcluded() [][]byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([][]byte, 0, len(t.excluded))
	for _, n := range t.excluded {
		out = append(out, append([]byte(nil), n.UUID...))
	}
	return out
}

func (t *CausalTree[T]) AddListener(f Listener) ListenerHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lstnr.add(f)
}

func (t *CausalTree[T]) RemoveListener(h ListenerHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lstnr.remove(h)
}

// Put sets the node at itemUUID with the given value and parent.
func (t *CausalTree[T]) Put(v T, writerID value.Value, itemUUID, parentUUID []byte) (StateUpdate, error) {
	packedVal, err := t.codec.Marshal(v)
	if err != nil {
		return StateUpdate{}, err
	}
	node := ctNode{Val: packedVal, UUID: itemUUID, ParentUUID: parentUUID, Visible: true}
	packed, _, err := node.pack()
	if err != nil {
		return StateUpdate{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	u, err := t.m.emit(lwwMapSet, value.Bytes(itemUUID), packed, writerID)
	if err != nil {
		return StateUpdate{}, err
	}
	t.lstnr.invoke(u)
	t.recomputeLocked()
	return u, nil
}

// PutFirst inserts v as a new root. If other roots already exist,
// additional updates re-parent those roots under the new node; every
// resulting update is returned so the caller propagates them
// together, per spec.md §4.9.
func (t *CausalTree[T]) PutFirst(v T, writerID value.Value, itemUUID []byte) ([]StateUpdate, error) {
	packedVal, err := t.codec.Marshal(v)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	var existingRoots [][]byte
	for _, n := range t.order {
		if len(n.ParentUUID) == 0 {
			existingRoots = append(existingRoots, n.UUID)
		}
	}
	t.mu.Unlock()

	newRoot := ctNode{Val: packedVal, UUID: itemUUID, ParentUUID: nil, Visible: true}
	packedRoot, _, err := newRoot.pack()
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	u0, err := t.m.emit(lwwMapSet, value.Bytes(itemUUID), packedRoot, writerID)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	t.lstnr.invoke(u0)
	t.recomputeLocked()
	t.mu.Unlock()

	updates := []StateUpdate{u0}
	for _, root := range existingRoots {
		u, err := t.MoveItem(root, itemUUID, writerID)
		if err != nil {
			return updates, err
		}
		updates = append(updates, u)
	}
	return updates, nil
}

// PutAfter inserts v as a new child of parentUUID with a freshly
// generated item_uuid.
func (t *CausalTree[T]) PutAfter(v T, writerID value.Value, parentUUID []byte) (StateUpdate, error) {
	id := uuid.New()
	return t.Put(v, writerID, id[:], parentUUID)
}

// Append inserts v as a child of the current last visible node (or as
// a new root if the tree is empty).
func (t *CausalTree[T]) Append(v T, writerID value.Value) (StateUpdate, error) {
	t.mu.RLock()
	var lastVisible []byte
	for i := len(t.order) - 1; i >= 0; i-- {
		if t.order[i].Visible {
			lastVisible = t.order[i].UUID
			break
		}
	}
	t.mu.RUnlock()
	if lastVisible == nil {
		id := uuid.New()
		return t.Put(v, writerID, id[:], nil)
	}
	return t.PutAfter(v, writerID, lastVisible)
}

// MoveItem re-parents itemUUID under newParentUUID, keeping its value
// and visibility.
func (t *CausalTree[T]) MoveItem(itemUUID, newParentUUID []byte, writerID value.Value) (StateUpdate, error) {
	t.mu.RLock()
	current, ok := t.findLocked(itemUUID)
	t.mu.RUnlock()
	if !ok {
		return StateUpdate{}, fmt.Errorf("%w: move_item references an unknown node", ErrUsage)
	}
	node := ctNode{Val: current.Val, UUID: itemUUID, ParentUUID: newParentUUID, Visible: current.Visible}
	packed, _, err := node.pack()
	if err != nil {
		return StateUpdate{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	u, err := t.m.emit(lwwMapSet, value.Bytes(itemUUID), packed, writerID)
	if err != nil {
		return StateUpdate{}, err
	}
	t.lstnr.invoke(u)
	t.recomputeLocked()
	return u, nil
}

// Delete writes a tombstone: same uuid and parent, visible=false. The
// value is retained so descendants still resolve their ancestor
// chain, per spec.md §4.9.
func (t *CausalTree[T]) Delete(itemUUID []byte, writerID value.Value) (StateUpdate, error) {
	t.mu.RLock()
	current, ok := t.findLocked(itemUUID)
	t.mu.RUnlock()
	if !ok {
		return StateUpdate{}, fmt.Errorf("%w: delete references an unknown node", ErrUsage)
	}
	node := ctNode{Val: current.Val, UUID: itemUUID, ParentUUID: current.ParentUUID, Visible: false}
	packed, _, err := node.pack()
	if err != nil {
		return StateUpdate{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	u, err := t.m.emit(lwwMapSet, value.Bytes(itemUUID), packed, writerID)
	if err != nil {
		return StateUpdate{}, err
	}
	t.lstnr.invoke(u)
	t.recomputeLocked()
	return u, nil
}

// Remove is the ListProtocol wrapper around Delete: it deletes the
// node currently visible at index.
func (t *CausalTree[T]) Remove(index int, writerID value.Value) (StateUpdate, error) {
	t.mu.RLock()
	var visibleUUID []byte
	i := 0
	for _, n := range t.order {
		if !n.Visible {
			continue
		}
		if i == index {
			visibleUUID = n.UUID
			break
		}
		i++
	}
	t.mu.RUnlock()
	if visibleUUID == nil {
		return StateUpdate{}, fmt.Errorf("%w: remove index %d out of range", ErrValue, index)
	}
	return t.Delete(visibleUUID, writerID)
}

func (t *CausalTree[T]) findLocked(itemUUID []byte) (ctNode, bool) {
	for _, n := range t.order {
		if bytes.Equal(n.UUID, itemUUID) {
			return n, true
		}
	}
	for _, n := range t.excluded {
		if bytes.Equal(n.UUID, itemUUID) {
			return n, true
		}
	}
	return ctNode{}, false
}

// Update applies a delta produced locally or received from a peer.
func (t *CausalTree[T]) Update(u StateUpdate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := checkUUID(t.clock.UUID(), u.ClockUUID); err != nil {
		return err
	}
	t.clock.Update(u.TS)
	t.lstnr.invoke(u)
	if err := t.m.applyLocked(u); err != nil {
		return err
	}
	t.recomputeLocked()
	return nil
}

// recomputeLocked rebuilds the DFS traversal order from the
// underlying LWWMap's current view, detecting cycles and orphans by a
// reachable-from-root graph walk, per spec.md §4.9/§9: cycle/orphan
// membership is a pure function of the applied-delta set, so every
// replica computes the same excluded set.
func (t *CausalTree[T]) recomputeLocked() {
	view := t.m.Read()
	nodes := make(map[string]ctNode, len(view))
	children := make(map[string][]string)
	var roots []string
	for _, packed := range view {
		n, err := unpackCTNode(packed)
		if err != nil {
			continue
		}
		key := string(n.UUID)
		nodes[key] = n
		if len(n.ParentUUID) == 0 {
			roots = append(roots, key)
		} else {
			children[string(n.ParentUUID)] = append(children[string(n.ParentUUID)], key)
		}
	}
	for _, kids := range children {
		sort.Slice(kids, func(i, j int) bool {
			return siblingLess(nodes[kids[i]], nodes[kids[j]])
		})
	}
	sort.Slice(roots, func(i, j int) bool { return siblingLess(nodes[roots[i]], nodes[roots[j]]) })

	visited := make(map[string]bool, len(nodes))
	var order []ctNode
	var walk func(key string)
	walk = func(key string) {
		if visited[key] {
			return
		}
		visited[key] = true
		order = append(order, nodes[key])
		for _, c := range children[key] {
			walk(c)
		}
	}
	for _, r := range roots {
		walk(r)
	}

	var excluded []ctNode
	for key, n := range nodes {
		if !visited[key] {
			excluded = append(excluded, n)
		}
	}
	sort.Slice(excluded, func(i, j int) bool { return siblingLess(excluded[i], excluded[j]) })

	t.order = order
	t.excluded = excluded
}

func siblingLess(a, b ctNode) bool {
	_, ab, errA := a.pack()
	_, bb, errB := b.pack()
	if errA != nil || errB != nil {
		return bytes.Compare(a.UUID, b.UUID) < 0
	}
	return bytes.Compare(ab, bb) < 0
}

// History returns the deltas needed to replay this tree's current
// state.
func (t *CausalTree[T]) History() []StateUpdate {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.m.History()
}

// Pack returns an opaque byte string encoding this tree's full delta
// history. CausalTree.Update consumes exactly the LWWMap delta shape
// (every Put/MoveItem/Delete is a key set), so packing/unpacking
// delegates straight to the underlying map.
func (t *CausalTree[T]) Pack() ([]byte, error) {
	return t.m.Pack()
}

// Checksums summarizes the underlying LWWMap's applied delta set, per
// spec.md §8's universal checksum property.
func (t *CausalTree[T]) Checksums() (Checksums, error) {
	return t.m.Checksums()
}

// GetMerkleHistory returns a Merklized view of the underlying LWWMap's
// history, per spec.md §8.
func (t *CausalTree[T]) GetMerkleHistory() (MerkleHistory, error) {
	return t.m.GetMerkleHistory()
}

// Unpack replays a byte string produced by Pack.
func (t *CausalTree[T]) Unpack(data []byte) error {
	blobs, err := unpackDeltaBlobs(data)
	if err != nil {
		return err
	}
	for _, b := range blobs {
		u, err := decodeLWWMapDelta(b)
		if err != nil {
			return err
		}
		if err := t.Update(u); err != nil {
			return err
		}
	}
	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler in terms of Pack,
// per SPEC_FULL.md §5.
func (t *CausalTree[T]) MarshalBinary() ([]byte, error) {
	return t.Pack()
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler in terms of
// Unpack, per SPEC_FULL.md §5.
func (t *CausalTree[T]) UnmarshalBinary(data []byte) error {
	return t.Unpack(data)
}
