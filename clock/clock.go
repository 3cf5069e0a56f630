// Package clock defines the logical clock contract every CRDT depends
// on, plus a default Lamport scalar implementation.
//
// The contract itself is taken from the ClockProtocol method set in
// original_source/crdts/scalarclock.py; the default ScalarClock is
// ported from that file's ScalarClock class. The counter-plus-
// sync.Mutex shape follows the teacher's pkg/hlc/hlc.go, except the
// counter here is a single integer rather than a packed physical/
// logical pair — delta-state CRDT convergence only depends on the
// comparison relation, not on HLC's physical-time alignment.
package clock

import (
	"sync"

	"github.com/google/uuid"
	"github.com/shinyes/deltacrdt/value"
)

// Clock is the contract every CRDT depends on for ordering
// StateUpdates. Alternative algorithms (vector clocks, HLC) can
// implement this interface; only ScalarClock ships here.
type Clock interface {
	// UUID identifies this clock instance; a StateUpdate produced under
	// one clock must never be applied against a CRDT bound to another
	// clock's UUID (spec.md §4.1 mismatch rejection).
	UUID() []byte
	// Read returns the current timestamp without advancing it.
	Read() int64
	// Update advances the clock to reflect having observed remote, and
	// returns the new local reading. The result depends only on the
	// set of remote values ever observed, not on the order or count in
	// which they arrived, so replicas that apply the same deltas in
	// different orders still converge to the same reading. Calling
	// Update with the clock's own current reading (as Increase/emit
	// do for locally originated updates) still advances by one tick.
	Update(remote int64) int64
	// DefaultTS returns the timestamp value used as the identity
	// element for AreConcurrent/IsLater style zero-history comparisons.
	DefaultTS() int64
	// WrapTS packs ts into the library's shared Value contract so it
	// can travel inside a StateUpdate alongside its payload.
	WrapTS(ts int64) value.Value
	// Compare returns -1, 0, or 1 for a versus b.
	Compare(a, b int64) int
	// IsLater reports whether a strictly follows b under this clock.
	IsLater(a, b int64) bool
	// AreConcurrent reports whether neither timestamp precedes the
	// other. For a scalar clock this only holds when a == b, since a
	// total order has no incomparable pairs; richer clocks (vector
	// clocks) can have genuinely concurrent, unequal readings.
	AreConcurrent(a, b int64) bool
}

// ScalarClock is a Lamport scalar clock: a strictly increasing int64
// counter, monotone under both local ticks and remote merges.
type ScalarClock struct {
	mu      sync.Mutex
	id      []byte
	counter int64
}

// New returns a ScalarClock identified by id, starting at counter 0.
// id should be unique per replica (e.g. a UUID); a nil id is replaced
// with a freshly generated one.
func New(id []byte) *ScalarClock {
	if id == nil {
		u := uuid.New()
		id = u[:]
	}
	return &ScalarClock{id: append([]byte(nil), id...)}
}

func (c *ScalarClock) UUID() []byte {
	return append([]byte(nil), c.id...)
}

func (c *ScalarClock) Read() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter
}

func (c *ScalarClock) Update(remote int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if remote >= c.counter {
		c.counter = remote + 1
	}
	return c.counter
}

func (c *ScalarClock) DefaultTS() int64 {
	return 0
}

func (c *ScalarClock) WrapTS(ts int64) value.Value {
	return value.Int(ts)
}

func (c *ScalarClock) Compare(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (c *ScalarClock) IsLater(a, b int64) bool {
	return a > b
}

func (c *ScalarClock) AreConcurrent(a, b int64) bool {
	return a == b
}
