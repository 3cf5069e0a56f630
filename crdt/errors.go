package crdt

import "errors"

// Sentinel errors returned by every CRDT in this package. Wrapped with
// fmt.Errorf("%w: ...", ErrX) so callers can errors.Is against them,
// matching the teacher's pkg/crdt/interface.go ErrInvalidOp convention.
var (
	// ErrType marks an argument that violates the declared Value/bytes/
	// integer contract.
	ErrType = errors.New("crdt: type error")
	// ErrValue marks an in-domain-type argument that is out of range
	// (negative counter amount, empty uuid, out-of-bounds index, ...).
	ErrValue = errors.New("crdt: value error")
	// ErrMismatch marks a StateUpdate whose ClockUUID does not match
	// the receiving CRDT's clock.
	ErrMismatch = errors.New("crdt: clock uuid mismatch")
	// ErrCodec marks truncated or malformed bytes on Unpack.
	ErrCodec = errors.New("crdt: codec error")
	// ErrUsage marks an operation that references an item not present
	// (e.g. PutBefore against an item with no known position).
	ErrUsage = errors.New("crdt: usage error")
)
