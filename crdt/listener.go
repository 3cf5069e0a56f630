package crdt

// Listener is called with each StateUpdate. For Update, and for the
// local mutators of every type except FIArray and CausalTree, it runs
// immediately before the delta is applied; the local mutators of
// FIArray and CausalTree (Put*, Append, MoveItem, Delete, Normalize)
// call it right after the underlying LWWMap has applied the delta.
// Per spec.md §4.10, a listener registered while dispatch is
// in flight does not fire for that in-flight event: dispatch always
// works off a snapshot of the list taken at the start of the call.
type Listener func(StateUpdate)

// ListenerHandle identifies a registered Listener for later removal.
// Go func values carry no usable identity, so add_listener/
// remove_listener from original_source/crdts/interfaces.py are
// realized here as Add returning a handle that Remove consumes.
type ListenerHandle uint64

// listeners is embedded by every CRDT to provide add/remove/invoke,
// grounded on original_source/crdts/interfaces.py's
// add_listener/remove_listener/invoke_listeners contract. Not
// synchronized: per spec.md §5, listener registration is external to
// the CRDT's own mutex and must be serialized by the caller if the
// CRDT is shared across goroutines.
type listeners struct {
	next    ListenerHandle
	entries []listenerEntry
}

type listenerEntry struct {
	handle ListenerHandle
	fn     Listener
}

func (l *listeners) add(f Listener) ListenerHandle {
	l.next++
	h := l.next
	l.entries = append(l.entries, listenerEntry{handle: h, fn: f})
	return h
}

func (l *listeners) remove(h ListenerHandle) {
	for i, e := range l.entries {
		if e.handle == h {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return
		}
	}
}

// invoke calls every currently-registered listener, in registration
// order, against a snapshot of the list taken before the first call.
func (l *listeners) invoke(u StateUpdate) {
	snapshot := make([]listenerEntry, len(l.entries))
	copy(snapshot, l.entries)
	for _, e := range snapshot {
		e.fn(u)
	}
}
