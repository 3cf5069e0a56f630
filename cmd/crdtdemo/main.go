// Command crdtdemo wires a Counter, an ORSet, and a LWWMap across two
// in-process replicas connected by a buffered channel, and prints the
// deltas as they cross the wire and the state each replica converges
// to. It exists to exercise the library end to end without standing
// up real network transport, which is out of scope for this package.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/shinyes/deltacrdt/clock"
	"github.com/shinyes/deltacrdt/crdt"
	"github.com/shinyes/deltacrdt/value"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	writes := flag.Int("writes", 3, "number of writes each replica makes before syncing")
	seed := flag.String("uuid", "crdtdemo", "shared clock uuid for both replicas")
	flag.Parse()

	docUUID := []byte(*seed)

	a := newReplica("A", docUUID)
	b := newReplica("B", docUUID)

	link := make(chan crdt.StateUpdate, 64)

	fmt.Println("crdtdemo: replica A and replica B, converging over an in-process link")
	fmt.Println()

	driveReplica(a, "A", *writes, link)
	driveReplica(b, "B", *writes, link)
	close(link)

	var counterDeltas []crdt.StateUpdate
	for u := range link {
		fmt.Printf("  delivering counter delta ts=%d\n", u.TS)
		counterDeltas = append(counterDeltas, u)
	}
	for _, u := range counterDeltas {
		_ = a.counter.Update(u)
		_ = b.counter.Update(u)
	}

	// Sets and maps exchange history directly rather than through the
	// channel, to keep the channel demonstration focused on one type.
	syncSets(a, b)
	syncMaps(a, b)

	printState("A", a)
	printState("B", b)
	return nil
}

type replica struct {
	clock   clock.Clock
	writer  value.Value
	counter *crdt.Counter
	set     *crdt.ORSet
	m       *crdt.LWWMap
}

func newReplica(name string, docUUID []byte) *replica {
	c := clock.New(docUUID)
	return &replica{
		clock:   c,
		writer:  value.String(name),
		counter: crdt.NewCounter(c),
		set:     crdt.NewORSet(c),
		m:       crdt.NewLWWMap(c),
	}
}

func driveReplica(r *replica, name string, writes int, link chan<- crdt.StateUpdate) {
	for i := 1; i <= writes; i++ {
		u, err := r.counter.Increase(int64(i), r.writer)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: Increase: %v\n", name, err)
			continue
		}
		link <- u

		member := value.String(fmt.Sprintf("%s-item-%d", name, i))
		if _, err := r.set.Observe(member); err != nil {
			fmt.Fprintf(os.Stderr, "%s: Observe: %v\n", name, err)
		}

		key := value.String(fmt.Sprintf("k%d", i))
		if _, err := r.m.Set(key, value.String(name), r.writer); err != nil {
			fmt.Fprintf(os.Stderr, "%s: Set: %v\n", name, err)
		}
	}
}

func syncSets(a, b *replica) {
	for _, u := range a.set.History(nil, nil) {
		_ = b.set.Update(u)
	}
	for _, u := range b.set.History(nil, nil) {
		_ = a.set.Update(u)
	}
}

func syncMaps(a, b *replica) {
	for _, u := range a.m.History() {
		_ = b.m.Update(u)
	}
	for _, u := range b.m.History() {
		_ = a.m.Update(u)
	}
}

func printState(name string, r *replica) {
	fmt.Printf("\nreplica %s:\n", name)
	fmt.Printf("  counter = %d\n", r.counter.Read())

	members := r.set.Read()
	names := make([]string, len(members))
	for i, m := range members {
		names[i] = m.String()
	}
	sort.Strings(names)
	fmt.Printf("  set     = %v\n", names)

	kv := r.m.Read()
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Printf("  map     =\n")
	for _, k := range keys {
		fmt.Printf("    %s = %s\n", k, kv[k])
	}
}
