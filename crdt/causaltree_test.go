package crdt_test

import (
	"testing"

	"github.com/shinyes/deltacrdt/clock"
	"github.com/shinyes/deltacrdt/crdt"
	"github.com/shinyes/deltacrdt/value"
)

func TestCausalTreePutFirstReparentsExistingRoots(t *testing.T) {
	tr := crdt.NewCausalTree(clock.New(nil), stringItemCodec())
	if _, err := tr.Put("child", value.Int(1), []byte("u-child"), []byte("u-root")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := tr.Put("root", value.Int(1), []byte("u-root"), nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := tr.PutFirst("new-root", value.Int(2), []byte("u-new-root")); err != nil {
		t.Fatalf("PutFirst: %v", err)
	}
	got, err := tr.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 3 || got[0] != "new-root" {
		t.Errorf("Read() = %v, want new-root first", got)
	}
}

func TestCausalTreeDeleteTombstonesButKeepsDescendants(t *testing.T) {
	tr := crdt.NewCausalTree(clock.New(nil), stringItemCodec())
	tr.Put("root", value.Int(1), []byte("u-root"), nil)
	tr.Put("child", value.Int(1), []byte("u-child"), []byte("u-root"))
	if _, err := tr.Delete([]byte("u-root"), value.Int(2)); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err := tr.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 1 || got[0] != "child" {
		t.Errorf("Read() = %v, want [child]", got)
	}
	full, err := tr.ReadFull()
	if err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if len(full) != 2 {
		t.Errorf("ReadFull() = %v, want 2 nodes", full)
	}
}

// TestCausalTreeCycleIsExcluded implements the spec.md §8 scenario 5:
// two concurrent MoveItem updates make A the parent of B and B the
// parent of A. Neither replica should surface the cycle members via
// Read/ReadFull; both should report them via ReadExcluded.
func TestCausalTreeCycleIsExcluded(t *testing.T) {
	uuid := []byte("ct-scenario-5")
	seed := crdt.NewCausalTree(clock.New(uuid), stringItemCodec())
	seed.Put("root", value.Int(0), []byte("u-root"), nil)
	seed.Put("a", value.Int(0), []byte("u-a"), []byte("u-root"))
	seed.Put("b", value.Int(0), []byte("u-b"), []byte("u-a"))
	base := seed.History()

	r1 := crdt.NewCausalTree(clock.New(uuid), stringItemCodec())
	r2 := crdt.NewCausalTree(clock.New(uuid), stringItemCodec())
	for _, u := range base {
		r1.Update(u)
		r2.Update(u)
	}

	uAparentB, err := r1.MoveItem([]byte("u-a"), []byte("u-b"), value.Int(1))
	if err != nil {
		t.Fatalf("MoveItem: %v", err)
	}
	uBparentA, err := r2.MoveItem([]byte("u-b"), []byte("u-a"), value.Int(2))
	if err != nil {
		t.Fatalf("MoveItem: %v", err)
	}

	if err := r1.Update(uBparentA); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := r2.Update(uAparentB); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got1, err := r1.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	got2, err := r2.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got1) != 1 || got1[0] != "root" {
		t.Errorf("r1.Read() = %v, want [root]", got1)
	}
	if len(got2) != 1 || got2[0] != "root" {
		t.Errorf("r2.Read() = %v, want [root]", got2)
	}
	if len(r1.ReadExcluded()) != 2 {
		t.Errorf("r1.ReadExcluded() has %d entries, want 2", len(r1.ReadExcluded()))
	}
	if len(r2.ReadExcluded()) != 2 {
		t.Errorf("r2.ReadExcluded() has %d entries, want 2", len(r2.ReadExcluded()))
	}
}

func TestCausalTreeConvergesAfterMerge(t *testing.T) {
	uuid := []byte("ct-converge")
	a := crdt.NewCausalTree(clock.New(uuid), stringItemCodec())
	a.Put("root", value.Int(1), []byte("u-root"), nil)
	a.Put("child", value.Int(1), []byte("u-child"), []byte("u-root"))

	b := crdt.NewCausalTree(clock.New(uuid), stringItemCodec())
	for _, u := range a.History() {
		if err := b.Update(u); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
	got, err := b.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 2 || got[0] != "root" || got[1] != "child" {
		t.Errorf("Read() = %v, want [root child]", got)
	}
}
