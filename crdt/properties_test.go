package crdt_test

import (
	"testing"

	"github.com/shinyes/deltacrdt/clock"
	"github.com/shinyes/deltacrdt/crdt"
	"github.com/shinyes/deltacrdt/value"
)

// replica is the shape shared by every CRDT whose History/Checksums
// take no range arguments: Counter, PNCounter, CounterSet,
// LWWRegister, LWWMap, MVRegister, MVMap. GSet and ORSet (windowed
// History/Checksums) and the generic RGArray/FIArray/CausalTree are
// not in this table, since their method shapes don't unify with this
// interface; their convergence is covered in their own _test.go files,
// and GSet's Merkle diff by TestGSetMerkleDiffIdentifiesMissingDelta
// below.
type replica interface {
	Update(u crdt.StateUpdate) error
	History() []crdt.StateUpdate
	Checksums() (crdt.Checksums, error)
	Pack() ([]byte, error)
	Unpack([]byte) error
}

type propertyCase struct {
	name  string
	fresh func(c clock.Clock) replica
	seed  func(uuid []byte) []crdt.StateUpdate
}

func propertyCases() []propertyCase {
	return []propertyCase{
		{
			name:  "Counter",
			fresh: func(c clock.Clock) replica { return crdt.NewCounter(c) },
			seed: func(uuid []byte) []crdt.StateUpdate {
				c := crdt.NewCounter(clock.New(uuid))
				u1, _ := c.Increase(3, value.String("w1"))
				u2, _ := c.Increase(4, value.String("w2"))
				u3, _ := c.Increase(2, value.String("w3"))
				return []crdt.StateUpdate{u1, u2, u3}
			},
		},
		{
			name:  "PNCounter",
			fresh: func(c clock.Clock) replica { return crdt.NewPNCounter(c) },
			seed: func(uuid []byte) []crdt.StateUpdate {
				p := crdt.NewPNCounter(clock.New(uuid))
				u1, _ := p.Increase(5, value.String("w1"))
				u2, _ := p.Decrease(2, value.String("w2"))
				u3, _ := p.Increase(1, value.String("w3"))
				return []crdt.StateUpdate{u1, u2, u3}
			},
		},
		{
			name:  "CounterSet",
			fresh: func(c clock.Clock) replica { return crdt.NewCounterSet(c) },
			seed: func(uuid []byte) []crdt.StateUpdate {
				s := crdt.NewCounterSet(clock.New(uuid))
				u1, _ := s.Increase(value.String("a"), 1, value.String("w1"))
				u2, _ := s.Decrease(value.String("b"), 2, value.String("w2"))
				u3, _ := s.Increase(value.String("c"), 3, value.String("w3"))
				return []crdt.StateUpdate{u1, u2, u3}
			},
		},
		{
			name:  "LWWRegister",
			fresh: func(c clock.Clock) replica { return crdt.NewLWWRegister(c, value.String("reg")) },
			seed: func(uuid []byte) []crdt.StateUpdate {
				r := crdt.NewLWWRegister(clock.New(uuid), value.String("reg"))
				u1, _ := r.Write(value.Int(1), value.String("w1"))
				u2, _ := r.Write(value.Int(2), value.String("w2"))
				u3, _ := r.Write(value.Int(3), value.String("w3"))
				return []crdt.StateUpdate{u1, u2, u3}
			},
		},
		{
			name:  "LWWMap",
			fresh: func(c clock.Clock) replica { return crdt.NewLWWMap(c) },
			seed: func(uuid []byte) []crdt.StateUpdate {
				m := crdt.NewLWWMap(clock.New(uuid))
				u1, _ := m.Set(value.String("k1"), value.Int(1), value.String("w1"))
				u2, _ := m.Set(value.String("k2"), value.Int(2), value.String("w2"))
				u3, _ := m.Set(value.String("k3"), value.Int(3), value.String("w3"))
				return []crdt.StateUpdate{u1, u2, u3}
			},
		},
		{
			name:  "MVRegister",
			fresh: func(c clock.Clock) replica { return crdt.NewMVRegister(c, value.String("reg")) },
			seed: func(uuid []byte) []crdt.StateUpdate {
				r := crdt.NewMVRegister(clock.New(uuid), value.String("reg"))
				u1, _ := r.Write(value.Int(1))
				u2, _ := r.Write(value.Int(2))
				u3, _ := r.Write(value.Int(3))
				return []crdt.StateUpdate{u1, u2, u3}
			},
		},
		{
			name:  "MVMap",
			fresh: func(c clock.Clock) replica { return crdt.NewMVMap(c) },
			seed: func(uuid []byte) []crdt.StateUpdate {
				m := crdt.NewMVMap(clock.New(uuid))
				u1, _ := m.Set(value.String("k1"), value.Int(1))
				u2, _ := m.Set(value.String("k2"), value.Int(2))
				u3, _ := m.Set(value.String("k3"), value.Int(3))
				return []crdt.StateUpdate{u1, u2, u3}
			},
		},
	}
}

func TestPropertyIdempotence(t *testing.T) {
	for _, tc := range propertyCases() {
		t.Run(tc.name, func(t *testing.T) {
			uuid := []byte("prop-idempotence-" + tc.name)
			deltas := tc.seed(uuid)

			once := tc.fresh(clock.New(uuid))
			for _, u := range deltas {
				if err := once.Update(u); err != nil {
					t.Fatalf("Update: %v", err)
				}
			}
			wantSums, err := once.Checksums()
			if err != nil {
				t.Fatalf("Checksums: %v", err)
			}

			twice := tc.fresh(clock.New(uuid))
			for _, u := range deltas {
				if err := twice.Update(u); err != nil {
					t.Fatalf("Update: %v", err)
				}
			}
			for _, u := range deltas {
				if err := twice.Update(u); err != nil {
					t.Fatalf("redundant Update: %v", err)
				}
			}
			gotSums, err := twice.Checksums()
			if err != nil {
				t.Fatalf("Checksums: %v", err)
			}
			if gotSums != wantSums {
				t.Errorf("replaying deltas changed checksums: got %+v, want %+v", gotSums, wantSums)
			}
		})
	}
}

func TestPropertyCommutativity(t *testing.T) {
	for _, tc := range propertyCases() {
		t.Run(tc.name, func(t *testing.T) {
			uuid := []byte("prop-commute-" + tc.name)
			deltas := tc.seed(uuid)
			if len(deltas) < 2 {
				t.Fatalf("seed produced fewer than 2 deltas")
			}

			forward := tc.fresh(clock.New(uuid))
			for _, u := range deltas {
				if err := forward.Update(u); err != nil {
					t.Fatalf("Update: %v", err)
				}
			}

			backward := tc.fresh(clock.New(uuid))
			for i := len(deltas) - 1; i >= 0; i-- {
				if err := backward.Update(deltas[i]); err != nil {
					t.Fatalf("Update: %v", err)
				}
			}

			a, err := forward.Checksums()
			if err != nil {
				t.Fatalf("Checksums: %v", err)
			}
			b, err := backward.Checksums()
			if err != nil {
				t.Fatalf("Checksums: %v", err)
			}
			if a != b {
				t.Errorf("order-dependent result: forward %+v != backward %+v", a, b)
			}
		})
	}
}

// TestPropertyAssociativity checks that grouping three deltas into
// batches applied at different points yields the same result as
// applying them one at a time, i.e. (u1, u2) then u3 converges to the
// same state as u1 then (u2, u3).
func TestPropertyAssociativity(t *testing.T) {
	for _, tc := range propertyCases() {
		t.Run(tc.name, func(t *testing.T) {
			uuid := []byte("prop-assoc-" + tc.name)
			deltas := tc.seed(uuid)
			if len(deltas) < 3 {
				t.Fatalf("seed produced fewer than 3 deltas")
			}
			u1, u2, u3 := deltas[0], deltas[1], deltas[2]

			leftGrouped := tc.fresh(clock.New(uuid))
			for _, u := range []crdt.StateUpdate{u1, u2, u3} {
				if err := leftGrouped.Update(u); err != nil {
					t.Fatalf("Update: %v", err)
				}
			}

			rightGrouped := tc.fresh(clock.New(uuid))
			// Apply u2 and u3 to a side replica first, fold that
			// replica's resulting history into a fresh replica that
			// already has u1, mirroring merging (u2 . u3) into u1.
			side := tc.fresh(clock.New(uuid))
			if err := side.Update(u2); err != nil {
				t.Fatalf("Update: %v", err)
			}
			if err := side.Update(u3); err != nil {
				t.Fatalf("Update: %v", err)
			}
			if err := rightGrouped.Update(u1); err != nil {
				t.Fatalf("Update: %v", err)
			}
			for _, u := range side.History() {
				if err := rightGrouped.Update(u); err != nil {
					t.Fatalf("Update: %v", err)
				}
			}

			a, err := leftGrouped.Checksums()
			if err != nil {
				t.Fatalf("Checksums: %v", err)
			}
			b, err := rightGrouped.Checksums()
			if err != nil {
				t.Fatalf("Checksums: %v", err)
			}
			if a != b {
				t.Errorf("grouping-dependent result: %+v != %+v", a, b)
			}
		})
	}
}

func TestPropertyPackUnpackRoundTrip(t *testing.T) {
	for _, tc := range propertyCases() {
		t.Run(tc.name, func(t *testing.T) {
			uuid := []byte("prop-roundtrip-" + tc.name)
			deltas := tc.seed(uuid)

			src := tc.fresh(clock.New(uuid))
			for _, u := range deltas {
				if err := src.Update(u); err != nil {
					t.Fatalf("Update: %v", err)
				}
			}
			blob, err := src.Pack()
			if err != nil {
				t.Fatalf("Pack: %v", err)
			}

			dst := tc.fresh(clock.New(uuid))
			if err := dst.Unpack(blob); err != nil {
				t.Fatalf("Unpack: %v", err)
			}

			want, err := src.Checksums()
			if err != nil {
				t.Fatalf("Checksums: %v", err)
			}
			got, err := dst.Checksums()
			if err != nil {
				t.Fatalf("Checksums: %v", err)
			}
			if got != want {
				t.Errorf("Pack/Unpack round trip lost state: got %+v, want %+v", got, want)
			}
			if len(dst.History()) != len(src.History()) {
				t.Errorf("History length after round trip = %d, want %d", len(dst.History()), len(src.History()))
			}
		})
	}
}

func TestPropertyRejectsForeignClockUUID(t *testing.T) {
	for _, tc := range propertyCases() {
		t.Run(tc.name, func(t *testing.T) {
			r := tc.fresh(clock.New([]byte("home-" + tc.name)))
			foreign := crdt.StateUpdate{ClockUUID: []byte("away-" + tc.name), TS: 1, Data: nil}
			if err := r.Update(foreign); err == nil {
				t.Errorf("expected mismatch error for foreign clock uuid")
			}
		})
	}
}

// TestGSetMerkleDiffIdentifiesMissingDelta implements the merkle sync
// scenario of spec.md §8: replica A holds {d1, d2, d3}, replica B
// holds {d2, d3, d4}; resolving A's merkle history against B's leaf
// set must surface exactly d4 as the delta A is missing, and the
// reverse must surface exactly d1 as the delta B is missing.
func TestGSetMerkleDiffIdentifiesMissingDelta(t *testing.T) {
	uuid := []byte("merkle-diff")
	source := crdt.NewGSet(clock.New(uuid))
	d1, _ := source.Add(value.String("d1"))
	d2, _ := source.Add(value.String("d2"))
	d3, _ := source.Add(value.String("d3"))
	d4, _ := source.Add(value.String("d4"))

	a := crdt.NewGSet(clock.New(uuid))
	for _, u := range []crdt.StateUpdate{d1, d2, d3} {
		if err := a.Update(u); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
	b := crdt.NewGSet(clock.New(uuid))
	for _, u := range []crdt.StateUpdate{d2, d3, d4} {
		if err := b.Update(u); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}

	aHistory, err := a.GetMerkleHistory()
	if err != nil {
		t.Fatalf("GetMerkleHistory: %v", err)
	}
	bHistory, err := b.GetMerkleHistory()
	if err != nil {
		t.Fatalf("GetMerkleHistory: %v", err)
	}

	missingFromA := crdt.ResolveMerkleHistories(aHistory, bHistory.Leaves)
	if len(missingFromA) != 1 {
		t.Fatalf("missing leaves = %d, want 1", len(missingFromA))
	}
	packed := bHistory.ByLeaf[missingFromA[0]]
	if packed == nil {
		t.Fatalf("missing leaf has no packed delta in B's byLeaf map")
	}

	missingFromB := crdt.ResolveMerkleHistories(bHistory, aHistory.Leaves)
	if len(missingFromB) != 1 {
		t.Errorf("B should have exactly d1 left to request from A, got %d", len(missingFromB))
	}
}
