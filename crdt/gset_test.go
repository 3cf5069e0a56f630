package crdt_test

import (
	"testing"

	"github.com/shinyes/deltacrdt/clock"
	"github.com/shinyes/deltacrdt/crdt"
	"github.com/shinyes/deltacrdt/value"
)

func TestGSetAddIsIdempotent(t *testing.T) {
	s := crdt.NewGSet(clock.New(nil))
	u, err := s.Add(value.String("x"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Update(u); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := len(s.Read()); got != 1 {
		t.Errorf("Read() has %d members, want 1", got)
	}
}

func TestGSetConverges(t *testing.T) {
	uuid := []byte("gset-scenario")
	a := crdt.NewGSet(clock.New(uuid))
	a.Add(value.String("x"))
	a.Add(value.String("y"))

	b := crdt.NewGSet(clock.New(uuid))
	for _, u := range a.History(nil, nil) {
		if err := b.Update(u); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
	if !b.Contains(value.String("x")) || !b.Contains(value.String("y")) {
		t.Errorf("replica did not converge to {x, y}")
	}
}

func TestGSetHistoryRangeFilter(t *testing.T) {
	s := crdt.NewGSet(clock.New(nil))
	u1, _ := s.Add(value.String("x"))
	u2, _ := s.Add(value.String("y"))
	from := u2.TS
	filtered := s.History(&from, nil)
	if len(filtered) != 1 || filtered[0].TS != u2.TS {
		t.Errorf("expected only the delta at/after ts %d, got %v (u1 ts=%d)", from, filtered, u1.TS)
	}
}
