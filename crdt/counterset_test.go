package crdt_test

import (
	"testing"

	"github.com/shinyes/deltacrdt/clock"
	"github.com/shinyes/deltacrdt/crdt"
	"github.com/shinyes/deltacrdt/value"
)

func TestCounterSetSumsPerIDContributions(t *testing.T) {
	s := crdt.NewCounterSet(clock.New(nil))
	if _, err := s.Increase(value.String("alice"), 3, value.String("alice")); err != nil {
		t.Fatalf("Increase: %v", err)
	}
	if _, err := s.Increase(value.String("bob"), 4, value.String("bob")); err != nil {
		t.Fatalf("Increase: %v", err)
	}
	if _, err := s.Decrease(value.String("alice"), 1, value.String("alice")); err != nil {
		t.Fatalf("Decrease: %v", err)
	}
	if got := s.Read(); got != 6 {
		t.Errorf("Read() = %d, want 6", got)
	}
}

func TestCounterSetConverges(t *testing.T) {
	uuid := []byte("counterset-scenario")
	a := crdt.NewCounterSet(clock.New(uuid))
	a.Increase(value.String("id-1"), 5, value.String("w1"))
	a.Increase(value.String("id-2"), 2, value.String("w2"))

	b := crdt.NewCounterSet(clock.New(uuid))
	for _, u := range a.History() {
		if err := b.Update(u); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
	if a.Read() != b.Read() {
		t.Errorf("diverged: %d != %d", a.Read(), b.Read())
	}
}
