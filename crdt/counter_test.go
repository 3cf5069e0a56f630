package crdt_test

import (
	"testing"

	"github.com/shinyes/deltacrdt/clock"
	"github.com/shinyes/deltacrdt/crdt"
	"github.com/shinyes/deltacrdt/value"
)

func TestCounterConvergesAcrossReplicas(t *testing.T) {
	shared := clock.New([]byte("counter-scenario-1"))
	c1 := crdt.NewCounter(shared)
	if _, err := c1.Increase(1, value.String("w1")); err != nil {
		t.Fatalf("Increase: %v", err)
	}
	if _, err := c1.Increase(1, value.String("w1")); err != nil {
		t.Fatalf("Increase: %v", err)
	}

	c2 := crdt.NewCounter(clock.New([]byte("counter-scenario-1")))
	for _, u := range c1.History() {
		if err := c2.Update(u); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
	if got := c2.Read(); got != 2 {
		t.Errorf("Read() = %d, want 2", got)
	}
}

func TestCounterIdempotent(t *testing.T) {
	c := crdt.NewCounter(clock.New(nil))
	u, err := c.Increase(5, value.String("w"))
	if err != nil {
		t.Fatalf("Increase: %v", err)
	}
	if err := c.Update(u); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := c.Read(); got != 5 {
		t.Errorf("Read() = %d, want 5 (duplicate delta must not double count)", got)
	}
}

func TestCounterRejectsForeignClockUUID(t *testing.T) {
	c := crdt.NewCounter(clock.New([]byte("a")))
	foreign := crdt.StateUpdate{ClockUUID: []byte("b"), TS: 1, Data: nil}
	if err := c.Update(foreign); err == nil {
		t.Errorf("expected mismatch error for foreign clock uuid")
	}
}

func TestCounterRejectsNonPositiveAmount(t *testing.T) {
	c := crdt.NewCounter(clock.New(nil))
	if _, err := c.Increase(0, value.String("w")); err == nil {
		t.Errorf("expected error increasing by 0")
	}
}

func TestCounterCommutative(t *testing.T) {
	uuid := []byte("counter-commute")
	base := crdt.NewCounter(clock.New(uuid))
	u1, _ := base.Increase(3, value.String("w1"))
	u2, _ := base.Increase(4, value.String("w2"))

	forward := crdt.NewCounter(clock.New(uuid))
	forward.Update(u1)
	forward.Update(u2)

	backward := crdt.NewCounter(clock.New(uuid))
	backward.Update(u2)
	backward.Update(u1)

	if forward.Read() != backward.Read() {
		t.Errorf("order-dependent result: %d != %d", forward.Read(), backward.Read())
	}
}
