package crdt_test

import (
	"testing"

	"github.com/shinyes/deltacrdt/clock"
	"github.com/shinyes/deltacrdt/crdt"
	"github.com/shinyes/deltacrdt/value"
)

func TestLWWRegisterTieBreakByWriterID(t *testing.T) {
	uuid := []byte("lww-scenario-3")

	a := crdt.NewLWWRegister(clock.New(uuid), value.String("reg"))
	ua, err := a.Write(value.String("a"), value.Int(1))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	ua.TS = 5

	scratch := crdt.NewLWWRegister(clock.New(uuid), value.String("reg"))
	ub, err := scratch.Write(value.String("b"), value.Int(2))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	ub.TS = 5

	r1 := crdt.NewLWWRegister(clock.New(uuid), value.String("reg"))
	r1.Update(ua)
	r1.Update(ub)

	r2 := crdt.NewLWWRegister(clock.New(uuid), value.String("reg"))
	r2.Update(ub)
	r2.Update(ua)

	if !value.Equal(r1.Read(), value.String("b")) {
		t.Errorf("r1.Read() = %v, want %v (writer 2 > writer 1)", r1.Read(), value.String("b"))
	}
	if !value.Equal(r2.Read(), value.String("b")) {
		t.Errorf("r2.Read() = %v, want %v (writer 2 > writer 1)", r2.Read(), value.String("b"))
	}
}

func TestLWWRegisterLaterTimestampWins(t *testing.T) {
	c := clock.New(nil)
	r := crdt.NewLWWRegister(c, value.String("reg"))
	r.Write(value.String("first"), value.Int(1))
	r.Write(value.String("second"), value.Int(1))
	if !value.Equal(r.Read(), value.String("second")) {
		t.Errorf("Read() = %v, want %v", r.Read(), value.String("second"))
	}
}

func TestLWWRegisterIdempotent(t *testing.T) {
	r := crdt.NewLWWRegister(clock.New(nil), value.String("reg"))
	u, err := r.Write(value.String("x"), value.Int(1))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := r.Update(u); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !value.Equal(r.Read(), value.String("x")) {
		t.Errorf("Read() = %v, want %v", r.Read(), value.String("x"))
	}
}

func TestCompareValuesOrdersByWriterThenValue(t *testing.T) {
	if crdt.CompareValues(value.Int(1), value.Int(2), value.String("z"), value.String("a")) >= 0 {
		t.Errorf("expected writer 1 < writer 2 to dominate value comparison")
	}
	if crdt.CompareValues(value.Int(1), value.Int(1), value.String("a"), value.String("b")) >= 0 {
		t.Errorf("expected equal writers to fall through to value comparison")
	}
}
