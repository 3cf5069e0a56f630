package crdt_test

import (
	"testing"

	"github.com/shinyes/deltacrdt/clock"
	"github.com/shinyes/deltacrdt/crdt"
	"github.com/shinyes/deltacrdt/value"
)

func stringItemCodec() crdt.ItemCodec[string] {
	return crdt.ItemCodec[string]{
		Marshal:   func(s string) (value.Value, error) { return value.String(s), nil },
		Unmarshal: func(v value.Value) (string, error) { return string(v.(value.String)), nil },
	}
}

func TestRGArrayAppendOrdersByTimestamp(t *testing.T) {
	a := crdt.NewRGArray(clock.New(nil), stringItemCodec())
	if _, err := a.Append("first", value.Int(1)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := a.Append("second", value.Int(1)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	got, err := a.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("Read() = %v, want [first second]", got)
	}
}

func TestRGArrayConverges(t *testing.T) {
	uuid := []byte("rga-scenario")
	a := crdt.NewRGArray(clock.New(uuid), stringItemCodec())
	a.Append("x", value.Int(1))
	a.Append("y", value.Int(1))

	b := crdt.NewRGArray(clock.New(uuid), stringItemCodec())
	for _, u := range a.History() {
		if err := b.Update(u); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
	got, err := b.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 2 || got[0] != "x" || got[1] != "y" {
		t.Errorf("Read() = %v, want [x y]", got)
	}
}
