package crdt_test

import (
	"testing"

	"github.com/shinyes/deltacrdt/clock"
	"github.com/shinyes/deltacrdt/crdt"
	"github.com/shinyes/deltacrdt/value"
)

func TestMVRegisterConcurrentWritesUnion(t *testing.T) {
	uuid := []byte("mv-scenario")
	a := crdt.NewMVRegister(clock.New(uuid), value.String("reg"))
	ua, err := a.Write(value.String("a"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	scratch := crdt.NewMVRegister(clock.New(uuid), value.String("reg"))
	ub, err := scratch.Write(value.String("b"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	ub.TS = ua.TS

	r := crdt.NewMVRegister(clock.New(uuid), value.String("reg"))
	r.Update(ua)
	r.Update(ub)

	vals := r.Read()
	if len(vals) != 2 {
		t.Fatalf("Read() = %v, want 2 concurrent values", vals)
	}
}

func TestMVRegisterLaterWriteReplaces(t *testing.T) {
	r := crdt.NewMVRegister(clock.New(nil), value.String("reg"))
	r.Write(value.String("first"))
	r.Write(value.String("second"))
	vals := r.Read()
	if len(vals) != 1 || !value.Equal(vals[0], value.String("second")) {
		t.Errorf("Read() = %v, want [second]", vals)
	}
}
