package clock_test

import (
	"testing"

	"github.com/shinyes/deltacrdt/clock"
)

func TestUpdateIsMonotone(t *testing.T) {
	c := clock.New(nil)
	a := c.Update(c.DefaultTS())
	b := c.Update(a)
	if !c.IsLater(b, a) {
		t.Fatalf("expected %d to be later than %d", b, a)
	}
}

func TestUpdateAdoptsHigherRemote(t *testing.T) {
	c := clock.New(nil)
	got := c.Update(1000)
	if got <= 1000 {
		t.Fatalf("Update(1000) = %d, want > 1000", got)
	}
}

func TestReadDoesNotAdvance(t *testing.T) {
	c := clock.New(nil)
	c.Update(c.DefaultTS())
	first := c.Read()
	second := c.Read()
	if first != second {
		t.Fatalf("Read is not idempotent: %d != %d", first, second)
	}
}

func TestScalarClockHasNoConcurrentDistinctTimestamps(t *testing.T) {
	c := clock.New(nil)
	if c.AreConcurrent(1, 2) {
		t.Fatalf("scalar clock readings 1 and 2 must not be concurrent")
	}
	if !c.AreConcurrent(5, 5) {
		t.Fatalf("equal scalar readings must be concurrent (identical)")
	}
}

func TestUUIDIsStablePerInstance(t *testing.T) {
	c := clock.New(nil)
	if string(c.UUID()) != string(c.UUID()) {
		t.Fatalf("UUID must be stable across calls")
	}
	other := clock.New(nil)
	if string(c.UUID()) == string(other.UUID()) {
		t.Fatalf("two clocks unexpectedly share a UUID")
	}
}

func TestWrapTSPacksAsEightByteInt(t *testing.T) {
	c := clock.New(nil)
	ts := c.Update(c.DefaultTS())
	wrapped := c.WrapTS(ts)
	packed, err := wrapped.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if len(packed) != 8 {
		t.Fatalf("expected 8-byte packed int64, got %d bytes", len(packed))
	}
}
