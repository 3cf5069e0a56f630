package codec_test

import (
	"math/big"
	"testing"

	"github.com/shinyes/deltacrdt/codec"
	"github.com/shinyes/deltacrdt/value"
)

func roundTrip(t *testing.T, v value.Value) value.Value {
	t.Helper()
	enc, err := codec.Encode(v)
	if err != nil {
		t.Fatalf("Encode(%v): %v", v, err)
	}
	dec, n, err := codec.Decode(enc, nil)
	if err != nil {
		t.Fatalf("Decode(%x): %v", enc, err)
	}
	if n != len(enc) {
		t.Fatalf("Decode consumed %d of %d bytes", n, len(enc))
	}
	return dec
}

func TestRoundTripPrimitives(t *testing.T) {
	cases := []value.Value{
		value.None{},
		value.Int(-7),
		value.Float(3.25),
		value.NewDecimal(big.NewRat(7, 9)),
		value.String("hello"),
		value.Bytes("world"),
	}
	for _, v := range cases {
		got := roundTrip(t, v)
		if !value.Equal(got, v) {
			t.Errorf("round trip mismatch: got %v, want %v", got, v)
		}
	}
}

func TestRoundTripTagged(t *testing.T) {
	v := value.Tagged{Tag: "point", Data: []byte{1, 2, 3}}
	got := roundTrip(t, v)
	if !value.Equal(got, v) {
		t.Errorf("round trip mismatch: got %v, want %v", got, v)
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	v := value.String("stable")
	a, err := codec.Encode(v)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, err := codec.Encode(v)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(a) != string(b) {
		t.Errorf("Encode is not deterministic: %x != %x", a, b)
	}
}

func TestSequenceRoundTrip(t *testing.T) {
	items := []value.Value{value.Int(1), value.String("two"), value.Bytes("three")}
	enc, err := codec.EncodeSequence(items)
	if err != nil {
		t.Fatalf("EncodeSequence: %v", err)
	}
	got, n, err := codec.DecodeSequence(enc, nil)
	if err != nil {
		t.Fatalf("DecodeSequence: %v", err)
	}
	if n != len(enc) {
		t.Fatalf("DecodeSequence consumed %d of %d bytes", n, len(enc))
	}
	if len(got) != len(items) {
		t.Fatalf("got %d items, want %d", len(got), len(items))
	}
	for i := range items {
		if !value.Equal(got[i], items[i]) {
			t.Errorf("item %d: got %v, want %v", i, got[i], items[i])
		}
	}
}

func TestDecodeRejectsTruncatedInput(t *testing.T) {
	enc, err := codec.Encode(value.Int(5))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, _, err := codec.Decode(enc[:len(enc)-1], nil); err == nil {
		t.Errorf("expected error decoding truncated input")
	}
}
