package value_test

import (
	"math/big"
	"testing"

	"github.com/shinyes/deltacrdt/value"
)

func TestTotalOrderAcrossKinds(t *testing.T) {
	vals := []value.Value{
		value.None{},
		value.Int(1),
		value.Float(1.5),
		value.NewDecimal(big.NewRat(1, 3)),
		value.String("a"),
		value.Bytes("a"),
		value.Tagged{Tag: "x", Data: []byte("a")},
	}
	for i := range vals {
		for j := range vals {
			got := vals[i].Compare(vals[j])
			want := 0
			if i < j {
				want = -1
			} else if i > j {
				want = 1
			}
			if got != want {
				t.Errorf("Compare(%v, %v) = %d, want %d", vals[i], vals[j], got, want)
			}
		}
	}
}

func TestStringOrderMatchesLexicographic(t *testing.T) {
	a, b := value.String("apple"), value.String("banana")
	if a.Compare(b) >= 0 {
		t.Errorf("expected apple < banana")
	}
	if b.Compare(a) <= 0 {
		t.Errorf("expected banana > apple")
	}
	if !value.Equal(a, value.String("apple")) {
		t.Errorf("expected equal strings to compare equal")
	}
}

func TestHashStable(t *testing.T) {
	a := value.Int(42)
	b := value.Int(42)
	if a.Hash() != b.Hash() {
		t.Errorf("expected identical hash for equal values")
	}
	c := value.Int(43)
	if a.Hash() == c.Hash() {
		t.Errorf("expected different hash for different values")
	}
}

func TestTaggedRoundTrip(t *testing.T) {
	type point struct{ x, y int }
	reg := value.Registry{
		"point": func(tag string, data []byte) (value.Value, error) {
			if len(data) != 2 {
				return nil, value.ErrCodec
			}
			return value.Tagged{Tag: tag, Data: data}, nil
		},
	}
	tagged := value.Tagged{Tag: "point", Data: []byte{3, 4}}
	decoded, err := value.Decode(tagged, reg)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !value.Equal(decoded, tagged) {
		t.Errorf("expected decoded value to still compare equal to the tagged form")
	}
}

func TestDecimalPacksAsCanonicalText(t *testing.T) {
	d := value.NewDecimal(big.NewRat(1, 2))
	p, err := d.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if string(p) != "1/2" {
		t.Errorf("Pack() = %q, want %q", p, "1/2")
	}
}
