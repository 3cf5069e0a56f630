// Package value implements the Value contract: a closed sum of
// primitive payload types plus a user-tagged escape hatch, all
// carrying deterministic serialization, a stable hash, and a total
// order over serialized form.
//
// Grounded on original_source/crdts/datawrappers.py (StrWrapper,
// BytesWrapper, IntWrapper, DecimalWrapper, NoneWrapper and their
// __gt__/__lt__/pack/unpack contract) and on the teacher's convention
// of small immutable wrapper types (pkg/crdt/lww.go stores a raw
// []byte value; here that idea is generalized to a closed sum type so
// every CRDT can share one comparable, hashable payload carrier).
package value

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"math"
	"math/big"
)

// Kind identifies which variant of the sum type a Value holds. Kind
// values double as the most significant byte of the total order's
// type-tag, so their relative numeric order is part of the library's
// convergence contract and must never change once shipped.
type Kind byte

const (
	KindNone Kind = iota
	KindInt
	KindFloat
	KindDecimal
	KindString
	KindBytes
	KindTagged
)

// Factory resolves a user type_tag to a decoder for its packed bytes.
// Passed as the "inject" map of spec.md §4.11.
type Factory func(tag string, data []byte) (Value, error)

// Registry is the inject map of type_tag -> Factory consulted while
// decoding Tagged values.
type Registry map[string]Factory

var (
	ErrType  = errors.New("value: type error")
	ErrCodec = errors.New("value: codec error")
)

// Value is any instance of the closed primitive sum, or a user type
// carrying a stable type_tag and opaque packed bytes.
type Value interface {
	// Kind returns which variant of the sum type this is.
	Kind() Kind
	// Pack returns the canonical byte encoding of the payload only
	// (not the Kind tag); the same logical value always packs to the
	// same bytes on every implementation.
	Pack() ([]byte, error)
	// Hash returns a stable content hash.
	Hash() [32]byte
	// Compare imposes the library-wide total order: by (Kind, tag for
	// Tagged, packed bytes) lexicographically. Returns -1, 0, or 1.
	Compare(other Value) int
	// String renders a debug-friendly form; not part of the wire
	// contract.
	String() string
}

func tagOf(v Value) string {
	if t, ok := v.(Tagged); ok {
		return t.Tag
	}
	return ""
}

// compareGeneric implements the shared (Kind, tag, packed-bytes)
// ordering used by every concrete Value type's Compare method.
func compareGeneric(a, b Value) int {
	if a.Kind() != b.Kind() {
		if a.Kind() < b.Kind() {
			return -1
		}
		return 1
	}
	if a.Kind() == KindTagged {
		at, bt := tagOf(a), tagOf(b)
		if at != bt {
			if at < bt {
				return -1
			}
			return 1
		}
	}
	ap, aerr := a.Pack()
	bp, berr := b.Pack()
	if aerr != nil || berr != nil {
		// Values that fail to pack sort after ones that don't; this
		// should not happen for well-formed values.
		if aerr != nil && berr != nil {
			return 0
		}
		if aerr != nil {
			return 1
		}
		return -1
	}
	return bytes.Compare(ap, bp)
}

func hashBytes(kind Kind, discriminant string, payload []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte{byte(kind)})
	if discriminant != "" {
		h.Write([]byte(discriminant))
		h.Write([]byte{0})
	}
	h.Write(payload)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// None is the sentinel absent-value variant.
type None struct{}

func (None) Kind() Kind             { return KindNone }
func (None) Pack() ([]byte, error)  { return nil, nil }
func (n None) Compare(o Value) int  { return compareGeneric(n, o) }
func (None) Hash() [32]byte         { return hashBytes(KindNone, "", nil) }
func (None) String() string         { return "None" }

// Int wraps a signed 64-bit integer.
type Int int64

func (Int) Kind() Kind { return KindInt }
func (i Int) Pack() ([]byte, error) {
	buf := make([]byte, 8)
	putUint64BE(buf, uint64(i))
	return buf, nil
}
func (i Int) Compare(o Value) int { return compareGeneric(i, o) }
func (i Int) Hash() [32]byte {
	p, _ := i.Pack()
	return hashBytes(KindInt, "", p)
}
func (i Int) String() string { return fmt.Sprintf("%d", int64(i)) }

// Float wraps an IEEE-754 double.
type Float float64

func (Float) Kind() Kind { return KindFloat }
func (f Float) Pack() ([]byte, error) {
	buf := make([]byte, 8)
	putUint64BE(buf, math.Float64bits(float64(f)))
	return buf, nil
}
func (f Float) Compare(o Value) int { return compareGeneric(f, o) }
func (f Float) Hash() [32]byte {
	p, _ := f.Pack()
	return hashBytes(KindFloat, "", p)
}
func (f Float) String() string { return fmt.Sprintf("%g", float64(f)) }

// Decimal wraps an arbitrary-precision rational, packed as canonical
// decimal text (numerator/denominator reduced, printed base-10) so
// that two replicas using different big.Rat internal representations
// still agree on bytes.
type Decimal struct{ R *big.Rat }

// NewDecimal builds a Decimal from a big.Rat, defensively copying so
// the caller may keep mutating their own Rat afterward.
func NewDecimal(r *big.Rat) Decimal {
	return Decimal{R: new(big.Rat).Set(r)}
}

func (Decimal) Kind() Kind { return KindDecimal }
func (d Decimal) Pack() ([]byte, error) {
	if d.R == nil {
		return nil, fmt.Errorf("%w: nil decimal", ErrType)
	}
	return []byte(d.R.RatString()), nil
}
func (d Decimal) Compare(o Value) int { return compareGeneric(d, o) }
func (d Decimal) Hash() [32]byte {
	p, _ := d.Pack()
	return hashBytes(KindDecimal, "", p)
}
func (d Decimal) String() string {
	if d.R == nil {
		return "Decimal(nil)"
	}
	f, _ := d.R.Float64()
	return fmt.Sprintf("Decimal(%s ~%g)", d.R.RatString(), f)
}

// String wraps a UTF-8 string.
type String string

func (String) Kind() Kind             { return KindString }
func (s String) Pack() ([]byte, error) { return []byte(s), nil }
func (s String) Compare(o Value) int  { return compareGeneric(s, o) }
func (s String) Hash() [32]byte       { return hashBytes(KindString, "", []byte(s)) }
func (s String) String() string       { return string(s) }

// Bytes wraps a raw byte sequence.
type Bytes []byte

func (Bytes) Kind() Kind             { return KindBytes }
func (b Bytes) Pack() ([]byte, error) { return append([]byte(nil), b...), nil }
func (b Bytes) Compare(o Value) int  { return compareGeneric(b, o) }
func (b Bytes) Hash() [32]byte       { return hashBytes(KindBytes, "", b) }
func (b Bytes) String() string       { return fmt.Sprintf("Bytes(%x)", []byte(b)) }

// Tagged carries a user-defined type: a stable Tag identifying which
// Factory decodes it, plus its own canonical packed bytes. The core
// never interprets Data; equality, ordering, and hashing all operate
// on (Tag, Data) alone.
type Tagged struct {
	Tag  string
	Data []byte
}

func (Tagged) Kind() Kind              { return KindTagged }
func (t Tagged) Pack() ([]byte, error) { return append([]byte(nil), t.Data...), nil }
func (t Tagged) Compare(o Value) int   { return compareGeneric(t, o) }
func (t Tagged) Hash() [32]byte        { return hashBytes(KindTagged, t.Tag, t.Data) }
func (t Tagged) String() string        { return fmt.Sprintf("Tagged(%s, %x)", t.Tag, t.Data) }

// FromCustom packs a user type implementing Custom into a Tagged
// Value ready for storage in any CRDT.
func FromCustom(c Custom) (Tagged, error) {
	p, err := c.Pack()
	if err != nil {
		return Tagged{}, fmt.Errorf("%w: packing custom value: %v", ErrCodec, err)
	}
	return Tagged{Tag: c.TypeTag(), Data: p}, nil
}

// Custom is the capability set a user-defined type must implement to
// be carried by a CRDT via Tagged.
type Custom interface {
	TypeTag() string
	Pack() ([]byte, error)
}

// Decode resolves a Tagged value back into a user type using reg. If
// no factory is registered for the tag, the Tagged value itself is
// returned unchanged (the caller may still compare/hash/pack it).
func Decode(v Value, reg Registry) (Value, error) {
	t, ok := v.(Tagged)
	if !ok {
		return v, nil
	}
	f, ok := reg[t.Tag]
	if !ok {
		return v, nil
	}
	decoded, err := f(t.Tag, t.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding tag %q: %v", ErrCodec, t.Tag, err)
	}
	return decoded, nil
}

// Equal reports whether two Values compare equal under Compare.
func Equal(a, b Value) bool { return a.Compare(b) == 0 }

func putUint64BE(buf []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
}
