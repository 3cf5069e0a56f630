// Package codec implements the canonical, recursive, injection-friendly
// encode/decode pair required by spec.md §4.11.
//
// Framing is a direct Go port of the tag-byte + length-prefix scheme in
// original_source/crdts/serialization.py (serialize_part/deserialize_part):
// a one-byte tag identifies the shape, followed by a big-endian uint32
// length, followed by that many bytes of payload. Sequences recurse by
// concatenating framed children. This framing is deliberately NOT
// msgpack: canonical byte-for-byte agreement across replicas is a hard
// correctness requirement (checksums and Merkle roots depend on it),
// and msgpack's map/library-version drift is exactly the kind of thing
// that requirement forbids. msgpack is used only for the outer list
// framing around already-encoded delta blobs in crdt/update.go
// (packDeltaBlobs), where the inner blobs carry the canonical bytes,
// matching the teacher's pkg/crdt/rga_codec.go.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"

	"github.com/shinyes/deltacrdt/value"
)

const (
	tagNone    byte = 'n'
	tagInt     byte = 'i'
	tagFloat   byte = 'f'
	tagDecimal byte = 'd'
	tagString  byte = 's'
	tagBytes   byte = 'b'
	tagTagged  byte = 'p'
	tagList    byte = 'l'
)

// Encode canonically serializes v, recursing through Value's own Pack
// for the leaf payload.
func Encode(v value.Value) ([]byte, error) {
	payload, err := v.Pack()
	if err != nil {
		return nil, fmt.Errorf("%w: encoding %d: %v", value.ErrCodec, v.Kind(), err)
	}

	var tag byte
	var head []byte
	switch v.Kind() {
	case value.KindNone:
		tag = tagNone
	case value.KindInt:
		tag = tagInt
	case value.KindFloat:
		tag = tagFloat
	case value.KindDecimal:
		tag = tagDecimal
	case value.KindString:
		tag = tagString
	case value.KindBytes:
		tag = tagBytes
	case value.KindTagged:
		tag = tagTagged
		t := v.(value.Tagged)
		head = frame([]byte(t.Tag))
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", value.ErrCodec, v.Kind())
	}

	out := []byte{tag}
	out = append(out, head...)
	out = append(out, frame(payload)...)
	return out, nil
}

// EncodeSequence canonically encodes an ordered list of Values as one
// framed unit, used for tuple-shaped CRDT payloads (spec.md §4.2). Each
// element already self-delimits (tag byte plus one or more framed
// parts), so elements are concatenated directly; DecodeSequence walks
// them back off by asking Decode how many bytes each one consumed.
func EncodeSequence(items []value.Value) ([]byte, error) {
	var body []byte
	for _, item := range items {
		enc, err := Encode(item)
		if err != nil {
			return nil, err
		}
		body = append(body, enc...)
	}
	out := []byte{tagList}
	out = append(out, frame(body)...)
	return out, nil
}

// Decode parses one canonical Value from the front of data, returning
// the value and the number of bytes consumed. reg resolves Tagged
// payloads back into user types when possible; a nil or non-matching
// registry leaves the value as value.Tagged.
func Decode(data []byte, reg value.Registry) (value.Value, int, error) {
	if len(data) < 1 {
		return nil, 0, fmt.Errorf("%w: empty input", value.ErrCodec)
	}
	tag := data[0]
	rest := data[1:]
	consumed := 1

	switch tag {
	case tagNone:
		payload, n, err := unframe(rest)
		if err != nil {
			return nil, 0, err
		}
		_ = payload
		return value.None{}, consumed + n, nil

	case tagInt:
		payload, n, err := unframe(rest)
		if err != nil {
			return nil, 0, err
		}
		if len(payload) != 8 {
			return nil, 0, fmt.Errorf("%w: int payload must be 8 bytes", value.ErrCodec)
		}
		return value.Int(int64(binary.BigEndian.Uint64(payload))), consumed + n, nil

	case tagFloat:
		payload, n, err := unframe(rest)
		if err != nil {
			return nil, 0, err
		}
		if len(payload) != 8 {
			return nil, 0, fmt.Errorf("%w: float payload must be 8 bytes", value.ErrCodec)
		}
		bits := binary.BigEndian.Uint64(payload)
		return value.Float(float64FromBits(bits)), consumed + n, nil

	case tagDecimal:
		payload, n, err := unframe(rest)
		if err != nil {
			return nil, 0, err
		}
		r, ok := ratFromString(string(payload))
		if !ok {
			return nil, 0, fmt.Errorf("%w: malformed decimal %q", value.ErrCodec, payload)
		}
		return value.NewDecimal(r), consumed + n, nil

	case tagString:
		payload, n, err := unframe(rest)
		if err != nil {
			return nil, 0, err
		}
		return value.String(payload), consumed + n, nil

	case tagBytes:
		payload, n, err := unframe(rest)
		if err != nil {
			return nil, 0, err
		}
		return value.Bytes(append([]byte(nil), payload...)), consumed + n, nil

	case tagTagged:
		tagName, n1, err := unframe(rest)
		if err != nil {
			return nil, 0, err
		}
		payload, n2, err := unframe(rest[n1:])
		if err != nil {
			return nil, 0, err
		}
		tagged := value.Tagged{Tag: string(tagName), Data: append([]byte(nil), payload...)}
		decoded, err := value.Decode(tagged, reg)
		if err != nil {
			return nil, 0, err
		}
		return decoded, consumed + n1 + n2, nil

	default:
		return nil, 0, fmt.Errorf("%w: unknown tag %q", value.ErrCodec, tag)
	}
}

// DecodeSequence parses a canonical sequence produced by
// EncodeSequence from the front of data, returning the decoded values
// and bytes consumed.
func DecodeSequence(data []byte, reg value.Registry) ([]value.Value, int, error) {
	if len(data) < 1 || data[0] != tagList {
		return nil, 0, fmt.Errorf("%w: expected sequence tag", value.ErrCodec)
	}
	body, n, err := unframe(data[1:])
	if err != nil {
		return nil, 0, err
	}
	var items []value.Value
	for len(body) > 0 {
		item, m, err := Decode(body, reg)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, item)
		body = body[m:]
	}
	return items, 1 + n, nil
}

func frame(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

func unframe(data []byte) (payload []byte, consumed int, err error) {
	if len(data) < 4 {
		return nil, 0, fmt.Errorf("%w: truncated length prefix", value.ErrCodec)
	}
	n := binary.BigEndian.Uint32(data[:4])
	if uint64(len(data)-4) < uint64(n) {
		return nil, 0, fmt.Errorf("%w: truncated frame, want %d bytes", value.ErrCodec, n)
	}
	return data[4 : 4+n], 4 + int(n), nil
}

func float64FromBits(bits uint64) float64 {
	return math.Float64frombits(bits)
}

func ratFromString(s string) (*big.Rat, bool) {
	r := new(big.Rat)
	_, ok := r.SetString(s)
	if !ok {
		return nil, false
	}
	return r, true
}
