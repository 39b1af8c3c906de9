// Package codec implements the binary wire encoding for call requests,
// responses and their argument values. NumericArray values are written as a
// small header followed by their raw element buffer, so floating point and
// integer data round-trip bit for bit.
//
// Encoding and decoding keep no shared state and are safe for concurrent use.
package codec

import (
	"encoding/binary"
	"math"
	"reflect"
	"slices"
)

// Value is any value the codec accepts: nil, bool, integers, floats, string,
// []byte, []any, []string, map[string]any or *NumericArray. Decoding yields
// the canonical forms nil, bool, int64, uint64, float64, string, []byte,
// []any, map[string]any and *NumericArray.
type Value = any

// Value tags.
const (
	tagNil    byte = 0x00
	tagFalse  byte = 0x01
	tagTrue   byte = 0x02
	tagInt    byte = 0x03
	tagUint   byte = 0x04
	tagFloat  byte = 0x05
	tagString byte = 0x06
	tagBytes  byte = 0x07
	tagList   byte = 0x08
	tagMap    byte = 0x09
	tagArray  byte = 0x0A
)

// maxDepth bounds nesting of lists and maps.
const maxDepth = 64

// Encode returns the binary encoding of v.
func Encode(v Value) ([]byte, error) {
	return appendValue(nil, v, 0)
}

// Decode parses a single value. Trailing bytes are an error.
func Decode(b []byte) (Value, error) {
	d := &decoder{buf: b}
	v, err := d.value(0)
	if err != nil {
		return nil, err
	}
	if d.off != len(b) {
		return nil, decodeErr("%d trailing bytes", len(b)-d.off)
	}
	return v, nil
}

func appendValue(dst []byte, v Value, depth int) ([]byte, error) {
	if depth > maxDepth {
		return nil, encodeErr("nesting deeper than %d", maxDepth)
	}

	switch x := v.(type) {
	case nil:
		return append(dst, tagNil), nil
	case bool:
		if x {
			return append(dst, tagTrue), nil
		}
		return append(dst, tagFalse), nil
	case int:
		return appendInt(dst, int64(x)), nil
	case int8:
		return appendInt(dst, int64(x)), nil
	case int16:
		return appendInt(dst, int64(x)), nil
	case int32:
		return appendInt(dst, int64(x)), nil
	case int64:
		return appendInt(dst, x), nil
	case uint8:
		return appendInt(dst, int64(x)), nil
	case uint16:
		return appendInt(dst, int64(x)), nil
	case uint32:
		return appendInt(dst, int64(x)), nil
	case uint:
		return binary.BigEndian.AppendUint64(append(dst, tagUint), uint64(x)), nil
	case uint64:
		return binary.BigEndian.AppendUint64(append(dst, tagUint), x), nil
	case float32:
		return appendFloat(dst, float64(x)), nil
	case float64:
		return appendFloat(dst, x), nil
	case string:
		dst = binary.AppendUvarint(append(dst, tagString), uint64(len(x)))
		return append(dst, x...), nil
	case []byte:
		dst = binary.AppendUvarint(append(dst, tagBytes), uint64(len(x)))
		return append(dst, x...), nil
	case []string:
		dst = binary.AppendUvarint(append(dst, tagList), uint64(len(x)))
		for _, s := range x {
			dst = binary.AppendUvarint(append(dst, tagString), uint64(len(s)))
			dst = append(dst, s...)
		}
		return dst, nil
	case []any:
		dst = binary.AppendUvarint(append(dst, tagList), uint64(len(x)))
		var err error
		for _, item := range x {
			if dst, err = appendValue(dst, item, depth+1); err != nil {
				return nil, err
			}
		}
		return dst, nil
	case map[string]any:
		dst = binary.AppendUvarint(append(dst, tagMap), uint64(len(x)))
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		var err error
		for _, k := range keys {
			dst = binary.AppendUvarint(dst, uint64(len(k)))
			dst = append(dst, k...)
			if dst, err = appendValue(dst, x[k], depth+1); err != nil {
				return nil, err
			}
		}
		return dst, nil
	case *NumericArray:
		return appendArray(append(dst, tagArray), x)
	case NumericArray:
		return appendArray(append(dst, tagArray), &x)
	default:
		return nil, encodeErr("unsupported type %s", reflect.TypeOf(v))
	}
}

func appendInt(dst []byte, v int64) []byte {
	return binary.BigEndian.AppendUint64(append(dst, tagInt), uint64(v))
}

func appendFloat(dst []byte, v float64) []byte {
	return binary.BigEndian.AppendUint64(append(dst, tagFloat), math.Float64bits(v))
}

// decoder walks a byte slice. It is created per call and never shared.
type decoder struct {
	buf []byte
	off int
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || n > len(d.buf)-d.off {
		return nil, decodeErr("truncated input: need %d bytes at offset %d, have %d", n, d.off, len(d.buf)-d.off)
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) uvarint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.off:])
	if n <= 0 {
		return 0, decodeErr("bad length prefix at offset %d", d.off)
	}
	d.off += n
	return v, nil
}

// length reads a count prefix and rejects counts that cannot fit in the
// remaining input given at least minSize bytes per element.
func (d *decoder) length(minSize int) (int, error) {
	n, err := d.uvarint()
	if err != nil {
		return 0, err
	}
	if n > uint64(len(d.buf)-d.off)/uint64(minSize) {
		return 0, decodeErr("truncated input: length %d exceeds remaining %d bytes", n, len(d.buf)-d.off)
	}
	return int(n), nil
}

func (d *decoder) value(depth int) (Value, error) {
	if depth > maxDepth {
		return nil, decodeErr("nesting deeper than %d", maxDepth)
	}
	tb, err := d.take(1)
	if err != nil {
		return nil, err
	}

	switch tag := tb[0]; tag {
	case tagNil:
		return nil, nil
	case tagFalse:
		return false, nil
	case tagTrue:
		return true, nil
	case tagInt:
		b, err := d.take(8)
		if err != nil {
			return nil, err
		}
		return int64(binary.BigEndian.Uint64(b)), nil
	case tagUint:
		b, err := d.take(8)
		if err != nil {
			return nil, err
		}
		return binary.BigEndian.Uint64(b), nil
	case tagFloat:
		b, err := d.take(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
	case tagString:
		b, err := d.bytes()
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case tagBytes:
		b, err := d.bytes()
		if err != nil {
			return nil, err
		}
		return append([]byte{}, b...), nil
	case tagList:
		n, err := d.length(1)
		if err != nil {
			return nil, err
		}
		list := make([]any, n)
		for i := range list {
			if list[i], err = d.value(depth + 1); err != nil {
				return nil, err
			}
		}
		return list, nil
	case tagMap:
		n, err := d.length(2)
		if err != nil {
			return nil, err
		}
		m := make(map[string]any, n)
		for range n {
			k, err := d.bytes()
			if err != nil {
				return nil, err
			}
			if m[string(k)], err = d.value(depth + 1); err != nil {
				return nil, err
			}
		}
		return m, nil
	case tagArray:
		return d.array()
	default:
		return nil, decodeErr("unknown type tag 0x%02x at offset %d", tag, d.off-1)
	}
}

func (d *decoder) bytes() ([]byte, error) {
	n, err := d.length(1)
	if err != nil {
		return nil, err
	}
	return d.take(n)
}
