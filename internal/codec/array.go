package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
)

// arrayOrder is the byte order of NumericArray element buffers.
var arrayOrder = binary.LittleEndian

const (
	// maxDims is the largest dimension count representable in the header.
	maxDims = math.MaxUint8

	// maxArrayBytes bounds a single array buffer.
	maxArrayBytes = 1 << 34
)

// NumericArray is a typed, shaped, contiguous row-major buffer. Data holds
// exactly product(Shape) elements of DType in little-endian order. A
// zero-length Shape denotes a scalar with one element.
type NumericArray struct {
	DType DType
	Shape []int
	Data  []byte
}

// Element is the set of Go element types a NumericArray can be built from.
type Element interface {
	bool | int8 | int16 | int32 | int64 |
		uint8 | uint16 | uint32 | uint64 |
		float32 | float64 | complex64 | complex128
}

// NewArray validates and wraps a raw buffer. The buffer is not copied.
func NewArray(dtype DType, shape []int, data []byte) (*NumericArray, error) {
	if !dtype.Valid() {
		return nil, encodeErr("unknown dtype tag %d", uint8(dtype))
	}
	want, err := bufferLen("encode", dtype, shape)
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) != want {
		return nil, encodeErr("array buffer is %d bytes, shape %v of %s needs %d", len(data), shape, dtype, want)
	}
	return &NumericArray{DType: dtype, Shape: append([]int(nil), shape...), Data: data}, nil
}

// FromSlice copies vals into a new array. With no shape the array is
// one-dimensional of len(vals).
func FromSlice[T Element](vals []T, shape ...int) (*NumericArray, error) {
	dtype := dtypeOf[T]()
	if len(shape) == 0 {
		shape = []int{len(vals)}
	}
	data, err := binary.Append(make([]byte, 0, len(vals)*dtype.Size()), arrayOrder, vals)
	if err != nil {
		return nil, encodeErr("pack %s elements: %v", dtype, err)
	}
	return NewArray(dtype, shape, data)
}

// MustFromSlice is FromSlice that panics on a shape mismatch.
func MustFromSlice[T Element](vals []T, shape ...int) *NumericArray {
	a, err := FromSlice(vals, shape...)
	if err != nil {
		panic(err)
	}
	return a
}

// Values unpacks the buffer of a into a slice of T. T must match the array's
// dtype exactly; no conversion is performed.
func Values[T Element](a *NumericArray) ([]T, error) {
	dtype := dtypeOf[T]()
	if a.DType != dtype {
		return nil, fmt.Errorf("array dtype is %s, not %s", a.DType, dtype)
	}
	out := make([]T, a.Len())
	if len(out) == 0 {
		return out, nil
	}
	if _, err := binary.Decode(a.Data, arrayOrder, out); err != nil {
		return nil, decodeErr("unpack %s elements: %v", dtype, err)
	}
	return out, nil
}

// Len returns the number of elements.
func (a *NumericArray) Len() int {
	n := 1
	for _, d := range a.Shape {
		n *= d
	}
	return n
}

// Equal reports whether both arrays have the same dtype, shape and bytes.
func (a *NumericArray) Equal(b *NumericArray) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.DType != b.DType || len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return bytes.Equal(a.Data, b.Data)
}

func (a *NumericArray) String() string {
	return fmt.Sprintf("array(%s, shape=%v)", a.DType, a.Shape)
}

// EncodeArray writes a standalone array: dtype tag, dimension count,
// dimension sizes as 4-byte big-endian integers, then the raw buffer.
func EncodeArray(a *NumericArray) ([]byte, error) {
	return appendArray(nil, a)
}

// DecodeArray parses the output of EncodeArray. The declared size must match
// the remaining buffer exactly.
func DecodeArray(b []byte) (*NumericArray, error) {
	d := &decoder{buf: b}
	a, err := d.array()
	if err != nil {
		return nil, err
	}
	if d.off != len(b) {
		return nil, decodeErr("%d trailing bytes after array buffer", len(b)-d.off)
	}
	return a, nil
}

func appendArray(dst []byte, a *NumericArray) ([]byte, error) {
	if a == nil {
		return nil, encodeErr("nil array")
	}
	if !a.DType.Valid() {
		return nil, encodeErr("unknown dtype tag %d", uint8(a.DType))
	}
	if len(a.Shape) > maxDims {
		return nil, encodeErr("array has %d dimensions, max %d", len(a.Shape), maxDims)
	}
	want, err := bufferLen("encode", a.DType, a.Shape)
	if err != nil {
		return nil, err
	}
	if uint64(len(a.Data)) != want {
		return nil, encodeErr("array buffer is %d bytes, shape %v of %s needs %d", len(a.Data), a.Shape, a.DType, want)
	}

	dst = append(dst, byte(a.DType), byte(len(a.Shape)))
	for _, dim := range a.Shape {
		dst = binary.BigEndian.AppendUint32(dst, uint32(dim))
	}
	return append(dst, a.Data...), nil
}

func (d *decoder) array() (*NumericArray, error) {
	hdr, err := d.take(2)
	if err != nil {
		return nil, err
	}
	dtype, ndim := DType(hdr[0]), int(hdr[1])
	if !dtype.Valid() {
		return nil, decodeErr("unknown dtype tag %d", hdr[0])
	}

	shape := make([]int, ndim)
	for i := range shape {
		b, err := d.take(4)
		if err != nil {
			return nil, err
		}
		shape[i] = int(binary.BigEndian.Uint32(b))
	}

	n, err := bufferLen("decode", dtype, shape)
	if err != nil {
		return nil, err
	}
	if n > uint64(len(d.buf)-d.off) {
		return nil, decodeErr("array declares %d bytes, only %d remain", n, len(d.buf)-d.off)
	}
	raw, _ := d.take(int(n))
	data := make([]byte, len(raw))
	copy(data, raw)
	return &NumericArray{DType: dtype, Shape: shape, Data: data}, nil
}

// bufferLen returns product(shape) * dtype size, rejecting negative
// dimensions and overflow.
func bufferLen(op string, dtype DType, shape []int) (uint64, error) {
	n := uint64(dtype.Size())
	for _, dim := range shape {
		if dim < 0 || uint64(dim) > math.MaxUint32 {
			return 0, &CodecError{Op: op, Reason: fmt.Sprintf("dimension %d out of range", dim)}
		}
		hi, lo := bits.Mul64(n, uint64(dim))
		if hi != 0 || lo > maxArrayBytes {
			return 0, &CodecError{Op: op, Reason: fmt.Sprintf("array size overflows for shape %v", shape)}
		}
		n = lo
	}
	return n, nil
}

func dtypeOf[T Element]() DType {
	var zero T
	switch any(zero).(type) {
	case bool:
		return Bool
	case int8:
		return Int8
	case int16:
		return Int16
	case int32:
		return Int32
	case int64:
		return Int64
	case uint8:
		return Uint8
	case uint16:
		return Uint16
	case uint32:
		return Uint32
	case uint64:
		return Uint64
	case float32:
		return Float32
	case float64:
		return Float64
	case complex64:
		return Complex64
	default:
		return Complex128
	}
}
