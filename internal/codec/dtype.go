package codec

import "fmt"

// DType is the element type tag of a NumericArray. The numeric value is the
// byte written on the wire.
type DType uint8

// Element type tags.
const (
	Bool       DType = 1
	Int8       DType = 2
	Int16      DType = 3
	Int32      DType = 4
	Int64      DType = 5
	Uint8      DType = 6
	Uint16     DType = 7
	Uint32     DType = 8
	Uint64     DType = 9
	Float32    DType = 10
	Float64    DType = 11
	Complex64  DType = 12
	Complex128 DType = 13
)

var dtypeInfo = map[DType]struct {
	name string
	size int
}{
	Bool:       {"bool", 1},
	Int8:       {"int8", 1},
	Int16:      {"int16", 2},
	Int32:      {"int32", 4},
	Int64:      {"int64", 8},
	Uint8:      {"uint8", 1},
	Uint16:     {"uint16", 2},
	Uint32:     {"uint32", 4},
	Uint64:     {"uint64", 8},
	Float32:    {"float32", 4},
	Float64:    {"float64", 8},
	Complex64:  {"complex64", 8},
	Complex128: {"complex128", 16},
}

// Valid reports whether d is a known element type.
func (d DType) Valid() bool {
	_, ok := dtypeInfo[d]
	return ok
}

// Size returns the element size in bytes, or 0 for an unknown type.
func (d DType) Size() int {
	return dtypeInfo[d].size
}

func (d DType) String() string {
	if info, ok := dtypeInfo[d]; ok {
		return info.name
	}
	return fmt.Sprintf("dtype(%d)", uint8(d))
}

// ParseDType returns the DType with the given name (e.g. "float64").
func ParseDType(name string) (DType, error) {
	for d, info := range dtypeInfo {
		if info.name == name {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown dtype %q", name)
}
