// Package dtype enumerates the element storage types gradsync moves between parameter views
// and reduction buffers, and provides host-side kernels over little-endian byte slices.
package dtype

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupported reports a type that an operation cannot handle, such as an integer type
// requested for a floating-point kernel or a type without a collective wire tag.
var ErrUnsupported = errors.New("dtype: unsupported type")

type DType uint8

const (
	Invalid DType = iota
	Float16
	BFloat16
	Float32
	Float64
	Int8
	Uint8
	Int32
	Int64
)

var names = [...]string{
	Invalid:  "invalid",
	Float16:  "float16",
	BFloat16: "bfloat16",
	Float32:  "float32",
	Float64:  "float64",
	Int8:     "int8",
	Uint8:    "uint8",
	Int32:    "int32",
	Int64:    "int64",
}

var aliases = map[string]DType{
	"f16":    Float16,
	"fp16":   Float16,
	"half":   Float16,
	"bf16":   BFloat16,
	"f32":    Float32,
	"fp32":   Float32,
	"float":  Float32,
	"single": Float32,
	"f64":    Float64,
	"fp64":   Float64,
	"double": Float64,
	"i8":     Int8,
	"u8":     Uint8,
	"byte":   Uint8,
	"i32":    Int32,
	"int":    Int32,
	"i64":    Int64,
	"long":   Int64,
}

// Size is the element width in bytes. Invalid has size 0.
func (d DType) Size() int {
	switch d {
	case Int8, Uint8:
		return 1
	case Float16, BFloat16:
		return 2
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	default:
		return 0
	}
}

func (d DType) IsFloat() bool {
	switch d {
	case Float16, BFloat16, Float32, Float64:
		return true
	default:
		return false
	}
}

func (d DType) Valid() bool {
	return d > Invalid && int(d) < len(names)
}

func (d DType) String() string {
	if int(d) < len(names) {
		return names[d]
	}
	return fmt.Sprintf("dtype(%d)", uint8(d))
}

// Parse accepts canonical names ("float16") and common aliases ("fp16", "half").
// The empty string parses to Invalid without error, meaning "not set".
func Parse(s string) (DType, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if key == "" {
		return Invalid, nil
	}
	for i, name := range names {
		if i != int(Invalid) && name == key {
			return DType(i), nil
		}
	}
	if d, ok := aliases[key]; ok {
		return d, nil
	}
	return Invalid, fmt.Errorf("%w: unknown type name %q", ErrUnsupported, s)
}

func (d DType) MarshalText() ([]byte, error) {
	if d == Invalid {
		return []byte{}, nil
	}
	if !d.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, d)
	}
	return []byte(d.String()), nil
}

func (d *DType) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
