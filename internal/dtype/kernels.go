package dtype

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

var le = binary.LittleEndian

// Load reads element i of b as float64.
func Load(b []byte, d DType, i int) float64 {
	switch d {
	case Float16:
		return float64(float16.Frombits(le.Uint16(b[2*i:])).Float32())
	case BFloat16:
		return float64(bfloat16.BFloat16(le.Uint16(b[2*i:])).Float32())
	case Float32:
		return float64(math.Float32frombits(le.Uint32(b[4*i:])))
	case Float64:
		return math.Float64frombits(le.Uint64(b[8*i:]))
	case Int8:
		return float64(int8(b[i]))
	case Uint8:
		return float64(b[i])
	case Int32:
		return float64(int32(le.Uint32(b[4*i:])))
	case Int64:
		return float64(int64(le.Uint64(b[8*i:])))
	default:
		panic(fmt.Sprintf("dtype: load of %s", d))
	}
}

// Store writes v into element i of b, rounding to the precision of d.
func Store(b []byte, d DType, i int, v float64) {
	switch d {
	case Float16:
		le.PutUint16(b[2*i:], float16.Fromfloat32(float32(v)).Bits())
	case BFloat16:
		le.PutUint16(b[2*i:], uint16(bfloat16.FromFloat32(float32(v))))
	case Float32:
		le.PutUint32(b[4*i:], math.Float32bits(float32(v)))
	case Float64:
		le.PutUint64(b[8*i:], math.Float64bits(v))
	case Int8:
		b[i] = byte(int8(v))
	case Uint8:
		b[i] = byte(v)
	case Int32:
		le.PutUint32(b[4*i:], uint32(int32(v)))
	case Int64:
		le.PutUint64(b[8*i:], uint64(int64(v)))
	default:
		panic(fmt.Sprintf("dtype: store of %s", d))
	}
}

func checkLen(b []byte, d DType, n int) error {
	if !d.Valid() {
		return fmt.Errorf("%w: %s", ErrUnsupported, d)
	}
	if n < 0 || len(b) < n*d.Size() {
		return fmt.Errorf("dtype: %d %s elements need %d bytes, have %d", n, d, n*d.Size(), len(b))
	}
	return nil
}

// Decode returns the n elements of b as float64 values.
func Decode(b []byte, d DType, n int) ([]float64, error) {
	if err := checkLen(b, d, n); err != nil {
		return nil, err
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = Load(b, d, i)
	}
	return out, nil
}

// Encode packs vals as elements of type d.
func Encode(vals []float64, d DType) ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, d)
	}
	out := make([]byte, len(vals)*d.Size())
	for i, v := range vals {
		Store(out, d, i, v)
	}
	return out, nil
}

// Convert casts n elements of src into dst element by element.
// float16 narrowing rounds to nearest even, bfloat16 narrowing truncates.
func Convert(dst []byte, dstType DType, src []byte, srcType DType, n int) error {
	if err := checkLen(src, srcType, n); err != nil {
		return err
	}
	if err := checkLen(dst, dstType, n); err != nil {
		return err
	}
	if dstType == srcType {
		copy(dst[:n*dstType.Size()], src[:n*srcType.Size()])
		return nil
	}
	switch {
	case srcType == Float32 && dstType == Float16:
		for i := 0; i < n; i++ {
			f := math.Float32frombits(le.Uint32(src[4*i:]))
			le.PutUint16(dst[2*i:], float16.Fromfloat32(f).Bits())
		}
	case srcType == Float16 && dstType == Float32:
		for i := 0; i < n; i++ {
			f := float16.Frombits(le.Uint16(src[2*i:])).Float32()
			le.PutUint32(dst[4*i:], math.Float32bits(f))
		}
	default:
		for i := 0; i < n; i++ {
			Store(dst, dstType, i, Load(src, srcType, i))
		}
	}
	return nil
}

// Scale multiplies n floating-point elements of b by alpha in place.
// alpha is first rounded to the element precision, float16 and bfloat16 are computed in float32.
func Scale(b []byte, d DType, n int, alpha float64) error {
	if !d.IsFloat() {
		return fmt.Errorf("%w: scale of %s", ErrUnsupported, d)
	}
	if err := checkLen(b, d, n); err != nil {
		return err
	}
	switch d {
	case Float64:
		for i := 0; i < n; i++ {
			le.PutUint64(b[8*i:], math.Float64bits(math.Float64frombits(le.Uint64(b[8*i:]))*alpha))
		}
	case Float32:
		a := float32(alpha)
		for i := 0; i < n; i++ {
			le.PutUint32(b[4*i:], math.Float32bits(math.Float32frombits(le.Uint32(b[4*i:]))*a))
		}
	default:
		a := float32(alpha)
		for i := 0; i < n; i++ {
			Store(b, d, i, float64(float32(Load(b, d, i))*a))
		}
	}
	return nil
}

// Accumulate adds n elements of src into dst (dst += src) at the precision of d.
func Accumulate(dst, src []byte, d DType, n int) error {
	if !d.IsFloat() {
		return fmt.Errorf("%w: accumulate of %s", ErrUnsupported, d)
	}
	if err := checkLen(dst, d, n); err != nil {
		return err
	}
	if err := checkLen(src, d, n); err != nil {
		return err
	}
	switch d {
	case Float64:
		for i := 0; i < n; i++ {
			s := math.Float64frombits(le.Uint64(dst[8*i:])) + math.Float64frombits(le.Uint64(src[8*i:]))
			le.PutUint64(dst[8*i:], math.Float64bits(s))
		}
	case Float32:
		for i := 0; i < n; i++ {
			s := math.Float32frombits(le.Uint32(dst[4*i:])) + math.Float32frombits(le.Uint32(src[4*i:]))
			le.PutUint32(dst[4*i:], math.Float32bits(s))
		}
	default:
		for i := 0; i < n; i++ {
			s := float32(Load(dst, d, i)) + float32(Load(src, d, i))
			Store(dst, d, i, float64(s))
		}
	}
	return nil
}
