package engine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Buffer is a typed read result. Data holds little-endian elements laid out
// row-major over Dims.
type Buffer struct {
	Kind     Kind
	ElemSize int
	Signed   bool
	Dims     []uint64
	Data     []byte
}

// Len is the number of elements.
func (b *Buffer) Len() int {
	if b.ElemSize <= 0 {
		return 0
	}
	return len(b.Data) / b.ElemSize
}

func (b *Buffer) checkInt() error {
	if b.Kind != KindInteger && b.Kind != KindTime && b.Kind != KindEnum && b.Kind != KindBitfield {
		return fmt.Errorf("buffer of kind %s is not integral", b.Kind)
	}
	switch b.ElemSize {
	case 1, 2, 4, 8:
		return nil
	}
	return fmt.Errorf("unsupported integer width %d", b.ElemSize)
}

func (b *Buffer) intAt(i int) (uint64, int64) {
	p := b.Data[i*b.ElemSize:]
	switch b.ElemSize {
	case 1:
		return uint64(p[0]), int64(int8(p[0]))
	case 2:
		v := binary.LittleEndian.Uint16(p)
		return uint64(v), int64(int16(v))
	case 4:
		v := binary.LittleEndian.Uint32(p)
		return uint64(v), int64(int32(v))
	default:
		v := binary.LittleEndian.Uint64(p)
		return v, int64(v)
	}
}

// Int64s decodes integral elements, sign-extending when Signed is set.
func (b *Buffer) Int64s() ([]int64, error) {
	if err := b.checkInt(); err != nil {
		return nil, err
	}
	out := make([]int64, b.Len())
	for i := range out {
		u, s := b.intAt(i)
		if b.Signed {
			out[i] = s
		} else {
			out[i] = int64(u)
		}
	}
	return out, nil
}

// Uint64s decodes integral elements without sign extension.
func (b *Buffer) Uint64s() ([]uint64, error) {
	if err := b.checkInt(); err != nil {
		return nil, err
	}
	out := make([]uint64, b.Len())
	for i := range out {
		out[i], _ = b.intAt(i)
	}
	return out, nil
}

// Float64s decodes float elements, or converts integral ones.
func (b *Buffer) Float64s() ([]float64, error) {
	if b.Kind != KindFloat {
		ints, err := b.Int64s()
		if err != nil {
			return nil, err
		}
		out := make([]float64, len(ints))
		for i, v := range ints {
			if !b.Signed {
				out[i] = float64(uint64(v))
			} else {
				out[i] = float64(v)
			}
		}
		return out, nil
	}

	out := make([]float64, b.Len())
	switch b.ElemSize {
	case 4:
		for i := range out {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b.Data[i*4:])))
		}
	case 8:
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b.Data[i*8:]))
		}
	default:
		return nil, fmt.Errorf("unsupported float width %d", b.ElemSize)
	}
	return out, nil
}

// Strings splits fixed-width string elements, trimming NUL padding.
func (b *Buffer) Strings() ([]string, error) {
	if b.Kind != KindString {
		return nil, fmt.Errorf("buffer of kind %s is not a string", b.Kind)
	}
	out := make([]string, b.Len())
	for i := range out {
		out[i] = string(bytes.TrimRight(b.Data[i*b.ElemSize:(i+1)*b.ElemSize], "\x00"))
	}
	return out, nil
}

// Encoding helpers used by writers and tests.

func PutInt64s(vals []int64) []byte {
	out := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(out[i*8:], uint64(v))
	}
	return out
}

func PutUint16s(vals []uint16) []byte {
	out := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(out[i*2:], v)
	}
	return out
}

func PutFloat64s(vals []float64) []byte {
	out := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(v))
	}
	return out
}

func PutFloat32s(vals []float32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// PutString pads s with NULs to width bytes, truncating if longer.
func PutString(s string, width int) []byte {
	out := make([]byte, width)
	copy(out, s)
	return out
}
