package artifact

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Element types of a Tensor.
const (
	DTypeFloat32 = "float32"
	DTypeInt32   = "int32"
)

// Tensor is a named, shaped array whose elements are stored little-endian in
// Data. Keeping raw bits (rather than decimal text) makes pack/unpack exact
// for every float32 value, NaN payloads included.
type Tensor struct {
	DType string `json:"dtype"`
	Shape []int  `json:"shape"`
	Data  []byte `json:"data"`
}

func float32Tensor(vals []float32, shape ...int) Tensor {
	data := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	return Tensor{DType: DTypeFloat32, Shape: shape, Data: data}
}

func int32Tensor(vals []int32, shape ...int) Tensor {
	data := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(data[4*i:], uint32(v))
	}
	return Tensor{DType: DTypeInt32, Shape: shape, Data: data}
}

// elements checks the tensor against the expected type and shape and returns
// its element count. A negative entry in want matches any size and is
// reported back through rows.
func (t Tensor) elements(name, dtype string, want ...int) (rows, count int, err error) {
	if t.DType != dtype {
		return 0, 0, fmt.Errorf("%w: %s dtype %q, want %q", ErrMalformedState, name, t.DType, dtype)
	}
	if len(t.Shape) != len(want) {
		return 0, 0, fmt.Errorf("%w: %s rank %d, want %d", ErrMalformedState, name, len(t.Shape), len(want))
	}
	rows = -1
	count = 1
	for i, d := range t.Shape {
		if d < 0 {
			return 0, 0, fmt.Errorf("%w: %s has negative dimension %d", ErrMalformedState, name, d)
		}
		if want[i] >= 0 && d != want[i] {
			return 0, 0, fmt.Errorf("%w: %s shape %v, want dimension %d = %d", ErrMalformedState, name, t.Shape, i, want[i])
		}
		if want[i] < 0 {
			rows = d
		}
		count *= d
	}
	if len(t.Data) != 4*count {
		return 0, 0, fmt.Errorf("%w: %s holds %d bytes, shape %v needs %d", ErrMalformedState, name, len(t.Data), t.Shape, 4*count)
	}
	return rows, count, nil
}

func (t Tensor) float32s() []float32 {
	out := make([]float32, len(t.Data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[4*i:]))
	}
	return out
}

func (t Tensor) int32s() []int32 {
	out := make([]int32, len(t.Data)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(t.Data[4*i:]))
	}
	return out
}
