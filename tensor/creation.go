package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

// Package-level source for random tensor creation. Seedable for
// reproducible experiments.
var rng = rand.New(rand.NewSource(1))

// SetRandomSeed makes Random and RandomNormal deterministic.
func SetRandomSeed(seed int64) {
	rng = rand.New(rand.NewSource(seed))
}

// NewTensor creates a tensor with the given shape and dtype. data may be nil,
// in which case the tensor is zero-filled. When provided, data must be a
// []float32 or []int32 matching the dtype and element count.
func NewTensor(shape []int, dtype DType, data interface{}) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	t := &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		DType:    dtype,
		NumElems: calculateNumElements(shape),
	}

	if data == nil {
		switch dtype {
		case Float32:
			t.Data = make([]float32, t.NumElems)
		case Int32:
			t.Data = make([]int32, t.NumElems)
		default:
			return nil, fmt.Errorf("unsupported dtype: %s", dtype)
		}
		return t, nil
	}

	if err := t.setData(data); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tensor) setData(data interface{}) error {
	switch t.DType {
	case Float32:
		d, ok := data.([]float32)
		if !ok {
			return fmt.Errorf("data type mismatch: expected []float32 for %s tensor", t.DType)
		}
		if len(d) != t.NumElems {
			return fmt.Errorf("data length %d does not match shape %v (%d elements)", len(d), t.Shape, t.NumElems)
		}
		t.Data = d
	case Int32:
		d, ok := data.([]int32)
		if !ok {
			return fmt.Errorf("data type mismatch: expected []int32 for %s tensor", t.DType)
		}
		if len(d) != t.NumElems {
			return fmt.Errorf("data length %d does not match shape %v (%d elements)", len(d), t.Shape, t.NumElems)
		}
		t.Data = d
	default:
		return fmt.Errorf("unsupported dtype: %s", t.DType)
	}
	return nil
}

// SetData replaces the tensor's backing data in place.
func (t *Tensor) SetData(data interface{}) error {
	return t.setData(data)
}

// Zeros creates a zero-filled tensor.
func Zeros(shape []int, dtype DType) (*Tensor, error) {
	return NewTensor(shape, dtype, nil)
}

// Ones creates a tensor filled with ones.
func Ones(shape []int, dtype DType) (*Tensor, error) {
	return Full(shape, 1.0, dtype)
}

// Full creates a tensor filled with a constant value.
func Full(shape []int, value float64, dtype DType) (*Tensor, error) {
	t, err := NewTensor(shape, dtype, nil)
	if err != nil {
		return nil, err
	}

	switch dtype {
	case Float32:
		data := t.Data.([]float32)
		v := float32(value)
		for i := range data {
			data[i] = v
		}
	case Int32:
		data := t.Data.([]int32)
		v := int32(value)
		for i := range data {
			data[i] = v
		}
	}
	return t, nil
}

// FromScalar creates a single-element tensor holding value.
func FromScalar(value float64, dtype DType) *Tensor {
	t, _ := Full([]int{1}, value, dtype)
	return t
}

// Random creates a Float32 tensor with values uniform in [0, 1).
func Random(shape []int) (*Tensor, error) {
	t, err := NewTensor(shape, Float32, nil)
	if err != nil {
		return nil, err
	}

	data := t.Data.([]float32)
	for i := range data {
		data[i] = rng.Float32()
	}
	return t, nil
}

// RandomNormal creates a Float32 tensor with normally distributed values.
func RandomNormal(shape []int, mean, std float32) (*Tensor, error) {
	t, err := NewTensor(shape, Float32, nil)
	if err != nil {
		return nil, err
	}
	if std < 0 {
		return nil, fmt.Errorf("standard deviation must be non-negative, got %f", std)
	}

	data := t.Data.([]float32)
	for i := range data {
		data[i] = mean + std*float32(rng.NormFloat64())
	}
	return t, nil
}

// XavierUniform creates a Float32 tensor initialized with Glorot/Xavier
// uniform values: U(-sqrt(6/(fanIn+fanOut)), sqrt(6/(fanIn+fanOut))).
func XavierUniform(shape []int, fanIn, fanOut int) (*Tensor, error) {
	t, err := NewTensor(shape, Float32, nil)
	if err != nil {
		return nil, err
	}
	if fanIn <= 0 || fanOut <= 0 {
		return nil, fmt.Errorf("fanIn and fanOut must be positive, got %d and %d", fanIn, fanOut)
	}

	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	data := t.Data.([]float32)
	for i := range data {
		data[i] = float32((rng.Float64()*2.0 - 1.0) * bound)
	}
	return t, nil
}
