package tensor

import (
	"fmt"
	"math"
)

// Clone returns a deep copy of the tensor. The copy does not participate in
// the original's computation graph.
func (t *Tensor) Clone() (*Tensor, error) {
	out, err := NewTensor(t.Shape, t.DType, nil)
	if err != nil {
		return nil, err
	}

	switch t.DType {
	case Float32:
		copy(out.Data.([]float32), t.Data.([]float32))
	case Int32:
		copy(out.Data.([]int32), t.Data.([]int32))
	default:
		return nil, fmt.Errorf("unsupported dtype for Clone: %s", t.DType)
	}
	out.requiresGrad = t.requiresGrad
	return out, nil
}

// GetFloat32Data returns the backing slice of a Float32 tensor.
func (t *Tensor) GetFloat32Data() ([]float32, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("tensor is %s, not Float32", t.DType)
	}
	return t.Data.([]float32), nil
}

// GetInt32Data returns the backing slice of an Int32 tensor.
func (t *Tensor) GetInt32Data() ([]int32, error) {
	if t.DType != Int32 {
		return nil, fmt.Errorf("tensor is %s, not Int32", t.DType)
	}
	return t.Data.([]int32), nil
}

// Item returns the value of a single-element tensor.
func (t *Tensor) Item() (interface{}, error) {
	if t.NumElems != 1 {
		return nil, fmt.Errorf("Item can only be called on tensors with exactly one element, got %d", t.NumElems)
	}

	switch t.DType {
	case Float32:
		return t.Data.([]float32)[0], nil
	case Int32:
		return t.Data.([]int32)[0], nil
	default:
		return nil, fmt.Errorf("unsupported dtype for Item: %s", t.DType)
	}
}

// ItemFloat returns the value of a single-element tensor as a float64.
func (t *Tensor) ItemFloat() (float64, error) {
	v, err := t.Item()
	if err != nil {
		return 0, err
	}
	switch x := v.(type) {
	case float32:
		return float64(x), nil
	case int32:
		return float64(x), nil
	default:
		return 0, fmt.Errorf("unsupported dtype for ItemFloat: %s", t.DType)
	}
}

func (t *Tensor) linearIndex(indices []int) int {
	idx := 0
	for i, v := range indices {
		idx += v * t.Strides[i]
	}
	return idx
}

// At returns the element at the given multi-dimensional indices.
func (t *Tensor) At(indices ...int) (interface{}, error) {
	if len(indices) != len(t.Shape) {
		return nil, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return nil, fmt.Errorf("index %d out of bounds for dimension %d (size %d)", idx, i, t.Shape[i])
		}
	}

	li := t.linearIndex(indices)
	switch t.DType {
	case Float32:
		return t.Data.([]float32)[li], nil
	case Int32:
		return t.Data.([]int32)[li], nil
	default:
		return nil, fmt.Errorf("unsupported dtype for At: %s", t.DType)
	}
}

// SetAt sets the element at the given multi-dimensional indices.
func (t *Tensor) SetAt(value interface{}, indices ...int) error {
	if len(indices) != len(t.Shape) {
		return fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return fmt.Errorf("index %d out of bounds for dimension %d (size %d)", idx, i, t.Shape[i])
		}
	}

	li := t.linearIndex(indices)
	switch t.DType {
	case Float32:
		v, ok := value.(float32)
		if !ok {
			return fmt.Errorf("expected float32 value for %s tensor", t.DType)
		}
		t.Data.([]float32)[li] = v
	case Int32:
		v, ok := value.(int32)
		if !ok {
			return fmt.Errorf("expected int32 value for %s tensor", t.DType)
		}
		t.Data.([]int32)[li] = v
	default:
		return fmt.Errorf("unsupported dtype for SetAt: %s", t.DType)
	}
	return nil
}

// Size returns the tensor shape.
func (t *Tensor) Size() []int {
	return t.Shape
}

// Numel returns the total element count.
func (t *Tensor) Numel() int {
	return t.NumElems
}

// Dim returns the number of dimensions.
func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Equal reports whether two tensors have identical shape, dtype and data.
func (t *Tensor) Equal(other *Tensor) (bool, error) {
	if t.DType != other.DType {
		return false, nil
	}
	if !shapesEqual(t.Shape, other.Shape) {
		return false, nil
	}

	switch t.DType {
	case Float32:
		a := t.Data.([]float32)
		b := other.Data.([]float32)
		for i := range a {
			if a[i] != b[i] {
				return false, nil
			}
		}
	case Int32:
		a := t.Data.([]int32)
		b := other.Data.([]int32)
		for i := range a {
			if a[i] != b[i] {
				return false, nil
			}
		}
	default:
		return false, fmt.Errorf("unsupported dtype for Equal: %s", t.DType)
	}
	return true, nil
}

// AllClose reports whether two Float32 tensors agree within tolerance.
func (t *Tensor) AllClose(other *Tensor, tol float64) (bool, error) {
	if t.DType != Float32 || other.DType != Float32 {
		return false, fmt.Errorf("AllClose requires Float32 tensors")
	}
	if !shapesEqual(t.Shape, other.Shape) {
		return false, nil
	}

	a := t.Data.([]float32)
	b := other.Data.([]float32)
	for i := range a {
		if math.Abs(float64(a[i]-b[i])) > tol {
			return false, nil
		}
	}
	return true, nil
}
