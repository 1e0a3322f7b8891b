package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

func toDense(data []float32, rows, cols int) *mat.Dense {
	d := make([]float64, len(data))
	for i, v := range data {
		d[i] = float64(v)
	}
	return mat.NewDense(rows, cols, d)
}

func fromDense(m *mat.Dense) []float32 {
	rows, cols := m.Dims()
	raw := m.RawMatrix()
	out := make([]float32, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[r*cols+c] = float32(raw.Data[r*raw.Stride+c])
		}
	}
	return out
}

// matmulF32 multiplies row-major float32 matrices a [m,k] and b [k,n],
// delegating the GEMM to gonum.
func matmulF32(a []float32, m, k int, b []float32, k2, n int) ([]float32, error) {
	if k != k2 {
		return nil, fmt.Errorf("inner dimensions do not match: %d vs %d", k, k2)
	}
	var c mat.Dense
	c.Mul(toDense(a, m, k), toDense(b, k2, n))
	return fromDense(&c), nil
}

// MatMul computes the matrix product of two 2D Float32 tensors.
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	if t1.DType != Float32 || t2.DType != Float32 {
		return nil, fmt.Errorf("MatMul requires Float32 tensors, got %s and %s", t1.DType, t2.DType)
	}
	if len(t1.Shape) != 2 || len(t2.Shape) != 2 {
		return nil, fmt.Errorf("MatMul requires 2D tensors, got shapes %v and %v", t1.Shape, t2.Shape)
	}
	if t1.Shape[1] != t2.Shape[0] {
		return nil, fmt.Errorf("incompatible shapes for MatMul: %v x %v", t1.Shape, t2.Shape)
	}

	m, k, n := t1.Shape[0], t1.Shape[1], t2.Shape[1]
	out, err := matmulF32(t1.Data.([]float32), m, k, t2.Data.([]float32), k, n)
	if err != nil {
		return nil, err
	}
	return NewTensor([]int{m, n}, Float32, out)
}

// Transpose swaps the two dimensions of a 2D tensor.
func Transpose(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("Transpose requires a 2D tensor, got shape %v", t.Shape)
	}
	if t.DType != Float32 {
		return nil, fmt.Errorf("Transpose requires a Float32 tensor, got %s", t.DType)
	}

	rows, cols := t.Shape[0], t.Shape[1]
	src := t.Data.([]float32)
	dst := make([]float32, len(src))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			dst[c*rows+r] = src[r*cols+c]
		}
	}
	return NewTensor([]int{cols, rows}, Float32, dst)
}

// Reshape returns a tensor with the same data and a new shape. The element
// count must be preserved.
func Reshape(t *Tensor, newShape []int) (*Tensor, error) {
	if err := validateShape(newShape); err != nil {
		return nil, err
	}
	if calculateNumElements(newShape) != t.NumElems {
		return nil, fmt.Errorf("cannot reshape %v (%d elements) to %v", t.Shape, t.NumElems, newShape)
	}

	return &Tensor{
		Shape:        append([]int(nil), newShape...),
		Strides:      calculateStrides(newShape),
		DType:        t.DType,
		Data:         t.Data,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}, nil
}

// Reshape is the method form of the package-level Reshape.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	return Reshape(t, newShape)
}

// Flatten collapses all dimensions after the first, producing [batch, rest].
func Flatten(t *Tensor) (*Tensor, error) {
	if len(t.Shape) < 2 {
		return nil, fmt.Errorf("Flatten requires at least 2D input, got shape %v", t.Shape)
	}
	rest := 1
	for _, d := range t.Shape[1:] {
		rest *= d
	}
	return Reshape(t, []int{t.Shape[0], rest})
}

// Sum reduces a Float32 tensor along the given dimension.
func Sum(t *Tensor, dim int, keepDim bool) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Sum requires a Float32 tensor, got %s", t.DType)
	}
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("dimension %d out of range for shape %v", dim, t.Shape)
	}

	outShape := make([]int, 0, len(t.Shape))
	for i, d := range t.Shape {
		if i == dim {
			if keepDim {
				outShape = append(outShape, 1)
			}
			continue
		}
		outShape = append(outShape, d)
	}
	if len(outShape) == 0 {
		outShape = []int{1}
	}

	out, err := NewTensor(outShape, Float32, nil)
	if err != nil {
		return nil, err
	}

	src := t.Data.([]float32)
	dst := out.Data.([]float32)

	outer := 1
	for i := 0; i < dim; i++ {
		outer *= t.Shape[i]
	}
	reduce := t.Shape[dim]
	inner := 1
	for i := dim + 1; i < len(t.Shape); i++ {
		inner *= t.Shape[i]
	}

	for o := 0; o < outer; o++ {
		for in := 0; in < inner; in++ {
			var sum float32
			for r := 0; r < reduce; r++ {
				sum += src[(o*reduce+r)*inner+in]
			}
			dst[o*inner+in] = sum
		}
	}
	return out, nil
}
