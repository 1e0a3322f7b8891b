package tensor

import (
	"fmt"
	"math"
)

// broadcastShapes computes the result shape of broadcasting two shapes using
// NumPy alignment rules: trailing dimensions must be equal or one of them 1.
func broadcastShapes(shape1, shape2 []int) ([]int, error) {
	n := len(shape1)
	if len(shape2) > n {
		n = len(shape2)
	}

	result := make([]int, n)
	for i := 0; i < n; i++ {
		d1, d2 := 1, 1
		if i < len(shape1) {
			d1 = shape1[len(shape1)-1-i]
		}
		if i < len(shape2) {
			d2 = shape2[len(shape2)-1-i]
		}

		switch {
		case d1 == d2:
			result[n-1-i] = d1
		case d1 == 1:
			result[n-1-i] = d2
		case d2 == 1:
			result[n-1-i] = d1
		default:
			return nil, fmt.Errorf("shapes %v and %v are not broadcastable", shape1, shape2)
		}
	}
	return result, nil
}

// broadcastStrides returns per-dimension strides into a tensor of shape
// srcShape when iterated as outShape. Broadcast dimensions get stride 0.
func broadcastStrides(srcShape, srcStrides, outShape []int) []int {
	strides := make([]int, len(outShape))
	offset := len(outShape) - len(srcShape)
	for i := range outShape {
		si := i - offset
		if si < 0 || srcShape[si] == 1 {
			strides[i] = 0
		} else {
			strides[i] = srcStrides[si]
		}
	}
	return strides
}

func binaryOp(t1, t2 *Tensor, opName string, f func(x, y float32) float32) (*Tensor, error) {
	if t1.DType != Float32 || t2.DType != Float32 {
		return nil, fmt.Errorf("%s requires Float32 tensors, got %s and %s", opName, t1.DType, t2.DType)
	}

	outShape, err := broadcastShapes(t1.Shape, t2.Shape)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %v", opName, err)
	}

	out, err := NewTensor(outShape, Float32, nil)
	if err != nil {
		return nil, err
	}

	d1 := t1.Data.([]float32)
	d2 := t2.Data.([]float32)
	dst := out.Data.([]float32)

	// Fast path: identical shapes need no index arithmetic.
	if shapesEqual(t1.Shape, t2.Shape) {
		for i := range dst {
			dst[i] = f(d1[i], d2[i])
		}
		return out, nil
	}

	s1 := broadcastStrides(t1.Shape, t1.Strides, outShape)
	s2 := broadcastStrides(t2.Shape, t2.Strides, outShape)

	coords := make([]int, len(outShape))
	for i := 0; i < out.NumElems; i++ {
		idx1, idx2 := 0, 0
		for d := range coords {
			idx1 += coords[d] * s1[d]
			idx2 += coords[d] * s2[d]
		}
		dst[i] = f(d1[idx1], d2[idx2])

		for d := len(coords) - 1; d >= 0; d-- {
			coords[d]++
			if coords[d] < outShape[d] {
				break
			}
			coords[d] = 0
		}
	}
	return out, nil
}

// Add computes element-wise t1 + t2 with broadcasting.
func Add(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp(t1, t2, "Add", func(x, y float32) float32 { return x + y })
}

// Sub computes element-wise t1 - t2 with broadcasting.
func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp(t1, t2, "Sub", func(x, y float32) float32 { return x - y })
}

// Mul computes element-wise t1 * t2 with broadcasting.
func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp(t1, t2, "Mul", func(x, y float32) float32 { return x * y })
}

// Div computes element-wise t1 / t2 with broadcasting.
func Div(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp(t1, t2, "Div", func(x, y float32) float32 { return x / y })
}

func unaryOp(t *Tensor, opName string, f func(x float32) float32) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("%s requires a Float32 tensor, got %s", opName, t.DType)
	}

	out, err := NewTensor(t.Shape, Float32, nil)
	if err != nil {
		return nil, err
	}

	src := t.Data.([]float32)
	dst := out.Data.([]float32)
	for i := range src {
		dst[i] = f(src[i])
	}
	return out, nil
}

// ReLU computes element-wise max(x, 0).
func ReLU(t *Tensor) (*Tensor, error) {
	return unaryOp(t, "ReLU", func(x float32) float32 {
		if x > 0 {
			return x
		}
		return 0
	})
}

// Exp computes element-wise e^x.
func Exp(t *Tensor) (*Tensor, error) {
	return unaryOp(t, "Exp", func(x float32) float32 {
		return float32(math.Exp(float64(x)))
	})
}

// Log computes element-wise natural logarithm.
func Log(t *Tensor) (*Tensor, error) {
	return unaryOp(t, "Log", func(x float32) float32 {
		return float32(math.Log(float64(x)))
	})
}

// Scale multiplies every element by a scalar.
func Scale(t *Tensor, s float64) (*Tensor, error) {
	v := float32(s)
	return unaryOp(t, "Scale", func(x float32) float32 { return x * v })
}

// Softmax applies a numerically stable softmax along the last dimension of a
// 2D tensor [batch, classes].
func Softmax(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Softmax requires a Float32 tensor, got %s", t.DType)
	}
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("Softmax requires a 2D tensor [batch, classes], got shape %v", t.Shape)
	}

	batch, classes := t.Shape[0], t.Shape[1]
	src := t.Data.([]float32)
	out, err := NewTensor(t.Shape, Float32, nil)
	if err != nil {
		return nil, err
	}
	dst := out.Data.([]float32)

	for i := 0; i < batch; i++ {
		row := src[i*classes : (i+1)*classes]

		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}

		var sum float32
		for j, v := range row {
			e := float32(math.Exp(float64(v - maxVal)))
			dst[i*classes+j] = e
			sum += e
		}
		for j := 0; j < classes; j++ {
			dst[i*classes+j] /= sum
		}
	}
	return out, nil
}

// ArgMax returns a 1D Int32 tensor with the index of the maximum value along
// the last dimension of a 2D tensor.
func ArgMax(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("ArgMax requires a Float32 tensor, got %s", t.DType)
	}
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("ArgMax requires a 2D tensor, got shape %v", t.Shape)
	}

	batch, classes := t.Shape[0], t.Shape[1]
	src := t.Data.([]float32)
	out, err := NewTensor([]int{batch}, Int32, nil)
	if err != nil {
		return nil, err
	}
	dst := out.Data.([]int32)

	for i := 0; i < batch; i++ {
		best := 0
		bestVal := src[i*classes]
		for j := 1; j < classes; j++ {
			if src[i*classes+j] > bestVal {
				bestVal = src[i*classes+j]
				best = j
			}
		}
		dst[i] = int32(best)
	}
	return out, nil
}
