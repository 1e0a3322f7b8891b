package tensor

import (
	"fmt"
	"math"
)

// im2col lowers a [N, C, H, W] input to a [C*K*K, N*OH*OW] matrix so that
// convolution becomes a single GEMM against the [F, C*K*K] weight matrix.
// Out-of-bounds taps from padding contribute zeros.
func im2col(input []float32, n, c, h, w, k, stride, padding, oh, ow int) []float32 {
	rows := c * k * k
	cols := n * oh * ow
	out := make([]float32, rows*cols)

	for ci := 0; ci < c; ci++ {
		for kh := 0; kh < k; kh++ {
			for kw := 0; kw < k; kw++ {
				row := (ci*k+kh)*k + kw
				for ni := 0; ni < n; ni++ {
					for y := 0; y < oh; y++ {
						ih := y*stride - padding + kh
						if ih < 0 || ih >= h {
							continue
						}
						for x := 0; x < ow; x++ {
							iw := x*stride - padding + kw
							if iw < 0 || iw >= w {
								continue
							}
							col := (ni*oh+y)*ow + x
							out[row*cols+col] = input[((ni*c+ci)*h+ih)*w+iw]
						}
					}
				}
			}
		}
	}
	return out
}

// col2im scatters a [C*K*K, N*OH*OW] gradient matrix back onto the input
// layout, accumulating where patches overlap.
func col2im(cols []float32, n, c, h, w, k, stride, padding, oh, ow int) []float32 {
	ncols := n * oh * ow
	out := make([]float32, n*c*h*w)

	for ci := 0; ci < c; ci++ {
		for kh := 0; kh < k; kh++ {
			for kw := 0; kw < k; kw++ {
				row := (ci*k+kh)*k + kw
				for ni := 0; ni < n; ni++ {
					for y := 0; y < oh; y++ {
						ih := y*stride - padding + kh
						if ih < 0 || ih >= h {
							continue
						}
						for x := 0; x < ow; x++ {
							iw := x*stride - padding + kw
							if iw < 0 || iw >= w {
								continue
							}
							col := (ni*oh+y)*ow + x
							out[((ni*c+ci)*h+ih)*w+iw] += cols[row*ncols+col]
						}
					}
				}
			}
		}
	}
	return out
}

func transposeF32(data []float32, rows, cols int) []float32 {
	out := make([]float32, len(data))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[c*rows+r] = data[r*cols+c]
		}
	}
	return out
}

func convOutputSize(in, k, stride, padding int) int {
	return (in+2*padding-k)/stride + 1
}

// Conv2D computes a 2D convolution of input [N, C, H, W] with weight
// [F, C, K, K] and optional bias [F].
func Conv2D(input, weight, bias *Tensor, stride, padding int) (*Tensor, error) {
	out, _, err := conv2DForward(input, weight, bias, stride, padding)
	return out, err
}

func conv2DForward(input, weight, bias *Tensor, stride, padding int) (*Tensor, []float32, error) {
	if input.DType != Float32 || weight.DType != Float32 {
		return nil, nil, fmt.Errorf("Conv2D requires Float32 tensors")
	}
	if len(input.Shape) != 4 {
		return nil, nil, fmt.Errorf("Conv2D input must be 4D [batch, channels, height, width], got shape %v", input.Shape)
	}
	if len(weight.Shape) != 4 {
		return nil, nil, fmt.Errorf("Conv2D weight must be 4D [filters, channels, k, k], got shape %v", weight.Shape)
	}
	if weight.Shape[2] != weight.Shape[3] {
		return nil, nil, fmt.Errorf("Conv2D supports square kernels only, got %dx%d", weight.Shape[2], weight.Shape[3])
	}
	if input.Shape[1] != weight.Shape[1] {
		return nil, nil, fmt.Errorf("channel mismatch: input has %d, weight expects %d", input.Shape[1], weight.Shape[1])
	}
	if stride <= 0 {
		return nil, nil, fmt.Errorf("stride must be positive, got %d", stride)
	}
	if padding < 0 {
		return nil, nil, fmt.Errorf("padding must be non-negative, got %d", padding)
	}

	n, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	f, k := weight.Shape[0], weight.Shape[2]
	oh := convOutputSize(h, k, stride, padding)
	ow := convOutputSize(w, k, stride, padding)
	if oh <= 0 || ow <= 0 {
		return nil, nil, fmt.Errorf("kernel %d with stride %d and padding %d does not fit input %dx%d", k, stride, padding, h, w)
	}

	if bias != nil {
		if bias.DType != Float32 || len(bias.Shape) != 1 || bias.Shape[0] != f {
			return nil, nil, fmt.Errorf("Conv2D bias must be Float32 with shape [%d]", f)
		}
	}

	cols := im2col(input.Data.([]float32), n, c, h, w, k, stride, padding, oh, ow)
	ckk := c * k * k
	spatial := n * oh * ow

	prod, err := matmulF32(weight.Data.([]float32), f, ckk, cols, ckk, spatial)
	if err != nil {
		return nil, nil, err
	}

	out, err := NewTensor([]int{n, f, oh, ow}, Float32, nil)
	if err != nil {
		return nil, nil, err
	}
	dst := out.Data.([]float32)

	var biasData []float32
	if bias != nil {
		biasData = bias.Data.([]float32)
	}

	// prod is [F, N*OH*OW]; rearrange to [N, F, OH, OW].
	plane := oh * ow
	for ni := 0; ni < n; ni++ {
		for fi := 0; fi < f; fi++ {
			var b float32
			if biasData != nil {
				b = biasData[fi]
			}
			srcOff := fi*spatial + ni*plane
			dstOff := (ni*f + fi) * plane
			for i := 0; i < plane; i++ {
				dst[dstOff+i] = prod[srcOff+i] + b
			}
		}
	}
	return out, cols, nil
}

// Conv2DOp backs the autograd convolution. The im2col matrix from the forward
// pass is cached for the weight gradient GEMM.
type Conv2DOp struct {
	inputs  []*Tensor // input, weight, optionally bias
	cols    []float32
	stride  int
	padding int
	outH    int
	outW    int
}

func (op *Conv2DOp) Inputs() []*Tensor { return op.inputs }

func (op *Conv2DOp) Backward(gradOut *Tensor) []*Tensor {
	input, weight := op.inputs[0], op.inputs[1]
	n, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	f, k := weight.Shape[0], weight.Shape[2]
	oh, ow := op.outH, op.outW
	plane := oh * ow
	spatial := n * plane
	ckk := c * k * k

	// Rearrange gradOut [N, F, OH, OW] to the [F, N*OH*OW] GEMM layout.
	g := gradOut.Data.([]float32)
	gMat := make([]float32, f*spatial)
	for ni := 0; ni < n; ni++ {
		for fi := 0; fi < f; fi++ {
			copy(gMat[fi*spatial+ni*plane:fi*spatial+(ni+1)*plane], g[(ni*f+fi)*plane:(ni*f+fi+1)*plane])
		}
	}

	// dW = dOut x cols^T
	colsT := transposeF32(op.cols, ckk, spatial)
	gw, err := matmulF32(gMat, f, spatial, colsT, spatial, ckk)
	if err != nil {
		panic(fmt.Sprintf("Conv2DOp backward failed: %v", err))
	}
	gradWeight, err := NewTensor(weight.Shape, Float32, gw)
	if err != nil {
		panic(fmt.Sprintf("Conv2DOp backward failed: %v", err))
	}

	// dInput = col2im(W^T x dOut)
	wT := transposeF32(weight.Data.([]float32), f, ckk)
	gradCols, err := matmulF32(wT, ckk, f, gMat, f, spatial)
	if err != nil {
		panic(fmt.Sprintf("Conv2DOp backward failed: %v", err))
	}
	gi := col2im(gradCols, n, c, h, w, k, op.stride, op.padding, oh, ow)
	gradInput, err := NewTensor(input.Shape, Float32, gi)
	if err != nil {
		panic(fmt.Sprintf("Conv2DOp backward failed: %v", err))
	}

	grads := []*Tensor{gradInput, gradWeight}
	if len(op.inputs) == 3 {
		gb := make([]float32, f)
		for fi := 0; fi < f; fi++ {
			var sum float32
			for i := 0; i < spatial; i++ {
				sum += gMat[fi*spatial+i]
			}
			gb[fi] = sum
		}
		gradBias, err := NewTensor([]int{f}, Float32, gb)
		if err != nil {
			panic(fmt.Sprintf("Conv2DOp backward failed: %v", err))
		}
		grads = append(grads, gradBias)
	}
	return grads
}

// Conv2DAutograd performs a 2D convolution and records the op in the
// computation graph. bias may be nil.
func Conv2DAutograd(input, weight, bias *Tensor, stride, padding int) (*Tensor, error) {
	out, cols, err := conv2DForward(input, weight, bias, stride, padding)
	if err != nil {
		return nil, err
	}

	op := &Conv2DOp{
		inputs:  []*Tensor{input, weight},
		cols:    cols,
		stride:  stride,
		padding: padding,
		outH:    out.Shape[2],
		outW:    out.Shape[3],
	}
	allInputs := []*Tensor{input, weight}
	if bias != nil {
		op.inputs = append(op.inputs, bias)
		allInputs = append(allInputs, bias)
	}
	return attach(out, op, allInputs...), nil
}

// MaxPool2D applies 2D max pooling to a [N, C, H, W] tensor.
func MaxPool2D(input *Tensor, kernelSize, stride, padding int) (*Tensor, error) {
	out, _, err := maxPool2DForward(input, kernelSize, stride, padding)
	return out, err
}

func maxPool2DForward(input *Tensor, kernelSize, stride, padding int) (*Tensor, []int32, error) {
	if input.DType != Float32 {
		return nil, nil, fmt.Errorf("MaxPool2D requires a Float32 tensor, got %s", input.DType)
	}
	if len(input.Shape) != 4 {
		return nil, nil, fmt.Errorf("MaxPool2D input must be 4D [batch, channels, height, width], got shape %v", input.Shape)
	}
	if kernelSize <= 0 || stride <= 0 || padding < 0 {
		return nil, nil, fmt.Errorf("invalid pooling parameters: kernel=%d stride=%d padding=%d", kernelSize, stride, padding)
	}

	n, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	oh := convOutputSize(h, kernelSize, stride, padding)
	ow := convOutputSize(w, kernelSize, stride, padding)
	if oh <= 0 || ow <= 0 {
		return nil, nil, fmt.Errorf("pool %d with stride %d does not fit input %dx%d", kernelSize, stride, h, w)
	}

	out, err := NewTensor([]int{n, c, oh, ow}, Float32, nil)
	if err != nil {
		return nil, nil, err
	}
	src := input.Data.([]float32)
	dst := out.Data.([]float32)
	argmax := make([]int32, n*c*oh*ow)

	for ni := 0; ni < n; ni++ {
		for ci := 0; ci < c; ci++ {
			base := (ni*c + ci) * h * w
			outBase := (ni*c + ci) * oh * ow
			for y := 0; y < oh; y++ {
				for x := 0; x < ow; x++ {
					best := float32(math.Inf(-1))
					bestIdx := int32(-1)
					for kh := 0; kh < kernelSize; kh++ {
						ih := y*stride - padding + kh
						if ih < 0 || ih >= h {
							continue
						}
						for kw := 0; kw < kernelSize; kw++ {
							iw := x*stride - padding + kw
							if iw < 0 || iw >= w {
								continue
							}
							idx := base + ih*w + iw
							if src[idx] > best {
								best = src[idx]
								bestIdx = int32(idx)
							}
						}
					}
					dst[outBase+y*ow+x] = best
					argmax[outBase+y*ow+x] = bestIdx
				}
			}
		}
	}
	return out, argmax, nil
}

// MaxPool2DOp backs autograd max pooling. Gradients are routed to the argmax
// position of each window.
type MaxPool2DOp struct {
	inputs []*Tensor
	argmax []int32
}

func (op *MaxPool2DOp) Inputs() []*Tensor { return op.inputs }

func (op *MaxPool2DOp) Backward(gradOut *Tensor) []*Tensor {
	grad, err := NewTensor(op.inputs[0].Shape, Float32, nil)
	if err != nil {
		panic(fmt.Sprintf("MaxPool2DOp backward failed: %v", err))
	}
	dst := grad.Data.([]float32)
	g := gradOut.Data.([]float32)
	for i, idx := range op.argmax {
		if idx >= 0 {
			dst[idx] += g[i]
		}
	}
	return []*Tensor{grad}
}

// MaxPool2DAutograd applies max pooling and records the op in the computation
// graph.
func MaxPool2DAutograd(input *Tensor, kernelSize, stride, padding int) (*Tensor, error) {
	out, argmax, err := maxPool2DForward(input, kernelSize, stride, padding)
	if err != nil {
		return nil, err
	}
	op := &MaxPool2DOp{inputs: []*Tensor{input}, argmax: argmax}
	return attach(out, op, input), nil
}
