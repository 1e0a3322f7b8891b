package tensor

import (
	"fmt"
	"math"
)

// batchNormDims extracts the reduction geometry for batch normalization over
// the channel dimension (index 1) of a 2D [N, C] or 4D [N, C, H, W] tensor.
func batchNormDims(x *Tensor) (n, c, spatial int, err error) {
	switch len(x.Shape) {
	case 2:
		return x.Shape[0], x.Shape[1], 1, nil
	case 4:
		return x.Shape[0], x.Shape[1], x.Shape[2] * x.Shape[3], nil
	default:
		return 0, 0, 0, fmt.Errorf("batch norm requires 2D or 4D input, got shape %v", x.Shape)
	}
}

// channelIterate calls f(flatIndex, channel) for every element of x.
func channelIterate(x *Tensor, f func(idx, ch int)) {
	n, c, spatial, _ := batchNormDims(x)
	for ni := 0; ni < n; ni++ {
		for ci := 0; ci < c; ci++ {
			base := (ni*c + ci) * spatial
			for s := 0; s < spatial; s++ {
				f(base+s, ci)
			}
		}
	}
}

// BatchNormOp backs autograd batch normalization in training mode, caching
// the normalized activations and inverse standard deviation for backward.
type BatchNormOp struct {
	inputs []*Tensor // x, gamma, beta
	xhat   []float32
	invStd []float32
	count  int
}

func (op *BatchNormOp) Inputs() []*Tensor { return op.inputs }

func (op *BatchNormOp) Backward(gradOut *Tensor) []*Tensor {
	x, gamma := op.inputs[0], op.inputs[1]
	_, c, _, err := batchNormDims(x)
	if err != nil {
		panic(fmt.Sprintf("BatchNormOp backward failed: %v", err))
	}

	dy := gradOut.Data.([]float32)
	gammaData := gamma.Data.([]float32)
	m := float32(op.count)

	dgamma := make([]float32, c)
	dbeta := make([]float32, c)
	channelIterate(x, func(idx, ch int) {
		dgamma[ch] += dy[idx] * op.xhat[idx]
		dbeta[ch] += dy[idx]
	})

	// dx = gamma*invStd/m * (m*dy - dbeta - xhat*dgamma)
	dx := make([]float32, x.NumElems)
	channelIterate(x, func(idx, ch int) {
		dx[idx] = gammaData[ch] * op.invStd[ch] / m * (m*dy[idx] - dbeta[ch] - op.xhat[idx]*dgamma[ch])
	})

	gradX, err := NewTensor(x.Shape, Float32, dx)
	if err != nil {
		panic(fmt.Sprintf("BatchNormOp backward failed: %v", err))
	}
	gradGamma, err := NewTensor([]int{c}, Float32, dgamma)
	if err != nil {
		panic(fmt.Sprintf("BatchNormOp backward failed: %v", err))
	}
	gradBeta, err := NewTensor([]int{c}, Float32, dbeta)
	if err != nil {
		panic(fmt.Sprintf("BatchNormOp backward failed: %v", err))
	}
	return []*Tensor{gradX, gradGamma, gradBeta}
}

// BatchNormAutograd normalizes x over the batch (and spatial) dimensions per
// channel, applies the affine transform, and records the op in the
// computation graph. It also returns the batch mean and biased batch variance
// per channel so callers can maintain running statistics.
func BatchNormAutograd(x, gamma, beta *Tensor, eps float64) (*Tensor, *Tensor, *Tensor, error) {
	n, c, spatial, err := batchNormDims(x)
	if err != nil {
		return nil, nil, nil, err
	}
	if x.DType != Float32 {
		return nil, nil, nil, fmt.Errorf("batch norm requires a Float32 tensor, got %s", x.DType)
	}
	if gamma.NumElems != c || beta.NumElems != c {
		return nil, nil, nil, fmt.Errorf("gamma and beta must have %d elements", c)
	}

	src := x.Data.([]float32)
	count := n * spatial
	if count < 2 {
		return nil, nil, nil, fmt.Errorf("batch norm requires more than one value per channel, got %d", count)
	}

	mean := make([]float32, c)
	channelIterate(x, func(idx, ch int) {
		mean[ch] += src[idx]
	})
	for ch := range mean {
		mean[ch] /= float32(count)
	}

	variance := make([]float32, c)
	channelIterate(x, func(idx, ch int) {
		d := src[idx] - mean[ch]
		variance[ch] += d * d
	})
	for ch := range variance {
		variance[ch] /= float32(count)
	}

	invStd := make([]float32, c)
	for ch := range invStd {
		invStd[ch] = float32(1.0 / math.Sqrt(float64(variance[ch])+eps))
	}

	xhat := make([]float32, x.NumElems)
	out, err := NewTensor(x.Shape, Float32, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	dst := out.Data.([]float32)
	gammaData := gamma.Data.([]float32)
	betaData := beta.Data.([]float32)
	channelIterate(x, func(idx, ch int) {
		xhat[idx] = (src[idx] - mean[ch]) * invStd[ch]
		dst[idx] = gammaData[ch]*xhat[idx] + betaData[ch]
	})

	op := &BatchNormOp{
		inputs: []*Tensor{x, gamma, beta},
		xhat:   xhat,
		invStd: invStd,
		count:  count,
	}
	attach(out, op, x, gamma, beta)

	meanT, err := NewTensor([]int{c}, Float32, mean)
	if err != nil {
		return nil, nil, nil, err
	}
	varT, err := NewTensor([]int{c}, Float32, variance)
	if err != nil {
		return nil, nil, nil, err
	}
	return out, meanT, varT, nil
}

// BatchNormInference normalizes x with fixed running statistics. No
// computation graph is recorded; this is the evaluation-mode path.
func BatchNormInference(x, gamma, beta, runningMean, runningVar *Tensor, eps float64) (*Tensor, error) {
	_, c, _, err := batchNormDims(x)
	if err != nil {
		return nil, err
	}
	if gamma.NumElems != c || beta.NumElems != c || runningMean.NumElems != c || runningVar.NumElems != c {
		return nil, fmt.Errorf("batch norm parameters must have %d elements", c)
	}

	src := x.Data.([]float32)
	out, err := NewTensor(x.Shape, Float32, nil)
	if err != nil {
		return nil, err
	}
	dst := out.Data.([]float32)

	gammaData := gamma.Data.([]float32)
	betaData := beta.Data.([]float32)
	meanData := runningMean.Data.([]float32)
	varData := runningVar.Data.([]float32)

	scale := make([]float32, c)
	for ch := 0; ch < c; ch++ {
		scale[ch] = gammaData[ch] / float32(math.Sqrt(float64(varData[ch])+eps))
	}
	channelIterate(x, func(idx, ch int) {
		dst[idx] = scale[ch]*(src[idx]-meanData[ch]) + betaData[ch]
	})
	return out, nil
}
