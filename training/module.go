package training

import (
	"fmt"
	"math/rand"

	"github.com/gograd/gograd/tensor"
)

// Package-level source for stochastic layers (dropout masks).
var moduleRng = rand.New(rand.NewSource(1))

// SetRandomSeed makes weight initialization and dropout deterministic.
func SetRandomSeed(seed int64) {
	moduleRng = rand.New(rand.NewSource(seed))
	tensor.SetRandomSeed(seed)
}

// Module is implemented by every network layer.
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor
	Train()
	Eval()
	IsTraining() bool
}

// Linear implements a fully connected layer: y = xW + b.
// The weight is stored as [inputSize, outputSize].
type Linear struct {
	weight   *tensor.Tensor
	bias     *tensor.Tensor
	training bool
}

// NewLinear creates a Linear layer with Xavier-uniform weights and zero bias.
func NewLinear(inputSize, outputSize int, bias bool) (*Linear, error) {
	weight, err := tensor.XavierUniform([]int{inputSize, outputSize}, inputSize, outputSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weight.SetRequiresGrad(true)

	l := &Linear{weight: weight, training: true}

	if bias {
		b, err := tensor.Zeros([]int{outputSize}, tensor.Float32)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %v", err)
		}
		b.SetRequiresGrad(true)
		l.bias = b
	}
	return l, nil
}

// Forward computes xW + b. Inputs with more than two dimensions are flattened
// to [batch, features] first.
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	x := input
	var err error
	if len(x.Shape) > 2 {
		x, err = tensor.FlattenAutograd(x)
		if err != nil {
			return nil, err
		}
	}
	if len(x.Shape) != 2 {
		return nil, fmt.Errorf("Linear expects 2D input [batch, features], got shape %v", input.Shape)
	}
	if x.Shape[1] != l.weight.Shape[0] {
		return nil, fmt.Errorf("input size mismatch: expected %d, got %d", l.weight.Shape[0], x.Shape[1])
	}

	out, err := tensor.MatMulAutograd(x, l.weight)
	if err != nil {
		return nil, err
	}
	if l.bias != nil {
		out, err = tensor.AddAutograd(out, l.bias)
		if err != nil {
			return nil, fmt.Errorf("bias addition failed: %v", err)
		}
	}
	return out, nil
}

func (l *Linear) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{l.weight}
	if l.bias != nil {
		params = append(params, l.bias)
	}
	return params
}

func (l *Linear) Train()           { l.training = true }
func (l *Linear) Eval()            { l.training = false }
func (l *Linear) IsTraining() bool { return l.training }

// Conv2D implements a 2D convolution layer with square kernels.
type Conv2D struct {
	weight   *tensor.Tensor
	bias     *tensor.Tensor
	stride   int
	padding  int
	training bool
}

// NewConv2D creates a Conv2D layer with Xavier-uniform weights.
func NewConv2D(inputChannels, outputChannels, kernelSize, stride, padding int, bias bool) (*Conv2D, error) {
	fanIn := inputChannels * kernelSize * kernelSize
	fanOut := outputChannels * kernelSize * kernelSize
	weight, err := tensor.XavierUniform(
		[]int{outputChannels, inputChannels, kernelSize, kernelSize}, fanIn, fanOut)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weight.SetRequiresGrad(true)

	c := &Conv2D{weight: weight, stride: stride, padding: padding, training: true}

	if bias {
		b, err := tensor.Zeros([]int{outputChannels}, tensor.Float32)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %v", err)
		}
		b.SetRequiresGrad(true)
		c.bias = b
	}
	return c, nil
}

func (c *Conv2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("Conv2D expects 4D input [batch, channels, height, width], got shape %v", input.Shape)
	}
	return tensor.Conv2DAutograd(input, c.weight, c.bias, c.stride, c.padding)
}

func (c *Conv2D) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{c.weight}
	if c.bias != nil {
		params = append(params, c.bias)
	}
	return params
}

func (c *Conv2D) Train()           { c.training = true }
func (c *Conv2D) Eval()            { c.training = false }
func (c *Conv2D) IsTraining() bool { return c.training }

// MaxPool2D implements 2D max pooling.
type MaxPool2D struct {
	kernelSize int
	stride     int
	padding    int
	training   bool
}

// NewMaxPool2D creates a max pooling layer. A stride of 0 defaults to the
// kernel size.
func NewMaxPool2D(kernelSize, stride, padding int) *MaxPool2D {
	if stride <= 0 {
		stride = kernelSize
	}
	return &MaxPool2D{kernelSize: kernelSize, stride: stride, padding: padding, training: true}
}

func (m *MaxPool2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.MaxPool2DAutograd(input, m.kernelSize, m.stride, m.padding)
}

func (m *MaxPool2D) Parameters() []*tensor.Tensor { return nil }
func (m *MaxPool2D) Train()                       { m.training = true }
func (m *MaxPool2D) Eval()                        { m.training = false }
func (m *MaxPool2D) IsTraining() bool             { return m.training }

// ReLU implements the ReLU activation module.
type ReLU struct {
	training bool
}

func NewReLU() *ReLU {
	return &ReLU{training: true}
}

func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReLUAutograd(input)
}

func (r *ReLU) Parameters() []*tensor.Tensor { return nil }
func (r *ReLU) Train()                       { r.training = true }
func (r *ReLU) Eval()                        { r.training = false }
func (r *ReLU) IsTraining() bool             { return r.training }

// Softmax implements a softmax activation over the class dimension.
type Softmax struct {
	training bool
}

func NewSoftmax() *Softmax {
	return &Softmax{training: true}
}

func (s *Softmax) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.SoftmaxAutograd(input)
}

func (s *Softmax) Parameters() []*tensor.Tensor { return nil }
func (s *Softmax) Train()                       { s.training = true }
func (s *Softmax) Eval()                        { s.training = false }
func (s *Softmax) IsTraining() bool             { return s.training }

// Dropout implements inverted dropout: surviving activations are scaled by
// 1/(1-rate) during training so evaluation needs no rescaling.
type Dropout struct {
	rate     float64
	training bool
}

func NewDropout(rate float64) (*Dropout, error) {
	if rate < 0 || rate >= 1 {
		return nil, fmt.Errorf("dropout rate must be in [0, 1), got %f", rate)
	}
	return &Dropout{rate: rate, training: true}, nil
}

func (d *Dropout) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if !d.training || d.rate == 0 {
		return input, nil
	}

	mask, err := tensor.Zeros(input.Shape, tensor.Float32)
	if err != nil {
		return nil, err
	}
	keep := float32(1.0 / (1.0 - d.rate))
	data := mask.Data.([]float32)
	for i := range data {
		if moduleRng.Float64() >= d.rate {
			data[i] = keep
		}
	}
	return tensor.MulAutograd(input, mask)
}

func (d *Dropout) Parameters() []*tensor.Tensor { return nil }
func (d *Dropout) Train()                       { d.training = true }
func (d *Dropout) Eval()                        { d.training = false }
func (d *Dropout) IsTraining() bool             { return d.training }

// BatchNorm implements batch normalization over the channel dimension of 2D
// or 4D inputs. Batch statistics are used in training mode; running
// statistics in evaluation mode.
type BatchNorm struct {
	numFeatures int
	eps         float64
	momentum    float64
	gamma       *tensor.Tensor
	beta        *tensor.Tensor
	runningMean *tensor.Tensor
	runningVar  *tensor.Tensor
	training    bool
}

// NewBatchNorm creates a batch normalization layer with gamma=1, beta=0.
func NewBatchNorm(numFeatures int, eps, momentum float64) (*BatchNorm, error) {
	if numFeatures <= 0 {
		return nil, fmt.Errorf("numFeatures must be positive, got %d", numFeatures)
	}
	if eps <= 0 {
		eps = 1e-5
	}
	if momentum <= 0 {
		momentum = 0.1
	}

	gamma, err := tensor.Ones([]int{numFeatures}, tensor.Float32)
	if err != nil {
		return nil, err
	}
	gamma.SetRequiresGrad(true)

	beta, err := tensor.Zeros([]int{numFeatures}, tensor.Float32)
	if err != nil {
		return nil, err
	}
	beta.SetRequiresGrad(true)

	runningMean, err := tensor.Zeros([]int{numFeatures}, tensor.Float32)
	if err != nil {
		return nil, err
	}
	runningVar, err := tensor.Ones([]int{numFeatures}, tensor.Float32)
	if err != nil {
		return nil, err
	}

	return &BatchNorm{
		numFeatures: numFeatures,
		eps:         eps,
		momentum:    momentum,
		gamma:       gamma,
		beta:        beta,
		runningMean: runningMean,
		runningVar:  runningVar,
		training:    true,
	}, nil
}

func (bn *BatchNorm) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if !bn.training {
		return tensor.BatchNormInference(input, bn.gamma, bn.beta, bn.runningMean, bn.runningVar, bn.eps)
	}

	out, batchMean, batchVar, err := tensor.BatchNormAutograd(input, bn.gamma, bn.beta, bn.eps)
	if err != nil {
		return nil, err
	}

	// running = (1 - momentum) * running + momentum * batch
	rm := bn.runningMean.Data.([]float32)
	rv := bn.runningVar.Data.([]float32)
	bm := batchMean.Data.([]float32)
	bv := batchVar.Data.([]float32)
	mom := float32(bn.momentum)
	for i := range rm {
		rm[i] = (1-mom)*rm[i] + mom*bm[i]
		rv[i] = (1-mom)*rv[i] + mom*bv[i]
	}
	return out, nil
}

func (bn *BatchNorm) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{bn.gamma, bn.beta}
}

// RunningStats exposes the running mean and variance buffers for
// checkpointing.
func (bn *BatchNorm) RunningStats() (mean, variance *tensor.Tensor) {
	return bn.runningMean, bn.runningVar
}

func (bn *BatchNorm) Train()           { bn.training = true }
func (bn *BatchNorm) Eval()            { bn.training = false }
func (bn *BatchNorm) IsTraining() bool { return bn.training }

// Flatten collapses all dimensions after the batch dimension.
type Flatten struct {
	training bool
}

func NewFlatten() *Flatten {
	return &Flatten{training: true}
}

func (f *Flatten) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) == 2 {
		return input, nil
	}
	return tensor.FlattenAutograd(input)
}

func (f *Flatten) Parameters() []*tensor.Tensor { return nil }
func (f *Flatten) Train()                       { f.training = true }
func (f *Flatten) Eval()                        { f.training = false }
func (f *Flatten) IsTraining() bool             { return f.training }

// Sequential chains modules in order.
type Sequential struct {
	modules []Module
}

func NewSequential(modules ...Module) *Sequential {
	return &Sequential{modules: modules}
}

// Add appends a module to the chain.
func (s *Sequential) Add(module Module) {
	s.modules = append(s.modules, module)
}

// Modules returns the ordered module list.
func (s *Sequential) Modules() []Module {
	return s.modules
}

func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out := input
	var err error
	for i, m := range s.modules {
		out, err = m.Forward(out)
		if err != nil {
			return nil, fmt.Errorf("module %d (%T) forward failed: %v", i, m, err)
		}
	}
	return out, nil
}

func (s *Sequential) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, m := range s.modules {
		params = append(params, m.Parameters()...)
	}
	return params
}

func (s *Sequential) Train() {
	for _, m := range s.modules {
		m.Train()
	}
}

func (s *Sequential) Eval() {
	for _, m := range s.modules {
		m.Eval()
	}
}

func (s *Sequential) IsTraining() bool {
	if len(s.modules) == 0 {
		return false
	}
	return s.modules[0].IsTraining()
}
