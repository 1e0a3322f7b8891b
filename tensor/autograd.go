package tensor

import (
	"fmt"
	"math"
)

// Backward runs reverse-mode automatic differentiation from a scalar tensor,
// accumulating gradients into every reachable tensor with requiresGrad set.
// Calling Backward repeatedly adds to existing gradients; use ZeroGrad (or an
// optimizer's ZeroGrad) between steps.
func (t *Tensor) Backward() error {
	if t.DType != Float32 {
		return fmt.Errorf("Backward requires a Float32 tensor, got %s", t.DType)
	}
	if t.NumElems != 1 {
		return fmt.Errorf("Backward can only be called on scalar tensors, got %d elements", t.NumElems)
	}

	seed, err := Ones(t.Shape, Float32)
	if err != nil {
		return err
	}

	// Topological order over the creator graph.
	var topo []*Tensor
	visited := make(map[*Tensor]bool)
	var visit func(*Tensor)
	visit = func(n *Tensor) {
		if visited[n] {
			return
		}
		visited[n] = true
		if n.creator == nil {
			return
		}
		for _, in := range n.creator.Inputs() {
			visit(in)
		}
		topo = append(topo, n)
	}
	visit(t)

	grads := map[*Tensor]*Tensor{t: seed}
	for i := len(topo) - 1; i >= 0; i-- {
		node := topo[i]
		g := grads[node]
		if g == nil {
			continue
		}

		inputs := node.creator.Inputs()
		inputGrads := node.creator.Backward(g)
		if len(inputGrads) != len(inputs) {
			return fmt.Errorf("operation %T returned %d gradients for %d inputs", node.creator, len(inputGrads), len(inputs))
		}

		for j, in := range inputs {
			ig := inputGrads[j]
			if ig == nil {
				continue
			}
			if existing := grads[in]; existing != nil {
				sum, err := Add(existing, ig)
				if err != nil {
					return fmt.Errorf("gradient accumulation failed: %v", err)
				}
				grads[in] = sum
			} else {
				grads[in] = ig
			}
		}
	}

	for node, g := range grads {
		if !node.requiresGrad {
			continue
		}
		if node.grad != nil {
			sum, err := Add(node.grad, g)
			if err != nil {
				return fmt.Errorf("gradient accumulation failed: %v", err)
			}
			node.grad = sum
		} else {
			node.grad = g
		}
	}
	return nil
}

// reduceGradientToShape sums a gradient over broadcast dimensions so it
// matches the shape of the original input.
func reduceGradientToShape(grad *Tensor, targetShape []int) (*Tensor, error) {
	if shapesEqual(grad.Shape, targetShape) {
		return grad, nil
	}

	out := grad
	var err error

	// Collapse leading dimensions the target never had.
	for len(out.Shape) > len(targetShape) {
		out, err = Sum(out, 0, false)
		if err != nil {
			return nil, err
		}
	}

	// Sum dimensions that were broadcast from size 1.
	for i := range targetShape {
		if targetShape[i] == 1 && out.Shape[i] != 1 {
			out, err = Sum(out, i, true)
			if err != nil {
				return nil, err
			}
		}
	}

	if !shapesEqual(out.Shape, targetShape) {
		return nil, fmt.Errorf("cannot reduce gradient shape %v to %v", grad.Shape, targetShape)
	}
	return out, nil
}

func attach(out *Tensor, op Operation, inputs ...*Tensor) *Tensor {
	out.creator = op
	out.requiresGrad = anyGradPath(inputs)
	return out
}

func anyGradPath(inputs []*Tensor) bool {
	for _, in := range inputs {
		if in.requiresGrad || in.creator != nil {
			return true
		}
	}
	return false
}

// AddOp backs autograd addition. Gradients flow unchanged to both inputs,
// reduced over any broadcast dimensions.
type AddOp struct {
	inputs []*Tensor
}

func (op *AddOp) Inputs() []*Tensor { return op.inputs }

func (op *AddOp) Backward(gradOut *Tensor) []*Tensor {
	gradA, err := reduceGradientToShape(gradOut, op.inputs[0].Shape)
	if err != nil {
		panic(fmt.Sprintf("AddOp backward failed: %v", err))
	}
	gradB, err := reduceGradientToShape(gradOut, op.inputs[1].Shape)
	if err != nil {
		panic(fmt.Sprintf("AddOp backward failed: %v", err))
	}
	return []*Tensor{gradA, gradB}
}

// AddAutograd computes a + b and records the op in the computation graph.
func AddAutograd(a, b *Tensor) (*Tensor, error) {
	out, err := Add(a, b)
	if err != nil {
		return nil, err
	}
	return attach(out, &AddOp{inputs: []*Tensor{a, b}}, a, b), nil
}

// SubOp backs autograd subtraction.
type SubOp struct {
	inputs []*Tensor
}

func (op *SubOp) Inputs() []*Tensor { return op.inputs }

func (op *SubOp) Backward(gradOut *Tensor) []*Tensor {
	gradA, err := reduceGradientToShape(gradOut, op.inputs[0].Shape)
	if err != nil {
		panic(fmt.Sprintf("SubOp backward failed: %v", err))
	}

	neg, err := Scale(gradOut, -1)
	if err != nil {
		panic(fmt.Sprintf("SubOp backward failed: %v", err))
	}
	gradB, err := reduceGradientToShape(neg, op.inputs[1].Shape)
	if err != nil {
		panic(fmt.Sprintf("SubOp backward failed: %v", err))
	}
	return []*Tensor{gradA, gradB}
}

// SubAutograd computes a - b and records the op in the computation graph.
func SubAutograd(a, b *Tensor) (*Tensor, error) {
	out, err := Sub(a, b)
	if err != nil {
		return nil, err
	}
	return attach(out, &SubOp{inputs: []*Tensor{a, b}}, a, b), nil
}

// MulOp backs autograd element-wise multiplication.
type MulOp struct {
	inputs []*Tensor
}

func (op *MulOp) Inputs() []*Tensor { return op.inputs }

func (op *MulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]

	ga, err := Mul(gradOut, b)
	if err != nil {
		panic(fmt.Sprintf("MulOp backward failed: %v", err))
	}
	gradA, err := reduceGradientToShape(ga, a.Shape)
	if err != nil {
		panic(fmt.Sprintf("MulOp backward failed: %v", err))
	}

	gb, err := Mul(gradOut, a)
	if err != nil {
		panic(fmt.Sprintf("MulOp backward failed: %v", err))
	}
	gradB, err := reduceGradientToShape(gb, b.Shape)
	if err != nil {
		panic(fmt.Sprintf("MulOp backward failed: %v", err))
	}
	return []*Tensor{gradA, gradB}
}

// MulAutograd computes a * b and records the op in the computation graph.
func MulAutograd(a, b *Tensor) (*Tensor, error) {
	out, err := Mul(a, b)
	if err != nil {
		return nil, err
	}
	return attach(out, &MulOp{inputs: []*Tensor{a, b}}, a, b), nil
}

// MatMulOp backs autograd matrix multiplication.
// For C = A x B: dA = dC x B^T, dB = A^T x dC.
type MatMulOp struct {
	inputs []*Tensor
}

func (op *MatMulOp) Inputs() []*Tensor { return op.inputs }

func (op *MatMulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]

	bT, err := Transpose(b)
	if err != nil {
		panic(fmt.Sprintf("MatMulOp backward failed: %v", err))
	}
	gradA, err := MatMul(gradOut, bT)
	if err != nil {
		panic(fmt.Sprintf("MatMulOp backward failed: %v", err))
	}

	aT, err := Transpose(a)
	if err != nil {
		panic(fmt.Sprintf("MatMulOp backward failed: %v", err))
	}
	gradB, err := MatMul(aT, gradOut)
	if err != nil {
		panic(fmt.Sprintf("MatMulOp backward failed: %v", err))
	}
	return []*Tensor{gradA, gradB}
}

// MatMulAutograd computes a x b and records the op in the computation graph.
func MatMulAutograd(a, b *Tensor) (*Tensor, error) {
	out, err := MatMul(a, b)
	if err != nil {
		return nil, err
	}
	return attach(out, &MatMulOp{inputs: []*Tensor{a, b}}, a, b), nil
}

// ReLUOp backs autograd ReLU. The gradient passes only where the input was
// positive.
type ReLUOp struct {
	inputs []*Tensor
}

func (op *ReLUOp) Inputs() []*Tensor { return op.inputs }

func (op *ReLUOp) Backward(gradOut *Tensor) []*Tensor {
	in := op.inputs[0].Data.([]float32)
	g := gradOut.Data.([]float32)

	out, err := NewTensor(op.inputs[0].Shape, Float32, nil)
	if err != nil {
		panic(fmt.Sprintf("ReLUOp backward failed: %v", err))
	}
	dst := out.Data.([]float32)
	for i := range in {
		if in[i] > 0 {
			dst[i] = g[i]
		}
	}
	return []*Tensor{out}
}

// ReLUAutograd computes max(a, 0) and records the op in the computation graph.
func ReLUAutograd(a *Tensor) (*Tensor, error) {
	out, err := ReLU(a)
	if err != nil {
		return nil, err
	}
	return attach(out, &ReLUOp{inputs: []*Tensor{a}}, a), nil
}

// ReshapeOp backs autograd reshape; the gradient is reshaped back.
type ReshapeOp struct {
	inputs   []*Tensor
	srcShape []int
}

func (op *ReshapeOp) Inputs() []*Tensor { return op.inputs }

func (op *ReshapeOp) Backward(gradOut *Tensor) []*Tensor {
	g, err := Reshape(gradOut, op.srcShape)
	if err != nil {
		panic(fmt.Sprintf("ReshapeOp backward failed: %v", err))
	}
	return []*Tensor{g}
}

// ReshapeAutograd reshapes a tensor and records the op in the computation
// graph. The result shares data with the input.
func ReshapeAutograd(a *Tensor, newShape []int) (*Tensor, error) {
	out, err := Reshape(a, newShape)
	if err != nil {
		return nil, err
	}
	op := &ReshapeOp{inputs: []*Tensor{a}, srcShape: append([]int(nil), a.Shape...)}
	return attach(out, op, a), nil
}

// FlattenAutograd collapses all dimensions after the first, with gradient
// support.
func FlattenAutograd(a *Tensor) (*Tensor, error) {
	if len(a.Shape) < 2 {
		return nil, fmt.Errorf("FlattenAutograd requires at least 2D input, got shape %v", a.Shape)
	}
	rest := 1
	for _, d := range a.Shape[1:] {
		rest *= d
	}
	return ReshapeAutograd(a, []int{a.Shape[0], rest})
}

// MeanOp backs the reduction of a tensor to its scalar mean.
type MeanOp struct {
	inputs []*Tensor
}

func (op *MeanOp) Inputs() []*Tensor { return op.inputs }

func (op *MeanOp) Backward(gradOut *Tensor) []*Tensor {
	in := op.inputs[0]
	g := gradOut.Data.([]float32)[0] / float32(in.NumElems)
	grad, err := Full(in.Shape, float64(g), Float32)
	if err != nil {
		panic(fmt.Sprintf("MeanOp backward failed: %v", err))
	}
	return []*Tensor{grad}
}

// MeanAutograd reduces a tensor to its scalar mean with gradient support.
func MeanAutograd(a *Tensor) (*Tensor, error) {
	if a.DType != Float32 {
		return nil, fmt.Errorf("MeanAutograd requires a Float32 tensor, got %s", a.DType)
	}

	var sum float32
	for _, v := range a.Data.([]float32) {
		sum += v
	}
	out, err := NewTensor([]int{1}, Float32, []float32{sum / float32(a.NumElems)})
	if err != nil {
		return nil, err
	}
	return attach(out, &MeanOp{inputs: []*Tensor{a}}, a), nil
}

// SoftmaxOp backs autograd softmax over the last dimension of a 2D tensor.
type SoftmaxOp struct {
	inputs []*Tensor
	probs  *Tensor
}

func (op *SoftmaxOp) Inputs() []*Tensor { return op.inputs }

func (op *SoftmaxOp) Backward(gradOut *Tensor) []*Tensor {
	batch, classes := op.probs.Shape[0], op.probs.Shape[1]
	p := op.probs.Data.([]float32)
	g := gradOut.Data.([]float32)

	out, err := NewTensor(op.probs.Shape, Float32, nil)
	if err != nil {
		panic(fmt.Sprintf("SoftmaxOp backward failed: %v", err))
	}
	dst := out.Data.([]float32)

	// ds_i = p_i * (dy_i - sum_j dy_j * p_j), per row.
	for i := 0; i < batch; i++ {
		off := i * classes
		var dot float32
		for j := 0; j < classes; j++ {
			dot += g[off+j] * p[off+j]
		}
		for j := 0; j < classes; j++ {
			dst[off+j] = p[off+j] * (g[off+j] - dot)
		}
	}
	return []*Tensor{out}
}

// SoftmaxAutograd applies softmax along the last dimension of a 2D tensor and
// records the op in the computation graph.
func SoftmaxAutograd(a *Tensor) (*Tensor, error) {
	out, err := Softmax(a)
	if err != nil {
		return nil, err
	}
	return attach(out, &SoftmaxOp{inputs: []*Tensor{a}, probs: out}, a), nil
}

// SoftmaxCrossEntropyOp fuses softmax and negative log likelihood over class
// indices. Inputs are logits [batch, classes] and Int32 targets [batch]; the
// target input receives no gradient.
type SoftmaxCrossEntropyOp struct {
	inputs []*Tensor
	probs  *Tensor
	mean   bool
}

func (op *SoftmaxCrossEntropyOp) Inputs() []*Tensor { return op.inputs }

func (op *SoftmaxCrossEntropyOp) Backward(gradOut *Tensor) []*Tensor {
	batch, classes := op.probs.Shape[0], op.probs.Shape[1]
	targets := op.inputs[1].Data.([]int32)
	scale := gradOut.Data.([]float32)[0]
	if op.mean {
		scale /= float32(batch)
	}

	grad, err := op.probs.Clone()
	if err != nil {
		panic(fmt.Sprintf("SoftmaxCrossEntropyOp backward failed: %v", err))
	}
	g := grad.Data.([]float32)
	for i := 0; i < batch; i++ {
		g[i*classes+int(targets[i])] -= 1.0
	}
	for i := range g {
		g[i] *= scale
	}
	return []*Tensor{grad, nil}
}

// SoftmaxCrossEntropyAutograd computes the scalar cross entropy loss between
// logits and class-index targets, with softmax fused in. reductionMean selects
// mean over the batch; otherwise the sum is returned.
func SoftmaxCrossEntropyAutograd(logits, targets *Tensor, reductionMean bool) (*Tensor, error) {
	if logits.DType != Float32 || targets.DType != Int32 {
		return nil, fmt.Errorf("cross entropy requires Float32 logits and Int32 targets")
	}
	if len(logits.Shape) != 2 {
		return nil, fmt.Errorf("logits must be 2D [batch, classes], got shape %v", logits.Shape)
	}
	if len(targets.Shape) != 1 || targets.Shape[0] != logits.Shape[0] {
		return nil, fmt.Errorf("targets must be 1D [batch=%d], got shape %v", logits.Shape[0], targets.Shape)
	}

	probs, err := Softmax(logits)
	if err != nil {
		return nil, err
	}

	batch, classes := logits.Shape[0], logits.Shape[1]
	p := probs.Data.([]float32)
	t := targets.Data.([]int32)

	var total float32
	for i := 0; i < batch; i++ {
		cls := t[i]
		if cls < 0 || int(cls) >= classes {
			return nil, fmt.Errorf("target class %d out of range [0, %d)", cls, classes)
		}
		prob := p[i*classes+int(cls)]
		if prob < 1e-10 {
			prob = 1e-10
		}
		total += -float32(math.Log(float64(prob)))
	}
	if reductionMean {
		total /= float32(batch)
	}

	out, err := NewTensor([]int{1}, Float32, []float32{total})
	if err != nil {
		return nil, err
	}
	op := &SoftmaxCrossEntropyOp{inputs: []*Tensor{logits, targets}, probs: probs, mean: reductionMean}
	return attach(out, op, logits), nil
}
