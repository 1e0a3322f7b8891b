package tensor

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/diff/fd"
)

func requireGradTensor(t *testing.T, shape []int, data []float32) *Tensor {
	t.Helper()
	tn, err := NewTensor(shape, Float32, data)
	if err != nil {
		t.Fatalf("Failed to create tensor: %v", err)
	}
	tn.SetRequiresGrad(true)
	return tn
}

func TestBackwardRequiresScalar(t *testing.T) {
	a := requireGradTensor(t, []int{2}, []float32{1, 2})
	out, err := AddAutograd(a, a)
	if err != nil {
		t.Fatalf("AddAutograd failed: %v", err)
	}
	if err := out.Backward(); err == nil {
		t.Error("Expected error calling Backward on non-scalar tensor")
	}
}

func TestAddBackward(t *testing.T) {
	a := requireGradTensor(t, []int{2, 2}, []float32{1, 2, 3, 4})
	b := requireGradTensor(t, []int{2, 2}, []float32{5, 6, 7, 8})

	sum, err := AddAutograd(a, b)
	if err != nil {
		t.Fatalf("AddAutograd failed: %v", err)
	}
	loss, err := MeanAutograd(sum)
	if err != nil {
		t.Fatalf("MeanAutograd failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// d(mean(a+b))/da = 1/4 everywhere
	for i, g := range a.Grad().Data.([]float32) {
		if math.Abs(float64(g)-0.25) > 1e-6 {
			t.Errorf("a grad element %d: expected 0.25, got %f", i, g)
		}
	}
	for i, g := range b.Grad().Data.([]float32) {
		if math.Abs(float64(g)-0.25) > 1e-6 {
			t.Errorf("b grad element %d: expected 0.25, got %f", i, g)
		}
	}
}

func TestBroadcastBiasGradient(t *testing.T) {
	x := requireGradTensor(t, []int{3, 2}, []float32{1, 2, 3, 4, 5, 6})
	bias := requireGradTensor(t, []int{2}, []float32{0.5, -0.5})

	out, err := AddAutograd(x, bias)
	if err != nil {
		t.Fatalf("AddAutograd failed: %v", err)
	}
	loss, err := MeanAutograd(out)
	if err != nil {
		t.Fatalf("MeanAutograd failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// The bias gradient reduces over the batch: each of the 2 columns
	// receives 3 contributions of 1/6.
	grad := bias.Grad()
	if len(grad.Shape) != 1 || grad.Shape[0] != 2 {
		t.Fatalf("Expected bias grad shape [2], got %v", grad.Shape)
	}
	for i, g := range grad.Data.([]float32) {
		if math.Abs(float64(g)-0.5) > 1e-6 {
			t.Errorf("bias grad element %d: expected 0.5, got %f", i, g)
		}
	}
}

func TestMulBackward(t *testing.T) {
	a := requireGradTensor(t, []int{3}, []float32{2, 3, 4})
	b := requireGradTensor(t, []int{3}, []float32{5, 6, 7})

	prod, err := MulAutograd(a, b)
	if err != nil {
		t.Fatalf("MulAutograd failed: %v", err)
	}
	loss, err := MeanAutograd(prod)
	if err != nil {
		t.Fatalf("MeanAutograd failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// d(mean(a*b))/da = b/3
	expectedA := []float32{5.0 / 3, 2, 7.0 / 3}
	for i, e := range expectedA {
		got := a.Grad().Data.([]float32)[i]
		if math.Abs(float64(got-e)) > 1e-5 {
			t.Errorf("a grad element %d: expected %f, got %f", i, e, got)
		}
	}
}

func TestReLUBackward(t *testing.T) {
	x := requireGradTensor(t, []int{4}, []float32{-1, 0, 2, -3})
	out, err := ReLUAutograd(x)
	if err != nil {
		t.Fatalf("ReLUAutograd failed: %v", err)
	}
	loss, err := MeanAutograd(out)
	if err != nil {
		t.Fatalf("MeanAutograd failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// Gradient flows only where input > 0.
	expected := []float32{0, 0, 0.25, 0}
	for i, e := range expected {
		got := x.Grad().Data.([]float32)[i]
		if math.Abs(float64(got-e)) > 1e-6 {
			t.Errorf("Element %d: expected %f, got %f", i, e, got)
		}
	}
}

func TestGradAccumulation(t *testing.T) {
	x := requireGradTensor(t, []int{2}, []float32{1, 2})

	for pass := 0; pass < 2; pass++ {
		out, err := MulAutograd(x, x)
		if err != nil {
			t.Fatalf("MulAutograd failed: %v", err)
		}
		loss, err := MeanAutograd(out)
		if err != nil {
			t.Fatalf("MeanAutograd failed: %v", err)
		}
		if err := loss.Backward(); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
	}

	// d(mean(x^2))/dx = x, accumulated over two passes = 2x
	expected := []float32{2, 4}
	for i, e := range expected {
		got := x.Grad().Data.([]float32)[i]
		if math.Abs(float64(got-e)) > 1e-5 {
			t.Errorf("Element %d: expected %f, got %f", i, e, got)
		}
	}

	x.ZeroGrad()
	if x.Grad() != nil {
		t.Error("Expected nil grad after ZeroGrad")
	}
}

func TestSoftmaxCrossEntropy(t *testing.T) {
	t.Run("Known loss value", func(t *testing.T) {
		// Uniform logits over 4 classes: loss is ln(4) regardless of target.
		logits := requireGradTensor(t, []int{1, 4}, []float32{0, 0, 0, 0})
		targets, _ := NewTensor([]int{1}, Int32, []int32{2})

		loss, err := SoftmaxCrossEntropyAutograd(logits, targets, true)
		if err != nil {
			t.Fatalf("SoftmaxCrossEntropyAutograd failed: %v", err)
		}
		got, _ := loss.ItemFloat()
		if math.Abs(got-math.Log(4)) > 1e-5 {
			t.Errorf("Expected ln(4)=%.6f, got %.6f", math.Log(4), got)
		}
	})

	t.Run("Gradient is probs minus one-hot", func(t *testing.T) {
		logits := requireGradTensor(t, []int{2, 3}, []float32{1, 2, 3, 0.5, 0.5, 0.5})
		targets, _ := NewTensor([]int{2}, Int32, []int32{0, 1})

		loss, err := SoftmaxCrossEntropyAutograd(logits, targets, true)
		if err != nil {
			t.Fatalf("SoftmaxCrossEntropyAutograd failed: %v", err)
		}
		if err := loss.Backward(); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}

		probs, _ := Softmax(logits.Detach())
		probData := probs.Data.([]float32)
		grad := logits.Grad().Data.([]float32)
		for b := 0; b < 2; b++ {
			for c := 0; c < 3; c++ {
				expected := probData[b*3+c]
				if (b == 0 && c == 0) || (b == 1 && c == 1) {
					expected -= 1
				}
				expected /= 2 // mean reduction
				got := grad[b*3+c]
				if math.Abs(float64(got-expected)) > 1e-5 {
					t.Errorf("Grad[%d][%d]: expected %f, got %f", b, c, expected, got)
				}
			}
		}
	})

	t.Run("Target grad is nil", func(t *testing.T) {
		logits := requireGradTensor(t, []int{1, 2}, []float32{1, -1})
		targets, _ := NewTensor([]int{1}, Int32, []int32{0})
		loss, _ := SoftmaxCrossEntropyAutograd(logits, targets, true)
		if err := loss.Backward(); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
		if targets.Grad() != nil {
			t.Error("Integer targets must not receive gradients")
		}
	})
}

// TestMatMulGradientNumeric checks the analytic MatMul gradient against
// central finite differences.
func TestMatMulGradientNumeric(t *testing.T) {
	aData := []float32{0.5, -1.2, 0.3, 2.0, -0.7, 1.1}
	bData := []float32{1.5, -0.4, 0.9, 0.2, -1.3, 0.8}

	a := requireGradTensor(t, []int{2, 3}, append([]float32(nil), aData...))
	b := requireGradTensor(t, []int{3, 2}, append([]float32(nil), bData...))

	out, err := MatMulAutograd(a, b)
	if err != nil {
		t.Fatalf("MatMulAutograd failed: %v", err)
	}
	loss, err := MeanAutograd(out)
	if err != nil {
		t.Fatalf("MeanAutograd failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	lossAt := func(x []float64) float64 {
		af := make([]float32, 6)
		for i := range af {
			af[i] = float32(x[i])
		}
		at, _ := NewTensor([]int{2, 3}, Float32, af)
		bt, _ := NewTensor([]int{3, 2}, Float32, append([]float32(nil), bData...))
		prod, _ := MatMul(at, bt)
		sum := 0.0
		for _, v := range prod.Data.([]float32) {
			sum += float64(v)
		}
		return sum / 4
	}

	x := make([]float64, 6)
	for i, v := range aData {
		x[i] = float64(v)
	}
	// The loss rounds through float32, so use a step large enough to
	// survive float32 rounding; the loss is linear in each element, so a
	// large central-difference step introduces no truncation error.
	numeric := fd.Gradient(nil, lossAt, x, &fd.Settings{Formula: fd.Central, Step: 1e-2})

	analytic := a.Grad().Data.([]float32)
	for i := range numeric {
		if math.Abs(float64(analytic[i])-numeric[i]) > 1e-3 {
			t.Errorf("Element %d: analytic %f, numeric %f", i, analytic[i], numeric[i])
		}
	}
}
