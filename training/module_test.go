package training

import (
	"math"
	"testing"

	"github.com/gograd/gograd/layers"
	"github.com/gograd/gograd/tensor"
)

func TestLinear(t *testing.T) {
	t.Run("Forward shape and bias", func(t *testing.T) {
		SetRandomSeed(1)
		layer, err := NewLinear(4, 3, true)
		if err != nil {
			t.Fatalf("NewLinear failed: %v", err)
		}
		input, _ := tensor.NewTensor([]int{2, 4}, tensor.Float32, []float32{
			1, 2, 3, 4,
			5, 6, 7, 8,
		})
		out, err := layer.Forward(input)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if out.Shape[0] != 2 || out.Shape[1] != 3 {
			t.Errorf("Expected shape [2 3], got %v", out.Shape)
		}
		if len(layer.Parameters()) != 2 {
			t.Errorf("Expected 2 parameters, got %d", len(layer.Parameters()))
		}
	})

	t.Run("Known weights", func(t *testing.T) {
		layer, _ := NewLinear(2, 2, true)
		layer.weight.SetData([]float32{1, 2, 3, 4}) // [in=2, out=2]
		layer.bias.SetData([]float32{10, 20})

		input, _ := tensor.NewTensor([]int{1, 2}, tensor.Float32, []float32{1, 1})
		out, err := layer.Forward(input)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		// [1 1] x [[1 2][3 4]] + [10 20] = [14 26]
		expected := []float32{14, 26}
		for i, e := range expected {
			got := out.Data.([]float32)[i]
			if math.Abs(float64(got-e)) > 1e-5 {
				t.Errorf("Element %d: expected %f, got %f", i, e, got)
			}
		}
	})

	t.Run("Flattens higher dimensional input", func(t *testing.T) {
		layer, _ := NewLinear(8, 2, false)
		input, _ := tensor.NewTensor([]int{3, 2, 2, 2}, tensor.Float32, nil)
		out, err := layer.Forward(input)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if out.Shape[0] != 3 || out.Shape[1] != 2 {
			t.Errorf("Expected shape [3 2], got %v", out.Shape)
		}
	})

	t.Run("Size mismatch rejected", func(t *testing.T) {
		layer, _ := NewLinear(4, 2, false)
		input, _ := tensor.NewTensor([]int{1, 5}, tensor.Float32, nil)
		if _, err := layer.Forward(input); err == nil {
			t.Error("Expected error for input size mismatch")
		}
	})
}

func TestDropout(t *testing.T) {
	t.Run("Identity in eval mode", func(t *testing.T) {
		layer, err := NewDropout(0.5)
		if err != nil {
			t.Fatalf("NewDropout failed: %v", err)
		}
		layer.Eval()
		input, _ := tensor.NewTensor([]int{2, 3}, tensor.Float32, []float32{1, 2, 3, 4, 5, 6})
		out, err := layer.Forward(input)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if out != input {
			t.Error("Eval-mode dropout should pass the input through unchanged")
		}
	})

	t.Run("Training mode scales survivors", func(t *testing.T) {
		SetRandomSeed(3)
		layer, _ := NewDropout(0.5)
		input, _ := tensor.NewTensor([]int{1, 1000}, tensor.Float32, nil)
		for i := range input.Data.([]float32) {
			input.Data.([]float32)[i] = 1
		}
		out, err := layer.Forward(input)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		zeros, kept := 0, 0
		for _, v := range out.Data.([]float32) {
			switch {
			case v == 0:
				zeros++
			case math.Abs(float64(v)-2.0) < 1e-5: // scaled by 1/(1-0.5)
				kept++
			default:
				t.Fatalf("Unexpected dropout output value %f", v)
			}
		}
		// Roughly half should survive.
		if zeros < 350 || zeros > 650 {
			t.Errorf("Expected ~500 dropped of 1000, got %d", zeros)
		}
		if zeros+kept != 1000 {
			t.Errorf("Dropped %d + kept %d != 1000", zeros, kept)
		}
	})

	t.Run("Invalid rate rejected", func(t *testing.T) {
		if _, err := NewDropout(1.0); err == nil {
			t.Error("Expected error for rate 1.0")
		}
		if _, err := NewDropout(-0.1); err == nil {
			t.Error("Expected error for negative rate")
		}
	})
}

func TestBatchNormModule(t *testing.T) {
	t.Run("Running statistics updated in training", func(t *testing.T) {
		bn, err := NewBatchNorm(2, 1e-5, 0.5)
		if err != nil {
			t.Fatalf("NewBatchNorm failed: %v", err)
		}
		input, _ := tensor.NewTensor([]int{4, 2}, tensor.Float32, []float32{
			2, 4,
			2, 4,
			2, 4,
			2, 4,
		})
		if _, err := bn.Forward(input); err != nil {
			t.Fatalf("Forward failed: %v", err)
		}

		// running_mean = 0.5*0 + 0.5*batch_mean
		mean, variance := bn.RunningStats()
		if math.Abs(float64(mean.Data.([]float32)[0])-1) > 1e-5 {
			t.Errorf("Expected running mean 1.0, got %f", mean.Data.([]float32)[0])
		}
		if math.Abs(float64(mean.Data.([]float32)[1])-2) > 1e-5 {
			t.Errorf("Expected running mean 2.0, got %f", mean.Data.([]float32)[1])
		}
		// running_var = 0.5*1 + 0.5*0
		if math.Abs(float64(variance.Data.([]float32)[0])-0.5) > 1e-5 {
			t.Errorf("Expected running var 0.5, got %f", variance.Data.([]float32)[0])
		}
	})

	t.Run("Eval mode uses running statistics", func(t *testing.T) {
		bn, _ := NewBatchNorm(1, 0, 0.1)
		bn.Eval()
		// Untouched running stats are mean 0, var 1: output equals input
		// (up to eps).
		input, _ := tensor.NewTensor([]int{2, 1}, tensor.Float32, []float32{3, -3})
		out, err := bn.Forward(input)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		for i, e := range []float32{3, -3} {
			got := out.Data.([]float32)[i]
			if math.Abs(float64(got-e)) > 1e-3 {
				t.Errorf("Element %d: expected %f, got %f", i, e, got)
			}
		}
	})
}

func TestSequential(t *testing.T) {
	t.Run("Chains modules and collects parameters", func(t *testing.T) {
		SetRandomSeed(2)
		l1, _ := NewLinear(4, 8, true)
		l2, _ := NewLinear(8, 2, true)
		model := NewSequential(l1, NewReLU(), l2)

		if got := len(model.Parameters()); got != 4 {
			t.Errorf("Expected 4 parameters, got %d", got)
		}

		input, _ := tensor.NewTensor([]int{5, 4}, tensor.Float32, nil)
		out, err := model.Forward(input)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if out.Shape[0] != 5 || out.Shape[1] != 2 {
			t.Errorf("Expected shape [5 2], got %v", out.Shape)
		}
	})

	t.Run("Train and Eval propagate", func(t *testing.T) {
		d, _ := NewDropout(0.5)
		model := NewSequential(NewReLU(), d)
		model.Eval()
		if d.IsTraining() {
			t.Error("Eval should propagate to children")
		}
		model.Train()
		if !d.IsTraining() {
			t.Error("Train should propagate to children")
		}
	})
}

func TestFromSpec(t *testing.T) {
	SetRandomSeed(11)
	spec, err := layers.NewModelBuilder([]int{2, 3, 8, 8}).
		AddConv2D(4, 3, 1, 1, true, "conv1").
		AddBatchNorm(4, 1e-5, 0.1, "bn1").
		AddReLU("relu1").
		AddMaxPool2D(2, 2, "pool1").
		AddFlatten("flatten").
		AddDense(10, true, "fc").
		Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	model, err := FromSpec(spec)
	if err != nil {
		t.Fatalf("FromSpec failed: %v", err)
	}
	if len(model.Modules()) != len(spec.Layers) {
		t.Fatalf("Expected %d modules, got %d", len(spec.Layers), len(model.Modules()))
	}

	// Parameter shapes must match the compiled spec in order.
	params := model.Parameters()
	if len(params) != len(spec.ParameterShapes) {
		t.Fatalf("Expected %d parameters, got %d", len(spec.ParameterShapes), len(params))
	}
	for i, want := range spec.ParameterShapes {
		got := params[i].Shape
		if len(got) != len(want) {
			t.Fatalf("Parameter %d: shape %v, want %v", i, got, want)
		}
		for d := range want {
			if got[d] != want[d] {
				t.Fatalf("Parameter %d: shape %v, want %v", i, got, want)
			}
		}
	}

	input, _ := tensor.NewTensor([]int{2, 3, 8, 8}, tensor.Float32, nil)
	out, err := model.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if out.Shape[0] != 2 || out.Shape[1] != 10 {
		t.Errorf("Expected output [2 10], got %v", out.Shape)
	}

	t.Run("Uncompiled spec rejected", func(t *testing.T) {
		if _, err := FromSpec(&layers.ModelSpec{}); err == nil {
			t.Error("Expected error for uncompiled spec")
		}
	})
}
