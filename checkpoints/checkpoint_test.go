package checkpoints

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/gograd/gograd/layers"
	"github.com/gograd/gograd/tensor"
	"github.com/gograd/gograd/training"
)

func buildTestModel(t *testing.T) (*training.Sequential, *layers.ModelSpec) {
	t.Helper()
	training.SetRandomSeed(99)
	spec, err := layers.NewModelBuilder([]int{2, 3, 8, 8}).
		AddConv2D(4, 3, 1, 1, true, "conv1").
		AddBatchNorm(4, 1e-5, 0.1, "bn1").
		AddReLU("relu1").
		AddMaxPool2D(2, 2, "pool1").
		AddFlatten("flatten").
		AddDense(6, true, "fc1").
		AddReLU("fc1_relu").
		AddDense(3, true, "output").
		Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	model, err := training.FromSpec(spec)
	if err != nil {
		t.Fatalf("FromSpec failed: %v", err)
	}
	return model, spec
}

func forwardFixed(t *testing.T, model *training.Sequential) []float32 {
	t.Helper()
	model.Eval()
	input, _ := tensor.NewTensor([]int{2, 3, 8, 8}, tensor.Float32, nil)
	data := input.Data.([]float32)
	for i := range data {
		data[i] = float32(i%17) / 17.0
	}
	out, err := model.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	return append([]float32(nil), out.Data.([]float32)...)
}

func TestExtractAndLoadWeights(t *testing.T) {
	model, spec := buildTestModel(t)

	weights, err := ExtractWeights(model, spec)
	if err != nil {
		t.Fatalf("ExtractWeights failed: %v", err)
	}
	// conv1 w+b, bn1 gamma+beta+mean+var, fc1 w+b, output w+b.
	if len(weights) != 10 {
		t.Fatalf("Expected 10 weight tensors, got %d", len(weights))
	}

	// A freshly built model restored from these weights must agree exactly.
	training.SetRandomSeed(1234)
	restored, err := training.FromSpec(spec)
	if err != nil {
		t.Fatalf("FromSpec failed: %v", err)
	}
	if err := LoadWeights(weights, restored, spec); err != nil {
		t.Fatalf("LoadWeights failed: %v", err)
	}

	want := forwardFixed(t, model)
	got := forwardFixed(t, restored)
	for i := range want {
		if math.Abs(float64(want[i]-got[i])) > 1e-6 {
			t.Fatalf("Output %d differs after restore: %f vs %f", i, want[i], got[i])
		}
	}

	t.Run("Missing weight detected", func(t *testing.T) {
		if err := LoadWeights(weights[1:], restored, spec); err == nil {
			t.Error("Expected error for missing weight tensor")
		}
	})
}

func TestJSONCheckpointRoundTrip(t *testing.T) {
	model, spec := buildTestModel(t)
	path := filepath.Join(t.TempDir(), "model.json")

	state := &TrainingState{Epoch: 7, TrainLoss: 0.42, LearningRate: 0.005}
	opt, err := training.NewSGD(model.Parameters(), training.SGDConfig{LearningRate: 0.005, Momentum: 0.9})
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}

	if err := SaveModel(model, spec, path, FormatJSON, state, opt.StateDict()); err != nil {
		t.Fatalf("SaveModel failed: %v", err)
	}

	restored, checkpoint, err := LoadModel(path, FormatJSON)
	if err != nil {
		t.Fatalf("LoadModel failed: %v", err)
	}

	t.Run("Training state survives", func(t *testing.T) {
		if checkpoint.TrainingState == nil || checkpoint.TrainingState.Epoch != 7 {
			t.Errorf("Training state lost: %+v", checkpoint.TrainingState)
		}
		if checkpoint.Metadata.Framework != "gograd" {
			t.Errorf("Metadata not filled: %+v", checkpoint.Metadata)
		}
	})

	t.Run("Optimizer state survives", func(t *testing.T) {
		if checkpoint.OptimizerState == nil {
			t.Fatal("Optimizer state lost")
		}
		opt2, err := training.NewSGD(restored.Parameters(), training.SGDConfig{LearningRate: 0.1, Momentum: 0.9})
		if err != nil {
			t.Fatalf("NewSGD failed: %v", err)
		}
		if err := opt2.LoadStateDict(checkpoint.OptimizerState); err != nil {
			t.Fatalf("LoadStateDict failed: %v", err)
		}
		if opt2.GetLR() != 0.005 {
			t.Errorf("Expected restored lr 0.005, got %g", opt2.GetLR())
		}
	})

	t.Run("Model outputs identical", func(t *testing.T) {
		want := forwardFixed(t, model)
		got := forwardFixed(t, restored)
		for i := range want {
			if math.Abs(float64(want[i]-got[i])) > 1e-5 {
				t.Fatalf("Output %d differs: %f vs %f", i, want[i], got[i])
			}
		}
	})
}

func TestONNXRoundTrip(t *testing.T) {
	model, spec := buildTestModel(t)
	path := filepath.Join(t.TempDir(), "model.onnx")

	if err := SaveModel(model, spec, path, FormatONNX, nil, nil); err != nil {
		t.Fatalf("SaveModel failed: %v", err)
	}

	restored, checkpoint, err := LoadModel(path, FormatONNX)
	if err != nil {
		t.Fatalf("LoadModel failed: %v", err)
	}

	t.Run("Structure recovered", func(t *testing.T) {
		// The test model has no dropout, so every layer round-trips.
		if len(checkpoint.ModelSpec.Layers) != len(spec.Layers) {
			t.Fatalf("Expected %d layers, got %d",
				len(spec.Layers), len(checkpoint.ModelSpec.Layers))
		}
		for i, ls := range checkpoint.ModelSpec.Layers {
			if ls.Type != spec.Layers[i].Type {
				t.Errorf("Layer %d: type %s, want %s", i, ls.Type, spec.Layers[i].Type)
			}
			if ls.Name != spec.Layers[i].Name {
				t.Errorf("Layer %d: name %s, want %s", i, ls.Name, spec.Layers[i].Name)
			}
		}
	})

	t.Run("Outputs identical", func(t *testing.T) {
		want := forwardFixed(t, model)
		got := forwardFixed(t, restored)
		for i := range want {
			if math.Abs(float64(want[i]-got[i])) > 1e-4 {
				t.Fatalf("Output %d differs: %f vs %f", i, want[i], got[i])
			}
		}
	})
}

func TestONNXSkipsDropout(t *testing.T) {
	training.SetRandomSeed(4)
	spec, err := layers.NewModelBuilder([]int{1, 4}).
		AddDense(8, true, "fc1").
		AddReLU("relu1").
		AddDropout(0.5, "drop1").
		AddDense(2, true, "output").
		Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	model, err := training.FromSpec(spec)
	if err != nil {
		t.Fatalf("FromSpec failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "drop.onnx")
	if err := SaveModel(model, spec, path, FormatONNX, nil, nil); err != nil {
		t.Fatalf("SaveModel failed: %v", err)
	}

	_, checkpoint, err := LoadModel(path, FormatONNX)
	if err != nil {
		t.Fatalf("LoadModel failed: %v", err)
	}
	for _, ls := range checkpoint.ModelSpec.Layers {
		if ls.Type == layers.Dropout {
			t.Error("Dropout must not survive ONNX export")
		}
	}
	if len(checkpoint.ModelSpec.Layers) != 3 {
		t.Errorf("Expected 3 layers after export, got %d", len(checkpoint.ModelSpec.Layers))
	}
}

func TestCheckpointFormatString(t *testing.T) {
	if FormatJSON.String() != "json" || FormatONNX.String() != "onnx" {
		t.Error("Format names wrong")
	}
}
