package training

import (
	"math"
	"testing"

	"github.com/gograd/gograd/tensor"
)

func TestCrossEntropyLoss(t *testing.T) {
	t.Run("Uniform logits give log of class count", func(t *testing.T) {
		logits, _ := tensor.NewTensor([]int{2, 10}, tensor.Float32, nil)
		logits.SetRequiresGrad(true)
		targets, _ := tensor.NewTensor([]int{2}, tensor.Int32, []int32{3, 7})

		ce := NewCrossEntropyLoss()
		loss, err := ce.Forward(logits, targets)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		got, _ := loss.ItemFloat()
		if math.Abs(got-math.Log(10)) > 1e-5 {
			t.Errorf("Expected ln(10)=%.6f, got %.6f", math.Log(10), got)
		}
	})

	t.Run("Confident correct prediction has low loss", func(t *testing.T) {
		logits, _ := tensor.NewTensor([]int{1, 3}, tensor.Float32, []float32{10, 0, 0})
		targets, _ := tensor.NewTensor([]int{1}, tensor.Int32, []int32{0})

		ce := NewCrossEntropyLoss()
		loss, err := ce.Forward(logits, targets)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		got, _ := loss.ItemFloat()
		if got > 0.001 {
			t.Errorf("Expected near-zero loss, got %f", got)
		}
	})

	t.Run("Backward reaches the logits", func(t *testing.T) {
		logits, _ := tensor.NewTensor([]int{2, 3}, tensor.Float32, []float32{1, 2, 3, 3, 2, 1})
		logits.SetRequiresGrad(true)
		targets, _ := tensor.NewTensor([]int{2}, tensor.Int32, []int32{2, 0})

		ce := NewCrossEntropyLoss()
		loss, err := ce.Forward(logits, targets)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if err := loss.Backward(); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
		grad := logits.Grad()
		if grad == nil {
			t.Fatal("Logits received no gradient")
		}
		// Each row's gradient sums to zero (softmax minus one-hot).
		data := grad.Data.([]float32)
		for r := 0; r < 2; r++ {
			sum := 0.0
			for c := 0; c < 3; c++ {
				sum += float64(data[r*3+c])
			}
			if math.Abs(sum) > 1e-5 {
				t.Errorf("Row %d gradient sums to %f, expected 0", r, sum)
			}
		}
	})

	t.Run("Rejects float targets", func(t *testing.T) {
		logits, _ := tensor.NewTensor([]int{1, 3}, tensor.Float32, nil)
		targets, _ := tensor.NewTensor([]int{1}, tensor.Float32, []float32{1})
		ce := NewCrossEntropyLoss()
		if _, err := ce.Forward(logits, targets); err == nil {
			t.Error("Expected error for Float32 targets")
		}
	})

	t.Run("Rejects batch mismatch", func(t *testing.T) {
		logits, _ := tensor.NewTensor([]int{2, 3}, tensor.Float32, nil)
		targets, _ := tensor.NewTensor([]int{3}, tensor.Int32, []int32{0, 1, 2})
		ce := NewCrossEntropyLoss()
		if _, err := ce.Forward(logits, targets); err == nil {
			t.Error("Expected error for batch size mismatch")
		}
	})
}

func TestMSELoss(t *testing.T) {
	t.Run("Known value", func(t *testing.T) {
		pred, _ := tensor.NewTensor([]int{2, 2}, tensor.Float32, []float32{1, 2, 3, 4})
		pred.SetRequiresGrad(true)
		target, _ := tensor.NewTensor([]int{2, 2}, tensor.Float32, []float32{1.5, 2.5, 2.5, 3.5})

		mse := NewMSELoss()
		loss, err := mse.Forward(pred, target)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		// Each squared difference is 0.25, mean is 0.25.
		got, _ := loss.ItemFloat()
		if math.Abs(got-0.25) > 1e-6 {
			t.Errorf("Expected 0.25, got %f", got)
		}
	})

	t.Run("Gradient", func(t *testing.T) {
		pred, _ := tensor.NewTensor([]int{1, 2}, tensor.Float32, []float32{1, 2})
		pred.SetRequiresGrad(true)
		target, _ := tensor.NewTensor([]int{1, 2}, tensor.Float32, []float32{1.5, 1.5})

		mse := NewMSELoss()
		loss, err := mse.Forward(pred, target)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if err := loss.Backward(); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
		// d(mean((p-t)^2))/dp = 2(p-t)/N = [-0.5, 0.5]
		expected := []float32{-0.5, 0.5}
		for i, e := range expected {
			got := pred.Grad().Data.([]float32)[i]
			if math.Abs(float64(got-e)) > 1e-5 {
				t.Errorf("Element %d: expected %f, got %f", i, e, got)
			}
		}
	})
}
