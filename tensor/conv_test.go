package tensor

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/diff/fd"
)

func TestConvOutputSize(t *testing.T) {
	cases := []struct {
		in, k, stride, padding, want int
	}{
		{32, 3, 1, 1, 32}, // same-padding 3x3
		{32, 2, 2, 0, 16}, // pool-style halving
		{5, 3, 1, 0, 3},
		{7, 3, 2, 1, 4},
	}
	for _, c := range cases {
		if got := convOutputSize(c.in, c.k, c.stride, c.padding); got != c.want {
			t.Errorf("convOutputSize(%d, %d, %d, %d) = %d, want %d",
				c.in, c.k, c.stride, c.padding, got, c.want)
		}
	}
}

func TestConv2DForward(t *testing.T) {
	t.Run("Identity kernel", func(t *testing.T) {
		// A 1x1 kernel with weight 1 copies the input.
		input, _ := NewTensor([]int{1, 1, 2, 2}, Float32, []float32{1, 2, 3, 4})
		weight, _ := NewTensor([]int{1, 1, 1, 1}, Float32, []float32{1})

		out, err := Conv2D(input, weight, nil, 1, 0)
		if err != nil {
			t.Fatalf("Conv2D failed: %v", err)
		}
		for i, e := range []float32{1, 2, 3, 4} {
			if out.Data.([]float32)[i] != e {
				t.Errorf("Element %d: expected %f, got %f", i, e, out.Data.([]float32)[i])
			}
		}
	})

	t.Run("3x3 sum kernel with padding", func(t *testing.T) {
		// All-ones 3x3 kernel over an all-ones 3x3 input with padding 1.
		// Corners see 4 values, edges 6, the center 9.
		input, _ := NewTensor([]int{1, 1, 3, 3}, Float32, []float32{1, 1, 1, 1, 1, 1, 1, 1, 1})
		weight, _ := NewTensor([]int{1, 1, 3, 3}, Float32, []float32{1, 1, 1, 1, 1, 1, 1, 1, 1})

		out, err := Conv2D(input, weight, nil, 1, 1)
		if err != nil {
			t.Fatalf("Conv2D failed: %v", err)
		}
		expected := []float32{4, 6, 4, 6, 9, 6, 4, 6, 4}
		for i, e := range expected {
			if math.Abs(float64(out.Data.([]float32)[i]-e)) > 1e-5 {
				t.Errorf("Element %d: expected %f, got %f", i, e, out.Data.([]float32)[i])
			}
		}
	})

	t.Run("Bias added per filter", func(t *testing.T) {
		input, _ := NewTensor([]int{1, 1, 2, 2}, Float32, []float32{0, 0, 0, 0})
		weight, _ := NewTensor([]int{2, 1, 1, 1}, Float32, []float32{1, 1})
		bias, _ := NewTensor([]int{2}, Float32, []float32{0.5, -1.5})

		out, err := Conv2D(input, weight, bias, 1, 0)
		if err != nil {
			t.Fatalf("Conv2D failed: %v", err)
		}
		if out.Shape[1] != 2 {
			t.Fatalf("Expected 2 output channels, got %d", out.Shape[1])
		}
		data := out.Data.([]float32)
		for i := 0; i < 4; i++ {
			if data[i] != 0.5 {
				t.Errorf("Channel 0 element %d: expected 0.5, got %f", i, data[i])
			}
			if data[4+i] != -1.5 {
				t.Errorf("Channel 1 element %d: expected -1.5, got %f", i, data[4+i])
			}
		}
	})

	t.Run("Channel mismatch rejected", func(t *testing.T) {
		input, _ := NewTensor([]int{1, 3, 4, 4}, Float32, nil)
		weight, _ := NewTensor([]int{2, 1, 3, 3}, Float32, nil)
		if _, err := Conv2D(input, weight, nil, 1, 0); err == nil {
			t.Error("Expected error for channel mismatch")
		}
	})
}

// TestConv2DGradientNumeric checks conv input and weight gradients against
// central finite differences on a small problem.
func TestConv2DGradientNumeric(t *testing.T) {
	inputData := []float32{
		0.1, -0.2, 0.3, 0.4,
		-0.5, 0.6, -0.7, 0.8,
		0.9, -1.0, 1.1, -1.2,
		1.3, -1.4, 1.5, -1.6,
	}
	weightData := []float32{0.2, -0.1, 0.4, 0.3, -0.2, 0.1, 0.5, -0.3, 0.2}

	lossFor := func(in, w []float32) float64 {
		input, _ := NewTensor([]int{1, 1, 4, 4}, Float32, append([]float32(nil), in...))
		weight, _ := NewTensor([]int{1, 1, 3, 3}, Float32, append([]float32(nil), w...))
		out, _ := Conv2D(input, weight, nil, 1, 1)
		sum := 0.0
		for _, v := range out.Data.([]float32) {
			sum += float64(v)
		}
		return sum / float64(out.NumElems)
	}

	input := requireGradTensor(t, []int{1, 1, 4, 4}, append([]float32(nil), inputData...))
	weight := requireGradTensor(t, []int{1, 1, 3, 3}, append([]float32(nil), weightData...))

	out, err := Conv2DAutograd(input, weight, nil, 1, 1)
	if err != nil {
		t.Fatalf("Conv2DAutograd failed: %v", err)
	}
	loss, err := MeanAutograd(out)
	if err != nil {
		t.Fatalf("MeanAutograd failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	t.Run("Input gradient", func(t *testing.T) {
		x := make([]float64, len(inputData))
		for i, v := range inputData {
			x[i] = float64(v)
		}
		numeric := fd.Gradient(nil, func(x []float64) float64 {
			in := make([]float32, len(x))
			for i := range x {
				in[i] = float32(x[i])
			}
			return lossFor(in, weightData)
		}, x, &fd.Settings{Formula: fd.Central, Step: 1e-2})

		analytic := input.Grad().Data.([]float32)
		for i := range numeric {
			if math.Abs(float64(analytic[i])-numeric[i]) > 1e-3 {
				t.Errorf("Element %d: analytic %f, numeric %f", i, analytic[i], numeric[i])
			}
		}
	})

	t.Run("Weight gradient", func(t *testing.T) {
		x := make([]float64, len(weightData))
		for i, v := range weightData {
			x[i] = float64(v)
		}
		numeric := fd.Gradient(nil, func(x []float64) float64 {
			w := make([]float32, len(x))
			for i := range x {
				w[i] = float32(x[i])
			}
			return lossFor(inputData, w)
		}, x, &fd.Settings{Formula: fd.Central, Step: 1e-2})

		analytic := weight.Grad().Data.([]float32)
		for i := range numeric {
			if math.Abs(float64(analytic[i])-numeric[i]) > 1e-3 {
				t.Errorf("Element %d: analytic %f, numeric %f", i, analytic[i], numeric[i])
			}
		}
	})
}

func TestMaxPool2D(t *testing.T) {
	t.Run("Forward picks maxima", func(t *testing.T) {
		input, _ := NewTensor([]int{1, 1, 4, 4}, Float32, []float32{
			1, 2, 5, 6,
			3, 4, 7, 8,
			-1, -2, 0, 1,
			-3, -4, 2, 3,
		})
		out, err := MaxPool2D(input, 2, 2, 0)
		if err != nil {
			t.Fatalf("MaxPool2D failed: %v", err)
		}
		expected := []float32{4, 8, -1, 3}
		for i, e := range expected {
			if out.Data.([]float32)[i] != e {
				t.Errorf("Element %d: expected %f, got %f", i, e, out.Data.([]float32)[i])
			}
		}
	})

	t.Run("Backward routes gradient to argmax", func(t *testing.T) {
		input := requireGradTensor(t, []int{1, 1, 2, 2}, []float32{1, 4, 2, 3})
		out, err := MaxPool2DAutograd(input, 2, 2, 0)
		if err != nil {
			t.Fatalf("MaxPool2DAutograd failed: %v", err)
		}
		loss, err := MeanAutograd(out)
		if err != nil {
			t.Fatalf("MeanAutograd failed: %v", err)
		}
		if err := loss.Backward(); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}

		// Only the max element (value 4) receives gradient.
		expected := []float32{0, 1, 0, 0}
		for i, e := range expected {
			got := input.Grad().Data.([]float32)[i]
			if math.Abs(float64(got-e)) > 1e-6 {
				t.Errorf("Element %d: expected %f, got %f", i, e, got)
			}
		}
	})

	t.Run("Halves spatial dimensions", func(t *testing.T) {
		input, _ := NewTensor([]int{2, 3, 8, 8}, Float32, nil)
		out, err := MaxPool2D(input, 2, 2, 0)
		if err != nil {
			t.Fatalf("MaxPool2D failed: %v", err)
		}
		want := []int{2, 3, 4, 4}
		for i, d := range want {
			if out.Shape[i] != d {
				t.Fatalf("Expected shape %v, got %v", want, out.Shape)
			}
		}
	})
}
