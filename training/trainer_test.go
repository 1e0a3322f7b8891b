package training

import (
	"testing"

	"github.com/gograd/gograd/tensor"
)

// blobDataset yields two linearly separable clusters, one per class.
func blobDataset(t *testing.T, perClass int) *SliceDataset {
	t.Helper()
	n := perClass * 2
	data, _ := tensor.NewTensor([]int{n, 2}, tensor.Float32, nil)
	labels := make([]int32, n)
	d := data.Data.([]float32)
	for i := 0; i < perClass; i++ {
		// Class 0 around (-2, -2), class 1 around (+2, +2), with a small
		// deterministic wobble.
		off := float32(i%5) * 0.1
		d[i*2] = -2 + off
		d[i*2+1] = -2 - off
		labels[i] = 0

		j := perClass + i
		d[j*2] = 2 - off
		d[j*2+1] = 2 + off
		labels[j] = 1
	}
	labelT, _ := tensor.NewTensor([]int{n}, tensor.Int32, labels)
	ds, err := NewSliceDataset(data, labelT)
	if err != nil {
		t.Fatalf("NewSliceDataset failed: %v", err)
	}
	return ds
}

func TestTrainerLearnsSeparableBlobs(t *testing.T) {
	SetRandomSeed(17)

	ds := blobDataset(t, 20)
	trainLoader, err := NewDataLoader(ds, DataLoaderConfig{BatchSize: 8, Shuffle: true, Seed: 17})
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}

	l1, _ := NewLinear(2, 8, true)
	l2, _ := NewLinear(8, 2, true)
	model := NewSequential(l1, NewReLU(), l2)

	opt, err := NewSGD(model.Parameters(), SGDConfig{LearningRate: 0.1, Momentum: 0.9})
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}

	trainer := NewTrainer(model, opt, NewCrossEntropyLoss(), TrainingConfig{
		Epochs: 20,
	})
	if err := trainer.Train(trainLoader, nil); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	metrics := trainer.GetMetrics()
	if len(metrics) != 20 {
		t.Fatalf("Expected 20 epochs of metrics, got %d", len(metrics))
	}
	first, last := metrics[0], metrics[len(metrics)-1]
	if last.TrainLoss >= first.TrainLoss {
		t.Errorf("Loss did not decrease: %.4f -> %.4f", first.TrainLoss, last.TrainLoss)
	}

	evalLoader, _ := NewDataLoader(ds, DataLoaderConfig{BatchSize: 8})
	_, acc, err := trainer.Evaluate(evalLoader)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if acc < 95 {
		t.Errorf("Expected near-perfect accuracy on separable blobs, got %.2f%%", acc)
	}
}

func TestTrainerEarlyStopping(t *testing.T) {
	SetRandomSeed(23)

	ds := blobDataset(t, 10)
	trainLoader, _ := NewDataLoader(ds, DataLoaderConfig{BatchSize: 5})
	validLoader, _ := NewDataLoader(ds, DataLoaderConfig{BatchSize: 5})

	l, _ := NewLinear(2, 2, true)
	model := NewSequential(l)
	// A zero-ish learning rate keeps validation loss flat, so patience
	// should run out well before the epoch limit.
	opt, _ := NewSGD(model.Parameters(), SGDConfig{LearningRate: 1e-12})

	trainer := NewTrainer(model, opt, NewCrossEntropyLoss(), TrainingConfig{
		Epochs:        50,
		EarlyStopping: true,
		Patience:      3,
	})
	if err := trainer.Train(trainLoader, validLoader); err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if got := len(trainer.GetMetrics()); got >= 50 {
		t.Errorf("Early stopping never fired: ran %d epochs", got)
	}
}

func TestTrainerSamplePredictions(t *testing.T) {
	SetRandomSeed(31)

	ds := blobDataset(t, 10)
	trainLoader, _ := NewDataLoader(ds, DataLoaderConfig{BatchSize: 5, Shuffle: true, Seed: 31})

	l1, _ := NewLinear(2, 8, true)
	l2, _ := NewLinear(8, 2, true)
	model := NewSequential(l1, NewReLU(), l2)
	opt, _ := NewSGD(model.Parameters(), SGDConfig{LearningRate: 0.1, Momentum: 0.9})
	trainer := NewTrainer(model, opt, NewCrossEntropyLoss(), TrainingConfig{Epochs: 15})
	if err := trainer.Train(trainLoader, nil); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	samples, err := trainer.SamplePredictions(ds, 4, []string{"low", "high"})
	if err != nil {
		t.Fatalf("SamplePredictions failed: %v", err)
	}
	if len(samples) != 4 {
		t.Fatalf("Expected 4 samples, got %d", len(samples))
	}

	for i, s := range samples {
		if s.Index != i*5 {
			t.Errorf("Sample %d: expected evenly spaced index %d, got %d", i, i*5, s.Index)
		}
		if len(s.Probabilities) != 2 {
			t.Fatalf("Sample %d: expected 2 class probabilities, got %d", i, len(s.Probabilities))
		}
		sum := s.Probabilities[0] + s.Probabilities[1]
		if sum < 0.999 || sum > 1.001 {
			t.Errorf("Sample %d: probabilities sum to %f", i, sum)
		}
		// The predicted class must carry the highest probability.
		argmax := 0
		if s.Probabilities[1] > s.Probabilities[0] {
			argmax = 1
		}
		if s.Predicted != argmax {
			t.Errorf("Sample %d: predicted %d but argmax is %d", i, s.Predicted, argmax)
		}
		wantName := []string{"low", "high"}[s.Actual]
		if s.ActualName != wantName {
			t.Errorf("Sample %d: actual name %q, want %q", i, s.ActualName, wantName)
		}
	}

	// The blobs are separable, so a trained model should get them right.
	correct := 0
	for _, s := range samples {
		if s.Predicted == s.Actual {
			correct++
		}
	}
	if correct < 3 {
		t.Errorf("Only %d/4 sampled predictions correct", correct)
	}

	if !model.IsTraining() {
		t.Error("Model should be back in training mode after SamplePredictions")
	}

	if _, err := trainer.SamplePredictions(ds, 0, nil); err == nil {
		t.Error("Expected error for non-positive sample count")
	}
}

func TestTrainerPredict(t *testing.T) {
	SetRandomSeed(5)
	l, _ := NewLinear(3, 2, true)
	d, _ := NewDropout(0.9)
	model := NewSequential(l, d)
	opt, _ := NewSGD(model.Parameters(), SGDConfig{LearningRate: 0.1})
	trainer := NewTrainer(model, opt, NewCrossEntropyLoss(), TrainingConfig{Epochs: 1})

	input, _ := tensor.NewTensor([]int{4, 3}, tensor.Float32, nil)
	out, err := trainer.Predict(input)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if out.Shape[0] != 4 || out.Shape[1] != 2 {
		t.Errorf("Expected output [4 2], got %v", out.Shape)
	}
	// Predict must run in eval mode and restore training mode after.
	if !model.IsTraining() {
		t.Error("Model should be back in training mode after Predict")
	}

	out2, _ := trainer.Predict(input)
	for i, v := range out.Data.([]float32) {
		if out2.Data.([]float32)[i] != v {
			t.Fatal("Predict is not deterministic; dropout was likely active")
		}
	}
}
