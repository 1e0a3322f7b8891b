package training

import (
	"fmt"
	"time"

	"github.com/gograd/gograd/tensor"
)

// TrainingConfig controls the training loop.
type TrainingConfig struct {
	Epochs        int
	PrintEvery    int // batch progress interval; 0 disables batch output
	ValidateEvery int // epochs between validation passes; 0 means every epoch
	EarlyStopping bool
	Patience      int
	Scheduler     LRScheduler
	Logger        *RunLogger
}

// TrainingMetrics captures one epoch's results.
type TrainingMetrics struct {
	Epoch         int
	TrainLoss     float64
	TrainAccuracy float64
	ValidLoss     float64
	ValidAccuracy float64
	HasValidation bool
	LearningRate  float64
	EpochDuration time.Duration
	BatchCount    int
}

// Trainer drives the train/validate loop for a model.
type Trainer struct {
	model     Module
	optimizer Optimizer
	criterion Loss
	config    TrainingConfig
	metrics   []TrainingMetrics

	bestValidLoss float64
	patienceCount int
}

// NewTrainer creates a trainer over the model, optimizer, and loss.
func NewTrainer(model Module, optimizer Optimizer, criterion Loss, config TrainingConfig) *Trainer {
	if config.Scheduler == nil {
		config.Scheduler = &NoOpScheduler{}
	}
	if config.ValidateEvery <= 0 {
		config.ValidateEvery = 1
	}
	return &Trainer{
		model:         model,
		optimizer:     optimizer,
		criterion:     criterion,
		config:        config,
		bestValidLoss: -1,
	}
}

// Train runs the configured number of epochs. validLoader may be nil to
// skip validation.
func (t *Trainer) Train(trainLoader, validLoader *DataLoader) error {
	fmt.Printf("Starting training for %d epochs (%s loss, lr=%g)\n",
		t.config.Epochs, t.criterion.Name(), t.optimizer.GetLR())

	for epoch := 0; epoch < t.config.Epochs; epoch++ {
		start := time.Now()

		trainLoss, trainAcc, batches, err := t.trainEpoch(trainLoader, epoch)
		if err != nil {
			return fmt.Errorf("epoch %d training failed: %v", epoch+1, err)
		}

		metrics := TrainingMetrics{
			Epoch:         epoch,
			TrainLoss:     trainLoss,
			TrainAccuracy: trainAcc,
			LearningRate:  t.optimizer.GetLR(),
			BatchCount:    batches,
		}

		if validLoader != nil && (epoch+1)%t.config.ValidateEvery == 0 {
			validLoss, validAcc, err := t.Evaluate(validLoader)
			if err != nil {
				return fmt.Errorf("epoch %d validation failed: %v", epoch+1, err)
			}
			metrics.ValidLoss = validLoss
			metrics.ValidAccuracy = validAcc
			metrics.HasValidation = true
		}

		metrics.EpochDuration = time.Since(start)
		t.metrics = append(t.metrics, metrics)
		t.printEpochSummary(metrics)

		if t.config.Logger != nil {
			t.config.Logger.Log(EpochRecord{
				Epoch:        epoch + 1,
				TrainLoss:    metrics.TrainLoss,
				TrainAcc:     metrics.TrainAccuracy,
				ValLoss:      metrics.ValidLoss,
				ValAcc:       metrics.ValidAccuracy,
				LearningRate: metrics.LearningRate,
				DurationSec:  metrics.EpochDuration.Seconds(),
			})
		}

		schedulerMetric := metrics.TrainLoss
		if metrics.HasValidation {
			schedulerMetric = metrics.ValidLoss
		}
		newLR := t.config.Scheduler.Step(schedulerMetric, t.optimizer.GetLR())
		if newLR != t.optimizer.GetLR() {
			fmt.Printf("Learning rate adjusted: %g -> %g\n", t.optimizer.GetLR(), newLR)
			t.optimizer.SetLR(newLR)
		}

		if t.config.EarlyStopping && metrics.HasValidation {
			if t.bestValidLoss < 0 || metrics.ValidLoss < t.bestValidLoss {
				t.bestValidLoss = metrics.ValidLoss
				t.patienceCount = 0
			} else {
				t.patienceCount++
				if t.patienceCount >= t.config.Patience {
					fmt.Printf("Early stopping triggered after %d epochs\n", epoch+1)
					return nil
				}
			}
		}
	}
	return nil
}

// trainEpoch runs one pass over the training data in training mode.
func (t *Trainer) trainEpoch(trainLoader *DataLoader, epoch int) (float64, float64, int, error) {
	t.model.Train()

	totalLoss := 0.0
	correct, seen, batchCount := 0, 0, 0
	batchStart := time.Now()

	for result := range trainLoader.Iterator() {
		if result.Err != nil {
			return 0, 0, 0, result.Err
		}
		batch := result.Batch

		t.optimizer.ZeroGrad()

		output, err := t.model.Forward(batch.Data)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("forward pass failed: %v", err)
		}
		loss, err := t.criterion.Forward(output, batch.Labels)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("loss computation failed: %v", err)
		}
		if err := loss.Backward(); err != nil {
			return 0, 0, 0, fmt.Errorf("backward pass failed: %v", err)
		}
		if err := t.optimizer.Step(); err != nil {
			return 0, 0, 0, fmt.Errorf("optimizer step failed: %v", err)
		}

		lossValue, err := loss.ItemFloat()
		if err != nil {
			return 0, 0, 0, err
		}
		totalLoss += lossValue
		batchCorrect, err := t.calculateCorrect(output, batch.Labels)
		if err != nil {
			return 0, 0, 0, err
		}
		correct += batchCorrect
		seen += batch.Size
		batchCount++

		if t.config.PrintEvery > 0 && batchCount%t.config.PrintEvery == 0 {
			fmt.Printf("Epoch %d, Batch %d/%d: Loss=%.4f, Acc=%.2f%%, Time=%v\n",
				epoch+1, batchCount, trainLoader.NumBatches(), lossValue,
				100*float64(correct)/float64(seen), time.Since(batchStart).Round(time.Millisecond))
			batchStart = time.Now()
			if t.config.Logger != nil {
				t.config.Logger.LogStep(StepRecord{
					Epoch:        epoch + 1,
					Step:         batchCount,
					Loss:         lossValue,
					Accuracy:     100 * float64(correct) / float64(seen),
					LearningRate: t.optimizer.GetLR(),
				})
			}
		}
	}

	if batchCount == 0 {
		return 0, 0, 0, fmt.Errorf("training loader produced no batches")
	}
	return totalLoss / float64(batchCount), 100 * float64(correct) / float64(seen), batchCount, nil
}

// Evaluate runs the model over a loader in evaluation mode and returns the
// average loss and accuracy percentage.
func (t *Trainer) Evaluate(loader *DataLoader) (float64, float64, error) {
	t.model.Eval()
	defer t.model.Train()

	totalLoss := 0.0
	correct, seen, batchCount := 0, 0, 0

	for result := range loader.Iterator() {
		if result.Err != nil {
			return 0, 0, result.Err
		}
		batch := result.Batch

		output, err := t.model.Forward(batch.Data.Detach())
		if err != nil {
			return 0, 0, fmt.Errorf("forward pass failed: %v", err)
		}
		loss, err := t.criterion.Forward(output, batch.Labels)
		if err != nil {
			return 0, 0, fmt.Errorf("loss computation failed: %v", err)
		}
		lossValue, err := loss.ItemFloat()
		if err != nil {
			return 0, 0, err
		}
		totalLoss += lossValue

		batchCorrect, err := t.calculateCorrect(output, batch.Labels)
		if err != nil {
			return 0, 0, err
		}
		correct += batchCorrect
		seen += batch.Size
		batchCount++
	}

	if batchCount == 0 {
		return 0, 0, fmt.Errorf("loader produced no batches")
	}
	return totalLoss / float64(batchCount), 100 * float64(correct) / float64(seen), nil
}

// EvaluateWithConfusion evaluates the model and fills a confusion matrix.
func (t *Trainer) EvaluateWithConfusion(loader *DataLoader, cm *ConfusionMatrix) (float64, float64, error) {
	t.model.Eval()
	defer t.model.Train()

	totalLoss := 0.0
	correct, seen, batchCount := 0, 0, 0

	for result := range loader.Iterator() {
		if result.Err != nil {
			return 0, 0, result.Err
		}
		batch := result.Batch

		output, err := t.model.Forward(batch.Data)
		if err != nil {
			return 0, 0, err
		}
		loss, err := t.criterion.Forward(output, batch.Labels)
		if err != nil {
			return 0, 0, err
		}
		lossValue, err := loss.ItemFloat()
		if err != nil {
			return 0, 0, err
		}
		totalLoss += lossValue

		if err := cm.Update(output, batch.Labels); err != nil {
			return 0, 0, err
		}
		batchCorrect, err := t.calculateCorrect(output, batch.Labels)
		if err != nil {
			return 0, 0, err
		}
		correct += batchCorrect
		seen += batch.Size
		batchCount++
	}

	if batchCount == 0 {
		return 0, 0, fmt.Errorf("loader produced no batches")
	}
	return totalLoss / float64(batchCount), 100 * float64(correct) / float64(seen), nil
}

// SamplePredictions evaluates n evenly spaced samples from the dataset and
// returns their predicted vs. true classes with softmax probabilities.
// classNames may be nil.
func (t *Trainer) SamplePredictions(ds Dataset, n int, classNames []string) ([]SamplePrediction, error) {
	if n <= 0 {
		return nil, fmt.Errorf("sample count must be positive, got %d", n)
	}
	if n > ds.Len() {
		n = ds.Len()
	}
	t.model.Eval()
	defer t.model.Train()

	stride := ds.Len() / n
	samples := make([]SamplePrediction, 0, n)
	for i := 0; i < n; i++ {
		idx := i * stride
		data, label, err := ds.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %v", idx, err)
		}
		batched, err := tensor.Reshape(data, append([]int{1}, data.Shape...))
		if err != nil {
			return nil, err
		}
		output, err := t.model.Forward(batched)
		if err != nil {
			return nil, fmt.Errorf("forward pass failed for sample %d: %v", idx, err)
		}
		probs, err := tensor.Softmax(output)
		if err != nil {
			return nil, err
		}
		probData, err := probs.GetFloat32Data()
		if err != nil {
			return nil, err
		}
		labelData, err := label.GetInt32Data()
		if err != nil {
			return nil, err
		}
		if len(labelData) != 1 {
			return nil, fmt.Errorf("sample %d has %d labels, expected 1", idx, len(labelData))
		}

		predicted := 0
		for c := 1; c < len(probData); c++ {
			if probData[c] > probData[predicted] {
				predicted = c
			}
		}
		sp := SamplePrediction{
			Index:         idx,
			Predicted:     predicted,
			Actual:        int(labelData[0]),
			Probabilities: append([]float32(nil), probData...),
		}
		if classNames != nil {
			if predicted < len(classNames) {
				sp.PredictedName = classNames[predicted]
			}
			if sp.Actual >= 0 && sp.Actual < len(classNames) {
				sp.ActualName = classNames[sp.Actual]
			}
		}
		samples = append(samples, sp)
	}
	return samples, nil
}

// Predict runs one forward pass in evaluation mode.
func (t *Trainer) Predict(input *tensor.Tensor) (*tensor.Tensor, error) {
	t.model.Eval()
	defer t.model.Train()
	return t.model.Forward(input)
}

// GetMetrics returns the accumulated per-epoch metrics.
func (t *Trainer) GetMetrics() []TrainingMetrics {
	return t.metrics
}

// Model returns the trained model.
func (t *Trainer) Model() Module {
	return t.model
}

// calculateCorrect counts predictions whose argmax matches the target.
func (t *Trainer) calculateCorrect(output, target *tensor.Tensor) (int, error) {
	pred, err := tensor.ArgMax(output)
	if err != nil {
		return 0, err
	}
	predData, err := pred.GetInt32Data()
	if err != nil {
		return 0, err
	}
	targetData, err := target.GetInt32Data()
	if err != nil {
		return 0, err
	}
	if len(predData) != len(targetData) {
		return 0, fmt.Errorf("got %d predictions for %d targets", len(predData), len(targetData))
	}
	correct := 0
	for i := range predData {
		if predData[i] == targetData[i] {
			correct++
		}
	}
	return correct, nil
}

func (t *Trainer) printEpochSummary(metrics TrainingMetrics) {
	fmt.Printf("Epoch %d/%d: ", metrics.Epoch+1, t.config.Epochs)
	fmt.Printf("Train Loss=%.4f, Train Acc=%.2f%%", metrics.TrainLoss, metrics.TrainAccuracy)
	if metrics.HasValidation {
		fmt.Printf(", Valid Loss=%.4f, Valid Acc=%.2f%%", metrics.ValidLoss, metrics.ValidAccuracy)
	}
	fmt.Printf(", Time=%v, Batches=%d\n", metrics.EpochDuration.Round(time.Millisecond), metrics.BatchCount)
}
