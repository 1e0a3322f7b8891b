// Command predict-cifar10 loads a trained checkpoint and classifies samples
// from the CIFAR-10 test batch.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/gograd/gograd/checkpoints"
	"github.com/gograd/gograd/tensor"
	"github.com/gograd/gograd/training"
	"github.com/gograd/gograd/vision/cifar"
	"github.com/gograd/gograd/vision/transforms"
)

func main() {
	var (
		checkpointPath = flag.String("checkpoint", "cifar10-vgg.json", "checkpoint to load")
		format         = flag.String("format", "", "checkpoint format: json or onnx (inferred from extension when empty)")
		dataDir        = flag.String("data", "cifar-10-batches-bin", "directory with CIFAR-10 binary batches")
		count          = flag.Int("n", 20, "number of test samples to classify (0 for the whole test set)")
		batchSize      = flag.Int("batch-size", 64, "mini-batch size")
	)
	flag.Parse()

	if err := run(*checkpointPath, *format, *dataDir, *count, *batchSize); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(checkpointPath, format, dataDir string, count, batchSize int) error {
	ckptFormat, err := resolveFormat(checkpointPath, format)
	if err != nil {
		return err
	}

	model, checkpoint, err := checkpoints.LoadModel(checkpointPath, ckptFormat)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %v", err)
	}
	model.Eval()
	fmt.Printf("Loaded %s checkpoint %s (%d weight tensors)\n",
		ckptFormat, checkpointPath, len(checkpoint.Weights))
	if ts := checkpoint.TrainingState; ts != nil {
		fmt.Printf("Trained for %d epochs, best accuracy %.2f%%\n", ts.Epoch, ts.BestAccuracy)
	}

	testSet, err := cifar.LoadTest(dataDir)
	if err != nil {
		return fmt.Errorf("failed to load test data: %v", err)
	}
	normalize, err := transforms.NewNormalize(cifar.Mean, cifar.Std)
	if err != nil {
		return err
	}
	testSet.SetTransform(transforms.NewCompose(normalize))

	if count > 0 && count < testSet.Len() {
		testSet, _, err = testSet.Split(count)
		if err != nil {
			return err
		}
	}

	loader, err := training.NewDataLoader(testSet, training.DataLoaderConfig{
		BatchSize: batchSize,
	})
	if err != nil {
		return err
	}

	cm, err := training.NewConfusionMatrix(cifar.NumClasses, cifar.ClassNames)
	if err != nil {
		return err
	}

	sampleIdx := 0
	for result := range loader.Iterator() {
		if result.Err != nil {
			return result.Err
		}
		batch := result.Batch

		logits, err := model.Forward(batch.Data)
		if err != nil {
			return fmt.Errorf("forward pass failed: %v", err)
		}
		probs, err := tensor.Softmax(logits)
		if err != nil {
			return err
		}
		if err := cm.Update(logits, batch.Labels); err != nil {
			return err
		}

		probData, err := probs.GetFloat32Data()
		if err != nil {
			return err
		}
		labelData, err := batch.Labels.GetInt32Data()
		if err != nil {
			return err
		}
		classes := logits.Shape[1]
		for b := 0; b < batch.Size; b++ {
			row := probData[b*classes : (b+1)*classes]
			pred, confidence := argmaxRow(row)
			marker := " "
			if int32(pred) == labelData[b] {
				marker = "*"
			}
			fmt.Printf("%s sample %4d: predicted %-10s (%.1f%%), actual %s\n",
				marker, sampleIdx, cifar.ClassNames[pred], 100*confidence,
				cifar.ClassNames[labelData[b]])
			sampleIdx++
		}
	}

	fmt.Printf("\n%s\n", cm)
	return nil
}

func resolveFormat(path, format string) (checkpoints.CheckpointFormat, error) {
	switch format {
	case "json":
		return checkpoints.FormatJSON, nil
	case "onnx":
		return checkpoints.FormatONNX, nil
	case "":
		if strings.HasSuffix(path, ".onnx") {
			return checkpoints.FormatONNX, nil
		}
		return checkpoints.FormatJSON, nil
	default:
		return 0, fmt.Errorf("unknown checkpoint format %q", format)
	}
}

func argmaxRow(row []float32) (int, float32) {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best, row[best]
}
