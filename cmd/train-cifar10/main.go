// Command train-cifar10 trains a VGG-style convolutional network on the
// CIFAR-10 binary dataset (cifar-10-batches-bin) and writes checkpoints.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gograd/gograd/checkpoints"
	"github.com/gograd/gograd/layers"
	"github.com/gograd/gograd/training"
	"github.com/gograd/gograd/vision/cifar"
	"github.com/gograd/gograd/vision/transforms"
)

func main() {
	var (
		dataDir     = flag.String("data", "cifar-10-batches-bin", "directory with CIFAR-10 binary batches")
		epochs      = flag.Int("epochs", 20, "training epochs")
		batchSize   = flag.Int("batch-size", 64, "mini-batch size")
		lr          = flag.Float64("lr", 0.01, "initial learning rate")
		optimizer   = flag.String("optimizer", "sgd", "optimizer: sgd or adam")
		momentum    = flag.Float64("momentum", 0.9, "SGD momentum")
		weightDecay = flag.Float64("weight-decay", 5e-4, "L2 weight decay")
		scheduler   = flag.String("scheduler", "cosine", "lr schedule: none, step, cosine, or plateau")
		blocks      = flag.String("blocks", "32,64,128", "comma-separated filters per VGG block")
		hidden      = flag.Int("hidden", 256, "hidden units in the classifier head")
		dropout     = flag.Float64("dropout", 0.3, "dropout rate (0 disables)")
		batchNorm   = flag.Bool("batchnorm", true, "use batch normalization")
		augment     = flag.Bool("augment", true, "random crop and horizontal flip augmentation")
		valFraction = flag.Float64("val-fraction", 0.1, "fraction of training data held out for validation")
		workers     = flag.Int("workers", 4, "parallel sample loaders")
		seed        = flag.Int64("seed", 42, "random seed")
		checkpoint  = flag.String("checkpoint", "cifar10-vgg.json", "output checkpoint path (JSON)")
		onnxPath    = flag.String("onnx", "", "also export the trained model as ONNX")
		runDir      = flag.String("run-dir", "runs", "directory for run logs (empty disables)")
		sidecar     = flag.String("sidecar", "", "plotting sidecar base URL (empty disables)")
	)
	flag.Parse()

	if err := run(*dataDir, *epochs, *batchSize, *lr, *optimizer, *momentum, *weightDecay,
		*scheduler, *blocks, *hidden, *dropout, *batchNorm, *augment, *valFraction,
		*workers, *seed, *checkpoint, *onnxPath, *runDir, *sidecar); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(dataDir string, epochs, batchSize int, lr float64, optimizerName string,
	momentum, weightDecay float64, schedulerName, blocks string, hidden int,
	dropout float64, batchNorm, augment bool, valFraction float64, workers int,
	seed int64, checkpointPath, onnxPath, runDir, sidecar string) error {

	training.SetRandomSeed(seed)
	transforms.SetRandomSeed(seed)

	blockFilters, err := parseBlocks(blocks)
	if err != nil {
		return err
	}

	fmt.Printf("Loading CIFAR-10 from %s\n", dataDir)
	trainSet, err := cifar.LoadTraining(dataDir)
	if err != nil {
		return fmt.Errorf("failed to load training data: %v", err)
	}
	testSet, err := cifar.LoadTest(dataDir)
	if err != nil {
		return fmt.Errorf("failed to load test data: %v", err)
	}

	normalize, err := transforms.NewNormalize(cifar.Mean, cifar.Std)
	if err != nil {
		return err
	}
	evalTransform := transforms.NewCompose(normalize)

	var validSet *cifar.Dataset
	if valFraction > 0 {
		n := int(float64(trainSet.Len()) * (1 - valFraction))
		trainSet, validSet, err = trainSet.Split(n)
		if err != nil {
			return err
		}
		validSet.SetTransform(evalTransform)
	}
	testSet.SetTransform(evalTransform)

	if augment {
		crop, err := transforms.NewRandomCrop(cifar.ImageSize, 4)
		if err != nil {
			return err
		}
		trainSet.SetTransform(transforms.NewCompose(
			crop, transforms.NewRandomHorizontalFlip(0.5), normalize))
	} else {
		trainSet.SetTransform(evalTransform)
	}
	fmt.Printf("Train samples: %d, validation: %d, test: %d\n",
		trainSet.Len(), datasetLen(validSet), testSet.Len())

	spec, err := layers.VGG(layers.VGGConfig{
		BlockFilters:  blockFilters,
		ConvsPerBlock: 2,
		HiddenUnits:   hidden,
		NumClasses:    cifar.NumClasses,
		DropoutRate:   dropout,
		BatchNorm:     batchNorm,
	}, batchSize, cifar.Channels, cifar.ImageSize)
	if err != nil {
		return fmt.Errorf("failed to build model spec: %v", err)
	}
	fmt.Print(spec.Summary())

	model, err := training.FromSpec(spec)
	if err != nil {
		return fmt.Errorf("failed to instantiate model: %v", err)
	}

	opt, err := buildOptimizer(optimizerName, model, lr, momentum, weightDecay)
	if err != nil {
		return err
	}
	sched, err := buildScheduler(schedulerName, epochs)
	if err != nil {
		return err
	}

	var logger *training.RunLogger
	if runDir != "" || sidecar != "" {
		logger, err = training.NewRunLogger(training.RunLoggerConfig{
			Dir:        runDir,
			SidecarURL: sidecar,
		})
		if err != nil {
			return fmt.Errorf("failed to create run logger: %v", err)
		}
		defer logger.Close()
	}

	loaderCfg := training.DataLoaderConfig{
		BatchSize:  batchSize,
		Shuffle:    true,
		DropLast:   true,
		NumWorkers: workers,
		Seed:       seed,
	}
	trainLoader, err := training.NewDataLoader(trainSet, loaderCfg)
	if err != nil {
		return err
	}
	var validLoader *training.DataLoader
	if validSet != nil {
		validLoader, err = training.NewDataLoader(validSet, training.DataLoaderConfig{
			BatchSize:  batchSize,
			NumWorkers: workers,
		})
		if err != nil {
			return err
		}
	}

	trainer := training.NewTrainer(model, opt, training.NewCrossEntropyLoss(), training.TrainingConfig{
		Epochs:        epochs,
		PrintEvery:    100,
		EarlyStopping: validLoader != nil,
		Patience:      10,
		Scheduler:     sched,
		Logger:        logger,
	})
	if err := trainer.Train(trainLoader, validLoader); err != nil {
		return err
	}

	testLoader, err := training.NewDataLoader(testSet, training.DataLoaderConfig{
		BatchSize:  batchSize,
		NumWorkers: workers,
	})
	if err != nil {
		return err
	}
	cm, err := training.NewConfusionMatrix(cifar.NumClasses, cifar.ClassNames)
	if err != nil {
		return err
	}
	testLoss, testAcc, err := trainer.EvaluateWithConfusion(testLoader, cm)
	if err != nil {
		return fmt.Errorf("test evaluation failed: %v", err)
	}
	fmt.Printf("\nTest Loss=%.4f, Test Acc=%.2f%%\n\n%s\n", testLoss, testAcc, cm)

	if logger != nil {
		samples, err := trainer.SamplePredictions(testSet, 16, cifar.ClassNames)
		if err != nil {
			return fmt.Errorf("failed to sample test predictions: %v", err)
		}
		logger.LogPredictions(samples)
	}

	ckptState := &checkpoints.TrainingState{
		Epoch:        epochs,
		BestAccuracy: testAcc,
		LearningRate: opt.GetLR(),
	}
	if metrics := trainer.GetMetrics(); len(metrics) > 0 {
		last := metrics[len(metrics)-1]
		ckptState.Epoch = last.Epoch + 1
		ckptState.TrainLoss = last.TrainLoss
		ckptState.ValidLoss = last.ValidLoss
	}

	if err := checkpoints.SaveModel(model, spec, checkpointPath,
		checkpoints.FormatJSON, ckptState, opt.StateDict()); err != nil {
		return fmt.Errorf("failed to save checkpoint: %v", err)
	}
	fmt.Printf("Saved checkpoint to %s\n", checkpointPath)

	if onnxPath != "" {
		if err := checkpoints.SaveModel(model, spec, onnxPath,
			checkpoints.FormatONNX, nil, nil); err != nil {
			return fmt.Errorf("failed to export ONNX: %v", err)
		}
		fmt.Printf("Exported ONNX model to %s\n", onnxPath)
	}
	return nil
}

func parseBlocks(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	filters := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid block filters %q", s)
		}
		filters = append(filters, v)
	}
	return filters, nil
}

func buildOptimizer(name string, model training.Module, lr, momentum, weightDecay float64) (training.Optimizer, error) {
	switch name {
	case "sgd":
		return training.NewSGD(model.Parameters(), training.SGDConfig{
			LearningRate: lr,
			Momentum:     momentum,
			WeightDecay:  weightDecay,
		})
	case "adam":
		cfg := training.DefaultAdamConfig()
		cfg.LearningRate = lr
		cfg.WeightDecay = weightDecay
		return training.NewAdam(model.Parameters(), cfg)
	default:
		return nil, fmt.Errorf("unknown optimizer %q", name)
	}
}

func buildScheduler(name string, epochs int) (training.LRScheduler, error) {
	switch name {
	case "none", "":
		return &training.NoOpScheduler{}, nil
	case "step":
		return training.NewStepLR(epochs/3, 0.1), nil
	case "cosine":
		return training.NewCosineAnnealingLR(epochs, 1e-5), nil
	case "plateau":
		return training.NewReduceLROnPlateau(0.5, 3), nil
	default:
		return nil, fmt.Errorf("unknown scheduler %q", name)
	}
}

func datasetLen(ds *cifar.Dataset) int {
	if ds == nil {
		return 0
	}
	return ds.Len()
}
