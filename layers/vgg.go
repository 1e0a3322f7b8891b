package layers

import "fmt"

// VGGConfig describes a VGG-style stack of convolution blocks followed by a
// dense classifier head. Each block is a run of 3x3 same-padding convolutions
// with a shared filter count, closed by a 2x2 max pool.
type VGGConfig struct {
	// BlockFilters holds the filter count per block, e.g. {32, 64, 128}.
	BlockFilters []int
	// ConvsPerBlock is the number of conv+ReLU pairs in each block.
	ConvsPerBlock int
	// HiddenUnits is the width of the dense layer before the classifier.
	HiddenUnits int
	// NumClasses is the size of the output layer.
	NumClasses int
	// DropoutRate, when positive, inserts dropout after each pool and before
	// the classifier.
	DropoutRate float64
	// BatchNorm inserts batch normalization after every convolution.
	BatchNorm bool
}

// VGG builds a VGG-style model specification for square inputs of shape
// [batch, channels, size, size].
func VGG(cfg VGGConfig, batch, channels, size int) (*ModelSpec, error) {
	if len(cfg.BlockFilters) == 0 {
		return nil, fmt.Errorf("VGG requires at least one block")
	}
	if cfg.ConvsPerBlock <= 0 {
		cfg.ConvsPerBlock = 2
	}
	if cfg.NumClasses <= 0 {
		return nil, fmt.Errorf("VGG requires a positive class count, got %d", cfg.NumClasses)
	}
	if size>>len(cfg.BlockFilters) == 0 {
		return nil, fmt.Errorf("input size %d too small for %d pooling stages", size, len(cfg.BlockFilters))
	}

	mb := NewModelBuilder([]int{batch, channels, size, size})
	for b, filters := range cfg.BlockFilters {
		for ci := 0; ci < cfg.ConvsPerBlock; ci++ {
			name := fmt.Sprintf("conv%d_%d", b+1, ci+1)
			mb.AddConv2D(filters, 3, 1, 1, true, name)
			if cfg.BatchNorm {
				mb.AddBatchNorm(filters, 1e-5, 0.1, fmt.Sprintf("bn%d_%d", b+1, ci+1))
			}
			mb.AddReLU(fmt.Sprintf("relu%d_%d", b+1, ci+1))
		}
		mb.AddMaxPool2D(2, 2, fmt.Sprintf("pool%d", b+1))
		if cfg.DropoutRate > 0 {
			mb.AddDropout(cfg.DropoutRate, fmt.Sprintf("drop%d", b+1))
		}
	}

	mb.AddFlatten("flatten")
	if cfg.HiddenUnits > 0 {
		mb.AddDense(cfg.HiddenUnits, true, "fc1")
		mb.AddReLU("fc1_relu")
		if cfg.DropoutRate > 0 {
			mb.AddDropout(cfg.DropoutRate, "fc1_drop")
		}
	}
	mb.AddDense(cfg.NumClasses, true, "classifier")

	return mb.Compile()
}
