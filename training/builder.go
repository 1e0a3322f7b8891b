package training

import (
	"fmt"

	"github.com/gograd/gograd/layers"
)

// FromSpec instantiates a Sequential model from a compiled model
// specification. Parameters are created in layer order, matching the
// specification's parameter shape list, which checkpoint serialization
// relies on.
func FromSpec(spec *layers.ModelSpec) (*Sequential, error) {
	if !spec.Compiled {
		return nil, fmt.Errorf("model spec must be compiled before instantiation")
	}

	model := NewSequential()
	for i := range spec.Layers {
		ls := &spec.Layers[i]
		module, err := moduleFromLayerSpec(ls)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s): %v", i, ls.Name, err)
		}
		model.Add(module)
	}
	return model, nil
}

func moduleFromLayerSpec(ls *layers.LayerSpec) (Module, error) {
	switch ls.Type {
	case layers.Dense:
		inputSize, ok := ls.IntParam("input_size")
		if !ok {
			return nil, fmt.Errorf("dense layer missing input_size (spec not compiled?)")
		}
		outputSize, ok := ls.IntParam("output_size")
		if !ok {
			return nil, fmt.Errorf("dense layer missing output_size")
		}
		return NewLinear(inputSize, outputSize, ls.BoolParam("use_bias", true))

	case layers.Conv2D:
		inputChannels, ok := ls.IntParam("input_channels")
		if !ok {
			return nil, fmt.Errorf("conv layer missing input_channels (spec not compiled?)")
		}
		outputChannels, ok := ls.IntParam("output_channels")
		if !ok {
			return nil, fmt.Errorf("conv layer missing output_channels")
		}
		kernelSize, ok := ls.IntParam("kernel_size")
		if !ok {
			return nil, fmt.Errorf("conv layer missing kernel_size")
		}
		stride, _ := ls.IntParam("stride")
		if stride <= 0 {
			stride = 1
		}
		padding, _ := ls.IntParam("padding")
		return NewConv2D(inputChannels, outputChannels, kernelSize, stride, padding,
			ls.BoolParam("use_bias", true))

	case layers.MaxPool2D:
		poolSize, ok := ls.IntParam("pool_size")
		if !ok {
			return nil, fmt.Errorf("pool layer missing pool_size")
		}
		stride, _ := ls.IntParam("stride")
		padding, _ := ls.IntParam("padding")
		return NewMaxPool2D(poolSize, stride, padding), nil

	case layers.ReLU:
		return NewReLU(), nil

	case layers.Softmax:
		return NewSoftmax(), nil

	case layers.Dropout:
		rate, ok := ls.FloatParam("rate")
		if !ok {
			return nil, fmt.Errorf("dropout layer missing rate")
		}
		return NewDropout(rate)

	case layers.BatchNorm:
		numFeatures, ok := ls.IntParam("num_features")
		if !ok {
			return nil, fmt.Errorf("batch norm layer missing num_features")
		}
		eps, _ := ls.FloatParam("eps")
		momentum, _ := ls.FloatParam("momentum")
		return NewBatchNorm(numFeatures, eps, momentum)

	case layers.Flatten:
		return NewFlatten(), nil

	default:
		return nil, fmt.Errorf("unsupported layer type %s", ls.Type)
	}
}
