package layers

import (
	"fmt"
	"strings"
)

// LayerType identifies the kind of a layer in a model specification.
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	ReLU
	Softmax
	MaxPool2D
	Dropout
	BatchNorm
	Flatten
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case Softmax:
		return "Softmax"
	case MaxPool2D:
		return "MaxPool2D"
	case Dropout:
		return "Dropout"
	case BatchNorm:
		return "BatchNorm"
	case Flatten:
		return "Flatten"
	default:
		return "Unknown"
	}
}

// ParseLayerType maps a layer type name back to its LayerType. Used when
// loading serialized model specifications.
func ParseLayerType(s string) (LayerType, error) {
	for lt := Dense; lt <= Flatten; lt++ {
		if lt.String() == s {
			return lt, nil
		}
	}
	return 0, fmt.Errorf("unknown layer type %q", s)
}

// LayerSpec is pure layer configuration; execution lives in the training
// package. Shape and parameter information is filled in during compilation.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// IntParam reads an integer layer parameter, tolerating the float64 values
// produced by JSON round-trips.
func (ls *LayerSpec) IntParam(key string) (int, bool) {
	switch v := ls.Parameters[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// FloatParam reads a float layer parameter.
func (ls *LayerSpec) FloatParam(key string) (float64, bool) {
	switch v := ls.Parameters[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// BoolParam reads a boolean layer parameter, defaulting to def when absent.
func (ls *LayerSpec) BoolParam(key string, def bool) bool {
	if v, ok := ls.Parameters[key].(bool); ok {
		return v
	}
	return def
}

// ModelSpec is a complete network described as an ordered layer list.
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder constructs model specifications with a fluent API. The input
// shape is [batch, channels, height, width] for convolutional networks or
// [batch, features] for dense ones.
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
}

// NewModelBuilder creates a builder for a model with the given input shape.
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{inputShape: append([]int(nil), inputShape...)}
}

// AddLayer appends an arbitrary layer specification.
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	return mb
}

// AddConv2D appends a convolution layer. Input channels are inferred during
// compilation.
func (mb *ModelBuilder) AddConv2D(outputChannels, kernelSize, stride, padding int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        useBias,
		},
	})
}

// AddMaxPool2D appends a max pooling layer.
func (mb *ModelBuilder) AddMaxPool2D(poolSize, stride int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: MaxPool2D,
		Name: name,
		Parameters: map[string]interface{}{
			"pool_size": poolSize,
			"stride":    stride,
		},
	})
}

// AddDense appends a fully connected layer. The input size is inferred during
// compilation, flattening higher-dimensional inputs.
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	})
}

// AddReLU appends a ReLU activation.
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: ReLU, Name: name, Parameters: map[string]interface{}{}})
}

// AddSoftmax appends a softmax activation over the class dimension.
func (mb *ModelBuilder) AddSoftmax(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Softmax, Name: name, Parameters: map[string]interface{}{}})
}

// AddDropout appends a dropout layer with the given drop probability.
func (mb *ModelBuilder) AddDropout(rate float64, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dropout,
		Name: name,
		Parameters: map[string]interface{}{
			"rate": rate,
		},
	})
}

// AddBatchNorm appends a batch normalization layer. numFeatures must match
// the channel (or feature) dimension of the incoming tensor.
func (mb *ModelBuilder) AddBatchNorm(numFeatures int, eps, momentum float64, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: BatchNorm,
		Name: name,
		Parameters: map[string]interface{}{
			"num_features": numFeatures,
			"eps":          eps,
			"momentum":     momentum,
		},
	})
}

// AddFlatten appends an explicit flatten layer.
func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Flatten, Name: name, Parameters: map[string]interface{}{}})
}

// Compile propagates shapes through the layer stack and computes parameter
// shapes and counts.
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if len(mb.inputShape) < 2 {
		return nil, fmt.Errorf("input shape must include a batch dimension, got %v", mb.inputShape)
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: append([]int(nil), mb.inputShape...),
	}
	copy(model.Layers, mb.layers)

	currentShape := mb.inputShape
	var allParamShapes [][]int
	totalParams := int64(0)

	for i := range model.Layers {
		layer := &model.Layers[i]
		layer.InputShape = append([]int(nil), currentShape...)

		outputShape, paramShapes, paramCount, err := computeLayerInfo(layer, currentShape)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %v", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		allParamShapes = append(allParamShapes, paramShapes...)
		totalParams += paramCount
		currentShape = outputShape
	}

	model.OutputShape = currentShape
	model.ParameterShapes = allParamShapes
	model.TotalParameters = totalParams
	model.Compiled = true
	return model, nil
}

func computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShape)
	case Conv2D:
		return computeConv2DInfo(layer, inputShape)
	case MaxPool2D:
		return computeMaxPool2DInfo(layer, inputShape)
	case BatchNorm:
		return computeBatchNormInfo(layer, inputShape)
	case Flatten:
		return computeFlattenInfo(inputShape)
	case ReLU, Softmax, Dropout:
		outputShape := append([]int(nil), inputShape...)
		return outputShape, nil, 0, nil
	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type)
	}
}

func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	outputSize, ok := layer.IntParam("output_size")
	if !ok {
		return nil, nil, 0, fmt.Errorf("missing output_size parameter")
	}
	useBias := layer.BoolParam("use_bias", true)

	// Flatten everything after the batch dimension.
	inputSize := 1
	for _, d := range inputShape[1:] {
		inputSize *= d
	}
	layer.Parameters["input_size"] = inputSize

	paramShapes := [][]int{{inputSize, outputSize}}
	paramCount := int64(inputSize * outputSize)
	if useBias {
		paramShapes = append(paramShapes, []int{outputSize})
		paramCount += int64(outputSize)
	}
	return []int{inputShape[0], outputSize}, paramShapes, paramCount, nil
}

func computeConv2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("Conv2D requires 4D input [batch, channels, height, width], got %v", inputShape)
	}

	outputChannels, ok := layer.IntParam("output_channels")
	if !ok {
		return nil, nil, 0, fmt.Errorf("missing output_channels parameter")
	}
	kernelSize, ok := layer.IntParam("kernel_size")
	if !ok {
		return nil, nil, 0, fmt.Errorf("missing kernel_size parameter")
	}
	stride, ok := layer.IntParam("stride")
	if !ok {
		stride = 1
	}
	padding, ok := layer.IntParam("padding")
	if !ok {
		padding = 0
	}
	useBias := layer.BoolParam("use_bias", true)

	batch, inputChannels, h, w := inputShape[0], inputShape[1], inputShape[2], inputShape[3]
	layer.Parameters["input_channels"] = inputChannels

	outH := (h+2*padding-kernelSize)/stride + 1
	outW := (w+2*padding-kernelSize)/stride + 1
	if outH <= 0 || outW <= 0 {
		return nil, nil, 0, fmt.Errorf("kernel %d does not fit input %dx%d with stride %d padding %d", kernelSize, h, w, stride, padding)
	}

	paramShapes := [][]int{{outputChannels, inputChannels, kernelSize, kernelSize}}
	paramCount := int64(outputChannels * inputChannels * kernelSize * kernelSize)
	if useBias {
		paramShapes = append(paramShapes, []int{outputChannels})
		paramCount += int64(outputChannels)
	}
	return []int{batch, outputChannels, outH, outW}, paramShapes, paramCount, nil
}

func computeMaxPool2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("MaxPool2D requires 4D input, got %v", inputShape)
	}

	poolSize, ok := layer.IntParam("pool_size")
	if !ok {
		return nil, nil, 0, fmt.Errorf("missing pool_size parameter")
	}
	stride, ok := layer.IntParam("stride")
	if !ok || stride <= 0 {
		stride = poolSize
		layer.Parameters["stride"] = stride
	}

	batch, channels, h, w := inputShape[0], inputShape[1], inputShape[2], inputShape[3]
	outH := (h-poolSize)/stride + 1
	outW := (w-poolSize)/stride + 1
	if outH <= 0 || outW <= 0 {
		return nil, nil, 0, fmt.Errorf("pool %d does not fit input %dx%d with stride %d", poolSize, h, w, stride)
	}
	return []int{batch, channels, outH, outW}, nil, 0, nil
}

func computeBatchNormInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	numFeatures, ok := layer.IntParam("num_features")
	if !ok {
		return nil, nil, 0, fmt.Errorf("missing num_features parameter")
	}
	if numFeatures != inputShape[1] {
		return nil, nil, 0, fmt.Errorf("num_features (%d) does not match input feature dimension (%d)", numFeatures, inputShape[1])
	}

	// gamma and beta; running statistics are buffers, not parameters.
	paramShapes := [][]int{{numFeatures}, {numFeatures}}
	return append([]int(nil), inputShape...), paramShapes, int64(numFeatures * 2), nil
}

func computeFlattenInfo(inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) < 2 {
		return nil, nil, 0, fmt.Errorf("Flatten requires at least 2D input, got %v", inputShape)
	}
	rest := 1
	for _, d := range inputShape[1:] {
		rest *= d
	}
	return []int{inputShape[0], rest}, nil, 0, nil
}

// Summary returns a human-readable description of a compiled model.
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Model Summary:\n")
	fmt.Fprintf(&b, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&b, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&b, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&b, "Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		fmt.Fprintf(&b, "Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type)
		fmt.Fprintf(&b, "  Input:  %v\n", layer.InputShape)
		fmt.Fprintf(&b, "  Output: %v\n", layer.OutputShape)
		fmt.Fprintf(&b, "  Params: %d\n", layer.ParameterCount)
	}
	return b.String()
}

// Validate checks structural requirements for the training runtime.
func (ms *ModelSpec) Validate() error {
	if !ms.Compiled {
		return fmt.Errorf("model not compiled")
	}
	if len(ms.Layers) == 0 {
		return fmt.Errorf("empty model")
	}

	hasTrainable := false
	for _, layer := range ms.Layers {
		if layer.Type == Dense || layer.Type == Conv2D {
			hasTrainable = true
		}
	}
	if !hasTrainable {
		return fmt.Errorf("model requires at least one trainable layer (Dense or Conv2D)")
	}
	return nil
}
