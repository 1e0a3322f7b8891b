package training

import (
	"fmt"

	"github.com/gograd/gograd/tensor"
)

// Loss computes a scalar loss tensor from predictions and targets. The
// returned tensor participates in the computation graph, so calling
// Backward on it propagates gradients through the model.
type Loss interface {
	Forward(predictions, targets *tensor.Tensor) (*tensor.Tensor, error)
	Name() string
}

// CrossEntropyLoss fuses softmax and negative log likelihood over class
// logits. Targets are class indices of shape [batch] with Int32 dtype.
type CrossEntropyLoss struct{}

func NewCrossEntropyLoss() *CrossEntropyLoss {
	return &CrossEntropyLoss{}
}

func (c *CrossEntropyLoss) Forward(logits, targets *tensor.Tensor) (*tensor.Tensor, error) {
	if len(logits.Shape) != 2 {
		return nil, fmt.Errorf("cross entropy expects 2D logits [batch, classes], got shape %v", logits.Shape)
	}
	if len(targets.Shape) != 1 || targets.Shape[0] != logits.Shape[0] {
		return nil, fmt.Errorf("cross entropy expects targets of shape [%d], got %v", logits.Shape[0], targets.Shape)
	}
	if targets.DType != tensor.Int32 {
		return nil, fmt.Errorf("cross entropy targets must be Int32 class indices, got %s", targets.DType)
	}
	return tensor.SoftmaxCrossEntropyAutograd(logits, targets, true)
}

func (c *CrossEntropyLoss) Name() string { return "cross_entropy" }

// MSELoss is the mean squared error over all elements.
type MSELoss struct{}

func NewMSELoss() *MSELoss {
	return &MSELoss{}
}

func (m *MSELoss) Forward(predictions, targets *tensor.Tensor) (*tensor.Tensor, error) {
	diff, err := tensor.SubAutograd(predictions, targets)
	if err != nil {
		return nil, fmt.Errorf("MSE loss failed: %v", err)
	}
	sq, err := tensor.MulAutograd(diff, diff)
	if err != nil {
		return nil, fmt.Errorf("MSE loss failed: %v", err)
	}
	return tensor.MeanAutograd(sq)
}

func (m *MSELoss) Name() string { return "mse" }
