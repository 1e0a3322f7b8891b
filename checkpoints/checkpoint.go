// Package checkpoints saves and restores trained models, either as JSON for
// resuming training or as ONNX for interchange with other frameworks.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gograd/gograd/layers"
	"github.com/gograd/gograd/tensor"
	"github.com/gograd/gograd/training"
)

// CheckpointFormat selects the serialization format.
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "json"
	case FormatONNX:
		return "onnx"
	default:
		return "unknown"
	}
}

// Checkpoint is a complete snapshot: architecture, weights, and optionally
// training progress and optimizer state.
type Checkpoint struct {
	ModelSpec      *layers.ModelSpec        `json:"model_spec"`
	Weights        []WeightTensor           `json:"weights"`
	TrainingState  *TrainingState           `json:"training_state,omitempty"`
	OptimizerState *training.OptimizerState `json:"optimizer_state,omitempty"`
	Metadata       CheckpointMetadata       `json:"metadata"`
}

// WeightTensor is one named parameter or buffer with its values.
type WeightTensor struct {
	Name  string    `json:"name"`
	Layer string    `json:"layer"`
	Role  string    `json:"role"` // weight, bias, gamma, beta, running_mean, running_var
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// TrainingState records where training left off.
type TrainingState struct {
	Epoch         int     `json:"epoch"`
	TrainLoss     float64 `json:"train_loss"`
	ValidLoss     float64 `json:"valid_loss,omitempty"`
	BestAccuracy  float64 `json:"best_accuracy,omitempty"`
	LearningRate  float64 `json:"learning_rate"`
}

// CheckpointMetadata describes the checkpoint itself.
type CheckpointMetadata struct {
	Version     string `json:"version"`
	Framework   string `json:"framework"`
	CreatedAt   string `json:"created_at"`
	Description string `json:"description,omitempty"`
}

// CheckpointSaver reads and writes checkpoints in one format.
type CheckpointSaver struct {
	format CheckpointFormat
}

func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{format: format}
}

// Save writes a checkpoint to path.
func (cs *CheckpointSaver) Save(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.CreatedAt == "" {
		checkpoint.Metadata.CreatedAt = time.Now().Format(time.RFC3339)
	}
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "gograd"
		checkpoint.Metadata.Version = "1.0"
	}

	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatONNX:
		return saveONNX(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format)
	}
}

// Load reads a checkpoint from path.
func (cs *CheckpointSaver) Load(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatONNX:
		return loadONNX(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format)
	}
}

func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %v", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize checkpoint: %v", err)
	}
	return nil
}

func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %v", err)
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint: %v", err)
	}
	return &checkpoint, nil
}

// ExtractWeights walks the model alongside its specification and collects
// every parameter and buffer in layer order.
func ExtractWeights(model *training.Sequential, spec *layers.ModelSpec) ([]WeightTensor, error) {
	modules := model.Modules()
	if len(modules) != len(spec.Layers) {
		return nil, fmt.Errorf("model has %d modules, spec has %d layers", len(modules), len(spec.Layers))
	}

	var weights []WeightTensor
	add := func(layer, role string, t *tensor.Tensor) error {
		data, err := t.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("%s.%s: %v", layer, role, err)
		}
		weights = append(weights, WeightTensor{
			Name:  layer + "." + role,
			Layer: layer,
			Role:  role,
			Shape: append([]int(nil), t.Shape...),
			Data:  append([]float32(nil), data...),
		})
		return nil
	}

	for i, ls := range spec.Layers {
		switch ls.Type {
		case layers.Dense, layers.Conv2D:
			params := modules[i].Parameters()
			if len(params) == 0 {
				return nil, fmt.Errorf("layer %s has no parameters", ls.Name)
			}
			if err := add(ls.Name, "weight", params[0]); err != nil {
				return nil, err
			}
			if len(params) > 1 {
				if err := add(ls.Name, "bias", params[1]); err != nil {
					return nil, err
				}
			}
		case layers.BatchNorm:
			bn, ok := modules[i].(*training.BatchNorm)
			if !ok {
				return nil, fmt.Errorf("layer %s: expected BatchNorm module, got %T", ls.Name, modules[i])
			}
			params := bn.Parameters()
			if err := add(ls.Name, "gamma", params[0]); err != nil {
				return nil, err
			}
			if err := add(ls.Name, "beta", params[1]); err != nil {
				return nil, err
			}
			mean, variance := bn.RunningStats()
			if err := add(ls.Name, "running_mean", mean); err != nil {
				return nil, err
			}
			if err := add(ls.Name, "running_var", variance); err != nil {
				return nil, err
			}
		}
	}
	return weights, nil
}

// LoadWeights writes saved values back into a model built from the same
// specification.
func LoadWeights(weights []WeightTensor, model *training.Sequential, spec *layers.ModelSpec) error {
	modules := model.Modules()
	if len(modules) != len(spec.Layers) {
		return fmt.Errorf("model has %d modules, spec has %d layers", len(modules), len(spec.Layers))
	}

	byName := make(map[string]*WeightTensor, len(weights))
	for i := range weights {
		byName[weights[i].Name] = &weights[i]
	}

	restore := func(layer, role string, dst *tensor.Tensor) error {
		wt, ok := byName[layer+"."+role]
		if !ok {
			return fmt.Errorf("checkpoint missing weight %s.%s", layer, role)
		}
		if len(wt.Data) != dst.NumElems {
			return fmt.Errorf("%s.%s: checkpoint has %d values, tensor has %d",
				layer, role, len(wt.Data), dst.NumElems)
		}
		copy(dst.Data.([]float32), wt.Data)
		return nil
	}

	for i, ls := range spec.Layers {
		switch ls.Type {
		case layers.Dense, layers.Conv2D:
			params := modules[i].Parameters()
			if len(params) == 0 {
				return fmt.Errorf("layer %s has no parameters", ls.Name)
			}
			if err := restore(ls.Name, "weight", params[0]); err != nil {
				return err
			}
			if len(params) > 1 {
				if err := restore(ls.Name, "bias", params[1]); err != nil {
					return err
				}
			}
		case layers.BatchNorm:
			bn, ok := modules[i].(*training.BatchNorm)
			if !ok {
				return fmt.Errorf("layer %s: expected BatchNorm module, got %T", ls.Name, modules[i])
			}
			params := bn.Parameters()
			if err := restore(ls.Name, "gamma", params[0]); err != nil {
				return err
			}
			if err := restore(ls.Name, "beta", params[1]); err != nil {
				return err
			}
			mean, variance := bn.RunningStats()
			if err := restore(ls.Name, "running_mean", mean); err != nil {
				return err
			}
			if err := restore(ls.Name, "running_var", variance); err != nil {
				return err
			}
		}
	}
	return nil
}

// SaveModel is the common path: extract weights from a model and write a
// checkpoint in one call.
func SaveModel(model *training.Sequential, spec *layers.ModelSpec, path string, format CheckpointFormat, state *TrainingState, optState *training.OptimizerState) error {
	weights, err := ExtractWeights(model, spec)
	if err != nil {
		return fmt.Errorf("failed to extract weights: %v", err)
	}
	checkpoint := &Checkpoint{
		ModelSpec:      spec,
		Weights:        weights,
		TrainingState:  state,
		OptimizerState: optState,
	}
	return NewCheckpointSaver(format).Save(checkpoint, path)
}

// LoadModel reads a checkpoint and instantiates the model it describes.
func LoadModel(path string, format CheckpointFormat) (*training.Sequential, *Checkpoint, error) {
	checkpoint, err := NewCheckpointSaver(format).Load(path)
	if err != nil {
		return nil, nil, err
	}
	if checkpoint.ModelSpec == nil {
		return nil, nil, fmt.Errorf("checkpoint has no model specification")
	}
	model, err := training.FromSpec(checkpoint.ModelSpec)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build model: %v", err)
	}
	if err := LoadWeights(checkpoint.Weights, model, checkpoint.ModelSpec); err != nil {
		return nil, nil, err
	}
	return model, checkpoint, nil
}
