package training

import (
	"fmt"
	"math"

	"github.com/gograd/gograd/tensor"
)

// Optimizer updates model parameters from their accumulated gradients.
type Optimizer interface {
	Step() error
	ZeroGrad()
	GetLR() float64
	SetLR(lr float64)
	StateDict() *OptimizerState
	LoadStateDict(state *OptimizerState) error
}

// OptimizerState is the serializable state of an optimizer, for
// checkpointing. Buffers are keyed by name and indexed by parameter order.
type OptimizerState struct {
	Type         string                 `json:"type"`
	LearningRate float64                `json:"learning_rate"`
	StepCount    int                    `json:"step_count"`
	Settings     map[string]float64     `json:"settings,omitempty"`
	Buffers      map[string][][]float32 `json:"buffers,omitempty"`
}

// SGDConfig configures stochastic gradient descent.
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	Dampening    float64
	WeightDecay  float64
	Nesterov     bool
}

// SGD implements stochastic gradient descent with optional momentum,
// dampening, weight decay, and Nesterov acceleration.
type SGD struct {
	params    []*tensor.Tensor
	config    SGDConfig
	velocity  [][]float32
	stepCount int
}

// NewSGD creates an SGD optimizer over the given parameters.
func NewSGD(params []*tensor.Tensor, config SGDConfig) (*SGD, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %f", config.LearningRate)
	}
	if config.Nesterov && (config.Momentum <= 0 || config.Dampening != 0) {
		return nil, fmt.Errorf("nesterov momentum requires momentum > 0 and zero dampening")
	}
	for i, p := range params {
		if p.DType != tensor.Float32 {
			return nil, fmt.Errorf("parameter %d must be Float32, got %s", i, p.DType)
		}
	}
	return &SGD{params: params, config: config}, nil
}

func (s *SGD) Step() error {
	if s.config.Momentum != 0 && s.velocity == nil {
		s.velocity = make([][]float32, len(s.params))
		for i, p := range s.params {
			s.velocity[i] = make([]float32, p.NumElems)
		}
	}

	lr := float32(s.config.LearningRate)
	momentum := float32(s.config.Momentum)
	dampening := float32(s.config.Dampening)
	weightDecay := float32(s.config.WeightDecay)

	for i, p := range s.params {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		data := p.Data.([]float32)
		gradData := grad.Data.([]float32)

		for j := range data {
			g := gradData[j]
			if weightDecay != 0 {
				g += weightDecay * data[j]
			}
			if momentum != 0 {
				v := s.velocity[i]
				if s.stepCount == 0 {
					v[j] = g
				} else {
					v[j] = momentum*v[j] + (1-dampening)*g
				}
				if s.config.Nesterov {
					g += momentum * v[j]
				} else {
					g = v[j]
				}
			}
			data[j] -= lr * g
		}
	}
	s.stepCount++
	return nil
}

func (s *SGD) ZeroGrad() {
	for _, p := range s.params {
		p.ZeroGrad()
	}
}

func (s *SGD) GetLR() float64   { return s.config.LearningRate }
func (s *SGD) SetLR(lr float64) { s.config.LearningRate = lr }

func (s *SGD) StateDict() *OptimizerState {
	state := &OptimizerState{
		Type:         "sgd",
		LearningRate: s.config.LearningRate,
		StepCount:    s.stepCount,
		Settings: map[string]float64{
			"momentum":     s.config.Momentum,
			"dampening":    s.config.Dampening,
			"weight_decay": s.config.WeightDecay,
		},
	}
	if s.config.Nesterov {
		state.Settings["nesterov"] = 1
	}
	if s.velocity != nil {
		buffers := make([][]float32, len(s.velocity))
		for i, v := range s.velocity {
			buffers[i] = append([]float32(nil), v...)
		}
		state.Buffers = map[string][][]float32{"velocity": buffers}
	}
	return state
}

func (s *SGD) LoadStateDict(state *OptimizerState) error {
	if state.Type != "sgd" {
		return fmt.Errorf("cannot load %q state into SGD optimizer", state.Type)
	}
	s.config.LearningRate = state.LearningRate
	s.stepCount = state.StepCount
	if v, ok := state.Buffers["velocity"]; ok {
		if len(v) != len(s.params) {
			return fmt.Errorf("velocity buffer count %d does not match %d parameters", len(v), len(s.params))
		}
		s.velocity = make([][]float32, len(v))
		for i := range v {
			if len(v[i]) != s.params[i].NumElems {
				return fmt.Errorf("velocity buffer %d has %d elements, parameter has %d", i, len(v[i]), s.params[i].NumElems)
			}
			s.velocity[i] = append([]float32(nil), v[i]...)
		}
	}
	return nil
}

// AdamConfig configures the Adam optimizer.
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns the conventional Adam hyperparameters.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}
}

// Adam implements the Adam optimizer with bias-corrected moment estimates.
type Adam struct {
	params    []*tensor.Tensor
	config    AdamConfig
	m         [][]float32
	v         [][]float32
	stepCount int
}

// NewAdam creates an Adam optimizer over the given parameters. Zero-valued
// betas and epsilon fall back to the conventional defaults.
func NewAdam(params []*tensor.Tensor, config AdamConfig) (*Adam, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %f", config.LearningRate)
	}
	if config.Beta1 == 0 {
		config.Beta1 = 0.9
	}
	if config.Beta2 == 0 {
		config.Beta2 = 0.999
	}
	if config.Epsilon == 0 {
		config.Epsilon = 1e-8
	}
	for i, p := range params {
		if p.DType != tensor.Float32 {
			return nil, fmt.Errorf("parameter %d must be Float32, got %s", i, p.DType)
		}
	}

	a := &Adam{
		params: params,
		config: config,
		m:      make([][]float32, len(params)),
		v:      make([][]float32, len(params)),
	}
	for i, p := range params {
		a.m[i] = make([]float32, p.NumElems)
		a.v[i] = make([]float32, p.NumElems)
	}
	return a, nil
}

func (a *Adam) Step() error {
	a.stepCount++
	beta1 := a.config.Beta1
	beta2 := a.config.Beta2
	bc1 := 1 - math.Pow(beta1, float64(a.stepCount))
	bc2 := 1 - math.Pow(beta2, float64(a.stepCount))
	lr := a.config.LearningRate
	eps := a.config.Epsilon
	weightDecay := float32(a.config.WeightDecay)

	for i, p := range a.params {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		data := p.Data.([]float32)
		gradData := grad.Data.([]float32)
		m, v := a.m[i], a.v[i]

		for j := range data {
			g := float64(gradData[j])
			if weightDecay != 0 {
				g += float64(weightDecay * data[j])
			}
			m[j] = float32(beta1*float64(m[j]) + (1-beta1)*g)
			v[j] = float32(beta2*float64(v[j]) + (1-beta2)*g*g)
			mHat := float64(m[j]) / bc1
			vHat := float64(v[j]) / bc2
			data[j] -= float32(lr * mHat / (math.Sqrt(vHat) + eps))
		}
	}
	return nil
}

func (a *Adam) ZeroGrad() {
	for _, p := range a.params {
		p.ZeroGrad()
	}
}

func (a *Adam) GetLR() float64   { return a.config.LearningRate }
func (a *Adam) SetLR(lr float64) { a.config.LearningRate = lr }

func (a *Adam) StateDict() *OptimizerState {
	copyBuffers := func(src [][]float32) [][]float32 {
		out := make([][]float32, len(src))
		for i, b := range src {
			out[i] = append([]float32(nil), b...)
		}
		return out
	}
	return &OptimizerState{
		Type:         "adam",
		LearningRate: a.config.LearningRate,
		StepCount:    a.stepCount,
		Settings: map[string]float64{
			"beta1":        a.config.Beta1,
			"beta2":        a.config.Beta2,
			"epsilon":      a.config.Epsilon,
			"weight_decay": a.config.WeightDecay,
		},
		Buffers: map[string][][]float32{
			"m": copyBuffers(a.m),
			"v": copyBuffers(a.v),
		},
	}
}

func (a *Adam) LoadStateDict(state *OptimizerState) error {
	if state.Type != "adam" {
		return fmt.Errorf("cannot load %q state into Adam optimizer", state.Type)
	}
	a.config.LearningRate = state.LearningRate
	a.stepCount = state.StepCount
	for _, key := range []string{"m", "v"} {
		buffers, ok := state.Buffers[key]
		if !ok {
			return fmt.Errorf("adam state missing %q buffers", key)
		}
		if len(buffers) != len(a.params) {
			return fmt.Errorf("%q buffer count %d does not match %d parameters", key, len(buffers), len(a.params))
		}
		dst := a.m
		if key == "v" {
			dst = a.v
		}
		for i := range buffers {
			if len(buffers[i]) != a.params[i].NumElems {
				return fmt.Errorf("%q buffer %d has %d elements, parameter has %d", key, i, len(buffers[i]), a.params[i].NumElems)
			}
			dst[i] = append([]float32(nil), buffers[i]...)
		}
	}
	return nil
}
