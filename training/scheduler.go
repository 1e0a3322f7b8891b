package training

import "math"

// LRScheduler adjusts the learning rate between epochs. Step receives the
// epoch's validation metric (loss for plateau schedulers; others ignore it)
// and the current learning rate, and returns the rate for the next epoch.
type LRScheduler interface {
	Step(metric, currentLR float64) float64
	Name() string
}

// NoOpScheduler leaves the learning rate unchanged.
type NoOpScheduler struct{}

func (n *NoOpScheduler) Step(metric, currentLR float64) float64 { return currentLR }
func (n *NoOpScheduler) Name() string                           { return "none" }

// StepLR multiplies the learning rate by Gamma every StepSize epochs.
type StepLR struct {
	StepSize int
	Gamma    float64
	epoch    int
}

func NewStepLR(stepSize int, gamma float64) *StepLR {
	return &StepLR{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLR) Step(metric, currentLR float64) float64 {
	s.epoch++
	if s.StepSize > 0 && s.epoch%s.StepSize == 0 {
		return currentLR * s.Gamma
	}
	return currentLR
}

func (s *StepLR) Name() string { return "step" }

// ExponentialLR multiplies the learning rate by Gamma every epoch.
type ExponentialLR struct {
	Gamma float64
}

func NewExponentialLR(gamma float64) *ExponentialLR {
	return &ExponentialLR{Gamma: gamma}
}

func (e *ExponentialLR) Step(metric, currentLR float64) float64 {
	return currentLR * e.Gamma
}

func (e *ExponentialLR) Name() string { return "exponential" }

// CosineAnnealingLR anneals the learning rate from its initial value down to
// MinLR over TotalEpochs following a half cosine curve.
type CosineAnnealingLR struct {
	TotalEpochs int
	MinLR       float64
	initialLR   float64
	epoch       int
}

func NewCosineAnnealingLR(totalEpochs int, minLR float64) *CosineAnnealingLR {
	return &CosineAnnealingLR{TotalEpochs: totalEpochs, MinLR: minLR, initialLR: -1}
}

func (c *CosineAnnealingLR) Step(metric, currentLR float64) float64 {
	if c.initialLR < 0 {
		c.initialLR = currentLR
	}
	c.epoch++
	if c.epoch >= c.TotalEpochs {
		return c.MinLR
	}
	progress := float64(c.epoch) / float64(c.TotalEpochs)
	return c.MinLR + (c.initialLR-c.MinLR)*(1+math.Cos(math.Pi*progress))/2
}

func (c *CosineAnnealingLR) Name() string { return "cosine" }

// ReduceLROnPlateau multiplies the learning rate by Factor when the metric
// has not improved for Patience epochs.
type ReduceLROnPlateau struct {
	Factor    float64
	Patience  int
	Threshold float64
	MinLR     float64

	best    float64
	badRuns int
	started bool
}

func NewReduceLROnPlateau(factor float64, patience int) *ReduceLROnPlateau {
	return &ReduceLROnPlateau{Factor: factor, Patience: patience, Threshold: 1e-4}
}

func (r *ReduceLROnPlateau) Step(metric, currentLR float64) float64 {
	if !r.started || metric < r.best-r.Threshold {
		r.best = metric
		r.badRuns = 0
		r.started = true
		return currentLR
	}
	r.badRuns++
	if r.badRuns > r.Patience {
		r.badRuns = 0
		next := currentLR * r.Factor
		if next < r.MinLR {
			next = r.MinLR
		}
		return next
	}
	return currentLR
}

func (r *ReduceLROnPlateau) Name() string { return "plateau" }
