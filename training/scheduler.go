package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-detr/checkpoints"
)

// StepLR multiplies every group's learning rate by Gamma once every StepSize
// epochs. It drives an Optimizer: Step advances one epoch and pushes the new
// rates into it.
type StepLR struct {
	StepSize  int
	Gamma     float64
	BaseLRs   []float64
	LastEpoch int

	optimizer Optimizer
}

// DefaultGamma is the decay factor applied at each drop.
const DefaultGamma = 0.1

// NewStepLR creates a step scheduler whose base rates are the optimizer's current
// rates.
func NewStepLR(optimizer Optimizer, stepSize int, gamma float64) *StepLR {
	if stepSize <= 0 {
		stepSize = 30 // Default: reduce every 30 epochs
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = DefaultGamma
	}
	base := append([]float64(nil), optimizer.LearningRates()...)
	return &StepLR{
		StepSize:  stepSize,
		Gamma:     gamma,
		BaseLRs:   base,
		optimizer: optimizer,
	}
}

func (s *StepLR) GetLR(epoch int, baseLR float64) float64 {
	// Calculate how many times to apply gamma
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLR) GetName() string {
	return "StepLR"
}

// Step advances the schedule by one epoch.
func (s *StepLR) Step() {
	s.LastEpoch++
	s.apply()
}

// LearningRates returns the rates for the current epoch.
func (s *StepLR) LearningRates() []float64 {
	lrs := make([]float64, len(s.BaseLRs))
	for i, base := range s.BaseLRs {
		lrs[i] = s.GetLR(s.LastEpoch, base)
	}
	return lrs
}

func (s *StepLR) apply() {
	s.optimizer.SetLearningRates(s.LearningRates())
}

// StateDict returns the serializable scheduler state.
func (s *StepLR) StateDict() checkpoints.StateDict {
	base := make([]any, len(s.BaseLRs))
	for i, lr := range s.BaseLRs {
		base[i] = lr
	}
	return checkpoints.StateDict{
		"step_size":  s.StepSize,
		"gamma":      s.Gamma,
		"base_lrs":   base,
		"last_epoch": s.LastEpoch,
	}
}

// LoadStateDict restores the schedule and re-applies the resulting rates.
func (s *StepLR) LoadStateDict(state checkpoints.StateDict) error {
	stepSize, err := intField(state, "step_size")
	if err != nil {
		return err
	}
	lastEpoch, err := intField(state, "last_epoch")
	if err != nil {
		return err
	}
	gamma, ok := state["gamma"].(float64)
	if !ok {
		return fmt.Errorf("scheduler state: gamma is %T, want number", state["gamma"])
	}
	rawBase, ok := state["base_lrs"].([]any)
	if !ok {
		return fmt.Errorf("scheduler state: base_lrs is %T, want list", state["base_lrs"])
	}
	base := make([]float64, len(rawBase))
	for i, v := range rawBase {
		f, ok := v.(float64)
		if !ok {
			return fmt.Errorf("scheduler state: base_lrs[%d] is %T, want number", i, v)
		}
		base[i] = f
	}
	if len(base) != len(s.BaseLRs) {
		return fmt.Errorf("scheduler state has %d parameter groups, optimizer has %d", len(base), len(s.BaseLRs))
	}
	if stepSize <= 0 {
		return fmt.Errorf("scheduler state: step_size must be positive, got %d", stepSize)
	}

	s.StepSize = stepSize
	s.Gamma = gamma
	s.BaseLRs = base
	s.LastEpoch = lastEpoch
	s.apply()
	return nil
}

// intField reads an integral number decoded as int or float64.
func intField(state map[string]any, key string) (int, error) {
	switch v := state[key].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%s must be integral, got %v", key, v)
		}
		return int(v), nil
	default:
		return 0, fmt.Errorf("%s is %T, want number", key, state[key])
	}
}
