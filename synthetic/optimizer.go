package synthetic

import (
	"fmt"
	"math"

	"github.com/tsawler/go-detr/checkpoints"
	"github.com/tsawler/go-detr/training"
)

// Optimizer is SGD with decoupled weight decay over parameter groups.
type Optimizer struct {
	model       *Model
	groups      []training.ParamGroup
	weightDecay float64
	steps       int
}

func newOptimizer(model *Model, groups []training.ParamGroup, weightDecay float64) *Optimizer {
	copied := make([]training.ParamGroup, len(groups))
	for i, g := range groups {
		copied[i] = training.ParamGroup{Names: append([]string(nil), g.Names...), LR: g.LR}
	}
	return &Optimizer{model: model, groups: copied, weightDecay: weightDecay}
}

// Steps is the number of updates applied.
func (o *Optimizer) Steps() int { return o.steps }

func (o *Optimizer) Step(loss training.Loss, maxNorm float64) error {
	grads, ok := loss.Handle.(gradients)
	if !ok {
		return fmt.Errorf("synthetic optimizer cannot use gradients of type %T", loss.Handle)
	}

	scale := 1.0
	if maxNorm > 0 {
		norm := 0.0
		for _, g := range grads {
			for _, v := range g {
				norm += v * v
			}
		}
		norm = math.Sqrt(norm)
		if norm > maxNorm {
			scale = maxNorm / (norm + 1e-6)
		}
	}

	for _, group := range o.groups {
		for _, name := range group.Names {
			w := o.model.weights[name]
			g := grads[name]
			for k := range w {
				w[k] -= group.LR * o.weightDecay * w[k]
				if k < len(g) {
					w[k] -= group.LR * scale * g[k]
				}
			}
		}
	}
	o.steps++
	return nil
}

func (o *Optimizer) LearningRates() []float64 {
	lrs := make([]float64, len(o.groups))
	for i, g := range o.groups {
		lrs[i] = g.LR
	}
	return lrs
}

func (o *Optimizer) SetLearningRates(lrs []float64) {
	for i := range o.groups {
		if i < len(lrs) {
			o.groups[i].LR = lrs[i]
		}
	}
}

func (o *Optimizer) StateDict() checkpoints.StateDict {
	groups := make([]any, len(o.groups))
	for i, g := range o.groups {
		names := make([]any, len(g.Names))
		for j, n := range g.Names {
			names[j] = n
		}
		groups[i] = map[string]any{
			"lr":           g.LR,
			"weight_decay": o.weightDecay,
			"params":       names,
		}
	}
	return checkpoints.StateDict{
		"type":         "SGDW",
		"step":         o.steps,
		"param_groups": groups,
	}
}

func (o *Optimizer) LoadStateDict(state checkpoints.StateDict) error {
	rawGroups, ok := state["param_groups"].([]any)
	if !ok {
		return fmt.Errorf("optimizer state: param_groups is %T, want list", state["param_groups"])
	}
	if len(rawGroups) != len(o.groups) {
		return fmt.Errorf("optimizer state has %d parameter groups, optimizer has %d", len(rawGroups), len(o.groups))
	}
	lrs := make([]float64, len(rawGroups))
	for i, raw := range rawGroups {
		g, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("optimizer state: group %d is %T", i, raw)
		}
		lr, ok := g["lr"].(float64)
		if !ok {
			return fmt.Errorf("optimizer state: group %d lr is %T", i, g["lr"])
		}
		lrs[i] = lr
	}
	var steps int
	switch v := state["step"].(type) {
	case float64:
		steps = int(v)
	case int:
		steps = v
	default:
		return fmt.Errorf("optimizer state: step is %T", state["step"])
	}

	o.SetLearningRates(lrs)
	o.steps = steps
	return nil
}
