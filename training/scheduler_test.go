package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-detr/checkpoints"
)

type fakeOptimizer struct {
	lrs   []float64
	steps int
	state checkpoints.StateDict
}

func (o *fakeOptimizer) Step(Loss, float64) error       { o.steps++; return nil }
func (o *fakeOptimizer) LearningRates() []float64       { return append([]float64(nil), o.lrs...) }
func (o *fakeOptimizer) SetLearningRates(lrs []float64) { o.lrs = append([]float64(nil), lrs...) }
func (o *fakeOptimizer) StateDict() checkpoints.StateDict {
	return checkpoints.StateDict{"steps": o.steps}
}
func (o *fakeOptimizer) LoadStateDict(s checkpoints.StateDict) error {
	o.state = s
	return nil
}

func TestStepLRScheduler(t *testing.T) {
	scheduler := NewStepLR(&fakeOptimizer{lrs: []float64{0.1}}, 2, 0.1)
	baseLR := 0.1

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0.1},    // Initial
		{1, 0.1},    // No change yet
		{2, 0.01},   // First reduction
		{3, 0.01},   // Same
		{4, 0.001},  // Second reduction
		{5, 0.001},  // Same
		{6, 0.0001}, // Third reduction
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(tt.epoch, baseLR)
		if math.Abs(lr-tt.expectedLR) > 1e-8 {
			t.Errorf("Epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
		}
	}
}

func TestStepLRDrivesOptimizer(t *testing.T) {
	opt := &fakeOptimizer{lrs: []float64{1e-4, 1e-5}}
	s := NewStepLR(opt, 200, DefaultGamma)

	for i := 0; i < 199; i++ {
		s.Step()
	}
	assert.InDeltaSlice(t, []float64{1e-4, 1e-5}, opt.lrs, 1e-15)

	s.Step()
	assert.Equal(t, 200, s.LastEpoch)
	assert.InDeltaSlice(t, []float64{1e-5, 1e-6}, opt.lrs, 1e-15, "rates drop after lr_drop epochs")
}

func TestStepLRDefaults(t *testing.T) {
	s := NewStepLR(&fakeOptimizer{lrs: []float64{1}}, 0, 5)
	assert.Equal(t, 30, s.StepSize)
	assert.Equal(t, DefaultGamma, s.Gamma)
	assert.Equal(t, "StepLR", s.GetName())
}

func TestStepLRStateRoundTrip(t *testing.T) {
	opt := &fakeOptimizer{lrs: []float64{1e-4, 1e-5}}
	s := NewStepLR(opt, 3, DefaultGamma)
	for i := 0; i < 4; i++ {
		s.Step()
	}

	// Checkpoints decode numbers as float64.
	data, err := checkpoints.EncodePayload(s.StateDict(), checkpoints.FormatProto)
	require.NoError(t, err)
	state, err := checkpoints.DecodePayload(data)
	require.NoError(t, err)

	restoredOpt := &fakeOptimizer{lrs: []float64{1e-4, 1e-5}}
	restored := NewStepLR(restoredOpt, 200, DefaultGamma)
	require.NoError(t, restored.LoadStateDict(state))

	assert.Equal(t, 3, restored.StepSize)
	assert.Equal(t, 4, restored.LastEpoch)
	assert.InDeltaSlice(t, []float64{1e-5, 1e-6}, restoredOpt.lrs, 1e-15)
}

func TestStepLRLoadRejectsMismatch(t *testing.T) {
	s := NewStepLR(&fakeOptimizer{lrs: []float64{1e-4, 1e-5}}, 3, DefaultGamma)

	err := s.LoadStateDict(checkpoints.StateDict{
		"step_size": 3.0, "gamma": 0.1, "last_epoch": 1.0, "base_lrs": []any{1e-4},
	})
	assert.Error(t, err)

	err = s.LoadStateDict(checkpoints.StateDict{
		"step_size": 3.0, "gamma": 0.1, "last_epoch": 1.5, "base_lrs": []any{1e-4, 1e-5},
	})
	assert.Error(t, err)
}

func TestBuildParamGroups(t *testing.T) {
	params := []Parameter{
		{Name: "backbone.0.body.conv1.weight", NumElements: 9408, RequiresGrad: false},
		{Name: "backbone.0.body.layer2.weight", NumElements: 100, RequiresGrad: true},
		{Name: "transformer.encoder.layers.0.linear1.weight", NumElements: 50, RequiresGrad: true},
		{Name: "class_embed.weight", NumElements: 7, RequiresGrad: true},
	}
	groups := BuildParamGroups(params, 1e-4, 1e-5)
	require.Len(t, groups, 2)
	assert.Equal(t, []string{"transformer.encoder.layers.0.linear1.weight", "class_embed.weight"}, groups[0].Names)
	assert.Equal(t, 1e-4, groups[0].LR)
	assert.Equal(t, []string{"backbone.0.body.layer2.weight"}, groups[1].Names)
	assert.Equal(t, 1e-5, groups[1].LR)

	assert.Equal(t, 157, CountTrainable(params))
}
