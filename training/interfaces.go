package training

import (
	"context"

	"github.com/tsawler/go-detr/checkpoints"
	"github.com/tsawler/go-detr/config"
	"github.com/tsawler/go-detr/distributed"
	"github.com/tsawler/go-detr/visualization"
)

// Ground truth and detection types shared with the visualization sampler.
type (
	Annotation = visualization.Annotation
	Detection  = visualization.Detection
	Target     = visualization.Target
)

// Parameter describes one named tensor of a model.
type Parameter struct {
	Name         string
	NumElements  int
	RequiresGrad bool
}

// Sample is one dataset item. Image is opaque to the training loop and only
// handed to the model.
type Sample struct {
	Image  any
	Target Target
}

// Batch is a collated list of samples.
type Batch struct {
	Images  []any
	Targets []Target
}

// Len returns the number of samples in the batch.
func (b Batch) Len() int { return len(b.Targets) }

// Outputs is whatever the model's forward pass produces; only the criterion and
// the post-processor look inside.
type Outputs any

// Loss is a criterion result. Total is the weighted sum that is optimized, Terms
// holds the unweighted components and Handle carries backend state (gradients)
// from the criterion to the optimizer.
type Loss struct {
	Total  float64
	Terms  map[string]float64
	Handle any
}

// Model is the detection network.
type Model interface {
	Parameters() []Parameter
	Forward(ctx context.Context, images []any) (Outputs, error)
	StateDict() checkpoints.StateDict
	LoadStateDict(state checkpoints.StateDict) error
	Train()
	Eval()
}

// FrozenBaseLoader is implemented by segmentation models that wrap a detector whose
// weights are loaded from a separate checkpoint and kept frozen.
type FrozenBaseLoader interface {
	LoadBaseStateDict(state checkpoints.StateDict) error
}

// Criterion computes the training loss.
type Criterion interface {
	Compute(outputs Outputs, targets []Target) (Loss, error)
}

// PostProcessor turns raw outputs into per-image detections in normalized
// center-size coordinates.
type PostProcessor interface {
	Process(outputs Outputs, targets []Target) ([][]Detection, error)
}

// Optimizer applies one update from a loss. Step covers gradient computation,
// clipping to maxNorm (when positive) and the parameter update.
type Optimizer interface {
	Step(loss Loss, maxNorm float64) error
	LearningRates() []float64
	SetLearningRates(lrs []float64)
	StateDict() checkpoints.StateDict
	LoadStateDict(state checkpoints.StateDict) error
}

// Dataset yields samples by index. Get may block and must honor ctx.
type Dataset interface {
	Len() int
	Get(ctx context.Context, index int) (Sample, error)
}

// Evaluator accumulates detections over one evaluation pass.
type Evaluator interface {
	Update(targets []Target, detections [][]Detection) error
	// Summarize returns scalar statistics, merged into the test stats.
	Summarize() (map[string]float64, error)
	// State is the accumulator persisted as the evaluation artifact.
	State() map[string]any
}

// Backend builds every external collaborator of a run.
type Backend interface {
	Name() string
	// Seedables returns the framework random sources seeded at startup.
	Seedables() []distributed.Seedable
	BuildModel(cfg *config.RunConfig, device string) (Model, Criterion, PostProcessor, error)
	BuildOptimizer(model Model, groups []ParamGroup, cfg *config.RunConfig) (Optimizer, error)
	BuildDataset(split string, cfg *config.RunConfig) (Dataset, error)
	// NewEvaluator creates a fresh accumulator against the base dataset.
	NewEvaluator(base Dataset, cfg *config.RunConfig) (Evaluator, error)
}
