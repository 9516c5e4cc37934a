package synthetic

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-detr/config"
	"github.com/tsawler/go-detr/distributed"
	"github.com/tsawler/go-detr/training"
)

// Name is the registry name of this backend.
const Name = "synthetic"

func init() {
	training.Register(Name, func() training.Backend { return New() })
}

// Backend builds the synthetic collaborators.
type Backend struct {
	rng *rand.Rand
	// Duplication multiplies the split sizes, like repeating a small dataset.
	Duplication map[string]int
}

// New creates a backend with its own random source.
func New() *Backend {
	return &Backend{
		rng:         rand.New(rand.NewSource(1)),
		Duplication: map[string]int{training.SplitTrain: 1, training.SplitVal: 1},
	}
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Seedables() []distributed.Seedable {
	return []distributed.Seedable{b.rng}
}

func (b *Backend) BuildModel(cfg *config.RunConfig, device string) (training.Model, training.Criterion, training.PostProcessor, error) {
	switch cfg.Model.Backbone {
	case "resnet50", "resnet101":
	default:
		return nil, nil, nil, fmt.Errorf("synthetic backend has no backbone %q", cfg.Model.Backbone)
	}
	frozen := cfg.Model.FrozenWeights != ""
	model := newModel(b.rng, cfg.Model.NumQueries, frozen)
	criterion := &Criterion{
		BBoxCoef:      cfg.Loss.BBoxCoordinatesLossCoef,
		EOSCoef:       cfg.Loss.EOSCoef,
		NoObjectClass: 0,
	}
	return model, criterion, PostProcessor{}, nil
}

func (b *Backend) BuildOptimizer(model training.Model, groups []training.ParamGroup, cfg *config.RunConfig) (training.Optimizer, error) {
	m, ok := model.(*Model)
	if !ok {
		return nil, fmt.Errorf("synthetic optimizer cannot drive %T", model)
	}
	return newOptimizer(m, groups, cfg.Optim.WeightDecay), nil
}

func (b *Backend) BuildDataset(split string, cfg *config.RunConfig) (training.Dataset, error) {
	switch cfg.Data.DatasetFile {
	case "coco", "coco_panoptic":
	default:
		return nil, fmt.Errorf("synthetic backend has no dataset %q", cfg.Data.DatasetFile)
	}
	return newDataset(split, b.Duplication[split], cfg.Run.Seed)
}

func (b *Backend) NewEvaluator(base training.Dataset, cfg *config.RunConfig) (training.Evaluator, error) {
	return &Evaluator{base: base}, nil
}
