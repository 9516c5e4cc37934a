package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/tsawler/go-detr/checkpoints"
	"github.com/tsawler/go-detr/config"
	"github.com/tsawler/go-detr/distributed"
	"github.com/tsawler/go-detr/tracking"
	"github.com/tsawler/go-detr/visualization"
)

// State is the lifecycle position of an EpochScheduler.
type State int

const (
	Bootstrapping State = iota
	EvaluateOnly
	TrainingLoop
	Finished
)

func (s State) String() string {
	switch s {
	case Bootstrapping:
		return "Bootstrapping"
	case EvaluateOnly:
		return "EvaluateOnly"
	case TrainingLoop:
		return "TrainingLoop"
	case Finished:
		return "Finished"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Dataset splits.
const (
	SplitTrain = "train"
	SplitVal   = "val"
)

// Options wires an EpochScheduler to its collaborators.
type Options struct {
	Config   *config.RunConfig
	Identity distributed.Identity
	Backend  Backend
	// Sink receives epoch records and visualization batches. Nil discards them.
	Sink    tracking.Sink
	Fetcher *checkpoints.Fetcher
	Labels  *visualization.LabelResolver
	Logger  *zap.Logger
	// Progress receives progress bars; nil keeps the terminal quiet.
	Progress io.Writer
}

// EpochScheduler drives a run: bootstrap, then either one evaluation pass or the
// epoch loop of train, step the schedule, checkpoint, evaluate and log.
type EpochScheduler struct {
	opts   Options
	cfg    *config.RunConfig
	id     distributed.Identity
	sink   tracking.Sink
	logger *zap.Logger
	state  State

	model       Model
	criterion   Criterion
	post        PostProcessor
	optimizer   Optimizer
	lrScheduler *StepLR
	trainLoader *DataLoader
	valLoader   *DataLoader
	baseDataset Dataset
	checkpoints *checkpoints.Manager
	nParameters int
	startEpoch  int
}

// NewEpochScheduler creates a scheduler in the Bootstrapping state.
func NewEpochScheduler(opts Options) *EpochScheduler {
	s := &EpochScheduler{
		opts:   opts,
		cfg:    opts.Config,
		id:     opts.Identity,
		sink:   opts.Sink,
		logger: opts.Logger,
	}
	if s.sink == nil {
		s.sink = tracking.NopSink{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.opts.Fetcher == nil {
		s.opts.Fetcher = &checkpoints.Fetcher{Logger: s.logger}
	}
	return s
}

// State returns the current lifecycle state.
func (s *EpochScheduler) State() State { return s.state }

// StartEpoch is the first epoch the loop runs, valid after bootstrap.
func (s *EpochScheduler) StartEpoch() int { return s.startEpoch }

// NParameters is the trainable parameter count, valid after bootstrap.
func (s *EpochScheduler) NParameters() int { return s.nParameters }

// Run executes the whole lifecycle. Configuration and checkpoint errors are
// returned before any training state changes.
func (s *EpochScheduler) Run(ctx context.Context) error {
	if s.state != Bootstrapping {
		return fmt.Errorf("scheduler already ran (state %s)", s.state)
	}
	if err := s.bootstrap(ctx); err != nil {
		return err
	}

	var err error
	if s.cfg.Run.Eval {
		s.state = EvaluateOnly
		err = s.evaluateOnly(ctx)
	} else {
		s.state = TrainingLoop
		err = s.trainingLoop(ctx)
	}
	if err != nil {
		return err
	}
	s.state = Finished
	return nil
}

func (s *EpochScheduler) bootstrap(ctx context.Context) error {
	cfg := s.cfg
	if cfg == nil {
		return &config.ConfigurationError{Field: "config", Reason: "missing"}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if s.opts.Backend == nil {
		return &config.ConfigurationError{Field: "backend", Reason: "missing"}
	}
	format, err := checkpoints.ParseFormat(cfg.Run.CheckpointFormat)
	if err != nil {
		return &config.ConfigurationError{Field: "checkpoint_format", Reason: err.Error()}
	}

	seed := distributed.DeriveSeed(cfg.Run.Seed, s.id.Rank)
	distributed.SeedAll(seed, s.opts.Backend.Seedables()...)

	model, criterion, post, err := s.opts.Backend.BuildModel(cfg, s.id.Device)
	if err != nil {
		return fmt.Errorf("failed to build model: %w", err)
	}
	s.model, s.criterion, s.post = model, criterion, post

	params := model.Parameters()
	s.nParameters = CountTrainable(params)
	s.logger.Info("number of params", zap.Int("n_parameters", s.nParameters))

	groups := BuildParamGroups(params, cfg.Optim.LR, cfg.Optim.LRBackbone)
	s.optimizer, err = s.opts.Backend.BuildOptimizer(model, groups, cfg)
	if err != nil {
		return fmt.Errorf("failed to build optimizer: %w", err)
	}
	s.lrScheduler = NewStepLR(s.optimizer, cfg.Optim.LRDrop, DefaultGamma)
	s.logger.Info("lr schedule",
		zap.String("scheduler", s.lrScheduler.GetName()),
		zap.Int("step_size", s.lrScheduler.StepSize),
		zap.Float64("gamma", s.lrScheduler.Gamma))

	if err := s.buildData(seed); err != nil {
		return err
	}

	saver := checkpoints.NewSaver(format)
	if cfg.Model.FrozenWeights != "" {
		base, ok := model.(FrozenBaseLoader)
		if !ok {
			return &config.ConfigurationError{Field: "frozen_weights", Reason: fmt.Sprintf("backend %s has no frozen base model", s.opts.Backend.Name())}
		}
		ck, err := s.opts.Fetcher.Load(ctx, cfg.Model.FrozenWeights, saver)
		if err != nil {
			return err
		}
		if err := base.LoadBaseStateDict(ck.ModelState()); err != nil {
			return &checkpoints.UnreadableError{Ref: cfg.Model.FrozenWeights, Reason: "incompatible base weights", Err: err}
		}
	}

	s.checkpoints = checkpoints.NewManager(checkpoints.Config{
		Directory: cfg.Run.OutputDir,
		LRDrop:    cfg.Optim.LRDrop,
		Format:    format,
	})

	s.startEpoch = cfg.Run.StartEpoch
	ref := cfg.Run.Resume
	if ref == "" && cfg.Run.AutoResume {
		if latest, ok := s.checkpoints.Latest(); ok {
			ref = latest
		} else {
			s.logger.Info("no checkpoint to auto-resume from", zap.String("output_dir", cfg.Run.OutputDir))
		}
	}
	if ref != "" {
		if err := s.resume(ctx, saver, ref); err != nil {
			return err
		}
	}
	return nil
}

func (s *EpochScheduler) buildData(seed int64) error {
	cfg := s.cfg
	trainDS, err := s.opts.Backend.BuildDataset(SplitTrain, cfg)
	if err != nil {
		return fmt.Errorf("failed to build %s dataset: %w", SplitTrain, err)
	}
	valDS, err := s.opts.Backend.BuildDataset(SplitVal, cfg)
	if err != nil {
		return fmt.Errorf("failed to build %s dataset: %w", SplitVal, err)
	}
	s.logger.Info("datasets ready", zap.Int("train_size", trainDS.Len()), zap.Int("val_size", valDS.Len()))

	// Every rank must shuffle with the same seed or the shards overlap.
	var trainSampler, valSampler distributed.Sampler
	if s.id.Distributed {
		trainSampler = distributed.NewDistributedSampler(trainDS.Len(), s.id, true, cfg.Run.Seed)
		valSampler = distributed.NewDistributedSampler(valDS.Len(), s.id, true, cfg.Run.Seed)
	} else {
		trainSampler = distributed.NewRandomSampler(trainDS.Len(), seed)
		valSampler = distributed.NewSequentialSampler(valDS.Len())
	}
	s.trainLoader = NewDataLoader(trainDS,
		distributed.NewBatchSampler(trainSampler, cfg.Optim.BatchSize, true), cfg.Data.NumWorkers)
	s.valLoader = NewDataLoader(valDS,
		distributed.NewBatchSampler(valSampler, cfg.Optim.BatchSize, false), cfg.Data.NumWorkers)

	// Panoptic training is still evaluated for box AP against plain COCO.
	s.baseDataset = valDS
	if cfg.Data.DatasetFile == "coco_panoptic" {
		cocoCfg := *cfg
		cocoCfg.Data.DatasetFile = "coco"
		base, err := s.opts.Backend.BuildDataset(SplitVal, &cocoCfg)
		if err != nil {
			return fmt.Errorf("failed to build coco base dataset: %w", err)
		}
		s.baseDataset = base
	}
	return nil
}

func (s *EpochScheduler) resume(ctx context.Context, saver *checkpoints.Saver, ref string) error {
	ck, err := s.opts.Fetcher.Load(ctx, ref, saver)
	if err != nil {
		return err
	}
	if err := s.model.LoadStateDict(ck.ModelState()); err != nil {
		return &checkpoints.UnreadableError{Ref: ref, Reason: "incompatible model state", Err: err}
	}

	plan := checkpoints.Reconcile(ck, s.cfg.Run.Eval, s.cfg.Run.StartEpoch)
	if plan.RestoreOptimizer {
		full := ck.(*checkpoints.Full)
		if err := s.optimizer.LoadStateDict(full.Optimizer); err != nil {
			return &checkpoints.UnreadableError{Ref: ref, Reason: "incompatible optimizer state", Err: err}
		}
		if err := s.lrScheduler.LoadStateDict(full.Scheduler); err != nil {
			return &checkpoints.UnreadableError{Ref: ref, Reason: "incompatible scheduler state", Err: err}
		}
	}
	s.startEpoch = plan.StartEpoch
	s.logger.Info("resumed",
		zap.String("checkpoint", ref),
		zap.Bool("optimizer_restored", plan.RestoreOptimizer),
		zap.Int("start_epoch", s.startEpoch))
	return nil
}

func (s *EpochScheduler) pass(epoch int, loader *DataLoader) Pass {
	return Pass{
		Model:         s.model,
		Criterion:     s.criterion,
		PostProcessor: s.post,
		Loader:        loader,
		Epoch:         epoch,
		Sampler:       visualization.NewSampler(epoch, s.sink, s.opts.Labels, s.logger),
		Progress:      s.opts.Progress,
		Logger:        s.logger,
	}
}

func (s *EpochScheduler) evaluate(ctx context.Context, epoch int) (map[string]float64, Evaluator, error) {
	evaluator, err := s.opts.Backend.NewEvaluator(s.baseDataset, s.cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build evaluator: %w", err)
	}
	stats, err := Evaluate(ctx, s.pass(epoch, s.valLoader), evaluator)
	if err != nil {
		return nil, nil, err
	}
	return stats, evaluator, nil
}

func (s *EpochScheduler) evaluateOnly(ctx context.Context) error {
	stats, evaluator, err := s.evaluate(ctx, s.startEpoch)
	if err != nil {
		return err
	}
	s.logger.Info("evaluation finished", zap.Any("test_stats", stats))
	if !s.checkpoints.Enabled() {
		return nil
	}
	return s.id.SaveOnMaster(func() error {
		path, err := s.checkpoints.SaveEval(evaluator.State())
		if err != nil {
			return err
		}
		s.logger.Info("saved evaluation artifact", zap.String("path", path))
		return nil
	})
}

func (s *EpochScheduler) trainingLoop(ctx context.Context) error {
	snapshot, err := s.cfg.Snapshot()
	if err != nil {
		return fmt.Errorf("failed to snapshot config: %w", err)
	}

	s.logger.Info("start training", zap.Int("start_epoch", s.startEpoch), zap.Int("epochs", s.cfg.Optim.Epochs))
	start := time.Now()
	for epoch := s.startEpoch; epoch < s.cfg.Optim.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		distributed.SynchronizeEpoch(s.id, s.trainLoader.Sampler(), epoch)

		trainStats, err := TrainOneEpoch(ctx, s.pass(epoch, s.trainLoader), s.optimizer, s.cfg.Optim.ClipMaxNorm)
		if err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}
		s.lrScheduler.Step()

		if s.checkpoints.Enabled() {
			err := s.id.SaveOnMaster(func() error {
				_, err := s.checkpoints.Save(&checkpoints.Full{
					Model:     s.model.StateDict(),
					Optimizer: s.optimizer.StateDict(),
					Scheduler: s.lrScheduler.StateDict(),
					Config:    snapshot,
				}, epoch)
				return err
			})
			if err != nil {
				return fmt.Errorf("epoch %d: %w", epoch, err)
			}
		}

		testStats, _, err := s.evaluate(ctx, epoch)
		if err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}

		record := tracking.EpochRecord{
			Epoch:       epoch,
			Train:       trainStats,
			Test:        testStats,
			NParameters: s.nParameters,
		}
		if err := s.sink.Emit(ctx, record.Entry()); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			s.logger.Warn("failed to log epoch record", zap.Int("epoch", epoch), zap.Error(err))
		}
	}

	s.logger.Info("training time", zap.String("total", FormatTrainingTime(time.Since(start))))
	return nil
}
