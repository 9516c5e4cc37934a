package training

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/tsawler/go-detr/visualization"
)

// NonFiniteLossError aborts a run whose loss became NaN or infinite.
type NonFiniteLossError struct {
	Epoch int
	Step  int
	Loss  Loss
}

func (e *NonFiniteLossError) Error() string {
	return fmt.Sprintf("loss is %v at epoch %d step %d, stopping training (terms: %v)",
		e.Loss.Total, e.Epoch, e.Step, e.Loss.Terms)
}

// Pass holds what one pass over a data loader needs.
type Pass struct {
	Model         Model
	Criterion     Criterion
	PostProcessor PostProcessor
	Loader        *DataLoader
	Epoch         int
	// Sampler is the visualization sampler for this pass only.
	Sampler  *visualization.Sampler
	Progress io.Writer
	Logger   *zap.Logger
}

func (p Pass) logger() *zap.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return zap.NewNop()
}

// TrainOneEpoch runs one optimization pass and returns the global averages of the
// loss terms and the learning rate.
func TrainOneEpoch(ctx context.Context, p Pass, optimizer Optimizer, maxNorm float64) (map[string]float64, error) {
	p.Model.Train()
	metrics := NewMetricLogger()
	bar := NewProgressBar(p.Progress, fmt.Sprintf("Epoch: [%d]", p.Epoch), p.Loader.Len())

	err := p.Loader.Iterate(ctx, func(step int, b Batch) error {
		outputs, err := p.Model.Forward(ctx, b.Images)
		if err != nil {
			return fmt.Errorf("forward pass failed: %w", err)
		}
		loss, err := p.Criterion.Compute(outputs, b.Targets)
		if err != nil {
			return fmt.Errorf("loss computation failed: %w", err)
		}
		if !isFinite(loss.Total) {
			return &NonFiniteLossError{Epoch: p.Epoch, Step: step, Loss: loss}
		}
		if err := optimizer.Step(loss, maxNorm); err != nil {
			return fmt.Errorf("optimizer step failed: %w", err)
		}

		values := lossValues(loss)
		if lrs := optimizer.LearningRates(); len(lrs) > 0 {
			values["lr"] = lrs[0]
		}
		metrics.UpdateN(values, b.Len())

		if p.Sampler != nil && p.PostProcessor != nil {
			p.Sampler.OfferFunc(ctx, func() (visualization.Batch, error) {
				dets, err := p.PostProcessor.Process(outputs, b.Targets)
				return visualization.Batch{Targets: b.Targets, Detections: dets}, err
			})
		}
		bar.Update(step+1, metrics.Current())
		return nil
	})
	if err != nil {
		return nil, err
	}
	bar.Finish()

	stats := metrics.GlobalAverages()
	p.logger().Info("training pass complete", zap.Int("epoch", p.Epoch), zap.String("stats", metrics.String()))
	return stats, nil
}

// Evaluate runs one evaluation pass. The evaluator accumulates every batch's
// detections; its summary is merged into the returned loss averages.
func Evaluate(ctx context.Context, p Pass, evaluator Evaluator) (map[string]float64, error) {
	p.Model.Eval()
	metrics := NewMetricLogger()
	bar := NewProgressBar(p.Progress, "Test:", p.Loader.Len())

	err := p.Loader.Iterate(ctx, func(step int, b Batch) error {
		outputs, err := p.Model.Forward(ctx, b.Images)
		if err != nil {
			return fmt.Errorf("forward pass failed: %w", err)
		}
		loss, err := p.Criterion.Compute(outputs, b.Targets)
		if err != nil {
			return fmt.Errorf("loss computation failed: %w", err)
		}
		metrics.UpdateN(lossValues(loss), b.Len())

		dets, err := p.PostProcessor.Process(outputs, b.Targets)
		if err != nil {
			return fmt.Errorf("post-processing failed: %w", err)
		}
		if evaluator != nil {
			if err := evaluator.Update(b.Targets, dets); err != nil {
				return fmt.Errorf("evaluator update failed: %w", err)
			}
		}
		if p.Sampler != nil {
			p.Sampler.Offer(ctx, visualization.Batch{Targets: b.Targets, Detections: dets})
		}
		bar.Update(step+1, metrics.Current())
		return nil
	})
	if err != nil {
		return nil, err
	}
	bar.Finish()

	stats := metrics.GlobalAverages()
	if evaluator != nil {
		summary, err := evaluator.Summarize()
		if err != nil {
			return nil, fmt.Errorf("evaluator summary failed: %w", err)
		}
		for k, v := range summary {
			stats[k] = v
		}
	}
	p.logger().Info("evaluation pass complete", zap.Int("epoch", p.Epoch), zap.String("stats", metrics.String()))
	return stats, nil
}

func lossValues(loss Loss) map[string]float64 {
	values := make(map[string]float64, len(loss.Terms)+2)
	for k, v := range loss.Terms {
		values[k] = v
	}
	values["loss"] = loss.Total
	return values
}
