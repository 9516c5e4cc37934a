package visualization

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tsawler/go-detr/tracking"
)

// SampleInterval is the batch period of the sampler: the first batch of every
// SampleInterval batches is visualized.
const SampleInterval = 50

// Target is the ground truth for one image. OrigSize is [height, width].
type Target struct {
	ImageID     int64
	OrigSize    [2]int
	Annotations []Annotation
}

// Batch pairs the targets of a batch with the detections produced for them.
type Batch struct {
	Targets    []Target
	Detections [][]Detection
}

// Decide reports whether the batch at counter is sampled.
func Decide(counter int) bool {
	return counter%SampleInterval == 0
}

// Sampler rate-limits visualization output for one pass over the data. Create a
// fresh Sampler per pass; the counter always starts at zero.
type Sampler struct {
	epoch   int
	counter int
	sink    tracking.Sink
	labels  *LabelResolver
	logger  *zap.Logger
}

// NewSampler creates a sampler for epoch. A nil labels selects DefaultLabels; a nil
// sink discards records.
func NewSampler(epoch int, sink tracking.Sink, labels *LabelResolver, logger *zap.Logger) *Sampler {
	if sink == nil {
		sink = tracking.NopSink{}
	}
	if labels == nil {
		labels = NewLabelResolver(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sampler{epoch: epoch, sink: sink, labels: labels, logger: logger}
}

// Counter returns the number of batches offered so far.
func (s *Sampler) Counter() int { return s.counter }

// Due reports whether the next offered batch will be sampled.
func (s *Sampler) Due() bool { return Decide(s.counter) }

// Advance moves to the next batch without sampling.
func (s *Sampler) Advance() { s.counter++ }

// Key is the tracking key of the batch at the current counter.
func (s *Sampler) Key() string {
	return fmt.Sprintf("epoch_%d_batch_%d", s.epoch, s.counter)
}

// Offer visualizes b when the sampler is due and advances the counter either way.
// It reports whether b was sampled. Sink failures are logged, never returned.
func (s *Sampler) Offer(ctx context.Context, b Batch) bool {
	if !s.Due() {
		s.Advance()
		return false
	}
	s.emit(ctx, b)
	s.Advance()
	return true
}

// OfferFunc is Offer with a lazily built batch: build runs only when the sampler is
// due, so skipped batches cost nothing beyond the counter increment.
func (s *Sampler) OfferFunc(ctx context.Context, build func() (Batch, error)) bool {
	if !s.Due() {
		s.Advance()
		return false
	}
	b, err := build()
	if err != nil {
		s.logger.Warn("skipping visualization batch", zap.String("key", s.Key()), zap.Error(err))
		s.Advance()
		return false
	}
	s.emit(ctx, b)
	s.Advance()
	return true
}

func (s *Sampler) emit(ctx context.Context, b Batch) {
	n := len(b.Targets)
	if len(b.Detections) < n {
		n = len(b.Detections)
	}
	labels := s.labels.Labels()

	images := make([]tracking.ImageRecord, 0, n)
	for i := 0; i < n; i++ {
		target := b.Targets[i]
		gt := make([]tracking.Box, 0, len(target.Annotations))
		for _, ann := range target.Annotations {
			gt = append(gt, GroundTruthBox(ann, target.OrigSize, s.labels))
		}
		dt := make([]tracking.Box, 0, len(b.Detections[i]))
		for k, det := range b.Detections[i] {
			dt = append(dt, PredictionBox(det.Box, k, det.CategoryID, PrefixDetection, det.Score, s.labels))
		}
		images = append(images, tracking.ImageRecord{
			Image: tracking.ImageRef{ImageID: target.ImageID, Height: target.OrigSize[0], Width: target.OrigSize[1]},
			Boxes: map[string]tracking.BoxGroup{
				tracking.GroupGroundTruth: {BoxData: gt, ClassLabels: labels},
				tracking.GroupPredictions: {BoxData: dt, ClassLabels: labels},
			},
		})
	}

	key := s.Key()
	err := s.sink.Emit(ctx, tracking.Entry{
		Key:    key,
		Epoch:  s.epoch,
		Step:   s.counter,
		Images: images,
		Time:   time.Now(),
	})
	if err != nil {
		s.logger.Warn("visualization sink failed", zap.String("key", key), zap.Error(err))
	}

	for i := 0; i < n; i++ {
		s.logger.Info("sampled image",
			zap.String("key", key),
			zap.Int64("image_id", b.Targets[i].ImageID),
			zap.Int("ground_truth_boxes", len(b.Targets[i].Annotations)),
			zap.Int("predicted_boxes", len(b.Detections[i])))
	}
}
