package synthetic

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-detr/training"
)

// Dataset sizes per split before duplication.
var splitSizes = map[string]int{
	training.SplitTrain: 24,
	training.SplitVal:   8,
}

// Dataset generates images with one to three boxes each. Sample i is a pure
// function of (seed, split, i), so every rank and every epoch sees the same data.
type Dataset struct {
	split string
	n     int
	seed  int64
	// ImageOffset separates the id ranges of the splits.
	ImageOffset int64
}

func newDataset(split string, duplication int, seed int64) (*Dataset, error) {
	n, ok := splitSizes[split]
	if !ok {
		return nil, fmt.Errorf("unknown split %q", split)
	}
	if duplication < 1 {
		duplication = 1
	}
	offset := int64(0)
	if split == training.SplitVal {
		offset = 100000
	}
	return &Dataset{split: split, n: n * duplication, seed: seed, ImageOffset: offset}, nil
}

func (d *Dataset) Len() int { return d.n }

func (d *Dataset) Get(ctx context.Context, index int) (training.Sample, error) {
	if err := ctx.Err(); err != nil {
		return training.Sample{}, err
	}
	if index < 0 || index >= d.n {
		return training.Sample{}, fmt.Errorf("index %d out of range [0,%d)", index, d.n)
	}
	rng := rand.New(rand.NewSource(d.seed*7919 + d.ImageOffset + int64(index)))
	img := Image{
		ID:     d.ImageOffset + int64(index),
		Height: 240 + 16*rng.Intn(16),
		Width:  320 + 16*rng.Intn(16),
	}
	var anns []training.Annotation
	// Every seventh image is empty, exercising the no-object path.
	if index%7 != 6 {
		count := 1 + rng.Intn(3)
		for k := 0; k < count; k++ {
			w := float64(img.Width) * (0.1 + 0.3*rng.Float64())
			h := float64(img.Height) * (0.1 + 0.3*rng.Float64())
			x := (float64(img.Width) - w) * rng.Float64()
			y := (float64(img.Height) - h) * rng.Float64()
			anns = append(anns, training.Annotation{
				ID:         img.ID*10 + int64(k),
				CategoryID: 1,
				Box:        [4]float64{math.Round(x), math.Round(y), math.Round(w), math.Round(h)},
			})
		}
	}
	return training.Sample{
		Image: img,
		Target: training.Target{
			ImageID:     img.ID,
			OrigSize:    [2]int{img.Height, img.Width},
			Annotations: anns,
		},
	}, nil
}

// Evaluator reports the mean IoU of the best detection against the first
// ground-truth box, and the fraction of images above 0.5 IoU.
type Evaluator struct {
	base    training.Dataset
	ious    []float64
	images  int
	skipped int
}

func (e *Evaluator) Update(targets []training.Target, detections [][]training.Detection) error {
	if len(targets) != len(detections) {
		return fmt.Errorf("%d detection lists for %d targets", len(detections), len(targets))
	}
	for i, tgt := range targets {
		e.images++
		if len(tgt.Annotations) == 0 || len(detections[i]) == 0 {
			e.skipped++
			continue
		}
		want := normalizedCenter(tgt.Annotations[0].Box, tgt.OrigSize)
		e.ious = append(e.ious, iou(detections[i][0].Box, want))
	}
	return nil
}

func (e *Evaluator) Summarize() (map[string]float64, error) {
	mean, hits := 0.0, 0.0
	for _, v := range e.ious {
		mean += v
		if v >= 0.5 {
			hits++
		}
	}
	if len(e.ious) > 0 {
		mean /= float64(len(e.ious))
		hits /= float64(len(e.ious))
	}
	return map[string]float64{
		"bbox_mean_iou": mean,
		"bbox_ap50":     hits,
	}, nil
}

func (e *Evaluator) State() map[string]any {
	ious := make([]any, len(e.ious))
	for i, v := range e.ious {
		ious[i] = v
	}
	baseLen := 0
	if e.base != nil {
		baseLen = e.base.Len()
	}
	return map[string]any{
		"bbox": map[string]any{
			"ious":         ious,
			"images":       e.images,
			"skipped":      e.skipped,
			"base_dataset": baseLen,
		},
	}
}

// iou of two normalized center-size boxes.
func iou(a, b [4]float64) float64 {
	ax0, ay0, ax1, ay1 := a[0]-a[2]/2, a[1]-a[3]/2, a[0]+a[2]/2, a[1]+a[3]/2
	bx0, by0, bx1, by1 := b[0]-b[2]/2, b[1]-b[3]/2, b[0]+b[2]/2, b[1]+b[3]/2
	iw := math.Max(0, math.Min(ax1, bx1)-math.Max(ax0, bx0))
	ih := math.Max(0, math.Min(ay1, by1)-math.Max(ay0, by0))
	inter := iw * ih
	union := a[2]*a[3] + b[2]*b[3] - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
