package synthetic

import (
	"fmt"
	"math"

	"github.com/tsawler/go-detr/training"
)

// Criterion matches the first query of every image against the image's first
// ground-truth box. Images without annotations only contribute to the class loss,
// as the no-object class down-weighted by EOSCoef.
type Criterion struct {
	BBoxCoef float64
	EOSCoef  float64
	// NoObjectClass is the class id assigned to empty images.
	NoObjectClass int
}

// gradients is the Loss.Handle produced by Criterion.
type gradients map[string][]float64

func (c *Criterion) Compute(outputs training.Outputs, targets []training.Target) (training.Loss, error) {
	out, ok := outputs.(Outputs)
	if !ok {
		return training.Loss{}, fmt.Errorf("synthetic criterion cannot read %T", outputs)
	}
	if len(out.Boxes) != len(targets) {
		return training.Loss{}, fmt.Errorf("%d predictions for %d targets", len(out.Boxes), len(targets))
	}

	probs := softmax(out.Logits)
	grads := gradients{
		ParamBBoxEmbed: make([]float64, 4),
		ParamClass:     make([]float64, len(probs)),
	}
	var lossBBox, lossCE float64
	matched := 0
	for i, tgt := range targets {
		class, weight := c.NoObjectClass, c.EOSCoef
		if len(tgt.Annotations) > 0 {
			ann := tgt.Annotations[0]
			class, weight = ann.CategoryID, 1.0
			want := normalizedCenter(ann.Box, tgt.OrigSize)
			pred := out.Boxes[i][0]
			for k := 0; k < 4; k++ {
				d := pred[k] - want[k]
				lossBBox += math.Abs(d)
				grads[ParamBBoxEmbed][k] += sign(d)
			}
			matched++
		}
		if class < 0 || class >= len(probs) {
			return training.Loss{}, fmt.Errorf("target class %d outside [0,%d)", class, len(probs))
		}
		lossCE += -weight * math.Log(math.Max(probs[class], 1e-12))
		for k, p := range probs {
			onehot := 0.0
			if k == class {
				onehot = 1
			}
			grads[ParamClass][k] += weight * (p - onehot)
		}
	}

	n := math.Max(float64(len(targets)), 1)
	boxes := math.Max(float64(matched), 1)
	lossBBox /= boxes * 4
	lossCE /= n
	for k := range grads[ParamBBoxEmbed] {
		grads[ParamBBoxEmbed][k] *= c.BBoxCoef / (boxes * 4)
	}
	for k := range grads[ParamClass] {
		grads[ParamClass][k] /= n
	}

	return training.Loss{
		Total:  lossCE + c.BBoxCoef*lossBBox,
		Terms:  map[string]float64{"loss_ce": lossCE, "loss_bbox": lossBBox},
		Handle: grads,
	}, nil
}

// normalizedCenter converts a pixel [x, y, w, h] box to normalized [cx, cy, w, h].
func normalizedCenter(box [4]float64, size [2]int) [4]float64 {
	h, w := float64(size[0]), float64(size[1])
	return [4]float64{
		(box[0] + box[2]/2) / w,
		(box[1] + box[3]/2) / h,
		box[2] / w,
		box[3] / h,
	}
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

// PostProcessor scores every query with the most likely class.
type PostProcessor struct{}

func (PostProcessor) Process(outputs training.Outputs, targets []training.Target) ([][]training.Detection, error) {
	out, ok := outputs.(Outputs)
	if !ok {
		return nil, fmt.Errorf("synthetic post-processor cannot read %T", outputs)
	}
	probs := softmax(out.Logits)
	best := 0
	for k := range probs {
		if probs[k] > probs[best] {
			best = k
		}
	}
	dets := make([][]training.Detection, len(out.Boxes))
	for i, queries := range out.Boxes {
		for q, box := range queries {
			dets[i] = append(dets[i], training.Detection{
				Box:        box,
				CategoryID: best,
				Score:      probs[best] / float64(q+1),
			})
		}
	}
	return dets, nil
}
