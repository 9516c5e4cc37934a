package visualization

import (
	"fmt"

	"github.com/tsawler/go-detr/tracking"
)

// Annotation is a ground-truth object in dataset form. Box is [x, y, width, height]
// in pixels of the original image.
type Annotation struct {
	ID         int64
	CategoryID int
	Box        [4]float64
}

// Detection is a post-processed prediction. Box is [cx, cy, width, height]
// normalized to the image size.
type Detection struct {
	Box        [4]float64
	CategoryID int
	Score      float64
}

// Caption prefixes for ground truth and prediction boxes.
const (
	PrefixGroundTruth = "gt"
	PrefixDetection   = "dt"
)

// GroundTruthBox converts a pixel-space annotation into normalized corner
// coordinates. size is [height, width] of the original image.
func GroundTruthBox(ann Annotation, size [2]int, labels *LabelResolver) tracking.Box {
	h, w := float64(size[0]), float64(size[1])
	x, y, bw, bh := ann.Box[0], ann.Box[1], ann.Box[2], ann.Box[3]
	return tracking.Box{
		Position: tracking.CornerPosition{
			MinX: x / w,
			MaxX: (x + bw) / w,
			MinY: y / h,
			MaxY: (y + bh) / h,
		},
		ClassID:    ann.CategoryID,
		BoxCaption: fmt.Sprintf("%d %s", ann.ID, labels.Resolve(ann.CategoryID)),
		Scores:     map[string]float64{},
		Domain:     tracking.DomainPercentage,
	}
}

// PixelBox inverts GroundTruthBox's position back to [x, y, width, height] pixels.
func PixelBox(p tracking.CornerPosition, size [2]int) [4]float64 {
	h, w := float64(size[0]), float64(size[1])
	return [4]float64{
		p.MinX * w,
		p.MinY * h,
		(p.MaxX - p.MinX) * w,
		(p.MaxY - p.MinY) * h,
	}
}

// PredictionBox converts a normalized center-size box. The caption is the prefix,
// the box index and the label, followed by the score when it is non-zero.
func PredictionBox(box [4]float64, index, categoryID int, prefix string, score float64, labels *LabelResolver) tracking.Box {
	caption := fmt.Sprintf("%s%d %s", prefix, index, labels.Resolve(categoryID))
	if score != 0 {
		caption += fmt.Sprintf(" (%.2f)", score)
	}
	return tracking.Box{
		Position: tracking.CenterPosition{
			Middle: [2]float64{box[0], box[1]},
			Width:  box[2],
			Height: box[3],
		},
		ClassID:    categoryID,
		BoxCaption: caption,
		Scores:     map[string]float64{"score": score},
		Domain:     tracking.DomainPercentage,
	}
}
