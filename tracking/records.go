package tracking

// Box groups inside an ImageRecord.
const (
	GroupGroundTruth = "ground_truth"
	GroupPredictions = "predictions"
)

// DomainPercentage marks coordinates normalized to [0,1] of the image size.
const DomainPercentage = "percentage"

// ImageRecord is one annotated image: a reference to the pixels and the box groups
// drawn on top of them.
type ImageRecord struct {
	Image ImageRef            `json:"image"`
	Boxes map[string]BoxGroup `json:"boxes"`
}

// ImageRef identifies the image a record annotates. Pixels are never shipped;
// the tracking service resolves ImageID against its own copy of the dataset.
type ImageRef struct {
	ImageID int64 `json:"image_id"`
	Height  int   `json:"height,omitempty"`
	Width   int   `json:"width,omitempty"`
}

// BoxGroup is a list of boxes plus the label map used to render class ids.
type BoxGroup struct {
	BoxData     []Box          `json:"box_data"`
	ClassLabels map[int]string `json:"class_labels"`
}

// Box is one captioned bounding box.
type Box struct {
	Position   Position           `json:"position"`
	ClassID    int                `json:"class_id"`
	BoxCaption string             `json:"box_caption"`
	Scores     map[string]float64 `json:"scores"`
	Domain     string             `json:"domain"`
}

// Position is either a CornerPosition or a CenterPosition.
type Position interface {
	isPosition()
}

// CornerPosition is a box given by its normalized edges.
type CornerPosition struct {
	MinX float64 `json:"minX"`
	MaxX float64 `json:"maxX"`
	MinY float64 `json:"minY"`
	MaxY float64 `json:"maxY"`
}

func (CornerPosition) isPosition() {}

// CenterPosition is a box given by its normalized center and size.
type CenterPosition struct {
	Middle [2]float64 `json:"middle"`
	Width  float64    `json:"width"`
	Height float64    `json:"height"`
}

func (CenterPosition) isPosition() {}
