// Package synthetic is a small deterministic detection backend. It learns one box
// and one class distribution with plain gradient descent, which is enough to run
// the whole training lifecycle, checkpoints included, without a tensor runtime.
package synthetic

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/tsawler/go-detr/checkpoints"
	"github.com/tsawler/go-detr/training"
)

// Parameter names. The backbone entries exercise the two learning-rate groups;
// the stem is frozen.
const (
	ParamStem      = "backbone.0.body.conv1.weight"
	ParamBackbone  = "backbone.0.body.layer1.weight"
	ParamDecoder   = "transformer.decoder.weight"
	ParamBBoxEmbed = "bbox_embed.weight"
	ParamClass     = "class_embed.weight"
)

// NumClasses is the number of class logits, matching the default label map.
const NumClasses = 3

var paramSizes = map[string]int{
	ParamStem:      16,
	ParamBackbone:  8,
	ParamDecoder:   8,
	ParamBBoxEmbed: 4,
	ParamClass:     NumClasses,
}

// Model predicts the same learned box, shifted per query, for every image.
type Model struct {
	weights  map[string][]float64
	queries  int
	training bool
	// base is set when the model wraps a frozen detector.
	frozenBase bool
}

// Image is the opaque image handed to the model by the synthetic dataset.
type Image struct {
	ID     int64
	Height int
	Width  int
}

// Outputs is the raw forward result: one box per query and image, and the class
// logits shared by every query.
type Outputs struct {
	Boxes  [][][4]float64
	Logits []float64
}

func newModel(rng *rand.Rand, queries int, frozenBase bool) *Model {
	if queries <= 0 {
		queries = 1
	}
	if queries > 5 {
		queries = 5
	}
	m := &Model{weights: make(map[string][]float64), queries: queries, frozenBase: frozenBase}
	for _, name := range sortedParams() {
		w := make([]float64, paramSizes[name])
		for i := range w {
			w[i] = rng.Float64()*0.2 - 0.1
		}
		m.weights[name] = w
	}
	// Start near the image center.
	copy(m.weights[ParamBBoxEmbed], []float64{0.5, 0.5, 0.3, 0.3})
	return m
}

func sortedParams() []string {
	names := make([]string, 0, len(paramSizes))
	for k := range paramSizes {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (m *Model) Parameters() []training.Parameter {
	params := make([]training.Parameter, 0, len(m.weights))
	for _, name := range sortedParams() {
		params = append(params, training.Parameter{
			Name:         name,
			NumElements:  len(m.weights[name]),
			RequiresGrad: m.requiresGrad(name),
		})
	}
	return params
}

func (m *Model) requiresGrad(name string) bool {
	if name == ParamStem {
		return false
	}
	// A segmentation head over a frozen detector trains nothing of the detector.
	if m.frozenBase && name != ParamDecoder {
		return false
	}
	return true
}

func (m *Model) Train() { m.training = true }
func (m *Model) Eval()  { m.training = false }

// Training reports the current mode.
func (m *Model) Training() bool { return m.training }

func (m *Model) Forward(ctx context.Context, images []any) (training.Outputs, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	box := m.weights[ParamBBoxEmbed]
	out := Outputs{Logits: append([]float64(nil), m.weights[ParamClass]...)}
	for _, img := range images {
		if _, ok := img.(Image); !ok {
			return nil, fmt.Errorf("synthetic model cannot read %T", img)
		}
		preds := make([][4]float64, m.queries)
		for q := range preds {
			shift := 0.05 * float64(q)
			preds[q] = [4]float64{
				clamp01(box[0] + shift),
				clamp01(box[1] + shift),
				clamp01(box[2]),
				clamp01(box[3]),
			}
		}
		out.Boxes = append(out.Boxes, preds)
	}
	return out, nil
}

func (m *Model) StateDict() checkpoints.StateDict {
	state := make(checkpoints.StateDict, len(m.weights))
	for name, w := range m.weights {
		vals := make([]any, len(w))
		for i, v := range w {
			vals[i] = v
		}
		state[name] = vals
	}
	return state
}

func (m *Model) LoadStateDict(state checkpoints.StateDict) error {
	return m.load(state, sortedParams())
}

// LoadBaseStateDict loads the detector weights of a segmentation model.
func (m *Model) LoadBaseStateDict(state checkpoints.StateDict) error {
	if !m.frozenBase {
		return fmt.Errorf("model has no frozen base")
	}
	return m.load(state, []string{ParamBackbone, ParamBBoxEmbed, ParamClass})
}

func (m *Model) load(state checkpoints.StateDict, names []string) error {
	loaded := make(map[string][]float64, len(names))
	for _, name := range names {
		raw, ok := state[name]
		if !ok {
			return fmt.Errorf("missing key %q in state dict", name)
		}
		w, err := floats(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if len(w) != paramSizes[name] {
			return fmt.Errorf("%s: size mismatch, checkpoint has %d, model has %d", name, len(w), paramSizes[name])
		}
		loaded[name] = w
	}
	for name, w := range loaded {
		m.weights[name] = w
	}
	return nil
}

func floats(raw any) ([]float64, error) {
	switch v := raw.(type) {
	case []float64:
		return append([]float64(nil), v...), nil
	case []any:
		out := make([]float64, len(v))
		for i, x := range v {
			f, ok := x.(float64)
			if !ok {
				return nil, fmt.Errorf("element %d is %T, want number", i, x)
			}
			out[i] = f
		}
		return out, nil
	default:
		return nil, fmt.Errorf("value is %T, want list of numbers", raw)
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func softmax(logits []float64) []float64 {
	maxLogit := math.Inf(-1)
	for _, l := range logits {
		maxLogit = math.Max(maxLogit, l)
	}
	out := make([]float64, len(logits))
	sum := 0.0
	for i, l := range logits {
		out[i] = math.Exp(l - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
