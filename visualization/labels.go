package visualization

import "strconv"

// DefaultLabels is the class-id to label map used for captions and the class-label
// table attached to every box group.
func DefaultLabels() map[int]string {
	return map[int]string{
		0: "no_object0",
		1: "part",
		2: "no_object2",
	}
}

// LabelResolver maps class ids to display labels. It never fails: ids missing from
// the map resolve to their decimal representation.
type LabelResolver struct {
	labels map[int]string
}

// NewLabelResolver copies labels; a nil map selects DefaultLabels.
func NewLabelResolver(labels map[int]string) *LabelResolver {
	if labels == nil {
		labels = DefaultLabels()
	}
	copied := make(map[int]string, len(labels))
	for k, v := range labels {
		copied[k] = v
	}
	return &LabelResolver{labels: copied}
}

// Resolve returns the label for id.
func (r *LabelResolver) Resolve(id int) string {
	if label, ok := r.labels[id]; ok {
		return label
	}
	return strconv.Itoa(id)
}

// Labels returns a copy of the underlying map.
func (r *LabelResolver) Labels() map[int]string {
	out := make(map[int]string, len(r.labels))
	for k, v := range r.labels {
		out[k] = v
	}
	return out
}
