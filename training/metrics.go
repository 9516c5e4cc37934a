package training

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// defaultWindow is the number of recent values a SmoothedValue keeps.
const defaultWindow = 20

// SmoothedValue tracks a series of values and provides access to smoothed values
// over a window or the global series average.
type SmoothedValue struct {
	window []float64
	size   int
	next   int
	full   bool
	total  float64
	count  int
}

// NewSmoothedValue creates a tracker with the given window size.
func NewSmoothedValue(window int) *SmoothedValue {
	if window <= 0 {
		window = defaultWindow
	}
	return &SmoothedValue{window: make([]float64, window), size: window}
}

// Update records value n times, as a batch-weighted mean would.
func (sv *SmoothedValue) Update(value float64, n int) {
	sv.window[sv.next] = value
	sv.next = (sv.next + 1) % sv.size
	if sv.next == 0 {
		sv.full = true
	}
	sv.total += value * float64(n)
	sv.count += n
}

func (sv *SmoothedValue) recent() []float64 {
	if sv.full {
		return sv.window
	}
	return sv.window[:sv.next]
}

// Median of the window.
func (sv *SmoothedValue) Median() float64 {
	vals := append([]float64(nil), sv.recent()...)
	if len(vals) == 0 {
		return 0
	}
	sort.Float64s(vals)
	mid := len(vals) / 2
	if len(vals)%2 == 0 {
		return (vals[mid-1] + vals[mid]) / 2
	}
	return vals[mid]
}

// Avg is the mean of the window.
func (sv *SmoothedValue) Avg() float64 {
	vals := sv.recent()
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// GlobalAvg is the mean over every recorded value.
func (sv *SmoothedValue) GlobalAvg() float64 {
	if sv.count == 0 {
		return 0
	}
	return sv.total / float64(sv.count)
}

// Value is the most recent value.
func (sv *SmoothedValue) Value() float64 {
	vals := sv.recent()
	if len(vals) == 0 {
		return 0
	}
	return sv.window[(sv.next-1+sv.size)%sv.size]
}

// MetricLogger collects named SmoothedValues for one pass.
type MetricLogger struct {
	meters map[string]*SmoothedValue
	window int
}

// NewMetricLogger creates an empty logger.
func NewMetricLogger() *MetricLogger {
	return &MetricLogger{meters: make(map[string]*SmoothedValue), window: defaultWindow}
}

// Update records every value once.
func (ml *MetricLogger) Update(values map[string]float64) {
	ml.UpdateN(values, 1)
}

// UpdateN records every value with weight n.
func (ml *MetricLogger) UpdateN(values map[string]float64, n int) {
	for k, v := range values {
		m, ok := ml.meters[k]
		if !ok {
			m = NewSmoothedValue(ml.window)
			ml.meters[k] = m
		}
		m.Update(v, n)
	}
}

// Meter returns the tracker for name, or nil.
func (ml *MetricLogger) Meter(name string) *SmoothedValue {
	return ml.meters[name]
}

// GlobalAverages returns the global average of every meter, the pass statistics.
func (ml *MetricLogger) GlobalAverages() map[string]float64 {
	out := make(map[string]float64, len(ml.meters))
	for k, m := range ml.meters {
		out[k] = m.GlobalAvg()
	}
	return out
}

// Current returns the latest value of every meter, for progress display.
func (ml *MetricLogger) Current() map[string]float64 {
	out := make(map[string]float64, len(ml.meters))
	for k, m := range ml.meters {
		out[k] = m.Value()
	}
	return out
}

// String renders "name: median (global)" pairs in name order.
func (ml *MetricLogger) String() string {
	names := make([]string, 0, len(ml.meters))
	for k := range ml.meters {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, k := range names {
		m := ml.meters[k]
		parts = append(parts, fmt.Sprintf("%s: %.4f (%.4f)", k, m.Median(), m.GlobalAvg()))
	}
	return strings.Join(parts, "  ")
}

// isFinite reports whether v is neither NaN nor infinite.
func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
