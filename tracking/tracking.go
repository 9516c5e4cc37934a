// Package tracking delivers run metrics and visualization records to external
// observers. Every destination implements Sink; the training loop and the
// visualization sampler receive one at construction instead of reaching for a
// process-wide handle.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// RunIDEnv lets cooperating worker processes share one run id.
const RunIDEnv = "DETR_RUN_ID"

// EpochKey is the Entry key used for per-epoch metric records.
const EpochKey = "epoch"

// Entry is one unit of tracking output. Metric entries carry Metrics; image
// entries carry Images and are keyed epoch_<E>_batch_<B>.
type Entry struct {
	Key     string
	Epoch   int
	Step    int
	Metrics map[string]float64
	Images  []ImageRecord
	Time    time.Time
}

// IsImages reports whether the entry carries visualization records.
func (e Entry) IsImages() bool {
	return len(e.Images) > 0
}

// MetricNames returns the metric keys in sorted order.
func (e Entry) MetricNames() []string {
	names := make([]string, 0, len(e.Metrics))
	for k := range e.Metrics {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// EpochRecord merges one epoch's train and test statistics with the parameter
// count. It is emitted once and dropped.
type EpochRecord struct {
	Epoch       int
	Train       map[string]float64
	Test        map[string]float64
	NParameters int
}

// Entry flattens the record into train_*, test_*, epoch and n_parameters metrics.
func (r EpochRecord) Entry() Entry {
	metrics := make(map[string]float64, len(r.Train)+len(r.Test)+2)
	for k, v := range r.Train {
		metrics["train_"+k] = v
	}
	for k, v := range r.Test {
		metrics["test_"+k] = v
	}
	metrics["epoch"] = float64(r.Epoch)
	metrics["n_parameters"] = float64(r.NParameters)
	return Entry{
		Key:     EpochKey,
		Epoch:   r.Epoch,
		Metrics: metrics,
		Time:    time.Now(),
	}
}

// Sink receives entries. Emit may be called from the training goroutine only;
// implementations need not be safe for concurrent use unless stated.
type Sink interface {
	Emit(ctx context.Context, e Entry) error
	Close() error
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Emit(context.Context, Entry) error { return nil }
func (NopSink) Close() error                      { return nil }

// MultiSink fans every entry out to all of its sinks. A failing sink does not stop
// delivery to the others; the errors are combined.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, e Entry) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Emit(ctx, e))
	}
	return err
}

func (m MultiSink) Close() error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Close())
	}
	return err
}

// Combine returns a single sink for sinks, skipping nil entries.
func Combine(sinks ...Sink) Sink {
	var out MultiSink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return NopSink{}
	case 1:
		return out[0]
	}
	return out
}

// TransientError marks a delivery failure that may succeed if retried, such as a
// connection reset or a 5xx from the tracking service.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("tracking %s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err, or any error it wraps, is a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// NewRunID returns the run id shared through RunIDEnv when lookup provides a valid
// one, and a fresh random id otherwise.
func NewRunID(lookup func(string) (string, bool)) string {
	if lookup != nil {
		if v, ok := lookup(RunIDEnv); ok {
			if id, err := uuid.Parse(v); err == nil {
				return id.String()
			}
		}
	}
	return uuid.NewString()
}
