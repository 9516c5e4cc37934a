package tracking

import (
	"context"

	"go.uber.org/zap"
)

// LoggerSink writes entries to a zap logger: metric entries at info level,
// image batches as a one-line summary at debug level.
type LoggerSink struct {
	Logger *zap.Logger
}

func (s LoggerSink) Emit(_ context.Context, e Entry) error {
	if s.Logger == nil {
		return nil
	}
	if e.IsImages() {
		boxes := 0
		for _, img := range e.Images {
			for _, g := range img.Boxes {
				boxes += len(g.BoxData)
			}
		}
		s.Logger.Debug("visualization batch",
			zap.String("key", e.Key), zap.Int("images", len(e.Images)), zap.Int("boxes", boxes))
		return nil
	}
	fields := make([]zap.Field, 0, len(e.Metrics)+1)
	fields = append(fields, zap.String("key", e.Key))
	for _, name := range e.MetricNames() {
		fields = append(fields, zap.Float64(name, e.Metrics[name]))
	}
	s.Logger.Info("metrics", fields...)
	return nil
}

func (s LoggerSink) Close() error {
	if s.Logger == nil {
		return nil
	}
	_ = s.Logger.Sync()
	return nil
}
