// Package logging builds the process logger.
//
// Every worker logs with its rank attached. Non-master ranks only emit warnings and
// errors so that a multi-process run prints one copy of the progress output.
package logging

import (
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures New.
type Options struct {
	Verbose bool
	Rank    int
	Master  bool
	// JSON selects the production JSON encoder instead of the console encoder.
	JSON bool
}

// New builds a zap logger for one worker process.
func New(opts Options) (*zap.Logger, error) {
	var cfg zap.Config
	if opts.JSON {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.DisableStacktrace = true
	}

	level := zapcore.InfoLevel
	if opts.Verbose {
		level = zapcore.DebugLevel
	}
	if !opts.Master {
		level = zapcore.WarnLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger.With(zap.Int("rank", opts.Rank)), nil
}

// Revision returns the VCS revision the binary was built from, "unknown" when the
// build carries no VCS stamp.
func Revision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	var rev, dirty string
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			if s.Value == "true" {
				dirty = " (has uncommitted changes)"
			}
		}
	}
	if rev == "" {
		return "unknown"
	}
	return rev + dirty
}
