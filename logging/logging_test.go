package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew_MasterLevels(t *testing.T) {
	logger, err := New(Options{Rank: 0, Master: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("master should log at info level")
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("master should not log debug without verbose")
	}

	verbose, err := New(Options{Rank: 0, Master: true, Verbose: true, JSON: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if !verbose.Core().Enabled(zapcore.DebugLevel) {
		t.Error("verbose master should log debug")
	}
}

func TestNew_WorkerIsQuiet(t *testing.T) {
	logger, err := New(Options{Rank: 3, Master: false, Verbose: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("non-master ranks should suppress info output")
	}
	if !logger.Core().Enabled(zapcore.WarnLevel) {
		t.Error("non-master ranks must still report warnings")
	}
}

func TestRevision(t *testing.T) {
	if Revision() == "" {
		t.Error("revision should never be empty")
	}
}
