package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// ProgressionFileName is the file name used when no explicit path is set.
	ProgressionFileName = "training_progression.json"

	// ProgressionFilePathEnv overrides the progression file location.
	ProgressionFilePathEnv = "TRAINJOB_PROGRESSION_FILE_PATH"
)

// ProgressionStatus is the JSON document a job controller polls to report how far
// a run has come.
type ProgressionStatus struct {
	CurrentEpoch *int64             `json:"current_epoch,omitempty"`
	TotalEpochs  *int64             `json:"total_epochs,omitempty"`
	Message      string             `json:"message,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	Timestamp    int64              `json:"timestamp"`
	StartTime    *int64             `json:"start_time,omitempty"`
}

// ProgressionSink rewrites the progression file after every epoch entry.
type ProgressionSink struct {
	path        string
	totalEpochs int64
	startTime   int64
	now         func() time.Time
}

// ProgressionPath returns the progression file path, checking the environment first.
func ProgressionPath(lookup func(string) (string, bool), outputDir string) string {
	if lookup != nil {
		if p, ok := lookup(ProgressionFilePathEnv); ok && p != "" {
			return p
		}
	}
	if outputDir == "" {
		return ""
	}
	return filepath.Join(outputDir, ProgressionFileName)
}

// NewProgressionSink writes to path for a run of totalEpochs epochs.
func NewProgressionSink(path string, totalEpochs int) *ProgressionSink {
	s := &ProgressionSink{path: path, totalEpochs: int64(totalEpochs), now: time.Now}
	s.startTime = s.now().Unix()
	return s
}

// Emit records epoch metric entries; other entries are ignored.
func (s *ProgressionSink) Emit(_ context.Context, e Entry) error {
	if e.Key != EpochKey {
		return nil
	}
	current := int64(e.Epoch + 1)
	total := s.totalEpochs
	start := s.startTime
	status := ProgressionStatus{
		CurrentEpoch: &current,
		TotalEpochs:  &total,
		Message:      fmt.Sprintf("epoch %d/%d complete", current, total),
		Metrics:      e.Metrics,
		Timestamp:    s.now().Unix(),
		StartTime:    &start,
	}
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal progression status: %w", err)
	}
	return writeFileAtomic(s.path, data)
}

func (s *ProgressionSink) Close() error { return nil }

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
