package tracking

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// LogFileName is the JSON-lines epoch log written into the output directory.
const LogFileName = "log.txt"

// FileSink appends metric entries as JSON lines. Image entries are skipped.
// It is safe for concurrent use.
type FileSink struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string
}

// OpenFileSink opens (creating if needed) path for appending.
func OpenFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &FileSink{f: f, w: bufio.NewWriter(f), path: path}, nil
}

// Path returns the file being written.
func (s *FileSink) Path() string { return s.path }

// Emit writes one line per metric entry and flushes it.
func (s *FileSink) Emit(_ context.Context, e Entry) error {
	if e.IsImages() || len(e.Metrics) == 0 {
		return nil
	}
	line, err := json.Marshal(e.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return fmt.Errorf("log file %s is closed", s.path)
	}
	if _, err := s.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write log entry: %w", err)
	}
	return s.w.Flush()
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	flushErr := s.w.Flush()
	closeErr := s.f.Close()
	s.f = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
