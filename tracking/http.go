package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Header carrying the run id on every request.
const RunIDHeader = "X-Detr-Run-Id"

// HTTPSinkConfig contains configuration for the tracking service client
type HTTPSinkConfig struct {
	BaseURL       string        `json:"base_url" yaml:"base_url"`
	Project       string        `json:"project" yaml:"project"`
	RunID         string        `json:"run_id" yaml:"run_id"`
	Rank          int           `json:"rank" yaml:"rank"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
	RetryAttempts int           `json:"retry_attempts" yaml:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay" yaml:"retry_delay"`
}

// DefaultHTTPSinkConfig returns default configuration for the tracking service
func DefaultHTTPSinkConfig() HTTPSinkConfig {
	return HTTPSinkConfig{
		BaseURL:       "http://localhost:8080",
		Project:       "detr-experiment",
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    1 * time.Second,
	}
}

// LogResponse represents the response from the tracking service
type LogResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	EntryID   string `json:"entry_id,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// logRequest is the body posted to /api/log.
type logRequest struct {
	RunID   string             `json:"run_id"`
	Project string             `json:"project"`
	Rank    int                `json:"rank"`
	Key     string             `json:"key"`
	Epoch   int                `json:"epoch"`
	Step    int                `json:"step"`
	Time    time.Time          `json:"time"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
	Images  []ImageRecord      `json:"images,omitempty"`
}

// runRequest is the body posted to /api/run when the sink opens.
type runRequest struct {
	RunID   string         `json:"run_id"`
	Project string         `json:"project"`
	Rank    int            `json:"rank"`
	Config  map[string]any `json:"config,omitempty"`
}

// HTTPSink posts entries to a tracking sidecar service over HTTP.
type HTTPSink struct {
	config     HTTPSinkConfig
	httpClient *http.Client
	logger     *zap.Logger
	enabled    bool
}

// NewHTTPSink creates a tracking client. The sink starts enabled.
func NewHTTPSink(config HTTPSinkConfig, logger *zap.Logger) *HTTPSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.RetryAttempts < 1 {
		config.RetryAttempts = 1
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &HTTPSink{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger:  logger,
		enabled: true,
	}
}

// Enable enables delivery
func (s *HTTPSink) Enable() {
	s.enabled = true
}

// Disable turns Emit into a no-op
func (s *HTTPSink) Disable() {
	s.enabled = false
}

// IsEnabled returns whether the sink delivers entries
func (s *HTTPSink) IsEnabled() bool {
	return s.enabled
}

// RunID returns the id sent with every request.
func (s *HTTPSink) RunID() string {
	return s.config.RunID
}

// Start registers the run and its configuration with the service.
func (s *HTTPSink) Start(ctx context.Context, config map[string]any) error {
	if !s.enabled {
		return nil
	}
	_, err := s.postWithRetry(ctx, "/api/run", runRequest{
		RunID:   s.config.RunID,
		Project: s.config.Project,
		Rank:    s.config.Rank,
		Config:  config,
	})
	return err
}

// Emit sends one entry, retrying transient failures.
func (s *HTTPSink) Emit(ctx context.Context, e Entry) error {
	if !s.enabled {
		return nil
	}
	_, err := s.postWithRetry(ctx, "/api/log", logRequest{
		RunID:   s.config.RunID,
		Project: s.config.Project,
		Rank:    s.config.Rank,
		Key:     e.Key,
		Epoch:   e.Epoch,
		Step:    e.Step,
		Time:    e.Time,
		Metrics: e.Metrics,
		Images:  e.Images,
	})
	return err
}

// Close releases idle connections.
func (s *HTTPSink) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

// CheckHealth checks if the tracking service is available
func (s *HTTPSink) CheckHealth(ctx context.Context) error {
	if !s.enabled {
		return fmt.Errorf("tracking sink is disabled")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send health check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}

	return nil
}

func (s *HTTPSink) postWithRetry(ctx context.Context, path string, body any) (*LogResponse, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tracking payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < s.config.RetryAttempts; attempt++ {
		resp, err := s.post(ctx, path, jsonData)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return resp, err
		}

		// Wait before retry (except for the last attempt)
		if attempt < s.config.RetryAttempts-1 {
			s.logger.Debug("retrying tracking request",
				zap.String("path", path), zap.Int("attempt", attempt+1), zap.Error(err))
			timer := time.NewTimer(s.config.RetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}

	return nil, fmt.Errorf("failed to send tracking data after %d attempts: %w", s.config.RetryAttempts, lastErr)
}

func (s *HTTPSink) post(ctx context.Context, path string, jsonData []byte) (*LogResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.BaseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "go-detr-training")
	req.Header.Set(RunIDHeader, s.config.RunID)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Op: "POST " + path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Op: "POST " + path, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	var logResponse LogResponse
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &logResponse); err != nil && resp.StatusCode == http.StatusOK {
			return nil, fmt.Errorf("failed to parse response JSON: %w", err)
		}
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return &logResponse, &TransientError{
			Op:  "POST " + path,
			Err: fmt.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, logResponse.Message),
		}
	case resp.StatusCode != http.StatusOK:
		return &logResponse, fmt.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, logResponse.Message)
	}

	return &logResponse, nil
}
