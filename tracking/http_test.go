package tracking

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

// TestDefaultHTTPSinkConfig tests the default configuration
func TestDefaultHTTPSinkConfig(t *testing.T) {
	config := DefaultHTTPSinkConfig()

	if config.BaseURL != "http://localhost:8080" {
		t.Errorf("Expected BaseURL http://localhost:8080, got %s", config.BaseURL)
	}
	if config.Timeout != 30*time.Second {
		t.Errorf("Expected timeout 30s, got %v", config.Timeout)
	}
	if config.RetryAttempts != 3 {
		t.Errorf("Expected retry attempts 3, got %d", config.RetryAttempts)
	}
	if config.Project != "detr-experiment" {
		t.Errorf("Expected project detr-experiment, got %s", config.Project)
	}
}

// TestHTTPSinkEnableDisable tests enable/disable functionality
func TestHTTPSinkEnableDisable(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	config := testSinkConfig(server.URL)
	sink := NewHTTPSink(config, nil)
	defer sink.Close()

	if !sink.IsEnabled() {
		t.Error("Sink should be enabled after construction")
	}
	sink.Disable()
	require.NoError(t, sink.Emit(context.Background(), Entry{Key: "epoch"}))
	if hits.Load() != 0 {
		t.Errorf("Disabled sink must not send requests, got %d", hits.Load())
	}
	if err := sink.CheckHealth(context.Background()); err == nil {
		t.Error("Expected health check to fail when disabled")
	}
	sink.Enable()
	require.NoError(t, sink.Emit(context.Background(), Entry{Key: "epoch"}))
	assert.Equal(t, int32(1), hits.Load())
}

func testSinkConfig(url string) HTTPSinkConfig {
	config := DefaultHTTPSinkConfig()
	config.BaseURL = url + "/"
	config.RunID = "3f1f8c54-6a0e-4b43-9c5e-1c1f2a3b4c5d"
	config.Rank = 2
	config.Timeout = 5 * time.Second
	config.RetryDelay = time.Millisecond
	return config
}

// TestHTTPSinkEmit tests the request body and headers
func TestHTTPSinkEmit(t *testing.T) {
	// Position is an interface, so decode images loosely.
	var got struct {
		Key    string `json:"key"`
		Rank   int    `json:"rank"`
		Step   int    `json:"step"`
		Images []struct {
			Image ImageRef       `json:"image"`
			Boxes map[string]any `json:"boxes"`
		} `json:"images"`
	}
	var header string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/log" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		header = r.Header.Get(RunIDHeader)
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("bad body: %v", err)
		}
		w.Write([]byte(`{"success":true,"entry_id":"e-1"}`))
	}))
	defer server.Close()

	sink := NewHTTPSink(testSinkConfig(server.URL), nil)
	defer sink.Close()

	entry := Entry{
		Key:   "epoch_3_batch_50",
		Epoch: 3,
		Step:  50,
		Images: []ImageRecord{{
			Image: ImageRef{ImageID: 7},
			Boxes: map[string]BoxGroup{
				GroupGroundTruth: {
					BoxData:     []Box{{Position: CornerPosition{MinX: 0.1, MaxX: 0.2, MinY: 0.3, MaxY: 0.4}, ClassID: 1, BoxCaption: "4 part", Scores: map[string]float64{}, Domain: DomainPercentage}},
					ClassLabels: map[int]string{1: "part"},
				},
			},
		}},
	}
	require.NoError(t, sink.Emit(context.Background(), entry))

	assert.Equal(t, "3f1f8c54-6a0e-4b43-9c5e-1c1f2a3b4c5d", header)
	assert.Equal(t, "epoch_3_batch_50", got.Key)
	assert.Equal(t, 2, got.Rank)
	assert.Equal(t, 50, got.Step)
	require.Len(t, got.Images, 1)
	assert.Equal(t, int64(7), got.Images[0].Image.ImageID)
	assert.Contains(t, got.Images[0].Boxes, GroupGroundTruth)
}

// TestHTTPSinkPositionEncoding checks both position shapes on the wire
func TestHTTPSinkPositionEncoding(t *testing.T) {
	corner, err := json.Marshal(Box{Position: CornerPosition{MinX: 0.05, MaxX: 0.2, MinY: 0.2, MaxY: 0.6}})
	require.NoError(t, err)
	assert.Contains(t, string(corner), `"position":{"minX":0.05,"maxX":0.2,"minY":0.2,"maxY":0.6}`)

	center, err := json.Marshal(Box{Position: CenterPosition{Middle: [2]float64{0.5, 0.25}, Width: 0.1, Height: 0.2}})
	require.NoError(t, err)
	assert.Contains(t, string(center), `"position":{"middle":[0.5,0.25],"width":0.1,"height":0.2}`)
}

// TestHTTPSinkRetry tests that 5xx responses are retried and 4xx are not
func TestHTTPSinkRetry(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		switch r.URL.Path {
		case "/api/log":
			if n < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"success":false,"message":"warming up"}`))
				return
			}
			w.Write([]byte(`{"success":true}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"success":false,"message":"bad run"}`))
		}
	}))
	defer server.Close()

	sink := NewHTTPSink(testSinkConfig(server.URL), nil)
	defer sink.Close()

	require.NoError(t, sink.Emit(context.Background(), Entry{Key: "epoch"}))
	assert.Equal(t, int32(3), attempts.Load())

	attempts.Store(0)
	err := sink.Start(context.Background(), map[string]any{"lr": 0.0001})
	require.Error(t, err)
	assert.False(t, IsTransient(err), "4xx responses are permanent")
	assert.Equal(t, int32(1), attempts.Load())
}

// TestHTTPSinkRetryExhausted tests that the last transient error is surfaced
func TestHTTPSinkRetryExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sink := NewHTTPSink(testSinkConfig(server.URL), nil)
	defer sink.Close()

	err := sink.Emit(context.Background(), Entry{Key: "epoch"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "after 3 attempts")
}

// TestHTTPSinkCheckHealth tests the health endpoint
func TestHTTPSinkCheckHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	sink := NewHTTPSink(testSinkConfig(server.URL), nil)
	defer sink.Close()
	if err := sink.CheckHealth(context.Background()); err != nil {
		t.Errorf("Expected healthy service, got %v", err)
	}

	server.Close()
	if err := sink.CheckHealth(context.Background()); err == nil {
		t.Error("Expected health check to fail against a closed server")
	}
}
