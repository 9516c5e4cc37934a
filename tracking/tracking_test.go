package tracking

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingSink struct {
	entries []Entry
	err     error
	closed  bool
}

func (r *recordingSink) Emit(_ context.Context, e Entry) error {
	r.entries = append(r.entries, e)
	return r.err
}

func (r *recordingSink) Close() error {
	r.closed = true
	return r.err
}

func TestEpochRecordEntry(t *testing.T) {
	e := EpochRecord{
		Epoch:       4,
		Train:       map[string]float64{"loss": 1.5, "lr": 0.0001},
		Test:        map[string]float64{"loss": 1.75},
		NParameters: 41302368,
	}.Entry()

	assert.Equal(t, EpochKey, e.Key)
	assert.Equal(t, 4, e.Epoch)
	assert.Equal(t, map[string]float64{
		"train_loss":   1.5,
		"train_lr":     0.0001,
		"test_loss":    1.75,
		"epoch":        4,
		"n_parameters": 41302368,
	}, e.Metrics)
	assert.Equal(t, []string{"epoch", "n_parameters", "test_loss", "train_loss", "train_lr"}, e.MetricNames())
	assert.False(t, e.IsImages())
}

func TestMultiSinkDeliversToAll(t *testing.T) {
	failing := &recordingSink{err: errors.New("disk full")}
	ok := &recordingSink{}
	sink := Combine(failing, nil, ok)

	err := sink.Emit(context.Background(), Entry{Key: "epoch"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Len(t, ok.entries, 1, "a failing sink must not block the others")

	require.Error(t, sink.Close())
	assert.True(t, ok.closed)
}

func TestCombine(t *testing.T) {
	assert.Equal(t, NopSink{}, Combine())
	single := &recordingSink{}
	assert.Same(t, single, Combine(nil, single))
}

func TestTransientError(t *testing.T) {
	base := errors.New("connection reset")
	err := error(&TransientError{Op: "POST /api/log", Err: base})
	assert.True(t, IsTransient(err))
	assert.True(t, errors.Is(err, base))
	assert.False(t, IsTransient(base))
}

func TestNewRunID(t *testing.T) {
	shared := uuid.NewString()
	lookup := func(k string) (string, bool) {
		if k == RunIDEnv {
			return shared, true
		}
		return "", false
	}
	assert.Equal(t, shared, NewRunID(lookup))

	fresh := NewRunID(func(string) (string, bool) { return "not-a-uuid", true })
	_, err := uuid.Parse(fresh)
	assert.NoError(t, err)
	assert.NotEqual(t, "not-a-uuid", fresh)

	assert.NotEqual(t, NewRunID(nil), NewRunID(nil))
}

func TestFileSinkWritesMetricLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", LogFileName)
	sink, err := OpenFileSink(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sink.Emit(ctx, EpochRecord{Epoch: 0, Test: map[string]float64{"loss": 2}}.Entry()))
	require.NoError(t, sink.Emit(ctx, Entry{Key: "epoch_0_batch_0", Images: []ImageRecord{{}}}))
	require.NoError(t, sink.Emit(ctx, EpochRecord{Epoch: 1, Test: map[string]float64{"loss": 1}}.Entry()))
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close(), "close is idempotent")
	assert.Error(t, sink.Emit(ctx, EpochRecord{Epoch: 2}.Entry()))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []map[string]float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var m map[string]float64
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 2, "image entries are not written to the log file")
	assert.Equal(t, 1.0, lines[1]["epoch"])
	assert.Equal(t, 1.0, lines[1]["test_loss"])
}

func TestProgressionSink(t *testing.T) {
	path := ProgressionPath(func(string) (string, bool) { return "", false }, t.TempDir())
	require.NotEmpty(t, path)

	sink := NewProgressionSink(path, 300)
	sink.now = func() time.Time { return time.Unix(1700000000, 0) }

	ctx := context.Background()
	require.NoError(t, sink.Emit(ctx, Entry{Key: "epoch_0_batch_0", Images: []ImageRecord{{}}}))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "image entries do not touch the progression file")

	require.NoError(t, sink.Emit(ctx, EpochRecord{Epoch: 9, Train: map[string]float64{"loss": 0.5}}.Entry()))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var status ProgressionStatus
	require.NoError(t, json.Unmarshal(data, &status))
	assert.Equal(t, int64(10), *status.CurrentEpoch)
	assert.Equal(t, int64(300), *status.TotalEpochs)
	assert.Equal(t, int64(1700000000), status.Timestamp)
	assert.Equal(t, 0.5, status.Metrics["train_loss"])
}

func TestProgressionPath(t *testing.T) {
	env := func(k string) (string, bool) {
		if k == ProgressionFilePathEnv {
			return "/var/run/progress.json", true
		}
		return "", false
	}
	assert.Equal(t, "/var/run/progress.json", ProgressionPath(env, "/out"))
	assert.Equal(t, filepath.Join("/out", ProgressionFileName), ProgressionPath(nil, "/out"))
	assert.Equal(t, "", ProgressionPath(nil, ""))
}

func TestLoggerSink(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	sink := LoggerSink{Logger: zap.New(core)}

	ctx := context.Background()
	require.NoError(t, sink.Emit(ctx, EpochRecord{Epoch: 2, Train: map[string]float64{"loss": 0.25}}.Entry()))
	require.NoError(t, sink.Emit(ctx, Entry{Key: "epoch_2_batch_50", Images: []ImageRecord{{
		Boxes: map[string]BoxGroup{GroupPredictions: {BoxData: []Box{{}, {}}}},
	}}}))

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	assert.Equal(t, "metrics", entries[0].Message)
	assert.Equal(t, 0.25, entries[0].ContextMap()["train_loss"])
	assert.Equal(t, "visualization batch", entries[1].Message)
	assert.Equal(t, int64(2), entries[1].ContextMap()["boxes"])
}
