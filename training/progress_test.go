package training

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

// TestProgressBar tests rendering of a pass
func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(&buf, "Epoch: [3]", 10)

	for i := 1; i <= 10; i++ {
		pb.Update(i, map[string]float64{"loss": 1.0 - float64(i)*0.08, "lr": 1e-4})
	}
	pb.Finish()

	out := buf.String()
	if !strings.Contains(out, "Epoch: [3]: 100%") {
		t.Errorf("expected completed line, got %q", out)
	}
	if !strings.Contains(out, "10/10") {
		t.Errorf("expected step counter, got %q", out)
	}
	if !strings.Contains(out, "lr=1.00e-04") {
		t.Errorf("expected lr in scientific notation, got %q", out)
	}
	if !strings.HasSuffix(out, "]\n") {
		t.Errorf("expected trailing newline after Finish, got %q", out)
	}
}

// TestProgressBarLine tests the line layout at a fixed elapsed time
func TestProgressBarLine(t *testing.T) {
	pb := NewProgressBar(nil, "Test:", 4)
	pb.current = 2
	pb.metrics = map[string]float64{"loss_ce": 0.5, "loss": 1.25}

	line := pb.line(10 * time.Second)
	want := "\rTest::  50%|" + strings.Repeat("█", 20) + strings.Repeat(" ", 20) + "| 2/4 [00:10<00:10, 0.20batch/s, loss=1.2500, loss_ce=0.5000]"
	if line != want {
		t.Errorf("unexpected line:\n got %q\nwant %q", line, want)
	}
}

// TestProgressBarDisabled tests that a nil writer renders nothing
func TestProgressBarDisabled(t *testing.T) {
	pb := NewProgressBar(nil, "quiet", 0)
	pb.Update(1, nil)
	pb.Finish()
}

func TestFormatTrainingTime(t *testing.T) {
	tests := map[time.Duration]string{
		0:                                    "0:00:00",
		59 * time.Second:                     "0:00:59",
		61*time.Minute + 5*time.Second:       "1:01:05",
		26*time.Hour + 1500*time.Millisecond: "26:00:01",
	}
	for d, want := range tests {
		if got := FormatTrainingTime(d); got != want {
			t.Errorf("FormatTrainingTime(%v) = %q, want %q", d, got, want)
		}
	}
	if got := formatDuration(125 * time.Second); got != "02:05" {
		t.Errorf("formatDuration = %q, want 02:05", got)
	}
}
