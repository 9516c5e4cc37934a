package training

import (
	"math"
	"testing"
)

func TestSmoothedValue(t *testing.T) {
	sv := NewSmoothedValue(3)

	if sv.Median() != 0 || sv.Avg() != 0 || sv.GlobalAvg() != 0 || sv.Value() != 0 {
		t.Error("empty tracker should report zeros")
	}

	for _, v := range []float64{1, 5, 3, 10} {
		sv.Update(v, 1)
	}

	// Window holds the last three values: 5, 3, 10.
	if got := sv.Median(); got != 5 {
		t.Errorf("Expected median 5, got %v", got)
	}
	if got := sv.Avg(); got != 6 {
		t.Errorf("Expected window avg 6, got %v", got)
	}
	if got := sv.GlobalAvg(); got != 4.75 {
		t.Errorf("Expected global avg 4.75, got %v", got)
	}
	if got := sv.Value(); got != 10 {
		t.Errorf("Expected latest value 10, got %v", got)
	}
}

func TestSmoothedValueWeighted(t *testing.T) {
	sv := NewSmoothedValue(0)
	sv.Update(2, 3)
	sv.Update(4, 1)
	if got := sv.GlobalAvg(); got != 2.5 {
		t.Errorf("Expected weighted global avg 2.5, got %v", got)
	}
	if got := sv.Median(); got != 3 {
		t.Errorf("Expected even-window median 3, got %v", got)
	}
}

func TestMetricLogger(t *testing.T) {
	ml := NewMetricLogger()
	ml.Update(map[string]float64{"loss": 2, "lr": 1e-4})
	ml.Update(map[string]float64{"loss": 4, "lr": 1e-4})

	avg := ml.GlobalAverages()
	if avg["loss"] != 3 {
		t.Errorf("Expected loss 3, got %v", avg["loss"])
	}
	if math.Abs(avg["lr"]-1e-4) > 1e-18 {
		t.Errorf("Expected lr 1e-4, got %v", avg["lr"])
	}
	if ml.Current()["loss"] != 4 {
		t.Errorf("Expected current loss 4, got %v", ml.Current()["loss"])
	}
	if ml.Meter("missing") != nil {
		t.Error("Expected nil meter for unknown name")
	}
	if got := ml.String(); got != "loss: 3.0000 (3.0000)  lr: 0.0001 (0.0001)" {
		t.Errorf("Unexpected rendering: %q", got)
	}
}

func TestIsFinite(t *testing.T) {
	if !isFinite(1.5) {
		t.Error("1.5 is finite")
	}
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if isFinite(v) {
			t.Errorf("%v should not be finite", v)
		}
	}
}
