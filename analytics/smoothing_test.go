package analytics

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestSMAConstantSeries(t *testing.T) {
	series := []float64{4, 4, 4, 4, 4}
	out := SMA(series, 3)
	if len(out) != len(series) {
		t.Fatalf("expected %d values, got %d", len(series), len(out))
	}
	for i, v := range out {
		if !almostEqual(v, 4) {
			t.Errorf("index %d: expected 4, got %v", i, v)
		}
	}
}

func TestSMAPartialWindow(t *testing.T) {
	series := []float64{1, 2, 3, 4}
	out := SMA(series, 3)

	want := []float64{1, 1.5, 2, 3}
	for i := range want {
		if !almostEqual(out[i], want[i]) {
			t.Errorf("index %d: expected %v, got %v", i, want[i], out[i])
		}
	}
}

func TestEMASeedAndConvergence(t *testing.T) {
	series := []float64{10, 10, 10, 20, 20, 20, 20, 20, 20, 20}
	out := EMA(series, 3)

	if !almostEqual(out[0], series[0]) {
		t.Fatalf("EMA must be seeded with the first value, got %v", out[0])
	}

	// alpha = 2/(3+1) = 0.5, so index 3 is 0.5*20 + 0.5*10 = 15.
	if !almostEqual(out[3], 15) {
		t.Errorf("expected 15 at index 3, got %v", out[3])
	}

	// The tail must converge toward the new level without overshooting.
	last := out[len(out)-1]
	if last <= out[3] || last > 20 {
		t.Errorf("EMA did not converge toward 20: %v", out)
	}
}

func TestEMAEmptySeries(t *testing.T) {
	if out := EMA(nil, 5); out != nil {
		t.Errorf("expected nil for empty series, got %v", out)
	}
}

func TestSMAWindowOne(t *testing.T) {
	series := []float64{3, 1, 2}
	out := SMA(series, 1)
	for i := range series {
		if !almostEqual(out[i], series[i]) {
			t.Errorf("window 1 must echo input at %d: got %v", i, out[i])
		}
	}
}
