package confidence

import (
	"math"
	"testing"
)

func TestLevelFor(t *testing.T) {
	tests := []struct {
		c    float64
		want Level
	}{
		{1, LevelHigh},
		{0.8, LevelHigh},
		{0.79, LevelMedium},
		{0.5, LevelMedium},
		{0.49, LevelLow},
		{0, LevelLow},
		{-1, LevelLow},
		{7, LevelHigh},
		{math.NaN(), LevelLow},
	}
	for _, tt := range tests {
		if got := LevelFor(tt.c); got != tt.want {
			t.Errorf("LevelFor(%v) = %s, want %s", tt.c, got, tt.want)
		}
	}
}

func TestAggregate(t *testing.T) {
	if got := Aggregate(nil); got != 0 {
		t.Errorf("expected 0 for no fields, got %v", got)
	}
	if got := Aggregate([]float64{0.9, 0.7}); math.Abs(got-0.8) > 1e-9 {
		t.Errorf("expected mean 0.8, got %v", got)
	}
	if got := Aggregate([]float64{1.4, 0.6}); got < 0 || got > 1 {
		t.Errorf("expected result within [0,1], got %v", got)
	}
}

func TestAggregate_AbsentFieldsDoNotChangeMean(t *testing.T) {
	present := []float64{0.9, 0.6, 0.75}
	base := Aggregate(present)

	// An absent field is simply not in the slice; passing a zero for it would
	// be a different (lower) score.
	if withZero := Aggregate(append(present, 0)); withZero >= base {
		t.Errorf("zero placeholder should lower the mean: %v vs %v", withZero, base)
	}
	if again := Aggregate(append([]float64(nil), present...)); again != base {
		t.Errorf("expected stable mean, got %v vs %v", again, base)
	}
}

func TestIsLow(t *testing.T) {
	if !IsLow(0.59) {
		t.Error("0.59 should be low")
	}
	if IsLow(0.6) {
		t.Error("0.6 should not be low")
	}
	if !IsLowAt(0.65, 0.7) {
		t.Error("0.65 should be low against a 0.7 threshold")
	}
	if IsLowAt(0.65, 0) {
		t.Error("invalid threshold should fall back to the default")
	}
}
