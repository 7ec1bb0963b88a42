// Package confidence holds the scoring rules shared by the fast and full
// extraction engines. Both engines must use these functions so a score means
// the same thing wherever it is shown.
package confidence

import "math"

type Level string

const (
	LevelHigh   Level = "high"
	LevelMedium Level = "medium"
	LevelLow    Level = "low"
)

const (
	highThreshold   = 0.8
	mediumThreshold = 0.5

	// DefaultLowThreshold is the overall score below which a result is
	// flagged for closer review. The flag is advisory.
	DefaultLowThreshold = 0.6
)

// Clamp bounds c to [0,1]. NaN is treated as 0.
func Clamp(c float64) float64 {
	switch {
	case math.IsNaN(c), c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}

// LevelFor buckets a score. The level is always derived, never stored on
// its own.
func LevelFor(c float64) Level {
	c = Clamp(c)
	switch {
	case c >= highThreshold:
		return LevelHigh
	case c >= mediumThreshold:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Aggregate is the arithmetic mean of the present scores, or 0 when none are
// present. Absent fields must not be passed in as zeros.
func Aggregate(present []float64) float64 {
	if len(present) == 0 {
		return 0
	}
	var sum float64
	for _, c := range present {
		sum += Clamp(c)
	}
	return Clamp(sum / float64(len(present)))
}

// IsLow reports whether overall falls under DefaultLowThreshold.
func IsLow(overall float64) bool {
	return IsLowAt(overall, DefaultLowThreshold)
}

// IsLowAt is IsLow with a configured threshold; a non-positive threshold
// falls back to the default.
func IsLowAt(overall, threshold float64) bool {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultLowThreshold
	}
	return Clamp(overall) < threshold
}
