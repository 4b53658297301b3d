package motion

import "math"

// Limits bounds one axis in degrees.
type Limits struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Clamp keeps d within the limits.
func (l Limits) Clamp(d float64) float64 {
	if l.Max <= l.Min {
		return d
	}
	return math.Max(l.Min, math.Min(l.Max, d))
}

// NormalizeDegrees folds d into [0, 360).
func NormalizeDegrees(d float64) float64 {
	if d >= 360 || d <= -360 {
		d = math.Mod(d, 360)
	}
	if d < 0 {
		d += 360
	}
	if d >= 360 {
		d = 0
	}
	return d
}

func degreesToSteps(d, stepsPerDegree float64) int64 {
	return int64(math.Round(d * stepsPerDegree))
}

func stepsToDegrees(s int64, stepsPerDegree float64) float64 {
	return float64(s) / stepsPerDegree
}
