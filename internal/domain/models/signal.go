package models

import "time"

// DetectionMethod names the rule that produced a signal. The string values
// double as the deterministic tie-break order for equally confident signals.
type DetectionMethod string

const (
	MethodLargeBlock         DetectionMethod = "LARGE_BLOCK_ACCUMULATION"
	MethodClustering         DetectionMethod = "INSTITUTIONAL_CLUSTERING"
	MethodStatisticalAnomaly DetectionMethod = "STATISTICAL_ANOMALY"
)

// Signal is one detected smart-money event. Confidence is on a 0 to 10 scale.
type Signal struct {
	InstrumentID    string
	Market          Market
	Method          DetectionMethod
	InvestorClass   InvestorClass
	Confidence      float64
	NetAmount       int64
	Timestamp       time.Time
	Details         map[string]float64
}

// TrendDirection classifies net flow over a window.
type TrendDirection string

const (
	TrendAccumulating TrendDirection = "ACCUMULATING"
	TrendDistributing TrendDirection = "DISTRIBUTING"
	TrendNeutral      TrendDirection = "NEUTRAL"
)

// Intensity grades the absolute size of net flow.
type Intensity string

const (
	IntensityLow      Intensity = "LOW"
	IntensityMedium   Intensity = "MEDIUM"
	IntensityHigh     Intensity = "HIGH"
	IntensityVeryHigh Intensity = "VERY_HIGH"
)

const (
	intensityLowThreshold      = 1_000_000_000
	intensityMediumThreshold   = 5_000_000_000
	intensityHighThreshold     = 10_000_000_000
	intensityVeryHighThreshold = 50_000_000_000
)

// IntensityFor grades an absolute net amount in KRW.
func IntensityFor(netAmount int64) Intensity {
	abs := netAmount
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs >= intensityVeryHighThreshold:
		return IntensityVeryHigh
	case abs >= intensityHighThreshold:
		return IntensityHigh
	case abs >= intensityMediumThreshold:
		return IntensityMedium
	default:
		return IntensityLow
	}
}
