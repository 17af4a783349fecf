package detector

import (
	"context"
	"math"

	"SmartFlow/internal/domain/models"
	"SmartFlow/internal/domain/service"
)

// AnomalyRule z-scores the latest net flow of each investor class against
// its trailing mean and standard deviation over the look-back buckets. A
// window whose values are all identical has zero variance and is defined
// non-anomalous, which also avoids the zero denominator.
type AnomalyRule struct {
	sensitivity   float64
	minDataPoints int
}

func NewAnomalyRule(cfg Config) *AnomalyRule {
	return &AnomalyRule{
		sensitivity:   cfg.AnomalySensitivity,
		minDataPoints: cfg.MinDataPoints,
	}
}

func (r *AnomalyRule) Method() models.DetectionMethod {
	return models.MethodStatisticalAnomaly
}

func (r *AnomalyRule) Evaluate(ctx context.Context, w *service.DetectionWindow) ([]models.Signal, error) {
	var signals []models.Signal

	for inst, buckets := range w.Buckets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(buckets) < r.minDataPoints {
			continue
		}
		for _, class := range models.InvestorClasses {
			series := make([]float64, len(buckets))
			for i, b := range buckets {
				series[i] = float64(b.Class(class).NetAmount())
			}
			if s, ok := r.scoreSeries(inst, w, class, series, buckets); ok {
				signals = append(signals, s)
			}
		}
	}
	return signals, nil
}

// scoreSeries z-scores the last point against the trailing points.
func (r *AnomalyRule) scoreSeries(inst string, w *service.DetectionWindow, class models.InvestorClass, series []float64, buckets []models.Bucket) (models.Signal, bool) {
	trailing := series[:len(series)-1]
	latest := series[len(series)-1]

	mean, stddev := meanStddev(trailing)
	if stddev == 0 {
		return models.Signal{}, false
	}

	z := (latest - mean) / stddev
	if math.Abs(z) < r.sensitivity {
		return models.Signal{}, false
	}

	confidence := math.Min(10, math.Abs(z)*2.5)
	last := buckets[len(buckets)-1]

	return models.Signal{
		InstrumentID:  inst,
		Market:        w.Market,
		Method:        models.MethodStatisticalAnomaly,
		InvestorClass: class,
		Confidence:    confidence,
		NetAmount:     last.Class(class).NetAmount(),
		Timestamp:     w.To,
		Details: map[string]float64{
			"z_score":        z,
			"trailing_mean":  mean,
			"trailing_sigma": stddev,
		},
	}, true
}

func meanStddev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}
