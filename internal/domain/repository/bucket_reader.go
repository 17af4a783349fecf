package repository

import (
	"time"

	"SmartFlow/internal/domain/models"
)

// BucketReader provides read-only access to aggregated flow buckets. Reads
// return value copies; callers never observe in-flight accumulation.
type BucketReader interface {
	Range(instrumentID string, market models.Market, size time.Duration, from, to time.Time) []models.Bucket
	Instruments(market models.Market, size time.Duration) []string
}
