package repository

import (
	"context"
	"time"

	"SmartFlow/internal/domain/models"
	domrepo "SmartFlow/internal/domain/repository"
	applogger "SmartFlow/pkg/logger"
)

// FallbackBucketReader answers from the in-memory aggregator and reaches into
// ClickHouse when memory has nothing for the query, which happens after a
// restart or when the lookback exceeds in-memory retention.
type FallbackBucketReader struct {
	primary domrepo.BucketReader
	durable *CHBucketStore
	timeout time.Duration
	l       *applogger.Logger
}

func NewFallbackBucketReader(primary domrepo.BucketReader, durable *CHBucketStore, l *applogger.Logger) *FallbackBucketReader {
	return &FallbackBucketReader{primary: primary, durable: durable, timeout: 5 * time.Second, l: l}
}

func (r *FallbackBucketReader) Range(instrumentID string, market models.Market, size time.Duration, from, to time.Time) []models.Bucket {
	if buckets := r.primary.Range(instrumentID, market, size, from, to); len(buckets) > 0 {
		return buckets
	}
	if r.durable == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	buckets, err := r.durable.GetBuckets(ctx, instrumentID, market, bucketSizeOf(size), from, to)
	if err != nil {
		if r.l != nil {
			r.l.Warn("durable bucket fallback failed",
				applogger.String("instrument", instrumentID),
				applogger.Error(err),
			)
		}
		return nil
	}
	return buckets
}

func (r *FallbackBucketReader) Instruments(market models.Market, size time.Duration) []string {
	if insts := r.primary.Instruments(market, size); len(insts) > 0 {
		return insts
	}
	if r.durable == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	insts, err := r.durable.Instruments(ctx, market, 61*24*time.Hour)
	if err != nil {
		if r.l != nil {
			r.l.Warn("durable instrument fallback failed", applogger.Error(err))
		}
		return nil
	}
	return insts
}

func bucketSizeOf(size time.Duration) domrepo.BucketSize {
	if size >= 24*time.Hour {
		return domrepo.SizeDaily
	}
	return domrepo.SizeHourly
}

var _ domrepo.BucketReader = (*FallbackBucketReader)(nil)
