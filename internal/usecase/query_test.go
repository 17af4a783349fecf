package usecase

import (
	"context"
	"testing"
	"time"

	"SmartFlow/internal/aggregator"
	"SmartFlow/internal/detector"
	"SmartFlow/internal/domain/models"
	"SmartFlow/pkg/cache"
	"SmartFlow/pkg/logger"
)

type nopMetrics struct{}

func (nopMetrics) RecordRecordIngested(source, market string) {}
func (nopMetrics) RecordBatchClosed(reason string, size int)  {}
func (nopMetrics) RecordSignal(method string)                 {}
func (nopMetrics) RecordError(kind string)                    {}
func (nopMetrics) RecordCache(level, outcome string)          {}
func (nopMetrics) RecordLatency(op string, seconds float64)   {}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New(&logger.Config{Level: "error", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return l
}

func foreignBuy(inst string, ts time.Time, amount int64) *models.FlowRecord {
	return &models.FlowRecord{
		InstrumentID: inst,
		Market:       models.MarketKOSPI,
		Timestamp:    ts,
		Foreign:      models.ClassFlow{BuyAmount: amount, BuyVolume: amount / 1000},
	}
}

func newFacade(t *testing.T, agg *aggregator.Aggregator, remote cache.Service, at time.Time) *QueryFacade {
	t.Helper()
	lc := cache.NewLayeredCache(remote)
	eng := detector.NewEngine(detector.DefaultConfig(), nil, nopMetrics{}, testLogger(t))
	f := NewQueryFacade(lc, agg, eng, nopMetrics{}, testLogger(t),
		FacadeConfig{SnapshotTTL: time.Minute, SignalsTTL: time.Minute, AggregateTTL: time.Hour},
		WithFacadeClock(func() time.Time { return at }),
	)
	agg.SetInvalidateFunc(f.Invalidate)
	return f
}

func TestSnapshotAggregatesFlows(t *testing.T) {
	at := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	agg := aggregator.New(
		aggregator.WithBucketSizes(time.Hour),
		aggregator.WithClock(func() time.Time { return at }),
	)
	agg.Ingest([]*models.FlowRecord{
		foreignBuy("005930", at.Add(-2*time.Hour), 3_000_000_000),
		foreignBuy("005930", at.Add(-time.Hour), 2_000_000_000),
	})

	f := newFacade(t, agg, cache.NewMemoryCache(cache.WithMemoryMaxSize(100)), at)

	snap, err := f.Snapshot(context.Background(), "005930", models.MarketKOSPI, models.Period1D)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.SmartMoneyNet != 5_000_000_000 {
		t.Fatalf("smart money net = %d, want 5000000000", snap.SmartMoneyNet)
	}
	if snap.Pressure != models.PressureBuying {
		t.Fatalf("pressure = %s, want %s", snap.Pressure, models.PressureBuying)
	}
	if snap.Trend.Direction != models.TrendAccumulating {
		t.Fatalf("trend = %s, want %s", snap.Trend.Direction, models.TrendAccumulating)
	}
	if snap.DominantClass != models.InvestorForeign {
		t.Fatalf("dominant class = %s, want %s", snap.DominantClass, models.InvestorForeign)
	}
	if snap.BucketCount != 2 {
		t.Fatalf("bucket count = %d, want 2", snap.BucketCount)
	}
}

func TestSnapshotServedFromSharedCacheAcrossProcesses(t *testing.T) {
	at := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	shared := cache.NewMemoryCache(cache.WithMemoryMaxSize(100))

	aggA := aggregator.New(
		aggregator.WithBucketSizes(time.Hour),
		aggregator.WithClock(func() time.Time { return at }),
	)
	aggA.Ingest([]*models.FlowRecord{
		foreignBuy("005930", at.Add(-time.Hour), 1_000_000_000),
	})
	facadeA := newFacade(t, aggA, shared, at)

	if _, err := facadeA.Snapshot(context.Background(), "005930", models.MarketKOSPI, models.Period1D); err != nil {
		t.Fatalf("first snapshot: %v", err)
	}

	// Second process shares the store but holds no flow data of its own.
	aggB := aggregator.New(
		aggregator.WithBucketSizes(time.Hour),
		aggregator.WithClock(func() time.Time { return at }),
	)
	facadeB := newFacade(t, aggB, shared, at)

	before := aggB.ReadCount()
	snap, err := facadeB.Snapshot(context.Background(), "005930", models.MarketKOSPI, models.Period1D)
	if err != nil {
		t.Fatalf("second snapshot: %v", err)
	}
	if snap.SmartMoneyNet != 1_000_000_000 {
		t.Fatalf("smart money net = %d, want 1000000000", snap.SmartMoneyNet)
	}
	if got := aggB.ReadCount(); got != before {
		t.Fatalf("aggregator reads = %d, want %d (cache hit must not recompute)", got, before)
	}
}

func TestLateRecordInvalidatesAndRecomputes(t *testing.T) {
	at := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	agg := aggregator.New(
		aggregator.WithBucketSizes(time.Hour),
		aggregator.WithLatenessTolerance(10*time.Minute),
		aggregator.WithClock(func() time.Time { return at }),
	)
	f := newFacade(t, agg, cache.NewMemoryCache(cache.WithMemoryMaxSize(100)), at)

	bucketTime := at.Add(-3 * time.Hour)
	agg.Ingest([]*models.FlowRecord{foreignBuy("005930", bucketTime, 1_000_000_000)})

	snap, err := f.Snapshot(context.Background(), "005930", models.MarketKOSPI, models.Period1D)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.SmartMoneyNet != 1_000_000_000 {
		t.Fatalf("smart money net = %d, want 1000000000", snap.SmartMoneyNet)
	}

	// Cached now; a repeat read must not touch the aggregator.
	reads := agg.ReadCount()
	if _, err := f.Snapshot(context.Background(), "005930", models.MarketKOSPI, models.Period1D); err != nil {
		t.Fatalf("cached snapshot: %v", err)
	}
	if got := agg.ReadCount(); got != reads {
		t.Fatalf("aggregator reads = %d, want %d", got, reads)
	}

	// Late record for the same window triggers cascade invalidation.
	agg.Ingest([]*models.FlowRecord{foreignBuy("005930", bucketTime.Add(time.Minute), 500_000_000)})

	snap, err = f.Snapshot(context.Background(), "005930", models.MarketKOSPI, models.Period1D)
	if err != nil {
		t.Fatalf("recomputed snapshot: %v", err)
	}
	if snap.SmartMoneyNet != 1_500_000_000 {
		t.Fatalf("smart money net after late record = %d, want 1500000000", snap.SmartMoneyNet)
	}
}

func TestAggregateRowsAndCacheKeys(t *testing.T) {
	at := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	agg := aggregator.New(
		aggregator.WithBucketSizes(time.Hour),
		aggregator.WithClock(func() time.Time { return at }),
	)
	agg.Ingest([]*models.FlowRecord{
		foreignBuy("000660", at.Add(-2*time.Hour), 2_000_000_000),
		foreignBuy("000660", at.Add(-time.Hour), 1_000_000_000),
	})
	f := newFacade(t, agg, cache.NewMemoryCache(cache.WithMemoryMaxSize(100)), at)

	from := at.Add(-24 * time.Hour)
	rows, err := f.Aggregate(context.Background(), "000660", models.MarketKOSPI, time.Hour, from, at)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if !rows[0].Start.Before(rows[1].Start) {
		t.Fatalf("rows not in ascending window order")
	}
	if rows[0].SmartNet != 2_000_000_000 {
		t.Fatalf("row smart net = %d, want 2000000000", rows[0].SmartNet)
	}
	if rows[0].Intensity != models.IntensityLow {
		t.Fatalf("row intensity = %s, want %s", rows[0].Intensity, models.IntensityLow)
	}

	key1 := AggregateKey("000660", models.MarketKOSPI, time.Hour, from, at)
	key2 := AggregateKey("000660", models.MarketKOSPI, time.Hour, from, at)
	if key1 != key2 {
		t.Fatalf("aggregate key not deterministic: %q vs %q", key1, key2)
	}
	if key1 == AggregateKey("", models.MarketKOSPI, time.Hour, from, at) {
		t.Fatalf("instrument and market-wide keys must differ")
	}
}

func TestEmptyWindowSnapshot(t *testing.T) {
	at := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	agg := aggregator.New(aggregator.WithClock(func() time.Time { return at }))
	f := newFacade(t, agg, cache.NewMemoryCache(cache.WithMemoryMaxSize(100)), at)

	snap, err := f.Snapshot(context.Background(), "999999", models.MarketKOSDAQ, models.Period5D)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.BucketCount != 0 || snap.SmartMoneyNet != 0 {
		t.Fatalf("empty window snapshot not neutral: %+v", snap)
	}
	if snap.Pressure != models.PressureBalanced || snap.Sentiment != models.SentimentNeutral {
		t.Fatalf("empty window must be balanced/neutral, got %s/%s", snap.Pressure, snap.Sentiment)
	}
}
