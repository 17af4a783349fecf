package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"SmartFlow/internal/aggregator"
	"SmartFlow/internal/detector"
	"SmartFlow/internal/domain/models"
	domrepo "SmartFlow/internal/domain/repository"
	"SmartFlow/pkg/cache"
	"SmartFlow/pkg/logger"
)

// FacadeConfig tunes the query facade's caching and classification.
type FacadeConfig struct {
	SnapshotTTL         time.Duration
	SignalsTTL          time.Duration
	AggregateTTL        time.Duration
	SmartMoneyThreshold int64
}

// QueryFacade is the read side. Every answer is cached under a deterministic
// key; snapshot and aggregate entries carry dependency edges to the bucket
// keys they were computed from, so a late record invalidates exactly the
// entries it affects.
type QueryFacade struct {
	cache   *cache.LayeredCache
	agg     *aggregator.Aggregator
	engine  *detector.Engine
	metrics domrepo.Metrics
	log     *logger.Logger
	cfg     FacadeConfig
	now     func() time.Time
}

// FacadeOption configures QueryFacade.
type FacadeOption func(*QueryFacade)

// WithFacadeClock injects a clock for tests.
func WithFacadeClock(now func() time.Time) FacadeOption {
	return func(f *QueryFacade) { f.now = now }
}

// NewQueryFacade creates the read facade.
func NewQueryFacade(
	c *cache.LayeredCache,
	agg *aggregator.Aggregator,
	engine *detector.Engine,
	metrics domrepo.Metrics,
	log *logger.Logger,
	cfg FacadeConfig,
	opts ...FacadeOption,
) *QueryFacade {
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = 10 * time.Second
	}
	if cfg.SignalsTTL <= 0 {
		cfg.SignalsTTL = time.Minute
	}
	if cfg.AggregateTTL <= 0 {
		cfg.AggregateTTL = time.Hour
	}
	if cfg.SmartMoneyThreshold <= 0 {
		cfg.SmartMoneyThreshold = 1_000_000_000
	}
	f := &QueryFacade{
		cache:   c,
		agg:     agg,
		engine:  engine,
		metrics: metrics,
		log:     log,
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func instOrAll(instrumentID string) string {
	if instrumentID == "" {
		return "ALL"
	}
	return instrumentID
}

// SnapshotKey renders the cache key for a snapshot query.
func SnapshotKey(instrumentID string, market models.Market, period models.Period) string {
	return cache.GenerateKeyWithParams("snapshot", instOrAll(instrumentID), market, period)
}

// SignalsKey renders the cache key for a signals query.
func SignalsKey(market models.Market, method models.DetectionMethod) string {
	m := string(method)
	if m == "" {
		m = "ALL"
	}
	return cache.GenerateKeyWithParams("signals", market, m)
}

// AggregateKey renders the cache key for a raw aggregate query.
func AggregateKey(instrumentID string, market models.Market, size time.Duration, from, to time.Time) string {
	return cache.GenerateKeyWithParams("agg", instOrAll(instrumentID), market, size, from.Unix(), to.Unix())
}

// snapshotBucketSize picks the aggregation granularity for a period: hourly
// for intraday, daily beyond that.
func snapshotBucketSize(period models.Period) time.Duration {
	if period == models.Period1D {
		return time.Hour
	}
	return 24 * time.Hour
}

// Snapshot returns the market overview for one instrument (or the whole
// market) over the period, cached.
func (f *QueryFacade) Snapshot(ctx context.Context, instrumentID string, market models.Market, period models.Period) (*models.Snapshot, error) {
	lookback, ok := period.Lookback()
	if !ok {
		return nil, fmt.Errorf("unknown period: %s", period)
	}

	key := SnapshotKey(instrumentID, market, period)
	var cached models.Snapshot
	if err := f.cache.Get(ctx, key, &cached); err == nil {
		f.metrics.RecordCache("layered", "hit")
		return &cached, nil
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		f.log.Warn("snapshot cache read", logger.String("key", key), logger.Error(err))
	}
	f.metrics.RecordCache("layered", "miss")

	start := f.now()
	snap, deps := f.buildSnapshot(instrumentID, market, period, lookback)
	f.metrics.RecordLatency("snapshot_compute", time.Since(start).Seconds())

	if err := f.cache.Put(ctx, key, snap, f.cfg.SnapshotTTL, deps...); err != nil {
		f.log.Warn("snapshot cache write", logger.String("key", key), logger.Error(err))
	}
	return snap, nil
}

func (f *QueryFacade) buildSnapshot(instrumentID string, market models.Market, period models.Period, lookback time.Duration) (*models.Snapshot, []string) {
	now := f.now()
	size := snapshotBucketSize(period)
	from := now.Add(-lookback)

	buckets := f.agg.Range(instrumentID, market, size, from, now)
	deps := make([]string, 0, len(buckets))

	var total models.Bucket
	for i := range buckets {
		b := &buckets[i]
		deps = append(deps, b.Key.CacheKey())
		total.Foreign.BuyAmount += b.Foreign.BuyAmount
		total.Foreign.SellAmount += b.Foreign.SellAmount
		total.Foreign.BuyVolume += b.Foreign.BuyVolume
		total.Foreign.SellVolume += b.Foreign.SellVolume
		total.Institution.BuyAmount += b.Institution.BuyAmount
		total.Institution.SellAmount += b.Institution.SellAmount
		total.Institution.BuyVolume += b.Institution.BuyVolume
		total.Institution.SellVolume += b.Institution.SellVolume
		total.Individual.BuyAmount += b.Individual.BuyAmount
		total.Individual.SellAmount += b.Individual.SellAmount
		total.Individual.BuyVolume += b.Individual.BuyVolume
		total.Individual.SellVolume += b.Individual.SellVolume
		total.ProgramBuyAmount += b.ProgramBuyAmount
		total.ProgramSellAmount += b.ProgramSellAmount
		total.RecordCount += b.RecordCount
	}

	activity := total.TotalActivity()
	smartNet := total.SmartMoneyNet()

	snap := &models.Snapshot{
		InstrumentID:  instrumentID,
		Market:        market,
		Period:        period,
		From:          from,
		To:            now,
		SmartMoneyNet: smartNet,
		TotalActivity: activity,
		BucketCount:   len(buckets),
		GeneratedAt:   now,
	}

	var dominant models.InvestorClass
	var dominantAbs int64 = -1
	for _, c := range models.InvestorClasses {
		flow := total.Class(c)
		ratio := 0.0
		if activity > 0 {
			ratio = float64(flow.BuyAmount+flow.SellAmount) / float64(activity)
		}
		snap.Classes = append(snap.Classes, models.ClassSummary{
			Class:         c,
			NetAmount:     flow.NetAmount(),
			NetVolume:     flow.NetVolume(),
			BuyAmount:     flow.BuyAmount,
			SellAmount:    flow.SellAmount,
			ActivityRatio: ratio,
		})
		if abs := absInt64(flow.NetAmount()); abs > dominantAbs {
			dominantAbs = abs
			dominant = c
		}
	}
	snap.DominantClass = dominant

	fNet := total.Foreign.NetAmount()
	iNet := total.Institution.NetAmount()
	snap.Aligned = fNet != 0 && iNet != 0 && (fNet > 0) == (iNet > 0)

	snap.Pressure = pressureFor(smartNet, activity)
	snap.SentimentScore = sentimentScore(smartNet, activity)
	snap.Sentiment = models.SentimentFor(snap.SentimentScore)
	snap.Trend = trendSummary(buckets, smartNet, activity, f.cfg.SmartMoneyThreshold)

	return snap, deps
}

// pressureFor classifies smart-money pressure with a 5% dead band around
// balance so thin flow does not flap between sides.
func pressureFor(smartNet, activity int64) models.Pressure {
	if activity <= 0 {
		return models.PressureBalanced
	}
	ratio := float64(smartNet) / float64(activity)
	switch {
	case ratio > 0.05:
		return models.PressureBuying
	case ratio < -0.05:
		return models.PressureSelling
	default:
		return models.PressureBalanced
	}
}

// sentimentScore maps the smart-money imbalance onto [0, 100], 50 meaning
// perfectly balanced flow.
func sentimentScore(smartNet, activity int64) float64 {
	if activity <= 0 {
		return 50
	}
	score := 50 + 50*float64(smartNet)/float64(activity)
	return math.Max(0, math.Min(100, score))
}

func trendSummary(buckets []models.Bucket, smartNet, activity int64, threshold int64) models.TrendSummary {
	t := models.TrendSummary{
		Direction: models.TrendNeutral,
		Intensity: models.IntensityFor(smartNet),
	}
	switch {
	case smartNet >= threshold:
		t.Direction = models.TrendAccumulating
	case smartNet <= -threshold:
		t.Direction = models.TrendDistributing
	}
	if activity > 0 {
		t.Strength = math.Min(1, math.Abs(float64(smartNet))/float64(activity))
	}
	if len(buckets) > 0 {
		matching := 0
		for i := range buckets {
			n := buckets[i].SmartMoneyNet()
			if n == 0 || smartNet == 0 {
				continue
			}
			if (n > 0) == (smartNet > 0) {
				matching++
			}
		}
		t.Consistency = float64(matching) / float64(len(buckets))
	}
	return t
}

// Signals returns published signals for the market, cached per market and
// method; confidence floor and limit are applied on the cached list so every
// caller shares one entry.
func (f *QueryFacade) Signals(ctx context.Context, market models.Market, method models.DetectionMethod, minConfidence float64, limit int) ([]models.Signal, error) {
	key := SignalsKey(market, method)

	var signals []models.Signal
	if err := f.cache.Get(ctx, key, &signals); err == nil {
		f.metrics.RecordCache("layered", "hit")
		return clipSignals(signals, minConfidence, limit), nil
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		f.log.Warn("signals cache read", logger.String("key", key), logger.Error(err))
	}
	f.metrics.RecordCache("layered", "miss")

	signals = f.engine.Signals(market, method, 0, 0)
	if signals == nil {
		signals = []models.Signal{}
	}
	if err := f.cache.Put(ctx, key, signals, f.cfg.SignalsTTL); err != nil {
		f.log.Warn("signals cache write", logger.String("key", key), logger.Error(err))
	}
	return clipSignals(signals, minConfidence, limit), nil
}

func clipSignals(signals []models.Signal, minConfidence float64, limit int) []models.Signal {
	out := make([]models.Signal, 0, len(signals))
	for _, s := range signals {
		if s.Confidence >= minConfidence {
			out = append(out, s)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// AggregateRow is the serialized form of one bucket.
type AggregateRow struct {
	InstrumentID string            `json:"instrument_id,omitempty"`
	Market       models.Market     `json:"market"`
	Start        time.Time         `json:"start"`
	Foreign      models.ClassFlow  `json:"foreign"`
	Institution  models.ClassFlow  `json:"institution"`
	Individual   models.ClassFlow  `json:"individual"`
	ProgramBuy   int64             `json:"program_buy_amount"`
	ProgramSell  int64             `json:"program_sell_amount"`
	SmartNet     int64             `json:"smart_money_net"`
	Intensity    models.Intensity  `json:"intensity"`
	RecordCount  int64             `json:"record_count"`
}

// Aggregate returns raw window aggregates over [from, to), cached with
// dependency edges to the buckets it serialized.
func (f *QueryFacade) Aggregate(ctx context.Context, instrumentID string, market models.Market, size time.Duration, from, to time.Time) ([]AggregateRow, error) {
	if size <= 0 {
		return nil, fmt.Errorf("bucket size must be positive")
	}
	if !to.After(from) {
		return nil, fmt.Errorf("to must be after from")
	}
	key := AggregateKey(instrumentID, market, size, from, to)

	var rows []AggregateRow
	if err := f.cache.Get(ctx, key, &rows); err == nil {
		f.metrics.RecordCache("layered", "hit")
		return rows, nil
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		f.log.Warn("aggregate cache read", logger.String("key", key), logger.Error(err))
	}
	f.metrics.RecordCache("layered", "miss")

	buckets := f.agg.Range(instrumentID, market, size, from, to)
	rows = make([]AggregateRow, 0, len(buckets))
	deps := make([]string, 0, len(buckets))
	for i := range buckets {
		b := &buckets[i]
		deps = append(deps, b.Key.CacheKey())
		net := b.SmartMoneyNet()
		rows = append(rows, AggregateRow{
			InstrumentID: b.Key.InstrumentID,
			Market:       b.Key.Market,
			Start:        b.Key.Start,
			Foreign:      b.Foreign,
			Institution:  b.Institution,
			Individual:   b.Individual,
			ProgramBuy:   b.ProgramBuyAmount,
			ProgramSell:  b.ProgramSellAmount,
			SmartNet:     net,
			Intensity:    models.IntensityFor(net),
			RecordCount:  b.RecordCount,
		})
	}

	if err := f.cache.Put(ctx, key, rows, f.cfg.AggregateTTL, deps...); err != nil {
		f.log.Warn("aggregate cache write", logger.String("key", key), logger.Error(err))
	}
	return rows, nil
}

// Invalidate drops every cached answer derived from the given bucket key.
// Wired as the aggregator's invalidation hook.
func (f *QueryFacade) Invalidate(bucketKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.cache.InvalidateCascade(ctx, bucketKey); err != nil {
		f.metrics.RecordError("invalidate")
		f.log.Error("cascade invalidation", logger.String("key", bucketKey), logger.Error(err))
	}
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
