package detector

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"SmartFlow/internal/domain/models"
	domrepo "SmartFlow/internal/domain/repository"
	"SmartFlow/internal/domain/service"
	"SmartFlow/pkg/logger"
)

// ErrInsufficientData marks windows too small to score. Callers treat it as
// an empty result, not a failure.
var ErrInsufficientData = errors.New("detector: insufficient data")

// Config holds the detection thresholds.
type Config struct {
	LargeOrderThreshold int64
	MinLargeOrders      int
	AnomalySensitivity  float64
	MinConfidence       float64
	MinDataPoints       int

	LookbackBuckets int
	BucketSize      time.Duration

	ClusterEpsilon        float64
	ClusterMinPoints      int
	ClusterScoreThreshold float64
}

// DefaultConfig mirrors the production thresholds: 500M KRW large orders,
// z-score sensitivity 2.5, minimum confidence 5 on the 0-10 scale.
func DefaultConfig() Config {
	return Config{
		LargeOrderThreshold:   500_000_000,
		MinLargeOrders:        3,
		AnomalySensitivity:    2.5,
		MinConfidence:         5.0,
		MinDataPoints:         5,
		LookbackBuckets:       5,
		BucketSize:            time.Hour,
		ClusterEpsilon:        0.35,
		ClusterMinPoints:      2,
		ClusterScoreThreshold: 0.5,
	}
}

// Engine runs the detection rules over a recent window and publishes the
// resulting signal list atomically. A newer evaluation supersedes a running
// one; a cancelled run publishes nothing.
type Engine struct {
	cfg     Config
	reader  domrepo.BucketReader
	metrics domrepo.Metrics
	log     *logger.Logger
	rules   []service.SignalRule

	recentMu sync.Mutex
	recent   map[models.Market][]*models.FlowRecord

	pubMu     sync.RWMutex
	published map[models.Market][]models.Signal

	runMu   sync.Mutex
	cancels map[models.Market]context.CancelFunc
	wg      sync.WaitGroup
}

type Option func(*Engine)

// WithRules overrides the default rule set.
func WithRules(rules ...service.SignalRule) Option {
	return func(e *Engine) {
		e.rules = rules
	}
}

// NewEngine builds the engine with the three standard rules.
func NewEngine(cfg Config, reader domrepo.BucketReader, metrics domrepo.Metrics, log *logger.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:       cfg,
		reader:    reader,
		metrics:   metrics,
		log:       log,
		recent:    make(map[models.Market][]*models.FlowRecord),
		published: make(map[models.Market][]models.Signal),
		cancels:   make(map[models.Market]context.CancelFunc),
	}
	e.rules = []service.SignalRule{
		NewLargeBlockRule(cfg),
		NewClusteringRule(cfg, NewDBSCAN(cfg.ClusterEpsilon, cfg.ClusterMinPoints)),
		NewAnomalyRule(cfg),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Observe feeds a closed batch into the recent-record window.
func (e *Engine) Observe(batch []*models.FlowRecord) {
	horizon := time.Duration(e.cfg.LookbackBuckets) * e.cfg.BucketSize

	e.recentMu.Lock()
	defer e.recentMu.Unlock()

	for _, r := range batch {
		e.recent[r.Market] = append(e.recent[r.Market], r)
	}
	for market, records := range e.recent {
		var newest time.Time
		for _, r := range records {
			if r.Timestamp.After(newest) {
				newest = r.Timestamp
			}
		}
		cutoff := newest.Add(-horizon)
		kept := records[:0]
		for _, r := range records {
			if !r.Timestamp.Before(cutoff) {
				kept = append(kept, r)
			}
		}
		e.recent[market] = kept
	}
}

// Trigger starts an evaluation for the market, cancelling any run for the
// same market still in flight. Runs for other markets are independent and
// keep going; the superseded run never publishes.
func (e *Engine) Trigger(market models.Market, at time.Time) {
	e.runMu.Lock()
	if cancel := e.cancels[market]; cancel != nil {
		cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancels[market] = cancel
	e.wg.Add(1)
	e.runMu.Unlock()

	go func() {
		defer e.wg.Done()
		defer cancel()
		if _, err := e.Evaluate(ctx, market, at); err != nil && !errors.Is(err, context.Canceled) {
			e.log.Warn("detector evaluation failed",
				logger.String("market", string(market)),
				logger.Error(err))
		}
	}()
}

// Wait blocks until the in-flight evaluation finishes. Used in shutdown.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Evaluate runs every rule over the look-back ending at `at` and publishes
// the combined list. Publication is all-or-nothing: on cancellation the
// previously published list stays in place.
func (e *Engine) Evaluate(ctx context.Context, market models.Market, at time.Time) ([]models.Signal, error) {
	start := time.Now()
	window := e.buildWindow(market, at)

	var signals []models.Signal
	for _, rule := range e.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		found, err := rule.Evaluate(ctx, window)
		if err != nil {
			if errors.Is(err, ErrInsufficientData) {
				continue
			}
			return nil, err
		}
		signals = append(signals, found...)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	kept := signals[:0]
	for _, s := range signals {
		if s.Confidence >= e.cfg.MinConfidence {
			kept = append(kept, s)
		}
	}
	sortSignals(kept)

	e.pubMu.Lock()
	e.published[market] = kept
	e.pubMu.Unlock()

	for _, s := range kept {
		e.metrics.RecordSignal(string(s.Method))
	}
	e.metrics.RecordLatency("detector_evaluate", time.Since(start).Seconds())
	return kept, nil
}

// Signals returns the last published list for a market, filtered by method
// and minimum confidence, capped at limit. Ordering is descending
// confidence with ascending method name on ties.
func (e *Engine) Signals(market models.Market, method models.DetectionMethod, minConfidence float64, limit int) []models.Signal {
	e.pubMu.RLock()
	defer e.pubMu.RUnlock()

	var markets []models.Market
	if market == models.MarketAll {
		for m := range e.published {
			markets = append(markets, m)
		}
	} else {
		markets = []models.Market{market}
	}

	var out []models.Signal
	for _, m := range markets {
		for _, s := range e.published[m] {
			if method != "" && s.Method != method {
				continue
			}
			if s.Confidence < minConfidence {
				continue
			}
			out = append(out, s)
		}
	}
	sortSignals(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (e *Engine) buildWindow(market models.Market, at time.Time) *service.DetectionWindow {
	from := at.Add(-time.Duration(e.cfg.LookbackBuckets) * e.cfg.BucketSize)

	w := &service.DetectionWindow{
		Market:  market,
		From:    from,
		To:      at,
		Records: make(map[string][]*models.FlowRecord),
		Buckets: make(map[string][]models.Bucket),
	}

	e.recentMu.Lock()
	for _, r := range e.recent[market] {
		if r.Timestamp.Before(from) || r.InstrumentID == "" {
			continue
		}
		w.Records[r.InstrumentID] = append(w.Records[r.InstrumentID], r)
	}
	e.recentMu.Unlock()

	if e.reader != nil {
		for _, inst := range e.reader.Instruments(market, e.cfg.BucketSize) {
			buckets := e.reader.Range(inst, market, e.cfg.BucketSize, from, at.Add(e.cfg.BucketSize))
			if len(buckets) > 0 {
				w.Buckets[inst] = buckets
			}
		}
	}
	return w
}

func sortSignals(signals []models.Signal) {
	sort.SliceStable(signals, func(i, j int) bool {
		if signals[i].Confidence != signals[j].Confidence {
			return signals[i].Confidence > signals[j].Confidence
		}
		return signals[i].Method < signals[j].Method
	})
}
