package detector

import (
	"context"
	"testing"
	"time"

	"SmartFlow/internal/domain/models"
	"SmartFlow/internal/domain/service"
	"SmartFlow/pkg/logger"
)

var evalAt = time.Date(2026, 1, 2, 14, 0, 0, 0, time.UTC)

type nopMetrics struct{}

func (nopMetrics) RecordRecordIngested(string, string) {}
func (nopMetrics) RecordBatchClosed(string, int)       {}
func (nopMetrics) RecordSignal(string)                 {}
func (nopMetrics) RecordError(string)                  {}
func (nopMetrics) RecordCache(string, string)          {}
func (nopMetrics) RecordLatency(string, float64)       {}

type fakeReader struct {
	buckets map[string][]models.Bucket
}

func (f fakeReader) Range(inst string, _ models.Market, _ time.Duration, _, _ time.Time) []models.Bucket {
	return f.buckets[inst]
}

func (f fakeReader) Instruments(models.Market, time.Duration) []string {
	out := make([]string, 0, len(f.buckets))
	for inst := range f.buckets {
		out = append(out, inst)
	}
	return out
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(&logger.Config{Level: "error", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func largeBuy(inst string, at time.Time, amount int64) *models.FlowRecord {
	return &models.FlowRecord{
		InstrumentID: inst,
		Market:       models.MarketKOSPI,
		Timestamp:    at,
		Foreign:      models.ClassFlow{BuyAmount: amount, BuyVolume: amount / 70000},
	}
}

func newTestEngine(t *testing.T, reader fakeReader) *Engine {
	t.Helper()
	return NewEngine(DefaultConfig(), reader, nopMetrics{}, testLogger(t))
}

func TestLargeBlockScenario(t *testing.T) {
	e := newTestEngine(t, fakeReader{})

	// Four above-threshold buys inside the look-back.
	e.Observe([]*models.FlowRecord{
		largeBuy("B0002", evalAt.Add(-40*time.Minute), 600_000_000),
		largeBuy("B0002", evalAt.Add(-30*time.Minute), 700_000_000),
		largeBuy("B0002", evalAt.Add(-20*time.Minute), 650_000_000),
		largeBuy("B0002", evalAt.Add(-10*time.Minute), 800_000_000),
	})

	signals, err := e.Evaluate(context.Background(), models.MarketKOSPI, evalAt)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(signals) != 1 {
		t.Fatalf("signal count = %d, want 1", len(signals))
	}
	s := signals[0]
	if s.Method != models.MethodLargeBlock {
		t.Fatalf("method = %s", s.Method)
	}
	if s.InstrumentID != "B0002" {
		t.Fatalf("instrument = %s", s.InstrumentID)
	}
	if s.Confidence < 5 || s.Confidence > 10 {
		t.Fatalf("confidence = %f, want within [5, 10]", s.Confidence)
	}
}

func TestLargeBlockBelowMinCount(t *testing.T) {
	e := newTestEngine(t, fakeReader{})

	e.Observe([]*models.FlowRecord{
		largeBuy("B0002", evalAt.Add(-30*time.Minute), 600_000_000),
		largeBuy("B0002", evalAt.Add(-20*time.Minute), 700_000_000),
	})

	signals, err := e.Evaluate(context.Background(), models.MarketKOSPI, evalAt)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(signals) != 0 {
		t.Fatalf("expected no signals below min order count, got %d", len(signals))
	}
}

func TestConfidenceMonotoneInOrderCount(t *testing.T) {
	rule := NewLargeBlockRule(DefaultConfig())
	w := &service.DetectionWindow{
		Market: models.MarketKOSPI,
		From:   evalAt.Add(-5 * time.Hour),
		To:     evalAt,
		Records: map[string][]*models.FlowRecord{
			"B0002": nil,
		},
	}

	prev := 0.0
	for count := 3; count <= 12; count++ {
		// Fixed timestamp keeps the temporal-concentration input constant
		// while the order count varies.
		records := make([]*models.FlowRecord, count)
		for i := range records {
			records[i] = largeBuy("B0002", evalAt.Add(-10*time.Minute), 600_000_000)
		}
		w.Records["B0002"] = records

		signals, err := rule.Evaluate(context.Background(), w)
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if len(signals) != 1 {
			t.Fatalf("count %d: signals = %d", count, len(signals))
		}
		conf := signals[0].Confidence
		if conf < prev {
			t.Fatalf("confidence decreased at count %d: %f < %f", count, conf, prev)
		}
		if conf > 10 {
			t.Fatalf("confidence exceeds 10: %f", conf)
		}
		prev = conf
	}
}

func TestConfidenceCappedAtTen(t *testing.T) {
	rule := NewLargeBlockRule(DefaultConfig())
	records := make([]*models.FlowRecord, 50)
	for i := range records {
		r := largeBuy("B0002", evalAt.Add(-time.Duration(i)*time.Second), 900_000_000)
		r.Institution = models.ClassFlow{BuyAmount: 900_000_000}
		records[i] = r
	}
	w := &service.DetectionWindow{
		Market:  models.MarketKOSPI,
		From:    evalAt.Add(-5 * time.Hour),
		To:      evalAt,
		Records: map[string][]*models.FlowRecord{"B0002": records},
	}

	signals, err := rule.Evaluate(context.Background(), w)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(signals) != 1 || signals[0].Confidence > 10 {
		t.Fatalf("signals = %v", signals)
	}
}

func anomalyWindow(nets []int64) *service.DetectionWindow {
	buckets := make([]models.Bucket, len(nets))
	for i, net := range nets {
		start := evalAt.Add(time.Duration(i-len(nets)) * time.Hour)
		buckets[i] = models.Bucket{
			Key:         models.BucketKeyFor("C0003", models.MarketKOSPI, time.Hour, start),
			Foreign:     models.ClassFlow{BuyAmount: net},
			RecordCount: 1,
		}
	}
	return &service.DetectionWindow{
		Market:  models.MarketKOSPI,
		From:    evalAt.Add(-time.Duration(len(nets)) * time.Hour),
		To:      evalAt,
		Buckets: map[string][]models.Bucket{"C0003": buckets},
	}
}

func TestAnomalyZeroVarianceNeverFires(t *testing.T) {
	rule := NewAnomalyRule(DefaultConfig())

	signals, err := rule.Evaluate(context.Background(), anomalyWindow([]int64{100, 100, 100, 100, 100, 100}))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(signals) != 0 {
		t.Fatalf("zero-variance window fired %d signals", len(signals))
	}
}

func TestAnomalyFiresOnSpike(t *testing.T) {
	rule := NewAnomalyRule(DefaultConfig())

	signals, err := rule.Evaluate(context.Background(), anomalyWindow([]int64{100, 120, 80, 110, 95, 50_000}))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	found := false
	for _, s := range signals {
		if s.InvestorClass == models.InvestorForeign {
			found = true
			if s.Confidence <= 0 || s.Confidence > 10 {
				t.Fatalf("confidence out of range: %f", s.Confidence)
			}
		}
	}
	if !found {
		t.Fatal("spike did not fire the anomaly rule")
	}
}

func TestAnomalyInsufficientData(t *testing.T) {
	rule := NewAnomalyRule(DefaultConfig())

	signals, err := rule.Evaluate(context.Background(), anomalyWindow([]int64{100, 90_000}))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(signals) != 0 {
		t.Fatalf("short window should not score, got %d", len(signals))
	}
}

func TestEmptyWindowYieldsNoSignals(t *testing.T) {
	e := newTestEngine(t, fakeReader{})

	signals, err := e.Evaluate(context.Background(), models.MarketKOSPI, evalAt)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(signals) != 0 {
		t.Fatalf("empty window produced %d signals", len(signals))
	}
}

type stubRule struct {
	method  models.DetectionMethod
	signals []models.Signal
}

func (s stubRule) Method() models.DetectionMethod { return s.method }
func (s stubRule) Evaluate(context.Context, *service.DetectionWindow) ([]models.Signal, error) {
	return s.signals, nil
}

func TestSignalOrderingAndTieBreak(t *testing.T) {
	e := NewEngine(DefaultConfig(), fakeReader{}, nopMetrics{}, testLogger(t), WithRules(
		stubRule{method: models.MethodStatisticalAnomaly, signals: []models.Signal{
			{InstrumentID: "X", Method: models.MethodStatisticalAnomaly, Confidence: 7},
		}},
		stubRule{method: models.MethodLargeBlock, signals: []models.Signal{
			{InstrumentID: "X", Method: models.MethodLargeBlock, Confidence: 7},
			{InstrumentID: "Y", Method: models.MethodLargeBlock, Confidence: 9},
		}},
	))

	signals, err := e.Evaluate(context.Background(), models.MarketKOSPI, evalAt)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(signals) != 3 {
		t.Fatalf("signals = %d, want 3", len(signals))
	}
	if signals[0].Confidence != 9 {
		t.Fatalf("first signal confidence = %f", signals[0].Confidence)
	}
	// Ties order by ascending method name: INSTITUTIONAL < LARGE_BLOCK < STATISTICAL.
	if signals[1].Method != models.MethodLargeBlock || signals[2].Method != models.MethodStatisticalAnomaly {
		t.Fatalf("tie-break order wrong: %s then %s", signals[1].Method, signals[2].Method)
	}
}

type blockingRule struct {
	started chan struct{}
}

func (b blockingRule) Method() models.DetectionMethod { return models.MethodClustering }
func (b blockingRule) Evaluate(ctx context.Context, _ *service.DetectionWindow) ([]models.Signal, error) {
	close(b.started)
	<-ctx.Done()
	return []models.Signal{{InstrumentID: "Z", Confidence: 9}}, nil
}

func TestCancelledRunPublishesNothing(t *testing.T) {
	e := NewEngine(DefaultConfig(), fakeReader{}, nopMetrics{}, testLogger(t), WithRules(
		blockingRule{started: make(chan struct{})},
	))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := e.Evaluate(ctx, models.MarketKOSPI, evalAt); err == nil {
			t.Error("cancelled evaluation should return an error")
		}
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	if got := e.Signals(models.MarketKOSPI, "", 0, 0); len(got) != 0 {
		t.Fatalf("cancelled run published %d signals", len(got))
	}
}

type gatedRule struct {
	gate    chan struct{}
	signals []models.Signal
}

func (g gatedRule) Method() models.DetectionMethod { return models.MethodLargeBlock }
func (g gatedRule) Evaluate(ctx context.Context, w *service.DetectionWindow) ([]models.Signal, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-g.gate:
	}
	out := make([]models.Signal, len(g.signals))
	copy(out, g.signals)
	for i := range out {
		out[i].Market = w.Market
	}
	return out, nil
}

func TestTriggerScopedToMarket(t *testing.T) {
	gate := make(chan struct{})
	e := NewEngine(DefaultConfig(), fakeReader{}, nopMetrics{}, testLogger(t), WithRules(
		gatedRule{gate: gate, signals: []models.Signal{
			{InstrumentID: "005930", Method: models.MethodLargeBlock, Confidence: 9},
		}},
	))

	// A KOSDAQ trigger must not cancel the in-flight KOSPI run.
	e.Trigger(models.MarketKOSPI, evalAt)
	time.Sleep(20 * time.Millisecond)
	e.Trigger(models.MarketKOSDAQ, evalAt)
	time.Sleep(20 * time.Millisecond)
	close(gate)
	e.Wait()

	if got := e.Signals(models.MarketKOSPI, "", 0, 0); len(got) != 1 {
		t.Fatalf("KOSPI run was cancelled by the KOSDAQ trigger, signals = %d", len(got))
	}
	if got := e.Signals(models.MarketKOSDAQ, "", 0, 0); len(got) != 1 {
		t.Fatalf("KOSDAQ signals = %d", len(got))
	}
}

func TestSignalsFilter(t *testing.T) {
	e := NewEngine(DefaultConfig(), fakeReader{}, nopMetrics{}, testLogger(t), WithRules(
		stubRule{method: models.MethodLargeBlock, signals: []models.Signal{
			{InstrumentID: "A", Method: models.MethodLargeBlock, Confidence: 9},
			{InstrumentID: "B", Method: models.MethodStatisticalAnomaly, Confidence: 6},
			{InstrumentID: "C", Method: models.MethodLargeBlock, Confidence: 5.5},
		}},
	))

	if _, err := e.Evaluate(context.Background(), models.MarketKOSPI, evalAt); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	got := e.Signals(models.MarketKOSPI, models.MethodLargeBlock, 0, 0)
	if len(got) != 2 {
		t.Fatalf("method filter: %d signals", len(got))
	}

	got = e.Signals(models.MarketKOSPI, "", 6, 0)
	if len(got) != 2 {
		t.Fatalf("min confidence filter: %d signals", len(got))
	}

	got = e.Signals(models.MarketKOSPI, "", 0, 1)
	if len(got) != 1 || got[0].Confidence != 9 {
		t.Fatalf("limit: %v", got)
	}
}
