package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"SmartFlow/internal/aggregator"
	"SmartFlow/internal/detector"
	"SmartFlow/internal/domain/models"
)

type fakeSink struct {
	mu       sync.Mutex
	failures int
	calls    int
	stored   int
}

func (s *fakeSink) Init(ctx context.Context) error { return nil }

func (s *fakeSink) Upsert(ctx context.Context, r *models.FlowRecord) error {
	return s.UpsertBatch(ctx, []*models.FlowRecord{r})
}

func (s *fakeSink) UpsertBatch(ctx context.Context, records []*models.FlowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return errors.New("connection refused")
	}
	s.stored += len(records)
	return nil
}

func (s *fakeSink) Query(ctx context.Context, instrumentID string, market models.Market, from, to time.Time, limit int) ([]*models.FlowRecord, error) {
	return nil, nil
}

func (s *fakeSink) Health(ctx context.Context) error { return nil }
func (s *fakeSink) Close() error                     { return nil }

type fakeReplay struct {
	mu       sync.Mutex
	messages []string
}

func (q *fakeReplay) PublishMessage(ctx context.Context, msgType string, payload interface{}) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, msgType)
	return nil
}

func newPipeline(t *testing.T, sink *fakeSink, replay *fakeReplay, agg *aggregator.Aggregator) *BatchPipeline {
	t.Helper()
	eng := detector.NewEngine(detector.DefaultConfig(), agg, nopMetrics{}, testLogger(t))
	opts := []PipelineOption{WithSinkRetry(3, time.Millisecond, 2*time.Millisecond)}
	if replay != nil {
		opts = append(opts, WithReplayQueue(replay))
	}
	return NewBatchPipeline(sink, agg, eng, nopMetrics{}, testLogger(t), opts...)
}

func TestPipelinePersistsAndAggregates(t *testing.T) {
	sink := &fakeSink{}
	agg := aggregator.New(aggregator.WithBucketSizes(time.Hour))
	p := newPipeline(t, sink, nil, agg)

	ts := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	if err := p.HandleBatch(context.Background(), []*models.FlowRecord{
		foreignBuy("005930", ts, 100),
		foreignBuy("005930", ts.Add(time.Minute), 200),
	}); err != nil {
		t.Fatalf("handle batch: %v", err)
	}

	if sink.stored != 2 {
		t.Fatalf("sink stored %d records, want 2", sink.stored)
	}
	key := models.BucketKeyFor("005930", models.MarketKOSPI, time.Hour, ts)
	b, ok := agg.Read(key)
	if !ok {
		t.Fatalf("bucket %v not aggregated", key)
	}
	if got := b.Foreign.NetAmount(); got != 300 {
		t.Fatalf("bucket net = %d, want 300", got)
	}
}

func TestPipelineRetriesTransientSinkError(t *testing.T) {
	sink := &fakeSink{failures: 2}
	agg := aggregator.New(aggregator.WithBucketSizes(time.Hour))
	p := newPipeline(t, sink, nil, agg)

	ts := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	if err := p.HandleBatch(context.Background(), []*models.FlowRecord{foreignBuy("005930", ts, 100)}); err != nil {
		t.Fatalf("handle batch: %v", err)
	}
	if sink.calls != 3 {
		t.Fatalf("sink calls = %d, want 3", sink.calls)
	}
	if sink.stored != 1 {
		t.Fatalf("sink stored %d, want 1", sink.stored)
	}
}

func TestPipelineContinuesAnalyticsWhenSinkDown(t *testing.T) {
	sink := &fakeSink{failures: 100}
	replay := &fakeReplay{}
	agg := aggregator.New(aggregator.WithBucketSizes(time.Hour))
	p := newPipeline(t, sink, replay, agg)

	ts := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	if err := p.HandleBatch(context.Background(), []*models.FlowRecord{foreignBuy("005930", ts, 100)}); err != nil {
		t.Fatalf("handle batch must not fail on sink outage: %v", err)
	}

	if sink.calls != 3 {
		t.Fatalf("sink calls = %d, want retry ceiling 3", sink.calls)
	}
	key := models.BucketKeyFor("005930", models.MarketKOSPI, time.Hour, ts)
	if _, ok := agg.Read(key); !ok {
		t.Fatalf("aggregation must proceed despite sink outage")
	}
	replay.mu.Lock()
	defer replay.mu.Unlock()
	if len(replay.messages) != 1 || replay.messages[0] != MsgTypeFlowReplay {
		t.Fatalf("replay queue = %v, want one %s message", replay.messages, MsgTypeFlowReplay)
	}
}

func TestRetryBackoffBounds(t *testing.T) {
	min, max := 100*time.Millisecond, 5*time.Second
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryBackoff(min, max, attempt)
		if d < min || d > max {
			t.Fatalf("attempt %d: backoff %s outside [%s, %s]", attempt, d, min, max)
		}
	}
}
