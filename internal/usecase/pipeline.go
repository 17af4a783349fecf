package usecase

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"SmartFlow/internal/aggregator"
	"SmartFlow/internal/detector"
	"SmartFlow/internal/domain/models"
	domrepo "SmartFlow/internal/domain/repository"
	"SmartFlow/pkg/logger"
	"SmartFlow/pkg/queue"
)

// ErrSinkUnavailable wraps persistence failures that survived the retry
// budget. The batch is still handed to analytics; only durability is degraded.
var ErrSinkUnavailable = errors.New("flow sink unavailable")

// MsgTypeFlowReplay is the queue message type for batches that failed to
// persist and await replay.
const MsgTypeFlowReplay = "flow_batch_replay"

// BatchPipeline receives closed batches and fans them out: durable sink
// first, then in-memory aggregation, optional Kafka publication, and signal
// detection. Implements batcher.Handler.
type BatchPipeline struct {
	sink    domrepo.FlowSink
	agg     *aggregator.Aggregator
	engine  *detector.Engine
	pub     domrepo.Publisher
	replay  queue.QueueService
	metrics domrepo.Metrics
	log     *logger.Logger

	retryMax   int
	backoffMin time.Duration
	backoffMax time.Duration
}

// PipelineOption configures BatchPipeline.
type PipelineOption func(*BatchPipeline)

// WithPublisher enables batch publication to a transport.
func WithPublisher(pub domrepo.Publisher) PipelineOption {
	return func(p *BatchPipeline) { p.pub = pub }
}

// WithReplayQueue enqueues batches whose persistence exhausted retries.
func WithReplayQueue(q queue.QueueService) PipelineOption {
	return func(p *BatchPipeline) { p.replay = q }
}

// WithSinkRetry overrides the retry budget for sink writes.
func WithSinkRetry(max int, backoffMin, backoffMax time.Duration) PipelineOption {
	return func(p *BatchPipeline) {
		if max > 0 {
			p.retryMax = max
		}
		if backoffMin > 0 {
			p.backoffMin = backoffMin
		}
		if backoffMax > 0 {
			p.backoffMax = backoffMax
		}
	}
}

// NewBatchPipeline creates the pipeline behind the batcher.
func NewBatchPipeline(
	sink domrepo.FlowSink,
	agg *aggregator.Aggregator,
	engine *detector.Engine,
	metrics domrepo.Metrics,
	log *logger.Logger,
	opts ...PipelineOption,
) *BatchPipeline {
	p := &BatchPipeline{
		sink:       sink,
		agg:        agg,
		engine:     engine,
		metrics:    metrics,
		log:        log,
		retryMax:   5,
		backoffMin: 100 * time.Millisecond,
		backoffMax: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HandleBatch persists and analyzes one closed batch. A sink outage does not
// stop aggregation or detection; the batch is parked on the replay queue and
// the error is reported through metrics.
func (p *BatchPipeline) HandleBatch(ctx context.Context, records []*models.FlowRecord) error {
	if len(records) == 0 {
		return nil
	}
	start := time.Now()

	if err := p.persist(ctx, records); err != nil {
		p.metrics.RecordError("sink_unavailable")
		p.log.Error("batch persistence failed, continuing with analytics",
			logger.Int("records", len(records)),
			logger.Error(err),
		)
		p.park(ctx, records)
	}

	p.agg.Ingest(records)

	if p.pub != nil {
		if err := p.pub.PublishBatch(ctx, records); err != nil {
			p.metrics.RecordError("publish")
			p.log.Error("batch publish failed", logger.Error(err))
		}
	}

	p.engine.Observe(records)
	for market, at := range batchMarkets(records) {
		p.engine.Trigger(market, at)
	}

	p.metrics.RecordLatency("pipeline_batch", time.Since(start).Seconds())
	return nil
}

// persist retries the sink write with capped exponential backoff and jitter.
func (p *BatchPipeline) persist(ctx context.Context, records []*models.FlowRecord) error {
	var lastErr error
	for attempt := 0; attempt < p.retryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBackoff(p.backoffMin, p.backoffMax, attempt)):
			}
		}
		if lastErr = p.sink.UpsertBatch(ctx, records); lastErr == nil {
			return nil
		}
		p.log.Warn("sink upsert retry",
			logger.Int("attempt", attempt+1),
			logger.Int("records", len(records)),
			logger.Error(lastErr),
		)
	}
	return errors.Join(ErrSinkUnavailable, lastErr)
}

func (p *BatchPipeline) park(ctx context.Context, records []*models.FlowRecord) {
	if p.replay == nil {
		return
	}
	if err := p.replay.PublishMessage(ctx, MsgTypeFlowReplay, records); err != nil {
		p.metrics.RecordError("replay_enqueue")
		p.log.Error("replay enqueue failed", logger.Error(err))
	}
}

// batchMarkets maps each market present in the batch to its newest record
// timestamp, the anchor for the detection window.
func batchMarkets(records []*models.FlowRecord) map[models.Market]time.Time {
	out := make(map[models.Market]time.Time, 2)
	for _, r := range records {
		if r == nil || r.Market == "" {
			continue
		}
		if at, ok := out[r.Market]; !ok || r.Timestamp.After(at) {
			out[r.Market] = r.Timestamp
		}
	}
	return out
}

func retryBackoff(min, max time.Duration, attempt int) time.Duration {
	d := min << uint(attempt-1)
	if d > max || d <= 0 {
		d = max
	}
	// Full jitter within [min, d].
	if d > min {
		d = min + time.Duration(rand.Int63n(int64(d-min)))
	}
	return d
}
