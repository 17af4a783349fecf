package batcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"SmartFlow/internal/domain/models"
	domrepo "SmartFlow/internal/domain/repository"
)

// ErrQueueFull signals backpressure. The admission policy on failure
// (retry, drop-oldest, drop-newest) belongs to the caller.
var ErrQueueFull = errors.New("batcher: queue full")

// State is the batcher's position in the batch lifecycle.
type State int32

const (
	StateEmpty State = iota
	StateAccumulating
	StateClosing
	StateEmitted
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "EMPTY"
	case StateAccumulating:
		return "ACCUMULATING"
	case StateClosing:
		return "CLOSING"
	case StateEmitted:
		return "EMITTED"
	}
	return "UNKNOWN"
}

// Handler receives each closed batch exactly once, in close order.
type Handler interface {
	HandleBatch(ctx context.Context, records []*models.FlowRecord) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, records []*models.FlowRecord) error

func (f HandlerFunc) HandleBatch(ctx context.Context, records []*models.FlowRecord) error {
	return f(ctx, records)
}

// Batcher converts the inbound record stream into batches. A batch closes
// when it reaches maxRecords or when maxWait has elapsed since its first
// record, whichever comes first. Records keep arrival order; no record ever
// belongs to two batches.
type Batcher struct {
	queue      chan *models.FlowRecord
	maxRecords int
	maxWait    time.Duration
	handler    Handler
	metrics    domrepo.Metrics

	state   atomic.Int32
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	mu      sync.Mutex
}

type Option func(*Batcher)

// WithMaxRecords sets the record-count ceiling per batch.
func WithMaxRecords(n int) Option {
	return func(b *Batcher) {
		if n > 0 {
			b.maxRecords = n
		}
	}
}

// WithMaxWait bounds how long a batch stays open after its first record.
func WithMaxWait(d time.Duration) Option {
	return func(b *Batcher) {
		if d > 0 {
			b.maxWait = d
		}
	}
}

// WithQueueSize sets the bounded submit queue capacity.
func WithQueueSize(n int) Option {
	return func(b *Batcher) {
		if n > 0 {
			b.queue = make(chan *models.FlowRecord, n)
		}
	}
}

// New creates a batcher delivering closed batches to handler.
func New(handler Handler, metrics domrepo.Metrics, opts ...Option) *Batcher {
	b := &Batcher{
		queue:      make(chan *models.FlowRecord, 1000),
		maxRecords: 100,
		maxWait:    time.Second,
		handler:    handler,
		metrics:    metrics,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Submit enqueues one record without blocking. Returns ErrQueueFull at
// capacity.
func (b *Batcher) Submit(r *models.FlowRecord) error {
	select {
	case b.queue <- r:
		return nil
	default:
		b.metrics.RecordError("batcher_queue_full")
		return ErrQueueFull
	}
}

// State reports the current lifecycle state.
func (b *Batcher) State() State {
	return State(b.state.Load())
}

// Start launches the batching loop.
func (b *Batcher) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	go b.run(ctx)
}

// Stop drains the loop. An in-flight batch is closed and delivered before
// Stop returns.
func (b *Batcher) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	b.mu.Unlock()

	close(b.stopCh)
	<-b.doneCh
}

func (b *Batcher) run(ctx context.Context) {
	defer close(b.doneCh)

	var batch []*models.FlowRecord
	timer := time.NewTimer(b.maxWait)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			b.flush(ctx, batch, "shutdown")
			return
		case <-b.stopCh:
			b.flush(ctx, batch, "shutdown")
			return
		case r := <-b.queue:
			if r == nil {
				continue
			}
			if len(batch) == 0 {
				b.state.Store(int32(StateAccumulating))
				timer.Reset(b.maxWait)
			}
			batch = append(batch, r)
			if len(batch) >= b.maxRecords {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				batch = b.closeBatch(ctx, batch, "count")
			}
		case <-timer.C:
			if len(batch) > 0 {
				batch = b.closeBatch(ctx, batch, "timeout")
			}
		}
	}
}

func (b *Batcher) flush(ctx context.Context, batch []*models.FlowRecord, reason string) {
	if len(batch) > 0 {
		b.closeBatch(ctx, batch, reason)
	}
}

// closeBatch hands the batch to the handler and resets the cycle. The slice
// is passed as-is; a fresh one is started for the next batch, so no record
// can land in two batches.
func (b *Batcher) closeBatch(ctx context.Context, batch []*models.FlowRecord, reason string) []*models.FlowRecord {
	b.state.Store(int32(StateClosing))
	b.metrics.RecordBatchClosed(reason, len(batch))

	if err := b.handler.HandleBatch(ctx, batch); err != nil {
		b.metrics.RecordError("batcher_handler")
	}

	b.state.Store(int32(StateEmitted))
	b.state.Store(int32(StateEmpty))
	return nil
}
