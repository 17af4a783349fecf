package usecase

import (
	"context"
	"errors"

	"SmartFlow/internal/batcher"
	"SmartFlow/internal/domain/models"
	domrepo "SmartFlow/internal/domain/repository"
	"SmartFlow/pkg/logger"
)

// FlowCollector pulls investor flow records off the exchange stream and
// submits them to the batcher. A full queue rejects the newest record; the
// stream is never blocked by downstream pressure.
type FlowCollector struct {
	stream  domrepo.FlowStream
	batch   *batcher.Batcher
	metrics domrepo.Metrics
	log     *logger.Logger
}

// NewFlowCollector creates a new FlowCollector instance.
func NewFlowCollector(stream domrepo.FlowStream, batch *batcher.Batcher, metrics domrepo.Metrics, log *logger.Logger) *FlowCollector {
	return &FlowCollector{stream: stream, batch: batch, metrics: metrics, log: log}
}

// IsConnected returns true if the flow stream is connected.
func (c *FlowCollector) IsConnected() bool {
	return c.stream.IsConnected()
}

func (c *FlowCollector) Start(ctx context.Context) error {
	if err := c.stream.Connect(ctx); err != nil {
		return err
	}
	if err := c.stream.Subscribe(ctx); err != nil {
		return err
	}
	recCh, errCh := c.stream.Read(ctx)
	go c.consume(ctx, recCh, errCh)
	return nil
}

func (c *FlowCollector) consume(ctx context.Context, recCh <-chan *models.FlowRecord, errCh <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errCh:
			if !ok {
				// stream shut down; stop selecting on the closed channel
				errCh = nil
				continue
			}
			if err != nil {
				c.metrics.RecordError("stream")
				if rerr := c.stream.Reconnect(ctx); rerr != nil {
					c.log.Error("stream reconnect failed", logger.Error(rerr))
				}
			}
		case r, ok := <-recCh:
			if !ok {
				return
			}
			if r == nil {
				continue
			}
			if err := c.batch.Submit(r); err != nil {
				if errors.Is(err, batcher.ErrQueueFull) {
					c.metrics.RecordError("queue_full")
					continue
				}
				c.log.Error("submit flow record", logger.Error(err))
				continue
			}
			c.metrics.RecordRecordIngested("feed", string(r.Market))
		}
	}
}

// Shutdown closes the stream. The batcher is stopped by the app lifecycle so
// in-flight records still flush.
func (c *FlowCollector) Shutdown(ctx context.Context) error {
	return c.stream.Close()
}
