package repository

import (
	"context"
	"time"

	"SmartFlow/internal/domain/models"
)

type FlowStream interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context) error
	Read(ctx context.Context) (<-chan *models.FlowRecord, <-chan error)
	Reconnect(ctx context.Context) error
	Close() error
	IsConnected() bool
}

type Publisher interface {
	Publish(ctx context.Context, r *models.FlowRecord) error
	PublishBatch(ctx context.Context, records []*models.FlowRecord) error
	Close() error
}

type FlowSink interface {
	Init(ctx context.Context) error // ensure tables, health checks
	Upsert(ctx context.Context, r *models.FlowRecord) error
	UpsertBatch(ctx context.Context, records []*models.FlowRecord) error
	Query(ctx context.Context, instrumentID string, market models.Market, from, to time.Time, limit int) ([]*models.FlowRecord, error)
	Health(ctx context.Context) error // ping
	Close() error
}

type Metrics interface {
	RecordRecordIngested(source string, market string)
	RecordBatchClosed(reason string, size int)
	RecordSignal(method string)
	RecordError(kind string)
	RecordCache(level, outcome string)
	RecordLatency(op string, seconds float64)
}
