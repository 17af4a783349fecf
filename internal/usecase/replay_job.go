package usecase

import (
	"context"
	"fmt"

	"SmartFlow/internal/domain/models"
	domrepo "SmartFlow/internal/domain/repository"
	"SmartFlow/pkg/logger"
	"SmartFlow/pkg/queue"
)

// FlowReplayJob drains parked batches back into the sink once it recovers.
// The sink upsert is idempotent, so replaying a batch that partially landed
// is safe.
type FlowReplayJob struct {
	sink    domrepo.FlowSink
	metrics domrepo.Metrics
	log     *logger.Logger
}

func NewFlowReplayJob(sink domrepo.FlowSink, metrics domrepo.Metrics, log *logger.Logger) *FlowReplayJob {
	return &FlowReplayJob{sink: sink, metrics: metrics, log: log}
}

func (j *FlowReplayJob) Name() string { return "flow-replay" }

func (j *FlowReplayJob) Type() string { return MsgTypeFlowReplay }

func (j *FlowReplayJob) Handle(ctx context.Context, payload interface{}) error {
	records, err := queue.ParsePayload[[]*models.FlowRecord](payload)
	if err != nil {
		j.metrics.RecordError("replay_payload")
		return fmt.Errorf("parse replay payload: %w", err)
	}
	if records == nil || len(*records) == 0 {
		return nil
	}
	if err := j.sink.UpsertBatch(ctx, *records); err != nil {
		return fmt.Errorf("replay upsert: %w", err)
	}
	j.log.Info("replayed parked batch", logger.Int("records", len(*records)))
	return nil
}

var _ queue.Job = (*FlowReplayJob)(nil)
