package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"SmartFlow/internal/batcher"
	"SmartFlow/internal/domain/models"
	domrepo "SmartFlow/internal/domain/repository"
	pkgkafka "SmartFlow/pkg/kafka"
)

// KafkaFlowsHandler consumes flow records from Kafka and feeds the batcher.
// Lets a separate collector deployment publish raw flows while this process
// handles persistence and analytics.
type KafkaFlowsHandler struct {
	topic   string
	batch   *batcher.Batcher
	metrics domrepo.Metrics
}

func NewKafkaFlowsHandler(topic string, batch *batcher.Batcher, metrics domrepo.Metrics) *KafkaFlowsHandler {
	return &KafkaFlowsHandler{topic: topic, batch: batch, metrics: metrics}
}

func (h *KafkaFlowsHandler) Topic() string { return h.topic }

type classFlowMsg struct {
	BuyAmount  int64 `json:"buy_amount"`
	SellAmount int64 `json:"sell_amount"`
	BuyVolume  int64 `json:"buy_volume"`
	SellVolume int64 `json:"sell_volume"`
}

// incoming message schema mirrors KafkaFlowPublisher's payload
type flowMsg struct {
	InstrumentID      string       `json:"instrument_id"`
	Market            string       `json:"market"`
	Ts                int64        `json:"ts"`
	Foreign           classFlowMsg `json:"foreign"`
	Institution       classFlowMsg `json:"institution"`
	Individual        classFlowMsg `json:"individual"`
	ProgramBuyAmount  int64        `json:"program_buy_amount"`
	ProgramSellAmount int64        `json:"program_sell_amount"`
}

func (h *KafkaFlowsHandler) Handle(ctx context.Context, b []byte) error {
	var m flowMsg
	if err := json.Unmarshal(b, &m); err != nil {
		h.metrics.RecordError("consumer_unmarshal")
		return err
	}
	if m.Market == "" || m.Ts == 0 {
		h.metrics.RecordError("consumer_invalid")
		return fmt.Errorf("flow message missing market or timestamp")
	}
	if m.Ts > 1e11 { // ms
		m.Ts = m.Ts / 1000
	}
	// E2E latency from event time to now (approx)
	h.metrics.RecordLatency("ingest_e2e_seconds", time.Since(time.Unix(m.Ts, 0)).Seconds())

	r := &models.FlowRecord{
		InstrumentID:      m.InstrumentID,
		Market:            models.Market(m.Market),
		Timestamp:         time.Unix(m.Ts, 0).UTC(),
		Foreign:           models.ClassFlow(m.Foreign),
		Institution:       models.ClassFlow(m.Institution),
		Individual:        models.ClassFlow(m.Individual),
		ProgramBuyAmount:  m.ProgramBuyAmount,
		ProgramSellAmount: m.ProgramSellAmount,
	}

	if err := h.batch.Submit(r); err != nil {
		if errors.Is(err, batcher.ErrQueueFull) {
			h.metrics.RecordError("queue_full")
			// Returning the error lets the consumer's retry/backoff absorb
			// the pressure instead of dropping the record.
			return err
		}
		return err
	}
	h.metrics.RecordRecordIngested("kafka", m.Market)
	return nil
}

var _ pkgkafka.MessageHandler = (*KafkaFlowsHandler)(nil)
