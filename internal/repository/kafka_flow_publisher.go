package repository

import (
	"context"

	"SmartFlow/internal/domain/models"
	"SmartFlow/internal/domain/repository"
	pkgkafka "SmartFlow/pkg/kafka"
)

// KafkaFlowPublisher implements Publisher for Kafka. Keys are the record
// identity (instrument or market) so one identity stays on one partition.
type KafkaFlowPublisher struct {
	producer *pkgkafka.Producer
	topic    string
}

// NewKafkaFlowPublisher creates a Kafka publisher for flow records.
func NewKafkaFlowPublisher(producer *pkgkafka.Producer, topic string) repository.Publisher {
	return &KafkaFlowPublisher{producer: producer, topic: topic}
}

func flowKey(r *models.FlowRecord) []byte {
	if r.InstrumentID != "" {
		return []byte(r.InstrumentID)
	}
	return []byte(r.Market)
}

func flowPayload(r *models.FlowRecord) map[string]interface{} {
	return map[string]interface{}{
		"instrument_id": r.InstrumentID,
		"market":        r.Market,
		"ts":            r.Timestamp.Unix(),
		"foreign": map[string]int64{
			"buy_amount": r.Foreign.BuyAmount, "sell_amount": r.Foreign.SellAmount,
			"buy_volume": r.Foreign.BuyVolume, "sell_volume": r.Foreign.SellVolume,
		},
		"institution": map[string]int64{
			"buy_amount": r.Institution.BuyAmount, "sell_amount": r.Institution.SellAmount,
			"buy_volume": r.Institution.BuyVolume, "sell_volume": r.Institution.SellVolume,
		},
		"individual": map[string]int64{
			"buy_amount": r.Individual.BuyAmount, "sell_amount": r.Individual.SellAmount,
			"buy_volume": r.Individual.BuyVolume, "sell_volume": r.Individual.SellVolume,
		},
		"program_buy_amount":  r.ProgramBuyAmount,
		"program_sell_amount": r.ProgramSellAmount,
	}
}

func (p *KafkaFlowPublisher) Publish(ctx context.Context, r *models.FlowRecord) error {
	return p.producer.Publish(ctx, p.topic, flowKey(r), flowPayload(r))
}

func (p *KafkaFlowPublisher) PublishBatch(ctx context.Context, records []*models.FlowRecord) error {
	if len(records) == 0 {
		return nil
	}
	msgs := make([]pkgkafka.Message, len(records))
	for i, r := range records {
		msgs[i] = pkgkafka.Message{
			Key:   flowKey(r),
			Value: flowPayload(r),
		}
	}
	return p.producer.PublishBatch(ctx, p.topic, msgs)
}

func (p *KafkaFlowPublisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}
