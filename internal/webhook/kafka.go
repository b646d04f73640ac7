package webhook

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"kora/internal/domain"
	kafka_infra "kora/internal/infrastructure/kafka"
)

// KafkaPublisher publishes completion events on the payment status topic,
// keyed by session id so events for one session stay ordered.
type KafkaPublisher struct {
	producer kafka_infra.Producer
	topic    string
	logger   *zap.Logger
}

func NewKafkaPublisher(producer kafka_infra.Producer, topic string, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic, logger: logger}
}

func (p *KafkaPublisher) Notify(ctx context.Context, _ string, event domain.SessionCompletedEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal payment status event: %w", err)
	}
	if err := p.producer.Produce(ctx, event.SessionID, p.topic, payload); err != nil {
		return fmt.Errorf("failed to publish payment status event for %s: %w", event.SessionID, err)
	}
	p.logger.Debug("Payment status event published", zap.String("session_id", event.SessionID), zap.String("topic", p.topic))
	return nil
}
