package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"kora/internal/app/sessions"
	"kora/internal/domain"
	kafka_infra "kora/internal/infrastructure/kafka"
)

// TransactionEventMessageHandler applies chain indexer events to sessions.
// Events that can never succeed are acknowledged; retryable failures are
// returned so the offset is not committed.
func TransactionEventMessageHandler(sessionService sessions.SessionService, logger *zap.Logger) kafka_infra.MessageHandler {
	return func(ctx context.Context, msg kafka.Message) error {
		logger.Debug("Received chain transaction event",
			zap.String("topic", msg.Topic),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.String("key", string(msg.Key)),
		)

		var event domain.ChainTransactionEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			logger.Error("Failed to unmarshal chain transaction event",
				zap.Error(err),
				zap.ByteString("value", msg.Value),
				zap.Int64("offset", msg.Offset),
			)
			return nil
		}

		fields := []zap.Field{
			zap.String("event_id", event.EventID),
			zap.String("type", event.Type),
			zap.String("session_id", event.SessionID),
		}

		var err error
		switch event.Type {
		case domain.ChainEventTransactionConfirmed:
			_, err = sessionService.ConfirmSession(ctx, event.SessionID, event.TransactionHash)
		case domain.ChainEventTransactionFailed:
			_, err = sessionService.FailSession(ctx, event.SessionID, failureReason(event))
		default:
			logger.Warn("Ignoring chain event of unknown type", fields...)
			return nil
		}

		switch {
		case err == nil:
			logger.Info("Applied chain transaction event", fields...)
			return nil
		case errors.Is(err, domain.ErrSessionNotFound),
			errors.Is(err, domain.ErrInvalidStateTransition),
			errors.Is(err, domain.ErrInvalidRequest),
			errors.Is(err, domain.ErrTransactionReverted),
			errors.Is(err, domain.ErrTransactionUnverified):
			logger.Warn("Discarding chain transaction event", append(fields, zap.Error(err))...)
			return nil
		default:
			logger.Error("Failed to apply chain transaction event", append(fields, zap.Error(err))...)
			return fmt.Errorf("failed to apply chain event %s for session %s: %w", event.EventID, event.SessionID, err)
		}
	}
}

func failureReason(event domain.ChainTransactionEvent) string {
	if event.Reason != "" {
		return event.Reason
	}
	if event.TransactionHash != "" {
		return "transaction failed: " + event.TransactionHash
	}
	return ""
}
