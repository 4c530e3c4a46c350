package kafka

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/quanghm/parkcore/internal/models"
	"github.com/segmentio/kafka-go"
)

// MonthlyActivator finalizes a monthly registration or renewal once its
// transaction has completed.
type MonthlyActivator interface {
	ActivateByTransaction(ctx context.Context, transactionID string, txType models.TransactionType) error
}

// LifecycleEvent is the payload published to the transactions topic whenever
// a transaction reaches a terminal state.
type LifecycleEvent struct {
	EventType     string `json:"event_type"`
	TransactionID string `json:"transaction_id"`
	VehicleID     string `json:"vehicle_id"`
	Amount        int64  `json:"amount"`
	Type          string `json:"type"`
	PaymentMethod string `json:"payment_method"`
	Status        string `json:"status"`
	OccurredAt    string `json:"occurred_at"`
}

// Consumer reads lifecycle events and activates monthly subscriptions whose
// payment completed. Activation is idempotent, so redelivery is harmless.
type Consumer struct {
	reader    *kafka.Reader
	activator MonthlyActivator
}

func NewConsumer(brokers []string, topic, groupID string, activator MonthlyActivator) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 10e3,
			MaxBytes: 10e6,
		}),
		activator: activator,
	}
}

func (c *Consumer) Consume(ctx context.Context) {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if stderrors.Is(err, context.Canceled) {
				return
			}
			slog.Error("failed to read Kafka message", "topic", c.reader.Config().Topic, "error", err)
			continue
		}

		var event LifecycleEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			slog.Error("failed to unmarshal lifecycle event", "error", err)
			continue
		}

		if event.Status != string(models.StatusCompleted) {
			continue
		}
		txType := models.TransactionType(event.Type)
		if !txType.Monthly() {
			continue
		}

		if _, err := time.Parse(time.RFC3339, event.OccurredAt); err != nil {
			slog.Error("invalid occurred_at format", "value", event.OccurredAt, "error", err)
			continue
		}

		if err := c.activator.ActivateByTransaction(ctx, event.TransactionID, txType); err != nil {
			slog.Error("failed to activate monthly subscription", "transaction_id", event.TransactionID, "error", err)
			continue
		}
		slog.Info("monthly subscription activated", "transaction_id", event.TransactionID, "type", event.Type)
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
