package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/location-acquisition-service/internal/config"
	"github.com/couchcryptid/location-acquisition-service/internal/domain"
)

// messageWriter is the subset of *kafkago.Writer used by Writer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Writer produces tagged locations to a Kafka topic.
// It implements domain.TagStore.
type Writer struct {
	writer messageWriter
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured tag topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaTagTopic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// Save publishes one tagged location, keyed by its ID.
func (w *Writer) Save(ctx context.Context, tag domain.TaggedLocation) error {
	msg, err := serializeToMessage(tag)
	if err != nil {
		return err
	}
	if err := w.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write tagged location %s: %w", tag.ID, err)
	}
	w.logger.Debug("tagged location written", "id", tag.ID, "category", tag.Category)
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals a TaggedLocation into a Kafka message.
func serializeToMessage(tag domain.TaggedLocation) (kafkago.Message, error) {
	data, err := json.Marshal(tag)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize tagged location: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(tag.ID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "category", Value: []byte(tag.Category)},
			{Key: "created_at", Value: []byte(tag.CreatedAt.Format(time.RFC3339))},
		},
	}, nil
}
