// Package kafka wraps segmentio/kafka-go for the record change stream:
// a keyed JSON producer and a consumer that hands decoded messages to a
// callback and commits them once handled.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/lakeraven/filebot/pkg/config"
)

// OriginHeader carries the instance id of the publishing node.
const OriginHeader = "origin"

// Event is one message. Key drives partitioning so all changes to a record
// stay ordered; Value is JSON-encoded.
type Event struct {
	Key    string
	Value  any
	Origin string
}

// Producer publishes JSON events to one topic.
type Producer struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewProducer creates a Producer for topic.
func NewProducer(cfg config.KafkaConfig, topic string) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchSize:    100,
			BatchTimeout: 10 * time.Millisecond,
			MaxAttempts:  3,
			RequiredAcks: kafka.RequireOne,
		},
		logger: slog.Default().With("component", "kafka-producer", "topic", topic),
	}
}

func encode(events []Event) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		value, err := json.Marshal(ev.Value)
		if err != nil {
			return nil, fmt.Errorf("encoding event %s: %w", ev.Key, err)
		}
		msg := kafka.Message{Key: []byte(ev.Key), Value: value}
		if ev.Origin != "" {
			msg.Headers = []kafka.Header{{Key: OriginHeader, Value: []byte(ev.Origin)}}
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Publish writes events in one synchronous call.
func (p *Producer) Publish(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs, err := encode(events)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		p.logger.Error("publish failed", "count", len(msgs), "error", err)
		return fmt.Errorf("publishing to kafka: %w", err)
	}
	p.logger.Debug("published", "count", len(msgs))
	return nil
}

// Close flushes pending writes.
func (p *Producer) Close() error {
	return p.writer.Close()
}
