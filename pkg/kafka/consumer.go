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

// Message is what a Handler receives.
type Message struct {
	Key    string
	Value  []byte
	Origin string
}

// Handler processes one message. A returned error leaves the message
// uncommitted.
type Handler func(ctx context.Context, msg Message) error

// Consumer reads a topic as part of a consumer group.
type Consumer struct {
	reader  *kafka.Reader
	handler Handler
	backoff time.Duration
	logger  *slog.Logger
}

// NewConsumer creates a Consumer for topic. Only messages produced after
// the group first joins are seen.
func NewConsumer(cfg config.KafkaConfig, topic string, handler Handler) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       topic,
			GroupID:     cfg.ConsumerGroup,
			MinBytes:    1,
			MaxBytes:    1 << 20,
			MaxWait:     500 * time.Millisecond,
			StartOffset: kafka.LastOffset,
		}),
		handler: handler,
		backoff: time.Second,
		logger:  slog.Default().With("component", "kafka-consumer", "topic", topic),
	}
}

// Run consumes until ctx is cancelled, then closes the reader.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer started")
	defer c.reader.Close()
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopping")
				return nil
			}
			c.logger.Error("fetch failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.backoff):
			}
			continue
		}
		msg := Message{Key: string(m.Key), Value: m.Value}
		for _, h := range m.Headers {
			if h.Key == OriginHeader {
				msg.Origin = string(h.Value)
			}
		}
		if err := c.handler(ctx, msg); err != nil {
			c.logger.Error("handler failed", "partition", m.Partition, "offset", m.Offset, "error", err)
			continue
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.logger.Warn("commit failed", "partition", m.Partition, "offset", m.Offset, "error", err)
		}
	}
}

// Decode unmarshals a message value into T.
func Decode[T any](value []byte) (T, error) {
	var out T
	if err := json.Unmarshal(value, &out); err != nil {
		return out, fmt.Errorf("decoding kafka message: %w", err)
	}
	return out, nil
}
