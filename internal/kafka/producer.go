// Package kafka mirrors ticket lifecycle events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/spec-kit/triage-service/internal/events"
)

// EventProducer sends lifecycle events downstream. Implementations are
// best-effort and never block the caller on failure.
type EventProducer interface {
	ProduceTicketEvent(ctx context.Context, event events.Event)
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes ticket events to one topic, keyed by ticket id so a
// ticket's events stay on one partition.
type Producer struct {
	writer messageWriter
	logger *zap.Logger
}

// NewProducer returns a producer. With no brokers or topic every method is a no-op.
func NewProducer(brokers []string, topic string, logger *zap.Logger) *Producer {
	if len(brokers) == 0 || topic == "" {
		return &Producer{logger: logger}
	}
	return &Producer{
		logger: logger.With(zap.String("topic", topic)),
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Enabled reports whether brokers were configured.
func (p *Producer) Enabled() bool { return p.writer != nil }

func (p *Producer) ProduceTicketEvent(ctx context.Context, event events.Event) {
	if p.writer == nil {
		return
	}
	body, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("kafka: marshal ticket event", zap.Error(err))
		return
	}
	msg := kafka.Message{
		Key:   []byte(event.ID()),
		Value: body,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(event.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Warn("kafka: write ticket event", zap.String("ticket_id", event.ID()), zap.Error(err))
	}
}

// Close flushes and closes the writer.
func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
