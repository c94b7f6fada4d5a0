package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/spec-kit/triage-service/internal/domain"
	"github.com/spec-kit/triage-service/internal/events"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestProducerKeysByTicket(t *testing.T) {
	writer := &fakeWriter{}
	p := &Producer{writer: writer, logger: zap.NewNop()}

	resolved := domain.TicketStatusResolved
	p.ProduceTicketEvent(context.Background(), events.TicketUpdated("t1", events.TicketFields{Status: &resolved}))

	if len(writer.msgs) != 1 {
		t.Fatalf("msgs = %d", len(writer.msgs))
	}
	msg := writer.msgs[0]
	if string(msg.Key) != "t1" || string(msg.Headers[0].Value) != "TICKET_UPDATED" {
		t.Fatalf("msg = %+v", msg)
	}
	var body map[string]any
	if err := json.Unmarshal(msg.Value, &body); err != nil || body["status"] != "RESOLVED" {
		t.Fatalf("body = %v, %v", body, err)
	}
}

func TestProducerSwallowsWriteErrors(t *testing.T) {
	p := &Producer{writer: &fakeWriter{err: errors.New("no leader")}, logger: zap.NewNop()}
	p.ProduceTicketEvent(context.Background(), events.TicketPartial("t1", "x"))
}

func TestDisabledProducer(t *testing.T) {
	p := NewProducer(nil, "ticket-events", zap.NewNop())
	if p.Enabled() {
		t.Fatal("producer without brokers should be disabled")
	}
	p.ProduceTicketEvent(context.Background(), events.TicketPartial("t1", "x"))
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
