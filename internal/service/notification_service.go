package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/spec-kit/triage-service/internal/events"
	"github.com/spec-kit/triage-service/internal/kafka"
)

// NotificationService forwards ticket lifecycle events from the bus to
// downstream consumers. Draft fragments are not forwarded.
type NotificationService struct {
	bus      events.Bus
	producer kafka.EventProducer
	logger   *zap.Logger
}

// NewNotificationService creates the service.
func NewNotificationService(bus events.Bus, producer kafka.EventProducer, logger *zap.Logger) *NotificationService {
	return &NotificationService{bus: bus, producer: producer, logger: logger}
}

// RegisterHandlers subscribes to the bus. The returned function unsubscribes.
func (n *NotificationService) RegisterHandlers(ctx context.Context) (func(), error) {
	return n.bus.Subscribe(ctx, n.handle)
}

func (n *NotificationService) handle(ctx context.Context, event events.Event) {
	switch {
	case event.Type == events.EventTicketCreated:
		n.logger.Info("TicketCreated", zap.String("ticket_id", event.ID()))
	case event.Type == events.EventTicketUpdated && event.Status != nil:
		n.logger.Info("TicketStatusChanged", zap.String("ticket_id", event.ID()), zap.String("status", string(*event.Status)))
	default:
		return
	}
	n.producer.ProduceTicketEvent(ctx, event)
}
