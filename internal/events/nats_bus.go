package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

type natsSub struct {
	sub    *nats.Subscription
	cancel context.CancelFunc
}

// NATSBus carries events on a NATS subject. NATS invokes each subscription's
// callback serially, which preserves publish order per publisher.
type NATSBus struct {
	conn    *nats.Conn
	subject string
	logger  *zap.Logger
	owned   bool

	mu   sync.Mutex
	subs []natsSub
}

// DialNATS connects to url and returns a bus that closes the connection on Close.
func DialNATS(url, subject string, logger *zap.Logger) (*NATSBus, error) {
	conn, err := nats.Connect(url, nats.Name("triage-service"))
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	bus := NewNATSBus(conn, subject, logger)
	bus.owned = true
	return bus, nil
}

// NewNATSBus wraps an existing connection.
func NewNATSBus(conn *nats.Conn, subject string, logger *zap.Logger) *NATSBus {
	return &NATSBus{conn: conn, subject: subject, logger: logger.With(zap.String("subject", subject))}
}

func (b *NATSBus) Publish(_ context.Context, event Event) error {
	raw, err := encodeValid(event)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(b.subject, raw); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}

// Subscribe registers handler. Handlers receive a context that is cancelled
// when the subscription ends.
func (b *NATSBus) Subscribe(ctx context.Context, handler Handler) (func(), error) {
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub, err := b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
		event, err := Decode(msg.Data)
		if err != nil {
			b.logger.Warn("dropping malformed event", zap.Error(err))
			return
		}
		handler(subCtx, event)
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	// Flush so the server has registered interest before we return.
	if err := b.conn.Flush(); err != nil {
		cancel()
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, natsSub{sub: sub, cancel: cancel})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			_ = sub.Unsubscribe()
		})
	}, nil
}

// Ping round-trips to the server.
func (b *NATSBus) Ping(ctx context.Context) error {
	return b.conn.FlushWithContext(ctx)
}

// Close unsubscribes everything; the connection is closed only if DialNATS opened it.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, s := range subs {
		s.cancel()
		_ = s.sub.Unsubscribe()
	}
	if b.owned {
		return b.conn.Drain()
	}
	return nil
}
