package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Handler receives events from a subscription. Handlers run one at a time per
// subscription, in publish order.
type Handler func(context.Context, Event)

// Bus is the single named channel ticket events travel on. Publish is
// fire-and-forget from the caller's point of view: subscribers see only
// events published after they subscribed.
type Bus interface {
	Publish(ctx context.Context, event Event) error
	// Subscribe registers handler and returns a function that removes it.
	Subscribe(ctx context.Context, handler Handler) (func(), error)
	Close() error
}

// MemoryBus delivers synchronously within one process. Used for tests and the
// all-in-one mode.
type MemoryBus struct {
	logger *zap.Logger

	mu       sync.RWMutex
	next     int
	handlers map[int]Handler
	order    []int
	closed   bool
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(logger *zap.Logger) *MemoryBus {
	return &MemoryBus{logger: logger, handlers: make(map[int]Handler)}
}

// Publish invokes every current handler in subscription order.
func (b *MemoryBus) Publish(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	handlers := make([]Handler, 0, len(b.order))
	for _, id := range b.order {
		handlers = append(handlers, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.deliver(ctx, handler, event)
	}
	return nil
}

func (b *MemoryBus) deliver(ctx context.Context, handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic", zap.String("type", string(event.Type)), zap.Any("panic", r))
		}
	}()
	handler(ctx, event)
}

// Subscribe registers a handler.
func (b *MemoryBus) Subscribe(_ context.Context, handler Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	id := b.next
	b.next++
	b.handlers[id] = handler
	b.order = append(b.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.handlers, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}, nil
}

// Close drops all handlers.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[int]Handler)
	b.order = nil
	return nil
}
