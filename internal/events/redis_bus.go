package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrBusClosed is returned after Close.
var ErrBusClosed = errors.New("event bus closed")

// RedisBus carries events over Redis pub/sub on one channel, so API and worker
// processes share a bus.
type RedisBus struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger

	mu     sync.Mutex
	subs   map[*redis.PubSub]context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewRedisBus returns a bus on channel.
func NewRedisBus(client *redis.Client, channel string, logger *zap.Logger) *RedisBus {
	return &RedisBus{
		client:  client,
		channel: channel,
		logger:  logger.With(zap.String("channel", channel)),
		subs:    make(map[*redis.PubSub]context.CancelFunc),
	}
}

func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	raw, err := encodeValid(event)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so events
// published afterwards are guaranteed to reach handler. Handlers receive a
// context that is cancelled when the subscription ends.
func (b *RedisBus) Subscribe(ctx context.Context, handler Handler) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.mu.Unlock()

	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = pubsub.Close()
		return nil, ErrBusClosed
	}
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.subs[pubsub] = cancel
	b.wg.Add(1)
	b.mu.Unlock()

	msgs := pubsub.Channel()
	go func() {
		defer b.wg.Done()
		for msg := range msgs {
			event, err := Decode([]byte(msg.Payload))
			if err != nil {
				b.logger.Warn("dropping malformed event", zap.Error(err))
				continue
			}
			handler(subCtx, event)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, pubsub)
			b.mu.Unlock()
			cancel()
			_ = pubsub.Close()
		})
	}, nil
}

// Close ends every subscription and waits for in-flight handlers.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[*redis.PubSub]context.CancelFunc)
	b.mu.Unlock()

	var errs []error
	for pubsub, cancel := range subs {
		cancel()
		if err := pubsub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.wg.Wait()
	return errors.Join(errs...)
}

func encodeValid(event Event) ([]byte, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}
	return Encode(event)
}
