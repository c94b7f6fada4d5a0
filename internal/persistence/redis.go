package persistence

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spec-kit/triage-service/internal/config"
)

// Redis is the client shared by the job queue and the event bus.
type Redis struct {
	Client *redis.Client
	logger *zap.Logger
}

// NewRedis builds the client. An unreachable server at start-up is only
// logged: go-redis dials lazily and the readiness probe reports the outage.
func NewRedis(cfg config.RedisConfig, logger *zap.Logger) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	r := &Redis{Client: client, logger: logger.With(zap.String("redis_addr", cfg.Addr))}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Ping(ctx); err != nil {
		r.logger.Warn("redis not reachable yet", zap.Error(err))
	} else {
		r.logger.Info("connected to redis")
	}
	return r
}

// Ping is used by the readiness probe.
func (r *Redis) Ping(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}

// Close closes the client.
func (r *Redis) Close() {
	if err := r.Client.Close(); err != nil {
		r.logger.Warn("close redis", zap.Error(err))
	}
}
