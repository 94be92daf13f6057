package persistence

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spec-kit/isp-console/internal/config"
)

// Redis holds the client shared by the session registry and the event bridge.
type Redis struct {
	Client *redis.Client
}

// NewRedis builds the client and checks reachability once. An unreachable
// server is logged, not fatal: registry calls surface the error per request
// and readiness reports it.
func NewRedis(cfg config.RedisConfig, logger *zap.Logger) *Redis {
	timeout := cfg.DialTimeout()
	client := redis.NewClient(&redis.Options{
		Addr:                  cfg.Addr,
		Password:              cfg.Password,
		DB:                    cfg.DB,
		DialTimeout:           timeout,
		ContextTimeoutEnabled: true,
	})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable at startup", zap.String("addr", cfg.Addr), zap.Duration("timeout", timeout), zap.Error(err))
	} else {
		logger.Info("connected to redis", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	}

	return &Redis{Client: client}
}

// Close releases the client.
func (r *Redis) Close() {
	if r != nil && r.Client != nil {
		_ = r.Client.Close()
	}
}

// Ping reports Redis reachability for the readiness probe.
func (r *Redis) Ping(ctx context.Context) error {
	if r == nil || r.Client == nil {
		return errors.New("redis client not configured")
	}
	return r.Client.Ping(ctx).Err()
}
