package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/go-redis/redis/v8"
)

// redisTimeout bounds each Allow round trip so a slow Redis cannot stall
// proxy requests.
const redisTimeout = 50 * time.Millisecond

// RedisStore shares windows between replicas through Redis. The first
// request of a window creates the key with the window TTL; every request
// increments it.
//
// Redis errors fail open: the request is allowed and the error logged.
type RedisStore struct {
	client *redis.Client
	prefix string
	limit  int64
	period time.Duration
	logger *slog.Logger
}

// NewRedisStore returns a RedisStore allowing limit requests per period.
func NewRedisStore(client *redis.Client, prefix string, limit int, period time.Duration, logger *slog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		limit:  int64(limit),
		period: period,
		logger: logger.With("component", "ratelimit_redis"),
	}
}

// Allow counts a request for identifier.
func (s *RedisStore) Allow(identifier string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	key := s.prefix + identifier
	pipe := s.client.TxPipeline()
	pipe.SetNX(ctx, key, 0, s.period)
	incr := pipe.Incr(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		var nerr *net.OpError
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
			s.logger.Warn("redis limiter timed out; allowing request", "err", err)
		} else {
			s.logger.Error("redis limiter failed; allowing request", "err", err)
		}
		return true, nil
	}
	return incr.Val() <= s.limit, nil
}

// Ping checks that Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
