package circuitbreaker

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisService = "redis"

// RedisWrapper guards a go-redis client with a circuit breaker. redis.Nil is
// a normal answer and never trips it.
type RedisWrapper struct {
	client redis.UniversalClient
	cb     *CircuitBreaker
	name   string
}

// NewRedisWrapper creates a Redis wrapper with circuit breaker
func NewRedisWrapper(client redis.UniversalClient, name string, logger *zap.Logger) *RedisWrapper {
	config := SettingsFor(ProfileRedis).ToConfig()
	config.IsSuccessful = func(err error) bool { return errors.Is(err, redis.Nil) }
	cb := NewCircuitBreaker(name, config, logger)
	GlobalMetricsCollector.RegisterCircuitBreaker(name, redisService, cb)
	return &RedisWrapper{client: client, cb: cb, name: name}
}

// Do runs fn against the client through the breaker and returns fn's error,
// or the breaker's rejection.
func (rw *RedisWrapper) Do(ctx context.Context, fn func(ctx context.Context, c redis.UniversalClient) error) error {
	err := rw.cb.Execute(ctx, func() error { return fn(ctx, rw.client) })
	GlobalMetricsCollector.RecordRequest(rw.name, redisService, rw.cb.State(), err == nil || errors.Is(err, redis.Nil))
	return err
}

// Pipelined runs fn in a MULTI/EXEC transaction through the breaker.
func (rw *RedisWrapper) Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) error {
	return rw.Do(ctx, func(ctx context.Context, c redis.UniversalClient) error {
		_, err := c.TxPipelined(ctx, fn)
		return err
	})
}

// Ping wraps Redis Ping with circuit breaker
func (rw *RedisWrapper) Ping(ctx context.Context) error {
	return rw.Do(ctx, func(ctx context.Context, c redis.UniversalClient) error {
		return c.Ping(ctx).Err()
	})
}

// Client returns the underlying client for blocking operations such as Subscribe.
func (rw *RedisWrapper) Client() redis.UniversalClient { return rw.client }

// Close closes the underlying client.
func (rw *RedisWrapper) Close() error { return rw.client.Close() }

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool { return rw.cb.IsOpen() }
