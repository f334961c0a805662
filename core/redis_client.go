// Package core provides the Redis client abstraction used by the engine's
// checkpoint store. This file implements a simplified Redis client wrapper
// with key namespacing and connection management.
//
// Namespacing:
// All keys are automatically prefixed with the namespace:
// - Checkpoint state: "zipsa:state:*"
// - Session index:    "zipsa:state:session:*"
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisClient provides a simplified Redis interface with key namespacing
type RedisClient struct {
	client    *redis.Client
	namespace string
	logger    Logger
	breaker   CircuitBreaker
}

// RedisClientOptions configures the Redis client
type RedisClientOptions struct {
	RedisURL  string
	Namespace string         // Key namespace for organization
	Logger    Logger         // Optional logger
	Breaker   CircuitBreaker // Optional breaker guarding every command
}

// NewRedisClient creates a new Redis client with specified options
func NewRedisClient(opts RedisClientOptions) (*RedisClient, error) {
	logger := opts.Logger
	if logger == nil {
		logger = &NoOpLogger{}
	}

	if opts.RedisURL == "" {
		logger.Error("Failed to initialize Redis client", map[string]interface{}{
			"error":      "Redis URL is required",
			"error_type": "ErrInvalidConfiguration",
		})
		return nil, fmt.Errorf("redis URL is required: %w", ErrInvalidConfiguration)
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		logger.Error("Failed to parse Redis URL", map[string]interface{}{
			"error":     err,
			"redis_url": opts.RedisURL,
		})
		return nil, fmt.Errorf("invalid Redis URL: %w", ErrInvalidConfiguration)
	}

	client := redis.NewClient(redisOpt)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Error("Failed to connect to Redis", map[string]interface{}{
			"error":     err,
			"namespace": opts.Namespace,
		})
		return nil, fmt.Errorf("failed to connect to Redis: %w", ErrConnectionFailed)
	}

	rc := &RedisClient{
		client:    client,
		namespace: opts.Namespace,
		logger:    logger,
		breaker:   opts.Breaker,
	}

	rc.logger.Info("Redis client connected", map[string]interface{}{
		"namespace": opts.Namespace,
	})

	return rc, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	err := r.client.Close()
	if err != nil {
		r.logger.Error("Failed to close Redis client", map[string]interface{}{
			"error":     err,
			"namespace": r.namespace,
		})
	}
	return err
}

// GetNamespace returns the namespace being used
func (r *RedisClient) GetNamespace() string {
	return r.namespace
}

// formatKey formats a key with the namespace
func (r *RedisClient) formatKey(key string) string {
	if r.namespace != "" {
		return fmt.Sprintf("%s:%s", r.namespace, key)
	}
	return key
}

// guard routes a command through the breaker when one is configured.
// A missing key is not a dependency failure and must not trip it.
func (r *RedisClient) guard(fn func() error) error {
	if r.breaker == nil {
		return fn()
	}
	if !r.breaker.CanExecute() {
		return ErrCircuitBreakerOpen
	}
	if err := fn(); err != nil {
		r.breaker.RecordFailure()
		return err
	}
	r.breaker.RecordSuccess()
	return nil
}

// Get retrieves a value. Returns empty string and nil error when absent.
func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := r.guard(func() error {
		v, err := r.client.Get(ctx, r.formatKey(key)).Result()
		if err == redis.Nil {
			return nil
		}
		val = v
		return err
	})
	return val, err
}

// Set stores a value with optional TTL
func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return r.guard(func() error {
		return r.client.Set(ctx, r.formatKey(key), value, ttl).Err()
	})
}

// Del deletes keys
func (r *RedisClient) Del(ctx context.Context, keys ...string) error {
	formattedKeys := make([]string, len(keys))
	for i, key := range keys {
		formattedKeys[i] = r.formatKey(key)
	}
	return r.guard(func() error {
		return r.client.Del(ctx, formattedKeys...).Err()
	})
}

// Exists checks if a key exists
func (r *RedisClient) Exists(ctx context.Context, key string) (bool, error) {
	var found bool
	err := r.guard(func() error {
		n, err := r.client.Exists(ctx, r.formatKey(key)).Result()
		found = n > 0
		return err
	})
	return found, err
}

// --- Sorted Set Operations (for the session thread index) ---

// ZAdd adds a member with score to a sorted set
func (r *RedisClient) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return r.guard(func() error {
		return r.client.ZAdd(ctx, r.formatKey(key), &redis.Z{Score: score, Member: member}).Err()
	})
}

// ZRevRangeByScore returns members ordered by score descending with pagination
func (r *RedisClient) ZRevRangeByScore(ctx context.Context, key string, min, max string, offset, count int64) ([]string, error) {
	var members []string
	err := r.guard(func() error {
		result, err := r.client.ZRevRangeByScore(ctx, r.formatKey(key), &redis.ZRangeBy{
			Min:    min,
			Max:    max,
			Offset: offset,
			Count:  count,
		}).Result()
		members = result
		return err
	})
	return members, err
}

// ZRem removes members from a sorted set
func (r *RedisClient) ZRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.guard(func() error {
		return r.client.ZRem(ctx, r.formatKey(key), args...).Err()
	})
}

// HealthCheck verifies Redis connectivity
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	err := r.client.Ping(ctx).Err()
	if err != nil {
		r.logger.Error("Redis health check failed", map[string]interface{}{
			"error":     err,
			"namespace": r.namespace,
		})
	}
	return err
}
