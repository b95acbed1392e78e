package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSource is an IDSource backed by a Redis list. Submitters RPUSH ids,
// workers BLPOP them. Each id is delivered to at most one worker; the
// claim's version check covers re-delivery and duplicates.
type RedisSource struct {
	client      redis.UniversalClient
	key         string
	waitTimeout time.Duration
	logger      *slog.Logger
}

// RedisSourceOptions configure a RedisSource.
type RedisSourceOptions struct {
	Client      redis.UniversalClient // Required: connected Redis client
	Key         string                // Required: list key holding pending ids
	WaitTimeout time.Duration         // Optional: BLPOP timeout, defaults to 5s
	Logger      *slog.Logger          // Optional: structured logger
}

// NewRedisSource constructs a RedisSource.
func NewRedisSource(opts RedisSourceOptions) (*RedisSource, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.Key == "" {
		return nil, errors.New("queue key is required")
	}

	waitTimeout := opts.WaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = 5 * time.Second
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "redis_queue", "key", opts.Key)
	}

	return &RedisSource{
		client:      opts.Client,
		key:         opts.Key,
		waitTimeout: waitTimeout,
		logger:      logger,
	}, nil
}

// Enqueue implements Enqueuer via RPUSH.
func (s *RedisSource) Enqueue(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}
	if err := s.client.RPush(ctx, s.key, id).Err(); err != nil {
		return fmt.Errorf("redis rpush: %w", err)
	}
	return nil
}

// Next implements IDSource via BLPOP. A timeout without an item is not an
// error; workers fall back to their store scan and call Next again.
func (s *RedisSource) Next(ctx context.Context) (string, bool, error) {
	result, err := s.client.BLPop(ctx, s.waitTimeout, s.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", false, err
		}
		if s.logger != nil {
			s.logger.ErrorContext(ctx, "redis blpop failed", "error", err)
		}
		return "", false, fmt.Errorf("redis blpop: %w", err)
	}

	// BLPOP replies with [key, value].
	if len(result) != 2 || result[1] == "" {
		return "", false, nil
	}
	return result[1], true, nil
}

// Depth reports the number of ids waiting in the list.
func (s *RedisSource) Depth(ctx context.Context) (int64, error) {
	depth, err := s.client.LLen(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen: %w", err)
	}
	return depth, nil
}
