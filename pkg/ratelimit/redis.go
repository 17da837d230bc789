package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "kyrax:rl:"

// RedisWindow is a sliding-window limiter backed by a per-caller Redis
// sorted set of request timestamps, so multiple processes share one window.
// It exposes the same Check contract as the in-process Window.
type RedisWindow struct {
	client  *redis.Client
	window  time.Duration
	max     int
	timeout time.Duration
}

// NewRedisWindow connects to redisURL and verifies reachability with a ping.
// On connection failure it returns an error so callers can fall back to the
// in-process window.
func NewRedisWindow(redisURL string, window time.Duration, max int) (*RedisWindow, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ratelimit: redis unreachable: %w", err)
	}

	if window <= 0 {
		window = 60 * time.Second
	}
	if max <= 0 {
		max = 20
	}
	return &RedisWindow{
		client:  client,
		window:  window,
		max:     max,
		timeout: 2 * time.Second,
	}, nil
}

// Check trims expired members, records the new request and counts the
// window in one pipeline. Backend errors deny admission (fail closed).
func (r *RedisWindow) Check(id string) (bool, string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	key := redisKeyPrefix + id
	now := time.Now().UnixMilli()
	cutoff := now - r.window.Milliseconds()
	member := fmt.Sprintf("%d-%s", now, uuid.NewString())

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff, 10))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now), Member: member})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, r.window+5*time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Sprintf("rate_limiter_error: %v", err)
	}

	count := int(card.Val())
	if count > r.max {
		return false, fmt.Sprintf("rate_limit_exceeded: %d/%d in %s", count, r.max, r.window)
	}
	return true, ""
}

// Close releases the underlying Redis connection.
func (r *RedisWindow) Close() error {
	return r.client.Close()
}

// New returns a Redis-backed limiter when redisURL is set and reachable,
// otherwise the in-process window. Mirrors the safe-fallback construction
// used for shared deployments.
func New(redisURL string, window time.Duration, max int, logger *slog.Logger) Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	if redisURL != "" {
		rl, err := NewRedisWindow(redisURL, window, max)
		if err == nil {
			return rl
		}
		logger.Warn("redis rate limiter unavailable, falling back to in-memory", "error", err)
	}
	return NewWindow(window, max)
}
