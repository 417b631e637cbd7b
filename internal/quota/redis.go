package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "nerede:quota:"

// keyTTL outlives any calendar month so stale counters expire on their own.
const keyTTL = 40 * 24 * time.Hour

var incrementScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if current >= limit then
  return {current, 0}
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return {current, 1}
`)

// RedisCounter keeps one month-scoped key per calendar month; the check and the
// increment run inside a single Lua script.
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter connects to redisURL and verifies the connection.
func NewRedisCounter(ctx context.Context, redisURL string) (*RedisCounter, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisCounter{client: client}, nil
}

// NewRedisCounterWithClient wraps an existing client.
func NewRedisCounterWithClient(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

// Increment atomically adds one call for month when below limit.
func (c *RedisCounter) Increment(ctx context.Context, month string, limit int) (int, bool, error) {
	res, err := incrementScript.Run(ctx, c.client, []string{monthKey(month)}, limit, int(keyTTL.Seconds())).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("run quota script: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("unexpected quota script reply %v", res)
	}
	return int(res[0]), res[1] == 1, nil
}

// Current returns the count recorded for month.
func (c *RedisCounter) Current(ctx context.Context, month string) (int, error) {
	n, err := c.client.Get(ctx, monthKey(month)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get quota key: %w", err)
	}
	return n, nil
}

// Close releases the redis connection.
func (c *RedisCounter) Close() error {
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}

func monthKey(month string) string {
	return redisKeyPrefix + month
}
