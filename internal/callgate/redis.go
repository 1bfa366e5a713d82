package callgate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig controls the Redis client used for the shared call cap.
type RedisConfig struct {
	Addr string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	PingTimeout  time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 4
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// OpenRedis initializes a Redis client and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// KEYS[1] = counter key, ARGV[1] = limit, ARGV[2] = ttl_ms.
// Returns 1 if acquired, 0 if the limit is reached. Every acquire restarts
// the TTL so the counter outlives the newest call holding a slot.
var acquireScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current > tonumber(ARGV[1]) then
  redis.call('DECR', KEYS[1])
  if redis.call('PTTL', KEYS[1]) < 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
  end
  return 0
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

var releaseScript = redis.NewScript(`
local current = redis.call('DECR', KEYS[1])
if current <= 0 then
  redis.call('DEL', KEYS[1])
end
return 1
`)

// redisCap is a counter shared by every process pointing at the same key.
// The TTL bounds how long a crashed process can hold a slot.
type redisCap struct {
	rdb   *redis.Client
	key   string
	limit int
	ttl   time.Duration
}

func (c *redisCap) acquire(ctx context.Context) (bool, error) {
	res, err := acquireScript.Run(ctx, c.rdb, []string{c.key}, c.limit, c.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire call cap: %w", err)
	}
	return res == 1, nil
}

func (c *redisCap) release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, c.rdb, []string{c.key}).Result(); err != nil {
		return fmt.Errorf("release call cap: %w", err)
	}
	return nil
}
