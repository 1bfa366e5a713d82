// Package callgate limits how many calls run at once, within the process
// and optionally across processes sharing a Redis counter.
package callgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"
)

// ErrBusy is returned when the shared cap is exhausted.
var ErrBusy = errors.New("call capacity reached")

const (
	DefaultKey = "isip:calls:active"
	DefaultTTL = 10 * time.Minute

	releaseTimeout = 2 * time.Second
)

// Gate hands out call slots.
type Gate struct {
	local *semaphore.Weighted
	limit int
	cap   *redisCap
	log   *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithRedis adds a cross-process cap of limit slots under key.
func WithRedis(rdb *redis.Client, key string, limit int, ttl time.Duration) Option {
	return func(g *Gate) {
		if key == "" {
			key = DefaultKey
		}
		if ttl <= 0 {
			ttl = DefaultTTL
		}
		if limit <= 0 {
			limit = g.limit
		}
		g.cap = &redisCap{rdb: rdb, key: key, limit: limit, ttl: ttl}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.log = l }
}

// New returns a gate allowing limit concurrent calls in this process.
func New(limit int, opts ...Option) *Gate {
	if limit < 1 {
		limit = 1
	}
	g := &Gate{
		local: semaphore.NewWeighted(int64(limit)),
		limit: limit,
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Limit returns the per-process limit.
func (g *Gate) Limit() int { return g.limit }

// Acquire waits for a local slot, then claims a shared one if configured.
// The shared cap does not wait: ErrBusy is returned when it is full.
// The returned release must be called exactly once.
func (g *Gate) Acquire(ctx context.Context) (release func(), err error) {
	if err := g.local.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for call slot: %w", err)
	}
	if g.cap == nil {
		return func() { g.local.Release(1) }, nil
	}

	ok, err := g.cap.acquire(ctx)
	if err != nil {
		g.local.Release(1)
		return nil, err
	}
	if !ok {
		g.local.Release(1)
		return nil, ErrBusy
	}
	return func() {
		// The caller's context may already be done.
		rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := g.cap.release(rctx); err != nil {
			g.log.Warn("[CallGate] Failed to release shared slot", "key", g.cap.key, "error", err)
		}
		g.local.Release(1)
	}, nil
}
