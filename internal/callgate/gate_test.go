package callgate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLocalGateSerializes(t *testing.T) {
	g := New(1)
	release, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := g.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected second acquire to block until deadline, got %v", err)
	}

	release()
	release2, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("expected slot after release, got %v", err)
	}
	release2()
}

func TestLocalGateLimit(t *testing.T) {
	g := New(0)
	if g.Limit() != 1 {
		t.Fatalf("expected limit clamped to 1, got %d", g.Limit())
	}
	g = New(3)
	var releases []func()
	for i := 0; i < 3; i++ {
		r, err := g.Acquire(context.Background())
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		releases = append(releases, r)
	}
	for _, r := range releases {
		r()
	}
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb, err := OpenRedis(context.Background(), RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisCap(t *testing.T) {
	_, rdb := newRedis(t)
	ctx := context.Background()

	a := New(1, WithRedis(rdb, "isip:test", 1, time.Minute))
	b := New(1, WithRedis(rdb, "isip:test", 1, time.Minute))

	release, err := a.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Acquire(ctx); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy from second process, got %v", err)
	}
	release()

	release, err = b.Acquire(ctx)
	if err != nil {
		t.Fatalf("expected shared slot after release, got %v", err)
	}
	release()
}

func TestRedisCapRefreshesTTLOnAcquire(t *testing.T) {
	mr, rdb := newRedis(t)
	ctx := context.Background()
	const key = "isip:test"
	g := New(2, WithRedis(rdb, key, 2, time.Minute))

	first, err := g.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	mr.FastForward(50 * time.Second)

	second, err := g.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ttl := mr.TTL(key); ttl != time.Minute {
		t.Errorf("expected the TTL restarted by the second acquire, got %v", ttl)
	}

	// Past the first acquire's TTL the second call still holds its slot.
	mr.FastForward(30 * time.Second)
	if got, err := mr.Get(key); err != nil || got != "2" {
		t.Fatalf("expected both slots held, got %q, %v", got, err)
	}

	second()
	first()
	if mr.Exists(key) {
		t.Error("expected the counter removed once every slot is released")
	}
}

func TestRedisCapRejectKeepsTTL(t *testing.T) {
	mr, rdb := newRedis(t)
	ctx := context.Background()
	const key = "isip:test"
	// A counter left behind without an expiry is given one on the next attempt.
	if err := mr.Set(key, "1"); err != nil {
		t.Fatal(err)
	}

	g := New(1, WithRedis(rdb, key, 1, time.Minute))
	if _, err := g.Acquire(ctx); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if ttl := mr.TTL(key); ttl != time.Minute {
		t.Errorf("expected orphaned counter to get a TTL, got %v", ttl)
	}
}

func TestOpenRedisRequiresAddr(t *testing.T) {
	if _, err := OpenRedis(context.Background(), RedisConfig{}); err == nil {
		t.Fatal("expected error for empty addr")
	}
}
