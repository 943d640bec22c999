package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// --- MemoryLimiter ---

func TestMemoryLimiter_window(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	l := NewMemoryLimiter(60*time.Second, 60, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		limited, err := l.IsLimited(ctx, "203.0.113.7")
		if err != nil {
			t.Fatalf("IsLimited() error = %v", err)
		}
		if limited {
			t.Fatalf("call %d limited, want allowed", i+1)
		}
		clock.Advance(500 * time.Millisecond)
	}

	if limited, _ := l.IsLimited(ctx, "203.0.113.7"); !limited {
		t.Fatal("61st call allowed, want limited")
	}

	// A different client has its own window.
	if limited, _ := l.IsLimited(ctx, "203.0.113.8"); limited {
		t.Error("other client limited, want allowed")
	}

	clock.Advance(31 * time.Second)
	if limited, _ := l.IsLimited(ctx, "203.0.113.7"); limited {
		t.Error("call after window elapsed limited, want allowed")
	}
}

func TestMemoryLimiter_rejectedCallsDoNotCount(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	l := NewMemoryLimiter(time.Minute, 2, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, _ = l.IsLimited(ctx, "c")
	}
	clock.Advance(time.Minute)
	for i := 0; i < 2; i++ {
		if limited, _ := l.IsLimited(ctx, "c"); limited {
			t.Fatalf("call %d in fresh window limited", i+1)
		}
	}
}

func TestMemoryLimiter_concurrentExactCount(t *testing.T) {
	l := NewMemoryLimiter(time.Hour, 60, WithShards(4))
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if limited, _ := l.IsLimited(ctx, "shared"); !limited {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 60 {
		t.Errorf("allowed = %d, want exactly 60", got)
	}
}

func TestMemoryLimiter_sweep(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	l := NewMemoryLimiter(time.Minute, 5, WithClock(clock.Now))
	ctx := context.Background()

	_, _ = l.IsLimited(ctx, "a")
	_, _ = l.IsLimited(ctx, "b")
	clock.Advance(30 * time.Second)
	_, _ = l.IsLimited(ctx, "c")
	clock.Advance(40 * time.Second)

	if removed := l.Sweep(); removed != 2 {
		t.Errorf("Sweep() = %d, want 2", removed)
	}
	if got := l.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
}

func TestMemoryLimiter_defaults(t *testing.T) {
	l := NewMemoryLimiter(0, 0)
	if l.Window() != DefaultWindow {
		t.Errorf("Window() = %v, want %v", l.Window(), DefaultWindow)
	}
	if l.limit != DefaultLimit {
		t.Errorf("limit = %d, want %d", l.limit, DefaultLimit)
	}
}

// --- RedisLimiter ---

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLimiter_window(t *testing.T) {
	mr, client := newRedis(t)
	l := NewRedisLimiter(client, time.Minute, 60, "rl:")
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		limited, err := l.IsLimited(ctx, "198.51.100.1")
		if err != nil {
			t.Fatalf("IsLimited() error = %v", err)
		}
		if limited {
			t.Fatalf("call %d limited, want allowed", i+1)
		}
	}
	limited, err := l.IsLimited(ctx, "198.51.100.1")
	if err != nil {
		t.Fatalf("IsLimited() error = %v", err)
	}
	if !limited {
		t.Fatal("61st call allowed, want limited")
	}

	if got, _ := mr.Get("rl:198.51.100.1"); got != "60" {
		t.Errorf("counter = %q, want 60 (rejected calls do not count)", got)
	}

	mr.FastForward(time.Minute)
	if limited, _ := l.IsLimited(ctx, "198.51.100.1"); limited {
		t.Error("call after window elapsed limited, want allowed")
	}
}

func TestRedisLimiter_sharedAcrossInstances(t *testing.T) {
	_, client := newRedis(t)
	a := NewRedisLimiter(client, time.Minute, 3, "rl:")
	b := NewRedisLimiter(client, time.Minute, 3, "rl:")
	ctx := context.Background()

	_, _ = a.IsLimited(ctx, "c")
	_, _ = b.IsLimited(ctx, "c")
	_, _ = a.IsLimited(ctx, "c")

	if limited, _ := b.IsLimited(ctx, "c"); !limited {
		t.Error("fourth call across instances allowed, want limited")
	}
}

func TestRedisLimiter_unavailable(t *testing.T) {
	mr, client := newRedis(t)
	l := NewRedisLimiter(client, time.Minute, 3, "rl:")
	mr.Close()

	if _, err := l.IsLimited(context.Background(), "c"); err == nil {
		t.Fatal("IsLimited() with redis down should return error")
	}
}
