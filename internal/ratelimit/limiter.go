// Package ratelimit throttles requests per client identifier over a fixed
// window.
package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// Limiter decides whether a client has exhausted its window. Allowed calls
// consume one unit of the window; rejected calls do not.
type Limiter interface {
	IsLimited(ctx context.Context, clientID string) (bool, error)
}

// Defaults used when a zero value is configured.
const (
	DefaultWindow = 60 * time.Second
	DefaultLimit  = 60
	defaultShards = 16
)

// MemoryLimiter is a single-process limiter. Counters are spread over
// mutex-guarded shards so unrelated clients rarely contend. A multi-instance
// deployment needs RedisLimiter instead; these counters are not shared.
type MemoryLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time
	shards []*shard
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*counter
}

type counter struct {
	start time.Time
	count int
}

// MemoryOption configures a MemoryLimiter.
type MemoryOption func(*MemoryLimiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(l *MemoryLimiter) { l.now = now }
}

// WithShards sets the shard count.
func WithShards(n int) MemoryOption {
	return func(l *MemoryLimiter) {
		if n > 0 {
			l.shards = newShards(n)
		}
	}
}

// NewMemoryLimiter returns a limiter allowing limit calls per window.
func NewMemoryLimiter(window time.Duration, limit int, opts ...MemoryOption) *MemoryLimiter {
	if window <= 0 {
		window = DefaultWindow
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	l := &MemoryLimiter{
		window: window,
		limit:  limit,
		now:    time.Now,
		shards: newShards(defaultShards),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func newShards(n int) []*shard {
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{windows: make(map[string]*counter)}
	}
	return shards
}

// IsLimited reports whether clientID is over its limit. The window resets
// lazily on the first call past its end. It never returns an error.
func (l *MemoryLimiter) IsLimited(_ context.Context, clientID string) (bool, error) {
	s := l.shardFor(clientID)
	now := l.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.windows[clientID]
	if !ok || now.Sub(c.start) >= l.window {
		c = &counter{start: now}
		s.windows[clientID] = c
	}
	if c.count >= l.limit {
		return true, nil
	}
	c.count++
	return false, nil
}

// Sweep drops windows that have ended, bounding memory for clients that
// stopped calling. It returns the number of entries removed.
func (l *MemoryLimiter) Sweep() int {
	now := l.now()
	removed := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for id, c := range s.windows {
			if now.Sub(c.start) >= l.window {
				delete(s.windows, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked clients.
func (l *MemoryLimiter) Len() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.windows)
		s.mu.Unlock()
	}
	return n
}

// Run sweeps every window until ctx is done.
func (l *MemoryLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// Window returns the configured window length.
func (l *MemoryLimiter) Window() time.Duration { return l.window }

func (l *MemoryLimiter) shardFor(clientID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientID))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}
