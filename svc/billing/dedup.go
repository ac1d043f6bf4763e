package billing

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDedupWindow is how long a request key suppresses duplicates.
const DefaultDedupWindow = 5 * time.Minute

// DedupGuard suppresses duplicate activation requests within a time window.
// It is a best-effort load-shedding layer: the durable per-account lock in
// the AccountStore remains the correctness guarantee regardless of backing.
type DedupGuard interface {
	// Begin records the key if it is absent or its previous attempt is
	// outside the window. Returns false when a live entry already exists.
	Begin(ctx context.Context, key string) (bool, error)

	// Forget removes the key so a failed attempt does not block retry.
	Forget(ctx context.Context, key string) error
}

// MemoryDedupGuard is the in-process implementation, suitable for
// single-process deployments. Expired entries are evicted opportunistically
// on every call.
type MemoryDedupGuard struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
	now    func() time.Time
}

func NewMemoryDedupGuard(window time.Duration) *MemoryDedupGuard {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &MemoryDedupGuard{
		window: window,
		seen:   make(map[string]time.Time),
		now:    time.Now,
	}
}

func (g *MemoryDedupGuard) Begin(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.evict(now)

	if first, ok := g.seen[key]; ok && now.Sub(first) < g.window {
		return false, nil
	}
	g.seen[key] = now
	return true, nil
}

func (g *MemoryDedupGuard) Forget(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, key)
	return nil
}

// evict removes entries older than the window. Caller must hold the mutex.
func (g *MemoryDedupGuard) evict(now time.Time) {
	for key, first := range g.seen {
		if now.Sub(first) >= g.window {
			delete(g.seen, key)
		}
	}
}

// RedisDedupGuard shares the dedup window across processes. Entries expire
// server-side, so no explicit eviction is needed.
type RedisDedupGuard struct {
	client redis.UniversalClient
	window time.Duration
	prefix string
}

func NewRedisDedupGuard(client redis.UniversalClient, window time.Duration) *RedisDedupGuard {
	if client == nil {
		panic("billing: redis client is required")
	}
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &RedisDedupGuard{
		client: client,
		window: window,
		prefix: "billing:activation:",
	}
}

func (g *RedisDedupGuard) Begin(ctx context.Context, key string) (bool, error) {
	return g.client.SetNX(ctx, g.prefix+key, time.Now().UTC().Unix(), g.window).Result()
}

func (g *RedisDedupGuard) Forget(ctx context.Context, key string) error {
	return g.client.Del(ctx, g.prefix+key).Err()
}
