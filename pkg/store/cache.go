package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNoCachedDecision is the miss result from a DecisionCache lookup.
var ErrNoCachedDecision = errors.New("no cached decision")

// DecisionCache replays finished decision responses by idempotency key,
// so a retried submission gets the original outcome instead of running
// the pipeline (and burning budget) a second time.
type DecisionCache interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, payload string, ttl time.Duration) error
}

// RedisDecisionCache shares replayed decisions across gateway instances
// and survives restarts.
type RedisDecisionCache struct{ client *redis.Client }

func (r *RedisDecisionCache) Get(ctx context.Context, key string) (string, error) {
	res, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoCachedDecision
	}
	return res, err
}

func (r *RedisDecisionCache) Put(ctx context.Context, key, payload string, ttl time.Duration) error {
	return r.client.Set(ctx, key, payload, ttl).Err()
}

// MemoryDecisionCache is the single-instance fallback.
type MemoryDecisionCache struct {
	mu      sync.Mutex
	entries map[string]cachedDecision
}

type cachedDecision struct {
	payload   string
	expiresAt time.Time
}

func NewMemoryCache() *MemoryDecisionCache {
	return &MemoryDecisionCache{entries: map[string]cachedDecision{}}
}

func (m *MemoryDecisionCache) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	entry, ok := m.entries[key]
	if !ok {
		return "", ErrNoCachedDecision
	}
	return entry.payload, nil
}

func (m *MemoryDecisionCache) Put(ctx context.Context, key, payload string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	m.entries[key] = cachedDecision{payload: payload, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (m *MemoryDecisionCache) sweepLocked() {
	now := time.Now()
	for k, v := range m.entries {
		if now.After(v.expiresAt) {
			delete(m.entries, k)
		}
	}
}

// NewDecisionCache prefers redis so replayed decisions are shared
// across instances; without a reachable redis it degrades to process
// memory.
func NewDecisionCache(ctx context.Context, client *redis.Client) DecisionCache {
	if client != nil {
		if err := client.Ping(ctx).Err(); err == nil {
			return &RedisDecisionCache{client: client}
		}
	}
	return NewMemoryCache()
}
