package budget

import (
	"context"
	"sync"
	"time"
)

// Limits are the per-action-type budget limits from org policy. Zero
// means unlimited for that window.
type Limits struct {
	Daily  int64 `json:"daily_limit,omitempty"`
	Hourly int64 `json:"hourly_limit,omitempty"`
	Total  int64 `json:"total_limit,omitempty"`
}

func (l Limits) Empty() bool {
	return l.Daily <= 0 && l.Hourly <= 0 && l.Total <= 0
}

// Result reports the outcome of a check-and-increment.
type Result struct {
	OK    bool
	Count int64 // daily count after the operation (or at denial)
}

// Store is the atomic counter backend. CheckAndIncrement must behave as
// a single indivisible operation per window: concurrent calls against a
// limit L record at most L accepted increments for the same
// (org, action type, window). Counters are keyed by UTC calendar
// buckets, so rollover is implicit and needs no background job.
type Store interface {
	CheckAndIncrement(ctx context.Context, orgID, actionType string, limits Limits) (Result, error)
}

// Buckets for a moment in time, always UTC.
func buckets(now time.Time) (day, hour string) {
	now = now.UTC()
	return now.Format("2006-01-02"), now.Format("2006-01-02T15")
}

const totalBucket = "total"

// MemoryStore is the in-process fallback used in development and tests.
type MemoryStore struct {
	mu     sync.Mutex
	counts map[string]int64
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counts: map[string]int64{}, now: time.Now}
}

func (m *MemoryStore) key(orgID, actionType, bucket string) string {
	return orgID + "|" + actionType + "|" + bucket
}

func (m *MemoryStore) CheckAndIncrement(ctx context.Context, orgID, actionType string, limits Limits) (Result, error) {
	day, hour := buckets(m.now())
	m.mu.Lock()
	defer m.mu.Unlock()
	dayKey := m.key(orgID, actionType, day)
	hourKey := m.key(orgID, actionType, hour)
	totalKey := m.key(orgID, actionType, totalBucket)
	if limits.Daily > 0 && m.counts[dayKey]+1 > limits.Daily {
		return Result{OK: false, Count: m.counts[dayKey]}, nil
	}
	if limits.Hourly > 0 && m.counts[hourKey]+1 > limits.Hourly {
		return Result{OK: false, Count: m.counts[dayKey]}, nil
	}
	if limits.Total > 0 && m.counts[totalKey]+1 > limits.Total {
		return Result{OK: false, Count: m.counts[dayKey]}, nil
	}
	m.counts[dayKey]++
	m.counts[hourKey]++
	m.counts[totalKey]++
	return Result{OK: true, Count: m.counts[dayKey]}, nil
}
