package metrics

import (
	"sync"
	"time"
)

// latencyBounds are the upper bucket bounds in seconds. The decision
// pipeline is expected to answer well under a second; the tail buckets
// exist for connector executions that wait on slow tools.
var latencyBounds = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
}

type Bucket struct {
	Le    float64
	Count int64
}

// LatencyHistogram tracks one endpoint's latency distribution for the
// uapk_latency_seconds exposition.
type LatencyHistogram struct {
	mu       sync.Mutex
	endpoint string
	counts   []int64
	sum      float64
	total    int64
}

func newLatencyHistogram(endpoint string) *LatencyHistogram {
	return &LatencyHistogram{endpoint: endpoint, counts: make([]int64, len(latencyBounds))}
}

func (h *LatencyHistogram) Observe(d time.Duration) {
	sec := d.Seconds()
	h.mu.Lock()
	h.sum += sec
	h.total++
	for i, le := range latencyBounds {
		if sec <= le {
			h.counts[i]++
		}
	}
	h.mu.Unlock()
}

// percentileLocked estimates a percentile as the bound of the first
// bucket whose cumulative count reaches the target rank.
func (h *LatencyHistogram) percentileLocked(p float64) float64 {
	if h.total == 0 {
		return 0
	}
	rank := int64(p * float64(h.total))
	for i, count := range h.counts {
		if count >= rank {
			return latencyBounds[i]
		}
	}
	return latencyBounds[len(latencyBounds)-1]
}

type LatencySnapshot struct {
	Endpoint string
	Buckets  []Bucket
	Sum      float64
	Count    int64
	P50      float64
	P95      float64
	P99      float64
}

func (h *LatencyHistogram) Snapshot() LatencySnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	buckets := make([]Bucket, len(latencyBounds))
	for i, le := range latencyBounds {
		buckets[i] = Bucket{Le: le, Count: h.counts[i]}
	}
	return LatencySnapshot{
		Endpoint: h.endpoint,
		Buckets:  buckets,
		Sum:      h.sum,
		Count:    h.total,
		P50:      h.percentileLocked(0.50),
		P95:      h.percentileLocked(0.95),
		P99:      h.percentileLocked(0.99),
	}
}

// LatencySet keys histograms by endpoint.
type LatencySet struct {
	mu         sync.RWMutex
	byEndpoint map[string]*LatencyHistogram
}

func NewLatencySet() *LatencySet {
	return &LatencySet{byEndpoint: map[string]*LatencyHistogram{}}
}

func (s *LatencySet) histogram(endpoint string) *LatencyHistogram {
	s.mu.RLock()
	h, ok := s.byEndpoint[endpoint]
	s.mu.RUnlock()
	if ok {
		return h
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok = s.byEndpoint[endpoint]; ok {
		return h
	}
	h = newLatencyHistogram(endpoint)
	s.byEndpoint[endpoint] = h
	return h
}

func (s *LatencySet) Observe(endpoint string, d time.Duration) {
	s.histogram(endpoint).Observe(d)
}

func (s *LatencySet) Snapshots() []LatencySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LatencySnapshot, 0, len(s.byEndpoint))
	for _, h := range s.byEndpoint {
		out = append(out, h.Snapshot())
	}
	return out
}
