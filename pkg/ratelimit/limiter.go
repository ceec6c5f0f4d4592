// Package ratelimit throttles how many actions an organization may submit
// per window. The gateway consults it before a submission reaches the
// policy engine, so a flooding agent is turned away without burning budget.
package ratelimit

import (
	"sync"
	"time"
)

// Usage reports where an org sits inside its current submission window.
type Usage struct {
	Allowed   bool
	Submitted int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter answers whether an org may submit one more action this window.
type Limiter interface {
	Allow(orgID string, limit int) Usage
}

// OrgWindows keeps a fixed submission window per org in process memory.
// Suitable for a single gateway instance; multi-instance deployments
// should use RedisLimiter so the count is shared.
type OrgWindows struct {
	mu     sync.Mutex
	window time.Duration
	orgs   map[string]orgWindow
}

type orgWindow struct {
	submitted int
	resetAt   time.Time
}

func NewInMemory(window time.Duration) *OrgWindows {
	if window <= 0 {
		window = time.Minute
	}
	return &OrgWindows{
		window: window,
		orgs:   make(map[string]orgWindow),
	}
}

func (l *OrgWindows) Allow(orgID string, limit int) Usage {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expire(now)
	win, ok := l.orgs[orgID]
	if !ok || now.After(win.resetAt) {
		win = orgWindow{
			submitted: 0,
			resetAt:   now.Add(l.window),
		}
	}
	win.submitted++
	l.orgs[orgID] = win
	remaining := limit - win.submitted
	if remaining < 0 {
		remaining = 0
	}
	return Usage{
		Allowed:   win.submitted <= limit,
		Submitted: win.submitted,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   win.resetAt,
	}
}

func (l *OrgWindows) expire(now time.Time) {
	for org, win := range l.orgs {
		if now.After(win.resetAt) {
			delete(l.orgs, org)
		}
	}
}
