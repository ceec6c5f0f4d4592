package approval

import (
	"context"
	"sync"
	"time"
)

// Store persists approvals. Decide and Consume must be conditional
// single-row transitions: Decide succeeds only from PENDING, Consume
// only while consumed_at is unset, so concurrent callers cannot both
// win.
type Store interface {
	Insert(ctx context.Context, a *Approval) error
	Get(ctx context.Context, orgID, id string) (*Approval, error)
	Decide(ctx context.Context, orgID, id string, res Resolution) error
	Consume(ctx context.Context, orgID, id, interactionID string, at time.Time) error
	ExpirePending(ctx context.Context, orgID string, now time.Time) (int64, error)
	ListPending(ctx context.Context, orgID string) ([]*Approval, error)
	Stats(ctx context.Context, orgID string) (map[string]int64, error)
}

// MemoryStore backs development mode and tests.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]*Approval
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: map[string]*Approval{}}
}

func (m *MemoryStore) key(orgID, id string) string { return orgID + "|" + id }

func (m *MemoryStore) Insert(ctx context.Context, a *Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.rows[m.key(a.OrgID, a.ID)] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, orgID, id string) (*Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[m.key(orgID, id)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) Decide(ctx context.Context, orgID, id string, res Resolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[m.key(orgID, id)]
	if !ok {
		return ErrNotFound
	}
	if a.Status != Pending {
		return ErrNotPending
	}
	if !CanTransition(a.Status, res.Status) {
		return ErrInvalidTransition
	}
	a.Status = res.Status
	decidedAt := res.DecidedAt
	a.DecidedAt = &decidedAt
	a.DecidedBy = res.DecidedBy
	a.DecisionNotes = res.Notes
	a.ActionHash = res.ActionHash
	a.OverrideTokenHash = res.TokenHash
	a.OverrideTokenExpiresAt = res.TokenExpires
	return nil
}

func (m *MemoryStore) Consume(ctx context.Context, orgID, id, interactionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[m.key(orgID, id)]
	if !ok {
		return ErrNotFound
	}
	if a.Status != Approved {
		return ErrNotPending
	}
	if a.ConsumedAt != nil {
		return ErrAlreadyConsumed
	}
	consumed := at
	a.ConsumedAt = &consumed
	a.ConsumedInteractionID = interactionID
	return nil
}

func (m *MemoryStore) ExpirePending(ctx context.Context, orgID string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, a := range m.rows {
		if a.OrgID == orgID && a.Status == Pending && now.After(a.ExpiresAt) {
			a.Status = Expired
			expiredAt := now
			a.DecidedAt = &expiredAt
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListPending(ctx context.Context, orgID string) ([]*Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Approval
	for _, a := range m.rows {
		if a.OrgID == orgID && a.Status == Pending {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) Stats(ctx context.Context, orgID string) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]int64{}
	for _, a := range m.rows {
		if a.OrgID == orgID {
			out[a.Status]++
		}
	}
	return out, nil
}
