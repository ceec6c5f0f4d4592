package audit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrRecordNotFound = errors.New("interaction record not found")

// Query narrows List and VerifyChain to a slice of an org's chain.
type Query struct {
	UAPKID string
	From   time.Time
	To     time.Time
	Limit  int
}

func (q Query) matches(r *Record) bool {
	if q.UAPKID != "" && r.UAPKID != q.UAPKID {
		return false
	}
	if !q.From.IsZero() && r.CreatedAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && r.CreatedAt.After(q.To) {
		return false
	}
	return true
}

// Store persists interaction records. Insert must reject a duplicate
// (org_id, seq) pair so two concurrent appenders can never extend the
// same chain position.
type Store interface {
	Last(ctx context.Context, orgID string) (prevHash string, seq int64, err error)
	Insert(ctx context.Context, r *Record) error
	Get(ctx context.Context, orgID, interactionID string) (*Record, error)
	List(ctx context.Context, orgID string, q Query) ([]*Record, error)
}

// MemoryStore backs development mode and tests.
type MemoryStore struct {
	mu     sync.Mutex
	chains map[string][]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chains: map[string][]*Record{}}
}

func (m *MemoryStore) Last(ctx context.Context, orgID string) (string, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.chains[orgID]
	if len(chain) == 0 {
		return Genesis, 0, nil
	}
	last := chain[len(chain)-1]
	return last.RecordHash, last.Seq, nil
}

func (m *MemoryStore) Insert(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.chains[r.OrgID]
	if len(chain) > 0 && chain[len(chain)-1].Seq >= r.Seq {
		return errors.New("duplicate chain position")
	}
	cp := *r
	m.chains[r.OrgID] = append(chain, &cp)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, orgID, interactionID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.chains[orgID] {
		if r.InteractionID == interactionID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrRecordNotFound
}

func (m *MemoryStore) List(ctx context.Context, orgID string, q Query) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for _, r := range m.chains[orgID] {
		if q.matches(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Tamper flips one stored field in place, for chain verification tests.
func (m *MemoryStore) Tamper(orgID string, seq int64, mutate func(*Record)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.chains[orgID] {
		if r.Seq == seq {
			mutate(r)
			return true
		}
	}
	return false
}
