package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"uapk/pkg/connector"
	"uapk/pkg/policy"
)

// Manifest statuses.
const (
	StatusActive    = "ACTIVE"
	StatusSuspended = "SUSPENDED"
	StatusRevoked   = "REVOKED"
	StatusPending   = "PENDING"
)

var ErrNotFound = errors.New("manifest not found")

// Record is the slice of a UAPK manifest the gateway consumes: status,
// the org's policy, and the tool connector wiring. The gateway never
// mutates manifests.
type Record struct {
	UAPKID        string                          `json:"uapk_id"`
	OrgID         string                          `json:"org_id"`
	Status        string                          `json:"status"`
	PolicyVersion string                          `json:"policy_version"`
	Policy        policy.Config                   `json:"policy"`
	Connectors    map[string]connector.ToolConfig `json:"connectors,omitempty"`
}

// ConnectorFor resolves a tool's connector config, tolerating case
// differences in the manifest.
func (r *Record) ConnectorFor(tool string) (connector.ToolConfig, bool) {
	if cfg, ok := r.Connectors[tool]; ok {
		return cfg, true
	}
	for name, cfg := range r.Connectors {
		if strings.EqualFold(name, tool) {
			return cfg, true
		}
	}
	return connector.ToolConfig{}, false
}

// Provider resolves manifests by uapk_id.
type Provider interface {
	Get(ctx context.Context, uapkID string) (*Record, error)
}

type manifestDB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type cachedRecord struct {
	record    *Record
	expiresAt time.Time
}

// DBProvider reads manifests from Postgres with a short TTL cache so a
// hot agent does not hit the database on every action. Policy configs
// are normalized once, at load.
type DBProvider struct {
	DB  manifestDB
	TTL time.Duration

	mu    sync.RWMutex
	cache map[string]cachedRecord
	now   func() time.Time
}

func NewDBProvider(db manifestDB, ttl time.Duration) *DBProvider {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &DBProvider{DB: db, TTL: ttl, cache: map[string]cachedRecord{}, now: time.Now}
}

func (p *DBProvider) Get(ctx context.Context, uapkID string) (*Record, error) {
	key := strings.ToLower(strings.TrimSpace(uapkID))
	p.mu.RLock()
	item, ok := p.cache[key]
	p.mu.RUnlock()
	if ok && p.now().UTC().Before(item.expiresAt) {
		return item.record, nil
	}

	row := p.DB.QueryRow(ctx, `
		SELECT org_id, status, policy_version, policy, connectors
		FROM manifests WHERE uapk_id=$1
	`, uapkID)
	rec := &Record{UAPKID: uapkID}
	var policyJSON, connectorsJSON []byte
	if err := row.Scan(&rec.OrgID, &rec.Status, &rec.PolicyVersion, &policyJSON, &connectorsJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(policyJSON) > 0 {
		if err := json.Unmarshal(policyJSON, &rec.Policy); err != nil {
			return nil, err
		}
	}
	rec.Policy = policy.Normalize(rec.Policy)
	if len(connectorsJSON) > 0 {
		if err := json.Unmarshal(connectorsJSON, &rec.Connectors); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	p.cache[key] = cachedRecord{record: rec, expiresAt: p.now().UTC().Add(p.TTL)}
	p.mu.Unlock()
	return rec, nil
}

// StaticProvider backs development mode and tests.
type StaticProvider struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewStaticProvider(records ...*Record) *StaticProvider {
	p := &StaticProvider{records: map[string]*Record{}}
	for _, r := range records {
		p.Put(r)
	}
	return p
}

func (p *StaticProvider) Put(r *Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *r
	cp.Policy = policy.Normalize(cp.Policy)
	p.records[strings.ToLower(r.UAPKID)] = &cp
}

func (p *StaticProvider) Get(ctx context.Context, uapkID string) (*Record, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.records[strings.ToLower(strings.TrimSpace(uapkID))]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}
