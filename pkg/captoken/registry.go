package captoken

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
)

var ErrIssuerNotFound = errors.New("capability issuer not found")

type registryDB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DBRegistry reads issuer records from the capability_issuers table,
// which is maintained by the out-of-band registration flow.
type DBRegistry struct {
	DB registryDB
}

func (r *DBRegistry) GetIssuer(ctx context.Context, issuerID string) (*IssuerRecord, error) {
	row := r.DB.QueryRow(ctx, `
		SELECT issuer_id, public_key_b64, status
		FROM capability_issuers WHERE issuer_id=$1
	`, issuerID)
	var rec IssuerRecord
	var keyB64 string
	if err := row.Scan(&rec.IssuerID, &keyB64, &rec.Status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIssuerNotFound
		}
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("issuer %s public key corrupt: %w", issuerID, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("issuer %s public key length %d", issuerID, len(raw))
	}
	rec.PublicKey = ed25519.PublicKey(raw)
	return &rec, nil
}

// StaticRegistry serves a fixed issuer set; used for tests and
// single-issuer deployments configured from the environment.
type StaticRegistry struct {
	mu      sync.RWMutex
	issuers map[string]*IssuerRecord
}

func NewStaticRegistry(records ...*IssuerRecord) *StaticRegistry {
	m := make(map[string]*IssuerRecord, len(records))
	for _, rec := range records {
		if rec != nil {
			m[rec.IssuerID] = rec
		}
	}
	return &StaticRegistry{issuers: m}
}

func (r *StaticRegistry) GetIssuer(ctx context.Context, issuerID string) (*IssuerRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.issuers[issuerID]
	if !ok {
		return nil, ErrIssuerNotFound
	}
	return rec, nil
}

// Put registers or replaces an issuer record.
func (r *StaticRegistry) Put(rec *IssuerRecord) {
	if rec == nil {
		return
	}
	r.mu.Lock()
	r.issuers[rec.IssuerID] = rec
	r.mu.Unlock()
}
