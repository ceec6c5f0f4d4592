package audit

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"uapk/pkg/keys"
	"uapk/pkg/models"
)

// Recorder appends hash-chained, signed interaction records. Appends
// for the same org serialize on a per-org lock so the chain invariant
// holds without a process-wide lock; UNIQUE(org_id, seq) in the store
// backstops multi-process deployments.
type Recorder struct {
	Store  Store
	Keys   *keys.Manager
	Redact bool

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	now   func() time.Time
}

func NewRecorder(store Store, km *keys.Manager) *Recorder {
	return &Recorder{
		Store: store,
		Keys:  km,
		locks: map[string]*sync.Mutex{},
		now:   time.Now,
	}
}

func (rec *Recorder) orgLock(orgID string) *sync.Mutex {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	l, ok := rec.locks[orgID]
	if !ok {
		l = &sync.Mutex{}
		rec.locks[orgID] = l
	}
	return l
}

// Entry is one decision to record.
type Entry struct {
	InteractionID string
	OrgID         string
	UAPKID        string
	AgentID       string
	Action        models.Action
	Decision      string
	Reasons       []models.ReasonDetail
	Result        json.RawMessage
}

// Append links a new record to the org's chain, signs it, and persists
// it. Every decision is recorded, denials included.
func (rec *Recorder) Append(ctx context.Context, e Entry) (*Record, error) {
	actionRaw, err := json.Marshal(e.Action)
	if err != nil {
		return nil, err
	}
	if rec.Redact {
		actionRaw = redactAction(e.Action)
	}
	// The stored bytes are the hashed bytes; canonicalize once here.
	actionCanon, err := models.CanonicalizeJSON(actionRaw)
	if err != nil {
		return nil, err
	}
	var resultCanon json.RawMessage
	if len(e.Result) > 0 {
		if resultCanon, err = models.CanonicalizeJSON(e.Result); err != nil {
			return nil, err
		}
	}

	l := rec.orgLock(e.OrgID)
	l.Lock()
	defer l.Unlock()

	prevHash, seq, err := rec.Store.Last(ctx, e.OrgID)
	if err != nil {
		return nil, err
	}
	r := &Record{
		InteractionID: e.InteractionID,
		OrgID:         e.OrgID,
		UAPKID:        e.UAPKID,
		AgentID:       e.AgentID,
		Action:        actionCanon,
		Decision:      e.Decision,
		Reasons:       e.Reasons,
		Result:        resultCanon,
		Seq:           seq + 1,
		CreatedAt:     rec.now().UTC().Truncate(time.Microsecond),
		PrevHash:      prevHash,
	}
	hash, err := r.ComputeHash()
	if err != nil {
		return nil, err
	}
	r.RecordHash = hash
	r.Signature = base64.StdEncoding.EncodeToString(rec.Keys.Sign([]byte(hash)))
	if err := rec.Store.Insert(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (rec *Recorder) Get(ctx context.Context, orgID, interactionID string) (*Record, error) {
	return rec.Store.Get(ctx, orgID, interactionID)
}

func (rec *Recorder) List(ctx context.Context, orgID string, q Query) ([]*Record, error) {
	return rec.Store.List(ctx, orgID, q)
}
