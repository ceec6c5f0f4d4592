package approval

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"uapk/pkg/keys"
	"uapk/pkg/models"
)

const (
	DefaultTTL      = 24 * time.Hour
	DefaultTokenTTL = 15 * time.Minute
)

// Manager runs the approval life cycle: created from an escalation,
// resolved by a human, and (on approval) redeemed once via a minted
// override token.
type Manager struct {
	Store    Store
	Keys     *keys.Manager
	TTL      time.Duration
	TokenTTL time.Duration
	now      func() time.Time
}

func NewManager(store Store, km *keys.Manager) *Manager {
	return &Manager{
		Store:    store,
		Keys:     km,
		TTL:      DefaultTTL,
		TokenTTL: DefaultTokenTTL,
		now:      time.Now,
	}
}

// CreateRequest captures the escalated action verbatim.
type CreateRequest struct {
	OrgID         string
	InteractionID string
	UAPKID        string
	AgentID       string
	Action        models.Action
	Counterparty  *models.Counterparty
	Context       json.RawMessage
	ReasonCodes   []string
	TTL           time.Duration
}

func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Approval, error) {
	ttl := req.TTL
	if ttl <= 0 {
		ttl = m.TTL
	}
	now := m.now().UTC()
	a := &Approval{
		ID:            uuid.NewString(),
		OrgID:         req.OrgID,
		InteractionID: req.InteractionID,
		UAPKID:        req.UAPKID,
		AgentID:       req.AgentID,
		Action:        req.Action,
		Counterparty:  req.Counterparty,
		Context:       req.Context,
		ReasonCodes:   req.ReasonCodes,
		Status:        Pending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}
	if err := m.Store.Insert(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Approve transitions a pending approval and mints the override token.
// The raw token is returned exactly once; only its hash is stored.
func (m *Manager) Approve(ctx context.Context, orgID, id, decider, notes string, tokenTTL time.Duration) (string, *Approval, error) {
	a, err := m.Store.Get(ctx, orgID, id)
	if err != nil {
		return "", nil, err
	}
	now := m.now().UTC()
	if a.Status == Pending && now.After(a.ExpiresAt) {
		// The expiry elapsed without a sweep; apply it now and fail.
		_ = m.Store.Decide(ctx, orgID, id, Resolution{Status: Expired, DecidedAt: now})
		return "", nil, ErrApprovalExpired
	}
	if a.Status != Pending {
		return "", nil, ErrNotPending
	}
	hash, err := models.HashAction(a.Action)
	if err != nil {
		return "", nil, err
	}
	a.ActionHash = hash
	if tokenTTL <= 0 {
		tokenTTL = m.TokenTTL
	}
	raw, tokenExpires, err := mintOverrideToken(m.Keys.Private(), a, now, tokenTTL)
	if err != nil {
		return "", nil, err
	}
	res := Resolution{
		Status:       Approved,
		DecidedAt:    now,
		DecidedBy:    decider,
		Notes:        notes,
		ActionHash:   hash,
		TokenHash:    TokenHash(raw),
		TokenExpires: &tokenExpires,
	}
	if err := m.Store.Decide(ctx, orgID, id, res); err != nil {
		return "", nil, err
	}
	a.Status = Approved
	a.DecidedAt = &res.DecidedAt
	a.DecidedBy = decider
	a.DecisionNotes = notes
	a.OverrideTokenHash = res.TokenHash
	a.OverrideTokenExpiresAt = res.TokenExpires
	return raw, a, nil
}

func (m *Manager) Deny(ctx context.Context, orgID, id, decider, notes string) (*Approval, error) {
	a, err := m.Store.Get(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	if a.Status == Pending && now.After(a.ExpiresAt) {
		_ = m.Store.Decide(ctx, orgID, id, Resolution{Status: Expired, DecidedAt: now})
		return nil, ErrApprovalExpired
	}
	res := Resolution{Status: Denied, DecidedAt: now, DecidedBy: decider, Notes: notes}
	if err := m.Store.Decide(ctx, orgID, id, res); err != nil {
		return nil, err
	}
	a.Status = Denied
	a.DecidedAt = &res.DecidedAt
	a.DecidedBy = decider
	a.DecisionNotes = notes
	return a, nil
}

// RedeemRequest is the override-token fast path input.
type RedeemRequest struct {
	Token         string
	OrgID         string
	UAPKID        string
	AgentID       string
	Action        models.Action
	InteractionID string
}

// Redeem validates an override token against the current action and
// consumes its approval exactly once. Errors are the typed sentinels
// above; callers translate them to reason codes.
func (m *Manager) Redeem(ctx context.Context, req RedeemRequest) (string, error) {
	claims, err := parseOverrideToken(m.Keys.Public(), req.Token)
	if err != nil {
		return "", err
	}
	if claims.OrgID != req.OrgID || claims.UAPKID != req.UAPKID || claims.AgentID != req.AgentID {
		return "", ErrTokenInvalid
	}
	hash, err := models.HashAction(req.Action)
	if err != nil {
		return "", err
	}
	if subtle.ConstantTimeCompare([]byte(hash), []byte(claims.ActionHash)) != 1 {
		return claims.ApprovalID, ErrActionMismatch
	}
	a, err := m.Store.Get(ctx, req.OrgID, claims.ApprovalID)
	if err != nil {
		return claims.ApprovalID, err
	}
	if a.Status != Approved {
		return a.ID, ErrTokenInvalid
	}
	if subtle.ConstantTimeCompare([]byte(a.OverrideTokenHash), []byte(TokenHash(req.Token))) != 1 {
		return a.ID, ErrTokenInvalid
	}
	now := m.now().UTC()
	if a.OverrideTokenExpiresAt != nil && now.After(*a.OverrideTokenExpiresAt) {
		return a.ID, ErrTokenExpired
	}
	if err := m.Store.Consume(ctx, req.OrgID, a.ID, req.InteractionID, now); err != nil {
		return a.ID, err
	}
	return a.ID, nil
}

// ListPending sweeps elapsed expirations first, so callers never see a
// pending approval whose deadline has passed.
func (m *Manager) ListPending(ctx context.Context, orgID string) ([]*Approval, error) {
	if _, err := m.Store.ExpirePending(ctx, orgID, m.now().UTC()); err != nil {
		return nil, err
	}
	return m.Store.ListPending(ctx, orgID)
}

func (m *Manager) Get(ctx context.Context, orgID, id string) (*Approval, error) {
	return m.Store.Get(ctx, orgID, id)
}

func (m *Manager) Stats(ctx context.Context, orgID string) (map[string]int64, error) {
	if _, err := m.Store.ExpirePending(ctx, orgID, m.now().UTC()); err != nil {
		return nil, err
	}
	return m.Store.Stats(ctx, orgID)
}
