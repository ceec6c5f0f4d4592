package approval

import (
	"encoding/json"
	"errors"
	"time"

	"uapk/pkg/models"
)

// Approval states. PENDING transitions to exactly one terminal state.
const (
	Pending  = "PENDING"
	Approved = "APPROVED"
	Denied   = "DENIED"
	Expired  = "EXPIRED"
)

var (
	ErrNotFound          = errors.New("approval not found")
	ErrNotPending        = errors.New("approval is not pending")
	ErrApprovalExpired   = errors.New("approval has expired")
	ErrTokenInvalid      = errors.New("override token invalid")
	ErrTokenExpired      = errors.New("override token expired")
	ErrActionMismatch    = errors.New("override token bound to a different action")
	ErrAlreadyConsumed   = errors.New("override token already used")
	ErrInvalidTransition = errors.New("invalid approval transition")
)

func CanTransition(from, to string) bool {
	if from != Pending {
		return false
	}
	return to == Approved || to == Denied || to == Expired
}

func IsTerminal(status string) bool {
	switch status {
	case Approved, Denied, Expired:
		return true
	default:
		return false
	}
}

// Approval is a human-in-the-loop review task created from an ESCALATE
// decision. On APPROVED it carries the hash of the minted override
// token, never the raw token itself.
type Approval struct {
	ID            string               `json:"approval_id"`
	OrgID         string               `json:"org_id"`
	InteractionID string               `json:"interaction_id"`
	UAPKID        string               `json:"uapk_id"`
	AgentID       string               `json:"agent_id"`
	Action        models.Action        `json:"action"`
	Counterparty  *models.Counterparty `json:"counterparty,omitempty"`
	Context       json.RawMessage      `json:"context,omitempty"`
	ReasonCodes   []string             `json:"reason_codes"`
	Status        string               `json:"status"`
	CreatedAt     time.Time            `json:"created_at"`
	ExpiresAt     time.Time            `json:"expires_at"`

	DecidedAt     *time.Time `json:"decided_at,omitempty"`
	DecidedBy     string     `json:"decided_by,omitempty"`
	DecisionNotes string     `json:"decision_notes,omitempty"`

	ActionHash             string     `json:"action_hash,omitempty"`
	OverrideTokenHash      string     `json:"-"`
	OverrideTokenExpiresAt *time.Time `json:"override_token_expires_at,omitempty"`
	ConsumedAt             *time.Time `json:"consumed_at,omitempty"`
	ConsumedInteractionID  string     `json:"consumed_interaction_id,omitempty"`
}

// Resolution carries the fields written when a pending approval is
// decided.
type Resolution struct {
	Status       string
	DecidedAt    time.Time
	DecidedBy    string
	Notes        string
	ActionHash   string
	TokenHash    string
	TokenExpires *time.Time
}
