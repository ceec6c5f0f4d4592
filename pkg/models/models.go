package models

import (
	"encoding/json"
	"time"
)

// Action is a structured request submitted by an agent. Immutable once
// submitted; its canonical hash binds approvals to exactly one action.
type Action struct {
	Type     string          `json:"type"`
	Tool     string          `json:"tool"`
	Params   json.RawMessage `json:"params,omitempty"`
	Amount   float64         `json:"amount,omitempty"`
	Currency string          `json:"currency,omitempty"`
}

// Counterparty identifies the other side of an action, when there is one.
type Counterparty struct {
	ID           string `json:"id,omitempty"`
	Domain       string `json:"domain,omitempty"`
	Jurisdiction string `json:"jurisdiction,omitempty"`
}

// Identifier returns the domain-like identifier used for allow/deny
// suffix matching.
func (c Counterparty) Identifier() string {
	if c.Domain != "" {
		return c.Domain
	}
	return c.ID
}

// CapabilityClaims is the verified claim set of an externally issued
// capability token. Stateless once verified; never persisted.
type CapabilityClaims struct {
	IssuerID           string             `json:"issuer_id"`
	OrgID              string             `json:"org_id"`
	AgentID            string             `json:"agent_id"`
	UAPKID             string             `json:"uapk_id"`
	AllowedActionTypes []string           `json:"allowed_action_types,omitempty"`
	AllowedTools       []string           `json:"allowed_tools,omitempty"`
	AmountCaps         map[string]float64 `json:"amount_caps,omitempty"`
	Jurisdictions      []string           `json:"jurisdictions,omitempty"`
	CounterpartyAllow  []string           `json:"counterparty_allow,omitempty"`
	CounterpartyDeny   []string           `json:"counterparty_deny,omitempty"`
	DelegationDepth    int                `json:"delegation_depth"`
	ExpiresAt          time.Time          `json:"expires_at"`
}

// Decision outcomes.
const (
	DecisionAllow    = "ALLOW"
	DecisionDeny     = "DENY"
	DecisionEscalate = "ESCALATE"
)

// Reason codes shared across the verifier, engine and orchestrator.
const (
	ReasonPolicyPassed          = "POLICY_PASSED"
	ReasonManifestNotFound      = "MANIFEST_NOT_FOUND"
	ReasonManifestNotActive     = "MANIFEST_NOT_ACTIVE"
	ReasonToolNotAllowed        = "TOOL_NOT_ALLOWED"
	ReasonActionTypeNotAllowed  = "ACTION_TYPE_NOT_ALLOWED"
	ReasonJurisdictionDenied    = "JURISDICTION_NOT_ALLOWED"
	ReasonCounterpartyDenied    = "COUNTERPARTY_DENIED"
	ReasonCounterpartyNotListed = "COUNTERPARTY_NOT_IN_ALLOWLIST"
	ReasonAmountExceedsCap      = "AMOUNT_EXCEEDS_CAP"
	ReasonBudgetExceeded        = "BUDGET_EXCEEDED"
	ReasonAmountNeedsApproval   = "AMOUNT_REQUIRES_APPROVAL"
	ReasonHumanApproval         = "REQUIRES_HUMAN_APPROVAL"
	ReasonCapabilityRequired    = "CAPABILITY_TOKEN_REQUIRED"

	ReasonTokenInvalid          = "CAPABILITY_TOKEN_INVALID"
	ReasonTokenExpired          = "CAPABILITY_TOKEN_EXPIRED"
	ReasonIssuerRevoked         = "TOKEN_ISSUER_REVOKED"
	ReasonTokenOrgMismatch      = "TOKEN_ORG_MISMATCH"
	ReasonTokenAgentMismatch    = "TOKEN_AGENT_MISMATCH"
	ReasonTokenUAPKMismatch     = "TOKEN_UAPK_MISMATCH"
	ReasonTokenActionNotAllowed = "TOKEN_ACTION_TYPE_NOT_ALLOWED"
	ReasonTokenToolNotAllowed   = "TOKEN_TOOL_NOT_ALLOWED"
	ReasonTokenAmountExceeded   = "TOKEN_AMOUNT_EXCEEDS_CAP"
	ReasonTokenJurisdiction     = "TOKEN_JURISDICTION_NOT_ALLOWED"
	ReasonTokenCounterparty     = "TOKEN_COUNTERPARTY_DENIED"

	ReasonOverrideAccepted       = "OVERRIDE_TOKEN_ACCEPTED"
	ReasonOverrideInvalid        = "OVERRIDE_TOKEN_INVALID"
	ReasonOverrideExpired        = "OVERRIDE_TOKEN_EXPIRED"
	ReasonOverrideAlreadyUsed    = "OVERRIDE_TOKEN_ALREADY_USED"
	ReasonOverrideActionMismatch = "OVERRIDE_TOKEN_ACTION_MISMATCH"

	ReasonExecutionFailed    = "EXECUTION_FAILED"
	ReasonExecutionTimeout   = "EXECUTION_TIMEOUT"
	ReasonStorageUnavailable = "STORAGE_UNAVAILABLE"
)

// ReasonDetail carries one reason code plus optional human context.
type ReasonDetail struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// Decision is the tagged outcome of evaluating an action.
type Decision struct {
	Outcome    string         `json:"decision"`
	Reasons    []ReasonDetail `json:"reasons"`
	ApprovalID string         `json:"approval_id,omitempty"`
}

func Allow(reasons ...ReasonDetail) Decision {
	return Decision{Outcome: DecisionAllow, Reasons: reasons}
}

func Deny(reasons ...ReasonDetail) Decision {
	return Decision{Outcome: DecisionDeny, Reasons: reasons}
}

func Escalate(reasons ...ReasonDetail) Decision {
	return Decision{Outcome: DecisionEscalate, Reasons: reasons}
}

func Reason(code string) ReasonDetail {
	return ReasonDetail{Code: code}
}

func ReasonWithDetail(code, detail string) ReasonDetail {
	return ReasonDetail{Code: code, Detail: detail}
}

// Codes flattens the reason details to their codes.
func (d Decision) Codes() []string {
	out := make([]string, 0, len(d.Reasons))
	for _, r := range d.Reasons {
		out = append(out, r.Code)
	}
	return out
}

// ActionRequest is the parsed evaluate/execute request body handed to the
// orchestrator by the transport layer.
type ActionRequest struct {
	UAPKID          string          `json:"uapk_id"`
	AgentID         string          `json:"agent_id"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	Action          Action          `json:"action"`
	Counterparty    *Counterparty   `json:"counterparty,omitempty"`
	CapabilityToken string          `json:"capability_token,omitempty"`
	OverrideToken   string          `json:"override_token,omitempty"`
	Context         json.RawMessage `json:"context,omitempty"`
}

// DecisionResponse is returned by the evaluate endpoint.
type DecisionResponse struct {
	InteractionID string         `json:"interaction_id"`
	Decision      string         `json:"decision"`
	Reasons       []ReasonDetail `json:"reasons"`
	ApprovalID    string         `json:"approval_id,omitempty"`
	PolicyVersion string         `json:"policy_version,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// ExecuteResponse additionally carries the connector outcome.
type ExecuteResponse struct {
	DecisionResponse
	Executed bool            `json:"executed"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}
