package policy

import (
	"strings"

	"uapk/pkg/budget"
)

// ToolRules is the engine-native allow/deny pair for tools.
type ToolRules struct {
	Allow []string `json:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty"`
}

// CounterpartyRules lists domain-like identifiers matched by suffix.
type CounterpartyRules struct {
	Allow []string `json:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty"`
}

// ApprovalRules are the escalation triggers checked after every deny
// rule has passed.
type ApprovalRules struct {
	Amount      float64  `json:"amount,omitempty"`
	Currency    string   `json:"currency,omitempty"`
	ActionTypes []string `json:"action_types,omitempty"`
	Tools       []string `json:"tools,omitempty"`
}

// Config is a per-organization policy. It carries both the engine's
// nested shape and the flat manifest-schema aliases; Normalize folds
// the aliases into the nested fields before evaluation.
type Config struct {
	Version                string                   `json:"version,omitempty"`
	RequireCapabilityToken bool                     `json:"require_capability_token,omitempty"`
	Tools                  ToolRules                `json:"tools,omitempty"`
	ActionTypes            []string                 `json:"action_types,omitempty"`
	Jurisdictions          []string                 `json:"jurisdictions,omitempty"`
	Counterparties         CounterpartyRules        `json:"counterparties,omitempty"`
	AmountCaps             map[string]float64       `json:"amount_caps,omitempty"`
	Budgets                map[string]budget.Limits `json:"budgets,omitempty"`
	Approval               ApprovalRules            `json:"approval_thresholds,omitempty"`

	// Manifest-schema aliases. Meaningful only until Normalize runs.
	AllowedTools          []string         `json:"allowed_tools,omitempty"`
	DeniedTools           []string         `json:"denied_tools,omitempty"`
	AllowedActionTypes    []string         `json:"allowed_action_types,omitempty"`
	AllowedJurisdictions  []string         `json:"allowed_jurisdictions,omitempty"`
	CounterpartyAllowlist []string         `json:"counterparty_allowlist,omitempty"`
	CounterpartyDenylist  []string         `json:"counterparty_denylist,omitempty"`
	MaxAmount             float64          `json:"max_amount,omitempty"`
	MaxAmountCurrency     string           `json:"max_amount_currency,omitempty"`
	DailyActionLimits     map[string]int64 `json:"daily_action_limits,omitempty"`
	ApprovalAmount        float64          `json:"approval_threshold_amount,omitempty"`
	ApprovalCurrency      string           `json:"approval_threshold_currency,omitempty"`
}

// BudgetFor returns the limits for an action type, or empty limits when
// none are configured. The lookup is case-insensitive like every other
// action-type match.
func (c Config) BudgetFor(actionType string) budget.Limits {
	if c.Budgets == nil {
		return budget.Limits{}
	}
	if l, ok := c.Budgets[actionType]; ok {
		return l
	}
	for k, l := range c.Budgets {
		if strings.EqualFold(k, actionType) {
			return l
		}
	}
	return budget.Limits{}
}
