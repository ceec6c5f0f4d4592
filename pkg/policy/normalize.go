package policy

import "uapk/pkg/budget"

// Normalize folds the flat manifest-schema aliases into the engine's
// nested shape. It is pure and idempotent: fields already present in
// the nested shape are never overwritten, and applying it twice yields
// the same config.
//
// Per-currency caps stay per-currency. A flat max_amount becomes a cap
// for its declared currency only; it is never collapsed into a single
// cross-currency maximum.
func Normalize(c Config) Config {
	out := c

	if len(out.Tools.Allow) == 0 {
		out.Tools.Allow = c.AllowedTools
	}
	if len(out.Tools.Deny) == 0 {
		out.Tools.Deny = c.DeniedTools
	}
	if len(out.ActionTypes) == 0 {
		out.ActionTypes = c.AllowedActionTypes
	}
	if len(out.Jurisdictions) == 0 {
		out.Jurisdictions = c.AllowedJurisdictions
	}
	if len(out.Counterparties.Allow) == 0 {
		out.Counterparties.Allow = c.CounterpartyAllowlist
	}
	if len(out.Counterparties.Deny) == 0 {
		out.Counterparties.Deny = c.CounterpartyDenylist
	}

	if c.MaxAmount > 0 {
		cur := c.MaxAmountCurrency
		if cur == "" {
			cur = "USD"
		}
		if _, ok := out.AmountCaps[cur]; !ok {
			caps := make(map[string]float64, len(out.AmountCaps)+1)
			for k, v := range out.AmountCaps {
				caps[k] = v
			}
			caps[cur] = c.MaxAmount
			out.AmountCaps = caps
		}
	}

	if len(c.DailyActionLimits) > 0 {
		budgets := make(map[string]budget.Limits, len(out.Budgets)+len(c.DailyActionLimits))
		for k, v := range out.Budgets {
			budgets[k] = v
		}
		for actionType, limit := range c.DailyActionLimits {
			if _, ok := budgets[actionType]; !ok {
				budgets[actionType] = budget.Limits{Daily: limit}
			}
		}
		out.Budgets = budgets
	}

	if out.Approval.Amount == 0 && c.ApprovalAmount > 0 {
		out.Approval.Amount = c.ApprovalAmount
		if out.Approval.Currency == "" {
			out.Approval.Currency = c.ApprovalCurrency
		}
	}

	return out
}
