package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"uapk/pkg/approval"
	"uapk/pkg/budget"
	"uapk/pkg/captoken"
	"uapk/pkg/models"
)

// Manifest statuses the transport layer reports alongside the policy.
const (
	ManifestActive    = "ACTIVE"
	ManifestSuspended = "SUSPENDED"
	ManifestRevoked   = "REVOKED"
	ManifestPending   = "PENDING"
)

// OverrideAuthority is the approval manager surface the engine needs
// for the override-token fast path.
type OverrideAuthority interface {
	Redeem(ctx context.Context, req approval.RedeemRequest) (string, error)
}

// Engine evaluates actions against org policy and capability-token
// constraints. Evaluation is pure except for the budget increment and
// override redemption, both of which are atomic at the storage layer.
type Engine struct {
	Budget    budget.Store
	Approvals OverrideAuthority
}

func NewEngine(store budget.Store, approvals OverrideAuthority) *Engine {
	return &Engine{Budget: store, Approvals: approvals}
}

// Input is one action to evaluate, with everything the transport layer
// resolved for it.
type Input struct {
	OrgID          string
	UAPKID         string
	AgentID        string
	InteractionID  string
	Action         models.Action
	Counterparty   *models.Counterparty
	Claims         *models.CapabilityClaims
	OverrideToken  string
	ManifestStatus string
	Config         Config
}

// Evaluate returns the decision for one action. A non-nil error means
// an infrastructure failure, not a policy outcome; every policy
// outcome is expressed as reason codes.
//
// Deny rules run before the budget increment so a denied action never
// burns budget; escalation triggers run last.
//
// Redemption is part of the decision, not the execution: an override
// token accepted here is consumed even on an evaluate-only call, the
// same way the decision burns budget. Agents holding an override token
// should call execute directly.
func (e *Engine) Evaluate(ctx context.Context, in Input) (models.Decision, error) {
	// The manifest gate is not bypassable: a revoked or suspended UAPK
	// stays dead even when the caller holds a minted override token.
	switch in.ManifestStatus {
	case ManifestActive:
	case "":
		return models.Deny(models.Reason(models.ReasonManifestNotFound)), nil
	default:
		return models.Deny(models.ReasonWithDetail(models.ReasonManifestNotActive,
			fmt.Sprintf("manifest status is %s", in.ManifestStatus))), nil
	}

	if in.OverrideToken != "" {
		return e.redeemOverride(ctx, in)
	}

	cfg := Normalize(in.Config)

	if cfg.RequireCapabilityToken && in.Claims == nil {
		return models.Deny(models.Reason(models.ReasonCapabilityRequired)), nil
	}

	if containsFold(cfg.Tools.Deny, in.Action.Tool) {
		return models.Deny(models.ReasonWithDetail(models.ReasonToolNotAllowed,
			fmt.Sprintf("tool %q is denied by policy", in.Action.Tool))), nil
	}
	if len(cfg.Tools.Allow) > 0 && !containsFold(cfg.Tools.Allow, in.Action.Tool) {
		return models.Deny(models.ReasonWithDetail(models.ReasonToolNotAllowed,
			fmt.Sprintf("tool %q is not in the allowlist", in.Action.Tool))), nil
	}

	if len(cfg.ActionTypes) > 0 && !containsFold(cfg.ActionTypes, in.Action.Type) {
		return models.Deny(models.ReasonWithDetail(models.ReasonActionTypeNotAllowed,
			fmt.Sprintf("action type %q is not in the allowlist", in.Action.Type))), nil
	}

	if in.Counterparty != nil {
		if j := in.Counterparty.Jurisdiction; j != "" && len(cfg.Jurisdictions) > 0 && !containsFold(cfg.Jurisdictions, j) {
			return models.Deny(models.ReasonWithDetail(models.ReasonJurisdictionDenied,
				fmt.Sprintf("jurisdiction %q is not allowed", j))), nil
		}
		if id := in.Counterparty.Identifier(); id != "" {
			if suffixMatch(cfg.Counterparties.Deny, id) {
				return models.Deny(models.ReasonWithDetail(models.ReasonCounterpartyDenied,
					fmt.Sprintf("counterparty %q is denied", id))), nil
			}
			if len(cfg.Counterparties.Allow) > 0 && !suffixMatch(cfg.Counterparties.Allow, id) {
				return models.Deny(models.ReasonWithDetail(models.ReasonCounterpartyNotListed,
					fmt.Sprintf("counterparty %q is not in the allowlist", id))), nil
			}
		}
	}

	if in.Action.Amount > 0 {
		if limit, ok := capFor(cfg.AmountCaps, in.Action.Currency); ok && in.Action.Amount > limit {
			return models.Deny(models.ReasonWithDetail(models.ReasonAmountExceedsCap,
				fmt.Sprintf("amount %.2f %s exceeds cap %.2f", in.Action.Amount, in.Action.Currency, limit))), nil
		}
	}

	// Token constraints re-check runs before the budget increment; an
	// action the token forbids must not consume budget.
	if in.Claims != nil {
		if reasons := captoken.CheckConstraints(*in.Claims, in.Action, in.Counterparty); len(reasons) > 0 {
			return models.Deny(reasons...), nil
		}
	}

	if limits := cfg.BudgetFor(in.Action.Type); !limits.Empty() {
		res, err := e.Budget.CheckAndIncrement(ctx, in.OrgID, in.Action.Type, limits)
		if err != nil {
			return models.Decision{}, err
		}
		if !res.OK {
			return models.Deny(models.ReasonWithDetail(models.ReasonBudgetExceeded,
				fmt.Sprintf("budget for %q reached (%d recorded)", in.Action.Type, res.Count))), nil
		}
	}

	var escalations []models.ReasonDetail
	if t := cfg.Approval; t.Amount > 0 && in.Action.Amount > t.Amount {
		if t.Currency == "" || strings.EqualFold(t.Currency, in.Action.Currency) {
			escalations = append(escalations, models.ReasonWithDetail(models.ReasonAmountNeedsApproval,
				fmt.Sprintf("amount %.2f %s is above the approval threshold %.2f", in.Action.Amount, in.Action.Currency, t.Amount)))
		}
	}
	if containsFold(cfg.Approval.ActionTypes, in.Action.Type) || containsFold(cfg.Approval.Tools, in.Action.Tool) {
		escalations = append(escalations, models.Reason(models.ReasonHumanApproval))
	}
	if len(escalations) > 0 {
		return models.Escalate(escalations...), nil
	}

	return models.Allow(models.Reason(models.ReasonPolicyPassed)), nil
}

func (e *Engine) redeemOverride(ctx context.Context, in Input) (models.Decision, error) {
	approvalID, err := e.Approvals.Redeem(ctx, approval.RedeemRequest{
		Token:         in.OverrideToken,
		OrgID:         in.OrgID,
		UAPKID:        in.UAPKID,
		AgentID:       in.AgentID,
		Action:        in.Action,
		InteractionID: in.InteractionID,
	})
	switch {
	case err == nil:
		d := models.Allow(models.Reason(models.ReasonOverrideAccepted))
		d.ApprovalID = approvalID
		return d, nil
	case errors.Is(err, approval.ErrTokenExpired):
		return models.Deny(models.Reason(models.ReasonOverrideExpired)), nil
	case errors.Is(err, approval.ErrActionMismatch):
		return models.Deny(models.Reason(models.ReasonOverrideActionMismatch)), nil
	case errors.Is(err, approval.ErrAlreadyConsumed):
		return models.Deny(models.Reason(models.ReasonOverrideAlreadyUsed)), nil
	case errors.Is(err, approval.ErrTokenInvalid),
		errors.Is(err, approval.ErrNotFound),
		errors.Is(err, approval.ErrNotPending):
		return models.Deny(models.Reason(models.ReasonOverrideInvalid)), nil
	default:
		return models.Decision{}, err
	}
}

func capFor(caps map[string]float64, currency string) (float64, bool) {
	if len(caps) == 0 {
		return 0, false
	}
	if v, ok := caps[strings.ToUpper(currency)]; ok {
		return v, true
	}
	v, ok := caps[currency]
	return v, ok
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

// suffixMatch accepts an exact identifier or a ".suffix" entry matching
// any subdomain.
func suffixMatch(list []string, id string) bool {
	id = strings.ToLower(id)
	for _, item := range list {
		item = strings.ToLower(strings.TrimSpace(item))
		if item == "" {
			continue
		}
		if id == item || strings.HasSuffix(id, "."+strings.TrimPrefix(item, ".")) {
			return true
		}
	}
	return false
}
