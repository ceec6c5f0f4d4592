package captoken

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"uapk/pkg/models"
)

// Result is the outcome of verifying a presented capability token.
// A non-nil Err means the registry could not answer; that is an
// infrastructure failure, not a verdict on the token.
type Result struct {
	OK      bool
	Reason  models.ReasonDetail
	Claims  *models.CapabilityClaims
	Reasons []models.ReasonDetail
	Err     error
}

func failure(code, detail string) Result {
	r := models.ReasonWithDetail(code, detail)
	return Result{Reason: r, Reasons: []models.ReasonDetail{r}}
}

// Verifier validates externally issued capability tokens against the
// issuer registry and the requested action. Pure and stateless apart
// from registry reads.
type Verifier struct {
	Registry IssuerRegistry
}

// Verify runs the ordered checks, short-circuiting on the first failure:
// signature, expiry, issuer revocation, identity binding, then the
// token's own constraints against the requested action.
func (v *Verifier) Verify(ctx context.Context, raw string, action models.Action, counterparty *models.Counterparty, orgID, agentID, uapkID string) Result {
	claims := &Claims{}
	var issuer *IssuerRecord
	var registryErr error
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		c, ok := t.Claims.(*Claims)
		if !ok || strings.TrimSpace(c.IssuerID) == "" {
			return nil, errors.New("issuer_id claim missing")
		}
		rec, err := v.Registry.GetIssuer(ctx, c.IssuerID)
		if err != nil {
			if !errors.Is(err, ErrIssuerNotFound) {
				registryErr = err
			}
			return nil, err
		}
		issuer = rec
		if rec == nil || len(rec.PublicKey) == 0 {
			return nil, errors.New("issuer not registered")
		}
		return rec.PublicKey, nil
	})
	if err != nil {
		// A registry outage is not a verdict; an unknown issuer is.
		if registryErr != nil {
			return Result{Err: fmt.Errorf("issuer registry: %w", registryErr)}
		}
		if errors.Is(err, jwt.ErrTokenExpired) {
			return failure(models.ReasonTokenExpired, "capability token expired")
		}
		return failure(models.ReasonTokenInvalid, "capability token malformed or signature invalid")
	}
	if !token.Valid {
		return failure(models.ReasonTokenInvalid, "capability token invalid")
	}
	if issuer.Revoked() {
		return failure(models.ReasonIssuerRevoked, "issuer "+claims.IssuerID+" is revoked")
	}
	if !strings.EqualFold(claims.OrgID, orgID) {
		return failure(models.ReasonTokenOrgMismatch, "token org does not match request org")
	}
	if !strings.EqualFold(claims.AgentID, agentID) {
		return failure(models.ReasonTokenAgentMismatch, "token agent does not match request agent")
	}
	if !strings.EqualFold(claims.UAPKID, uapkID) {
		return failure(models.ReasonTokenUAPKMismatch, "token uapk does not match request uapk")
	}
	model := claims.toModel()
	if reasons := CheckConstraints(model, action, counterparty); len(reasons) > 0 {
		return Result{Reason: reasons[0], Reasons: reasons}
	}
	return Result{OK: true, Claims: &model}
}

// CheckConstraints evaluates a claim set against an action. The policy
// engine calls it again after policy checks so the tightest of token and
// policy always wins. Each violated constraint yields a distinct code.
func CheckConstraints(claims models.CapabilityClaims, action models.Action, counterparty *models.Counterparty) []models.ReasonDetail {
	var out []models.ReasonDetail
	if len(claims.AllowedActionTypes) > 0 && !containsFold(claims.AllowedActionTypes, action.Type) {
		out = append(out, models.ReasonWithDetail(models.ReasonTokenActionNotAllowed, "action type "+action.Type+" not granted"))
	}
	if len(claims.AllowedTools) > 0 && !containsFold(claims.AllowedTools, action.Tool) {
		out = append(out, models.ReasonWithDetail(models.ReasonTokenToolNotAllowed, "tool "+action.Tool+" not granted"))
	}
	if action.Amount > 0 && len(claims.AmountCaps) > 0 {
		limit, ok := capForCurrency(claims.AmountCaps, action.Currency)
		if !ok || action.Amount > limit {
			out = append(out, models.ReasonWithDetail(models.ReasonTokenAmountExceeded, fmt.Sprintf("amount %.2f %s exceeds token cap", action.Amount, action.Currency)))
		}
	}
	if counterparty != nil {
		if counterparty.Jurisdiction != "" && len(claims.Jurisdictions) > 0 && !containsFold(claims.Jurisdictions, counterparty.Jurisdiction) {
			out = append(out, models.ReasonWithDetail(models.ReasonTokenJurisdiction, "jurisdiction "+counterparty.Jurisdiction+" not granted"))
		}
		id := counterparty.Identifier()
		if id != "" {
			if suffixMatch(claims.CounterpartyDeny, id) {
				out = append(out, models.ReasonWithDetail(models.ReasonTokenCounterparty, "counterparty "+id+" denied by token"))
			} else if len(claims.CounterpartyAllow) > 0 && !suffixMatch(claims.CounterpartyAllow, id) {
				out = append(out, models.ReasonWithDetail(models.ReasonTokenCounterparty, "counterparty "+id+" outside token allowlist"))
			}
		}
	}
	return out
}

func capForCurrency(caps map[string]float64, currency string) (float64, bool) {
	for k, v := range caps {
		if strings.EqualFold(k, currency) {
			return v, true
		}
	}
	return 0, false
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), strings.TrimSpace(v)) {
			return true
		}
	}
	return false
}

// suffixMatch reports whether id equals or is a subdomain of any listed
// domain-like entry.
func suffixMatch(list []string, id string) bool {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return false
	}
	for _, entry := range list {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if id == entry || strings.HasSuffix(id, "."+entry) {
			return true
		}
	}
	return false
}
