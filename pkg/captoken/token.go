package captoken

import (
	"context"
	"crypto/ed25519"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"uapk/pkg/models"
)

// Claims is the wire shape of a capability token: an EdDSA JWT whose
// payload carries the grant constraints.
type Claims struct {
	jwt.RegisteredClaims
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
}

// IssuerRecord holds a registered capability issuer's key metadata.
type IssuerRecord struct {
	IssuerID  string
	PublicKey ed25519.PublicKey
	Status    string // active|revoked
}

func (r *IssuerRecord) Revoked() bool {
	return r == nil || r.Status != "active"
}

// IssuerRegistry resolves issuer public keys and revocation status.
// Registration happens out-of-band; the gateway only reads.
type IssuerRegistry interface {
	GetIssuer(ctx context.Context, issuerID string) (*IssuerRecord, error)
}

// Mint signs a capability token with an issuer's private key. Used by
// issuer tooling and tests; the gateway itself never mints capability
// tokens.
func Mint(priv ed25519.PrivateKey, claims Claims) (string, error) {
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().UTC().Add(time.Hour))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(priv)
}

func (c Claims) toModel() models.CapabilityClaims {
	out := models.CapabilityClaims{
		IssuerID:           c.IssuerID,
		OrgID:              c.OrgID,
		AgentID:            c.AgentID,
		UAPKID:             c.UAPKID,
		AllowedActionTypes: c.AllowedActionTypes,
		AllowedTools:       c.AllowedTools,
		AmountCaps:         c.AmountCaps,
		Jurisdictions:      c.Jurisdictions,
		CounterpartyAllow:  c.CounterpartyAllow,
		CounterpartyDeny:   c.CounterpartyDeny,
		DelegationDepth:    c.DelegationDepth,
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time
	}
	return out
}
