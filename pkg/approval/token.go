package approval

import (
	"crypto/ed25519"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"uapk/pkg/models"
)

// OverrideClaims bind a minted override token to one approval and one
// exact action.
type OverrideClaims struct {
	jwt.RegisteredClaims
	OrgID      string `json:"org_id"`
	UAPKID     string `json:"uapk_id"`
	AgentID    string `json:"agent_id"`
	ActionHash string `json:"action_hash"`
	ApprovalID string `json:"approval_id"`
}

func mintOverrideToken(priv ed25519.PrivateKey, a *Approval, now time.Time, ttl time.Duration) (raw string, expires time.Time, err error) {
	expires = now.Add(ttl)
	claims := OverrideClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.AgentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		OrgID:      a.OrgID,
		UAPKID:     a.UAPKID,
		AgentID:    a.AgentID,
		ActionHash: a.ActionHash,
		ApprovalID: a.ID,
	}
	raw, err = jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(priv)
	if err != nil {
		return "", time.Time{}, err
	}
	return raw, expires, nil
}

func parseOverrideToken(pub ed25519.PublicKey, raw string) (*OverrideClaims, error) {
	claims := &OverrideClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return pub, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// TokenHash is what gets persisted in place of the raw override token.
func TokenHash(raw string) string {
	return models.HashBytes([]byte(raw))
}
