package captoken

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"uapk/pkg/models"
)

func testIssuer(t *testing.T, status string) (*StaticRegistry, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	reg := NewStaticRegistry(&IssuerRecord{IssuerID: "issuer-1", PublicKey: pub, Status: status})
	return reg, priv
}

func baseClaims(ttl time.Duration) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().UTC().Add(ttl)),
		},
		IssuerID:           "issuer-1",
		OrgID:              "org-1",
		AgentID:            "agent-1",
		UAPKID:             "uapk-1",
		AllowedActionTypes: []string{"payment"},
		AllowedTools:       []string{"email", "stripe"},
		AmountCaps:         map[string]float64{"USD": 1000},
	}
}

func paymentAction() models.Action {
	return models.Action{
		Type: "payment", Tool: "stripe",
		Params: json.RawMessage(`{"invoice":"inv-1"}`),
		Amount: 250, Currency: "USD",
	}
}

func TestVerifyHappyPath(t *testing.T) {
	reg, priv := testIssuer(t, "active")
	raw, err := Mint(priv, baseClaims(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	v := &Verifier{Registry: reg}
	res := v.Verify(context.Background(), raw, paymentAction(), nil, "org-1", "agent-1", "uapk-1")
	if !res.OK {
		t.Fatalf("expected OK, got %+v", res.Reason)
	}
	if res.Claims == nil || res.Claims.OrgID != "org-1" {
		t.Fatalf("claims not surfaced: %+v", res.Claims)
	}
}

func TestVerifyOrderedFailures(t *testing.T) {
	reg, priv := testIssuer(t, "active")
	_, otherPriv, _ := ed25519.GenerateKey(rand.Reader)
	v := &Verifier{Registry: reg}
	ctx := context.Background()
	action := paymentAction()

	t.Run("garbage token", func(t *testing.T) {
		res := v.Verify(ctx, "not-a-jwt", action, nil, "org-1", "agent-1", "uapk-1")
		if res.OK || res.Reason.Code != models.ReasonTokenInvalid {
			t.Fatalf("got %+v", res.Reason)
		}
	})
	t.Run("wrong signer", func(t *testing.T) {
		raw, _ := Mint(otherPriv, baseClaims(time.Hour))
		res := v.Verify(ctx, raw, action, nil, "org-1", "agent-1", "uapk-1")
		if res.OK || res.Reason.Code != models.ReasonTokenInvalid {
			t.Fatalf("got %+v", res.Reason)
		}
	})
	t.Run("expired", func(t *testing.T) {
		raw, _ := Mint(priv, baseClaims(-time.Minute))
		res := v.Verify(ctx, raw, action, nil, "org-1", "agent-1", "uapk-1")
		if res.OK || res.Reason.Code != models.ReasonTokenExpired {
			t.Fatalf("got %+v", res.Reason)
		}
	})
	t.Run("revoked issuer", func(t *testing.T) {
		revokedReg, revokedPriv := testIssuer(t, "revoked")
		raw, _ := Mint(revokedPriv, baseClaims(time.Hour))
		res := (&Verifier{Registry: revokedReg}).Verify(ctx, raw, action, nil, "org-1", "agent-1", "uapk-1")
		if res.OK || res.Reason.Code != models.ReasonIssuerRevoked {
			t.Fatalf("got %+v", res.Reason)
		}
	})
	t.Run("org mismatch", func(t *testing.T) {
		raw, _ := Mint(priv, baseClaims(time.Hour))
		res := v.Verify(ctx, raw, action, nil, "org-2", "agent-1", "uapk-1")
		if res.OK || res.Reason.Code != models.ReasonTokenOrgMismatch {
			t.Fatalf("got %+v", res.Reason)
		}
	})
	t.Run("tool not granted", func(t *testing.T) {
		raw, _ := Mint(priv, baseClaims(time.Hour))
		dbAction := action
		dbAction.Tool = "database"
		res := v.Verify(ctx, raw, dbAction, nil, "org-1", "agent-1", "uapk-1")
		if res.OK || res.Reason.Code != models.ReasonTokenToolNotAllowed {
			t.Fatalf("got %+v", res.Reason)
		}
	})
	t.Run("amount above token cap", func(t *testing.T) {
		raw, _ := Mint(priv, baseClaims(time.Hour))
		big := action
		big.Amount = 1500
		res := v.Verify(ctx, raw, big, nil, "org-1", "agent-1", "uapk-1")
		if res.OK || res.Reason.Code != models.ReasonTokenAmountExceeded {
			t.Fatalf("got %+v", res.Reason)
		}
	})
}

type erroringRegistry struct {
	err   error
	calls int
}

func (r *erroringRegistry) GetIssuer(ctx context.Context, issuerID string) (*IssuerRecord, error) {
	r.calls++
	return nil, r.err
}

func TestVerifyRegistryOutageIsNotAVerdict(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := Mint(priv, baseClaims(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	action := paymentAction()

	reg := &erroringRegistry{err: errors.New("dial tcp: connection refused")}
	res := (&Verifier{Registry: reg}).Verify(ctx, raw, action, nil, "org-1", "agent-1", "uapk-1")
	if res.OK {
		t.Fatal("outage must not verify the token")
	}
	if res.Err == nil {
		t.Fatalf("outage must surface as Err, got reason %+v", res.Reason)
	}
	if res.Reason.Code != "" {
		t.Fatalf("outage must not carry a verdict reason, got %q", res.Reason.Code)
	}
	if reg.calls != 1 {
		t.Fatalf("registry calls = %d", reg.calls)
	}

	// An unknown issuer is a verdict on the token, not an outage.
	missing := &erroringRegistry{err: ErrIssuerNotFound}
	res = (&Verifier{Registry: missing}).Verify(ctx, raw, action, nil, "org-1", "agent-1", "uapk-1")
	if res.OK || res.Err != nil || res.Reason.Code != models.ReasonTokenInvalid {
		t.Fatalf("unknown issuer: %+v err=%v", res.Reason, res.Err)
	}
}

func TestCheckConstraintsCounterparty(t *testing.T) {
	claims := models.CapabilityClaims{
		CounterpartyAllow: []string{"acme.com"},
		CounterpartyDeny:  []string{"blocked.io"},
	}
	cases := []struct {
		name string
		cp   models.Counterparty
		want int
	}{
		{"allowed exact", models.Counterparty{Domain: "acme.com"}, 0},
		{"allowed subdomain", models.Counterparty{Domain: "pay.acme.com"}, 0},
		{"denied", models.Counterparty{Domain: "api.blocked.io"}, 1},
		{"not in allowlist", models.Counterparty{Domain: "other.org"}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := CheckConstraints(claims, models.Action{Type: "t", Tool: "x"}, &tc.cp)
			if len(got) != tc.want {
				t.Fatalf("reasons = %+v, want %d", got, tc.want)
			}
		})
	}
}
