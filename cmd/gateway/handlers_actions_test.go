package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"uapk/pkg/audit"
	"uapk/pkg/budget"
	"uapk/pkg/captoken"
	"uapk/pkg/connector"
	"uapk/pkg/manifest"
	"uapk/pkg/models"
	"uapk/pkg/policy"
	"uapk/pkg/ratelimit"
)

func paymentPolicy() policy.Config {
	return policy.Config{
		Version:     "v1",
		Tools:       policy.ToolRules{Allow: []string{"stripe", "email"}},
		ActionTypes: []string{"payment", "message"},
		AmountCaps:  map[string]float64{"USD": 5000},
		Budgets:     map[string]budget.Limits{"payment": {Daily: 100}},
		Approval:    policy.ApprovalRules{Amount: 1000, Currency: "USD"},
	}
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeDecision(t *testing.T, resp *http.Response) models.DecisionResponse {
	t.Helper()
	defer resp.Body.Close()
	var out models.DecisionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func decodeExecute(t *testing.T, resp *http.Response) models.ExecuteResponse {
	t.Helper()
	defer resp.Body.Close()
	var out models.ExecuteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestEvaluateAllow(t *testing.T) {
	g := newTestGateway(t)
	g.manifests.Put(activeManifest("uapk-1", "org-1", paymentPolicy(), nil))

	resp := postJSON(t, g.http.URL+"/v1/actions/evaluate", models.ActionRequest{
		UAPKID:  "uapk-1",
		AgentID: "agent-1",
		Action:  models.Action{Type: "payment", Tool: "stripe", Amount: 200, Currency: "USD"},
	})
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	out := decodeDecision(t, resp)
	if out.Decision != models.DecisionAllow {
		t.Fatalf("decision = %s reasons=%v", out.Decision, out.Reasons)
	}
	if out.InteractionID == "" {
		t.Fatal("missing interaction_id")
	}

	rec, err := g.srv.Audit.Get(context.Background(), "org-1", out.InteractionID)
	if err != nil {
		t.Fatalf("decision not audit-logged: %v", err)
	}
	if rec.Decision != models.DecisionAllow {
		t.Fatalf("audit decision = %s", rec.Decision)
	}
}

func TestEvaluateDenyIsAudited(t *testing.T) {
	g := newTestGateway(t)
	g.manifests.Put(activeManifest("uapk-1", "org-1", paymentPolicy(), nil))

	resp := postJSON(t, g.http.URL+"/v1/actions/evaluate", models.ActionRequest{
		UAPKID:  "uapk-1",
		AgentID: "agent-1",
		Action:  models.Action{Type: "payment", Tool: "database", Amount: 10, Currency: "USD"},
	})
	out := decodeDecision(t, resp)
	if out.Decision != models.DecisionDeny {
		t.Fatalf("decision = %s", out.Decision)
	}
	if out.Reasons[0].Code != models.ReasonToolNotAllowed {
		t.Fatalf("reason = %s", out.Reasons[0].Code)
	}
	if _, err := g.srv.Audit.Get(context.Background(), "org-1", out.InteractionID); err != nil {
		t.Fatalf("denied decision must still be audit-logged: %v", err)
	}
}

func TestEvaluateValidationNotAudited(t *testing.T) {
	g := newTestGateway(t)
	g.manifests.Put(activeManifest("uapk-1", "org-1", paymentPolicy(), nil))

	cases := []models.ActionRequest{
		{AgentID: "agent-1", Action: models.Action{Type: "payment", Tool: "stripe"}},
		{UAPKID: "uapk-1", Action: models.Action{Type: "payment", Tool: "stripe"}},
		{UAPKID: "uapk-1", AgentID: "agent-1", Action: models.Action{Tool: "stripe"}},
		{UAPKID: "uapk-1", AgentID: "agent-1", Action: models.Action{Type: "payment"}},
		{UAPKID: "uapk-1", AgentID: "agent-1", Action: models.Action{Type: "payment", Tool: "stripe", Amount: -5, Currency: "USD"}},
		{UAPKID: "uapk-1", AgentID: "agent-1", Action: models.Action{Type: "payment", Tool: "stripe", Amount: 5}},
	}
	for _, req := range cases {
		resp := postJSON(t, g.http.URL+"/v1/actions/evaluate", req)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("request %+v: status = %d, want 400", req, resp.StatusCode)
		}
	}

	records, err := g.srv.Audit.List(context.Background(), "org-1", audit.Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Fatalf("validation failures must not be audited, found %d records", len(records))
	}
}

func TestEvaluateUnknownManifest(t *testing.T) {
	g := newTestGateway(t)
	resp := postJSON(t, g.http.URL+"/v1/actions/evaluate", models.ActionRequest{
		UAPKID:  "ghost",
		AgentID: "agent-1",
		Action:  models.Action{Type: "payment", Tool: "stripe"},
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	out := decodeDecision(t, resp)
	if out.Decision != models.DecisionDeny || out.Reasons[0].Code != models.ReasonManifestNotFound {
		t.Fatalf("unexpected body: %+v", out)
	}
}

func TestEscalationCreatesApproval(t *testing.T) {
	g := newTestGateway(t)
	g.manifests.Put(activeManifest("uapk-1", "org-1", paymentPolicy(), nil))

	resp := postJSON(t, g.http.URL+"/v1/actions/evaluate", models.ActionRequest{
		UAPKID:  "uapk-1",
		AgentID: "agent-1",
		Action:  models.Action{Type: "payment", Tool: "stripe", Amount: 2500, Currency: "USD"},
	})
	out := decodeDecision(t, resp)
	if out.Decision != models.DecisionEscalate {
		t.Fatalf("decision = %s", out.Decision)
	}
	if out.ApprovalID == "" {
		t.Fatal("escalation must carry an approval_id")
	}
	app, err := g.srv.Approvals.Get(context.Background(), "org-1", out.ApprovalID)
	if err != nil {
		t.Fatalf("approval not persisted: %v", err)
	}
	if app.Status != "PENDING" || app.Action.Amount != 2500 {
		t.Fatalf("unexpected approval: %+v", app)
	}
}

func TestCapabilityTokenDeniedBeforePolicy(t *testing.T) {
	g := newTestGateway(t)
	g.manifests.Put(activeManifest("uapk-1", "org-1", paymentPolicy(), nil))

	resp := postJSON(t, g.http.URL+"/v1/actions/evaluate", models.ActionRequest{
		UAPKID:          "uapk-1",
		AgentID:         "agent-1",
		CapabilityToken: "not-a-jwt",
		Action:          models.Action{Type: "payment", Tool: "stripe", Amount: 10, Currency: "USD"},
	})
	out := decodeDecision(t, resp)
	if out.Decision != models.DecisionDeny {
		t.Fatalf("decision = %s", out.Decision)
	}
	if out.Reasons[0].Code != models.ReasonTokenInvalid {
		t.Fatalf("reason = %s", out.Reasons[0].Code)
	}
	if _, err := g.srv.Audit.Get(context.Background(), "org-1", out.InteractionID); err != nil {
		t.Fatalf("token denial must be audited: %v", err)
	}
}

func TestCapabilityTokenConstrainsAction(t *testing.T) {
	g := newTestGateway(t)
	g.manifests.Put(activeManifest("uapk-1", "org-1", paymentPolicy(), nil))

	km := testKeys(t)
	g.issuers.Put(&captoken.IssuerRecord{IssuerID: "issuer-1", PublicKey: km.Public(), Status: "active"})
	token, err := captoken.Mint(km.Private(), captoken.Claims{
		IssuerID:     "issuer-1",
		OrgID:        "org-1",
		AgentID:      "agent-1",
		UAPKID:       "uapk-1",
		AllowedTools: []string{"email"},
	})
	if err != nil {
		t.Fatal(err)
	}

	resp := postJSON(t, g.http.URL+"/v1/actions/evaluate", models.ActionRequest{
		UAPKID:          "uapk-1",
		AgentID:         "agent-1",
		CapabilityToken: token,
		Action:          models.Action{Type: "payment", Tool: "stripe", Amount: 10, Currency: "USD"},
	})
	out := decodeDecision(t, resp)
	if out.Decision != models.DecisionDeny {
		t.Fatalf("decision = %s reasons=%v", out.Decision, out.Reasons)
	}
	found := false
	for _, reason := range out.Reasons {
		if reason.Code == models.ReasonTokenToolNotAllowed {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing token tool reason: %v", out.Reasons)
	}
}

func TestExecuteRunsConnector(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tool-secret" {
			t.Errorf("connector auth header = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"charge_id": "ch_1"})
	}))
	defer upstream.Close()

	g := newTestGateway(t)
	g.manifests.Put(activeManifest("uapk-1", "org-1", paymentPolicy(), map[string]connector.ToolConfig{
		"stripe": {Endpoint: upstream.URL, Headers: map[string]string{"Authorization": "Bearer tool-secret"}},
	}))

	resp := postJSON(t, g.http.URL+"/v1/actions/execute", models.ActionRequest{
		UAPKID:  "uapk-1",
		AgentID: "agent-1",
		Action:  models.Action{Type: "payment", Tool: "stripe", Amount: 100, Currency: "USD", Params: json.RawMessage(`{"invoice":"inv-1"}`)},
	})
	out := decodeExecute(t, resp)
	if out.Decision != models.DecisionAllow || !out.Executed {
		t.Fatalf("unexpected response: %+v", out)
	}
	if !strings.Contains(string(out.Result), "ch_1") {
		t.Fatalf("result = %s", out.Result)
	}

	rec, err := g.srv.Audit.Get(context.Background(), "org-1", out.InteractionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Result) == 0 {
		t.Fatal("connector result missing from audit record")
	}
}

func TestExecuteFailureStillAudited(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer upstream.Close()

	g := newTestGateway(t)
	g.manifests.Put(activeManifest("uapk-1", "org-1", paymentPolicy(), map[string]connector.ToolConfig{
		"stripe": {Endpoint: upstream.URL},
	}))

	resp := postJSON(t, g.http.URL+"/v1/actions/execute", models.ActionRequest{
		UAPKID:  "uapk-1",
		AgentID: "agent-1",
		Action:  models.Action{Type: "payment", Tool: "stripe", Amount: 100, Currency: "USD"},
	})
	out := decodeExecute(t, resp)
	if out.Decision != models.DecisionAllow {
		t.Fatalf("decision = %s", out.Decision)
	}
	if out.Executed {
		t.Fatal("failed execution reported as executed")
	}
	hasFailure := false
	for _, reason := range out.Reasons {
		if reason.Code == models.ReasonExecutionFailed {
			hasFailure = true
		}
	}
	if !hasFailure {
		t.Fatalf("missing EXECUTION_FAILED reason: %v", out.Reasons)
	}
	if _, err := g.srv.Audit.Get(context.Background(), "org-1", out.InteractionID); err != nil {
		t.Fatalf("failed execution must still be audited: %v", err)
	}
}

func TestIdempotentEvaluate(t *testing.T) {
	g := newTestGateway(t)
	cfg := paymentPolicy()
	cfg.Budgets = map[string]budget.Limits{"payment": {Daily: 1}}
	g.manifests.Put(activeManifest("uapk-1", "org-1", cfg, nil))

	req := models.ActionRequest{
		UAPKID:         "uapk-1",
		AgentID:        "agent-1",
		IdempotencyKey: "idem-1",
		Action:         models.Action{Type: "payment", Tool: "stripe", Amount: 10, Currency: "USD"},
	}
	first := decodeDecision(t, postJSON(t, g.http.URL+"/v1/actions/evaluate", req))
	second := decodeDecision(t, postJSON(t, g.http.URL+"/v1/actions/evaluate", req))
	if first.Decision != models.DecisionAllow {
		t.Fatalf("first decision = %s", first.Decision)
	}
	if second.InteractionID != first.InteractionID {
		t.Fatalf("replay produced a new interaction: %s vs %s", second.InteractionID, first.InteractionID)
	}
	// The daily budget is 1; a replayed request must not burn it again.
	records, err := g.srv.Audit.List(context.Background(), "org-1", audit.Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("replay appended %d audit records, want 1", len(records))
	}
}

func TestOverrideTokenEndToEnd(t *testing.T) {
	g := newTestGateway(t)
	g.manifests.Put(activeManifest("uapk-1", "org-1", paymentPolicy(), nil))

	action := models.Action{Type: "payment", Tool: "stripe", Amount: 2500, Currency: "USD"}
	escalated := decodeDecision(t, postJSON(t, g.http.URL+"/v1/actions/evaluate", models.ActionRequest{
		UAPKID: "uapk-1", AgentID: "agent-1", Action: action,
	}))
	if escalated.Decision != models.DecisionEscalate || escalated.ApprovalID == "" {
		t.Fatalf("expected escalation, got %+v", escalated)
	}

	resp := postJSON(t,
		g.http.URL+"/v1/approvals/"+escalated.ApprovalID+"/approve?org_id=org-1",
		map[string]string{"decided_by": "ops@example.com"})
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("approve status = %d", resp.StatusCode)
	}
	var approved struct {
		Token string `json:"override_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&approved); err != nil {
		t.Fatal(err)
	}
	if approved.Token == "" {
		t.Fatal("approve must return the override token")
	}

	allowed := decodeDecision(t, postJSON(t, g.http.URL+"/v1/actions/evaluate", models.ActionRequest{
		UAPKID: "uapk-1", AgentID: "agent-1", Action: action, OverrideToken: approved.Token,
	}))
	if allowed.Decision != models.DecisionAllow {
		t.Fatalf("override decision = %s reasons=%v", allowed.Decision, allowed.Reasons)
	}
	if allowed.Reasons[0].Code != models.ReasonOverrideAccepted {
		t.Fatalf("reason = %s", allowed.Reasons[0].Code)
	}

	replayed := decodeDecision(t, postJSON(t, g.http.URL+"/v1/actions/evaluate", models.ActionRequest{
		UAPKID: "uapk-1", AgentID: "agent-1", Action: action, OverrideToken: approved.Token,
	}))
	if replayed.Decision != models.DecisionDeny || replayed.Reasons[0].Code != models.ReasonOverrideAlreadyUsed {
		t.Fatalf("token reuse: %+v", replayed)
	}

	different := action
	different.Amount = 2600
	mismatch := decodeDecision(t, postJSON(t, g.http.URL+"/v1/actions/evaluate", models.ActionRequest{
		UAPKID: "uapk-1", AgentID: "agent-1", Action: different, OverrideToken: approved.Token,
	}))
	if mismatch.Decision != models.DecisionDeny {
		t.Fatalf("mismatched action: %+v", mismatch)
	}
}

type outageRegistry struct{}

func (outageRegistry) GetIssuer(ctx context.Context, issuerID string) (*captoken.IssuerRecord, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func TestIssuerRegistryOutageIs503NotDeny(t *testing.T) {
	g := newTestGateway(t)
	g.manifests.Put(activeManifest("uapk-1", "org-1", paymentPolicy(), nil))
	g.srv.Verifier = &captoken.Verifier{Registry: outageRegistry{}}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	token, err := captoken.Mint(priv, captoken.Claims{
		IssuerID: "issuer-1", OrgID: "org-1", AgentID: "agent-1", UAPKID: "uapk-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	resp := postJSON(t, g.http.URL+"/v1/actions/evaluate", models.ActionRequest{
		UAPKID: "uapk-1", AgentID: "agent-1",
		Action:          models.Action{Type: "payment", Tool: "stripe", Amount: 10, Currency: "USD"},
		CapabilityToken: token,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}

	// No verdict was reached, so nothing may land on the audit chain.
	records, err := g.srv.Audit.List(context.Background(), "org-1", audit.Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Fatalf("audit records = %d, want 0", len(records))
	}
}

func TestOverrideTokenRejectedWhenManifestSuspended(t *testing.T) {
	g := newTestGateway(t)
	rec := activeManifest("uapk-1", "org-1", paymentPolicy(), nil)
	g.manifests.Put(rec)

	action := models.Action{Type: "payment", Tool: "stripe", Amount: 2500, Currency: "USD"}
	escalated := decodeDecision(t, postJSON(t, g.http.URL+"/v1/actions/evaluate", models.ActionRequest{
		UAPKID: "uapk-1", AgentID: "agent-1", Action: action,
	}))
	if escalated.Decision != models.DecisionEscalate {
		t.Fatalf("expected escalation, got %+v", escalated)
	}

	resp := postJSON(t,
		g.http.URL+"/v1/approvals/"+escalated.ApprovalID+"/approve?org_id=org-1",
		map[string]string{"decided_by": "ops@example.com"})
	defer resp.Body.Close()
	var approved struct {
		Token string `json:"override_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&approved); err != nil {
		t.Fatal(err)
	}

	suspended := *rec
	suspended.Status = manifest.StatusSuspended
	g.manifests.Put(&suspended)

	denied := decodeDecision(t, postJSON(t, g.http.URL+"/v1/actions/evaluate", models.ActionRequest{
		UAPKID: "uapk-1", AgentID: "agent-1", Action: action, OverrideToken: approved.Token,
	}))
	if denied.Decision != models.DecisionDeny || denied.Reasons[0].Code != models.ReasonManifestNotActive {
		t.Fatalf("suspended manifest with override token: %+v", denied)
	}

	// Reinstating the manifest shows the token survived the rejection.
	g.manifests.Put(rec)
	allowed := decodeDecision(t, postJSON(t, g.http.URL+"/v1/actions/evaluate", models.ActionRequest{
		UAPKID: "uapk-1", AgentID: "agent-1", Action: action, OverrideToken: approved.Token,
	}))
	if allowed.Decision != models.DecisionAllow || allowed.Reasons[0].Code != models.ReasonOverrideAccepted {
		t.Fatalf("reinstated manifest: %+v", allowed)
	}
}

func TestOrgSubmissionLimit(t *testing.T) {
	g := newTestGateway(t)
	g.srv.RateLimitEnabled = true
	g.srv.RateLimitPerMinute = 2
	g.srv.RateLimiter = ratelimit.NewInMemory(time.Minute)
	g.manifests.Put(activeManifest("uapk-1", "org-1", paymentPolicy(), nil))
	g.manifests.Put(activeManifest("uapk-2", "org-2", paymentPolicy(), nil))

	req := models.ActionRequest{
		UAPKID:  "uapk-1",
		AgentID: "agent-1",
		Action:  models.Action{Type: "payment", Tool: "stripe", Amount: 10, Currency: "USD"},
	}
	for i := 0; i < 2; i++ {
		resp := postJSON(t, g.http.URL+"/v1/actions/evaluate", req)
		resp.Body.Close()
		if resp.StatusCode != 200 {
			t.Fatalf("submission %d status = %d", i+1, resp.StatusCode)
		}
	}
	resp := postJSON(t, g.http.URL+"/v1/actions/evaluate", req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after window filled, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}

	// The window is per org, so another org is unaffected.
	other := postJSON(t, g.http.URL+"/v1/actions/evaluate", models.ActionRequest{
		UAPKID:  "uapk-2",
		AgentID: "agent-1",
		Action:  models.Action{Type: "payment", Tool: "stripe", Amount: 10, Currency: "USD"},
	})
	other.Body.Close()
	if other.StatusCode != 200 {
		t.Fatalf("expected sibling org unaffected, got %d", other.StatusCode)
	}
}
