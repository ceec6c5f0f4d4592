package agentsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"uapk/pkg/approval"
	"uapk/pkg/models"
)

// Client is a thin HTTP client for the gateway's v1 API. Agent runtimes
// use Evaluate/Execute; operator tooling uses the approval methods.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	AuthToken  string
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Evaluate submits an action for a decision without executing it.
func (c *Client) Evaluate(ctx context.Context, req models.ActionRequest) (models.DecisionResponse, error) {
	var out models.DecisionResponse
	if err := c.postJSON(ctx, "/v1/actions/evaluate", req, &out); err != nil {
		return models.DecisionResponse{}, err
	}
	return out, nil
}

// Execute submits an action for a decision and, on ALLOW, runs it
// through the matching connector.
func (c *Client) Execute(ctx context.Context, req models.ActionRequest) (models.ExecuteResponse, error) {
	var out models.ExecuteResponse
	if err := c.postJSON(ctx, "/v1/actions/execute", req, &out); err != nil {
		return models.ExecuteResponse{}, err
	}
	return out, nil
}

type decideRequest struct {
	DecidedBy   string `json:"decided_by"`
	Notes       string `json:"notes,omitempty"`
	TokenTTLSec int    `json:"token_ttl_sec,omitempty"`
}

// ApprovalDecision is the gateway's response to an approve/deny call.
// Token is only set on approve and is shown exactly once.
type ApprovalDecision struct {
	Approval *approval.Approval `json:"approval"`
	Token    string             `json:"override_token,omitempty"`
}

// Approve resolves a pending approval and returns the single-use
// override token minted for it.
func (c *Client) Approve(ctx context.Context, orgID, approvalID, decidedBy, notes string) (ApprovalDecision, error) {
	var out ApprovalDecision
	path := "/v1/approvals/" + url.PathEscape(approvalID) + "/approve?org_id=" + url.QueryEscape(orgID)
	if err := c.postJSON(ctx, path, decideRequest{DecidedBy: decidedBy, Notes: notes}, &out); err != nil {
		return ApprovalDecision{}, err
	}
	return out, nil
}

// Deny resolves a pending approval negatively.
func (c *Client) Deny(ctx context.Context, orgID, approvalID, decidedBy, notes string) (ApprovalDecision, error) {
	var out ApprovalDecision
	path := "/v1/approvals/" + url.PathEscape(approvalID) + "/deny?org_id=" + url.QueryEscape(orgID)
	if err := c.postJSON(ctx, path, decideRequest{DecidedBy: decidedBy, Notes: notes}, &out); err != nil {
		return ApprovalDecision{}, err
	}
	return out, nil
}

// PendingApprovals lists approvals awaiting a decision for an org.
func (c *Client) PendingApprovals(ctx context.Context, orgID string) ([]approval.Approval, error) {
	var out struct {
		Approvals []approval.Approval `json:"approvals"`
	}
	path := "/v1/approvals?org_id=" + url.QueryEscape(orgID)
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Approvals, nil
}

// AuditRecords fetches a slice of an org's audit chain, newest last.
func (c *Client) AuditRecords(ctx context.Context, orgID, uapkID string, limit int) ([]json.RawMessage, error) {
	var out struct {
		Records []json.RawMessage `json:"records"`
	}
	q := url.Values{}
	q.Set("org_id", orgID)
	if uapkID != "" {
		q.Set("uapk_id", uapkID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if err := c.getJSON(ctx, "/v1/audit/records?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// PublicKey fetches the gateway's audit signing public key.
func (c *Client) PublicKey(ctx context.Context) (string, error) {
	var out struct {
		PublicKey string `json:"public_key"`
	}
	if err := c.getJSON(ctx, "/v1/public-key", &out); err != nil {
		return "", err
	}
	return out.PublicKey, nil
}

// VerifyChain asks the gateway to re-verify an org's audit chain and
// returns the raw verification report.
func (c *Client) VerifyChain(ctx context.Context, orgID string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.getJSON(ctx, "/v1/audit/verify?org_id="+url.QueryEscape(orgID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.do(httpReq, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(httpReq, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	c.applyAuth(req)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s failed status=%d body=%s", req.Method, req.URL.Path, resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 5 * time.Second}
}

func (c *Client) applyAuth(req *http.Request) {
	if c.AuthToken == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.AuthToken))
}
