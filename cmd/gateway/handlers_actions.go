package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"uapk/pkg/approval"
	"uapk/pkg/audit"
	"uapk/pkg/auth"
	"uapk/pkg/connector"
	"uapk/pkg/eventbus"
	"uapk/pkg/httpx"
	"uapk/pkg/manifest"
	"uapk/pkg/models"
	"uapk/pkg/policy"
	"uapk/pkg/stream"

	"github.com/google/uuid"
)

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	s.handleAction(w, r, false)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	s.handleAction(w, r, true)
}

// handleAction runs the full decision pipeline. Malformed requests are
// rejected before any decision exists and are not audit-logged; once a
// decision is reached it is always appended to the chain, even when the
// connector or response write fails afterwards.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request, execute bool) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req models.ActionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if msg := validateActionRequest(req); msg != "" {
		httpx.Error(w, http.StatusBadRequest, msg)
		return
	}

	ctx := r.Context()
	record, err := s.Manifests.Get(ctx, req.UAPKID)
	if err != nil {
		if errors.Is(err, manifest.ErrNotFound) {
			httpx.WriteJSON(w, http.StatusNotFound, models.DecisionResponse{
				Decision:  models.DecisionDeny,
				Reasons:   []models.ReasonDetail{models.Reason(models.ReasonManifestNotFound)},
				Timestamp: time.Now().UTC(),
			})
			return
		}
		httpx.Error(w, http.StatusServiceUnavailable, "manifest lookup failed")
		return
	}
	if msg := s.checkOrgBinding(r, record.OrgID); msg != "" {
		httpx.Error(w, http.StatusForbidden, msg)
		return
	}
	if s.RateLimitEnabled && s.RateLimiter != nil {
		if u := s.RateLimiter.Allow(record.OrgID, s.RateLimitPerMinute); !u.Allowed {
			w.Header().Set("Retry-After", strconv.FormatInt(int64(time.Until(u.ResetAt).Seconds())+1, 10))
			httpx.Error(w, http.StatusTooManyRequests, "org submission limit exceeded")
			return
		}
	}

	idemKey := scopedIdempotencyKey(record.OrgID, req.IdempotencyKey)
	if idemKey != "" {
		if cached, ok := s.cachedDecision(ctx, idemKey, execute); ok {
			httpx.WriteJSON(w, http.StatusOK, cached)
			return
		}
	}

	interactionID := uuid.NewString()
	start := time.Now()

	var claims *models.CapabilityClaims
	if strings.TrimSpace(req.CapabilityToken) != "" {
		res := s.Verifier.Verify(ctx, req.CapabilityToken, req.Action, req.Counterparty,
			record.OrgID, req.AgentID, req.UAPKID)
		if res.Err != nil {
			log.Printf("verify token %s org=%s: %v", interactionID, record.OrgID, res.Err)
			httpx.Error(w, http.StatusServiceUnavailable, "issuer registry unavailable")
			return
		}
		if !res.OK {
			decision := models.Deny(res.Reasons...)
			s.finishDecision(ctx, w, record, req, interactionID, decision, execute, nil, idemKey)
			return
		}
		claims = res.Claims
	}

	decision, err := s.Engine.Evaluate(ctx, policy.Input{
		OrgID:          record.OrgID,
		UAPKID:         req.UAPKID,
		AgentID:        req.AgentID,
		InteractionID:  interactionID,
		Action:         req.Action,
		Counterparty:   req.Counterparty,
		Claims:         claims,
		OverrideToken:  req.OverrideToken,
		ManifestStatus: record.Status,
		Config:         record.Policy,
	})
	if err != nil {
		log.Printf("evaluate %s org=%s: %v", interactionID, record.OrgID, err)
		httpx.Error(w, http.StatusServiceUnavailable, "policy evaluation unavailable")
		return
	}

	if decision.Outcome == models.DecisionEscalate && decision.ApprovalID == "" {
		app, err := s.Approvals.Create(ctx, approval.CreateRequest{
			OrgID:         record.OrgID,
			InteractionID: interactionID,
			UAPKID:        req.UAPKID,
			AgentID:       req.AgentID,
			Action:        req.Action,
			Counterparty:  req.Counterparty,
			Context:       req.Context,
			ReasonCodes:   decision.Codes(),
		})
		if err != nil {
			log.Printf("create approval %s org=%s: %v", interactionID, record.OrgID, err)
		} else {
			decision.ApprovalID = app.ID
		}
	}

	var execResult *connector.Result
	if execute && decision.Outcome == models.DecisionAllow {
		res := s.runConnector(ctx, record, req)
		execResult = &res
	}

	s.Metrics.ObserveEvalLatency(time.Since(start))
	s.finishDecision(ctx, w, record, req, interactionID, decision, execute, execResult, idemKey)
}

// finishDecision is everything that happens after a decision exists:
// audit append, metrics, events, idempotency store, response.
func (s *Server) finishDecision(
	ctx context.Context,
	w http.ResponseWriter,
	record *manifest.Record,
	req models.ActionRequest,
	interactionID string,
	decision models.Decision,
	execute bool,
	execResult *connector.Result,
	idemKey string,
) {
	reasons := decision.Reasons
	var resultRaw json.RawMessage
	executed := false
	execErr := ""
	if execResult != nil {
		executed = execResult.OK
		execErr = execResult.Error
		if len(execResult.Data) > 0 {
			resultRaw = execResult.Data
		}
		if !execResult.OK {
			code := models.ReasonExecutionFailed
			if execResult.TimedOut {
				code = models.ReasonExecutionTimeout
			}
			reasons = append(reasons, models.ReasonWithDetail(code, execResult.Error))
		}
	}

	rec, err := s.Audit.Append(ctx, audit.Entry{
		InteractionID: interactionID,
		OrgID:         record.OrgID,
		UAPKID:        req.UAPKID,
		AgentID:       req.AgentID,
		Action:        req.Action,
		Decision:      decision.Outcome,
		Reasons:       reasons,
		Result:        resultRaw,
	})
	if err != nil {
		// The decision stands; an unrecordable decision is surfaced as a
		// storage failure so the caller can retry.
		log.Printf("audit append %s org=%s: %v", interactionID, record.OrgID, err)
		httpx.Error(w, http.StatusServiceUnavailable, "audit storage unavailable")
		return
	}

	s.Metrics.IncAuditAppend()
	s.Metrics.IncDecision(decision.Outcome, codesOf(reasons))
	if execResult != nil {
		switch {
		case execResult.TimedOut:
			s.Metrics.IncExecution("timeout")
		case execResult.OK:
			s.Metrics.IncExecution("ok")
		default:
			s.Metrics.IncExecution("failed")
		}
	}
	s.publishDecision(rec.OrgID, req, interactionID, decision, rec.Seq, rec.RecordHash)

	resp := models.DecisionResponse{
		InteractionID: interactionID,
		Decision:      decision.Outcome,
		Reasons:       reasons,
		ApprovalID:    decision.ApprovalID,
		PolicyVersion: record.PolicyVersion,
		Timestamp:     rec.CreatedAt,
	}
	if !execute {
		if idemKey != "" {
			s.storeDecision(ctx, idemKey, resp)
		}
		httpx.WriteJSON(w, http.StatusOK, resp)
		return
	}
	out := models.ExecuteResponse{
		DecisionResponse: resp,
		Executed:         executed,
		Result:           resultRaw,
		Error:            execErr,
	}
	if idemKey != "" {
		s.storeDecision(ctx, idemKey, out)
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) runConnector(ctx context.Context, record *manifest.Record, req models.ActionRequest) connector.Result {
	cfg, ok := record.ConnectorFor(req.Action.Tool)
	if !ok {
		return connector.Result{Error: "no connector configured for tool " + req.Action.Tool}
	}
	return s.Executor.Execute(ctx, cfg, req.Action.Tool, req.Action.Params)
}

func (s *Server) publishDecision(orgID string, req models.ActionRequest, interactionID string, decision models.Decision, seq int64, recordHash string) {
	evt := eventbus.DecisionEvent{
		InteractionID: interactionID,
		OrgID:         orgID,
		UAPKID:        req.UAPKID,
		AgentID:       req.AgentID,
		ActionType:    req.Action.Type,
		Tool:          req.Action.Tool,
		Decision:      decision.Outcome,
		Reasons:       decision.Codes(),
		Seq:           seq,
		RecordHash:    recordHash,
		CreatedAt:     time.Now().UTC(),
	}
	if s.Events != nil {
		s.Events.Publish(stream.Decision(evt))
	}
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.Bus.Publish(ctx, evt); err != nil {
			log.Printf("event publish %s: %v", interactionID, err)
		}
	}
}

func validateActionRequest(req models.ActionRequest) string {
	switch {
	case strings.TrimSpace(req.UAPKID) == "":
		return "uapk_id is required"
	case strings.TrimSpace(req.AgentID) == "":
		return "agent_id is required"
	case strings.TrimSpace(req.Action.Type) == "":
		return "action.type is required"
	case strings.TrimSpace(req.Action.Tool) == "":
		return "action.tool is required"
	case req.Action.Amount < 0:
		return "action.amount must not be negative"
	case req.Action.Amount > 0 && strings.TrimSpace(req.Action.Currency) == "":
		return "action.currency is required when amount is set"
	}
	if len(req.Action.Params) > 0 && !json.Valid(req.Action.Params) {
		return "action.params must be valid JSON"
	}
	return ""
}

// checkOrgBinding ensures an authenticated caller only submits actions
// for manifests belonging to its own org.
func (s *Server) checkOrgBinding(r *http.Request, manifestOrg string) string {
	if strings.EqualFold(s.AuthMode, "off") {
		return ""
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return "unauthenticated"
	}
	if principal.OrgID != "" && !strings.EqualFold(principal.OrgID, manifestOrg) {
		return "manifest belongs to a different org"
	}
	return ""
}

func scopedIdempotencyKey(orgID, key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	return "decision:" + strings.ToLower(strings.TrimSpace(orgID)) + ":" + key
}

func (s *Server) cachedDecision(ctx context.Context, key string, execute bool) (interface{}, bool) {
	if s.Cache == nil {
		return nil, false
	}
	raw, err := s.Cache.Get(ctx, key)
	if err != nil || raw == "" {
		return nil, false
	}
	if execute {
		var out models.ExecuteResponse
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, false
		}
		return out, true
	}
	var out models.DecisionResponse
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, false
	}
	return out, true
}

func (s *Server) storeDecision(ctx context.Context, key string, resp interface{}) {
	if s.Cache == nil {
		return
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	ttl := s.DecisionCacheTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if err := s.Cache.Put(ctx, key, string(raw), ttl); err != nil {
		log.Printf("decision cache set %s: %v", key, err)
	}
}

func codesOf(reasons []models.ReasonDetail) []string {
	out := make([]string, 0, len(reasons))
	for _, r := range reasons {
		out = append(out, r.Code)
	}
	return out
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}
