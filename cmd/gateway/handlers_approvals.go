package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"uapk/pkg/approval"
	"uapk/pkg/httpx"
	"uapk/pkg/stream"

	"github.com/go-chi/chi/v5"
)

type decideApprovalRequest struct {
	DecidedBy   string `json:"decided_by"`
	Notes       string `json:"notes,omitempty"`
	TokenTTLSec int    `json:"token_ttl_sec,omitempty"`
}

func (s *Server) listApprovals(w http.ResponseWriter, r *http.Request) {
	orgID, err := s.orgScope(r)
	if err != nil {
		httpx.Error(w, http.StatusForbidden, err.Error())
		return
	}
	list, err := s.Approvals.ListPending(r.Context(), orgID)
	if err != nil {
		httpx.Error(w, http.StatusServiceUnavailable, "approval storage unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"approvals": list})
}

func (s *Server) getApproval(w http.ResponseWriter, r *http.Request) {
	orgID, err := s.orgScope(r)
	if err != nil {
		httpx.Error(w, http.StatusForbidden, err.Error())
		return
	}
	id := chi.URLParam(r, "approval_id")
	app, err := s.Approvals.Get(r.Context(), orgID, id)
	if err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			httpx.Error(w, http.StatusNotFound, "approval not found")
			return
		}
		httpx.Error(w, http.StatusServiceUnavailable, "approval storage unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, app)
}

func (s *Server) approvalStats(w http.ResponseWriter, r *http.Request) {
	orgID, err := s.orgScope(r)
	if err != nil {
		httpx.Error(w, http.StatusForbidden, err.Error())
		return
	}
	stats, err := s.Approvals.Stats(r.Context(), orgID)
	if err != nil {
		httpx.Error(w, http.StatusServiceUnavailable, "approval storage unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"org_id": orgID, "by_status": stats})
}

func (s *Server) approveApproval(w http.ResponseWriter, r *http.Request) {
	s.decideApproval(w, r, true)
}

func (s *Server) denyApproval(w http.ResponseWriter, r *http.Request) {
	s.decideApproval(w, r, false)
}

func (s *Server) decideApproval(w http.ResponseWriter, r *http.Request, approve bool) {
	orgID, err := s.orgScope(r)
	if err != nil {
		httpx.Error(w, http.StatusForbidden, err.Error())
		return
	}
	id := chi.URLParam(r, "approval_id")

	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req decideApprovalRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if strings.TrimSpace(req.DecidedBy) == "" {
		httpx.Error(w, http.StatusBadRequest, "decided_by is required")
		return
	}

	var (
		app   *approval.Approval
		token string
	)
	if approve {
		tokenTTL := s.ApprovalTokenTTL
		if req.TokenTTLSec > 0 {
			tokenTTL = time.Second * time.Duration(req.TokenTTLSec)
		}
		token, app, err = s.Approvals.Approve(r.Context(), orgID, id, req.DecidedBy, req.Notes, tokenTTL)
	} else {
		app, err = s.Approvals.Deny(r.Context(), orgID, id, req.DecidedBy, req.Notes)
	}
	if err != nil {
		switch {
		case errors.Is(err, approval.ErrNotFound):
			httpx.Error(w, http.StatusNotFound, "approval not found")
		case errors.Is(err, approval.ErrApprovalExpired):
			httpx.Error(w, http.StatusConflict, "approval expired before decision")
		case errors.Is(err, approval.ErrNotPending):
			httpx.Error(w, http.StatusConflict, "approval already decided")
		default:
			httpx.Error(w, http.StatusServiceUnavailable, "approval storage unavailable")
		}
		return
	}

	s.Metrics.IncApprovalState(app.Status)
	if s.Events != nil {
		s.Events.Publish(stream.Approval(app.OrgID, app.ID, app.Status))
	}

	resp := map[string]interface{}{"approval": app}
	if token != "" {
		// The raw token is returned exactly once; only its hash is stored.
		resp["override_token"] = token
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}
