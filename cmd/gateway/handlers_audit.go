package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"uapk/pkg/audit"
	"uapk/pkg/httpx"

	"github.com/go-chi/chi/v5"
)

func (s *Server) getAuditRecord(w http.ResponseWriter, r *http.Request) {
	orgID, err := s.orgScope(r)
	if err != nil {
		httpx.Error(w, http.StatusForbidden, err.Error())
		return
	}
	interactionID := chi.URLParam(r, "interaction_id")
	rec, err := s.Audit.Get(r.Context(), orgID, interactionID)
	if err != nil {
		if errors.Is(err, audit.ErrRecordNotFound) {
			httpx.Error(w, http.StatusNotFound, "audit record not found")
			return
		}
		httpx.Error(w, http.StatusServiceUnavailable, "audit storage unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) listAuditRecords(w http.ResponseWriter, r *http.Request) {
	orgID, err := s.orgScope(r)
	if err != nil {
		httpx.Error(w, http.StatusForbidden, err.Error())
		return
	}
	q, err := auditQueryFromRequest(r)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.Audit.List(r.Context(), orgID, q)
	if err != nil {
		httpx.Error(w, http.StatusServiceUnavailable, "audit storage unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"org_id":  orgID,
		"count":   len(records),
		"records": records,
	})
}

func (s *Server) verifyAuditChain(w http.ResponseWriter, r *http.Request) {
	orgID, err := s.orgScope(r)
	if err != nil {
		httpx.Error(w, http.StatusForbidden, err.Error())
		return
	}
	q, err := auditQueryFromRequest(r)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := s.Audit.VerifyChain(r.Context(), orgID, q)
	if err != nil {
		httpx.Error(w, http.StatusServiceUnavailable, "audit storage unavailable")
		return
	}
	s.Metrics.IncChainVerification()
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"org_id": orgID,
		"report": report,
	})
}

func auditQueryFromRequest(r *http.Request) (audit.Query, error) {
	q := audit.Query{
		UAPKID: strings.TrimSpace(r.URL.Query().Get("uapk_id")),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return audit.Query{}, errors.New("limit must be a non-negative integer")
		}
		q.Limit = n
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("from")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.Query{}, errors.New("from must be RFC3339")
		}
		q.From = t
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("to")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.Query{}, errors.New("to must be RFC3339")
		}
		q.To = t
	}
	return q, nil
}
