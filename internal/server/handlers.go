package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"

	"github.com/wardenhq/warden/internal/erp"
	"github.com/wardenhq/warden/internal/pipeline"
	"github.com/wardenhq/warden/internal/policy"
	"github.com/wardenhq/warden/internal/tools"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}
	if r.URL.Query().Get("detail") == "true" {
		components := map[string]string{"pipeline": "ok"}
		if s.auditStore == nil {
			components["audit_store"] = "disabled"
		} else {
			components["audit_store"] = "ok"
		}
		if s.pool == nil {
			components["client_pool"] = "disabled"
		} else {
			components["client_pool"] = "ok"
		}
		resp["components"] = components
	}
	writeJSON(w, http.StatusOK, resp)
}

type executeRequest struct {
	UserID      string        `json:"user_id"`
	Tools       []tools.Call  `json:"tools"`
	ERPSettings *erp.Settings `json:"erp_settings,omitempty"`
	Rules       []policy.Rule `json:"rules,omitempty"`
}

type executeResponse struct {
	UserID  string            `json:"user_id"`
	Results []pipeline.Result `json:"results"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.UserID == "" {
		req.UserID = "default"
	}
	if len(req.Tools) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "tools is required")
		return
	}

	if s.limiter != nil && !s.limiter.Allow(req.UserID) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "request rate exceeded")
		return
	}

	for i := range req.Rules {
		if err := req.Rules[i].Validate(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_rule", err.Error())
			return
		}
	}
	rules := make([]policy.Rule, 0, len(s.baseRules)+len(req.Rules))
	rules = append(rules, s.baseRules...)
	rules = append(rules, req.Rules...)

	settings := req.ERPSettings
	if settings != nil {
		if err := settings.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_erp_settings", err.Error())
			return
		}
		// Credentials are ephemeral: only the fingerprint is loggable.
		log.Debug().
			Str("user_id", req.UserID).
			Str("provider", settings.Provider).
			Str("fingerprint", settings.Fingerprint()[:12]).
			Msg("execute_with_request_credentials")
	} else {
		settings = s.resolveFallback(r.Context(), req.UserID)
	}

	run := func(ctx context.Context) []pipeline.Result {
		return s.pipeline.ProcessTools(ctx, req.UserID, req.Tools, rules)
	}

	var results []pipeline.Result
	if s.pool != nil && settings != nil && settings.APIKey != "" {
		// Hold a pooled upstream client for the whole batch so concurrent
		// requests with value-equal credentials share one session.
		err := s.pool.WithClient(r.Context(), settings.Credentials(), false,
			func(*openai.Client) error {
				results = run(r.Context())
				return nil
			})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "pool_error", err.Error())
			return
		}
	} else {
		results = run(r.Context())
	}

	writeJSON(w, http.StatusOK, executeResponse{UserID: req.UserID, Results: results})
}

// resolveFallback returns the operator-provisioned fallback credentials, or
// nil when none are configured or the resolver fails. The request proceeds
// without pooled credentials in either case.
func (s *Server) resolveFallback(ctx context.Context, userID string) *erp.Settings {
	if s.fallback == nil {
		return nil
	}
	settings, err := s.fallback(ctx)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("fallback_credentials_unavailable")
		return nil
	}
	if settings == nil {
		return nil
	}
	if err := settings.Validate(); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("fallback_credentials_invalid")
		return nil
	}
	log.Debug().
		Str("user_id", userID).
		Str("provider", settings.Provider).
		Str("fingerprint", settings.Fingerprint()[:12]).
		Msg("execute_with_fallback_credentials")
	return settings
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	records, err := s.auditStore.List(r.Context(), q.Get("user_id"), q.Get("tool_name"),
		time.Time{}, time.Time{}, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "audit_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records, "count": len(records)})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.auditStore.Verify(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "signature_valid": ok})
}
