package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/wardenlabs/warden/internal/audit"
	"github.com/wardenlabs/warden/internal/llm"
	"github.com/wardenlabs/warden/internal/orchestrator"
	"github.com/wardenlabs/warden/internal/requestctx"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeTurnError is writeError plus the correlation ID of the sealed record,
// when one was assigned before the turn failed.
func writeTurnError(w http.ResponseWriter, status int, code, message, correlationID string) {
	body := map[string]string{"error": code, "message": message}
	if correlationID != "" {
		body["correlation_id"] = correlationID
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Snapshot()
	agents := make([]string, 0, len(snap.Endpoints()))
	for _, ep := range snap.Endpoints() {
		agents = append(agents, ep.Name)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"uptime":           time.Since(s.startTime).String(),
		"policy_version":   snap.Version(),
		"policy_loaded_at": snap.LoadedAt().UTC().Format(time.RFC3339),
		"agents":           agents,
		"turns_in_flight":  s.recorder.InProgress(),
	})
}

type turnRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "prompt is required")
		return
	}

	keyID := requestctx.KeyID(r.Context())
	res, err := s.orch.HandleTurn(r.Context(), orchestrator.TurnRequest{
		KeyID:  keyID,
		Prompt: req.Prompt,
	})
	if err != nil {
		var turnErr *orchestrator.TurnError
		correlationID := ""
		if errors.As(err, &turnErr) {
			correlationID = turnErr.CorrelationID
		}

		var admission *orchestrator.AdmissionError
		var upstream *llm.UpstreamError
		switch {
		case errors.As(err, &admission):
			writeError(w, http.StatusForbidden, "admission_denied", admission.Error())
		case errors.As(err, &upstream):
			log.Error().Err(err).Str("key_id", keyID).Str("correlation_id", correlationID).Msg("turn_upstream_error")
			writeTurnError(w, http.StatusBadGateway, "upstream_error", "worker model unavailable", correlationID)
		default:
			log.Error().Err(err).Str("key_id", keyID).Str("correlation_id", correlationID).Msg("turn_internal_error")
			writeTurnError(w, http.StatusInternalServerError, "internal", err.Error(), correlationID)
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}

	var from, to time.Time
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "from must be RFC3339")
			return
		}
		from = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "to must be RFC3339")
			return
		}
		to = t
	}

	entries, err := s.auditStore.ListIndex(r.Context(), q.Get("risk_level"), from, to, limit)
	if err != nil {
		log.Error().Err(err).Msg("audit_list_error")
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if entries == nil {
		entries = []audit.Index{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"turns": entries,
		"count": len(entries),
	})
}

func (s *Server) handleAuditGet(w http.ResponseWriter, r *http.Request) {
	correlationID := chi.URLParam(r, "correlation_id")
	detail, err := s.auditStore.Get(r.Context(), correlationID)
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		log.Error().Err(err).Str("correlation_id", correlationID).Msg("audit_get_error")
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	correlationID := chi.URLParam(r, "correlation_id")
	ok, err := s.auditStore.Verify(r.Context(), correlationID)
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		log.Error().Err(err).Str("correlation_id", correlationID).Msg("audit_verify_error")
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"correlation_id": correlationID,
		"valid":          ok,
	})
}
