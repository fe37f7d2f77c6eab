package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/execution-hub/verification-gate/internal/application/audit"
	domainAudit "github.com/execution-hub/verification-gate/internal/domain/audit"
	"github.com/execution-hub/verification-gate/internal/domain/security"
	"github.com/execution-hub/verification-gate/internal/infrastructure/sse"
)

type resolveRequest struct {
	ResolvedBy string `json:"resolvedBy"`
	Note       string `json:"note,omitempty"`
}

type cleanupRequest struct {
	MaxAge string `json:"maxAge"`
}

func (s *Server) auditIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.audit.VerifyChain(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) auditReport(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	from, err := parseTimeParam(r, "from", now.Add(-24*time.Hour))
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid from")
		return
	}
	to, err := parseTimeParam(r, "to", now)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid to")
		return
	}
	if !from.Before(to) {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "from must be before to")
		return
	}
	report, err := s.audit.GenerateComplianceReport(r.Context(), audit.Period{From: from, To: to})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) auditEvents(w http.ResponseWriter, r *http.Request) {
	filter := domainAudit.Filter{Limit: parseLimit(r, 100, 1000)}
	q := r.URL.Query()
	if v := strings.TrimSpace(q.Get("agent_id")); v != "" {
		filter.AgentID = &v
	}
	if v := strings.TrimSpace(q.Get("event_type")); v != "" {
		t := security.EventType(strings.ToUpper(v))
		filter.EventType = &t
	}
	events, err := s.audit.Events(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) resolveEvent(w http.ResponseWriter, r *http.Request) {
	eventID, err := parseUUIDParam(r, "eventId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid eventId")
		return
	}
	var req resolveRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if strings.TrimSpace(req.ResolvedBy) == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "resolvedBy is required")
		return
	}
	seq, err := s.audit.Resolve(r.Context(), eventID, req.ResolvedBy, req.Note)
	if err != nil {
		if audit.IsNotFound(err) {
			respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"eventId": eventID, "seq": seq})
}

func (s *Server) cleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	maxAge, err := time.ParseDuration(req.MaxAge)
	if err != nil || maxAge < 0 {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "maxAge must be a non-negative duration")
		return
	}
	removed := s.manager.Cleanup(r.Context(), maxAge)
	s.logger.Info().Dur("maxAge", maxAge).Int("removed", removed).Msg("manual cleanup")
	respondJSON(w, http.StatusOK, map[string]interface{}{"removed": removed})
}

func (s *Server) alertStream(w http.ResponseWriter, r *http.Request) {
	minSeverity := security.Severity(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("min_severity"))))
	if minSeverity != "" && minSeverity.Rank() < 0 {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid min_severity")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported")
		return
	}

	client := sse.NewClient(uuid.NewString(), minSeverity)
	if err := s.alerts.Register(client); err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	defer s.alerts.Unregister(client.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case msg, ok := <-client.Messages:
			if !ok {
				return
			}
			_, _ = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", msg.ID, msg.Event, msg.Data)
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}
