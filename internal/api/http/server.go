package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appAudit "github.com/execution-hub/verification-gate/internal/application/audit"
	appConsensus "github.com/execution-hub/verification-gate/internal/application/consensus"
	appReputation "github.com/execution-hub/verification-gate/internal/application/reputation"
	appSignature "github.com/execution-hub/verification-gate/internal/application/signature"
	appVerification "github.com/execution-hub/verification-gate/internal/application/verification"
	"github.com/execution-hub/verification-gate/internal/infrastructure/sse"
)

// Services are the application services behind the HTTP adapter.
type Services struct {
	Manager    *appVerification.Manager
	Consensus  *appConsensus.Engine
	Signatures *appSignature.Coordinator
	Audit      *appAudit.Trail
	Reputation *appReputation.Tracker
	// Alerts streams alerts to operators when set.
	Alerts *sse.Hub
	// Cluster is mounted under /v1/cluster when set.
	Cluster http.Handler
	// Leadership gates writes to the replication leader when set.
	Leadership Leadership
}

// Leadership reports whether this instance may append to the audit trail.
type Leadership interface {
	IsLeader() bool
	LeaderAddr() string
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	manager    *appVerification.Manager
	consensus  *appConsensus.Engine
	signatures *appSignature.Coordinator
	audit      *appAudit.Trail
	reputation *appReputation.Tracker
	alerts     *sse.Hub
	cluster    http.Handler
	leadership Leadership
	adminToken string
	logger     zerolog.Logger
}

// NewServer creates the adapter. Admin routes are disabled when adminToken is empty.
func NewServer(svc Services, adminToken string, logger zerolog.Logger) *Server {
	return &Server{
		manager:    svc.Manager,
		consensus:  svc.Consensus,
		signatures: svc.Signatures,
		audit:      svc.Audit,
		reputation: svc.Reputation,
		alerts:     svc.Alerts,
		cluster:    svc.Cluster,
		leadership: svc.Leadership,
		adminToken: adminToken,
		logger:     logger.With().Str("service", "http").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.healthz)

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.requireLeader)
			r.Route("/contexts", func(r chi.Router) {
				r.Post("/", s.submitTask)
				r.Get("/{contextId}", s.getContext)
				r.Post("/{contextId}/result", s.submitResult)
				r.Post("/{contextId}/claims", s.submitClaim)
				r.Post("/{contextId}/consensus/await", s.awaitConsensus)
				r.Post("/{contextId}/attestations", s.requestAttestation)
				r.Post("/{contextId}/attestations/await", s.awaitAttestation)
				r.Post("/{contextId}/complete", s.completeContext)
				r.Post("/{contextId}/cancel", s.cancelContext)
				r.Post("/{contextId}/rollback", s.rollbackContext)
				r.Get("/{contextId}/checkpoints/verify", s.verifyCheckpoints)
			})

			r.Route("/rounds/{roundId}", func(r chi.Router) {
				r.Get("/", s.getRound)
				r.Post("/votes", s.castVote)
			})
			r.Post("/heartbeats", s.heartbeat)

			r.Route("/signatures/{signatureId}", func(r chi.Router) {
				r.Get("/", s.getSignature)
				r.Post("/partials", s.submitPartial)
			})
		})

		r.Get("/metrics", s.metrics)
		r.Get("/agents/{agentId}/reputation", s.getReputation)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/audit/integrity", s.auditIntegrity)
			r.Get("/audit/report", s.auditReport)
			r.Get("/audit/events", s.auditEvents)
			r.With(s.requireLeader).Post("/audit/events/{eventId}/resolve", s.resolveEvent)
			r.With(s.requireLeader).Post("/cleanup", s.cleanup)
			if s.alerts != nil {
				r.Get("/alerts/stream", s.alertStream)
			}
		})

		if s.cluster != nil {
			r.With(s.requireAdmin).Mount("/cluster", s.cluster)
		}
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

func parseUUIDParam(r *http.Request, key string) (uuid.UUID, error) {
	val := chi.URLParam(r, key)
	return uuid.Parse(val)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// decodeOptionalBody accepts an empty body.
func decodeOptionalBody(r *http.Request, v interface{}) error {
	if r.ContentLength == 0 {
		return nil
	}
	return decodeBody(r, v)
}

func parseLimit(r *http.Request, defaultLimit, maxLimit int) int {
	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			limit = l
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit
}

func parseTimeParam(r *http.Request, key string, def time.Time) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}
	return time.Parse(time.RFC3339, raw)
}
