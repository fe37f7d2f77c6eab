package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/execution-hub/verification-gate/internal/domain/security"
	"github.com/execution-hub/verification-gate/internal/domain/verification"
)

type claimRequest struct {
	ID           string          `json:"id"`
	Statement    string          `json:"statement"`
	Evidence     json.RawMessage `json:"evidence,omitempty"`
	Participants []string        `json:"participants,omitempty"`
}

type attestationRequest struct {
	Signatories []string `json:"signatories"`
	Required    int      `json:"required"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var task verification.Task
	if err := decodeBody(r, &task); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if task.SubmittedAt.IsZero() {
		task.SubmittedAt = time.Now().UTC()
	}
	vc, err := s.manager.RunPreTask(r.Context(), task)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, vc)
}

func (s *Server) getContext(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "contextId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid contextId")
		return
	}
	vc, err := s.manager.Get(id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, vc)
}

func (s *Server) submitResult(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "contextId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid contextId")
		return
	}
	var result verification.Result
	if err := decodeBody(r, &result); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now().UTC()
	}
	verdict, err := s.manager.OnResult(r.Context(), id, result)
	if err != nil {
		if verdict != nil && security.IsKind(err, security.KindPostTaskValidationFailed) {
			respondJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"error":   string(security.KindPostTaskValidationFailed),
				"message": err.Error(),
				"verdict": verdict,
			})
			return
		}
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, verdict)
}

func (s *Server) submitClaim(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "contextId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid contextId")
		return
	}
	var req claimRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	vc, err := s.manager.Get(id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	claim := verification.Claim{
		ID:           req.ID,
		AgentID:      vc.AgentID,
		Statement:    req.Statement,
		Evidence:     req.Evidence,
		Participants: req.Participants,
	}
	resolution, err := s.manager.ValidateTruthClaim(r.Context(), id, claim)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	status := http.StatusOK
	if !resolution.Resolved {
		status = http.StatusAccepted
	}
	respondJSON(w, status, resolution)
}

func (s *Server) awaitConsensus(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "contextId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid contextId")
		return
	}
	resolution, err := s.manager.AwaitConsensus(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resolution)
}

func (s *Server) requestAttestation(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "contextId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid contextId")
		return
	}
	var req attestationRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	signatureID, err := s.manager.RequestAttestation(r.Context(), id, req.Signatories, req.Required)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"contextId":   id,
		"signatureId": signatureID,
	})
}

func (s *Server) awaitAttestation(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "contextId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid contextId")
		return
	}
	vc, err := s.manager.AwaitAttestation(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, vc)
}

func (s *Server) completeContext(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "contextId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid contextId")
		return
	}
	vc, err := s.manager.Complete(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, vc)
}

func (s *Server) cancelContext(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "contextId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid contextId")
		return
	}
	var req reasonRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	vc, err := s.manager.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, vc)
}

func (s *Server) rollbackContext(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "contextId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid contextId")
		return
	}
	var req reasonRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "requested by scheduler"
	}
	vc, err := s.manager.MaybeRollback(r.Context(), id, req.Reason)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, vc)
}

func (s *Server) verifyCheckpoints(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "contextId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid contextId")
		return
	}
	firstBad, err := s.manager.VerifyCheckpoints(id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"contextId": id,
		"verified":  firstBad < 0,
		"breakAt":   firstBad,
	})
}

func (s *Server) metrics(w http.ResponseWriter, _ *http.Request) {
	out := map[string]interface{}{"pipeline": s.manager.GetMetrics()}
	if s.consensus != nil {
		out["openRounds"] = s.consensus.OpenRounds()
	}
	if s.signatures != nil {
		out["pendingSignatures"] = s.signatures.Pending()
	}
	respondJSON(w, http.StatusOK, out)
}
