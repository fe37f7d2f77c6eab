package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

type voteRequest struct {
	AgentID   string `json:"agentId"`
	Vote      bool   `json:"vote"`
	Signature []byte `json:"signature"`
}

type heartbeatRequest struct {
	AgentID string `json:"agentId"`
}

type partialRequest struct {
	SignerID string `json:"signerId"`
	Partial  []byte `json:"partial"`
}

func (s *Server) getRound(w http.ResponseWriter, r *http.Request) {
	state, err := s.consensus.Round(chi.URLParam(r, "roundId"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, state)
}

func (s *Server) castVote(w http.ResponseWriter, r *http.Request) {
	roundID := chi.URLParam(r, "roundId")
	var req voteRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "agentId is required")
		return
	}
	if err := s.consensus.CastVote(r.Context(), roundID, req.AgentID, req.Vote, req.Signature); err != nil {
		respondServiceError(w, err)
		return
	}
	state, err := s.consensus.Round(roundID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"roundId": roundID,
		"phase":   state.Phase,
	})
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "agentId is required")
		return
	}
	s.consensus.Heartbeat(req.AgentID, time.Now())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getSignature(w http.ResponseWriter, r *http.Request) {
	state, err := s.signatures.State(chi.URLParam(r, "signatureId"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, state)
}

func (s *Server) submitPartial(w http.ResponseWriter, r *http.Request) {
	var req partialRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	state, err := s.signatures.SubmitPartial(r.Context(), chi.URLParam(r, "signatureId"), req.SignerID, req.Partial)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"signatureId": state.SignatureID,
		"completed":   state.Completed,
		"partials":    len(state.Partials),
		"required":    state.RequiredSignatures,
	})
}

func (s *Server) getReputation(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")
	profile, ok := s.reputation.Profile(agentID)
	if !ok {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"agentId":    agentID,
			"trustLevel": s.reputation.TrustLevel(agentID),
		})
		return
	}
	respondJSON(w, http.StatusOK, profile)
}
