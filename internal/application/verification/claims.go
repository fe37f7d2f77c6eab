package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	appConsensus "github.com/execution-hub/verification-gate/internal/application/consensus"
	"github.com/execution-hub/verification-gate/internal/domain/consensus"
	"github.com/execution-hub/verification-gate/internal/domain/security"
	"github.com/execution-hub/verification-gate/internal/domain/verification"
)

// ValidateTruthClaim runs the truth validators in order. A mandatory
// rejection resolves the claim invalid and rolls the context back. When a
// validator asks for multi-agent agreement a consensus round is proposed and
// the context waits in AWAITING_CONSENSUS.
func (m *Manager) ValidateTruthClaim(ctx context.Context, contextID uuid.UUID, claim verification.Claim) (*verification.ClaimResolution, error) {
	m.freeze()
	if len(m.truth) == 0 {
		return nil, ErrNoTruthValidators
	}
	e, err := m.lookup(contextID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	vc := e.vc
	switch vc.Status {
	case verification.StatusChecked, verification.StatusValidated:
	case verification.StatusAwaitingConsensus:
		if e.awaiting {
			return nil, ErrRoundPending
		}
	default:
		return nil, fmt.Errorf("%w: context %s is %s", verification.ErrInvalidTransition, contextID, vc.Status)
	}
	if claim.ID == "" {
		claim.ID = uuid.NewString()
	}
	if claim.AgentID == "" {
		claim.AgentID = vc.AgentID
	}
	vc.Claim = &claim

	if err := m.before(ctx, verification.StageTruth, vc); err != nil {
		return m.rejectClaim(ctx, e, "plugin", err.Error())
	}

	needsVote := false
	participants := append([]string(nil), claim.Participants...)
	for _, v := range m.truth {
		res, err := v.cap.ValidateClaim(ctx, vc.Task, claim)
		if err != nil {
			res = verification.TruthResult{CheckResult: verification.Fail(err.Error())}
		}
		if res.RequiresConsensus {
			needsVote = true
			participants = append(participants, res.Participants...)
			m.chain.Append(vc, verification.StageTruth, v.name, true, "consensus requested", m.now())
			continue
		}
		m.chain.Append(vc, verification.StageTruth, v.name, res.Passed, res.Reason, m.now())
		if !res.Passed && !v.advisory {
			return m.rejectClaim(ctx, e, v.name, res.Reason)
		}
	}

	resolution := &verification.ClaimResolution{ContextID: vc.ID}
	if !needsVote {
		if vc.Status != verification.StatusValidated {
			if err := m.transition(e, verification.StatusValidated); err != nil {
				return nil, err
			}
		}
		resolution.Resolved = true
		resolution.Valid = true
		m.after(ctx, verification.StageTruth, vc)
		return resolution, nil
	}

	if m.deps.Consensus == nil {
		return nil, ErrConsensusUnavailable
	}
	payload, err := json.Marshal(claim)
	if err != nil {
		return nil, fmt.Errorf("failed to encode claim: %w", err)
	}
	roundID, err := m.deps.Consensus.ProposeRound(ctx, claim.ID, participants, payload)
	if err != nil {
		return nil, err
	}
	if vc.Status != verification.StatusAwaitingConsensus {
		if err := m.transition(e, verification.StatusAwaitingConsensus); err != nil {
			return nil, err
		}
	}
	vc.RoundID = roundID
	e.awaiting = true
	m.chain.Append(vc, verification.StageConsensus, "engine", true, "round "+roundID+" proposed", m.now())
	m.after(ctx, verification.StageTruth, vc)

	m.logger.Info().Str("contextId", vc.ID.String()).Str("roundId", roundID).Msg("truth claim awaiting consensus")
	resolution.RoundID = roundID
	return resolution, nil
}

// rejectClaim resolves the claim invalid and rolls the context back; e.mu must be held.
func (m *Manager) rejectClaim(ctx context.Context, e *entry, validator, reason string) (*verification.ClaimResolution, error) {
	err := fmt.Errorf("truth claim rejected by %s: %s", validator, reason)
	m.onError(ctx, verification.StageTruth, e.vc, err)
	m.rollbackLocked(ctx, e, err.Error())
	return &verification.ClaimResolution{ContextID: e.vc.ID, Resolved: true, Valid: false}, nil
}

// AwaitConsensus suspends the caller until the context's round resolves.
// Reached validates the context, Rejected rolls it back and Failed returns
// CONSENSUS_FAILED while the context stays in AWAITING_CONSENSUS so a new
// claim can be put to another round.
func (m *Manager) AwaitConsensus(ctx context.Context, contextID uuid.UUID) (*verification.ClaimResolution, error) {
	if m.deps.Consensus == nil {
		return nil, ErrConsensusUnavailable
	}
	e, err := m.lookup(contextID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	roundID := e.vc.RoundID
	pending := e.awaiting && e.vc.Status == verification.StatusAwaitingConsensus
	e.mu.Unlock()
	if !pending {
		return nil, ErrNoPendingRound
	}

	state, err := m.waitRound(ctx, roundID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	vc := e.vc
	if vc.RoundID != roundID || !e.awaiting {
		if vc.Status.IsTerminal() {
			return nil, ErrContextTerminal
		}
		return nil, ErrNoPendingRound
	}
	e.awaiting = false
	resolution := &verification.ClaimResolution{ContextID: vc.ID, RoundID: roundID}
	tally := state.Tally()
	evidence := fmt.Sprintf("phase=%s true=%d counted=%d", state.Phase, tally.TrueVotes, tally.Counted)

	switch state.Phase {
	case consensus.PhaseReached:
		m.chain.Append(vc, verification.StageConsensus, "engine", true, evidence, m.now())
		if err := m.transition(e, verification.StatusValidated); err != nil {
			return nil, err
		}
		resolution.Resolved = true
		resolution.Valid = true
		return resolution, nil
	case consensus.PhaseRejected:
		m.chain.Append(vc, verification.StageConsensus, "engine", false, evidence, m.now())
		m.rollbackLocked(ctx, e, "consensus rejected claim in round "+roundID)
		resolution.Resolved = true
		return resolution, nil
	default:
		m.chain.Append(vc, verification.StageConsensus, "engine", false, evidence, m.now())
		cerr := appConsensus.AsConsensusError(state)
		m.onError(ctx, verification.StageConsensus, vc, cerr)
		return resolution, cerr
	}
}

// waitRound waits for the round, evaluating it with the votes cast so far
// once the consensus timeout elapses.
func (m *Manager) waitRound(ctx context.Context, roundID string) (*consensus.State, error) {
	if m.cfg.ConsensusTimeout <= 0 {
		return m.deps.Consensus.Wait(ctx, roundID)
	}
	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.ConsensusTimeout)
	defer cancel()
	state, err := m.deps.Consensus.Wait(waitCtx, roundID)
	if err == nil {
		return state, nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		m.logger.Warn().Str("roundId", roundID).Dur("timeout", m.cfg.ConsensusTimeout).Msg("consensus timed out; evaluating votes cast")
		return m.deps.Consensus.Evaluate(ctx, roundID)
	}
	return nil, err
}

// RequestAttestation asks the signatories for a threshold signature over the
// context's latest checkpoint commitment.
func (m *Manager) RequestAttestation(ctx context.Context, contextID uuid.UUID, signatories []string, required int) (string, error) {
	if m.deps.Signatures == nil {
		return "", ErrSignaturesUnavailable
	}
	e, err := m.lookup(contextID)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	vc := e.vc
	if vc.Status != verification.StatusValidated {
		return "", fmt.Errorf("%w: context %s is %s", verification.ErrInvalidTransition, contextID, vc.Status)
	}
	if err := m.before(ctx, verification.StageAttestation, vc); err != nil {
		m.onError(ctx, verification.StageAttestation, vc, err)
		return "", err
	}
	sigID, err := m.deps.Signatures.RequestSignature(ctx, AttestationMessage(vc), required, signatories)
	if err != nil {
		return "", err
	}
	vc.SignatureID = sigID
	m.chain.Append(vc, verification.StageAttestation, "coordinator", true, "signature "+sigID+" requested", m.now())
	m.logger.Info().Str("contextId", vc.ID.String()).Str("signatureId", sigID).Int("required", required).Msg("attestation requested")
	return sigID, nil
}

// AttestationMessage is the byte string signatories sign for a context.
func AttestationMessage(vc *verification.Context) []byte {
	return []byte(strings.Join([]string{vc.ID.String(), vc.TaskID, vc.LastCommit()}, ":"))
}

// AwaitAttestation waits for the attestation quorum, verifies the final
// signature and moves the context to SIGNED.
func (m *Manager) AwaitAttestation(ctx context.Context, contextID uuid.UUID) (*verification.Context, error) {
	if m.deps.Signatures == nil {
		return nil, ErrSignaturesUnavailable
	}
	e, err := m.lookup(contextID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	sigID := e.vc.SignatureID
	e.mu.Unlock()
	if sigID == "" {
		return nil, fmt.Errorf("%w: no attestation requested", verification.ErrInvalidTransition)
	}

	state, err := m.deps.Signatures.Wait(ctx, sigID)
	if err != nil {
		return nil, err
	}
	ok, err := m.deps.Signatures.VerifyFinal(ctx, state)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	vc := e.vc
	if vc.SignatureID != sigID {
		return nil, fmt.Errorf("%w: attestation superseded", verification.ErrInvalidTransition)
	}
	if !ok {
		serr := security.SignatureError(sigID, security.SignatureInvalid, "final signature does not verify")
		m.chain.Append(vc, verification.StageAttestation, "coordinator", false, "final signature invalid", m.now())
		m.onError(ctx, verification.StageAttestation, vc, serr)
		return nil, serr
	}
	if vc.Status == verification.StatusSigned {
		return vc.Clone(), nil
	}
	m.chain.Append(vc, verification.StageAttestation, "coordinator", true, state.FinalHex(), m.now())
	if err := m.transition(e, verification.StatusSigned); err != nil {
		return nil, err
	}
	m.after(ctx, verification.StageAttestation, vc)
	m.logger.Info().Str("contextId", vc.ID.String()).Str("signatureId", sigID).Strs("signers", state.Signers()).Msg("context attested")
	return vc.Clone(), nil
}

// Complete finishes a validated (or signed) context.
func (m *Manager) Complete(ctx context.Context, contextID uuid.UUID) (*verification.Context, error) {
	e, err := m.lookup(contextID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	vc := e.vc
	if vc.Task.RequireAttestation && vc.Status == verification.StatusValidated {
		return nil, ErrAttestationRequired
	}
	if err := m.before(ctx, verification.StageCompletion, vc); err != nil {
		m.onError(ctx, verification.StageCompletion, vc, err)
		return nil, err
	}
	if !vc.Status.CanTransitionTo(verification.StatusCompleted) {
		return nil, fmt.Errorf("%w: context %s is %s", verification.ErrInvalidTransition, contextID, vc.Status)
	}
	m.chain.Append(vc, verification.StageCompletion, "manager", true, "", m.now())
	if err := m.transition(e, verification.StatusCompleted); err != nil {
		return nil, err
	}
	m.stats.add(func(s *stats) { s.completed++ })
	m.record(ctx, security.NewEvent(security.SeverityInfo, vc.AgentID, security.TaskCompletedEvidence{
		TaskID:      vc.TaskID,
		SignatureID: vc.SignatureID,
		DurationMs:  vc.FinishedAt.Sub(vc.CreatedAt).Milliseconds(),
	}).WithContext(vc.ID.String()))
	m.after(ctx, verification.StageCompletion, vc)
	m.logger.Info().Str("contextId", vc.ID.String()).Str("taskId", vc.TaskID).Msg("context completed")
	return vc.Clone(), nil
}
