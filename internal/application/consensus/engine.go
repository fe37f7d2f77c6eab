package consensus

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/execution-hub/verification-gate/internal/domain/consensus"
	"github.com/execution-hub/verification-gate/internal/domain/security"
)

// AuditLog is the subset of the audit trail the engine writes to.
type AuditLog interface {
	Append(ctx context.Context, event *security.Event) (int64, error)
}

// KeyResolver returns an agent's registered ed25519 public key.
type KeyResolver interface {
	PublicKey(ctx context.Context, agentID string) (ed25519.PublicKey, error)
}

// ByzantineReporter receives Byzantine flags, typically the reputation tracker.
type ByzantineReporter interface {
	FlagByzantine(agentID, reason string) float64
}

// Config holds the Byzantine-tolerance parameters.
type Config struct {
	Threshold          float64
	HeartbeatInterval  time.Duration
	SuspicionThreshold int
}

type round struct {
	mu    sync.Mutex
	state *consensus.State
	done  chan struct{}
}

// Engine runs Byzantine-tolerant voting rounds. Rounds are independent;
// votes within one round are serialized on the round lock.
type Engine struct {
	cfg        Config
	keys       KeyResolver
	audit      AuditLog
	reputation ByzantineReporter
	logger     zerolog.Logger
	now        func() time.Time

	mu     sync.RWMutex
	rounds map[string]*round

	// last liveness signal per agent, from heartbeats and signed votes
	hbMu       sync.Mutex
	heartbeats map[string]time.Time
}

// NewEngine creates an engine. audit and reputation may be nil.
func NewEngine(cfg Config, keys KeyResolver, audit AuditLog, reputation ByzantineReporter, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		keys:       keys,
		audit:      audit,
		reputation: reputation,
		logger:     logger.With().Str("service", "consensus").Logger(),
		now:        time.Now,
		rounds:     make(map[string]*round),
		heartbeats: make(map[string]time.Time),
	}
}

// ProposeRound opens a voting round and returns its id.
func (e *Engine) ProposeRound(ctx context.Context, proposalID string, participants []string, claim json.RawMessage) (string, error) {
	now := e.now()
	roundID := uuid.NewString()
	state, err := consensus.NewState(roundID, proposalID, participants, claim, e.cfg.Threshold, now)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	e.rounds[roundID] = &round{state: state, done: make(chan struct{})}
	e.mu.Unlock()

	e.logger.Info().
		Str("roundId", roundID).
		Str("proposalId", proposalID).
		Int("participants", len(state.Participants)).
		Msg("consensus round proposed")
	return roundID, nil
}

func (e *Engine) lookup(roundID string) (*round, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rounds[roundID]
	if !ok {
		return nil, consensus.ErrRoundNotFound
	}
	return r, nil
}

// CastVote records a signed vote. A changed vote is recorded but marks the
// agent Byzantine-suspected; an identical re-vote is a no-op.
func (e *Engine) CastVote(ctx context.Context, roundID, agentID string, vote bool, signature []byte) error {
	r, err := e.lookup(roundID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	proposalID := r.state.ProposalID
	isParticipant := r.state.IsParticipant(agentID)
	r.mu.Unlock()
	if !isParticipant {
		return fmt.Errorf("%w: %s", consensus.ErrNotParticipant, agentID)
	}

	v := consensus.Vote{RoundID: roundID, ProposalID: proposalID, AgentID: agentID, Value: vote, Signature: signature, CastAt: e.now()}
	pub, err := e.keys.PublicKey(ctx, agentID)
	if err != nil {
		return fmt.Errorf("%w: %v", consensus.ErrInvalidVote, err)
	}
	if err := v.Verify(pub); err != nil {
		return fmt.Errorf("%w: %v", consensus.ErrInvalidVote, err)
	}
	e.Heartbeat(agentID, v.CastAt)

	r.mu.Lock()
	if r.state.IsTerminal() {
		r.mu.Unlock()
		return consensus.ErrRoundClosed
	}
	prev, voted := r.state.Votes[agentID]
	if voted && prev == vote {
		r.mu.Unlock()
		return nil
	}
	equivocated := voted && !r.state.Suspected[agentID]
	if voted {
		v.Suspected = true
		r.state.Suspected[agentID] = true
	}
	r.state.Votes[agentID] = vote
	r.state.History = append(r.state.History, v)

	var closed *consensus.State
	if r.state.AllVoted() {
		closed = e.closeLocked(r)
	}
	r.mu.Unlock()

	e.record(ctx, security.NewEvent(security.SeverityInfo, agentID, security.VoteRecordedEvidence{RoundID: roundID, Vote: vote}))
	if equivocated {
		e.reportByzantine(ctx, agentID, security.SeverityCritical, "vote contradicts previously signed vote", security.ByzantineEvidence{
			RoundID:      roundID,
			Reason:       "equivocation",
			PreviousVote: &prev,
			NewVote:      &vote,
		})
	}
	if closed != nil {
		e.announce(ctx, closed)
	}
	return nil
}

// closeLocked finalizes the round; r.mu must be held.
func (e *Engine) closeLocked(r *round) *consensus.State {
	if err := r.state.Close(e.now()); err != nil {
		return nil
	}
	close(r.done)
	return r.state.Clone()
}

// Evaluate finalizes the round with the votes cast so far. Evaluating a
// closed round returns its terminal state unchanged.
func (e *Engine) Evaluate(ctx context.Context, roundID string) (*consensus.State, error) {
	r, err := e.lookup(roundID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if r.state.IsTerminal() {
		s := r.state.Clone()
		r.mu.Unlock()
		return s, nil
	}
	closed := e.closeLocked(r)
	r.mu.Unlock()

	e.announce(ctx, closed)
	return closed, nil
}

func (e *Engine) announce(ctx context.Context, s *consensus.State) {
	tally := s.Tally()
	evidence := security.ConsensusEvidence{
		RoundID:    s.RoundID,
		ProposalID: s.ProposalID,
		TrueVotes:  tally.TrueVotes,
		TotalVotes: tally.Counted,
		Threshold:  s.Threshold,
		Result:     s.Result,
		Suspected:  s.SuspectedIDs(),
		Reason:     s.Reason,
	}
	if s.ConsensusReached {
		e.logger.Info().Str("roundId", s.RoundID).Int("trueVotes", tally.TrueVotes).Int("counted", tally.Counted).Msg("consensus reached")
		e.record(ctx, security.NewEvent(security.SeverityInfo, "", security.ConsensusReachedEvidence{ConsensusEvidence: evidence}))
		return
	}
	e.logger.Warn().Str("roundId", s.RoundID).Str("phase", string(s.Phase)).Str("reason", s.Reason).Msg("consensus not reached")
	e.record(ctx, security.NewEvent(security.SeverityWarning, "", security.ConsensusFailedEvidence{ConsensusEvidence: evidence}))
}

// Wait blocks until the round is terminal or ctx is done.
func (e *Engine) Wait(ctx context.Context, roundID string) (*consensus.State, error) {
	r, err := e.lookup(roundID)
	if err != nil {
		return nil, err
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone(), nil
}

// Round returns a snapshot of the round.
func (e *Engine) Round(roundID string) (*consensus.State, error) {
	r, err := e.lookup(roundID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone(), nil
}

// Heartbeat records liveness of an agent.
func (e *Engine) Heartbeat(agentID string, now time.Time) {
	e.hbMu.Lock()
	defer e.hbMu.Unlock()
	if now.After(e.heartbeats[agentID]) {
		e.heartbeats[agentID] = now
	}
}

type suspicion struct {
	agentID string
	roundID string
	missed  int
}

// CheckHeartbeats suspects every participant of an open round that missed
// more than SuspicionThreshold heartbeat intervals since the later of the
// round start and its last liveness signal. Each agent is suspected at most
// once per round. It returns the agents newly suspected by this sweep.
func (e *Engine) CheckHeartbeats(ctx context.Context, now time.Time) []string {
	if e.cfg.HeartbeatInterval <= 0 {
		return nil
	}

	e.hbMu.Lock()
	lastSeen := make(map[string]time.Time, len(e.heartbeats))
	for agent, seen := range e.heartbeats {
		lastSeen[agent] = seen
	}
	e.hbMu.Unlock()

	e.mu.RLock()
	rounds := make([]*round, 0, len(e.rounds))
	for _, r := range e.rounds {
		rounds = append(rounds, r)
	}
	e.mu.RUnlock()

	var found []suspicion
	var closed []*consensus.State
	for _, r := range rounds {
		r.mu.Lock()
		if r.state.IsTerminal() {
			r.mu.Unlock()
			continue
		}
		for _, agent := range r.state.Participants {
			if r.state.Suspected[agent] {
				continue
			}
			since := r.state.CreatedAt
			if seen := lastSeen[agent]; seen.After(since) {
				since = seen
			}
			missed := int(now.Sub(since) / e.cfg.HeartbeatInterval)
			if missed > e.cfg.SuspicionThreshold {
				r.state.Suspected[agent] = true
				found = append(found, suspicion{agentID: agent, roundID: r.state.RoundID, missed: missed})
			}
		}
		if r.state.AllVoted() {
			if s := e.closeLocked(r); s != nil {
				closed = append(closed, s)
			}
		}
		r.mu.Unlock()
	}

	var out []string
	seen := make(map[string]bool, len(found))
	for _, f := range found {
		e.reportByzantine(ctx, f.agentID, security.SeverityHigh, "missed heartbeats", security.ByzantineEvidence{
			RoundID:          f.roundID,
			Reason:           "heartbeat",
			MissedHeartbeats: f.missed,
		})
		if !seen[f.agentID] {
			seen[f.agentID] = true
			out = append(out, f.agentID)
		}
	}
	for _, s := range closed {
		e.announce(ctx, s)
	}
	return out
}

func (e *Engine) reportByzantine(ctx context.Context, agentID string, severity security.Severity, reason string, evidence security.ByzantineEvidence) {
	e.logger.Error().
		Str("agentId", agentID).
		Str("roundId", evidence.RoundID).
		Str("reason", evidence.Reason).
		Msg("byzantine behavior detected")
	e.record(ctx, security.NewEvent(severity, agentID, evidence))
	if e.reputation != nil {
		e.reputation.FlagByzantine(agentID, reason)
	}
}

// OpenRounds counts rounds still voting.
func (e *Engine) OpenRounds() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, r := range e.rounds {
		r.mu.Lock()
		if !r.state.IsTerminal() {
			n++
		}
		r.mu.Unlock()
	}
	return n
}

// Prune removes rounds created at least maxAge ago. Stale open rounds are
// closed first so their waiters are released. maxAge 0 removes every round.
// Liveness records of agents left in no round are dropped.
func (e *Engine) Prune(ctx context.Context, maxAge time.Duration) int {
	now := e.now()
	e.mu.RLock()
	stale := make(map[string]*round)
	for id, r := range e.rounds {
		r.mu.Lock()
		if now.Sub(r.state.CreatedAt) >= maxAge {
			stale[id] = r
		}
		r.mu.Unlock()
	}
	e.mu.RUnlock()

	for _, r := range stale {
		r.mu.Lock()
		var closed *consensus.State
		if !r.state.IsTerminal() {
			closed = e.closeLocked(r)
		}
		r.mu.Unlock()
		if closed != nil {
			e.announce(ctx, closed)
		}
	}

	e.mu.Lock()
	for id := range stale {
		delete(e.rounds, id)
	}
	remaining := make([]*round, 0, len(e.rounds))
	for _, r := range e.rounds {
		remaining = append(remaining, r)
	}
	e.mu.Unlock()

	active := make(map[string]bool)
	for _, r := range remaining {
		r.mu.Lock()
		for _, p := range r.state.Participants {
			active[p] = true
		}
		r.mu.Unlock()
	}
	e.hbMu.Lock()
	for agent := range e.heartbeats {
		if !active[agent] {
			delete(e.heartbeats, agent)
		}
	}
	e.hbMu.Unlock()
	return len(stale)
}

func (e *Engine) record(ctx context.Context, event *security.Event) {
	if e.audit == nil {
		return
	}
	if _, err := e.audit.Append(ctx, event); err != nil {
		e.logger.Error().Err(err).Str("eventType", string(event.Type)).Msg("failed to record audit event")
	}
}

// AsConsensusError converts a non-reached terminal state into CONSENSUS_FAILED.
func AsConsensusError(s *consensus.State) error {
	if s == nil || s.ConsensusReached || s.Phase == consensus.PhaseRejected {
		return nil
	}
	return security.ConsensusFailed(s.RoundID, s.Reason)
}
