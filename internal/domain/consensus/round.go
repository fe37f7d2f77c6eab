package consensus

import (
	"encoding/json"
	"errors"
	"sort"
	"time"
)

// Phase is the lifecycle of a ConsensusState.
type Phase string

const (
	PhaseVoting Phase = "VOTING"
	// PhaseReached: the true side crossed the threshold with quorum.
	PhaseReached Phase = "REACHED"
	// PhaseRejected: the false side crossed the threshold with quorum.
	PhaseRejected Phase = "REJECTED"
	// PhaseFailed: the round closed undecided.
	PhaseFailed Phase = "FAILED"
)

// ratioEpsilon makes an exact-threshold tie resolve to not reached.
const ratioEpsilon = 1e-9

var (
	ErrRoundNotFound  = errors.New("consensus round not found")
	ErrRoundClosed    = errors.New("consensus round is closed")
	ErrNotParticipant = errors.New("agent is not a participant of the round")
	ErrNoParticipants = errors.New("round requires at least one participant")
	ErrInvalidVote    = errors.New("invalid vote signature")
)

// State is a ConsensusState. Terminal states are never mutated.
type State struct {
	RoundID          string          `json:"roundId"`
	ProposalID       string          `json:"proposalId"`
	Claim            json.RawMessage `json:"claim,omitempty"`
	Participants     []string        `json:"participants"`
	Votes            map[string]bool `json:"votes"`
	History          []Vote          `json:"history"`
	Suspected        map[string]bool `json:"suspected"`
	Threshold        float64         `json:"threshold"`
	Phase            Phase           `json:"phase"`
	ConsensusReached bool            `json:"consensusReached"`
	Result           *bool           `json:"result,omitempty"`
	Reason           string          `json:"reason,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	ClosedAt         *time.Time      `json:"closedAt,omitempty"`
}

// NewState opens a voting round. Duplicate participants are collapsed.
func NewState(roundID, proposalID string, participants []string, claim json.RawMessage, threshold float64, now time.Time) (*State, error) {
	seen := make(map[string]struct{}, len(participants))
	unique := make([]string, 0, len(participants))
	for _, p := range participants {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		unique = append(unique, p)
	}
	if len(unique) == 0 {
		return nil, ErrNoParticipants
	}
	return &State{
		RoundID:      roundID,
		ProposalID:   proposalID,
		Claim:        claim,
		Participants: unique,
		Votes:        make(map[string]bool, len(unique)),
		Suspected:    make(map[string]bool),
		Threshold:    threshold,
		Phase:        PhaseVoting,
		CreatedAt:    now,
	}, nil
}

// IsTerminal reports whether the round is closed.
func (s *State) IsTerminal() bool { return s.Phase != PhaseVoting }

// IsParticipant reports whether agentID may vote.
func (s *State) IsParticipant(agentID string) bool {
	for _, p := range s.Participants {
		if p == agentID {
			return true
		}
	}
	return false
}

// AllVoted reports whether every non-suspected participant has a vote.
func (s *State) AllVoted() bool {
	for _, p := range s.Participants {
		if s.Suspected[p] {
			continue
		}
		if _, ok := s.Votes[p]; !ok {
			return false
		}
	}
	return true
}

// SuspectedIDs returns suspected agents in sorted order.
func (s *State) SuspectedIDs() []string {
	out := make([]string, 0, len(s.Suspected))
	for id := range s.Suspected {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// FaultTolerance is f = floor((n-1)/3).
func FaultTolerance(n int) int {
	if n < 1 {
		return 0
	}
	return (n - 1) / 3
}

// Tally counts only votes of non-suspected participants.
type Tally struct {
	TrueVotes  int
	FalseVotes int
	Counted    int
	Suspected  int
	Quorum     int
}

func (s *State) Tally() Tally {
	t := Tally{
		Suspected: len(s.Suspected),
		Quorum:    2*FaultTolerance(len(s.Participants)) + 1,
	}
	for agent, v := range s.Votes {
		if s.Suspected[agent] {
			continue
		}
		t.Counted++
		if v {
			t.TrueVotes++
		} else {
			t.FalseVotes++
		}
	}
	return t
}

// Outcome computes the decision the round would close with now.
func (s *State) Outcome() (Phase, string) {
	t := s.Tally()
	n := len(s.Participants)
	switch {
	case 3*t.Suspected >= n:
		return PhaseFailed, "suspected participants reach n/3"
	case t.Counted < t.Quorum:
		return PhaseFailed, "quorum not met"
	}
	trueRatio := float64(t.TrueVotes) / float64(t.Counted)
	falseRatio := float64(t.FalseVotes) / float64(t.Counted)
	switch {
	case trueRatio-s.Threshold > ratioEpsilon:
		return PhaseReached, ""
	case falseRatio-s.Threshold > ratioEpsilon:
		return PhaseRejected, "claim refuted"
	default:
		return PhaseFailed, "threshold not crossed"
	}
}

// Close finalizes the round. Closing a terminal round is an error.
func (s *State) Close(now time.Time) error {
	if s.IsTerminal() {
		return ErrRoundClosed
	}
	phase, reason := s.Outcome()
	s.Phase = phase
	s.Reason = reason
	switch phase {
	case PhaseReached:
		s.ConsensusReached = true
		v := true
		s.Result = &v
	case PhaseRejected:
		v := false
		s.Result = &v
	}
	closed := now
	s.ClosedAt = &closed
	return nil
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	cp := *s
	cp.Participants = append([]string(nil), s.Participants...)
	cp.History = append([]Vote(nil), s.History...)
	cp.Votes = make(map[string]bool, len(s.Votes))
	for k, v := range s.Votes {
		cp.Votes[k] = v
	}
	cp.Suspected = make(map[string]bool, len(s.Suspected))
	for k, v := range s.Suspected {
		cp.Suspected[k] = v
	}
	if s.Result != nil {
		r := *s.Result
		cp.Result = &r
	}
	if s.ClosedAt != nil {
		c := *s.ClosedAt
		cp.ClosedAt = &c
	}
	return &cp
}
