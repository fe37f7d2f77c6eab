package verification

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a TaskVerificationContext.
type Status string

const (
	StatusPending           Status = "PENDING"
	StatusChecked           Status = "CHECKED"
	StatusValidated         Status = "VALIDATED"
	StatusAwaitingConsensus Status = "AWAITING_CONSENSUS"
	StatusSigned            Status = "SIGNED"
	StatusRolledBack        Status = "ROLLED_BACK"
	StatusCompleted         Status = "COMPLETED"
)

var ErrInvalidTransition = errors.New("invalid verification status transition")

var transitions = map[Status][]Status{
	StatusPending:           {StatusChecked, StatusRolledBack},
	StatusChecked:           {StatusValidated, StatusAwaitingConsensus, StatusRolledBack},
	StatusAwaitingConsensus: {StatusValidated, StatusAwaitingConsensus, StatusRolledBack},
	StatusValidated:         {StatusAwaitingConsensus, StatusSigned, StatusCompleted, StatusRolledBack},
	StatusSigned:            {StatusCompleted, StatusRolledBack},
	StatusRolledBack:        {},
	StatusCompleted:         {},
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusRolledBack
}

// CanTransitionTo validates a status transition.
func (s Status) CanTransitionTo(target Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// Task is the unit of agent work submitted by the external scheduler.
type Task struct {
	ID                 string            `json:"id"`
	AgentID            string            `json:"agentId"`
	Kind               string            `json:"kind,omitempty"`
	Input              json.RawMessage   `json:"input,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	RequireAttestation bool              `json:"requireAttestation,omitempty"`
	SubmittedAt        time.Time         `json:"submittedAt"`
}

// Result is what the agent produced for a task.
type Result struct {
	Success     bool            `json:"success"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	CompletedAt time.Time       `json:"completedAt"`
}

// Claim is an agent-produced assertion that needs independent verification.
type Claim struct {
	ID           string          `json:"id"`
	AgentID      string          `json:"agentId"`
	Statement    string          `json:"statement"`
	Evidence     json.RawMessage `json:"evidence,omitempty"`
	Participants []string        `json:"participants,omitempty"`
}

// Context is a TaskVerificationContext. Consensus rounds and signatures are
// referenced by id only.
type Context struct {
	ID          uuid.UUID    `json:"id"`
	TaskID      string       `json:"taskId"`
	AgentID     string       `json:"agentId"`
	Task        Task         `json:"task"`
	Result      *Result      `json:"result,omitempty"`
	Claim       *Claim       `json:"claim,omitempty"`
	Status      Status       `json:"status"`
	Checkpoints []Checkpoint `json:"checkpoints"`
	RoundID     string       `json:"roundId,omitempty"`
	SignatureID string       `json:"signatureId,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	FinishedAt  *time.Time   `json:"finishedAt,omitempty"`
}

// NewContext creates a PENDING context for task.
func NewContext(task Task, now time.Time) *Context {
	return &Context{
		ID:        uuid.New(),
		TaskID:    task.ID,
		AgentID:   task.AgentID,
		Task:      task,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the context to target. Terminal states record FinishedAt.
func (c *Context) Transition(target Status, now time.Time) error {
	if !c.Status.CanTransitionTo(target) {
		return ErrInvalidTransition
	}
	c.Status = target
	c.UpdatedAt = now
	if target.IsTerminal() {
		finished := now
		c.FinishedAt = &finished
	}
	return nil
}

// LastCommit returns the commitment of the newest checkpoint.
func (c *Context) LastCommit() string {
	if len(c.Checkpoints) == 0 {
		return ""
	}
	return c.Checkpoints[len(c.Checkpoints)-1].Commit
}

// Clone returns a copy that shares no mutable state with c.
func (c *Context) Clone() *Context {
	cp := *c
	cp.Checkpoints = append([]Checkpoint(nil), c.Checkpoints...)
	if c.Result != nil {
		r := *c.Result
		cp.Result = &r
	}
	if c.Claim != nil {
		cl := *c.Claim
		cl.Participants = append([]string(nil), c.Claim.Participants...)
		cp.Claim = &cl
	}
	if c.FinishedAt != nil {
		f := *c.FinishedAt
		cp.FinishedAt = &f
	}
	return &cp
}

// Verdict is the outcome of a post-task validation run.
type Verdict struct {
	ContextID uuid.UUID         `json:"contextId"`
	Passed    bool              `json:"passed"`
	Failures  []string          `json:"failures,omitempty"`
	Advisory  []string          `json:"advisoryFailures,omitempty"`
	Reasons   map[string]string `json:"reasons,omitempty"`
}

// ClaimResolution is either resolved (Valid set) or pending on RoundID.
type ClaimResolution struct {
	ContextID uuid.UUID `json:"contextId"`
	Resolved  bool      `json:"resolved"`
	Valid     bool      `json:"valid"`
	RoundID   string    `json:"roundId,omitempty"`
}
