package verification

import (
	"context"

	"github.com/google/uuid"
)

// CheckResult is the fixed output contract of every checker and validator.
type CheckResult struct {
	Passed   bool           `json:"passed"`
	Reason   string         `json:"reason,omitempty"`
	Evidence map[string]any `json:"evidence,omitempty"`
}

// Pass and Fail are shorthands for building results.
func Pass() CheckResult { return CheckResult{Passed: true} }

func Fail(reason string) CheckResult { return CheckResult{Passed: false, Reason: reason} }

// PreTaskChecker decides whether a task may start.
type PreTaskChecker interface {
	Check(ctx context.Context, task Task) (CheckResult, error)
}

// PostTaskValidator judges a finished task's result.
type PostTaskValidator interface {
	Validate(ctx context.Context, task Task, result Result) (CheckResult, error)
}

// TruthResult extends CheckResult for claims. When RequiresConsensus is set
// the claim is put to a vote among Participants and Passed is ignored.
type TruthResult struct {
	CheckResult
	RequiresConsensus bool     `json:"requiresConsensus,omitempty"`
	Participants      []string `json:"participants,omitempty"`
}

// TruthValidator judges an agent's truth claim.
type TruthValidator interface {
	ValidateClaim(ctx context.Context, task Task, claim Claim) (TruthResult, error)
}

// RollbackRequest describes the context being rolled back.
type RollbackRequest struct {
	ContextID      uuid.UUID
	Task           Task
	Result         *Result
	Reason         string
	PreviousStatus Status
}

// RollbackTrigger executes a compensating action.
type RollbackTrigger interface {
	Rollback(ctx context.Context, req RollbackRequest) error
}

type PreTaskCheckerFunc func(ctx context.Context, task Task) (CheckResult, error)

func (f PreTaskCheckerFunc) Check(ctx context.Context, task Task) (CheckResult, error) {
	return f(ctx, task)
}

type PostTaskValidatorFunc func(ctx context.Context, task Task, result Result) (CheckResult, error)

func (f PostTaskValidatorFunc) Validate(ctx context.Context, task Task, result Result) (CheckResult, error) {
	return f(ctx, task, result)
}

type TruthValidatorFunc func(ctx context.Context, task Task, claim Claim) (TruthResult, error)

func (f TruthValidatorFunc) ValidateClaim(ctx context.Context, task Task, claim Claim) (TruthResult, error) {
	return f(ctx, task, claim)
}

type RollbackTriggerFunc func(ctx context.Context, req RollbackRequest) error

func (f RollbackTriggerFunc) Rollback(ctx context.Context, req RollbackRequest) error {
	return f(ctx, req)
}

// Plugin observes every pipeline stage. Before runs in registration order and
// an error aborts the stage as a hard failure. After runs in reverse order.
// OnError runs in registration order.
type Plugin interface {
	Name() string
	Before(ctx context.Context, stage Stage, vc *Context) error
	After(ctx context.Context, stage Stage, vc *Context)
	OnError(ctx context.Context, stage Stage, vc *Context, err error)
}

// PluginFuncs adapts optional functions to Plugin.
type PluginFuncs struct {
	PluginName string
	BeforeFn   func(ctx context.Context, stage Stage, vc *Context) error
	AfterFn    func(ctx context.Context, stage Stage, vc *Context)
	OnErrorFn  func(ctx context.Context, stage Stage, vc *Context, err error)
}

func (p PluginFuncs) Name() string { return p.PluginName }

func (p PluginFuncs) Before(ctx context.Context, stage Stage, vc *Context) error {
	if p.BeforeFn == nil {
		return nil
	}
	return p.BeforeFn(ctx, stage, vc)
}

func (p PluginFuncs) After(ctx context.Context, stage Stage, vc *Context) {
	if p.AfterFn != nil {
		p.AfterFn(ctx, stage, vc)
	}
}

func (p PluginFuncs) OnError(ctx context.Context, stage Stage, vc *Context, err error) {
	if p.OnErrorFn != nil {
		p.OnErrorFn(ctx, stage, vc, err)
	}
}
