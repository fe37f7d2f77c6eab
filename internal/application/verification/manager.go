package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/execution-hub/verification-gate/internal/application/ratelimit"
	appReputation "github.com/execution-hub/verification-gate/internal/application/reputation"
	"github.com/execution-hub/verification-gate/internal/domain/audit"
	"github.com/execution-hub/verification-gate/internal/domain/consensus"
	"github.com/execution-hub/verification-gate/internal/domain/reputation"
	"github.com/execution-hub/verification-gate/internal/domain/security"
	"github.com/execution-hub/verification-gate/internal/domain/signature"
	"github.com/execution-hub/verification-gate/internal/domain/verification"
)

var (
	ErrContextNotFound       = errors.New("verification context not found")
	ErrContextTerminal       = errors.New("verification context is terminal")
	ErrRegistryFrozen        = errors.New("registrations are frozen once verification has started")
	ErrDuplicateName         = errors.New("capability name already registered")
	ErrInvalidTask           = errors.New("task id and agent id are required")
	ErrNoTruthValidators     = errors.New("no truth validators registered")
	ErrNoPendingRound        = errors.New("context has no pending consensus round")
	ErrRoundPending          = errors.New("context is already awaiting a consensus round")
	ErrConsensusUnavailable  = errors.New("consensus engine not configured")
	ErrSignaturesUnavailable = errors.New("signature coordinator not configured")
	ErrAttestationRequired   = errors.New("task requires attestation before completion")
	ErrShuttingDown          = errors.New("manager is shutting down")
)

// AuditLog is the subset of the audit trail the manager writes to.
type AuditLog interface {
	Append(ctx context.Context, event *security.Event) (int64, error)
}

// RateLimiter admits or rejects agent requests.
type RateLimiter interface {
	Allow(ctx context.Context, agentID string, now time.Time) (ratelimit.Decision, error)
}

// Reputation is the behavior tracker used for admission and penalties.
type Reputation interface {
	RecordActivity(ctx context.Context, agentID string, meta appReputation.Activity) *reputation.Anomaly
	Penalize(agentID string, amount float64, reason string) float64
	TrustLevel(agentID string) float64
}

// ConsensusEngine runs multi-agent votes on truth claims.
type ConsensusEngine interface {
	ProposeRound(ctx context.Context, proposalID string, participants []string, claim json.RawMessage) (string, error)
	Wait(ctx context.Context, roundID string) (*consensus.State, error)
	Evaluate(ctx context.Context, roundID string) (*consensus.State, error)
}

// SignatureCoordinator collects threshold attestations.
type SignatureCoordinator interface {
	RequestSignature(ctx context.Context, message []byte, requiredSignatures int, signatories []string) (string, error)
	Wait(ctx context.Context, signatureID string) (*signature.State, error)
	VerifyFinal(ctx context.Context, s *signature.State) (bool, error)
}

// Config holds manager policy.
type Config struct {
	// MinTrust rejects agents whose trust level is below it. Zero disables the check.
	MinTrust float64
	// ValidationPenalty is taken from an agent's trust when its result fails validation.
	ValidationPenalty float64
	// ConsensusTimeout bounds AwaitConsensus; the round is then evaluated with the votes cast so far.
	ConsensusTimeout time.Duration
	// ChainKey signs verification checkpoints when set.
	ChainKey []byte
}

// Dependencies are the collaborating services. Only Hasher is required.
type Dependencies struct {
	Audit      AuditLog
	Limiter    RateLimiter
	Reputation Reputation
	Consensus  ConsensusEngine
	Signatures SignatureCoordinator
	Hasher     *audit.Hasher
}

// RegisterOption adjusts a capability registration.
type RegisterOption func(*registration)

type registration struct {
	advisory bool
}

// Advisory marks a capability whose failure is recorded but never blocks.
func Advisory() RegisterOption {
	return func(r *registration) { r.advisory = true }
}

type named[T any] struct {
	name     string
	cap      T
	advisory bool
}

type entry struct {
	mu       sync.Mutex
	vc       *verification.Context
	awaiting bool

	// status mirrors vc.Status for lock-free scans.
	status atomic.Value
}

func (e *entry) currentStatus() verification.Status {
	s, _ := e.status.Load().(verification.Status)
	return s
}

// Manager is the VerificationHookManager. It owns every TaskVerificationContext
// and drives it through the verification pipeline.
type Manager struct {
	cfg    Config
	deps   Dependencies
	chain  *verification.Chain
	logger zerolog.Logger
	now    func() time.Time

	regMu      sync.Mutex
	freezeOnce sync.Once
	frozen     bool
	names      map[string]struct{}
	checkers   []named[verification.PreTaskChecker]
	validators []named[verification.PostTaskValidator]
	truth      []named[verification.TruthValidator]
	triggers   []named[verification.RollbackTrigger]
	plugins    []verification.Plugin

	mu       sync.RWMutex
	contexts map[uuid.UUID]*entry

	stats    stats
	closing  atomic.Bool
	stopMu   sync.Mutex
	stoppers []func()
}

// NewManager creates a manager.
func NewManager(cfg Config, deps Dependencies, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		chain:    verification.NewChain(deps.Hasher, cfg.ChainKey),
		logger:   logger.With().Str("service", "verification").Logger(),
		now:      time.Now,
		names:    make(map[string]struct{}),
		contexts: make(map[uuid.UUID]*entry),
	}
}

func (m *Manager) register(name string, add func(advisory bool), opts []RegisterOption) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("capability name is required")
	}
	var r registration
	for _, opt := range opts {
		opt(&r)
	}
	m.regMu.Lock()
	defer m.regMu.Unlock()
	if m.frozen {
		return ErrRegistryFrozen
	}
	if _, ok := m.names[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	m.names[name] = struct{}{}
	add(r.advisory)
	return nil
}

// RegisterPreTaskChecker appends a checker run by RunPreTask in registration order.
func (m *Manager) RegisterPreTaskChecker(name string, c verification.PreTaskChecker, opts ...RegisterOption) error {
	return m.register(name, func(advisory bool) {
		m.checkers = append(m.checkers, named[verification.PreTaskChecker]{name: name, cap: c, advisory: advisory})
	}, opts)
}

// RegisterPostTaskValidator appends a validator run by RunPostTask.
func (m *Manager) RegisterPostTaskValidator(name string, v verification.PostTaskValidator, opts ...RegisterOption) error {
	return m.register(name, func(advisory bool) {
		m.validators = append(m.validators, named[verification.PostTaskValidator]{name: name, cap: v, advisory: advisory})
	}, opts)
}

// RegisterTruthValidator appends a validator run by ValidateTruthClaim.
func (m *Manager) RegisterTruthValidator(name string, v verification.TruthValidator, opts ...RegisterOption) error {
	return m.register(name, func(advisory bool) {
		m.truth = append(m.truth, named[verification.TruthValidator]{name: name, cap: v, advisory: advisory})
	}, opts)
}

// RegisterRollbackTrigger appends a compensating action run by MaybeRollback.
func (m *Manager) RegisterRollbackTrigger(name string, t verification.RollbackTrigger, opts ...RegisterOption) error {
	return m.register(name, func(bool) {
		m.triggers = append(m.triggers, named[verification.RollbackTrigger]{name: name, cap: t})
	}, opts)
}

// Use appends a plugin to the middleware chain.
func (m *Manager) Use(p verification.Plugin) error {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	if m.frozen {
		return ErrRegistryFrozen
	}
	m.plugins = append(m.plugins, p)
	return nil
}

// freeze closes the registries. They are read without locking afterwards.
func (m *Manager) freeze() {
	m.freezeOnce.Do(func() {
		m.regMu.Lock()
		m.frozen = true
		m.regMu.Unlock()
	})
}

// OnShutdown registers a function run by Shutdown, e.g. stopping a scheduler.
func (m *Manager) OnShutdown(stop func()) {
	m.stopMu.Lock()
	m.stoppers = append(m.stoppers, stop)
	m.stopMu.Unlock()
}

// Submit is the scheduler entry point for a new task.
func (m *Manager) Submit(ctx context.Context, taskID, agentID string) (*verification.Context, error) {
	return m.RunPreTask(ctx, verification.Task{ID: taskID, AgentID: agentID})
}

// OnResult is the scheduler entry point for a finished task.
func (m *Manager) OnResult(ctx context.Context, contextID uuid.UUID, result verification.Result) (*verification.Verdict, error) {
	return m.RunPostTask(ctx, contextID, result)
}

// RunPreTask admits the task and runs the pre-task checkers in order. The
// first mandatory failure rejects the task and no context is stored.
func (m *Manager) RunPreTask(ctx context.Context, task verification.Task) (*verification.Context, error) {
	if m.closing.Load() {
		return nil, ErrShuttingDown
	}
	m.freeze()
	if strings.TrimSpace(task.ID) == "" || strings.TrimSpace(task.AgentID) == "" {
		return nil, ErrInvalidTask
	}
	now := m.now()
	if task.SubmittedAt.IsZero() {
		task.SubmittedAt = now
	}

	if err := m.admit(ctx, task, now); err != nil {
		return nil, err
	}

	vc := verification.NewContext(task, now)
	if err := m.before(ctx, verification.StagePreTask, vc); err != nil {
		return nil, m.rejectPreTask(ctx, vc, "plugin", err.Error())
	}

	var passed, advisory []string
	for _, c := range m.checkers {
		res, err := c.cap.Check(ctx, task)
		if err != nil {
			res = verification.Fail(err.Error())
		}
		m.chain.Append(vc, verification.StagePreTask, c.name, res.Passed, res.Reason, m.now())
		if res.Passed {
			passed = append(passed, c.name)
			continue
		}
		if c.advisory {
			advisory = append(advisory, c.name)
			m.logger.Warn().Str("taskId", task.ID).Str("checker", c.name).Str("reason", res.Reason).Msg("advisory pre-task check failed")
			continue
		}
		return nil, m.rejectPreTask(ctx, vc, c.name, res.Reason)
	}

	if err := vc.Transition(verification.StatusChecked, m.now()); err != nil {
		return nil, err
	}
	e := &entry{vc: vc}
	e.status.Store(vc.Status)
	m.mu.Lock()
	m.contexts[vc.ID] = e
	m.mu.Unlock()

	m.stats.add(func(s *stats) { s.preTaskPassed++ })
	m.record(ctx, security.NewEvent(security.SeverityInfo, task.AgentID, security.TaskCheckedEvidence{
		TaskID:   task.ID,
		Checkers: passed,
		Advisory: advisory,
	}).WithContext(vc.ID.String()))
	m.after(ctx, verification.StagePreTask, vc)

	m.logger.Info().Str("contextId", vc.ID.String()).Str("taskId", task.ID).Str("agentId", task.AgentID).Msg("task checked")
	return vc.Clone(), nil
}

// admit applies the rate limiter and the minimum trust level.
func (m *Manager) admit(ctx context.Context, task verification.Task, now time.Time) error {
	if m.deps.Limiter != nil {
		decision, err := m.deps.Limiter.Allow(ctx, task.AgentID, now)
		if err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		if !decision.Allowed {
			evidence := security.RateLimitEvidence{RetryAfterMs: decision.RetryAfter.Milliseconds()}
			if decision.Binding != nil {
				evidence.Granularity = string(decision.Binding.Granularity)
				evidence.Limit = decision.Binding.Limit
			}
			m.stats.add(func(s *stats) { s.rateLimited++ })
			m.record(ctx, security.NewEvent(security.SeverityWarning, task.AgentID, evidence))
			if m.deps.Reputation != nil {
				m.deps.Reputation.RecordActivity(ctx, task.AgentID, appReputation.Activity{Kind: "submit", Success: false, At: now})
			}
			m.logger.Warn().Str("agentId", task.AgentID).Dur("retryAfter", decision.RetryAfter).Msg("rate limit exceeded")
			return security.RateLimitExceeded(decision.RetryAfter)
		}
	}

	if m.deps.Reputation != nil {
		m.deps.Reputation.RecordActivity(ctx, task.AgentID, appReputation.Activity{Kind: "submit", Success: true, At: now})
		if m.cfg.MinTrust > 0 {
			if trust := m.deps.Reputation.TrustLevel(task.AgentID); trust < m.cfg.MinTrust {
				reason := fmt.Sprintf("trust level %.1f below minimum %.1f", trust, m.cfg.MinTrust)
				return m.rejectPreTask(ctx, verification.NewContext(task, now), "reputation", reason)
			}
		}
	}
	return nil
}

func (m *Manager) rejectPreTask(ctx context.Context, vc *verification.Context, checker, reason string) error {
	err := security.PreTaskRejected(checker, reason)
	m.stats.add(func(s *stats) { s.preTaskRejected++ })
	m.record(ctx, security.NewEvent(security.SeverityWarning, vc.AgentID, security.PreTaskRejectedEvidence{
		TaskID:  vc.TaskID,
		Checker: checker,
		Reason:  reason,
	}))
	m.onError(ctx, verification.StagePreTask, vc, err)
	m.logger.Warn().Str("taskId", vc.TaskID).Str("agentId", vc.AgentID).Str("checker", checker).Str("reason", reason).Msg("pre-task check rejected task")
	return err
}

// RunPostTask validates a result. The verdict passes only if every mandatory
// validator passes; otherwise the context is rolled back and the verdict is
// returned together with a POST_TASK_VALIDATION_FAILED error.
func (m *Manager) RunPostTask(ctx context.Context, contextID uuid.UUID, result verification.Result) (*verification.Verdict, error) {
	m.freeze()
	e, err := m.lookup(contextID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	vc := e.vc
	if vc.Status != verification.StatusChecked {
		return nil, fmt.Errorf("%w: context %s is %s", verification.ErrInvalidTransition, contextID, vc.Status)
	}
	if result.CompletedAt.IsZero() {
		result.CompletedAt = m.now()
	}
	vc.Result = &result

	verdict := &verification.Verdict{ContextID: vc.ID, Passed: true, Reasons: map[string]string{}}
	var passed []string
	if err := m.before(ctx, verification.StagePostTask, vc); err != nil {
		verdict.Passed = false
		verdict.Failures = append(verdict.Failures, "plugin")
		verdict.Reasons["plugin"] = err.Error()
	} else {
		for _, v := range m.validators {
			res, err := v.cap.Validate(ctx, vc.Task, result)
			if err != nil {
				res = verification.Fail(err.Error())
			}
			m.chain.Append(vc, verification.StagePostTask, v.name, res.Passed, res.Reason, m.now())
			if res.Passed {
				passed = append(passed, v.name)
				continue
			}
			verdict.Reasons[v.name] = res.Reason
			if v.advisory {
				verdict.Advisory = append(verdict.Advisory, v.name)
				continue
			}
			verdict.Passed = false
			verdict.Failures = append(verdict.Failures, v.name)
		}
	}

	if verdict.Passed {
		if err := m.transition(e, verification.StatusValidated); err != nil {
			return nil, err
		}
		m.stats.add(func(s *stats) { s.postTaskPassed++ })
		m.record(ctx, security.NewEvent(security.SeverityInfo, vc.AgentID, security.TaskValidatedEvidence{
			Validators: passed,
			Advisory:   verdict.Advisory,
		}).WithContext(vc.ID.String()))
		m.after(ctx, verification.StagePostTask, vc)
		m.logger.Info().Str("contextId", vc.ID.String()).Strs("advisoryFailures", verdict.Advisory).Msg("task validated")
		return verdict, nil
	}

	reasons := make([]string, 0, len(verdict.Failures))
	for _, name := range verdict.Failures {
		reasons = append(reasons, name+": "+verdict.Reasons[name])
	}
	verr := security.PostTaskValidationFailed(verdict.Failures, strings.Join(reasons, "; "))
	m.stats.add(func(s *stats) { s.postTaskFailed++ })
	m.record(ctx, security.NewEvent(security.SeverityWarning, vc.AgentID, security.PostTaskValidationFailedEvidence{
		Validators: verdict.Failures,
		Reasons:    reasons,
	}).WithContext(vc.ID.String()))
	m.onError(ctx, verification.StagePostTask, vc, verr)
	if m.deps.Reputation != nil && m.cfg.ValidationPenalty > 0 {
		m.deps.Reputation.Penalize(vc.AgentID, m.cfg.ValidationPenalty, "post-task validation failed")
	}
	m.logger.Warn().Str("contextId", vc.ID.String()).Strs("failures", verdict.Failures).Msg("post-task validation failed")

	m.rollbackLocked(ctx, e, "post-task validation failed: "+strings.Join(verdict.Failures, ","))
	return verdict, verr
}

// Get returns a snapshot of the context.
func (m *Manager) Get(contextID uuid.UUID) (*verification.Context, error) {
	e, err := m.lookup(contextID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vc.Clone(), nil
}

// VerifyCheckpoints returns the index of the first checkpoint of the context
// whose commitment or signature does not verify, or -1.
func (m *Manager) VerifyCheckpoints(contextID uuid.UUID) (int, error) {
	vc, err := m.Get(contextID)
	if err != nil {
		return 0, err
	}
	return m.chain.Verify(vc.Checkpoints), nil
}

func (m *Manager) lookup(contextID uuid.UUID) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.contexts[contextID]
	if !ok {
		return nil, ErrContextNotFound
	}
	return e, nil
}

// transition moves the context and records pipeline latency on terminal states; e.mu must be held.
func (m *Manager) transition(e *entry, target verification.Status) error {
	if err := e.vc.Transition(target, m.now()); err != nil {
		return fmt.Errorf("%w: %s -> %s", err, e.vc.Status, target)
	}
	e.status.Store(target)
	if target.IsTerminal() && e.vc.FinishedAt != nil {
		latency := e.vc.FinishedAt.Sub(e.vc.CreatedAt)
		m.stats.add(func(s *stats) {
			s.latencyTotal += latency
			s.latencyCount++
		})
	}
	return nil
}

func (m *Manager) before(ctx context.Context, stage verification.Stage, vc *verification.Context) error {
	for _, p := range m.plugins {
		if err := p.Before(ctx, stage, vc.Clone()); err != nil {
			return fmt.Errorf("plugin %s: %w", p.Name(), err)
		}
	}
	return nil
}

func (m *Manager) after(ctx context.Context, stage verification.Stage, vc *verification.Context) {
	for i := len(m.plugins) - 1; i >= 0; i-- {
		m.plugins[i].After(ctx, stage, vc.Clone())
	}
}

func (m *Manager) onError(ctx context.Context, stage verification.Stage, vc *verification.Context, err error) {
	for _, p := range m.plugins {
		p.OnError(ctx, stage, vc.Clone(), err)
	}
}

func (m *Manager) record(ctx context.Context, event *security.Event) {
	if m.deps.Audit == nil {
		return
	}
	if _, err := m.deps.Audit.Append(ctx, event); err != nil {
		m.logger.Error().Err(err).Str("eventType", string(event.Type)).Msg("failed to record audit event")
	}
}
