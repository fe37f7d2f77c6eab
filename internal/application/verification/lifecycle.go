package verification

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/execution-hub/verification-gate/internal/domain/security"
	"github.com/execution-hub/verification-gate/internal/domain/verification"
)

type stats struct {
	mu              sync.Mutex
	preTaskPassed   int64
	preTaskRejected int64
	rateLimited     int64
	postTaskPassed  int64
	postTaskFailed  int64
	rollbacks       int64
	completed       int64
	latencyTotal    time.Duration
	latencyCount    int64
}

func (s *stats) add(fn func(*stats)) {
	s.mu.Lock()
	fn(s)
	s.mu.Unlock()
}

// Metrics is a point-in-time snapshot of the pipeline. Passed counts
// contexts whose result validated; Failed counts pre-task rejections, rate
// limiting and failed post-task verdicts together.
type Metrics struct {
	ActiveContexts       int                         `json:"activeContexts"`
	StoredContexts       int                         `json:"storedContexts"`
	ByStatus             map[verification.Status]int `json:"byStatus"`
	Passed               int64                       `json:"passed"`
	Failed               int64                       `json:"failed"`
	PreTaskPassed        int64                       `json:"preTaskPassed"`
	PreTaskRejected      int64                       `json:"preTaskRejected"`
	RateLimited          int64                       `json:"rateLimited"`
	PostTaskPassed       int64                       `json:"postTaskPassed"`
	PostTaskFailed       int64                       `json:"postTaskFailed"`
	Rollbacks            int64                       `json:"rollbacks"`
	Completed            int64                       `json:"completed"`
	AvgPipelineLatencyMs float64                     `json:"avgPipelineLatencyMs"`
}

// GetMetrics reports context counts and pipeline outcomes, per stage and as
// pass/fail totals.
func (m *Manager) GetMetrics() Metrics {
	out := Metrics{ByStatus: make(map[verification.Status]int)}
	m.mu.RLock()
	for _, e := range m.contexts {
		status := e.currentStatus()
		out.StoredContexts++
		out.ByStatus[status]++
		if !status.IsTerminal() {
			out.ActiveContexts++
		}
	}
	m.mu.RUnlock()

	m.stats.mu.Lock()
	defer m.stats.mu.Unlock()
	out.PreTaskPassed = m.stats.preTaskPassed
	out.PreTaskRejected = m.stats.preTaskRejected
	out.RateLimited = m.stats.rateLimited
	out.PostTaskPassed = m.stats.postTaskPassed
	out.PostTaskFailed = m.stats.postTaskFailed
	out.Passed = out.PostTaskPassed
	out.Failed = out.PreTaskRejected + out.RateLimited + out.PostTaskFailed
	out.Rollbacks = m.stats.rollbacks
	out.Completed = m.stats.completed
	if m.stats.latencyCount > 0 {
		avg := m.stats.latencyTotal / time.Duration(m.stats.latencyCount)
		out.AvgPipelineLatencyMs = float64(avg) / float64(time.Millisecond)
	}
	return out
}

// MaybeRollback runs every rollback trigger in order and moves the context to
// ROLLED_BACK. Rolling back an already rolled back context is a no-op.
func (m *Manager) MaybeRollback(ctx context.Context, contextID uuid.UUID, reason string) (*verification.Context, error) {
	e, err := m.lookup(contextID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.vc.Status {
	case verification.StatusRolledBack:
		return e.vc.Clone(), nil
	case verification.StatusCompleted:
		return nil, ErrContextTerminal
	}
	m.rollbackLocked(ctx, e, reason)
	return e.vc.Clone(), nil
}

// Cancel forces a non-terminal context into ROLLED_BACK.
func (m *Manager) Cancel(ctx context.Context, contextID uuid.UUID, reason string) (*verification.Context, error) {
	if reason == "" {
		reason = "cancelled"
	} else {
		reason = "cancelled: " + reason
	}
	return m.MaybeRollback(ctx, contextID, reason)
}

// rollbackLocked executes the triggers; e.mu must be held and the context non-terminal.
// A failing trigger does not stop the remaining ones.
func (m *Manager) rollbackLocked(ctx context.Context, e *entry, reason string) {
	vc := e.vc
	previous := vc.Status
	req := verification.RollbackRequest{
		ContextID:      vc.ID,
		Task:           vc.Task,
		Result:         vc.Result,
		Reason:         reason,
		PreviousStatus: previous,
	}

	var ran, failures []string
	for _, t := range m.triggers {
		ran = append(ran, t.name)
		err := t.cap.Rollback(ctx, req)
		passed := err == nil
		evidence := ""
		if err != nil {
			evidence = err.Error()
			failures = append(failures, t.name+": "+err.Error())
			m.logger.Error().Err(err).Str("contextId", vc.ID.String()).Str("trigger", t.name).Msg("rollback trigger failed")
		}
		m.chain.Append(vc, verification.StageRollback, t.name, passed, evidence, m.now())
	}
	if len(m.triggers) == 0 {
		m.chain.Append(vc, verification.StageRollback, "manager", true, reason, m.now())
	}

	vc.Reason = reason
	e.awaiting = false
	if err := m.transition(e, verification.StatusRolledBack); err != nil {
		m.logger.Error().Err(err).Str("contextId", vc.ID.String()).Msg("rollback transition rejected")
		return
	}
	m.stats.add(func(s *stats) { s.rollbacks++ })
	m.record(ctx, security.NewEvent(security.SeverityWarning, vc.AgentID, security.RollbackExecutedEvidence{
		Reason:         reason,
		PreviousStatus: string(previous),
		Triggers:       ran,
		Failures:       failures,
	}).WithContext(vc.ID.String()))
	m.logger.Warn().Str("contextId", vc.ID.String()).Str("from", string(previous)).Str("reason", reason).Msg("context rolled back")
}

// Cleanup removes contexts created at least maxAge ago; maxAge 0 removes every
// context. Candidates are chosen from a snapshot so in-flight operations on a
// removed context finish on their own copy.
func (m *Manager) Cleanup(ctx context.Context, maxAge time.Duration) int {
	now := m.now()
	m.mu.RLock()
	stale := make([]uuid.UUID, 0)
	for id, e := range m.contexts {
		// CreatedAt is immutable after the entry is stored.
		if maxAge <= 0 || now.Sub(e.vc.CreatedAt) >= maxAge {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	if len(stale) == 0 {
		return 0
	}
	m.mu.Lock()
	for _, id := range stale {
		delete(m.contexts, id)
	}
	m.mu.Unlock()

	m.logger.Info().Int("removed", len(stale)).Dur("maxAge", maxAge).Msg("verification contexts cleaned up")
	return len(stale)
}

// Shutdown rejects new tasks, stops registered background work and removes
// every context.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.closing.CompareAndSwap(false, true) {
		return nil
	}
	m.stopMu.Lock()
	stoppers := m.stoppers
	m.stoppers = nil
	m.stopMu.Unlock()
	for _, stop := range stoppers {
		stop()
	}
	removed := m.Cleanup(ctx, 0)
	m.logger.Info().Int("removed", removed).Msg("verification manager shut down")
	return ctx.Err()
}
