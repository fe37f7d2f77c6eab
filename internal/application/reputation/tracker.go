package reputation

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/execution-hub/verification-gate/internal/domain/reputation"
	"github.com/execution-hub/verification-gate/internal/domain/security"
)

// AuditLog is the subset of the audit trail the tracker writes to.
type AuditLog interface {
	Append(ctx context.Context, event *security.Event) (int64, error)
}

// Activity describes one observed request of an agent.
type Activity struct {
	Kind    string
	Success bool
	At      time.Time
}

type slot struct {
	mu      sync.Mutex
	profile *reputation.Profile
}

// Tracker maintains AgentBehaviorProfiles. Updates for one agent are
// serialized on that agent's slot.
type Tracker struct {
	params   reputation.Params
	mu       sync.RWMutex
	profiles map[string]*slot
	audit    AuditLog
	logger   zerolog.Logger
	now      func() time.Time
}

// NewTracker creates a tracker. audit may be nil.
func NewTracker(params reputation.Params, audit AuditLog, logger zerolog.Logger) *Tracker {
	return &Tracker{
		params:   params,
		profiles: make(map[string]*slot),
		audit:    audit,
		logger:   logger.With().Str("service", "reputation").Logger(),
		now:      time.Now,
	}
}

func (t *Tracker) slotFor(agentID string, now time.Time) *slot {
	t.mu.RLock()
	s, ok := t.profiles[agentID]
	t.mu.RUnlock()
	if ok {
		return s
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.profiles[agentID]; ok {
		return s
	}
	s = &slot{profile: reputation.NewProfile(agentID, t.params, now)}
	t.profiles[agentID] = s
	return s
}

// RecordActivity updates the agent's rate statistics and returns the anomaly
// flagged by this request, if any. Its penalty is already applied.
func (t *Tracker) RecordActivity(ctx context.Context, agentID string, meta Activity) *reputation.Anomaly {
	at := meta.At
	if at.IsZero() {
		at = t.now()
	}
	s := t.slotFor(agentID, at)

	s.mu.Lock()
	anomaly := s.profile.Observe(t.params, meta.Success, at)
	trust := s.profile.TrustLevel
	s.mu.Unlock()

	if anomaly == nil {
		return nil
	}
	t.logger.Warn().
		Str("agentId", agentID).
		Str("anomaly", string(anomaly.Type)).
		Float64("observed", anomaly.Observed).
		Float64("baseline", anomaly.Baseline).
		Float64("trust", trust).
		Msg("behavior anomaly detected")

	t.record(ctx, security.NewEvent(security.SeverityWarning, agentID, security.AnomalyEvidence{
		Metric:    string(anomaly.Type),
		Observed:  anomaly.Observed,
		Baseline:  anomaly.Baseline,
		Deviation: anomaly.Deviation,
	}))
	return anomaly
}

// Penalize lowers trust immediately.
func (t *Tracker) Penalize(agentID string, amount float64, reason string) float64 {
	s := t.slotFor(agentID, t.now())
	s.mu.Lock()
	s.profile.Roll(t.params, t.now())
	s.profile.Penalize(amount)
	trust := s.profile.TrustLevel
	s.mu.Unlock()

	t.logger.Info().Str("agentId", agentID).Float64("amount", amount).Float64("trust", trust).Str("reason", reason).Msg("trust penalized")
	return trust
}

// FlagByzantine applies the full Byzantine penalty. The caller owns the
// BYZANTINE_DETECTED audit record.
func (t *Tracker) FlagByzantine(agentID, reason string) float64 {
	now := t.now()
	s := t.slotFor(agentID, now)
	s.mu.Lock()
	s.profile.FlagByzantine(t.params, reason, now)
	trust := s.profile.TrustLevel
	s.mu.Unlock()

	t.logger.Error().Str("agentId", agentID).Float64("trust", trust).Str("reason", reason).Msg("agent flagged byzantine")
	return trust
}

// TrustLevel returns the agent's current trust; unknown agents have baseline trust.
func (t *Tracker) TrustLevel(agentID string) float64 {
	t.mu.RLock()
	s, ok := t.profiles[agentID]
	t.mu.RUnlock()
	if !ok {
		return t.params.BaselineTrust
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile.Roll(t.params, t.now())
	return s.profile.TrustLevel
}

// Profile returns a copy of the agent's profile.
func (t *Tracker) Profile(agentID string) (*reputation.Profile, bool) {
	t.mu.RLock()
	s, ok := t.profiles[agentID]
	t.mu.RUnlock()
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile.Clone(), true
}

// Prune forgets agents idle for longer than maxIdle whose trust is back at baseline.
func (t *Tracker) Prune(maxIdle time.Duration) int {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, s := range t.profiles {
		s.mu.Lock()
		idle := now.Sub(s.profile.LastSeen) >= maxIdle
		s.profile.Roll(t.params, now)
		atBaseline := s.profile.TrustLevel >= t.params.BaselineTrust
		s.mu.Unlock()
		if idle && atBaseline {
			delete(t.profiles, id)
			removed++
		}
	}
	return removed
}

func (t *Tracker) record(ctx context.Context, event *security.Event) {
	if t.audit == nil {
		return
	}
	if _, err := t.audit.Append(ctx, event); err != nil {
		t.logger.Error().Err(err).Str("eventType", string(event.Type)).Msg("failed to record audit event")
	}
}
