package ratelimit

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/execution-hub/verification-gate/internal/domain/security"
)

// Granularity names one of the four per-agent windows.
type Granularity string

const (
	Second Granularity = "second"
	Minute Granularity = "minute"
	Hour   Granularity = "hour"
	Day    Granularity = "day"
)

var granularities = []struct {
	g    Granularity
	size time.Duration
}{
	{Second, time.Second},
	{Minute, time.Minute},
	{Hour, time.Hour},
	{Day, 24 * time.Hour},
}

// Limits configures the budget per window. A limit <= 0 disables the window.
type Limits struct {
	PerSecond int `yaml:"perSecond"`
	PerMinute int `yaml:"perMinute"`
	PerHour   int `yaml:"perHour"`
	PerDay    int `yaml:"perDay"`
}

func (l Limits) of(g Granularity) int {
	switch g {
	case Second:
		return l.PerSecond
	case Minute:
		return l.PerMinute
	case Hour:
		return l.PerHour
	case Day:
		return l.PerDay
	}
	return 0
}

// Window is a RateLimitWindow. It starts at the first request after the
// previous window expired and its count only grows until rollover.
type Window struct {
	AgentID     string        `json:"agentId"`
	Granularity Granularity   `json:"granularity"`
	Start       time.Time     `json:"start"`
	Size        time.Duration `json:"size"`
	Count       int           `json:"count"`
	Limit       int           `json:"limit"`
	Violations  int           `json:"violations"`
}

// Expired reports whether now is at or past the window end.
func (w Window) Expired(now time.Time) bool {
	return !now.Before(w.Start.Add(w.Size))
}

// Store persists the windows of each agent.
type Store interface {
	Load(ctx context.Context, agentID string) ([]Window, bool, error)
	Save(ctx context.Context, agentID string, windows []Window) error
}

// AtomicStore is a Store shared by several processes. Update applies fn to
// an agent's windows as one atomic read-modify-write; fn may run more than
// once when a concurrent writer wins.
type AtomicStore interface {
	Store
	Update(ctx context.Context, agentID string, fn func(windows []Window) []Window) error
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Binding    *Window
}

const lockStripes = 64

// Limiter enforces per-agent budgets. Updates for one agent are serialized
// through a striped lock.
type Limiter struct {
	limits Limits
	store  Store
	locks  [lockStripes]sync.Mutex
	logger zerolog.Logger
}

// NewLimiter creates a limiter. A nil store keeps windows in memory.
func NewLimiter(limits Limits, store Store, logger zerolog.Logger) *Limiter {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Limiter{
		limits: limits,
		store:  store,
		logger: logger.With().Str("service", "ratelimit").Logger(),
	}
}

func (l *Limiter) lockFor(agentID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(agentID))
	return &l.locks[h.Sum32()%lockStripes]
}

// Check admits or rejects a request. Rejections are *security.Error with
// kind RATE_LIMIT_EXCEEDED and 0 < RetryAfter <= window size.
func (l *Limiter) Check(ctx context.Context, agentID string, now time.Time) error {
	d, err := l.Allow(ctx, agentID, now)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return security.RateLimitExceeded(d.RetryAfter)
	}
	return nil
}

// Allow is Check with the binding window exposed.
func (l *Limiter) Allow(ctx context.Context, agentID string, now time.Time) (Decision, error) {
	mu := l.lockFor(agentID)
	mu.Lock()
	defer mu.Unlock()

	var decision Decision
	if atomic, ok := l.store.(AtomicStore); ok {
		err := atomic.Update(ctx, agentID, func(stored []Window) []Window {
			var windows []Window
			windows, decision = l.decide(agentID, stored, now)
			return windows
		})
		if err != nil {
			return Decision{}, fmt.Errorf("failed to update rate limit windows: %w", err)
		}
	} else {
		stored, _, err := l.store.Load(ctx, agentID)
		if err != nil {
			return Decision{}, fmt.Errorf("failed to load rate limit windows: %w", err)
		}
		var windows []Window
		windows, decision = l.decide(agentID, stored, now)
		if err := l.store.Save(ctx, agentID, windows); err != nil {
			return Decision{}, fmt.Errorf("failed to save rate limit windows: %w", err)
		}
	}

	if !decision.Allowed {
		l.logger.Warn().
			Str("agentId", agentID).
			Str("granularity", string(decision.Binding.Granularity)).
			Int("limit", decision.Binding.Limit).
			Dur("retryAfter", decision.RetryAfter).
			Msg("rate limit exceeded")
	}
	return decision, nil
}

// decide rolls expired windows over and counts the request against every
// enabled window when none would exceed its limit.
func (l *Limiter) decide(agentID string, stored []Window, now time.Time) ([]Window, Decision) {
	byGranularity := make(map[Granularity]Window, len(stored))
	for _, w := range stored {
		byGranularity[w.Granularity] = w
	}

	windows := make([]Window, 0, len(granularities))
	for _, g := range granularities {
		limit := l.limits.of(g.g)
		if limit <= 0 {
			continue
		}
		w, ok := byGranularity[g.g]
		if !ok || w.Expired(now) {
			w = Window{AgentID: agentID, Granularity: g.g, Start: now, Size: g.size, Violations: w.Violations}
		}
		w.Limit = limit
		windows = append(windows, w)
	}

	decision := Decision{Allowed: true}
	for i := range windows {
		w := &windows[i]
		if w.Count+1 <= w.Limit {
			continue
		}
		decision.Allowed = false
		w.Violations++
		retry := w.Start.Add(w.Size).Sub(now)
		if retry > w.Size {
			retry = w.Size
		}
		if retry > decision.RetryAfter {
			decision.RetryAfter = retry
			binding := *w
			decision.Binding = &binding
		}
	}
	if decision.Allowed {
		for i := range windows {
			windows[i].Count++
		}
	}
	return windows, decision
}

// Windows returns a snapshot of an agent's windows.
func (l *Limiter) Windows(ctx context.Context, agentID string) ([]Window, error) {
	mu := l.lockFor(agentID)
	mu.Lock()
	defer mu.Unlock()
	windows, _, err := l.store.Load(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return windows, nil
}

// MemoryStore keeps windows in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	windows map[string][]Window
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string][]Window)}
}

func (s *MemoryStore) Load(_ context.Context, agentID string) ([]Window, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.windows[agentID]
	return append([]Window(nil), w...), ok, nil
}

func (s *MemoryStore) Save(_ context.Context, agentID string, windows []Window) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows[agentID] = append([]Window(nil), windows...)
	return nil
}

// Purge drops agents whose windows have all expired.
func (s *MemoryStore) Purge(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for agent, windows := range s.windows {
		live := false
		for _, w := range windows {
			if !w.Expired(now) {
				live = true
				break
			}
		}
		if !live {
			delete(s.windows, agent)
			removed++
		}
	}
	return removed
}
