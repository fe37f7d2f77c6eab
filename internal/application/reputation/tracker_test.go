package reputation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/verification-gate/internal/domain/reputation"
	"github.com/execution-hub/verification-gate/internal/domain/security"
)

type recordingLog struct {
	mu     sync.Mutex
	events []*security.Event
}

func (r *recordingLog) Append(_ context.Context, e *security.Event) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return int64(len(r.events)), nil
}

func TestTracker_AnomalyIsAudited(t *testing.T) {
	ctx := context.Background()
	log := &recordingLog{}
	params := reputation.DefaultParams()
	tr := NewTracker(params, log, zerolog.Nop())
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 6; i++ {
		for j := 0; j < 4; j++ {
			at := t0.Add(time.Duration(i)*params.Interval + time.Duration(j)*time.Second)
			assert.Nil(t, tr.RecordActivity(ctx, "agent-1", Activity{Success: true, At: at}))
		}
	}

	var anomaly *reputation.Anomaly
	for j := 0; j < 20; j++ {
		if a := tr.RecordActivity(ctx, "agent-1", Activity{Success: true, At: t0.Add(6*params.Interval + time.Duration(j)*time.Millisecond)}); a != nil {
			require.Nil(t, anomaly, "flagged once per interval")
			anomaly = a
		}
	}
	require.NotNil(t, anomaly)

	require.Len(t, log.events, 1)
	assert.Equal(t, security.EventAnomalyDetected, log.events[0].Type)
	assert.Equal(t, security.SeverityWarning, log.events[0].Severity)

	profile, ok := tr.Profile("agent-1")
	require.True(t, ok)
	assert.Len(t, profile.Anomalies, 1)
	assert.Less(t, profile.TrustLevel, params.BaselineTrust)
}

func TestTracker_TrustLevel(t *testing.T) {
	params := reputation.DefaultParams()
	tr := NewTracker(params, nil, zerolog.Nop())

	assert.Equal(t, params.BaselineTrust, tr.TrustLevel("unknown"))

	trust := tr.FlagByzantine("agent-1", "equivocation")
	assert.InDelta(t, params.BaselineTrust-params.ByzantinePenalty, trust, 1e-9)
	assert.InDelta(t, trust, tr.TrustLevel("agent-1"), 1e-9)

	trust = tr.Penalize("agent-1", 100, "manual")
	assert.Equal(t, reputation.MinTrust, trust)
}

func TestTracker_RecoveryIsGradual(t *testing.T) {
	params := reputation.DefaultParams()
	tr := NewTracker(params, nil, zerolog.Nop())
	clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return clock }

	tr.FlagByzantine("agent-1", "heartbeat")
	low := tr.TrustLevel("agent-1")

	clock = clock.Add(3 * params.Interval)
	mid := tr.TrustLevel("agent-1")
	assert.Greater(t, mid, low)
	assert.Less(t, mid, params.BaselineTrust)

	clock = clock.Add(1000 * params.Interval)
	assert.Equal(t, params.BaselineTrust, tr.TrustLevel("agent-1"))
}

func TestTracker_Prune(t *testing.T) {
	ctx := context.Background()
	params := reputation.DefaultParams()
	tr := NewTracker(params, nil, zerolog.Nop())
	clock := time.Now()
	tr.now = func() time.Time { return clock }

	tr.RecordActivity(ctx, "idle", Activity{Success: true})
	tr.RecordActivity(ctx, "penalized", Activity{Success: true})
	tr.FlagByzantine("penalized", "x")

	clock = clock.Add(2 * time.Minute)
	tr.RecordActivity(ctx, "active", Activity{Success: true})

	assert.Equal(t, 1, tr.Prune(time.Minute))
	_, ok := tr.Profile("idle")
	assert.False(t, ok)
	_, ok = tr.Profile("penalized")
	assert.True(t, ok, "agents below baseline are kept")
	_, ok = tr.Profile("active")
	assert.True(t, ok)
}
