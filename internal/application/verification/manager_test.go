package verification

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appConsensus "github.com/execution-hub/verification-gate/internal/application/consensus"
	"github.com/execution-hub/verification-gate/internal/application/ratelimit"
	appReputation "github.com/execution-hub/verification-gate/internal/application/reputation"
	appSignature "github.com/execution-hub/verification-gate/internal/application/signature"
	"github.com/execution-hub/verification-gate/internal/domain/audit"
	"github.com/execution-hub/verification-gate/internal/domain/consensus"
	"github.com/execution-hub/verification-gate/internal/domain/reputation"
	"github.com/execution-hub/verification-gate/internal/domain/security"
	"github.com/execution-hub/verification-gate/internal/domain/verification"
)

type eventLog struct {
	mu     sync.Mutex
	events []*security.Event
}

func (l *eventLog) Append(_ context.Context, e *security.Event) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return int64(len(l.events)), nil
}

func (l *eventLog) find(t security.EventType) []*security.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*security.Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type keyring struct {
	ids  []string
	pub  map[string]ed25519.PublicKey
	priv map[string]ed25519.PrivateKey
}

func newKeyring(t *testing.T, n int) *keyring {
	t.Helper()
	k := &keyring{pub: map[string]ed25519.PublicKey{}, priv: map[string]ed25519.PrivateKey{}}
	for i := 0; i < n; i++ {
		pub, priv, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		id := fmt.Sprintf("peer-%d", i)
		k.ids = append(k.ids, id)
		k.pub[id] = pub
		k.priv[id] = priv
	}
	return k
}

func (k *keyring) PublicKey(_ context.Context, id string) (ed25519.PublicKey, error) {
	pub, ok := k.pub[id]
	if !ok {
		return nil, errors.New("unknown key")
	}
	return pub, nil
}

type harness struct {
	m      *Manager
	log    *eventLog
	keys   *keyring
	engine *appConsensus.Engine
	coord  *appSignature.Coordinator
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	hasher := audit.MustHasher(audit.HashSHA256)
	log := &eventLog{}
	keys := newKeyring(t, 5)
	tracker := appReputation.NewTracker(reputation.DefaultParams(), log, zerolog.Nop())
	engine := appConsensus.NewEngine(appConsensus.Config{
		Threshold:          0.67,
		HeartbeatInterval:  time.Second,
		SuspicionThreshold: 3,
	}, keys, log, tracker, zerolog.Nop())
	coord := appSignature.NewCoordinator(5, hasher, keys, log, zerolog.Nop())
	m := NewManager(cfg, Dependencies{
		Audit:      log,
		Reputation: tracker,
		Consensus:  engine,
		Signatures: coord,
		Hasher:     hasher,
	}, zerolog.Nop())
	return &harness{m: m, log: log, keys: keys, engine: engine, coord: coord}
}

func (h *harness) vote(t *testing.T, roundID, agentID string, value bool) {
	t.Helper()
	s, err := h.engine.Round(roundID)
	require.NoError(t, err)
	payload, err := consensus.BallotBytes(roundID, s.ProposalID, agentID, value)
	require.NoError(t, err)
	require.NoError(t, h.engine.CastVote(context.Background(), roundID, agentID, value, ed25519.Sign(h.keys.priv[agentID], payload)))
}

func task(id string) verification.Task {
	return verification.Task{ID: id, AgentID: "worker-1", Input: json.RawMessage(`{"dataset":"a"}`)}
}

func passingChecker() verification.PreTaskChecker {
	return verification.PreTaskCheckerFunc(func(context.Context, verification.Task) (verification.CheckResult, error) {
		return verification.Pass(), nil
	})
}

func TestManager_PostTaskFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	var rolled []verification.RollbackRequest

	require.NoError(t, h.m.RegisterPreTaskChecker("input", passingChecker()))
	require.NoError(t, h.m.RegisterPostTaskValidator("output", RequiredFields{"accuracy"}))
	require.NoError(t, h.m.RegisterRollbackTrigger("undo", verification.RollbackTriggerFunc(func(_ context.Context, req verification.RollbackRequest) error {
		rolled = append(rolled, req)
		return nil
	})))

	vc, err := h.m.RunPreTask(ctx, task("t-1"))
	require.NoError(t, err)
	assert.Equal(t, verification.StatusChecked, vc.Status)

	verdict, err := h.m.RunPostTask(ctx, vc.ID, verification.Result{Success: true, Output: json.RawMessage(`{"loss":0.1}`)})
	require.Error(t, err)
	assert.True(t, security.IsKind(err, security.KindPostTaskValidationFailed))
	require.NotNil(t, verdict)
	assert.False(t, verdict.Passed)
	assert.Equal(t, []string{"output"}, verdict.Failures)

	require.Len(t, rolled, 1)
	assert.Equal(t, verification.StatusChecked, rolled[0].PreviousStatus)
	assert.Equal(t, vc.ID, rolled[0].ContextID)

	got, err := h.m.Get(vc.ID)
	require.NoError(t, err)
	assert.Equal(t, verification.StatusRolledBack, got.Status)
	assert.NotNil(t, got.FinishedAt)

	failed := h.log.find(security.EventPostTaskValidationFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, security.SeverityWarning, failed[0].Severity)
	rollback := h.log.find(security.EventRollbackExecuted)
	require.Len(t, rollback, 1)
	assert.Equal(t, security.SeverityWarning, rollback[0].Severity)
	assert.Equal(t, vc.ID.String(), rollback[0].ContextID)

	_, err = h.m.RunPostTask(ctx, vc.ID, verification.Result{Success: true})
	assert.ErrorIs(t, err, verification.ErrInvalidTransition, "rolled back contexts never re-enter the pipeline")

	metrics := h.m.GetMetrics()
	assert.Equal(t, int64(1), metrics.PostTaskFailed)
	assert.Equal(t, int64(1), metrics.Failed)
	assert.Equal(t, int64(1), metrics.Rollbacks)
	assert.Equal(t, 0, metrics.ActiveContexts)
	assert.Equal(t, 1, metrics.ByStatus[verification.StatusRolledBack])
}

func TestManager_AdvisoryValidatorDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	require.NoError(t, h.m.RegisterPostTaskValidator("shape", RequiredFields{"answer"}))
	require.NoError(t, h.m.RegisterPostTaskValidator("style", RequiredFields{"explanation"}, Advisory()))

	vc, err := h.m.RunPreTask(ctx, task("t-1"))
	require.NoError(t, err)
	verdict, err := h.m.RunPostTask(ctx, vc.ID, verification.Result{Success: true, Output: json.RawMessage(`{"answer":42}`)})
	require.NoError(t, err)
	assert.True(t, verdict.Passed)
	assert.Equal(t, []string{"style"}, verdict.Advisory)
	assert.Contains(t, verdict.Reasons["style"], "explanation")

	got, err := h.m.Get(vc.ID)
	require.NoError(t, err)
	assert.Equal(t, verification.StatusValidated, got.Status)
	assert.Len(t, got.Checkpoints, 2)
	assert.Equal(t, int64(1), h.m.GetMetrics().PostTaskPassed)
	assert.Equal(t, int64(1), h.m.GetMetrics().Passed)
}

func TestManager_PreTaskRejectionShortCircuits(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	calls := []string{}
	mk := func(name string, pass bool) verification.PreTaskChecker {
		return verification.PreTaskCheckerFunc(func(context.Context, verification.Task) (verification.CheckResult, error) {
			calls = append(calls, name)
			if pass {
				return verification.Pass(), nil
			}
			return verification.Fail(name + " says no"), nil
		})
	}
	require.NoError(t, h.m.RegisterPreTaskChecker("soft", mk("soft", false), Advisory()))
	require.NoError(t, h.m.RegisterPreTaskChecker("hard", mk("hard", false)))
	require.NoError(t, h.m.RegisterPreTaskChecker("never", mk("never", true)))

	vc, err := h.m.RunPreTask(ctx, task("t-1"))
	assert.Nil(t, vc)
	require.Error(t, err)
	serr, ok := security.AsError(err)
	require.True(t, ok)
	assert.Equal(t, security.KindPreTaskRejected, serr.Kind)
	assert.Equal(t, "hard", serr.Checker)
	assert.Equal(t, []string{"soft", "hard"}, calls)

	assert.Len(t, h.log.find(security.EventPreTaskRejected), 1)
	metrics := h.m.GetMetrics()
	assert.Equal(t, 0, metrics.StoredContexts)
	assert.Equal(t, int64(1), metrics.PreTaskRejected)
	assert.Equal(t, int64(1), metrics.Failed)
	assert.Equal(t, int64(0), metrics.Passed)

	_, err = h.m.RunPreTask(ctx, verification.Task{ID: "t-2"})
	assert.ErrorIs(t, err, ErrInvalidTask)
}

func TestManager_RegistrationsFreezeOnFirstRun(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.m.RegisterPreTaskChecker("a", passingChecker()))
	assert.ErrorIs(t, h.m.RegisterPreTaskChecker("a", passingChecker()), ErrDuplicateName)
	assert.Error(t, h.m.RegisterPreTaskChecker(" ", passingChecker()))

	_, err := h.m.RunPreTask(context.Background(), task("t-1"))
	require.NoError(t, err)

	assert.ErrorIs(t, h.m.RegisterPreTaskChecker("b", passingChecker()), ErrRegistryFrozen)
	assert.ErrorIs(t, h.m.RegisterPostTaskValidator("c", RequiredFields{}), ErrRegistryFrozen)
	assert.ErrorIs(t, h.m.Use(verification.PluginFuncs{PluginName: "p"}), ErrRegistryFrozen)
}

func TestManager_RateLimitedAdmission(t *testing.T) {
	ctx := context.Background()
	log := &eventLog{}
	limiter := ratelimit.NewLimiter(ratelimit.Limits{PerSecond: 2}, nil, zerolog.Nop())
	m := NewManager(Config{}, Dependencies{Audit: log, Limiter: limiter, Hasher: audit.MustHasher(audit.HashSHA256)}, zerolog.Nop())
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		_, err := m.RunPreTask(ctx, task(fmt.Sprintf("t-%d", i)))
		require.NoError(t, err)
	}
	_, err := m.RunPreTask(ctx, task("t-3"))
	require.Error(t, err)
	serr, ok := security.AsError(err)
	require.True(t, ok)
	assert.Equal(t, security.KindRateLimitExceeded, serr.Kind)
	assert.Equal(t, time.Second, serr.RetryAfter)

	events := log.find(security.EventRateLimitExceeded)
	require.Len(t, events, 1)
	evidence := events[0].Evidence.(security.RateLimitEvidence)
	assert.Equal(t, "second", evidence.Granularity)
	assert.Equal(t, 2, evidence.Limit)
	metrics := m.GetMetrics()
	assert.Equal(t, int64(1), metrics.RateLimited)
	assert.Equal(t, int64(1), metrics.Failed)
	assert.Equal(t, int64(2), metrics.PreTaskPassed)
}

func TestManager_MetricsTotalsSpanStages(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	require.NoError(t, h.m.RegisterPreTaskChecker("blocklist", verification.PreTaskCheckerFunc(func(_ context.Context, tk verification.Task) (verification.CheckResult, error) {
		if tk.AgentID == "worker-9" {
			return verification.Fail("blocked"), nil
		}
		return verification.Pass(), nil
	})))
	require.NoError(t, h.m.RegisterPostTaskValidator("shape", RequiredFields{"answer"}))

	ok, err := h.m.RunPreTask(ctx, task("t-1"))
	require.NoError(t, err)
	_, err = h.m.RunPostTask(ctx, ok.ID, verification.Result{Success: true, Output: json.RawMessage(`{"answer":1}`)})
	require.NoError(t, err)

	bad, err := h.m.RunPreTask(ctx, task("t-2"))
	require.NoError(t, err)
	_, err = h.m.RunPostTask(ctx, bad.ID, verification.Result{Success: true, Output: json.RawMessage(`{}`)})
	require.Error(t, err)

	blocked := task("t-3")
	blocked.AgentID = "worker-9"
	_, err = h.m.RunPreTask(ctx, blocked)
	require.Error(t, err)

	metrics := h.m.GetMetrics()
	assert.Equal(t, int64(2), metrics.PreTaskPassed)
	assert.Equal(t, int64(1), metrics.PreTaskRejected)
	assert.Equal(t, int64(1), metrics.PostTaskPassed)
	assert.Equal(t, int64(1), metrics.PostTaskFailed)
	assert.Equal(t, int64(1), metrics.Passed)
	assert.Equal(t, int64(2), metrics.Failed)
}

func TestManager_MinimumTrust(t *testing.T) {
	h := newHarness(t, Config{MinTrust: 50})
	h.m.deps.Reputation.(*appReputation.Tracker).FlagByzantine("worker-1", "equivocation")

	_, err := h.m.RunPreTask(context.Background(), task("t-1"))
	serr, ok := security.AsError(err)
	require.True(t, ok)
	assert.Equal(t, security.KindPreTaskRejected, serr.Kind)
	assert.Equal(t, "reputation", serr.Checker)

	other := task("t-2")
	other.AgentID = "worker-2"
	_, err = h.m.RunPreTask(context.Background(), other)
	assert.NoError(t, err)
}

func TestManager_ClaimConsensusAttestationFlow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{ChainKey: []byte("checkpoint-key")})
	require.NoError(t, h.m.RegisterTruthValidator("peers", ConsensusRequired(h.keys.ids)))

	tk := task("t-1")
	tk.RequireAttestation = true
	vc, err := h.m.RunPreTask(ctx, tk)
	require.NoError(t, err)
	_, err = h.m.RunPostTask(ctx, vc.ID, verification.Result{Success: true})
	require.NoError(t, err)

	res, err := h.m.ValidateTruthClaim(ctx, vc.ID, verification.Claim{Statement: "model converged"})
	require.NoError(t, err)
	assert.False(t, res.Resolved)
	require.NotEmpty(t, res.RoundID)

	got, err := h.m.Get(vc.ID)
	require.NoError(t, err)
	assert.Equal(t, verification.StatusAwaitingConsensus, got.Status)
	_, err = h.m.ValidateTruthClaim(ctx, vc.ID, verification.Claim{Statement: "again"})
	assert.ErrorIs(t, err, ErrRoundPending)

	type outcome struct {
		res *verification.ClaimResolution
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := h.m.AwaitConsensus(ctx, vc.ID)
		done <- outcome{r, err}
	}()
	for i, id := range h.keys.ids {
		h.vote(t, res.RoundID, id, i < 4)
	}
	var out outcome
	select {
	case out = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitConsensus did not return")
	}
	require.NoError(t, out.err)
	assert.True(t, out.res.Resolved)
	assert.True(t, out.res.Valid)

	_, err = h.m.Complete(ctx, vc.ID)
	assert.ErrorIs(t, err, ErrAttestationRequired)

	sigID, err := h.m.RequestAttestation(ctx, vc.ID, h.keys.ids, 3)
	require.NoError(t, err)
	state, err := h.coord.State(sigID)
	require.NoError(t, err)
	for _, id := range h.keys.ids[:3] {
		_, err := h.coord.SubmitPartial(ctx, sigID, id, ed25519.Sign(h.keys.priv[id], state.Message))
		require.NoError(t, err)
	}

	signed, err := h.m.AwaitAttestation(ctx, vc.ID)
	require.NoError(t, err)
	assert.Equal(t, verification.StatusSigned, signed.Status)

	completed, err := h.m.Complete(ctx, vc.ID)
	require.NoError(t, err)
	assert.Equal(t, verification.StatusCompleted, completed.Status)
	assert.Equal(t, sigID, completed.SignatureID)
	require.Len(t, h.log.find(security.EventTaskCompleted), 1)

	idx, err := h.m.VerifyCheckpoints(vc.ID)
	require.NoError(t, err)
	assert.Equal(t, -1, idx)

	_, err = h.m.Cancel(ctx, vc.ID, "too late")
	assert.ErrorIs(t, err, ErrContextTerminal)
	assert.Equal(t, int64(1), h.m.GetMetrics().Completed)
}

func TestManager_FailedConsensusAllowsRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	require.NoError(t, h.m.RegisterTruthValidator("peers", ConsensusRequired(h.keys.ids)))
	vc, err := h.m.RunPreTask(ctx, task("t-1"))
	require.NoError(t, err)

	res, err := h.m.ValidateTruthClaim(ctx, vc.ID, verification.Claim{Statement: "s"})
	require.NoError(t, err)
	for i, id := range h.keys.ids {
		h.vote(t, res.RoundID, id, i < 3)
	}
	out, err := h.m.AwaitConsensus(ctx, vc.ID)
	require.Error(t, err)
	assert.True(t, security.IsKind(err, security.KindConsensusFailed))
	assert.False(t, out.Resolved)

	got, err := h.m.Get(vc.ID)
	require.NoError(t, err)
	assert.Equal(t, verification.StatusAwaitingConsensus, got.Status)
	_, err = h.m.AwaitConsensus(ctx, vc.ID)
	assert.ErrorIs(t, err, ErrNoPendingRound)

	retry, err := h.m.ValidateTruthClaim(ctx, vc.ID, verification.Claim{Statement: "s"})
	require.NoError(t, err)
	assert.NotEqual(t, res.RoundID, retry.RoundID)
	for _, id := range h.keys.ids {
		h.vote(t, retry.RoundID, id, true)
	}
	out, err = h.m.AwaitConsensus(ctx, vc.ID)
	require.NoError(t, err)
	assert.True(t, out.Valid)
}

func TestManager_RejectedConsensusRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	require.NoError(t, h.m.RegisterTruthValidator("peers", ConsensusRequired(h.keys.ids)))
	vc, err := h.m.RunPreTask(ctx, task("t-1"))
	require.NoError(t, err)

	res, err := h.m.ValidateTruthClaim(ctx, vc.ID, verification.Claim{Statement: "s"})
	require.NoError(t, err)
	for i, id := range h.keys.ids {
		h.vote(t, res.RoundID, id, i == 0)
	}
	out, err := h.m.AwaitConsensus(ctx, vc.ID)
	require.NoError(t, err)
	assert.True(t, out.Resolved)
	assert.False(t, out.Valid)

	got, err := h.m.Get(vc.ID)
	require.NoError(t, err)
	assert.Equal(t, verification.StatusRolledBack, got.Status)
}

func TestManager_ConsensusTimeoutEvaluatesVotesCast(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{ConsensusTimeout: 20 * time.Millisecond})
	require.NoError(t, h.m.RegisterTruthValidator("peers", ConsensusRequired(h.keys.ids)))
	vc, err := h.m.RunPreTask(ctx, task("t-1"))
	require.NoError(t, err)
	res, err := h.m.ValidateTruthClaim(ctx, vc.ID, verification.Claim{Statement: "s"})
	require.NoError(t, err)
	h.vote(t, res.RoundID, h.keys.ids[0], true)

	_, err = h.m.AwaitConsensus(ctx, vc.ID)
	assert.True(t, security.IsKind(err, security.KindConsensusFailed))
	round, err := h.engine.Round(res.RoundID)
	require.NoError(t, err)
	assert.Equal(t, consensus.PhaseFailed, round.Phase)
}

func TestManager_TruthValidatorRejection(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	expr, err := NewExpressionValidator("confidence >= 0.9")
	require.NoError(t, err)
	require.NoError(t, h.m.RegisterTruthValidator("confidence", expr))

	ok, err := h.m.RunPreTask(ctx, task("t-1"))
	require.NoError(t, err)
	res, err := h.m.ValidateTruthClaim(ctx, ok.ID, verification.Claim{Statement: "s", Evidence: json.RawMessage(`{"confidence":0.95}`)})
	require.NoError(t, err)
	assert.True(t, res.Resolved && res.Valid)

	bad, err := h.m.RunPreTask(ctx, task("t-2"))
	require.NoError(t, err)
	res, err = h.m.ValidateTruthClaim(ctx, bad.ID, verification.Claim{Statement: "s", Evidence: json.RawMessage(`{"confidence":0.2}`)})
	require.NoError(t, err)
	assert.True(t, res.Resolved)
	assert.False(t, res.Valid)
	got, err := h.m.Get(bad.ID)
	require.NoError(t, err)
	assert.Equal(t, verification.StatusRolledBack, got.Status)
}

func TestManager_NoTruthValidators(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.m.ValidateTruthClaim(context.Background(), uuid.Nil, verification.Claim{})
	assert.ErrorIs(t, err, ErrNoTruthValidators)
}

func TestManager_CancelFromEveryNonTerminalState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	require.NoError(t, h.m.RegisterTruthValidator("peers", ConsensusRequired(h.keys.ids)))

	checked, err := h.m.RunPreTask(ctx, task("t-1"))
	require.NoError(t, err)

	validated, err := h.m.RunPreTask(ctx, task("t-2"))
	require.NoError(t, err)
	_, err = h.m.RunPostTask(ctx, validated.ID, verification.Result{Success: true})
	require.NoError(t, err)

	awaiting, err := h.m.RunPreTask(ctx, task("t-3"))
	require.NoError(t, err)
	_, err = h.m.ValidateTruthClaim(ctx, awaiting.ID, verification.Claim{Statement: "s"})
	require.NoError(t, err)

	for _, id := range []uuid.UUID{checked.ID, validated.ID, awaiting.ID} {
		vc, err := h.m.Cancel(ctx, id, "operator")
		require.NoError(t, err)
		assert.Equal(t, verification.StatusRolledBack, vc.Status)
		assert.Equal(t, "cancelled: operator", vc.Reason)

		again, err := h.m.Cancel(ctx, id, "operator")
		require.NoError(t, err, "rollback is idempotent")
		assert.Equal(t, verification.StatusRolledBack, again.Status)
	}
	assert.Equal(t, int64(3), h.m.GetMetrics().Rollbacks)

	_, err = h.m.AwaitConsensus(ctx, awaiting.ID)
	assert.ErrorIs(t, err, ErrNoPendingRound)
}

func TestManager_Cleanup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	clock := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	h.m.now = func() time.Time { return clock }

	old, err := h.m.RunPreTask(ctx, task("old"))
	require.NoError(t, err)
	clock = clock.Add(10 * time.Minute)
	young, err := h.m.RunPreTask(ctx, task("young"))
	require.NoError(t, err)
	clock = clock.Add(time.Minute)

	assert.Equal(t, 1, h.m.Cleanup(ctx, 5*time.Minute))
	_, err = h.m.Get(old.ID)
	assert.ErrorIs(t, err, ErrContextNotFound)
	_, err = h.m.Get(young.ID)
	assert.NoError(t, err)

	assert.Equal(t, 1, h.m.Cleanup(ctx, 0))
	assert.Equal(t, 0, h.m.GetMetrics().StoredContexts)
}

func TestManager_CleanupDuringPipeline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, h.m.RegisterPostTaskValidator("slow", verification.PostTaskValidatorFunc(func(context.Context, verification.Task, verification.Result) (verification.CheckResult, error) {
		close(started)
		<-release
		return verification.Pass(), nil
	})))
	vc, err := h.m.RunPreTask(ctx, task("t-1"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := h.m.RunPostTask(ctx, vc.ID, verification.Result{Success: true})
		done <- err
	}()
	<-started
	assert.Equal(t, 1, h.m.Cleanup(ctx, 0), "cleanup does not wait for in-flight verification")
	close(release)
	assert.NoError(t, <-done)
}

func TestManager_PluginOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	var mu sync.Mutex
	var trace []string
	add := func(s string) {
		mu.Lock()
		trace = append(trace, s)
		mu.Unlock()
	}
	plugin := func(name string, failStage verification.Stage) verification.Plugin {
		return verification.PluginFuncs{
			PluginName: name,
			BeforeFn: func(_ context.Context, stage verification.Stage, _ *verification.Context) error {
				add(name + ".before." + string(stage))
				if stage == failStage {
					return errors.New("blocked")
				}
				return nil
			},
			AfterFn: func(_ context.Context, stage verification.Stage, _ *verification.Context) {
				add(name + ".after." + string(stage))
			},
			OnErrorFn: func(_ context.Context, stage verification.Stage, _ *verification.Context, _ error) {
				add(name + ".error." + string(stage))
			},
		}
	}
	require.NoError(t, h.m.Use(plugin("a", "")))
	require.NoError(t, h.m.Use(plugin("b", verification.StagePostTask)))

	vc, err := h.m.RunPreTask(ctx, task("t-1"))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"a.before.PRE_TASK", "b.before.PRE_TASK",
		"b.after.PRE_TASK", "a.after.PRE_TASK",
	}, trace)

	trace = nil
	verdict, err := h.m.RunPostTask(ctx, vc.ID, verification.Result{Success: true})
	assert.True(t, security.IsKind(err, security.KindPostTaskValidationFailed))
	assert.Equal(t, []string{"plugin"}, verdict.Failures)
	assert.Equal(t, []string{
		"a.before.POST_TASK", "b.before.POST_TASK",
		"a.error.POST_TASK", "b.error.POST_TASK",
	}, trace)
}

func TestManager_Shutdown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	stopped := 0
	h.m.OnShutdown(func() { stopped++ })

	_, err := h.m.Submit(ctx, "t-1", "worker-1")
	require.NoError(t, err)

	require.NoError(t, h.m.Shutdown(ctx))
	require.NoError(t, h.m.Shutdown(ctx))
	assert.Equal(t, 1, stopped)
	assert.Equal(t, 0, h.m.GetMetrics().StoredContexts)

	_, err = h.m.Submit(ctx, "t-2", "worker-1")
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestManager_ConcurrentContextsAreIndependent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	require.NoError(t, h.m.RegisterPostTaskValidator("ok", verification.PostTaskValidatorFunc(func(_ context.Context, _ verification.Task, r verification.Result) (verification.CheckResult, error) {
		if !r.Success {
			return verification.Fail("failed"), nil
		}
		return verification.Pass(), nil
	})))

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tk := task(fmt.Sprintf("t-%d", i))
			tk.AgentID = fmt.Sprintf("worker-%d", i%4)
			vc, err := h.m.RunPreTask(ctx, tk)
			if !assert.NoError(t, err) {
				return
			}
			_, _ = h.m.OnResult(ctx, vc.ID, verification.Result{Success: i%2 == 0})
		}(i)
	}
	wg.Wait()

	metrics := h.m.GetMetrics()
	assert.Equal(t, int64(20), metrics.PostTaskPassed)
	assert.Equal(t, int64(20), metrics.PostTaskFailed)
	assert.Equal(t, int64(20), metrics.Passed)
	assert.Equal(t, int64(20), metrics.Failed)
	assert.Equal(t, int64(20), metrics.Rollbacks)
	assert.Equal(t, 20, metrics.ActiveContexts)
}
