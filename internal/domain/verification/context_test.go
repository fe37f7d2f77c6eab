package verification

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/verification-gate/internal/domain/audit"
)

func TestStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusChecked, true},
		{StatusPending, StatusValidated, false},
		{StatusChecked, StatusValidated, true},
		{StatusChecked, StatusAwaitingConsensus, true},
		{StatusChecked, StatusCompleted, false},
		{StatusAwaitingConsensus, StatusAwaitingConsensus, true},
		{StatusAwaitingConsensus, StatusSigned, false},
		{StatusValidated, StatusSigned, true},
		{StatusValidated, StatusCompleted, true},
		{StatusSigned, StatusCompleted, true},
		{StatusSigned, StatusValidated, false},
		{StatusCompleted, StatusRolledBack, false},
		{StatusRolledBack, StatusChecked, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestStatus_EveryNonTerminalCanRollBack(t *testing.T) {
	for from := range transitions {
		if from.IsTerminal() {
			assert.False(t, from.CanTransitionTo(StatusRolledBack), from)
			continue
		}
		assert.True(t, from.CanTransitionTo(StatusRolledBack), from)
	}
}

func TestContext_Transition(t *testing.T) {
	now := time.Now()
	vc := NewContext(Task{ID: "t1", AgentID: "a1"}, now)
	assert.Equal(t, StatusPending, vc.Status)

	require.NoError(t, vc.Transition(StatusChecked, now))
	assert.ErrorIs(t, vc.Transition(StatusSigned, now), ErrInvalidTransition)
	assert.Nil(t, vc.FinishedAt)

	later := now.Add(time.Second)
	require.NoError(t, vc.Transition(StatusRolledBack, later))
	require.NotNil(t, vc.FinishedAt)
	assert.Equal(t, later, *vc.FinishedAt)
	assert.ErrorIs(t, vc.Transition(StatusChecked, later), ErrInvalidTransition)
}

func TestContext_CloneIsIndependent(t *testing.T) {
	vc := NewContext(Task{ID: "t1"}, time.Now())
	vc.Claim = &Claim{ID: "c", Participants: []string{"a", "b"}}
	vc.Checkpoints = []Checkpoint{{Seq: 1}}

	cp := vc.Clone()
	cp.Claim.Participants[0] = "z"
	cp.Checkpoints[0].Seq = 99

	assert.Equal(t, "a", vc.Claim.Participants[0])
	assert.Equal(t, 1, vc.Checkpoints[0].Seq)
}

func TestChain_AppendAndVerify(t *testing.T) {
	now := time.Now()
	for _, key := range [][]byte{nil, []byte("chain-key")} {
		chain := NewChain(audit.MustHasher(audit.HashSHA256), key)
		vc := NewContext(Task{ID: "t1"}, now)

		first := chain.Append(vc, StagePreTask, "schema", true, "", now)
		second := chain.Append(vc, StagePostTask, "output", false, "missing field", now.Add(time.Millisecond))

		assert.Equal(t, "", first.PrevCommit)
		assert.Equal(t, first.Commit, second.PrevCommit)
		assert.Equal(t, 2, second.Seq)
		assert.Equal(t, len(key) > 0, len(second.Signature) > 0)
		assert.Equal(t, -1, chain.Verify(vc.Checkpoints))

		tampered := append([]Checkpoint(nil), vc.Checkpoints...)
		tampered[1].Passed = true
		assert.Equal(t, 1, chain.Verify(tampered))

		relinked := append([]Checkpoint(nil), vc.Checkpoints...)
		relinked[0].Evidence = "forged"
		assert.Equal(t, 0, chain.Verify(relinked))
	}
}

func TestChain_SignatureMismatch(t *testing.T) {
	now := time.Now()
	signer := NewChain(audit.MustHasher(audit.HashBLAKE2b256), []byte("k1"))
	other := NewChain(audit.MustHasher(audit.HashBLAKE2b256), []byte("k2"))

	vc := NewContext(Task{ID: "t1"}, now)
	signer.Append(vc, StagePreTask, "schema", true, "", now)

	assert.Equal(t, -1, signer.Verify(vc.Checkpoints))
	assert.Equal(t, 0, other.Verify(vc.Checkpoints))
}
