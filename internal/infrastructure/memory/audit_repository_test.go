package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/verification-gate/internal/domain/audit"
	"github.com/execution-hub/verification-gate/internal/domain/security"
)

func appendEvents(t *testing.T, repo *AuditRepository, events ...*security.Event) {
	t.Helper()
	h := audit.MustHasher(audit.HashSHA256)
	ctx := context.Background()
	for _, ev := range events {
		head, err := repo.Head(ctx)
		require.NoError(t, err)
		seq, prev := int64(1), ""
		if head != nil {
			seq, prev = head.Seq+1, head.ChainHash
		}
		entry, err := audit.NewEntry(h, seq, prev, ev)
		require.NoError(t, err)
		require.NoError(t, repo.Append(ctx, entry))
	}
}

func TestAuditRepository_AppendAndList(t *testing.T) {
	ctx := context.Background()
	repo := NewAuditRepository()

	head, err := repo.Head(ctx)
	require.NoError(t, err)
	assert.Nil(t, head)

	appendEvents(t, repo,
		security.NewEvent(security.SeverityInfo, "a1", security.VoteRecordedEvidence{RoundID: "r", Vote: true}),
		security.NewEvent(security.SeverityWarning, "a2", security.RateLimitEvidence{Granularity: "second"}),
		security.NewEvent(security.SeverityHigh, "a1", security.ByzantineEvidence{Reason: "equivocation"}),
	)

	all, err := repo.List(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, all[0].ChainHash, all[1].PrevHash)

	page, err := repo.List(ctx, 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.EqualValues(t, 2, page[0].Seq)

	page[0].AgentID = "mutated"
	again, err := repo.List(ctx, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, "a2", again[0].AgentID, "stored entries are not aliased")
}

func TestAuditRepository_RejectsSequenceConflict(t *testing.T) {
	ctx := context.Background()
	repo := NewAuditRepository()
	entry, err := audit.NewEntry(audit.MustHasher(audit.HashSHA256), 2, "", security.NewEvent(security.SeverityInfo, "", security.VoteRecordedEvidence{}))
	require.NoError(t, err)
	assert.ErrorIs(t, repo.Append(ctx, entry), audit.ErrSequenceConflict)
}

func TestAuditRepository_Query(t *testing.T) {
	ctx := context.Background()
	repo := NewAuditRepository()
	appendEvents(t, repo,
		security.NewEvent(security.SeverityInfo, "a1", security.VoteRecordedEvidence{RoundID: "r"}),
		security.NewEvent(security.SeverityHigh, "a2", security.ByzantineEvidence{Reason: "x"}),
		security.NewEvent(security.SeverityHigh, "a1", security.ByzantineEvidence{Reason: "y"}),
	)

	agent := "a1"
	got, err := repo.Query(ctx, audit.Filter{AgentID: &agent})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	typ := security.EventByzantineDetected
	got, err = repo.Query(ctx, audit.Filter{EventType: &typ, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a2", got[0].AgentID)

	future := time.Now().Add(time.Hour)
	got, err = repo.Query(ctx, audit.Filter{From: &future})
	require.NoError(t, err)
	assert.Empty(t, got)
}
