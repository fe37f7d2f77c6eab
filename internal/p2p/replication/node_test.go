package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appAudit "github.com/execution-hub/verification-gate/internal/application/audit"
	"github.com/execution-hub/verification-gate/internal/domain/audit"
	"github.com/execution-hub/verification-gate/internal/domain/security"
)

func testConfig(id string, bootstrap bool) Config {
	return Config{
		NodeID:           id,
		Bootstrap:        bootstrap,
		HeartbeatTimeout: 100 * time.Millisecond,
		LogOutput:        io.Discard,
	}
}

func vote(agent string) *security.Event {
	return security.NewEvent(security.SeverityInfo, agent, security.VoteRecordedEvidence{RoundID: "r1", Vote: true})
}

func TestNode_SingleNodeAppend(t *testing.T) {
	h := audit.MustHasher(audit.HashSHA256)
	_, transport := raft.NewInmemTransport("")
	node, err := NewInmemNode(testConfig("n1", true), h, transport, zerolog.Nop())
	require.NoError(t, err)
	defer node.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = node.WaitForLeader(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.Eventually(t, node.IsLeader, 5*time.Second, 10*time.Millisecond)

	trail := appAudit.NewTrail(node, h, []byte("k"), nil, zerolog.Nop())
	for i := 0; i < 10; i++ {
		_, err := trail.Append(ctx, vote(fmt.Sprintf("agent-%d", i)))
		require.NoError(t, err)
	}

	report, err := trail.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, report.Verified)
	assert.EqualValues(t, 10, report.Entries)

	head, err := node.Head(ctx)
	require.NoError(t, err)
	stale, err := audit.NewEntry(h, head.Seq, head.PrevHash, vote("late"))
	require.NoError(t, err)
	assert.ErrorIs(t, node.Append(ctx, stale), audit.ErrSequenceConflict)

	forged, err := audit.NewEntry(h, head.Seq+1, head.ChainHash, vote("x"))
	require.NoError(t, err)
	forged.EventHash = "deadbeef"
	assert.Error(t, node.Append(ctx, forged), "entries failing hash verification are not applied")

	agent := "agent-3"
	entries, err := node.Query(ctx, audit.Filter{AgentID: &agent})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NoError(t, node.Barrier(ctx))
	require.NoError(t, node.Snapshot())
}

func TestNode_ReplicatesToFollowers(t *testing.T) {
	h := audit.MustHasher(audit.HashSHA256)

	addrs := make([]raft.ServerAddress, 3)
	transports := make([]*raft.InmemTransport, 3)
	for i := range transports {
		addrs[i], transports[i] = raft.NewInmemTransport("")
	}
	for i := range transports {
		for j := range transports {
			if i != j {
				transports[i].Connect(addrs[j], transports[j])
			}
		}
	}

	nodes := make([]*Node, 3)
	for i := range nodes {
		n, err := NewInmemNode(testConfig(fmt.Sprintf("n%d", i), i == 0), h, transports[i], zerolog.Nop())
		require.NoError(t, err)
		nodes[i] = n
		defer n.Shutdown()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.Eventually(t, nodes[0].IsLeader, 5*time.Second, 10*time.Millisecond)
	for i := 1; i < 3; i++ {
		require.NoError(t, nodes[0].AddVoter(ctx, nodes[i].ID(), nodes[i].RaftAddr()))
	}
	require.NoError(t, nodes[0].AddVoter(ctx, nodes[1].ID(), nodes[1].RaftAddr()), "re-adding is a no-op")

	trail := appAudit.NewTrail(nodes[0], h, nil, nil, zerolog.Nop())
	for i := 0; i < 5; i++ {
		_, err := trail.Append(ctx, vote("agent-1"))
		require.NoError(t, err)
	}

	for _, follower := range nodes[1:] {
		follower := follower
		require.Eventually(t, func() bool {
			head, err := follower.Head(ctx)
			return err == nil && head != nil && head.Seq == 5
		}, 5*time.Second, 10*time.Millisecond)

		assert.False(t, follower.IsLeader())
		assert.Equal(t, nodes[0].ID(), follower.LeaderNodeID())

		replicaTrail := appAudit.NewTrail(follower, h, nil, nil, zerolog.Nop())
		ok, err := replicaTrail.VerifyIntegrity(ctx)
		require.NoError(t, err)
		assert.True(t, ok)

		_, err = replicaTrail.Append(ctx, vote("agent-2"))
		assert.ErrorIs(t, err, ErrNotLeader)
		assert.True(t, IsLeadershipErr(err))
	}

	require.NoError(t, nodes[0].RemoveServer(ctx, nodes[2].ID()))
	assert.NotEmpty(t, nodes[0].Stats())
}

func TestFSM_SnapshotRestore(t *testing.T) {
	h := audit.MustHasher(audit.HashSHA256)
	src := newFSM(h)

	prev := ""
	for i := int64(1); i <= 3; i++ {
		entry, err := audit.NewEntry(h, i, prev, vote("a"))
		require.NoError(t, err)
		data, err := json.Marshal(Command{Op: OpAuditAppend, NodeID: "n1", Timestamp: time.Now(), Entry: entry})
		require.NoError(t, err)
		assert.Nil(t, src.Apply(&raft.Log{Data: data}))
		prev = entry.ChainHash
	}

	bad, err := json.Marshal(Command{Op: "DROP_TABLE", NodeID: "n1", Timestamp: time.Now()})
	require.NoError(t, err)
	assert.Error(t, src.Apply(&raft.Log{Data: bad}).(error))

	snap, err := src.Snapshot()
	require.NoError(t, err)
	sink := &memorySink{}
	require.NoError(t, snap.Persist(sink))

	dst := newFSM(h)
	require.NoError(t, dst.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))
	entries, err := dst.current().List(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, prev, entries[2].ChainHash)
}

func TestConfig_Normalized(t *testing.T) {
	_, err := Config{}.normalized(false)
	assert.Error(t, err)
	_, err = Config{NodeID: "n1"}.normalized(true)
	assert.Error(t, err)

	cfg, err := Config{NodeID: " n1 ", RaftAddr: "127.0.0.1:7000", DataDir: "/tmp/x"}.normalized(true)
	require.NoError(t, err)
	assert.Equal(t, "n1", cfg.NodeID)
	assert.Equal(t, 2, cfg.SnapshotRetain)
	assert.Equal(t, 5*time.Second, cfg.ApplyTimeout)
}

type memorySink struct {
	bytes.Buffer
}

func (s *memorySink) ID() string    { return "mem" }
func (s *memorySink) Cancel() error { return nil }
func (s *memorySink) Close() error  { return nil }
