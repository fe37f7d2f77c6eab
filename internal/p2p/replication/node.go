// Package replication replicates the audit trail across gate instances with
// Raft. A Node is an audit.Repository: writes go through the leader's log,
// reads are served from the local replica.
package replication

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"github.com/rs/zerolog"

	"github.com/execution-hub/verification-gate/internal/domain/audit"
)

// Config defines one Raft node runtime.
type Config struct {
	NodeID         string
	RaftAddr       string
	DataDir        string
	Bootstrap      bool
	SnapshotRetain int
	ApplyTimeout   time.Duration
	// HeartbeatTimeout overrides the Raft heartbeat and election timeouts.
	HeartbeatTimeout time.Duration
	LogOutput        io.Writer
}

// Node wraps Raft and the audit replica.
type Node struct {
	id           string
	raftAddr     string
	applyTimeout time.Duration

	raft      *raft.Raft
	transport raft.Transport
	closers   []io.Closer
	fsm       *fsm
	logger    zerolog.Logger
}

var ErrNotLeader = errors.New("not the replication leader")

func (c Config) normalized(requireDisk bool) (Config, error) {
	c.NodeID = strings.TrimSpace(c.NodeID)
	c.RaftAddr = strings.TrimSpace(c.RaftAddr)
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.NodeID == "" {
		return c, errors.New("node_id is required")
	}
	if requireDisk {
		if c.RaftAddr == "" {
			return c, errors.New("raft_addr is required")
		}
		if c.DataDir == "" {
			return c, errors.New("data_dir is required")
		}
	}
	if c.SnapshotRetain <= 0 {
		c.SnapshotRetain = 2
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = 5 * time.Second
	}
	if c.LogOutput == nil {
		c.LogOutput = os.Stderr
	}
	return c, nil
}

// NewNode creates a Raft node backed by BoltDB and a TCP transport.
func NewNode(cfg Config, hasher *audit.Hasher, logger zerolog.Logger) (*Node, error) {
	cfg, err := cfg.normalized(true)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.bolt"))
	if err != nil {
		return nil, err
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.bolt"))
	if err != nil {
		_ = logStore.Close()
		return nil, err
	}
	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, cfg.SnapshotRetain, cfg.LogOutput)
	if err != nil {
		_ = logStore.Close()
		_ = stableStore.Close()
		return nil, err
	}
	transport, err := raft.NewTCPTransport(cfg.RaftAddr, nil, 3, 10*time.Second, cfg.LogOutput)
	if err != nil {
		_ = logStore.Close()
		_ = stableStore.Close()
		return nil, err
	}

	n, err := newNode(cfg, hasher, logStore, stableStore, snapshotStore, transport, logger)
	if err != nil {
		_ = transport.Close()
		_ = logStore.Close()
		_ = stableStore.Close()
		return nil, err
	}
	n.closers = append(n.closers, transport, logStore, stableStore)
	return n, nil
}

// NewInmemNode creates a node that keeps its log in memory. It is used for
// single-process deployments and tests.
func NewInmemNode(cfg Config, hasher *audit.Hasher, transport raft.Transport, logger zerolog.Logger) (*Node, error) {
	cfg, err := cfg.normalized(false)
	if err != nil {
		return nil, err
	}
	if cfg.RaftAddr == "" {
		cfg.RaftAddr = string(transport.LocalAddr())
	}
	store := raft.NewInmemStore()
	return newNode(cfg, hasher, store, store, raft.NewInmemSnapshotStore(), transport, logger)
}

func newNode(cfg Config, hasher *audit.Hasher, logs raft.LogStore, stable raft.StableStore,
	snaps raft.SnapshotStore, transport raft.Transport, logger zerolog.Logger) (*Node, error) {
	machine := newFSM(hasher)

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.LogOutput = cfg.LogOutput
	if cfg.HeartbeatTimeout > 0 {
		raftCfg.HeartbeatTimeout = cfg.HeartbeatTimeout
		raftCfg.ElectionTimeout = cfg.HeartbeatTimeout
		raftCfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout / 2
	}
	r, err := raft.NewRaft(raftCfg, machine, logs, stable, snaps, transport)
	if err != nil {
		return nil, err
	}

	n := &Node{
		id:           cfg.NodeID,
		raftAddr:     cfg.RaftAddr,
		applyTimeout: cfg.ApplyTimeout,
		raft:         r,
		transport:    transport,
		fsm:          machine,
		logger:       logger.With().Str("service", "replication").Str("nodeId", cfg.NodeID).Logger(),
	}

	if cfg.Bootstrap {
		hasState, err := raft.HasExistingState(logs, stable, snaps)
		if err != nil {
			return nil, err
		}
		if !hasState {
			future := r.BootstrapCluster(raft.Configuration{Servers: []raft.Server{{
				ID:      raft.ServerID(cfg.NodeID),
				Address: raft.ServerAddress(cfg.RaftAddr),
			}}})
			if err := future.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
				return nil, err
			}
		}
	}

	n.logger.Info().Str("raftAddr", cfg.RaftAddr).Bool("bootstrap", cfg.Bootstrap).Msg("replication node started")
	return n, nil
}

// Append replicates entry through the leader. Followers return ErrNotLeader.
func (n *Node) Append(ctx context.Context, entry *audit.Entry) error {
	if !n.IsLeader() {
		return ErrNotLeader
	}
	data, err := json.Marshal(Command{
		Op:        OpAuditAppend,
		NodeID:    n.id,
		Timestamp: time.Now().UTC(),
		Entry:     entry,
	})
	if err != nil {
		return err
	}
	timeout := n.applyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return context.DeadlineExceeded
		}
		if remaining < timeout {
			timeout = remaining
		}
	}
	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		if isLeadershipErr(err) {
			return ErrNotLeader
		}
		return err
	}
	if applyErr, ok := future.Response().(error); ok && applyErr != nil {
		return applyErr
	}
	return nil
}

func (n *Node) Head(ctx context.Context) (*audit.Entry, error) {
	return n.fsm.current().Head(ctx)
}

func (n *Node) List(ctx context.Context, fromSeq int64, limit int) ([]*audit.Entry, error) {
	return n.fsm.current().List(ctx, fromSeq, limit)
}

func (n *Node) Query(ctx context.Context, filter audit.Filter) ([]*audit.Entry, error) {
	return n.fsm.current().Query(ctx, filter)
}

// Barrier blocks until every committed entry is applied to the local replica.
func (n *Node) Barrier(ctx context.Context) error {
	return n.raft.Barrier(n.raftTimeout(ctx)).Error()
}

// Snapshot forces a Raft snapshot of the replica.
func (n *Node) Snapshot() error {
	return n.raft.Snapshot().Error()
}

// AddVoter joins or updates one voter in the cluster config.
func (n *Node) AddVoter(ctx context.Context, nodeID, raftAddr string) error {
	nodeID = strings.TrimSpace(nodeID)
	raftAddr = strings.TrimSpace(raftAddr)
	if nodeID == "" || raftAddr == "" {
		return errors.New("node_id and raft_addr are required")
	}
	cfgFuture := n.raft.GetConfiguration()
	if err := cfgFuture.Error(); err != nil {
		return err
	}
	for _, srv := range cfgFuture.Configuration().Servers {
		if srv.ID == raft.ServerID(nodeID) && srv.Address == raft.ServerAddress(raftAddr) {
			return nil
		}
		if srv.ID == raft.ServerID(nodeID) || srv.Address == raft.ServerAddress(raftAddr) {
			if err := n.raft.RemoveServer(srv.ID, 0, n.raftTimeout(ctx)).Error(); err != nil {
				return err
			}
		}
	}
	if err := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(raftAddr), 0, n.raftTimeout(ctx)).Error(); err != nil {
		return err
	}
	n.logger.Info().Str("voter", nodeID).Str("raftAddr", raftAddr).Msg("voter added")
	return nil
}

// RemoveServer removes one server by node ID.
func (n *Node) RemoveServer(ctx context.Context, nodeID string) error {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return errors.New("node_id is required")
	}
	return n.raft.RemoveServer(raft.ServerID(nodeID), 0, n.raftTimeout(ctx)).Error()
}

func (n *Node) raftTimeout(ctx context.Context) time.Duration {
	timeout := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}
	return timeout
}

// WaitForLeader waits until any leader is elected.
func (n *Node) WaitForLeader(ctx context.Context, pollInterval time.Duration) (string, error) {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		leader := strings.TrimSpace(string(n.raft.Leader()))
		if leader != "" {
			return leader, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (n *Node) ID() string         { return n.id }
func (n *Node) RaftAddr() string   { return n.raftAddr }
func (n *Node) IsLeader() bool     { return n.raft.State() == raft.Leader }
func (n *Node) LeaderAddr() string { return strings.TrimSpace(string(n.raft.Leader())) }

// LeaderNodeID returns leader ID if available.
func (n *Node) LeaderNodeID() string {
	_, leaderID := n.raft.LeaderWithID()
	return strings.TrimSpace(string(leaderID))
}

func (n *Node) State() string {
	return n.raft.State().String()
}

func (n *Node) Stats() map[string]string {
	stats := n.raft.Stats()
	out := make(map[string]string, len(stats))
	for k, v := range stats {
		out[k] = v
	}
	return out
}

// Shutdown stops Raft and releases the stores.
func (n *Node) Shutdown() error {
	var shutdownErr error
	if n.raft != nil {
		if err := n.raft.Shutdown().Error(); err != nil {
			shutdownErr = err
		}
	}
	for _, c := range n.closers {
		_ = c.Close()
	}
	n.logger.Info().Msg("replication node stopped")
	return shutdownErr
}

func isLeadershipErr(err error) bool {
	return errors.Is(err, raft.ErrNotLeader) ||
		errors.Is(err, raft.ErrLeadershipLost) ||
		errors.Is(err, raft.ErrLeadershipTransferInProgress)
}

// IsLeadershipErr reports whether err means the write must go to another node.
func IsLeadershipErr(err error) bool {
	return errors.Is(err, ErrNotLeader) || isLeadershipErr(err)
}
