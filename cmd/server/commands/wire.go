package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	appAudit "github.com/execution-hub/verification-gate/internal/application/audit"
	"github.com/execution-hub/verification-gate/internal/application/cleanup"
	appConsensus "github.com/execution-hub/verification-gate/internal/application/consensus"
	"github.com/execution-hub/verification-gate/internal/application/ratelimit"
	appReputation "github.com/execution-hub/verification-gate/internal/application/reputation"
	appSignature "github.com/execution-hub/verification-gate/internal/application/signature"
	appVerification "github.com/execution-hub/verification-gate/internal/application/verification"
	"github.com/execution-hub/verification-gate/internal/config"
	"github.com/execution-hub/verification-gate/internal/domain/audit"
	"github.com/execution-hub/verification-gate/internal/domain/reputation"
	"github.com/execution-hub/verification-gate/internal/domain/security"
	"github.com/execution-hub/verification-gate/internal/infrastructure/keystore"
	"github.com/execution-hub/verification-gate/internal/infrastructure/memory"
	"github.com/execution-hub/verification-gate/internal/infrastructure/postgres"
	"github.com/execution-hub/verification-gate/internal/infrastructure/redisstore"
	"github.com/execution-hub/verification-gate/internal/infrastructure/sse"
	"github.com/execution-hub/verification-gate/internal/migrations"
	"github.com/execution-hub/verification-gate/internal/p2p/replication"
)

// runtime is the fully wired pipeline of one gate instance.
type runtime struct {
	hasher    *audit.Hasher
	keys      *keystore.StaticKeyStore
	trail     *appAudit.Trail
	tracker   *appReputation.Tracker
	engine    *appConsensus.Engine
	coord     *appSignature.Coordinator
	limiter   *ratelimit.Limiter
	manager   *appVerification.Manager
	scheduler *cleanup.Scheduler
	node      *replication.Node
	redis     *redisstore.Client
	alertHub  *sse.Hub

	closers []func()
}

// Close releases stores in reverse order of opening.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

func buildRuntime(ctx context.Context, cfg *config.Config, keys *keystore.StaticKeyStore, logger zerolog.Logger) (rt *runtime, err error) {
	hasher, err := audit.NewHasher(audit.HashAlgorithm(cfg.Crypto.HashAlgorithm))
	if err != nil {
		return nil, err
	}
	rt = &runtime{hasher: hasher, keys: keys}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	repo, err := rt.openAuditRepository(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	rt.alertHub = sse.NewHub()
	alerts := security.MultiSink{appAudit.NewLogAlertSink(logger), rt.alertHub}
	var store ratelimit.Store
	var sweeps []cleanup.Sweep
	if cfg.RedisURL != "" {
		client, err := redisstore.NewClientFromURL(cfg.RedisURL, cfg.InstanceName)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis unreachable: %w", err)
		}
		rt.redis = client
		store = redisstore.NewRateLimitStore(client)
		alerts = append(alerts, redisstore.NewAlertPublisher(client))
	} else {
		windows := ratelimit.NewMemoryStore()
		store = windows
		sweeps = append(sweeps, cleanup.Sweep{Name: "rate_windows", Run: func(context.Context, time.Duration) int {
			return windows.Purge(time.Now())
		}})
	}

	rt.trail = appAudit.NewTrail(repo, hasher, keys.AuditKey(), alerts, logger)
	rt.tracker = appReputation.NewTracker(reputation.DefaultParams(), rt.trail, logger)
	rt.engine = appConsensus.NewEngine(appConsensus.Config{
		Threshold:          cfg.Byzantine.ConsensusThreshold,
		HeartbeatInterval:  cfg.Byzantine.HeartbeatInterval,
		SuspicionThreshold: cfg.Byzantine.SuspicionThreshold,
	}, keys, rt.trail, rt.tracker, logger)
	rt.coord = appSignature.NewCoordinator(cfg.TotalNodes, hasher, keys, rt.trail, logger)
	rt.limiter = ratelimit.NewLimiter(cfg.RateLimits, store, logger)

	rt.manager = appVerification.NewManager(appVerification.Config{
		MinTrust:          cfg.Verification.MinTrust,
		ValidationPenalty: cfg.Verification.ValidationPenalty,
		ConsensusTimeout:  cfg.Verification.ConsensusTimeout,
		ChainKey:          keys.AuditKey(),
	}, appVerification.Dependencies{
		Audit:      rt.trail,
		Limiter:    rt.limiter,
		Reputation: rt.tracker,
		Consensus:  rt.engine,
		Signatures: rt.coord,
		Hasher:     hasher,
	}, logger)
	if err := registerCapabilities(rt.manager, cfg.Verification); err != nil {
		return nil, err
	}

	sweeps = append(sweeps,
		cleanup.Sweep{Name: "rounds", Run: rt.engine.Prune},
		cleanup.Sweep{Name: "signatures", Run: func(_ context.Context, ttl time.Duration) int { return rt.coord.Prune(ttl) }},
		cleanup.Sweep{Name: "profiles", Run: func(_ context.Context, ttl time.Duration) int { return rt.tracker.Prune(ttl) }},
		cleanup.Sweep{Name: "heartbeats", Run: func(ctx context.Context, _ time.Duration) int {
			return len(rt.engine.CheckHeartbeats(ctx, time.Now()))
		}},
	)
	rt.scheduler = cleanup.NewScheduler(rt.manager, cfg.Cleanup.Interval, cfg.Cleanup.ContextTTL, logger, sweeps...)
	rt.manager.OnShutdown(rt.scheduler.Stop)
	rt.manager.OnShutdown(rt.alertHub.Stop)
	return rt, nil
}

func (rt *runtime) openAuditRepository(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (audit.Repository, error) {
	switch cfg.AuditStore {
	case config.AuditStorePostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, pool.Close)
		if err := postgres.RunMigrations(ctx, pool, migrations.FS); err != nil {
			return nil, err
		}
		return postgres.NewAuditRepository(pool), nil
	case config.AuditStoreRaft:
		node, err := replication.NewNode(replication.Config{
			NodeID:         cfg.Raft.NodeID,
			RaftAddr:       cfg.Raft.Addr,
			DataDir:        cfg.Raft.DataDir,
			Bootstrap:      cfg.Raft.Bootstrap,
			SnapshotRetain: 2,
			ApplyTimeout:   5 * time.Second,
		}, rt.hasher, logger)
		if err != nil {
			return nil, fmt.Errorf("create raft node: %w", err)
		}
		rt.closers = append(rt.closers, func() { _ = node.Shutdown() })
		rt.node = node
		return node, nil
	default:
		return memory.NewAuditRepository(), nil
	}
}

// registerCapabilities installs the configured built-in validators.
func registerCapabilities(m *appVerification.Manager, cfg config.Verification) error {
	if len(cfg.RequiredOutput) > 0 {
		if err := m.RegisterPostTaskValidator("required-output", appVerification.RequiredFields(cfg.RequiredOutput)); err != nil {
			return err
		}
	}
	for _, rule := range cfg.Rules {
		v, err := appVerification.NewExpressionValidator(rule.Expression)
		if err != nil {
			return fmt.Errorf("rule %s: %w", rule.Name, err)
		}
		var opts []appVerification.RegisterOption
		if rule.Advisory {
			opts = append(opts, appVerification.Advisory())
		}
		switch rule.Stage {
		case config.StagePreTask:
			err = m.RegisterPreTaskChecker(rule.Name, v, opts...)
		case config.StagePostTask:
			err = m.RegisterPostTaskValidator(rule.Name, v, opts...)
		case config.StageTruth:
			err = m.RegisterTruthValidator(rule.Name, v, opts...)
		default:
			err = fmt.Errorf("unknown stage %q", rule.Stage)
		}
		if err != nil {
			return fmt.Errorf("rule %s: %w", rule.Name, err)
		}
	}
	if len(cfg.ConsensusPeers) > 0 {
		if err := m.RegisterTruthValidator("consensus", appVerification.ConsensusRequired(cfg.ConsensusPeers)); err != nil {
			return err
		}
	}
	return nil
}
