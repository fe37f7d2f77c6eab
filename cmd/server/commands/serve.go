package commands

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	httpapi "github.com/execution-hub/verification-gate/internal/api/http"
	"github.com/execution-hub/verification-gate/internal/infrastructure/keystore"
	p2papi "github.com/execution-hub/verification-gate/internal/p2p/api"
)

var (
	serveJoinEndpoint string
	serveJoinRetries  int
	serveJoinDelay    time.Duration
	serveLeaderWait   time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the verification gate HTTP service",
	Long: `Run the verification gate.

The audit trail is kept in memory, in Postgres or in a Raft-replicated log
depending on auditStore. Rate-limit windows and alerts are shared through
Redis when REDIS_URL is set.

A Raft node that is not bootstrapping can join an existing cluster:
  verification-gate serve --join http://leader:8080`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveJoinEndpoint, "join", "", "HTTP address of a cluster member to join (raft audit store only)")
	serveCmd.Flags().IntVar(&serveJoinRetries, "join-retries", 30, "Join attempts before giving up")
	serveCmd.Flags().DurationVar(&serveJoinDelay, "join-retry-delay", time.Second, "Delay between join attempts")
	serveCmd.Flags().DurationVar(&serveLeaderWait, "leader-wait", 4*time.Second, "How long to wait for a Raft leader at startup")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fail("configuration error", err.Error())
	}
	logger := newLogger(cfg.LogLevel)

	keys, err := keystore.NewFromEnv()
	if err != nil {
		return fail("keystore error", err.Error())
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg, keys, logger)
	if err != nil {
		return fail("startup failed", err.Error())
	}
	defer rt.Close()

	services := httpapi.Services{
		Manager:    rt.manager,
		Consensus:  rt.engine,
		Signatures: rt.coord,
		Audit:      rt.trail,
		Reputation: rt.tracker,
		Alerts:     rt.alertHub,
	}
	if rt.node != nil {
		services.Cluster = p2papi.NewServer(rt.node).Routes()
		services.Leadership = rt.node
		if !cfg.Raft.Bootstrap && serveJoinEndpoint != "" {
			join := joinRequest{
				Endpoint: serveJoinEndpoint,
				NodeID:   rt.node.ID(),
				RaftAddr: rt.node.RaftAddr(),
				Token:    cfg.AdminToken,
				Retries:  serveJoinRetries,
				Delay:    serveJoinDelay,
			}
			if err := joinCluster(ctx, join); err != nil {
				logger.Warn().Err(err).Str("endpoint", serveJoinEndpoint).Msg("join cluster failed")
			} else {
				logger.Info().Str("endpoint", serveJoinEndpoint).Msg("joined cluster")
			}
		}
		if serveLeaderWait > 0 {
			waitCtx, cancel := context.WithTimeout(ctx, serveLeaderWait)
			leader, err := rt.node.WaitForLeader(waitCtx, 150*time.Millisecond)
			cancel()
			if err != nil {
				logger.Warn().Err(err).Msg("no raft leader yet")
			} else {
				logger.Info().Str("leader", leader).Msg("raft leader elected")
			}
		}
	}

	if err := rt.scheduler.Start(ctx); err != nil {
		return fail("cleanup scheduler failed", err.Error())
	}

	apiServer := httpapi.NewServer(services, cfg.AdminToken, logger)
	httpServer := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.ServerAddr).
			Str("auditStore", cfg.AuditStore).
			Bool("redis", rt.redis != nil).
			Bool("admin", cfg.AdminToken != "").
			Msg("verification gate listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
	if err := rt.manager.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("manager shutdown failed")
	}
	logger.Info().Msg("verification gate stopped")

	if serveErr != nil {
		return fail("http server failed", serveErr.Error())
	}
	return nil
}

