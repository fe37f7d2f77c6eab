package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	appAudit "github.com/execution-hub/verification-gate/internal/application/audit"
	"github.com/execution-hub/verification-gate/internal/domain/audit"
	"github.com/execution-hub/verification-gate/internal/domain/security"
	"github.com/execution-hub/verification-gate/internal/infrastructure/keystore"
	"github.com/execution-hub/verification-gate/internal/infrastructure/postgres"
	"github.com/execution-hub/verification-gate/internal/infrastructure/redisstore"
)

var (
	auditDatabaseURL string
	reportSince      time.Duration
	reportOutput     string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit trail",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recompute the audit hash chain and entry signatures",
	Long: `Recompute every entry of the Postgres audit trail.

Each entry's event hash, chain link and HMAC signature (when AUDIT_SIGNING_KEY
is set) are checked. The command exits non-zero on the first break found and
lists every break.`,
	RunE: runAuditVerify,
}

var auditReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print a compliance report for a recent period",
	RunE:  runAuditReport,
}

var auditAlertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Stream alerts published by running gate instances",
	Long: `Subscribe to the Redis alert channel of the configured instance and print
every HIGH and CRITICAL event as it is raised. Requires REDIS_URL.`,
	RunE: runAuditAlerts,
}

func init() {
	auditCmd.PersistentFlags().StringVar(&auditDatabaseURL, "database-url", "", "Postgres URL (defaults to DATABASE_URL)")
	auditReportCmd.Flags().DurationVar(&reportSince, "since", 24*time.Hour, "Report period length, ending now")
	auditReportCmd.Flags().StringVarP(&reportOutput, "output", "o", "default", "Output format: default or json")

	auditCmd.AddCommand(auditVerifyCmd, auditReportCmd, auditAlertsCmd)
	rootCmd.AddCommand(auditCmd)
}

// openTrail connects to the Postgres audit store.
func openTrail(ctx context.Context) (*appAudit.Trail, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	keys, err := keystore.NewFromEnv()
	if err != nil {
		return nil, nil, err
	}
	hasher, err := audit.NewHasher(audit.HashAlgorithm(cfg.Crypto.HashAlgorithm))
	if err != nil {
		return nil, nil, err
	}
	dsn := cfg.DatabaseURL
	if auditDatabaseURL != "" {
		dsn = auditDatabaseURL
	}
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg.LogLevel)
	trail := appAudit.NewTrail(postgres.NewAuditRepository(pool), hasher, keys.AuditKey(), appAudit.NewLogAlertSink(logger), logger)
	return trail, pool.Close, nil
}

func runAuditVerify(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	trail, closeFn, err := openTrail(ctx)
	if err != nil {
		return fail("cannot open audit store", err.Error())
	}
	defer closeFn()

	report, err := trail.VerifyChain(ctx)
	if err != nil {
		return fail("verification failed", err.Error())
	}
	if !printIntegrity(cmd.OutOrStdout(), report) {
		explanation := ""
		if err := report.IntegrityError(); err != nil {
			explanation = err.Error()
		}
		return fail("audit trail integrity violation", explanation)
	}
	return nil
}

func printIntegrity(w io.Writer, report *appAudit.IntegrityReport) bool {
	if report.Verified {
		success(w, "audit trail verified: %d entries, head %s", report.Entries, shortHash(report.HeadHash))
		return true
	}
	warning(w, "audit trail broken: %d entries checked, %d breaks", report.Entries, len(report.Breaks))
	for _, b := range report.Breaks {
		red.Fprintf(w, "  seq %d: %s\n", b.BreakAt, b.Reason)
		if b.ExpectedHash != "" || b.ActualHash != "" {
			fmt.Fprintf(w, "    expected %s\n    actual   %s\n", shortHash(b.ExpectedHash), shortHash(b.ActualHash))
		}
	}
	return false
}

func runAuditReport(cmd *cobra.Command, _ []string) error {
	switch reportOutput {
	case "default", "json":
	default:
		return fail("invalid output format", fmt.Sprintf("Unknown format: %s (valid: default, json)", reportOutput))
	}
	if reportSince <= 0 {
		return fail("invalid period", "--since must be positive")
	}

	ctx := cmd.Context()
	trail, closeFn, err := openTrail(ctx)
	if err != nil {
		return fail("cannot open audit store", err.Error())
	}
	defer closeFn()

	now := time.Now().UTC()
	report, err := trail.GenerateComplianceReport(ctx, appAudit.Period{From: now.Add(-reportSince), To: now})
	if err != nil {
		return fail("report failed", err.Error())
	}
	return printReport(cmd.OutOrStdout(), report, reportOutput)
}

func printReport(w io.Writer, report *appAudit.ComplianceReport, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	step(w, "compliance report %s .. %s", report.Period.From.Format(time.RFC3339), report.Period.To.Format(time.RFC3339))
	fmt.Fprintf(w, "  events: %d\n", report.TotalEvents)

	types := make([]string, 0, len(report.ByType))
	for t := range report.ByType {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(w, "    %-30s %d\n", t, report.ByType[security.EventType(t)])
	}

	for _, ev := range report.Unresolved {
		severityColor(ev.Severity).Fprintf(w, "  unresolved %-8s seq %-6d %s %s\n", ev.Severity, ev.Seq, ev.Type, ev.AgentID)
	}

	if report.IntegrityVerified {
		success(w, "hash chain intact")
	} else {
		red.Fprintln(w, "✗ hash chain broken")
	}
	score := fmt.Sprintf("compliance score %.0f", report.ComplianceScore)
	switch {
	case report.ComplianceScore >= 100:
		success(w, "%s", score)
	case report.ComplianceScore >= 50:
		warning(w, "%s", score)
	default:
		red.Fprintf(w, "✗ %s\n", score)
	}
	return nil
}

func runAuditAlerts(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fail("configuration error", err.Error())
	}
	if cfg.RedisURL == "" {
		return fail("alerts unavailable", "REDIS_URL is not set; alerts are only logged locally")
	}
	client, err := redisstore.NewClientFromURL(cfg.RedisURL, cfg.InstanceName)
	if err != nil {
		return fail("redis error", err.Error())
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sub, err := redisstore.NewAlertPublisher(client).Subscribe(ctx)
	if err != nil {
		return fail("subscribe failed", err.Error())
	}
	defer sub.Close()

	step(cmd.OutOrStdout(), "watching alerts of instance %s", cfg.InstanceName)
	return watchAlerts(ctx, cmd.OutOrStdout(), sub.Alerts(), sub.Errors(), zerolog.New(os.Stderr))
}

func watchAlerts(ctx context.Context, w io.Writer, alerts <-chan security.Alert, errs <-chan error, logger zerolog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if ok {
				logger.Warn().Err(err).Msg("skipping undecodable alert")
			} else {
				errs = nil
			}
		case alert, ok := <-alerts:
			if !ok {
				return nil
			}
			printAlert(w, alert)
		}
	}
}

func printAlert(w io.Writer, alert security.Alert) {
	ev := alert.Event
	if ev == nil {
		return
	}
	c := severityColor(ev.Severity)
	c.Fprintf(w, "%s %-8s %s", ev.Timestamp.Format(time.RFC3339), ev.Severity, ev.Type)
	if ev.AgentID != "" {
		fmt.Fprintf(w, " agent=%s", ev.AgentID)
	}
	if ev.ContextID != "" {
		fmt.Fprintf(w, " context=%s", ev.ContextID)
	}
	if alert.RequiresManualIntervention {
		red.Fprint(w, " [manual intervention]")
	}
	fmt.Fprintln(w)
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}
