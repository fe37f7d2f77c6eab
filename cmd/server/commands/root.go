package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/execution-hub/verification-gate/internal/config"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "verification-gate",
	Short: "Verification and security enforcement for agent task pipelines",
	Long: `verification-gate sits between a task scheduler and its agents. It admits
tasks through rate limits and pre-task checks, validates results, puts truth
claims to Byzantine-tolerant votes, collects threshold attestations and keeps
a tamper-evident audit trail of every decision.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the root command. Errors are printed by the command that failed.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	err := rootCmd.Execute()
	if err != nil && !reported(err) {
		fmt.Fprintln(os.Stderr, err)
	}
	return err
}

// SetVersionInfo sets the version reported by --version.
func SetVersionInfo(v, c, d string) {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file (overrides VERIFY_CONFIG_FILE)")
}

// loadConfig reads and validates the configuration.
func loadConfig() (*config.Config, error) {
	if configFile != "" {
		if err := os.Setenv("VERIFY_CONFIG_FILE", configFile); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
}
