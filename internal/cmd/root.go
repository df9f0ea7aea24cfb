package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/catherinevee/cloudauditor/internal/logger"
	"github.com/catherinevee/cloudauditor/internal/shared/config"
)

// Version is set at build time
var Version = "dev"

var (
	cfgFile   string
	logLevel  string
	logFormat string

	cfgManager *config.Manager

	rootCmd = &cobra.Command{
		Use:   "cloudauditor",
		Short: "Discover and audit AWS resources across accounts",
		Long: `cloudauditor builds an inventory of AWS resources using Resource Explorer,
AWS Config and Cloud Control, and audits IAM and EC2 state across the local
account and every registered cross-account role.

Features:
- Staged discovery with first-writer-wins merging
- SQLite persistence with idempotent upserts
- Scheduled discovery service with Prometheus metrics
- Cross-account role verification and Organizations sync`,
		SilenceUsage:      true,
		PersistentPreRunE: initConfig,
		PersistentPostRun: func(*cobra.Command, []string) {
			if cfgManager != nil {
				cfgManager.Stop()
			}
		},
	}
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute(ctx context.Context) error {
	rootCmd.Version = Version
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultPath, "config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "override log format (json, console)")
}

// initConfig loads the configuration file and initializes logging
func initConfig(cmd *cobra.Command, _ []string) error {
	m, err := config.NewManager(cfgFile)
	if err != nil {
		return err
	}
	cfgManager = m

	lc := m.Get().ToLogConfig()
	if logLevel != "" {
		lc.Level = logLevel
	}
	if logFormat != "" {
		lc.Format = logFormat
	}
	logger.Initialize(lc)
	return nil
}
