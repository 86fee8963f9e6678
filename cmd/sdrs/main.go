package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/config"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/errors"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/logger"
)

var (
	configPath string
	verbosity  int

	// cfg is loaded once per invocation by the root PersistentPreRunE
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "sdrs",
	Short: "SDRS - storage data retention service",
	Long: `SDRS deletes data that has outlived its retention period.

Retention rules are stored per project and dataset. The service turns them
into transfer jobs that move expired partitions to a shadow location,
validates the jobs against the transfer service and works off a queue of
user and marker triggered deletions.

Available commands:
  serve    - Run the scheduler, workers and admin server
  rules    - Manage retention rules
  dmqueue  - Inspect and feed the deletion queue
  run      - Run one execution or validation cycle inline
  history  - Inspect and prune the task run history
  config   - Show the effective configuration
  version  - Show build information

Examples:
  sdrs serve                          # Start the service
  sdrs rules list --project my-proj   # Show a project's rules
  sdrs rules import rules.yaml        # Create or update rules from a file
  sdrs dmqueue list --status FAIL     # Show failed deletions`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		if err := logger.Initialize(logger.Options{
			JSON:       cfg.Log.JSON,
			Level:      logger.VerbosityToLevel(verbosity, cfg.Log.Level),
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		}); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: discovered sdrs.toml)")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase output verbosity")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(dmqueueCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintf(os.Stderr, "hint: %s\n", hint)
		}
		os.Exit(1)
	}
}
