package main

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/errors"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/logger"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/pulse/worker"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one cycle of a runner in the foreground",
	Long: `Run one cycle of a runner inline, without the scheduler or job manager.
Useful to catch up after an outage or to check a config change.`,
}

var runExecuteCmd = &cobra.Command{
	Use:   "execute",
	Short: "Execute every active rule once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd, func(a *app) worker.Task { return a.executeTask() })
	},
}

var runValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate every pending job once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd, func(a *app) worker.Task { return a.validateTask() })
	},
}

var runDmQueueCmd = &cobra.Command{
	Use:   "dmqueue",
	Short: "Process and reconcile the deletion queue once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd, func(a *app) worker.Task { return a.dmqueueTask() })
	},
}

func init() {
	runCmd.AddCommand(runExecuteCmd, runValidateCmd, runDmQueueCmd)
}

func runOnce(cmd *cobra.Command, build func(*app) worker.Task) error {
	a, err := newApp(cmd.Context(), cfg, logger.Logger)
	if err != nil {
		return err
	}
	defer a.Close()

	task := build(a)
	res := task.Run(cmd.Context()).Snapshot()
	if res.Status != worker.StatusSuccess {
		return errors.Newf("%s failed: %s", task.Type(), res.Error)
	}
	pterm.Success.Printfln("%s finished in %s", task.Type(), res.Duration())
	return nil
}
