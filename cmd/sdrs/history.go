package main

import (
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/logger"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/pulse/history"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/pulse/worker"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect and prune the task run history",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent task runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		taskType, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context(), cfg, logger.Logger)
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.history.List(worker.Type(taskType), limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			pterm.Info.Println("No task runs recorded")
			return nil
		}
		return renderHistory(entries)
	},
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete task runs older than --days",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")

		a, err := newApp(cmd.Context(), cfg, logger.Logger)
		if err != nil {
			return err
		}
		defer a.Close()

		deleted, err := a.history.Cleanup(days)
		if err != nil {
			return err
		}
		pterm.Success.Printfln("Deleted %d task runs older than %d days", deleted, days)
		return nil
	},
}

func init() {
	historyListCmd.Flags().String("type", "", "Only list RULE_EXECUTION, VALIDATION or DM_QUEUE runs")
	historyListCmd.Flags().Int("limit", 20, "Maximum rows")
	historyPruneCmd.Flags().Int("days", 90, "Keep runs started within this many days")

	historyCmd.AddCommand(historyListCmd, historyPruneCmd)
}

func renderHistory(entries []*history.Entry) error {
	data := pterm.TableData{{"ID", "Type", "Status", "Started", "Duration (ms)", "Error"}}
	for _, e := range entries {
		status := pterm.Green(string(e.Status))
		if e.Status == worker.StatusFailed {
			status = pterm.Red(string(e.Status))
		}
		data = append(data, []string{
			e.ID,
			string(e.Type),
			status,
			e.StartedAt.Local().Format("2006-01-02 15:04:05"),
			strconv.FormatInt(e.DurationMS, 10),
			e.Error,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
