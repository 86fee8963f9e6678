package main

import (
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/dmqueue"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/logger"
)

var dmqueueCmd = &cobra.Command{
	Use:   "dmqueue",
	Short: "Inspect and feed the deletion queue",
}

var dmqueueEnqueueCmd = &cobra.Command{
	Use:   "enqueue <data-storage-name>",
	Short: "Queue a dataset location for deletion",
	Example: `  sdrs dmqueue enqueue --project my-proj gs://bucket/events/2024/01/01/00
  sdrs dmqueue enqueue --project my-proj --trigger MARKER gs://bucket/events`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		rawTrigger, _ := cmd.Flags().GetString("trigger")

		trigger, err := dmqueue.ParseTrigger(rawTrigger)
		if err != nil {
			return err
		}
		req, err := dmqueue.NewRequest(project, args[0], trigger)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), cfg, logger.Logger)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.queue.Enqueue(req); err != nil {
			return err
		}
		pterm.Success.Printfln("Queued %s as %s", req.DataStorageName, req.ID)
		return nil
	},
}

var dmqueueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued requests by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		rawStatus, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		status, err := dmqueue.ParseStatus(rawStatus)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), cfg, logger.Logger)
		if err != nil {
			return err
		}
		defer a.Close()

		requests, err := a.queue.ListByStatus(status, limit)
		if err != nil {
			return err
		}
		if len(requests) == 0 {
			pterm.Info.Printfln("No %s requests", status)
			return nil
		}
		return renderRequests(requests)
	},
}

func init() {
	dmqueueEnqueueCmd.Flags().String("project", "", "Project ID")
	dmqueueEnqueueCmd.Flags().String("trigger", string(dmqueue.TriggerUser), "Trigger: USER or MARKER")
	_ = dmqueueEnqueueCmd.MarkFlagRequired("project")

	dmqueueListCmd.Flags().String("status", string(dmqueue.StatusReady), "READY, PROCESSING, READY_RETRY, STS_EXECUTION or FAIL")
	dmqueueListCmd.Flags().Int("limit", 50, "Maximum rows; 0 for all")

	dmqueueCmd.AddCommand(dmqueueEnqueueCmd, dmqueueListCmd)
}

func renderRequests(requests []*dmqueue.Request) error {
	data := pterm.TableData{{"ID", "Project", "Data storage", "Trigger", "Retries", "Job", "Last error"}}
	for _, r := range requests {
		data = append(data, []string{
			r.ID,
			r.ProjectID,
			r.DataStorageName,
			string(r.Trigger),
			strconv.Itoa(r.RetryCount),
			r.JobName,
			r.LastError,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
