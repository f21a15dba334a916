package main

import (
	"github.com/spf13/cobra"

	"costops/internal/bootstrap"
	"costops/internal/domain/dlq"
	"costops/pkg/errors"
)

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqReplayCmd)

	dlqListCmd.Flags().StringVar(&dlqListStatus, "status", "", "filter by status (pending, retrying, succeeded, failed_permanent)")
	dlqListCmd.Flags().IntVar(&dlqListLimit, "limit", 100, "maximum number of items")
}

var (
	dlqListStatus string
	dlqListLimit  int
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay parked usage payloads",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List DLQ items",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status := dlq.Status(dlqListStatus)
		if status != "" && !status.Valid() {
			return errors.NewValidationError("status", "unknown status", dlqListStatus)
		}
		if dlqListLimit <= 0 || dlqListLimit > 1000 {
			return errors.NewValidationError("limit", "must be in [1, 1000]", dlqListLimit)
		}

		container := bootstrap.NewContainer(Version)
		if err := container.InitTooling(cmd.Context()); err != nil {
			container.Close()
			return err
		}
		defer container.Close()

		items, err := container.Services.DLQQueue.List(cmd.Context(), status, dlqListLimit)
		if err != nil {
			return err
		}
		if items == nil {
			items = []*dlq.Item{}
		}
		return printJSON(cmd, items)
	},
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay <item-id>...",
	Short: "Replay DLQ items now, preserving their attempt count",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		container := bootstrap.NewContainer(Version)
		if err := container.InitTooling(cmd.Context()); err != nil {
			container.Close()
			return err
		}
		defer container.Close()

		var m errors.MultiError
		replayed := make([]*dlq.Item, 0, len(args))
		for _, id := range args {
			item, err := container.Services.DLQProcessor.Replay(cmd.Context(), id)
			if err != nil {
				m.Add(errors.Wrapf(err, "replay %s", id))
				continue
			}
			replayed = append(replayed, item)
		}
		if err := printJSON(cmd, replayed); err != nil {
			return err
		}
		return m.ToError()
	},
}
