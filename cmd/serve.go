package main

import (
	"github.com/spf13/cobra"

	"costops/internal/bootstrap"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and background workers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		container := bootstrap.NewContainer(Version)
		if err := container.Init(ctx); err != nil {
			container.Shutdown()
			return err
		}

		if err := container.Start(); err != nil {
			container.Shutdown()
			return err
		}

		// Wait for a signal or a fatal server error
		select {
		case <-ctx.Done():
			container.Log.Info("Shutdown signal received")
		case <-container.Context.Done():
			container.Log.Warn("Application context cancelled")
		}

		container.Shutdown()
		return nil
	},
}
