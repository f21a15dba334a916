package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"costops/internal/bootstrap"
	"costops/pkg/errors"
)

func init() {
	rootCmd.AddCommand(pricesCmd)
	pricesCmd.AddCommand(pricesImportCmd)
	pricesCmd.AddCommand(pricesListCmd)

	pricesListCmd.Flags().StringVar(&pricesListProvider, "provider", "", "provider name (required)")
	pricesListCmd.Flags().StringVar(&pricesListModel, "model", "", "model name (required)")
	_ = pricesListCmd.MarkFlagRequired("provider")
	_ = pricesListCmd.MarkFlagRequired("model")
}

var (
	pricesListProvider string
	pricesListModel    string
)

var pricesCmd = &cobra.Command{
	Use:   "prices",
	Short: "Manage price tables",
}

var pricesImportCmd = &cobra.Command{
	Use:   "import <file.ndjson>",
	Short: "Import price tables from a newline-delimited JSON file",
	Long:  "Import price tables, one JSON object per line. Invalid or overlapping lines are reported and skipped.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return errors.NewValidationError("file", err.Error(), args[0])
		}
		defer f.Close()

		container := bootstrap.NewContainer(Version)
		if err := container.InitTooling(cmd.Context()); err != nil {
			container.Close()
			return err
		}
		defer container.Close()

		report, err := container.Services.Importer.Import(cmd.Context(), f)
		if report != nil {
			if encErr := printJSON(cmd, report); encErr != nil {
				return encErr
			}
		}
		if err != nil {
			return err
		}
		if report.Lines > 0 && len(report.Created) == 0 {
			return errors.NewValidationError("file", "no table imported", args[0])
		}
		return nil
	},
}

var pricesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List price tables of one provider/model",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		container := bootstrap.NewContainer(Version)
		if err := container.InitTooling(cmd.Context()); err != nil {
			container.Close()
			return err
		}
		defer container.Close()

		tables, err := container.Services.PriceBook.ListTables(cmd.Context(), pricesListProvider, pricesListModel)
		if err != nil {
			return err
		}
		return printJSON(cmd, tables)
	},
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
