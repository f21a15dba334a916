package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X main.Version=..."
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:           "costops",
	Short:         "LLM usage cost accounting and budget governance",
	Long:          "costops ingests LLM usage events, prices them against versioned price tables, aggregates spend and emits budget decision events to an audit sink.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.Version = Version
	err := rootCmd.ExecuteContext(ctx)
	code := exitCode(ctx, err)
	if err != nil {
		fmt.Fprintln(os.Stderr, "costops:", err)
	}
	stop()
	os.Exit(code)
}
