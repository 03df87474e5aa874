package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// main wires high-level dependencies through the cobra commands. Business
// logic lives in internal packages.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "caepi",
		Short:         "CAEPI certificate lookup service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CAEPI_CONFIG"),
		"path to a YAML config file (env: CAEPI_CONFIG)")

	root.AddCommand(
		newServeCmd(&configPath),
		newRefreshCmd(&configPath),
		newLookupCmd(&configPath),
	)
	return root
}
