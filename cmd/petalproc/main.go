package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalproc/cli"
)

// Set via ldflags at build time.
var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "petalproc",
	Short: "PetalProc process engine CLI",
	Long:  "PetalProc is a CLI for deploying, running, and operating bytecode process instances.",
	// SilenceUsage prevents printing usage on every error
	SilenceUsage: true,
}

func init() {
	cli.AddCommonFlags(rootCmd)

	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("petalproc version %s\n", version))

	rootCmd.AddCommand(cli.NewDeployCmd())
	rootCmd.AddCommand(cli.NewStartCmd())
	rootCmd.AddCommand(cli.NewRunCmd())
	rootCmd.AddCommand(cli.NewJobsCmd())
	rootCmd.AddCommand(cli.NewCompleteCmd())
	rootCmd.AddCommand(cli.NewFailCmd())
	rootCmd.AddCommand(cli.NewSignalCmd())
	rootCmd.AddCommand(cli.NewCancelCmd())
	rootCmd.AddCommand(cli.NewResolveCmd())
	rootCmd.AddCommand(cli.NewInspectCmd())
	rootCmd.AddCommand(cli.NewEventsCmd())
	rootCmd.AddCommand(cli.NewSweepCmd())
}
