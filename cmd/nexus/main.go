package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nexus",
		Short: "Realtime WebSocket chat server",
		Long: `Nexus is a realtime chat server speaking JSON envelopes over WebSocket.

Configuration comes from an optional file (--config) and NEXUS_*
environment variables, e.g. NEXUS_PORT=:9000 or NEXUS_RATE_LIMIT_WINDOW=10s.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		configCmd(),
		versionCmd(),
	)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
