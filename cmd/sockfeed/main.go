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

func main() {
	rootCmd := &cobra.Command{
		Use:   "sockfeed",
		Short: "Incremental data feed over websockets or server-sent events",
		Long: `sockfeed pushes a dataset to every connected client: the initial
records on connect, then one recurring record per interval, then the
full recurring snapshot.

Run "sockfeed serve" for the server and "sockfeed watch" to follow a
feed and render it into an HTML page.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		watchCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sockfeed %s (%s)\n", version, commit)
		},
	}
}
