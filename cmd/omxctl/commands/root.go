package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// client is the omxd control-surface HTTP client, initialized in PersistentPreRunE.
	client *controlClient

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// serverAddr is the omxd control-surface address (host:port).
	serverAddr string
)

// rootCmd is the top-level cobra command for omxctl.
var rootCmd = &cobra.Command{
	Use:   "omxctl",
	Short: "CLI client for the omxd daemon",
	Long:  "omxctl communicates with the omxd daemon's control surface to inspect and manage partner connections.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		client = newControlClient(serverAddr)
		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:50051",
		"omxd control surface address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(partnersCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
