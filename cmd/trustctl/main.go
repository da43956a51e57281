// Command trustctl is the operator tool for the authorization engine:
// inspect the weight table, score a context offline, purge expired step-up
// actions and check the external ledger binding.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "trustctl",
		Short:         "trustctl - operate the TrustBank authorization engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("weights", os.Getenv("RISK_WEIGHTS_FILE"), "YAML weight override (default: built-in table)")

	rootCmd.AddCommand(weightsCmd())
	rootCmd.AddCommand(scoreCmd())
	rootCmd.AddCommand(purgeCmd())
	rootCmd.AddCommand(ledgerCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
