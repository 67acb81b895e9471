package main

import (
	"fmt"

	"github.com/ArkLabsHQ/tidal/internal/core/application"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tidal",
	Short: "Client side engine for atomic swaps between bitcoin and smart chain tokens",
	Long: `tidal runs swaps between bitcoin (on-chain and lightning) and tokens living
on a smart chain. Quotes are requested from the configured intermediaries and
every swap is settled through escrows the user can always refund.

Configuration is read from TIDAL_* environment variables, see "tidal env".

Examples:
  tidal start
  tidal swaps list
  tidal swaps show <swap-id> --qr invoice.png`,
	Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		printError(err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().BoolP("json", "j", false, "Output in JSON format")
}

func buildInfo() application.BuildInfo {
	return application.BuildInfo{
		Version: version,
		Commit:  commit,
		Date:    date,
	}
}

func printError(err error) {
	fmt.Printf("\nError: %v\n\n", err)
}
