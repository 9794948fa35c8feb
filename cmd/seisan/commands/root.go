package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const Version = "1.2.0"

var rootCmd = &cobra.Command{
	Use:   "seisan",
	Short: "Risk monitor and liquidation engine for collateralized lending pools",
	Long: `Seisan watches lending pool positions, evaluates their health against
live oracle prices, and liquidates under-collateralized positions through
atomic flash-loan bundles. Profitable liquidations are ranked and executed
with bounded concurrency; every confirmed liquidation is recorded in a
local audit trail.`,
	Version: Version,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`seisan {{.Version}}
`)
}
