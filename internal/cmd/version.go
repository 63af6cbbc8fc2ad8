package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	x402 "github.com/x402-foundation/paygate"
)

// Version is set at build time with -ldflags "-X .../internal/cmd.Version=..."
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the paygate version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "paygate %s (x402 v%d)\n", Version, x402.ProtocolVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
