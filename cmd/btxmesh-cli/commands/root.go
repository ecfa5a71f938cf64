package commands

import (
	"github.com/spf13/cobra"

	"github.com/skycoin/btxmesh/cmd/btxmesh-cli/commands/gateway"
	"github.com/skycoin/btxmesh/cmd/btxmesh-cli/commands/tools"
)

var rootCmd = &cobra.Command{
	Use:   "btxmesh-cli",
	Short: "Command Line Interface for the btxmesh gateway",
}

func init() {
	rootCmd.AddCommand(
		gateway.RootCmd,
		tools.TxCmd,
		tools.ChunkCmd,
		tools.FrameCmd,
	)
}

// Execute executes root CLI command.
func Execute() {
	rootCmd.Execute() //nolint:errcheck
}
