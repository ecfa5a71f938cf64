package tools

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skycoin/btxmesh/cmd/btxmesh-cli/internal"
	"github.com/skycoin/btxmesh/pkg/btctx"
	"github.com/skycoin/btxmesh/pkg/textchunk"
)

var chunkSize int

func init() {
	chunkSplitCmd.Flags().IntVarP(&chunkSize, "size", "s", textchunk.TextChunkSize, "hex characters per line")
	ChunkCmd.AddCommand(chunkSplitCmd)
}

// ChunkCmd contains commands for the text chunk format.
var ChunkCmd = &cobra.Command{
	Use:   "chunk",
	Short: "Text chunk lines for chat-capable mesh clients",
}

var chunkSplitCmd = &cobra.Command{
	Use:   "split [tx-hex|-]",
	Short: "Prints the BTX lines to paste into a mesh chat",
	Args:  cobra.MaximumNArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		txHex := internal.ReadHexArg(args)
		_, err := btctx.TxIDFromHex(txHex)
		internal.Catch(err, "invalid transaction:")

		for _, line := range textchunk.Split(txHex, chunkSize) {
			fmt.Println(line)
		}
	},
}
