package tools

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skycoin/btxmesh/cmd/btxmesh-cli/internal"
	"github.com/skycoin/btxmesh/internal/color"
	"github.com/skycoin/btxmesh/pkg/btctx"
	"github.com/skycoin/btxmesh/pkg/frame"
)

func init() {
	TxCmd.AddCommand(txIDCmd, txCheckCmd)
}

// TxCmd contains commands that inspect raw transactions.
var TxCmd = &cobra.Command{
	Use:   "tx",
	Short: "Inspect raw Bitcoin transactions",
}

var txIDCmd = &cobra.Command{
	Use:   "id [tx-hex|-]",
	Short: "Prints the transaction id",
	Args:  cobra.MaximumNArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		txid, err := btctx.TxIDFromHex(internal.ReadHexArg(args))
		internal.Catch(err)
		fmt.Println(txid)
	},
}

var txCheckCmd = &cobra.Command{
	Use:   "check [tx-hex|-]",
	Short: "Reports how a transaction would travel over the mesh",
	Args:  cobra.MaximumNArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		txHex := internal.ReadHexArg(args)
		tx, err := hex.DecodeString(txHex)
		internal.Catch(err, "invalid hex:")

		txid, err := btctx.TxID(tx)
		internal.Catch(err)

		fmt.Printf("txid:        %s\n", txid)
		fmt.Printf("size:        %d bytes\n", len(tx))
		fmt.Printf("witness:     %s\n", color.Bool(btctx.IsWitness(tx)))
		fmt.Printf("plausible:   %s\n", color.Bool(btctx.LooksComplete(txHex)))
		fmt.Printf("fits:        %s\n", color.Bool(len(tx) <= frame.MaxTxSize))
		fmt.Printf("fragments:   %d\n", frame.FragmentCount(len(tx), frame.FragmentBudget))
	},
}
