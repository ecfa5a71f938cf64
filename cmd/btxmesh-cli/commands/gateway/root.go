package gateway

import (
	"net/rpc"

	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/spf13/cobra"

	"github.com/skycoin/btxmesh/pkg/gateway"
)

var log = logging.MustGetLogger("btxmesh-cli")

var rpcAddr string

func init() {
	RootCmd.PersistentFlags().StringVarP(&rpcAddr, "rpc", "", "localhost:3435", "RPC server address")
}

// RootCmd contains commands that interact with a running btxmesh-gateway
var RootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Contains sub-commands that interact with the local btxmesh gateway",
}

func rpcClient() gateway.RPCClient {
	client, err := rpc.Dial("tcp", rpcAddr)
	if err != nil {
		log.Fatal("RPC connection failed:", err)
	}
	return gateway.NewRPCClient(client, gateway.RPCPrefix)
}
