package gateway

import (
	"net/rpc"

	"github.com/skycoin/btxmesh/pkg/broadcast"
	"github.com/skycoin/btxmesh/pkg/reassembly"
)

// RPCClient represents a RPC Client implementation.
type RPCClient interface {
	Summary() (*Summary, error)
	Pending() ([]reassembly.PendingInfo, error)
	Broadcasts(n int) ([]*broadcast.Record, error)
	Submit(txHex string) (*broadcast.Result, error)
}

// rpcClient provides methods to call an RPC Server.
// It implements RPCClient
type rpcClient struct {
	client *rpc.Client
	prefix string
}

// NewRPCClient creates a new RPCClient.
func NewRPCClient(rc *rpc.Client, prefix string) RPCClient {
	return &rpcClient{client: rc, prefix: prefix}
}

// Call calls the internal rpc.Client with the serviceMethod arg prefixed.
func (rc *rpcClient) Call(method string, args, reply interface{}) error {
	return rc.client.Call(rc.prefix+"."+method, args, reply)
}

// Summary calls Summary.
func (rc *rpcClient) Summary() (*Summary, error) {
	out := new(Summary)
	err := rc.Call("Summary", &struct{}{}, out)
	return out, err
}

// Pending calls Pending.
func (rc *rpcClient) Pending() ([]reassembly.PendingInfo, error) {
	var out []reassembly.PendingInfo
	err := rc.Call("Pending", &struct{}{}, &out)
	return out, err
}

// Broadcasts calls Broadcasts.
func (rc *rpcClient) Broadcasts(n int) ([]*broadcast.Record, error) {
	var out []*broadcast.Record
	err := rc.Call("Broadcasts", &n, &out)
	return out, err
}

// Submit calls Submit.
func (rc *rpcClient) Submit(txHex string) (*broadcast.Result, error) {
	out := new(broadcast.Result)
	err := rc.Call("Submit", &txHex, out)
	return out, err
}
