package gateway

import (
	"context"
	"errors"
	"net"
	"net/rpc"

	"github.com/skycoin/btxmesh/pkg/broadcast"
	"github.com/skycoin/btxmesh/pkg/reassembly"
)

const (
	// RPCPrefix is the prefix used with all RPC calls.
	RPCPrefix = "btxmesh-gateway"
)

var (
	// ErrInvalidInput occurs when an input is invalid.
	ErrInvalidInput = errors.New("invalid input")
)

// RPC defines RPC methods for Gateway.
type RPC struct {
	gateway *Gateway
}

// NewRPC wraps g for registration on an rpc.Server.
func NewRPC(g *Gateway) *RPC {
	return &RPC{gateway: g}
}

// Summary provides a summary of the Gateway.
func (r *RPC) Summary(_ *struct{}, out *Summary) error {
	*out = *r.gateway.Summary()
	return nil
}

// Pending lists transactions being reassembled.
func (r *RPC) Pending(_ *struct{}, out *[]reassembly.PendingInfo) error {
	*out = r.gateway.Pending()
	return nil
}

// Broadcasts returns the most recent journal records. Zero means all.
func (r *RPC) Broadcasts(n *int, out *[]*broadcast.Record) error {
	if *n < 0 {
		return ErrInvalidInput
	}
	records, err := r.gateway.Broadcasts(*n)
	*out = records
	return err
}

// Submit broadcasts a complete transaction.
func (r *RPC) Submit(txHex *string, out *broadcast.Result) error {
	if txHex == nil || *txHex == "" {
		return ErrInvalidInput
	}
	res, err := r.gateway.Submit(context.Background(), *txHex)
	if err != nil {
		return err
	}
	*out = *res
	return nil
}

// ServeRPC registers the RPC service and accepts connections on l until it
// is closed.
func (g *Gateway) ServeRPC(l net.Listener) error {
	rpcSvr := rpc.NewServer()
	if err := rpcSvr.RegisterName(RPCPrefix, NewRPC(g)); err != nil {
		return err
	}
	g.Logger.Infof("Serving RPC on %s", l.Addr())
	rpcSvr.Accept(l)
	return nil
}
