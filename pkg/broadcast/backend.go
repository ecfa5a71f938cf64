package broadcast

import (
	"strings"

	"github.com/pkg/errors"
)

// Kind selects the submission protocol of a Backend.
type Kind string

const (
	// KindAPI is a public explorer accepting raw hex over HTTP POST.
	KindAPI Kind = "api"
	// KindRPC is a trusted node speaking JSON-RPC.
	KindRPC Kind = "rpc"
)

// Network is the Bitcoin network a transaction belongs to.
type Network string

const (
	// Mainnet is the production network.
	Mainnet Network = "mainnet"
	// Testnet is the public test network.
	Testnet Network = "testnet"
)

// ParseNetwork accepts "mainnet" and "testnet" in any case; "" means Mainnet.
func ParseNetwork(s string) (Network, error) {
	switch n := Network(strings.ToLower(strings.TrimSpace(s))); n {
	case "":
		return Mainnet, nil
	case Mainnet, Testnet:
		return n, nil
	default:
		return "", errors.Errorf("unknown network %q", s)
	}
}

// Credentials authenticate against an RPC backend.
type Credentials struct {
	User     string `json:"user" mapstructure:"user"`
	Password string `json:"password" mapstructure:"password"`
}

// Backend is a submission target.
type Backend struct {
	Name         string       `json:"name" mapstructure:"name"`
	Kind         Kind         `json:"kind" mapstructure:"kind"`
	Clearnet     string       `json:"clearnet" mapstructure:"clearnet"`
	Onion        string       `json:"onion,omitempty" mapstructure:"onion"`
	Testnet      string       `json:"testnet,omitempty" mapstructure:"testnet"`
	OnionTestnet string       `json:"onion_testnet,omitempty" mapstructure:"onion_testnet"`
	Credentials  *Credentials `json:"credentials,omitempty" mapstructure:"credentials"`
}

// Endpoint picks the URL for network. Private submissions prefer the onion
// address and otherwise fall back to the clearnet one, which is still routed
// through the proxy by the Dispatcher.
func (b *Backend) Endpoint(network Network, private bool) (string, error) {
	var u string
	switch {
	case network == Testnet && private && b.OnionTestnet != "":
		u = b.OnionTestnet
	case network == Testnet:
		u = b.Testnet
	case private && b.Onion != "":
		u = b.Onion
	default:
		u = b.Clearnet
	}

	if u == "" {
		return "", errors.Wrapf(ErrNoEndpoint, "%s on %s", b.Name, network)
	}
	return u, nil
}

// DefaultBackends returns the built-in backend list.
func DefaultBackends() []Backend {
	return []Backend{
		{
			Name:     "mempool",
			Kind:     KindAPI,
			Clearnet: "https://mempool.space/api/tx",
			Onion:    "http://mempoolhqx4isw62xs7abwphsq7ldayuidyx2v2oethdhhj6mlo2r6ad.onion/api/tx",
			Testnet:  "https://mempool.space/testnet/api/tx",
		},
		{
			Name:     "blockstream",
			Kind:     KindAPI,
			Clearnet: "https://blockstream.info/api/tx",
			Onion:    "http://explorerzydxu5ecjrkwceayqybizmpjjznk5izmitf2modhcusuqlid.onion/api/tx",
			Testnet:  "https://blockstream.info/testnet/api/tx",
		},
		{
			Name:        "node",
			Kind:        KindRPC,
			Clearnet:    "http://127.0.0.1:8332",
			Testnet:     "http://127.0.0.1:18332",
			Credentials: &Credentials{},
		},
	}
}

// FindBackend returns the backend called name.
func FindBackend(backends []Backend, name string) (*Backend, error) {
	for i := range backends {
		if strings.EqualFold(backends[i].Name, name) {
			return &backends[i], nil
		}
	}
	return nil, errors.Wrap(ErrUnknownBackend, name)
}
