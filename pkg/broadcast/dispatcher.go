// Package broadcast submits raw transactions to public explorers or a local
// node, optionally through a SOCKS5 privacy proxy.
package broadcast

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"
	"golang.org/x/net/proxy"

	"github.com/skycoin/btxmesh/pkg/btctx"
)

const (
	// DefaultTimeout bounds a single submission.
	DefaultTimeout = 20 * time.Second

	// DefaultCheckURL answers whether the caller reached it through Tor.
	DefaultCheckURL = "https://check.torproject.org/api/ip"

	maxBodySize = 64 << 10
)

// Config configures a Dispatcher.
type Config struct {
	// ProxyAddress is the SOCKS5 host:port used for private submissions.
	ProxyAddress string
	CheckURL     string
	Timeout      time.Duration
}

// Result describes an accepted submission.
type Result struct {
	TxID      string `json:"txid"`
	Backend   string `json:"backend"`
	Duplicate bool   `json:"duplicate"`
}

// Dispatcher submits transactions. It is safe for concurrent use.
type Dispatcher struct {
	Logger *logging.Logger

	conf    Config
	direct  *http.Client
	private *http.Client

	checkMu  sync.Mutex // serializes privacy checks
	mu       sync.Mutex
	verified bool
}

// New creates a Dispatcher. The SOCKS5 dialer is only built when
// ProxyAddress is set.
func New(conf Config) (*Dispatcher, error) {
	if conf.Timeout <= 0 {
		conf.Timeout = DefaultTimeout
	}
	if conf.CheckURL == "" {
		conf.CheckURL = DefaultCheckURL
	}

	d := &Dispatcher{
		Logger: logging.MustGetLogger("broadcast"),
		conf:   conf,
		direct: &http.Client{},
	}

	if conf.ProxyAddress != "" {
		dialer, err := proxy.SOCKS5("tcp", conf.ProxyAddress, nil, proxy.Direct)
		if err != nil {
			return nil, errors.Wrap(err, "socks5 dialer")
		}

		transport := &http.Transport{}
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.Dial = dialer.Dial // nolint: staticcheck
		}
		d.private = &http.Client{Transport: transport}
	}

	return d, nil
}

// PrivacyVerified reports whether a previous check confirmed the proxy.
func (d *Dispatcher) PrivacyVerified() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.verified
}

type torCheck struct {
	IsTor bool   `json:"IsTor"`
	IP    string `json:"IP"`
}

// VerifyPrivacy asks the identity-check endpoint, through the proxy, whether
// the request arrived over Tor. A positive answer is remembered.
func (d *Dispatcher) VerifyPrivacy(ctx context.Context) error {
	d.checkMu.Lock()
	defer d.checkMu.Unlock()

	if d.PrivacyVerified() {
		return nil
	}
	if d.private == nil {
		return ErrNoProxy
	}

	ctx, cancel := context.WithTimeout(ctx, d.conf.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.conf.CheckURL, nil)
	if err != nil {
		return err
	}

	resp, err := d.private.Do(req)
	if err != nil {
		return errors.Wrapf(ErrPrivacyUnverified, "check request: %v", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			d.Logger.WithError(err).Warn("Failed to close check response body")
		}
	}()

	var check torCheck
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&check); err != nil {
		return errors.Wrapf(ErrPrivacyUnverified, "check response: %v", err)
	}
	if !check.IsTor {
		return errors.Wrapf(ErrPrivacyUnverified, "exit %s is not a Tor relay", check.IP)
	}

	d.Logger.Infof("Privacy proxy verified, exit address %s", check.IP)
	d.mu.Lock()
	d.verified = true
	d.mu.Unlock()
	return nil
}

// Submit sends txHex to backend. Rejections meaning the transaction is already
// known are reported as a duplicate Result with a locally computed id.
func (d *Dispatcher) Submit(ctx context.Context, txHex string, backend *Backend, network Network, private bool) (*Result, error) {
	txHex = strings.ToLower(strings.TrimSpace(txHex))
	if _, err := hex.DecodeString(txHex); err != nil || txHex == "" {
		return nil, ErrInvalidHex
	}

	endpoint, err := backend.Endpoint(network, private)
	if err != nil {
		return nil, err
	}

	client := d.direct
	if private {
		if err := d.VerifyPrivacy(ctx); err != nil {
			return nil, err
		}
		client = d.private
	}

	ctx, cancel := context.WithTimeout(ctx, d.conf.Timeout)
	defer cancel()

	switch backend.Kind {
	case KindRPC:
		return d.submitRPC(ctx, client, endpoint, txHex, backend)
	default:
		return d.submitAPI(ctx, client, endpoint, txHex, backend)
	}
}

func (d *Dispatcher) submitAPI(ctx context.Context, client *http.Client, endpoint, txHex string, backend *Backend) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(txHex))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/plain")

	status, body, err := d.do(client, req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", backend.Name)
	}

	if status >= 200 && status < 300 {
		txid := strings.TrimSpace(body)
		if txid == "" {
			if txid, err = btctx.TxIDFromHex(txHex); err != nil {
				return nil, err
			}
		}
		return &Result{TxID: txid, Backend: backend.Name}, nil
	}

	if isDuplicate(body) {
		txid, err := btctx.TxIDFromHex(txHex)
		if err != nil {
			return nil, errors.Wrap(err, "duplicate response for undecodable transaction")
		}
		d.Logger.Infof("%s already knows %s", backend.Name, txid)
		return &Result{TxID: txid, Backend: backend.Name, Duplicate: true}, nil
	}

	return nil, &Error{Backend: backend.Name, Status: status, Message: strings.TrimSpace(body)}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result *string   `json:"result"`
	Error  *rpcError `json:"error"`
	ID     string    `json:"id"`
}

func (d *Dispatcher) submitRPC(ctx context.Context, client *http.Client, endpoint, txHex string, backend *Backend) (*Result, error) {
	body, err := json.Marshal(&rpcRequest{
		JSONRPC: "1.0",
		ID:      uuid.New().String(),
		Method:  "sendrawtransaction",
		Params:  []interface{}{txHex},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c := backend.Credentials; c != nil && (c.User != "" || c.Password != "") {
		req.SetBasicAuth(c.User, c.Password)
	}

	status, respBody, err := d.do(client, req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", backend.Name)
	}

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return nil, &Error{Backend: backend.Name, Status: status, Message: "unauthorized"}
	}

	var resp rpcResponse
	if err := json.Unmarshal([]byte(respBody), &resp); err != nil {
		return nil, &Error{Backend: backend.Name, Status: status, Message: strings.TrimSpace(respBody)}
	}

	switch {
	case resp.Error != nil:
		return nil, &Error{Backend: backend.Name, Status: status, Code: resp.Error.Code, Message: resp.Error.Message}
	case resp.Result == nil:
		return nil, &Error{Backend: backend.Name, Status: status, Message: "empty rpc result"}
	default:
		return &Result{TxID: *resp.Result, Backend: backend.Name}, nil
	}
}

func (d *Dispatcher) do(client *http.Client, req *http.Request) (int, string, error) {
	resp, err := client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			d.Logger.WithError(err).Warn("Failed to close response body")
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return 0, "", err
	}
	return resp.StatusCode, string(body), nil
}
