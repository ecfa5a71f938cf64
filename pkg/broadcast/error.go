package broadcast

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidHex is returned when the submitted payload is not hexadecimal.
	ErrInvalidHex = errors.New("transaction is not valid hex")

	// ErrNoEndpoint is returned when a backend has no URL for the requested mode.
	ErrNoEndpoint = errors.New("backend has no endpoint for this mode")

	// ErrUnknownBackend is returned by FindBackend.
	ErrUnknownBackend = errors.New("unknown backend")

	// ErrNoProxy is returned for private submissions without a configured proxy.
	ErrNoProxy = errors.New("no privacy proxy configured")

	// ErrPrivacyUnverified is returned when the proxy could not be confirmed
	// as a Tor exit. Nothing is sent.
	ErrPrivacyUnverified = errors.New("privacy proxy not verified")
)

// duplicateMarkers are substrings of backend rejections meaning the
// transaction is already known to the network.
var duplicateMarkers = []string{
	"already in mempool",
	"already known",
	"already in block chain",
	"already exists",
	"txn-already",
}

func isDuplicate(body string) bool {
	body = strings.ToLower(body)
	for _, m := range duplicateMarkers {
		if strings.Contains(body, m) {
			return true
		}
	}
	return false
}

// Error is a rejection reported by a backend.
type Error struct {
	Backend string `json:"backend"`
	Status  int    `json:"status,omitempty"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	switch {
	case e.Code != 0:
		return fmt.Sprintf("%s: rpc error %d: %s", e.Backend, e.Code, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("%s: http %d: %s", e.Backend, e.Status, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Backend, e.Message)
	}
}
