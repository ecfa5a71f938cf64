// Package httputil holds JSON helpers shared by the gateway HTTP API and its
// clients.
package httputil

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/skycoin/skycoin/src/util/logging"
)

// MaxBodySize bounds request bodies read by ReadJSON.
const MaxBodySize = 1 << 20

// HTTPError is the body of every non-2xx JSON response.
type HTTPError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Message)
}

// WriteJSON writes a json object on a http.ResponseWriter with the given code.
// An error value is wrapped into an HTTPError.
func WriteJSON(w http.ResponseWriter, r *http.Request, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	if pretty, _ := BoolFromQuery(r, "pretty", false); pretty { //nolint:errcheck
		enc.SetIndent("", "  ")
	}
	if err, ok := v.(error); ok {
		v = &HTTPError{Message: err.Error(), Code: code}
	}
	if err := enc.Encode(v); err != nil {
		log.WithError(err).Warn("Failed to write JSON response")
	}
}

// ReadJSON reads the request body to a json object.
func ReadJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodySize))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// BoolFromQuery obtains a boolean from a query entry.
func BoolFromQuery(r *http.Request, key string, defaultVal bool) (bool, error) {
	switch q := r.URL.Query().Get(key); q {
	case "true", "on", "1":
		return true, nil
	case "false", "off", "0":
		return false, nil
	case "":
		return defaultVal, nil
	default:
		return false, fmt.Errorf("invalid '%s' query value of '%s'", key, q)
	}
}

// IntFromQuery obtains a non-negative integer from a query entry.
func IntFromQuery(r *http.Request, key string, defaultVal int) (int, error) {
	q := r.URL.Query().Get(key)
	if q == "" {
		return defaultVal, nil
	}
	v, err := strconv.Atoi(q)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid '%s' query value of '%s'", key, q)
	}
	return v, nil
}

var log = logging.MustGetLogger("httputil")

// RequestLogger logs one line per request to logger.
func RequestLogger(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			logger.Debugf("%s - \"%s %s %s\" %d %s", host, r.Method, r.URL.String(), r.Proto, ww.Status(), time.Since(start))
		})
	}
}
