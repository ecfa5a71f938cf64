// Package netutil holds network helpers shared by the gateway and its tools.
package netutil

import (
	"context"
	"errors"
	"time"

	"github.com/skycoin/skycoin/src/util/logging"
)

var log = logging.MustGetLogger("netutil")

// ErrThresholdReached is returned when the context ends before f succeeds.
var ErrThresholdReached = errors.New("threshold timeout has been reached")

// RetryFunc is retried by a Retrier until it returns nil.
type RetryFunc func(ctx context.Context) error

// Retrier retries a function with exponential backoff.
type Retrier struct {
	backoff      time.Duration
	maxBackoff   time.Duration
	factor       uint32
	errWhitelist map[error]struct{}
}

// NewRetrier creates a Retrier starting at backoff and multiplying it by
// factor after each failure, up to maxBackoff. A zero maxBackoff is
// unbounded.
func NewRetrier(backoff, maxBackoff time.Duration, factor uint32) *Retrier {
	if factor == 0 {
		factor = 1
	}
	return &Retrier{
		backoff:      backoff,
		maxBackoff:   maxBackoff,
		factor:       factor,
		errWhitelist: make(map[error]struct{}),
	}
}

// WithErrWhitelist makes Do return immediately on any of errs.
func (r *Retrier) WithErrWhitelist(errs ...error) *Retrier {
	m := make(map[error]struct{})
	for _, err := range errs {
		m[err] = struct{}{}
	}

	r.errWhitelist = m
	return r
}

// Do calls f until it succeeds, f fails with a whitelisted error or ctx is
// done. In the last case ErrThresholdReached is returned.
func (r *Retrier) Do(ctx context.Context, f RetryFunc) error {
	current := r.backoff
	for {
		err := f(ctx)
		if err == nil {
			return nil
		}
		if r.isWhitelisted(err) {
			return err
		}
		log.Warnf("%s, retrying in %s", err, current)

		t := time.NewTimer(current)
		select {
		case <-ctx.Done():
			t.Stop()
			return ErrThresholdReached
		case <-t.C:
		}

		current *= time.Duration(r.factor)
		if r.maxBackoff > 0 && current > r.maxBackoff {
			current = r.maxBackoff
		}
	}
}

func (r *Retrier) isWhitelisted(err error) bool {
	_, ok := r.errWhitelist[err]
	return ok
}
