// Package testhelpers provides helpers for testing.
package testhelpers

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Timeout bounds every wait performed by these helpers.
const Timeout = 5 * time.Second

// ErrTimeout is returned by WithinTimeout when nothing arrives in time.
var ErrTimeout = errors.New("timed out waiting for result")

// Go runs fn in a goroutine and returns a channel receiving its result.
func Go(fn func() error) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- fn() }()
	return ch
}

// WithinTimeout reads an error from ch within Timeout.
func WithinTimeout(ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	case <-time.After(Timeout):
		return ErrTimeout
	}
}

// Eventually polls cond until it holds or Timeout passes.
func Eventually(t *testing.T, cond func() bool, msgAndArgs ...interface{}) {
	t.Helper()
	require.Eventually(t, cond, Timeout, 10*time.Millisecond, msgAndArgs...)
}
