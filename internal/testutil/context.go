// Package testutil provides testing utilities shared by etwtrace packages.
package testutil

import (
	"context"
	"testing"
	"time"
)

// DefaultTimeout bounds a test that talks to a worker goroutine.
const DefaultTimeout = 10 * time.Second

// NewTestContext creates a context canceled after DefaultTimeout or when the
// test ends.
func NewTestContext(t testing.TB) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	t.Cleanup(cancel)
	return ctx
}
