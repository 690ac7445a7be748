//go:build !windows
// +build !windows

// Package winsink writes events to Event Tracing for Windows as TraceLogging
// events.
package winsink

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/coral-mesh/etwtrace/internal/etw/sink"
)

// New returns an error on non-Windows platforms.
func New(name string, id uuid.UUID, group *uuid.UUID) (sink.Provider, error) {
	return nil, fmt.Errorf("ETW provider %s: event tracing is only supported on Windows", name)
}

// Supported reports whether this platform can register ETW providers.
func Supported() bool { return false }
