//go:build !windows
// +build !windows

package module

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/etwtrace/internal/symsrv/protocol"
)

// ErrDbghelpUnsupported is returned on platforms without dbghelp.
var ErrDbghelpUnsupported = errors.New("dbghelp is only available on Windows")

// DbghelpLoader stub for non-Windows platforms.
type DbghelpLoader struct{}

// NewDbghelpLoader returns ErrDbghelpUnsupported.
func NewDbghelpLoader(symbolPath string, logger zerolog.Logger) (*DbghelpLoader, error) {
	return nil, ErrDbghelpUnsupported
}

func (l *DbghelpLoader) Close() error { return nil }

func (l *DbghelpLoader) Load(ctx context.Context, base uint64, pdb *protocol.PDBIdentity) (Module, error) {
	return nil, ErrDbghelpUnsupported
}
