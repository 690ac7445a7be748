// Package module loads executable images and exposes their function symbols,
// type information and exception table code blocks to the symbol server.
package module

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"

	"github.com/coral-mesh/etwtrace/internal/symsrv/protocol"
	"github.com/coral-mesh/etwtrace/internal/symsrv/typeinfo"
)

var (
	// ErrNotFound is returned when no image is known for a module base.
	ErrNotFound = errors.New("module not found")
	// ErrPDBMismatch is returned when a loaded module was not built with the
	// requested program database.
	ErrPDBMismatch = errors.New("pdb identity mismatch")
)

// SymFlag carries symbol flags as reported by dbghelp.
type SymFlag uint32

const (
	SymFlagExport     SymFlag = 0x00000200
	SymFlagFunction   SymFlag = 0x00000800
	SymFlagPublicCode SymFlag = 0x00400000
)

// Symbol is one enumerated symbol.
type Symbol struct {
	Name      string
	Address   uint64
	ModBase   uint64
	Size      uint32
	Tag       typeinfo.SymTag
	Flags     SymFlag
	TypeIndex uint32
}

// IsFunction reports whether the symbol names code: a function, or a public
// symbol flagged as exported, function or public code.
func (s Symbol) IsFunction() bool {
	if s.Tag == typeinfo.SymTagFunction {
		return true
	}
	return s.Tag == typeinfo.SymTagPublicSymbol &&
		s.Flags&(SymFlagExport|SymFlagFunction|SymFlagPublicCode) != 0
}

// Info describes a loaded module.
type Info struct {
	// Name is the image file name without extension.
	Name      string
	Base      uint64
	ImagePath string
	PDB       *protocol.PDBIdentity
}

// Module is a loaded image.
type Module interface {
	Info() Info
	// EnumSymbols calls fn for every symbol whose name matches mask until fn
	// returns false. An empty mask matches everything.
	EnumSymbols(mask string, fn func(Symbol) bool) error
	// Types resolves the TypeIndex of enumerated symbols.
	Types() typeinfo.Source
	// CodeBlocks returns the begin RVA of every exception table entry.
	CodeBlocks() ([]uint32, error)
	Close() error
}

// Loader maps a module base address to a loaded module. pdb, when set, is a
// hint for locating the matching debug information; callers still verify it.
type Loader interface {
	Load(ctx context.Context, base uint64, pdb *protocol.PDBIdentity) (Module, error)
}

// Name returns the module name of an image path: the file name without its
// extension.
func Name(path string) string {
	base := filepath.Base(strings.ReplaceAll(path, `\`, "/"))
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// matcher filters symbol names by a dbghelp style mask.
type matcher func(name string) bool

func newMatcher(mask string) matcher {
	if mask == "" || mask == "*" {
		return func(string) bool { return true }
	}
	if !strings.ContainsAny(mask, `*?[\`) {
		return func(name string) bool { return name == mask }
	}
	g, err := glob.Compile(mask)
	if err != nil {
		return func(name string) bool { return name == mask }
	}
	return g.Match
}
