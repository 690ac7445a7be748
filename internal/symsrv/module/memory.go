package module

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coral-mesh/etwtrace/internal/symsrv/protocol"
	"github.com/coral-mesh/etwtrace/internal/symsrv/typeinfo"
)

// MemoryModule is a module defined in memory.
type MemoryModule struct {
	ModuleInfo Info
	Symbols    []Symbol
	TypeSource typeinfo.Source
	Blocks     []uint32

	closed atomic.Bool
}

func (m *MemoryModule) Info() Info { return m.ModuleInfo }

func (m *MemoryModule) EnumSymbols(mask string, fn func(Symbol) bool) error {
	match := newMatcher(mask)
	for _, s := range m.Symbols {
		if match(s.Name) && !fn(s) {
			break
		}
	}
	return nil
}

func (m *MemoryModule) Types() typeinfo.Source {
	if m.TypeSource == nil {
		return typeinfo.Map{}
	}
	return m.TypeSource
}

func (m *MemoryModule) CodeBlocks() ([]uint32, error) { return m.Blocks, nil }

func (m *MemoryModule) Close() error {
	m.closed.Store(true)
	return nil
}

// Closed reports whether Close was called since the last load.
func (m *MemoryModule) Closed() bool { return m.closed.Load() }

// MemoryLoader serves MemoryModules by base address.
type MemoryLoader struct {
	mu      sync.Mutex
	modules map[uint64]*MemoryModule
	loads   int

	// Hook, when set, runs before every load and may fail or panic.
	Hook func(base uint64) error
}

// NewMemoryLoader creates a loader serving mods at their Info().Base.
func NewMemoryLoader(mods ...*MemoryModule) *MemoryLoader {
	l := &MemoryLoader{modules: make(map[uint64]*MemoryModule, len(mods))}
	for _, m := range mods {
		l.modules[m.ModuleInfo.Base] = m
	}
	return l
}

func (l *MemoryLoader) Load(ctx context.Context, base uint64, pdb *protocol.PDBIdentity) (Module, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads++

	if l.Hook != nil {
		if err := l.Hook(base); err != nil {
			return nil, err
		}
	}

	m, ok := l.modules[base]
	if !ok {
		return nil, fmt.Errorf("%w: no module at 0x%x", ErrNotFound, base)
	}
	m.closed.Store(false)
	return m, nil
}

// Loads counts Load calls.
func (l *MemoryLoader) Loads() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads
}
