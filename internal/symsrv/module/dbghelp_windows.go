//go:build windows
// +build windows

package module

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
	"unsafe"

	"github.com/rs/zerolog"
	"golang.org/x/sys/windows"

	"github.com/coral-mesh/etwtrace/internal/symsrv/protocol"
	"github.com/coral-mesh/etwtrace/internal/symsrv/typeinfo"
)

var (
	modDbghelp = windows.NewLazySystemDLL("dbghelp.dll")
	modPsapi   = windows.NewLazySystemDLL("psapi.dll")

	procSymInitializeW          = modDbghelp.NewProc("SymInitializeW")
	procSymCleanup              = modDbghelp.NewProc("SymCleanup")
	procSymSetOptions           = modDbghelp.NewProc("SymSetOptions")
	procSymLoadModuleExW        = modDbghelp.NewProc("SymLoadModuleExW")
	procSymUnloadModule64       = modDbghelp.NewProc("SymUnloadModule64")
	procSymGetModuleInfoW64     = modDbghelp.NewProc("SymGetModuleInfoW64")
	procSymEnumSymbolsW         = modDbghelp.NewProc("SymEnumSymbolsW")
	procSymGetTypeInfo          = modDbghelp.NewProc("SymGetTypeInfo")
	procGetDeviceDriverFileName = modPsapi.NewProc("GetDeviceDriverFileNameW")
)

const (
	symOptUndname            = 0x00000002
	symOptDeferredLoads      = 0x00000004
	symOptFailCriticalErrors = 0x00000200
	symOptAutoPublics        = 0x00010000

	dbhHeaderPDBGUID = 0x00000007
)

// IMAGEHLP_SYMBOL_TYPE_INFO values.
const (
	tiGetSymTag            = 0
	tiGetSymName           = 1
	tiGetLength            = 2
	tiGetTypeID            = 4
	tiGetBaseType          = 5
	tiFindChildren         = 7
	tiGetChildrenCount     = 13
	tiGetObjectPointerType = 34
)

type symbolInfo struct {
	SizeStruct uint32
	TypeIndex  uint32
	Reserved   [2]uint64
	Index      uint32
	Size       uint32
	ModBase    uint64
	Flags      uint32
	Value      uint64
	Addr       uint64
	Register   uint32
	Scope      uint32
	Tag        uint32
	NameLen    uint32
	MaxNameLen uint32
	Name       [1]uint16
}

func (s *symbolInfo) name() string {
	if s.NameLen == 0 {
		return ""
	}
	return windows.UTF16ToString(unsafe.Slice(&s.Name[0], s.NameLen))
}

type moduleInfo struct {
	SizeStruct      uint32
	ImageBase       uint64
	ImageSize       uint32
	TimeDateStamp   uint32
	Checksum        uint32
	NumSymbols      uint32
	SymType         int32
	ModuleName      [32]uint16
	ImageName       [256]uint16
	LoadedImageName [256]uint16
	LoadedPdbName   [256]uint16
	CVSig           uint32
	CVData          [780]uint16
	PdbSig          uint32
	PdbSig70        [16]byte
	PdbAge          uint32
	PdbUnmatched    int32
	DbgUnmatched    int32
	LineNumbers     int32
	GlobalSymbols   int32
	TypeInfo        int32
	SourceIndexed   int32
	Publics         int32
	MachineType     uint32
	Reserved        uint32
}

type modloadData struct {
	SSize uint32
	SSig  uint32
	Data  uintptr
	Size  uint32
	Flags uint32
}

// dbghelp is single threaded. One process handle and one enumeration
// callback serve every loader in the process.
var (
	dbgMu       sync.Mutex
	dbgInitErr  error
	dbgInitOnce sync.Once
	dbgProcess  windows.Handle

	enumCallback = windows.NewCallback(enumSymbolsProc)
	enumTarget   func(*symbolInfo) bool
)

func enumSymbolsProc(info *symbolInfo, size uint32, ctx uintptr) uintptr {
	if enumTarget != nil && !enumTarget(info) {
		return 0
	}
	return 1
}

func initDbghelp(symbolPath string) error {
	dbgInitOnce.Do(func() {
		dbgProcess = windows.CurrentProcess()
		_, _, _ = procSymSetOptions.Call(symOptUndname | symOptDeferredLoads | symOptFailCriticalErrors | symOptAutoPublics)

		var path *uint16
		if symbolPath != "" {
			p, err := windows.UTF16PtrFromString(symbolPath)
			if err != nil {
				dbgInitErr = err
				return
			}
			path = p
		}
		if r, _, err := procSymInitializeW.Call(uintptr(dbgProcess), uintptr(unsafe.Pointer(path)), 0); r == 0 {
			dbgInitErr = fmt.Errorf("SymInitialize: %w", err)
		}
	})
	return dbgInitErr
}

// DbghelpLoader loads loaded kernel modules through dbghelp.
type DbghelpLoader struct {
	logger zerolog.Logger
}

// NewDbghelpLoader initializes dbghelp with symbolPath, which may be empty to
// use _NT_SYMBOL_PATH.
func NewDbghelpLoader(symbolPath string, logger zerolog.Logger) (*DbghelpLoader, error) {
	if err := initDbghelp(symbolPath); err != nil {
		return nil, err
	}
	return &DbghelpLoader{logger: logger.With().Str("component", "dbghelp_loader").Logger()}, nil
}

// Close releases dbghelp. Loaders must not be used afterwards.
func (l *DbghelpLoader) Close() error {
	dbgMu.Lock()
	defer dbgMu.Unlock()
	if r, _, err := procSymCleanup.Call(uintptr(dbgProcess)); r == 0 {
		return fmt.Errorf("SymCleanup: %w", err)
	}
	return nil
}

func (l *DbghelpLoader) Load(ctx context.Context, base uint64, pdb *protocol.PDBIdentity) (Module, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dbgMu.Lock()
	defer dbgMu.Unlock()

	m := &dbghelpModule{base: base}
	m.info.SizeStruct = uint32(unsafe.Sizeof(m.info))

	if r, _, _ := procSymGetModuleInfoW64.Call(uintptr(dbgProcess), uintptr(base), uintptr(unsafe.Pointer(&m.info))); r != 0 {
		m.alreadyLoaded = true
	} else {
		path, err := driverPath(base)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		if err := m.load(path, pdb); err != nil {
			return nil, err
		}
	}

	l.logger.Debug().
		Str("module", m.Info().Name).
		Str("base", fmt.Sprintf("0x%x", base)).
		Bool("already_loaded", m.alreadyLoaded).
		Msg("Loaded module")
	return m, nil
}

// driverPath returns the image path of the driver loaded at base, rewritten
// into a path the Win32 file APIs accept.
func driverPath(base uint64) (string, error) {
	buf := make([]uint16, windows.MAX_LONG_PATH)
	r, _, err := procGetDeviceDriverFileName.Call(uintptr(base), uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	if r == 0 {
		return "", fmt.Errorf("GetDeviceDriverFileName: %w", err)
	}
	path := windows.UTF16ToString(buf[:r])

	const systemRoot = `\SystemRoot\`
	switch {
	case strings.HasPrefix(path, `\??\`):
		path = `\\?\` + path[4:]
	case len(path) >= len(systemRoot) && strings.EqualFold(path[:len(systemRoot)], systemRoot):
		if root := os.Getenv("SYSTEMROOT"); root != "" {
			path = root + `\` + path[len(systemRoot):]
		}
	}
	return path, nil
}

type dbghelpModule struct {
	base          uint64
	loadedBase    uint64
	alreadyLoaded bool
	info          moduleInfo
}

func (m *dbghelpModule) load(path string, pdb *protocol.PDBIdentity) error {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return err
	}

	var data *modloadData
	var ident [20]byte
	if pdb != nil {
		copy(ident[:16], pdb.GUID[:])
		*(*uint32)(unsafe.Pointer(&ident[16])) = pdb.Age
		data = &modloadData{
			SSig: dbhHeaderPDBGUID,
			Data: uintptr(unsafe.Pointer(&ident[0])),
			Size: uint32(len(ident)),
		}
		data.SSize = uint32(unsafe.Sizeof(*data))
	}

	r, _, callErr := syscall.SyscallN(procSymLoadModuleExW.Addr(),
		uintptr(dbgProcess), 0, uintptr(unsafe.Pointer(p)), 0,
		uintptr(m.base), 0, uintptr(unsafe.Pointer(data)), 0)
	if r == 0 {
		return fmt.Errorf("SymLoadModuleEx %s: %w", path, callErr)
	}
	m.loadedBase = uint64(r)

	if r, _, err := procSymGetModuleInfoW64.Call(uintptr(dbgProcess), uintptr(m.loadedBase), uintptr(unsafe.Pointer(&m.info))); r == 0 {
		m.unload()
		return fmt.Errorf("SymGetModuleInfo %s: %w", path, err)
	}
	return nil
}

func (m *dbghelpModule) unload() {
	if !m.alreadyLoaded && m.loadedBase != 0 {
		_, _, _ = procSymUnloadModule64.Call(uintptr(dbgProcess), uintptr(m.loadedBase))
		m.loadedBase = 0
	}
}

func (m *dbghelpModule) modBase() uint64 {
	if m.loadedBase != 0 {
		return m.loadedBase
	}
	return m.base
}

func (m *dbghelpModule) Info() Info {
	info := Info{
		Name:      windows.UTF16ToString(m.info.ModuleName[:]),
		Base:      m.base,
		ImagePath: windows.UTF16ToString(m.info.LoadedImageName[:]),
	}
	var zero [16]byte
	if m.info.PdbSig70 != zero {
		info.PDB = &protocol.PDBIdentity{GUID: m.info.PdbSig70, Age: m.info.PdbAge}
	}
	return info
}

func (m *dbghelpModule) EnumSymbols(mask string, fn func(Symbol) bool) error {
	if mask == "" {
		mask = "*"
	}
	p, err := windows.UTF16PtrFromString(mask)
	if err != nil {
		return err
	}

	dbgMu.Lock()
	defer dbgMu.Unlock()

	enumTarget = func(si *symbolInfo) bool {
		return fn(Symbol{
			Name:      si.name(),
			Address:   si.Addr,
			ModBase:   si.ModBase,
			Size:      si.Size,
			Tag:       typeinfo.SymTag(si.Tag),
			Flags:     SymFlag(si.Flags),
			TypeIndex: si.TypeIndex,
		})
	}
	defer func() { enumTarget = nil }()

	r, _, callErr := procSymEnumSymbolsW.Call(uintptr(dbgProcess), uintptr(m.modBase()),
		uintptr(unsafe.Pointer(p)), enumCallback, 0)
	if r == 0 {
		return fmt.Errorf("SymEnumSymbols: %w", callErr)
	}
	return nil
}

func (m *dbghelpModule) Types() typeinfo.Source {
	return &dbghelpTypes{base: m.modBase()}
}

// CodeBlocks reads the exception table from the image file on disk.
func (m *dbghelpModule) CodeBlocks() ([]uint32, error) {
	path := m.Info().ImagePath
	if path == "" {
		return nil, nil
	}
	img, err := OpenImage(path, m.base)
	if err != nil {
		return nil, err
	}
	defer func() { _ = img.Close() }()
	return img.CodeBlocks()
}

func (m *dbghelpModule) Close() error {
	dbgMu.Lock()
	defer dbgMu.Unlock()
	m.unload()
	return nil
}

type dbghelpTypes struct {
	base uint64
}

var _ typeinfo.Source = (*dbghelpTypes)(nil)

func (t *dbghelpTypes) get(id uint32, info uintptr, out unsafe.Pointer) bool {
	r, _, _ := procSymGetTypeInfo.Call(uintptr(dbgProcess), uintptr(t.base), uintptr(id), info, uintptr(out))
	return r != 0
}

func (t *dbghelpTypes) u32(id uint32, info uintptr) (uint32, bool) {
	var v uint32
	ok := t.get(id, info, unsafe.Pointer(&v))
	return v, ok
}

func (t *dbghelpTypes) SymTag(id uint32) (typeinfo.SymTag, bool) {
	v, ok := t.u32(id, tiGetSymTag)
	return typeinfo.SymTag(v), ok
}

func (t *dbghelpTypes) TypeID(id uint32) (uint32, bool) {
	return t.u32(id, tiGetTypeID)
}

func (t *dbghelpTypes) BaseType(id uint32) (typeinfo.BaseType, bool) {
	v, ok := t.u32(id, tiGetBaseType)
	return typeinfo.BaseType(v), ok
}

func (t *dbghelpTypes) Length(id uint32) (uint64, bool) {
	var v uint64
	ok := t.get(id, tiGetLength, unsafe.Pointer(&v))
	return v, ok
}

func (t *dbghelpTypes) SymName(id uint32) (string, bool) {
	var p *uint16
	if !t.get(id, tiGetSymName, unsafe.Pointer(&p)) || p == nil {
		return "", false
	}
	defer func() { _, _ = windows.LocalFree(windows.Handle(unsafe.Pointer(p))) }()
	return windows.UTF16PtrToString(p), true
}

func (t *dbghelpTypes) ObjectPointerType(id uint32) (uint32, bool) {
	return t.u32(id, tiGetObjectPointerType)
}

func (t *dbghelpTypes) ChildrenCount(id uint32) (uint32, bool) {
	return t.u32(id, tiGetChildrenCount)
}

func (t *dbghelpTypes) FindChildren(id uint32, count uint32) ([]uint32, bool) {
	// TI_FINDCHILDREN_PARAMS: Count, Start, ChildId[Count].
	buf := make([]uint32, 2+count)
	buf[0] = count
	if !t.get(id, tiFindChildren, unsafe.Pointer(&buf[0])) {
		return nil, false
	}
	return buf[2:], true
}
