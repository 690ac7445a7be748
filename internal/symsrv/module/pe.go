package module

import (
	"bytes"
	"context"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/etwtrace/internal/symsrv/protocol"
	"github.com/coral-mesh/etwtrace/internal/symsrv/typeinfo"
)

const (
	dirExport    = 0
	dirException = 3
	dirDebug     = 6

	debugTypeCodeView = 2
	debugEntrySize    = 28
	exportDirSize     = 40

	coffTypeFunction = 0x20
)

// Image is a PE image opened from disk. Symbols come from the export table,
// the COFF symbol table and DWARF debug info when present.
type Image struct {
	f    *os.File
	pe   *pe.File
	info Info

	imageBase uint64
	dirs      []pe.DataDirectory

	symbols []Symbol
	types   typeinfo.Source
}

// OpenImage opens the image at path as if it were loaded at base.
func OpenImage(path string, base uint64) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	img, err := newImage(f, path, base)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return img, nil
}

func newImage(f *os.File, path string, base uint64) (*Image, error) {
	pf, err := pe.NewFile(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	img := &Image{
		f:    f,
		pe:   pf,
		info: Info{Name: Name(path), Base: base, ImagePath: path},
	}

	switch oh := pf.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		img.imageBase = oh.ImageBase
		img.dirs = oh.DataDirectory[:min(int(oh.NumberOfRvaAndSizes), len(oh.DataDirectory))]
	case *pe.OptionalHeader32:
		img.imageBase = uint64(oh.ImageBase)
		img.dirs = oh.DataDirectory[:min(int(oh.NumberOfRvaAndSizes), len(oh.DataDirectory))]
	default:
		return nil, fmt.Errorf("parse %s: no optional header", path)
	}

	if img.info.PDB, err = img.codeView(); err != nil {
		return nil, fmt.Errorf("read debug directory of %s: %w", path, err)
	}

	if err := img.loadSymbols(); err != nil {
		return nil, fmt.Errorf("read symbols of %s: %w", path, err)
	}
	return img, nil
}

func (img *Image) Info() Info { return img.info }

func (img *Image) Types() typeinfo.Source { return img.types }

func (img *Image) Close() error {
	return img.f.Close()
}

func (img *Image) EnumSymbols(mask string, fn func(Symbol) bool) error {
	match := newMatcher(mask)
	for _, s := range img.symbols {
		if !match(s.Name) {
			continue
		}
		if !fn(s) {
			return nil
		}
	}
	return nil
}

func (img *Image) dir(i int) (pe.DataDirectory, bool) {
	if i >= len(img.dirs) || img.dirs[i].VirtualAddress == 0 || img.dirs[i].Size == 0 {
		return pe.DataDirectory{}, false
	}
	return img.dirs[i], true
}

// readRVA reads n bytes at a relative virtual address.
func (img *Image) readRVA(rva, n uint32) ([]byte, error) {
	for _, s := range img.pe.Sections {
		size := max(s.VirtualSize, s.Size)
		if rva < s.VirtualAddress || rva-s.VirtualAddress >= size {
			continue
		}
		off := rva - s.VirtualAddress
		if uint64(off)+uint64(n) > uint64(s.Size) {
			return nil, fmt.Errorf("rva 0x%x+%d outside section %s data", rva, n, s.Name)
		}
		buf := make([]byte, n)
		if _, err := s.ReadAt(buf, int64(off)); err != nil {
			return nil, err
		}
		return buf, nil
	}
	return nil, fmt.Errorf("rva 0x%x is not mapped by any section", rva)
}

func (img *Image) cstring(rva uint32) (string, error) {
	const chunk = 64
	var out []byte
	for len(out) < 4096 {
		b, err := img.readRVA(rva+uint32(len(out)), chunk)
		if err != nil {
			// Retry byte by byte near the end of the section.
			b, err = img.readRVA(rva+uint32(len(out)), 1)
			if err != nil {
				return "", err
			}
		}
		if i := bytes.IndexByte(b, 0); i >= 0 {
			return string(append(out, b[:i]...)), nil
		}
		out = append(out, b...)
	}
	return "", errors.New("string too long")
}

// codeView reads the RSDS record of the debug directory.
func (img *Image) codeView() (*protocol.PDBIdentity, error) {
	d, ok := img.dir(dirDebug)
	if !ok {
		return nil, nil
	}

	raw, err := img.readRVA(d.VirtualAddress, d.Size)
	if err != nil {
		return nil, err
	}

	le := binary.LittleEndian
	for off := 0; off+debugEntrySize <= len(raw); off += debugEntrySize {
		e := raw[off : off+debugEntrySize]
		if le.Uint32(e[12:]) != debugTypeCodeView {
			continue
		}
		size := le.Uint32(e[16:])
		ptr := le.Uint32(e[24:])
		if size < 24 {
			continue
		}

		rec := make([]byte, 24)
		if _, err := img.f.ReadAt(rec, int64(ptr)); err != nil {
			return nil, err
		}
		if string(rec[:4]) != "RSDS" {
			continue
		}
		p := &protocol.PDBIdentity{Age: le.Uint32(rec[20:])}
		copy(p.GUID[:], rec[4:20])
		return p, nil
	}
	return nil, nil
}

func (img *Image) loadSymbols() error {
	var set symbolSet
	add := set.add

	img.types = typeinfo.Map{}
	if d, err := img.pe.DWARF(); err == nil {
		src, err := NewDWARFSource(d, img.imageBase)
		if err != nil {
			return err
		}
		img.types = src
		for _, fn := range src.Functions() {
			add(Symbol{
				Name:      fn.Name,
				Address:   img.info.Base + uint64(fn.RVA),
				ModBase:   img.info.Base,
				Size:      fn.Size,
				Tag:       typeinfo.SymTagFunction,
				TypeIndex: fn.TypeIndex,
			})
		}
	}

	exports, err := img.exports()
	if err != nil {
		return err
	}
	for _, s := range exports {
		add(s)
	}

	for _, cs := range img.pe.Symbols {
		if cs.SectionNumber <= 0 || int(cs.SectionNumber) > len(img.pe.Sections) || cs.Type != coffTypeFunction {
			continue
		}
		sec := img.pe.Sections[cs.SectionNumber-1]
		add(Symbol{
			Name:    cs.Name,
			Address: img.info.Base + uint64(sec.VirtualAddress) + uint64(cs.Value),
			ModBase: img.info.Base,
			Tag:     typeinfo.SymTagPublicSymbol,
			Flags:   SymFlagFunction,
		})
	}

	img.symbols = set.symbols
	sort.SliceStable(img.symbols, func(i, j int) bool {
		return img.symbols[i].Address < img.symbols[j].Address
	})
	return nil
}

type symbolKey struct {
	name    string
	address uint64
}

// symbolSet collects symbols from several sources, keeping the first one seen
// for each name and address. Static functions sharing a name at different
// addresses are all kept.
type symbolSet struct {
	seen    map[symbolKey]bool
	symbols []Symbol
}

func (s *symbolSet) add(sym Symbol) {
	if s.seen == nil {
		s.seen = make(map[symbolKey]bool)
	}
	k := symbolKey{sym.Name, sym.Address}
	if s.seen[k] {
		return
	}
	s.seen[k] = true
	s.symbols = append(s.symbols, sym)
}

// exports reads the named entries of the export table. Forwarders, whose
// address points back into the export directory, are skipped.
func (img *Image) exports() ([]Symbol, error) {
	d, ok := img.dir(dirExport)
	if !ok {
		return nil, nil
	}

	hdr, err := img.readRVA(d.VirtualAddress, exportDirSize)
	if err != nil {
		return nil, err
	}
	le := binary.LittleEndian
	numFuncs := le.Uint32(hdr[20:])
	numNames := le.Uint32(hdr[24:])
	if numFuncs == 0 || numNames == 0 {
		return nil, nil
	}

	funcs, err := img.readRVA(le.Uint32(hdr[28:]), numFuncs*4)
	if err != nil {
		return nil, fmt.Errorf("export functions: %w", err)
	}
	names, err := img.readRVA(le.Uint32(hdr[32:]), numNames*4)
	if err != nil {
		return nil, fmt.Errorf("export names: %w", err)
	}
	ords, err := img.readRVA(le.Uint32(hdr[36:]), numNames*2)
	if err != nil {
		return nil, fmt.Errorf("export ordinals: %w", err)
	}

	out := make([]Symbol, 0, numNames)
	for i := uint32(0); i < numNames; i++ {
		ord := uint32(le.Uint16(ords[i*2:]))
		if ord >= numFuncs {
			continue
		}
		rva := le.Uint32(funcs[ord*4:])
		if rva == 0 || (rva >= d.VirtualAddress && rva < d.VirtualAddress+d.Size) {
			continue
		}
		name, err := img.cstring(le.Uint32(names[i*4:]))
		if err != nil {
			return nil, fmt.Errorf("export name %d: %w", i, err)
		}
		out = append(out, Symbol{
			Name:    name,
			Address: img.info.Base + uint64(rva),
			ModBase: img.info.Base,
			Tag:     typeinfo.SymTagPublicSymbol,
			Flags:   SymFlagExport,
		})
	}
	return out, nil
}

// CodeBlocks reads the exception directory. x86 images have none.
func (img *Image) CodeBlocks() ([]uint32, error) {
	var entrySize uint32
	switch img.pe.Machine {
	case pe.IMAGE_FILE_MACHINE_AMD64:
		entrySize = 12
	case pe.IMAGE_FILE_MACHINE_ARM64:
		entrySize = 8
	default:
		return nil, nil
	}

	d, ok := img.dir(dirException)
	if !ok {
		return nil, nil
	}
	raw, err := img.readRVA(d.VirtualAddress, d.Size-d.Size%entrySize)
	if err != nil {
		return nil, err
	}

	blocks := make([]uint32, 0, len(raw)/int(entrySize))
	for off := 0; off+int(entrySize) <= len(raw); off += int(entrySize) {
		blocks = append(blocks, binary.LittleEndian.Uint32(raw[off:]))
	}
	return blocks, nil
}

// ImageMapping binds a module base address to an image file.
type ImageMapping struct {
	Base uint64
	Path string
}

// PELoader loads images from disk by base address.
type PELoader struct {
	images map[uint64]string
	logger zerolog.Logger
}

// NewPELoader creates a loader for the given images.
func NewPELoader(images []ImageMapping, logger zerolog.Logger) *PELoader {
	l := &PELoader{
		images: make(map[uint64]string, len(images)),
		logger: logger.With().Str("component", "pe_loader").Logger(),
	}
	for _, m := range images {
		l.images[m.Base] = m.Path
	}
	return l
}

func (l *PELoader) Load(ctx context.Context, base uint64, pdb *protocol.PDBIdentity) (Module, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, ok := l.images[base]
	if !ok {
		return nil, fmt.Errorf("%w: no image for base 0x%x", ErrNotFound, base)
	}

	img, err := OpenImage(path, base)
	if err != nil {
		return nil, err
	}

	l.logger.Debug().
		Str("image", path).
		Str("base", fmt.Sprintf("0x%x", base)).
		Int("symbols", len(img.symbols)).
		Msg("Loaded image")
	return img, nil
}
