package module

import (
	"bytes"
	"context"
	"debug/pe"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/etwtrace/internal/symsrv/typeinfo"
)

const testBase = 0xfffff80012340000

func name8(s string) [8]uint8 {
	var n [8]uint8
	copy(n[:], s)
	return n
}

// writeTestImage lays out a minimal PE32+ image with an export table, an
// exception table and a CodeView debug record:
//
//	.text   rva 0x1000  file 0x400
//	.pdata  rva 0x2000  file 0x600
//	.rdata  rva 0x3000  file 0x800  exports at +0x0, debug directory at +0x100
func writeTestImage(t *testing.T, machine uint16) string {
	t.Helper()

	const (
		textRVA, pdataRVA, rdataRVA = 0x1000, 0x2000, 0x3000
		textOff, pdataOff, rdataOff = 0x400, 0x600, 0x800
		rawSize                     = 0x200
		exportSize                  = 0x78
	)
	le := binary.LittleEndian

	img := make([]byte, rdataOff+rawSize)
	img[0], img[1] = 'M', 'Z'
	le.PutUint32(img[0x3c:], 0x40)
	copy(img[0x40:], "PE\x00\x00")

	fh := pe.FileHeader{
		Machine:              machine,
		NumberOfSections:     3,
		SizeOfOptionalHeader: 240,
		Characteristics:      0x22,
	}
	oh := pe.OptionalHeader64{
		Magic:               0x20b,
		ImageBase:           0x140000000,
		SectionAlignment:    0x1000,
		FileAlignment:       0x200,
		SizeOfImage:         0x4000,
		SizeOfHeaders:       0x400,
		NumberOfRvaAndSizes: 16,
	}
	oh.DataDirectory[dirExport] = pe.DataDirectory{VirtualAddress: rdataRVA, Size: exportSize}
	oh.DataDirectory[dirException] = pe.DataDirectory{VirtualAddress: pdataRVA, Size: 24}
	oh.DataDirectory[dirDebug] = pe.DataDirectory{VirtualAddress: rdataRVA + 0x100, Size: debugEntrySize}

	sections := []pe.SectionHeader32{
		{Name: name8(".text"), VirtualSize: 0x100, VirtualAddress: textRVA, SizeOfRawData: rawSize, PointerToRawData: textOff, Characteristics: 0x60000020},
		{Name: name8(".pdata"), VirtualSize: 0x18, VirtualAddress: pdataRVA, SizeOfRawData: rawSize, PointerToRawData: pdataOff, Characteristics: 0x40000040},
		{Name: name8(".rdata"), VirtualSize: 0x200, VirtualAddress: rdataRVA, SizeOfRawData: rawSize, PointerToRawData: rdataOff, Characteristics: 0x40000040},
	}

	var hdr bytes.Buffer
	require.NoError(t, binary.Write(&hdr, le, fh))
	require.NoError(t, binary.Write(&hdr, le, oh))
	for _, s := range sections {
		require.NoError(t, binary.Write(&hdr, le, s))
	}
	copy(img[0x44:], hdr.Bytes())

	pdata := img[pdataOff:]
	for i, rf := range [][3]uint32{{0x1000, 0x1010, 0x1100}, {0x1020, 0x1040, 0x1108}} {
		le.PutUint32(pdata[i*12:], rf[0])
		le.PutUint32(pdata[i*12+4:], rf[1])
		le.PutUint32(pdata[i*12+8:], rf[2])
	}

	rd := img[rdataOff:]
	le.PutUint32(rd[12:], rdataRVA+0x6c) // dll name
	le.PutUint32(rd[16:], 1)             // ordinal base
	le.PutUint32(rd[20:], 3)             // functions
	le.PutUint32(rd[24:], 3)             // names
	le.PutUint32(rd[28:], rdataRVA+0x28)
	le.PutUint32(rd[32:], rdataRVA+0x34)
	le.PutUint32(rd[36:], rdataRVA+0x40)
	// The third export forwards into the export directory.
	for i, rva := range []uint32{0x1000, 0x1020, rdataRVA + 0x70} {
		le.PutUint32(rd[0x28+i*4:], rva)
	}
	for i, rva := range []uint32{rdataRVA + 0x48, rdataRVA + 0x54, rdataRVA + 0x62} {
		le.PutUint32(rd[0x34+i*4:], rva)
	}
	for i := 0; i < 3; i++ {
		le.PutUint16(rd[0x40+i*2:], uint16(i))
	}
	copy(rd[0x48:], "DriverEntry\x00")
	copy(rd[0x54:], "HelperRoutine\x00")
	copy(rd[0x62:], "Forwarded\x00")
	copy(rd[0x6c:], "test.sys\x00")

	dbg := rd[0x100:]
	le.PutUint32(dbg[12:], debugTypeCodeView)
	le.PutUint32(dbg[16:], 24+9)
	le.PutUint32(dbg[20:], rdataRVA+0x120)
	le.PutUint32(dbg[24:], rdataOff+0x120)
	rsds := rd[0x120:]
	copy(rsds, "RSDS")
	for i := 0; i < 16; i++ {
		rsds[4+i] = byte(0x10 + i)
	}
	le.PutUint32(rsds[20:], 3)
	copy(rsds[24:], "test.pdb\x00")

	path := filepath.Join(t.TempDir(), "test.sys")
	require.NoError(t, os.WriteFile(path, img, 0o600))
	return path
}

func TestOpenImage(t *testing.T) {
	path := writeTestImage(t, pe.IMAGE_FILE_MACHINE_AMD64)

	img, err := OpenImage(path, testBase)
	require.NoError(t, err)
	defer func() { _ = img.Close() }()

	info := img.Info()
	assert.Equal(t, "test", info.Name)
	assert.Equal(t, uint64(testBase), info.Base)
	assert.Equal(t, path, info.ImagePath)
	require.NotNil(t, info.PDB)
	assert.Equal(t, uint32(3), info.PDB.Age)
	assert.Equal(t, byte(0x10), info.PDB.GUID[0])
	assert.Equal(t, byte(0x1f), info.PDB.GUID[15])

	var got []Symbol
	require.NoError(t, img.EnumSymbols("", func(s Symbol) bool {
		got = append(got, s)
		return true
	}))
	assert.Equal(t, []Symbol{
		{Name: "DriverEntry", Address: testBase + 0x1000, ModBase: testBase, Tag: typeinfo.SymTagPublicSymbol, Flags: SymFlagExport},
		{Name: "HelperRoutine", Address: testBase + 0x1020, ModBase: testBase, Tag: typeinfo.SymTagPublicSymbol, Flags: SymFlagExport},
	}, got)
	for _, s := range got {
		assert.True(t, s.IsFunction(), s.Name)
	}

	blocks, err := img.CodeBlocks()
	require.NoError(t, err)
	assert.Equal(t, []uint32{0x1000, 0x1020}, blocks)

	assert.NotNil(t, img.Types())
}

func TestOpenImage_EnumMask(t *testing.T) {
	img, err := OpenImage(writeTestImage(t, pe.IMAGE_FILE_MACHINE_AMD64), testBase)
	require.NoError(t, err)
	defer func() { _ = img.Close() }()

	tests := []struct {
		mask string
		want []string
	}{
		{"*", []string{"DriverEntry", "HelperRoutine"}},
		{"Driver*", []string{"DriverEntry"}},
		{"HelperRoutine", []string{"HelperRoutine"}},
		{"Nope", nil},
		{"[", nil},
	}
	for _, tt := range tests {
		t.Run(tt.mask, func(t *testing.T) {
			var got []string
			require.NoError(t, img.EnumSymbols(tt.mask, func(s Symbol) bool {
				got = append(got, s.Name)
				return true
			}))
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("stop early", func(t *testing.T) {
		calls := 0
		require.NoError(t, img.EnumSymbols("*", func(Symbol) bool {
			calls++
			return false
		}))
		assert.Equal(t, 1, calls)
	})
}

func TestOpenImage_NoExceptionTableOnX86(t *testing.T) {
	img, err := OpenImage(writeTestImage(t, pe.IMAGE_FILE_MACHINE_I386), testBase)
	require.NoError(t, err)
	defer func() { _ = img.Close() }()

	blocks, err := img.CodeBlocks()
	require.NoError(t, err)
	assert.Empty(t, blocks)
}

func TestOpenImage_Errors(t *testing.T) {
	_, err := OpenImage(filepath.Join(t.TempDir(), "missing.sys"), testBase)
	require.Error(t, err)

	junk := filepath.Join(t.TempDir(), "junk.sys")
	raw := bytes.Repeat([]byte{0xcc}, 256)
	raw[0], raw[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(raw[0x3c:], 0x40)
	require.NoError(t, os.WriteFile(junk, raw, 0o600))
	_, err = OpenImage(junk, testBase)
	require.Error(t, err)
}

func TestPELoader(t *testing.T) {
	path := writeTestImage(t, pe.IMAGE_FILE_MACHINE_AMD64)
	l := NewPELoader([]ImageMapping{{Base: testBase, Path: path}}, zerolog.Nop())

	m, err := l.Load(context.Background(), testBase, nil)
	require.NoError(t, err)
	assert.Equal(t, "test", m.Info().Name)
	require.NoError(t, m.Close())

	_, err = l.Load(context.Background(), 0x1234, nil)
	require.ErrorIs(t, err, ErrNotFound)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Load(ctx, testBase, nil)
	require.ErrorIs(t, err, context.Canceled)
}
