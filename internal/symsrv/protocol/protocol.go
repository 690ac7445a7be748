// Package protocol implements the framing of the symbol server channel. A
// single fixed buffer carries the request from the driver and, in place, the
// reply of the symbol server.
//
// Request, little endian:
//
//	0   index        u32  0 restarts enumeration, IndexNone means idle
//	4   flags        u32  FlagDbgInfoPresent, FlagKernel
//	8   module base  u64
//	16  pdb identity      20 bytes, present with FlagDbgInfoPresent
//	..  name filter       NUL terminated
//
// Reply:
//
//	0   index        u32  next cursor, IndexNone when exhausted
//	4   flags        u32  ReplyFlagVarArgs
//	8   rva          u32
//	12  size         u32
//	16  next entry   u32  always 0
//	20  reserved     u32
//	24  names             multi string
//	..  param types       multi string, return type first
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Microsoft/go-winio/pkg/guid"
)

const (
	RequestHeaderSize = 16
	PDBIdentitySize   = 20
	ReplyHeaderSize   = 24

	// DefaultBufferSize is the size of the exchange buffer.
	DefaultBufferSize = 4096

	// IndexNone marks an idle request or an exhausted enumeration.
	IndexNone uint32 = 0xFFFFFFFF
)

// Request flags.
const (
	FlagDbgInfoPresent uint32 = 1 << 0
	FlagKernel         uint32 = 1 << 1
)

// ReplyFlagVarArgs marks a variadic function.
const ReplyFlagVarArgs uint32 = 1 << 0

// ErrShortBuffer is returned when a buffer cannot hold a header.
var ErrShortBuffer = errors.New("buffer too short")

// PDBIdentity identifies the program database a module was built with.
type PDBIdentity struct {
	GUID [16]byte
	Age  uint32
}

// String renders the identity the way symbol stores index it.
func (p PDBIdentity) String() string {
	return fmt.Sprintf("%s/%d", guid.FromWindowsArray(p.GUID), p.Age)
}

// Request asks for the next function of a module.
type Request struct {
	Index      uint32
	ModuleBase uint64
	Kernel     bool
	PDB        *PDBIdentity
	Filter     string
}

// Idle reports whether the request carries no work.
func (r Request) Idle() bool { return r.Index == IndexNone }

// MarshalTo encodes the request into buf and returns the bytes used.
func (r Request) MarshalTo(buf []byte) (int, error) {
	n := RequestHeaderSize + len(r.Filter) + 1
	if r.PDB != nil {
		n += PDBIdentitySize
	}
	if len(buf) < n {
		return 0, fmt.Errorf("%w: request needs %d bytes, have %d", ErrShortBuffer, n, len(buf))
	}

	le := binary.LittleEndian
	var flags uint32
	if r.PDB != nil {
		flags |= FlagDbgInfoPresent
	}
	if r.Kernel {
		flags |= FlagKernel
	}
	le.PutUint32(buf[0:], r.Index)
	le.PutUint32(buf[4:], flags)
	le.PutUint64(buf[8:], r.ModuleBase)

	off := RequestHeaderSize
	if r.PDB != nil {
		copy(buf[off:], r.PDB.GUID[:])
		le.PutUint32(buf[off+16:], r.PDB.Age)
		off += PDBIdentitySize
	}
	off += copy(buf[off:], r.Filter)
	buf[off] = 0
	return n, nil
}

// DecodeRequest reads a request. The strings are copied so buf may be reused
// for the reply.
func DecodeRequest(buf []byte) (Request, error) {
	if len(buf) < RequestHeaderSize {
		return Request{}, fmt.Errorf("%w: %d bytes", ErrShortBuffer, len(buf))
	}

	le := binary.LittleEndian
	flags := le.Uint32(buf[4:])
	r := Request{
		Index:      le.Uint32(buf[0:]),
		ModuleBase: le.Uint64(buf[8:]),
		Kernel:     flags&FlagKernel != 0,
	}

	rest := buf[RequestHeaderSize:]
	if flags&FlagDbgInfoPresent != 0 {
		if len(rest) < PDBIdentitySize {
			return Request{}, fmt.Errorf("%w: truncated pdb identity", ErrShortBuffer)
		}
		p := &PDBIdentity{Age: le.Uint32(rest[16:])}
		copy(p.GUID[:], rest[:16])
		r.PDB = p
		rest = rest[PDBIdentitySize:]
	}

	if i := bytes.IndexByte(rest, 0); i >= 0 {
		rest = rest[:i]
	}
	r.Filter = string(rest)
	return r, nil
}

// SetReplyIndex writes the index field shared by request and reply.
func SetReplyIndex(buf []byte, index uint32) {
	binary.LittleEndian.PutUint32(buf[0:], index)
}

// Reply describes one function.
type Reply struct {
	Index           uint32
	RVA             uint32
	Size            uint32
	VarArgs         bool
	NextEntryOffset uint32
	Names           []string
	ParamTypes      []string
}

// Done reports whether the enumeration is exhausted.
func (r Reply) Done() bool { return r.Index == IndexNone }

// DecodeReply reads a reply. Name lists are only decoded when the reply
// carries an entry.
func DecodeReply(buf []byte) (Reply, error) {
	if len(buf) < ReplyHeaderSize {
		return Reply{}, fmt.Errorf("%w: %d bytes", ErrShortBuffer, len(buf))
	}

	le := binary.LittleEndian
	r := Reply{
		Index:           le.Uint32(buf[0:]),
		VarArgs:         le.Uint32(buf[4:])&ReplyFlagVarArgs != 0,
		RVA:             le.Uint32(buf[8:]),
		Size:            le.Uint32(buf[12:]),
		NextEntryOffset: le.Uint32(buf[16:]),
	}
	if r.Done() {
		return r, nil
	}

	rest := buf[ReplyHeaderSize:]
	var err error
	if r.Names, rest, err = multiString(rest); err != nil {
		return Reply{}, fmt.Errorf("names: %w", err)
	}
	if r.ParamTypes, _, err = multiString(rest); err != nil {
		return Reply{}, fmt.Errorf("param types: %w", err)
	}
	return r, nil
}

func multiString(b []byte) ([]string, []byte, error) {
	var out []string
	for {
		i := bytes.IndexByte(b, 0)
		if i < 0 {
			return nil, nil, errors.New("unterminated multi string")
		}
		if i == 0 {
			return out, b[1:], nil
		}
		out = append(out, string(b[:i]))
		b = b[i+1:]
	}
}

// ReplyWriter serializes one candidate entry into the reply area. Strings that
// do not fit are dropped and flag the entry as overflowed; the caller then
// moves on to the next candidate with a fresh writer.
type ReplyWriter struct {
	buf      []byte
	pos      int
	limit    int
	overflow bool
}

// NewReplyWriter starts writing after the reply header. The last byte of buf
// is kept in reserve so a multi string can always be terminated.
func NewReplyWriter(buf []byte) *ReplyWriter {
	return &ReplyWriter{buf: buf, pos: ReplyHeaderSize, limit: len(buf) - 1}
}

// AddString appends s and its terminator.
func (w *ReplyWriter) AddString(s string) {
	n := len(s) + 1
	if w.pos+n >= w.limit {
		w.overflow = true
		return
	}
	copy(w.buf[w.pos:], s)
	w.buf[w.pos+len(s)] = 0
	w.pos += n
}

// Terminate ends the current multi string.
func (w *ReplyWriter) Terminate() {
	if w.pos > w.limit {
		w.overflow = true
		return
	}
	w.buf[w.pos] = 0
	w.pos++
}

// Overflow reports whether anything was dropped.
func (w *ReplyWriter) Overflow() bool { return w.overflow }

// Len returns the bytes used so far, header included.
func (w *ReplyWriter) Len() int { return w.pos }

// Finish writes the reply header.
func (w *ReplyWriter) Finish(index, rva, size uint32, varArgs bool) {
	le := binary.LittleEndian
	var flags uint32
	if varArgs {
		flags |= ReplyFlagVarArgs
	}
	le.PutUint32(w.buf[0:], index)
	le.PutUint32(w.buf[4:], flags)
	le.PutUint32(w.buf[8:], rva)
	le.PutUint32(w.buf[12:], size)
	le.PutUint32(w.buf[16:], 0)
	le.PutUint32(w.buf[20:], 0)
}
