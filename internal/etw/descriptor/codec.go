package descriptor

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/xxh3"

	"github.com/coral-mesh/etwtrace/internal/etw/wiretype"
)

// Serialized layout, little endian:
//
//	0   magic            u32  "ETWD"
//	4   version          u16
//	6   level            u8
//	7   reserved         u8
//	8   provider name    u32  length incl. NUL
//	12  provider guid    u32
//	16  group guid       u32  0 when absent
//	20  event name       u32
//	24  payload count    u32
//	28  string table     u32  bytes
//	32  keyword          u64
//	40  checksum         u64  xxh3 of everything after the header
//	48  payload array    count * {tag u32, name length u32}
//	..  string table
const (
	HeaderSize       = 48
	PayloadEntrySize = 8

	magic   uint32 = 0x44575445
	version uint16 = 1
)

// MarshalBinary serializes the descriptor into one contiguous blob.
func (d *Descriptor) MarshalBinary() ([]byte, error) {
	if uint32(len(d.entries)) != d.hdr.PayloadCount || uint32(len(d.strtab)) != d.hdr.StringTableSize {
		return nil, fmt.Errorf("%w: header does not match contents", ErrCorrupt)
	}

	buf := make([]byte, d.Size())
	le := binary.LittleEndian

	body := buf[HeaderSize:]
	for i, e := range d.entries {
		le.PutUint32(body[i*PayloadEntrySize:], uint32(e.Tag))
		le.PutUint32(body[i*PayloadEntrySize+4:], e.NameLen)
	}
	copy(body[len(d.entries)*PayloadEntrySize:], d.strtab)

	le.PutUint32(buf[0:], magic)
	le.PutUint16(buf[4:], version)
	buf[6] = d.hdr.Level
	le.PutUint32(buf[8:], d.hdr.ProviderNameLen)
	le.PutUint32(buf[12:], d.hdr.ProviderGUIDLen)
	le.PutUint32(buf[16:], d.hdr.GroupGUIDLen)
	le.PutUint32(buf[20:], d.hdr.EventNameLen)
	le.PutUint32(buf[24:], d.hdr.PayloadCount)
	le.PutUint32(buf[28:], d.hdr.StringTableSize)
	le.PutUint64(buf[32:], d.hdr.Keyword)
	le.PutUint64(buf[40:], xxh3.Hash(body))

	return buf, nil
}

// Rehydrate rebuilds a descriptor from a blob produced by MarshalBinary and
// validates it. The blob is copied; the caller keeps ownership of it.
func Rehydrate(blob []byte) (*Descriptor, error) {
	if len(blob) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrCorrupt, len(blob))
	}

	le := binary.LittleEndian
	if m := le.Uint32(blob[0:]); m != magic {
		return nil, fmt.Errorf("%w: bad magic 0x%08x", ErrCorrupt, m)
	}
	if v := le.Uint16(blob[4:]); v != version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, v)
	}

	hdr := Header{
		Level:           blob[6],
		ProviderNameLen: le.Uint32(blob[8:]),
		ProviderGUIDLen: le.Uint32(blob[12:]),
		GroupGUIDLen:    le.Uint32(blob[16:]),
		EventNameLen:    le.Uint32(blob[20:]),
		PayloadCount:    le.Uint32(blob[24:]),
		StringTableSize: le.Uint32(blob[28:]),
		Keyword:         le.Uint64(blob[32:]),
	}
	if hdr.Level > MaxLevel {
		return nil, fmt.Errorf("%w: level %d out of range", ErrCorrupt, hdr.Level)
	}

	want := uint64(HeaderSize) + uint64(hdr.PayloadCount)*PayloadEntrySize + uint64(hdr.StringTableSize)
	if want != uint64(len(blob)) {
		return nil, fmt.Errorf("%w: blob is %d bytes, header describes %d", ErrCorrupt, len(blob), want)
	}

	body := blob[HeaderSize:]
	if sum := le.Uint64(blob[40:]); sum != xxh3.Hash(body) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	d := &Descriptor{
		hdr:     hdr,
		entries: make([]PayloadEntry, hdr.PayloadCount),
		names:   make([]span, hdr.PayloadCount),
	}
	for i := range d.entries {
		d.entries[i] = PayloadEntry{
			Tag:     wiretype.Tag(le.Uint32(body[i*PayloadEntrySize:])),
			NameLen: le.Uint32(body[i*PayloadEntrySize+4:]),
		}
	}
	d.strtab = append([]byte(nil), body[int(hdr.PayloadCount)*PayloadEntrySize:]...)

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}
