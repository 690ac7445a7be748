// Package descriptor compiles trace calls into self-contained, relocatable
// trace descriptors and re-establishes their string views after a descriptor
// has been copied as raw bytes.
package descriptor

import (
	"fmt"
	"io"

	"github.com/coral-mesh/etwtrace/internal/etw/provider"
	"github.com/coral-mesh/etwtrace/internal/etw/wiretype"
)

// MaxLevel is the most verbose trace level.
const MaxLevel = 5

// Header holds the fixed fields of a descriptor. String fields are stored as
// lengths including the NUL terminator; a zero GroupGUIDLen means no group.
type Header struct {
	ProviderNameLen uint32
	ProviderGUIDLen uint32
	GroupGUIDLen    uint32
	EventNameLen    uint32
	Level           uint8
	Keyword         uint64
	PayloadCount    uint32
	StringTableSize uint32
}

// PayloadEntry is one element of the payload array. For a struct entry the
// following N entries are its members, N being the runtime struct size.
type PayloadEntry struct {
	Tag     wiretype.Tag
	NameLen uint32
}

// Payload is the resolved view of a payload entry.
type Payload struct {
	Tag  wiretype.Tag
	Name string
}

type span struct {
	off, n uint32
}

// Descriptor describes one trace call site. It owns its string table
// exclusively; string accessors return data only after Validate succeeded.
type Descriptor struct {
	hdr     Header
	entries []PayloadEntry
	strtab  []byte

	providerName span
	providerGUID span
	groupGUID    span
	eventName    span
	names        []span
	valid        bool

	providers *provider.Registry
	heldID    string
}

// Header returns a copy of the descriptor header.
func (d *Descriptor) Header() Header { return d.hdr }

// Size is the serialized size: header, payload array and string table.
func (d *Descriptor) Size() int {
	return HeaderSize + len(d.entries)*PayloadEntrySize + len(d.strtab)
}

// Validate recomputes every string view from the stored lengths, walking the
// string table in its fixed order: provider name, provider GUID, event name,
// group GUID when present, then each payload name. It does not allocate once
// the descriptor has been sized and may be called any number of times.
func (d *Descriptor) Validate() error {
	d.valid = false

	if uint32(len(d.entries)) != d.hdr.PayloadCount {
		return fmt.Errorf("%w: %d payload entries, header declares %d", ErrCorrupt, len(d.entries), d.hdr.PayloadCount)
	}
	if uint32(len(d.strtab)) != d.hdr.StringTableSize {
		return fmt.Errorf("%w: string table is %d bytes, header declares %d", ErrCorrupt, len(d.strtab), d.hdr.StringTableSize)
	}
	if len(d.names) != len(d.entries) {
		d.names = make([]span, len(d.entries))
	}

	var cur uint32
	var err error
	if d.providerName, err = d.take(&cur, d.hdr.ProviderNameLen); err != nil {
		return fmt.Errorf("provider name: %w", err)
	}
	if d.providerGUID, err = d.take(&cur, d.hdr.ProviderGUIDLen); err != nil {
		return fmt.Errorf("provider guid: %w", err)
	}
	if d.eventName, err = d.take(&cur, d.hdr.EventNameLen); err != nil {
		return fmt.Errorf("event name: %w", err)
	}

	d.groupGUID = span{}
	if d.hdr.GroupGUIDLen != 0 {
		if d.groupGUID, err = d.take(&cur, d.hdr.GroupGUIDLen); err != nil {
			return fmt.Errorf("provider group guid: %w", err)
		}
	}

	for i := range d.entries {
		if d.names[i], err = d.take(&cur, d.entries[i].NameLen); err != nil {
			return fmt.Errorf("payload #%d name: %w", i+1, err)
		}
	}

	if cur != d.hdr.StringTableSize {
		return fmt.Errorf("%w: string table cursor at %d of %d bytes", ErrCorrupt, cur, d.hdr.StringTableSize)
	}

	d.valid = true
	return nil
}

func (d *Descriptor) take(cur *uint32, n uint32) (span, error) {
	if n == 0 {
		return span{}, fmt.Errorf("%w: zero length string", ErrCorrupt)
	}
	end := uint64(*cur) + uint64(n)
	if end > uint64(len(d.strtab)) {
		return span{}, fmt.Errorf("%w: string overruns table (%d > %d)", ErrCorrupt, end, len(d.strtab))
	}
	if d.strtab[end-1] != 0 {
		return span{}, fmt.Errorf("%w: string is not NUL terminated", ErrCorrupt)
	}

	s := span{off: *cur, n: n}
	*cur = uint32(end)
	return s, nil
}

func (d *Descriptor) str(s span) string {
	if !d.valid || s.n == 0 {
		return ""
	}
	return string(d.strtab[s.off : s.off+s.n-1])
}

// Valid reports whether the string views are current.
func (d *Descriptor) Valid() bool { return d.valid }

func (d *Descriptor) ProviderName() string { return d.str(d.providerName) }
func (d *Descriptor) ProviderGUID() string { return d.str(d.providerGUID) }
func (d *Descriptor) EventName() string    { return d.str(d.eventName) }

// GroupGUID returns the provider group GUID, if one was supplied.
func (d *Descriptor) GroupGUID() (string, bool) {
	if d.hdr.GroupGUIDLen == 0 {
		return "", false
	}
	return d.str(d.groupGUID), true
}

func (d *Descriptor) Level() uint8    { return d.hdr.Level }
func (d *Descriptor) Keyword() uint64 { return d.hdr.Keyword }

// PayloadCount returns the number of payload entries.
func (d *Descriptor) PayloadCount() int { return len(d.entries) }

// PayloadTag returns the wire type of payload i.
func (d *Descriptor) PayloadTag(i int) wiretype.Tag { return d.entries[i].Tag }

// PayloadName returns the field name of payload i.
func (d *Descriptor) PayloadName(i int) string {
	if !d.valid {
		return ""
	}
	return d.str(d.names[i])
}

// Payloads returns the resolved payload array.
func (d *Descriptor) Payloads() []Payload {
	out := make([]Payload, len(d.entries))
	for i, e := range d.entries {
		out[i] = Payload{Tag: e.Tag, Name: d.PayloadName(i)}
	}
	return out
}

// StringTable returns a copy of the raw string table.
func (d *Descriptor) StringTable() []byte {
	return append([]byte(nil), d.strtab...)
}

// Attach takes a reference on the descriptor's provider in reg. Descriptors
// returned by Build are already attached; rehydrated ones must be attached
// before Destroy can release anything.
func (d *Descriptor) Attach(reg *provider.Registry) error {
	if d.heldID != "" {
		return nil
	}
	group, _ := d.GroupGUID()
	if _, err := reg.Acquire(d.ProviderName(), d.ProviderGUID(), group); err != nil {
		return err
	}
	d.providers = reg
	d.heldID = d.ProviderGUID()
	return nil
}

// Destroy releases the provider reference held by the descriptor and drops
// its storage. The descriptor must not be used afterwards.
func (d *Descriptor) Destroy() {
	if d.heldID != "" && d.providers != nil {
		d.providers.Release(d.heldID)
	}
	d.heldID = ""
	d.providers = nil
	d.valid = false
	d.entries = nil
	d.names = nil
	d.strtab = nil
}

// Fprint writes a human readable dump of the descriptor.
func (d *Descriptor) Fprint(w io.Writer, types *wiretype.Registry) error {
	group, _ := d.GroupGUID()
	if group != "" {
		group = fmt.Sprintf("\tprovider group guid: %s\n", group)
	}

	if _, err := fmt.Fprintf(w, "\netw trace descriptor:\n"+
		"\tprovider name: %s\n"+
		"\tprovider guid: %s\n"+
		"%s"+
		"\tevent name: %s\n"+
		"\tlevel: %d\n"+
		"\tkeywords: 0x%016x\n"+
		"\tpayload count: %d\n",
		d.ProviderName(), d.ProviderGUID(), group, d.EventName(),
		d.hdr.Level, d.hdr.Keyword, len(d.entries)); err != nil {
		return err
	}

	for i, p := range d.Payloads() {
		name, ok := types.Name(p.Tag)
		if !ok {
			name = fmt.Sprintf("<invalid tag %d>", p.Tag)
		}
		if _, err := fmt.Fprintf(w, "\t\tpayload #%d type: %s\n\t\tpayload #%d name: %s\n",
			i+1, name, i+1, p.Name); err != nil {
			return err
		}
	}
	return nil
}
