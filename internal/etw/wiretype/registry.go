// Package wiretype holds the fixed vocabulary of payload types a trace event
// may carry, with the compile time compatibility checks and the runtime value
// extraction for each.
package wiretype

import (
	"github.com/coral-mesh/etwtrace/internal/etw/argtree"
	"github.com/coral-mesh/etwtrace/internal/etw/sink"
)

// Tag indexes the type table. Tags are stable: they are persisted in
// serialized descriptors.
type Tag uint32

// TagStruct is always the first entry.
const TagStruct Tag = 0

// CheckFunc reports whether an argument node can be converted to the type.
type CheckFunc func(n argtree.Node) bool

// AddFunc decodes a raw value and appends it as a named field.
type AddFunc func(b sink.FieldBuilder, name string, t sink.FieldType, data []byte) error

// Entry describes one wire type. A nil Check means validation is not
// implemented for the type. A nil Add means the type only contributes
// metadata and produces no runtime value.
type Entry struct {
	Name  string
	Type  sink.FieldType
	Size  int
	Check CheckFunc
	Add   AddFunc
}

// Compat is the result of a compatibility check.
type Compat int

const (
	Compatible Compat = iota
	Incompatible
	Unimplemented
	InvalidTag
)

func (c Compat) String() string {
	switch c {
	case Compatible:
		return "compatible"
	case Incompatible:
		return "incompatible"
	case Unimplemented:
		return "unimplemented"
	case InvalidTag:
		return "invalid tag"
	default:
		return "unknown"
	}
}

// Registry is an immutable type table.
type Registry struct {
	pointerSize int
	entries     []Entry
	byName      map[string]Tag
}

// Option configures a Registry.
type Option func(*Registry)

// WithPointerSize sets the target pointer width in bytes (4 or 8). Pointer
// sized types check and decode as 32 or 64 bit integers accordingly.
func WithPointerSize(size int) Option {
	return func(r *Registry) {
		if size == 4 || size == 8 {
			r.pointerSize = size
		}
	}
}

// NewRegistry builds the type table.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{pointerSize: 8}
	for _, opt := range opts {
		opt(r)
	}

	r.entries = table(r.pointerSize)
	r.byName = make(map[string]Tag, len(r.entries))
	for i, e := range r.entries {
		r.byName[e.Name] = Tag(i)
	}
	return r
}

var defaultRegistry = NewRegistry()

// Default returns the registry for a 64 bit target.
func Default() *Registry {
	return defaultRegistry
}

// PointerSize returns the configured pointer width.
func (r *Registry) PointerSize() int {
	return r.pointerSize
}

// Len returns the number of types.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Lookup finds the tag of a type name.
func (r *Registry) Lookup(name string) (Tag, bool) {
	tag, ok := r.byName[name]
	return tag, ok
}

// Name returns the name of a tag.
func (r *Registry) Name(tag Tag) (string, bool) {
	e, ok := r.Entry(tag)
	return e.Name, ok
}

// Entry returns the table entry of a tag.
func (r *Registry) Entry(tag Tag) (Entry, bool) {
	if int(tag) >= len(r.entries) {
		return Entry{}, false
	}
	return r.entries[tag], true
}

// Compatibility checks whether n can be carried as the type tag.
func (r *Registry) Compatibility(tag Tag, n argtree.Node) Compat {
	e, ok := r.Entry(tag)
	if !ok {
		return InvalidTag
	}
	if e.Check == nil {
		return Unimplemented
	}
	if !e.Check(n) {
		return Incompatible
	}
	return Compatible
}
