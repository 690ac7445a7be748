// Package sink defines the structured event builder and the provider
// abstraction trace events are written to. Concrete providers live in the
// memsink (in-process recording) and winsink (Event Tracing for Windows)
// subpackages.
package sink

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNoField is returned when a value is added without a preceding field.
var ErrNoField = errors.New("value added without a field")

// Provider is a registered trace provider.
type Provider interface {
	// IsEnabled reports whether any session is currently listening.
	IsEnabled() bool
	// WriteEvent hands a finalized event to the provider.
	WriteEvent(ev *Event) error
	// Close unregisters the provider.
	Close() error
}

// ProviderFactory registers a new provider. group is nil when the provider
// does not join a provider group.
type ProviderFactory func(name string, id uuid.UUID, group *uuid.UUID) (Provider, error)

// FieldBuilder appends fields to an event or to a nested struct scope.
type FieldBuilder interface {
	// AddField declares the next field. Its value follows with AddValue or
	// AddString.
	AddField(name string, t FieldType)
	// AddValue sets the value of the pending field.
	AddValue(v any) error
	// AddString sets a string value on the pending field.
	AddString(s string) error
	// AddStruct opens a nested structure scope.
	AddStruct(name string) FieldBuilder
}

// Field is one node of an event's field tree. Struct fields carry their
// members in Fields and no Value.
type Field struct {
	Name   string
	Type   FieldType
	Value  any
	Struct bool
	Fields []*Field
}

// Event is a structured event under construction.
type Event struct {
	Name    string
	Level   uint8
	Keyword uint64

	scope
}

// NewEvent starts an event.
func NewEvent(name string, level uint8, keyword uint64) *Event {
	ev := &Event{Name: name, Level: level, Keyword: keyword}
	ev.scope.fields = &ev.root
	return ev
}

// Fields returns the top level fields of the event.
func (e *Event) Fields() []*Field {
	return *e.scope.fields
}

// Write finalizes the event and writes it to p.
func (e *Event) Write(p Provider) error {
	if e.pending != nil {
		return fmt.Errorf("field %q has no value", e.pending.Name)
	}
	return p.WriteEvent(e)
}

type scope struct {
	root    []*Field
	fields  *[]*Field
	pending *Field
}

func (s *scope) AddField(name string, t FieldType) {
	s.pending = &Field{Name: name, Type: t}
}

func (s *scope) AddValue(v any) error {
	if s.pending == nil {
		return ErrNoField
	}
	s.pending.Value = v
	*s.fields = append(*s.fields, s.pending)
	s.pending = nil
	return nil
}

func (s *scope) AddString(str string) error {
	return s.AddValue(str)
}

func (s *scope) AddStruct(name string) FieldBuilder {
	f := &Field{Name: name, Struct: true}
	*s.fields = append(*s.fields, f)
	return &scope{fields: &f.Fields}
}

// Walk visits fields depth first.
func Walk(fields []*Field, fn func(depth int, f *Field)) {
	walk(fields, 0, fn)
}

func walk(fields []*Field, depth int, fn func(int, *Field)) {
	for _, f := range fields {
		fn(depth, f)
		if f.Struct {
			walk(f.Fields, depth+1, fn)
		}
	}
}
