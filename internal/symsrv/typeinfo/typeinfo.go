// Package typeinfo renders debug type information as D type strings and
// extracts function signatures for function boundary tracing.
package typeinfo

import (
	"fmt"
	"strings"
)

// SymTag is the debug info tag of a symbol or type.
type SymTag uint32

// Symbol tags, numbered as in the DIA SDK.
const (
	SymTagNull            SymTag = 0
	SymTagExe             SymTag = 1
	SymTagCompiland       SymTag = 2
	SymTagFunction        SymTag = 5
	SymTagData            SymTag = 7
	SymTagPublicSymbol    SymTag = 10
	SymTagUDT             SymTag = 11
	SymTagEnum            SymTag = 12
	SymTagFunctionType    SymTag = 13
	SymTagPointerType     SymTag = 14
	SymTagArrayType       SymTag = 15
	SymTagBaseType        SymTag = 16
	SymTagTypedef         SymTag = 17
	SymTagFunctionArgType SymTag = 20
)

// BaseType is the kind of a SymTagBaseType type.
type BaseType uint32

const (
	BtNoType   BaseType = 0
	BtVoid     BaseType = 1
	BtChar     BaseType = 2
	BtWChar    BaseType = 3
	BtInt      BaseType = 6
	BtUInt     BaseType = 7
	BtFloat    BaseType = 8
	BtBCD      BaseType = 9
	BtBool     BaseType = 10
	BtLong     BaseType = 13
	BtULong    BaseType = 14
	BtCurrency BaseType = 25
	BtDate     BaseType = 26
	BtVariant  BaseType = 27
	BtComplex  BaseType = 28
	BtBit      BaseType = 29
	BtBSTR     BaseType = 30
	BtHresult  BaseType = 31
)

// Unresolvable nodes render as these markers.
const (
	UnknownType     = "__$unknownType"
	UnknownBaseType = "__$unknownBaseType"
	UnknownUDT      = "__$unknownUDT"
)

// Source answers type queries for one loaded module. Each method reports
// false when the property does not exist for id.
type Source interface {
	SymTag(id uint32) (SymTag, bool)
	// TypeID is the referenced type: pointee, element, return or argument type.
	TypeID(id uint32) (uint32, bool)
	BaseType(id uint32) (BaseType, bool)
	Length(id uint32) (uint64, bool)
	SymName(id uint32) (string, bool)
	// ObjectPointerType is the type of the implicit this argument of a method.
	ObjectPointerType(id uint32) (uint32, bool)
	ChildrenCount(id uint32) (uint32, bool)
	FindChildren(id uint32, count uint32) ([]uint32, bool)
}

// Resolver renders types of one module. Named types are qualified with the
// module name.
type Resolver struct {
	src    Source
	module string
}

// NewResolver creates a resolver for the module named module.
func NewResolver(src Source, module string) *Resolver {
	return &Resolver{src: src, module: module}
}

// Module returns the module name used to qualify named types.
func (r *Resolver) Module() string { return r.module }

// TypeName renders the type id. It returns an empty string when id has no
// symbol tag, and one of the unknown markers when only part of the type could
// be resolved.
func (r *Resolver) TypeName(id uint32) string {
	tag, ok := r.src.SymTag(id)
	if !ok {
		return ""
	}

	switch tag {
	case SymTagBaseType:
		return r.baseType(id)
	case SymTagUDT, SymTagEnum:
		return r.udt(id)
	case SymTagPointerType:
		return r.pointer(id)
	case SymTagFunctionType:
		return "void*"
	case SymTagArrayType:
		return r.array(id)
	}
	return UnknownType
}

func (r *Resolver) udt(id uint32) string {
	name, ok := r.src.SymName(id)
	if !ok || name == "" {
		return UnknownUDT
	}

	// Templates and qualified names are not valid D identifiers.
	if strings.ContainsAny(name, ":< ") {
		return `__identifier("` + r.module + "`" + name + `")`
	}
	return r.module + "`" + name
}

func (r *Resolver) pointer(id uint32) string {
	var base string
	if elem, ok := r.src.TypeID(id); ok {
		base = r.TypeName(elem)
	}
	if base == "" {
		return "void*"
	}
	return base + "*"
}

func (r *Resolver) array(id uint32) string {
	dim := "[]"
	if n, ok := r.src.Length(id); ok {
		dim = fmt.Sprintf("[%d]", n)
	}

	var elem string
	if e, ok := r.src.TypeID(id); ok {
		elem = r.TypeName(e)
	}
	if elem == "" {
		return "void*"
	}
	return elem + dim
}

func (r *Resolver) baseType(id uint32) string {
	bt, ok := r.src.BaseType(id)
	if !ok {
		return UnknownBaseType
	}
	length, ok := r.src.Length(id)
	if !ok {
		return UnknownBaseType
	}

	var prefix, typ string
	switch bt {
	case BtChar, BtWChar:
		switch length {
		case 1:
			typ = "char"
		case 2:
			typ = "wchar_t"
		}
	case BtUInt, BtULong:
		prefix = "unsigned "
		typ = integerName(length)
	case BtVoid, BtInt, BtLong:
		typ = integerName(length)
	case BtFloat:
		switch length {
		case 4:
			typ = "float"
		case 8:
			typ = "double"
		}
	case BtBool:
		switch length {
		case 1:
			typ = "bool"
		case 4:
			typ = "`BOOL"
		}
	case BtHresult:
		typ = "`HRESULT"
	}

	switch {
	case typ == "":
		return UnknownBaseType
	case prefix != "":
		return prefix + typ
	case typ[0] == '`':
		return r.module + typ
	}
	return typ
}

func integerName(length uint64) string {
	switch length {
	case 0:
		return "void"
	case 1:
		return "char"
	case 2:
		return "short"
	case 4:
		return "long"
	case 8:
		return "long long"
	}
	return ""
}

// Signature is the rendered signature of a function type.
type Signature struct {
	// Types holds the return type, then the this pointer type for methods,
	// then each declared parameter.
	Types   []string
	VarArgs bool
}

// LoadParamTypes renders the signature of the function type id. A signature
// with a missing slot is useless for argument decoding, so any unresolved
// slot yields ok == false.
func (r *Resolver) LoadParamTypes(id uint32) (Signature, bool) {
	if id == 0 {
		return Signature{}, false
	}
	if tag, ok := r.src.SymTag(id); !ok || tag != SymTagFunctionType {
		return Signature{}, false
	}

	retID, ok := r.src.TypeID(id)
	if !ok {
		return Signature{}, false
	}
	ret := r.TypeName(retID)
	if ret == "" {
		return Signature{}, false
	}

	var this string
	if thisID, ok := r.src.ObjectPointerType(id); ok && thisID != 0 {
		if this = r.TypeName(thisID); this == "" {
			return Signature{}, false
		}
	}

	count, ok := r.src.ChildrenCount(id)
	if !ok {
		return Signature{}, false
	}

	sig := Signature{Types: make([]string, 0, int(count)+2)}
	sig.Types = append(sig.Types, ret)
	if this != "" {
		sig.Types = append(sig.Types, this)
	}
	if count == 0 {
		return sig, true
	}

	children, ok := r.src.FindChildren(id, count)
	if !ok || uint32(len(children)) < count {
		return Signature{}, false
	}

	for i, child := range children[:count] {
		typeID, ok := r.src.TypeID(child)
		if !ok {
			return Signature{}, false
		}

		// A trailing argument without a type stands for an ellipsis.
		if i+1 == int(count) {
			if bt, ok := r.src.BaseType(typeID); ok && bt == BtNoType {
				sig.VarArgs = true
				break
			}
		}

		name := r.TypeName(typeID)
		if name == "" {
			return Signature{}, false
		}
		sig.Types = append(sig.Types, name)
	}
	return sig, true
}
