package module

import (
	"debug/dwarf"
	"fmt"

	"github.com/coral-mesh/etwtrace/internal/symsrv/typeinfo"
)

// DWARFFunction is a subprogram with code.
type DWARFFunction struct {
	Name string
	RVA  uint32
	Size uint32
	// TypeIndex is the synthesized function type in the source's type table.
	TypeIndex uint32
}

// DWARFSource exposes DWARF type information through typeinfo.Source. Types
// are converted eagerly into a typeinfo.Map; typedefs and qualifiers are
// transparent.
type DWARFSource struct {
	typeinfo.Map

	data      *dwarf.Data
	ids       map[dwarf.Offset]uint32
	converted map[dwarf.Type]uint32
	void      uint32
	noType    uint32
	next      uint32

	functions []DWARFFunction
}

// NewDWARFSource reads every subprogram with code from d. imageBase is
// subtracted from code addresses to produce RVAs.
func NewDWARFSource(d *dwarf.Data, imageBase uint64) (*DWARFSource, error) {
	s := &DWARFSource{
		Map:       typeinfo.Map{},
		data:      d,
		ids:       make(map[dwarf.Offset]uint32),
		converted: make(map[dwarf.Type]uint32),
		next:      1,
	}

	r := d.Reader()
	for {
		e, err := r.Next()
		if err != nil {
			return nil, fmt.Errorf("read dwarf: %w", err)
		}
		if e == nil {
			break
		}
		if e.Tag != dwarf.TagSubprogram {
			continue
		}

		if fn, ok := s.subprogram(r, e, imageBase); ok {
			s.functions = append(s.functions, fn)
		}
	}
	return s, nil
}

// Functions returns the subprograms in debug info order.
func (s *DWARFSource) Functions() []DWARFFunction { return s.functions }

func (s *DWARFSource) alloc(t typeinfo.Type) uint32 {
	id := s.next
	s.next++
	s.Map[id] = t
	return id
}

func (s *DWARFSource) voidID() uint32 {
	if s.void == 0 {
		s.void = s.alloc(typeinfo.Type{Tag: typeinfo.SymTagBaseType, Base: typeinfo.BtVoid})
	}
	return s.void
}

func (s *DWARFSource) noTypeID() uint32 {
	if s.noType == 0 {
		s.noType = s.alloc(typeinfo.Type{Tag: typeinfo.SymTagBaseType, Base: typeinfo.BtNoType})
	}
	return s.noType
}

// typeAt converts the type at off, returning 0 when it cannot be read.
func (s *DWARFSource) typeAt(off dwarf.Offset) uint32 {
	if id, ok := s.ids[off]; ok {
		return id
	}
	t, err := s.data.Type(off)
	if err != nil {
		return 0
	}
	id := s.convert(t)
	s.ids[off] = id
	return id
}

func (s *DWARFSource) convert(t dwarf.Type) uint32 {
	if t == nil {
		return s.voidID()
	}
	if id, ok := s.converted[t]; ok {
		return id
	}

	switch t := t.(type) {
	case *dwarf.TypedefType:
		return s.remember(t, s.convert(t.Type))
	case *dwarf.QualType:
		return s.remember(t, s.convert(t.Type))
	case *dwarf.VoidType:
		return s.remember(t, s.voidID())
	case *dwarf.UnspecifiedType, *dwarf.DotDotDotType:
		return s.remember(t, s.noTypeID())
	}

	// Reserve the id first so self referencing types terminate.
	id := s.alloc(typeinfo.Type{})
	s.converted[t] = id

	var out typeinfo.Type
	switch t := t.(type) {
	case *dwarf.CharType:
		out = base(typeinfo.BtChar, t.ByteSize)
	case *dwarf.UcharType:
		out = base(typeinfo.BtUInt, t.ByteSize)
	case *dwarf.IntType:
		out = base(typeinfo.BtInt, t.ByteSize)
	case *dwarf.UintType:
		out = base(typeinfo.BtUInt, t.ByteSize)
	case *dwarf.FloatType:
		out = base(typeinfo.BtFloat, t.ByteSize)
	case *dwarf.BoolType:
		out = base(typeinfo.BtBool, t.ByteSize)
	case *dwarf.ComplexType:
		out = base(typeinfo.BtComplex, t.ByteSize)
	case *dwarf.AddrType:
		out = base(typeinfo.BtUInt, t.ByteSize)
	case *dwarf.PtrType:
		out = typeinfo.Type{Tag: typeinfo.SymTagPointerType, Length: uint64(t.ByteSize)}
		if _, isVoid := t.Type.(*dwarf.VoidType); t.Type != nil && !isVoid {
			out.Ref = s.convert(t.Type)
		}
	case *dwarf.StructType:
		out = typeinfo.Type{Tag: typeinfo.SymTagUDT, Name: t.StructName, Length: uint64(max(t.ByteSize, 0))}
	case *dwarf.EnumType:
		out = typeinfo.Type{Tag: typeinfo.SymTagEnum, Name: t.EnumName, Length: uint64(max(t.ByteSize, 0))}
	case *dwarf.ArrayType:
		out = typeinfo.Type{Tag: typeinfo.SymTagArrayType, Ref: s.convert(t.Type)}
		if t.ByteSize < 0 || t.Count < 0 {
			out.NoLength = true
		} else {
			out.Length = uint64(t.ByteSize)
		}
	case *dwarf.FuncType:
		out = typeinfo.Type{Tag: typeinfo.SymTagFunctionType, Ref: s.convert(t.ReturnType)}
		for _, p := range t.ParamType {
			arg := s.alloc(typeinfo.Type{Tag: typeinfo.SymTagFunctionArgType, Ref: s.convert(p)})
			out.Children = append(out.Children, arg)
		}
	default:
		out = typeinfo.Type{Tag: typeinfo.SymTagNull, Name: t.String()}
	}

	s.Map[id] = out
	return id
}

func (s *DWARFSource) remember(t dwarf.Type, id uint32) uint32 {
	s.converted[t] = id
	return id
}

func base(bt typeinfo.BaseType, size int64) typeinfo.Type {
	t := typeinfo.Type{Tag: typeinfo.SymTagBaseType, Base: bt}
	if size < 0 {
		t.NoLength = true
	} else {
		t.Length = uint64(size)
	}
	return t
}

// name returns the name of e, following the declaration or abstract origin
// of out of line and inlined definitions.
func (s *DWARFSource) name(e *dwarf.Entry) string {
	for range 4 {
		if name, ok := e.Val(dwarf.AttrName).(string); ok {
			return name
		}
		off, ok := e.Val(dwarf.AttrSpecification).(dwarf.Offset)
		if !ok {
			if off, ok = e.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset); !ok {
				return ""
			}
		}
		r := s.data.Reader()
		r.Seek(off)
		next, err := r.Next()
		if err != nil || next == nil {
			return ""
		}
		e = next
	}
	return ""
}

// subprogram consumes the children of a subprogram entry and synthesizes its
// function type.
func (s *DWARFSource) subprogram(r *dwarf.Reader, e *dwarf.Entry, imageBase uint64) (DWARFFunction, bool) {
	fn := s.functionType(r, e)

	name := s.name(e)
	low, hasLow := e.Val(dwarf.AttrLowpc).(uint64)
	if name == "" || !hasLow || low < imageBase {
		return DWARFFunction{}, false
	}

	var size uint64
	if f := e.AttrField(dwarf.AttrHighpc); f != nil {
		switch v := f.Val.(type) {
		case uint64:
			if v > low {
				size = v - low
			}
		case int64:
			if v > 0 {
				size = uint64(v)
			}
		}
	}

	rva := low - imageBase
	if rva > 0xFFFFFFFF {
		return DWARFFunction{}, false
	}
	return DWARFFunction{
		Name:      name,
		RVA:       uint32(rva),
		Size:      uint32(min(size, 0xFFFFFFFF)),
		TypeIndex: fn,
	}, true
}

// functionType builds a FunctionType entry from the formal parameters of e.
// The object pointer parameter becomes the this type; return parameters of Go
// functions are not arguments.
func (s *DWARFSource) functionType(r *dwarf.Reader, e *dwarf.Entry) uint32 {
	ft := typeinfo.Type{Tag: typeinfo.SymTagFunctionType}
	if off, ok := e.Val(dwarf.AttrType).(dwarf.Offset); ok {
		ft.Ref = s.typeAt(off)
	} else {
		ft.Ref = s.voidID()
	}

	thisParam, hasThis := e.Val(dwarf.AttrObjectPointer).(dwarf.Offset)

	if e.Children {
		for {
			c, err := r.Next()
			if err != nil || c == nil || c.Tag == 0 {
				break
			}

			switch c.Tag {
			case dwarf.TagFormalParameter:
				if out, _ := c.Val(dwarf.AttrVarParam).(bool); out {
					break
				}
				var typ uint32
				if off, ok := c.Val(dwarf.AttrType).(dwarf.Offset); ok {
					typ = s.typeAt(off)
				}
				if hasThis && c.Offset == thisParam {
					ft.This = typ
					break
				}
				ft.Children = append(ft.Children, s.alloc(typeinfo.Type{Tag: typeinfo.SymTagFunctionArgType, Ref: typ}))
			case dwarf.TagUnspecifiedParameters:
				ft.Children = append(ft.Children, s.alloc(typeinfo.Type{Tag: typeinfo.SymTagFunctionArgType, Ref: s.noTypeID()}))
			}

			if c.Children {
				r.SkipChildren()
			}
		}
	}

	return s.alloc(ft)
}
