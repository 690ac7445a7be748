package typeinfo

// Type is one entry of a Map.
type Type struct {
	Tag  SymTag
	Base BaseType
	// Length is the byte size. NoLength marks it unknown.
	Length   uint64
	NoLength bool
	Name     string
	// Ref is the referenced type id, 0 for none.
	Ref uint32
	// This is the object pointer type of a method, 0 for none.
	This     uint32
	Children []uint32
}

// Map is a Source backed by a table of types keyed by id. Id 0 is never a
// valid type.
type Map map[uint32]Type

var _ Source = Map(nil)

func (m Map) lookup(id uint32) (Type, bool) {
	if id == 0 {
		return Type{}, false
	}
	t, ok := m[id]
	return t, ok
}

func (m Map) SymTag(id uint32) (SymTag, bool) {
	t, ok := m.lookup(id)
	return t.Tag, ok
}

func (m Map) TypeID(id uint32) (uint32, bool) {
	t, ok := m.lookup(id)
	if !ok || t.Ref == 0 {
		return 0, false
	}
	return t.Ref, true
}

func (m Map) BaseType(id uint32) (BaseType, bool) {
	t, ok := m.lookup(id)
	if !ok || t.Tag != SymTagBaseType {
		return 0, false
	}
	return t.Base, true
}

func (m Map) Length(id uint32) (uint64, bool) {
	t, ok := m.lookup(id)
	if !ok || t.NoLength {
		return 0, false
	}
	return t.Length, true
}

func (m Map) SymName(id uint32) (string, bool) {
	t, ok := m.lookup(id)
	if !ok || t.Name == "" {
		return "", false
	}
	return t.Name, true
}

func (m Map) ObjectPointerType(id uint32) (uint32, bool) {
	t, ok := m.lookup(id)
	if !ok || t.This == 0 {
		return 0, false
	}
	return t.This, true
}

func (m Map) ChildrenCount(id uint32) (uint32, bool) {
	t, ok := m.lookup(id)
	if !ok {
		return 0, false
	}
	return uint32(len(t.Children)), true
}

func (m Map) FindChildren(id uint32, count uint32) ([]uint32, bool) {
	t, ok := m.lookup(id)
	if !ok || uint32(len(t.Children)) < count {
		return nil, false
	}
	return t.Children[:count], true
}
