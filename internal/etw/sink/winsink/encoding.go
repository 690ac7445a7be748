package winsink

import "github.com/coral-mesh/etwtrace/internal/etw/sink"

// encoding selects the go-winio field builder for a field type. go-winio
// only exposes the default out type for numbers, so hex, error code and
// process id types are written as plain integers of their width.
type encoding int

const (
	encValue encoding = iota
	encBool
	encPointer
	encString
)

func encodingOf(t sink.FieldType) encoding {
	switch t {
	case sink.TypeBool8, sink.TypeBool32:
		return encBool
	case sink.TypeIntPtr, sink.TypeUIntPtr, sink.TypePointer:
		return encPointer
	case sink.TypeMbcsString, sink.TypeUtf16String,
		sink.TypeMbcsXml, sink.TypeUtf16Xml,
		sink.TypeMbcsJson, sink.TypeUtf16Json,
		sink.TypeCountedMbcsString, sink.TypeCountedUtf16String,
		sink.TypeCountedMbcsXml, sink.TypeCountedUtf16Xml,
		sink.TypeCountedMbcsJson, sink.TypeCountedUtf16Json:
		return encString
	}
	return encValue
}

// asUint64 widens an integer value without sign extension, so a 32-bit
// pointer of 0xffffffff stays 0xffffffff.
func asUint64(v any) (uint64, bool) {
	switch v := v.(type) {
	case int8:
		return uint64(uint8(v)), true
	case uint8:
		return uint64(v), true
	case int16:
		return uint64(uint16(v)), true
	case uint16:
		return uint64(v), true
	case int32:
		return uint64(uint32(v)), true
	case uint32:
		return uint64(v), true
	case int64:
		return uint64(v), true
	case uint64:
		return v, true
	}
	return 0, false
}
